// Package main provides the fleetsim CLI: a device fleet load generator and
// the tooling that prepares and cleans up after it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/arloliu/fleetsim"
	"github.com/arloliu/fleetsim/identity"
	"go.uber.org/zap"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	mode := os.Args[1]
	switch mode {
	case "run", "init", "cleanup":
		if err := execute(mode, os.Args[2:]); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "ids":
		if err := printIDs(os.Stdout, os.Args[2:]); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "-h", "--help", "help":
		printUsage()
	default:
		_, _ = fmt.Fprintf(os.Stderr, "Unknown mode: %s\n", mode)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`fleetsim - IoT device fleet telemetry load generator

Usage:
  fleetsim <mode> [flags]

Modes:
  run      Simulate devices: lease, provision, connect, publish, release
  init     Reset the identity pool and enqueue ids 1..count
  cleanup  Deprovision ids 1..count from the device registry
  ids      Print rendered device ids for a range, or the index of each given id

Common Flags:
  --config   Configuration file (YAML or JSON)
  --debug    Human readable debug logs

Run Flags:
  --users       Concurrent simulated devices
  --spawn-rate  Users started per second
  --duration    Total run time (default: until interrupted)
  --pool        Identity pool backend: nats or memory
  --count       Identities seeded into the memory pool

Init / Cleanup Flags:
  --count     Number of identities
  --workers   Concurrent registry deletes (cleanup only)

Ids Flags:
  --from, --to  Index range (default: 1..10)
  [id ...]      Device ids to map back to their index

Environment Variables:
  FLEETSIM_NATS_URL                   NATS server URL
  FLEETSIM_IOTHUB_CONNECTION_STRING   Registry service connection string
  FLEETSIM_KEYVAULT_NAME              Key Vault holding the run secrets
  FLEETSIM_ALLOW_INSECURE             Permit connecting without a trust anchor
  OTEL_EXPORTER_OTLP_ENDPOINT         OTLP collector endpoint

Examples:
  fleetsim init --config fleetsim.yaml --count 7000
  fleetsim run --config fleetsim.yaml --users 500 --spawn-rate 10 --duration 1h
  fleetsim cleanup --config fleetsim.yaml --count 7000
  fleetsim ids --from 1 --to 3
  fleetsim ids 00-00-00-00-00-00-00-00-00-00-1b-58`)
}

func execute(mode string, args []string) error {
	o, set, err := parseOptions(mode, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}

		return err
	}
	cfg, err := loadConfig(o, set)
	if err != nil {
		return err
	}
	logger, err := fleetsim.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a := newApp(cfg, logger)
	defer a.close()

	switch mode {
	case "init":
		err = a.init(ctx)
	case "cleanup":
		err = a.cleanup(ctx, o.Workers)
	default:
		err = a.run(ctx)
	}
	if err != nil {
		logger.Error("fleetsim failed", zap.String("mode", mode), zap.Error(err))
	}

	return err
}

func printIDs(w io.Writer, args []string) error {
	o, _, err := parseOptions("ids", args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}

		return err
	}
	if len(o.Args) > 0 {
		for _, id := range o.Args {
			n, err := identity.ParseID(id)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "%s\t%d\n", id, n); err != nil {
				return err
			}
		}

		return nil
	}
	if o.From == 0 || o.To < o.From {
		return fmt.Errorf("invalid range %d..%d", o.From, o.To)
	}
	for _, id := range identity.Range(o.From, o.To) {
		if _, err := fmt.Fprintln(w, id); err != nil {
			return err
		}
	}

	return nil
}
