package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/arloliu/fleetsim"
)

// options are the command line flags. A flag that is set overrides the
// configuration file; an unset flag leaves it alone.
type options struct {
	ConfigPath string
	Users      int
	SpawnRate  float64
	Duration   time.Duration
	Backend    string
	Count      uint64
	From       uint64
	To         uint64
	Workers    int
	Debug      bool
	// Args are the positional arguments after the flags.
	Args []string
}

func newFlagSet(mode string, o *options) *flag.FlagSet {
	fs := flag.NewFlagSet(mode, flag.ContinueOnError)
	fs.StringVar(&o.ConfigPath, "config", "", "YAML or JSON configuration file")
	fs.BoolVar(&o.Debug, "debug", false, "Human readable debug logs")

	switch mode {
	case "run":
		fs.IntVar(&o.Users, "users", 0, "Concurrent simulated devices")
		fs.Float64Var(&o.SpawnRate, "spawn-rate", 0, "Users started per second")
		fs.DurationVar(&o.Duration, "duration", 0, "Total run time (0 runs until interrupted)")
		fs.StringVar(&o.Backend, "pool", "", "Identity pool backend: nats or memory")
		fs.Uint64Var(&o.Count, "count", 0, "Identities seeded into the memory pool")
	case "init":
		fs.Uint64Var(&o.Count, "count", 0, "Number of identities to enqueue")
	case "cleanup":
		fs.Uint64Var(&o.Count, "count", 0, "Deprovision ids 1..count")
		fs.IntVar(&o.Workers, "workers", 16, "Concurrent registry deletes")
	case "ids":
		fs.Uint64Var(&o.From, "from", 1, "First index")
		fs.Uint64Var(&o.To, "to", 10, "Last index")
	}

	return fs
}

// parseOptions parses args for mode and returns the options with the names
// of the flags given explicitly.
func parseOptions(mode string, args []string) (*options, map[string]bool, error) {
	o := &options{}
	fs := newFlagSet(mode, o)
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	o.Args = fs.Args()

	return o, set, nil
}

// loadConfig reads the configuration file, or only defaults and environment
// when none is given, then applies explicit flags.
func loadConfig(o *options, set map[string]bool) (*fleetsim.Config, error) {
	var (
		cfg *fleetsim.Config
		err error
	)
	if o.ConfigPath != "" {
		cfg, err = fleetsim.LoadConfig(o.ConfigPath)
	} else {
		cfg, err = fleetsim.ParseConfig([]byte("{}"))
	}
	if err != nil {
		return nil, err
	}

	if set["users"] {
		cfg.Fleet.Users = &o.Users
	}
	if set["spawn-rate"] {
		cfg.Fleet.SpawnRate = o.SpawnRate
	}
	if set["duration"] {
		cfg.Fleet.Duration = o.Duration
	}
	if set["pool"] {
		cfg.Pool.Backend = fleetsim.Backend(o.Backend)
	}
	if set["count"] {
		cfg.Pool.Count = o.Count
	}
	if set["debug"] {
		cfg.Log.Debug = o.Debug
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid flags: %w", err)
	}

	return cfg, nil
}
