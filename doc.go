// Package fleetsim is a load generator that simulates a fleet of IoT devices
// publishing telemetry to an MQTT ingestion backend.
//
// Each simulated user leases a device identity from a shared pool, provisions
// it in the device registry, authenticates with a short-lived signed token,
// connects over TLS, publishes readings, and returns everything on teardown.
// No identity is ever held by two users at once, and every leased identity is
// given back even when a session fails half way.
//
// # Packages
//
//   - identity: device names and leases
//   - token: shared access signature tokens
//   - pool, pool/natsqueue: the identity pool and its JetStream work queue
//   - registry, registry/iothub: idempotent device provisioning
//   - secrets: connection strings and trust anchors from config or Key Vault
//   - transport: the connection state machine and its MQTT dialer
//   - lease: the per-user session orchestrator
//   - fleet: many sessions at a spawn rate
//   - telemetry: OpenTelemetry providers
//
// This package holds the configuration tree and the logger factory used by
// cmd/fleetsim.
//
// # Configuration
//
//	cfg, err := fleetsim.LoadConfig("fleetsim.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	logger, err := fleetsim.NewLogger(cfg.Log)
//
// Every field has a default, so an empty document is a valid configuration
// of a single user against a local NATS server.
package fleetsim
