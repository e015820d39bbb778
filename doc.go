// Package swftestbed is a testbed for streaming workflow agents in a
// simulated data acquisition (DAQ) environment.
//
// # Overview
//
// The testbed stands in for a real detector facility: a simulated DAQ
// produces the run lifecycle and super time frame (STF) events that a
// production workflow would see, and autonomous agents consume those events,
// register state with an external monitor, catalog data, and hand work to a
// batch system. Everything downstream of the simulator is real workflow
// code; only the detector is fake.
//
// # Architecture
//
//	┌──────────────┐  lifecycle + stf_gen   ┌──────────────┐
//	│  DAQ         │ ─────────────────────→ │  Data Agent  │
//	│  Simulator   │   (broadcast topic)    │              │
//	└──────────────┘                        └──────┬───────┘
//	                                               │ data_ready
//	                                               ↓ (work queue)
//	┌──────────────┐  processing_complete   ┌──────────────┐
//	│  Event Relay │ ←───────────────────── │  Processing  │
//	│  (websocket) │                        │  Agent       │
//	└──────────────┘                        └──────┬───────┘
//	                                               │
//	                          ┌────────────────────┼──────────────┐
//	                          ↓                    ↓              ↓
//	                    swf-monitor          data catalog    batch system
//	                    (runs, files,        (datasets,      (processing
//	                     heartbeats)          attachments)    tasks)
//
// Lifecycle events (run_imminent, start_run, pause_run, resume_run, end_run)
// travel on a broadcast topic that every agent sees. Per-file work
// (data_ready) travels on a JetStream work queue so exactly one processing
// agent claims each file and failed deliveries are redelivered.
//
// # Packages
//
// Core:
//   - event: the message envelope, its closed set of types, and the codec
//   - daqsim: the discrete-event DAQ simulator
//   - agent: run/file state tracking and the shared agent runner
//   - agent/dataagent: registers runs and files, forwards data_ready
//   - agent/procagent: catalogs files, closes datasets, submits tasks
//   - relay: websocket fan-out of the broadcast topic for dashboards
//
// External systems:
//   - registry: HTTP client for the swf-monitor (runs, files, heartbeats)
//   - datacatalog: HTTP clients for the data catalog and batch system
//   - busclient: NATS connection management, pub/sub and work queues
//
// Infrastructure:
//   - config: layered configuration (defaults, file, environment)
//   - errors: transient/invalid/fatal error classification
//   - metric: Prometheus metrics registry
//   - health: component health aggregation
//   - simclock: deterministic virtual clock for the simulator
//   - pkg/retry: exponential backoff for outbound calls
//
// # Binaries
//
// Each role is its own process under cmd/:
//
//	./bin/daqsim -config testbed.json
//	./bin/data-agent -config testbed.json
//	./bin/processing-agent -config testbed.json
//	./bin/event-relay -config testbed.json
//
// All four read the same configuration file; per-process settings (agent
// name, policies, listen address) come from flags or SWF_* environment
// variables.
//
// # Error Handling
//
// Every failure an agent sees is classified before it is acted on:
//
//   - Transient (bus unreachable, registry 5xx): retried, or nak'd back to
//     the work queue for redelivery.
//   - Invalid (malformed event, registry 4xx): dropped after recording, since
//     redelivery cannot repair bad data.
//   - Fatal (unrecoverable state): the process exits and the supervisor
//     restarts it.
//
// Agents degrade rather than stall: a failed run registration or count
// mismatch flips the agent's heartbeat to WARNING and is reported to the
// monitor, but event consumption continues under the configured policy.
package swftestbed
