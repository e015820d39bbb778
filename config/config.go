// Package config loads the testbed configuration: a JSON file overlaid with
// environment variables. The env surface mirrors the deployment convention
// (SWF_MONITOR_URL, SWF_API_TOKEN, NATS_URL and friends), so a containerized
// agent runs with no config file at all.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/eumaka/swf-testbed/agent"
	"github.com/eumaka/swf-testbed/daqsim"
	"github.com/eumaka/swf-testbed/errors"
)

// NATS configures the message bus connection
type NATS struct {
	URL      string `json:"url"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
}

// Registry configures the swf-monitor client
type Registry struct {
	URL   string `json:"url"`
	Token string `json:"token,omitempty"`
}

// Catalog configures the data catalog client
type Catalog struct {
	URL   string `json:"url"`
	Token string `json:"token,omitempty"`
	Scope string `json:"scope"`
}

// Batch configures the batch task submitter
type Batch struct {
	URL   string `json:"url"`
	Token string `json:"token,omitempty"`
	Queue string `json:"queue"`
}

// Bus names the destinations the roles exchange events on
type Bus struct {
	Topic             string `json:"topic"`
	ProcessingStream  string `json:"processing_stream"`
	ProcessingSubject string `json:"processing_subject"`
	DoneStream        string `json:"done_stream,omitempty"`
	DoneSubject       string `json:"done_subject,omitempty"`
}

// Agent holds per-agent runtime policy
type Agent struct {
	Name             string `json:"name,omitempty"`
	MalformedPolicy  string `json:"malformed_policy,omitempty"`   // skip | fail-fast
	RunFailurePolicy string `json:"run_failure_policy,omitempty"` // block | degrade
	HeartbeatSeconds int    `json:"heartbeat_seconds,omitempty"`
}

// Relay configures the websocket event relay
type Relay struct {
	ListenAddr string `json:"listen_addr"`
}

// Config is the full application configuration
type Config struct {
	NATS      NATS          `json:"nats"`
	Registry  Registry      `json:"registry"`
	Catalog   Catalog       `json:"catalog"`
	Batch     Batch         `json:"batch"`
	Bus       Bus           `json:"bus"`
	Agent     Agent         `json:"agent"`
	Relay     Relay         `json:"relay"`
	Simulator daqsim.Config `json:"simulator"`
}

// Default returns the configuration used when neither file nor environment
// overrides a value
func Default() Config {
	sim := daqsim.DefaultConfig()
	return Config{
		NATS:     NATS{URL: "nats://localhost:4222"},
		Registry: Registry{URL: "http://localhost:8002"},
		Catalog:  Catalog{URL: "http://localhost:8004", Scope: "epic"},
		Batch:    Batch{URL: "http://localhost:8006", Queue: "stf-processing"},
		Bus: Bus{
			Topic:             sim.Topic,
			ProcessingStream:  "swf-processing",
			ProcessingSubject: "swf.processing",
			DoneStream:        "swf-done",
			DoneSubject:       "swf.done",
		},
		Agent: Agent{
			MalformedPolicy:  "skip",
			RunFailurePolicy: "block",
			HeartbeatSeconds: 30,
		},
		Relay:     Relay{ListenAddr: ":8765"},
		Simulator: sim,
	}
}

// Load builds the effective configuration: defaults, then the JSON file at
// path (optional, empty path skips it), then environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrap(err, "config", "Load", "read config file")
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.WrapInvalid(
				fmt.Errorf("%w: %s: %v", errors.ErrInvalidConfig, path, err),
				"config", "Load", "parse config file")
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.NATS.URL, "NATS_URL")
	setString(&c.NATS.Username, "NATS_USER")
	setString(&c.NATS.Password, "NATS_PASSWORD")
	setString(&c.NATS.Token, "NATS_TOKEN")

	setString(&c.Registry.URL, "SWF_MONITOR_URL")
	setString(&c.Registry.Token, "SWF_API_TOKEN")

	setString(&c.Catalog.URL, "SWF_CATALOG_URL")
	setString(&c.Catalog.Token, "SWF_CATALOG_TOKEN")
	setString(&c.Catalog.Scope, "SWF_CATALOG_SCOPE")

	setString(&c.Batch.URL, "SWF_BATCH_URL")
	setString(&c.Batch.Token, "SWF_BATCH_TOKEN")
	setString(&c.Batch.Queue, "SWF_BATCH_QUEUE")

	setString(&c.Bus.Topic, "SWF_TOPIC")
	setString(&c.Bus.ProcessingSubject, "SWF_PROCESSING_SUBJECT")
	setString(&c.Bus.DoneStream, "SWF_DONE_STREAM")
	setString(&c.Bus.DoneSubject, "SWF_DONE_SUBJECT")

	setString(&c.Agent.Name, "SWF_AGENT_NAME")
	setString(&c.Agent.MalformedPolicy, "SWF_MALFORMED_POLICY")
	setString(&c.Agent.RunFailurePolicy, "SWF_RUN_FAILURE_POLICY")
	setInt(&c.Agent.HeartbeatSeconds, "SWF_HEARTBEAT_SECONDS")

	setString(&c.Relay.ListenAddr, "SWF_RELAY_ADDR")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// Validate checks every section the binaries depend on
func (c Config) Validate() error {
	if c.NATS.URL == "" {
		return invalid("nats.url required")
	}
	if c.Registry.URL == "" {
		return invalid("registry.url required")
	}
	if c.Bus.Topic == "" {
		return invalid("bus.topic required")
	}
	if c.Bus.ProcessingStream == "" || c.Bus.ProcessingSubject == "" {
		return invalid("bus.processing_stream and bus.processing_subject required")
	}
	if c.Bus.DoneSubject != "" && c.Bus.DoneStream == "" {
		return invalid("bus.done_stream required when bus.done_subject is set")
	}
	if _, err := c.MalformedPolicy(); err != nil {
		return err
	}
	if _, err := c.RunFailurePolicy(); err != nil {
		return err
	}
	if c.Agent.HeartbeatSeconds < 0 {
		return invalid("agent.heartbeat_seconds must not be negative")
	}
	if err := c.Simulator.Validate(); err != nil {
		return err
	}
	return nil
}

func invalid(msg string) error {
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s", errors.ErrInvalidConfig, msg),
		"config", "Validate", "check config")
}

// MalformedPolicy parses the configured malformed-message policy
func (c Config) MalformedPolicy() (agent.MalformedPolicy, error) {
	switch c.Agent.MalformedPolicy {
	case "", "skip":
		return agent.MalformedSkip, nil
	case "fail-fast":
		return agent.MalformedFailFast, nil
	default:
		return agent.MalformedSkip, invalid(
			fmt.Sprintf("unknown malformed_policy %q", c.Agent.MalformedPolicy))
	}
}

// RunFailurePolicy parses the configured run-registration-failure policy
func (c Config) RunFailurePolicy() (agent.RunFailurePolicy, error) {
	switch c.Agent.RunFailurePolicy {
	case "", "block":
		return agent.RunFailureBlock, nil
	case "degrade":
		return agent.RunFailureDegrade, nil
	default:
		return agent.RunFailureBlock, invalid(
			fmt.Sprintf("unknown run_failure_policy %q", c.Agent.RunFailurePolicy))
	}
}

// HeartbeatInterval returns the agent heartbeat cadence
func (c Config) HeartbeatInterval() time.Duration {
	if c.Agent.HeartbeatSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Agent.HeartbeatSeconds) * time.Second
}
