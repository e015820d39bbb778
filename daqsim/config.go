package daqsim

import (
	"github.com/eumaka/swf-testbed/errors"
)

// Config holds the DAQ simulator timing profile and identity. Dwell times and
// the STF cadence are virtual seconds on the simulation clock; together they
// fix the exact event sequence of a cycle, which is what makes exact-count
// assertions possible in tests.
type Config struct {
	Topic     string `json:"topic"`
	AgentName string `json:"agent_name"`
	AgentType string `json:"agent_type"`

	// Dwell times per machine state, in virtual seconds
	NoBeamDwell       float64 `json:"no_beam_dwell"`
	BeamNotReadyDwell float64 `json:"beam_not_ready_dwell"`
	BeamReadyDwell    float64 `json:"beam_ready_dwell"`
	PhysicsDwell      float64 `json:"physics_dwell"`
	StandbyDwell      float64 `json:"standby_dwell"`
	CooldownDwell     float64 `json:"cooldown_dwell"`

	// StfInterval is the virtual-time spacing between generated STFs during
	// physics datataking
	StfInterval float64 `json:"stf_interval"`

	// Cycles is the number of complete DAQ cycles (runs) to simulate;
	// CycleGap separates consecutive cycles
	Cycles   int     `json:"cycles"`
	CycleGap float64 `json:"cycle_gap"`

	// HeartbeatEveryStfs sends a liveness heartbeat after every N generated
	// STFs (0 disables the in-window heartbeats)
	HeartbeatEveryStfs int `json:"heartbeat_every_stfs"`

	// RunConditions are carried verbatim on run_imminent
	RunConditions map[string]string `json:"run_conditions"`

	// DataDir, when set, receives a mock data file per generated STF.
	// EventDir, when set, receives a JSON copy of every broadcast event.
	DataDir  string `json:"data_dir,omitempty"`
	EventDir string `json:"event_dir,omitempty"`
}

// DefaultConfig returns the fast-test cycle profile: two 10-second physics
// windows at a 2-second STF interval, so each run produces exactly 10 STFs.
func DefaultConfig() Config {
	return Config{
		Topic:              "daq.epictopic",
		AgentName:          "daq-simulator",
		AgentType:          "daqsim",
		NoBeamDwell:        5,
		BeamNotReadyDwell:  5,
		BeamReadyDwell:     2,
		PhysicsDwell:       10,
		StandbyDwell:       2,
		CooldownDwell:      5,
		StfInterval:        2,
		Cycles:             1,
		CycleGap:           60,
		HeartbeatEveryStfs: 10,
		RunConditions: map[string]string{
			"beam_energy":     "5 GeV",
			"magnetic_field":  "1.5T",
			"detector_config": "physics",
			"bunch_structure": "216x216",
		},
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Topic == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "topic is required")
	}
	if c.AgentName == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "agent_name is required")
	}
	if c.StfInterval <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"stf_interval must be positive")
	}
	if c.PhysicsDwell < 0 || c.NoBeamDwell < 0 || c.BeamNotReadyDwell < 0 ||
		c.BeamReadyDwell < 0 || c.StandbyDwell < 0 || c.CooldownDwell < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"dwell times must not be negative")
	}
	if c.Cycles < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"cycles must be at least 1")
	}
	return nil
}
