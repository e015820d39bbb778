// Package daqsim drives a simulated DAQ run through its fixed state graph and
// broadcasts the canonical event sequence on the bus topic, irrespective of
// consumers' presence. The machine runs on a virtual clock (simclock), so the
// emitted sequence, down to the exact STF count per physics window, is
// identical on every execution.
//
// The producer is deliberately at-most-once: a failed broadcast is logged and
// never retried. Consumers treat a missing lifecycle event as a lost-update
// condition, not a hang.
package daqsim

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/eumaka/swf-testbed/errors"
	"github.com/eumaka/swf-testbed/event"
	"github.com/eumaka/swf-testbed/metric"
	"github.com/eumaka/swf-testbed/registry"
	"github.com/eumaka/swf-testbed/simclock"
)

// DAQ machine states and substates
const (
	StateNoBeam = "no_beam"
	StateBeam   = "beam"
	StateRun    = "run"

	SubstateNotReady = "not_ready"
	SubstateReady    = "ready"
	SubstatePhysics  = "physics"
	SubstateStandby  = "standby"
)

// Bus is the outbound broadcast surface the simulator needs
type Bus interface {
	Publish(ctx context.Context, subject string, data []byte) error
	IsConnected() bool
}

// RunSequencer hands out globally-unique run numbers
type RunSequencer interface {
	NextRunNumber(ctx context.Context) (string, error)
}

// HeartbeatSender reports simulator liveness to the registry
type HeartbeatSender interface {
	SendHeartbeat(ctx context.Context, hb registry.Heartbeat) error
}

// Simulator is the DAQ lifecycle state machine
type Simulator struct {
	cfg    Config
	bus    Bus
	seq    RunSequencer
	hb     HeartbeatSender
	logger *slog.Logger
	m      *Metrics

	// fileCounter numbers STFs globally across all runs so filenames are
	// unique facility-wide
	fileCounter  int
	currentRunID string
	runFiles     int

	runErr error
}

// New creates a Simulator. The metrics registry may be nil.
func New(cfg Config, bus Bus, seq RunSequencer, hb HeartbeatSender, logger *slog.Logger, metrics *metric.Registry) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulator{
		cfg:    cfg,
		bus:    bus,
		seq:    seq,
		hb:     hb,
		logger: logger.With("component", "daqsim", "agent", cfg.AgentName),
		m:      newMetrics(metrics),
	}, nil
}

// StfPerWindow returns the deterministic STF count for one physics window:
// ⌊dwell / interval⌋.
func (c Config) StfPerWindow() int {
	return int(c.PhysicsDwell / c.StfInterval)
}

// Run drives the configured number of DAQ cycles to completion and returns
// the first critical error, if any. Broadcast failures are not critical; a
// failed run-number acquisition is.
func (s *Simulator) Run(ctx context.Context) error {
	env := simclock.New()

	env.Process(func(p *simclock.Proc) {
		for cycle := 0; cycle < s.cfg.Cycles; cycle++ {
			if ctx.Err() != nil || s.runErr != nil {
				return
			}
			s.logger.Info("Starting DAQ cycle", "cycle", cycle+1, "total_cycles", s.cfg.Cycles)
			s.runCycle(ctx, p)
			if cycle < s.cfg.Cycles-1 {
				p.Wait(s.cfg.CycleGap)
			}
		}
	})

	env.RunAll()

	if s.runErr != nil {
		return s.runErr
	}
	return ctx.Err()
}

// runCycle walks one run through the fixed state sequence:
// no_beam/not_ready → beam/not_ready → beam/ready → run/physics →
// run/standby → run/physics → beam/not_ready → no_beam/not_ready.
func (s *Simulator) runCycle(ctx context.Context, p *simclock.Proc) {
	s.sendHeartbeat(ctx)

	s.logState(p, StateNoBeam, SubstateNotReady, "Collider not operating")
	p.Wait(s.cfg.NoBeamDwell)

	s.logState(p, StateBeam, SubstateNotReady, "Run start imminent")
	runID, err := s.seq.NextRunNumber(ctx)
	if err != nil {
		// Without a registry-assigned run number there is no run identity
		// to broadcast under; this cycle cannot proceed.
		s.runErr = errors.WrapFatal(err, "Simulator", "runCycle", "acquire run number")
		s.logger.Error("Failed to get next run number", "error", err)
		return
	}
	s.currentRunID = runID
	s.runFiles = 0
	s.logger.Info("Got next run number from persistent state", "run_id", runID)

	s.broadcast(ctx, p, event.Envelope{
		Type:        event.TypeRunImminent,
		RunID:       runID,
		State:       StateBeam,
		Substate:    SubstateNotReady,
		RunImminent: &event.RunImminent{RunConditions: s.cfg.RunConditions},
	})
	p.Wait(s.cfg.BeamNotReadyDwell)

	s.logState(p, StateBeam, SubstateReady, "Ready for physics")
	p.Wait(s.cfg.BeamReadyDwell)

	s.logState(p, StateRun, SubstatePhysics, "Physics datataking period 1")
	s.broadcast(ctx, p, event.Envelope{
		Type:     event.TypeStartRun,
		RunID:    runID,
		State:    StateRun,
		Substate: SubstatePhysics,
	})
	s.generateStfs(ctx, p, s.cfg.PhysicsDwell)

	s.logState(p, StateRun, SubstateStandby, "Brief standby")
	s.broadcast(ctx, p, event.Envelope{
		Type:     event.TypePauseRun,
		RunID:    runID,
		State:    StateRun,
		Substate: SubstateStandby,
	})
	p.Wait(s.cfg.StandbyDwell)

	s.logState(p, StateRun, SubstatePhysics, "Physics datataking period 2")
	s.broadcast(ctx, p, event.Envelope{
		Type:     event.TypeResumeRun,
		RunID:    runID,
		State:    StateRun,
		Substate: SubstatePhysics,
	})
	s.generateStfs(ctx, p, s.cfg.PhysicsDwell)

	s.logState(p, StateBeam, SubstateNotReady, "Run ended by shifters")
	s.broadcast(ctx, p, event.Envelope{
		Type:     event.TypeEndRun,
		RunID:    runID,
		State:    StateBeam,
		Substate: SubstateNotReady,
		EndRun:   &event.EndRun{TotalFiles: s.runFiles},
	})
	p.Wait(s.cfg.CooldownDwell)

	s.logState(p, StateNoBeam, SubstateNotReady, "Collider shutdown")
	s.m.recordRunCompleted()
	s.logger.Info("DAQ cycle complete", "simulation_tick", p.Now(),
		"run_id", runID, "total_files", s.runFiles)
	s.sendHeartbeat(ctx)
}

// generateStfs emits one stf_gen per interval for the duration of a physics
// window, then waits out any remainder so the window's dwell time is exact.
func (s *Simulator) generateStfs(ctx context.Context, p *simclock.Proc, duration float64) {
	s.logger.Info("Starting STF generation", "simulation_tick", p.Now(), "duration_seconds", duration)

	elapsed := 0.0
	generated := 0
	for elapsed+s.cfg.StfInterval <= duration {
		p.Wait(s.cfg.StfInterval)
		elapsed += s.cfg.StfInterval

		s.generateSingleStf(ctx, p)
		generated++

		if s.cfg.HeartbeatEveryStfs > 0 && generated%s.cfg.HeartbeatEveryStfs == 0 {
			s.sendHeartbeat(ctx)
		}
	}
	p.Wait(duration - elapsed)

	s.logger.Info("STF generation complete", "simulation_tick", p.Now(), "generated", generated)
}

func (s *Simulator) generateSingleStf(ctx context.Context, p *simclock.Proc) {
	s.fileCounter++
	s.runFiles++
	filename := fmt.Sprintf("%s_%06d.dat", s.currentRunID, s.fileCounter)

	fileURL, sizeBytes := s.writeDataFile(filename)

	// The STF covers roughly a half-second window of datataking
	start := time.Now()
	end := start.Add(500 * time.Millisecond)

	s.broadcast(ctx, p, event.Envelope{
		Type:     event.TypeStfGen,
		RunID:    s.currentRunID,
		State:    StateRun,
		Substate: SubstatePhysics,
		StfGen: &event.StfGen{
			Filename:  filename,
			FileURL:   fileURL,
			SizeBytes: sizeBytes,
			Checksum:  fmt.Sprintf("sha256:mock_checksum_%06d", s.fileCounter),
			Start:     start.Format("20060102150405"),
			End:       end.Format("20060102150405"),
			Comment:   fmt.Sprintf("STF file %d generated during physics datataking", s.fileCounter),
		},
	})
	s.m.recordStf()
}

// writeDataFile writes the mock detector payload when a data directory is
// configured. Failures degrade to a metadata-only event.
func (s *Simulator) writeDataFile(filename string) (string, int64) {
	if s.cfg.DataDir == "" {
		return "file:///dev/null/" + filename, 1024
	}

	runDir := filepath.Join(s.cfg.DataDir, "run_"+s.currentRunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		s.logger.Warn("Failed to create run data directory", "dir", runDir, "error", err)
		return "", 0
	}

	path := filepath.Join(runDir, filename)
	payload := fmt.Sprintf("STF data: run %s, file %d\nMock ePIC detector data payload...\n",
		s.currentRunID, s.fileCounter)
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		s.logger.Warn("Failed to write STF data file", "path", path, "error", err)
		return "", 0
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return "file://" + abs, int64(len(payload))
}

// broadcast encodes and publishes one event at the current virtual tick. An
// undelivered lifecycle event is logged and dropped: the producer does not
// retry, and consumers must tolerate the gap.
func (s *Simulator) broadcast(ctx context.Context, p *simclock.Proc, env event.Envelope) {
	env.Tick = p.Now()
	env.Timestamp = time.Now()
	env.ProcessedBy = []string{s.cfg.AgentName}

	data, err := env.Encode()
	if err != nil {
		s.logger.Error("Failed to encode event", "msg_type", env.Type.String(), "error", err)
		s.m.recordPublishFailure()
		return
	}

	s.writeEventFile(env, data)

	if err := s.bus.Publish(ctx, s.cfg.Topic, data); err != nil {
		s.logger.Error("Failed to send message", "destination", s.cfg.Topic,
			"msg_type", env.Type.String(), "run_id", env.RunID, "error", err)
		s.m.recordPublishFailure()
	} else {
		s.logger.Info("Broadcast message", "msg_type", env.Type.String(),
			"run_id", env.RunID, "simulation_tick", env.Tick)
		s.m.recordPublished(env.Type.String())
	}
}

func (s *Simulator) writeEventFile(env event.Envelope, data []byte) {
	if s.cfg.EventDir == "" {
		return
	}
	if err := os.MkdirAll(s.cfg.EventDir, 0o755); err != nil {
		s.logger.Warn("Failed to create event directory", "dir", s.cfg.EventDir, "error", err)
		return
	}
	name := fmt.Sprintf("run_%s_%s_%d.json", env.RunID, env.Type.String(), s.fileCounter)
	if err := os.WriteFile(filepath.Join(s.cfg.EventDir, name), data, 0o644); err != nil {
		s.logger.Warn("Failed to write event file", "name", name, "error", err)
	}
}

func (s *Simulator) logState(p *simclock.Proc, state, substate, detail string) {
	s.logger.Info("DAQ state transition", "simulation_tick", p.Now(),
		"state", state, "substate", substate, "detail", detail)
}

// sendHeartbeat reports simulator liveness. Heartbeat failures never stop the
// machine; the registry will observe the gap.
func (s *Simulator) sendHeartbeat(ctx context.Context) {
	if s.hb == nil {
		return
	}

	connected := s.bus.IsConnected()
	status := registry.StatusOK
	mqStatus := "connected"
	if !connected {
		status = registry.StatusWarning
		mqStatus = "disconnected"
	}

	err := s.hb.SendHeartbeat(ctx, registry.Heartbeat{
		InstanceName:    s.cfg.AgentName,
		AgentType:       s.cfg.AgentType,
		Status:          status,
		Description:     fmt.Sprintf("DAQ simulator - virtual-clock state machine. MQ: %s", mqStatus),
		MQConnected:     connected,
		WorkflowEnabled: true,
	})
	if err != nil {
		s.logger.Warn("Failed to send heartbeat", "error", err)
	}
}
