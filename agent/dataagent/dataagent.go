// Package dataagent implements the Data role: it watches the DAQ broadcast
// topic, mirrors runs and STF files into the monitoring registry, and hands
// each registered file to the processing stage as a data_ready work item.
//
// Registry registration happens before the derived event is published, so the
// processing stage can rely on the file record already existing when it picks
// the work up.
package dataagent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/eumaka/swf-testbed/agent"
	"github.com/eumaka/swf-testbed/errors"
	"github.com/eumaka/swf-testbed/event"
	"github.com/eumaka/swf-testbed/metric"
	"github.com/eumaka/swf-testbed/registry"
)

// RunRegistry is the registry surface the data agent needs
type RunRegistry interface {
	CreateRun(ctx context.Context, run registry.Run) (registry.RunRecord, error)
	UpdateRun(ctx context.Context, runNumber string, run registry.Run) error
	CreateFile(ctx context.Context, file registry.StfFile) (registry.FileRecord, error)
	SendHeartbeat(ctx context.Context, hb registry.Heartbeat) error
}

// WorkPublisher forwards derived events to the processing stage queue
type WorkPublisher interface {
	PublishWork(ctx context.Context, subject string, data []byte) error
	IsConnected() bool
}

// Config for the data agent
type Config struct {
	Name string
	// ForwardSubject is the processing stage's work-queue subject
	ForwardSubject string
	RunFailure     agent.RunFailurePolicy
}

// Agent is the Data role handler, composed with the shared session tracker
type Agent struct {
	cfg     Config
	reg     RunRegistry
	pub     WorkPublisher
	tracker *agent.Tracker
	logger  *slog.Logger
	m       *metrics
}

// New builds the Data role handler. The tracker is shared with the Runner.
func New(cfg Config, reg RunRegistry, pub WorkPublisher, tracker *agent.Tracker, logger *slog.Logger, metrics *metric.Registry) (*Agent, error) {
	if cfg.Name == "" || cfg.ForwardSubject == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: name and forward subject required", errors.ErrInvalidConfig),
			"DataAgent", "New", "validate config")
	}
	if tracker == nil {
		tracker = agent.NewTracker()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		cfg:     cfg,
		reg:     reg,
		pub:     pub,
		tracker: tracker,
		logger:  logger.With("component", "dataagent", "agent", cfg.Name),
		m:       newMetrics(metrics),
	}, nil
}

// OnEvent handles one decoded topic message to completion
func (a *Agent) OnEvent(ctx context.Context, env event.Envelope) error {
	switch env.Type {
	case event.TypeRunImminent:
		return a.handleRunImminent(ctx, env)
	case event.TypeStartRun:
		return a.handleStartRun(env)
	case event.TypeStfGen:
		return a.handleStfGen(ctx, env)
	case event.TypePauseRun, event.TypeResumeRun:
		a.logger.Info("Run state change", "msg_type", env.Type.String(),
			"run_id", env.RunID, "substate", env.Substate)
		return nil
	case event.TypeEndRun:
		return a.handleEndRun(ctx, env)
	default:
		a.logger.Info("No handler for message type", "msg_type", env.Type.String())
		return nil
	}
}

// handleRunImminent creates the registry run record and opens the local
// session. A replayed run_imminent for a known run is a no-op; the registry
// never sees a second create. When creation fails the session is opened
// unregistered so later file work is blocked, not silently attempted.
func (a *Agent) handleRunImminent(ctx context.Context, env event.Envelope) error {
	if _, known := a.tracker.Run(env.RunID); known {
		a.logger.Info("Run already tracked, ignoring duplicate run_imminent", "run_id", env.RunID)
		return nil
	}

	var conditions map[string]string
	if env.RunImminent != nil {
		conditions = env.RunImminent.RunConditions
	}

	_, err := a.reg.CreateRun(ctx, registry.Run{
		RunNumber:  env.RunID,
		Conditions: conditions,
		StartTime:  time.Now().UTC(),
		Status:     "imminent",
	})
	if err != nil {
		a.m.recordRunRegistrationFailure()
		if a.cfg.RunFailure == agent.RunFailureBlock {
			a.tracker.BeginRun(env.RunID, conditions, false)
			a.tracker.FailFile(env.RunID, "")
			a.logger.Error("Run registration failed, blocking file work for run",
				"run_id", env.RunID, "error", err)
			return err
		}
		// degrade: keep processing files, heartbeat carries the warning
		a.tracker.BeginRun(env.RunID, conditions, true)
		a.tracker.FailFile(env.RunID, "")
		a.logger.Error("Run registration failed, continuing degraded",
			"run_id", env.RunID, "error", err)
		return err
	}

	a.tracker.BeginRun(env.RunID, conditions, true)
	a.m.recordRunRegistered()
	a.logger.Info("Registered run", "run_id", env.RunID, "conditions", conditions)
	return nil
}

func (a *Agent) handleStartRun(env event.Envelope) error {
	if !a.tracker.MarkActive(env.RunID) {
		// agent restarted mid-run; tolerate and keep going
		a.logger.Warn("start_run for unknown run", "run_id", env.RunID)
		return nil
	}
	a.logger.Info("Run active", "run_id", env.RunID)
	return nil
}

// handleStfGen registers the file with the registry and then, only on
// success, forwards a data_ready work item. Files of an unregistered run are
// skipped with a warning and counted as failures.
func (a *Agent) handleStfGen(ctx context.Context, env event.Envelope) error {
	stf := env.StfGen
	rs, known := a.tracker.Run(env.RunID)
	if !known {
		a.logger.Warn("stf_gen for unknown run, skipping",
			"run_id", env.RunID, "filename", stf.Filename)
		return nil
	}
	if !rs.Registered && a.cfg.RunFailure == agent.RunFailureBlock {
		a.tracker.FailFile(env.RunID, stf.Filename)
		a.logger.Warn("Run not registered, skipping file",
			"run_id", env.RunID, "filename", stf.Filename)
		return errors.WrapInvalid(
			fmt.Errorf("%w: run %s file %s", errors.ErrRunNotRegistered, env.RunID, stf.Filename),
			"DataAgent", "handleStfGen", "check run session")
	}

	_, err := a.reg.CreateFile(ctx, registry.StfFile{
		RunNumber: env.RunID,
		Filename:  stf.Filename,
		FileURL:   stf.FileURL,
		SizeBytes: stf.SizeBytes,
		Checksum:  stf.Checksum,
		Start:     stf.Start,
		End:       stf.End,
		Status:    registry.FileRegistered,
	})
	if err != nil {
		a.tracker.FailFile(env.RunID, stf.Filename)
		a.m.recordFileRegistrationFailure()
		a.logger.Error("File registration failed",
			"run_id", env.RunID, "filename", stf.Filename, "error", err)
		return err
	}

	if err := a.tracker.ObserveFile(env.RunID, stf.Filename); err != nil {
		return errors.WrapInvalid(err, "DataAgent", "handleStfGen", "track file")
	}
	a.m.recordFileRegistered()

	if err := a.forwardDataReady(ctx, env); err != nil {
		// the file record exists; only the handoff failed
		a.tracker.FailFile(env.RunID, stf.Filename)
		a.logger.Error("Failed to forward data_ready",
			"run_id", env.RunID, "filename", stf.Filename, "error", err)
		return errors.WrapTransient(err, "DataAgent", "handleStfGen", "forward data_ready")
	}

	a.tracker.CompleteFile(env.RunID, stf.Filename)
	return nil
}

func (a *Agent) forwardDataReady(ctx context.Context, env event.Envelope) error {
	out := env.Forwarded(event.TypeDataReady, a.cfg.Name)
	out.DataReady = &event.DataReady{
		Filename:  env.StfGen.Filename,
		FileURL:   env.StfGen.FileURL,
		SizeBytes: env.StfGen.SizeBytes,
		Checksum:  env.StfGen.Checksum,
		Start:     env.StfGen.Start,
		End:       env.StfGen.End,
	}
	out.StfGen = nil
	out.Timestamp = time.Now()

	data, err := out.Encode()
	if err != nil {
		return err
	}
	if err := a.pub.PublishWork(ctx, a.cfg.ForwardSubject, data); err != nil {
		return err
	}
	a.m.recordForwarded()
	a.logger.Info("Forwarded data_ready", "run_id", env.RunID,
		"filename", env.StfGen.Filename, "subject", a.cfg.ForwardSubject)
	return nil
}

// handleEndRun reconciles local counts against the producer's declared total,
// finalizes the registry run record, reports heartbeat, and evicts the
// session. Count drift is surfaced as WARNING, never silently accepted.
func (a *Agent) handleEndRun(ctx context.Context, env event.Envelope) error {
	observed, inFlight, matched, err := a.tracker.CloseRun(env.RunID, env.EndRun.TotalFiles)
	if err != nil {
		a.logger.Warn("end_run for unknown run", "run_id", env.RunID)
		return nil
	}
	if !matched {
		a.m.recordCountMismatch()
		a.logger.Warn("File count mismatch at end of run",
			"run_id", env.RunID, "declared", env.EndRun.TotalFiles, "observed", observed)
	}
	if len(inFlight) > 0 {
		a.logger.Warn("Run ended with files still in flight",
			"run_id", env.RunID, "in_flight", len(inFlight))
	}

	now := time.Now().UTC()
	if err := a.reg.UpdateRun(ctx, env.RunID, registry.Run{
		RunNumber:  env.RunID,
		EndTime:    &now,
		TotalFiles: env.EndRun.TotalFiles,
		Status:     "ended",
	}); err != nil {
		a.logger.Error("Failed to finalize run record", "run_id", env.RunID, "error", err)
	}

	if err := a.ReportHeartbeat(ctx); err != nil {
		a.logger.Warn("Heartbeat at end of run failed", "error", err)
	}
	a.tracker.EvictRun(env.RunID)
	a.logger.Info("Run complete", "run_id", env.RunID,
		"observed_files", observed, "declared_files", env.EndRun.TotalFiles)
	return nil
}

// ReportHeartbeat posts the agent's liveness with workflow counters
func (a *Agent) ReportHeartbeat(ctx context.Context) error {
	return a.reg.SendHeartbeat(ctx,
		a.tracker.BuildHeartbeat(a.cfg.Name, "data", a.pub.IsConnected()))
}
