// Package procagent implements the Processing role: it follows run lifecycle
// on the broadcast topic, consumes data_ready work items from its queue,
// maintains one data catalog dataset per run, and submits a batch processing
// task when the run's dataset closes.
//
// Per run the dataset lifecycle is: opened on run_imminent, files attached on
// data_ready, closed and batch-submitted once end_run's declared file count
// has drained from the queue. Catalog conflicts are treated as already-done,
// so replayed events are harmless.
package procagent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/eumaka/swf-testbed/agent"
	"github.com/eumaka/swf-testbed/datacatalog"
	"github.com/eumaka/swf-testbed/errors"
	"github.com/eumaka/swf-testbed/event"
	"github.com/eumaka/swf-testbed/metric"
	"github.com/eumaka/swf-testbed/registry"
)

// Catalog is the dataset bookkeeping surface
type Catalog interface {
	CreateDataset(ctx context.Context, name string) error
	SetDatasetStatus(ctx context.Context, name, status string) error
	AttachFile(ctx context.Context, dataset string, file datacatalog.FileRef) error
}

// TaskSubmitter submits batch processing tasks
type TaskSubmitter interface {
	SubmitTask(ctx context.Context, runID, inputDataset string) (datacatalog.Task, error)
}

// FileRegistry is the registry surface the processing agent needs
type FileRegistry interface {
	UpdateFile(ctx context.Context, filename string, file registry.StfFile) error
	SendHeartbeat(ctx context.Context, hb registry.Heartbeat) error
}

// DonePublisher forwards processing_complete events downstream
type DonePublisher interface {
	PublishWork(ctx context.Context, subject string, data []byte) error
	IsConnected() bool
}

// Config for the processing agent
type Config struct {
	Name string
	// ForwardSubject receives processing_complete events; empty disables
	// forwarding (the processing stage is then the end of the pipeline)
	ForwardSubject string
	RunFailure     agent.RunFailurePolicy
}

// Agent is the Processing role handler
type Agent struct {
	cfg     Config
	catalog Catalog
	batch   TaskSubmitter
	reg     FileRegistry
	pub     DonePublisher
	tracker *agent.Tracker
	logger  *slog.Logger
	m       *metrics
}

// New builds the Processing role handler. The tracker is shared with the
// Runner.
func New(cfg Config, catalog Catalog, batch TaskSubmitter, reg FileRegistry, pub DonePublisher, tracker *agent.Tracker, logger *slog.Logger, metrics *metric.Registry) (*Agent, error) {
	if cfg.Name == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: agent name required", errors.ErrInvalidConfig),
			"ProcAgent", "New", "validate config")
	}
	if tracker == nil {
		tracker = agent.NewTracker()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		cfg:     cfg,
		catalog: catalog,
		batch:   batch,
		reg:     reg,
		pub:     pub,
		tracker: tracker,
		logger:  logger.With("component", "procagent", "agent", cfg.Name),
		m:       newMetrics(metrics),
	}, nil
}

// OnEvent handles one decoded message from either the topic or the queue
func (a *Agent) OnEvent(ctx context.Context, env event.Envelope) error {
	switch env.Type {
	case event.TypeRunImminent:
		return a.handleRunImminent(ctx, env)
	case event.TypeStartRun:
		if !a.tracker.MarkActive(env.RunID) {
			a.logger.Warn("start_run for unknown run", "run_id", env.RunID)
		}
		return nil
	case event.TypePauseRun, event.TypeResumeRun:
		a.logger.Info("Run state change", "msg_type", env.Type.String(),
			"run_id", env.RunID, "substate", env.Substate)
		return nil
	case event.TypeDataReady:
		return a.handleDataReady(ctx, env)
	case event.TypeEndRun:
		return a.handleEndRun(ctx, env)
	case event.TypeStfGen:
		// the Data role owns stf_gen; seeing one here just means both
		// roles share the broadcast topic
		return nil
	default:
		a.logger.Info("No handler for message type", "msg_type", env.Type.String())
		return nil
	}
}

// handleRunImminent opens the run's dataset. An existing dataset is fine;
// only a hard catalog failure leaves the run blocked (default policy).
func (a *Agent) handleRunImminent(ctx context.Context, env event.Envelope) error {
	if _, known := a.tracker.Run(env.RunID); known {
		a.logger.Info("Run already tracked, ignoring duplicate run_imminent", "run_id", env.RunID)
		return nil
	}

	var conditions map[string]string
	if env.RunImminent != nil {
		conditions = env.RunImminent.RunConditions
	}

	dataset := datacatalog.DatasetName(env.RunID)
	if err := a.catalog.CreateDataset(ctx, dataset); err != nil {
		a.m.recordCatalogFailure()
		registered := a.cfg.RunFailure != agent.RunFailureBlock
		a.tracker.BeginRun(env.RunID, conditions, registered)
		a.tracker.FailFile(env.RunID, "")
		a.logger.Error("Failed to open dataset", "run_id", env.RunID,
			"dataset", dataset, "error", err)
		return err
	}

	a.tracker.BeginRun(env.RunID, conditions, true)
	a.m.recordDatasetOpened()
	a.logger.Info("Opened dataset for run", "run_id", env.RunID, "dataset", dataset)
	return nil
}

// handleDataReady attaches the file to the run's dataset, walks the registry
// file record through processing to processed, and forwards
// processing_complete. Catalog attachment happens before the registry status
// flip and before forwarding.
func (a *Agent) handleDataReady(ctx context.Context, env event.Envelope) error {
	dr := env.DataReady
	rs, known := a.tracker.Run(env.RunID)
	if !known {
		a.logger.Warn("data_ready for unknown run, skipping",
			"run_id", env.RunID, "filename", dr.Filename)
		return nil
	}
	if !rs.Registered && a.cfg.RunFailure == agent.RunFailureBlock {
		a.tracker.FailFile(env.RunID, dr.Filename)
		a.logger.Warn("Run not registered, skipping file",
			"run_id", env.RunID, "filename", dr.Filename)
		return errors.WrapInvalid(
			fmt.Errorf("%w: run %s file %s", errors.ErrRunNotRegistered, env.RunID, dr.Filename),
			"ProcAgent", "handleDataReady", "check run session")
	}

	if err := a.tracker.ObserveFile(env.RunID, dr.Filename); err != nil {
		return errors.WrapInvalid(err, "ProcAgent", "handleDataReady", "track file")
	}
	a.tracker.MarkFileProcessing(env.RunID, dr.Filename)
	a.updateFileStatus(ctx, env.RunID, dr.Filename, registry.FileProcessing)

	dataset := datacatalog.DatasetName(env.RunID)
	if err := a.catalog.AttachFile(ctx, dataset, datacatalog.FileRef{
		Name:      dr.Filename,
		SizeBytes: dr.SizeBytes,
		Checksum:  dr.Checksum,
		URL:       dr.FileURL,
	}); err != nil {
		a.tracker.FailFile(env.RunID, dr.Filename)
		a.m.recordCatalogFailure()
		a.updateFileStatus(ctx, env.RunID, dr.Filename, registry.FileFailed)
		a.logger.Error("Failed to attach file to dataset",
			"run_id", env.RunID, "filename", dr.Filename, "error", err)
		return err
	}

	a.updateFileStatus(ctx, env.RunID, dr.Filename, registry.FileProcessed)
	a.tracker.CompleteFile(env.RunID, dr.Filename)
	a.m.recordFileProcessed()

	if err := a.forwardComplete(ctx, env, ""); err != nil {
		a.logger.Error("Failed to forward processing_complete",
			"run_id", env.RunID, "filename", dr.Filename, "error", err)
		return errors.WrapTransient(err, "ProcAgent", "handleDataReady", "forward processing_complete")
	}

	// a run whose end_run arrived before this file finalizes once the
	// queue lane catches up to the declared count
	if drained, declared := a.tracker.Drained(env.RunID); drained {
		return a.finalizeRun(ctx, env.RunID, declared)
	}
	return nil
}

// updateFileStatus flips the registry's file status. Failures degrade but do
// not stop the pipeline; the registry is reconciled, not authoritative, for
// in-flight status.
func (a *Agent) updateFileStatus(ctx context.Context, runID, filename, status string) {
	if err := a.reg.UpdateFile(ctx, filename, registry.StfFile{
		RunNumber: runID,
		Filename:  filename,
		Status:    status,
	}); err != nil {
		a.logger.Warn("Failed to update file status",
			"filename", filename, "status", status, "error", err)
	}
}

func (a *Agent) forwardComplete(ctx context.Context, env event.Envelope, taskID string) error {
	if a.cfg.ForwardSubject == "" || a.pub == nil {
		return nil
	}
	out := env.Forwarded(event.TypeProcessingComplete, a.cfg.Name)
	out.ProcessingComplete = &event.ProcessingComplete{
		Filename: env.DataReady.Filename,
		TaskID:   taskID,
		Success:  true,
	}
	out.DataReady = nil
	out.Timestamp = time.Now()

	data, err := out.Encode()
	if err != nil {
		return err
	}
	if err := a.pub.PublishWork(ctx, a.cfg.ForwardSubject, data); err != nil {
		return err
	}
	a.m.recordForwarded()
	return nil
}

// handleEndRun moves the run to closing. end_run arrives on the broadcast
// topic while data_ready items arrive on the queue lane, so the declared
// count can outrun the queue; finalization waits until every declared file
// has been pulled and resolved, keeping the session alive for late items.
func (a *Agent) handleEndRun(ctx context.Context, env event.Envelope) error {
	observed, inFlight, err := a.tracker.MarkClosing(env.RunID, env.EndRun.TotalFiles)
	if err != nil {
		a.logger.Warn("end_run for unknown run", "run_id", env.RunID)
		return nil
	}

	drained, declared := a.tracker.Drained(env.RunID)
	if !drained {
		a.logger.Warn("Run ended before its queue lane drained, deferring close",
			"run_id", env.RunID, "declared", env.EndRun.TotalFiles,
			"observed", observed, "in_flight", len(inFlight))
		return nil
	}
	return a.finalizeRun(ctx, env.RunID, declared)
}

// finalizeRun reconciles counts, closes the dataset, submits the batch task
// over it, and evicts the session. Runs only once the run's files have all
// reached a terminal state; files that failed along the way still count as
// observed, so a run with failures closes rather than stalling.
func (a *Agent) finalizeRun(ctx context.Context, runID string, declared int) error {
	observed, _, matched, err := a.tracker.CloseRun(runID, declared)
	if err != nil {
		return nil
	}
	if !matched {
		a.m.recordCountMismatch()
		a.logger.Warn("File count mismatch at end of run",
			"run_id", runID, "declared", declared, "observed", observed)
	}

	dataset := datacatalog.DatasetName(runID)
	if err := a.catalog.SetDatasetStatus(ctx, dataset, datacatalog.DatasetClosed); err != nil {
		a.m.recordCatalogFailure()
		a.logger.Error("Failed to close dataset", "run_id", runID,
			"dataset", dataset, "error", err)
		return err
	}
	a.logger.Info("Closed dataset", "run_id", runID, "dataset", dataset)

	if a.batch != nil {
		task, err := a.batch.SubmitTask(ctx, runID, dataset)
		if err != nil {
			a.tracker.FailFile(runID, "")
			a.m.recordSubmitFailure()
			a.logger.Error("Batch task submission failed",
				"run_id", runID, "dataset", dataset, "error", err)
		} else {
			a.m.recordTaskSubmitted()
			a.logger.Info("Submitted processing task", "run_id", runID,
				"task_id", task.TaskID, "output_dataset", task.OutputDataset)
		}
	}

	if err := a.ReportHeartbeat(ctx); err != nil {
		a.logger.Warn("Heartbeat at end of run failed", "error", err)
	}
	a.tracker.EvictRun(runID)
	a.logger.Info("Run complete", "run_id", runID,
		"observed_files", observed, "declared_files", declared)
	return nil
}

// ReportHeartbeat posts the agent's liveness with workflow counters
func (a *Agent) ReportHeartbeat(ctx context.Context) error {
	connected := a.pub != nil && a.pub.IsConnected()
	return a.reg.SendHeartbeat(ctx,
		a.tracker.BuildHeartbeat(a.cfg.Name, "processing", connected))
}
