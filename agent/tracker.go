// Package agent provides the shared machinery for workflow agents: a session
// Tracker mirroring per-run and per-file state as known to the registry, and a
// Runner that drives one role's Handler from a bus subscription with explicit
// failure policies.
//
// The registry is the source of truth. Tracker state is a cache keyed by run
// identifier; on any discrepancy the registry wins and the tracker surfaces
// the drift through heartbeat status, never by silently adjusting counts.
package agent

import (
	"fmt"
	"sync"

	"github.com/eumaka/swf-testbed/health"
	"github.com/eumaka/swf-testbed/registry"
)

// Run session states
type RunState int

const (
	RunUnknown RunState = iota
	RunRegistered
	RunActive
	RunClosing
	RunTerminal
)

func (s RunState) String() string {
	switch s {
	case RunRegistered:
		return "registered"
	case RunActive:
		return "active"
	case RunClosing:
		return "closing"
	case RunTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// File session states within an active run
type FileState int

const (
	FileReceived FileState = iota
	FileProcessing
	FileProcessed
	FileFailed
)

func (s FileState) String() string {
	switch s {
	case FileProcessing:
		return "processing"
	case FileProcessed:
		return "processed"
	case FileFailed:
		return "failed"
	default:
		return "received"
	}
}

// RunSession is the tracker's cache entry for one run
type RunSession struct {
	RunID      string
	State      RunState
	Conditions map[string]string

	// Registered is false when run-record creation failed; per-file work
	// for an unregistered run is blocked, not silently attempted
	Registered bool

	FilesObserved  int
	FilesProcessed int
	FilesFailed    int

	// DeclaredTotal is the producer's end_run file count, kept for the
	// reconciliation check
	DeclaredTotal int

	files map[string]FileState
}

// FileCount returns the number of files currently tracked for the run
func (rs *RunSession) FileCount() int { return len(rs.files) }

// InFlight returns files that have not reached a terminal file state
func (rs *RunSession) InFlight() []string {
	var out []string
	for name, st := range rs.files {
		if st == FileReceived || st == FileProcessing {
			out = append(out, name)
		}
	}
	return out
}

// Snapshot is a point-in-time view of the tracker's counters, used to build
// heartbeats
type Snapshot struct {
	ActiveRuns     int
	ActiveFiles    int
	TotalProcessed int
	TotalFailed    int
	Malformed      int
	Mismatches     int
}

// UnresolvedFailures reports whether any prior handler outcome is still
// pending operator attention. Heartbeat status is WARNING while this holds.
func (s Snapshot) UnresolvedFailures() bool {
	return s.TotalFailed > 0 || s.Malformed > 0 || s.Mismatches > 0
}

// Tracker maintains the per-run session cache and workflow counters. Dispatch
// is serialized per lane, but the queue lane runs beside the topic lane and
// heartbeats fire from a timer goroutine, so the tracker locks internally.
//
// The tracker also owns the agent's health monitor: handler outcomes degrade
// the matching concern there, the Runner feeds bus connectivity into it, and
// BuildHeartbeat derives status from its aggregate.
type Tracker struct {
	mu   sync.Mutex
	runs map[string]*RunSession
	hmon *health.Monitor

	totalProcessed int
	totalFailed    int
	malformed      int
	mismatches     int
}

func NewTracker() *Tracker {
	return &Tracker{
		runs: make(map[string]*RunSession),
		hmon: health.NewMonitor(),
	}
}

// Health exposes the monitor the tracker and Runner report concerns into
func (t *Tracker) Health() *health.Monitor { return t.hmon }

// BeginRun creates the session record for a run announced by run_imminent.
// registered records whether the registry accepted the run; an unregistered
// session blocks later per-file work instead of pretending success. Replayed
// run_imminent for a known run is a no-op and reports false.
func (t *Tracker) BeginRun(runID string, conditions map[string]string, registered bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.runs[runID]; ok {
		return false
	}
	t.runs[runID] = &RunSession{
		RunID:      runID,
		State:      RunRegistered,
		Conditions: conditions,
		Registered: registered,
		files:      make(map[string]FileState),
	}
	return true
}

// Run returns the session for runID, if any
func (t *Tracker) Run(runID string) (*RunSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rs, ok := t.runs[runID]
	return rs, ok
}

// MarkActive moves a run into datataking
func (t *Tracker) MarkActive(runID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rs, ok := t.runs[runID]
	if !ok {
		return false
	}
	rs.State = RunActive
	return true
}

// ObserveFile records one inbound file for the run and increments the run's
// observed count. Returns an error when the run is unknown or blocked.
func (t *Tracker) ObserveFile(runID, filename string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rs, ok := t.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: no session record", runID)
	}
	if !rs.Registered {
		return fmt.Errorf("run %s: run not registered, skipping file %s", runID, filename)
	}
	// a redelivered filename keeps its current state; the queue lane is
	// at-least-once and must not demote a file that already finished
	if _, dup := rs.files[filename]; dup {
		return nil
	}
	rs.FilesObserved++
	rs.files[filename] = FileReceived
	return nil
}

// MarkFileProcessing transitions a received file into the processing state.
// Terminal files stay terminal until CompleteFile resolves them.
func (t *Tracker) MarkFileProcessing(runID, filename string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rs, ok := t.runs[runID]; ok {
		if st, tracked := rs.files[filename]; tracked && st == FileReceived {
			rs.files[filename] = FileProcessing
		}
	}
}

// CompleteFile marks one file done and bumps the processed counters. An
// already-processed file is a redelivery and is not counted again; a file
// that failed earlier converts to processed and releases its failure count.
func (t *Tracker) CompleteFile(runID, filename string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rs, ok := t.runs[runID]
	if !ok {
		return
	}
	switch rs.files[filename] {
	case FileProcessed:
		return
	case FileFailed:
		rs.FilesFailed--
		t.totalFailed--
		if t.totalFailed == 0 {
			t.hmon.UpdateHealthy("processing", "failures resolved")
		}
	}
	rs.files[filename] = FileProcessed
	rs.FilesProcessed++
	t.totalProcessed++
}

// FailFile marks one file failed and bumps the failure counters. A file
// already in a terminal state is not counted again. An empty filename records
// a run-level failure, which has no idempotence key and counts every time.
func (t *Tracker) FailFile(runID, filename string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rs, ok := t.runs[runID]
	if !ok {
		t.totalFailed++
		t.hmon.UpdateDegraded("processing", "file processing failures recorded")
		return
	}
	if filename != "" {
		switch rs.files[filename] {
		case FileProcessed, FileFailed:
			return
		}
		rs.files[filename] = FileFailed
	}
	rs.FilesFailed++
	t.totalFailed++
	t.hmon.UpdateDegraded("processing", "file processing failures recorded")
}

// RecordMalformed counts a dropped malformed message
func (t *Tracker) RecordMalformed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.malformed++
	t.hmon.UpdateDegraded("messages", "malformed messages dropped")
}

// CloseRun reconciles the producer-declared total against the locally
// observed count and moves the run to closing. It reports the observed count,
// the in-flight stragglers, and whether the counts matched. A mismatch is
// recorded against the tracker and surfaces as WARNING status.
func (t *Tracker) CloseRun(runID string, declaredTotal int) (observed int, inFlight []string, matched bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rs, ok := t.runs[runID]
	if !ok {
		return 0, nil, false, fmt.Errorf("run %s: no session record", runID)
	}
	rs.State = RunClosing
	rs.DeclaredTotal = declaredTotal
	observed = rs.FilesObserved
	inFlight = rs.InFlight()
	matched = observed == declaredTotal
	if !matched {
		t.mismatches++
		t.hmon.UpdateDegraded("reconciliation", "file count mismatch at end of run")
	}
	return observed, inFlight, matched, nil
}

// MarkClosing records the producer-declared total and moves the run to
// closing without reconciling. Agents whose files arrive on a separate queue
// lane use this on end_run and reconcile with CloseRun once Drained reports
// the lane has caught up. Reports the observed count and in-flight files.
func (t *Tracker) MarkClosing(runID string, declaredTotal int) (observed int, inFlight []string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rs, ok := t.runs[runID]
	if !ok {
		return 0, nil, fmt.Errorf("run %s: no session record", runID)
	}
	rs.State = RunClosing
	rs.DeclaredTotal = declaredTotal
	return rs.FilesObserved, rs.InFlight(), nil
}

// Drained reports whether a closing run has observed at least its declared
// total with no files in flight, meaning reconciliation can proceed. The
// second result is the declared total.
func (t *Tracker) Drained(runID string) (bool, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rs, ok := t.runs[runID]
	if !ok || rs.State != RunClosing {
		return false, 0
	}
	drained := rs.FilesObserved >= rs.DeclaredTotal && len(rs.InFlight()) == 0
	return drained, rs.DeclaredTotal
}

// EvictRun marks the run terminal and drops its session record
func (t *Tracker) EvictRun(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rs, ok := t.runs[runID]; ok {
		rs.State = RunTerminal
		delete(t.runs, runID)
	}
}

// Snapshot captures the current counters for heartbeat reporting
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := Snapshot{
		TotalProcessed: t.totalProcessed,
		TotalFailed:    t.totalFailed,
		Malformed:      t.malformed,
		Mismatches:     t.mismatches,
	}
	for _, rs := range t.runs {
		if rs.State == RunRegistered || rs.State == RunActive || rs.State == RunClosing {
			snap.ActiveRuns++
		}
		snap.ActiveFiles += len(rs.InFlight())
	}
	return snap
}

// BuildHeartbeat packages connectivity and workflow counters into the
// registry heartbeat payload. Status is derived from the health monitor's
// aggregate: WARNING whenever the bus is disconnected, any failure is
// unresolved, or any tracked concern sits below healthy, OK otherwise. Safe
// to call at any point; it reads but never mutates session state.
func (t *Tracker) BuildHeartbeat(instanceName, agentType string, mqConnected bool) registry.Heartbeat {
	snap := t.Snapshot()
	agg := t.hmon.Aggregate(instanceName)

	status := registry.StatusOK
	desc := fmt.Sprintf("%d active runs, %d files in flight, %d processed",
		snap.ActiveRuns, snap.ActiveFiles, snap.TotalProcessed)
	switch {
	case !mqConnected:
		status = registry.StatusWarning
		desc = "message bus disconnected; " + desc
	case snap.UnresolvedFailures():
		status = registry.StatusWarning
		desc = fmt.Sprintf("%d failed, %d malformed, %d count mismatches; %s",
			snap.TotalFailed, snap.Malformed, snap.Mismatches, desc)
	case !agg.IsHealthy():
		status = registry.StatusWarning
		desc = agg.Message + "; " + desc
	}

	return registry.Heartbeat{
		InstanceName:      instanceName,
		AgentType:         agentType,
		Status:            status,
		Description:       desc,
		MQConnected:       mqConnected,
		WorkflowEnabled:   true,
		CurrentStfCount:   snap.ActiveFiles,
		TotalStfProcessed: snap.TotalProcessed,
	}
}
