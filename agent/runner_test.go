package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eumaka/swf-testbed/errors"
	"github.com/eumaka/swf-testbed/event"
	"github.com/eumaka/swf-testbed/registry"
)

// scriptBus delivers a fixed message script to whichever handler subscribes
type scriptBus struct {
	mu       sync.Mutex
	messages [][]byte
	naks     [][]byte
	healthCb func(bool)
}

func (b *scriptBus) Subscribe(ctx context.Context, _ string, handler func(context.Context, []byte)) error {
	for _, m := range b.messages {
		handler(ctx, m)
	}
	return nil
}

func (b *scriptBus) EnsureWorkQueue(context.Context, string, string) error { return nil }

func (b *scriptBus) ConsumeWork(_ context.Context, _, _ string, handler func([]byte) error) error {
	for _, m := range b.messages {
		if err := handler(m); err != nil {
			b.mu.Lock()
			b.naks = append(b.naks, m)
			b.mu.Unlock()
		}
	}
	return nil
}

func (b *scriptBus) IsConnected() bool { return true }

func (b *scriptBus) OnHealthChange(fn func(bool)) { b.healthCb = fn }

// recordingHandler records dispatched envelopes and returns scripted errors
type recordingHandler struct {
	mu         sync.Mutex
	seen       []event.Envelope
	heartbeats int
	errFor     map[event.Type]error
}

func (h *recordingHandler) OnEvent(_ context.Context, env event.Envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, env)
	if h.errFor != nil {
		return h.errFor[env.Type]
	}
	return nil
}

func (h *recordingHandler) ReportHeartbeat(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.heartbeats++
	return nil
}

func (h *recordingHandler) types() []event.Type {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]event.Type, len(h.seen))
	for i, e := range h.seen {
		out[i] = e.Type
	}
	return out
}

func encodeEvent(t *testing.T, env event.Envelope) []byte {
	t.Helper()
	data, err := env.Encode()
	require.NoError(t, err)
	return data
}

func testRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Name:              "test-agent",
		AgentType:         "data",
		Topic:             "daq.epictopic",
		HeartbeatInterval: time.Hour,
	}
}

func testQueueConfig() RunnerConfig {
	return RunnerConfig{
		Name:      "test-agent",
		AgentType: "processing",
		Queue: QueueSource{
			Stream:  "swf-processing",
			Subject: "swf.processing",
			Durable: "processing-agent",
		},
		HeartbeatInterval: time.Hour,
	}
}

func runToCompletion(t *testing.T, r *Runner) error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		// the script bus delivers synchronously inside Run; give the
		// heartbeat loop a moment, then shut down
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	return r.Run(ctx)
}

func TestRunnerDispatchesKnownTypes(t *testing.T) {
	bus := &scriptBus{messages: [][]byte{
		encodeEvent(t, event.Envelope{Type: event.TypeRunImminent, RunID: "101"}),
		encodeEvent(t, event.Envelope{Type: event.TypeStartRun, RunID: "101"}),
		encodeEvent(t, event.Envelope{Type: event.TypeEndRun, RunID: "101", EndRun: &event.EndRun{TotalFiles: 0}}),
	}}
	h := &recordingHandler{}
	r, err := NewRunner(testRunnerConfig(), bus, nil, h, nil, nil)
	require.NoError(t, err)

	err = runToCompletion(t, r)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []event.Type{event.TypeRunImminent, event.TypeStartRun, event.TypeEndRun}, h.types())
	assert.Greater(t, h.heartbeats, 0)
}

func TestRunnerIgnoresUnknownTypes(t *testing.T) {
	bus := &scriptBus{messages: [][]byte{
		[]byte(`{"msg_type":"detector_gossip","run_id":"101"}`),
		encodeEvent(t, event.Envelope{Type: event.TypeStartRun, RunID: "101"}),
	}}
	h := &recordingHandler{}
	r, err := NewRunner(testRunnerConfig(), bus, nil, h, nil, nil)
	require.NoError(t, err)

	err = runToCompletion(t, r)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []event.Type{event.TypeStartRun}, h.types(),
		"unknown types never reach the handler")
	assert.Equal(t, 0, r.Tracker().Snapshot().Malformed,
		"unknown is not malformed")
}

func TestRunnerMalformedSkipPolicy(t *testing.T) {
	bus := &scriptBus{messages: [][]byte{
		[]byte(`not json at all`),
		encodeEvent(t, event.Envelope{Type: event.TypeStartRun, RunID: "101"}),
	}}
	h := &recordingHandler{}
	r, err := NewRunner(testRunnerConfig(), bus, nil, h, nil, nil)
	require.NoError(t, err)

	err = runToCompletion(t, r)
	assert.ErrorIs(t, err, context.Canceled, "skip policy keeps the agent alive")
	assert.Equal(t, []event.Type{event.TypeStartRun}, h.types())
	assert.Equal(t, 1, r.Tracker().Snapshot().Malformed)
}

func TestRunnerMalformedFailFastPolicy(t *testing.T) {
	bus := &scriptBus{messages: [][]byte{
		[]byte(`not json at all`),
	}}
	h := &recordingHandler{}
	cfg := testRunnerConfig()
	cfg.Malformed = MalformedFailFast
	r, err := NewRunner(cfg, bus, nil, h, nil, nil)
	require.NoError(t, err)

	err = r.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.Empty(t, h.types())
}

func TestRunnerFatalHandlerErrorTerminates(t *testing.T) {
	bus := &scriptBus{messages: [][]byte{
		encodeEvent(t, event.Envelope{Type: event.TypeStartRun, RunID: "101"}),
	}}
	h := &recordingHandler{errFor: map[event.Type]error{
		event.TypeStartRun: errors.WrapFatal(assert.AnError, "handler", "OnEvent", "explode"),
	}}
	r, err := NewRunner(testRunnerConfig(), bus, nil, h, nil, nil)
	require.NoError(t, err)

	err = r.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestRunnerTransientErrorNaksQueueMessage(t *testing.T) {
	msg := encodeEvent(t, event.Envelope{Type: event.TypeStfGen, RunID: "101",
		StfGen: &event.StfGen{Filename: "101_000001.dat"}})
	bus := &scriptBus{messages: [][]byte{msg}}
	h := &recordingHandler{errFor: map[event.Type]error{
		event.TypeStfGen: errors.WrapTransient(assert.AnError, "handler", "OnEvent", "registry down"),
	}}

	r, err := NewRunner(testQueueConfig(), bus, nil, h, nil, nil)
	require.NoError(t, err)

	err = runToCompletion(t, r)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, bus.naks, 1, "transient failures request redelivery")
}

func TestRunnerInvalidErrorDoesNotNak(t *testing.T) {
	msg := encodeEvent(t, event.Envelope{Type: event.TypeStfGen, RunID: "101",
		StfGen: &event.StfGen{Filename: "101_000001.dat"}})
	bus := &scriptBus{messages: [][]byte{msg}}
	h := &recordingHandler{errFor: map[event.Type]error{
		event.TypeStfGen: errors.WrapInvalid(assert.AnError, "handler", "OnEvent", "rejected"),
	}}

	r, err := NewRunner(testQueueConfig(), bus, nil, h, nil, nil)
	require.NoError(t, err)

	err = runToCompletion(t, r)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, bus.naks, "redelivering rejected data cannot fix it")
}

type fakeRegistrar struct {
	mu   sync.Mutex
	subs []registry.Subscriber
	err  error
}

func (f *fakeRegistrar) RegisterSubscriber(_ context.Context, sub registry.Subscriber) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.subs = append(f.subs, sub)
	return nil
}

func TestRunnerRegistersSubscriber(t *testing.T) {
	bus := &scriptBus{}
	reg := &fakeRegistrar{}
	r, err := NewRunner(testRunnerConfig(), bus, reg, &recordingHandler{}, nil, nil)
	require.NoError(t, err)

	err = runToCompletion(t, r)
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, reg.subs, 1)
	assert.Equal(t, "test-agent", reg.subs[0].SubscriberName)
	assert.True(t, reg.subs[0].IsActive)
}

func TestRunnerSubscriberRegistrationFailureIsNotFatal(t *testing.T) {
	bus := &scriptBus{}
	reg := &fakeRegistrar{err: assert.AnError}
	r, err := NewRunner(testRunnerConfig(), bus, reg, &recordingHandler{}, nil, nil)
	require.NoError(t, err)

	err = runToCompletion(t, r)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunnerConfigValidation(t *testing.T) {
	bus := &scriptBus{}
	h := &recordingHandler{}

	_, err := NewRunner(RunnerConfig{Topic: "s"}, bus, nil, h, nil, nil)
	assert.Error(t, err, "missing name")

	_, err = NewRunner(RunnerConfig{Name: "a"}, bus, nil, h, nil, nil)
	assert.Error(t, err, "no source at all")

	cfg := testRunnerConfig()
	cfg.Topic = ""
	cfg.Queue = QueueSource{Stream: "swf-processing"}
	_, err = NewRunner(cfg, bus, nil, h, nil, nil)
	assert.Error(t, err, "queue source without subject/durable")

	_, err = NewRunner(testRunnerConfig(), bus, nil, nil, nil, nil)
	assert.Error(t, err, "missing handler")
}

func TestRunnerBusHealthFeedsHeartbeatStatus(t *testing.T) {
	bus := &scriptBus{}
	h := &recordingHandler{}
	r, err := NewRunner(testRunnerConfig(), bus, nil, h, nil, nil)
	require.NoError(t, err)

	err = runToCompletion(t, r)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, bus.healthCb)

	bus.healthCb(false)
	assert.True(t, r.Health().Aggregate("test-agent").IsUnhealthy())
	hb := r.Tracker().BuildHeartbeat("test-agent", "data", true)
	assert.Equal(t, registry.StatusWarning, hb.Status,
		"a bus marked unhealthy must surface even when the connection flag lags")

	bus.healthCb(true)
	hb = r.Tracker().BuildHeartbeat("test-agent", "data", true)
	assert.Equal(t, registry.StatusOK, hb.Status)
}

func TestRunnerDualSourceDispatchesBoth(t *testing.T) {
	bus := &scriptBus{messages: [][]byte{
		encodeEvent(t, event.Envelope{Type: event.TypeDataReady, RunID: "101",
			DataReady: &event.DataReady{Filename: "101_000001.dat"}}),
	}}
	h := &recordingHandler{}

	cfg := testQueueConfig()
	cfg.Topic = "daq.epictopic"
	r, err := NewRunner(cfg, bus, nil, h, nil, nil)
	require.NoError(t, err)

	err = runToCompletion(t, r)
	assert.ErrorIs(t, err, context.Canceled)
	// the script bus replays its messages to each source
	assert.Len(t, h.types(), 2)
}
