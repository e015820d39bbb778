package daqsim

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eumaka/swf-testbed/event"
	"github.com/eumaka/swf-testbed/registry"
)

// fakeBus captures decoded envelopes and can be told to fail specific publishes
type fakeBus struct {
	mu        sync.Mutex
	events    []event.Envelope
	subjects  []string
	failNext  int // fail the next N publishes
	connected bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{connected: true}
}

func (b *fakeBus) Publish(_ context.Context, subject string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failNext > 0 {
		b.failNext--
		return fmt.Errorf("bus unavailable")
	}
	env, err := event.Decode(data)
	if err != nil {
		return err
	}
	b.events = append(b.events, env)
	b.subjects = append(b.subjects, subject)
	return nil
}

func (b *fakeBus) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *fakeBus) types() []event.Type {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]event.Type, len(b.events))
	for i, e := range b.events {
		out[i] = e.Type
	}
	return out
}

type fakeSequencer struct {
	next int
	err  error
}

func (s *fakeSequencer) NextRunNumber(context.Context) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.next++
	return fmt.Sprintf("%d", 100+s.next), nil
}

type fakeHeartbeats struct {
	mu   sync.Mutex
	sent []registry.Heartbeat
}

func (h *fakeHeartbeats) SendHeartbeat(_ context.Context, hb registry.Heartbeat) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, hb)
	return nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DataDir = ""
	cfg.EventDir = ""
	return cfg
}

func newTestSimulator(t *testing.T, cfg Config, bus Bus, seq RunSequencer, hb HeartbeatSender) *Simulator {
	t.Helper()
	sim, err := New(cfg, bus, seq, hb, slog.Default(), nil)
	require.NoError(t, err)
	return sim
}

func TestSimulatorEmitsCanonicalSequence(t *testing.T) {
	bus := newFakeBus()
	sim := newTestSimulator(t, testConfig(), bus, &fakeSequencer{}, nil)

	require.NoError(t, sim.Run(context.Background()))

	want := []event.Type{
		event.TypeRunImminent,
		event.TypeStartRun,
		event.TypeStfGen, event.TypeStfGen, event.TypeStfGen, event.TypeStfGen, event.TypeStfGen,
		event.TypePauseRun,
		event.TypeResumeRun,
		event.TypeStfGen, event.TypeStfGen, event.TypeStfGen, event.TypeStfGen, event.TypeStfGen,
		event.TypeEndRun,
	}
	assert.Equal(t, want, bus.types())

	for _, subj := range bus.subjects {
		assert.Equal(t, "daq.epictopic", subj)
	}
	for _, e := range bus.events {
		assert.Equal(t, "101", e.RunID)
		assert.Equal(t, []string{"daq-simulator"}, e.ProcessedBy)
	}
}

func TestSimulatorStfCountPerWindow(t *testing.T) {
	tests := []struct {
		name     string
		dwell    float64
		interval float64
		perRun   int
	}{
		{"exact multiple", 10, 2, 10},
		{"remainder dropped", 10, 3, 6},
		{"interval exceeds dwell", 2, 5, 0},
		{"one per window", 3, 2, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.PhysicsDwell = tt.dwell
			cfg.StfInterval = tt.interval

			bus := newFakeBus()
			sim := newTestSimulator(t, cfg, bus, &fakeSequencer{}, nil)
			require.NoError(t, sim.Run(context.Background()))

			stfs := 0
			var endRun *event.EndRun
			for _, e := range bus.events {
				switch e.Type {
				case event.TypeStfGen:
					stfs++
				case event.TypeEndRun:
					endRun = e.EndRun
				}
			}
			assert.Equal(t, tt.perRun, stfs)
			require.NotNil(t, endRun)
			assert.Equal(t, tt.perRun, endRun.TotalFiles)
		})
	}
}

func TestSimulatorTicksAreMonotonic(t *testing.T) {
	bus := newFakeBus()
	sim := newTestSimulator(t, testConfig(), bus, &fakeSequencer{}, nil)
	require.NoError(t, sim.Run(context.Background()))

	prev := -1.0
	for _, e := range bus.events {
		assert.GreaterOrEqual(t, e.Tick, prev, "tick went backwards at %s", e.Type)
		prev = e.Tick
	}
	// end_run lands after both physics windows and the standby dwell
	last := bus.events[len(bus.events)-1]
	assert.Equal(t, event.TypeEndRun, last.Type)
	assert.Equal(t, 34.0, last.Tick) // 5+5+2 lead-in, 10+2+10 datataking
}

func TestSimulatorDeterministicAcrossRuns(t *testing.T) {
	capture := func() []event.Envelope {
		bus := newFakeBus()
		sim := newTestSimulator(t, testConfig(), bus, &fakeSequencer{}, nil)
		require.NoError(t, sim.Run(context.Background()))
		return bus.events
	}

	first := capture()
	for i := 0; i < 5; i++ {
		again := capture()
		require.Len(t, again, len(first))
		for j := range first {
			assert.Equal(t, first[j].Type, again[j].Type)
			assert.Equal(t, first[j].Tick, again[j].Tick)
		}
	}
}

func TestSimulatorPublishFailureContinues(t *testing.T) {
	bus := newFakeBus()
	bus.failNext = 2 // lose run_imminent and start_run

	sim := newTestSimulator(t, testConfig(), bus, &fakeSequencer{}, nil)
	require.NoError(t, sim.Run(context.Background()), "lost broadcasts must not abort the run")

	types := bus.types()
	assert.NotContains(t, types, event.TypeRunImminent)
	assert.NotContains(t, types, event.TypeStartRun)
	assert.Contains(t, types, event.TypeEndRun)

	stfs := 0
	for _, typ := range types {
		if typ == event.TypeStfGen {
			stfs++
		}
	}
	assert.Equal(t, 10, stfs, "STF generation is independent of delivery")
}

func TestSimulatorRunNumberFailureIsCritical(t *testing.T) {
	bus := newFakeBus()
	seq := &fakeSequencer{err: fmt.Errorf("registry down")}

	sim := newTestSimulator(t, testConfig(), bus, seq, nil)
	err := sim.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registry down")
	assert.Empty(t, bus.events, "no events may be broadcast without a run identity")
}

func TestSimulatorMultipleCyclesGlobalFileNumbering(t *testing.T) {
	cfg := testConfig()
	cfg.Cycles = 2
	cfg.CycleGap = 30

	bus := newFakeBus()
	sim := newTestSimulator(t, cfg, bus, &fakeSequencer{}, nil)
	require.NoError(t, sim.Run(context.Background()))

	var runIDs []string
	fileNum := 0
	for _, e := range bus.events {
		if e.Type == event.TypeRunImminent {
			runIDs = append(runIDs, e.RunID)
		}
		if e.Type == event.TypeStfGen {
			fileNum++
			want := fmt.Sprintf("%s_%06d.dat", e.RunID, fileNum)
			assert.Equal(t, want, e.StfGen.Filename, "file numbering is global across runs")
		}
	}
	assert.Equal(t, []string{"101", "102"}, runIDs)
	assert.Equal(t, 20, fileNum)

	// each run still declares only its own files
	for _, e := range bus.events {
		if e.Type == event.TypeEndRun {
			assert.Equal(t, 10, e.EndRun.TotalFiles)
		}
	}
}

func TestSimulatorHeartbeats(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatEveryStfs = 3

	bus := newFakeBus()
	hb := &fakeHeartbeats{}
	sim := newTestSimulator(t, cfg, bus, &fakeSequencer{}, hb)
	require.NoError(t, sim.Run(context.Background()))

	// one at cycle start, one per 3 STFs in each 5-STF window, one at cycle end
	require.NotEmpty(t, hb.sent)
	assert.Len(t, hb.sent, 4)
	for _, h := range hb.sent {
		assert.Equal(t, "daq-simulator", h.InstanceName)
		assert.Equal(t, "daqsim", h.AgentType)
		assert.Equal(t, registry.StatusOK, h.Status)
		assert.True(t, h.MQConnected)
	}
}

func TestSimulatorHeartbeatWarnsWhenDisconnected(t *testing.T) {
	bus := newFakeBus()
	bus.connected = false
	bus.failNext = 100 // disconnected bus drops everything

	hb := &fakeHeartbeats{}
	sim := newTestSimulator(t, testConfig(), bus, &fakeSequencer{}, hb)
	require.NoError(t, sim.Run(context.Background()))

	require.NotEmpty(t, hb.sent)
	assert.Equal(t, registry.StatusWarning, hb.sent[0].Status)
	assert.False(t, hb.sent[0].MQConnected)
}

func TestSimulatorWritesDataFiles(t *testing.T) {
	cfg := testConfig()
	cfg.DataDir = t.TempDir()

	bus := newFakeBus()
	sim := newTestSimulator(t, cfg, bus, &fakeSequencer{}, nil)
	require.NoError(t, sim.Run(context.Background()))

	for _, e := range bus.events {
		if e.Type != event.TypeStfGen {
			continue
		}
		assert.Contains(t, e.StfGen.FileURL, "file://")
		assert.Contains(t, e.StfGen.FileURL, "run_101")
		assert.Greater(t, e.StfGen.SizeBytes, int64(0))
	}
}
