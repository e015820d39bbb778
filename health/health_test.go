package health

import (
	"sync"
	"testing"
)

func TestNewMonitor(t *testing.T) {
	monitor := NewMonitor()
	if monitor == nil {
		t.Fatal("NewMonitor() returned nil")
	}
	if len(monitor.GetAll()) != 0 {
		t.Errorf("new monitor should track 0 concerns, got %d", len(monitor.GetAll()))
	}
}

func TestMonitor_Update(t *testing.T) {
	monitor := NewMonitor()

	monitor.Update("bus", Status{Status: StatusHealthy, Message: "connected"})

	got, exists := monitor.Get("bus")
	if !exists {
		t.Fatal("concern should exist after update")
	}
	if got.Component != "bus" {
		t.Errorf("expected component name 'bus', got %s", got.Component)
	}
	if got.Timestamp.IsZero() {
		t.Error("Update should set timestamp if not provided")
	}
}

func TestMonitor_Aggregate_WorstOf(t *testing.T) {
	monitor := NewMonitor()

	monitor.UpdateHealthy("bus", "connected")
	monitor.UpdateHealthy("registry", "reachable")

	agg := monitor.Aggregate("data-agent")
	if !agg.IsHealthy() {
		t.Errorf("all-healthy should aggregate healthy, got %s", agg.Status)
	}

	monitor.UpdateDegraded("registry", "one file registration failed")
	agg = monitor.Aggregate("data-agent")
	if !agg.IsDegraded() {
		t.Errorf("degraded concern should aggregate degraded, got %s", agg.Status)
	}

	monitor.UpdateUnhealthy("bus", "disconnected")
	agg = monitor.Aggregate("data-agent")
	if !agg.IsUnhealthy() {
		t.Errorf("unhealthy concern should win, got %s", agg.Status)
	}
	if agg.Message != "disconnected" {
		t.Errorf("aggregate should carry the worst concern's message, got %q", agg.Message)
	}
}

func TestMonitor_Aggregate_Empty(t *testing.T) {
	agg := NewMonitor().Aggregate("agent")
	if !agg.IsHealthy() {
		t.Errorf("empty monitor should aggregate healthy, got %s", agg.Status)
	}
}

func TestMonitor_Remove(t *testing.T) {
	monitor := NewMonitor()
	monitor.UpdateUnhealthy("registry", "down")
	monitor.Remove("registry")

	if _, exists := monitor.Get("registry"); exists {
		t.Error("concern should not exist after remove")
	}
}

func TestMonitor_ConcurrentAccess(t *testing.T) {
	monitor := NewMonitor()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			monitor.UpdateHealthy("bus", "ok")
		}()
		go func() {
			defer wg.Done()
			monitor.Aggregate("agent")
		}()
	}
	wg.Wait()
}
