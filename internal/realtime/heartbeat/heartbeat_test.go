package heartbeat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"realtime/internal/realtime"
	"realtime/internal/realtime/realtimetest"
	"realtime/internal/realtime/registry"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setup(t *testing.T, logger *zap.Logger) (*Monitor, *registry.Registry, *clock, *[]realtime.Connection) {
	t.Helper()

	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	reg := registry.NewRegistry(registry.Config{}, registry.WithClock(clk.Now))

	var evicted []realtime.Connection
	m, err := NewMonitor(reg, logger, Config{Interval: 30 * time.Second, Timeout: 60 * time.Second}, func(c realtime.Connection) {
		evicted = append(evicted, c)
	})
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}

	return m, reg, clk, &evicted
}

func TestNewMonitorValidatesConfig(t *testing.T) {
	reg := registry.NewRegistry(registry.Config{})
	if _, err := NewMonitor(reg, zaptest.NewLogger(t), Config{}, nil); err == nil {
		t.Fatal("expected error for zero interval and timeout")
	}
}

func TestSweepEvictsSilentConnections(t *testing.T) {
	m, reg, clk, evicted := setup(t, zaptest.NewLogger(t))

	staleTransport := realtimetest.NewTransport()
	freshTransport := realtimetest.NewTransport()
	stale, _ := reg.Admit("u1", realtime.RoleBuyer, staleTransport, "")
	fresh, _ := reg.Admit("u2", realtime.RoleAgent, freshTransport, "")

	clk.Advance(45 * time.Second)
	reg.Touch(fresh)
	m.Sweep(context.Background())
	if reg.Len() != 2 {
		t.Fatalf("nothing should be evicted within the timeout, have %d", reg.Len())
	}

	clk.Advance(30 * time.Second)
	m.Sweep(context.Background())

	if _, ok := reg.Get(stale); ok {
		t.Error("stale connection still registered")
	}
	if _, ok := reg.Get(fresh); !ok {
		t.Error("fresh connection was evicted")
	}

	code, reason, closed := staleTransport.Closed()
	if !closed || code != realtime.CloseHeartbeatTimeout || reason != CloseReason {
		t.Errorf("expected close %d %q, got closed=%v %d %q", realtime.CloseHeartbeatTimeout, CloseReason, closed, code, reason)
	}
	if _, _, closed := freshTransport.Closed(); closed {
		t.Error("fresh transport must stay open")
	}

	if len(*evicted) != 1 || (*evicted)[0].ID != stale {
		t.Errorf("expected one eviction callback for %s, got %v", stale, *evicted)
	}
}

func TestSweepContinuesPastCloseFailure(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	m, reg, clk, evicted := setup(t, zap.New(core))

	broken := realtimetest.NewTransport()
	broken.CloseErr = errors.New("socket already gone")
	for _, tr := range []*realtimetest.Transport{broken, realtimetest.NewTransport(), realtimetest.NewTransport()} {
		if _, err := reg.Admit("u", realtime.RoleBuyer, tr, ""); err != nil {
			t.Fatalf("admit: %v", err)
		}
	}

	clk.Advance(61 * time.Second)
	m.Sweep(context.Background())

	if reg.Len() != 0 {
		t.Fatalf("expected every stale connection evicted, %d left", reg.Len())
	}
	if len(*evicted) != 3 {
		t.Errorf("expected 3 evictions, got %d", len(*evicted))
	}
	if n := logs.FilterMessage("failed to close stale transport").Len(); n != 1 {
		t.Errorf("expected one close failure logged, got %d", n)
	}
	if n := logs.FilterMessage("evicting stale connection").Len(); n != 3 {
		t.Errorf("expected three eviction logs, got %d", n)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	reg := registry.NewRegistry(registry.Config{})
	m, err := NewMonitor(reg, zaptest.NewLogger(t), Config{Interval: 5 * time.Millisecond, Timeout: time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}
	if _, err := reg.Admit("u1", realtime.RoleBuyer, realtimetest.NewTransport(), ""); err != nil {
		t.Fatalf("admit: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for reg.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("monitor never swept the silent connection")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run did not return after cancel")
	}
}
