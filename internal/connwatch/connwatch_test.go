package connwatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jazzcort/nexa/internal/events"
)

// testBackoff returns a fast backoff config for tests.
func testBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		MaxRetries:   5,
		PollInterval: 5 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

// eventually polls cond until it holds or a second passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

type pinger struct {
	fail  atomic.Bool
	calls atomic.Int32
}

func (p *pinger) Ping(context.Context) error {
	p.calls.Add(1)
	if p.fail.Load() {
		return errors.New("connection refused")
	}
	return nil
}

func TestDefaultBackoffConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultBackoffConfig()

	if cfg.InitialDelay != 2*time.Second {
		t.Errorf("InitialDelay = %v, want 2s", cfg.InitialDelay)
	}
	if cfg.MaxDelay != 60*time.Second {
		t.Errorf("MaxDelay = %v, want 60s", cfg.MaxDelay)
	}
	if cfg.MaxRetries != 10 {
		t.Errorf("MaxRetries = %d, want 10", cfg.MaxRetries)
	}
	if cfg.PollInterval != 60*time.Second {
		t.Errorf("PollInterval = %v, want 60s", cfg.PollInterval)
	}
}

func TestBackoffConfig_WithDefaults(t *testing.T) {
	t.Parallel()
	got := BackoffConfig{MaxRetries: 3}.withDefaults()
	want := DefaultBackoffConfig()
	want.MaxRetries = 3
	if got != want {
		t.Errorf("withDefaults() = %+v, want %+v", got, want)
	}
}

func TestWatcher_PingProbe(t *testing.T) {
	t.Parallel()
	p := &pinger{}

	var changes atomic.Int32
	m := NewManager()
	defer m.Stop()
	w := m.Watch(t.Context(), WatcherConfig{
		Name:     "ollama",
		Probe:    PingProbe(p),
		Backoff:  testBackoff(),
		OnChange: func(ServiceStatus) { changes.Add(1) },
	})

	eventually(t, "ready", w.IsReady)
	if w.LastError() != nil {
		t.Errorf("LastError() = %v, want nil", w.LastError())
	}

	// Several successful polls must not report again.
	eventually(t, "polls", func() bool { return p.calls.Load() >= 5 })
	if n := changes.Load(); n != 1 {
		t.Errorf("OnChange called %d times, want 1", n)
	}
}

func TestWatcher_BackoffThenSuccess(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	probe := func(context.Context) error {
		if attempts.Add(1) <= 3 {
			return errors.New("starting up")
		}
		return nil
	}

	m := NewManager()
	defer m.Stop()
	w := m.Watch(t.Context(), WatcherConfig{Name: "ollama", Probe: probe, Backoff: testBackoff()})

	eventually(t, "ready", w.IsReady)
	if n := attempts.Load(); n < 4 {
		t.Errorf("probe attempts = %d, want at least 4", n)
	}
}

func TestWatcher_DownAndRecover(t *testing.T) {
	t.Parallel()
	bus := events.New()
	ch := bus.Subscribe(16, events.KindServiceState)
	defer bus.Unsubscribe(ch)

	p := &pinger{}
	p.fail.Store(true)

	bcfg := testBackoff()
	bcfg.MaxRetries = 2

	m := NewManager(WithBus(bus))
	defer m.Stop()
	w := m.Watch(t.Context(), WatcherConfig{Name: "mcp:weather", Probe: PingProbe(p), Backoff: bcfg})

	want := []bool{false, true, false}
	for i, ready := range want {
		if i == 1 {
			p.fail.Store(false)
		}
		if i == 2 {
			p.fail.Store(true)
		}
		select {
		case e := <-ch:
			if e.Source != events.SourceWatch || e.Data["service"] != "mcp:weather" {
				t.Errorf("event = %+v, want service_state for mcp:weather", e)
			}
			if got := e.Data["ready"]; got != ready {
				t.Errorf("event %d ready = %v, want %v", i, got, ready)
			}
			_, hasErr := e.Data["error"]
			if hasErr == ready {
				t.Errorf("event %d error present = %v, want %v", i, hasErr, !ready)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
	if w.IsReady() {
		t.Error("IsReady() = true after going down")
	}
}

func TestWatcher_ProbeTimeout(t *testing.T) {
	t.Parallel()
	bcfg := testBackoff()
	bcfg.ProbeTimeout = 5 * time.Millisecond
	bcfg.MaxRetries = 1

	m := NewManager()
	defer m.Stop()
	w := m.Watch(t.Context(), WatcherConfig{
		Name: "slow",
		Probe: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Backoff: bcfg,
	})

	eventually(t, "probe error", func() bool { return w.LastError() != nil })
	if !errors.Is(w.LastError(), context.DeadlineExceeded) {
		t.Errorf("LastError() = %v, want DeadlineExceeded", w.LastError())
	}
	if w.IsReady() {
		t.Error("IsReady() = true for a probe that always times out")
	}
}

func TestWatcher_ContextCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())

	m := NewManager()
	w := m.Watch(ctx, WatcherConfig{
		Name:    "down",
		Probe:   func(context.Context) error { return errors.New("down") },
		Backoff: testBackoff(),
	})
	cancel()

	done := make(chan struct{})
	go func() {
		w.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop after context cancellation")
	}
}

func TestManager_Status(t *testing.T) {
	t.Parallel()
	m := NewManager()
	defer m.Stop()

	bcfg := testBackoff()
	bcfg.MaxRetries = 1
	up := m.Watch(t.Context(), WatcherConfig{Name: "ollama", Probe: func(context.Context) error { return nil }, Backoff: bcfg})
	down := m.Watch(t.Context(), WatcherConfig{Name: "gemini", Probe: func(context.Context) error { return errors.New("HTTP 403") }, Backoff: bcfg})

	eventually(t, "checks", func() bool {
		return up.IsReady() && down.LastError() != nil
	})

	status := m.Status()
	if len(status) != 2 {
		t.Fatalf("Status() = %d entries, want 2", len(status))
	}
	if status[0].Name != "gemini" || status[1].Name != "ollama" {
		t.Errorf("Status() order = %s, %s, want gemini, ollama", status[0].Name, status[1].Name)
	}
	if status[0].Ready || status[0].LastError != "HTTP 403" {
		t.Errorf("gemini = %+v, want down with HTTP 403", status[0])
	}
	if !status[1].Ready || status[1].LastError != "" {
		t.Errorf("ollama = %+v, want ready", status[1])
	}
}

func TestManager_WatchReplacesAndUnwatch(t *testing.T) {
	t.Parallel()
	m := NewManager()
	defer m.Stop()

	ok := func(context.Context) error { return nil }
	first := m.Watch(t.Context(), WatcherConfig{Name: "mcp:weather", Probe: ok, Backoff: testBackoff()})
	m.Watch(t.Context(), WatcherConfig{Name: "mcp:weather", Probe: ok, Backoff: testBackoff()})

	// Replaced watcher has exited.
	first.Wait()
	if got := len(m.Status()); got != 1 {
		t.Errorf("Status() = %d entries, want 1", got)
	}

	m.Unwatch("mcp:weather")
	m.Unwatch("mcp:weather")
	if got := len(m.Status()); got != 0 {
		t.Errorf("Status() after Unwatch = %d entries, want 0", got)
	}
}

func TestManager_Stop(t *testing.T) {
	t.Parallel()
	m := NewManager()
	for _, name := range []string{"svc-1", "svc-2"} {
		m.Watch(context.Background(), WatcherConfig{
			Name:    name,
			Probe:   func(context.Context) error { return nil },
			Backoff: testBackoff(),
		})
	}

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Manager.Stop did not return within timeout")
	}
}

func TestWatch_PanicsOnBadConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  WatcherConfig
	}{
		{"no name", WatcherConfig{Probe: func(context.Context) error { return nil }}},
		{"no probe", WatcherConfig{Name: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("Watch() did not panic")
				}
			}()
			NewManager().Watch(t.Context(), tt.cfg)
		})
	}
}
