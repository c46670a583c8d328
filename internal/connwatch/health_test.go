package connwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   2,
		PollInterval: 10 * time.Millisecond,
		ProbeTimeout: time.Second,
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// flakyProbe fails until healthy is set.
type flakyProbe struct {
	healthy atomic.Bool
	calls   atomic.Int32
}

func (p *flakyProbe) probe(ctx context.Context) error {
	p.calls.Add(1)
	if p.healthy.Load() {
		return nil
	}
	return errors.New("connection refused")
}

func TestWatcher_ReadyOnFirstProbe(t *testing.T) {
	m := NewManager(quietLogger())
	defer m.Stop()

	ready := make(chan struct{}, 1)
	w := m.Watch(context.Background(), WatcherConfig{
		Name:    "telegram",
		Probe:   func(context.Context) error { return nil },
		Backoff: fastBackoff(),
		OnReady: func() { ready <- struct{}{} },
	})

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("OnReady not called")
	}
	if !w.IsReady() || w.LastError() != nil {
		t.Errorf("IsReady = %v, LastError = %v", w.IsReady(), w.LastError())
	}
}

func TestWatcher_KeepsRetryingWhileDown(t *testing.T) {
	p := &flakyProbe{}
	m := NewManager(quietLogger())
	defer m.Stop()

	w := m.Watch(context.Background(), WatcherConfig{Name: "mqtt", Probe: p.probe, Backoff: fastBackoff()})

	waitFor(t, "several failed probes", func() bool { return p.calls.Load() >= 5 })
	if w.IsReady() {
		t.Error("IsReady = true while probe fails")
	}
	if st := w.Status(); st.LastError != "connection refused" || st.LastCheck.IsZero() {
		t.Errorf("Status = %+v", st)
	}

	p.healthy.Store(true)
	waitFor(t, "recovery", w.IsReady)
	if w.LastError() != nil {
		t.Errorf("LastError after recovery = %v", w.LastError())
	}
}

func TestWatcher_OnDown(t *testing.T) {
	p := &flakyProbe{}
	p.healthy.Store(true)

	down := make(chan error, 1)
	m := NewManager(quietLogger())
	defer m.Stop()
	w := m.Watch(context.Background(), WatcherConfig{
		Name:    "telegram",
		Probe:   p.probe,
		Backoff: fastBackoff(),
		OnDown:  func(err error) { down <- err },
	})

	waitFor(t, "ready", w.IsReady)
	p.healthy.Store(false)

	select {
	case err := <-down:
		if err == nil {
			t.Error("OnDown got nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnDown not called")
	}
	if w.IsReady() {
		t.Error("IsReady = true after OnDown")
	}
}

func TestWatcher_ProbeTimeout(t *testing.T) {
	cfg := fastBackoff()
	cfg.ProbeTimeout = 5 * time.Millisecond

	m := NewManager(quietLogger())
	defer m.Stop()
	w := m.Watch(context.Background(), WatcherConfig{
		Name: "slow",
		Probe: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Backoff: cfg,
	})

	waitFor(t, "a recorded probe", func() bool { return !w.Status().LastCheck.IsZero() })
	if !errors.Is(w.LastError(), context.DeadlineExceeded) {
		t.Errorf("LastError = %v, want deadline exceeded", w.LastError())
	}
}

func TestWatcher_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := NewManager(quietLogger())
	w := m.Watch(ctx, WatcherConfig{Name: "x", Probe: func(context.Context) error { return nil }, Backoff: fastBackoff()})

	cancel()
	select {
	case <-w.done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not exit after cancel")
	}
	m.Stop()
}

func TestManager_Status(t *testing.T) {
	var nilMgr *Manager
	if nilMgr.Status() != nil {
		t.Error("nil Manager Status should be nil")
	}

	m := NewManager(nil)
	defer m.Stop()
	up := m.Watch(context.Background(), WatcherConfig{Name: "telegram", Probe: func(context.Context) error { return nil }, Backoff: fastBackoff(), Logger: quietLogger()})
	m.Watch(context.Background(), WatcherConfig{Name: "mqtt", Probe: func(context.Context) error { return errors.New("down") }, Backoff: fastBackoff(), Logger: quietLogger()})

	waitFor(t, "telegram ready", up.IsReady)
	waitFor(t, "mqtt probed", func() bool { return !m.Status()["mqtt"].LastCheck.IsZero() })

	st := m.Status()
	if len(st) != 2 {
		t.Fatalf("len(Status) = %d, want 2", len(st))
	}
	if !st["telegram"].Ready || st["mqtt"].Ready {
		t.Errorf("Status = %+v", st)
	}
	if st["mqtt"].LastError != "down" {
		t.Errorf("mqtt LastError = %q", st["mqtt"].LastError)
	}
}

func TestManager_WatchValidates(t *testing.T) {
	tests := []struct {
		name string
		cfg  WatcherConfig
	}{
		{"empty name", WatcherConfig{Probe: func(context.Context) error { return nil }}},
		{"nil probe", WatcherConfig{Name: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("Watch did not panic")
				}
			}()
			NewManager(quietLogger()).Watch(context.Background(), tt.cfg)
		})
	}
}
