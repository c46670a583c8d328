package connwatch

import (
	"cmp"
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc returns nil when the service answers within ctx.
type ProbeFunc func(context.Context) error

// WatcherConfig describes one watched dependency.
type WatcherConfig struct {
	// Name identifies the service in logs and status (e.g., "telegram").
	Name string

	// Probe is called from the watcher goroutine only.
	Probe ProbeFunc

	// Backoff spaces probes while the service is down. Its PollInterval
	// spaces them while it is up.
	Backoff BackoffConfig

	// OnReady runs in its own goroutine whenever the service becomes
	// reachable, including the first time. Optional.
	OnReady func()

	// OnDown runs in its own goroutine when a reachable service stops
	// answering. Optional.
	OnDown func(err error)

	// Logger uses the Manager's logger if nil.
	Logger *slog.Logger
}

// ServiceStatus is what /admin_stats shows for a dependency.
type ServiceStatus struct {
	Name      string
	Ready     bool
	LastCheck time.Time // zero before the first probe
	LastError string
}

// Watcher probes one service in a loop: after a failure it waits the
// next backoff delay, after a success the poll interval.
type Watcher struct {
	config WatcherConfig
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// IsReady reports the outcome of the latest probe.
func (w *Watcher) IsReady() bool { return w.ready.Load() }

// LastError is the latest probe error; nil once the service answers.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	err := w.lastErr
	w.mu.Unlock()
	return err
}

// Status snapshots the watcher.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	checked, err := w.lastCheck, w.lastErr
	w.mu.Unlock()

	st := ServiceStatus{Name: w.config.Name, Ready: w.ready.Load(), LastCheck: checked}
	if err != nil {
		st.LastError = err.Error()
	}
	return st
}

// Stop ends the probe loop and blocks until it has returned.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	backoff := NewBackoff(w.config.Backoff)
	first := true
	for {
		err := w.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		w.record(err)
		w.transition(err, first, backoff.Attempt()+1)
		first = false

		wait := w.config.Backoff.PollInterval
		if err != nil {
			wait = backoff.Next()
		} else {
			backoff.Reset()
		}
		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

// transition updates readiness and fires callbacks when it changes.
// The first probe always reports, so a bot that is down at startup is
// logged even though it never was up.
func (w *Watcher) transition(err error, first bool, attempt int) {
	logger := w.config.Logger
	wasReady := w.ready.Load()

	switch {
	case err == nil && !wasReady:
		w.ready.Store(true)
		if first {
			logger.Info("service connected", "service", w.config.Name)
		} else {
			logger.Info("service recovered", "service", w.config.Name, "after_attempts", attempt)
		}
		if w.config.OnReady != nil {
			go w.config.OnReady()
		}
	case err != nil && wasReady:
		w.ready.Store(false)
		logger.Warn("service became unreachable", "service", w.config.Name, "error", err)
		if w.config.OnDown != nil {
			go w.config.OnDown(err)
		}
	case err != nil && first:
		logger.Warn("service unreachable at startup", "service", w.config.Name, "error", err)
	case err != nil:
		logger.Debug("service still unreachable", "service", w.config.Name, "attempt", attempt, "error", err)
	}
}

func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	defer cancel()
	return w.config.Probe(probeCtx)
}

func (w *Watcher) record(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
}

// sleepCtx waits d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Manager owns the watchers and reports their status together.
type Manager struct {
	mu     sync.RWMutex
	byName map[string]*Watcher
	logger *slog.Logger
}

// NewManager creates an empty Manager. A nil logger means slog.Default.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{byName: map[string]*Watcher{}, logger: cmp.Or(logger, slog.Default())}
}

// Watch starts a watcher that runs until ctx is cancelled or Stop is
// called. Zero-value backoff fields take defaults. Name and Probe are
// required; a missing one panics.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	switch {
	case cfg.Name == "":
		panic("connwatch: watcher needs a name")
	case cfg.Probe == nil:
		panic("connwatch: watcher " + cfg.Name + " has no probe")
	}
	cfg.Logger = cmp.Or(cfg.Logger, m.logger)
	cfg.Backoff = cfg.Backoff.WithDefaults()

	runCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{config: cfg, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.byName[cfg.Name] = w
	m.mu.Unlock()

	go w.run(runCtx)
	return w
}

// Status returns the health of every watched service keyed by name.
// A nil Manager reports nothing.
func (m *Manager) Status() map[string]ServiceStatus {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]ServiceStatus, len(m.byName))
	for name, w := range m.byName {
		out[name] = w.Status()
	}
	return out
}

// Stop ends every watcher and waits for all of them.
func (m *Manager) Stop() {
	m.mu.RLock()
	all := slices.Collect(maps.Values(m.byName))
	m.mu.RUnlock()

	for _, w := range all {
		w.Stop()
	}
}
