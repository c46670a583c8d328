package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/mailbridge/internal/account"
)

// DefaultSweepInterval is how often every Ready account is checked even
// without new-mail events.
const DefaultSweepInterval = 5 * time.Minute

// Scheduler starts one Worker per registered account, runs the periodic
// sweep, and routes on-demand checks and restarts to the right worker.
type Scheduler struct {
	registry *account.Registry
	workers  []*Worker // workers[i] owns account index i+1
	sweep    time.Duration
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewScheduler creates workers for every account in reg. A sweep of 0
// uses DefaultSweepInterval.
func NewScheduler(reg *account.Registry, cfg WorkerConfig, sweep time.Duration) *Scheduler {
	if sweep <= 0 {
		sweep = DefaultSweepInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Scheduler{
		registry: reg,
		sweep:    sweep,
		logger:   cfg.Logger,
	}
	for _, a := range reg.All() {
		s.workers = append(s.workers, NewWorker(a, cfg))
	}
	return s
}

// Registry returns the account registry.
func (s *Scheduler) Registry() *account.Registry { return s.registry }

// Run starts the workers and the sweep and blocks until ctx is
// cancelled. Workers may still be closing connections when it returns;
// use Wait to bound that.
func (s *Scheduler) Run(ctx context.Context) {
	for _, w := range s.workers {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			w.Run(ctx)
		}()
	}
	s.logger.Info("mailbox workers started", "accounts", len(s.workers), "sweep", s.sweep.String())

	ticker := time.NewTicker(s.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

// sweepOnce asks every Ready account for a check without waiting for
// the results. Each request is bounded by the sweep interval so a slow
// account cannot pile up requests.
func (s *Scheduler) sweepOnce(ctx context.Context) {
	for _, w := range s.workers {
		if w.Account().State() != account.Ready {
			continue
		}
		go func() {
			cctx, cancel := context.WithTimeout(ctx, s.sweep)
			defer cancel()
			if _, err := w.Check(cctx); err != nil && !errors.Is(err, ErrNotReady) && ctx.Err() == nil {
				s.logger.Debug("sweep check failed", "account", w.Account().Index, "error", err)
			}
		}()
	}
}

// Wait blocks until every worker has exited or timeout passes. It
// reports whether all workers finished.
func (s *Scheduler) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Worker returns the worker for a 1-based account index.
func (s *Scheduler) Worker(index int) (*Worker, bool) {
	if index < 1 || index > len(s.workers) {
		return nil, false
	}
	return s.workers[index-1], true
}

// Check runs an on-demand fetch for the account and waits for it.
func (s *Scheduler) Check(ctx context.Context, index int) (Result, error) {
	w, ok := s.Worker(index)
	if !ok {
		return Result{}, fmt.Errorf("no account %d", index)
	}
	return w.Check(ctx)
}

// Restart reconnects one account.
func (s *Scheduler) Restart(ctx context.Context, index int) error {
	w, ok := s.Worker(index)
	if !ok {
		return fmt.Errorf("no account %d", index)
	}
	return w.Restart(ctx)
}

// RestartAll reconnects every account, one after another.
func (s *Scheduler) RestartAll(ctx context.Context) error {
	var errs []error
	for _, w := range s.workers {
		if err := w.Restart(ctx); err != nil {
			errs = append(errs, fmt.Errorf("account %d: %w", w.Account().Index, err))
		}
	}
	return errors.Join(errs...)
}
