// Package watcher runs the per-account mailbox workers and the
// incremental fetch that turns new mail into Telegram notifications.
//
// Each account is owned by one [Worker] goroutine. The worker holds the
// IMAP connection, drives the Disconnected → Connecting → Ready → Error
// state machine, debounces new-mail events, and serializes every fetch
// for its account. Other goroutines talk to it only through [Worker.Check]
// and [Worker.Restart], and read account status from the atomics in
// [account.Account].
package watcher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nugget/mailbridge/internal/account"
	"github.com/nugget/mailbridge/internal/connwatch"
	"github.com/nugget/mailbridge/internal/events"
	"github.com/nugget/mailbridge/internal/mailbox"
)

// ErrStopped is returned by Check and Restart after the worker exited.
var ErrStopped = errors.New("account worker stopped")

// Default timings.
const (
	DefaultDebounce          = 2 * time.Second
	DefaultInitialCheckDelay = 3 * time.Second
)

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	Dialer  mailbox.Dialer
	Fetcher *Fetcher

	// Backoff spaces reconnect attempts. Only InitialDelay, MaxDelay
	// and Multiplier are used.
	Backoff connwatch.BackoffConfig

	// Debounce collapses bursts of new-mail events into one fetch.
	Debounce time.Duration

	// InitialCheckDelay delays the fetch after each successful handshake.
	InitialCheckDelay time.Duration

	Events *events.Bus
	Logger *slog.Logger
}

type requestKind int

const (
	reqCheck requestKind = iota
	reqRestart
)

type request struct {
	kind  requestKind
	reply chan checkReply // reqCheck only
}

type checkReply struct {
	res Result
	err error
}

// Worker owns one account's connection and fetches.
type Worker struct {
	acct    *account.Account
	cfg     WorkerConfig
	logger  *slog.Logger
	reqs    chan request
	newMail chan uint32
	done    chan struct{}
}

// NewWorker creates a worker for acct. Call Run to start it.
func NewWorker(acct *account.Account, cfg WorkerConfig) *Worker {
	if cfg.Dialer == nil || cfg.Fetcher == nil {
		panic("watcher: WorkerConfig needs Dialer and Fetcher")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.InitialCheckDelay <= 0 {
		cfg.InitialCheckDelay = DefaultInitialCheckDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Worker{
		acct:    acct,
		cfg:     cfg,
		logger:  cfg.Logger.With("account", acct.Index, "user", acct.User),
		reqs:    make(chan request),
		newMail: make(chan uint32, 1),
		done:    make(chan struct{}),
	}
}

// Account returns the account this worker owns.
func (w *Worker) Account() *account.Account { return w.acct }

// Done is closed when Run returns.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Check asks the worker for an on-demand fetch and waits for the
// result. It returns ErrNotReady without fetching when the account is
// not connected.
func (w *Worker) Check(ctx context.Context) (Result, error) {
	reply := make(chan checkReply, 1)
	if err := w.send(ctx, request{kind: reqCheck, reply: reply}); err != nil {
		return Result{}, err
	}
	select {
	case r := <-reply:
		return r.res, r.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-w.done:
		return Result{}, ErrStopped
	}
}

// Restart closes the current connection, if any, and reconnects
// immediately. It returns once the worker accepted the request.
func (w *Worker) Restart(ctx context.Context) error {
	return w.send(ctx, request{kind: reqRestart})
}

func (w *Worker) send(ctx context.Context, r request) error {
	select {
	case w.reqs <- r:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return ErrStopped
	}
}

// onNewMail runs on the connection's reader goroutine and must not block.
func (w *Worker) onNewMail(count uint32) {
	select {
	case w.newMail <- count:
	default:
		// A pending event already guarantees a fetch.
	}
}

// session is the worker loop's mutable state. Nil channels disable
// their select cases.
type session struct {
	conn      mailbox.Conn
	connDone  <-chan struct{}
	reconnect *time.Timer
	debounce  *time.Timer
	initial   *time.Timer
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// Run drives the account until ctx is cancelled, then closes the
// connection and returns.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)

	backoff := connwatch.NewBackoff(w.cfg.Backoff)
	var s session
	defer func() {
		stopTimer(&s.reconnect)
		stopTimer(&s.debounce)
		stopTimer(&s.initial)
	}()

	connect := func() {
		if err := w.connect(ctx, &s); err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := backoff.Next()
			w.fail(err, delay, backoff.Attempt())
			s.reconnect = time.NewTimer(delay)
			return
		}
		backoff.Reset()
	}

	connect()

	for {
		select {
		case <-ctx.Done():
			w.disconnect(&s, "shutdown")
			return

		case <-timerC(s.reconnect):
			s.reconnect = nil
			connect()

		case <-s.connDone:
			err := s.conn.Err()
			if err == nil {
				err = mailbox.ErrDropped
			}
			_ = s.conn.Close()
			w.clearSession(&s)
			delay := backoff.Next()
			w.fail(err, delay, backoff.Attempt())
			s.reconnect = time.NewTimer(delay)

		case count := <-w.newMail:
			if s.conn == nil {
				continue
			}
			w.logger.Debug("new mail event", "count", count)
			if s.debounce == nil {
				s.debounce = time.NewTimer(w.cfg.Debounce)
			} else {
				s.debounce.Reset(w.cfg.Debounce)
			}

		case <-timerC(s.debounce):
			s.debounce = nil
			w.fetch(ctx, &s, "new mail")

		case <-timerC(s.initial):
			s.initial = nil
			w.fetch(ctx, &s, "initial check")

		case r := <-w.reqs:
			switch r.kind {
			case reqCheck:
				res, err := w.fetch(ctx, &s, "on demand")
				r.reply <- checkReply{res: res, err: err}
			case reqRestart:
				w.logger.Info("restarting connection")
				w.disconnect(&s, "restart")
				stopTimer(&s.reconnect)
				backoff.Reset()
				connect()
			}
		}
	}
}

// connect performs the handshake and, on success, makes the account
// Ready, seeds the watermark the first time, and schedules the initial
// check.
func (w *Worker) connect(ctx context.Context, s *session) error {
	w.setState(account.Connecting, nil)

	conn, err := w.cfg.Dialer.Dial(ctx, mailbox.Credentials{
		User:     w.acct.User,
		Password: w.acct.Password,
	}, w.onNewMail)
	if err != nil {
		return err
	}

	total, err := conn.Open(ctx)
	if err != nil {
		_ = conn.Close()
		return err
	}

	if w.acct.Watermark.Seed(total) {
		w.logger.Info("watermark seeded", "watermark", total)
		w.cfg.Events.Emit(events.SourceAccount, events.KindWatermark, map[string]any{
			"account":   w.acct.Index,
			"watermark": total,
		})
	}

	s.conn = conn
	s.connDone = conn.Done()
	s.initial = time.NewTimer(w.cfg.InitialCheckDelay)
	w.acct.SetLastError("")
	w.setState(account.Ready, nil)
	w.logger.Info("mailbox connected", "total", total, "watermark", w.acct.Watermark.Load())
	return nil
}

// fetch runs one cycle when connected.
func (w *Worker) fetch(ctx context.Context, s *session, trigger string) (Result, error) {
	if s.conn == nil {
		return Result{}, ErrNotReady
	}
	w.logger.Debug("checking mailbox", "trigger", trigger)

	res, err := w.cfg.Fetcher.FetchNew(ctx, w.acct, s.conn)
	if err != nil && !errors.Is(err, ErrNotReady) && ctx.Err() == nil {
		// A dropped connection is picked up by the connDone case.
		w.logger.Warn("mailbox check failed", "trigger", trigger, "error", err)
	}
	return res, err
}

func (w *Worker) fail(err error, delay time.Duration, attempt int) {
	w.acct.SetLastError(err.Error())
	w.setState(account.Error, err)
	w.logger.Warn("mailbox connection failed, will reconnect",
		"error", err,
		"retry_in", delay.String(),
		"attempt", attempt,
	)
}

// disconnect closes the connection on purpose: no reconnect follows
// unless the caller schedules one.
func (w *Worker) disconnect(s *session, reason string) {
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			w.logger.Debug("error closing mailbox connection", "reason", reason, "error", err)
		}
	}
	w.clearSession(s)
	w.setState(account.Disconnected, nil)
}

func (w *Worker) clearSession(s *session) {
	s.conn = nil
	s.connDone = nil
	stopTimer(&s.debounce)
	stopTimer(&s.initial)
}

func (w *Worker) setState(to account.State, cause error) {
	from := w.acct.SetState(to)
	if from == to {
		return
	}
	w.logger.Debug("account state changed", "from", from.String(), "to", to.String())

	data := map[string]any{
		"account": w.acct.Index,
		"email":   w.acct.User,
		"from":    from.String(),
		"to":      to.String(),
	}
	if cause != nil {
		data["error"] = cause.Error()
	}
	w.cfg.Events.Emit(events.SourceAccount, events.KindStateChanged, data)
}
