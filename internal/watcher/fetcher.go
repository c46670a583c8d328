package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/mailbridge/internal/account"
	"github.com/nugget/mailbridge/internal/config"
	"github.com/nugget/mailbridge/internal/events"
	"github.com/nugget/mailbridge/internal/journal"
	"github.com/nugget/mailbridge/internal/mailbox"
	"github.com/nugget/mailbridge/internal/message"
	"github.com/nugget/mailbridge/internal/notify"
)

// ErrNotReady is returned by FetchNew when the account has no live
// connection.
var ErrNotReady = errors.New("account not ready")

// errStopBatch ends a fetch early under AdvanceOnSuccess.
var errStopBatch = errors.New("stop batch")

// AdvancePolicy decides when the watermark moves past a message.
type AdvancePolicy int

const (
	// AdvanceOnAttempt claims every attempted message, whatever the
	// outcome. A failed delivery is not retried.
	AdvanceOnAttempt AdvancePolicy = iota

	// AdvanceOnSuccess claims delivered, empty and unparseable messages.
	// A delivery failure stops the batch so the message is retried on
	// the next trigger.
	AdvanceOnSuccess
)

func (p AdvancePolicy) String() string {
	if p == AdvanceOnSuccess {
		return config.AdvanceSuccess
	}
	return config.AdvanceAttempt
}

// ParseAdvancePolicy maps a watch.advance_policy value to a policy.
func ParseAdvancePolicy(s string) (AdvancePolicy, error) {
	switch s {
	case "", config.AdvanceAttempt:
		return AdvanceOnAttempt, nil
	case config.AdvanceSuccess:
		return AdvanceOnSuccess, nil
	}
	return AdvanceOnAttempt, fmt.Errorf("unknown advance policy %q", s)
}

// ParseFunc turns a raw RFC 822 message into a parsed message.
type ParseFunc func(raw []byte) (*message.Message, error)

// Sender delivers a notification to a chat.
type Sender interface {
	Send(ctx context.Context, chatID, text string) error
}

// Recorder stores delivery attempts. *journal.Store implements it.
type Recorder interface {
	Record(ctx context.Context, e journal.Entry) error
}

// Result summarizes one fetch cycle. To < From means there was nothing
// new.
type Result struct {
	From        uint32
	To          uint32
	Delivered   int
	Failed      int
	Skipped     int
	ParseErrors int
}

// Empty reports whether the cycle found no new messages.
func (r Result) Empty() bool { return r.To < r.From }

// Attempted returns how many messages were processed.
func (r Result) Attempted() int {
	return r.Delivered + r.Failed + r.Skipped + r.ParseErrors
}

// FetcherConfig configures a Fetcher.
type FetcherConfig struct {
	Parse     ParseFunc         // default message.Parse
	Formatter *notify.Formatter // default notify.NewFormatter(notify.Options{})
	Sender    Sender
	Journal   Recorder // optional
	Events    *events.Bus
	Policy    AdvancePolicy
	Logger    *slog.Logger
	Now       func() time.Time
}

// Fetcher pulls messages above an account's watermark and delivers
// them in sequence order. It holds no per-account state; the account
// worker serializes calls for one account.
type Fetcher struct {
	parse     ParseFunc
	formatter *notify.Formatter
	sender    Sender
	journal   Recorder
	events    *events.Bus
	policy    AdvancePolicy
	logger    *slog.Logger
	now       func() time.Time
}

// NewFetcher creates a Fetcher. Sender is required.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	if cfg.Sender == nil {
		panic("watcher: FetcherConfig.Sender is required")
	}
	if cfg.Parse == nil {
		cfg.Parse = message.Parse
	}
	if cfg.Formatter == nil {
		cfg.Formatter = notify.NewFormatter(notify.Options{})
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Fetcher{
		parse:     cfg.Parse,
		formatter: cfg.Formatter,
		sender:    cfg.Sender,
		journal:   cfg.Journal,
		events:    cfg.Events,
		policy:    cfg.Policy,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
}

// Policy returns the configured advance policy.
func (f *Fetcher) Policy() AdvancePolicy { return f.policy }

// FetchNew delivers every message between the account's watermark and
// the mailbox's current size. Parse and delivery failures are logged
// and do not stop the batch, except that under AdvanceOnSuccess a
// delivery failure ends it. A mailbox that shrank is left alone and
// the watermark never moves down.
func (f *Fetcher) FetchNew(ctx context.Context, acct *account.Account, conn mailbox.Conn) (Result, error) {
	if conn == nil || acct.State() != account.Ready {
		return Result{}, ErrNotReady
	}

	logger := f.logger.With("account", acct.Index, "cycle", uuid.NewString()[:8])
	acct.MarkChecked(f.now())

	total, err := conn.Open(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("open mailbox: %w", err)
	}

	res := Result{From: acct.Watermark.Load() + 1, To: total}
	if res.Empty() {
		logger.Log(ctx, config.LevelTrace, "no new messages", "watermark", res.From-1, "total", total)
		return res, nil
	}

	logger.Info("fetching new messages", "from", res.From, "to", res.To)

	err = conn.FetchRange(ctx, res.From, res.To, func(seq uint32, raw []byte) error {
		outcome := f.handle(ctx, logger, acct, seq, raw)
		switch outcome {
		case journal.Delivered:
			res.Delivered++
		case journal.Failed:
			res.Failed++
		case journal.Skipped:
			res.Skipped++
		case journal.ParseError:
			res.ParseErrors++
		}

		if outcome == journal.Failed && f.policy == AdvanceOnSuccess {
			return errStopBatch
		}
		if acct.Watermark.Advance(seq) {
			f.events.Emit(events.SourceFetcher, events.KindWatermark, map[string]any{
				"account":   acct.Index,
				"watermark": seq,
			})
		}
		return nil
	})

	switch {
	case errors.Is(err, errStopBatch):
		logger.Info("delivery failed, stopping batch until next check",
			"watermark", acct.Watermark.Load(),
		)
		err = nil
	case err != nil:
		err = fmt.Errorf("fetch %d:%d: %w", res.From, res.To, err)
	}

	f.events.Emit(events.SourceFetcher, events.KindFetchComplete, map[string]any{
		"account":      acct.Index,
		"from":         res.From,
		"to":           res.To,
		"delivered":    res.Delivered,
		"failed":       res.Failed,
		"skipped":      res.Skipped,
		"parse_errors": res.ParseErrors,
	})
	logger.Info("fetch complete",
		"delivered", res.Delivered,
		"failed", res.Failed,
		"skipped", res.Skipped,
		"parse_errors", res.ParseErrors,
		"watermark", acct.Watermark.Load(),
	)
	return res, err
}

// handle runs parse, format and send for one message and records the
// outcome.
func (f *Fetcher) handle(ctx context.Context, logger *slog.Logger, acct *account.Account, seq uint32, raw []byte) journal.Outcome {
	outcome, err := f.deliver(ctx, acct, seq, raw)

	switch outcome {
	case journal.ParseError:
		logger.Warn("message parse failed, skipping", "seq", seq, "error", err)
	case journal.Skipped:
		logger.Debug("message has no usable text, not delivered", "seq", seq)
	case journal.Failed:
		logger.Error("notification delivery failed", "seq", seq, "chat_id", acct.ChatID, "error", err)
		f.events.Emit(events.SourceFetcher, events.KindDeliveryFailed, map[string]any{
			"account": acct.Index,
			"seq":     seq,
			"chat_id": acct.ChatID,
			"error":   err.Error(),
		})
	case journal.Delivered:
		logger.Debug("notification delivered", "seq", seq, "chat_id", acct.ChatID)
		f.events.Emit(events.SourceFetcher, events.KindDelivered, map[string]any{
			"account": acct.Index,
			"seq":     seq,
			"chat_id": acct.ChatID,
		})
	}

	if f.journal != nil {
		e := journal.Entry{
			Account:   acct.Index,
			Seq:       seq,
			ChatID:    acct.ChatID,
			Outcome:   outcome,
			Timestamp: f.now(),
		}
		if err != nil {
			e.Error = err.Error()
		}
		if jerr := f.journal.Record(ctx, e); jerr != nil {
			logger.Warn("journal write failed", "seq", seq, "error", jerr)
		}
	}
	return outcome
}

func (f *Fetcher) deliver(ctx context.Context, acct *account.Account, seq uint32, raw []byte) (journal.Outcome, error) {
	if len(raw) == 0 {
		return journal.ParseError, fmt.Errorf("seq %d: %w", seq, message.ErrEmpty)
	}
	msg, err := f.parse(raw)
	if err != nil {
		return journal.ParseError, err
	}

	text, ok := f.formatter.Format(msg)
	if !ok {
		return journal.Skipped, nil
	}

	if err := f.sender.Send(ctx, acct.ChatID, text); err != nil {
		return journal.Failed, err
	}
	return journal.Delivered, nil
}
