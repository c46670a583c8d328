// Package account holds the per-mailbox runtime state shared between the
// account workers, the scheduler and the command router.
//
// Every field that another goroutine may read is an atomic, so status
// commands never block on a worker that is busy fetching. Only the
// account's own worker writes.
package account

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nugget/mailbridge/internal/config"
)

// State is a connection lifecycle state.
type State int32

// Connection states.
const (
	Disconnected State = iota
	Connecting
	Ready
	Error
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Watermark is the highest sequence number already handled. It starts
// unseeded, is seeded once with the mailbox size on the first successful
// connection, and never decreases.
type Watermark struct {
	v      atomic.Uint32
	seeded atomic.Bool
}

// Load returns the current value.
func (w *Watermark) Load() uint32 { return w.v.Load() }

// Seeded reports whether Seed has taken effect.
func (w *Watermark) Seeded() bool { return w.seeded.Load() }

// Seed sets the initial value. Only the first call has any effect; it
// returns true when this call seeded the watermark.
func (w *Watermark) Seed(n uint32) bool {
	if !w.seeded.CompareAndSwap(false, true) {
		return false
	}
	w.Advance(n)
	return true
}

// Advance raises the watermark to n. Lower or equal values are ignored;
// it returns true when the value changed.
func (w *Watermark) Advance(n uint32) bool {
	for {
		cur := w.v.Load()
		if n <= cur {
			return false
		}
		if w.v.CompareAndSwap(cur, n) {
			return true
		}
	}
}

// Account is one watched mailbox bound to one Telegram chat.
type Account struct {
	Index    int // 1-based, stable for the life of the process
	User     string
	Password string
	ChatID   string

	Watermark Watermark

	state       atomic.Int32
	lastChecked atomic.Int64 // unix nanoseconds; 0 means never
	lastError   atomic.Pointer[string]
}

// New creates an account in the Disconnected state.
func New(index int, cfg config.AccountConfig) *Account {
	return &Account{
		Index:    index,
		User:     cfg.User,
		Password: cfg.Password,
		ChatID:   cfg.ChatID,
	}
}

// State returns the current connection state.
func (a *Account) State() State { return State(a.state.Load()) }

// SetState stores s and returns the previous state.
func (a *Account) SetState(s State) State { return State(a.state.Swap(int32(s))) }

// MarkChecked records the start of a fetch cycle.
func (a *Account) MarkChecked(t time.Time) { a.lastChecked.Store(t.UnixNano()) }

// LastCheckedAt returns when the last fetch cycle started.
func (a *Account) LastCheckedAt() (time.Time, bool) {
	ns := a.lastChecked.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

// SetLastError records the last connection error; "" clears it.
func (a *Account) SetLastError(msg string) {
	if msg == "" {
		a.lastError.Store(nil)
		return
	}
	a.lastError.Store(&msg)
}

// LastError returns the last connection error text.
func (a *Account) LastError() string {
	if p := a.lastError.Load(); p != nil {
		return *p
	}
	return ""
}

// Snapshot is a consistent-enough copy for status display.
type Snapshot struct {
	Index       int
	User        string
	ChatID      string
	State       State
	Watermark   uint32
	Seeded      bool
	LastChecked time.Time // zero when never checked
	LastError   string
}

// Snapshot copies the account's observable fields.
func (a *Account) Snapshot() Snapshot {
	checked, _ := a.LastCheckedAt()
	return Snapshot{
		Index:       a.Index,
		User:        a.User,
		ChatID:      a.ChatID,
		State:       a.State(),
		Watermark:   a.Watermark.Load(),
		Seeded:      a.Watermark.Seeded(),
		LastChecked: checked,
		LastError:   a.LastError(),
	}
}

// LogValue implements slog.LogValuer without exposing the password.
func (a *Account) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("index", a.Index),
		slog.String("user", a.User),
		slog.String("chat_id", a.ChatID),
	)
}
