package account

import (
	"log/slog"

	"github.com/nugget/mailbridge/internal/config"
)

// Registry is the fixed set of accounts built at startup. It is never
// modified afterwards, so lookups need no locking.
type Registry struct {
	accounts []*Account
	byDest   map[string]*Account
}

// NewRegistry creates one Account per config entry, indexed from 1.
// When two accounts bind the same chat the later one wins the chat and
// a warning is logged; both are still watched.
func NewRegistry(cfgs []config.AccountConfig, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		accounts: make([]*Account, 0, len(cfgs)),
		byDest:   make(map[string]*Account, len(cfgs)),
	}
	for i, c := range cfgs {
		a := New(i+1, c)
		if prev, ok := r.byDest[a.ChatID]; ok {
			logger.Warn("chat bound to more than one account, later account wins",
				"chat_id", a.ChatID,
				"previous", prev.Index,
				"account", a.Index,
			)
		}
		r.accounts = append(r.accounts, a)
		r.byDest[a.ChatID] = a
	}
	return r
}

// All returns the accounts in index order. Callers must not modify the slice.
func (r *Registry) All() []*Account { return r.accounts }

// Len returns the number of accounts.
func (r *Registry) Len() int { return len(r.accounts) }

// ByDestination returns the account bound to chatID.
func (r *Registry) ByDestination(chatID string) (*Account, bool) {
	a, ok := r.byDest[chatID]
	return a, ok
}

// ByIndex returns the account with the given 1-based index.
func (r *Registry) ByIndex(index int) (*Account, bool) {
	if index < 1 || index > len(r.accounts) {
		return nil, false
	}
	return r.accounts[index-1], true
}

// Snapshots copies every account's status.
func (r *Registry) Snapshots() []Snapshot {
	out := make([]Snapshot, len(r.accounts))
	for i, a := range r.accounts {
		out[i] = a.Snapshot()
	}
	return out
}

// CountByState tallies accounts per state.
func (r *Registry) CountByState() map[State]int {
	out := make(map[State]int, 4)
	for _, a := range r.accounts {
		out[a.State()]++
	}
	return out
}
