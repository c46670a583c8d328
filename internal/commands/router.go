// Package commands answers the bot commands users send to the mailbridge
// Telegram bot: per-chat status and on-demand checks, plus admin-only
// statistics and restarts.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/nugget/mailbridge/internal/account"
	"github.com/nugget/mailbridge/internal/connwatch"
	"github.com/nugget/mailbridge/internal/events"
	"github.com/nugget/mailbridge/internal/journal"
	"github.com/nugget/mailbridge/internal/notify"
	"github.com/nugget/mailbridge/internal/telegram"
	"github.com/nugget/mailbridge/internal/watcher"
)

// handleTimeout bounds how long one command may run, including the
// on-demand fetch behind /check.
const handleTimeout = 2 * time.Minute

// AccessDenied is the reply to an admin command from a non-admin chat.
const AccessDenied = "⛔ Access denied"

// Checker runs fetches and reconnects. *watcher.Scheduler implements it.
type Checker interface {
	Check(ctx context.Context, index int) (watcher.Result, error)
	Restart(ctx context.Context, index int) error
	RestartAll(ctx context.Context) error
}

// Stats reads the delivery journal. *journal.Store implements it.
type Stats interface {
	Counts(ctx context.Context, account int) (journal.Counts, error)
	Recent(ctx context.Context, account, limit int) ([]journal.Entry, error)
}

// recentWindow is how many journal entries /status scans for the last
// delivery failure.
const recentWindow = 20

// RouterConfig holds the dependencies for a Router.
type RouterConfig struct {
	Registry *account.Registry
	Checker  Checker
	Sender   watcher.Sender

	// Admins lists the chat ids allowed to run /admin_* commands.
	Admins []string

	// Journal adds delivery counters to /status and /admin_stats. Optional.
	Journal Stats

	// Health reports transport health for /admin_stats. Optional.
	Health func() map[string]connwatch.ServiceStatus

	Events   *events.Bus
	Location *time.Location
	Logger   *slog.Logger
	Now      func() time.Time
}

// Router dispatches bot commands. It keeps no state of its own: every
// reply is built from the registry and the optional journal.
type Router struct {
	registry *account.Registry
	checker  Checker
	sender   watcher.Sender
	admins   []string
	journal  Stats
	health   func() map[string]connwatch.ServiceStatus
	events   *events.Bus
	loc      *time.Location
	logger   *slog.Logger
	now      func() time.Time

	wg sync.WaitGroup
}

// NewRouter creates a Router. Registry, Checker and Sender are required.
func NewRouter(cfg RouterConfig) *Router {
	if cfg.Registry == nil || cfg.Checker == nil || cfg.Sender == nil {
		panic("commands: RouterConfig needs Registry, Checker and Sender")
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Router{
		registry: cfg.Registry,
		checker:  cfg.Checker,
		sender:   cfg.Sender,
		admins:   cfg.Admins,
		journal:  cfg.Journal,
		health:   cfg.Health,
		events:   cfg.Events,
		loc:      cfg.Location,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
}

// Start handles updates until ctx is cancelled or the channel closes.
// Each command runs in its own goroutine so a slow /check does not hold
// up other chats. Start waits for running commands before returning.
func (r *Router) Start(ctx context.Context, updates <-chan telegram.Update) {
	r.logger.Info("command router started", "admins", len(r.admins))
	defer r.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				r.logger.Info("update channel closed, router stopping")
				return
			}
			if u.Message == nil || u.Message.Text == "" {
				continue
			}
			chatID, text := u.Message.ChatID(), u.Message.Text
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				hctx, cancel := context.WithTimeout(ctx, handleTimeout)
				defer cancel()
				r.Handle(hctx, chatID, text)
			}()
		}
	}
}

// Handle runs the command in text on behalf of chatID and sends the
// replies. It reports whether text was a known command.
func (r *Router) Handle(ctx context.Context, chatID, text string) bool {
	cmd, _, ok := telegram.ParseCommand(text)
	if !ok {
		return false
	}

	var handler func(context.Context, string)
	admin := false
	switch cmd {
	case "/start":
		handler = r.start
	case "/status":
		handler = r.status
	case "/check":
		handler = r.check
	case "/testmail":
		handler = r.testmail
	case "/help":
		handler = r.help
	case "/admin_stats":
		handler, admin = r.adminStats, true
	case "/admin_restart":
		handler, admin = r.adminRestart, true
	default:
		r.logger.Debug("ignoring unknown command", "command", cmd, "chat_id", chatID)
		return false
	}

	// Refused admin commands are neither logged as commands nor emitted.
	if admin && !r.IsAdmin(chatID) {
		r.logger.Warn("admin command refused", "command", cmd, "chat_id", chatID)
		r.reply(ctx, chatID, AccessDenied)
		return true
	}

	r.logger.Info("bot command", "command", cmd, "chat_id", chatID)
	r.events.Emit(events.SourceCommands, events.KindCommand, map[string]any{
		"command": cmd,
		"chat_id": chatID,
	})
	handler(ctx, chatID)
	return true
}

// IsAdmin reports whether chatID is on the admin allow-list.
func (r *Router) IsAdmin(chatID string) bool {
	return slices.Contains(r.admins, chatID)
}

func (r *Router) reply(ctx context.Context, chatID, text string) {
	if err := r.sender.Send(ctx, chatID, text); err != nil {
		r.logger.Warn("command reply failed", "chat_id", chatID, "error", err)
	}
}

func (r *Router) start(ctx context.Context, chatID string) {
	a, ok := r.registry.ByDestination(chatID)
	if !ok {
		r.reply(ctx, chatID, "👋 Hi! This chat is not bound to a mailbox.\n\n"+
			"To bind it, add to the configuration:\n"+
			"MAIL_CHAT_ID_N="+chatID+"\n"+
			"or chat_id: \""+chatID+"\" under accounts:\n\n"+
			"where N is the number of your account.")
		return
	}

	s := a.Snapshot()
	var b strings.Builder
	b.WriteString("📧 Your mailbox\n\n")
	fmt.Fprintf(&b, "Account #%d\n", s.Index)
	fmt.Fprintf(&b, "Email: %s\n", s.User)
	fmt.Fprintf(&b, "Status: %s\n", stateLabel(s.State))
	fmt.Fprintf(&b, "Messages handled: %d", s.Watermark)
	if !s.LastChecked.IsZero() {
		fmt.Fprintf(&b, "\nLast check: %s", s.LastChecked.In(r.loc).Format("15:04:05"))
	}
	b.WriteString("\n\nNew mail arrives here automatically.")
	r.reply(ctx, chatID, b.String())
}

func (r *Router) status(ctx context.Context, chatID string) {
	a, ok := r.registry.ByDestination(chatID)
	if !ok {
		r.reply(ctx, chatID, "❌ This chat has no bound account")
		return
	}

	s := a.Snapshot()
	var b strings.Builder
	b.WriteString("📊 Detailed status:\n\n")
	fmt.Fprintf(&b, "Account #%d\n", s.Index)
	fmt.Fprintf(&b, "Email: %s\n", s.User)
	fmt.Fprintf(&b, "Chat ID: %s\n", s.ChatID)
	fmt.Fprintf(&b, "Status: %s (%s)\n", onlineLabel(s.State), s.State)
	fmt.Fprintf(&b, "Watermark: %d\n", s.Watermark)
	if !s.LastChecked.IsZero() {
		fmt.Fprintf(&b, "Last check: %s\n", humanize.RelTime(s.LastChecked, r.now(), "ago", "from now"))
	}
	if s.LastError != "" {
		fmt.Fprintf(&b, "Last error: %s\n", s.LastError)
	}
	if line := r.journalLine(ctx, s.Index); line != "" {
		b.WriteString(line)
		b.WriteString("\n")
	}
	if line := r.lastFailureLine(ctx, s.Index); line != "" {
		b.WriteString(line)
		b.WriteString("\n")
	}
	r.reply(ctx, chatID, b.String())
}

func (r *Router) check(ctx context.Context, chatID string) {
	a, ok := r.registry.ByDestination(chatID)
	if !ok {
		r.reply(ctx, chatID, "❌ This chat has no bound mailbox")
		return
	}

	r.reply(ctx, chatID, "🔍 Checking mail...")

	if a.State() == account.Ready {
		res, err := r.checker.Check(ctx, a.Index)
		switch {
		case err == nil:
			r.reply(ctx, chatID, checkSummary(res))
			return
		case !errors.Is(err, watcher.ErrNotReady):
			r.reply(ctx, chatID, "⚠️ Check failed: "+err.Error())
			return
		}
		// Lost the connection between the state read and the fetch.
	}

	r.reply(ctx, chatID, "❌ Account is not connected. Reconnecting...")
	if err := r.checker.Restart(ctx, a.Index); err != nil {
		r.logger.Warn("reconnect request failed", "account", a.Index, "error", err)
	}
}

func checkSummary(res watcher.Result) string {
	if res.Empty() {
		return "✅ Check complete, no new mail"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "✅ Check complete: %d new", res.Attempted())
	if res.Delivered > 0 {
		fmt.Fprintf(&b, ", %d delivered", res.Delivered)
	}
	if res.Failed > 0 {
		fmt.Fprintf(&b, ", %d failed", res.Failed)
	}
	if res.Skipped > 0 {
		fmt.Fprintf(&b, ", %d empty", res.Skipped)
	}
	if res.ParseErrors > 0 {
		fmt.Fprintf(&b, ", %d unreadable", res.ParseErrors)
	}
	return b.String()
}

func (r *Router) testmail(ctx context.Context, chatID string) {
	a, ok := r.registry.ByDestination(chatID)
	if !ok {
		r.reply(ctx, chatID, "❌ This chat has no bound mailbox")
		return
	}

	text := "🧪 Test notification from mailbridge\n\n" +
		"Time: " + r.now().In(r.loc).Format(notify.DateLayout) + "\n" +
		"Account: " + a.User + "\n" +
		"Chat ID: " + chatID
	if err := r.sender.Send(ctx, a.ChatID, text); err != nil {
		r.logger.Warn("test notification failed", "account", a.Index, "error", err)
		r.reply(ctx, chatID, "❌ Test message failed: "+err.Error())
		return
	}
	r.reply(ctx, chatID, "✅ Test message sent")
}

func (r *Router) help(ctx context.Context, chatID string) {
	lines := []string{
		"ℹ️ Commands:",
		"/start - mailbox binding and summary",
		"/status - detailed account status",
		"/check - check for new mail now",
		"/testmail - send a test notification",
		"/help - this list",
	}
	if r.IsAdmin(chatID) {
		lines = append(lines,
			"/admin_stats - all accounts",
			"/admin_restart - reconnect all accounts",
		)
	}
	r.reply(ctx, chatID, strings.Join(lines, "\n"))
}

func (r *Router) adminStats(ctx context.Context, chatID string) {
	var b strings.Builder
	b.WriteString("👑 Admin panel\n\n")
	fmt.Fprintf(&b, "Total accounts: %d\n\n", r.registry.Len())

	for _, s := range r.registry.Snapshots() {
		icon := "❌"
		if s.State == account.Ready {
			icon = "✅"
		}
		fmt.Fprintf(&b, "%s Account #%d (%s)\n", icon, s.Index, s.State)
		fmt.Fprintf(&b, "   📧 %s\n", s.User)
		fmt.Fprintf(&b, "   💬 Chat: %s\n", s.ChatID)
		fmt.Fprintf(&b, "   📬 Watermark: %d\n\n", s.Watermark)
	}

	if line := r.journalLine(ctx, 0); line != "" {
		b.WriteString(line)
		b.WriteString("\n")
	}

	if r.health != nil {
		status := r.health()
		names := make([]string, 0, len(status))
		for name := range status {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			st := status[name]
			label := "ready"
			if !st.Ready {
				label = "down"
				if st.LastError != "" {
					label += ": " + st.LastError
				}
			}
			fmt.Fprintf(&b, "🌐 %s: %s\n", name, label)
		}
	}

	r.reply(ctx, chatID, strings.TrimRight(b.String(), "\n"))
}

func (r *Router) adminRestart(ctx context.Context, chatID string) {
	r.reply(ctx, chatID, "🔄 Restarting all accounts...")
	if err := r.checker.RestartAll(ctx); err != nil {
		r.logger.Warn("restart all failed", "error", err)
		r.reply(ctx, chatID, "⚠️ Restart incomplete: "+err.Error())
		return
	}
	r.reply(ctx, chatID, "✅ All accounts restarted")
}

// journalLine renders delivery counters, or "" when the journal is off
// or unreadable. account 0 means all accounts.
func (r *Router) journalLine(ctx context.Context, index int) string {
	if r.journal == nil {
		return ""
	}
	c, err := r.journal.Counts(ctx, index)
	if err != nil {
		r.logger.Warn("journal read failed", "error", err)
		return ""
	}
	return fmt.Sprintf("📒 Journal: %s delivered, %s failed, %s empty, %s unreadable",
		humanize.Comma(int64(c.Delivered)),
		humanize.Comma(int64(c.Failed)),
		humanize.Comma(int64(c.Skipped)),
		humanize.Comma(int64(c.ParseErrors)),
	)
}

// lastFailureLine describes the newest failed send among the account's
// recent journal entries, or "" when there is none.
func (r *Router) lastFailureLine(ctx context.Context, index int) string {
	if r.journal == nil {
		return ""
	}
	entries, err := r.journal.Recent(ctx, index, recentWindow)
	if err != nil {
		r.logger.Warn("journal read failed", "error", err)
		return ""
	}
	for _, e := range entries {
		if e.Outcome != journal.Failed {
			continue
		}
		return fmt.Sprintf("⚠️ Last failed delivery: #%d %s (%s)",
			e.Seq, humanize.RelTime(e.Timestamp, r.now(), "ago", "from now"), e.Error)
	}
	return ""
}

func stateLabel(s account.State) string {
	switch s {
	case account.Ready:
		return "✅ Connected"
	case account.Connecting:
		return "⏳ Connecting"
	case account.Error:
		return "❌ Connection error"
	default:
		return "⏸ Disconnected"
	}
}

func onlineLabel(s account.State) string {
	if s == account.Ready {
		return "✅ ONLINE"
	}
	return "❌ OFFLINE"
}
