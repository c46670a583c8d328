package commands

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/mailbridge/internal/account"
	"github.com/nugget/mailbridge/internal/config"
	"github.com/nugget/mailbridge/internal/connwatch"
	"github.com/nugget/mailbridge/internal/events"
	"github.com/nugget/mailbridge/internal/journal"
	"github.com/nugget/mailbridge/internal/telegram"
	"github.com/nugget/mailbridge/internal/watcher"
)

type reply struct {
	chatID string
	text   string
}

type fakeSender struct {
	mu      sync.Mutex
	replies []reply
	err     error
}

func (s *fakeSender) Send(ctx context.Context, chatID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.replies = append(s.replies, reply{chatID, text})
	return nil
}

func (s *fakeSender) all() []reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]reply(nil), s.replies...)
}

func (s *fakeSender) texts() string {
	var parts []string
	for _, r := range s.all() {
		parts = append(parts, r.text)
	}
	return strings.Join(parts, "\n---\n")
}

type fakeChecker struct {
	mu         sync.Mutex
	result     watcher.Result
	err        error
	checked    []int
	restarted  []int
	restartAll int
}

func (c *fakeChecker) Check(ctx context.Context, index int) (watcher.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checked = append(c.checked, index)
	return c.result, c.err
}

func (c *fakeChecker) Restart(ctx context.Context, index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.restarted = append(c.restarted, index)
	return nil
}

func (c *fakeChecker) RestartAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.restartAll++
	return nil
}

type fakeStats struct {
	counts journal.Counts
	recent []journal.Entry
}

func (f fakeStats) Counts(ctx context.Context, account int) (journal.Counts, error) {
	return f.counts, nil
}

func (f fakeStats) Recent(ctx context.Context, account, limit int) ([]journal.Entry, error) {
	return f.recent, nil
}

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	reg     *account.Registry
	sender  *fakeSender
	checker *fakeChecker
	router  *Router
}

func newHarness(t *testing.T, mutate func(*RouterConfig)) *harness {
	t.Helper()
	h := &harness{
		reg: account.NewRegistry([]config.AccountConfig{
			{User: "alice@yandex.ru", Password: "p", ChatID: "100"},
			{User: "bob@yandex.ru", Password: "p", ChatID: "200"},
		}, slog.New(slog.NewTextHandler(io.Discard, nil))),
		sender:  &fakeSender{},
		checker: &fakeChecker{},
	}
	cfg := RouterConfig{
		Registry: h.reg,
		Checker:  h.checker,
		Sender:   h.sender,
		Admins:   []string{"999"},
		Location: time.UTC,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:      func() time.Time { return testNow },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.router = NewRouter(cfg)
	return h
}

func (h *harness) account(i int) *account.Account {
	a, _ := h.reg.ByIndex(i)
	return a
}

func TestHandle_IgnoresNonCommands(t *testing.T) {
	h := newHarness(t, nil)
	for _, text := range []string{"hello", "", "/unknown", "/startx"} {
		if h.router.Handle(context.Background(), "100", text) {
			t.Errorf("Handle(%q) reported handled", text)
		}
	}
	if n := len(h.sender.all()); n != 0 {
		t.Errorf("sent %d replies to non-commands", n)
	}
}

func TestStart(t *testing.T) {
	h := newHarness(t, nil)
	a := h.account(1)
	a.Watermark.Seed(42)
	a.SetState(account.Ready)
	a.MarkChecked(time.Date(2025, 6, 1, 11, 58, 30, 0, time.UTC))

	h.router.Handle(context.Background(), "100", "/start")
	h.router.Handle(context.Background(), "555", "/start@mail_bot")

	r := h.sender.all()
	if len(r) != 2 {
		t.Fatalf("replies = %d, want 2", len(r))
	}
	for _, want := range []string{"Account #1", "alice@yandex.ru", "✅ Connected", "Messages handled: 42", "Last check: 11:58:30", "automatically"} {
		if !strings.Contains(r[0].text, want) {
			t.Errorf("bound /start missing %q:\n%s", want, r[0].text)
		}
	}
	if r[1].chatID != "555" || !strings.Contains(r[1].text, "MAIL_CHAT_ID_N=555") || !strings.Contains(r[1].text, "not bound") {
		t.Errorf("unbound /start = %+v", r[1])
	}
}

func TestStatus(t *testing.T) {
	h := newHarness(t, func(c *RouterConfig) {
		c.Journal = fakeStats{
			counts: journal.Counts{Delivered: 1234, Failed: 2},
			recent: []journal.Entry{
				{Seq: 9, Outcome: journal.Delivered, Timestamp: testNow.Add(-time.Minute)},
				{Seq: 8, Outcome: journal.Failed, Error: "Forbidden: bot was blocked by the user", Timestamp: testNow.Add(-2 * time.Hour)},
				{Seq: 7, Outcome: journal.Failed, Error: "older", Timestamp: testNow.Add(-3 * time.Hour)},
			},
		}
	})
	a := h.account(2)
	a.Watermark.Seed(7)
	a.SetState(account.Error)
	a.SetLastError("dial tcp: i/o timeout")
	a.MarkChecked(testNow.Add(-3 * time.Minute))

	h.router.Handle(context.Background(), "200", "/status")
	h.router.Handle(context.Background(), "555", "/status")

	r := h.sender.all()
	for _, want := range []string{
		"Account #2", "bob@yandex.ru", "Chat ID: 200", "❌ OFFLINE (error)",
		"Watermark: 7", "Last check: 3 minutes ago", "Last error: dial tcp: i/o timeout",
		"1,234 delivered, 2 failed",
		"Last failed delivery: #8 2 hours ago (Forbidden: bot was blocked by the user)",
	} {
		if !strings.Contains(r[0].text, want) {
			t.Errorf("/status missing %q:\n%s", want, r[0].text)
		}
	}
	if !strings.Contains(r[1].text, "no bound account") {
		t.Errorf("unbound /status = %q", r[1].text)
	}
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name        string
		state       account.State
		result      watcher.Result
		err         error
		wantReplies []string
		wantChecks  int
		wantRestart bool
	}{
		{
			name:        "ready with new mail",
			state:       account.Ready,
			result:      watcher.Result{From: 5, To: 7, Delivered: 2, ParseErrors: 1},
			wantReplies: []string{"🔍 Checking mail...", "✅ Check complete: 3 new, 2 delivered, 1 unreadable"},
			wantChecks:  1,
		},
		{
			name:        "ready nothing new",
			state:       account.Ready,
			result:      watcher.Result{From: 8, To: 7},
			wantReplies: []string{"🔍 Checking mail...", "✅ Check complete, no new mail"},
			wantChecks:  1,
		},
		{
			name:        "ready but fetch fails",
			state:       account.Ready,
			err:         errors.New("open mailbox: NO backend down"),
			wantReplies: []string{"🔍 Checking mail...", "⚠️ Check failed: open mailbox: NO backend down"},
			wantChecks:  1,
		},
		{
			name:        "connection lost during check",
			state:       account.Ready,
			err:         watcher.ErrNotReady,
			wantReplies: []string{"🔍 Checking mail...", "❌ Account is not connected. Reconnecting..."},
			wantChecks:  1,
			wantRestart: true,
		},
		{
			name:        "not ready",
			state:       account.Error,
			wantReplies: []string{"🔍 Checking mail...", "❌ Account is not connected. Reconnecting..."},
			wantRestart: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.account(1).SetState(tt.state)
			h.checker.result, h.checker.err = tt.result, tt.err

			h.router.Handle(context.Background(), "100", "/check")

			r := h.sender.all()
			if len(r) != len(tt.wantReplies) {
				t.Fatalf("replies = %q, want %q", h.sender.texts(), tt.wantReplies)
			}
			for i, want := range tt.wantReplies {
				if r[i].text != want {
					t.Errorf("reply[%d] = %q, want %q", i, r[i].text, want)
				}
			}
			if len(h.checker.checked) != tt.wantChecks {
				t.Errorf("checks = %v", h.checker.checked)
			}
			if tt.wantRestart != (len(h.checker.restarted) == 1 && h.checker.restarted[0] == 1) {
				t.Errorf("restarted = %v, want restart %v", h.checker.restarted, tt.wantRestart)
			}
		})
	}
}

func TestCheck_Unbound(t *testing.T) {
	h := newHarness(t, nil)
	h.router.Handle(context.Background(), "555", "/check")
	if got := h.sender.texts(); got != "❌ This chat has no bound mailbox" {
		t.Errorf("reply = %q", got)
	}
	if len(h.checker.checked) != 0 {
		t.Error("unbound /check ran a fetch")
	}
}

func TestTestmail(t *testing.T) {
	h := newHarness(t, nil)
	h.router.Handle(context.Background(), "100", "/testmail")

	r := h.sender.all()
	if len(r) != 2 {
		t.Fatalf("replies = %q", h.sender.texts())
	}
	if r[0].chatID != "100" || !strings.Contains(r[0].text, "Test notification") || !strings.Contains(r[0].text, "01.06.2025 12:00:00") {
		t.Errorf("test notification = %+v", r[0])
	}
	if r[1].text != "✅ Test message sent" {
		t.Errorf("confirmation = %q", r[1].text)
	}
}

func TestTestmail_SendFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.sender.err = errors.New("telegram sendMessage: 403 Forbidden")
	// The confirmation itself also fails; Handle must not panic or block.
	if !h.router.Handle(context.Background(), "100", "/testmail") {
		t.Error("/testmail not handled")
	}
}

func TestAdminCommands_DeniedFirst(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(4)
	h := newHarness(t, func(c *RouterConfig) { c.Events = bus })

	for _, cmd := range []string{"/admin_stats", "/admin_restart"} {
		h.router.Handle(context.Background(), "100", cmd)
	}

	r := h.sender.all()
	if len(r) != 2 || r[0].text != AccessDenied || r[1].text != AccessDenied {
		t.Errorf("replies = %q", h.sender.texts())
	}
	if h.checker.restartAll != 0 {
		t.Error("non-admin triggered restart")
	}
	if n := len(ch); n != 0 {
		t.Errorf("refused commands emitted %d events", n)
	}
}

func TestAdminStats(t *testing.T) {
	h := newHarness(t, func(c *RouterConfig) {
		c.Journal = fakeStats{counts: journal.Counts{Delivered: 10, Skipped: 1}}
		c.Health = func() map[string]connwatch.ServiceStatus {
			return map[string]connwatch.ServiceStatus{
				"telegram": {Name: "telegram", Ready: false, LastError: "401 Unauthorized"},
			}
		}
	})
	h.account(1).SetState(account.Ready)
	h.account(2).Watermark.Seed(99)

	h.router.Handle(context.Background(), "999", "/admin_stats")

	got := h.sender.texts()
	for _, want := range []string{
		"👑 Admin panel", "Total accounts: 2",
		"✅ Account #1 (ready)", "❌ Account #2 (disconnected)",
		"📧 bob@yandex.ru", "💬 Chat: 200", "📬 Watermark: 99",
		"10 delivered", "🌐 telegram: down: 401 Unauthorized",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("/admin_stats missing %q:\n%s", want, got)
		}
	}
}

func TestAdminRestart(t *testing.T) {
	h := newHarness(t, nil)
	h.router.Handle(context.Background(), "999", "/admin_restart")

	r := h.sender.all()
	if len(r) != 2 || r[0].text != "🔄 Restarting all accounts..." || r[1].text != "✅ All accounts restarted" {
		t.Errorf("replies = %q", h.sender.texts())
	}
	if h.checker.restartAll != 1 {
		t.Errorf("RestartAll called %d times", h.checker.restartAll)
	}
}

func TestHelp_AdminLinesOnlyForAdmins(t *testing.T) {
	h := newHarness(t, nil)
	h.router.Handle(context.Background(), "100", "/help")
	h.router.Handle(context.Background(), "999", "/help")

	r := h.sender.all()
	if strings.Contains(r[0].text, "/admin_stats") {
		t.Error("admin commands listed for non-admin")
	}
	if !strings.Contains(r[1].text, "/admin_restart") {
		t.Error("admin commands missing for admin")
	}
}

func TestHandle_EmitsCommandEvent(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(4)
	h := newHarness(t, func(c *RouterConfig) { c.Events = bus })

	h.router.Handle(context.Background(), "100", "/help")

	select {
	case e := <-ch:
		if e.Kind != events.KindCommand || e.String("command") != "/help" || e.String("chat_id") != "100" {
			t.Errorf("event = %+v", e)
		}
	default:
		t.Fatal("no command event")
	}
}

func TestStart_DispatchesUpdates(t *testing.T) {
	h := newHarness(t, nil)
	updates := make(chan telegram.Update, 3)
	updates <- telegram.Update{UpdateID: 1, Message: &telegram.Message{Chat: telegram.Chat{ID: 100}, Text: "/help"}}
	updates <- telegram.Update{UpdateID: 2} // no message
	updates <- telegram.Update{UpdateID: 3, Message: &telegram.Message{Chat: telegram.Chat{ID: 200}, Text: "/start"}}
	close(updates)

	done := make(chan struct{})
	go func() {
		h.router.Start(context.Background(), updates)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after channel close")
	}

	chats := map[string]bool{}
	for _, r := range h.sender.all() {
		chats[r.chatID] = true
	}
	if !chats["100"] || !chats["200"] || len(chats) != 2 {
		t.Errorf("replied to %v", chats)
	}
}
