package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/mailbridge/internal/telegram"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const twoAccounts = `
telegram:
  token: "123:abc"
  admin_chats: "999"
accounts:
  - user: alice@yandex.ru
    password: secretpass
    chat_id: "100"
  - user: bob@yandex.ru
    password: pw
    chat_id: "200"
`

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var out bytes.Buffer
		if err := run(context.Background(), &out, io.Discard, args); err != nil {
			t.Fatalf("run(%v) error = %v", args, err)
		}
		if !strings.Contains(out.String(), "Usage: mailbridge") {
			t.Errorf("run(%v) output missing usage:\n%s", args, out.String())
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command: frobnicate"},
		{"unknown flag", []string{"-x"}, "unknown flag: -x"},
		{"bad output format", []string{"-o", "yaml", "version"}, "unknown output format"},
		{"extra args", []string{"version", "now"}, "unexpected arguments: now"},
		{"missing config file", []string{"-config", "/nonexistent/mailbridge.yaml", "check-config"}, "not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(context.Background(), io.Discard, io.Discard, tt.args)
			if err == nil {
				t.Fatalf("run(%v) succeeded, want error", tt.args)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestRun_Version(t *testing.T) {
	var text bytes.Buffer
	if err := run(context.Background(), &text, io.Discard, []string{"version"}); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(text.String(), "go_version:") {
		t.Errorf("text output = %q", text.String())
	}

	var js bytes.Buffer
	if err := run(context.Background(), &js, io.Discard, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("version json: %v", err)
	}
	var info map[string]any
	if err := json.Unmarshal(js.Bytes(), &info); err != nil {
		t.Fatalf("json output: %v\n%s", err, js.String())
	}
	if v, _ := info["version"].(string); v == "" {
		t.Errorf("info = %v, want version", info)
	}
}

func TestRun_CheckConfig(t *testing.T) {
	path := writeConfig(t, twoAccounts)

	var out bytes.Buffer
	if err := run(context.Background(), &out, io.Discard, []string{"-config", path, "check-config"}); err != nil {
		t.Fatalf("check-config: %v", err)
	}
	got := out.String()
	for _, want := range []string{
		"accounts: 2",
		"#1 alice@yandex.ru -> chat 100 (password s********s)",
		"#2 bob@yandex.ru -> chat 200 (password **)",
		"imap:     imap.yandex.ru:993 INBOX",
		"admins:   1",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "secretpass") {
		t.Error("password leaked in check-config output")
	}
}

func TestRun_CheckConfigJSON(t *testing.T) {
	path := writeConfig(t, twoAccounts)

	var out bytes.Buffer
	if err := run(context.Background(), &out, io.Discard, []string{"-config=" + path, "--output=json", "check-config"}); err != nil {
		t.Fatalf("check-config: %v", err)
	}
	var v struct {
		ConfigPath string        `json:"config_path"`
		Policy     string        `json:"advance_policy"`
		Accounts   []accountView `json:"accounts"`
	}
	if err := json.Unmarshal(out.Bytes(), &v); err != nil {
		t.Fatalf("json: %v\n%s", err, out.String())
	}
	if v.ConfigPath != path || v.Policy != "attempt" || len(v.Accounts) != 2 {
		t.Errorf("got %+v", v)
	}
	if v.Accounts[0].Password == "secretpass" {
		t.Error("password not masked")
	}
}

func TestRun_CheckConfigInvalid(t *testing.T) {
	path := writeConfig(t, "telegram:\n  token: x\naccounts:\n  - user: a@b\n    chat_id: \"1\"\n")
	err := run(context.Background(), io.Discard, io.Discard, []string{"-config", path, "check-config"})
	if err == nil || !strings.Contains(err.Error(), "password is required") {
		t.Errorf("error = %v, want password validation failure", err)
	}
}

func TestMaskSecret(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"abcd", "****"},
		{"abcde", "a***e"},
		{"пароль", "п****ь"},
	}
	for _, tt := range tests {
		if got := maskSecret(tt.in); got != tt.want {
			t.Errorf("maskSecret(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

type recordingSender struct {
	mu   sync.Mutex
	sent map[string]string
}

func (r *recordingSender) Send(ctx context.Context, chatID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sent == nil {
		r.sent = map[string]string{}
	}
	r.sent[chatID] = text
	return nil
}

func TestServeChatID(t *testing.T) {
	updates := make(chan telegram.Update, 3)
	updates <- telegram.Update{UpdateID: 1}
	updates <- telegram.Update{UpdateID: 2, Message: &telegram.Message{
		Chat: telegram.Chat{ID: -100500},
		From: &telegram.User{FirstName: "Ivan", Username: "ivan"},
		Text: "hi",
	}}
	updates <- telegram.Update{UpdateID: 3, Message: &telegram.Message{Chat: telegram.Chat{ID: 42}}}
	close(updates)

	var out bytes.Buffer
	sender := &recordingSender{}
	serveChatID(context.Background(), sender, updates, &out, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if len(sender.sent) != 2 {
		t.Fatalf("sent %d replies, want 2", len(sender.sent))
	}
	if got := sender.sent["-100500"]; !strings.HasPrefix(got, "Your Chat ID: -100500") {
		t.Errorf("reply = %q", got)
	}
	report := out.String()
	for _, want := range []string{"Chat ID: -100500", "Name: Ivan", "Username: @ivan", "MAIL_CHAT_ID_N=42"} {
		if !strings.Contains(report, want) {
			t.Errorf("report missing %q:\n%s", want, report)
		}
	}
}

func TestRun_ChatIDAgainstFakeBotAPI(t *testing.T) {
	var (
		mu      sync.Mutex
		polled  int
		replies []string
	)
	sent := make(chan struct{}, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/bot123:abc/getUpdates":
			mu.Lock()
			polled++
			first := polled == 1
			mu.Unlock()
			if first {
				io.WriteString(w, `{"ok":true,"result":[{"update_id":7,"message":{"message_id":1,"chat":{"id":555,"type":"private"},"date":0,"text":"hello"}}]}`)
				return
			}
			select {
			case <-r.Context().Done():
			case <-time.After(50 * time.Millisecond):
			}
			io.WriteString(w, `{"ok":true,"result":[]}`)
		case "/bot123:abc/sendMessage":
			mu.Lock()
			replies = append(replies, r.FormValue("text"))
			mu.Unlock()
			io.WriteString(w, `{"ok":true,"result":{"message_id":2,"chat":{"id":555,"type":"private"},"date":0}}`)
			select {
			case sent <- struct{}{}:
			default:
			}
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	path := writeConfig(t, "telegram:\n  token: \"123:abc\"\n  api_url: "+srv.URL+"\n  poll_timeout_sec: 1\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var out bytes.Buffer
	errc := make(chan error, 1)
	go func() {
		errc <- run(ctx, &out, io.Discard, []string{"-config", path, "chatid"})
	}()

	select {
	case <-sent:
	case <-time.After(5 * time.Second):
		t.Fatal("no sendMessage within 5s")
	}
	cancel()

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("chatid: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("chatid did not stop after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(replies) != 1 || !strings.HasPrefix(replies[0], "Your Chat ID: 555") {
		t.Errorf("replies = %q", replies)
	}
	if !strings.Contains(out.String(), "MAIL_CHAT_ID_N=555") {
		t.Errorf("stdout = %q", out.String())
	}
}
