package httpkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestNewClient_Timeout(t *testing.T) {
	tests := []struct {
		in, want time.Duration
	}{
		{0, 30 * time.Second},
		{45 * time.Second, 45 * time.Second},
	}
	for _, tt := range tests {
		if got := NewClient(Config{Timeout: tt.in}).Timeout; got != tt.want {
			t.Errorf("Timeout(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewClient_UserAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get("User-Agent")))
	}))
	defer srv.Close()

	tests := []struct {
		name, ua, wantPrefix string
	}{
		{"default", "", "mailbridge/"},
		{"custom", "probe/1.0", "probe/1.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := NewClient(Config{UserAgent: tt.ua}).Get(srv.URL)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if !strings.HasPrefix(string(body), tt.wantPrefix) {
				t.Errorf("User-Agent = %q, want prefix %q", body, tt.wantPrefix)
			}
		})
	}
}

func TestConnectFailed(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"plain", errors.New("boom"), false},
		{"refused", syscall.ECONNREFUSED, true},
		{"host unreachable", syscall.EHOSTUNREACH, true},
		{"reset", syscall.ECONNRESET, false},
		{"wrapped op error", &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ENETUNREACH)}, true},
		{"fmt wrapped", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := connectFailed(tt.err); got != tt.want {
				t.Errorf("connectFailed(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

type countingTransport struct {
	calls  int
	fail   int
	bodies []string
}

func (c *countingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	c.calls++
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		c.bodies = append(c.bodies, string(b))
	}
	if c.calls <= c.fail {
		return nil, syscall.ECONNREFUSED
	}
	return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Request: req}, nil
}

func testTransport(base http.RoundTripper, retries int) *transport {
	return &transport{
		base:      base,
		userAgent: "test",
		retries:   retries,
		delay:     time.Millisecond,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestTransport_Retries(t *testing.T) {
	tests := []struct {
		name      string
		fail      int
		retries   int
		wantCalls int
		wantErr   bool
	}{
		{"first try", 0, 3, 1, false},
		{"recovers", 2, 3, 3, false},
		{"gives up", 5, 2, 3, true},
		{"retry disabled", 1, 0, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := &countingTransport{fail: tt.fail}
			req, _ := http.NewRequest(http.MethodGet, "http://example.invalid/", nil)
			_, err := testTransport(base, tt.retries).RoundTrip(req)
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if base.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", base.calls, tt.wantCalls)
			}
		})
	}
}

func TestTransport_RewindsBody(t *testing.T) {
	base := &countingTransport{fail: 1}
	req, _ := http.NewRequest(http.MethodPost, "http://example.invalid/", strings.NewReader(`{"chat_id":"1"}`))

	if _, err := testTransport(base, 2).RoundTrip(req); err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	if len(base.bodies) != 2 || base.bodies[1] != `{"chat_id":"1"}` {
		t.Errorf("bodies = %q, want the payload twice", base.bodies)
	}
}

func TestTransport_BodyWithoutGetBody(t *testing.T) {
	base := &countingTransport{fail: 5}
	req, _ := http.NewRequest(http.MethodPost, "http://example.invalid/", io.NopCloser(strings.NewReader("x")))
	req.GetBody = nil

	if _, err := testTransport(base, 3).RoundTrip(req); err == nil {
		t.Fatal("expected error")
	}
	if base.calls != 1 {
		t.Errorf("calls = %d, want 1 (no rewind available)", base.calls)
	}
}

func TestTransport_ContextCancelDuringWait(t *testing.T) {
	base := &countingTransport{fail: 5}
	tr := testTransport(base, 3)
	tr.delay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://example.invalid/", nil)
	time.AfterFunc(10*time.Millisecond, cancel)

	if _, err := tr.RoundTrip(req); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestDrainAndClose(t *testing.T) {
	DrainAndClose(nil, 10)

	rc := &closeTracker{Reader: strings.NewReader("leftover body")}
	DrainAndClose(rc, 1024)
	if !rc.closed {
		t.Error("body not closed")
	}
}

type closeTracker struct {
	io.Reader
	closed bool
}

func (c *closeTracker) Close() error {
	c.closed = true
	return nil
}
