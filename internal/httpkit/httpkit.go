// Package httpkit builds the HTTP client used for the Telegram Bot API.
// It fixes the transport timeouts, stamps the User-Agent and retries
// requests that never reached the server.
package httpkit

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/nugget/mailbridge/internal/buildinfo"
)

// Transport limits. The bot talks to a single host, so the idle pool
// stays small.
const (
	dialTimeout         = 10 * time.Second
	keepAlive           = 30 * time.Second
	tlsHandshakeTimeout = 10 * time.Second
	idleConnTimeout     = 90 * time.Second
	maxIdleConnsPerHost = 4
)

// Config configures NewClient. The zero value is usable.
type Config struct {
	// Timeout bounds a whole request including the body. Long-poll
	// callers must set it above their server-side timeout. Default: 30s.
	Timeout time.Duration

	// UserAgent defaults to buildinfo.UserAgent().
	UserAgent string

	// Retries is how many times a request that failed to connect is
	// repeated. Zero disables retrying.
	Retries int

	// RetryDelay is the pause before each retry. Default: 1s.
	RetryDelay time.Duration

	Logger *slog.Logger
}

// NewClient builds an *http.Client from cfg.
func NewClient(cfg Config) *http.Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = buildinfo.UserAgent()
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &http.Client{
		Timeout: cfg.Timeout,
		Transport: &transport{
			base: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   dialTimeout,
					KeepAlive: keepAlive,
				}).DialContext,
				TLSHandshakeTimeout: tlsHandshakeTimeout,
				IdleConnTimeout:     idleConnTimeout,
				MaxIdleConnsPerHost: maxIdleConnsPerHost,
				ForceAttemptHTTP2:   true,
			},
			userAgent: cfg.UserAgent,
			retries:   cfg.Retries,
			delay:     cfg.RetryDelay,
			logger:    cfg.Logger,
		},
	}
}

// transport sets the User-Agent and repeats requests whose connection
// attempt failed.
type transport struct {
	base      http.RoundTripper
	userAgent string
	retries   int
	delay     time.Duration
	logger    *slog.Logger
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}

	resp, err := t.base.RoundTrip(req)
	// A body that cannot be rewound cannot be sent twice.
	rewindable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil

	for attempt := 1; attempt <= t.retries && err != nil && connectFailed(err) && rewindable; attempt++ {
		t.logger.Debug("retrying request after connect error",
			"method", req.Method,
			"host", req.URL.Host,
			"attempt", attempt,
			"error", err,
		)

		timer := time.NewTimer(t.delay)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}

		retry := req.Clone(req.Context())
		if req.GetBody != nil {
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return nil, fmt.Errorf("retry: rewind body: %w", bodyErr)
			}
			retry.Body = body
		}
		resp, err = t.base.RoundTrip(retry)
	}
	return resp, err
}

// connectFailed reports whether err happened before the request left
// this host. ECONNRESET is not one of them: Telegram may already have
// delivered the message, and sending it again would duplicate it.
func connectFailed(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.ECONNREFUSED:
		return true
	}
	return false
}

// DrainAndClose reads up to limit bytes from rc and closes it so the
// connection returns to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}
