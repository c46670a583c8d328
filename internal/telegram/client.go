// Package telegram adapts the Bot API library to mailbridge: sending
// plain-text notifications, long-polling for commands, and the getMe
// health check.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/nugget/mailbridge/internal/httpkit"
)

// MaxMessageRunes is the Bot API limit for a sendMessage text.
const MaxMessageRunes = 4096

// maxRetryAfter bounds how long Send waits on a 429 before retrying.
const maxRetryAfter = 30 * time.Second

// Config configures a Client.
type Config struct {
	Token  string
	APIURL string // default https://api.telegram.org

	// PollTimeout is the server-side getUpdates timeout (default 30s).
	PollTimeout time.Duration

	// RetryDelay is the pause after a failed getUpdates (default 5s).
	RetryDelay time.Duration

	// HTTPClient overrides the default httpkit client.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Client talks to the Bot API. It is safe for concurrent use.
type Client struct {
	bot         *tgbotapi.BotAPI
	http        *http.Client
	logger      *slog.Logger
	pollTimeout time.Duration
	retryDelay  time.Duration
}

// NewClient creates a Client. Unlike tgbotapi.NewBotAPI it makes no
// request; the connwatch getMe check reports a bad token.
func NewClient(cfg Config) *Client {
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api.telegram.org"
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		// The request timeout must outlast the long poll.
		cfg.HTTPClient = httpkit.NewClient(httpkit.Config{
			Timeout: cfg.PollTimeout + 15*time.Second,
			Retries: 2,
			Logger:  cfg.Logger,
		})
	}

	bot := &tgbotapi.BotAPI{Token: cfg.Token, Client: cfg.HTTPClient}
	// The library formats the endpoint with (token, method).
	bot.SetAPIEndpoint(strings.TrimRight(cfg.APIURL, "/") + "/bot%s/%s")

	return &Client{
		bot:         bot,
		http:        cfg.HTTPClient,
		logger:      cfg.Logger,
		pollTimeout: cfg.PollTimeout,
		retryDelay:  cfg.RetryDelay,
	}
}

// ctxDoer binds every library request to ctx and strips the request URL,
// which carries the token, from transport errors.
type ctxDoer struct {
	ctx  context.Context
	http *http.Client
}

func (d ctxDoer) Do(req *http.Request) (*http.Response, error) {
	resp, err := d.http.Do(req.WithContext(d.ctx))
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return nil, err
	}
	return resp, nil
}

// api returns a per-call view of the bot whose requests follow ctx.
func (c *Client) api(ctx context.Context) *tgbotapi.BotAPI {
	b := *c.bot
	b.Client = ctxDoer{ctx: ctx, http: c.http}
	return &b
}

// APIError is a Bot API failure response.
type APIError struct {
	Method      string
	Code        int
	Description string
	RetryAfter  int // seconds; set on 429
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

// IsTooManyRequests reports whether err is a 429 APIError.
func IsTooManyRequests(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests
}

// wrapErr maps library errors onto APIError and tags the rest with the
// method name.
func wrapErr(method string, err error) error {
	if err == nil {
		return nil
	}
	var tgErr *tgbotapi.Error
	if errors.As(err, &tgErr) {
		return &APIError{Method: method, Code: tgErr.Code, Description: tgErr.Message, RetryAfter: tgErr.RetryAfter}
	}
	return fmt.Errorf("telegram %s: %w", method, err)
}

// GetMe returns the bot's own user. It doubles as the health check.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	u, err := c.api(ctx).GetMe()
	if err != nil {
		return nil, wrapErr("getMe", err)
	}
	return fromUser(&u), nil
}

// newTextMessage addresses numeric chat ids directly and anything else
// (an @channel name) by username.
func newTextMessage(chatID, text string) tgbotapi.MessageConfig {
	msg := tgbotapi.MessageConfig{Text: text, DisableWebPagePreview: true}
	if id, err := strconv.ParseInt(chatID, 10, 64); err == nil {
		msg.ChatID = id
	} else {
		msg.ChannelUsername = chatID
	}
	return msg
}

// Send delivers text to chatID as plain text. Text over the API limit is
// cut. A 429 is retried once after the server's retry_after.
func (c *Client) Send(ctx context.Context, chatID, text string) error {
	if utf8.RuneCountInString(text) > MaxMessageRunes {
		text = string([]rune(text)[:MaxMessageRunes])
	}
	msg := newTextMessage(chatID, text)

	_, err := c.api(ctx).Send(msg)
	err = wrapErr("sendMessage", err)

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests {
		wait := min(time.Duration(apiErr.RetryAfter)*time.Second, maxRetryAfter)
		c.logger.Warn("telegram rate limited, retrying once",
			"chat_id", chatID,
			"retry_after", wait.String(),
		)
		if !sleepCtx(ctx, wait) {
			return ctx.Err()
		}
		_, err = c.api(ctx).Send(msg)
		err = wrapErr("sendMessage", err)
	}
	return err
}

// GetUpdates performs one long poll starting at offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64) ([]Update, error) {
	cfg := tgbotapi.NewUpdate(int(offset))
	cfg.Timeout = int(c.pollTimeout / time.Second)
	cfg.AllowedUpdates = []string{"message"}

	raw, err := c.api(ctx).GetUpdates(cfg)
	if err != nil {
		return nil, wrapErr("getUpdates", err)
	}
	out := make([]Update, 0, len(raw))
	for _, u := range raw {
		out = append(out, fromUpdate(u))
	}
	return out, nil
}

// Updates long-polls in a goroutine and streams updates until ctx is
// cancelled, then closes the channel. Errors are logged and retried
// after the retry delay. The library's own GetUpdatesChan cannot be
// cancelled mid-poll, hence this loop.
func (c *Client) Updates(ctx context.Context) <-chan Update {
	ch := make(chan Update, 16)
	go func() {
		defer close(ch)
		var offset int64
		for {
			updates, err := c.GetUpdates(ctx, offset)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Warn("telegram getUpdates failed", "error", err, "retry_in", c.retryDelay.String())
				if !sleepCtx(ctx, c.retryDelay) {
					return
				}
				continue
			}
			for _, u := range updates {
				if u.UpdateID >= offset {
					offset = u.UpdateID + 1
				}
				select {
				case ch <- u:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
