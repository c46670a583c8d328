package mailbox

import (
	"cmp"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/charset"
)

// maxRawMessageSize is the maximum raw RFC822 message size to buffer
// from an IMAP literal. The rest of the literal is drained so the
// stream stays in sync.
const maxRawMessageSize = 5 * 1024 * 1024

// fetchChunk is how many sequence numbers one FETCH command covers.
const fetchChunk = 20

// Config holds the server settings shared by every account.
type Config struct {
	Host               string
	Port               int
	TLS                bool
	InsecureSkipVerify bool
	Mailbox            string
	DialTimeout        time.Duration
}

// IMAPDialer dials real IMAP servers with go-imap/v2.
type IMAPDialer struct {
	cfg    Config
	logger *slog.Logger
}

// NewIMAPDialer creates a Dialer for the given server.
func NewIMAPDialer(cfg Config, logger *slog.Logger) *IMAPDialer {
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IMAPDialer{cfg: cfg, logger: logger}
}

// Addr returns host:port.
func (d *IMAPDialer) Addr() string {
	return net.JoinHostPort(d.cfg.Host, strconv.Itoa(d.cfg.Port))
}

// Dial connects, logs in and selects the folder read-only (EXAMINE).
// The whole handshake is bounded by the dial timeout.
func (d *IMAPDialer) Dial(ctx context.Context, creds Credentials, onNewMail NewMailFunc) (Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.DialTimeout)
	defer cancel()

	addr := d.Addr()
	d.logger.Debug("connecting to IMAP server", "addr", addr, "tls", d.cfg.TLS, "user", creds.User)

	netConn, err := d.dialNet(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("dial IMAP %s: %w", addr, err)
	}

	c := &imapConn{
		mailbox: d.cfg.Mailbox,
		logger:  d.logger.With("user", creds.User),
	}
	opts := &imapclient.Options{
		WordDecoder: &mime.WordDecoder{CharsetReader: charset.Reader},
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages != nil && onNewMail != nil {
					onNewMail(*data.NumMessages)
				}
			},
		},
	}
	c.client = imapclient.New(netConn, opts)

	// Unblock a stalled handshake when the deadline passes.
	stop := context.AfterFunc(ctx, func() { _ = c.client.Close() })
	defer stop()

	if err := c.client.Login(creds.User, creds.Password).Wait(); err != nil {
		_ = c.client.Close()
		return nil, fmt.Errorf("login as %s: %w", creds.User, handshakeErr(ctx, err))
	}
	if _, err := c.selectReadOnly(); err != nil {
		_ = c.client.Logout().Wait()
		_ = c.client.Close()
		return nil, handshakeErr(ctx, err)
	}

	c.startIdle()
	return c, nil
}

func (d *IMAPDialer) dialNet(ctx context.Context, addr string) (net.Conn, error) {
	dialer := &net.Dialer{}
	if !d.cfg.TLS {
		return dialer.DialContext(ctx, "tcp", addr)
	}
	tlsDialer := &tls.Dialer{
		NetDialer: dialer,
		Config: &tls.Config{
			ServerName:         d.cfg.Host,
			InsecureSkipVerify: d.cfg.InsecureSkipVerify, //nolint:gosec // opt-in for self-signed test servers
		},
	}
	return tlsDialer.DialContext(ctx, "tcp", addr)
}

// handshakeErr prefers the context error when the deadline closed the
// connection under a pending command.
func handshakeErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w (%v)", ctxErr, err)
	}
	return err
}

// imapConn implements Conn over an imapclient.Client. It keeps an IDLE
// command running between requests so the server can push EXISTS.
type imapConn struct {
	client  *imapclient.Client
	mailbox string
	logger  *slog.Logger

	mu       sync.Mutex
	idle     *imapclient.IdleCommand
	noIdle   bool
	closed   bool
	closeErr error
}

func (c *imapConn) selectReadOnly() (*imap.SelectData, error) {
	data, err := c.client.Select(c.mailbox, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return nil, fmt.Errorf("examine %s: %w", c.mailbox, err)
	}
	return data, nil
}

// startIdle begins IDLE. Caller must not hold c.mu.
func (c *imapConn) startIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.noIdle || c.idle != nil {
		return
	}
	cmd, err := c.client.Idle()
	if err != nil {
		// Without IDLE the periodic sweep still finds new mail.
		c.noIdle = true
		c.logger.Warn("IMAP IDLE unavailable, relying on periodic checks", "error", err)
		return
	}
	c.idle = cmd
}

// stopIdle ends a running IDLE so a command can be sent.
func (c *imapConn) stopIdle() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.idle == nil {
		return nil
	}
	cmd := c.idle
	c.idle = nil
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("stop idle: %w", err)
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("idle: %w", err)
	}
	return nil
}

// Open re-examines the folder and returns its message count.
func (c *imapConn) Open(ctx context.Context) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := c.stopIdle(); err != nil {
		return 0, err
	}
	defer c.startIdle()

	data, err := c.selectReadOnly()
	if err != nil {
		return 0, err
	}
	return data.NumMessages, nil
}

// FetchRange fetches start..end in chunks, buffering each chunk so fn
// sees messages in ascending order.
func (c *imapConn) FetchRange(ctx context.Context, start, end uint32, fn FetchFunc) error {
	if start == 0 || end < start {
		return nil
	}
	if err := c.stopIdle(); err != nil {
		return err
	}
	defer c.startIdle()

	for lo := start; lo <= end; {
		if err := ctx.Err(); err != nil {
			return err
		}
		hi := min(end, lo+fetchChunk-1)

		batch, err := c.fetchChunk(lo, hi)
		if err != nil {
			return err
		}
		for _, m := range batch {
			if err := fn(m.seq, m.raw); err != nil {
				return err
			}
		}

		if hi == end {
			break
		}
		lo = hi + 1
	}
	return nil
}

type rawMessage struct {
	seq uint32
	raw []byte
}

func (c *imapConn) fetchChunk(lo, hi uint32) ([]rawMessage, error) {
	var set imap.SeqSet
	set.AddRange(lo, hi)

	cmd := c.client.Fetch(set, &imap.FetchOptions{
		BodySection: []*imap.FetchItemBodySection{{Peek: true}},
	})

	var batch []rawMessage
	for {
		msg := cmd.Next()
		if msg == nil {
			break
		}
		m := rawMessage{seq: msg.SeqNum}
		for {
			item := msg.Next()
			if item == nil {
				break
			}
			body, ok := item.(imapclient.FetchItemDataBodySection)
			if !ok || body.Literal == nil {
				continue
			}
			// Consume the literal now; Next() skips unread literals.
			raw, err := io.ReadAll(io.LimitReader(body.Literal, maxRawMessageSize))
			_, _ = io.Copy(io.Discard, body.Literal)
			if err != nil {
				c.logger.Debug("error reading body literal", "seq", msg.SeqNum, "error", err)
				continue
			}
			m.raw = raw
		}
		batch = append(batch, m)
	}
	if err := cmd.Close(); err != nil {
		return nil, fmt.Errorf("fetch %d:%d: %w", lo, hi, err)
	}

	slices.SortFunc(batch, func(a, b rawMessage) int {
		return cmp.Compare(a.seq, b.seq)
	})
	return batch, nil
}

// Done is closed when the underlying connection ends.
func (c *imapConn) Done() <-chan struct{} {
	return c.client.Closed()
}

// Err reports why the connection ended.
func (c *imapConn) Err() error {
	select {
	case <-c.client.Closed():
	default:
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return ErrDropped
}

// Close ends IDLE, logs out and closes the socket. Safe to call twice.
func (c *imapConn) Close() error {
	_ = c.stopIdle()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return c.closeErr
	}
	c.closed = true
	c.mu.Unlock()

	logoutErr := c.client.Logout().Wait()
	err := c.client.Close()
	if logoutErr == nil || errors.Is(err, net.ErrClosed) {
		err = nil
	}

	c.mu.Lock()
	c.closeErr = err
	c.mu.Unlock()
	return err
}

// Compile-time check.
var _ Dialer = (*IMAPDialer)(nil)
