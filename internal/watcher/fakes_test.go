package watcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nugget/mailbridge/internal/account"
	"github.com/nugget/mailbridge/internal/config"
	"github.com/nugget/mailbridge/internal/journal"
	"github.com/nugget/mailbridge/internal/mailbox"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// rawMail builds a minimal RFC 822 message whose body is body.
func rawMail(subject, body string) []byte {
	return []byte("From: Alice <alice@example.com>\r\n" +
		"Subject: " + subject + "\r\n" +
		"Date: Mon, 02 Jan 2006 15:04:05 +0000\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		body + "\r\n")
}

// fakeMailbox is the server-side state shared by every fakeConn.
type fakeMailbox struct {
	mu      sync.Mutex
	msgs    map[uint32][]byte
	total   uint32
	openErr error
}

func newFakeMailbox() *fakeMailbox {
	return &fakeMailbox{msgs: make(map[uint32][]byte)}
}

// add appends a message and returns its sequence number.
func (m *fakeMailbox) add(raw []byte) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total++
	m.msgs[m.total] = raw
	return m.total
}

// fill adds n messages numbered from the current total.
func (m *fakeMailbox) fill(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for range n {
		m.total++
		m.msgs[m.total] = rawMail(fmt.Sprintf("msg %d", m.total), fmt.Sprintf("body of message %d", m.total))
	}
}

type fakeConn struct {
	mb        *fakeMailbox
	onNewMail mailbox.NewMailFunc
	done      chan struct{}
	once      sync.Once
	dropped   atomic.Bool
	closed    atomic.Bool
	fetches   atomic.Int32
	failErr   error // written before done is closed
}

func (c *fakeConn) Open(ctx context.Context) (uint32, error) {
	if c.closed.Load() {
		return 0, mailbox.ErrClosed
	}
	c.mb.mu.Lock()
	defer c.mb.mu.Unlock()
	if c.mb.openErr != nil {
		return 0, c.mb.openErr
	}
	return c.mb.total, nil
}

func (c *fakeConn) FetchRange(ctx context.Context, start, end uint32, fn mailbox.FetchFunc) error {
	c.fetches.Add(1)
	for seq := start; seq <= end; seq++ {
		c.mb.mu.Lock()
		raw, ok := c.mb.msgs[seq]
		c.mb.mu.Unlock()
		if !ok {
			continue
		}
		if err := fn(seq, raw); err != nil {
			return err
		}
	}
	return nil
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) Err() error {
	select {
	case <-c.done:
	default:
		return nil
	}
	if c.failErr != nil {
		return c.failErr
	}
	if c.dropped.Load() {
		return mailbox.ErrDropped
	}
	return mailbox.ErrClosed
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	c.once.Do(func() { close(c.done) })
	return nil
}

// drop simulates the server ending the connection.
func (c *fakeConn) drop() {
	c.dropped.Store(true)
	c.once.Do(func() { close(c.done) })
}

// fail simulates the connection dying on a protocol error.
func (c *fakeConn) fail(err error) {
	c.once.Do(func() {
		c.failErr = err
		close(c.done)
	})
}

// notify simulates an EXISTS push.
func (c *fakeConn) notify() {
	c.mb.mu.Lock()
	n := c.mb.total
	c.mb.mu.Unlock()
	c.onNewMail(n)
}

type fakeDialer struct {
	mb *fakeMailbox

	mu       sync.Mutex
	failNext int
	conns    []*fakeConn
	dialed   chan *fakeConn
}

func newFakeDialer(mb *fakeMailbox) *fakeDialer {
	return &fakeDialer{mb: mb, dialed: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, creds mailbox.Credentials, onNewMail mailbox.NewMailFunc) (mailbox.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failNext > 0 {
		d.failNext--
		return nil, errors.New("dial tcp: connection refused")
	}
	c := &fakeConn{mb: d.mb, onNewMail: onNewMail, done: make(chan struct{})}
	d.conns = append(d.conns, c)
	d.dialed <- c
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// fakeSender records deliveries and fails texts containing any of the
// configured substrings.
type fakeSender struct {
	mu     sync.Mutex
	sent   []sentMessage
	failOn []string
}

type sentMessage struct {
	chatID string
	text   string
}

func (s *fakeSender) Send(ctx context.Context, chatID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.failOn {
		if strings.Contains(text, f) {
			return errors.New("telegram sendMessage: 502 Bad Gateway")
		}
	}
	s.sent = append(s.sent, sentMessage{chatID: chatID, text: text})
	return nil
}

func (s *fakeSender) setFailOn(subs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOn = subs
}

func (s *fakeSender) messages() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.sent...)
}

type fakeRecorder struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (r *fakeRecorder) Record(ctx context.Context, e journal.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func testAccount(index int) *account.Account {
	return account.New(index, config.AccountConfig{
		User:     fmt.Sprintf("user%d@yandex.ru", index),
		Password: "secret",
		ChatID:   fmt.Sprintf("%d00", index),
	})
}
