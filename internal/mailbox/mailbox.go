// Package mailbox is mailbridge's IMAP client. A [Dialer] performs the
// connect, login and read-only select handshake and returns a [Conn]
// that reports new-mail events and fetches message ranges by sequence
// number.
package mailbox

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned by Conn methods after Close.
	ErrClosed = errors.New("mailbox connection closed")

	// ErrDropped is reported by Conn.Err when the server or network
	// ended the connection.
	ErrDropped = errors.New("connection closed by server")
)

// Credentials identify one mailbox account.
type Credentials struct {
	User     string
	Password string
}

// NewMailFunc receives the mailbox's message count whenever the server
// reports it (IMAP EXISTS). It runs on the connection's reader goroutine
// and must not block.
type NewMailFunc func(count uint32)

// FetchFunc receives one raw message. seq arrives in ascending order.
// Returning an error stops delivery of the remaining messages.
type FetchFunc func(seq uint32, raw []byte) error

// Dialer opens authenticated mailbox connections.
type Dialer interface {
	Dial(ctx context.Context, creds Credentials, onNewMail NewMailFunc) (Conn, error)
}

// Conn is one live, authenticated connection with the watched folder
// selected read-only. A Conn is used by a single goroutine.
type Conn interface {
	// Open re-selects the folder and returns its message count.
	Open(ctx context.Context) (total uint32, err error)

	// FetchRange fetches messages start..end inclusive and calls fn for
	// each one in ascending sequence order.
	FetchRange(ctx context.Context, start, end uint32, fn FetchFunc) error

	// Done is closed when the connection drops or is closed.
	Done() <-chan struct{}

	// Err returns why the connection ended, or nil while it is alive.
	Err() error

	// Close logs out and closes the connection.
	Close() error
}
