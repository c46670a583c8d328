// Package journal keeps an append-only SQLite log of notification
// delivery attempts. It is an audit trail for operators: the fetcher
// writes to it but never reads it back, and the watermark is not
// derived from it. Old entries are removed only by Prune.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// FileName is the database file created under the data directory.
const FileName = "mailbridge.db"

// tsLayout is fixed-width so timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Outcome classifies a delivery attempt.
type Outcome string

// Delivery outcomes.
const (
	Delivered  Outcome = "delivered"
	Failed     Outcome = "failed"
	Skipped    Outcome = "skipped"
	ParseError Outcome = "parse_error"
)

// Entry is one delivery attempt.
type Entry struct {
	ID        string
	Account   int
	Seq       uint32
	ChatID    string
	Outcome   Outcome
	Error     string
	Timestamp time.Time
}

// Counts aggregates entries by outcome.
type Counts struct {
	Delivered   int
	Failed      int
	Skipped     int
	ParseErrors int
	Last        time.Time // zero when there are no entries
}

// Total returns the number of entries counted.
func (c Counts) Total() int {
	return c.Delivered + c.Failed + c.Skipped + c.ParseErrors
}

// Store is the journal database. All methods are safe for concurrent
// use (SQLite serializes writes).
type Store struct {
	db *sqlx.DB
}

// row mirrors the deliveries table.
type row struct {
	ID        string         `db:"id"`
	Timestamp string         `db:"timestamp"`
	Account   int            `db:"account"`
	Seq       int64          `db:"seq"`
	ChatID    string         `db:"chat_id"`
	Outcome   string         `db:"outcome"`
	Error     sql.NullString `db:"error"`
}

func (r row) entry() Entry {
	ts, _ := time.Parse(tsLayout, r.Timestamp)
	return Entry{
		ID:        r.ID,
		Account:   r.Account,
		Seq:       uint32(r.Seq),
		ChatID:    r.ChatID,
		Outcome:   Outcome(r.Outcome),
		Error:     r.Error.String,
		Timestamp: ts,
	}
}

// Open creates or opens the journal in dataDir.
func Open(dataDir string) (*Store, error) {
	path := filepath.Join(dataDir, FileName)
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}
	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already opened SQLite database and creates the schema.
// Either SQLite driver works; both bind with "?".
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: sqlx.NewDb(db, "sqlite3")}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate journal schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS deliveries (
		id         TEXT PRIMARY KEY,
		timestamp  TEXT NOT NULL,
		account    INTEGER NOT NULL,
		seq        INTEGER NOT NULL,
		chat_id    TEXT NOT NULL,
		outcome    TEXT NOT NULL,
		error      TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_deliveries_account ON deliveries(account, timestamp);
	CREATE INDEX IF NOT EXISTS idx_deliveries_timestamp ON deliveries(timestamp);
	`)
	return err
}

// Record appends e. A missing ID gets a UUIDv7 and a zero Timestamp
// becomes now.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate journal entry ID: %w", err)
		}
		e.ID = id.String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	r := row{
		ID:        e.ID,
		Timestamp: e.Timestamp.UTC().Format(tsLayout),
		Account:   e.Account,
		Seq:       int64(e.Seq),
		ChatID:    e.ChatID,
		Outcome:   string(e.Outcome),
		Error:     sql.NullString{String: e.Error, Valid: e.Error != ""},
	}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO deliveries (id, timestamp, account, seq, chat_id, outcome, error)
		 VALUES (:id, :timestamp, :account, :seq, :chat_id, :outcome, :error)`, r)
	if err != nil {
		return fmt.Errorf("insert journal entry: %w", err)
	}
	return nil
}

// Prune deletes entries recorded before cutoff and returns how many were
// removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM deliveries WHERE timestamp < ?`,
		cutoff.UTC().Format(tsLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	return n, nil
}

// Counts aggregates the entries of one account. An account of 0 counts
// every account.
func (s *Store) Counts(ctx context.Context, account int) (Counts, error) {
	query := `SELECT outcome, COUNT(*) AS n, MAX(timestamp) AS last_ts FROM deliveries`
	var args []any
	if account > 0 {
		query += ` WHERE account = ?`
		args = append(args, account)
	}
	query += ` GROUP BY outcome`

	var groups []struct {
		Outcome string `db:"outcome"`
		N       int    `db:"n"`
		Last    string `db:"last_ts"`
	}
	if err := s.db.SelectContext(ctx, &groups, query, args...); err != nil {
		return Counts{}, fmt.Errorf("query journal counts: %w", err)
	}

	var c Counts
	for _, g := range groups {
		switch Outcome(g.Outcome) {
		case Delivered:
			c.Delivered = g.N
		case Failed:
			c.Failed = g.N
		case Skipped:
			c.Skipped = g.N
		case ParseError:
			c.ParseErrors = g.N
		}
		if t, err := time.Parse(tsLayout, g.Last); err == nil && t.After(c.Last) {
			c.Last = t
		}
	}
	return c, nil
}

// Recent returns up to limit entries for account, newest first.
func (s *Store) Recent(ctx context.Context, account, limit int) ([]Entry, error) {
	var rows []row
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, timestamp, account, seq, chat_id, outcome, error
		 FROM deliveries
		 WHERE account = ?
		 ORDER BY timestamp DESC
		 LIMIT ?`,
		account, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent journal entries: %w", err)
	}

	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.entry())
	}
	return out, nil
}
