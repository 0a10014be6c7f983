// Package sqlstore implements the processed-set on SQLite or PostgreSQL.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/idempotency"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// Open opens a connection pool for the dialect's registered driver.
func Open(d Dialect, dsn string) (*sql.DB, error) {
	switch d {
	case SQLite, Postgres:
	default:
		return nil, fmt.Errorf("sqlstore: unsupported dialect %q", d)
	}
	db, err := sql.Open(string(d), dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", d, err)
	}
	if d == SQLite {
		// One writer at a time.
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (d Dialect) rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ProcessedSet keeps one row per claim in processed_orders. expires_at is unix millis, 0 for never.
type ProcessedSet struct {
	db        *sql.DB
	dialect   Dialect
	lease     time.Duration
	retention time.Duration
	now       func() time.Time
}

const (
	stateInProgress = "in_progress"
	stateDone       = "done"
)

var _ idempotency.Set = (*ProcessedSet)(nil)

func NewProcessedSet(ctx context.Context, db *sql.DB, d Dialect, lease, retention time.Duration) (*ProcessedSet, error) {
	s := &ProcessedSet{db: db, dialect: d, lease: lease, retention: retention, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ProcessedSet) migrate(ctx context.Context) error {
	query := `
    CREATE TABLE IF NOT EXISTS processed_orders (
        order_key TEXT PRIMARY KEY,
        state TEXT NOT NULL,
        expires_at BIGINT NOT NULL
    );`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return nil
}

func (s *ProcessedSet) Claim(ctx context.Context, key string) (idempotency.Status, error) {
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		s.dialect.rebind(`DELETE FROM processed_orders WHERE order_key = ? AND expires_at > 0 AND expires_at <= ?`),
		key, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("%w: %w", idempotency.ErrUnavailable, err)
	}
	res, err := s.db.ExecContext(ctx,
		s.dialect.rebind(`INSERT INTO processed_orders (order_key, state, expires_at) VALUES (?, ?, ?) ON CONFLICT (order_key) DO NOTHING`),
		key, stateInProgress, expiresAt(now, s.lease))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", idempotency.ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", idempotency.ErrUnavailable, err)
	}
	if n == 1 {
		return idempotency.Acquired, nil
	}

	var state string
	err = s.db.QueryRowContext(ctx,
		s.dialect.rebind(`SELECT state FROM processed_orders WHERE order_key = ?`), key).Scan(&state)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return idempotency.InProgress, nil
	case err != nil:
		return 0, fmt.Errorf("%w: %w", idempotency.ErrUnavailable, err)
	case state == stateDone:
		return idempotency.Done, nil
	default:
		return idempotency.InProgress, nil
	}
}

func (s *ProcessedSet) Complete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		s.dialect.rebind(`INSERT INTO processed_orders (order_key, state, expires_at) VALUES (?, ?, ?) ON CONFLICT (order_key) DO UPDATE SET state = excluded.state, expires_at = excluded.expires_at`),
		key, stateDone, expiresAt(s.now(), s.retention))
	if err != nil {
		return fmt.Errorf("%w: %w", idempotency.ErrUnavailable, err)
	}
	return nil
}

func (s *ProcessedSet) Release(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.rebind(`DELETE FROM processed_orders WHERE order_key = ?`), key); err != nil {
		return fmt.Errorf("%w: %w", idempotency.ErrUnavailable, err)
	}
	return nil
}

func expiresAt(now time.Time, ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return now.Add(ttl).UnixMilli()
}
