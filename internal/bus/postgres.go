package bus

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // postgres driver
)

// Schema for the direct-Postgres backend. Kept in source so ops can apply
// it with psql; the store does not auto-migrate.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS bus_transactions (
    id             uuid PRIMARY KEY,
    payload        bytea NOT NULL,
    content_type   text NOT NULL,
    size           bigint NOT NULL,
    sha256         text NOT NULL,
    session_id     text,
    created_at     timestamptz NOT NULL,
    consumed_at    timestamptz,
    ttl_expires_at timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS bus_transactions_ttl_idx ON bus_transactions (ttl_expires_at);
CREATE INDEX IF NOT EXISTS bus_transactions_created_idx ON bus_transactions (created_at);
`

// PostgresStore persists transactions through database/sql against a plain
// Postgres instance. Used when no Supabase project is configured.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool against the given DSN.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Name() string { return "postgres" }

func (s *PostgresStore) Insert(ctx context.Context, tx *Transaction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bus_transactions
			(id, payload, content_type, size, sha256, session_id, created_at, ttl_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		tx.ID, tx.Payload, tx.ContentType, tx.Size, tx.SHA256,
		nullable(tx.SessionID), tx.CreatedAt, tx.TTLExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("postgres insert: %w", err)
	}
	return nil
}

func (s *PostgresStore) Fetch(ctx context.Context, id string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, payload, content_type, size, sha256,
		       COALESCE(session_id, ''), created_at, consumed_at, ttl_expires_at
		FROM bus_transactions
		WHERE id = $1 AND ttl_expires_at > now()`,
		id,
	)

	var tx Transaction
	var consumed sql.NullTime
	err := row.Scan(&tx.ID, &tx.Payload, &tx.ContentType, &tx.Size, &tx.SHA256,
		&tx.SessionID, &tx.CreatedAt, &consumed, &tx.TTLExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres select: %w", err)
	}
	if consumed.Valid {
		t := consumed.Time
		tx.ConsumedAt = &t
	}
	return &tx, nil
}

func (s *PostgresStore) MarkConsumed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE bus_transactions SET consumed_at = now()
		WHERE id = $1 AND consumed_at IS NULL`,
		id,
	)
	if err != nil {
		return fmt.Errorf("postgres mark consumed: %w", err)
	}
	return nil
}

func (s *PostgresStore) Purge(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM bus_transactions WHERE ttl_expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("postgres purge: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
