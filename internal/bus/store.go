// Package bus persists oversized payloads through a transactional store so
// WebSocket frames stay bounded. Payloads at or above the inline threshold
// are written as transactions and referenced by pointer envelopes; smaller
// payloads stay in band. A circuit breaker per backend isolates persistence
// failures.
package bus

import (
	"context"
	"errors"
	"time"
)

// ErrBusUnavailable is surfaced when the backend is failing or the breaker
// is open.
var ErrBusUnavailable = errors.New("message bus unavailable")

// ErrTransactionNotFound is surfaced for unknown or expired transaction ids.
var ErrTransactionNotFound = errors.New("transaction not found")

// Transaction is one persisted payload row. Immutable once written;
// soft-deleted after consumption, hard-purged past TTL.
type Transaction struct {
	ID           string     `json:"id"`
	Payload      []byte     `json:"-"`
	ContentType  string     `json:"content_type"`
	Size         int64      `json:"size"`
	SHA256       string     `json:"sha256"`
	SessionID    string     `json:"session_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ConsumedAt   *time.Time `json:"consumed_at,omitempty"`
	TTLExpiresAt time.Time  `json:"ttl_expires_at"`
}

// TransactionStore is the persistence backend contract. Implementations:
// SupabaseStore (postgrest, row-level security) and PostgresStore
// (direct database/sql).
type TransactionStore interface {
	// Name identifies the backend for logging and breaker labelling.
	Name() string

	// Insert writes a transaction row. The row is immutable afterwards.
	Insert(ctx context.Context, tx *Transaction) error

	// Fetch returns a transaction by id, including its payload bytes.
	// Consumed rows within TTL are still returned (idempotent replay).
	Fetch(ctx context.Context, id string) (*Transaction, error)

	// MarkConsumed soft-deletes a row after its first successful retrieve.
	MarkConsumed(ctx context.Context, id string) error

	// Purge hard-deletes rows past their TTL and returns how many went.
	Purge(ctx context.Context, now time.Time) (int, error)
}
