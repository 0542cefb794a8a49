package bus

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	supabase "github.com/supabase-community/supabase-go"
)

const busTable = "bus_transactions"

// SupabaseStore persists transactions through the Supabase postgrest API.
// Row-level security on bus_transactions restricts rows to the owning
// session.
type SupabaseStore struct {
	client *supabase.Client
}

// NewSupabaseStore creates a Supabase-backed transaction store.
func NewSupabaseStore(url, serviceKey string) (*SupabaseStore, error) {
	if url == "" || serviceKey == "" {
		return nil, fmt.Errorf("supabase url and service key must be set")
	}
	client, err := supabase.NewClient(url, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	return &SupabaseStore{client: client}, nil
}

func (s *SupabaseStore) Name() string { return "supabase" }

// busRow is the serializable row shape. Payload travels base64-encoded; the
// column is bytea behind postgrest. Timestamps as strings to match the
// Supabase timestamptz wire format.
type busRow struct {
	ID           string  `json:"id"`
	Payload      string  `json:"payload"`
	ContentType  string  `json:"content_type"`
	Size         int64   `json:"size"`
	SHA256       string  `json:"sha256"`
	SessionID    string  `json:"session_id,omitempty"`
	CreatedAt    string  `json:"created_at"`
	ConsumedAt   *string `json:"consumed_at,omitempty"`
	TTLExpiresAt string  `json:"ttl_expires_at"`
}

func (s *SupabaseStore) Insert(_ context.Context, tx *Transaction) error {
	row := busRow{
		ID:           tx.ID,
		Payload:      base64.StdEncoding.EncodeToString(tx.Payload),
		ContentType:  tx.ContentType,
		Size:         tx.Size,
		SHA256:       tx.SHA256,
		SessionID:    tx.SessionID,
		CreatedAt:    tx.CreatedAt.Format(time.RFC3339Nano),
		TTLExpiresAt: tx.TTLExpiresAt.Format(time.RFC3339Nano),
	}

	var out []busRow
	_, err := s.client.From(busTable).
		Insert(row, false, "", "", "").
		ExecuteTo(&out)
	if err != nil {
		return fmt.Errorf("supabase insert: %w", err)
	}
	return nil
}

func (s *SupabaseStore) Fetch(_ context.Context, id string) (*Transaction, error) {
	var rows []busRow
	// Expired rows linger until the purge pass; filter them here so both
	// backends agree that fetch past TTL is a not-found.
	_, err := s.client.From(busTable).
		Select("*", "", false).
		Eq("id", id).
		Gt("ttl_expires_at", time.Now().UTC().Format(time.RFC3339Nano)).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("supabase select: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrTransactionNotFound
	}
	return rowToTransaction(&rows[0])
}

func (s *SupabaseStore) MarkConsumed(_ context.Context, id string) error {
	consumed := time.Now().UTC().Format(time.RFC3339Nano)
	var out []busRow
	_, err := s.client.From(busTable).
		Update(map[string]interface{}{"consumed_at": consumed}, "", "").
		Eq("id", id).
		ExecuteTo(&out)
	if err != nil {
		return fmt.Errorf("supabase update consumed_at: %w", err)
	}
	return nil
}

func (s *SupabaseStore) Purge(_ context.Context, now time.Time) (int, error) {
	var out []busRow
	_, err := s.client.From(busTable).
		Delete("", "").
		Lt("ttl_expires_at", now.Format(time.RFC3339Nano)).
		ExecuteTo(&out)
	if err != nil {
		return 0, fmt.Errorf("supabase purge: %w", err)
	}
	return len(out), nil
}

func rowToTransaction(r *busRow) (*Transaction, error) {
	payload, err := base64.StdEncoding.DecodeString(r.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	created, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	expires, err := time.Parse(time.RFC3339Nano, r.TTLExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("parse ttl_expires_at: %w", err)
	}
	tx := &Transaction{
		ID:           r.ID,
		Payload:      payload,
		ContentType:  r.ContentType,
		Size:         r.Size,
		SHA256:       r.SHA256,
		SessionID:    r.SessionID,
		CreatedAt:    created,
		TTLExpiresAt: expires,
	}
	if r.ConsumedAt != nil {
		consumed, err := time.Parse(time.RFC3339Nano, *r.ConsumedAt)
		if err == nil {
			tx.ConsumedAt = &consumed
		}
	}
	return tx, nil
}
