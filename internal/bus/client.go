package bus

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/toolgate/backend/internal/metrics"
	"github.com/toolgate/backend/internal/protocol"
)

// Routed is the outcome of a routing decision: either the payload stays
// inline, or it was persisted and a pointer envelope references it.
type Routed struct {
	Inline  bool
	Payload []byte
	Pointer *protocol.Pointer
}

// Client is the size-gated message bus client.
type Client struct {
	store           TransactionStore
	breaker         *Breaker
	enabled         bool
	inlineThreshold int64
	ttl             time.Duration
	logger          *log.Logger
}

// Options configures a bus client.
type Options struct {
	Store            TransactionStore
	Enabled          bool
	InlineThreshold  int64
	TTL              time.Duration
	FailureThreshold int
	Cooldown         time.Duration
}

// NewClient creates a message bus client. A nil store forces disabled mode:
// every payload routes inline and oversized outputs fail with
// PayloadTooLargeBusDown at the frame layer.
func NewClient(opts Options) *Client {
	enabled := opts.Enabled && opts.Store != nil
	name := "disabled"
	if opts.Store != nil {
		name = opts.Store.Name()
	}
	logger := log.New(log.Writer(), "[BUS] ", log.LstdFlags)
	return &Client{
		store:   opts.Store,
		enabled: enabled,
		breaker: NewBreaker(BreakerConfig{
			Name:             name,
			FailureThreshold: opts.FailureThreshold,
			Cooldown:         opts.Cooldown,
			OnStateChange: func(name string, from, to BreakerState) {
				logger.Printf("breaker %s: %s -> %s", name, from, to)
				metrics.BusBreakerState.Set(float64(to))
			},
		}),
		inlineThreshold: opts.InlineThreshold,
		ttl:             opts.TTL,
		logger:          logger,
	}
}

// Enabled reports whether a backend is configured and enabled.
func (c *Client) Enabled() bool { return c.enabled }

// InlineThreshold returns the size gate in bytes.
func (c *Client) InlineThreshold() int64 { return c.inlineThreshold }

// BreakerState exposes the breaker state for health reporting.
func (c *Client) BreakerState() BreakerState { return c.breaker.State() }

// Route decides between inline delivery and out-of-band persistence for a
// payload. Payloads under the threshold are always inline. Oversized
// payloads with the bus disabled or the breaker open return
// ErrBusUnavailable, never a silently truncated payload.
func (c *Client) Route(ctx context.Context, payload []byte, contentType string, sessionID string) (*Routed, error) {
	if int64(len(payload)) < c.inlineThreshold {
		return &Routed{Inline: true, Payload: payload}, nil
	}
	if !c.enabled {
		return nil, fmt.Errorf("payload of %d bytes exceeds inline threshold: %w", len(payload), ErrBusUnavailable)
	}

	tx, err := c.Store(ctx, payload, contentType, sessionID)
	if err != nil {
		return nil, err
	}
	return &Routed{
		Pointer: &protocol.Pointer{
			Pointer:     tx.ID,
			Size:        tx.Size,
			SHA256:      tx.SHA256,
			ContentType: tx.ContentType,
		},
	}, nil
}

// Store persists a payload as a transaction and returns it. Breaker-gated.
func (c *Client) Store(ctx context.Context, payload []byte, contentType string, sessionID string) (*Transaction, error) {
	if !c.enabled {
		return nil, ErrBusUnavailable
	}
	if err := c.breaker.Allow(); err != nil {
		return nil, fmt.Errorf("%s backend: %w", c.store.Name(), ErrBusUnavailable)
	}

	sum := sha256.Sum256(payload)
	now := time.Now().UTC()
	tx := &Transaction{
		ID:           uuid.NewString(),
		Payload:      payload,
		ContentType:  contentType,
		Size:         int64(len(payload)),
		SHA256:       hex.EncodeToString(sum[:]),
		SessionID:    sessionID,
		CreatedAt:    now,
		TTLExpiresAt: now.Add(c.ttl),
	}

	err := c.store.Insert(ctx, tx)
	c.breaker.Record(err == nil)
	if err != nil {
		c.logger.Printf("store failed (tx=%s, %d bytes): %v", tx.ID, tx.Size, err)
		return nil, fmt.Errorf("insert transaction: %w", ErrBusUnavailable)
	}
	return tx, nil
}

// Fetch reads a transaction's payload. Reads are idempotent within TTL:
// the first successful fetch soft-deletes the row, later fetches return the
// same bytes. Integrity is verified against the stored SHA-256.
func (c *Client) Fetch(ctx context.Context, id string) (*Transaction, error) {
	if !c.enabled {
		return nil, ErrBusUnavailable
	}
	if err := c.breaker.Allow(); err != nil {
		return nil, fmt.Errorf("%s backend: %w", c.store.Name(), ErrBusUnavailable)
	}

	tx, err := c.store.Fetch(ctx, id)
	c.breaker.Record(err == nil || errors.Is(err, ErrTransactionNotFound))
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("fetch transaction: %w", ErrBusUnavailable)
	}

	sum := sha256.Sum256(tx.Payload)
	if !bytes.Equal(sum[:], mustHex(tx.SHA256)) {
		return nil, fmt.Errorf("transaction %s payload hash mismatch", id)
	}

	if tx.ConsumedAt == nil {
		if err := c.store.MarkConsumed(ctx, id); err != nil {
			// Consumption marking is best-effort; replay stays idempotent.
			c.logger.Printf("mark consumed failed (tx=%s): %v", id, err)
		}
	}
	return tx, nil
}

// StartPurge deletes expired rows on the given interval until ctx ends.
func (c *Client) StartPurge(ctx context.Context, interval time.Duration) {
	if !c.enabled {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := c.store.Purge(ctx, time.Now().UTC())
			if err != nil {
				c.logger.Printf("purge failed: %v", err)
				continue
			}
			if n > 0 {
				c.logger.Printf("purged %d expired transactions", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}
