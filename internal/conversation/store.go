// Package conversation maps continuation ids to ordered turn histories so
// tool calls can restore prior context across reconnects. The store never
// holds raw file bytes; turns carry opaque provider file ids only.
package conversation

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/toolgate/backend/internal/protocol"
)

// ErrUnknownContinuation is returned for missing or expired continuation ids.
var ErrUnknownContinuation = errors.New("unknown or expired continuation")

// Turn is one entry in a continuation's history. Append-only.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	ToolName  string    `json:"tool_name,omitempty"`
	FileRefs  []string  `json:"file_refs,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is the continuation store contract. Per-continuation appends are
// serialised by implementations; reads are concurrent.
type Store interface {
	// Begin creates an empty continuation and returns its id.
	Begin(ctx context.Context) (string, error)

	// Append adds a turn. Fails with ErrUnknownContinuation if the id is
	// absent or expired.
	Append(ctx context.Context, id string, turn Turn) error

	// Load returns a snapshot of the turn history and refreshes the idle TTL.
	Load(ctx context.Context, id string) ([]Turn, error)

	// Sweep removes continuations idle past their TTL and returns how many
	// were removed.
	Sweep(ctx context.Context) int
}

type memoryEntry struct {
	mu         sync.Mutex // serialises appends within one continuation
	turns      []Turn
	lastAccess time.Time
}

// MemoryStore is the default single-process store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	ttl     time.Duration
	logger  *log.Logger
}

// NewMemoryStore creates an in-memory continuation store with the given
// idle TTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		ttl:     ttl,
		logger:  log.New(log.Writer(), "[CONVO] ", log.LstdFlags),
	}
}

func (s *MemoryStore) Begin(_ context.Context) (string, error) {
	id := protocol.NewID()
	s.mu.Lock()
	s.entries[id] = &memoryEntry{lastAccess: time.Now()}
	s.mu.Unlock()
	return id, nil
}

func (s *MemoryStore) get(id string) (*memoryEntry, bool) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	expired := time.Since(e.lastAccess) > s.ttl
	e.mu.Unlock()
	if expired {
		return nil, false
	}
	return e, true
}

func (s *MemoryStore) Append(_ context.Context, id string, turn Turn) error {
	e, ok := s.get(id)
	if !ok {
		return ErrUnknownContinuation
	}
	e.mu.Lock()
	e.turns = append(e.turns, turn)
	e.lastAccess = time.Now()
	e.mu.Unlock()
	return nil
}

func (s *MemoryStore) Load(_ context.Context, id string) ([]Turn, error) {
	e, ok := s.get(id)
	if !ok {
		return nil, ErrUnknownContinuation
	}
	e.mu.Lock()
	snapshot := make([]Turn, len(e.turns))
	copy(snapshot, e.turns)
	e.lastAccess = time.Now()
	e.mu.Unlock()
	return snapshot, nil
}

func (s *MemoryStore) Sweep(_ context.Context) int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.entries {
		e.mu.Lock()
		idle := now.Sub(e.lastAccess)
		e.mu.Unlock()
		if idle > s.ttl {
			delete(s.entries, id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Printf("swept %d expired continuations", removed)
	}
	return removed
}

// StartSweep runs Sweep on the given interval until ctx is cancelled.
func StartSweep(ctx context.Context, s Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}
