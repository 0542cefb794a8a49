package conversation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_BeginAppendLoad(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	ctx := context.Background()

	id, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, s.Append(ctx, id, Turn{Role: "user", Content: "hello"}))
	require.NoError(t, s.Append(ctx, id, Turn{Role: "assistant", Content: "hi"}))

	turns, err := s.Load(ctx, id)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "user", turns[0].Role)
	assert.Equal(t, "hi", turns[1].Content)
}

func TestMemoryStore_UnknownContinuation(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	ctx := context.Background()

	_, err := s.Load(ctx, "no-such-id")
	assert.ErrorIs(t, err, ErrUnknownContinuation)

	err = s.Append(ctx, "no-such-id", Turn{Role: "user", Content: "x"})
	assert.ErrorIs(t, err, ErrUnknownContinuation)
}

func TestMemoryStore_ExpiredContinuationLooksUnknown(t *testing.T) {
	s := NewMemoryStore(10 * time.Millisecond)
	ctx := context.Background()

	id, err := s.Begin(ctx)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	_, err = s.Load(ctx, id)
	assert.ErrorIs(t, err, ErrUnknownContinuation)
}

func TestMemoryStore_SweepRemovesIdleEntries(t *testing.T) {
	s := NewMemoryStore(10 * time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.Begin(ctx)
		require.NoError(t, err)
	}
	time.Sleep(30 * time.Millisecond)
	live, err := s.Begin(ctx)
	require.NoError(t, err)

	removed := s.Sweep(ctx)
	assert.Equal(t, 5, removed)

	// Live entry survives the sweep.
	_, err = s.Load(ctx, live)
	assert.NoError(t, err)
}

func TestMemoryStore_ConcurrentAppendsKeepAllTurns(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	ctx := context.Background()
	id, err := s.Begin(ctx)
	require.NoError(t, err)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.Append(ctx, id, Turn{Role: "user", Content: fmt.Sprintf("turn-%d", i)})
		}(i)
	}
	wg.Wait()

	turns, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Len(t, turns, n)
}

func TestTrimToBudget_DropsOldestWholeTurns(t *testing.T) {
	// Each turn is ~100 tokens (400 bytes / 4).
	mk := func(i int) Turn {
		return Turn{Role: "user", Content: strings.Repeat("x", 400), ToolName: fmt.Sprint(i)}
	}
	turns := []Turn{mk(0), mk(1), mk(2), mk(3)}

	trimmed := TrimToBudget(turns, 250)
	require.Len(t, trimmed, 2, "only the two newest turns fit a 250-token budget")
	assert.Equal(t, "2", trimmed[0].ToolName)
	assert.Equal(t, "3", trimmed[1].ToolName)
}

func TestTrimToBudget_NewestTurnAlwaysKept(t *testing.T) {
	turns := []Turn{
		{Role: "user", Content: strings.Repeat("a", 4000)},
	}
	trimmed := TrimToBudget(turns, 10)
	require.Len(t, trimmed, 1, "a turn is never split, even over budget")
}

func TestTrimToBudget_AllFit(t *testing.T) {
	turns := []Turn{
		{Role: "user", Content: "short"},
		{Role: "assistant", Content: "also short"},
	}
	trimmed := TrimToBudget(turns, 1000)
	assert.Equal(t, turns, trimmed)
}
