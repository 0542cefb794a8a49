package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolgate/backend/internal/config"
	"github.com/toolgate/backend/internal/conversation"
	"github.com/toolgate/backend/internal/protocol"
	"github.com/toolgate/backend/internal/provider"
	"github.com/toolgate/backend/internal/tools"
)

// countingCaller records every provider call and fails on demand.
type countingCaller struct {
	mu    sync.Mutex
	calls int
	fail  error
}

func (c *countingCaller) Call(_ context.Context, model string, _ provider.Request) (*provider.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.fail != nil {
		return nil, c.fail
	}
	return &provider.Response{Content: "expert verdict from " + model}, nil
}

func (c *countingCaller) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func newTestEngine(caller provider.Caller) *Engine {
	cfg := config.Defaults()
	cfg.Routing.RetryMax = 0
	convo := conversation.NewMemoryStore(time.Hour)
	providers := provider.NewRegistry(provider.DefaultCatalog(), caller, cfg.Routing)
	return NewEngine(providers, convo, cfg)
}

func reviewDesc() *tools.Descriptor {
	return &tools.Descriptor{
		Name:             "codereview",
		Category:         tools.CategoryWorkflow,
		ExpertValidation: true,
	}
}

func analyzeDesc() *tools.Descriptor {
	return &tools.Descriptor{
		Name:     "analyze",
		Category: tools.CategoryWorkflow,
	}
}

func stepInvocation(t *testing.T, desc *tools.Descriptor, args StepArgs) *tools.Invocation {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	return &tools.Invocation{Desc: desc, Raw: raw, SessionID: "sess-1"}
}

func TestAdvance_TwoStepPauseAndResume(t *testing.T) {
	e := newTestEngine(&countingCaller{})
	ctx := context.Background()

	first, err := e.Advance(ctx, stepInvocation(t, analyzeDesc(), StepArgs{
		Step: "map the packages", StepNumber: 1, TotalSteps: 2,
		NextStepRequired: true, Findings: "three layers",
	}))
	require.NoError(t, err)
	assert.True(t, first.Paused)
	assert.Equal(t, "paused", first.Phase)
	require.NotEmpty(t, first.ContinuationID)

	second, err := e.Advance(ctx, stepInvocation(t, analyzeDesc(), StepArgs{
		Step: "trace the data flow", StepNumber: 2, TotalSteps: 2,
		NextStepRequired: false, Findings: "flows through the bus",
		ContinuationID: first.ContinuationID,
	}))
	require.NoError(t, err)
	assert.False(t, second.Paused)
	assert.Equal(t, "complete", second.Phase)
	assert.Contains(t, second.Content, "three layers")
	assert.Contains(t, second.Content, "flows through the bus")
}

func TestAdvance_OutOfOrderStepRejected(t *testing.T) {
	e := newTestEngine(&countingCaller{})
	ctx := context.Background()

	first, err := e.Advance(ctx, stepInvocation(t, analyzeDesc(), StepArgs{
		Step: "s1", StepNumber: 1, TotalSteps: 3, NextStepRequired: true, Findings: "f1",
	}))
	require.NoError(t, err)

	// Skipping step 2 is an ordering violation.
	_, err = e.Advance(ctx, stepInvocation(t, analyzeDesc(), StepArgs{
		Step: "s3", StepNumber: 3, TotalSteps: 3, NextStepRequired: true, Findings: "f3",
		ContinuationID: first.ContinuationID,
	}))
	require.Error(t, err)
	assert.Equal(t, protocol.KindWorkflowOrderError, protocol.KindOf(err))

	// Replaying an already-absorbed step is equally rejected.
	_, err = e.Advance(ctx, stepInvocation(t, analyzeDesc(), StepArgs{
		Step: "s1", StepNumber: 1, TotalSteps: 3, NextStepRequired: true, Findings: "f1",
		ContinuationID: first.ContinuationID,
	}))
	assert.Equal(t, protocol.KindWorkflowOrderError, protocol.KindOf(err))
}

func TestAdvance_NewWorkflowMustStartAtStepOne(t *testing.T) {
	e := newTestEngine(&countingCaller{})

	_, err := e.Advance(context.Background(), stepInvocation(t, analyzeDesc(), StepArgs{
		Step: "s2", StepNumber: 2, TotalSteps: 2, NextStepRequired: false, Findings: "f",
	}))
	require.Error(t, err)
	assert.Equal(t, protocol.KindWorkflowOrderError, protocol.KindOf(err))
}

func TestAdvance_UnknownContinuation(t *testing.T) {
	e := newTestEngine(&countingCaller{})

	_, err := e.Advance(context.Background(), stepInvocation(t, analyzeDesc(), StepArgs{
		Step: "s", StepNumber: 2, TotalSteps: 2, NextStepRequired: true, Findings: "f",
		ContinuationID: "gone",
	}))
	assert.Equal(t, protocol.KindUnknownContinuation, protocol.KindOf(err))
}

func TestAdvance_PausedStepMakesNoProviderCall(t *testing.T) {
	caller := &countingCaller{}
	e := newTestEngine(caller)

	_, err := e.Advance(context.Background(), stepInvocation(t, reviewDesc(), StepArgs{
		Step: "s1", StepNumber: 1, TotalSteps: 2, NextStepRequired: true, Findings: "f1",
	}))
	require.NoError(t, err)
	assert.Zero(t, caller.count(), "intermediate steps never call a provider")
}

func TestAdvance_ExpertValidationCalledExactlyOnce(t *testing.T) {
	caller := &countingCaller{}
	e := newTestEngine(caller)
	ctx := context.Background()

	first, err := e.Advance(ctx, stepInvocation(t, reviewDesc(), StepArgs{
		Step: "s1", StepNumber: 1, TotalSteps: 2, NextStepRequired: true, Findings: "f1",
	}))
	require.NoError(t, err)

	final := StepArgs{
		Step: "s2", StepNumber: 2, TotalSteps: 2, NextStepRequired: false,
		Findings: "f2", Hypothesis: "the bug is in the parser", Confidence: "high",
		ContinuationID: first.ContinuationID,
	}
	done, err := e.Advance(ctx, stepInvocation(t, reviewDesc(), final))
	require.NoError(t, err)
	assert.Equal(t, "complete", done.Phase)
	assert.Contains(t, done.Content, "expert verdict")
	assert.Equal(t, 1, caller.count())

	// Redelivery of the final step replays the cached result.
	replay, err := e.Advance(ctx, stepInvocation(t, reviewDesc(), final))
	require.NoError(t, err)
	assert.Equal(t, done.Content, replay.Content)
	assert.Equal(t, 1, caller.count(), "no second expert call on redelivery")
}

func TestAdvance_FailedFinalizationReplaysCachedError(t *testing.T) {
	caller := &countingCaller{fail: provider.Terminal("claude-sonnet", errors.New("backend down"))}
	e := newTestEngine(caller)
	ctx := context.Background()

	first, err := e.Advance(ctx, stepInvocation(t, reviewDesc(), StepArgs{
		Step: "s1", StepNumber: 1, TotalSteps: 2, NextStepRequired: true, Findings: "f1",
	}))
	require.NoError(t, err)

	final := StepArgs{
		Step: "s2", StepNumber: 2, TotalSteps: 2, NextStepRequired: false, Findings: "f2",
		ContinuationID: first.ContinuationID,
	}
	_, err = e.Advance(ctx, stepInvocation(t, reviewDesc(), final))
	require.Error(t, err)
	assert.Equal(t, protocol.KindProviderError, protocol.KindOf(err))
	callsAfterFailure := caller.count()

	_, err = e.Advance(ctx, stepInvocation(t, reviewDesc(), final))
	require.Error(t, err)
	assert.Equal(t, protocol.KindProviderError, protocol.KindOf(err))
	assert.Equal(t, callsAfterFailure, caller.count(), "failed finalization is cached, not retried")
}

func TestCancel_TerminalTombstoneUntilTTL(t *testing.T) {
	e := newTestEngine(&countingCaller{})
	ctx := context.Background()

	first, err := e.Advance(ctx, stepInvocation(t, analyzeDesc(), StepArgs{
		Step: "s1", StepNumber: 1, TotalSteps: 3, NextStepRequired: true, Findings: "f1",
	}))
	require.NoError(t, err)

	require.NoError(t, e.Cancel(first.ContinuationID))
	require.NoError(t, e.Cancel(first.ContinuationID), "cancel is idempotent")

	// Further steps hit the tombstone, not an unknown continuation.
	_, err = e.Advance(ctx, stepInvocation(t, analyzeDesc(), StepArgs{
		Step: "s2", StepNumber: 2, TotalSteps: 3, NextStepRequired: true, Findings: "f2",
		ContinuationID: first.ContinuationID,
	}))
	assert.Equal(t, protocol.KindCancelled, protocol.KindOf(err))

	st, ok := e.Get(first.ContinuationID)
	require.True(t, ok)
	assert.Equal(t, PhaseCancelled, st.Phase)
	assert.False(t, st.ExpiresAt.IsZero())
}

func TestCancel_UnknownWorkflow(t *testing.T) {
	e := newTestEngine(&countingCaller{})
	err := e.Cancel("never-existed")
	assert.Equal(t, protocol.KindUnknownContinuation, protocol.KindOf(err))
}

func TestSweep_RemovesExpiredInstances(t *testing.T) {
	e := newTestEngine(&countingCaller{})
	ctx := context.Background()

	done, err := e.Advance(ctx, stepInvocation(t, analyzeDesc(), StepArgs{
		Step: "s1", StepNumber: 1, TotalSteps: 1, NextStepRequired: false, Findings: "f1",
	}))
	require.NoError(t, err)

	paused, err := e.Advance(ctx, stepInvocation(t, analyzeDesc(), StepArgs{
		Step: "s1", StepNumber: 1, TotalSteps: 2, NextStepRequired: true, Findings: "f1",
	}))
	require.NoError(t, err)

	assert.Zero(t, e.Sweep(time.Now().UTC()), "nothing inside TTL is swept")
	assert.Equal(t, 2, e.Sweep(time.Now().UTC().Add(4*time.Hour)),
		"tombstones and abandoned paused workflows both expire")

	_, ok := e.Get(done.ContinuationID)
	assert.False(t, ok)
	_, ok = e.Get(paused.ContinuationID)
	assert.False(t, ok, "abandoned workflows do not outlive the TTL")
}

func TestSweep_RemovesStuckFailedFinalization(t *testing.T) {
	caller := &countingCaller{fail: provider.Terminal("claude-sonnet", errors.New("backend down"))}
	e := newTestEngine(caller)
	ctx := context.Background()

	first, err := e.Advance(ctx, stepInvocation(t, reviewDesc(), StepArgs{
		Step: "s1", StepNumber: 1, TotalSteps: 2, NextStepRequired: true, Findings: "f1",
	}))
	require.NoError(t, err)

	_, err = e.Advance(ctx, stepInvocation(t, reviewDesc(), StepArgs{
		Step: "s2", StepNumber: 2, TotalSteps: 2, NextStepRequired: false, Findings: "f2",
		ContinuationID: first.ContinuationID,
	}))
	require.Error(t, err)

	st, ok := e.Get(first.ContinuationID)
	require.True(t, ok)
	assert.False(t, st.ExpiresAt.IsZero(), "a failed finalization is TTL-bounded")

	assert.Zero(t, e.Sweep(time.Now().UTC()))
	assert.Equal(t, 1, e.Sweep(time.Now().UTC().Add(4*time.Hour)))
	_, ok = e.Get(first.ContinuationID)
	assert.False(t, ok, "stuck finalizing instances are reclaimed")
}

func TestAdvance_UnknownConfidenceRejected(t *testing.T) {
	e := newTestEngine(&countingCaller{})

	_, err := e.Advance(context.Background(), stepInvocation(t, analyzeDesc(), StepArgs{
		Step: "s", StepNumber: 1, TotalSteps: 1, NextStepRequired: true,
		Findings: "f", Confidence: "pretty-sure",
	}))
	assert.Equal(t, protocol.KindInvalidInput, protocol.KindOf(err))
}

func TestExpertPrompt_FileContentsExcludedByDefault(t *testing.T) {
	recorder := &recordingCaller{}
	e := newTestEngine(recorder)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "secret.txt")
	require.NoError(t, os.WriteFile(path, []byte("super-secret-contents"), 0o600))

	first, err := e.Advance(ctx, stepInvocation(t, reviewDesc(), StepArgs{
		Step: "s1", StepNumber: 1, TotalSteps: 2, NextStepRequired: true,
		Findings: "f1", RelevantFiles: []string{path},
	}))
	require.NoError(t, err)

	_, err = e.Advance(ctx, stepInvocation(t, reviewDesc(), StepArgs{
		Step: "s2", StepNumber: 2, TotalSteps: 2, NextStepRequired: false,
		Findings: "f2", ContinuationID: first.ContinuationID,
	}))
	require.NoError(t, err)

	prompt := recorder.lastPrompt()
	assert.Contains(t, prompt, path, "file names are listed")
	assert.NotContains(t, prompt, "super-secret-contents",
		"file contents stay out of expert prompts unless explicitly enabled")
}

// recordingCaller keeps the last user prompt it saw.
type recordingCaller struct {
	mu   sync.Mutex
	last string
}

func (r *recordingCaller) Call(_ context.Context, _ string, req provider.Request) (*provider.Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range req.Messages {
		if m.Role == "user" {
			r.last = m.Content
		}
	}
	return &provider.Response{Content: "ok"}, nil
}

func (r *recordingCaller) lastPrompt() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func TestAdvance_ContinuationBoundToTool(t *testing.T) {
	e := newTestEngine(&countingCaller{})
	ctx := context.Background()

	first, err := e.Advance(ctx, stepInvocation(t, analyzeDesc(), StepArgs{
		Step: "s1", StepNumber: 1, TotalSteps: 2, NextStepRequired: true, Findings: "f1",
	}))
	require.NoError(t, err)

	_, err = e.Advance(ctx, stepInvocation(t, reviewDesc(), StepArgs{
		Step: "s2", StepNumber: 2, TotalSteps: 2, NextStepRequired: true, Findings: "f2",
		ContinuationID: first.ContinuationID,
	}))
	assert.Equal(t, protocol.KindInvalidInput, protocol.KindOf(err))
}
