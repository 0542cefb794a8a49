package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/toolgate/backend/internal/config"
	"github.com/toolgate/backend/internal/conversation"
	"github.com/toolgate/backend/internal/protocol"
	"github.com/toolgate/backend/internal/provider"
	"github.com/toolgate/backend/internal/tools"
)

// StepResult is the outcome of advancing a workflow one step.
type StepResult struct {
	ContinuationID string   `json:"continuation_id"`
	Phase          string   `json:"phase"`
	StepNumber     int      `json:"step_number"`
	TotalSteps     int      `json:"total_steps"`
	Paused         bool     `json:"-"`
	Content        string   `json:"content,omitempty"`
	Model          string   `json:"model,omitempty"`
	NextActions    []string `json:"next_actions,omitempty"`
}

type instance struct {
	mu    sync.Mutex
	state *State
}

// Engine steps workflow tools. Instances live in memory keyed by
// continuation ID; terminal instances stay as tombstones until TTL so
// late steps fail loudly instead of starting a fresh workflow.
type Engine struct {
	mu        sync.RWMutex
	instances map[string]*instance

	providers *provider.Registry
	convo     conversation.Store
	cfg       *config.Config
	ttl       time.Duration
	logger    *log.Logger
}

// NewEngine wires the workflow engine.
func NewEngine(providers *provider.Registry, convo conversation.Store, cfg *config.Config) *Engine {
	return &Engine{
		instances: make(map[string]*instance),
		providers: providers,
		convo:     convo,
		cfg:       cfg,
		ttl:       cfg.Conversation.TTL,
		logger:    log.New(log.Writer(), "[WORKFLOW] ", log.LstdFlags),
	}
}

// Advance applies one step of a workflow tool. Steps must arrive in
// strict order; the only accepted repeat is a redelivery of the final
// step, which replays the cached finalization outcome without a second
// expert call.
func (e *Engine) Advance(ctx context.Context, inv *tools.Invocation) (*StepResult, error) {
	var args StepArgs
	if err := json.Unmarshal(inv.Raw, &args); err != nil {
		return nil, protocol.Wrap(protocol.KindInvalidInput, err, "workflow arguments are not valid JSON")
	}
	if args.Confidence != "" {
		if _, ok := confidenceLevels[args.Confidence]; !ok {
			return nil, protocol.E(protocol.KindInvalidInput, "unknown confidence level %q", args.Confidence)
		}
	}

	inst, err := e.resolve(ctx, inv, &args)
	if err != nil {
		return nil, err
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	st := inst.state

	switch {
	case st.Phase == PhaseCancelled:
		return nil, protocol.E(protocol.KindCancelled, "workflow %s was cancelled", st.ID)
	case st.ExpertAttempted && args.StepNumber == st.ExpertStep:
		// Redelivery of the final step: replay, never re-call.
		return e.replayFinal(st)
	case st.Phase == PhaseComplete:
		return nil, protocol.E(protocol.KindWorkflowOrderError, "workflow %s is already complete", st.ID)
	case args.StepNumber != st.Step+1:
		return nil, protocol.E(protocol.KindWorkflowOrderError,
			"workflow %s expected step %d, got %d", st.ID, st.Step+1, args.StepNumber)
	}

	st.absorb(&args)
	e.recordStep(ctx, st, &args)

	if args.NextStepRequired {
		if err := st.transition(PhasePaused); err != nil {
			return nil, protocol.Wrap(protocol.KindInternal, err, "workflow pause failed")
		}
		return &StepResult{
			ContinuationID: st.ID,
			Phase:          st.Phase.String(),
			StepNumber:     st.Step,
			TotalSteps:     st.TotalSteps,
			Paused:         true,
			NextActions: []string{
				fmt.Sprintf("continue investigation, then call %s with step_number=%d", st.ToolName, st.Step+1),
			},
		}, nil
	}
	return e.finalize(ctx, inv.Desc, st, &args)
}

// resolve finds or creates the workflow instance for a step.
func (e *Engine) resolve(ctx context.Context, inv *tools.Invocation, args *StepArgs) (*instance, error) {
	if args.ContinuationID == "" {
		if args.StepNumber != 1 {
			return nil, protocol.E(protocol.KindWorkflowOrderError,
				"a new workflow must start at step 1, got %d", args.StepNumber)
		}
		id, err := e.convo.Begin(ctx)
		if err != nil {
			return nil, fmt.Errorf("begin workflow continuation: %w", err)
		}
		now := time.Now().UTC()
		inst := &instance{state: &State{
			ID:        id,
			ToolName:  inv.Desc.Name,
			SessionID: inv.SessionID,
			Phase:     PhaseRunning,
			CreatedAt: now,
			UpdatedAt: now,
		}}
		e.mu.Lock()
		e.instances[id] = inst
		e.mu.Unlock()
		return inst, nil
	}

	e.mu.RLock()
	inst, ok := e.instances[args.ContinuationID]
	e.mu.RUnlock()
	if !ok {
		return nil, protocol.E(protocol.KindUnknownContinuation,
			"workflow continuation %s not found or expired", args.ContinuationID)
	}
	if inst.state.ToolName != inv.Desc.Name {
		return nil, protocol.E(protocol.KindInvalidInput,
			"continuation %s belongs to tool %s", args.ContinuationID, inst.state.ToolName)
	}
	// A resumed paused workflow is running again for the duration of the step.
	inst.mu.Lock()
	if inst.state.Phase == PhasePaused {
		_ = inst.state.transition(PhaseRunning)
	}
	inst.mu.Unlock()
	return inst, nil
}

// recordStep appends the step to the shared conversation history so
// simple tools can pick up the same continuation.
func (e *Engine) recordStep(ctx context.Context, st *State, args *StepArgs) {
	turn := conversation.Turn{
		Role:      "user",
		Content:   fmt.Sprintf("[%s step %d/%d] %s\nFindings: %s", st.ToolName, args.StepNumber, st.TotalSteps, args.Step, args.Findings),
		ToolName:  st.ToolName,
		FileRefs:  args.RelevantFiles,
		Timestamp: time.Now().UTC(),
	}
	if err := e.convo.Append(context.WithoutCancel(ctx), st.ID, turn); err != nil {
		e.logger.Printf("step record failed (workflow=%s): %v", st.ID, err)
	}
}

// finalize runs the terminal step: an expert validation call when the
// tool requires one, otherwise a local summary. The expert call happens
// at most once per instance.
func (e *Engine) finalize(ctx context.Context, desc *tools.Descriptor, st *State, args *StepArgs) (*StepResult, error) {
	if err := st.transition(PhaseFinalizing); err != nil {
		return nil, protocol.Wrap(protocol.KindInternal, err, "workflow finalize failed")
	}

	if !desc.ExpertValidation {
		if err := st.transition(PhaseComplete); err != nil {
			return nil, protocol.Wrap(protocol.KindInternal, err, "workflow completion failed")
		}
		st.ExpiresAt = time.Now().UTC().Add(e.ttl)
		return &StepResult{
			ContinuationID: st.ID,
			Phase:          st.Phase.String(),
			StepNumber:     st.Step,
			TotalSteps:     st.TotalSteps,
			Content:        e.localSummary(st),
		}, nil
	}

	st.ExpertAttempted = true
	st.ExpertStep = args.StepNumber

	resp, model, err := e.providers.Invoke(ctx, provider.RouteRequest{
		ExplicitModel: args.Model,
		Complexity:    1.0, // expert validation always routes to the complex tier
	}, provider.Request{
		Messages: e.expertMessages(st),
	})
	if err != nil {
		st.ExpertErr = err
		// A failed finalization is still subject to TTL, or the stuck
		// instance would outlive its continuation.
		st.ExpiresAt = time.Now().UTC().Add(e.ttl)
		e.logger.Printf("expert validation failed (workflow=%s step=%d): %v", st.ID, st.ExpertStep, err)
		return nil, protocol.Wrap(protocol.KindProviderError, err,
			"expert validation failed for workflow %s", st.ID)
	}

	st.ExpertContent = resp.Content
	st.ExpertModel = model
	if err := st.transition(PhaseComplete); err != nil {
		return nil, protocol.Wrap(protocol.KindInternal, err, "workflow completion failed")
	}
	st.ExpiresAt = time.Now().UTC().Add(e.ttl)

	turn := conversation.Turn{Role: "assistant", Content: resp.Content, ToolName: st.ToolName, Timestamp: time.Now().UTC()}
	if err := e.convo.Append(context.WithoutCancel(ctx), st.ID, turn); err != nil {
		e.logger.Printf("expert turn record failed (workflow=%s): %v", st.ID, err)
	}

	return &StepResult{
		ContinuationID: st.ID,
		Phase:          st.Phase.String(),
		StepNumber:     st.Step,
		TotalSteps:     st.TotalSteps,
		Content:        resp.Content,
		Model:          model,
	}, nil
}

// replayFinal returns the cached finalization outcome for a redelivered
// final step. Failures replay as the same error.
func (e *Engine) replayFinal(st *State) (*StepResult, error) {
	if st.ExpertErr != nil {
		return nil, protocol.Wrap(protocol.KindProviderError, st.ExpertErr,
			"expert validation failed for workflow %s", st.ID)
	}
	return &StepResult{
		ContinuationID: st.ID,
		Phase:          st.Phase.String(),
		StepNumber:     st.Step,
		TotalSteps:     st.TotalSteps,
		Content:        st.ExpertContent,
		Model:          st.ExpertModel,
	}, nil
}

// expertMessages builds the expert validation prompt from accumulated
// state. File contents are embedded only when the deployment allows it;
// there is no per-tool override.
func (e *Engine) expertMessages(st *State) []provider.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Validate the following %s investigation.\n\n", st.ToolName)
	for i, f := range st.Findings {
		fmt.Fprintf(&b, "Step %d findings: %s\n", i+1, f)
	}
	if st.Hypothesis != "" {
		fmt.Fprintf(&b, "\nHypothesis: %s (confidence: %s)\n", st.Hypothesis, st.Confidence)
	}

	if len(st.RelevantFiles) > 0 {
		if e.cfg.Expert.IncludeFiles {
			b.WriteString("\nRelevant files:\n")
			maxBytes := e.cfg.Expert.MaxFileSizeKB * 1024
			for _, path := range st.RelevantFiles {
				data, err := os.ReadFile(path)
				if err != nil {
					fmt.Fprintf(&b, "--- %s (unreadable: %v) ---\n", path, err)
					continue
				}
				if maxBytes > 0 && len(data) > maxBytes {
					data = data[:maxBytes]
				}
				fmt.Fprintf(&b, "--- %s ---\n%s\n", path, data)
			}
		} else {
			fmt.Fprintf(&b, "\nRelevant files (names only): %s\n", strings.Join(st.RelevantFiles, ", "))
		}
	}

	return []provider.Message{
		{Role: "system", Content: "You are an expert reviewer. Assess the investigation for correctness and completeness, then give a verdict."},
		{Role: "user", Content: b.String()},
	}
}

// localSummary renders the completion payload for workflows without
// expert validation.
func (e *Engine) localSummary(st *State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s complete in %d steps.\n", st.ToolName, st.Step)
	for i, f := range st.Findings {
		fmt.Fprintf(&b, "%d. %s\n", i+1, f)
	}
	if st.Hypothesis != "" {
		fmt.Fprintf(&b, "Conclusion: %s (confidence: %s)\n", st.Hypothesis, st.Confidence)
	}
	return b.String()
}

// Cancel marks a workflow cancelled. The tombstone is retained until TTL.
func (e *Engine) Cancel(continuationID string) error {
	e.mu.RLock()
	inst, ok := e.instances[continuationID]
	e.mu.RUnlock()
	if !ok {
		return protocol.E(protocol.KindUnknownContinuation,
			"workflow continuation %s not found or expired", continuationID)
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	st := inst.state
	if st.Phase.IsTerminal() {
		return nil // cancel is idempotent on terminal workflows
	}
	st.Phase = PhaseCancelled
	st.UpdatedAt = time.Now().UTC()
	st.ExpiresAt = st.UpdatedAt.Add(e.ttl)
	e.logger.Printf("workflow %s cancelled at step %d", st.ID, st.Step)
	return nil
}

// Get returns a snapshot of a workflow's phase for inspection.
func (e *Engine) Get(continuationID string) (*State, bool) {
	e.mu.RLock()
	inst, ok := e.instances[continuationID]
	e.mu.RUnlock()
	if !ok {
		return nil, false
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	snapshot := *inst.state
	return &snapshot, true
}

// Sweep removes terminal instances whose tombstone TTL has lapsed and
// non-terminal instances abandoned past the conversation TTL, so paused
// or stuck workflows never outlive their swept continuations.
func (e *Engine) Sweep(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	removed := 0
	for id, inst := range e.instances {
		// An instance mid-step holds its lock; it is not stale.
		if !inst.mu.TryLock() {
			continue
		}
		st := inst.state
		var stale bool
		if st.Phase.IsTerminal() {
			stale = !st.ExpiresAt.IsZero() && now.After(st.ExpiresAt)
		} else {
			stale = now.Sub(st.UpdatedAt) > e.ttl
		}
		inst.mu.Unlock()
		if stale {
			delete(e.instances, id)
			removed++
		}
	}
	if removed > 0 {
		e.logger.Printf("swept %d expired workflow instances", removed)
	}
	return removed
}

// StartSweep runs the tombstone sweeper until ctx is done.
func (e *Engine) StartSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep(time.Now().UTC())
		}
	}
}
