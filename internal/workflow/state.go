// Package workflow implements the multi-step tool state machine. A
// workflow tool accumulates findings across client-driven steps, pausing
// between them, and optionally finalizes with a single expert model call.
package workflow

import (
	"fmt"
	"time"
)

// Phase is the lifecycle phase of one workflow instance.
type Phase int

const (
	PhaseRunning Phase = iota
	PhasePaused
	PhaseFinalizing
	PhaseComplete
	PhaseCancelled
)

func (p Phase) String() string {
	switch p {
	case PhaseRunning:
		return "running"
	case PhasePaused:
		return "paused"
	case PhaseFinalizing:
		return "finalizing"
	case PhaseComplete:
		return "complete"
	case PhaseCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// IsTerminal reports whether no further steps are accepted.
func (p Phase) IsTerminal() bool {
	return p == PhaseComplete || p == PhaseCancelled
}

// validTransitions encodes the allowed phase graph. Terminal phases have
// no outgoing edges.
var validTransitions = map[Phase][]Phase{
	PhaseRunning:    {PhasePaused, PhaseFinalizing, PhaseCancelled},
	PhasePaused:     {PhaseRunning, PhaseFinalizing, PhaseCancelled},
	PhaseFinalizing: {PhaseComplete, PhaseCancelled},
}

func canTransition(from, to Phase) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Confidence levels a client may report per step, weakest to strongest.
var confidenceLevels = map[string]int{
	"exploring": 0,
	"low":       1,
	"medium":    2,
	"high":      3,
	"very_high": 4,
	"certain":   5,
}

// StepArgs is the per-step argument payload of a workflow tool call.
type StepArgs struct {
	Step             string   `json:"step"`
	StepNumber       int      `json:"step_number"`
	TotalSteps       int      `json:"total_steps"`
	NextStepRequired bool     `json:"next_step_required"`
	Findings         string   `json:"findings"`
	Hypothesis       string   `json:"hypothesis,omitempty"`
	Confidence       string   `json:"confidence,omitempty"`
	RelevantFiles    []string `json:"relevant_files,omitempty"`
	ContinuationID   string   `json:"continuation_id,omitempty"`
	Model            string   `json:"model,omitempty"`
}

// State is one workflow instance. Access is serialized by the engine.
type State struct {
	ID         string
	ToolName   string
	SessionID  string
	Phase      Phase
	Step       int // last accepted step number
	TotalSteps int

	Findings      []string
	Hypothesis    string
	Confidence    string
	RelevantFiles []string

	// Expert finalization is attempted at most once per instance. A
	// repeated delivery of the final step replays the cached outcome.
	ExpertAttempted bool
	ExpertStep      int
	ExpertContent   string
	ExpertModel     string
	ExpertErr       error

	CreatedAt time.Time
	UpdatedAt time.Time

	// ExpiresAt is set when the instance reaches a terminal phase; the
	// tombstone survives until then so late steps get a terminal-state
	// error instead of an unknown-continuation error.
	ExpiresAt time.Time
}

// transition moves the state to a new phase, enforcing the phase graph.
func (s *State) transition(to Phase) error {
	if !canTransition(s.Phase, to) {
		return fmt.Errorf("invalid workflow transition %s -> %s", s.Phase, to)
	}
	s.Phase = to
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// absorb folds one accepted step into the accumulated state. Files are
// deduplicated; hypothesis and confidence take the latest value.
func (s *State) absorb(args *StepArgs) {
	s.Step = args.StepNumber
	if args.TotalSteps > 0 {
		s.TotalSteps = args.TotalSteps
	}
	if args.Findings != "" {
		s.Findings = append(s.Findings, args.Findings)
	}
	if args.Hypothesis != "" {
		s.Hypothesis = args.Hypothesis
	}
	if args.Confidence != "" {
		s.Confidence = args.Confidence
	}
	for _, f := range args.RelevantFiles {
		if !containsString(s.RelevantFiles, f) {
			s.RelevantFiles = append(s.RelevantFiles, f)
		}
	}
	s.UpdatedAt = time.Now().UTC()
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
