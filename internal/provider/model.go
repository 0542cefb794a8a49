// Package provider routes tool requests to language model backends. Models
// are bucketed into tiers (manager / complex / long-context); selection
// escalates tiers on token pressure or task complexity, and failures retry
// with bounded backoff before escalating to the next candidate.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Tier buckets models for routing decisions.
type Tier string

const (
	TierManager     Tier = "manager"      // low-latency, low-cost classification and simple tasks
	TierComplex     Tier = "complex"      // larger context, stronger reasoning
	TierLongContext Tier = "long_context" // very large windows
)

// Capability is a model feature a tool may require.
type Capability string

const (
	CapVision      Capability = "vision"
	CapLongContext Capability = "long_context"
	CapTools       Capability = "tools"
	CapWebSearch   Capability = "web_search"
)

// Model describes one routable model. Loaded at startup; Available is the
// only mutable field and is flipped under the registry lock on provider
// error.
type Model struct {
	Name          string       `yaml:"name"`
	ProviderID    string       `yaml:"provider"`
	ContextWindow int          `yaml:"context_window"`
	CostPerMTok   float64      `yaml:"cost_per_mtok"`
	Capabilities  []Capability `yaml:"capabilities"`
	Tier          Tier         `yaml:"tier"`
	Available     bool         `yaml:"-"`
}

// HasCapability reports whether the model declares the capability.
func (m *Model) HasCapability(c Capability) bool {
	for _, have := range m.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Message is one prompt message in provider wire order.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage is the token accounting of a provider response.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Request is a provider call. Concrete HTTP/SDK transport lives behind
// Caller; the gateway only sees this shape.
type Request struct {
	Messages     []Message
	MaxTokens    int
	Temperature  float64
	EnableSearch bool
}

// Response is the provider call result.
type Response struct {
	Content      string `json:"content"`
	Usage        Usage  `json:"usage"`
	FinishReason string `json:"finish_reason"`
}

// Caller abstracts the provider backend. Implementations are external
// collaborators; tests inject fakes.
type Caller interface {
	Call(ctx context.Context, model string, req Request) (*Response, error)
}

// Uploader abstracts provider file upload, deduplicated by content hash.
type Uploader interface {
	Upload(ctx context.Context, data []byte, filename, purpose string) (fileID string, err error)
}

// CallError classifies a provider failure for retry and escalation
// decisions.
type CallError struct {
	Model     string
	Retriable bool // network, 5xx, timeout
	cause     error
}

func (e *CallError) Error() string {
	class := "terminal"
	if e.Retriable {
		class = "retriable"
	}
	return fmt.Sprintf("provider call to %s failed (%s): %v", e.Model, class, e.cause)
}

func (e *CallError) Unwrap() error { return e.cause }

// Retriable wraps a transient provider failure.
func Retriable(model string, cause error) *CallError {
	return &CallError{Model: model, Retriable: true, cause: cause}
}

// Terminal wraps a non-retriable provider failure (auth, invalid request,
// model not found).
func Terminal(model string, cause error) *CallError {
	return &CallError{Model: model, Retriable: false, cause: cause}
}

// IsRetriable reports whether an error chain is a transient provider
// failure. Deadline expiry counts as retriable on the same model.
func IsRetriable(err error) bool {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Retriable
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// EstimateTokens approximates the input token count of a message set. Four
// bytes per token, matching the conversation budget heuristic.
func EstimateTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content)/4 + 4
	}
	return total
}

// backoff computes the exponential retry delay with jitter for attempt n
// (0-based): base 250ms doubling, capped at 4s.
func backoff(attempt int, jitter func() float64) time.Duration {
	d := 250 * time.Millisecond << uint(attempt)
	if d > 4*time.Second {
		d = 4 * time.Second
	}
	// Up to 25% jitter avoids thundering retries.
	return d + time.Duration(float64(d)*0.25*jitter())
}
