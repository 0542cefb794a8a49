// Package tools holds the tool registry and the simple (one-shot) tool
// frame. A tool is a descriptor plus a pure run function; the frame
// supplies everything else: schema validation, continuation handling,
// provider routing, timeouts.
package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/toolgate/backend/internal/provider"
)

// Category partitions tools by execution shape.
type Category string

const (
	CategorySimple   Category = "simple"   // one-shot request → provider call → response
	CategoryWorkflow Category = "workflow" // multi-step pausable state machine
	CategoryUtility  Category = "utility"  // local, no provider call
)

// Visibility controls client-facing listings.
type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityInternal Visibility = "internal"
)

// Descriptor is the immutable description of a registered tool.
type Descriptor struct {
	Name                 string                `json:"name"`
	Description          string                `json:"description"`
	Category             Category              `json:"category"`
	Visibility           Visibility            `json:"visibility"`
	InputSchema          json.RawMessage       `json:"input_schema"`
	RequiredCapabilities []provider.Capability `json:"required_capabilities,omitempty"`

	// TimeoutBudget overrides the configured tool timeout when positive.
	TimeoutBudget time.Duration `json:"-"`

	// ExpertValidation enables the single finalization call to a
	// complex-tier model for workflow tools.
	ExpertValidation bool `json:"-"`
}

// FileInput is the dual-path file argument: either a filesystem path or
// inline bytes with a filename and mime type. No temporary files are
// written either way.
type FileInput struct {
	Path     string `json:"path,omitempty"`
	Name     string `json:"name,omitempty"`
	Mime     string `json:"mime,omitempty"`
	BytesB64 string `json:"bytes_b64,omitempty"`
}

// Resolve returns the file content and display name.
func (f *FileInput) Resolve() ([]byte, string, error) {
	switch {
	case f.Path != "":
		data, err := os.ReadFile(f.Path)
		if err != nil {
			return nil, "", fmt.Errorf("read file %s: %w", f.Path, err)
		}
		return data, f.Path, nil
	case f.BytesB64 != "":
		data, err := base64.StdEncoding.DecodeString(f.BytesB64)
		if err != nil {
			return nil, "", fmt.Errorf("decode inline file %s: %w", f.Name, err)
		}
		return data, f.Name, nil
	default:
		return nil, "", fmt.Errorf("file input needs either path or bytes_b64")
	}
}

// Args is the common argument shape shared by simple tools. Tool-specific
// fields stay in the raw arguments and are validated by the input schema.
type Args struct {
	Prompt         string      `json:"prompt"`
	Model          string      `json:"model,omitempty"`
	Temperature    float64     `json:"temperature,omitempty"`
	ContinuationID string      `json:"continuation_id,omitempty"`
	UseWebsearch   bool        `json:"use_websearch,omitempty"`
	ComplexityHint float64     `json:"complexity_hint,omitempty"`
	Files          []FileInput `json:"files,omitempty"`
}

// Result is a completed tool execution.
type Result struct {
	Content        string `json:"content"`
	ContentType    string `json:"content_type"`
	Model          string `json:"model,omitempty"`
	ContinuationID string `json:"continuation_id,omitempty"`
}

// Invocation carries one validated tool call into a run function.
type Invocation struct {
	Desc      *Descriptor
	Args      Args
	Raw       json.RawMessage
	SessionID string
}

// RunFunc executes a simple or utility tool. The frame provides
// continuation handling and provider routing; workflow tools have no
// RunFunc; the workflow engine steps them.
type RunFunc func(ctx context.Context, frame *Frame, inv *Invocation) (*Result, error)
