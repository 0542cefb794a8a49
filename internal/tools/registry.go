package tools

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/toolgate/backend/internal/protocol"
)

// Tool pairs a descriptor with its run function and compiled schema.
type Tool struct {
	Descriptor
	Run    RunFunc
	schema *jsonschema.Schema
}

// ValidateInput checks raw call arguments against the tool's input schema.
func (t *Tool) ValidateInput(raw json.RawMessage) error {
	return validateArgs(t.schema, t.Name, raw)
}

// Registry holds all tool descriptors loaded at startup. Immutable after
// load except for feature flags that mark tools unavailable.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]*Tool
	disabled map[string]bool
	logger   *log.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[string]*Tool),
		disabled: make(map[string]bool),
		logger:   log.New(log.Writer(), "[TOOLS] ", log.LstdFlags),
	}
}

// Register adds a tool, compiling its input schema. Called during startup
// only.
func (r *Registry) Register(t *Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if t.Category != CategorySimple && t.Category != CategoryWorkflow && t.Category != CategoryUtility {
		return fmt.Errorf("tool %s: unknown category %q", t.Name, t.Category)
	}

	if len(t.InputSchema) > 0 {
		schema, err := compileSchema(t.Name, t.InputSchema)
		if err != nil {
			return err
		}
		t.schema = schema
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool %s already registered", t.Name)
	}
	r.tools[t.Name] = t
	r.logger.Printf("registered tool %s (%s, %s)", t.Name, t.Category, t.Visibility)
	return nil
}

// Resolve returns a tool by name for dispatch. Internal tools resolve only
// when internalOK is set; otherwise they are indistinguishable from unknown
// tools.
func (r *Registry) Resolve(name string, internalOK bool) (*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	if !ok || (t.Visibility == VisibilityInternal && !internalOK) {
		return nil, protocol.E(protocol.KindUnknownTool, "unknown tool %q", name)
	}
	if r.disabled[name] {
		return nil, protocol.E(protocol.KindToolDisabled, "tool %q is disabled", name)
	}
	return t, nil
}

// List returns public tool descriptors sorted by name. Internal tools are
// always filtered out of client listings.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.tools))
	for _, t := range r.tools {
		if t.Visibility == VisibilityInternal || r.disabled[t.Name] {
			continue
		}
		out = append(out, t.Descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetEnabled flips a tool's feature flag.
func (r *Registry) SetEnabled(name string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if enabled {
		delete(r.disabled, name)
	} else {
		r.disabled[name] = true
	}
	r.logger.Printf("tool %s enabled=%v", name, enabled)
}
