package provider

import (
	"context"
	"fmt"
	"sync"
)

// Dispatcher fans Call out to per-provider backends using the catalog's
// provider ids. Models whose provider has no configured backend fail
// terminally so routing escalates past them immediately.
type Dispatcher struct {
	mu      sync.RWMutex
	byModel map[string]Caller
}

// NewDispatcher maps each catalog model to its provider's caller. Models
// without a backend are left unmapped.
func NewDispatcher(models []*Model, byProvider map[string]Caller) *Dispatcher {
	d := &Dispatcher{byModel: make(map[string]Caller, len(models))}
	for _, m := range models {
		if c, ok := byProvider[m.ProviderID]; ok && c != nil {
			d.byModel[m.Name] = c
		}
	}
	return d
}

// Call routes to the model's backend.
func (d *Dispatcher) Call(ctx context.Context, model string, req Request) (*Response, error) {
	d.mu.RLock()
	c, ok := d.byModel[model]
	d.mu.RUnlock()
	if !ok {
		return nil, Terminal(model, fmt.Errorf("no backend configured for model %s", model))
	}
	return c.Call(ctx, model, req)
}
