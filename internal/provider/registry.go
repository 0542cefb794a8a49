package provider

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/toolgate/backend/internal/config"
	"github.com/toolgate/backend/internal/metrics"
	"github.com/toolgate/backend/internal/protocol"
)

// tierRank orders tiers for bounded escalation: manager < complex <
// long_context.
var tierRank = map[Tier]int{
	TierManager:     0,
	TierComplex:     1,
	TierLongContext: 2,
}

// RouteRequest captures everything the selection algorithm needs.
type RouteRequest struct {
	// ExplicitModel short-circuits selection when set and available.
	ExplicitModel string

	// EstimatedInputTokens drives the long-context check.
	EstimatedInputTokens int

	// Complexity is the precomputed complexity_score in [0,1].
	Complexity float64

	// RequiredCapabilities filters candidates; no match anywhere yields
	// CapabilityUnavailable.
	RequiredCapabilities []Capability
}

// Registry holds the model catalog and executes routed provider calls with
// retry and bounded escalation. The availability map is updated under a
// short critical section; the lock is never held across a provider call.
type Registry struct {
	mu     sync.RWMutex
	models []*Model
	byName map[string]*Model

	caller Caller
	cfg    config.RoutingConfig
	jitter func() float64
	logger *log.Logger
}

// NewRegistry builds a registry from a model catalog.
func NewRegistry(models []*Model, caller Caller, cfg config.RoutingConfig) *Registry {
	byName := make(map[string]*Model, len(models))
	for _, m := range models {
		m.Available = true
		byName[m.Name] = m
	}
	return &Registry{
		models: models,
		byName: byName,
		caller: caller,
		cfg:    cfg,
		jitter: rand.Float64,
		logger: log.New(log.Writer(), "[ROUTER] ", log.LstdFlags),
	}
}

// Models returns a snapshot of the catalog.
func (r *Registry) Models() []Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Model, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, *m)
	}
	return out
}

// Select picks a model for the request:
//
//  1. explicit model, if set and available
//  2. long-context tier when the token estimate exceeds the threshold
//  3. complex tier when complexity_score exceeds the threshold
//  4. manager tier otherwise
//
// Within a tier: lowest cost wins, ties broken by larger context window,
// then lexicographic name for determinism.
func (r *Registry) Select(req RouteRequest) (*Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if req.ExplicitModel != "" {
		m, ok := r.byName[req.ExplicitModel]
		if ok && m.Available && hasAll(m, req.RequiredCapabilities) {
			return m, nil
		}
		// Fall through to tier selection when the explicit model is gone.
	}

	tier := TierManager
	switch {
	case req.EstimatedInputTokens > r.cfg.ContextThreshold:
		tier = TierLongContext
	case req.Complexity > r.cfg.ComplexityThreshold:
		tier = TierComplex
	}

	if m := r.bestInTierLocked(tier, req.RequiredCapabilities); m != nil {
		return m, nil
	}
	return nil, protocol.E(protocol.KindCapabilityUnavailable,
		"no available model in tier %s satisfies capabilities %v", tier, req.RequiredCapabilities)
}

func (r *Registry) bestInTierLocked(tier Tier, caps []Capability) *Model {
	var candidates []*Model
	for _, m := range r.models {
		if m.Tier == tier && m.Available && hasAll(m, caps) {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.CostPerMTok != b.CostPerMTok {
			return a.CostPerMTok < b.CostPerMTok
		}
		if a.ContextWindow != b.ContextWindow {
			return a.ContextWindow > b.ContextWindow
		}
		return a.Name < b.Name
	})
	return candidates[0]
}

func hasAll(m *Model, caps []Capability) bool {
	for _, c := range caps {
		if !m.HasCapability(c) {
			return false
		}
	}
	return true
}

// markUnavailable flips a model off under the registry lock. Availability
// is re-probed on the next startup or catalog reload.
func (r *Registry) markUnavailable(name string) {
	r.mu.Lock()
	if m, ok := r.byName[name]; ok && m.Available {
		m.Available = false
		r.logger.Printf("model %s marked unavailable", name)
	}
	r.mu.Unlock()
}

// Invoke selects a model and executes the provider call. Retriable failures
// retry the same model up to RetryMax times with exponential backoff.
// Terminal failures escalate within the tier, then at most one tier up,
// never more.
func (r *Registry) Invoke(ctx context.Context, route RouteRequest, req Request) (*Response, string, error) {
	first, err := r.Select(route)
	if err != nil {
		return nil, "", err
	}

	tried := map[string]bool{}
	minRank := tierRank[first.Tier]
	maxRank := minRank + 1
	current := first

	for {
		tried[current.Name] = true

		start := time.Now()
		resp, callErr := r.callWithRetry(ctx, current.Name, req)
		metrics.ProviderLatency.WithLabelValues(current.Name).Observe(time.Since(start).Seconds())
		if callErr == nil {
			metrics.ProviderCalls.WithLabelValues(current.Name, "ok").Inc()
			return resp, current.Name, nil
		}
		metrics.ProviderCalls.WithLabelValues(current.Name, "error").Inc()
		if ctx.Err() != nil {
			return nil, current.Name, callErr
		}

		r.markUnavailable(current.Name)

		next := r.nextCandidate(route, tried, minRank, maxRank)
		if next == nil {
			return nil, current.Name, protocol.Wrap(protocol.KindProviderError, callErr,
				"all candidate models failed (last: %s)", current.Name)
		}
		r.logger.Printf("escalating %s -> %s", current.Name, next.Name)
		current = next
	}
}

func (r *Registry) callWithRetry(ctx context.Context, model string, req Request) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.RetryMax; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff(attempt-1, r.jitter)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := r.caller.Call(ctx, model, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !IsRetriable(err) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		r.logger.Printf("retriable failure on %s (attempt %d/%d): %v",
			model, attempt+1, r.cfg.RetryMax+1, err)
	}
	return nil, fmt.Errorf("retries exhausted on %s: %w", model, lastErr)
}

// nextCandidate returns the cheapest untried available model within the
// escalation band [minRank, maxRank]. Candidates below the original tier
// are excluded: a request routed on token pressure or complexity must not
// fall down to a weaker tier, only sideways or at most one tier up.
func (r *Registry) nextCandidate(route RouteRequest, tried map[string]bool, minRank, maxRank int) *Model {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Model
	for _, m := range r.models {
		if tried[m.Name] || !m.Available {
			continue
		}
		if rank := tierRank[m.Tier]; rank < minRank || rank > maxRank {
			continue
		}
		if !hasAll(m, route.RequiredCapabilities) {
			continue
		}
		if best == nil {
			best = m
			continue
		}
		br, mr := tierRank[best.Tier], tierRank[m.Tier]
		if mr < br || (mr == br && m.CostPerMTok < best.CostPerMTok) {
			best = m
		}
	}
	return best
}
