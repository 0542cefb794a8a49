package config

import (
	"fmt"
	"time"
)

// Timeouts is the four-layer timeout hierarchy. Each outer layer acts as a
// safety net for the one below it, so the ordering
//
//	tool < daemon < shim < client
//
// must hold after startup validation.
type Timeouts struct {
	Tool   time.Duration
	Daemon time.Duration
	Shim   time.Duration
	Client time.Duration
}

// Timeout buffer ratios relative to the tool timeout.
const (
	daemonRatio = 1.5
	shimRatio   = 2.0
	clientRatio = 2.5

	// timeoutCeiling is the absolute upper bound for any layer.
	timeoutCeiling = time.Hour

	// shortTimeoutFloor triggers a warning, not an error.
	shortTimeoutFloor = 5 * time.Second
)

// DeriveTimeouts computes the outer layers from a tool timeout using the
// standard buffer ratios.
func DeriveTimeouts(tool time.Duration) Timeouts {
	return Timeouts{
		Tool:   tool,
		Daemon: time.Duration(float64(tool) * daemonRatio),
		Shim:   time.Duration(float64(tool) * shimRatio),
		Client: time.Duration(float64(tool) * clientRatio),
	}
}

// Validate checks positivity, the absolute ceiling, and the strict ordering.
// Ordering violations name the offending pair so operators can fix the right
// environment variable.
func (t Timeouts) Validate() error {
	layers := []struct {
		name string
		d    time.Duration
	}{
		{"tool", t.Tool},
		{"daemon", t.Daemon},
		{"shim", t.Shim},
		{"client", t.Client},
	}

	for _, l := range layers {
		if l.d <= 0 {
			return fmt.Errorf("%s timeout must be positive, got %s", l.name, l.d)
		}
		if l.d > timeoutCeiling {
			return fmt.Errorf("%s timeout %s exceeds ceiling %s", l.name, l.d, timeoutCeiling)
		}
	}

	for i := 0; i < len(layers)-1; i++ {
		inner, outer := layers[i], layers[i+1]
		if inner.d >= outer.d {
			return fmt.Errorf("timeout ordering violated: %s (%s) must be < %s (%s)",
				inner.name, inner.d, outer.name, outer.d)
		}
	}

	if t.Tool < shortTimeoutFloor {
		logger.Printf("warning: tool timeout %s is below %s; provider calls may be cut short", t.Tool, shortTimeoutFloor)
	}
	return nil
}
