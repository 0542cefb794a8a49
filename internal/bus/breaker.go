package bus

import (
	"errors"
	"log"
	"sync"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	StateClosed   BreakerState = iota // normal operation
	StateOpen                         // failing fast until cooldown expires
	StateHalfOpen                     // one probe allowed
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrCircuitOpen is returned while the breaker is failing fast.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	// Name identifies the backend this breaker fronts.
	Name string

	// FailureThreshold is the number of consecutive failures that trips
	// the breaker open.
	FailureThreshold int

	// Cooldown is the open-state duration before a single probe is allowed.
	Cooldown time.Duration

	// OnStateChange is called whenever the state changes.
	OnStateChange func(name string, from, to BreakerState)
}

// Breaker is a three-state circuit breaker: closed → open after
// FailureThreshold consecutive failures, open → half-open after Cooldown,
// half-open admits exactly one probe whose outcome decides the next state.
type Breaker struct {
	cfg BreakerConfig

	mu                  sync.Mutex
	state               BreakerState
	consecutiveFailures int
	openedAt            time.Time
	probeInFlight       bool
}

// NewBreaker creates a breaker in the closed state.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.OnStateChange == nil {
		logger := log.New(log.Writer(), "[BREAKER] ", log.LstdFlags)
		cfg.OnStateChange = func(name string, from, to BreakerState) {
			logger.Printf("%s: %s -> %s", name, from, to)
		}
	}
	return &Breaker{cfg: cfg, state: StateClosed}
}

// Allow reports whether a request may proceed. In half-open state only the
// first caller after cooldown gets through; concurrent callers fail fast.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(b.openedAt) < b.cfg.Cooldown {
			return ErrCircuitOpen
		}
		b.setState(StateHalfOpen)
		b.probeInFlight = true
		return nil
	case StateHalfOpen:
		if b.probeInFlight {
			return ErrCircuitOpen
		}
		b.probeInFlight = true
		return nil
	}
	return nil
}

// Record reports a request outcome to the breaker.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if success {
			b.consecutiveFailures = 0
			return
		}
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.trip()
		}
	case StateHalfOpen:
		b.probeInFlight = false
		if success {
			b.consecutiveFailures = 0
			b.setState(StateClosed)
		} else {
			b.trip()
		}
	case StateOpen:
		// Late result from a request admitted before the trip; ignore.
	}
}

func (b *Breaker) trip() {
	b.openedAt = time.Now()
	b.probeInFlight = false
	b.setState(StateOpen)
}

func (b *Breaker) setState(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}

// State returns the current state, accounting for cooldown expiry.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}
