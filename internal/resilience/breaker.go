// Package resilience guards calls to external dependencies with per
// dependency circuit breakers, exponential backoff and a dead-letter
// path for invocations that exhaust all automatic recovery.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when a call is rejected without being attempted
var ErrCircuitOpen = errors.New("resilience: circuit open")

// BreakerState is the circuit breaker state machine position
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// BreakerConfig tunes one circuit breaker
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening
	RecoveryTimeout  time.Duration // open duration before trial calls
	SuccessThreshold int           // consecutive half-open successes to close
	HalfOpenMax      int           // concurrent trial calls while half-open
}

// DefaultBreakerConfig returns conservative breaker settings
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 2,
		HalfOpenMax:      1,
	}
}

// CircuitBreaker is a fail-fast guard for one external dependency
type CircuitBreaker struct {
	name string
	cfg  BreakerConfig

	mu          sync.Mutex
	state       BreakerState
	failures    int
	successes   int
	inFlight    int // trial calls admitted while half-open
	lastFailure time.Time

	now func() time.Time
}

// NewBreaker creates a closed circuit breaker for the named dependency
func NewBreaker(name string, cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	return &CircuitBreaker{
		name:  name,
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
}

// Name returns the dependency name this breaker guards
func (b *CircuitBreaker) Name() string { return b.name }

// Allow reports whether a call may proceed. While open it fails fast with
// ErrCircuitOpen until the recovery timeout has elapsed since the last
// failure, at which point a bounded number of trial calls is admitted.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.lastFailure) < b.cfg.RecoveryTimeout {
			return ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.successes = 0
		b.inFlight = 0
		fallthrough
	default: // half-open
		if b.inFlight >= b.cfg.HalfOpenMax {
			return ErrCircuitOpen
		}
		b.inFlight++
		return nil
	}
}

// RecordSuccess reports a successful call
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		if b.inFlight > 0 {
			b.inFlight--
		}
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
		}
	}
}

// RecordFailure reports a failed call. Crossing the failure threshold
// while closed, or any failure while half-open, opens the circuit.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.now()
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.state = StateOpen
		}
	case StateHalfOpen:
		if b.inFlight > 0 {
			b.inFlight--
		}
		b.state = StateOpen
		b.successes = 0
	}
}

// State returns the current state, applying the open-to-half-open
// transition if the recovery timeout has elapsed
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.lastFailure) >= b.cfg.RecoveryTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Registry holds one breaker per external dependency. It is constructed
// once and passed explicitly; there is no package-level registry.
type Registry struct {
	cfg      BreakerConfig
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewRegistry creates a breaker registry sharing one config
func NewRegistry(cfg BreakerConfig) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*CircuitBreaker)}
}

// For returns the breaker for a dependency, creating it on first use.
// The registry lock guards only the map; breaker state has its own lock,
// so unrelated dependencies never contend.
func (r *Registry) For(dependency string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[dependency]
	if !ok {
		b = NewBreaker(dependency, r.cfg)
		r.breakers[dependency] = b
	}
	return b
}

// States returns a snapshot of all breaker states by dependency
func (r *Registry) States() map[string]BreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	states := make(map[string]BreakerState, len(r.breakers))
	for name, b := range r.breakers {
		states[name] = b.State()
	}
	return states
}
