package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned instead of running the guarded call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive tripping failures that open the circuit
	FailureThreshold int
	// Cooldown is how long the circuit stays open before one probe call is let through
	Cooldown time.Duration
	// Trips decides which errors count as failures. Nil counts every error.
	Trips func(error) bool
	// OnStateChange is called with the lock released after every transition
	OnStateChange func(from, to CircuitState)
	// Now defaults to time.Now
	Now func() time.Time
}

// DefaultCircuitBreakerConfig opens after three consecutive failures and
// probes again after five minutes.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 3,
		Cooldown:         5 * time.Minute,
	}
}

// CircuitBreaker stops calling a dependency that keeps failing. Once open it
// rejects calls until Cooldown has passed, then lets a single probe through:
// a successful probe closes the circuit, a failed one reopens it.
type CircuitBreaker struct {
	name     string
	config   CircuitBreakerConfig
	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	probing  bool
}

func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &CircuitBreaker{name: name, config: config}
}

// Name returns the breaker's name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns the current state, reporting half-open once the cooldown ran out.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

func (cb *CircuitBreaker) currentState() CircuitState {
	if cb.state == CircuitOpen && !cb.config.Now().Before(cb.openedAt.Add(cb.config.Cooldown)) {
		return CircuitHalfOpen
	}
	return cb.state
}

// Execute runs fn unless the circuit is open. Errors from fn are returned
// unchanged; a cancelled ctx is never counted as a failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.afterRequest(ctx, err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case CircuitOpen:
		return ErrCircuitOpen
	case CircuitHalfOpen:
		if cb.probing {
			return ErrCircuitOpen
		}
		cb.probing = true
	}
	return nil
}

func (cb *CircuitBreaker) afterRequest(ctx context.Context, err error) {
	cb.mu.Lock()
	from := cb.currentState()
	cb.probing = false

	switch {
	case err != nil && ctx.Err() != nil:
		// cancelled mid-call, says nothing about the dependency
	case err != nil && (cb.config.Trips == nil || cb.config.Trips(err)):
		cb.failures++
		if from == CircuitHalfOpen || cb.failures >= cb.config.FailureThreshold {
			cb.state = CircuitOpen
			cb.openedAt = cb.config.Now()
		}
	default:
		cb.failures = 0
		cb.state = CircuitClosed
	}

	to := cb.currentState()
	cb.mu.Unlock()

	if from != to && cb.config.OnStateChange != nil {
		cb.config.OnStateChange(from, to)
	}
}

// Reset closes the circuit and clears the failure count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.failures = 0
	cb.probing = false
}
