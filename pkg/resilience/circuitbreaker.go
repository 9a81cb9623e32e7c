package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/FastyrAI/TuringAgents/pkg/errors"
)

// Sentinel errors for circuit breaker rejection.
var (
	ErrCircuitOpen     = errors.Conflict("circuit breaker is open", nil)
	ErrTooManyRequests = errors.Conflict("too many requests in half-open state", nil)
)

// CircuitBreaker implements the three-state (closed/open/half-open)
// circuit breaker pattern described in CircuitBreakerConfig.
type CircuitBreaker struct {
	name string
	cfg  CircuitBreakerConfig

	mu            sync.Mutex
	state         State
	failures      int64
	successes     int64
	lastFailure   time.Time
	halfOpenCount int64
}

// NewCircuitBreaker creates a circuit breaker from the given config,
// filling in sensible defaults for any zero-valued fields.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &CircuitBreaker{
		name:  cfg.Name,
		cfg:   cfg,
		state: StateClosed,
	}
}

// Execute runs fn with circuit breaker protection, rejecting immediately
// with ErrCircuitOpen / ErrTooManyRequests without invoking fn when the
// breaker is not accepting requests.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn Executor) error {
	if err := cb.before(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.after(err == nil)
	return err
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(cb.lastFailure) > cb.cfg.Timeout {
			cb.setState(StateHalfOpen)
			cb.halfOpenCount = 1
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.halfOpenCount >= cb.cfg.SuccessThreshold {
			return ErrTooManyRequests
		}
		cb.halfOpenCount++
		return nil
	}
	return nil
}

func (cb *CircuitBreaker) after(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		if success {
			cb.failures = 0
		} else {
			cb.failures++
			cb.lastFailure = time.Now()
			if cb.failures >= cb.cfg.FailureThreshold {
				cb.setState(StateOpen)
			}
		}
	case StateHalfOpen:
		if success {
			cb.successes++
			if cb.successes >= cb.cfg.SuccessThreshold {
				cb.setState(StateClosed)
			}
		} else {
			cb.setState(StateOpen)
		}
	}
}

func (cb *CircuitBreaker) setState(s State) {
	if cb.state == s {
		return
	}
	from := cb.state
	cb.state = s
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenCount = 0
	if s == StateOpen {
		cb.lastFailure = time.Now()
	}
	if cb.cfg.OnStateChange != nil {
		go cb.cfg.OnStateChange(cb.name, from, s)
	}
}

// CurrentState returns the breaker's current state.
func (cb *CircuitBreaker) CurrentState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
