// Package resiliency wraps calls to external dependencies (the escrow
// account, outbound event-bus dispatch) with a circuit breaker and
// bounded exponential backoff with jitter, so a flaky downstream never
// cascades into unbounded retries inside the core.
//
// Adapted directly from the teacher's util/resiliency.EnhancedClient and
// CircuitBreaker (core/pkg/util/resiliency/client.go), generalized from
// an HTTP-client-specific wrapper to a plain func()-error wrapper any
// external call can use.
package resiliency

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

// State is the circuit breaker's current posture.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// CircuitBreaker trips after a run of consecutive failures and refuses
// calls for a cooldown period, then lets calls through again
// (half-open) until the next recorded success closes it or a recorded
// failure reopens it.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            State
	failureThreshold int
	cooldown         time.Duration
	consecutiveFails int
	openedAt         time.Time
	clock            func() time.Time
}

// NewCircuitBreaker creates a closed breaker that trips after
// failureThreshold consecutive failures and stays open for cooldown.
func NewCircuitBreaker(failureThreshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		clock:            time.Now,
	}
}

// Allow reports whether a call may proceed, transitioning OPEN→HALF_OPEN
// once the cooldown elapses.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.clock().Sub(cb.openedAt) >= cb.cooldown {
			cb.state = StateHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// Success resets the breaker to CLOSED.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFails = 0
	cb.state = StateClosed
}

// Failure records a failed call, tripping the breaker OPEN if the
// consecutive-failure threshold is reached (or immediately, from
// HALF_OPEN).
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen {
		cb.state = StateOpen
		cb.openedAt = cb.clock().UTC()
		return
	}

	cb.consecutiveFails++
	if cb.consecutiveFails >= cb.failureThreshold {
		cb.state = StateOpen
		cb.openedAt = cb.clock().UTC()
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// RetryPolicy is bounded exponential backoff with jitter.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (p RetryPolicy) delayFor(attempt int) time.Duration {
	backoff := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if backoff > float64(p.MaxDelay) {
		backoff = float64(p.MaxDelay)
	}
	jitter := backoff * (0.5 + rand.Float64()*0.5)
	return time.Duration(jitter)
}

// Call runs fn through the circuit breaker with bounded retries. It
// returns the breaker's rejection error immediately without consuming a
// retry attempt if the breaker is open.
func Call(ctx context.Context, breaker *CircuitBreaker, policy RetryPolicy, fn func(ctx context.Context) error) error {
	if !breaker.Allow() {
		return fmt.Errorf("resiliency: circuit breaker open")
	}

	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(policy.delayFor(attempt)):
			}
		}

		err := fn(ctx)
		if err == nil {
			breaker.Success()
			return nil
		}
		lastErr = err
	}

	breaker.Failure()
	return fmt.Errorf("resiliency: exhausted %d attempts: %w", policy.MaxAttempts, lastErr)
}
