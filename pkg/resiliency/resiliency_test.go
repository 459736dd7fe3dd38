package resiliency_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/somatechlat/yachaq-coordinator/pkg/resiliency"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallSucceedsOnFirstTry(t *testing.T) {
	breaker := resiliency.NewCircuitBreaker(3, time.Minute)
	policy := resiliency.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}

	calls := 0
	err := resiliency.Call(context.Background(), breaker, policy, func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, resiliency.StateClosed, breaker.State())
}

func TestCallRetriesThenSucceeds(t *testing.T) {
	breaker := resiliency.NewCircuitBreaker(5, time.Minute)
	policy := resiliency.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	calls := 0
	err := resiliency.Call(context.Background(), breaker, policy, func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestCallTripsBreakerAfterThreshold(t *testing.T) {
	breaker := resiliency.NewCircuitBreaker(2, time.Hour)
	policy := resiliency.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	alwaysFails := func(ctx context.Context) error { return errors.New("down") }

	_ = resiliency.Call(context.Background(), breaker, policy, alwaysFails)
	_ = resiliency.Call(context.Background(), breaker, policy, alwaysFails)

	assert.Equal(t, resiliency.StateOpen, breaker.State())

	err := resiliency.Call(context.Background(), breaker, policy, func(ctx context.Context) error {
		t.Fatal("should not be called while breaker is open")
		return nil
	})
	assert.Error(t, err)
}

func TestCallHalfOpenAllowsOneTrial(t *testing.T) {
	breaker := resiliency.NewCircuitBreaker(1, 10*time.Millisecond)
	policy := resiliency.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	_ = resiliency.Call(context.Background(), breaker, policy, func(ctx context.Context) error {
		return errors.New("down")
	})
	assert.Equal(t, resiliency.StateOpen, breaker.State())

	time.Sleep(15 * time.Millisecond)

	err := resiliency.Call(context.Background(), breaker, policy, func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, resiliency.StateClosed, breaker.State())
}
