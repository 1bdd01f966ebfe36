package subsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCircuitBreaker(t *testing.T) {
	threshold := 3
	timeout := 100 * time.Millisecond
	var mu sync.Mutex
	var lastState CircuitBreakerState
	cb := NewDefaultCircuitBreaker(threshold, timeout, func(state CircuitBreakerState) {
		mu.Lock()
		lastState = state
		mu.Unlock()
	})
	last := func() CircuitBreakerState {
		mu.Lock()
		defer mu.Unlock()
		return lastState
	}

	ctx := context.Background()
	assert.Equal(t, StateClosed, cb.State())

	for i := 0; i < threshold-1; i++ {
		err := cb.Execute(ctx, func() error { return errors.New("fail") })
		assert.Error(t, err)
		assert.Equal(t, StateClosed, cb.State())
	}

	// Next failure should open the circuit
	err := cb.Execute(ctx, func() error { return errors.New("fail") })
	assert.Error(t, err)
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, StateOpen, last())

	// When open, Execute should fail fast
	called := false
	err = cb.Execute(ctx, func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	time.Sleep(timeout + 10*time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	// Successful trial call closes the circuit
	err = cb.Execute(ctx, func() error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, StateClosed, last())
}

func TestCircuitBreaker_HalfOpenToOpen(t *testing.T) {
	threshold := 2
	timeout := 100 * time.Millisecond
	cb := NewDefaultCircuitBreaker(threshold, timeout, nil)
	ctx := context.Background()

	for i := 0; i < threshold; i++ {
		_ = cb.Execute(ctx, func() error { return errors.New("fail") })
	}
	assert.Equal(t, StateOpen, cb.State())

	time.Sleep(timeout + 10*time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	// Failure in half-open should re-open the circuit
	err := cb.Execute(ctx, func() error { return errors.New("fail") })
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_RecordOutcomesAreNotFailures(t *testing.T) {
	cb := NewDefaultCircuitBreaker(1, time.Hour, nil)
	ctx := context.Background()

	for _, err := range []error{ErrRecordNotFound, ErrConflict, ErrInvalidRecord, context.Canceled} {
		got := cb.Execute(ctx, func() error { return err })
		assert.ErrorIs(t, got, err)
		assert.Equal(t, StateClosed, cb.State())
	}

	cb.Failure(ErrConflict)
	assert.Equal(t, StateClosed, cb.State())

	cb.Failure(errors.New("connection refused"))
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewDefaultCircuitBreaker(2, time.Hour, nil)

	cb.Failure(errors.New("fail"))
	cb.Success()
	cb.Failure(errors.New("fail"))
	assert.Equal(t, StateClosed, cb.State())

	cb.Failure(errors.New("fail"))
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_DefaultThreshold(t *testing.T) {
	cb := NewDefaultCircuitBreaker(0, time.Hour, nil)
	for i := 0; i < 4; i++ {
		cb.Failure(errors.New("fail"))
	}
	assert.Equal(t, StateClosed, cb.State())
	cb.Failure(errors.New("fail"))
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_ConcurrentExecute(t *testing.T) {
	cb := NewDefaultCircuitBreaker(3, 100*time.Millisecond, nil)
	ctx := context.Background()
	testErr := errors.New("test error")

	const goroutines = 100
	errChan := make(chan error, goroutines)
	for i := 0; i < goroutines; i++ {
		go func(id int) {
			errChan <- cb.Execute(ctx, func() error {
				if id%10 == 0 {
					return testErr
				}
				return nil
			})
		}(i)
	}

	for i := 0; i < goroutines; i++ {
		err := <-errChan
		if err != nil && !errors.Is(err, ErrCircuitOpen) && !errors.Is(err, testErr) {
			t.Errorf("unexpected error from concurrent Execute: %v", err)
		}
	}

	state := cb.State()
	require.Contains(t, []CircuitBreakerState{StateClosed, StateOpen, StateHalfOpen}, state)
}
