package subsync

import (
	"context"
	"errors"
	"fmt"
)

// CircuitBreakerStore wraps a Store with circuit breaker protection.
// While the circuit is open calls fail fast with ErrStoreUnavailable so the
// webhook answers with a retryable status instead of waiting on a dead backend.
type CircuitBreakerStore struct {
	store Store
	cb    CircuitBreaker
}

// NewCircuitBreakerStore creates a new store wrapper with circuit breaker.
func NewCircuitBreakerStore(store Store, cb CircuitBreaker) *CircuitBreakerStore {
	return &CircuitBreakerStore{
		store: store,
		cb:    cb,
	}
}

func (s *CircuitBreakerStore) Get(ctx context.Context, customerID string) (*SubscriptionRecord, error) {
	var rec *SubscriptionRecord
	err := s.cb.Execute(ctx, func() error {
		var e error
		rec, e = s.store.Get(ctx, customerID)
		return e
	})
	return rec, wrapCircuitErr(err)
}

func (s *CircuitBreakerStore) CompareAndSet(ctx context.Context, customerID, expectedLastEventID string,
	rec *SubscriptionRecord) error {
	err := s.cb.Execute(ctx, func() error {
		return s.store.CompareAndSet(ctx, customerID, expectedLastEventID, rec)
	})
	return wrapCircuitErr(err)
}

// CountByStatus delegates to the wrapped store when it supports aggregation
func (s *CircuitBreakerStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	counter, ok := s.store.(StatusCounter)
	if !ok {
		return nil, ErrNotSupported
	}
	var counts map[Status]int
	err := s.cb.Execute(ctx, func() error {
		var e error
		counts, e = counter.CountByStatus(ctx)
		return e
	})
	return counts, wrapCircuitErr(err)
}

// Ping delegates to the wrapped store when it is remote
func (s *CircuitBreakerStore) Ping(ctx context.Context) error {
	if p, ok := s.store.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// State exposes the breaker state for health reporting
func (s *CircuitBreakerStore) State() CircuitBreakerState {
	return s.cb.State()
}

func wrapCircuitErr(err error) error {
	if errors.Is(err, ErrCircuitOpen) {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return err
}
