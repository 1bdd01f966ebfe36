// Package memory provides an in-memory implementation of the subsync.Store interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"sync"

	"github.com/caltrax/subsync/pkg/subsync"
)

// Store implements subsync.Store using an in-memory map
type Store struct {
	mu      sync.RWMutex
	records map[string]*subsync.SubscriptionRecord
}

// New creates a new in-memory store
func New() *Store {
	return &Store{
		records: make(map[string]*subsync.SubscriptionRecord),
	}
}

// Get implements subsync.Store
func (s *Store) Get(ctx context.Context, customerID string) (*subsync.SubscriptionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[customerID]
	if !ok {
		return nil, subsync.ErrRecordNotFound
	}

	// Return a copy to prevent external mutations
	return rec.Clone(), nil
}

// CompareAndSet implements subsync.Store
func (s *Store) CompareAndSet(ctx context.Context, customerID, expectedLastEventID string,
	rec *subsync.SubscriptionRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.CustomerID != customerID {
		return subsync.ErrInvalidRecord
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[customerID]
	switch {
	case !ok && expectedLastEventID != "":
		return subsync.ErrConflict
	case ok && current.LastEventID != expectedLastEventID:
		return subsync.ErrConflict
	}

	s.records[customerID] = rec.Clone()
	return nil
}

// CountByStatus implements subsync.StatusCounter
func (s *Store) CountByStatus(ctx context.Context) (map[subsync.Status]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[subsync.Status]int, len(subsync.Statuses))
	for _, rec := range s.records {
		counts[rec.Status]++
	}
	return counts, nil
}

// Put stores rec unconditionally. It lets the store serve as the hot tier of
// a tiered store and is not used by the reconciler.
func (s *Store) Put(ctx context.Context, rec *subsync.SubscriptionRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.CustomerID] = rec.Clone()
	return nil
}

// Delete drops the cached record for customerID
func (s *Store) Delete(ctx context.Context, customerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, customerID)
	return nil
}

// Len returns the number of stored records
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Clear removes all data (useful for testing)
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*subsync.SubscriptionRecord)
}

var (
	_ subsync.Store         = (*Store)(nil)
	_ subsync.StatusCounter = (*Store)(nil)
)
