// Package tiered provides a Hot/Cold store that serves reads from a fast
// per-process cache (Hot) in front of durable storage (Cold).
//
// Cold is always the source of truth: every compare-and-set goes to Cold and
// Hot is only refreshed after Cold accepted the write. A conflict evicts the
// cached record so the next read goes back to Cold.
package tiered

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/caltrax/subsync/pkg/subsync"
)

// Cache is the hot tier. memory.Store satisfies it.
type Cache interface {
	Get(ctx context.Context, customerID string) (*subsync.SubscriptionRecord, error)
	Put(ctx context.Context, rec *subsync.SubscriptionRecord) error
	Delete(ctx context.Context, customerID string) error
}

// Config configures the tiered store
type Config struct {
	// Hot is the L1 cache (e.g. memory)
	Hot Cache

	// Cold is the L2 persistence store (e.g. Postgres, Firestore, Redis)
	Cold subsync.Store

	// HotTTL bounds how long a cached record is served without consulting Cold.
	// Other instances writing to Cold are only observed after this.
	// Default: 30s
	HotTTL time.Duration

	// MaxHotEntries caps how many records Hot holds. Expired records are
	// swept as new ones are cached; when the cap is still reached the record
	// is served from Cold without caching.
	// Default: 10000
	MaxHotEntries int

	// HotErrorHandler is called when a cache fill or eviction fails.
	// Cache errors never fail the operation.
	HotErrorHandler func(error)
}

// Store implements subsync.Store over a Hot/Cold pair
type Store struct {
	hot  Cache
	cold subsync.Store
	conf Config

	mu         sync.Mutex
	expires    map[string]time.Time
	fills      int
	sweepEvery int
	now        func() time.Time
}

// New creates a new tiered store
func New(config Config) (*Store, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered store: both hot and cold storage are required")
	}
	if config.HotTTL <= 0 {
		config.HotTTL = 30 * time.Second
	}
	if config.MaxHotEntries <= 0 {
		config.MaxHotEntries = 10000
	}

	return &Store{
		hot:     config.Hot,
		cold:    config.Cold,
		conf:    config,
		expires:    make(map[string]time.Time),
		sweepEvery: 100,
		now:        time.Now,
	}, nil
}

// Get implements subsync.Store with read-through (Hot → Cold → populate Hot)
func (s *Store) Get(ctx context.Context, customerID string) (*subsync.SubscriptionRecord, error) {
	if s.fresh(customerID) {
		rec, err := s.hot.Get(ctx, customerID)
		if err == nil {
			return rec, nil
		}
	}

	rec, err := s.cold.Get(ctx, customerID)
	if err != nil {
		return nil, err
	}

	s.fill(ctx, rec)
	return rec, nil
}

// CompareAndSet implements subsync.Store with write-through (Cold → Hot)
func (s *Store) CompareAndSet(ctx context.Context, customerID, expectedLastEventID string,
	rec *subsync.SubscriptionRecord) error {
	err := s.cold.CompareAndSet(ctx, customerID, expectedLastEventID, rec)
	switch {
	case err == nil:
		s.fill(ctx, rec)
		return nil
	case errors.Is(err, subsync.ErrConflict):
		// hot copy is behind Cold
		s.evict(ctx, customerID)
		return err
	default:
		return err
	}
}

// CountByStatus delegates to Cold; the cache holds only a subset of records
func (s *Store) CountByStatus(ctx context.Context) (map[subsync.Status]int, error) {
	counter, ok := s.cold.(subsync.StatusCounter)
	if !ok {
		return nil, subsync.ErrNotSupported
	}
	return counter.CountByStatus(ctx)
}

// Ping delegates to Cold
func (s *Store) Ping(ctx context.Context) error {
	if p, ok := s.cold.(subsync.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (s *Store) fresh(customerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.expires[customerID]
	return ok && s.now().Before(exp)
}

func (s *Store) fill(ctx context.Context, rec *subsync.SubscriptionRecord) {
	if !s.admit(ctx, rec.CustomerID) {
		return
	}
	if err := s.hot.Put(ctx, rec); err != nil {
		s.hotError(err)
		return
	}
	s.mu.Lock()
	s.expires[rec.CustomerID] = s.now().Add(s.conf.HotTTL)
	s.mu.Unlock()
}

// admit sweeps expired entries periodically and reports whether customerID
// may be cached without exceeding MaxHotEntries
func (s *Store) admit(ctx context.Context, customerID string) bool {
	s.mu.Lock()
	s.fills++
	var expired []string
	if s.fills >= s.sweepEvery || len(s.expires) >= s.conf.MaxHotEntries {
		expired = s.sweepLocked(s.now())
		s.fills = 0
	}
	_, tracked := s.expires[customerID]
	ok := tracked || len(s.expires) < s.conf.MaxHotEntries
	s.mu.Unlock()

	for _, id := range expired {
		if err := s.hot.Delete(ctx, id); err != nil {
			s.hotError(err)
		}
	}
	return ok
}

// sweepLocked forgets expired entries and returns their ids; s.mu must be held
func (s *Store) sweepLocked(now time.Time) []string {
	var expired []string
	for id, exp := range s.expires {
		if !now.Before(exp) {
			delete(s.expires, id)
			expired = append(expired, id)
		}
	}
	return expired
}

// Len returns the number of records currently tracked in Hot
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.expires)
}

func (s *Store) evict(ctx context.Context, customerID string) {
	s.mu.Lock()
	delete(s.expires, customerID)
	s.mu.Unlock()
	if err := s.hot.Delete(ctx, customerID); err != nil {
		s.hotError(err)
	}
}

func (s *Store) hotError(err error) {
	if s.conf.HotErrorHandler != nil {
		s.conf.HotErrorHandler(err)
	}
}

var (
	_ subsync.Store         = (*Store)(nil)
	_ subsync.StatusCounter = (*Store)(nil)
	_ subsync.Pinger        = (*Store)(nil)
)
