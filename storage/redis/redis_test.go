package redis

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caltrax/subsync/pkg/subsync"
)

// setupTestRedis creates a Redis client for testing
// Requires Redis running on localhost:6379
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use DB 15 for testing
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	// Clear test database
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test database: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	return client
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(setupTestRedis(t), DefaultConfig())
	require.NoError(t, err)
	return store
}

func record(customerID, eventID string, status subsync.Status) *subsync.SubscriptionRecord {
	trialEnd := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	return &subsync.SubscriptionRecord{
		CustomerID:         customerID,
		SubscriptionID:     "sub_" + customerID,
		Status:             status,
		CurrentPeriodEnd:   time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		TrialEnd:           &trialEnd,
		PlanID:             "price_pro",
		LastEventID:        eventID,
		LastEventTimestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestNew(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	assert.Error(t, err)

	store, err := New(redis.NewClient(&redis.Options{Addr: "localhost:6379"}), Config{})
	require.NoError(t, err)
	assert.Equal(t, "subsync:", store.config.KeyPrefix)
}

func TestStore_GetNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "cus_missing")
	assert.ErrorIs(t, err, subsync.ErrRecordNotFound)
}

func TestStore_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	rec := record("cus_1", "evt_1", subsync.StatusTrialing)

	require.NoError(t, store.CompareAndSet(ctx, "cus_1", "", rec))

	got, err := store.Get(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, rec.Status, got.Status)
	assert.Equal(t, rec.PlanID, got.PlanID)
	assert.True(t, rec.CurrentPeriodEnd.Equal(got.CurrentPeriodEnd))
	require.NotNil(t, got.TrialEnd)
	assert.True(t, rec.TrialEnd.Equal(*got.TrialEnd))
	assert.True(t, rec.LastEventTimestamp.Equal(got.LastEventTimestamp))
}

func TestStore_CompareAndSet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	assert.ErrorIs(t, store.CompareAndSet(ctx, "cus_1", "evt_0", record("cus_1", "evt_1", subsync.StatusActive)),
		subsync.ErrConflict)
	require.NoError(t, store.CompareAndSet(ctx, "cus_1", "", record("cus_1", "evt_1", subsync.StatusActive)))
	assert.ErrorIs(t, store.CompareAndSet(ctx, "cus_1", "", record("cus_1", "evt_2", subsync.StatusCanceled)),
		subsync.ErrConflict)
	assert.ErrorIs(t, store.CompareAndSet(ctx, "cus_1", "evt_x", record("cus_1", "evt_2", subsync.StatusCanceled)),
		subsync.ErrConflict)
	require.NoError(t, store.CompareAndSet(ctx, "cus_1", "evt_1", record("cus_1", "evt_2", subsync.StatusCanceled)))

	got, err := store.Get(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "evt_2", got.LastEventID)
	assert.Equal(t, subsync.StatusCanceled, got.Status)
}

func TestStore_RejectsInvalidRecord(t *testing.T) {
	store := newTestStore(t)

	err := store.CompareAndSet(context.Background(), "cus_1", "", record("cus_2", "evt_1", subsync.StatusActive))
	assert.ErrorIs(t, err, subsync.ErrInvalidRecord)
}

func TestStore_CountByStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CompareAndSet(ctx, "cus_1", "", record("cus_1", "evt_1", subsync.StatusActive)))
	require.NoError(t, store.CompareAndSet(ctx, "cus_2", "", record("cus_2", "evt_2", subsync.StatusActive)))
	require.NoError(t, store.CompareAndSet(ctx, "cus_2", "evt_2", record("cus_2", "evt_3", subsync.StatusPastDue)))

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[subsync.Status]int{
		subsync.StatusActive:  1,
		subsync.StatusPastDue: 1,
	}, counts)
}

func TestStore_ConcurrentCreateSingleWinner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := store.CompareAndSet(ctx, "cus_1", "", record("cus_1", fmt.Sprintf("evt_%d", i), subsync.StatusActive))
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[subsync.StatusActive])
}

func TestStore_Ping(t *testing.T) {
	store := newTestStore(t)
	assert.NoError(t, store.Ping(context.Background()))
}
