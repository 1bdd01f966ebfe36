package subsync_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/caltrax/subsync/pkg/subsync"
	"github.com/caltrax/subsync/storage/memory"
)

var base = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func snapshot(eventID, customerID string, status subsync.Status, at time.Time) *subsync.Change {
	return &subsync.Change{
		Kind:             subsync.KindSnapshot,
		EventID:          eventID,
		EventType:        "customer.subscription.updated",
		EventTimestamp:   at,
		CustomerID:       customerID,
		SubscriptionID:   "sub_" + customerID,
		Status:           status,
		CurrentPeriodEnd: at.Add(30 * 24 * time.Hour),
		PlanID:           "price_pro",
	}
}

func newReconciler(t *testing.T, store subsync.Store, opts ...func(*subsync.Config)) *subsync.Reconciler {
	t.Helper()
	cfg := subsync.DefaultConfig()
	cfg.RetryBackoff = -1
	for _, opt := range opts {
		opt(&cfg)
	}
	r, err := subsync.NewReconciler(store, cfg)
	require.NoError(t, err)
	return r
}

// flakyStore fails the first n calls of each operation with err
type flakyStore struct {
	subsync.Store
	getFailures int32
	casFailures int32
	err         error
	casCalls    int32
}

func (s *flakyStore) Get(ctx context.Context, customerID string) (*subsync.SubscriptionRecord, error) {
	if atomic.AddInt32(&s.getFailures, -1) >= 0 {
		return nil, s.err
	}
	return s.Store.Get(ctx, customerID)
}

func (s *flakyStore) CompareAndSet(ctx context.Context, customerID, expected string, rec *subsync.SubscriptionRecord) error {
	atomic.AddInt32(&s.casCalls, 1)
	if atomic.AddInt32(&s.casFailures, -1) >= 0 {
		return s.err
	}
	return s.Store.CompareAndSet(ctx, customerID, expected, rec)
}

// blockingStore never answers before the context is done
type blockingStore struct{}

func (blockingStore) Get(ctx context.Context, _ string) (*subsync.SubscriptionRecord, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingStore) CompareAndSet(ctx context.Context, _, _ string, _ *subsync.SubscriptionRecord) error {
	<-ctx.Done()
	return ctx.Err()
}

type spyMetrics struct {
	subsync.NoopMetrics
	mu        sync.Mutex
	conflicts int
	outcomes  []string
}

func (m *spyMetrics) RecordConflict() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflicts++
}

func (m *spyMetrics) RecordApply(_ subsync.ChangeKind, outcome, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome+"/"+reason)
}

func TestNewReconciler_RequiresStore(t *testing.T) {
	_, err := subsync.NewReconciler(nil, subsync.DefaultConfig())
	assert.Error(t, err)
}

func TestApply_CreatesRecord(t *testing.T) {
	store := memory.New()
	r := newReconciler(t, store)

	res, err := r.Apply(context.Background(), snapshot("evt_1", "cus_1", subsync.StatusActive, base))
	require.NoError(t, err)
	assert.True(t, res.Applied())
	assert.Nil(t, res.Previous)
	assert.Equal(t, 1, res.Attempts)

	got, err := store.Get(context.Background(), "cus_1")
	require.NoError(t, err)
	assert.Equal(t, subsync.StatusActive, got.Status)
	assert.Equal(t, "evt_1", got.LastEventID)
	assert.True(t, got.LastEventTimestamp.Equal(base))
	assert.Equal(t, "price_pro", got.PlanID)
}

func TestApply_Idempotent(t *testing.T) {
	store := memory.New()
	r := newReconciler(t, store)
	ctx := context.Background()
	change := snapshot("evt_1", "cus_1", subsync.StatusActive, base)

	first, err := r.Apply(ctx, change)
	require.NoError(t, err)
	before, err := store.Get(ctx, "cus_1")
	require.NoError(t, err)

	second, err := r.Apply(ctx, change)
	require.NoError(t, err)
	after, err := store.Get(ctx, "cus_1")
	require.NoError(t, err)

	assert.True(t, first.Applied())
	assert.Equal(t, subsync.OutcomeSkipped, second.Outcome)
	assert.Equal(t, subsync.SkipDuplicate, second.Reason)
	assert.Equal(t, before, after)
}

func TestApply_DuplicateAfterNewerEvent(t *testing.T) {
	store := memory.New()
	r := newReconciler(t, store)
	ctx := context.Background()

	_, err := r.Apply(ctx, snapshot("evt_1", "cus_1", subsync.StatusActive, base))
	require.NoError(t, err)

	// the same event id delivered again is a duplicate regardless of payload
	res, err := r.Apply(ctx, snapshot("evt_1", "cus_1", subsync.StatusCanceled, base.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, subsync.SkipDuplicate, res.Reason)

	got, err := store.Get(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, subsync.StatusActive, got.Status)
}

func TestApply_StaleEventDiscarded(t *testing.T) {
	store := memory.New()
	r := newReconciler(t, store)
	ctx := context.Background()

	// evt_2 (newer, active) arrives before evt_1 (older, trialing)
	_, err := r.Apply(ctx, snapshot("evt_2", "cus_1", subsync.StatusActive, base.Add(time.Minute)))
	require.NoError(t, err)

	res, err := r.Apply(ctx, snapshot("evt_1", "cus_1", subsync.StatusTrialing, base))
	require.NoError(t, err)
	assert.Equal(t, subsync.OutcomeSkipped, res.Outcome)
	assert.Equal(t, subsync.SkipStale, res.Reason)

	got, err := store.Get(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, subsync.StatusActive, got.Status)
	assert.Equal(t, "evt_2", got.LastEventID)
}

func TestApply_EqualTimestampApplied(t *testing.T) {
	store := memory.New()
	r := newReconciler(t, store)
	ctx := context.Background()

	_, err := r.Apply(ctx, snapshot("evt_1", "cus_1", subsync.StatusTrialing, base))
	require.NoError(t, err)
	res, err := r.Apply(ctx, snapshot("evt_2", "cus_1", subsync.StatusActive, base))
	require.NoError(t, err)
	assert.True(t, res.Applied())
	assert.Equal(t, subsync.StatusTrialing, res.Previous.Status)
}

func TestApply_OrderingLaw(t *testing.T) {
	created := snapshot("evt_1", "cus_1", subsync.StatusTrialing, base)
	created.EventType = "customer.subscription.created"
	updated := snapshot("evt_2", "cus_1", subsync.StatusActive, base.Add(time.Hour))
	failed := &subsync.Change{
		Kind:           subsync.KindPaymentFailed,
		EventID:        "evt_3",
		EventType:      "invoice.payment_failed",
		EventTimestamp: base.Add(2 * time.Hour),
		CustomerID:       "cus_1",
		SubscriptionID:   "sub_cus_1",
		PlanID:           "price_pro",
		CurrentPeriodEnd: updated.CurrentPeriodEnd,
	}
	want := &subsync.SubscriptionRecord{
		CustomerID:         "cus_1",
		SubscriptionID:     "sub_cus_1",
		Status:             subsync.StatusPastDue,
		CurrentPeriodEnd:   updated.CurrentPeriodEnd,
		PlanID:             "price_pro",
		LastEventID:        "evt_3",
		LastEventTimestamp: failed.EventTimestamp,
	}

	orders := [][]*subsync.Change{
		{created, updated, failed},
		{created, failed, updated},
		{updated, created, failed},
		{updated, failed, created},
		{failed, created, updated},
		{failed, updated, created},
	}

	for i, order := range orders {
		t.Run(fmt.Sprintf("order_%d", i), func(t *testing.T) {
			store := memory.New()
			r := newReconciler(t, store)
			ctx := context.Background()

			for _, c := range order {
				_, err := r.Apply(ctx, c)
				require.NoError(t, err)
			}

			got, err := store.Get(ctx, "cus_1")
			require.NoError(t, err)
			assert.Equal(t, want, got)
			assert.True(t, got.Entitled(base.Add(3*time.Hour)))
		})
	}
}

func TestApply_PaymentFailedBeforeSnapshot(t *testing.T) {
	created := snapshot("evt_1", "cus_1", subsync.StatusTrialing, base)
	trialEnd := base.Add(14 * 24 * time.Hour)
	created.TrialEnd = &trialEnd
	created.CancelAtPeriodEnd = true
	failed := &subsync.Change{
		Kind:             subsync.KindPaymentFailed,
		EventID:          "evt_2",
		EventType:        "invoice.payment_failed",
		EventTimestamp:   base.Add(time.Hour),
		CustomerID:       "cus_1",
		SubscriptionID:   "sub_cus_1",
		PlanID:           "price_pro",
		CurrentPeriodEnd: created.CurrentPeriodEnd,
	}

	apply := func(t *testing.T, order ...*subsync.Change) *subsync.SubscriptionRecord {
		t.Helper()
		store := memory.New()
		r := newReconciler(t, store)
		for _, c := range order {
			_, err := r.Apply(context.Background(), c)
			require.NoError(t, err)
		}
		got, err := store.Get(context.Background(), "cus_1")
		require.NoError(t, err)
		return got
	}

	inOrder := apply(t, created, failed)
	reversed := apply(t, failed, created)

	// invoices carry subscription, plan and period
	for _, got := range []*subsync.SubscriptionRecord{inOrder, reversed} {
		assert.Equal(t, subsync.StatusPastDue, got.Status)
		assert.Equal(t, "price_pro", got.PlanID)
		assert.Equal(t, "sub_cus_1", got.SubscriptionID)
		assert.True(t, got.CurrentPeriodEnd.Equal(created.CurrentPeriodEnd))
		assert.Equal(t, "evt_2", got.LastEventID)
	}

	// but not trial end or cancel-at-period-end; those wait for the next
	// subscription event newer than the invoice
	require.NotNil(t, inOrder.TrialEnd)
	assert.True(t, inOrder.TrialEnd.Equal(trialEnd))
	assert.True(t, inOrder.CancelAtPeriodEnd)
	assert.Nil(t, reversed.TrialEnd)
	assert.False(t, reversed.CancelAtPeriodEnd)
}

func TestApply_PaymentFailedKeepsSnapshotFields(t *testing.T) {
	store := memory.New()
	r := newReconciler(t, store)
	ctx := context.Background()

	_, err := r.Apply(ctx, snapshot("evt_1", "cus_1", subsync.StatusActive, base))
	require.NoError(t, err)

	res, err := r.Apply(ctx, &subsync.Change{
		Kind:           subsync.KindPaymentFailed,
		EventID:        "evt_2",
		EventType:      "invoice.payment_failed",
		EventTimestamp: base.Add(time.Hour),
		CustomerID:     "cus_1",
	})
	require.NoError(t, err)
	assert.Equal(t, subsync.StatusPastDue, res.Record.Status)
	assert.Equal(t, "price_pro", res.Record.PlanID)
	assert.Equal(t, "sub_cus_1", res.Record.SubscriptionID)
	assert.Equal(t, res.Previous.CurrentPeriodEnd, res.Record.CurrentPeriodEnd)
}

func TestApply_PaymentFailedDoesNotReviveCanceled(t *testing.T) {
	store := memory.New()
	r := newReconciler(t, store)
	ctx := context.Background()

	deleted := snapshot("evt_1", "cus_1", subsync.StatusActive, base)
	deleted.Kind = subsync.KindCanceled
	deleted.EventType = "customer.subscription.deleted"
	res, err := r.Apply(ctx, deleted)
	require.NoError(t, err)
	assert.Equal(t, subsync.StatusCanceled, res.Record.Status)

	res, err = r.Apply(ctx, &subsync.Change{
		Kind:           subsync.KindPaymentFailed,
		EventID:        "evt_2",
		EventType:      "invoice.payment_failed",
		EventTimestamp: base.Add(time.Hour),
		CustomerID:     "cus_1",
	})
	require.NoError(t, err)
	assert.True(t, res.Applied())
	assert.Equal(t, subsync.StatusCanceled, res.Record.Status)
	assert.Equal(t, "evt_2", res.Record.LastEventID)
}

func TestApply_InvalidChange(t *testing.T) {
	r := newReconciler(t, memory.New())
	ctx := context.Background()

	tests := []struct {
		name   string
		change *subsync.Change
	}{
		{"nil", nil},
		{"missing customer", snapshot("evt_1", "", subsync.StatusActive, base)},
		{"missing event id", snapshot("", "cus_1", subsync.StatusActive, base)},
		{"missing timestamp", snapshot("evt_1", "cus_1", subsync.StatusActive, time.Time{})},
		{"unknown status", snapshot("evt_1", "cus_1", subsync.Status("paused"), base)},
		{"unknown kind", &subsync.Change{Kind: "refund", EventID: "evt_1", CustomerID: "cus_1", EventTimestamp: base}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Apply(ctx, tt.change)
			assert.ErrorIs(t, err, subsync.ErrInvalidChange)
		})
	}
}

func TestApply_RetriesConflict(t *testing.T) {
	store := &flakyStore{Store: memory.New(), casFailures: 2, err: subsync.ErrConflict}
	metrics := &spyMetrics{}
	r := newReconciler(t, store, func(c *subsync.Config) { c.Metrics = metrics })

	res, err := r.Apply(context.Background(), snapshot("evt_1", "cus_1", subsync.StatusActive, base))
	require.NoError(t, err)
	assert.True(t, res.Applied())
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 2, metrics.conflicts)
	assert.Equal(t, []string{"applied/"}, metrics.outcomes)
}

func TestApply_StoreUnavailableExhaustsRetries(t *testing.T) {
	mem := memory.New()
	store := &flakyStore{Store: mem, getFailures: 3, err: subsync.ErrStoreUnavailable}
	r := newReconciler(t, store)

	_, err := r.Apply(context.Background(), snapshot("evt_1", "cus_1", subsync.StatusActive, base))
	require.Error(t, err)
	assert.ErrorIs(t, err, subsync.ErrRetriesExhausted)
	assert.ErrorIs(t, err, subsync.ErrStoreUnavailable)
	assert.Zero(t, atomic.LoadInt32(&store.casCalls), "nothing may be written")
	assert.Zero(t, mem.Len())
}

func TestApply_RecoversBeforeLimit(t *testing.T) {
	mem := memory.New()
	store := &flakyStore{Store: mem, getFailures: 2, err: errors.New("connection reset")}
	r := newReconciler(t, store)

	res, err := r.Apply(context.Background(), snapshot("evt_1", "cus_1", subsync.StatusActive, base))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 1, mem.Len())
}

func TestApply_PersistentConflict(t *testing.T) {
	store := &flakyStore{Store: memory.New(), casFailures: 100, err: subsync.ErrConflict}
	r := newReconciler(t, store, func(c *subsync.Config) { c.MaxAttempts = 4 })

	_, err := r.Apply(context.Background(), snapshot("evt_1", "cus_1", subsync.StatusActive, base))
	assert.ErrorIs(t, err, subsync.ErrRetriesExhausted)
	assert.ErrorIs(t, err, subsync.ErrConflict)
	assert.EqualValues(t, 4, atomic.LoadInt32(&store.casCalls))
}

func TestApply_StoreTimeout(t *testing.T) {
	r := newReconciler(t, blockingStore{}, func(c *subsync.Config) {
		c.StoreTimeout = 20 * time.Millisecond
		c.MaxAttempts = 2
	})

	start := time.Now()
	_, err := r.Apply(context.Background(), snapshot("evt_1", "cus_1", subsync.StatusActive, base))
	assert.ErrorIs(t, err, subsync.ErrRetriesExhausted)
	assert.ErrorIs(t, err, subsync.ErrStoreUnavailable)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestApply_CallerCancellation(t *testing.T) {
	r := newReconciler(t, blockingStore{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.Apply(ctx, snapshot("evt_1", "cus_1", subsync.StatusActive, base))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, subsync.ErrRetriesExhausted)
}

func TestApply_NonTransientStoreError(t *testing.T) {
	store := &flakyStore{Store: memory.New(), casFailures: 1, err: subsync.ErrInvalidRecord}
	r := newReconciler(t, store)

	_, err := r.Apply(context.Background(), snapshot("evt_1", "cus_1", subsync.StatusActive, base))
	assert.ErrorIs(t, err, subsync.ErrInvalidRecord)
	assert.EqualValues(t, 1, atomic.LoadInt32(&store.casCalls))
}

func TestApply_DifferentCustomersConcurrently(t *testing.T) {
	store := memory.New()
	r := newReconciler(t, store)

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 50; i++ {
		customerID := fmt.Sprintf("cus_%d", i)
		g.Go(func() error {
			res, err := r.Apply(ctx, snapshot("evt_"+customerID, customerID, subsync.StatusActive, base))
			if err != nil {
				return err
			}
			if res.Attempts != 1 {
				return fmt.Errorf("%s needed %d attempts", customerID, res.Attempts)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 50, store.Len())
}

func TestApply_SameCustomerConcurrently(t *testing.T) {
	store := memory.New()
	r := newReconciler(t, store, func(c *subsync.Config) { c.MaxAttempts = 50 })

	const events = 10
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < events; i++ {
		change := snapshot(fmt.Sprintf("evt_%d", i), "cus_1", subsync.StatusActive, base.Add(time.Duration(i)*time.Minute))
		g.Go(func() error {
			_, err := r.Apply(ctx, change)
			return err
		})
	}
	require.NoError(t, g.Wait())

	got, err := store.Get(context.Background(), "cus_1")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("evt_%d", events-1), got.LastEventID)
}

func TestApply_ThroughCircuitBreaker(t *testing.T) {
	mem := memory.New()
	flaky := &flakyStore{Store: mem, getFailures: 100, err: errors.New("dial tcp: connection refused")}
	cb := subsync.NewDefaultCircuitBreaker(2, time.Hour, nil)
	r := newReconciler(t, subsync.NewCircuitBreakerStore(flaky, cb))

	_, err := r.Apply(context.Background(), snapshot("evt_1", "cus_1", subsync.StatusActive, base))
	assert.ErrorIs(t, err, subsync.ErrRetriesExhausted)
	assert.ErrorIs(t, err, subsync.ErrStoreUnavailable)
	assert.Equal(t, subsync.StateOpen, cb.State())
	assert.Zero(t, mem.Len())
}
