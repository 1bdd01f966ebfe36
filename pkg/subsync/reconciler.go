package subsync

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	defaultMaxAttempts  = 3
	defaultStoreTimeout = 5 * time.Second
	defaultRetryBackoff = 10 * time.Millisecond
)

// Config configures a Reconciler
type Config struct {
	// MaxAttempts bounds the load-modify-store rounds per change (default: 3)
	MaxAttempts int

	// StoreTimeout is applied to every individual store call (default: 5s)
	StoreTimeout time.Duration

	// RetryBackoff is the linear delay unit between attempts (default: 10ms).
	// Attempt n waits (n-1)*RetryBackoff. Negative disables waiting.
	RetryBackoff time.Duration

	// Logger is an optional structured logger. If nil, logs are discarded.
	Logger Logger

	// Metrics is an optional metrics collector. If nil, metrics are discarded.
	Metrics Metrics
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  defaultMaxAttempts,
		StoreTimeout: defaultStoreTimeout,
		RetryBackoff: defaultRetryBackoff,
	}
}

// Reconciler applies normalized changes to the Store under idempotency and
// ordering guarantees. It is the only component that writes records.
type Reconciler struct {
	store   Store
	config  Config
	logger  Logger
	metrics Metrics
}

// NewReconciler creates a Reconciler over store
func NewReconciler(store Store, config Config) (*Reconciler, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaultMaxAttempts
	}
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = defaultStoreTimeout
	}
	if config.RetryBackoff == 0 {
		config.RetryBackoff = defaultRetryBackoff
	}

	logger := config.Logger
	if logger == nil {
		logger = &NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &NoopMetrics{}
	}

	return &Reconciler{
		store:   store,
		config:  config,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Apply reconciles change into the store.
//
// A change whose event id equals the stored last event id is skipped as a
// duplicate; a change older than the stored last event timestamp is skipped as
// stale. Otherwise the record is replaced with compare-and-set on the last event
// id. Conflicts and store failures are retried up to MaxAttempts, after which
// an error wrapping ErrRetriesExhausted is returned and nothing is written.
func (r *Reconciler) Apply(ctx context.Context, change *Change) (*Result, error) {
	if err := change.Validate(); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := r.wait(ctx, attempt); err != nil {
				return nil, err
			}
		}

		res, err := r.attempt(ctx, change)
		if err == nil {
			res.Attempts = attempt
			r.metrics.RecordApply(change.Kind, string(res.Outcome), string(res.Reason))
			r.logResult(change, res)
			return res, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			r.metrics.RecordApply(change.Kind, "error", "")
			return nil, fmt.Errorf("reconcile %s: %w", change.EventID, ctxErr)
		}
		if !IsTransient(err) {
			r.metrics.RecordApply(change.Kind, "error", "")
			return nil, err
		}
		if errors.Is(err, ErrConflict) {
			r.metrics.RecordConflict()
		}

		lastErr = err
		r.logger.Warn("reconcile attempt failed",
			Field{"customer_id", change.CustomerID},
			Field{"event_id", change.EventID},
			Field{"attempt", attempt},
			Field{"error", err.Error()},
		)
	}

	r.metrics.RecordApply(change.Kind, "error", "")
	r.logger.Error("reconcile gave up",
		Field{"customer_id", change.CustomerID},
		Field{"event_id", change.EventID},
		Field{"attempts", r.config.MaxAttempts},
		Field{"error", lastErr.Error()},
	)
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, r.config.MaxAttempts, lastErr)
}

// attempt runs one load-modify-store round
func (r *Reconciler) attempt(ctx context.Context, change *Change) (*Result, error) {
	existing, err := r.get(ctx, change.CustomerID)
	if err != nil {
		return nil, err
	}

	if existing != nil {
		if existing.LastEventID == change.EventID {
			return &Result{Outcome: OutcomeSkipped, Reason: SkipDuplicate, Record: existing, Previous: existing}, nil
		}
		if change.EventTimestamp.Before(existing.LastEventTimestamp) {
			return &Result{Outcome: OutcomeSkipped, Reason: SkipStale, Record: existing, Previous: existing}, nil
		}
	}

	next := change.nextRecord(existing)
	expected := ""
	if existing != nil {
		expected = existing.LastEventID
	}

	if err := r.compareAndSet(ctx, change.CustomerID, expected, next); err != nil {
		return nil, err
	}

	return &Result{Outcome: OutcomeApplied, Record: next, Previous: existing}, nil
}

// get loads the current record; a missing record is returned as nil, nil
func (r *Reconciler) get(ctx context.Context, customerID string) (*SubscriptionRecord, error) {
	opCtx, cancel := context.WithTimeout(ctx, r.config.StoreTimeout)
	defer cancel()

	start := time.Now()
	rec, err := r.store.Get(opCtx, customerID)
	if errors.Is(err, ErrRecordNotFound) {
		r.metrics.RecordStorageOperation("get", time.Since(start), nil)
		return nil, nil
	}
	r.metrics.RecordStorageOperation("get", time.Since(start), err)
	if err != nil {
		return nil, r.storeError(ctx, "get", err)
	}
	return rec, nil
}

func (r *Reconciler) compareAndSet(ctx context.Context, customerID, expected string, rec *SubscriptionRecord) error {
	opCtx, cancel := context.WithTimeout(ctx, r.config.StoreTimeout)
	defer cancel()

	start := time.Now()
	err := r.store.CompareAndSet(opCtx, customerID, expected, rec)
	if errors.Is(err, ErrConflict) {
		r.metrics.RecordStorageOperation("compare_and_set", time.Since(start), nil)
		return err
	}
	r.metrics.RecordStorageOperation("compare_and_set", time.Since(start), err)
	if err != nil {
		return r.storeError(ctx, "compare_and_set", err)
	}
	return nil
}

// storeError marks per-call timeouts as store unavailability. Caller
// cancellation is left as is so Apply can stop.
func (r *Reconciler) storeError(ctx context.Context, op string, err error) error {
	if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s timed out after %s", ErrStoreUnavailable, op, r.config.StoreTimeout)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (r *Reconciler) wait(ctx context.Context, attempt int) error {
	if r.config.RetryBackoff <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(time.Duration(attempt-1) * r.config.RetryBackoff)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (r *Reconciler) logResult(change *Change, res *Result) {
	if res.Outcome == OutcomeSkipped {
		r.logger.Debug("change skipped",
			Field{"customer_id", change.CustomerID},
			Field{"event_id", change.EventID},
			Field{"reason", string(res.Reason)},
		)
		return
	}

	previous := StatusNone
	if res.Previous != nil {
		previous = res.Previous.Status
	}
	r.logger.Info("change applied",
		Field{"customer_id", change.CustomerID},
		Field{"event_id", change.EventID},
		Field{"event_type", change.EventType},
		Field{"previous_status", string(previous)},
		Field{"status", string(res.Record.Status)},
		Field{"attempts", res.Attempts},
	)
}
