// Package postgres provides a PostgreSQL implementation of the subsync.Store interface.
// Compare-and-set is a single conditional statement per call: an INSERT that
// does nothing on conflict when no record is expected, otherwise an UPDATE
// guarded by the expected last_event_id.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caltrax/subsync/pkg/subsync"
)

// Schema creates the subscriptions table. Applied by Migrate.
const Schema = `
CREATE TABLE IF NOT EXISTS subscriptions (
	customer_id          TEXT PRIMARY KEY,
	subscription_id      TEXT NOT NULL DEFAULT '',
	status               TEXT NOT NULL,
	current_period_end   TIMESTAMPTZ,
	trial_end            TIMESTAMPTZ,
	cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
	plan_id              TEXT NOT NULL DEFAULT '',
	last_event_id        TEXT NOT NULL,
	last_event_timestamp TIMESTAMPTZ NOT NULL,
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS subscriptions_status_idx ON subscriptions (status);
`

const selectColumns = `customer_id, subscription_id, status, current_period_end, trial_end,
	cancel_at_period_end, plan_id, last_event_id, last_event_timestamp`

// Store implements subsync.Store using PostgreSQL
type Store struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL store configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate applies Schema on New
	AutoMigrate bool
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		AutoMigrate:     true,
	}
}

// New creates a new PostgreSQL store
func New(ctx context.Context, config Config) (*Store, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{pool: pool, config: config}
	if config.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// Migrate applies Schema
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Get implements subsync.Store
func (s *Store) Get(ctx context.Context, customerID string) (*subsync.SubscriptionRecord, error) {
	var rec subsync.SubscriptionRecord
	var status string
	var periodEnd, trialEnd *time.Time

	err := s.pool.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM subscriptions WHERE customer_id = $1`,
		customerID).Scan(
		&rec.CustomerID,
		&rec.SubscriptionID,
		&status,
		&periodEnd,
		&trialEnd,
		&rec.CancelAtPeriodEnd,
		&rec.PlanID,
		&rec.LastEventID,
		&rec.LastEventTimestamp,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subsync.ErrRecordNotFound
	}
	if err != nil {
		return nil, classify("get", err)
	}

	rec.Status = subsync.Status(status)
	if periodEnd != nil {
		rec.CurrentPeriodEnd = periodEnd.UTC()
	}
	if trialEnd != nil {
		t := trialEnd.UTC()
		rec.TrialEnd = &t
	}
	rec.LastEventTimestamp = rec.LastEventTimestamp.UTC()
	return &rec, nil
}

// CompareAndSet implements subsync.Store
func (s *Store) CompareAndSet(ctx context.Context, customerID, expectedLastEventID string,
	rec *subsync.SubscriptionRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.CustomerID != customerID {
		return fmt.Errorf("%w: customer id mismatch", subsync.ErrInvalidRecord)
	}

	args := []any{
		customerID,
		rec.SubscriptionID,
		string(rec.Status),
		nullableTime(rec.CurrentPeriodEnd),
		rec.TrialEnd,
		rec.CancelAtPeriodEnd,
		rec.PlanID,
		rec.LastEventID,
		rec.LastEventTimestamp,
	}

	var tag pgconn.CommandTag
	var err error
	if expectedLastEventID == "" {
		tag, err = s.pool.Exec(ctx,
			`INSERT INTO subscriptions (`+selectColumns+`, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
				ON CONFLICT (customer_id) DO NOTHING`,
			args...)
	} else {
		tag, err = s.pool.Exec(ctx,
			`UPDATE subscriptions SET
					subscription_id = $2,
					status = $3,
					current_period_end = $4,
					trial_end = $5,
					cancel_at_period_end = $6,
					plan_id = $7,
					last_event_id = $8,
					last_event_timestamp = $9,
					updated_at = NOW()
				WHERE customer_id = $1 AND last_event_id = $10`,
			append(args, expectedLastEventID)...)
	}
	if err != nil {
		return classify("compare_and_set", err)
	}
	if tag.RowsAffected() == 0 {
		return subsync.ErrConflict
	}
	return nil
}

// CountByStatus implements subsync.StatusCounter
func (s *Store) CountByStatus(ctx context.Context) (map[subsync.Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM subscriptions GROUP BY status`)
	if err != nil {
		return nil, classify("count_by_status", err)
	}
	defer rows.Close()

	counts := make(map[subsync.Status]int)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[subsync.Status(status)] = int(n)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("count_by_status", err)
	}
	return counts, nil
}

// Ping checks the PostgreSQL connection
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// classify separates server-side statement errors from connectivity failures
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("postgres %s: %w", op, err)
	}
	return fmt.Errorf("%w: postgres %s: %w", subsync.ErrStoreUnavailable, op, err)
}

var (
	_ subsync.Store         = (*Store)(nil)
	_ subsync.StatusCounter = (*Store)(nil)
	_ subsync.Pinger        = (*Store)(nil)
)
