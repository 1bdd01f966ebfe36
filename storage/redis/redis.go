// Package redis provides a Redis implementation of the subsync.Store interface.
// Compare-and-set runs as a Lua script so the check and the write are atomic.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/caltrax/subsync/pkg/subsync"
)

const (
	fieldLastEventID = "last_event_id"
	fieldStatus      = "status"
	fieldData        = "data"
)

// casScript replaces the record hash when its last_event_id matches ARGV[1]
// (an empty ARGV[1] requires the hash to be absent) and keeps the per-status
// counters in KEYS[2] in step. Returns 1 on success, 0 on conflict.
var casScript = redis.NewScript(`
	local recordKey = KEYS[1]
	local countsKey = KEYS[2]
	local expected = ARGV[1]

	local current = redis.call('HGET', recordKey, 'last_event_id')
	if current == false then
		if expected ~= '' then
			return 0
		end
	elseif current ~= expected then
		return 0
	end

	local oldStatus = redis.call('HGET', recordKey, 'status')
	if oldStatus then
		redis.call('HINCRBY', countsKey, oldStatus, -1)
	end
	redis.call('HINCRBY', countsKey, ARGV[3], 1)

	redis.call('HSET', recordKey, 'last_event_id', ARGV[2], 'status', ARGV[3], 'data', ARGV[4])
	return 1
`)

// Store implements subsync.Store using Redis
type Store struct {
	client redis.UniversalClient
	config Config
}

// Config holds Redis store configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "subsync:").
	// On Redis Cluster use a hash-tagged prefix such as "{subsync}:" so the
	// record and counter keys share a slot.
	KeyPrefix string
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "subsync:",
	}
}

// New creates a new Redis store
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultConfig().KeyPrefix
	}

	return &Store{
		client: client,
		config: config,
	}, nil
}

// Get implements subsync.Store
func (s *Store) Get(ctx context.Context, customerID string) (*subsync.SubscriptionRecord, error) {
	data, err := s.client.HGet(ctx, s.recordKey(customerID), fieldData).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, subsync.ErrRecordNotFound
	}
	if err != nil {
		return nil, unavailable("get", err)
	}

	var rec subsync.SubscriptionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
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

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	keys := []string{s.recordKey(customerID), s.countsKey()}
	res, err := casScript.Run(ctx, s.client, keys,
		expectedLastEventID, rec.LastEventID, string(rec.Status), data).Int()
	if err != nil {
		return unavailable("compare_and_set", err)
	}
	if res == 0 {
		return subsync.ErrConflict
	}
	return nil
}

// CountByStatus implements subsync.StatusCounter from the counters kept by CompareAndSet
func (s *Store) CountByStatus(ctx context.Context) (map[subsync.Status]int, error) {
	raw, err := s.client.HGetAll(ctx, s.countsKey()).Result()
	if err != nil {
		return nil, unavailable("count_by_status", err)
	}

	counts := make(map[subsync.Status]int, len(raw))
	for status, value := range raw {
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("invalid counter for %q: %w", status, err)
		}
		if n > 0 {
			counts[subsync.Status(status)] = n
		}
	}
	return counts, nil
}

func (s *Store) recordKey(customerID string) string {
	return s.config.KeyPrefix + "sub:" + customerID
}

func (s *Store) countsKey() string {
	return s.config.KeyPrefix + "status_counts"
}

// Ping checks the connection to Redis
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (s *Store) Close() error {
	return s.client.Close()
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: redis %s: %w", subsync.ErrStoreUnavailable, op, err)
}

var (
	_ subsync.Store         = (*Store)(nil)
	_ subsync.StatusCounter = (*Store)(nil)
	_ subsync.Pinger        = (*Store)(nil)
)
