package subsync

import "context"

// Store is durable keyed storage for subscription records.
// Implementations must make CompareAndSet atomic per customer.
type Store interface {
	// Get returns the record for customerID or ErrRecordNotFound
	Get(ctx context.Context, customerID string) (*SubscriptionRecord, error)

	// CompareAndSet replaces the record for customerID with rec only if the stored
	// LastEventID equals expectedLastEventID. An empty expectedLastEventID means
	// "no record exists yet". Returns ErrConflict when the condition fails.
	CompareAndSet(ctx context.Context, customerID, expectedLastEventID string, rec *SubscriptionRecord) error
}

// StatusCounter is implemented by stores that can aggregate records by status.
// Used by the admin analytics endpoint.
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[Status]int, error)
}

// Pinger is implemented by stores backed by a remote service
type Pinger interface {
	Ping(ctx context.Context) error
}
