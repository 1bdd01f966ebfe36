package subsync

import "errors"

var (
	// ErrRecordNotFound is returned by a Store when the customer has no record
	ErrRecordNotFound = errors.New("subscription record not found")

	// ErrConflict is returned by CompareAndSet when the stored last event id
	// does not match the expected one
	ErrConflict = errors.New("subscription record conflict")

	// ErrStoreUnavailable is returned when the store cannot be reached
	ErrStoreUnavailable = errors.New("subscription store unavailable")

	// ErrRetriesExhausted is returned when Apply gave up after MaxAttempts transient failures
	ErrRetriesExhausted = errors.New("reconciliation retries exhausted")

	// ErrInvalidChange is returned for changes missing required identifiers
	ErrInvalidChange = errors.New("invalid subscription change")

	// ErrInvalidRecord is returned by stores for records that cannot be persisted
	ErrInvalidRecord = errors.New("invalid subscription record")

	// ErrInvalidStatus is returned for unknown status strings
	ErrInvalidStatus = errors.New("invalid subscription status")

	// ErrNotSupported is returned when the underlying store lacks an optional capability
	ErrNotSupported = errors.New("operation not supported by store")
)

// IsTransient reports whether err is worth retrying. Caller input errors are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrInvalidChange) && !errors.Is(err, ErrInvalidRecord)
}
