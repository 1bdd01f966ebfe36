package subsync

import "time"

// Metrics defines the interface for tracking reconciliation operations.
type Metrics interface {
	// RecordApply records the outcome of one Apply call.
	// outcome: "applied", "skipped" or "error"; reason is empty unless skipped.
	RecordApply(kind ChangeKind, outcome, reason string)

	// RecordConflict records a compare-and-set conflict that triggered a retry.
	RecordConflict()

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordApply(kind ChangeKind, outcome, reason string)                        {}
func (n *NoopMetrics) RecordConflict()                                                            {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                               {}
