package billing

import (
	"github.com/caltrax/subsync/pkg/subsync"
)

// Config defines the standard configuration all providers should accept
type Config struct {
	// Reconciler applies normalized changes to the subscription store
	Reconciler *subsync.Reconciler

	// WebhookSecret is the signing secret used to verify incoming webhook requests.
	// When empty, every delivery is answered with 500 so the provider keeps retrying.
	WebhookSecret string

	// WebhookCallback is invoked after a change was applied to the store.
	// Errors are logged and never fail the delivery.
	WebhookCallback WebhookCallback

	// Logger is an optional structured logger. If nil, logs are discarded.
	Logger subsync.Logger

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics
}
