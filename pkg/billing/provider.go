package billing

import (
	"net/http"
)

// Provider is the interface a billing backend implements to feed subscription
// changes into the reconciler.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that processes real-time events.
	// The implementation handles verification, normalization and reconciliation internally.
	WebhookHandler() http.Handler
}
