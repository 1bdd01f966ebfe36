package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is missing a required dependency
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrMissingConfiguration is returned when no webhook signing secret is configured
	ErrMissingConfiguration = errors.New("webhook signing secret not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrMalformedPayload is returned when a verified payload lacks required fields
	// or cannot be parsed
	ErrMalformedPayload = errors.New("malformed webhook payload")
)
