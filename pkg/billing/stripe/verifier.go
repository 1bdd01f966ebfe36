package stripe

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/caltrax/subsync/pkg/billing"
)

// SignatureHeader carries the Stripe signature of a delivery
const SignatureHeader = "Stripe-Signature"

// DefaultTolerance bounds the age of a signed delivery
const DefaultTolerance = webhook.DefaultTolerance

// Verifier authenticates raw webhook payloads against the shared signing secret.
// Verification runs over the exact received bytes, never a re-serialized form.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

// NewVerifier creates a Verifier. A zero tolerance uses DefaultTolerance.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{
		secret:    strings.TrimSpace(secret),
		tolerance: tolerance,
	}
}

// Configured reports whether a signing secret is set
func (v *Verifier) Configured() bool {
	return v.secret != ""
}

// Verify checks header against payload. It returns billing.ErrMissingConfiguration
// when no secret is configured and billing.ErrInvalidWebhookSignature for an
// absent, malformed, expired or mismatching signature.
func (v *Verifier) Verify(payload []byte, header string) error {
	if !v.Configured() {
		return billing.ErrMissingConfiguration
	}
	if strings.TrimSpace(header) == "" {
		return fmt.Errorf("%w: missing %s header", billing.ErrInvalidWebhookSignature, SignatureHeader)
	}

	err := webhook.ValidatePayloadWithTolerance(payload, header, v.secret, v.tolerance)
	if err == nil {
		return nil
	}

	reason := "signature mismatch"
	switch {
	case errors.Is(err, webhook.ErrNotSigned):
		reason = "no v1 signature"
	case errors.Is(err, webhook.ErrInvalidHeader):
		reason = "malformed header"
	case errors.Is(err, webhook.ErrTooOld):
		reason = "timestamp outside tolerance"
	}
	return fmt.Errorf("%w: %s", billing.ErrInvalidWebhookSignature, reason)
}
