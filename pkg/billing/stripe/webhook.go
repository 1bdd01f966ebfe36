package stripe

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/caltrax/subsync/pkg/billing"
	"github.com/caltrax/subsync/pkg/billing/internal"
	"github.com/caltrax/subsync/pkg/subsync"
)

// receivedResponse is the body of every 200 answer
type receivedResponse struct {
	Received bool `json:"received"`
}

// handleWebhook runs verify, normalize and reconcile for one delivery.
// 2xx tells Stripe to stop retrying, so only durable outcomes answer 200.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		internal.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := internal.ReadBodyStrict(w, r, p.maxBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			internal.WriteError(w, http.StatusRequestEntityTooLarge, "payload too large")
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			internal.WriteError(w, http.StatusBadRequest, "invalid payload")
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	if err := p.verifier.Verify(body, r.Header.Get(SignatureHeader)); err != nil {
		if errors.Is(err, billing.ErrMissingConfiguration) {
			p.logger.Error("webhook secret not configured")
			internal.WriteError(w, http.StatusInternalServerError, "webhook not configured")
			p.metrics.RecordWebhookError(providerName, "missing_configuration")
			return
		}
		p.logger.Warn("webhook signature rejected", subsync.Field{Key: "error", Value: err})
		internal.WriteError(w, http.StatusBadRequest, "invalid signature")
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	normalized, err := p.normalizer.Normalize(body)
	if err != nil {
		p.logger.Warn("webhook payload rejected", subsync.Field{Key: "error", Value: err})
		internal.WriteError(w, http.StatusBadRequest, "malformed payload")
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		return
	}

	eventType := normalized.EventType
	if eventType == "" {
		eventType = "UNKNOWN"
	}
	defer func() {
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
	}()

	if normalized.Ignored {
		p.logger.Debug("webhook event ignored",
			subsync.Field{Key: "event_id", Value: normalized.EventID},
			subsync.Field{Key: "event_type", Value: eventType},
		)
		p.metrics.RecordWebhookEvent(providerName, eventType, "ignored")
		p.writeReceived(w)
		return
	}

	if normalized.UnmappedStatus != "" {
		p.logger.Warn("unknown subscription status recorded as none",
			subsync.Field{Key: "event_id", Value: normalized.EventID},
			subsync.Field{Key: "status", Value: normalized.UnmappedStatus},
		)
	}

	res, err := p.reconciler.Apply(r.Context(), normalized.Change)
	if err != nil {
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		if errors.Is(err, subsync.ErrInvalidChange) {
			internal.WriteError(w, http.StatusBadRequest, "malformed payload")
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
			return
		}
		p.logger.Error("webhook processing failed",
			subsync.Field{Key: "event_id", Value: normalized.EventID},
			subsync.Field{Key: "event_type", Value: eventType},
			subsync.Field{Key: "error", Value: err},
		)
		internal.WriteError(w, http.StatusInternalServerError, "failed to process webhook")
		p.metrics.RecordWebhookError(providerName, "processing_error")
		return
	}

	p.metrics.RecordWebhookEvent(providerName, eventType, string(res.Outcome))
	if res.Applied() {
		p.notify(r.Context(), normalized.Change, res)
	}
	p.writeReceived(w)
}

// notify records the status transition and runs the callback. Callback failures
// never change the answer: the record is already stored.
func (p *Provider) notify(ctx context.Context, change *subsync.Change, res *subsync.Result) {
	event := billing.NewStatusChangeEvent(providerName, change, res)
	if event.StatusChanged() {
		p.metrics.RecordStatusChange(providerName, string(event.PreviousStatus), string(event.NewStatus))
	}
	if p.callback == nil {
		return
	}
	if err := p.callback(ctx, event); err != nil {
		p.metrics.RecordCallbackError(providerName)
		p.logger.Error("webhook callback failed",
			subsync.Field{Key: "customer_id", Value: event.CustomerID},
			subsync.Field{Key: "event_id", Value: event.EventID},
			subsync.Field{Key: "error", Value: err},
		)
	}
}

func (p *Provider) writeReceived(w http.ResponseWriter) {
	_ = internal.WriteJSON(w, http.StatusOK, receivedResponse{Received: true})
}
