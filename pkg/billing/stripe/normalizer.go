package stripe

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/caltrax/subsync/pkg/billing"
	"github.com/caltrax/subsync/pkg/subsync"
)

// Event types the normalizer turns into changes
const (
	EventSubscriptionCreated = "customer.subscription.created"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
	EventPaymentFailed       = "invoice.payment_failed"
)

// recognized maps every handled event type to the change it produces.
// Any type missing here is ignored.
var recognized = map[string]subsync.ChangeKind{
	EventSubscriptionCreated: subsync.KindSnapshot,
	EventSubscriptionUpdated: subsync.KindSnapshot,
	EventSubscriptionDeleted: subsync.KindCanceled,
	EventPaymentFailed:       subsync.KindPaymentFailed,
}

// Normalized is the outcome of normalizing one verified payload.
// Exactly one of Change and Ignored is set.
type Normalized struct {
	EventID   string
	EventType string
	Change    *subsync.Change
	Ignored   bool

	// UnmappedStatus is the provider status when it had no local equivalent
	// and was recorded as none
	UnmappedStatus string
}

// Normalizer maps verified Stripe events onto provider-independent changes.
// It is pure and holds no state.
type Normalizer struct{}

// NewNormalizer creates a Normalizer
func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// Normalize parses payload. Unrecognized event types are Ignored; recognized
// events lacking an event id, timestamp or customer id fail with
// billing.ErrMalformedPayload.
func (n *Normalizer) Normalize(payload []byte) (*Normalized, error) {
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrMalformedPayload, err)
	}

	out := &Normalized{EventID: event.ID, EventType: string(event.Type)}

	kind, ok := recognized[out.EventType]
	if !ok {
		out.Ignored = true
		return out, nil
	}

	if event.ID == "" {
		return nil, fmt.Errorf("%w: missing event id", billing.ErrMalformedPayload)
	}
	if event.Created <= 0 {
		return nil, fmt.Errorf("%w: missing event timestamp", billing.ErrMalformedPayload)
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: missing data.object", billing.ErrMalformedPayload)
	}

	change := &subsync.Change{
		Kind:           kind,
		EventID:        event.ID,
		EventType:      out.EventType,
		EventTimestamp: time.Unix(event.Created, 0).UTC(),
	}

	var err error
	switch kind {
	case subsync.KindPaymentFailed:
		err = fillFromInvoice(change, event.Data.Raw)
	default:
		out.UnmappedStatus, err = fillFromSubscription(change, event.Data.Raw)
	}
	if err != nil {
		return nil, err
	}

	out.Change = change
	return out, nil
}

// periodFallback reads the pre-2025 top-level current_period_end
type periodFallback struct {
	CurrentPeriodEnd int64 `json:"current_period_end"`
}

func fillFromSubscription(change *subsync.Change, raw json.RawMessage) (string, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return "", fmt.Errorf("%w: subscription object: %v", billing.ErrMalformedPayload, err)
	}
	if sub.Customer == nil || sub.Customer.ID == "" {
		return "", fmt.Errorf("%w: subscription %s has no customer", billing.ErrMalformedPayload, sub.ID)
	}

	change.CustomerID = sub.Customer.ID
	change.SubscriptionID = sub.ID
	change.CancelAtPeriodEnd = sub.CancelAtPeriodEnd

	var unmapped string
	if change.Kind == subsync.KindCanceled {
		change.Status = subsync.StatusCanceled
	} else {
		status, ok := mapStatus(string(sub.Status))
		if !ok {
			unmapped = string(sub.Status)
		}
		change.Status = status
	}

	if sub.TrialEnd > 0 {
		t := time.Unix(sub.TrialEnd, 0).UTC()
		change.TrialEnd = &t
	}

	var periodEnd int64
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item == nil {
				continue
			}
			if change.PlanID == "" && item.Price != nil {
				change.PlanID = item.Price.ID
			}
			if item.CurrentPeriodEnd > periodEnd {
				periodEnd = item.CurrentPeriodEnd
			}
		}
	}
	if periodEnd == 0 {
		var fb periodFallback
		if err := json.Unmarshal(raw, &fb); err == nil {
			periodEnd = fb.CurrentPeriodEnd
		}
	}
	if periodEnd > 0 {
		change.CurrentPeriodEnd = time.Unix(periodEnd, 0).UTC()
	}
	return unmapped, nil
}

func fillFromInvoice(change *subsync.Change, raw json.RawMessage) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(raw, &invoice); err != nil {
		return fmt.Errorf("%w: invoice object: %v", billing.ErrMalformedPayload, err)
	}
	if invoice.Customer == nil || invoice.Customer.ID == "" {
		return fmt.Errorf("%w: invoice %s has no customer", billing.ErrMalformedPayload, invoice.ID)
	}

	change.CustomerID = invoice.Customer.ID
	change.SubscriptionID = invoiceSubscriptionID(raw)
	change.PlanID, change.CurrentPeriodEnd = invoicePeriod(raw)
	return nil
}

// invoiceLines holds the parts of invoice line items that describe the billed
// subscription period. Older API versions carry the price inline, newer ones
// under pricing.price_details.
type invoiceLines struct {
	Lines struct {
		Data []struct {
			Period struct {
				End int64 `json:"end"`
			} `json:"period"`
			Price *struct {
				ID string `json:"id"`
			} `json:"price"`
			Pricing *struct {
				PriceDetails *struct {
					Price string `json:"price"`
				} `json:"price_details"`
			} `json:"pricing"`
		} `json:"data"`
	} `json:"lines"`
}

// invoicePeriod returns the first line's price id and the latest line period end
func invoicePeriod(raw json.RawMessage) (string, time.Time) {
	var inv invoiceLines
	if err := json.Unmarshal(raw, &inv); err != nil {
		return "", time.Time{}
	}

	var planID string
	var periodEnd int64
	for _, line := range inv.Lines.Data {
		if planID == "" {
			switch {
			case line.Price != nil && line.Price.ID != "":
				planID = line.Price.ID
			case line.Pricing != nil && line.Pricing.PriceDetails != nil:
				planID = line.Pricing.PriceDetails.Price
			}
		}
		if line.Period.End > periodEnd {
			periodEnd = line.Period.End
		}
	}
	if periodEnd == 0 {
		return planID, time.Time{}
	}
	return planID, time.Unix(periodEnd, 0).UTC()
}

// invoiceSubscriptionID extracts the subscription id from the raw invoice.
// Newer API versions nest it under parent.subscription_details.
func invoiceSubscriptionID(raw json.RawMessage) string {
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return ""
	}
	if id := expandableID(data["subscription"]); id != "" {
		return id
	}
	parent, _ := data["parent"].(map[string]interface{})
	details, _ := parent["subscription_details"].(map[string]interface{})
	return expandableID(details["subscription"])
}

func expandableID(v interface{}) string {
	switch v := v.(type) {
	case string:
		return v
	case map[string]interface{}:
		id, _ := v["id"].(string)
		return id
	}
	return ""
}

// mapStatus converts a Stripe subscription status into the local status set.
// Statuses without a local equivalent map to none, which grants no access.
func mapStatus(raw string) (subsync.Status, bool) {
	switch raw {
	case "trialing":
		return subsync.StatusTrialing, true
	case "active":
		return subsync.StatusActive, true
	case "past_due":
		return subsync.StatusPastDue, true
	case "canceled", "incomplete_expired":
		return subsync.StatusCanceled, true
	case "unpaid":
		return subsync.StatusUnpaid, true
	case "incomplete", "paused":
		return subsync.StatusNone, true
	}
	return subsync.StatusNone, false
}
