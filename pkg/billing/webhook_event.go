package billing

import (
	"context"
	"time"

	"github.com/caltrax/subsync/pkg/subsync"
)

// StatusChangeEvent describes a change that was applied to a subscription record.
// It is passed to the WebhookCallback after the store accepted the new record.
type StatusChangeEvent struct {
	CustomerID     string
	SubscriptionID string

	// PreviousStatus is "none" when the record was created by this event
	PreviousStatus subsync.Status
	NewStatus      subsync.Status

	// Provider is the billing provider name ("stripe")
	Provider string

	EventID        string
	EventType      string
	EventTimestamp time.Time

	CurrentPeriodEnd time.Time
	PlanID           string
}

// StatusChanged reports whether the event moved the subscription to another status
func (e StatusChangeEvent) StatusChanged() bool {
	return e.PreviousStatus != e.NewStatus
}

// WebhookCallback is notified about applied changes
type WebhookCallback func(ctx context.Context, event StatusChangeEvent) error

// NewStatusChangeEvent builds the callback payload from a reconcile result
func NewStatusChangeEvent(provider string, change *subsync.Change, res *subsync.Result) StatusChangeEvent {
	previous := subsync.StatusNone
	if res.Previous != nil {
		previous = res.Previous.Status
	}
	return StatusChangeEvent{
		CustomerID:       res.Record.CustomerID,
		SubscriptionID:   res.Record.SubscriptionID,
		PreviousStatus:   previous,
		NewStatus:        res.Record.Status,
		Provider:         provider,
		EventID:          change.EventID,
		EventType:        change.EventType,
		EventTimestamp:   change.EventTimestamp,
		CurrentPeriodEnd: res.Record.CurrentPeriodEnd,
		PlanID:           res.Record.PlanID,
	}
}
