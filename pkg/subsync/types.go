package subsync

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a customer's subscription
type Status string

const (
	StatusNone     Status = "none"
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
	StatusUnpaid   Status = "unpaid"
)

// Statuses lists every known status in display order
var Statuses = []Status{
	StatusNone,
	StatusTrialing,
	StatusActive,
	StatusPastDue,
	StatusCanceled,
	StatusUnpaid,
}

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	switch s {
	case StatusNone, StatusTrialing, StatusActive, StatusPastDue, StatusCanceled, StatusUnpaid:
		return true
	}
	return false
}

// ParseStatus converts a raw string into a Status
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
	return s, nil
}

// SubscriptionRecord is the locally held subscription state of one customer.
// CustomerID is the unique key; at most one record exists per customer.
type SubscriptionRecord struct {
	CustomerID        string     `json:"customer_id"`
	SubscriptionID    string     `json:"subscription_id,omitempty"`
	Status            Status     `json:"status"`
	CurrentPeriodEnd  time.Time  `json:"current_period_end"`
	TrialEnd          *time.Time `json:"trial_end,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
	PlanID            string     `json:"plan_id,omitempty"`

	// LastEventID is the provider event id of the last applied change
	LastEventID string `json:"last_event_id"`

	// LastEventTimestamp is the provider timestamp of that event
	LastEventTimestamp time.Time `json:"last_event_timestamp"`
}

// Clone returns a deep copy of the record
func (r *SubscriptionRecord) Clone() *SubscriptionRecord {
	if r == nil {
		return nil
	}
	cp := *r
	if r.TrialEnd != nil {
		t := *r.TrialEnd
		cp.TrialEnd = &t
	}
	return &cp
}

// Entitled reports whether the customer should have access to paid features at now.
// A past_due subscription keeps access until the end of the paid period.
func (r *SubscriptionRecord) Entitled(now time.Time) bool {
	if r == nil {
		return false
	}
	switch r.Status {
	case StatusActive:
		return true
	case StatusTrialing:
		return r.TrialEnd == nil || now.Before(*r.TrialEnd)
	case StatusPastDue:
		return !r.CurrentPeriodEnd.IsZero() && now.Before(r.CurrentPeriodEnd)
	default:
		return false
	}
}

// Validate checks the fields every stored record must carry
func (r *SubscriptionRecord) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidRecord)
	}
	if r.CustomerID == "" {
		return fmt.Errorf("%w: customer id is required", ErrInvalidRecord)
	}
	if r.LastEventID == "" {
		return fmt.Errorf("%w: last event id is required", ErrInvalidRecord)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvalidRecord, r.Status)
	}
	return nil
}

// ChangeKind identifies how a Change derives the next record
type ChangeKind string

const (
	// KindSnapshot carries the full subscription state (created/updated events)
	KindSnapshot ChangeKind = "snapshot"

	// KindCanceled marks the subscription as ended (deleted events)
	KindCanceled ChangeKind = "canceled"

	// KindPaymentFailed moves the subscription to past_due unless already canceled
	KindPaymentFailed ChangeKind = "payment_failed"
)

// Change is a normalized, provider-independent subscription state change
type Change struct {
	Kind      ChangeKind
	EventID   string
	EventType string

	// EventTimestamp is the provider's creation time of the event
	EventTimestamp time.Time

	CustomerID        string
	SubscriptionID    string
	Status            Status
	CurrentPeriodEnd  time.Time
	TrialEnd          *time.Time
	CancelAtPeriodEnd bool
	PlanID            string
}

// Validate checks that the change carries its required identifiers
func (c *Change) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil change", ErrInvalidChange)
	}
	if c.CustomerID == "" {
		return fmt.Errorf("%w: customer id is required", ErrInvalidChange)
	}
	if c.EventID == "" {
		return fmt.Errorf("%w: event id is required", ErrInvalidChange)
	}
	if c.EventTimestamp.IsZero() {
		return fmt.Errorf("%w: event timestamp is required", ErrInvalidChange)
	}
	switch c.Kind {
	case KindSnapshot:
		if !c.Status.Valid() {
			return fmt.Errorf("%w: status %q", ErrInvalidChange, c.Status)
		}
	case KindCanceled, KindPaymentFailed:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidChange, c.Kind)
	}
	return nil
}

// nextRecord derives the full replacement record for existing (nil when absent)
func (c *Change) nextRecord(existing *SubscriptionRecord) *SubscriptionRecord {
	var next *SubscriptionRecord

	switch c.Kind {
	case KindPaymentFailed:
		// the invoice's subscription, plan and period win over the stored ones;
		// trial end and cancel-at-period-end are not on invoices and are kept
		if existing != nil {
			next = existing.Clone()
			if c.SubscriptionID != "" {
				next.SubscriptionID = c.SubscriptionID
			}
			if c.PlanID != "" {
				next.PlanID = c.PlanID
			}
			if !c.CurrentPeriodEnd.IsZero() {
				next.CurrentPeriodEnd = c.CurrentPeriodEnd.UTC()
			}
		} else {
			next = c.snapshot()
		}
		if next.Status != StatusCanceled {
			next.Status = StatusPastDue
		}
	case KindCanceled:
		next = c.snapshot()
		next.Status = StatusCanceled
	default:
		next = c.snapshot()
	}

	next.CustomerID = c.CustomerID
	next.LastEventID = c.EventID
	next.LastEventTimestamp = c.EventTimestamp.UTC()
	return next
}

func (c *Change) snapshot() *SubscriptionRecord {
	rec := &SubscriptionRecord{
		CustomerID:        c.CustomerID,
		SubscriptionID:    c.SubscriptionID,
		Status:            c.Status,
		CurrentPeriodEnd:  c.CurrentPeriodEnd.UTC(),
		CancelAtPeriodEnd: c.CancelAtPeriodEnd,
		PlanID:            c.PlanID,
	}
	if !rec.Status.Valid() {
		rec.Status = StatusNone
	}
	if c.TrialEnd != nil {
		t := c.TrialEnd.UTC()
		rec.TrialEnd = &t
	}
	return rec
}

// Outcome is the result class of applying a Change
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeSkipped Outcome = "skipped"
)

// SkipReason explains why a change was not applied
type SkipReason string

const (
	SkipDuplicate SkipReason = "duplicate"
	SkipStale     SkipReason = "stale"
)

// Result describes what Apply did
type Result struct {
	Outcome Outcome
	Reason  SkipReason

	// Record is the stored record after Apply (unchanged when skipped)
	Record *SubscriptionRecord

	// Previous is the record before Apply, nil when none existed
	Previous *SubscriptionRecord

	// Attempts is the number of load-modify-store rounds used
	Attempts int
}

// Applied reports whether the change was written
func (r *Result) Applied() bool {
	return r != nil && r.Outcome == OutcomeApplied
}
