package api

import "time"

// SubscriptionResponse is the stored subscription state of one customer
type SubscriptionResponse struct {
	CustomerID         string     `json:"customer_id"`
	SubscriptionID     string     `json:"subscription_id,omitempty"`
	Status             string     `json:"status"`
	Entitled           bool       `json:"entitled"`
	CurrentPeriodEnd   *time.Time `json:"current_period_end,omitempty"`
	TrialEnd           *time.Time `json:"trial_end,omitempty"`
	CancelAtPeriodEnd  bool       `json:"cancel_at_period_end"`
	PlanID             string     `json:"plan_id,omitempty"`
	LastEventID        string     `json:"last_event_id"`
	LastEventTimestamp time.Time  `json:"last_event_timestamp"`
}

// SummaryResponse counts subscription records by status
type SummaryResponse struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"` // every known status, zero when absent
}
