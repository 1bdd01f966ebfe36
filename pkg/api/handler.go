package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/caltrax/subsync/pkg/subsync"
)

const maxCustomerIDLen = 255

var (
	errCustomerIDMissing  = errors.New("customer ID not found")
	errCustomerIDInvalid  = errors.New("invalid customer ID format")
	errNotFound           = errors.New("subscription not found")
	errSummaryUnsupported = errors.New("status summary not supported by store")
)

// Handler provides read-only HTTP endpoints over the subscription store
type Handler struct {
	config Config
}

// GetSubscription returns the stored subscription of one customer
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	customerID := h.config.GetCustomerID(r)
	if customerID == "" {
		h.handleError(w, r, errCustomerIDMissing, http.StatusBadRequest)
		return
	}
	if len(customerID) > maxCustomerIDLen {
		h.handleError(w, r, errCustomerIDInvalid, http.StatusBadRequest)
		return
	}

	rec, err := h.config.Store.Get(r.Context(), customerID)
	switch {
	case errors.Is(err, subsync.ErrRecordNotFound):
		h.handleError(w, r, errNotFound, http.StatusNotFound)
		return
	case err != nil:
		h.handleError(w, r, fmt.Errorf("failed to get subscription: %w", err), storeStatus(err))
		return
	}

	writeJSON(w, http.StatusOK, toResponse(rec, h.config.Now()))
}

// GetSummary returns record counts per status
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	counter, ok := h.config.Store.(subsync.StatusCounter)
	if !ok {
		h.handleError(w, r, errSummaryUnsupported, http.StatusNotImplemented)
		return
	}

	counts, err := counter.CountByStatus(r.Context())
	if errors.Is(err, subsync.ErrNotSupported) {
		h.handleError(w, r, errSummaryUnsupported, http.StatusNotImplemented)
		return
	}
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to count subscriptions: %w", err), storeStatus(err))
		return
	}

	resp := SummaryResponse{ByStatus: make(map[string]int, len(subsync.Statuses))}
	for _, st := range subsync.Statuses {
		resp.ByStatus[string(st)] = counts[st]
		resp.Total += counts[st]
	}
	writeJSON(w, http.StatusOK, resp)
}

func toResponse(rec *subsync.SubscriptionRecord, now time.Time) SubscriptionResponse {
	resp := SubscriptionResponse{
		CustomerID:         rec.CustomerID,
		SubscriptionID:     rec.SubscriptionID,
		Status:             string(rec.Status),
		Entitled:           rec.Entitled(now),
		TrialEnd:           rec.TrialEnd,
		CancelAtPeriodEnd:  rec.CancelAtPeriodEnd,
		PlanID:             rec.PlanID,
		LastEventID:        rec.LastEventID,
		LastEventTimestamp: rec.LastEventTimestamp,
	}
	if !rec.CurrentPeriodEnd.IsZero() {
		end := rec.CurrentPeriodEnd
		resp.CurrentPeriodEnd = &end
	}
	return resp
}

// storeStatus maps store failures; an unreachable store is worth retrying
func storeStatus(err error) int {
	if errors.Is(err, subsync.ErrStoreUnavailable) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// response already sent
		return
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	writeJSON(w, statusCode, map[string]string{
		"error": err.Error(),
	})
}
