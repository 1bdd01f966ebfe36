// Package http provides net/http middleware that gates routes on an active subscription
package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/caltrax/subsync/pkg/subsync"
)

// CustomerIDExtractor extracts the customer ID from an HTTP request
// Return empty string if the caller is not authenticated
type CustomerIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Store is read for the customer's subscription record (required)
	Store subsync.Store

	// GetCustomerID extracts customer ID from request (required)
	GetCustomerID CustomerIDExtractor

	// Now is used to evaluate entitlement. Default: time.Now
	Now func() time.Time

	// OnPaymentRequired is called when the customer has no entitled subscription.
	// rec is nil when no record exists.
	// If nil, returns 402 Payment Required
	OnPaymentRequired func(w http.ResponseWriter, r *http.Request, rec *subsync.SubscriptionRecord)

	// OnUnauthorized is called when the customer is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when the store cannot be read
	// If nil, returns 503 for an unavailable store and 500 otherwise
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// StatusHeader carries the subscription status on every gated response
const StatusHeader = "X-Subscription-Status"

// Middleware creates an HTTP middleware that only lets entitled customers through
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Store == nil {
		panic("subsync/http: Config.Store is required")
	}
	if config.GetCustomerID == nil {
		panic("subsync/http: Config.GetCustomerID is required")
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			customerID := config.GetCustomerID(r)
			if customerID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			rec, err := config.Store.Get(r.Context(), customerID)
			if err != nil && !errors.Is(err, subsync.ErrRecordNotFound) {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else if errors.Is(err, subsync.ErrStoreUnavailable) {
					http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}

			status := subsync.StatusNone
			if rec != nil {
				status = rec.Status
			}
			w.Header().Set(StatusHeader, string(status))

			if !rec.Entitled(config.Now()) {
				if config.OnPaymentRequired != nil {
					config.OnPaymentRequired(w, r, rec)
				} else {
					http.Error(w, "Payment Required: subscription "+string(status), http.StatusPaymentRequired)
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(WithSubscription(r.Context(), rec)))
		})
	}
}

// HandlerFunc creates the middleware for a single http.HandlerFunc
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return middleware(next).ServeHTTP
	}
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// CustomerIDKey is the context key for customer ID
	CustomerIDKey ContextKey = "subsync:customerID"

	subscriptionKey ContextKey = "subsync:subscription"
)

// WithCustomerID adds customer ID to request context
func WithCustomerID(ctx context.Context, customerID string) context.Context {
	return context.WithValue(ctx, CustomerIDKey, customerID)
}

// WithSubscription adds the entitled subscription record to ctx
func WithSubscription(ctx context.Context, rec *subsync.SubscriptionRecord) context.Context {
	return context.WithValue(ctx, subscriptionKey, rec)
}

// SubscriptionFromContext returns the record the middleware admitted the request with
func SubscriptionFromContext(ctx context.Context) (*subsync.SubscriptionRecord, bool) {
	rec, ok := ctx.Value(subscriptionKey).(*subsync.SubscriptionRecord)
	return rec, ok
}

// FromContext returns a CustomerIDExtractor that gets customer ID from request context
func FromContext(key ContextKey) CustomerIDExtractor {
	return func(r *http.Request) string {
		if customerID, ok := r.Context().Value(key).(string); ok {
			return customerID
		}
		return ""
	}
}

// FromHeader returns a CustomerIDExtractor that gets customer ID from a header
func FromHeader(headerName string) CustomerIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}
