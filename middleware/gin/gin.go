// Package gin provides Gin middleware that gates routes on an active subscription
package gin

import (
	"errors"
	"net/http"
	"time"

	gongin "github.com/gin-gonic/gin"

	"github.com/caltrax/subsync/pkg/subsync"
)

// CustomerIDExtractor extracts the customer ID from a Gin context
// Return empty string if the caller is not authenticated
type CustomerIDExtractor func(c *gongin.Context) string

// SubscriptionKey is the Gin context key holding the admitted *subsync.SubscriptionRecord
const SubscriptionKey = "subsync.subscription"

// Config holds middleware configuration
type Config struct {
	// Store is read for the customer's subscription record (required)
	Store subsync.Store

	// GetCustomerID extracts customer ID from context (required)
	GetCustomerID CustomerIDExtractor

	// Now is used to evaluate entitlement. Default: time.Now
	Now func() time.Time

	// PaymentRequiredStatusCode is returned when the customer is not entitled
	// Default: 402 (Payment Required)
	PaymentRequiredStatusCode int

	// OnPaymentRequired is called when the customer has no entitled subscription.
	// rec is nil when no record exists. The middleware aborts the chain afterwards.
	OnPaymentRequired func(c *gongin.Context, rec *subsync.SubscriptionRecord)

	// OnUnauthorized is called when the customer is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when the store cannot be read
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that only lets entitled customers through
func Middleware(cfg Config) gongin.HandlerFunc {
	if cfg.Store == nil {
		panic("subsync/gin: Config.Store is required")
	}
	if cfg.GetCustomerID == nil {
		panic("subsync/gin: Config.GetCustomerID is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.PaymentRequiredStatusCode == 0 {
		cfg.PaymentRequiredStatusCode = http.StatusPaymentRequired
	}

	return func(c *gongin.Context) {
		customerID := cfg.GetCustomerID(c)
		if customerID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				defaultUnauthorized(c)
			}
			c.Abort()
			return
		}

		rec, err := cfg.Store.Get(c.Request.Context(), customerID)
		if err != nil && !errors.Is(err, subsync.ErrRecordNotFound) {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				defaultError(c, err)
			}
			c.Abort()
			return
		}

		c.Header("X-Subscription-Status", string(statusOf(rec)))

		if !rec.Entitled(cfg.Now()) {
			if cfg.OnPaymentRequired != nil {
				cfg.OnPaymentRequired(c, rec)
			} else {
				defaultPaymentRequired(c, rec, cfg.PaymentRequiredStatusCode)
			}
			c.Abort()
			return
		}

		c.Set(SubscriptionKey, rec)
		c.Next()
	}
}

func statusOf(rec *subsync.SubscriptionRecord) subsync.Status {
	if rec == nil {
		return subsync.StatusNone
	}
	return rec.Status
}

// Default error handlers

func defaultUnauthorized(c *gongin.Context) {
	c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
}

func defaultPaymentRequired(c *gongin.Context, rec *subsync.SubscriptionRecord, statusCode int) {
	c.JSON(statusCode, gongin.H{
		"error":  "Subscription required",
		"status": string(statusOf(rec)),
	})
}

func defaultError(c *gongin.Context, err error) {
	if errors.Is(err, subsync.ErrStoreUnavailable) {
		c.JSON(http.StatusServiceUnavailable, gongin.H{"error": "Service Unavailable"})
		return
	}
	c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
}

// Convenience extractors for Customer ID

// FromContext returns a CustomerIDExtractor that gets customer ID from Gin context values
// set by an auth middleware via c.Set(key, customerID).
func FromContext(key string) CustomerIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetString(key)
	}
}

// FromHeader returns a CustomerIDExtractor that gets customer ID from a header
func FromHeader(headerName string) CustomerIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a CustomerIDExtractor that gets customer ID from a route parameter
func FromParam(paramName string) CustomerIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// Subscription returns the record the middleware admitted the request with
func Subscription(c *gongin.Context) (*subsync.SubscriptionRecord, bool) {
	val, ok := c.Get(SubscriptionKey)
	if !ok {
		return nil, false
	}
	rec, ok := val.(*subsync.SubscriptionRecord)
	return rec, ok
}
