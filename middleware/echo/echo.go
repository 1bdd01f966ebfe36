// Package echo provides Echo middleware that gates routes on an active subscription
package echo

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/caltrax/subsync/pkg/subsync"
)

// CustomerIDExtractor extracts the customer ID from an Echo context
// Return empty string if the caller is not authenticated
type CustomerIDExtractor func(c echo.Context) string

// SubscriptionKey is the Echo context key holding the admitted *subsync.SubscriptionRecord
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
	// rec is nil when no record exists.
	OnPaymentRequired func(c echo.Context, rec *subsync.SubscriptionRecord) error

	// OnUnauthorized is called when the customer is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when the store cannot be read
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that only lets entitled customers through
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Store == nil {
		panic("subsync/echo: Config.Store is required")
	}
	if cfg.GetCustomerID == nil {
		panic("subsync/echo: Config.GetCustomerID is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.PaymentRequiredStatusCode == 0 {
		cfg.PaymentRequiredStatusCode = http.StatusPaymentRequired
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			customerID := cfg.GetCustomerID(c)
			if customerID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return defaultUnauthorized(c)
			}

			rec, err := cfg.Store.Get(c.Request().Context(), customerID)
			if err != nil && !errors.Is(err, subsync.ErrRecordNotFound) {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return defaultError(c, err)
			}

			c.Response().Header().Set("X-Subscription-Status", string(statusOf(rec)))

			if !rec.Entitled(cfg.Now()) {
				if cfg.OnPaymentRequired != nil {
					return cfg.OnPaymentRequired(c, rec)
				}
				return defaultPaymentRequired(c, rec, cfg.PaymentRequiredStatusCode)
			}

			c.Set(SubscriptionKey, rec)
			return next(c)
		}
	}
}

func statusOf(rec *subsync.SubscriptionRecord) subsync.Status {
	if rec == nil {
		return subsync.StatusNone
	}
	return rec.Status
}

// Default error handlers

func defaultUnauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

func defaultPaymentRequired(c echo.Context, rec *subsync.SubscriptionRecord, statusCode int) error {
	return c.JSON(statusCode, map[string]string{
		"error":  "Subscription required",
		"status": string(statusOf(rec)),
	})
}

func defaultError(c echo.Context, err error) error {
	if errors.Is(err, subsync.ErrStoreUnavailable) {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Service Unavailable"})
	}
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
}

// Convenience extractors for Customer ID

// FromContext returns a CustomerIDExtractor that gets customer ID from Echo context values
// set by an auth middleware via c.Set(key, customerID).
func FromContext(key string) CustomerIDExtractor {
	return func(c echo.Context) string {
		if val := c.Get(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a CustomerIDExtractor that gets customer ID from a header
func FromHeader(headerName string) CustomerIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a CustomerIDExtractor that gets customer ID from a route parameter
func FromParam(paramName string) CustomerIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// Subscription returns the record the middleware admitted the request with
func Subscription(c echo.Context) (*subsync.SubscriptionRecord, bool) {
	rec, ok := c.Get(SubscriptionKey).(*subsync.SubscriptionRecord)
	return rec, ok
}
