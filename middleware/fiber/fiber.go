// Package fiber provides Fiber middleware that gates routes on an active subscription
package fiber

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/caltrax/subsync/pkg/subsync"
)

// CustomerIDExtractor extracts the customer ID from a Fiber context
// Return empty string if the caller is not authenticated
type CustomerIDExtractor func(c *fiber.Ctx) string

// SubscriptionKey is the Fiber locals key holding the admitted *subsync.SubscriptionRecord
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
	OnPaymentRequired func(c *fiber.Ctx, rec *subsync.SubscriptionRecord) error

	// OnUnauthorized is called when the customer is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when the store cannot be read
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that only lets entitled customers through
func Middleware(cfg Config) fiber.Handler {
	if cfg.Store == nil {
		panic("subsync/fiber: Config.Store is required")
	}
	if cfg.GetCustomerID == nil {
		panic("subsync/fiber: Config.GetCustomerID is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.PaymentRequiredStatusCode == 0 {
		cfg.PaymentRequiredStatusCode = fiber.StatusPaymentRequired
	}

	return func(c *fiber.Ctx) error {
		customerID := cfg.GetCustomerID(c)
		if customerID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return defaultUnauthorized(c)
		}

		// fasthttp has no request context; UserContext carries the caller's
		rec, err := cfg.Store.Get(c.UserContext(), customerID)
		if err != nil && !errors.Is(err, subsync.ErrRecordNotFound) {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return defaultError(c, err)
		}

		c.Set("X-Subscription-Status", string(statusOf(rec)))

		if !rec.Entitled(cfg.Now()) {
			if cfg.OnPaymentRequired != nil {
				return cfg.OnPaymentRequired(c, rec)
			}
			return defaultPaymentRequired(c, rec, cfg.PaymentRequiredStatusCode)
		}

		c.Locals(SubscriptionKey, rec)
		return c.Next()
	}
}

func statusOf(rec *subsync.SubscriptionRecord) subsync.Status {
	if rec == nil {
		return subsync.StatusNone
	}
	return rec.Status
}

// Default error handlers

func defaultUnauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
}

func defaultPaymentRequired(c *fiber.Ctx, rec *subsync.SubscriptionRecord, statusCode int) error {
	return c.Status(statusCode).JSON(fiber.Map{
		"error":  "Subscription required",
		"status": string(statusOf(rec)),
	})
}

func defaultError(c *fiber.Ctx, err error) error {
	if errors.Is(err, subsync.ErrStoreUnavailable) {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "Service Unavailable"})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
}

// Convenience extractors for Customer ID

// FromLocals returns a CustomerIDExtractor that reads c.Locals(key) set by an auth middleware
func FromLocals(key string) CustomerIDExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a CustomerIDExtractor that gets customer ID from a header
func FromHeader(headerName string) CustomerIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a CustomerIDExtractor that gets customer ID from a route parameter
func FromParam(paramName string) CustomerIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// Subscription returns the record the middleware admitted the request with
func Subscription(c *fiber.Ctx) (*subsync.SubscriptionRecord, bool) {
	rec, ok := c.Locals(SubscriptionKey).(*subsync.SubscriptionRecord)
	return rec, ok
}
