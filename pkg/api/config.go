package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/caltrax/subsync/pkg/subsync"
)

// Config holds configuration for the subscription admin API handler
type Config struct {
	// Store is read for lookups and summaries (required).
	// Summaries need a store implementing subsync.StatusCounter.
	Store subsync.Store

	// GetCustomerID extracts the customer ID from the HTTP request (required)
	GetCustomerID func(*http.Request) string

	// OnError handles errors (not found, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Now is used to evaluate entitlement. Defaults to time.Now.
	Now func() time.Time
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	if c.GetCustomerID == nil {
		return fmt.Errorf("getCustomerID is required")
	}
	return nil
}

// NewHandler creates a new admin API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common CustomerID extraction patterns

// FromHeader returns a GetCustomerID function that extracts the customer ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromPathValue returns a GetCustomerID function that reads a named path
// wildcard set by the router
func FromPathValue(name string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.PathValue(name)
	}
}

// FromContext returns a GetCustomerID function that extracts the customer ID from request context
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if customerID, ok := r.Context().Value(key).(string); ok {
			return customerID
		}
		return ""
	}
}
