package stripe

import (
	"net/http"
	"time"

	"github.com/caltrax/subsync/pkg/billing"
	"github.com/caltrax/subsync/pkg/billing/internal"
	"github.com/caltrax/subsync/pkg/subsync"
)

const (
	providerName             = "stripe"
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Reconciler, WebhookSecret, callback, metrics)

	// Tolerance bounds the age of a signed delivery (default: 5m)
	Tolerance time.Duration

	// MaxBodyBytes caps the webhook payload size (default: 256 KiB)
	MaxBodyBytes int64

	// RateLimitRequests is the per-client request budget per RateLimitWindow (default: 100/min)
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// TrustProxy keys the rate limiter by X-Forwarded-For
	TrustProxy bool
}

// Provider implements the billing.Provider interface for Stripe
type Provider struct {
	verifier     *Verifier
	normalizer   *Normalizer
	reconciler   *subsync.Reconciler
	rateLimiter  *internal.RateLimiter
	callback     billing.WebhookCallback
	maxBodyBytes int64
	metrics      billing.Metrics
	logger       subsync.Logger
}

// NewProvider creates a new Stripe billing provider.
// A missing webhook secret is not an error here; deliveries are then rejected with 500.
func NewProvider(config Config) (*Provider, error) {
	if config.Reconciler == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &subsync.NoopLogger{}
	}

	limit := config.RateLimitRequests
	if limit <= 0 {
		limit = defaultRateLimitRequests
	}
	window := config.RateLimitWindow
	if window <= 0 {
		window = defaultRateLimitWindow
	}
	opts := []internal.RateLimiterOption{
		internal.WithRejectHook(func(ip string) {
			metrics.RecordWebhookError(providerName, "rate_limited")
			logger.Warn("webhook rate limited", subsync.Field{Key: "client_ip", Value: ip})
		}),
	}
	if config.TrustProxy {
		opts = append(opts, internal.WithTrustedProxy())
	}

	maxBody := config.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = internal.DefaultMaxBodyBytes
	}

	return &Provider{
		verifier:     NewVerifier(config.WebhookSecret, config.Tolerance),
		normalizer:   NewNormalizer(),
		reconciler:   config.Reconciler,
		rateLimiter:  internal.NewRateLimiter(limit, window, opts...),
		callback:     config.WebhookCallback,
		maxBodyBytes: maxBody,
		metrics:      metrics,
		logger:       logger,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	handler := http.HandlerFunc(p.handleWebhook)
	// Wrap with rate limiting
	return p.rateLimiter.Middleware(handler)
}

var _ billing.Provider = (*Provider)(nil)
