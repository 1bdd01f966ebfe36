// Command server receives Stripe subscription webhooks and keeps the local
// subscription records in step with the billing provider.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/caltrax/subsync/pkg/api"
	"github.com/caltrax/subsync/pkg/billing"
	billingprom "github.com/caltrax/subsync/pkg/billing/metrics/prometheus"
	"github.com/caltrax/subsync/pkg/billing/stripe"
	"github.com/caltrax/subsync/pkg/subsync"
	zerologadapter "github.com/caltrax/subsync/pkg/subsync/logger/zerolog"
	prommetrics "github.com/caltrax/subsync/pkg/subsync/metrics/prometheus"
)

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	zlog := newLogger(cfg, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zlog); err != nil {
		zlog.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
	zlog.Info().Msg("server stopped")
}

func newLogger(cfg Config, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.development() {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "subsync").Logger()
}

func run(ctx context.Context, cfg Config, zlog zerolog.Logger) error {
	logger := zerologadapter.NewLogger(&zlog)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	storeMetrics := prommetrics.NewMetrics(reg, cfg.MetricsNamespace)
	webhookMetrics := billingprom.NewMetrics(reg, cfg.MetricsNamespace)

	backend, closeStore, err := openStore(ctx, cfg, zlog)
	if err != nil {
		return err
	}
	defer closeStore()

	cb := subsync.NewDefaultCircuitBreaker(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerReset,
		func(state subsync.CircuitBreakerState) {
			storeMetrics.RecordCircuitBreakerStateChange(string(state))
			zlog.Warn().Str("state", string(state)).Msg("store circuit breaker changed state")
		})
	store := subsync.NewCircuitBreakerStore(backend, cb)

	reconciler, err := subsync.NewReconciler(store, subsync.Config{
		MaxAttempts:  cfg.ReconcileMaxAttempts,
		StoreTimeout: cfg.StoreTimeout,
		Logger:       logger,
		Metrics:      storeMetrics,
	})
	if err != nil {
		return fmt.Errorf("create reconciler: %w", err)
	}

	if cfg.StripeWebhookSecret == "" {
		zlog.Warn().Msg("STRIPE_WEBHOOK_SECRET is not set; webhook deliveries will be rejected")
	}
	provider, err := stripe.NewProvider(stripe.Config{
		Config: billing.Config{
			Reconciler:      reconciler,
			WebhookSecret:   cfg.StripeWebhookSecret,
			WebhookCallback: logStatusChange(zlog),
			Logger:          logger,
			Metrics:         webhookMetrics,
		},
		Tolerance:  cfg.WebhookTolerance,
		TrustProxy: cfg.TrustProxy,
	})
	if err != nil {
		return fmt.Errorf("create stripe provider: %w", err)
	}

	if cfg.AdminAPIToken == "" {
		zlog.Warn().Msg("ADMIN_API_TOKEN is not set; /subscriptions endpoints are disabled")
	}
	admin, err := api.NewHandler(api.Config{
		Store:         store,
		GetCustomerID: customerIDParam,
	})
	if err != nil {
		return fmt.Errorf("create admin api: %w", err)
	}

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           newRouter(zlog, provider, admin, store, reg, cfg.AdminAPIToken),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zlog.Info().Str("addr", srv.Addr).Str("store", cfg.StoreBackend).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		zlog.Info().Msg("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// newRouter mounts the admin endpoints only when adminToken is set
func newRouter(zlog zerolog.Logger, provider billing.Provider, admin *api.Handler,
	store *subsync.CircuitBreakerStore, gatherer prometheus.Gatherer, adminToken string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(zlog))
	r.Use(middleware.Recoverer)

	r.Handle("/webhook", provider.WebhookHandler())

	if adminToken != "" {
		r.Route("/subscriptions", func(r chi.Router) {
			r.Use(adminAuth(adminToken))
			r.Get("/summary", admin.GetSummary)
			r.Get("/{customerID}", admin.GetSubscription)
		})
	}

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/healthz", healthHandler(store))
	return r
}

func customerIDParam(r *http.Request) string {
	return chi.URLParam(r, "customerID")
}

// requestLogger logs one line per request
func requestLogger(zlog zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			event := zlog.Info()
			if ww.Status() >= http.StatusInternalServerError {
				event = zlog.Error()
			}
			event.
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

type healthResponse struct {
	Status         string `json:"status"`
	CircuitBreaker string `json:"circuit_breaker"`
	Error          string `json:"error,omitempty"`
}

func healthHandler(store *subsync.CircuitBreakerStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp := healthResponse{Status: "ok", CircuitBreaker: string(store.State())}
		code := http.StatusOK
		if err := store.Ping(ctx); err != nil {
			resp.Status = "unavailable"
			resp.Error = err.Error()
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	}
}

func logStatusChange(zlog zerolog.Logger) billing.WebhookCallback {
	return func(_ context.Context, event billing.StatusChangeEvent) error {
		if !event.StatusChanged() {
			return nil
		}
		zlog.Info().
			Str("customer_id", event.CustomerID).
			Str("subscription_id", event.SubscriptionID).
			Str("from", string(event.PreviousStatus)).
			Str("to", string(event.NewStatus)).
			Str("event_id", event.EventID).
			Msg("subscription status changed")
		return nil
	}
}
