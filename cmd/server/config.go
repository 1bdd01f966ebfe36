package main

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Store backends selectable with STORE_BACKEND
const (
	backendMemory    = "memory"
	backendRedis     = "redis"
	backendPostgres  = "postgres"
	backendFirestore = "firestore"
)

// Config is the process configuration, read from the environment
type Config struct {
	Port     int    `env:"PORT" envDefault:"8080"`
	Env      string `env:"ENV" envDefault:"production"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// An empty secret is allowed at startup; deliveries then fail with 500
	StripeWebhookSecret string        `env:"STRIPE_WEBHOOK_SECRET"`
	WebhookTolerance    time.Duration `env:"WEBHOOK_TOLERANCE" envDefault:"5m"`
	TrustProxy          bool          `env:"TRUST_PROXY" envDefault:"false"`

	// Bearer token for /subscriptions; the admin endpoints are off without it
	AdminAPIToken string `env:"ADMIN_API_TOKEN"`

	// memory is only accepted in development
	StoreBackend         string        `env:"STORE_BACKEND" envDefault:"memory"`
	StoreCacheTTL        time.Duration `env:"STORE_CACHE_TTL" envDefault:"0s"`
	StoreCacheMaxEntries int           `env:"STORE_CACHE_MAX_ENTRIES" envDefault:"10000"`

	RedisAddr      string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword  string `env:"REDIS_PASSWORD"`
	RedisDB        int    `env:"REDIS_DB" envDefault:"0"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX" envDefault:"subsync:"`

	DatabaseURL string `env:"DATABASE_URL"`

	FirestoreProjectID  string `env:"FIRESTORE_PROJECT_ID"`
	FirestoreCollection string `env:"FIRESTORE_COLLECTION" envDefault:"billing_subscriptions"`

	StoreTimeout            time.Duration `env:"STORE_TIMEOUT" envDefault:"5s"`
	ReconcileMaxAttempts    int           `env:"RECONCILE_MAX_ATTEMPTS" envDefault:"3"`
	CircuitBreakerThreshold int           `env:"CIRCUIT_BREAKER_THRESHOLD" envDefault:"5"`
	CircuitBreakerReset     time.Duration `env:"CIRCUIT_BREAKER_RESET" envDefault:"30s"`

	MetricsNamespace string        `env:"METRICS_NAMESPACE" envDefault:"subsync"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// LoadConfig reads an optional .env file and then parses the environment.
// Variables already set in the environment win over the file.
func LoadConfig(envFiles ...string) (Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file: %w", err)
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks backend specific settings
func (c Config) Validate() error {
	switch c.StoreBackend {
	case backendMemory:
		if !c.development() {
			return fmt.Errorf("STORE_BACKEND %q keeps state in process and is only allowed with ENV=development; "+
				"choose redis, postgres or firestore", backendMemory)
		}
	case backendRedis:
		if c.RedisAddr == "" {
			return errors.New("REDIS_ADDR is required for the redis backend")
		}
	case backendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres backend")
		}
	case backendFirestore:
		if c.FirestoreProjectID == "" {
			return errors.New("FIRESTORE_PROJECT_ID is required for the firestore backend")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	if c.ReconcileMaxAttempts <= 0 {
		return fmt.Errorf("RECONCILE_MAX_ATTEMPTS must be positive, got %d", c.ReconcileMaxAttempts)
	}
	if c.StoreCacheTTL < 0 {
		return fmt.Errorf("STORE_CACHE_TTL must not be negative")
	}
	if c.StoreCacheMaxEntries < 0 {
		return fmt.Errorf("STORE_CACHE_MAX_ENTRIES must not be negative")
	}
	return nil
}

func (c Config) development() bool {
	return c.Env == "development" || c.Env == "dev"
}
