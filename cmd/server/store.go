package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"cloud.google.com/go/firestore"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/caltrax/subsync/pkg/subsync"
	firestorestore "github.com/caltrax/subsync/storage/firestore"
	"github.com/caltrax/subsync/storage/memory"
	"github.com/caltrax/subsync/storage/postgres"
	redisstore "github.com/caltrax/subsync/storage/redis"
	"github.com/caltrax/subsync/storage/tiered"
)

// openStore builds the configured backend. The returned func releases its
// connections.
func openStore(ctx context.Context, cfg Config, zlog zerolog.Logger) (subsync.Store, func(), error) {
	store, closeFn, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	if cfg.StoreCacheTTL > 0 && cfg.StoreBackend != backendMemory {
		cached, err := tiered.New(tiered.Config{
			Hot:           memory.New(),
			Cold:          store,
			HotTTL:        cfg.StoreCacheTTL,
			MaxHotEntries: cfg.StoreCacheMaxEntries,
			HotErrorHandler: func(err error) {
				zlog.Warn().Err(err).Msg("subscription cache error")
			},
		})
		if err != nil {
			closeFn()
			return nil, nil, err
		}
		zlog.Info().Dur("ttl", cfg.StoreCacheTTL).Int("max_entries", cfg.StoreCacheMaxEntries).Msg("read cache enabled")
		store = cached
	}
	return store, closeFn, nil
}

func openBackend(ctx context.Context, cfg Config) (subsync.Store, func(), error) {
	switch cfg.StoreBackend {
	case backendRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		store, err := redisstore.New(client, redisstore.Config{KeyPrefix: cfg.RedisKeyPrefix})
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis store: %w", err)
		}
		return store, func() { _ = store.Close() }, nil

	case backendPostgres:
		pgCfg := postgres.DefaultConfig()
		pgCfg.ConnectionString = cfg.DatabaseURL
		store, err := postgres.New(ctx, pgCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres store: %w", err)
		}
		return store, store.Close, nil

	case backendFirestore:
		client, err := firestore.NewClient(ctx, cfg.FirestoreProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("firestore client: %w", err)
		}
		store, err := firestorestore.New(client, firestorestore.Config{Collection: cfg.FirestoreCollection})
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("firestore store: %w", err)
		}
		return store, func() { _ = store.Close() }, nil

	default:
		return memory.New(), func() {}, nil
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
