package main

import (
	"context"
	"fmt"
	"os"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"example.com/uniques/internal/cache"
	"example.com/uniques/internal/config"
	"example.com/uniques/internal/storage"
	"example.com/uniques/internal/storage/postgres"
	"example.com/uniques/internal/storage/sqlite"
)

func loadConfig() (config.Config, slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, slog.Logger{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, slog.Logger{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, newLogger(cfg.LogLevel), nil
}

func newLogger(level string) slog.Logger {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	return slog.Make(sloghuman.Sink(os.Stderr)).Leveled(lvl)
}

// openStore connects to the configured event store and makes sure its
// schema is in place.
func openStore(ctx context.Context, cfg config.Config, log slog.Logger) (storage.EventStore, error) {
	switch cfg.StoreDriver {
	case "postgres":
		db, err := postgres.Connect(ctx, cfg.PostgresDSN, cfg.StoreTimeout)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
		log.Info(ctx, "event store ready", slog.F("driver", "postgres"))
		return db, nil
	default:
		st, err := sqlite.Open(cfg.SQLitePath, cfg.StoreTimeout)
		if err != nil {
			return nil, err
		}
		log.Info(ctx, "event store ready", slog.F("driver", "sqlite"), slog.F("path", cfg.SQLitePath))
		return st, nil
	}
}

// newCache builds the configured cache backend. The returned func releases
// its connections.
func newCache(cfg config.Config, clk quartz.Clock, log slog.Logger, reg prometheus.Registerer) (cache.Cache, func(), error) {
	opts := cache.Options{
		TTL:       cfg.SketchTTL,
		Precision: uint8(cfg.SketchPrecision),
		Clock:     clk,
		Logger:    log,
		Metrics:   cache.NewMetrics(reg),
	}
	switch cfg.CacheBackend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		return cache.NewRedis(client, cfg.RedisPrefix, opts), func() { _ = client.Close() }, nil
	default:
		c, err := cache.NewMemory(opts)
		if err != nil {
			return nil, nil, err
		}
		return c, func() {}, nil
	}
}
