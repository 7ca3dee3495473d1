package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/louisbranch/underwrite/internal/services/ledger/storage"
	"github.com/louisbranch/underwrite/internal/services/ledger/storage/memory"
	"github.com/louisbranch/underwrite/internal/services/ledger/storage/mongostore"
	"github.com/louisbranch/underwrite/internal/services/ledger/storage/postgres"
	"github.com/louisbranch/underwrite/internal/services/ledger/storage/rediscache"
	"github.com/louisbranch/underwrite/internal/services/ledger/storage/sqlite"
)

// Storage backends.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// StorageConfig selects the primary store and the optional read-model
// placement.
type StorageConfig struct {
	Backend     string `env:"UNDERWRITE_LEDGER_STORAGE" envDefault:"sqlite"`
	DBPath      string `env:"UNDERWRITE_LEDGER_DB_PATH" envDefault:"data/ledger.db"`
	PostgresDSN string `env:"UNDERWRITE_LEDGER_POSTGRES_DSN"`
	// MongoURI moves read models to MongoDB when set.
	MongoURI string `env:"UNDERWRITE_LEDGER_MONGO_URI"`
	MongoDB  string `env:"UNDERWRITE_LEDGER_MONGO_DB" envDefault:"underwrite"`
	// RedisAddr fronts read models with a Redis cache when set.
	RedisAddr string        `env:"UNDERWRITE_LEDGER_REDIS_ADDR"`
	CacheTTL  time.Duration `env:"UNDERWRITE_LEDGER_READMODEL_CACHE_TTL" envDefault:"10m"`
}

// Backend is an opened set of stores.
type Backend struct {
	Store      storage.Store
	ReadModels storage.ReadModelStore
	closers    []func() error
}

// Close releases every store in reverse opening order.
func (b *Backend) Close() error {
	if b == nil {
		return nil
	}
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	b.closers = nil
	return errors.Join(errs...)
}

// OpenBackend opens the configured stores. On failure everything opened so
// far is closed again.
func OpenBackend(ctx context.Context, cfg StorageConfig, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Backend{}
	if err := b.open(ctx, cfg, logger); err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) open(ctx context.Context, cfg StorageConfig, logger *slog.Logger) error {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case BackendSQLite, "":
		if dir := filepath.Dir(cfg.DBPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create ledger storage dir: %w", err)
			}
		}
		store, err := sqlite.Open(ctx, cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open sqlite store: %w", err)
		}
		b.Store = store
	case BackendPostgres:
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("open postgres store: %w", err)
		}
		b.Store = store
	case BackendMemory:
		b.Store = memory.New()
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
	b.closers = append(b.closers, b.Store.Close)
	b.ReadModels = b.Store

	if strings.TrimSpace(cfg.MongoURI) != "" {
		docs, err := mongostore.Connect(ctx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return fmt.Errorf("open mongo read models: %w", err)
		}
		b.closers = append(b.closers, func() error { return docs.Close(context.Background()) })
		b.ReadModels = docs
	}

	if strings.TrimSpace(cfg.RedisAddr) != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		b.closers = append(b.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		ttl := cfg.CacheTTL
		if ttl <= 0 {
			ttl = rediscache.DefaultTTL
		}
		cached, err := rediscache.New(b.ReadModels, client, rediscache.WithTTL(ttl), rediscache.WithLogger(logger))
		if err != nil {
			return err
		}
		b.ReadModels = cached
	}
	return nil
}
