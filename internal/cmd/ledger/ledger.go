// Package ledger parses ledger command flags and launches the ledger runtime.
package ledger

import (
	"context"
	"flag"
	"strings"
	"time"

	entrypoint "github.com/louisbranch/underwrite/internal/platform/cmd"
	"github.com/louisbranch/underwrite/internal/platform/logging"
	ledgerapp "github.com/louisbranch/underwrite/internal/services/ledger/app"
)

// Config holds ledger command configuration.
type Config struct {
	Port              int           `env:"UNDERWRITE_LEDGER_PORT" envDefault:"8095"`
	SnapshotThreshold uint64        `env:"UNDERWRITE_LEDGER_SNAPSHOT_THRESHOLD" envDefault:"50"`
	AsyncSnapshots    bool          `env:"UNDERWRITE_LEDGER_SNAPSHOT_ASYNC" envDefault:"false"`
	Tenants           []string      `env:"UNDERWRITE_LEDGER_TENANTS" envSeparator:","`
	RepairInterval    time.Duration `env:"UNDERWRITE_LEDGER_REPAIR_INTERVAL" envDefault:"0"`
	Storage           ledgerapp.StorageConfig
	Logging           logging.Config
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The ledger health gRPC server port")
	fs.StringVar(&cfg.Storage.Backend, "storage", cfg.Storage.Backend, "Storage backend: sqlite, postgres or memory")
	fs.StringVar(&cfg.Storage.DBPath, "db-path", cfg.Storage.DBPath, "The ledger SQLite database path")
	fs.StringVar(&cfg.Storage.PostgresDSN, "postgres-dsn", cfg.Storage.PostgresDSN, "The ledger Postgres DSN")
	fs.StringVar(&cfg.Storage.RedisAddr, "redis-addr", cfg.Storage.RedisAddr, "Redis address for the read-model cache (empty disables)")
	fs.StringVar(&cfg.Storage.MongoURI, "mongo-uri", cfg.Storage.MongoURI, "MongoDB URI for read models (empty keeps them in the primary store)")
	fs.Uint64Var(&cfg.SnapshotThreshold, "snapshot-threshold", cfg.SnapshotThreshold, "Events between automatic snapshots")
	fs.BoolVar(&cfg.AsyncSnapshots, "snapshot-async", cfg.AsyncSnapshots, "Write automatic snapshots in the background")
	fs.DurationVar(&cfg.RepairInterval, "repair-interval", cfg.RepairInterval, "Interval for scheduled read-model repair (0 disables)")
	fs.Func("tenants", "Comma-separated tenant allow-list (empty admits any)", func(raw string) error {
		cfg.Tenants = splitList(raw)
		return nil
	})
	fs.StringVar(&cfg.Logging.Level, "log-level", cfg.Logging.Level, "Log level: debug, info, warn or error")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the ledger runtime.
func Run(ctx context.Context, cfg Config) error {
	logger, sync, err := logging.New(entrypoint.ServiceLedger, cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = sync() }()

	return entrypoint.RunWithTelemetryAndOptions(ctx, entrypoint.ServiceLedger, entrypoint.RunOptions{Logger: logger}, func(ctx context.Context) error {
		return ledgerapp.Run(ctx, ledgerapp.RuntimeConfig{
			Port:    cfg.Port,
			Storage: cfg.Storage,
			Ledger: ledgerapp.LedgerConfig{
				SnapshotThreshold: cfg.SnapshotThreshold,
				AsyncSnapshots:    cfg.AsyncSnapshots,
				Tenants:           cfg.Tenants,
				Logger:            logger,
			},
			RepairInterval: cfg.RepairInterval,
		})
	})
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
