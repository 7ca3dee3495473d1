// Package migrate parses migrate command flags and runs one named ledger
// migration to completion, pause, or failure.
package migrate

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	entrypoint "github.com/louisbranch/underwrite/internal/platform/cmd"
	"github.com/louisbranch/underwrite/internal/platform/logging"
	"github.com/louisbranch/underwrite/internal/platform/logging/logattr"
	ledgerapp "github.com/louisbranch/underwrite/internal/services/ledger/app"
	"github.com/louisbranch/underwrite/internal/services/ledger/domain/event"
	"github.com/louisbranch/underwrite/internal/services/ledger/migration"
)

// Config holds migrate command configuration.
type Config struct {
	Name             string
	AggregateType    string
	TenantID         string
	BatchSize        int           `env:"UNDERWRITE_MIGRATE_BATCH_SIZE" envDefault:"100"`
	MaxRetries       int           `env:"UNDERWRITE_MIGRATE_MAX_RETRIES" envDefault:"5"`
	MaintenanceEvery int           `env:"UNDERWRITE_MIGRATE_MAINTENANCE_EVERY" envDefault:"20"`
	Timeout          time.Duration `env:"UNDERWRITE_MIGRATE_TIMEOUT" envDefault:"0"`
	Tenants          []string      `env:"UNDERWRITE_LEDGER_TENANTS" envSeparator:","`
	Rerun            bool
	List             bool
	Owner            string
	Storage          ledgerapp.StorageConfig
	Logging          logging.Config
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.Name, "name", "", "migration to run (see -list)")
	fs.StringVar(&cfg.AggregateType, "type", "", "restrict the migration to one aggregate type")
	fs.StringVar(&cfg.TenantID, "tenant", "", "restrict the migration to one tenant")
	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "streams per batch")
	fs.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "retries per batch on transient storage errors; 0 disables retries")
	fs.IntVar(&cfg.MaintenanceEvery, "maintenance-every", cfg.MaintenanceEvery, "batches between storage maintenance (0 disables)")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "overall timeout (0 = none)")
	fs.BoolVar(&cfg.Rerun, "rerun", false, "run again even if the migration already completed")
	fs.BoolVar(&cfg.List, "list", false, "list available migrations and exit")
	fs.StringVar(&cfg.Owner, "owner", defaultOwner(), "cursor owner name; a paused run resumes only under the same owner until its lease expires")
	fs.StringVar(&cfg.Storage.Backend, "storage", cfg.Storage.Backend, "storage backend: sqlite, postgres or memory")
	fs.StringVar(&cfg.Storage.DBPath, "db-path", cfg.Storage.DBPath, "path to the ledger sqlite database")
	fs.StringVar(&cfg.Storage.PostgresDSN, "postgres-dsn", cfg.Storage.PostgresDSN, "ledger postgres DSN")
	fs.StringVar(&cfg.Storage.MongoURI, "mongo-uri", cfg.Storage.MongoURI, "MongoDB URI for read models")
	fs.StringVar(&cfg.Storage.RedisAddr, "redis-addr", cfg.Storage.RedisAddr, "redis address for the read-model cache")
	fs.StringVar(&cfg.Logging.Level, "log-level", cfg.Logging.Level, "log level")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run executes the migrate command. Closing pause asks the migration to stop
// at the next batch boundary; cancelling ctx aborts the batch in flight. The
// run result is written to out as JSON and logs go to errOut.
func Run(ctx context.Context, cfg Config, pause <-chan struct{}, out io.Writer, errOut io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if errOut == nil {
		errOut = io.Discard
	}
	if !cfg.List && strings.TrimSpace(cfg.Name) == "" {
		return errors.New("-name is required (use -list to see migrations)")
	}
	if cfg.BatchSize < 0 || cfg.MaxRetries < 0 || cfg.MaintenanceEvery < 0 {
		return errors.New("-batch-size, -max-retries and -maintenance-every must be >= 0")
	}
	logger, err := logging.NewWriter(entrypoint.ServiceMigrate, cfg.Logging.Level, errOut)
	if err != nil {
		return err
	}
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	return entrypoint.RunWithTelemetryAndOptions(ctx, entrypoint.ServiceMigrate, entrypoint.RunOptions{Logger: logger}, func(ctx context.Context) error {
		backend, err := ledgerapp.OpenBackend(ctx, cfg.Storage, logger)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := backend.Close(); closeErr != nil {
				logger.Error("close ledger storage", logattr.Error(closeErr))
			}
		}()
		ledger, err := ledgerapp.NewLedger(backend, ledgerapp.LedgerConfig{
			Tenants:     cfg.Tenants,
			RunnerOwner: cfg.Owner,
			Logger:      logger,
		})
		if err != nil {
			return fmt.Errorf("wire ledger: %w", err)
		}
		defer ledger.Flush()

		if cfg.List {
			return writeJSON(out, listing(ledger.Catalog.Commands()))
		}
		res, runErr := ledger.Catalog.Run(ctx, request(cfg, pause))
		if res.Name != "" {
			if err := writeJSON(out, res); err != nil {
				return err
			}
		}
		return runErr
	})
}

// request maps the command configuration onto a catalog request. The flag's
// zero means no retries; the runner reads zero as its default.
func request(cfg Config, pause <-chan struct{}) migration.Request {
	retries := cfg.MaxRetries
	if retries == 0 {
		retries = migration.NoRetries
	}
	return migration.Request{
		Name:             cfg.Name,
		AggregateType:    event.AggregateType(cfg.AggregateType),
		TenantID:         cfg.TenantID,
		BatchSize:        cfg.BatchSize,
		MaxRetries:       retries,
		MaintenanceEvery: cfg.MaintenanceEvery,
		Cancel:           pause,
		Rerun:            cfg.Rerun,
	}
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return ""
	}
	return "migrate@" + host
}

type commandInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func listing(cmds []migration.Command) []commandInfo {
	out := make([]commandInfo, 0, len(cmds))
	for _, cmd := range cmds {
		out = append(out, commandInfo{Name: cmd.Name, Description: cmd.Description})
	}
	return out
}

func writeJSON(out io.Writer, v any) error {
	data, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = fmt.Fprintf(out, "%s\n", data)
	return err
}

// WatchSignals returns a context and a pause channel driven by signals: the
// first signal closes pause so the migration stops after its current batch,
// the second cancels the context. stop releases the watcher.
func WatchSignals(parent context.Context, signals <-chan os.Signal) (ctx context.Context, pause <-chan struct{}, stop context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	paused := make(chan struct{})
	go func() {
		select {
		case <-signals:
			close(paused)
		case <-ctx.Done():
			return
		}
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, paused, cancel
}
