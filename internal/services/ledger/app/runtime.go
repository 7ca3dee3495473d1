package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/louisbranch/underwrite/internal/platform/clock"
	apperrors "github.com/louisbranch/underwrite/internal/platform/errors"
	"github.com/louisbranch/underwrite/internal/platform/logging/logattr"
	"github.com/louisbranch/underwrite/internal/services/ledger/migration"
)

const defaultLedgerPort = 8095

// HealthService is the gRPC health service name reported by the runtime.
const HealthService = "ledger.runtime"

// RuntimeConfig controls ledger startup.
type RuntimeConfig struct {
	Port    int
	Storage StorageConfig
	Ledger  LedgerConfig
	// RepairInterval schedules readmodels.repair; zero disables it.
	RepairInterval time.Duration
}

// Run opens storage, serves gRPC health and runs scheduled read-model
// repairs until ctx ends.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Port <= 0 {
		cfg.Port = defaultLedgerPort
	}
	logger := cfg.Ledger.Logger
	if logger == nil {
		logger = slog.Default()
		cfg.Ledger.Logger = logger
	}

	backend, err := OpenBackend(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := backend.Close(); closeErr != nil {
			logger.Error("close ledger storage", logattr.Error(closeErr))
		}
	}()

	ledger, err := NewLedger(backend, cfg.Ledger)
	if err != nil {
		return fmt.Errorf("wire ledger: %w", err)
	}
	defer ledger.Flush()

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on ledger port %d: %w", cfg.Port, err)
	}
	return serve(ctx, listener, ledger, cfg, logger)
}

func serve(ctx context.Context, listener net.Listener, ledger *Ledger, cfg RuntimeConfig, logger *slog.Logger) error {
	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(HealthService, grpc_health_v1.HealthCheckResponse_SERVING)

	clk := cfg.Ledger.Clock
	if clk == nil {
		clk = clock.System{}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("ledger server listening", slog.String("addr", listener.Addr().String()))
		return grpcServer.Serve(listener)
	})
	g.Go(func() error {
		return repairLoop(gctx, ledger.Catalog, cfg.RepairInterval, clk, logger)
	})
	g.Go(func() error {
		<-gctx.Done()
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		return nil
	})
	return g.Wait()
}

// repairLoop runs readmodels.repair every interval. A run already held by
// another process is skipped until the next tick.
func repairLoop(ctx context.Context, catalog *migration.Catalog, interval time.Duration, clk clock.Clock, logger *slog.Logger) error {
	if interval <= 0 {
		return nil
	}
	logger = logger.With(logattr.Migration(migration.RepairReadModels))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-clk.After(interval):
		}
		res, err := catalog.Run(ctx, migration.Request{Name: migration.RepairReadModels, Rerun: true})
		switch {
		case ctx.Err() != nil:
			return nil
		case apperrors.IsCode(err, apperrors.CodeMigrationInProgress):
			logger.Info("scheduled repair skipped, running elsewhere")
		case err != nil:
			logger.Warn("scheduled repair failed", logattr.MigrationState(string(res.State)), logattr.Error(err))
		default:
			logger.Info("scheduled repair finished",
				logattr.MigrationState(string(res.State)),
				logattr.Processed(res.Processed),
				slog.Int("skipped", len(res.Skipped)),
			)
		}
	}
}
