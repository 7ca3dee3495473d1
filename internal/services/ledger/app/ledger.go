// Package app assembles the ledger: storage backends, the aggregate
// repository, read-model projector and migration catalog, and the service
// runtime that hosts them.
package app

import (
	"errors"
	"log/slog"

	"github.com/louisbranch/underwrite/internal/platform/clock"
	"github.com/louisbranch/underwrite/internal/services/ledger/domain/aggregate"
	"github.com/louisbranch/underwrite/internal/services/ledger/domain/claim"
	"github.com/louisbranch/underwrite/internal/services/ledger/domain/policy"
	"github.com/louisbranch/underwrite/internal/services/ledger/migration"
	"github.com/louisbranch/underwrite/internal/services/ledger/projection"
)

// LedgerConfig tunes the assembled components.
type LedgerConfig struct {
	SnapshotThreshold uint64
	AsyncSnapshots    bool
	// Tenants is the existence checker's allow-list; empty admits all.
	Tenants []string
	Clock   clock.Clock
	// RunnerOwner names this process on migration cursors; a random id is
	// used when empty.
	RunnerOwner string
	Logger      *slog.Logger
}

// Ledger holds the wired components of one process.
type Ledger struct {
	Registry   *aggregate.Registry
	Repository *aggregate.Repository
	Projector  *projection.Projector
	Runner     *migration.Runner
	Catalog    *migration.Catalog
	Policies   *policy.Service
}

// NewLedger wires the registered aggregate types over backend.
func NewLedger(backend *Backend, cfg LedgerConfig) (*Ledger, error) {
	if backend == nil || backend.Store == nil {
		return nil, errors.New("storage backend is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.System{}
	}
	threshold := cfg.SnapshotThreshold
	if threshold == 0 {
		threshold = aggregate.DefaultSnapshotThreshold
	}
	models := backend.ReadModels
	if models == nil {
		models = backend.Store
	}

	registry, err := aggregate.NewRegistry(policy.Definition(), claim.Definition())
	if err != nil {
		return nil, err
	}
	projector, err := projection.NewProjector(backend.Store, models, registry,
		[]projection.Definition{policy.View(), claim.View()},
		projection.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	repo, err := aggregate.NewRepository(backend.Store, backend.Store, registry,
		aggregate.WithProjector(projector),
		aggregate.WithClock(clk),
		aggregate.WithLogger(logger),
		aggregate.WithSnapshotThreshold(threshold),
		aggregate.WithAsyncSnapshots(cfg.AsyncSnapshots),
	)
	if err != nil {
		return nil, err
	}
	runnerOpts := []migration.Option{migration.WithClock(clk), migration.WithLogger(logger)}
	if cfg.RunnerOwner != "" {
		runnerOpts = append(runnerOpts, migration.WithOwner(cfg.RunnerOwner))
	}
	runner, err := migration.NewRunner(backend.Store, runnerOpts...)
	if err != nil {
		return nil, err
	}
	catalog, err := migration.NewCatalog(runner, migration.Dependencies{
		Events:     backend.Store,
		Repository: repo,
		Projector:  projector,
		Checker:    migration.StoreChecker{Events: backend.Store, Tenants: cfg.Tenants},
		Maintainer: backend.Store,
	})
	if err != nil {
		return nil, err
	}
	return &Ledger{
		Registry:   registry,
		Repository: repo,
		Projector:  projector,
		Runner:     runner,
		Catalog:    catalog,
		Policies:   policy.NewService(repo, aggregate.DefaultConflictAttempts),
	}, nil
}

// Flush waits for background snapshot writes.
func (l *Ledger) Flush() {
	l.Repository.Flush()
}
