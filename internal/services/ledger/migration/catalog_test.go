package migration

import (
	"context"
	"log/slog"
	"testing"

	"github.com/louisbranch/underwrite/internal/platform/clock"
	apperrors "github.com/louisbranch/underwrite/internal/platform/errors"
	"github.com/louisbranch/underwrite/internal/services/ledger/domain/aggregate"
	"github.com/louisbranch/underwrite/internal/services/ledger/domain/claim"
	"github.com/louisbranch/underwrite/internal/services/ledger/domain/event"
	"github.com/louisbranch/underwrite/internal/services/ledger/domain/policy"
	"github.com/louisbranch/underwrite/internal/services/ledger/projection"
	"github.com/louisbranch/underwrite/internal/services/ledger/storage"
	"github.com/louisbranch/underwrite/internal/services/ledger/storage/memory"
)

type ledger struct {
	store     *memory.Store
	repo      *aggregate.Repository
	bare      *aggregate.Repository
	projector *projection.Projector
	catalog   *Catalog
}

func newLedger(t *testing.T, tenants ...string) *ledger {
	t.Helper()
	discard := slog.New(slog.DiscardHandler)
	store := memory.New()
	registry, err := aggregate.NewRegistry(policy.Definition(), claim.Definition())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	projector, err := projection.NewProjector(store, store, registry, []projection.Definition{policy.View(), claim.View()}, projection.WithLogger(discard))
	if err != nil {
		t.Fatalf("projector: %v", err)
	}
	c := clock.NewManual(start)
	repo, err := aggregate.NewRepository(store, store, registry,
		aggregate.WithClock(c), aggregate.WithLogger(discard), aggregate.WithSnapshotThreshold(0), aggregate.WithProjector(projector))
	if err != nil {
		t.Fatalf("repository: %v", err)
	}
	bare, err := aggregate.NewRepository(store, store, registry,
		aggregate.WithClock(c), aggregate.WithLogger(discard), aggregate.WithSnapshotThreshold(0))
	if err != nil {
		t.Fatalf("bare repository: %v", err)
	}
	runner, err := NewRunner(store, WithClock(c), WithLogger(discard), WithBackoff(noJitter))
	if err != nil {
		t.Fatalf("runner: %v", err)
	}
	catalog, err := NewCatalog(runner, Dependencies{
		Events:     store,
		Repository: repo,
		Projector:  projector,
		Checker:    StoreChecker{Events: store, Tenants: tenants},
		Maintainer: store,
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return &ledger{store: store, repo: repo, bare: bare, projector: projector, catalog: catalog}
}

func (l *ledger) save(t *testing.T, repo *aggregate.Repository, tenantID, id string, aggregateType event.AggregateType, eventType event.Type, payload any) {
	t.Helper()
	agg, err := repo.GetByID(context.Background(), tenantID, id, aggregateType)
	if apperrors.IsCode(err, apperrors.CodeNotFound) {
		agg, err = repo.New(tenantID, id, aggregateType)
	}
	if err != nil {
		t.Fatalf("load %s: %v", id, err)
	}
	d, err := event.NewDraft(eventType, payload)
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	if err := repo.Save(context.Background(), agg, d); err != nil {
		t.Fatalf("save %s: %v", id, err)
	}
}

func (l *ledger) issuePolicy(t *testing.T, repo *aggregate.Repository, tenantID, id string) {
	t.Helper()
	l.save(t, repo, tenantID, id, policy.AggregateType, policy.EventIssued, policy.Issued{Number: id, PremiumCents: 1000})
	l.save(t, repo, tenantID, id, policy.AggregateType, policy.EventEndorsed, policy.Endorsed{PremiumDeltaCents: 50})
}

func (l *ledger) openClaim(t *testing.T, repo *aggregate.Repository, tenantID, id, policyID string) {
	t.Helper()
	l.save(t, repo, tenantID, id, claim.AggregateType, claim.EventOpened, claim.Opened{PolicyID: policyID})
}

func TestCatalogUnknownMigration(t *testing.T) {
	l := newLedger(t)
	_, err := l.catalog.Run(context.Background(), Request{Name: "policies.reprice"})
	if !apperrors.IsCode(err, apperrors.CodeUnknownMigration) {
		t.Fatalf("err = %v, want unknown migration", err)
	}
}

func TestCatalogCommandsAndRegister(t *testing.T) {
	l := newLedger(t)
	var names []string
	for _, cmd := range l.catalog.Commands() {
		names = append(names, cmd.Name)
		if cmd.Description == "" {
			t.Fatalf("%s has no description", cmd.Name)
		}
	}
	want := []string{RebuildReadModels, RepairReadModels, RegenerateSnapshots, VerifyStreams}
	if len(names) != len(want) {
		t.Fatalf("commands = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("commands = %v, want %v", names, want)
		}
	}
	noop := func(context.Context, storage.StreamHead) error { return nil }
	if err := l.catalog.Register(VerifyStreams, "", noop); err == nil {
		t.Fatal("expected duplicate error")
	}
	if err := l.catalog.Register("bad:name", "", noop); err == nil {
		t.Fatal("expected name error")
	}
	if err := l.catalog.Register("claims.touch", "", nil); err == nil {
		t.Fatal("expected missing process error")
	}
}

func TestRequestCursorName(t *testing.T) {
	tests := []struct {
		req  Request
		want string
	}{
		{Request{Name: RegenerateSnapshots}, "snapshots.regenerate"},
		{Request{Name: RegenerateSnapshots, AggregateType: "policy"}, "snapshots.regenerate:policy"},
		{Request{Name: RegenerateSnapshots, AggregateType: "policy", TenantID: "acme"}, "snapshots.regenerate:policy@acme"},
	}
	for _, tt := range tests {
		if got := tt.req.CursorName(); got != tt.want {
			t.Fatalf("cursor name = %q, want %q", got, tt.want)
		}
	}
}

func TestRegenerateSnapshots(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	for _, id := range []string{"pol-1", "pol-2", "pol-3"} {
		l.issuePolicy(t, l.repo, "acme", id)
	}
	l.openClaim(t, l.repo, "acme", "clm-1", "pol-1")

	res, err := l.catalog.Run(ctx, Request{Name: RegenerateSnapshots, AggregateType: policy.AggregateType, BatchSize: 2, MaintenanceEvery: 1})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.State != StateCompleted || res.Processed != 3 || res.Batches != 2 {
		t.Fatalf("result = %+v", res)
	}
	for _, id := range []string{"pol-1", "pol-2", "pol-3"} {
		snapshot, err := l.store.LatestSnapshot(ctx, event.StreamKey{TenantID: "acme", AggregateID: id})
		if err != nil || snapshot.Seq != 2 {
			t.Fatalf("%s snapshot = %+v err %v", id, snapshot, err)
		}
	}
	if _, err := l.store.LatestSnapshot(ctx, event.StreamKey{TenantID: "acme", AggregateID: "clm-1"}); !apperrors.IsCode(err, apperrors.CodeNotFound) {
		t.Fatalf("claim snapshot outside scope: %v", err)
	}
	if l.store.MaintainCalls() != 2 {
		t.Fatalf("maintenance calls = %d, want 2", l.store.MaintainCalls())
	}
	if _, err := l.store.GetCompletion(ctx, "snapshots.regenerate:policy"); err != nil {
		t.Fatalf("completion: %v", err)
	}
}

func TestRebuildReadModelsSkipsOrphans(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	l.issuePolicy(t, l.bare, "acme", "pol-1")
	l.openClaim(t, l.bare, "acme", "clm-1", "pol-1")
	l.openClaim(t, l.bare, "acme", "clm-2", "pol-missing")

	res, err := l.catalog.Run(ctx, Request{Name: RebuildReadModels})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.State != StateCompleted || res.Processed != 2 || len(res.Skipped) != 1 || res.Skipped[0].Key != "acme/clm-2" {
		t.Fatalf("result = %+v", res)
	}
	for _, tc := range []struct {
		id  string
		typ event.AggregateType
	}{{"pol-1", policy.AggregateType}, {"clm-1", claim.AggregateType}} {
		model, err := l.projector.Get(ctx, event.StreamKey{TenantID: "acme", AggregateID: tc.id}, tc.typ)
		if err != nil || model.AsOfSeq == 0 {
			t.Fatalf("%s read model = %+v err %v", tc.id, model, err)
		}
	}
	if _, err := l.projector.Get(ctx, event.StreamKey{TenantID: "acme", AggregateID: "clm-2"}, claim.AggregateType); !apperrors.IsCode(err, apperrors.CodeNotFound) {
		t.Fatalf("orphan read model err = %v, want not found", err)
	}
}

func TestRebuildReadModelsSkipsUnknownTenants(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t, "acme")
	l.issuePolicy(t, l.bare, "acme", "pol-1")
	l.issuePolicy(t, l.bare, "globex", "pol-1")

	res, err := l.catalog.Run(ctx, Request{Name: RebuildReadModels})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Processed != 1 || len(res.Skipped) != 1 || res.Skipped[0].Key != "globex/pol-1" {
		t.Fatalf("result = %+v", res)
	}
}

func TestRepairReadModels(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	l.issuePolicy(t, l.repo, "acme", "pol-1")
	l.issuePolicy(t, l.bare, "acme", "pol-2")
	l.save(t, l.bare, "acme", "pol-1", policy.AggregateType, policy.EventCancelled, policy.Cancelled{Reason: "lapsed"})

	res, err := l.catalog.Run(ctx, Request{Name: RepairReadModels, TenantID: "acme"})
	if err != nil || res.State != StateCompleted || res.Processed != 2 {
		t.Fatalf("result = %+v err %v", res, err)
	}
	for _, id := range []string{"pol-1", "pol-2"} {
		report, err := l.projector.Check(ctx, event.StreamKey{TenantID: "acme", AggregateID: id}, policy.AggregateType)
		if err != nil || report.Status != projection.DriftOK {
			t.Fatalf("%s report = %+v err %v", id, report, err)
		}
	}
}

func TestVerifyStreamsReportsCorruption(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	l.issuePolicy(t, l.repo, "acme", "pol-1")
	l.issuePolicy(t, l.repo, "acme", "pol-2")
	l.store.Tamper(event.StreamKey{TenantID: "acme", AggregateID: "pol-2"}, 2, func(evt *event.Event) {
		evt.PayloadJSON = []byte(`{"premium_delta_cents":"ten"}`)
	})

	res, err := l.catalog.Run(ctx, Request{Name: VerifyStreams})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.State != StateCompleted || res.Processed != 1 || len(res.Skipped) != 1 || res.Skipped[0].Key != "acme/pol-2" {
		t.Fatalf("result = %+v", res)
	}
}
