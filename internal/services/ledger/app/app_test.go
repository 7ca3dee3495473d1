package app

import (
	"context"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/louisbranch/underwrite/internal/platform/clock"
	"github.com/louisbranch/underwrite/internal/services/ledger/domain/event"
	"github.com/louisbranch/underwrite/internal/services/ledger/domain/policy"
	"github.com/louisbranch/underwrite/internal/services/ledger/projection"
	"github.com/louisbranch/underwrite/internal/services/ledger/storage/rediscache"
	"github.com/louisbranch/underwrite/internal/services/ledger/storage/sqlite"
)

var discard = slog.New(slog.DiscardHandler)

// tickClock fires After only when the test sends a tick.
type tickClock struct {
	ticks chan time.Time
}

func (c tickClock) Now() time.Time                       { return time.Date(2026, 5, 4, 2, 0, 0, 0, time.UTC) }
func (c tickClock) After(time.Duration) <-chan time.Time { return c.ticks }

func openMemoryLedger(t *testing.T, clk clock.Clock) (*Backend, *Ledger) {
	t.Helper()
	backend, err := OpenBackend(context.Background(), StorageConfig{Backend: BackendMemory}, discard)
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })
	ledger, err := NewLedger(backend, LedgerConfig{Clock: clk, Logger: discard, RunnerOwner: "app-test"})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return backend, ledger
}

func TestOpenBackendRejectsUnknown(t *testing.T) {
	if _, err := OpenBackend(context.Background(), StorageConfig{Backend: "cassandra"}, discard); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestOpenBackendSQLiteWithRedisCache(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	backend, err := OpenBackend(context.Background(), StorageConfig{
		Backend:   BackendSQLite,
		DBPath:    filepath.Join(t.TempDir(), "nested", "ledger.db"),
		RedisAddr: mr.Addr(),
		CacheTTL:  time.Minute,
	}, discard)
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	defer backend.Close()
	if _, ok := backend.Store.(*sqlite.Store); !ok {
		t.Fatalf("store = %T, want sqlite", backend.Store)
	}
	if _, ok := backend.ReadModels.(*rediscache.Store); !ok {
		t.Fatalf("read models = %T, want redis cache", backend.ReadModels)
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestLedgerIssuesAndProjectsPolicies(t *testing.T) {
	ctx := context.Background()
	_, ledger := openMemoryLedger(t, clock.NewManual(time.Date(2026, 5, 4, 2, 0, 0, 0, time.UTC)))

	if _, err := ledger.Policies.Issue(ctx, "acme", "pol-1", policy.Issued{Number: "P-1", Holder: "Ada", PremiumCents: 1000}); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := ledger.Policies.Endorse(ctx, "acme", "pol-1", policy.Endorsed{PremiumDeltaCents: 250}); err != nil {
		t.Fatalf("endorse: %v", err)
	}
	key := event.StreamKey{TenantID: "acme", AggregateID: "pol-1"}
	report, err := ledger.Projector.Check(ctx, key, policy.AggregateType)
	if err != nil || report.Status != projection.DriftOK || report.AsOfSeq != 2 {
		t.Fatalf("report = %+v err %v", report, err)
	}
	if got := len(ledger.Catalog.Commands()); got != 4 {
		t.Fatalf("commands = %d, want 4", got)
	}
}

func TestRepairLoopRunsOnTick(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clk := tickClock{ticks: make(chan time.Time)}
	backend, ledger := openMemoryLedger(t, clk)

	// Append behind the projector's back so the read model is missing.
	key := event.StreamKey{TenantID: "acme", AggregateID: "pol-1"}
	d, err := event.NewDraft(policy.EventIssued, policy.Issued{Number: "P-1", PremiumCents: 100})
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	evt := event.Event{ID: "evt-1", Type: d.Type, PayloadJSON: d.PayloadJSON, Timestamp: clk.Now()}
	if _, err := backend.Store.Append(ctx, key, policy.AggregateType, 0, []event.Event{evt}); err != nil {
		t.Fatalf("append: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- repairLoop(ctx, ledger.Catalog, time.Hour, clk, discard) }()
	clk.ticks <- clk.Now()
	// The loop only receives the second tick after the first run finished.
	clk.ticks <- clk.Now()
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("repair loop: %v", err)
	}

	model, err := ledger.Projector.Get(context.Background(), key, policy.AggregateType)
	if err != nil || model.AsOfSeq != 1 {
		t.Fatalf("read model = %+v err %v", model, err)
	}
}

func TestRepairLoopDisabled(t *testing.T) {
	_, ledger := openMemoryLedger(t, nil)
	if err := repairLoop(context.Background(), ledger.Catalog, 0, clock.System{}, discard); err != nil {
		t.Fatalf("repair loop: %v", err)
	}
}

func TestServeReportsHealthUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, ledger := openMemoryLedger(t, nil)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- serve(ctx, listener, ledger, RuntimeConfig{}, discard) }()

	conn, err := grpc.NewClient(listener.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	checkCtx, checkCancel := context.WithTimeout(ctx, 5*time.Second)
	defer checkCancel()
	resp, err := grpc_health_v1.NewHealthClient(conn).Check(checkCtx, &grpc_health_v1.HealthCheckRequest{Service: HealthService}, grpc.WaitForReady(true))
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Fatalf("status = %s", resp.GetStatus())
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("serve: %v", err)
	}
}
