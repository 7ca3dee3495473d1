package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	apperrors "github.com/louisbranch/underwrite/internal/platform/errors"
	"github.com/louisbranch/underwrite/internal/services/ledger/storage"
	"github.com/louisbranch/underwrite/internal/services/ledger/storage/storagetest"
)

const containerTestsEnv = "UNDERWRITE_CONTAINER_TESTS"

func startPostgres(t *testing.T) string {
	t.Helper()
	if os.Getenv(containerTestsEnv) != "1" {
		t.Skipf("set %s=1 to run postgres container tests", containerTestsEnv)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "ledger",
				"POSTGRES_PASSWORD": "ledger",
				"POSTGRES_DB":       "ledger",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		terminateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = container.Terminate(terminateCtx)
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}
	return fmt.Sprintf("postgres://ledger:ledger@%s:%s/ledger?sslmode=disable", host, port.Port())
}

func TestConformance(t *testing.T) {
	dsn := startPostgres(t)
	storagetest.Run(t, func(t *testing.T) storage.Store {
		store, err := Open(context.Background(), dsn)
		if err != nil {
			t.Fatalf("open store: %v", err)
		}
		_, err = store.sqlDB.Exec(`TRUNCATE events, streams, snapshots, read_models, migration_cursors, migration_completions`)
		if err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return store
	})
}

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open(context.Background(), " "); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"serialization", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"lock not available", &pgconn.PgError{Code: "55P03"}, true},
		{"connection failure", &pgconn.PgError{Code: "08006"}, true},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), true},
		{"undefined table", &pgconn.PgError{Code: "42P01"}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify("op", tt.err)
			if apperrors.IsTransient(got) != tt.transient {
				t.Fatalf("classify(%v) = %v, transient want %v", tt.err, got, tt.transient)
			}
			if !errors.Is(got, tt.err) {
				t.Fatalf("classify lost the cause: %v", got)
			}
		})
	}
	if !isUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})) {
		t.Fatal("expected unique violation")
	}
}
