package mongostore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	apperrors "github.com/louisbranch/underwrite/internal/platform/errors"
	"github.com/louisbranch/underwrite/internal/services/ledger/domain/event"
	"github.com/louisbranch/underwrite/internal/services/ledger/storage"
)

const containerTestsEnv = "UNDERWRITE_CONTAINER_TESTS"

func startMongo(t *testing.T) *ReadModelStore {
	t.Helper()
	if os.Getenv(containerTestsEnv) != "1" {
		t.Skipf("set %s=1 to run mongo container tests", containerTestsEnv)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mongodb/mongodb-community-server",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.NewExecStrategy([]string{"mongosh", "--eval", "show dbs"}).WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start mongo container: %v", err)
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
	port, err := container.MappedPort(ctx, "27017/tcp")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}
	store, err := Connect(ctx, fmt.Sprintf("mongodb://%s:%s", host, port.Port()), "underwrite_test")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = store.Close(context.Background()) })
	return store
}

func TestReadModelNeverRegresses(t *testing.T) {
	s := startMongo(t)
	ctx := context.Background()
	key := event.StreamKey{TenantID: "acme", AggregateID: "pol-1"}
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	put := func(seq uint64) {
		t.Helper()
		err := s.PutReadModel(ctx, storage.ReadModel{
			Key: key, AggregateType: "policy", AsOfSeq: seq,
			State: []byte(fmt.Sprintf(`{"seq":%d}`, seq)), LastEventAt: at,
		})
		if err != nil {
			t.Fatalf("put %d: %v", seq, err)
		}
	}
	put(4)
	put(2)
	got, err := s.GetReadModel(ctx, "policy", key)
	if err != nil || got.AsOfSeq != 4 || string(got.State) != `{"seq":4}` || !got.LastEventAt.Equal(at) {
		t.Fatalf("read model = %+v err %v", got, err)
	}
	put(4)
	put(7)
	if got, _ := s.GetReadModel(ctx, "policy", key); got.AsOfSeq != 7 {
		t.Fatalf("as of = %d, want 7", got.AsOfSeq)
	}
	if _, err := s.GetReadModel(ctx, "claim", key); !apperrors.IsCode(err, apperrors.CodeNotFound) {
		t.Fatalf("other type err = %v, want not found", err)
	}
	if err := s.DeleteReadModel(ctx, "policy", key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetReadModel(ctx, "policy", key); !apperrors.IsCode(err, apperrors.CodeNotFound) {
		t.Fatalf("deleted err = %v, want not found", err)
	}
}

func TestConnectRequiresURI(t *testing.T) {
	if _, err := Connect(context.Background(), "", "db"); err == nil {
		t.Fatal("expected error for empty uri")
	}
}

func TestClassify(t *testing.T) {
	if classify("op", nil) != nil {
		t.Fatal("nil must stay nil")
	}
	if !apperrors.IsTransient(classify("op", fmt.Errorf("find: %w", context.DeadlineExceeded))) {
		t.Fatal("deadline must be transient")
	}
	if apperrors.IsTransient(classify("op", errors.New("bad filter"))) {
		t.Fatal("plain error must not be transient")
	}
}
