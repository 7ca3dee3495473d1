// Package storagetest is the behavioural suite every ledger backend must
// pass. Adapter tests call Run with a constructor for a fresh, empty store.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/louisbranch/underwrite/internal/platform/errors"
	"github.com/louisbranch/underwrite/internal/services/ledger/domain/event"
	"github.com/louisbranch/underwrite/internal/services/ledger/storage"
)

// Factory returns a new empty store. The suite closes it.
type Factory func(t *testing.T) storage.Store

// Run executes the conformance suite.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"AppendAndList", testAppendAndList},
		{"AppendConflict", testAppendConflict},
		{"ConcurrentAppendSingleWinner", testConcurrentAppend},
		{"AppendRejectsTypeChange", testAppendRejectsTypeChange},
		{"TenantsAreIsolated", testTenantsAreIsolated},
		{"ListStreams", testListStreams},
		{"SnapshotNeverRegresses", testSnapshotNeverRegresses},
		{"ReadModelNeverRegresses", testReadModelNeverRegresses},
		{"CursorLease", testCursorLease},
		{"CompleteCursor", testCompleteCursor},
		{"Maintain", testMaintain},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

var (
	base    = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	policy1 = event.StreamKey{TenantID: "acme", AggregateID: "pol-1"}
)

const policyType event.AggregateType = "policy"

var eventIDs atomic.Int64

func drafts(n int, at time.Time) []event.Event {
	events := make([]event.Event, n)
	for i := range events {
		events[i] = event.Event{
			ID:          fmt.Sprintf("evt-%d", eventIDs.Add(1)),
			Type:        "policy.endorsed",
			PayloadJSON: []byte(fmt.Sprintf(`{"n":%d}`, i)),
			Timestamp:   at.Add(time.Duration(i) * time.Millisecond),
		}
	}
	return events
}

func mustAppend(t *testing.T, s storage.Store, key event.StreamKey, expected uint64, n int) uint64 {
	t.Helper()
	seq, err := s.Append(context.Background(), key, policyType, expected, drafts(n, base))
	if err != nil {
		t.Fatalf("append %s at %d: %v", key, expected, err)
	}
	return seq
}

func testAppendAndList(t *testing.T, s storage.Store) {
	ctx := context.Background()
	if _, found, err := s.CurrentSequence(ctx, policy1); err != nil || found {
		t.Fatalf("current sequence of empty stream = found %v err %v", found, err)
	}
	if seq := mustAppend(t, s, policy1, 0, 3); seq != 3 {
		t.Fatalf("seq = %d, want 3", seq)
	}
	if seq := mustAppend(t, s, policy1, 3, 2); seq != 5 {
		t.Fatalf("seq = %d, want 5", seq)
	}

	all, err := s.ListEvents(ctx, policy1, 0, 100)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("events = %d, want 5", len(all))
	}
	for i, evt := range all {
		if evt.Seq != uint64(i+1) {
			t.Fatalf("event %d seq = %d", i, evt.Seq)
		}
		if evt.TenantID != "acme" || evt.AggregateID != "pol-1" || evt.AggregateType != policyType {
			t.Fatalf("event %d identity = %+v", i, evt)
		}
	}
	if !all[1].Timestamp.Equal(base.Add(time.Millisecond)) {
		t.Fatalf("timestamp = %s, want %s", all[1].Timestamp, base.Add(time.Millisecond))
	}
	if string(all[2].PayloadJSON) != `{"n":2}` {
		t.Fatalf("payload = %s", all[2].PayloadJSON)
	}
	if all[0].ID == "" {
		t.Fatal("expected event id to round-trip")
	}

	page, err := s.ListEvents(ctx, policy1, 3, 1)
	if err != nil {
		t.Fatalf("list page: %v", err)
	}
	if len(page) != 1 || page[0].Seq != 4 {
		t.Fatalf("page = %+v, want seq 4", page)
	}
	tail, err := s.ListEvents(ctx, policy1, 5, 10)
	if err != nil || len(tail) != 0 {
		t.Fatalf("tail = %v err %v, want empty", tail, err)
	}

	seq, found, err := s.CurrentSequence(ctx, policy1)
	if err != nil || !found || seq != 5 {
		t.Fatalf("current sequence = %d %v %v", seq, found, err)
	}
}

func testAppendConflict(t *testing.T, s storage.Store) {
	ctx := context.Background()
	mustAppend(t, s, policy1, 0, 2)

	for _, expected := range []uint64{0, 1, 3} {
		_, err := s.Append(ctx, policy1, policyType, expected, drafts(1, base))
		if !apperrors.IsCode(err, apperrors.CodeConcurrencyConflict) {
			t.Fatalf("append at %d: err = %v, want conflict", expected, err)
		}
	}
	seq, _, err := s.CurrentSequence(ctx, policy1)
	if err != nil || seq != 2 {
		t.Fatalf("seq after conflicts = %d err %v, want 2", seq, err)
	}

	// An empty append is a sequence check.
	if seq, err := s.Append(ctx, policy1, policyType, 2, nil); err != nil || seq != 2 {
		t.Fatalf("empty append = %d err %v", seq, err)
	}
	if _, err := s.Append(ctx, policy1, policyType, 1, nil); !apperrors.IsCode(err, apperrors.CodeConcurrencyConflict) {
		t.Fatalf("stale empty append err = %v, want conflict", err)
	}
}

func testConcurrentAppend(t *testing.T, s storage.Store) {
	ctx := context.Background()
	mustAppend(t, s, policy1, 0, 4)

	const writers = 2
	errs := make([]error, writers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = s.Append(ctx, policy1, policyType, 4, drafts(1, base.Add(time.Duration(i)*time.Second)))
		}(i)
	}
	close(start)
	wg.Wait()

	var won, conflicted int
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case apperrors.IsCode(err, apperrors.CodeConcurrencyConflict):
			conflicted++
		default:
			t.Fatalf("unexpected append error: %v", err)
		}
	}
	if won != 1 || conflicted != 1 {
		t.Fatalf("won = %d conflicted = %d, want 1 and 1", won, conflicted)
	}
	seq, _, err := s.CurrentSequence(ctx, policy1)
	if err != nil || seq != 5 {
		t.Fatalf("seq = %d err %v, want 5", seq, err)
	}
}

func testAppendRejectsTypeChange(t *testing.T, s storage.Store) {
	ctx := context.Background()
	mustAppend(t, s, policy1, 0, 1)
	_, err := s.Append(ctx, policy1, "claim", 1, drafts(1, base))
	if !apperrors.IsCode(err, apperrors.CodeInvalidArgument) {
		t.Fatalf("err = %v, want invalid argument", err)
	}
	_, err = s.Append(ctx, event.StreamKey{TenantID: "acme"}, policyType, 0, drafts(1, base))
	if !apperrors.IsCode(err, apperrors.CodeInvalidArgument) {
		t.Fatalf("missing aggregate id err = %v, want invalid argument", err)
	}
}

func testTenantsAreIsolated(t *testing.T, s storage.Store) {
	ctx := context.Background()
	other := event.StreamKey{TenantID: "globex", AggregateID: policy1.AggregateID}
	mustAppend(t, s, policy1, 0, 3)
	mustAppend(t, s, other, 0, 1)

	events, err := s.ListEvents(ctx, other, 0, 100)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 1 || events[0].TenantID != "globex" {
		t.Fatalf("events = %+v, want one globex event", events)
	}
}

func testListStreams(t *testing.T, s storage.Store) {
	ctx := context.Background()
	keys := []event.StreamKey{
		{TenantID: "b", AggregateID: "1"},
		{TenantID: "a", AggregateID: "z"},
		{TenantID: "a-2", AggregateID: "a"},
		{TenantID: "a", AggregateID: "b"},
	}
	for _, key := range keys {
		mustAppend(t, s, key, 0, 1)
	}
	claim := event.StreamKey{TenantID: "a", AggregateID: "c"}
	if _, err := s.Append(ctx, claim, "claim", 0, []event.Event{{ID: "claim-evt", Type: "claim.opened", Timestamp: base}}); err != nil {
		t.Fatalf("append claim: %v", err)
	}

	var got []string
	after := event.StreamKey{}
	for {
		page, err := s.ListStreams(ctx, storage.StreamFilter{AggregateType: policyType}, after, 3)
		if err != nil {
			t.Fatalf("list streams: %v", err)
		}
		for _, head := range page {
			got = append(got, head.Key.String())
			if head.Seq != 1 || head.AggregateType != policyType {
				t.Fatalf("head = %+v", head)
			}
		}
		if len(page) < 3 {
			break
		}
		after = page[len(page)-1].Key
	}
	want := []string{"a/b", "a/z", "a-2/a", "b/1"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("streams = %v, want %v", got, want)
	}

	page, err := s.ListStreams(ctx, storage.StreamFilter{TenantID: "a"}, event.StreamKey{}, 10)
	if err != nil {
		t.Fatalf("list tenant: %v", err)
	}
	if len(page) != 3 {
		t.Fatalf("tenant a streams = %d, want 3", len(page))
	}
}

func testSnapshotNeverRegresses(t *testing.T, s storage.Store) {
	ctx := context.Background()
	if _, err := s.LatestSnapshot(ctx, policy1); !apperrors.IsCode(err, apperrors.CodeNotFound) {
		t.Fatalf("missing snapshot err = %v, want not found", err)
	}
	save := func(seq uint64, state string) {
		t.Helper()
		err := s.SaveSnapshot(ctx, storage.Snapshot{Key: policy1, AggregateType: policyType, Seq: seq, State: []byte(state), CreatedAt: base})
		if err != nil {
			t.Fatalf("save snapshot %d: %v", seq, err)
		}
	}
	save(5, `{"v":5}`)
	save(3, `{"v":3}`)
	got, err := s.LatestSnapshot(ctx, policy1)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if got.Seq != 5 || string(got.State) != `{"v":5}` || got.AggregateType != policyType {
		t.Fatalf("snapshot = %+v, want seq 5", got)
	}
	save(8, `{"v":8}`)
	if got, _ := s.LatestSnapshot(ctx, policy1); got.Seq != 8 {
		t.Fatalf("seq = %d, want 8", got.Seq)
	}
	if err := s.DeleteSnapshot(ctx, policy1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.LatestSnapshot(ctx, policy1); !apperrors.IsCode(err, apperrors.CodeNotFound) {
		t.Fatalf("deleted snapshot err = %v, want not found", err)
	}
}

func testReadModelNeverRegresses(t *testing.T, s storage.Store) {
	ctx := context.Background()
	put := func(seq uint64) {
		t.Helper()
		err := s.PutReadModel(ctx, storage.ReadModel{
			Key:           policy1,
			AggregateType: policyType,
			AsOfSeq:       seq,
			State:         []byte(fmt.Sprintf(`{"seq":%d}`, seq)),
			LastEventAt:   base.Add(time.Duration(seq) * time.Second),
		})
		if err != nil {
			t.Fatalf("put %d: %v", seq, err)
		}
	}
	put(4)
	put(2)
	got, err := s.GetReadModel(ctx, policyType, policy1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AsOfSeq != 4 || string(got.State) != `{"seq":4}` {
		t.Fatalf("read model = %+v, want seq 4", got)
	}
	if !got.LastEventAt.Equal(base.Add(4 * time.Second)) {
		t.Fatalf("last event at = %s", got.LastEventAt)
	}
	put(4)
	put(6)
	if got, _ := s.GetReadModel(ctx, policyType, policy1); got.AsOfSeq != 6 {
		t.Fatalf("as of = %d, want 6", got.AsOfSeq)
	}
	if _, err := s.GetReadModel(ctx, "claim", policy1); !apperrors.IsCode(err, apperrors.CodeNotFound) {
		t.Fatalf("other type err = %v, want not found", err)
	}
	if err := s.DeleteReadModel(ctx, policyType, policy1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetReadModel(ctx, policyType, policy1); !apperrors.IsCode(err, apperrors.CodeNotFound) {
		t.Fatalf("deleted err = %v, want not found", err)
	}
}

func testCursorLease(t *testing.T, s storage.Store) {
	ctx := context.Background()
	const name = "snapshots.regenerate"
	if _, err := s.GetCursor(ctx, name); !apperrors.IsCode(err, apperrors.CodeNotFound) {
		t.Fatalf("missing cursor err = %v, want not found", err)
	}

	cursor, err := s.AcquireCursor(ctx, name, "runner-a", base, time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if cursor.Status != storage.CursorRunning || cursor.LastKey != "" || cursor.Processed != 0 {
		t.Fatalf("new cursor = %+v", cursor)
	}
	cursor.LastKey = "acme/pol-7"
	cursor.Processed = 7
	cursor.UpdatedAt = base.Add(time.Second)
	if err := s.SaveCursor(ctx, cursor); err != nil {
		t.Fatalf("save: %v", err)
	}

	if _, err := s.AcquireCursor(ctx, name, "runner-b", base.Add(30*time.Second), time.Minute); !apperrors.IsCode(err, apperrors.CodeMigrationInProgress) {
		t.Fatalf("contended acquire err = %v, want in progress", err)
	}
	again, err := s.AcquireCursor(ctx, name, "runner-a", base.Add(30*time.Second), time.Minute)
	if err != nil {
		t.Fatalf("re-acquire by owner: %v", err)
	}
	if again.LastKey != "acme/pol-7" || again.Processed != 7 {
		t.Fatalf("cursor = %+v, want saved progress", again)
	}

	taken, err := s.AcquireCursor(ctx, name, "runner-b", base.Add(5*time.Minute), time.Minute)
	if err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	if taken.Owner != "runner-b" || taken.Processed != 7 {
		t.Fatalf("taken = %+v", taken)
	}
	again.Processed = 8
	if err := s.SaveCursor(ctx, again); !apperrors.IsCode(err, apperrors.CodeMigrationInProgress) {
		t.Fatalf("stale owner save err = %v, want in progress", err)
	}

	taken.Status = storage.CursorPaused
	if err := s.SaveCursor(ctx, taken); err != nil {
		t.Fatalf("save paused: %v", err)
	}
	got, err := s.GetCursor(ctx, name)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != storage.CursorPaused || got.Owner != "runner-b" {
		t.Fatalf("cursor = %+v", got)
	}
}

func testCompleteCursor(t *testing.T, s storage.Store) {
	ctx := context.Background()
	const name = "readmodels.rebuild"
	if _, err := s.GetCompletion(ctx, name); !apperrors.IsCode(err, apperrors.CodeNotFound) {
		t.Fatalf("missing completion err = %v, want not found", err)
	}
	cursor, err := s.AcquireCursor(ctx, name, "runner-a", base, time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	cursor.Processed = 42
	if err := s.SaveCursor(ctx, cursor); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := s.CompleteCursor(ctx, name, "runner-b", base); !apperrors.IsCode(err, apperrors.CodeMigrationInProgress) {
		t.Fatalf("foreign complete err = %v, want in progress", err)
	}
	completion, err := s.CompleteCursor(ctx, name, "runner-a", base.Add(time.Hour))
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completion.Processed != 42 || !completion.CompletedAt.Equal(base.Add(time.Hour)) {
		t.Fatalf("completion = %+v", completion)
	}
	if _, err := s.GetCursor(ctx, name); !apperrors.IsCode(err, apperrors.CodeNotFound) {
		t.Fatalf("cursor after completion err = %v, want not found", err)
	}
	stored, err := s.GetCompletion(ctx, name)
	if err != nil || stored.Processed != 42 {
		t.Fatalf("stored completion = %+v err %v", stored, err)
	}
}

func testMaintain(t *testing.T, s storage.Store) {
	mustAppend(t, s, policy1, 0, 2)
	if err := s.Maintain(context.Background()); err != nil {
		t.Fatalf("maintain: %v", err)
	}
	seq, _, err := s.CurrentSequence(context.Background(), policy1)
	if err != nil || seq != 2 {
		t.Fatalf("seq after maintain = %d err %v", seq, err)
	}
}
