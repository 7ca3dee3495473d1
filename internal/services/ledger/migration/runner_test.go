package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/louisbranch/underwrite/internal/platform/clock"
	apperrors "github.com/louisbranch/underwrite/internal/platform/errors"
	"github.com/louisbranch/underwrite/internal/services/ledger/storage"
	"github.com/louisbranch/underwrite/internal/services/ledger/storage/memory"
)

var start = time.Date(2026, 5, 4, 2, 0, 0, 0, time.UTC)

var noJitter = Backoff{Initial: 200 * time.Millisecond, Max: 5 * time.Second, Multiplier: 2}

type record struct {
	id int
}

func recordKey(r record) string { return fmt.Sprintf("%06d", r.id) }

// source serves records 1..n in key order and counts what was applied.
type source struct {
	mu      sync.Mutex
	n       int
	fetches int
	applied map[int]int
}

func newSource(n int) *source {
	return &source{n: n, applied: make(map[int]int)}
}

func (s *source) fetch(_ context.Context, after string, limit int) ([]record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	var batch []record
	for id := 1; id <= s.n && len(batch) < limit; id++ {
		r := record{id: id}
		if recordKey(r) > after {
			batch = append(batch, r)
		}
	}
	return batch, nil
}

func (s *source) apply(batch []record) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range batch {
		s.applied[r.id]++
	}
	return Outcome{Processed: len(batch)}
}

func (s *source) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.applied {
		total += n
	}
	return total
}

func (s *source) job(process func(ctx context.Context, batch []record) (Outcome, error)) Job[record] {
	if process == nil {
		process = func(_ context.Context, batch []record) (Outcome, error) { return s.apply(batch), nil }
	}
	return Job[record]{Name: "test.backfill", Fetch: s.fetch, Key: recordKey, Process: process}
}

func newTestRunner(t *testing.T, store storage.CursorStore, opts ...Option) (*Runner, *clock.Manual) {
	t.Helper()
	c := clock.NewManual(start)
	opts = append([]Option{
		WithClock(c),
		WithLogger(slog.New(slog.DiscardHandler)),
		WithOwner("runner-test"),
		WithBackoff(noJitter),
	}, opts...)
	r, err := NewRunner(store, opts...)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	return r, c
}

func transientTimeout() error {
	return apperrors.Wrap(apperrors.CodeTransientStorage, "process batch", context.DeadlineExceeded)
}

func assertPath(t *testing.T, got []State, want ...State) {
	t.Helper()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
}

func TestNewRunnerRequiresStore(t *testing.T) {
	if _, err := NewRunner(nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestRunValidatesJob(t *testing.T) {
	r, _ := newTestRunner(t, memory.New())
	src := newSource(1)
	valid := src.job(nil)
	tests := []struct {
		name string
		edit func(j *Job[record])
	}{
		{"name", func(j *Job[record]) { j.Name = " " }},
		{"fetch", func(j *Job[record]) { j.Fetch = nil }},
		{"key", func(j *Job[record]) { j.Key = nil }},
		{"process", func(j *Job[record]) { j.Process = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := valid
			tt.edit(&job)
			if _, err := Run(context.Background(), r, job, Options{}); !apperrors.IsCode(err, apperrors.CodeInvalidArgument) {
				t.Fatalf("err = %v, want invalid argument", err)
			}
		})
	}
	if _, err := Run(context.Background(), (*Runner)(nil), valid, Options{}); !apperrors.IsCode(err, apperrors.CodeInternal) {
		t.Fatalf("nil runner err = %v", err)
	}
}

func TestRunCompletesAndDeletesCursor(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	r, _ := newTestRunner(t, store)
	src := newSource(250)

	res, err := Run(ctx, r, src.job(nil), Options{BatchSize: 100})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.State != StateCompleted || res.Processed != 250 || res.Batches != 3 || res.Retries != 0 {
		t.Fatalf("result = %+v", res)
	}
	assertPath(t, res.Transitions, StateIdle, StateRunning, StateCompleted)
	if src.total() != 250 || len(src.applied) != 250 {
		t.Fatalf("applied %d records over %d ids", src.total(), len(src.applied))
	}
	if _, err := store.GetCursor(ctx, "test.backfill"); !apperrors.IsCode(err, apperrors.CodeNotFound) {
		t.Fatalf("cursor err = %v, want deleted", err)
	}
	completion, err := store.GetCompletion(ctx, "test.backfill")
	if err != nil || completion.Processed != 250 {
		t.Fatalf("completion = %+v err %v", completion, err)
	}
}

func TestRunResumesAfterCancel(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	r, _ := newTestRunner(t, store)
	src := newSource(250)

	cancel := make(chan struct{})
	batches := 0
	job := src.job(func(_ context.Context, batch []record) (Outcome, error) {
		batches++
		if batches == 2 {
			close(cancel)
		}
		return src.apply(batch), nil
	})

	res, err := Run(ctx, r, job, Options{BatchSize: 100, Cancel: cancel})
	if err != nil {
		t.Fatalf("paused run returned error: %v", err)
	}
	if res.State != StatePaused || res.Processed != 200 || res.Batches != 2 {
		t.Fatalf("result = %+v, want paused after 200", res)
	}
	assertPath(t, res.Transitions, StateIdle, StateRunning, StatePaused)
	cursor, err := store.GetCursor(ctx, "test.backfill")
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if cursor.Status != storage.CursorPaused || cursor.LastKey != "000200" || cursor.Processed != 200 {
		t.Fatalf("cursor = %+v", cursor)
	}

	before := src.total()
	res, err = Run(ctx, r, src.job(nil), Options{BatchSize: 100})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got := src.total() - before; got != 50 {
		t.Fatalf("resumed run processed %d records, want 50", got)
	}
	if !res.Resumed || res.State != StateCompleted || res.Processed != 250 || res.Batches != 1 {
		t.Fatalf("result = %+v", res)
	}
	for id, n := range src.applied {
		if n != 1 {
			t.Fatalf("record %d applied %d times", id, n)
		}
	}
}

func TestRunReleasesLeaseForAnotherOwner(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	first, _ := newTestRunner(t, store, WithOwner("process-a"))
	src := newSource(250)

	cancel := make(chan struct{})
	batches := 0
	job := src.job(func(_ context.Context, batch []record) (Outcome, error) {
		batches++
		if batches == 2 {
			close(cancel)
		}
		return src.apply(batch), nil
	})
	if _, err := Run(ctx, first, job, Options{BatchSize: 100, Cancel: cancel}); err != nil {
		t.Fatalf("paused run returned error: %v", err)
	}
	cursor, err := store.GetCursor(ctx, "test.backfill")
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if cursor.Owner != "process-a" || !cursor.LeaseExpiresAt.Equal(start) {
		t.Fatalf("cursor owner %q lease %s, want process-a released at %s", cursor.Owner, cursor.LeaseExpiresAt, start)
	}

	// Same instant, different process: the paused lease must not block it.
	second, _ := newTestRunner(t, store, WithOwner("process-b"))
	before := src.total()
	res, err := Run(ctx, second, src.job(nil), Options{BatchSize: 100})
	if err != nil {
		t.Fatalf("resume under another owner: %v", err)
	}
	if got := src.total() - before; got != 50 {
		t.Fatalf("resumed run processed %d records, want 50", got)
	}
	if !res.Resumed || res.State != StateCompleted || res.Processed != 250 {
		t.Fatalf("result = %+v", res)
	}
}

func TestRunFailedCursorResumesUnderAnotherOwner(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	first, _ := newTestRunner(t, store, WithOwner("process-a"))
	src := newSource(150)

	batches := 0
	job := src.job(func(_ context.Context, batch []record) (Outcome, error) {
		batches++
		if batches == 2 {
			return Outcome{}, errors.New("schema mismatch")
		}
		return src.apply(batch), nil
	})
	res, err := Run(ctx, first, job, Options{BatchSize: 100})
	if err == nil || res.State != StateFailed {
		t.Fatalf("result = %+v err %v, want failed", res, err)
	}

	second, _ := newTestRunner(t, store, WithOwner("process-b"))
	res, err = Run(ctx, second, src.job(nil), Options{BatchSize: 100})
	if err != nil {
		t.Fatalf("resume under another owner: %v", err)
	}
	if res.State != StateCompleted || res.Processed != 150 {
		t.Fatalf("result = %+v", res)
	}
}

func TestRunBoundsHangingFetchPerCall(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	r, _ := newTestRunner(t, store, WithCallTimeout(10*time.Millisecond))

	fetches := 0
	job := Job[record]{
		Name: "test.backfill",
		Fetch: func(ctx context.Context, _ string, _ int) ([]record, error) {
			fetches++
			<-ctx.Done()
			return nil, ctx.Err()
		},
		Key: recordKey,
		Process: func(context.Context, []record) (Outcome, error) {
			return Outcome{}, nil
		},
	}

	done := make(chan struct{})
	var (
		res Result
		err error
	)
	go func() {
		defer close(done)
		res, err = Run(ctx, r, job, Options{MaxRetries: 1})
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return while fetch was hanging")
	}

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if fetches != 2 || res.Retries != 1 || res.State != StateFailed {
		t.Fatalf("fetches = %d result = %+v, want one retry then failed", fetches, res)
	}
	cursor, cerr := store.GetCursor(ctx, "test.backfill")
	if cerr != nil || cursor.Status != storage.CursorFailed {
		t.Fatalf("cursor = %+v err %v, want failed cursor kept", cursor, cerr)
	}
}

func TestRunNoRetriesFailsOnFirstTransientError(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRunner(t, memory.New())
	src := newSource(10)

	attempts := 0
	job := src.job(func(context.Context, []record) (Outcome, error) {
		attempts++
		return Outcome{}, transientTimeout()
	})
	res, err := Run(ctx, r, job, Options{MaxRetries: NoRetries})
	if !apperrors.IsTransient(err) {
		t.Fatalf("err = %v, want transient cause", err)
	}
	if attempts != 1 || res.Retries != 0 {
		t.Fatalf("attempts = %d retries = %d, want 1 and 0", attempts, res.Retries)
	}
}

func TestRunRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	r, c := newTestRunner(t, store)
	src := newSource(100)

	attempts := 0
	job := src.job(func(_ context.Context, batch []record) (Outcome, error) {
		attempts++
		if attempts <= 2 {
			return Outcome{}, transientTimeout()
		}
		return src.apply(batch), nil
	})

	res, err := Run(ctx, r, job, Options{BatchSize: 100, MaxRetries: 5})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if attempts != 3 || res.Retries != 2 {
		t.Fatalf("attempts = %d retries = %d, want 3 and 2", attempts, res.Retries)
	}
	if res.Processed != 100 || src.total() != 100 {
		t.Fatalf("processed = %d applied = %d, want 100 once", res.Processed, src.total())
	}
	assertPath(t, res.Transitions, StateIdle, StateRunning, StateRetrying, StateRunning, StateCompleted)
	waits := c.Waits()
	if len(waits) != 2 || waits[0] != 200*time.Millisecond || waits[1] != 400*time.Millisecond {
		t.Fatalf("waits = %v, want [200ms 400ms]", waits)
	}
}

func TestRunBackoffIsJittered(t *testing.T) {
	store := memory.New()
	r, c := newTestRunner(t, store, WithBackoff(Backoff{Initial: 200 * time.Millisecond, Max: time.Minute, Multiplier: 2, RandomizationFactor: 0.5}))
	src := newSource(10)
	attempts := 0
	job := src.job(func(_ context.Context, batch []record) (Outcome, error) {
		attempts++
		if attempts <= 3 {
			return Outcome{}, transientTimeout()
		}
		return src.apply(batch), nil
	})
	if _, err := Run(context.Background(), r, job, Options{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	base := 200 * time.Millisecond
	for i, wait := range c.Waits() {
		lo, hi := base/2, base+base/2
		if wait < lo || wait > hi {
			t.Fatalf("wait %d = %s, want within [%s, %s]", i, wait, lo, hi)
		}
		base *= 2
	}
}

func TestRunTreatsStorageDeadlineAsTransient(t *testing.T) {
	store := memory.New()
	r, _ := newTestRunner(t, store)
	src := newSource(5)
	failed := false
	job := src.job(func(_ context.Context, batch []record) (Outcome, error) {
		if !failed {
			failed = true
			return Outcome{}, fmt.Errorf("query: %w", context.DeadlineExceeded)
		}
		return src.apply(batch), nil
	})
	res, err := Run(context.Background(), r, job, Options{})
	if err != nil || res.Retries != 1 || res.State != StateCompleted {
		t.Fatalf("result = %+v err %v", res, err)
	}
}

func TestRunFailsAfterMaxRetriesAndResumes(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	r, _ := newTestRunner(t, store)
	src := newSource(30)

	calls := 0
	flaky := src.job(func(_ context.Context, batch []record) (Outcome, error) {
		calls++
		if batch[0].id > 10 {
			return Outcome{}, transientTimeout()
		}
		return src.apply(batch), nil
	})
	res, err := Run(ctx, r, flaky, Options{BatchSize: 10, MaxRetries: 3})
	if !apperrors.IsCode(err, apperrors.CodeTransientStorage) {
		t.Fatalf("err = %v, want transient", err)
	}
	if res.State != StateFailed || res.Processed != 10 || res.Retries != 3 {
		t.Fatalf("result = %+v", res)
	}
	if calls != 5 {
		t.Fatalf("process calls = %d, want 1 + 4 attempts", calls)
	}
	assertPath(t, res.Transitions, StateIdle, StateRunning, StateRetrying, StateFailed)
	cursor, err := store.GetCursor(ctx, "test.backfill")
	if err != nil || cursor.Status != storage.CursorFailed || cursor.LastKey != "000010" {
		t.Fatalf("cursor = %+v err %v", cursor, err)
	}

	res, err = Run(ctx, r, src.job(nil), Options{BatchSize: 10})
	if err != nil || res.State != StateCompleted || res.Processed != 30 || !res.Resumed {
		t.Fatalf("resume = %+v err %v", res, err)
	}
	if src.total() != 30 {
		t.Fatalf("applied = %d, want 30", src.total())
	}
}

func TestRunFatalErrorFailsImmediately(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	r, c := newTestRunner(t, store)
	src := newSource(30)
	job := src.job(func(_ context.Context, batch []record) (Outcome, error) {
		if batch[0].id > 10 {
			return Outcome{}, apperrors.New(apperrors.CodeCorruptEvent, "event sequence gap")
		}
		return src.apply(batch), nil
	})
	res, err := Run(ctx, r, job, Options{BatchSize: 10})
	if !apperrors.IsCode(err, apperrors.CodeCorruptEvent) {
		t.Fatalf("err = %v, want corrupt event", err)
	}
	if res.State != StateFailed || res.Retries != 0 || len(c.Waits()) != 0 {
		t.Fatalf("result = %+v waits %v", res, c.Waits())
	}
	cursor, _ := store.GetCursor(ctx, "test.backfill")
	if cursor.LastKey != "000010" || cursor.Processed != 10 {
		t.Fatalf("cursor = %+v", cursor)
	}
}

func TestRunSkipsDataIntegrityRecords(t *testing.T) {
	store := memory.New()
	r, _ := newTestRunner(t, store)
	src := newSource(25)
	job := src.job(ForEach(recordKey, func(_ context.Context, rec record) error {
		if rec.id%10 == 7 {
			return apperrors.New(apperrors.CodeDataIntegrity, "tenant gone")
		}
		src.apply([]record{rec})
		return nil
	}))
	res, err := Run(context.Background(), r, job, Options{BatchSize: 10})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.State != StateCompleted || res.Processed != 23 || len(res.Skipped) != 2 {
		t.Fatalf("result = %+v", res)
	}
	if res.Skipped[0].Key != "000007" || res.Skipped[1].Key != "000017" {
		t.Fatalf("skipped = %+v", res.Skipped)
	}
	if src.total() != 23 {
		t.Fatalf("applied = %d, want 23", src.total())
	}
}

func TestForEachStopsOnOtherErrors(t *testing.T) {
	boom := errors.New("boom")
	process := ForEach(recordKey, func(_ context.Context, rec record) error {
		if rec.id == 2 {
			return boom
		}
		return nil
	})
	if _, err := process(context.Background(), []record{{1}, {2}, {3}}); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
}

func TestRunIsIdempotentAfterCompletion(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	r, _ := newTestRunner(t, store)
	src := newSource(40)

	if _, err := Run(ctx, r, src.job(nil), Options{BatchSize: 25}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	fetches := src.fetches
	res, err := Run(ctx, r, src.job(nil), Options{BatchSize: 25})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if !res.AlreadyCompleted || res.State != StateCompleted || res.Processed != 40 {
		t.Fatalf("result = %+v", res)
	}
	if src.fetches != fetches || src.total() != 40 {
		t.Fatalf("second run touched data: fetches %d -> %d, applied %d", fetches, src.fetches, src.total())
	}

	res, err = Run(ctx, r, src.job(nil), Options{BatchSize: 25, Rerun: true})
	if err != nil || res.AlreadyCompleted || res.Processed != 40 {
		t.Fatalf("rerun = %+v err %v", res, err)
	}
	if src.total() != 80 {
		t.Fatalf("applied = %d, want 80 after rerun", src.total())
	}
}

func TestRunSharesConcurrentCallsForSameName(t *testing.T) {
	store := memory.New()
	r, _ := newTestRunner(t, store)
	src := newSource(60)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	job := src.job(func(_ context.Context, batch []record) (Outcome, error) {
		once.Do(func() { close(started) })
		<-release
		return src.apply(batch), nil
	})

	results := make([]Result, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = Run(context.Background(), r, job, Options{BatchSize: 20})
	}()
	<-started
	// The joiner's own options are ignored by the execution in flight.
	paused := make(chan struct{})
	close(paused)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], errs[1] = Run(context.Background(), r, job, Options{BatchSize: 1, Cancel: paused})
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range results {
		if errs[i] != nil {
			t.Fatalf("run %d: %v", i, errs[i])
		}
		if results[i].State != StateCompleted || results[i].Processed != 60 || results[i].Batches != 3 {
			t.Fatalf("run %d = %+v, want the first caller's execution", i, results[i])
		}
	}
	if !results[1].Shared {
		t.Fatal("second run did not join the execution in flight")
	}
	if src.total() != 60 {
		t.Fatalf("applied = %d, want each record once", src.total())
	}
}

// stuckClock never fires its timers.
type stuckClock struct {
	*clock.Manual
}

func (stuckClock) After(time.Duration) <-chan time.Time { return nil }

func TestRunCancelDuringBackoffPauses(t *testing.T) {
	store := memory.New()
	r, _ := newTestRunner(t, store, WithClock(stuckClock{clock.NewManual(start)}))
	src := newSource(10)
	cancel := make(chan struct{})
	job := src.job(func(context.Context, []record) (Outcome, error) {
		close(cancel)
		return Outcome{}, transientTimeout()
	})
	res, err := Run(context.Background(), r, job, Options{Cancel: cancel})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if res.State != StatePaused {
		t.Fatalf("state = %s, want paused", res.State)
	}
	assertPath(t, res.Transitions, StateIdle, StateRunning, StateRetrying, StatePaused)
	cursor, err := store.GetCursor(context.Background(), "test.backfill")
	if err != nil || cursor.Status != storage.CursorPaused || cursor.LastKey != "" {
		t.Fatalf("cursor = %+v err %v", cursor, err)
	}
}

func TestRunStopsWhenContextEnds(t *testing.T) {
	store := memory.New()
	r, _ := newTestRunner(t, store)
	src := newSource(30)
	ctx, cancel := context.WithCancel(context.Background())
	job := src.job(func(_ context.Context, batch []record) (Outcome, error) {
		cancel()
		return src.apply(batch), nil
	})
	res, err := Run(ctx, r, job, Options{BatchSize: 10})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context canceled", err)
	}
	if res.State != StateFailed || res.Processed != 10 {
		t.Fatalf("result = %+v", res)
	}
	cursor, err := store.GetCursor(context.Background(), "test.backfill")
	if err != nil || cursor.LastKey != "000010" || cursor.Status != storage.CursorFailed {
		t.Fatalf("cursor = %+v err %v", cursor, err)
	}
}

func TestRunRejectsSecondOwner(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	if _, err := store.AcquireCursor(ctx, "test.backfill", "other-process", start, time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	r, c := newTestRunner(t, store)
	src := newSource(5)

	res, err := Run(ctx, r, src.job(nil), Options{})
	if !apperrors.IsCode(err, apperrors.CodeMigrationInProgress) {
		t.Fatalf("err = %v, want in progress", err)
	}
	if res.State != StateIdle || src.fetches != 0 {
		t.Fatalf("result = %+v fetches %d", res, src.fetches)
	}

	c.Advance(2 * time.Minute)
	res, err = Run(ctx, r, src.job(nil), Options{})
	if err != nil || res.State != StateCompleted {
		t.Fatalf("after lease expiry = %+v err %v", res, err)
	}
}

func TestRunMaintenanceCadence(t *testing.T) {
	store := memory.New()
	r, _ := newTestRunner(t, store)
	src := newSource(250)
	calls := 0
	res, err := Run(context.Background(), r, src.job(nil), Options{
		BatchSize:        50,
		MaintenanceEvery: 2,
		Maintenance: func(context.Context) error {
			calls++
			return errors.New("vacuum busy")
		},
	})
	if err != nil || res.State != StateCompleted {
		t.Fatalf("result = %+v err %v", res, err)
	}
	if res.Batches != 5 || calls != 2 {
		t.Fatalf("batches = %d maintenance calls = %d, want 5 and 2", res.Batches, calls)
	}
}

func TestRunRecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	r, _ := newTestRunner(t, memory.New(), WithTracerProvider(provider))
	src := newSource(15)
	if _, err := Run(context.Background(), r, src.job(nil), Options{BatchSize: 10}); err != nil {
		t.Fatalf("run: %v", err)
	}
	spans := recorder.Ended()
	if len(spans) != 1 || spans[0].Name() != "migration.Run" {
		t.Fatalf("spans = %v", spans)
	}
	if got := len(spans[0].Events()); got != 2 {
		t.Fatalf("batch events = %d, want 2", got)
	}
}

func TestStateMachineRejectsInvalidTransitions(t *testing.T) {
	m := newMachine()
	if err := m.to(StateCompleted); err == nil {
		t.Fatal("idle -> completed must be rejected")
	}
	for _, s := range []State{StateRunning, StateRetrying, StateRunning, StatePaused} {
		if err := m.to(s); err != nil {
			t.Fatalf("to %s: %v", s, err)
		}
	}
	if err := m.to(StateRunning); err == nil {
		t.Fatal("paused is terminal for a run")
	}
	if !StatePaused.Terminal() || StateRetrying.Terminal() {
		t.Fatal("terminal classification wrong")
	}
}
