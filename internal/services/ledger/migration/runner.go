// Package migration runs large data transformations in bounded, resumable
// batches. Progress is checkpointed in a durable cursor after every batch,
// transient failures retry the same batch with jittered exponential backoff,
// and cancellation is honoured only between batches.
package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/louisbranch/underwrite/internal/platform/clock"
	apperrors "github.com/louisbranch/underwrite/internal/platform/errors"
	"github.com/louisbranch/underwrite/internal/platform/logging/logattr"
	"github.com/louisbranch/underwrite/internal/platform/timeouts"
	"github.com/louisbranch/underwrite/internal/services/ledger/storage"
)

const tracerName = "github.com/louisbranch/underwrite/internal/services/ledger/migration"

const (
	// DefaultBatchSize bounds records per batch when Options leaves it unset.
	DefaultBatchSize = 100
	// DefaultMaxRetries bounds retries per batch when Options leaves it unset.
	DefaultMaxRetries = 5
	// DefaultLease is how long a cursor lease lasts without renewal.
	DefaultLease = 5 * time.Minute
	// NoRetries as Options.MaxRetries fails a batch on its first error.
	NoRetries = -1
)

// Backoff shapes the delay between retries of a failed batch.
type Backoff struct {
	Initial             time.Duration
	Max                 time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultBackoff starts at 200ms and doubles up to 30s with ±50% jitter.
var DefaultBackoff = Backoff{
	Initial:             200 * time.Millisecond,
	Max:                 30 * time.Second,
	Multiplier:          2,
	RandomizationFactor: 0.5,
}

func (b Backoff) policy() *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.Initial
	policy.MaxInterval = b.Max
	policy.Multiplier = b.Multiplier
	policy.RandomizationFactor = b.RandomizationFactor
	policy.Reset()
	return policy
}

// Runner executes migration jobs against a cursor store. One Runner is one
// lease owner; concurrent runs of the same name through it share a single
// execution.
type Runner struct {
	cursors storage.CursorStore
	clock   clock.Clock
	logger  *slog.Logger
	tracer  trace.Tracer
	owner   string
	lease   time.Duration
	backoff Backoff
	// callTimeout bounds each cursor write and batch fetch.
	callTimeout time.Duration
	group       singleflight.Group
}

// Option configures a Runner.
type Option func(*Runner)

// WithClock sets the clock used for leases and backoff waits.
func WithClock(c clock.Clock) Option {
	return func(r *Runner) { r.clock = c }
}

// WithLogger sets the logging sink.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithTracerProvider sets the tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Runner) { r.tracer = tp.Tracer(tracerName) }
}

// WithOwner sets the lease owner identity. A random one is used otherwise.
func WithOwner(owner string) Option {
	return func(r *Runner) { r.owner = owner }
}

// WithLease sets the cursor lease duration.
func WithLease(d time.Duration) Option {
	return func(r *Runner) { r.lease = d }
}

// WithBackoff sets the retry delay policy.
func WithBackoff(b Backoff) Option {
	return func(r *Runner) { r.backoff = b }
}

// WithCallTimeout bounds each cursor store call and each batch fetch.
// Defaults to timeouts.StorageCall.
func WithCallTimeout(d time.Duration) Option {
	return func(r *Runner) { r.callTimeout = d }
}

// NewRunner returns a Runner persisting progress in cursors.
func NewRunner(cursors storage.CursorStore, opts ...Option) (*Runner, error) {
	if cursors == nil {
		return nil, fmt.Errorf("cursor store is required")
	}
	r := &Runner{
		cursors:     cursors,
		clock:       clock.System{},
		logger:      slog.Default(),
		tracer:      otel.Tracer(tracerName),
		owner:       uuid.NewString(),
		lease:       DefaultLease,
		backoff:     DefaultBackoff,
		callTimeout: timeouts.StorageCall,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(logattr.Component("migration_runner"))
	return r, nil
}

// Owner returns the lease owner identity of the runner.
func (r *Runner) Owner() string {
	return r.owner
}

// Options tunes one run.
type Options struct {
	// BatchSize bounds records per batch; zero uses DefaultBatchSize.
	BatchSize int
	// MaxRetries bounds retries of one batch; zero uses DefaultMaxRetries
	// and a negative value disables retries. Use NoRetries to spell the
	// latter.
	MaxRetries int
	// Cancel requests a pause. It is checked after each committed batch and
	// while waiting to retry.
	Cancel <-chan struct{}
	// MaintenanceEvery invokes Maintenance after every N batches; zero
	// disables it.
	MaintenanceEvery int
	Maintenance      func(ctx context.Context) error
	// Rerun starts a completed migration again from the beginning.
	Rerun bool
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	switch {
	case o.MaxRetries == 0:
		o.MaxRetries = DefaultMaxRetries
	case o.MaxRetries < 0:
		o.MaxRetries = 0
	}
	return o
}

// Result reports how a run ended. Processed is cumulative across resumed
// runs of the same cursor.
type Result struct {
	Name             string  `json:"name"`
	State            State   `json:"state"`
	Processed        int64   `json:"processed"`
	Skipped          []Skip  `json:"skipped,omitempty"`
	Batches          int     `json:"batches"`
	Retries          int     `json:"retries"`
	LastKey          string  `json:"last_key,omitempty"`
	Resumed          bool    `json:"resumed,omitempty"`
	AlreadyCompleted bool    `json:"already_completed,omitempty"`
	Shared           bool    `json:"shared,omitempty"`
	Transitions      []State `json:"transitions"`
}

// Run drives job until its records are drained, a pause is requested, or it
// fails. A paused run returns a nil error; a failed run returns the cause
// and keeps its cursor so the next run resumes after the last committed
// batch. A completed migration is not run again unless opts.Rerun is set.
//
// Concurrent calls for the same job name join the execution already in
// flight. They receive its Result with Shared set, and their own job and
// opts are not used, so a later caller's Cancel channel or BatchSize has no
// effect on that execution.
func Run[R any](ctx context.Context, r *Runner, job Job[R], opts Options) (Result, error) {
	if r == nil {
		return Result{}, apperrors.New(apperrors.CodeInternal, "migration runner is not configured")
	}
	if err := job.validate(); err != nil {
		return Result{}, err
	}
	v, err, shared := r.group.Do(job.Name, func() (any, error) {
		e := &execution[R]{runner: r, job: job, opts: opts.withDefaults(), machine: newMachine()}
		return e.run(ctx)
	})
	res, _ := v.(Result)
	res.Transitions = append([]State(nil), res.Transitions...)
	res.Skipped = append([]Skip(nil), res.Skipped...)
	res.Shared = shared
	return res, err
}

// errPaused signals a cancel request observed while waiting to retry.
var errPaused = errors.New("migration paused")

type execution[R any] struct {
	runner  *Runner
	job     Job[R]
	opts    Options
	machine *machine
	cursor  storage.Cursor
	result  Result
	logger  *slog.Logger
}

func (e *execution[R]) run(ctx context.Context) (_ Result, err error) {
	r := e.runner
	ctx, span := r.tracer.Start(ctx, "migration.Run", trace.WithAttributes(
		attribute.String("migration", e.job.Name),
		attribute.Int("batch_size", e.opts.BatchSize),
	))
	defer func() {
		span.SetAttributes(
			attribute.String("state", string(e.machine.state)),
			attribute.Int64("processed", e.result.Processed),
			attribute.Int("batches", e.result.Batches),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(apperrors.CodeOf(err)))
		}
		span.End()
	}()

	e.logger = r.logger.With(logattr.Migration(e.job.Name))
	e.result = Result{Name: e.job.Name}

	if done, err := e.alreadyCompleted(ctx); done || err != nil {
		return e.result, err
	}

	cursor, err := timeouts.Call(ctx, r.callTimeout, func(ctx context.Context) (storage.Cursor, error) {
		return r.cursors.AcquireCursor(ctx, e.job.Name, r.owner, r.clock.Now(), r.lease)
	})
	if err != nil {
		e.result.State = StateIdle
		e.result.Transitions = e.machine.path
		return e.result, err
	}
	e.cursor = cursor
	e.result.Processed = cursor.Processed
	e.result.LastKey = cursor.LastKey
	e.result.Resumed = cursor.LastKey != "" || cursor.Processed > 0

	if err := e.machine.to(StateRunning); err != nil {
		return e.finish(ctx, err)
	}
	if e.result.Resumed {
		e.logger.Info("resuming migration", logattr.RecordKey(cursor.LastKey), logattr.Processed(cursor.Processed))
	} else {
		e.logger.Info("starting migration")
	}
	e.cursor.Status = storage.CursorRunning
	if err := e.retry(ctx, e.saveCursor); err != nil {
		return e.finish(ctx, err)
	}

	for {
		var batch []R
		err := e.retry(ctx, func(ctx context.Context) error {
			var err error
			batch, err = timeouts.Call(ctx, r.callTimeout, func(ctx context.Context) ([]R, error) {
				return e.job.Fetch(ctx, e.cursor.LastKey, e.opts.BatchSize)
			})
			return err
		})
		if err != nil {
			return e.finish(ctx, err)
		}
		if len(batch) == 0 {
			return e.complete(ctx)
		}

		var outcome Outcome
		err = e.retry(ctx, func(ctx context.Context) error {
			var err error
			outcome, err = e.job.Process(ctx, batch)
			return err
		})
		if err != nil {
			return e.finish(ctx, err)
		}
		for _, skip := range outcome.Skipped {
			e.logger.Warn("skipped record with inconsistent data", logattr.RecordKey(skip.Key), slog.String("reason", skip.Reason))
		}

		e.cursor.LastKey = e.job.Key(batch[len(batch)-1])
		e.cursor.Processed += int64(outcome.Processed)
		if err := e.retry(ctx, e.saveCursor); err != nil {
			return e.finish(ctx, err)
		}
		e.result.Batches++
		e.result.Processed = e.cursor.Processed
		e.result.LastKey = e.cursor.LastKey
		e.result.Skipped = append(e.result.Skipped, outcome.Skipped...)
		span.AddEvent("batch", trace.WithAttributes(
			attribute.String("last_key", e.cursor.LastKey),
			attribute.Int("records", len(batch)),
		))

		e.maintain(ctx)

		if e.cancelled() {
			return e.finish(ctx, errPaused)
		}
		if err := ctx.Err(); err != nil {
			return e.finish(ctx, err)
		}
	}
}

func (e *execution[R]) alreadyCompleted(ctx context.Context) (bool, error) {
	if e.opts.Rerun {
		return false, nil
	}
	r := e.runner
	_, err := timeouts.Call(ctx, r.callTimeout, func(ctx context.Context) (storage.Cursor, error) {
		return r.cursors.GetCursor(ctx, e.job.Name)
	})
	switch {
	case err == nil:
		return false, nil
	case !apperrors.IsCode(err, apperrors.CodeNotFound):
		return false, err
	}
	completion, err := timeouts.Call(ctx, r.callTimeout, func(ctx context.Context) (storage.Completion, error) {
		return r.cursors.GetCompletion(ctx, e.job.Name)
	})
	if apperrors.IsCode(err, apperrors.CodeNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	e.result.State = StateCompleted
	e.result.Processed = completion.Processed
	e.result.AlreadyCompleted = true
	e.result.Transitions = e.machine.path
	e.logger.Info("migration already completed", logattr.Processed(completion.Processed))
	return true, nil
}

func (e *execution[R]) saveCursor(ctx context.Context) error {
	return e.writeCursor(ctx, e.runner.lease)
}

// releaseCursor persists the cursor with a lease that has already expired,
// so any owner may resume it.
func (e *execution[R]) releaseCursor(ctx context.Context) error {
	return e.writeCursor(ctx, 0)
}

func (e *execution[R]) writeCursor(ctx context.Context, lease time.Duration) error {
	r := e.runner
	now := r.clock.Now()
	e.cursor.Owner = r.owner
	e.cursor.UpdatedAt = now.UTC()
	e.cursor.LeaseExpiresAt = now.Add(lease).UTC()
	return timeouts.Exec(ctx, r.callTimeout, func(ctx context.Context) error {
		return r.cursors.SaveCursor(ctx, e.cursor)
	})
}

// retry runs op until it succeeds, fails with a non-transient error, or
// exhausts MaxRetries. Waits between attempts end early on ctx or a cancel
// request, the latter reported as errPaused.
func (e *execution[R]) retry(ctx context.Context, op func(ctx context.Context) error) error {
	policy := e.runner.backoff.policy()
	for attempt := 0; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return e.machine.to(StateRunning)
		}
		if !transient(ctx, err) || attempt >= e.opts.MaxRetries {
			return err
		}
		if err := e.machine.to(StateRetrying); err != nil {
			return err
		}
		e.result.Retries++
		delay := policy.NextBackOff()
		e.logger.Warn("transient failure, retrying batch",
			logattr.Attempt(attempt+1),
			logattr.Delay(delay),
			logattr.RecordKey(e.cursor.LastKey),
			logattr.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.opts.Cancel:
			return errPaused
		case <-e.runner.clock.After(delay):
		}
	}
}

// transient reports whether err may succeed on retry. A deadline on a
// storage call is transient; the caller's own context ending is not.
func transient(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return apperrors.IsTransient(err) || errors.Is(err, context.DeadlineExceeded)
}

func (e *execution[R]) cancelled() bool {
	select {
	case <-e.opts.Cancel:
		return true
	default:
		return false
	}
}

func (e *execution[R]) maintain(ctx context.Context) {
	if e.opts.MaintenanceEvery <= 0 || e.opts.Maintenance == nil {
		return
	}
	if e.result.Batches%e.opts.MaintenanceEvery != 0 {
		return
	}
	maintCtx, cancel := context.WithTimeout(ctx, timeouts.Maintenance)
	defer cancel()
	if err := e.opts.Maintenance(maintCtx); err != nil {
		e.logger.Warn("maintenance failed", logattr.Error(err))
		return
	}
	e.logger.Debug("maintenance done", slog.Int("batches", e.result.Batches))
}

func (e *execution[R]) complete(ctx context.Context) (Result, error) {
	r := e.runner
	var completion storage.Completion
	err := e.retry(ctx, func(ctx context.Context) error {
		var err error
		completion, err = timeouts.Call(ctx, r.callTimeout, func(ctx context.Context) (storage.Completion, error) {
			return r.cursors.CompleteCursor(ctx, e.job.Name, r.owner, r.clock.Now())
		})
		return err
	})
	if err != nil {
		return e.finish(ctx, err)
	}
	if err := e.machine.to(StateCompleted); err != nil {
		return e.finish(ctx, err)
	}
	e.result.State = StateCompleted
	e.result.Processed = completion.Processed
	e.result.Transitions = e.machine.path
	e.logger.Info("migration completed",
		logattr.Processed(completion.Processed),
		slog.Int("batches", e.result.Batches),
		slog.Int("skipped", len(e.result.Skipped)),
	)
	return e.result, nil
}

// finish ends the run as paused (errPaused) or failed (any other error),
// persisting the cursor status. Committed progress is never rolled back.
func (e *execution[R]) finish(ctx context.Context, cause error) (Result, error) {
	next, status, runErr := StateFailed, storage.CursorFailed, cause
	if errors.Is(cause, errPaused) {
		next, status, runErr = StatePaused, storage.CursorPaused, nil
	}
	if err := e.machine.to(next); err != nil {
		runErr = errors.Join(runErr, err)
	}
	e.result.State = e.machine.state
	e.result.Transitions = e.machine.path
	e.result.Processed = e.cursor.Processed
	e.result.LastKey = e.cursor.LastKey

	e.cursor.Status = status
	if e.cursor.Name != "" {
		if err := e.releaseCursor(context.WithoutCancel(ctx)); err != nil {
			e.logger.Error("persist migration cursor failed", logattr.MigrationState(string(next)), logattr.Error(err))
		}
	}
	if runErr != nil {
		e.logger.Error("migration failed",
			logattr.RecordKey(e.cursor.LastKey),
			logattr.Processed(e.cursor.Processed),
			logattr.Error(runErr),
		)
	} else {
		e.logger.Info("migration paused", logattr.RecordKey(e.cursor.LastKey), logattr.Processed(e.cursor.Processed))
	}
	return e.result, runErr
}
