// Package timeouts defines shared timeout constants used across the ledger.
// A migration is a long-running process made of many short storage calls;
// each of those calls is bounded here rather than the run as a whole.
package timeouts

import (
	"context"
	"time"
)

// StorageCall caps a single storage round trip (append, page load, batch
// fetch, cursor write).
const StorageCall = 5 * time.Second

// Maintenance caps one storage maintenance pass invoked between batches.
const Maintenance = 2 * time.Minute

// Shutdown limits how long servers wait for in-flight requests during
// graceful shutdown.
const Shutdown = 5 * time.Second

// WithStorageCall derives a context bounded by limit, falling back to
// StorageCall when limit is not positive.
func WithStorageCall(ctx context.Context, limit time.Duration) (context.Context, context.CancelFunc) {
	if limit <= 0 {
		limit = StorageCall
	}
	return context.WithTimeout(ctx, limit)
}

// Call runs fn under WithStorageCall and returns its result.
func Call[T any](ctx context.Context, limit time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := WithStorageCall(ctx, limit)
	defer cancel()
	return fn(ctx)
}

// Exec is Call for storage calls that only return an error.
func Exec(ctx context.Context, limit time.Duration, fn func(context.Context) error) error {
	ctx, cancel := WithStorageCall(ctx, limit)
	defer cancel()
	return fn(ctx)
}
