package storage

import (
	"context"
	"iter"

	"github.com/louisbranch/underwrite/internal/platform/timeouts"
	"github.com/louisbranch/underwrite/internal/services/ledger/domain/event"
)

// DefaultPageSize is the page length used when walking a stream.
const DefaultPageSize = 200

// LoadFrom returns the events of key with Seq > afterSeq in ascending order.
// Each range over the returned sequence queries the store again from
// afterSeq, so the sequence can be restarted. Iteration stops at the first
// error, which is yielded with a zero event.
func LoadFrom(ctx context.Context, store EventLister, key event.StreamKey, afterSeq uint64) iter.Seq2[event.Event, error] {
	return LoadPages(ctx, store, key, afterSeq, DefaultPageSize)
}

// LoadPages is LoadFrom with an explicit page size. Each page read is
// bounded by timeouts.StorageCall.
func LoadPages(ctx context.Context, store EventLister, key event.StreamKey, afterSeq uint64, pageSize int) iter.Seq2[event.Event, error] {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return func(yield func(event.Event, error) bool) {
		cursor := afterSeq
		for {
			if err := ctx.Err(); err != nil {
				yield(event.Event{}, err)
				return
			}
			page, err := timeouts.Call(ctx, 0, func(ctx context.Context) ([]event.Event, error) {
				return store.ListEvents(ctx, key, cursor, pageSize)
			})
			if err != nil {
				yield(event.Event{}, err)
				return
			}
			for _, evt := range page {
				if !yield(evt, nil) {
					return
				}
				cursor = evt.Seq
			}
			if len(page) < pageSize {
				return
			}
		}
	}
}

// StreamExists reports whether key has at least one committed event.
func StreamExists(ctx context.Context, store EventStore, key event.StreamKey) (bool, error) {
	_, found, err := store.CurrentSequence(ctx, key)
	return found, err
}
