package timeouts

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWithStorageCallDefaultsLimit(t *testing.T) {
	ctx, cancel := WithStorageCall(context.Background(), 0)
	defer cancel()

	deadline, ok := ctx.Deadline()
	if !ok {
		t.Fatal("expected deadline")
	}
	if remaining := time.Until(deadline); remaining <= 0 || remaining > StorageCall {
		t.Fatalf("remaining = %s, want within %s", remaining, StorageCall)
	}
}

func TestWithStorageCallUsesLimit(t *testing.T) {
	ctx, cancel := WithStorageCall(context.Background(), 10*time.Millisecond)
	defer cancel()

	<-ctx.Done()
	if ctx.Err() != context.DeadlineExceeded {
		t.Fatalf("err = %v, want deadline exceeded", ctx.Err())
	}
}

func TestCallBoundsBlockedStorageCall(t *testing.T) {
	got, err := Call(context.Background(), 10*time.Millisecond, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) || got != 0 {
		t.Fatalf("Call = %d, %v; want deadline exceeded", got, err)
	}

	got, err = Call(context.Background(), 0, func(ctx context.Context) (int, error) {
		if _, ok := ctx.Deadline(); !ok {
			return 0, errors.New("missing deadline")
		}
		return 7, nil
	})
	if err != nil || got != 7 {
		t.Fatalf("Call = %d, %v; want 7", got, err)
	}
}

func TestExecBoundsBlockedStorageCall(t *testing.T) {
	err := Exec(context.Background(), 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Exec = %v, want deadline exceeded", err)
	}
}
