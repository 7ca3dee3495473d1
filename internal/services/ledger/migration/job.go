package migration

import (
	"context"
	"fmt"
	"strings"

	apperrors "github.com/louisbranch/underwrite/internal/platform/errors"
)

// Job walks records of type R in key order. Fetch returns up to limit
// records whose key sorts after the given one; an empty batch ends the run.
// Process must be safe to repeat: a batch that fails transiently runs again.
type Job[R any] struct {
	Name    string
	Fetch   func(ctx context.Context, after string, limit int) ([]R, error)
	Key     func(record R) string
	Process func(ctx context.Context, batch []R) (Outcome, error)
}

func (j Job[R]) validate() error {
	switch {
	case strings.TrimSpace(j.Name) == "":
		return apperrors.New(apperrors.CodeInvalidArgument, "migration name is required")
	case j.Fetch == nil:
		return apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("migration %s has no fetch", j.Name))
	case j.Key == nil:
		return apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("migration %s has no key", j.Name))
	case j.Process == nil:
		return apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("migration %s has no process", j.Name))
	}
	return nil
}

// Skip is a record left unprocessed because its data is inconsistent.
type Skip struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

// Outcome summarizes one processed batch.
type Outcome struct {
	Processed int
	Skipped   []Skip
}

// ForEach builds a Process function that handles records one at a time.
// Records failing with CodeDataIntegrity are skipped; any other error fails
// the batch.
func ForEach[R any](key func(R) string, fn func(ctx context.Context, record R) error) func(context.Context, []R) (Outcome, error) {
	return func(ctx context.Context, batch []R) (Outcome, error) {
		var out Outcome
		for _, record := range batch {
			err := fn(ctx, record)
			switch {
			case err == nil:
				out.Processed++
			case apperrors.IsCode(err, apperrors.CodeDataIntegrity):
				out.Skipped = append(out.Skipped, Skip{Key: key(record), Reason: err.Error()})
			default:
				return Outcome{}, err
			}
		}
		return out, nil
	}
}
