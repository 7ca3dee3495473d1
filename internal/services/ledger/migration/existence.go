package migration

import (
	"context"
	"fmt"
	"slices"

	apperrors "github.com/louisbranch/underwrite/internal/platform/errors"
	"github.com/louisbranch/underwrite/internal/platform/timeouts"
	"github.com/louisbranch/underwrite/internal/services/ledger/domain/event"
	"github.com/louisbranch/underwrite/internal/services/ledger/projection"
	"github.com/louisbranch/underwrite/internal/services/ledger/storage"
)

// ExistenceChecker answers whether tenants and aggregates referenced by
// migrated data still exist.
type ExistenceChecker interface {
	TenantExists(ctx context.Context, tenantID string) (bool, error)
	AggregateExists(ctx context.Context, aggregateType event.AggregateType, key event.StreamKey) (bool, error)
}

// StoreChecker resolves existence against the event store. Tenants are
// checked against an allow-list; an empty list admits every tenant.
type StoreChecker struct {
	Events  storage.EventStore
	Tenants []string
}

func (c StoreChecker) TenantExists(_ context.Context, tenantID string) (bool, error) {
	if tenantID == "" {
		return false, nil
	}
	return len(c.Tenants) == 0 || slices.Contains(c.Tenants, tenantID), nil
}

// AggregateExists reports whether key has events recorded under
// aggregateType.
func (c StoreChecker) AggregateExists(ctx context.Context, aggregateType event.AggregateType, key event.StreamKey) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, nil
	}
	first, err := timeouts.Call(ctx, 0, func(ctx context.Context) ([]event.Event, error) {
		return c.Events.ListEvents(ctx, key, 0, 1)
	})
	if err != nil {
		return false, err
	}
	return len(first) == 1 && first[0].AggregateType == aggregateType, nil
}

// CheckReferences returns a projection.ReferenceCheck failing with
// CodeDataIntegrity when a referenced tenant or aggregate is gone.
func CheckReferences(checker ExistenceChecker) projection.ReferenceCheck {
	return func(ctx context.Context, refs []projection.Reference) error {
		for _, ref := range refs {
			ok, err := checker.TenantExists(ctx, ref.TenantID)
			if err != nil {
				return err
			}
			if !ok {
				return apperrors.New(apperrors.CodeDataIntegrity, fmt.Sprintf("tenant %q no longer exists", ref.TenantID))
			}
			ok, err = checker.AggregateExists(ctx, ref.AggregateType, ref.Key())
			if err != nil {
				return err
			}
			if !ok {
				return apperrors.New(apperrors.CodeDataIntegrity, fmt.Sprintf("referenced %s %s does not exist", ref.AggregateType, ref.Key()))
			}
		}
		return nil
	}
}
