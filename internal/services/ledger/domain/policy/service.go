package policy

import (
	"context"

	"github.com/louisbranch/underwrite/internal/services/ledger/domain/aggregate"
	"github.com/louisbranch/underwrite/internal/services/ledger/domain/event"
)

// Service records policy lifecycle changes. Commands that act on an existing
// policy reload and retry when another writer commits first.
type Service struct {
	repo     *aggregate.Repository
	attempts int
}

// NewService returns a Service retrying conflicts up to attempts times;
// zero uses aggregate.DefaultConflictAttempts.
func NewService(repo *aggregate.Repository, attempts int) *Service {
	return &Service{repo: repo, attempts: attempts}
}

// Issue starts a new policy stream. It fails with CodeConcurrencyConflict if
// the policy already exists.
func (s *Service) Issue(ctx context.Context, tenantID, policyID string, issued Issued) (State, error) {
	agg, err := s.repo.New(tenantID, policyID, AggregateType)
	if err != nil {
		return State{}, err
	}
	draft, err := event.NewDraft(EventIssued, issued)
	if err != nil {
		return State{}, err
	}
	if err := s.repo.Save(ctx, agg, draft); err != nil {
		return State{}, err
	}
	return aggregate.StateAs[State](agg)
}

// Endorse adjusts the premium.
func (s *Service) Endorse(ctx context.Context, tenantID, policyID string, endorsed Endorsed) (State, error) {
	return s.apply(ctx, tenantID, policyID, EventEndorsed, endorsed)
}

// Cancel marks the policy cancelled.
func (s *Service) Cancel(ctx context.Context, tenantID, policyID string, cancelled Cancelled) (State, error) {
	return s.apply(ctx, tenantID, policyID, EventCancelled, cancelled)
}

func (s *Service) apply(ctx context.Context, tenantID, policyID string, eventType event.Type, payload any) (State, error) {
	draft, err := event.NewDraft(eventType, payload)
	if err != nil {
		return State{}, err
	}
	var state State
	err = aggregate.RetryOnConflict(ctx, s.attempts, func(ctx context.Context) error {
		agg, err := s.repo.GetByID(ctx, tenantID, policyID, AggregateType)
		if err != nil {
			return err
		}
		if err := s.repo.Save(ctx, agg, draft); err != nil {
			return err
		}
		state, err = aggregate.StateAs[State](agg)
		return err
	})
	return state, err
}
