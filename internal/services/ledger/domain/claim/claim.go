// Package claim registers the claim aggregate. Every claim is filed against
// a policy, which its read model references.
package claim

import (
	"github.com/louisbranch/underwrite/internal/services/ledger/domain/aggregate"
	"github.com/louisbranch/underwrite/internal/services/ledger/domain/event"
	"github.com/louisbranch/underwrite/internal/services/ledger/domain/policy"
	"github.com/louisbranch/underwrite/internal/services/ledger/projection"
)

const AggregateType event.AggregateType = "claim"

const (
	EventOpened   event.Type = "claim.opened"
	EventReserved event.Type = "claim.reserved"
	EventClosed   event.Type = "claim.closed"
)

const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

// Opened is the payload of claim.opened.
type Opened struct {
	PolicyID    string `json:"policy_id"`
	Description string `json:"description,omitempty"`
}

// Reserved is the payload of claim.reserved. The reserve replaces any
// earlier one.
type Reserved struct {
	AmountCents int64 `json:"amount_cents"`
}

// Closed is the payload of claim.closed.
type Closed struct {
	Outcome   string `json:"outcome"`
	PaidCents int64  `json:"paid_cents"`
}

// State is the aggregate state of a claim.
type State struct {
	PolicyID     string `json:"policy_id"`
	Status       string `json:"status"`
	ReserveCents int64  `json:"reserve_cents"`
	PaidCents    int64  `json:"paid_cents"`
}

// Definition returns the claim fold.
func Definition() aggregate.Fold[State] {
	return aggregate.Fold[State]{
		AggregateType: AggregateType,
		Handlers: map[event.Type]aggregate.Transition[State]{
			EventOpened: func(s State, evt event.Event) (State, error) {
				p, err := event.Decode[Opened](evt)
				if err != nil {
					return s, err
				}
				s.PolicyID = p.PolicyID
				s.Status = StatusOpen
				return s, nil
			},
			EventReserved: func(s State, evt event.Event) (State, error) {
				p, err := event.Decode[Reserved](evt)
				if err != nil {
					return s, err
				}
				s.ReserveCents = p.AmountCents
				return s, nil
			},
			EventClosed: func(s State, evt event.Event) (State, error) {
				p, err := event.Decode[Closed](evt)
				if err != nil {
					return s, err
				}
				s.Status = StatusClosed
				s.ReserveCents = 0
				s.PaidCents = p.PaidCents
				return s, nil
			},
		},
	}
}

// Summary is the claim read model.
type Summary struct {
	PolicyID     string `json:"policy_id"`
	Description  string `json:"description,omitempty"`
	Status       string `json:"status"`
	ReserveCents int64  `json:"reserve_cents"`
	Outcome      string `json:"outcome,omitempty"`
	PaidCents    int64  `json:"paid_cents"`
}

// View returns the claim read-model projection.
func View() projection.View[Summary] {
	return projection.View[Summary]{
		Type: AggregateType,
		Handlers: map[event.Type]projection.Transition[Summary]{
			EventOpened: func(v Summary, evt event.Event) (Summary, error) {
				p, err := event.Decode[Opened](evt)
				if err != nil {
					return v, err
				}
				v.PolicyID = p.PolicyID
				v.Description = p.Description
				v.Status = StatusOpen
				return v, nil
			},
			EventReserved: func(v Summary, evt event.Event) (Summary, error) {
				p, err := event.Decode[Reserved](evt)
				if err != nil {
					return v, err
				}
				v.ReserveCents = p.AmountCents
				return v, nil
			},
			EventClosed: func(v Summary, evt event.Event) (Summary, error) {
				p, err := event.Decode[Closed](evt)
				if err != nil {
					return v, err
				}
				v.Status = StatusClosed
				v.ReserveCents = 0
				v.Outcome = p.Outcome
				v.PaidCents = p.PaidCents
				return v, nil
			},
		},
		Requires: func(key event.StreamKey, v Summary) []projection.Reference {
			if v.PolicyID == "" {
				return nil
			}
			return []projection.Reference{{TenantID: key.TenantID, AggregateType: policy.AggregateType, AggregateID: v.PolicyID}}
		},
	}
}
