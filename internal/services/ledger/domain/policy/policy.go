// Package policy registers the policy aggregate: its events, state fold and
// read model. Underwriting rules live with the callers; the fold only
// records what happened.
package policy

import (
	"github.com/louisbranch/underwrite/internal/services/ledger/domain/aggregate"
	"github.com/louisbranch/underwrite/internal/services/ledger/domain/event"
	"github.com/louisbranch/underwrite/internal/services/ledger/projection"
)

const AggregateType event.AggregateType = "policy"

const (
	EventIssued    event.Type = "policy.issued"
	EventEndorsed  event.Type = "policy.endorsed"
	EventCancelled event.Type = "policy.cancelled"
)

const (
	StatusActive    = "active"
	StatusCancelled = "cancelled"
)

// Issued is the payload of policy.issued.
type Issued struct {
	Number       string `json:"number"`
	Holder       string `json:"holder"`
	PremiumCents int64  `json:"premium_cents"`
}

// Endorsed is the payload of policy.endorsed.
type Endorsed struct {
	PremiumDeltaCents int64  `json:"premium_delta_cents"`
	Reason            string `json:"reason,omitempty"`
}

// Cancelled is the payload of policy.cancelled.
type Cancelled struct {
	Reason string `json:"reason,omitempty"`
}

// State is the aggregate state of a policy.
type State struct {
	Number       string `json:"number"`
	Holder       string `json:"holder"`
	Status       string `json:"status"`
	PremiumCents int64  `json:"premium_cents"`
	Endorsements int    `json:"endorsements"`
}

// Definition returns the policy fold.
func Definition() aggregate.Fold[State] {
	return aggregate.Fold[State]{
		AggregateType: AggregateType,
		Handlers: map[event.Type]aggregate.Transition[State]{
			EventIssued: func(s State, evt event.Event) (State, error) {
				p, err := event.Decode[Issued](evt)
				if err != nil {
					return s, err
				}
				s.Number = p.Number
				s.Holder = p.Holder
				s.PremiumCents = p.PremiumCents
				s.Status = StatusActive
				return s, nil
			},
			EventEndorsed: func(s State, evt event.Event) (State, error) {
				p, err := event.Decode[Endorsed](evt)
				if err != nil {
					return s, err
				}
				s.PremiumCents += p.PremiumDeltaCents
				s.Endorsements++
				return s, nil
			},
			EventCancelled: func(s State, evt event.Event) (State, error) {
				if _, err := event.Decode[Cancelled](evt); err != nil {
					return s, err
				}
				s.Status = StatusCancelled
				return s, nil
			},
		},
	}
}

// Summary is the policy read model.
type Summary struct {
	Number          string `json:"number"`
	Holder          string `json:"holder"`
	Status          string `json:"status"`
	PremiumCents    int64  `json:"premium_cents"`
	Endorsements    int    `json:"endorsements"`
	CancelReason    string `json:"cancel_reason,omitempty"`
	LastEndorsement string `json:"last_endorsement,omitempty"`
}

// View returns the policy read-model projection.
func View() projection.View[Summary] {
	return projection.View[Summary]{
		Type: AggregateType,
		Handlers: map[event.Type]projection.Transition[Summary]{
			EventIssued: func(v Summary, evt event.Event) (Summary, error) {
				p, err := event.Decode[Issued](evt)
				if err != nil {
					return v, err
				}
				v.Number = p.Number
				v.Holder = p.Holder
				v.PremiumCents = p.PremiumCents
				v.Status = StatusActive
				return v, nil
			},
			EventEndorsed: func(v Summary, evt event.Event) (Summary, error) {
				p, err := event.Decode[Endorsed](evt)
				if err != nil {
					return v, err
				}
				v.PremiumCents += p.PremiumDeltaCents
				v.Endorsements++
				v.LastEndorsement = p.Reason
				return v, nil
			},
			EventCancelled: func(v Summary, evt event.Event) (Summary, error) {
				p, err := event.Decode[Cancelled](evt)
				if err != nil {
					return v, err
				}
				v.Status = StatusCancelled
				v.CancelReason = p.Reason
				return v, nil
			},
		},
	}
}
