package migration

import (
	"fmt"
	"slices"

	apperrors "github.com/louisbranch/underwrite/internal/platform/errors"
)

// State is a migration run's lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateRetrying  State = "retrying"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

var transitions = map[State][]State{
	StateIdle:     {StateRunning},
	StateRunning:  {StateRetrying, StatePaused, StateCompleted, StateFailed},
	StateRetrying: {StateRunning, StatePaused, StateFailed},
}

// Terminal reports whether a run in s has returned.
func (s State) Terminal() bool {
	return s == StatePaused || s == StateCompleted || s == StateFailed
}

// machine tracks one run's state and the path it took.
type machine struct {
	state State
	path  []State
}

func newMachine() *machine {
	return &machine{state: StateIdle, path: []State{StateIdle}}
}

func (m *machine) to(next State) error {
	if m.state == next {
		return nil
	}
	if !slices.Contains(transitions[m.state], next) {
		return apperrors.New(apperrors.CodeInternal, fmt.Sprintf("migration cannot move from %s to %s", m.state, next))
	}
	m.state = next
	m.path = append(m.path, next)
	return nil
}
