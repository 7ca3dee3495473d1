// Package clock abstracts wall time so timestamps and retry schedules can be
// driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock returns the current time and schedules wake-ups.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// System is the wall clock.
type System struct{}

func (System) Now() time.Time { return time.Now() }

func (System) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Manual is a Clock whose time only moves when told to. After fires
// immediately and advances the clock by the requested delay, so retry loops
// run without sleeping while the delays stay observable through Waits.
type Manual struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
}

// NewManual returns a Manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	m.waits = append(m.waits, d)
	if d > 0 {
		m.now = m.now.Add(d)
	}
	now := m.now
	m.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Waits returns the delays requested through After, in call order.
func (m *Manual) Waits() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration(nil), m.waits...)
}
