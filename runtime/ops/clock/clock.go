// Package clock abstracts wall time so every component reads the same source
// and tests can inject a virtual clock. It also provides the local-time
// window predicate used to gate autonomous jobs, including windows that wrap
// across midnight (e.g. 22:00-02:00).
package clock

import (
	"sync"
	"time"
)

type (
	// Clock supplies the current time. Implementations must return UTC from
	// Now; callers convert to local zones through Window or time.Location.
	Clock interface {
		Now() time.Time
	}

	// Window is a recurring local-time interval [StartHour, EndHour) in a
	// fixed zone. StartHour == EndHour means the window covers the whole day.
	Window struct {
		StartHour int
		EndHour   int
		Loc       *time.Location
	}

	systemClock struct{}

	// Manual is a hand-driven clock for tests. The zero value is unusable;
	// construct with NewManual.
	Manual struct {
		mu  sync.Mutex
		now time.Time
	}
)

// System returns a Clock backed by the OS wall clock, normalised to UTC.
func System() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now().UTC() }

// NewManual returns a Manual clock frozen at the given instant.
func NewManual(at time.Time) *Manual {
	return &Manual{now: at.UTC()}
}

// Now returns the manual clock's current instant.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the manual clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set pins the manual clock to the given instant.
func (m *Manual) Set(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = at.UTC()
}

// Contains reports whether the instant falls inside the window, evaluated in
// the window's zone. Wrap-around windows (start > end) span midnight.
func (w Window) Contains(at time.Time) bool {
	loc := w.Loc
	if loc == nil {
		loc = time.UTC
	}
	h := at.In(loc).Hour()
	switch {
	case w.StartHour == w.EndHour:
		return true
	case w.StartHour < w.EndHour:
		return h >= w.StartHour && h < w.EndHour
	default:
		return h >= w.StartHour || h < w.EndHour
	}
}
