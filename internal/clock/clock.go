package clock

import (
	"sync"
	"time"
)

// Clock supplies the current time. Everything that evaluates expiry, month
// boundaries or rate windows takes one so tests can pin time.
type Clock interface {
	Now() time.Time
}

// Real is the system clock. It keeps the monotonic reading so TTLs and rate
// windows are immune to wall-clock steps; calendar logic converts to UTC itself.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

// Manual is a Clock that only moves when told to.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

func NewManual(t time.Time) *Manual {
	return &Manual{now: t.UTC()}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t.UTC()
	m.mu.Unlock()
}

func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}
