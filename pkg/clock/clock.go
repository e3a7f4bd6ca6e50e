// Package clock supplies the current time to code whose behaviour depends on it.
package clock

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

// System is the wall clock.
type System struct{}

func (System) Now() time.Time { return time.Now() }

// Manual only moves when told to. Safe for concurrent use.
type Manual struct {
	mu  sync.RWMutex
	now time.Time
}

func NewManual(t time.Time) *Manual {
	return &Manual{now: t}
}

// AtMillis returns a Manual clock set to ms since the epoch.
func AtMillis(ms int64) *Manual {
	return NewManual(time.UnixMilli(ms))
}

func (m *Manual) Now() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now
}

func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

func (m *Manual) SetMillis(ms int64) {
	m.Set(time.UnixMilli(ms))
}

func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}
