package clock

import (
	"sync"
	"time"
)

// Manual provides a controllable clock for deterministic tests.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	owner   *Manual
	at      time.Time
	ch      chan time.Time
	stopped bool
	fired   bool
}

// NewManual constructs a Manual clock starting at the supplied time.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After returns a channel that fires when the manual clock advances by d.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	return m.NewTimer(d).C()
}

// NewTimer arms a timer that fires when the manual clock advances by d.
func (m *Manual) NewTimer(d time.Duration) Timer {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	timer := &manualTimer{owner: m, ch: ch}
	if d <= 0 {
		timer.fired = true
		ch <- m.now
		m.mu.Unlock()
		return timer
	}
	timer.at = m.now.Add(d)
	m.timers = append(m.timers, timer)
	m.mu.Unlock()
	return timer
}

func (t *manualTimer) C() <-chan time.Time {
	return t.ch
}

// Stop releases the timer and reports whether it had not yet fired.
func (t *manualTimer) Stop() bool {
	m := t.owner
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	remaining := m.timers[:0]
	for _, pending := range m.timers {
		if pending != t {
			remaining = append(remaining, pending)
		}
	}
	m.timers = remaining
	return true
}

// Advance moves time forward by d and fires any due timers.
func (m *Manual) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now
	if len(m.timers) == 0 {
		m.mu.Unlock()
		return now
	}
	remaining := m.timers[:0]
	for _, timer := range m.timers {
		if timer.at.After(now) {
			remaining = append(remaining, timer)
			continue
		}
		timer.fired = true
		timer.ch <- now
	}
	m.timers = remaining
	m.mu.Unlock()
	return now
}

// Pending returns the number of scheduled timers.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}
