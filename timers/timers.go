// Package timers implements second-granularity scheduled callbacks for the
// single-threaded core: one-shot DNS request timeouts and the hourly DNS cache
// prune.
package timers

import "time"

// Clock supplies the current time. The daemon uses SystemClock; tests drive a
// ManualClock through timeouts without sleeping.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// ManualClock is an adjustable clock for tests.
type ManualClock struct {
	Current time.Time
}

func (c *ManualClock) Now() time.Time { return c.Current }

// Advance moves the clock forward.
func (c *ManualClock) Advance(d time.Duration) { c.Current = c.Current.Add(d) }

// Timer is a scheduled callback. Repeating timers re-arm by their interval
// after each fire; a stalled process fires each missed period exactly once.
type Timer struct {
	fire      func()
	trigger   int64 // unix seconds
	interval  int64
	repeating bool
}

// Manager owns the pending timer set. Timers due at the same tick fire in
// insertion order.
type Manager struct {
	clock  Clock
	timers []*Timer
}

// NewManager creates a timer manager over the given clock.
func NewManager(clock Clock) *Manager {
	return &Manager{clock: clock}
}

// AddTimer schedules fire to run after interval seconds, re-arming if
// repeating. The returned handle cancels through DelTimer.
func (m *Manager) AddTimer(interval int64, repeating bool, fire func()) *Timer {
	t := &Timer{
		fire:      fire,
		trigger:   m.clock.Now().Unix() + interval,
		interval:  interval,
		repeating: repeating,
	}
	m.timers = append(m.timers, t)
	return t
}

// DelTimer cancels a timer. Idempotent; cancelling an already-fired or
// unknown timer is a no-op. A cancellation that runs before the tick is
// drained wins over a racing expiry.
func (m *Manager) DelTimer(t *Timer) {
	for i, cur := range m.timers {
		if cur == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			return
		}
	}
}

// TickTimers fires every timer due at or before now. Called once per dispatch
// pass; callbacks may add or cancel timers freely.
func (m *Manager) TickTimers() {
	now := m.clock.Now().Unix()
	for {
		fired := false
		// Snapshot so callbacks can mutate the pending set.
		pending := make([]*Timer, len(m.timers))
		copy(pending, m.timers)
		for _, t := range pending {
			if t.trigger > now {
				continue
			}
			if !m.stillPending(t) {
				continue
			}
			if t.repeating {
				t.trigger += t.interval
			} else {
				m.DelTimer(t)
			}
			t.fire()
			fired = true
		}
		// Repeating timers that fell several periods behind fire once per
		// missed period; loop until nothing is due.
		if !fired {
			return
		}
	}
}

// Len returns the number of pending timers.
func (m *Manager) Len() int { return len(m.timers) }

func (m *Manager) stillPending(t *Timer) bool {
	for _, cur := range m.timers {
		if cur == t {
			return true
		}
	}
	return false
}
