package proctor

import (
	"sort"
	"sync"
	"time"
)

// TimeSource supplies the current time and schedules callbacks.
type TimeSource interface {
	Now() time.Time
	// Every calls fn once per interval until the returned stop func is called.
	Every(interval time.Duration, fn func()) (stop func())
	// AfterFunc calls fn once after d. cancel reports whether it prevented the call.
	AfterFunc(d time.Duration, fn func()) (cancel func() bool)
}

// RealTime is the wall-clock TimeSource.
type RealTime struct{}

func (RealTime) Now() time.Time { return time.Now() }

func (RealTime) Every(interval time.Duration, fn func()) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	var once sync.Once

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				select {
				case <-done:
					return
				default:
				}
				fn()
			}
		}
	}()

	return func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
		})
	}
}

func (RealTime) AfterFunc(d time.Duration, fn func()) func() bool {
	t := time.AfterFunc(d, fn)
	return t.Stop
}

// ManualTime is a TimeSource driven explicitly by Advance. Due callbacks run
// synchronously on the goroutine calling Advance, in deadline order.
type ManualTime struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*manualTimer
}

type manualTimer struct {
	id     int
	at     time.Time
	period time.Duration
	fn     func()
	dead   bool
}

// NewManualTime returns a ManualTime starting at start.
func NewManualTime(start time.Time) *ManualTime {
	return &ManualTime{now: start}
}

func (m *ManualTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *ManualTime) Every(interval time.Duration, fn func()) func() {
	t := m.add(interval, interval, fn)
	return func() { m.kill(t) }
}

func (m *ManualTime) AfterFunc(d time.Duration, fn func()) func() bool {
	t := m.add(d, 0, fn)
	return func() bool { return m.kill(t) }
}

// Pending returns the number of scheduled callbacks that have not fired or
// been cancelled.
func (m *ManualTime) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.dead {
			n++
		}
	}
	return n
}

// Advance moves time forward by d, firing every callback that falls due.
func (m *ManualTime) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		t := m.nextDue(target)
		if t == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		m.now = t.at
		if t.period > 0 {
			t.at = t.at.Add(t.period)
		} else {
			t.dead = true
		}
		fn := t.fn
		m.mu.Unlock()

		fn()
	}
}

func (m *ManualTime) add(d, period time.Duration, fn func()) *manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{id: m.seq, at: m.now.Add(d), period: period, fn: fn}
	m.timers = append(m.timers, t)
	return t
}

func (m *ManualTime) kill(t *manualTimer) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.dead {
		return false
	}
	t.dead = true
	return true
}

// nextDue must be called with mu held.
func (m *ManualTime) nextDue(target time.Time) *manualTimer {
	live := m.timers[:0]
	for _, t := range m.timers {
		if !t.dead {
			live = append(live, t)
		}
	}
	m.timers = live

	sort.SliceStable(live, func(i, j int) bool {
		if live[i].at.Equal(live[j].at) {
			return live[i].id < live[j].id
		}
		return live[i].at.Before(live[j].at)
	})
	if len(live) == 0 || live[0].at.After(target) {
		return nil
	}
	return live[0]
}
