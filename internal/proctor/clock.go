package proctor

import (
	"sync"
	"time"
)

// ClockEvents are the callbacks a Clock emits. They run without the clock's
// lock held, so handlers may call Stop.
type ClockEvents struct {
	OnTick    func(remaining int)
	OnWarning func(remaining int)
	OnExpired func()
}

// Clock counts an attempt down one whole second per tick.
//
// The warning fires on the tick where remaining == warnAt, never on a <=
// comparison, so it can fire at most once. warnAt <= 0 disables it.
type Clock struct {
	mu        sync.Mutex
	ts        TimeSource
	interval  time.Duration
	warnAt    int
	events    ClockEvents
	remaining int
	started   bool
	stopped   bool
	warned    bool
	expired   bool
	stopTicks func()
}

// NewClock builds a Clock ticking every interval on ts.
func NewClock(ts TimeSource, interval time.Duration, warnAt int, events ClockEvents) *Clock {
	if interval <= 0 {
		interval = time.Second
	}
	return &Clock{
		ts:       ts,
		interval: interval,
		warnAt:   warnAt,
		events:   events,
	}
}

// Start begins the countdown. A clock can only be started once.
func (c *Clock) Start(durationSeconds int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return ErrInvalidState
	}
	if durationSeconds <= 0 {
		return ErrInvalidState
	}

	c.started = true
	c.remaining = durationSeconds
	// A resumed attempt may already be past the warning mark.
	if c.warnAt > 0 && durationSeconds <= c.warnAt {
		c.warned = true
	}
	c.stopTicks = c.ts.Every(c.interval, c.Tick)
	return nil
}

// Tick decrements the remaining time. It is a no-op once stopped or expired.
func (c *Clock) Tick() {
	c.mu.Lock()
	if !c.started || c.stopped || c.expired {
		c.mu.Unlock()
		return
	}

	c.remaining--
	remaining := c.remaining

	fireWarning := false
	if c.warnAt > 0 && !c.warned && remaining == c.warnAt {
		c.warned = true
		fireWarning = true
	}

	fireExpired := false
	if remaining <= 0 {
		c.remaining = 0
		remaining = 0
		c.expired = true
		fireExpired = true
		c.haltLocked()
	}
	c.mu.Unlock()

	if fireWarning && !c.isStopped() && c.events.OnWarning != nil {
		c.events.OnWarning(remaining)
	}
	if fireExpired && c.events.OnExpired != nil {
		c.events.OnExpired()
	}
	if !fireExpired && !c.isStopped() && c.events.OnTick != nil {
		c.events.OnTick(remaining)
	}
}

// Stop halts further ticks. It is idempotent and safe to call from inside
// any of the clock's own event handlers.
func (c *Clock) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.haltLocked()
}

// Remaining returns the whole seconds left.
func (c *Clock) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

// Expired reports whether the countdown reached zero.
func (c *Clock) Expired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expired
}

func (c *Clock) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func (c *Clock) haltLocked() {
	if c.stopTicks != nil {
		c.stopTicks()
		c.stopTicks = nil
	}
}
