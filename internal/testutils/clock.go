package testutils

import (
	"sort"
	"sync"
	"time"

	"github.com/srg/ocfd/internal/resource"
)

// ManualClock is a deterministic resource.Clock. Timers fire only when the
// test advances time, and callbacks run on the advancing goroutine.
type ManualClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*ManualTimer
}

// ManualTimer is a timer created by ManualClock.
type ManualTimer struct {
	clock   *ManualClock
	At      time.Duration
	Delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

// NewManualClock returns a clock at time zero.
func NewManualClock() *ManualClock {
	return &ManualClock{}
}

// AfterFunc implements resource.Clock.
func (c *ManualClock) AfterFunc(d time.Duration, f func()) resource.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &ManualTimer{clock: c, At: c.now + d, Delay: d, fn: f}
	c.timers = append(c.timers, t)
	return t
}

// Stop implements resource.Timer.
func (t *ManualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Invoke runs the callback unconditionally, as a timer that fired just before
// being stopped would.
func (t *ManualTimer) Invoke() {
	t.fn()
}

// Stopped reports whether Stop cancelled the timer.
func (t *ManualTimer) Stopped() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	return t.stopped
}

// Advance moves time forward by d, firing due timers in order. Timers created
// by callbacks fire too if they fall due within the window. Returns the number
// of callbacks run.
func (c *ManualClock) Advance(d time.Duration) int {
	c.mu.Lock()
	target := c.now + d
	fired := 0
	for {
		next := c.nextDue(target)
		if next == nil {
			break
		}
		c.now = next.At
		next.fired = true
		c.mu.Unlock()
		next.fn()
		fired++
		c.mu.Lock()
	}
	c.now = target
	c.mu.Unlock()
	return fired
}

func (c *ManualClock) nextDue(target time.Duration) *ManualTimer {
	var due []*ManualTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && t.At <= target {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].At < due[j].At })
	return due[0]
}

// Pending returns the number of timers that are neither stopped nor fired.
func (c *ManualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// Timers returns every timer created so far, oldest first.
func (c *ManualClock) Timers() []*ManualTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*ManualTimer(nil), c.timers...)
}

// Last returns the most recently created timer, or nil.
func (c *ManualClock) Last() *ManualTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.timers) == 0 {
		return nil
	}
	return c.timers[len(c.timers)-1]
}

// Now returns the elapsed virtual time.
func (c *ManualClock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}
