package resource

import "time"

// Timer is a pending callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// Clock creates timers. Tests substitute a manual implementation.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// SystemClock is the wall-clock implementation.
var SystemClock Clock = systemClock{}

// SchedulerState is Idle or Armed.
type SchedulerState int

const (
	Idle SchedulerState = iota
	Armed
)

func (s SchedulerState) String() string {
	if s == Armed {
		return "armed"
	}
	return "idle"
}

// Scheduler holds at most one pending tick. It is not goroutine safe; the
// owning Resource serializes access.
//
// Every armed timer carries a generation number. When the timer fires, the
// callback must present that number to Fire; a callback whose timer was
// disarmed or replaced in the meantime is stale and Fire rejects it.
type Scheduler struct {
	clock Clock
	delay time.Duration
	fire  func(gen uint64)

	timer Timer
	gen   uint64
}

// NewScheduler creates an idle scheduler that calls fire(gen) on each tick.
func NewScheduler(clock Clock, delay time.Duration, fire func(gen uint64)) *Scheduler {
	if clock == nil {
		clock = SystemClock
	}
	return &Scheduler{clock: clock, delay: delay, fire: fire}
}

// State reports Idle or Armed.
func (s *Scheduler) State() SchedulerState {
	if s.timer != nil {
		return Armed
	}
	return Idle
}

// Arm schedules the next tick if none is pending. Reports whether a new timer
// was created.
func (s *Scheduler) Arm() bool {
	if s.timer != nil {
		return false
	}
	s.gen++
	gen := s.gen
	s.timer = s.clock.AfterFunc(s.delay, func() { s.fire(gen) })
	return true
}

// Disarm cancels the pending tick, if any. Reports whether one was pending.
func (s *Scheduler) Disarm() bool {
	if s.timer == nil {
		return false
	}
	s.timer.Stop()
	s.timer = nil
	s.gen++
	return true
}

// Fire claims a tick for generation gen. It returns false for stale
// callbacks; on success the timer handle is cleared and the scheduler is Idle
// until the caller re-arms it.
func (s *Scheduler) Fire(gen uint64) bool {
	if s.timer == nil || gen != s.gen {
		return false
	}
	s.timer = nil
	return true
}
