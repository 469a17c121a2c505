package hardware

import (
	"context"
	"sync"
)

// ToggleSampler simulates a digital input whose level flips on every read.
type ToggleSampler struct {
	level bool
}

// NewToggleSampler starts at the given level; the first Sample returns its
// opposite.
func NewToggleSampler(initial bool) *ToggleSampler {
	return &ToggleSampler{level: initial}
}

func (s *ToggleSampler) Sample(context.Context) (bool, error) {
	s.level = !s.level
	return s.level, nil
}

// DriftSampler simulates a continuous quantity that rises by a fixed step per
// read.
type DriftSampler struct {
	value float64
	step  float64
}

// NewDriftSampler starts at seed; the first Sample returns seed+step.
func NewDriftSampler(seed, step float64) *DriftSampler {
	return &DriftSampler{value: seed, step: step}
}

func (s *DriftSampler) Sample(context.Context) (float64, error) {
	s.value += s.step
	return s.value, nil
}

// ScriptedSampler replays a fixed sequence, repeating the last value once the
// script is exhausted.
type ScriptedSampler[T any] struct {
	mu     sync.Mutex
	script []T
	next   int
}

// NewScriptedSampler replays values in order.
func NewScriptedSampler[T any](values ...T) *ScriptedSampler[T] {
	return &ScriptedSampler[T]{script: values}
}

func (s *ScriptedSampler[T]) Sample(context.Context) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	if len(s.script) == 0 {
		return zero, nil
	}
	i := s.next
	if i >= len(s.script) {
		i = len(s.script) - 1
	} else {
		s.next++
	}
	return s.script[i], nil
}

// Remaining returns how many scripted values have not been read yet.
func (s *ScriptedSampler[T]) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.script) - s.next
}

// MemoryActuator stores the last value written and reads it back.
type MemoryActuator[T any] struct {
	mu     sync.Mutex
	value  T
	writes []T
}

// NewMemoryActuator starts at initial.
func NewMemoryActuator[T any](initial T) *MemoryActuator[T] {
	return &MemoryActuator[T]{value: initial}
}

func (a *MemoryActuator[T]) Actuate(_ context.Context, v T) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.value = v
	a.writes = append(a.writes, v)
	return nil
}

func (a *MemoryActuator[T]) Sample(context.Context) (T, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.value, nil
}

// Writes returns every value actuated so far.
func (a *MemoryActuator[T]) Writes() []T {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]T(nil), a.writes...)
}
