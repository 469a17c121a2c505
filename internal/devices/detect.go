package devices

import "math"

// ButtonEdge turns raw button levels into a published toggle state. A level
// that differs from the previous one is recorded; a press (high level) flips
// the published state. Releases and repeated levels never change it.
type ButtonEdge struct {
	Prev  bool
	State bool
}

// Step feeds one raw reading and reports whether State changed.
func (e *ButtonEdge) Step(raw bool) bool {
	if raw == e.Prev {
		return false
	}
	e.Prev = raw
	if raw {
		e.State = !e.State
		return true
	}
	return false
}

// Round2 rounds to two decimal places, half away from zero.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// IlluminanceChanged compares readings at two-decimal resolution so sensor
// noise below 0.01 lux never produces a notification.
func IlluminanceChanged(old, new float64) bool {
	return Round2(old) != Round2(new)
}
