// Package hardware reads and drives the physical quantities behind each
// resource: a push button on a GPIO line, a P9813 chainable RGB LED, and an
// analog light sensor exposed through Linux IIO. Every real device has a
// simulated counterpart used when hardware is absent.
package hardware

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Sampler reads one physical quantity.
type Sampler[T any] interface {
	Sample(ctx context.Context) (T, error)
}

// Actuator drives one physical quantity.
type Actuator[T any] interface {
	Actuate(ctx context.Context, v T) error
}

var (
	// ErrHardwareUnavailable is returned by Open functions when the device
	// cannot be reached. Callers fall back to simulation.
	ErrHardwareUnavailable = errors.New("hardware unavailable")
	// ErrOutOfRange is returned when a requested value lies outside the valid range.
	ErrOutOfRange = errors.New("value out of range")
)

// RGB is a colour with channels in [0,255].
type RGB struct {
	R, G, B int
}

// Off is the colour written when an LED is released.
var Off = RGB{}

// Validate reports ErrOutOfRange if any channel is outside [0,255].
func (c RGB) Validate() error {
	for _, ch := range []int{c.R, c.G, c.B} {
		if ch < 0 || ch > 255 {
			return fmt.Errorf("%w: channel %d not in [0,255]", ErrOutOfRange, ch)
		}
	}
	return nil
}

// String renders "r,g,b".
func (c RGB) String() string {
	return fmt.Sprintf("%d,%d,%d", c.R, c.G, c.B)
}

// ParseRGB parses "r,g,b". Any missing or non-numeric channel, or a value
// outside [0,255], rejects the whole colour with ErrOutOfRange.
func ParseRGB(s string) (RGB, error) {
	parts := strings.Split(s, ",")
	if len(parts) < 3 {
		return RGB{}, fmt.Errorf("%w: %q needs three channels", ErrOutOfRange, s)
	}
	var ch [3]int
	for i := range ch {
		v, err := strconv.Atoi(strings.TrimSpace(parts[i]))
		if err != nil {
			return RGB{}, fmt.Errorf("%w: channel %q is not a number", ErrOutOfRange, parts[i])
		}
		ch[i] = v
	}
	c := RGB{R: ch[0], G: ch[1], B: ch[2]}
	if err := c.Validate(); err != nil {
		return RGB{}, err
	}
	return c, nil
}
