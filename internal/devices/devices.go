// Package devices adapts the button, RGB LED and illuminance sensor to the
// generic resource core.
package devices

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/srg/ocfd/internal/hardware"
	"github.com/srg/ocfd/internal/resource"
)

// Resource types and ids on the wire.
const (
	ButtonType      = "oic.r.button"
	RGBLEDType      = "oic.r.colour.rgb"
	IlluminanceType = "oic.r.sensor.illuminance"

	ButtonID      = "button"
	RGBLEDID      = "rgbled"
	IlluminanceID = "illuminance"

	// ColourRange is the advertised channel range.
	ColourRange = "0,255"
)

// Settings are the per-instance constants of a device.
type Settings struct {
	Path      string
	Interval  time.Duration
	Simulated bool
}

func (s Settings) info(rt, id string, writable bool) resource.Info {
	return resource.Info{
		Path:         s.Path,
		ResourceType: rt,
		ID:           id,
		Interfaces:   []string{resource.DefaultInterface},
		PollInterval: s.Interval,
		Writable:     writable,
		Discoverable: true,
		Observable:   true,
	}
}

func closeIfCloser(v any) error {
	if c, ok := v.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Button publishes the toggle state of a push button. A real button goes
// through ButtonEdge; a simulated one publishes the simulator's level as its
// state, so every sample is a change.
type Button struct {
	settings Settings
	sampler  hardware.Sampler[bool]
	edge     ButtonEdge
}

// NewButton starts released and untoggled.
func NewButton(s Settings, sampler hardware.Sampler[bool]) *Button {
	return &Button{settings: s, sampler: sampler}
}

func (b *Button) Info() resource.Info {
	return b.settings.info(ButtonType, ButtonID, false)
}

func (b *Button) Refresh(ctx context.Context) (bool, error) {
	raw, err := b.sampler.Sample(ctx)
	if err != nil {
		return false, err
	}
	if b.settings.Simulated {
		changed := raw != b.edge.State
		b.edge.State = raw
		return changed, nil
	}
	return b.edge.Step(raw), nil
}

func (b *Button) Payload() *resource.Payload {
	return resource.PayloadOf("rt", ButtonType, "id", ButtonID, "value", b.edge.State)
}

func (b *Button) Apply(context.Context, *resource.Payload) (bool, error) {
	return false, resource.ErrUnsupported
}

func (b *Button) Close(context.Context) error {
	return closeIfCloser(b.sampler)
}

// Simulated reports whether the button is backed by a simulator.
func (b *Button) Simulated() bool { return b.settings.Simulated }

// LED is what the RGB resource drives: a colour output that remembers the
// last value written.
type LED interface {
	hardware.Actuator[hardware.RGB]
	hardware.Sampler[hardware.RGB]
}

// RGBLED publishes and accepts the colour of an RGB LED.
type RGBLED struct {
	settings Settings
	led      LED
	current  hardware.RGB
}

// NewRGBLED starts from the colour the LED reports.
func NewRGBLED(ctx context.Context, s Settings, led LED) (*RGBLED, error) {
	c, err := led.Sample(ctx)
	if err != nil {
		return nil, err
	}
	return &RGBLED{settings: s, led: led, current: c}, nil
}

func (l *RGBLED) Info() resource.Info {
	return l.settings.info(RGBLEDType, RGBLEDID, true)
}

// Refresh re-reads the LED's remembered colour. It only changes when
// something other than Apply drove the LED.
func (l *RGBLED) Refresh(ctx context.Context) (bool, error) {
	c, err := l.led.Sample(ctx)
	if err != nil {
		return false, err
	}
	if c == l.current {
		return false, nil
	}
	l.current = c
	return true, nil
}

func (l *RGBLED) Payload() *resource.Payload {
	return resource.PayloadOf(
		"rt", RGBLEDType,
		"id", RGBLEDID,
		"rgbValue", l.current.String(),
		"range", ColourRange,
	)
}

// Apply accepts {"rgbValue":"r,g,b"}. A missing field, a malformed value or
// any channel outside [0,255] rejects the whole update.
func (l *RGBLED) Apply(ctx context.Context, req *resource.Payload) (bool, error) {
	s, ok := req.String("rgbValue")
	if !ok {
		return false, fmt.Errorf("%w: rgbValue missing or not a string", resource.ErrBadRequest)
	}
	c, err := hardware.ParseRGB(s)
	if err != nil {
		return false, err
	}
	if c == l.current {
		return false, nil
	}
	if err := l.led.Actuate(ctx, c); err != nil {
		return false, err
	}
	l.current = c
	return true, nil
}

// Close turns the LED off before releasing it.
func (l *RGBLED) Close(ctx context.Context) error {
	if err := l.led.Actuate(ctx, hardware.Off); err != nil {
		return fmt.Errorf("turn off led: %w", err)
	}
	l.current = hardware.Off
	return closeIfCloser(l.led)
}

// Current returns the colour last accepted.
func (l *RGBLED) Current() hardware.RGB { return l.current }

// Illuminance publishes ambient light in lux, rounded to two decimals.
type Illuminance struct {
	settings Settings
	sampler  hardware.Sampler[float64]
	lux      float64
}

// NewIlluminance starts from initial lux.
func NewIlluminance(s Settings, sampler hardware.Sampler[float64], initial float64) *Illuminance {
	return &Illuminance{settings: s, sampler: sampler, lux: Round2(initial)}
}

func (i *Illuminance) Info() resource.Info {
	return i.settings.info(IlluminanceType, IlluminanceID, false)
}

func (i *Illuminance) Refresh(ctx context.Context) (bool, error) {
	v, err := i.sampler.Sample(ctx)
	if err != nil {
		return false, err
	}
	if !IlluminanceChanged(i.lux, v) {
		return false, nil
	}
	i.lux = Round2(v)
	return true, nil
}

func (i *Illuminance) Payload() *resource.Payload {
	return resource.PayloadOf("rt", IlluminanceType, "id", IlluminanceID, "illuminance", i.lux)
}

func (i *Illuminance) Apply(context.Context, *resource.Payload) (bool, error) {
	return false, resource.ErrUnsupported
}

func (i *Illuminance) Close(context.Context) error {
	return closeIfCloser(i.sampler)
}
