package devices

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/ocfd/internal/config"
	"github.com/srg/ocfd/internal/hardware"
	"github.com/srg/ocfd/internal/resource"
)

// Hardware openers. Tests replace them to exercise the fallback path.
var (
	OpenButtonPin = func(line int) (hardware.Sampler[bool], error) {
		return hardware.OpenGPIOButton(hardware.PinName(line))
	}
	OpenLED = func(clockLine, dataLine int) (LED, error) {
		return hardware.OpenChainableLED(hardware.PinName(clockLine), hardware.PinName(dataLine))
	}
	OpenLightSensor = func(device, channel int) (hardware.Sampler[float64], error) {
		aio, err := hardware.OpenAIO(device, channel)
		if err != nil {
			return nil, err
		}
		return hardware.NewLuxSampler(aio), nil
	}
)

// Kind names a device type as used on the command line.
type Kind string

const (
	KindButton      Kind = "button"
	KindRGBLED      Kind = "rgbled"
	KindIlluminance Kind = "illuminance"
)

// Kinds lists every supported device kind.
var Kinds = []Kind{KindButton, KindRGBLED, KindIlluminance}

// ParseKind validates a device kind name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown device %q (want button, rgbled or illuminance)", s)
}

// fallback reports whether err should degrade to simulation, logging it.
func fallback(logger *logrus.Logger, kind Kind, err error) bool {
	if !errors.Is(err, hardware.ErrHardwareUnavailable) {
		return false
	}
	logger.WithFields(logrus.Fields{
		"device": kind,
		"error":  err,
	}).Warn("Hardware unavailable, using simulated device")
	return true
}

// Open builds the enabled devices of cfg. Hardware that cannot be opened
// degrades to simulation for the lifetime of the process. When only is
// non-empty, devices not listed are skipped.
func Open(ctx context.Context, cfg *config.Config, logger *logrus.Logger, only ...Kind) ([]resource.Device, error) {
	want := func(k Kind) bool {
		if len(only) == 0 {
			return true
		}
		for _, o := range only {
			if o == k {
				return true
			}
		}
		return false
	}

	var devs []resource.Device
	d := cfg.Devices

	// release closes what was already opened when a later device fails.
	release := func(err error) ([]resource.Device, error) {
		for _, dev := range devs {
			if cerr := dev.Close(ctx); cerr != nil {
				logger.WithError(cerr).WithField("path", dev.Info().Path).Warn("Failed to close device")
			}
		}
		return nil, err
	}

	if d.Button.Enabled && want(KindButton) {
		b, err := OpenButton(d.Button, cfg.Simulate, logger)
		if err != nil {
			return release(err)
		}
		devs = append(devs, b)
	}
	if d.RGBLED.Enabled && want(KindRGBLED) {
		led, err := OpenRGBLED(ctx, d.RGBLED, cfg.Simulate, logger)
		if err != nil {
			return release(err)
		}
		devs = append(devs, led)
	}
	if d.Illuminance.Enabled && want(KindIlluminance) {
		ill, err := OpenIlluminance(ctx, d.Illuminance, cfg.Simulate, logger)
		if err != nil {
			return release(err)
		}
		devs = append(devs, ill)
	}
	return devs, nil
}

// OpenButton opens the GPIO button or its simulator.
func OpenButton(c config.Button, simulate bool, logger *logrus.Logger) (*Button, error) {
	s := Settings{Path: c.Path, Interval: c.Interval, Simulated: simulate || c.Simulate}
	if !s.Simulated {
		pin, err := OpenButtonPin(c.Pin)
		if err == nil {
			return NewButton(s, pin), nil
		}
		if !fallback(logger, KindButton, err) {
			return nil, err
		}
		s.Simulated = true
	}
	return NewButton(s, hardware.NewToggleSampler(false)), nil
}

// OpenRGBLED opens the chainable LED or its simulator.
func OpenRGBLED(ctx context.Context, c config.RGBLED, simulate bool, logger *logrus.Logger) (*RGBLED, error) {
	s := Settings{Path: c.Path, Interval: c.Interval, Simulated: simulate || c.Simulate}
	if !s.Simulated {
		led, err := OpenLED(c.ClockPin, c.DataPin)
		if err == nil {
			return NewRGBLED(ctx, s, led)
		}
		if !fallback(logger, KindRGBLED, err) {
			return nil, err
		}
		s.Simulated = true
	}
	return NewRGBLED(ctx, s, hardware.NewMemoryActuator(hardware.Off))
}

// OpenIlluminance opens the light sensor or its simulator. A real sensor is
// read once so the initial payload reflects the room.
func OpenIlluminance(ctx context.Context, c config.Illuminance, simulate bool, logger *logrus.Logger) (*Illuminance, error) {
	s := Settings{Path: c.Path, Interval: c.Interval, Simulated: simulate || c.Simulate}
	if !s.Simulated {
		sensor, err := OpenLightSensor(c.Device, c.Channel)
		if err == nil {
			initial, err := sensor.Sample(ctx)
			if err != nil {
				if cerr := closeIfCloser(sensor); cerr != nil {
					logger.WithError(cerr).Warn("Failed to close light sensor")
				}
				return nil, fmt.Errorf("initial light reading: %w", err)
			}
			return NewIlluminance(s, sensor, initial), nil
		}
		if !fallback(logger, KindIlluminance, err) {
			return nil, err
		}
		s.Simulated = true
	}
	return NewIlluminance(s, hardware.NewDriftSampler(0, c.Step), 0), nil
}
