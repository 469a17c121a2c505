package hardware

import (
	"context"
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

var hostInit = sync.OnceValue(func() error {
	_, err := host.Init()
	return err
})

// PinName formats a BCM line number the way periph registers it.
func PinName(line int) string {
	return fmt.Sprintf("GPIO%d", line)
}

func openPin(name string) (gpio.PinIO, error) {
	if err := hostInit(); err != nil {
		return nil, fmt.Errorf("%w: periph host init: %v", ErrHardwareUnavailable, err)
	}
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("%w: pin %s not found", ErrHardwareUnavailable, name)
	}
	return p, nil
}

// GPIOButton reads a push button wired to a digital input.
type GPIOButton struct {
	pin gpio.PinIn
}

// OpenGPIOButton configures name as an input.
func OpenGPIOButton(name string) (*GPIOButton, error) {
	p, err := openPin(name)
	if err != nil {
		return nil, err
	}
	if err := p.In(gpio.PullNoChange, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("%w: configure %s as input: %v", ErrHardwareUnavailable, name, err)
	}
	return &GPIOButton{pin: p}, nil
}

// Sample reports true while the line is high.
func (b *GPIOButton) Sample(context.Context) (bool, error) {
	return b.pin.Read() == gpio.High, nil
}
