package hardware

import (
	"context"
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"
)

// LevelWriter is the part of a GPIO output the LED driver needs.
type LevelWriter interface {
	Out(l gpio.Level) error
}

// ChainableLED drives a single P9813 RGB LED over a two-wire clock/data link.
type ChainableLED struct {
	mu      sync.Mutex
	clk     LevelWriter
	data    LevelWriter
	current RGB
}

// OpenChainableLED opens the clock and data lines by name.
func OpenChainableLED(clkName, dataName string) (*ChainableLED, error) {
	clk, err := openPin(clkName)
	if err != nil {
		return nil, err
	}
	data, err := openPin(dataName)
	if err != nil {
		return nil, err
	}
	for _, p := range []gpio.PinIO{clk, data} {
		if err := p.Out(gpio.Low); err != nil {
			return nil, fmt.Errorf("%w: configure %s as output: %v", ErrHardwareUnavailable, p.Name(), err)
		}
	}
	return NewChainableLED(clk, data), nil
}

// NewChainableLED drives already configured outputs.
func NewChainableLED(clk, data LevelWriter) *ChainableLED {
	return &ChainableLED{clk: clk, data: data}
}

// Actuate writes a colour frame. Out-of-range colours are refused before any
// bit is clocked out.
func (l *ChainableLED) Actuate(ctx context.Context, c RGB) error {
	if err := c.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, b := range Frame(c) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.sendByte(b); err != nil {
			return err
		}
	}
	l.current = c
	return nil
}

// Sample returns the last colour written; the LED cannot be read back.
func (l *ChainableLED) Sample(context.Context) (RGB, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current, nil
}

func (l *ChainableLED) sendByte(b byte) error {
	for i := 0; i < 8; i++ {
		level := gpio.Low
		if b&0x80 != 0 {
			level = gpio.High
		}
		if err := l.data.Out(level); err != nil {
			return err
		}
		if err := l.clock(); err != nil {
			return err
		}
		b <<= 1
	}
	return nil
}

func (l *ChainableLED) clock() error {
	if err := l.clk.Out(gpio.Low); err != nil {
		return err
	}
	return l.clk.Out(gpio.High)
}

// Frame returns the bytes clocked out for one LED: a 32-bit zero start frame,
// the flag byte, blue, green, red, and a 32-bit zero end frame.
func Frame(c RGB) []byte {
	r, g, b := byte(c.R), byte(c.G), byte(c.B)
	return []byte{0, 0, 0, 0, flagByte(r, g, b), b, g, r, 0, 0, 0, 0}
}

// flagByte carries the inverted top two bits of each channel as a checksum.
func flagByte(r, g, b byte) byte {
	flag := byte(0xC0)
	if b&0x80 == 0 {
		flag |= 0x20
	}
	if b&0x40 == 0 {
		flag |= 0x10
	}
	if g&0x80 == 0 {
		flag |= 0x08
	}
	if g&0x40 == 0 {
		flag |= 0x04
	}
	if r&0x80 == 0 {
		flag |= 0x02
	}
	if r&0x40 == 0 {
		flag |= 0x01
	}
	return flag
}
