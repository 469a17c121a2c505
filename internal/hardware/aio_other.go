//go:build !linux

package hardware

import (
	"context"
	"fmt"
)

// AIOSensor is only backed by hardware on Linux.
type AIOSensor struct{}

// OpenAIO always fails on this platform.
func OpenAIO(device, channel int) (*AIOSensor, error) {
	return nil, fmt.Errorf("%w: analog input %d/%d needs Linux IIO", ErrHardwareUnavailable, device, channel)
}

func (a *AIOSensor) Sample(context.Context) (int, error) {
	return 0, ErrHardwareUnavailable
}

func (a *AIOSensor) Close() error { return nil }
