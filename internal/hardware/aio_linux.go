//go:build linux

package hardware

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// IIORoot is where the kernel exposes industrial I/O devices.
var IIORoot = "/sys/bus/iio/devices"

// AIOSensor reads one analog input channel through Linux IIO sysfs. The
// attribute file stays open and is re-read from offset zero on every sample.
type AIOSensor struct {
	f   *os.File
	buf [32]byte
}

// AIOPath returns the sysfs attribute for device and channel.
func AIOPath(device, channel int) string {
	return fmt.Sprintf("%s/iio:device%d/in_voltage%d_raw", IIORoot, device, channel)
}

// OpenAIO opens an analog input.
func OpenAIO(device, channel int) (*AIOSensor, error) {
	path := AIOPath(device, channel)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHardwareUnavailable, err)
	}
	return &AIOSensor{f: f}, nil
}

// Sample returns the raw converter value.
func (a *AIOSensor) Sample(context.Context) (int, error) {
	n, err := unix.Pread(int(a.f.Fd()), a.buf[:], 0)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", a.f.Name(), err)
	}
	raw, err := strconv.Atoi(strings.TrimSpace(string(a.buf[:n])))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", a.f.Name(), err)
	}
	return raw, nil
}

// Close releases the attribute file.
func (a *AIOSensor) Close() error {
	return a.f.Close()
}
