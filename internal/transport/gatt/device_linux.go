//go:build linux

package gatt

import (
	"fmt"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// openDevice opens the first HCI controller. It needs CAP_NET_ADMIN and the
// controller must not be in use by bluetoothd.
func openDevice() (ble.Device, error) {
	dev, err := linux.NewDevice()
	if err != nil {
		return nil, fmt.Errorf("HCI device: %w", err)
	}
	return dev, nil
}
