//go:build !linux && !darwin

package gatt

import "github.com/go-ble/ble"

func openDevice() (ble.Device, error) {
	return nil, ErrUnsupportedPlatform
}
