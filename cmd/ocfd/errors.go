package main

import (
	"errors"
	"fmt"

	"github.com/srg/ocfd/internal/config"
	"github.com/srg/ocfd/internal/server"
	"github.com/srg/ocfd/internal/transport/gatt"
)

// FormatUserError adds a hint to errors a user can fix from the command line.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, config.ErrInvalid):
		return fmt.Sprintf("%v\n(run 'ocfd config' to see the effective configuration)", err)
	case errors.Is(err, server.ErrNoResources):
		return fmt.Sprintf("%v\n(check the devices section of the config and the device arguments)", err)
	case errors.Is(err, gatt.ErrUnsupportedPlatform):
		return fmt.Sprintf("%v\n(disable GATT with --gatt=false)", err)
	default:
		return err.Error()
	}
}
