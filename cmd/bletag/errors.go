package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/bletag/internal/coordinator"
	"github.com/srg/bletag/internal/device"
)

// Command-level errors
var (
	// ErrNoValues indicates the connection succeeded but no characteristic could be read.
	ErrNoValues = errors.New("no characteristic values read")
)

// FormatUserError turns an error chain into a one-line message for the terminal.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var adapterErr *device.AdapterError
	switch {
	case errors.As(err, &adapterErr):
		alert := coordinator.AlertFor(adapterErr.State)
		return fmt.Sprintf("%s. %s", alert.Title, alert.Message)
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is off. Please enable Bluetooth and try again"
	case errors.Is(err, device.ErrUnsupported):
		return "Bluetooth Low Energy is not supported on this system"
	case errors.Is(err, device.ErrConnectionLost):
		return "connection to the device was lost"
	case errors.Is(err, device.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "operation timed out; make sure the device is nearby and advertising"
	case errors.Is(err, device.ErrNotConnected):
		return "device is not connected"
	}
	return err.Error()
}
