package goble

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/srg/bletag/internal/device"
)

// darwinStateRe extracts the CBManagerState reported by cbgo when the central
// manager refuses to start.
var darwinStateRe = regexp.MustCompile(`have=(\d+)`)

// NormalizeError maps known go-ble error strings to structured error types.
// It ensures consistent handling even if the upstream library changes messages slightly.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "have=4 want=5"):
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "device not connected"):
		return fmt.Errorf("%w: %v", device.ErrNotConnected, err)
	case containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", device.ErrNotConnected, err)
	case containsIgnoreCase(msg, "device already connected"):
		return fmt.Errorf("%w: %v", device.ErrAlreadyConnected, err)
	case containsIgnoreCase(msg, "connection is not initialized"):
		return fmt.Errorf("%w: %v", device.ErrNotInitialized, err)
	case containsIgnoreCase(msg, "timeout"), containsIgnoreCase(msg, "timed out"):
		return fmt.Errorf("%w: %v", device.ErrTimeout, err)
	default:
		return err
	}
}

// StateFromError derives the adapter state from a device creation failure.
func StateFromError(err error) device.AdapterState {
	if err == nil {
		return device.StatePoweredOn
	}

	msg := err.Error()
	if m := darwinStateRe.FindStringSubmatch(msg); m != nil {
		if n, convErr := strconv.Atoi(m[1]); convErr == nil && n >= int(device.StateUnknown) && n <= int(device.StatePoweredOn) {
			return device.AdapterState(n)
		}
		return device.StateUnknown
	}

	switch {
	case containsIgnoreCase(msg, "bluetooth is turned off"), containsIgnoreCase(msg, "powered off"):
		return device.StatePoweredOff
	case containsIgnoreCase(msg, "permission denied"), containsIgnoreCase(msg, "operation not permitted"), containsIgnoreCase(msg, "unauthorized"):
		return device.StateUnauthorized
	case containsIgnoreCase(msg, "resetting"):
		return device.StateResetting
	case containsIgnoreCase(msg, "no devices available"), containsIgnoreCase(msg, "not supported"), containsIgnoreCase(msg, "unsupported"):
		return device.StateUnsupported
	default:
		return device.StateUnknown
	}
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
