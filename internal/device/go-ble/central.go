package goble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/bletag/internal/device"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking as goble.DeviceFactory
var DeviceFactory = newPlatformDevice

// Central implements device.Central on top of a go-ble device.
type Central struct {
	logger *logrus.Logger

	mu  sync.RWMutex
	dev ble.Device
}

// NewCentral creates a Central; the platform device is opened by Init.
func NewCentral(logger *logrus.Logger) *Central {
	if logger == nil {
		logger = logrus.New()
	}
	return &Central{logger: logger}
}

// Init opens the platform device and reports the resulting adapter state.
//
// go-ble has no state-change callback: opening the device either succeeds
// (the adapter is powered on) or fails with an error that names the state.
// Init can be called again to re-probe after the user changed settings; once
// a device is open it is reused, since the platform allows only one.
func (c *Central) Init(stateChanged func(device.AdapterState)) error {
	c.mu.RLock()
	opened := c.dev != nil
	c.mu.RUnlock()
	if opened {
		if stateChanged != nil {
			stateChanged(device.StatePoweredOn)
		}
		return nil
	}

	dev, err := DeviceFactory()
	if err != nil {
		state := StateFromError(err)
		c.logger.WithFields(logrus.Fields{
			"state": state,
			"error": err,
		}).Debug("BLE adapter probe failed")
		if stateChanged != nil {
			stateChanged(state)
		}
		return &device.AdapterError{State: state, Err: NormalizeError(err)}
	}

	c.mu.Lock()
	c.dev = dev
	c.mu.Unlock()

	c.logger.Debug("BLE adapter powered on")
	if stateChanged != nil {
		stateChanged(device.StatePoweredOn)
	}
	return nil
}

func (c *Central) platform() (ble.Device, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.dev == nil {
		return nil, &device.ConnectionError{State: device.NotInitialized, Msg: "BLE adapter is not initialized"}
	}
	return c.dev, nil
}

// Scan wraps the raw ble.Device.Scan to convert ble.Advertisement to the device.Advertisement
func (c *Central) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	dev, err := c.platform()
	if err != nil {
		return err
	}

	bleHandler := func(adv ble.Advertisement) {
		handler(NewBLEAdvertisement(adv))
	}
	if err := dev.Scan(ctx, allowDup, bleHandler); err != nil {
		return NormalizeError(err)
	}
	return nil
}

// Dial connects to the peripheral with the given address.
func (c *Central) Dial(ctx context.Context, address string) (device.Client, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("device address is empty")
	}

	dev, err := c.platform()
	if err != nil {
		return nil, err
	}

	c.logger.WithField("address", address).Debug("Dialing BLE device...")
	client, err := dev.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, NormalizeError(err))
	}
	return newClient(address, client, c.logger), nil
}

// Stop stops scanning on the platform device.
func (c *Central) Stop() error {
	dev, err := c.platform()
	if err != nil {
		return err
	}
	return NormalizeError(dev.Stop())
}
