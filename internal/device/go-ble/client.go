package goble

import (
	"fmt"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/bletag/internal/device"
)

// BLEService wraps a discovered *ble.Service.
type BLEService struct {
	svc  *ble.Service
	uuid string
}

func (s *BLEService) UUID() string { return s.uuid }

// BLECharacteristic wraps a discovered *ble.Characteristic.
type BLECharacteristic struct {
	char        *ble.Characteristic
	uuid        string
	serviceUUID string
}

func (c *BLECharacteristic) UUID() string        { return c.uuid }
func (c *BLECharacteristic) ServiceUUID() string { return c.serviceUUID }

// bleClient implements device.Client over a go-ble client.
type bleClient struct {
	address string
	client  ble.Client
	logger  *logrus.Logger
}

func newClient(address string, client ble.Client, logger *logrus.Logger) *bleClient {
	return &bleClient{address: address, client: client, logger: logger}
}

func (c *bleClient) Address() string {
	return c.address
}

// DiscoverServices discovers all services of the peripheral.
func (c *bleClient) DiscoverServices() ([]device.Service, error) {
	bleServices, err := c.client.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to discover services: %w", NormalizeError(err))
	}

	result := make([]device.Service, 0, len(bleServices))
	for _, s := range bleServices {
		uuid := device.NormalizeUUID(s.UUID.String())
		c.logger.WithFields(logrus.Fields{
			"address":      c.address,
			"service_uuid": uuid,
		}).Debug("Found service UUID")
		result = append(result, &BLEService{svc: s, uuid: uuid})
	}
	return result, nil
}

// DiscoverCharacteristics discovers all characteristics of a service.
func (c *bleClient) DiscoverCharacteristics(svc device.Service) ([]device.Characteristic, error) {
	s, ok := svc.(*BLEService)
	if !ok {
		return nil, fmt.Errorf("service %s does not belong to this connection", svc.UUID())
	}

	bleChars, err := c.client.DiscoverCharacteristics(nil, s.svc)
	if err != nil {
		return nil, fmt.Errorf("failed to discover characteristics of service %s: %w", s.uuid, NormalizeError(err))
	}

	result := make([]device.Characteristic, 0, len(bleChars))
	for _, ch := range bleChars {
		uuid := device.NormalizeUUID(ch.UUID.String())
		c.logger.WithFields(logrus.Fields{
			"service_uuid": s.uuid,
			"char_uuid":    uuid,
		}).Debug("Found characteristic UUID")
		result = append(result, &BLECharacteristic{char: ch, uuid: uuid, serviceUUID: s.uuid})
	}
	return result, nil
}

// ReadCharacteristic reads the current value of a characteristic.
func (c *bleClient) ReadCharacteristic(char device.Characteristic) ([]byte, error) {
	ch, ok := char.(*BLECharacteristic)
	if !ok {
		return nil, fmt.Errorf("characteristic %s does not belong to this connection", char.UUID())
	}

	data, err := c.client.ReadCharacteristic(ch.char)
	if err != nil {
		return nil, fmt.Errorf("failed to read characteristic %s: %w", ch.uuid, NormalizeError(err))
	}
	return data, nil
}

func (c *bleClient) CancelConnection() error {
	return NormalizeError(c.client.CancelConnection())
}

func (c *bleClient) Disconnected() <-chan struct{} {
	return c.client.Disconnected()
}
