package device

import (
	"context"
	"errors"
	"fmt"
)

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	NotInitialized   ConnectionState = "not_initialized"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrNotInitialized   = &ConnectionError{State: NotInitialized}
)

// Operation errors
var (
	ErrBluetoothOff   = errors.New("bluetooth is turned off")
	ErrConnectionLost = errors.New("connection lost")
	ErrTimeout        = errors.New("timeout")
	ErrUnsupported    = errors.New("unsupported")
)

// AdapterError reports that the local adapter is not usable.
type AdapterError struct {
	State AdapterState
	Err   error
}

func (e *AdapterError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("bluetooth adapter unavailable: %s", e.State)
	}
	return fmt.Sprintf("bluetooth adapter unavailable: %s: %v", e.State, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// AdapterState is the power/authorization state of the local BLE adapter.
// Values follow the CoreBluetooth numbering.
type AdapterState int

const (
	StateUnknown AdapterState = iota
	StateResetting
	StateUnsupported
	StateUnauthorized
	StatePoweredOff
	StatePoweredOn
)

func (s AdapterState) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateResetting:
		return "resetting"
	case StateUnsupported:
		return "unsupported"
	case StateUnauthorized:
		return "unauthorized"
	case StatePoweredOff:
		return "powered_off"
	case StatePoweredOn:
		return "powered_on"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Unavailable reports whether the state is one the user has to fix in system settings.
func (s AdapterState) Unavailable() bool {
	switch s {
	case StateUnknown, StateUnsupported, StateUnauthorized, StatePoweredOff:
		return true
	default:
		return false
	}
}

// LinkState is the connection state of a discovered peripheral.
type LinkState int

const (
	Disconnected LinkState = iota
	Connecting
	Connected
)

func (s LinkState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// MarshalText lets LinkState appear as a string in JSON output.
func (s LinkState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type Advertisement interface {
	LocalName() string
	ManufacturerData() []byte
	Services() []string
	Connectable() bool

	RSSI() int
	Addr() string
}

// Central is the local adapter acting in the BLE central role.
type Central interface {
	// Init probes the adapter and reports its state through stateChanged.
	// Later state changes, if the platform reports them, use the same callback.
	Init(stateChanged func(AdapterState)) error
	Scan(ctx context.Context, allowDup bool, handler func(Advertisement)) error
	Dial(ctx context.Context, address string) (Client, error)
	Stop() error
}

// Client is a live connection to a remote peripheral.
type Client interface {
	Address() string
	DiscoverServices() ([]Service, error)
	DiscoverCharacteristics(svc Service) ([]Characteristic, error)
	ReadCharacteristic(char Characteristic) ([]byte, error)
	CancelConnection() error
	// Disconnected is closed when the link goes down.
	Disconnected() <-chan struct{}
}

// Service represents a discovered GATT service
type Service interface {
	UUID() string
}

// Characteristic represents a discovered GATT characteristic
type Characteristic interface {
	UUID() string
	ServiceUUID() string
}
