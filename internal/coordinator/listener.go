package coordinator

import (
	"github.com/srg/bletag/internal/device"
)

// Listener receives coordinator events. All methods are invoked on the
// coordinator's serial loop, one at a time, in arrival order; implementations
// may call back into the coordinator but must not block.
type Listener interface {
	AdapterStateChanged(state device.AdapterState)
	PeripheralDiscovered(adv device.Advertisement)
	PeripheralConnected(address string)
	PeripheralConnectFailed(address string, err error)
	PeripheralDisconnected(address string, err error)
	CharacteristicValueUpdated(address string, char device.Characteristic, value []byte)
}

// ReadsCompletedListener is an optional Listener extension. It is told when
// the discovery and reads that follow a connection have finished, whether or
// not every step succeeded.
type ReadsCompletedListener interface {
	CharacteristicReadsCompleted(address string)
}

// NopListener ignores every event. Embed it to implement a subset of Listener.
type NopListener struct{}

func (NopListener) AdapterStateChanged(device.AdapterState)                          {}
func (NopListener) PeripheralDiscovered(device.Advertisement)                        {}
func (NopListener) PeripheralConnected(string)                                       {}
func (NopListener) PeripheralConnectFailed(string, error)                            {}
func (NopListener) PeripheralDisconnected(string, error)                             {}
func (NopListener) CharacteristicValueUpdated(string, device.Characteristic, []byte) {}

// Alert asks the user to fix the adapter state in system settings.
type Alert struct {
	State   device.AdapterState
	Title   string
	Message string
}

const alertMessage = "Please take necessary action to enable Bluetooth"

// AlertFor returns the alert shown for an unavailable adapter state.
func AlertFor(state device.AdapterState) Alert {
	title := "Unknown state"
	switch state {
	case device.StatePoweredOff:
		title = "Bluetooth is off"
	case device.StateUnauthorized:
		title = "Bluetooth is unauthorized"
	case device.StateUnsupported:
		title = "Bluetooth is unsupported"
	}
	return Alert{State: state, Title: title, Message: alertMessage}
}

// Alerter presents adapter alerts.
type Alerter interface {
	Alert(a Alert)
}

// AlerterFunc adapts a function to the Alerter interface.
type AlerterFunc func(a Alert)

func (f AlerterFunc) Alert(a Alert) { f(a) }
