package scanner

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bletag/internal/bledb"
	"github.com/srg/bletag/internal/coordinator"
	"github.com/srg/bletag/internal/device"
	"github.com/srg/bletag/internal/ringchan"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// DefaultRSSIThreshold is the weakest signal (exclusive) a new device must beat to be listed.
const DefaultRSSIThreshold = -70

// DefaultScanWindow is how long Open keeps the scan running.
const DefaultScanWindow = 5 * time.Second

// DeviceEventType marks what changed in the device list
type DeviceEventType int

const (
	EventNew DeviceEventType = iota
	EventUpdated
	EventStateChanged
	EventValue
	EventScanStopped
)

func (t DeviceEventType) String() string {
	switch t {
	case EventNew:
		return "new"
	case EventUpdated:
		return "updated"
	case EventStateChanged:
		return "state_changed"
	case EventValue:
		return "value"
	case EventScanStopped:
		return "scan_stopped"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// DeviceEvent is published whenever the list changes. Device is a snapshot
// and is empty for EventScanStopped.
type DeviceEvent struct {
	Type   DeviceEventType
	Device Entry
}

// Controller is the part of the coordinator the screen drives.
type Controller interface {
	SetListener(l coordinator.Listener)
	StartScanning()
	StopScanning()
	Connect(address string)
	Disconnect(address string)
}

// ScanOptions configures which devices are listed and for how long scanning runs
type ScanOptions struct {
	Window        time.Duration
	RSSIThreshold int
	ServiceUUIDs  []string
	AllowList     []string
	BlockList     []string
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Window:        DefaultScanWindow,
		RSSIThreshold: DefaultRSSIThreshold,
	}
}

// Scanner is the device list screen: it listens to the coordinator, keeps
// discovered devices in discovery order and toggles connections on selection.
type Scanner struct {
	ctrl   Controller
	opts   *ScanOptions
	logger *logrus.Logger
	events *ringchan.RingChannel[DeviceEvent]

	mu           sync.RWMutex
	devices      *orderedmap.OrderedMap[string, *Entry]
	adapterState device.AdapterState
	windowTimer  *time.Timer
	opened       bool
	closed       bool
}

// NewScanner creates a device list screen bound to ctrl
func NewScanner(ctrl Controller, opts *ScanOptions, logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = DefaultScanOptions()
	}

	o := *opts
	o.ServiceUUIDs = bledb.NormalizeUUIDs(opts.ServiceUUIDs)

	return &Scanner{
		ctrl:    ctrl,
		opts:    &o,
		logger:  logger,
		events:  ringchan.New[DeviceEvent](100),
		devices: orderedmap.New[string, *Entry](),
	}
}

// Open registers the screen as the coordinator listener, starts scanning and
// schedules the scan to stop after the scan window.
func (s *Scanner) Open() {
	s.mu.Lock()
	s.opened = true
	s.mu.Unlock()

	s.ctrl.SetListener(s)
	s.Rescan()
}

// Rescan starts scanning again and restarts the scan window.
func (s *Scanner) Rescan() {
	s.ctrl.StartScanning()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.armWindowLocked()
}

func (s *Scanner) armWindowLocked() {
	if s.closed || s.opts.Window <= 0 {
		return
	}
	if s.windowTimer != nil {
		s.windowTimer.Stop()
	}
	s.windowTimer = time.AfterFunc(s.opts.Window, s.windowElapsed)
}

func (s *Scanner) windowElapsed() {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return
	}

	s.logger.WithField("window", s.opts.Window).Debug("Scan window elapsed")
	s.ctrl.StopScanning()
	s.events.ForceSend(DeviceEvent{Type: EventScanStopped})
}

// Close cancels the pending scan window. Connections are left to the coordinator.
func (s *Scanner) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.windowTimer != nil {
		s.windowTimer.Stop()
		s.windowTimer = nil
	}
}

// Select toggles the connection of the device at index: anything not
// connected is connected, a connected device is disconnected.
func (s *Scanner) Select(index int) error {
	s.mu.Lock()
	entry := s.entryAt(index)
	if entry == nil {
		n := s.devices.Len()
		s.mu.Unlock()
		return fmt.Errorf("no device at row %d (%d listed)", index, n)
	}

	address := entry.Address
	connect := entry.State != device.Connected
	var snap Entry
	if connect {
		entry.State = device.Connecting
		snap = entry.snapshot()
	}
	s.mu.Unlock()

	if connect {
		s.logger.WithFields(logrus.Fields{
			"address": address,
			"name":    snap.Name,
		}).Info("Connecting to device")
		s.events.ForceSend(DeviceEvent{Type: EventStateChanged, Device: snap})
		s.ctrl.Connect(address)
		return nil
	}

	s.logger.WithField("address", address).Info("Disconnecting from device")
	s.ctrl.Disconnect(address)
	return nil
}

func (s *Scanner) entryAt(index int) *Entry {
	if index < 0 {
		return nil
	}
	i := 0
	for pair := s.devices.Oldest(); pair != nil; pair = pair.Next() {
		if i == index {
			return pair.Value
		}
		i++
	}
	return nil
}

// Devices returns a snapshot of the list in discovery order
func (s *Scanner) Devices() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, s.devices.Len())
	for pair := s.devices.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value.snapshot())
	}
	return out
}

// Device returns a snapshot of the device with the given address
func (s *Scanner) Device(address string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.devices.Get(address)
	if !ok {
		return Entry{}, false
	}
	return entry.snapshot(), true
}

// Len returns the number of listed devices
func (s *Scanner) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.devices.Len()
}

// AdapterState returns the last adapter state reported by the coordinator
func (s *Scanner) AdapterState() device.AdapterState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.adapterState
}

// Events return a read-only channel of list changes
func (s *Scanner) Events() <-chan DeviceEvent {
	return s.events.C()
}

// ----------------------------
// coordinator.Listener
// ----------------------------

// AdapterStateChanged records the state. The coordinator scans on its own
// when the adapter powers on, so a power-on also restarts the scan window.
func (s *Scanner) AdapterStateChanged(state device.AdapterState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.adapterState
	s.adapterState = state
	if state == device.StatePoweredOn && previous != device.StatePoweredOn && s.opened {
		s.armWindowLocked()
	}
}

// PeripheralDiscovered updates existing or adds a new device
func (s *Scanner) PeripheralDiscovered(adv device.Advertisement) {
	address := adv.Addr()

	s.mu.Lock()
	entry, existing := s.devices.Get(address)
	if !existing {
		if !s.shouldIncludeDevice(adv) {
			s.mu.Unlock()
			return
		}
		entry = newEntry(adv)
		s.devices.Set(address, entry)
	} else {
		entry.update(adv)
	}
	snap := entry.snapshot()
	s.mu.Unlock()

	if existing {
		s.events.ForceSend(DeviceEvent{Type: EventUpdated, Device: snap})
		return
	}

	s.logger.WithFields(logrus.Fields{
		"name": snap.Name,
		"rssi": snap.RSSI,
	}).Info("Device in range")
	s.logger.WithFields(logrus.Fields{
		"address": address,
		"name":    snap.Name,
	}).Info("Discovered peripheral")
	s.events.ForceSend(DeviceEvent{Type: EventNew, Device: snap})
}

// shouldIncludeDevice applies the signal threshold and the allow/block/service filters
func (s *Scanner) shouldIncludeDevice(adv device.Advertisement) bool {
	addr := adv.Addr()

	if adv.RSSI() <= s.opts.RSSIThreshold {
		return false
	}

	if slices.Contains(s.opts.BlockList, addr) {
		return false
	}

	if len(s.opts.AllowList) > 0 && !slices.Contains(s.opts.AllowList, addr) {
		return false
	}

	if len(s.opts.ServiceUUIDs) > 0 {
		advertised := adv.Services()
		if !slices.ContainsFunc(s.opts.ServiceUUIDs, func(u string) bool {
			return slices.Contains(advertised, u)
		}) {
			return false
		}
	}

	return true
}

func (s *Scanner) PeripheralConnected(address string) {
	if snap, ok := s.setState(address, device.Connected); ok {
		s.logger.WithFields(logrus.Fields{
			"address": address,
			"name":    snap.Name,
		}).Info("Connected to device")
	}
}

func (s *Scanner) PeripheralConnectFailed(address string, err error) {
	if snap, ok := s.setState(address, device.Disconnected); ok {
		s.logger.WithFields(logrus.Fields{
			"address": address,
			"name":    snap.Name,
			"error":   err,
		}).Warn("Failed to connect to device")
	}
}

func (s *Scanner) PeripheralDisconnected(address string, err error) {
	if snap, ok := s.setState(address, device.Disconnected); ok {
		s.logger.WithFields(logrus.Fields{
			"address": address,
			"name":    snap.Name,
			"cause":   err,
		}).Info("Disconnected from device")
	}
}

func (s *Scanner) CharacteristicValueUpdated(address string, char device.Characteristic, value []byte) {
	s.mu.Lock()
	entry, ok := s.devices.Get(address)
	if !ok {
		s.mu.Unlock()
		return
	}
	entry.Values.Set(char.UUID(), slices.Clone(value))
	snap := entry.snapshot()
	s.mu.Unlock()

	s.events.ForceSend(DeviceEvent{Type: EventValue, Device: snap})
}

func (s *Scanner) setState(address string, state device.LinkState) (Entry, bool) {
	s.mu.Lock()
	entry, ok := s.devices.Get(address)
	if !ok {
		s.mu.Unlock()
		return Entry{}, false
	}
	entry.State = state
	snap := entry.snapshot()
	s.mu.Unlock()

	s.events.ForceSend(DeviceEvent{Type: EventStateChanged, Device: snap})
	return snap, true
}

var _ coordinator.Listener = (*Scanner)(nil)
