package scanner_test

import (
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/srg/bletag/internal/coordinator"
	"github.com/srg/bletag/internal/device"
	"github.com/srg/bletag/scanner"
	"github.com/stretchr/testify/mock"
	suitelib "github.com/stretchr/testify/suite"
)

type mockController struct {
	mock.Mock
}

func (m *mockController) SetListener(l coordinator.Listener) { m.Called(l) }
func (m *mockController) StartScanning()                     { m.Called() }
func (m *mockController) StopScanning()                      { m.Called() }
func (m *mockController) Connect(address string)             { m.Called(address) }
func (m *mockController) Disconnect(address string)          { m.Called(address) }

type testAdvertisement struct {
	addr     string
	name     string
	rssi     int
	services []string
	manuf    []byte
}

func (a testAdvertisement) LocalName() string        { return a.name }
func (a testAdvertisement) ManufacturerData() []byte { return a.manuf }
func (a testAdvertisement) Services() []string       { return a.services }
func (a testAdvertisement) Connectable() bool        { return true }
func (a testAdvertisement) RSSI() int                { return a.rssi }
func (a testAdvertisement) Addr() string             { return a.addr }

type testCharacteristic struct{ uuid string }

func (c testCharacteristic) UUID() string        { return c.uuid }
func (c testCharacteristic) ServiceUUID() string { return "180f" }

type ScannerTestSuite struct {
	suitelib.Suite

	logger *logrus.Logger
	ctrl   *mockController

	adv1, adv2, adv3 testAdvertisement
}

func (suite *ScannerTestSuite) SetupTest() {
	suite.logger = logrus.New()
	suite.logger.SetLevel(logrus.DebugLevel)
	suite.ctrl = &mockController{}

	suite.adv1 = testAdvertisement{addr: "AA:BB:CC:DD:EE:FF", name: "Test Device 1", rssi: -45, services: []string{"180f", "1800"}}
	suite.adv2 = testAdvertisement{addr: "11:22:33:44:55:66", name: "Test Device 2", rssi: -67, services: []string{"1801"}}
	// Too weak to be listed with the default threshold
	suite.adv3 = testAdvertisement{addr: "99:88:77:66:55:44", name: "Test Device 3", rssi: -80, services: []string{"1802"}}
}

func (suite *ScannerTestSuite) newScanner(opts *scanner.ScanOptions) *scanner.Scanner {
	s := scanner.NewScanner(suite.ctrl, opts, suite.logger)
	suite.T().Cleanup(s.Close)
	return s
}

func (suite *ScannerTestSuite) addresses(s *scanner.Scanner) []string {
	var out []string
	for _, e := range s.Devices() {
		out = append(out, e.Address)
	}
	return out
}

func (suite *ScannerTestSuite) drain(s *scanner.Scanner) []scanner.DeviceEvent {
	var out []scanner.DeviceEvent
	for {
		select {
		case ev := <-s.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func (suite *ScannerTestSuite) TestNewScanner() {
	suite.Run("creates scanner with nil logger and options", func() {
		s := scanner.NewScanner(suite.ctrl, nil, nil)

		suite.NotNil(s)
		suite.Zero(s.Len())
	})
}

func (suite *ScannerTestSuite) TestDiscovery_KeepsInsertionOrder() {
	s := suite.newScanner(nil)

	s.PeripheralDiscovered(suite.adv2)
	s.PeripheralDiscovered(suite.adv1)

	suite.Equal([]string{suite.adv2.addr, suite.adv1.addr}, suite.addresses(s))
	devs := s.Devices()
	suite.Equal("Test Device 2", devs[0].Name)
	suite.Equal(device.Disconnected, devs[0].State, "new device MUST start disconnected")
}

func (suite *ScannerTestSuite) TestDiscovery_DeduplicatesByAddress() {
	s := suite.newScanner(nil)

	s.PeripheralDiscovered(suite.adv1)
	s.PeripheralDiscovered(suite.adv2)

	again := suite.adv1
	again.rssi = -50
	again.name = ""
	s.PeripheralDiscovered(again)

	suite.Equal([]string{suite.adv1.addr, suite.adv2.addr}, suite.addresses(s), "rediscovery MUST NOT add a row")

	dev, ok := s.Device(suite.adv1.addr)
	suite.Require().True(ok)
	suite.Equal(-50, dev.RSSI, "rediscovery MUST refresh RSSI")
	suite.Equal("Test Device 1", dev.Name, "empty name MUST NOT replace a known one")

	events := suite.drain(s)
	suite.Require().Len(events, 3)
	suite.Equal(scanner.EventNew, events[0].Type)
	suite.Equal(scanner.EventNew, events[1].Type)
	suite.Equal(scanner.EventUpdated, events[2].Type)
}

func (suite *ScannerTestSuite) TestDiscovery_RSSIThreshold() {
	s := suite.newScanner(nil)

	atThreshold := testAdvertisement{addr: "00:00:00:00:00:01", rssi: scanner.DefaultRSSIThreshold}
	justAbove := testAdvertisement{addr: "00:00:00:00:00:02", rssi: scanner.DefaultRSSIThreshold + 1}

	s.PeripheralDiscovered(suite.adv3)
	s.PeripheralDiscovered(atThreshold)
	s.PeripheralDiscovered(justAbove)

	suite.Equal([]string{justAbove.addr}, suite.addresses(s), "only devices stronger than the threshold MUST be listed")
}

func (suite *ScannerTestSuite) TestDiscovery_Filters() {
	suite.Run("block list", func() {
		s := suite.newScanner(&scanner.ScanOptions{RSSIThreshold: -100, BlockList: []string{suite.adv1.addr}})
		s.PeripheralDiscovered(suite.adv1)
		s.PeripheralDiscovered(suite.adv2)
		suite.Equal([]string{suite.adv2.addr}, suite.addresses(s))
	})

	suite.Run("allow list", func() {
		s := suite.newScanner(&scanner.ScanOptions{RSSIThreshold: -100, AllowList: []string{suite.adv3.addr}})
		s.PeripheralDiscovered(suite.adv1)
		s.PeripheralDiscovered(suite.adv3)
		suite.Equal([]string{suite.adv3.addr}, suite.addresses(s))
	})

	suite.Run("service filter matches normalized UUIDs", func() {
		s := suite.newScanner(&scanner.ScanOptions{RSSIThreshold: -100, ServiceUUIDs: []string{"0x1801"}})
		s.PeripheralDiscovered(suite.adv1)
		s.PeripheralDiscovered(suite.adv2)
		suite.Equal([]string{suite.adv2.addr}, suite.addresses(s))
	})
}

func (suite *ScannerTestSuite) TestSelect_TogglesConnection() {
	s := suite.newScanner(nil)
	s.PeripheralDiscovered(suite.adv1)

	suite.ctrl.On("Connect", suite.adv1.addr).Return().Once()
	suite.Require().NoError(s.Select(0))

	dev, _ := s.Device(suite.adv1.addr)
	suite.Equal(device.Connecting, dev.State, "selecting a disconnected row MUST mark it connecting")
	suite.ctrl.AssertCalled(suite.T(), "Connect", suite.adv1.addr)

	s.PeripheralConnected(suite.adv1.addr)
	dev, _ = s.Device(suite.adv1.addr)
	suite.Equal(device.Connected, dev.State)

	suite.ctrl.On("Disconnect", suite.adv1.addr).Return().Once()
	suite.Require().NoError(s.Select(0))
	suite.ctrl.AssertCalled(suite.T(), "Disconnect", suite.adv1.addr)

	s.PeripheralDisconnected(suite.adv1.addr, nil)
	dev, _ = s.Device(suite.adv1.addr)
	suite.Equal(device.Disconnected, dev.State)

	suite.ctrl.AssertExpectations(suite.T())
}

func (suite *ScannerTestSuite) TestSelect_ConnectingRowConnectsAgain() {
	s := suite.newScanner(nil)
	s.PeripheralDiscovered(suite.adv1)

	suite.ctrl.On("Connect", suite.adv1.addr).Return().Twice()
	suite.Require().NoError(s.Select(0))
	suite.Require().NoError(s.Select(0))

	suite.ctrl.AssertExpectations(suite.T())
	suite.ctrl.AssertNotCalled(suite.T(), "Disconnect", mock.Anything)
}

func (suite *ScannerTestSuite) TestSelect_OutOfRange() {
	s := suite.newScanner(nil)
	s.PeripheralDiscovered(suite.adv1)

	suite.Error(s.Select(1))
	suite.Error(s.Select(-1))
	suite.ctrl.AssertNotCalled(suite.T(), "Connect", mock.Anything)
}

func (suite *ScannerTestSuite) TestConnectFailed_ResetsRow() {
	s := suite.newScanner(nil)
	s.PeripheralDiscovered(suite.adv1)

	suite.ctrl.On("Connect", suite.adv1.addr).Return()
	suite.Require().NoError(s.Select(0))

	s.PeripheralConnectFailed(suite.adv1.addr, errors.New("boom"))

	dev, _ := s.Device(suite.adv1.addr)
	suite.Equal(device.Disconnected, dev.State)
}

func (suite *ScannerTestSuite) TestEventsForUnknownDevicesAreIgnored() {
	s := suite.newScanner(nil)

	s.PeripheralConnected("unknown")
	s.PeripheralDisconnected("unknown", nil)
	s.CharacteristicValueUpdated("unknown", testCharacteristic{uuid: "2a19"}, []byte{1})

	suite.Zero(s.Len())
	suite.Empty(suite.drain(s))
}

func (suite *ScannerTestSuite) TestValues_LastValuePerCharacteristic() {
	s := suite.newScanner(nil)
	s.PeripheralDiscovered(suite.adv1)

	s.CharacteristicValueUpdated(suite.adv1.addr, testCharacteristic{uuid: "2a29"}, []byte("ACME"))
	s.CharacteristicValueUpdated(suite.adv1.addr, testCharacteristic{uuid: "2a19"}, []byte{0x10})
	s.CharacteristicValueUpdated(suite.adv1.addr, testCharacteristic{uuid: "2a29"}, []byte("ACME 2"))

	dev, _ := s.Device(suite.adv1.addr)
	suite.Equal(2, dev.Values.Len())

	first := dev.Values.Oldest()
	suite.Equal("2a29", first.Key, "values MUST keep first-read order")
	suite.Equal([]byte("ACME 2"), first.Value)
	suite.Equal([]byte{0x10}, first.Next().Value)
}

func (suite *ScannerTestSuite) TestSnapshotsAreIndependent() {
	s := suite.newScanner(nil)
	s.PeripheralDiscovered(suite.adv1)
	s.CharacteristicValueUpdated(suite.adv1.addr, testCharacteristic{uuid: "2a19"}, []byte{0x10})

	dev, _ := s.Device(suite.adv1.addr)
	dev.Services[0] = "ffff"
	dev.Values.Set("2a19", []byte{0x20})

	again, _ := s.Device(suite.adv1.addr)
	suite.Equal("180f", again.Services[0])
	v, _ := again.Values.Get("2a19")
	suite.Equal([]byte{0x10}, v)
}

func (suite *ScannerTestSuite) TestAdapterStateChanged() {
	s := suite.newScanner(nil)

	s.AdapterStateChanged(device.StatePoweredOff)

	suite.Equal(device.StatePoweredOff, s.AdapterState())
}

func (suite *ScannerTestSuite) TestOpen_StopsScanningAfterWindow() {
	s := suite.newScanner(&scanner.ScanOptions{Window: 20 * time.Millisecond, RSSIThreshold: scanner.DefaultRSSIThreshold})

	stopped := make(chan struct{})
	suite.ctrl.On("SetListener", s).Return().Once()
	suite.ctrl.On("StartScanning").Return().Once()
	suite.ctrl.On("StopScanning").Return().Once().Run(func(mock.Arguments) { close(stopped) })

	s.Open()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		suite.FailNow("scan window MUST stop scanning")
	}

	suite.Eventually(func() bool {
		for _, ev := range suite.drain(s) {
			if ev.Type == scanner.EventScanStopped {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	suite.ctrl.AssertExpectations(suite.T())
}

func (suite *ScannerTestSuite) TestClose_CancelsScanWindow() {
	s := suite.newScanner(&scanner.ScanOptions{Window: 30 * time.Millisecond, RSSIThreshold: scanner.DefaultRSSIThreshold})

	suite.ctrl.On("SetListener", s).Return().Once()
	suite.ctrl.On("StartScanning").Return().Once()

	s.Open()
	s.Close()

	time.Sleep(80 * time.Millisecond)
	suite.ctrl.AssertNotCalled(suite.T(), "StopScanning")
}

func (suite *ScannerTestSuite) TestRescan_RestartsWindow() {
	s := suite.newScanner(&scanner.ScanOptions{Window: 50 * time.Millisecond, RSSIThreshold: scanner.DefaultRSSIThreshold})

	stopped := make(chan struct{})
	suite.ctrl.On("SetListener", s).Return().Once()
	suite.ctrl.On("StartScanning").Return().Twice()
	suite.ctrl.On("StopScanning").Return().Once().Run(func(mock.Arguments) { close(stopped) })

	s.Open()
	s.Rescan()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		suite.FailNow("rescan MUST stop scanning after the window")
	}
	suite.ctrl.AssertExpectations(suite.T())
}

func (suite *ScannerTestSuite) TestValues_StoredWithoutLogging() {
	logger, hook := logtest.NewNullLogger()
	s := scanner.NewScanner(suite.ctrl, nil, logger)
	s.PeripheralDiscovered(suite.adv1)
	hook.Reset()

	s.CharacteristicValueUpdated(suite.adv1.addr, testCharacteristic{uuid: "2a19"}, []byte("50"))

	suite.Empty(hook.AllEntries(), "values are logged by the coordinator only")
	entry, ok := s.Device(suite.adv1.addr)
	suite.Require().True(ok)
	value, _ := entry.Values.Get("2a19")
	suite.Equal([]byte("50"), value)
}

func (suite *ScannerTestSuite) TestPowerOn_RestartsScanWindow() {
	s := suite.newScanner(&scanner.ScanOptions{Window: 20 * time.Millisecond, RSSIThreshold: scanner.DefaultRSSIThreshold})

	stops := make(chan struct{}, 2)
	suite.ctrl.On("SetListener", s).Return().Once()
	suite.ctrl.On("StartScanning").Return().Once()
	suite.ctrl.On("StopScanning").Return().Twice().Run(func(mock.Arguments) { stops <- struct{}{} })

	s.Open()
	s.AdapterStateChanged(device.StatePoweredOff)

	select {
	case <-stops:
	case <-time.After(time.Second):
		suite.FailNow("scan window MUST stop scanning")
	}

	// The coordinator restarts scanning itself once the adapter comes back.
	s.AdapterStateChanged(device.StatePoweredOn)
	select {
	case <-stops:
	case <-time.After(time.Second):
		suite.FailNow("power-on MUST restart the scan window")
	}

	s.AdapterStateChanged(device.StatePoweredOn)
	time.Sleep(60 * time.Millisecond)
	suite.ctrl.AssertExpectations(suite.T())
}

func (suite *ScannerTestSuite) TestPowerOn_BeforeOpenDoesNotArmWindow() {
	s := suite.newScanner(&scanner.ScanOptions{Window: 10 * time.Millisecond, RSSIThreshold: scanner.DefaultRSSIThreshold})

	s.AdapterStateChanged(device.StatePoweredOn)

	time.Sleep(40 * time.Millisecond)
	suite.ctrl.AssertNotCalled(suite.T(), "StopScanning")
}

func TestScannerTestSuite(t *testing.T) {
	suitelib.Run(t, new(ScannerTestSuite))
}
