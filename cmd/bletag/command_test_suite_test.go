package main

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/bletag/internal/device"
	"github.com/stretchr/testify/suite"
)

// Test device addresses for consistent fake device identification
const (
	TestDeviceAddress1 = "00:00:00:00:00:01"
	TestDeviceAddress2 = "00:00:00:00:00:02"
	TestDeviceAddress3 = "00:00:00:00:00:03"
)

type fakeAdvertisement struct {
	addr     string
	name     string
	rssi     int
	services []string
	manuf    []byte
}

func (a fakeAdvertisement) LocalName() string        { return a.name }
func (a fakeAdvertisement) ManufacturerData() []byte { return a.manuf }
func (a fakeAdvertisement) Services() []string       { return a.services }
func (a fakeAdvertisement) Connectable() bool        { return true }
func (a fakeAdvertisement) RSSI() int                { return a.rssi }
func (a fakeAdvertisement) Addr() string             { return a.addr }

type fakeService struct{ uuid string }

func (s fakeService) UUID() string { return s.uuid }

type fakeCharacteristic struct{ uuid, svc string }

func (c fakeCharacteristic) UUID() string        { return c.uuid }
func (c fakeCharacteristic) ServiceUUID() string { return c.svc }

// fakeClient serves a fixed GATT table.
type fakeClient struct {
	address      string
	services     []device.Service
	chars        map[string][]device.Characteristic
	values       map[string][]byte
	disconnected chan struct{}
	once         sync.Once
}

func newFakeClient(address string) *fakeClient {
	return &fakeClient{
		address:      address,
		chars:        make(map[string][]device.Characteristic),
		values:       make(map[string][]byte),
		disconnected: make(chan struct{}),
	}
}

func (c *fakeClient) withValue(svc, char string, value []byte) *fakeClient {
	if _, ok := c.chars[svc]; !ok {
		c.services = append(c.services, fakeService{uuid: svc})
	}
	c.chars[svc] = append(c.chars[svc], fakeCharacteristic{uuid: char, svc: svc})
	c.values[char] = value
	return c
}

func (c *fakeClient) Address() string { return c.address }

func (c *fakeClient) DiscoverServices() ([]device.Service, error) {
	return c.services, nil
}

func (c *fakeClient) DiscoverCharacteristics(svc device.Service) ([]device.Characteristic, error) {
	return c.chars[svc.UUID()], nil
}

func (c *fakeClient) ReadCharacteristic(char device.Characteristic) ([]byte, error) {
	return c.values[char.UUID()], nil
}

func (c *fakeClient) CancelConnection() error {
	c.once.Do(func() { close(c.disconnected) })
	return nil
}

func (c *fakeClient) Disconnected() <-chan struct{} { return c.disconnected }

// fakeCentral reports a fixed adapter state, replays advertisements on every
// scan and dials a single client.
type fakeCentral struct {
	state   device.AdapterState
	adverts []device.Advertisement
	client  device.Client
	dialErr error

	mu    sync.Mutex
	dials []string
}

func (f *fakeCentral) Init(stateChanged func(device.AdapterState)) error {
	stateChanged(f.state)
	if f.state != device.StatePoweredOn {
		return &device.AdapterError{State: f.state}
	}
	return nil
}

func (f *fakeCentral) Scan(ctx context.Context, _ bool, handler func(device.Advertisement)) error {
	for _, adv := range f.adverts {
		handler(adv)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeCentral) Dial(_ context.Context, address string) (device.Client, error) {
	f.mu.Lock()
	f.dials = append(f.dials, address)
	f.mu.Unlock()
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	return f.client, nil
}

func (f *fakeCentral) Stop() error { return nil }

func (f *fakeCentral) dialed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.dials...)
}

// CommandTestSuite swaps the platform central for a fake.
// All cmd/bletag test suites should embed it.
type CommandTestSuite struct {
	suite.Suite

	central         *fakeCentral
	originalCentral func(*logrus.Logger) device.Central
}

func (s *CommandTestSuite) SetupTest() {
	s.central = &fakeCentral{state: device.StatePoweredOn}
	s.originalCentral = newCentral
	newCentral = func(*logrus.Logger) device.Central { return s.central }
}

func (s *CommandTestSuite) TearDownTest() {
	newCentral = s.originalCentral
}

// newTestRoot builds a root command with the global flags and the given subcommand.
func newTestRoot(sub *cobra.Command) *cobra.Command {
	root := &cobra.Command{Use: "bletag", SilenceErrors: true}
	root.PersistentFlags().String("log-level", "", "")
	root.PersistentFlags().Bool("verbose", false, "")
	root.PersistentFlags().String("config", "", "")
	root.AddCommand(sub)
	return root
}

// ExecuteCommand runs a cobra command with args and stdin, returns output and error.
func (s *CommandTestSuite) ExecuteCommand(cmd *cobra.Command, stdin io.Reader, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	if stdin != nil {
		cmd.SetIn(stdin)
	}
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}
