package coordinator_test

import (
	"context"
	"fmt"
	"sync"

	"github.com/srg/bletag/internal/coordinator"
	"github.com/srg/bletag/internal/device"
	"github.com/stretchr/testify/mock"
)

// fakeCentral records scans and lets tests drive adapter state and advertisements.
// Init and Dial go through mock.Mock so tests can script their results.
type fakeCentral struct {
	mock.Mock

	mu      sync.Mutex
	stateFn func(device.AdapterState)
	handler func(device.Advertisement)
	scans   int
	stops   int
	inits   int
}

func (f *fakeCentral) Init(stateChanged func(device.AdapterState)) error {
	f.mu.Lock()
	f.stateFn = stateChanged
	f.inits++
	f.mu.Unlock()

	args := f.Called()
	if st, ok := args.Get(0).(device.AdapterState); ok {
		stateChanged(st)
	}
	return args.Error(1)
}

func (f *fakeCentral) Scan(ctx context.Context, _ bool, handler func(device.Advertisement)) error {
	f.mu.Lock()
	f.handler = handler
	f.scans++
	f.mu.Unlock()

	<-ctx.Done()

	f.mu.Lock()
	f.handler = nil
	f.mu.Unlock()
	return ctx.Err()
}

func (f *fakeCentral) Dial(ctx context.Context, address string) (device.Client, error) {
	args := f.Called(ctx, address)
	client, _ := args.Get(0).(device.Client)
	return client, args.Error(1)
}

func (f *fakeCentral) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeCentral) initCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inits
}

func (f *fakeCentral) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

func (f *fakeCentral) setState(state device.AdapterState) {
	f.mu.Lock()
	fn := f.stateFn
	f.mu.Unlock()
	fn(state)
}

func (f *fakeCentral) advertise(adv device.Advertisement) bool {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h == nil {
		return false
	}
	h(adv)
	return true
}

func (f *fakeCentral) isScanning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler != nil
}

func (f *fakeCentral) scanCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scans
}

type mockClient struct {
	mock.Mock
	address      string
	disconnected chan struct{}
	once         sync.Once
}

func newMockClient(address string) *mockClient {
	return &mockClient{address: address, disconnected: make(chan struct{})}
}

func (m *mockClient) Address() string { return m.address }

func (m *mockClient) DiscoverServices() ([]device.Service, error) {
	args := m.Called()
	svcs, _ := args.Get(0).([]device.Service)
	return svcs, args.Error(1)
}

func (m *mockClient) DiscoverCharacteristics(svc device.Service) ([]device.Characteristic, error) {
	args := m.Called(svc)
	chars, _ := args.Get(0).([]device.Characteristic)
	return chars, args.Error(1)
}

func (m *mockClient) ReadCharacteristic(char device.Characteristic) ([]byte, error) {
	args := m.Called(char)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (m *mockClient) CancelConnection() error {
	err := m.Called().Error(0)
	m.dropLink()
	return err
}

func (m *mockClient) Disconnected() <-chan struct{} {
	return m.disconnected
}

func (m *mockClient) dropLink() {
	m.once.Do(func() { close(m.disconnected) })
}

type testService struct{ uuid string }

func (s testService) UUID() string { return s.uuid }

type testCharacteristic struct{ uuid, svc string }

func (c testCharacteristic) UUID() string        { return c.uuid }
func (c testCharacteristic) ServiceUUID() string { return c.svc }

type testAdvertisement struct {
	name  string
	addr  string
	rssi  int
	manuf []byte
}

func (a testAdvertisement) LocalName() string        { return a.name }
func (a testAdvertisement) ManufacturerData() []byte { return a.manuf }
func (a testAdvertisement) Services() []string       { return nil }
func (a testAdvertisement) Connectable() bool        { return true }
func (a testAdvertisement) RSSI() int                { return a.rssi }
func (a testAdvertisement) Addr() string             { return a.addr }

// recordingListener stores events as compact strings.
type recordingListener struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingListener) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recordingListener) AdapterStateChanged(state device.AdapterState) {
	r.add("state:%s", state)
}

func (r *recordingListener) PeripheralDiscovered(adv device.Advertisement) {
	r.add("discovered:%s", adv.Addr())
}

func (r *recordingListener) PeripheralConnected(address string) {
	r.add("connected:%s", address)
}

func (r *recordingListener) PeripheralConnectFailed(address string, err error) {
	r.add("failed:%s", address)
}

func (r *recordingListener) PeripheralDisconnected(address string, err error) {
	r.add("disconnected:%s:%v", address, err)
}

func (r *recordingListener) CharacteristicValueUpdated(address string, char device.Characteristic, value []byte) {
	r.add("value:%s:%s:%s", address, char.UUID(), value)
}

func (r *recordingListener) CharacteristicReadsCompleted(address string) {
	r.add("reads-done:%s", address)
}

func (r *recordingListener) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recordingListener) has(event string) bool {
	for _, e := range r.snapshot() {
		if e == event {
			return true
		}
	}
	return false
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []coordinator.Alert
}

func (r *recordingAlerter) Alert(a coordinator.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

func (r *recordingAlerter) titles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.alerts))
	for i, a := range r.alerts {
		out[i] = a.Title
	}
	return out
}
