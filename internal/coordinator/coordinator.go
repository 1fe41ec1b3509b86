// Package coordinator drives the local BLE central: it reacts to adapter state
// changes, runs scans, connects to peripherals, reads their characteristics
// once and relays everything to a single Listener.
//
// All coordinator state is owned by one serial loop goroutine. Public
// operations only enqueue work on that loop and return immediately; results
// arrive through the Listener.
package coordinator

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/bletag/internal/device"
	"github.com/srg/bletag/internal/groutine"
)

// DefaultCloseTimeout bounds how long Close waits for in-flight teardown.
const DefaultCloseTimeout = 5 * time.Second

// Options configures a Coordinator.
type Options struct {
	// AllowDuplicates reports every advertisement instead of the first per device.
	AllowDuplicates bool
	// ConnectTimeout aborts a connection attempt; zero waits until Disconnect or Close.
	ConnectTimeout time.Duration
	// ReprobeInterval re-reads the adapter state while it is not powered on; zero disables it.
	ReprobeInterval time.Duration
}

// Coordinator wraps a device.Central and tracks at most one connected peripheral.
type Coordinator struct {
	central device.Central
	alerter Alerter
	logger  *logrus.Logger
	opts    Options

	queue *taskQueue

	// Owned by the loop goroutine.
	listener      Listener
	state         device.AdapterState
	stateKnown    bool
	scanCancel    context.CancelFunc
	scanGen       uint64
	reprobeCancel context.CancelFunc
	pending       map[string]context.CancelFunc
	closing       map[string]struct{}

	// Live client handles; written on the loop, Connected reads it from any goroutine.
	clients *hashmap.Map[string, device.Client]

	connected    atomic.Pointer[string]
	stateValue   atomic.Int32
	reportedOnce atomic.Bool
	probing      atomic.Bool

	// ctx scopes platform work and ends with the Start context or Close.
	// The loop runs until Close only, so teardown always has a loop to run on.
	ctx       context.Context
	cancel    context.CancelFunc
	stopLoop  context.CancelFunc
	started   atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Coordinator. Nothing happens until Start is called.
func New(central device.Central, alerter Alerter, logger *logrus.Logger, opts Options) *Coordinator {
	if logger == nil {
		logger = logrus.New()
	}
	if alerter == nil {
		alerter = AlerterFunc(func(Alert) {})
	}

	return &Coordinator{
		central:  central,
		alerter:  alerter,
		logger:   logger,
		opts:     opts,
		queue:    newTaskQueue(),
		listener: NopListener{},
		pending:  make(map[string]context.CancelFunc),
		closing:  make(map[string]struct{}),
		clients:  hashmap.New[string, device.Client](),
		done:     make(chan struct{}),
	}
}

// Start runs the serial loop and probes the adapter. The adapter state is
// reported asynchronously; PoweredOn starts scanning on its own.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("coordinator already started")
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	loopCtx, stopLoop := context.WithCancel(context.WithoutCancel(ctx))
	c.stopLoop = stopLoop
	groutine.Go(loopCtx, "coordinator-loop", c.run)

	c.ProbeAdapter()
	return nil
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.done)
	c.logger.WithField("goroutine", groutine.GetName(ctx)).Debug("Coordinator loop started")

	for {
		task, ok := c.queue.pop(ctx)
		if !ok {
			c.logger.Debug("Coordinator loop stopped")
			return
		}
		task()
	}
}

func (c *Coordinator) post(fn func()) {
	c.queue.push(fn)
}

// Sync waits until every task queued before the call has run.
func (c *Coordinator) Sync(ctx context.Context) error {
	if !c.started.Load() {
		return errors.New("coordinator not started")
	}

	ch := make(chan struct{})
	c.post(func() { close(ch) })

	select {
	case <-ch:
		return nil
	case <-c.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetListener registers the listener that receives all events.
func (c *Coordinator) SetListener(l Listener) {
	if l == nil {
		l = NopListener{}
	}
	c.post(func() { c.listener = l })
}

// ProbeAdapter asks the platform for the current adapter state again.
// A probe already in flight absorbs the call.
func (c *Coordinator) ProbeAdapter() {
	if !c.probing.CompareAndSwap(false, true) {
		return
	}
	groutine.Go(c.ctx, "ble-adapter-probe", func(context.Context) {
		defer c.probing.Store(false)
		err := c.central.Init(func(state device.AdapterState) {
			c.post(func() { c.handleStateChange(state) })
		})
		if err != nil {
			c.logger.WithError(err).Debug("BLE adapter is not available")
		}
	})
}

// State returns the last reported adapter state; ok is false before the first report.
func (c *Coordinator) State() (device.AdapterState, bool) {
	return device.AdapterState(c.stateValue.Load()), c.reportedOnce.Load()
}

// Connected returns the address of the currently connected peripheral.
func (c *Coordinator) Connected() (string, bool) {
	p := c.connected.Load()
	if p == nil {
		return "", false
	}
	if _, live := c.clients.Get(*p); !live {
		return "", false
	}
	return *p, true
}

// StartScanning begins listening for advertisements. It is a logged no-op
// unless the adapter is powered on.
func (c *Coordinator) StartScanning() {
	c.post(c.startScanning)
}

// StopScanning stops listening for advertisements.
func (c *Coordinator) StopScanning() {
	c.post(c.stopScanning)
}

// Connect requests a connection; the outcome arrives as PeripheralConnected
// or PeripheralConnectFailed.
func (c *Coordinator) Connect(address string) {
	c.post(func() { c.connect(address) })
}

// Disconnect tears down a connection or aborts a pending connection attempt.
func (c *Coordinator) Disconnect(address string) {
	c.post(func() { c.disconnect(address) })
}

// Close stops scanning, aborts pending connects, cancels live connections and
// stops the loop.
func (c *Coordinator) Close() error {
	if !c.started.Load() {
		return nil
	}

	c.closeOnce.Do(func() {
		flushed := make(chan struct{})
		c.post(func() {
			c.shutdown()
			close(flushed)
		})

		select {
		case <-flushed:
		case <-time.After(DefaultCloseTimeout):
			c.logger.Warn("Timed out waiting for BLE teardown")
		}

		c.cancel()
		c.stopLoop()
		<-c.done
	})
	return nil
}

// ----------------------------
// Loop-side handlers
// ----------------------------

func (c *Coordinator) handleStateChange(state device.AdapterState) {
	if c.stateKnown && state == c.state {
		c.logger.WithField("state", state).Debug("Adapter state unchanged")
		return
	}

	previous := c.state
	wasKnown := c.stateKnown
	c.state, c.stateKnown = state, true
	c.stateValue.Store(int32(state))
	c.reportedOnce.Store(true)

	c.logger.WithField("state", state).Info("Bluetooth adapter state changed")

	if wasKnown && previous == device.StatePoweredOn {
		c.stopScanning()
	}

	c.listener.AdapterStateChanged(state)

	switch {
	case state == device.StatePoweredOn:
		c.stopReprobe()
		c.startScanning()
		return
	case state == device.StateResetting:
		c.logger.Info("Bluetooth adapter is resetting")
	case state.Unavailable():
		c.alerter.Alert(AlertFor(state))
	}
	c.startReprobe()
}

// startReprobe polls the adapter until it reports PoweredOn. go-ble has no
// state-change notification, so polling is the only way to see it come back.
func (c *Coordinator) startReprobe() {
	if c.opts.ReprobeInterval <= 0 || c.reprobeCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(c.ctx)
	c.reprobeCancel = cancel
	c.logger.WithField("interval", c.opts.ReprobeInterval).Debug("Watching for the adapter to power on")

	groutine.Go(ctx, "ble-adapter-reprobe", func(ctx context.Context) {
		ticker := time.NewTicker(c.opts.ReprobeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.ProbeAdapter()
			}
		}
	})
}

func (c *Coordinator) stopReprobe() {
	if c.reprobeCancel == nil {
		return
	}
	c.reprobeCancel()
	c.reprobeCancel = nil
}

func (c *Coordinator) startScanning() {
	if !c.stateKnown || c.state != device.StatePoweredOn {
		c.logger.Warn("Bluetooth is not powered on")
		return
	}
	if c.scanCancel != nil {
		c.logger.Debug("Scan already running")
		return
	}

	scanCtx, cancel := context.WithCancel(c.ctx)
	c.scanCancel = cancel
	c.scanGen++
	gen := c.scanGen

	c.logger.WithField("allow_duplicates", c.opts.AllowDuplicates).Info("Starting BLE scan...")

	groutine.Go(scanCtx, "ble-scan", func(ctx context.Context) {
		err := c.central.Scan(ctx, c.opts.AllowDuplicates, func(adv device.Advertisement) {
			c.post(func() { c.handleDiscovery(gen, adv) })
		})
		c.post(func() { c.scanFinished(gen, err) })
	})
}

func (c *Coordinator) stopScanning() {
	if c.scanCancel == nil {
		return
	}
	c.scanCancel()
	c.scanCancel = nil
	c.logger.Info("BLE scan stopped")
}

func (c *Coordinator) scanFinished(gen uint64, err error) {
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		c.logger.WithError(err).Error("BLE scan failed")
	}
	if gen == c.scanGen && c.scanCancel != nil {
		c.scanCancel()
		c.scanCancel = nil
	}
}

func (c *Coordinator) handleDiscovery(gen uint64, adv device.Advertisement) {
	if c.scanCancel == nil || gen != c.scanGen {
		return
	}

	if mfg := adv.ManufacturerData(); len(mfg) > 0 {
		c.logger.WithFields(logrus.Fields{
			"address":           adv.Addr(),
			"manufacturer_data": device.DescribeManufacturerData(mfg),
		}).Debug("Manufacturer data")
	}

	c.listener.PeripheralDiscovered(adv)
}

func (c *Coordinator) connect(address string) {
	if _, ok := c.pending[address]; ok {
		c.logger.WithField("address", address).Debug("Connection attempt already in progress")
		return
	}
	if _, ok := c.clients.Get(address); ok {
		c.logger.WithField("address", address).Warn("Connection attempt while already connected")
		return
	}

	var (
		dialCtx context.Context
		cancel  context.CancelFunc
	)
	if c.opts.ConnectTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(c.ctx, c.opts.ConnectTimeout)
	} else {
		dialCtx, cancel = context.WithCancel(c.ctx)
	}
	c.pending[address] = cancel

	c.logger.WithFields(logrus.Fields{
		"address": address,
		"timeout": c.opts.ConnectTimeout,
	}).Info("Connecting to BLE device...")

	groutine.Go(dialCtx, "ble-dial", func(ctx context.Context) {
		client, err := c.central.Dial(ctx, address)
		c.post(func() { c.dialFinished(address, client, err) })
	})
}

func (c *Coordinator) dialFinished(address string, client device.Client, err error) {
	cancel, wasPending := c.pending[address]
	delete(c.pending, address)
	if cancel != nil {
		cancel()
	}
	_, aborted := c.closing[address]
	delete(c.closing, address)

	if err != nil {
		if aborted {
			c.logger.WithField("address", address).Info("Connection attempt cancelled")
			c.listener.PeripheralDisconnected(address, nil)
			return
		}
		c.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Error("Failed to connect")
		c.listener.PeripheralConnectFailed(address, err)
		return
	}

	if !wasPending || aborted {
		// Disconnect raced with a successful dial: drop the link right away.
		groutine.Go(context.Background(), "ble-disconnect", func(context.Context) {
			if cerr := client.CancelConnection(); cerr != nil {
				c.logger.WithError(cerr).Warn("Failed to cancel connection")
			}
		})
		c.listener.PeripheralDisconnected(address, nil)
		return
	}

	c.clients.Set(address, client)
	c.connected.Store(&address)

	c.logger.WithField("address", address).Info("BLE device connected successfully")
	c.listener.PeripheralConnected(address)

	groutine.Go(c.ctx, "ble-connection-monitor", func(ctx context.Context) {
		select {
		case <-client.Disconnected():
			c.post(func() { c.handleLinkDown(address, client, device.ErrConnectionLost) })
		case <-ctx.Done():
		}
	})
	groutine.Go(c.ctx, "ble-gatt-discovery", func(ctx context.Context) {
		c.discoverAndRead(ctx, address, client)
		if ctx.Err() == nil {
			c.post(func() { c.readsCompleted(address, client) })
		}
	})
}

// discoverAndRead enumerates every service and characteristic and reads each
// characteristic once. Failures are logged and the affected step is skipped.
// Runs outside the loop; values are posted back to it.
func (c *Coordinator) discoverAndRead(ctx context.Context, address string, client device.Client) {
	log := c.logger.WithField("address", address)

	services, err := client.DiscoverServices()
	if err != nil {
		log.WithError(err).Error("Error discovering services")
		return
	}

	for _, svc := range services {
		if ctx.Err() != nil {
			return
		}

		chars, err := client.DiscoverCharacteristics(svc)
		if err != nil {
			log.WithFields(logrus.Fields{
				"service_uuid": svc.UUID(),
				"error":        err,
			}).Error("Error discovering characteristics")
			continue
		}

		for _, ch := range chars {
			if ctx.Err() != nil {
				return
			}
			value, err := client.ReadCharacteristic(ch)
			if err != nil {
				log.WithFields(logrus.Fields{
					"service_uuid": svc.UUID(),
					"char_uuid":    ch.UUID(),
					"error":        err,
				}).Warn("Error reading characteristic")
				continue
			}
			c.post(func() { c.handleValue(address, client, ch, value) })
		}
	}
}

func (c *Coordinator) handleValue(address string, client device.Client, ch device.Characteristic, value []byte) {
	if current, ok := c.clients.Get(address); !ok || current != client {
		return
	}

	fields := logrus.Fields{
		"address":   address,
		"char_uuid": ch.UUID(),
	}
	if utf8.Valid(value) {
		fields["value"] = string(value)
		c.logger.WithFields(fields).Info("Received data")
	} else {
		fields["value_hex"] = hex.EncodeToString(value)
		c.logger.WithFields(fields).Debug("Received binary data")
	}

	c.listener.CharacteristicValueUpdated(address, ch, value)
}

func (c *Coordinator) readsCompleted(address string, client device.Client) {
	if current, ok := c.clients.Get(address); !ok || current != client {
		return
	}

	c.logger.WithField("address", address).Debug("Characteristic reads completed")
	if l, ok := c.listener.(ReadsCompletedListener); ok {
		l.CharacteristicReadsCompleted(address)
	}
}

func (c *Coordinator) disconnect(address string) {
	if cancel, ok := c.pending[address]; ok {
		c.closing[address] = struct{}{}
		cancel()
		return
	}

	client, ok := c.clients.Get(address)
	if !ok {
		c.logger.WithField("address", address).Debug("Disconnect called but not connected")
		return
	}
	if _, ok := c.closing[address]; ok {
		return
	}
	c.closing[address] = struct{}{}

	c.logger.WithField("address", address).Info("Disconnecting BLE device...")
	groutine.Go(context.Background(), "ble-disconnect", func(context.Context) {
		if err := client.CancelConnection(); err != nil {
			c.logger.WithFields(logrus.Fields{
				"address": address,
				"error":   err,
			}).Warn("BLE device disconnected with errors")
		}
		c.post(func() { c.handleLinkDown(address, client, nil) })
	})
}

// handleLinkDown runs once per connection, whichever of the disconnect
// request or the platform notification arrives first.
func (c *Coordinator) handleLinkDown(address string, client device.Client, cause error) {
	current, ok := c.clients.Get(address)
	if !ok || current != client {
		return
	}
	c.clients.Del(address)

	if _, requested := c.closing[address]; requested {
		delete(c.closing, address)
		cause = nil
	}

	if p := c.connected.Load(); p != nil && *p == address {
		c.connected.Store(nil)
	}

	c.logger.WithFields(logrus.Fields{
		"address": address,
		"cause":   cause,
	}).Info("BLE device disconnected")
	c.listener.PeripheralDisconnected(address, cause)
}

func (c *Coordinator) shutdown() {
	c.stopReprobe()
	c.stopScanning()

	for address, cancel := range c.pending {
		cancel()
		delete(c.pending, address)
	}

	var addresses []string
	c.clients.Range(func(address string, _ device.Client) bool {
		addresses = append(addresses, address)
		return true
	})

	for _, address := range addresses {
		client, ok := c.clients.Get(address)
		if !ok {
			continue
		}
		if err := client.CancelConnection(); err != nil {
			c.logger.WithFields(logrus.Fields{
				"address": address,
				"error":   err,
			}).Warn("BLE device disconnected with errors")
		}
		c.closing[address] = struct{}{}
		c.handleLinkDown(address, client, nil)
	}

	if err := c.central.Stop(); err != nil {
		c.logger.WithError(err).Debug("Failed to stop BLE central")
	}
}
