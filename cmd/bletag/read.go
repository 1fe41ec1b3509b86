package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/bletag/internal/bledb"
	"github.com/srg/bletag/internal/coordinator"
	"github.com/srg/bletag/internal/device"
	"github.com/srg/bletag/pkg/config"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// readCmd represents the read command
var readCmd = &cobra.Command{
	Use:   "read <device-address>",
	Short: "Connect to a device and read all its characteristics once",
	Long: `Connect to a BLE device, discover all services and characteristics,
read every characteristic once and print the values, then disconnect.

Values are printed as text when they are printable UTF-8, otherwise as hex.
Characteristics that cannot be read are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: runRead,
}

var (
	readTimeout        time.Duration
	readConnectTimeout time.Duration
	readFormat         string
	readOpenSettings   bool
)

func init() {
	addReadFlags(readCmd)
}

func addReadFlags(cmd *cobra.Command) {
	cmd.Flags().DurationVarP(&readTimeout, "timeout", "t", 30*time.Second, "Overall timeout")
	cmd.Flags().DurationVar(&readConnectTimeout, "connect-timeout", 0, "Connection timeout (0 uses the config value)")
	cmd.Flags().StringVarP(&readFormat, "format", "f", config.FormatTable, "Output format (table, json)")
	cmd.Flags().BoolVar(&readOpenSettings, "open-settings", false, "Open the Bluetooth settings when Bluetooth is unavailable")
}

func runRead(cmd *cobra.Command, args []string) error {
	address := strings.TrimSpace(args[0])
	if address == "" {
		return fmt.Errorf("device address must not be empty")
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("format") {
		cfg.OutputFormat = readFormat
	}
	if readConnectTimeout > 0 {
		cfg.ConnectTimeout = readConnectTimeout
	}
	if cmd.Flags().Changed("open-settings") {
		cfg.OpenSettings = readOpenSettings
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := configureLogger(cmd, "verbose", cfg)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	out := cmd.OutOrStdout()
	ctx, stop := withInterrupt(cmdContext(cmd), out, "read")
	defer stop()
	if readTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, readTimeout)
		defer cancel()
	}

	progress := NewProgressPrinter(out, fmt.Sprintf("Reading %s", address), "Connecting", 0, "Done")

	sess := newSession(cfg, logger, out)
	collector := newReadCollector(address, sess.coord, logger)
	collector.onPhase = progress.Callback()
	sess.coord.SetListener(collector)

	if err := sess.start(ctx); err != nil {
		return err
	}
	defer sess.close()

	progress.Start()
	err = collector.wait(ctx)
	progress.Callback()("Done")
	progress.Stop()
	if err != nil {
		return err
	}

	values := collector.result()
	if values.Len() == 0 {
		return ErrNoValues
	}
	if cfg.OutputFormat == config.FormatJSON {
		return displayReadJSON(out, address, values)
	}
	displayReadTable(out, address, values)
	return nil
}

// connector is the part of the coordinator the read command drives.
type connector interface {
	StopScanning()
	Connect(address string)
}

// readCollector is the listener behind the read command: it connects once
// the adapter is powered on and gathers values until the reads complete.
type readCollector struct {
	coordinator.NopListener

	address string
	ctrl    connector
	logger  *logrus.Logger
	onPhase func(string)

	mu         sync.Mutex
	requested  bool
	values     *orderedmap.OrderedMap[string, *orderedmap.OrderedMap[string, []byte]]
	done       chan struct{}
	finishOnce sync.Once
	err        error
}

func newReadCollector(address string, ctrl connector, logger *logrus.Logger) *readCollector {
	return &readCollector{
		address: address,
		ctrl:    ctrl,
		logger:  logger,
		values:  orderedmap.New[string, *orderedmap.OrderedMap[string, []byte]](),
		done:    make(chan struct{}),
	}
}

func (r *readCollector) finish(err error) {
	r.finishOnce.Do(func() {
		r.mu.Lock()
		r.err = err
		r.mu.Unlock()
		close(r.done)
	})
}

func (r *readCollector) phase(p string) {
	if r.onPhase != nil {
		r.onPhase(p)
	}
}

// wait blocks until the reads finished, the connection failed or ctx is done.
func (r *readCollector) wait(ctx context.Context) error {
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// result returns the collected values: service UUID -> characteristic UUID -> value.
func (r *readCollector) result() *orderedmap.OrderedMap[string, *orderedmap.OrderedMap[string, []byte]] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.values
}

func (r *readCollector) AdapterStateChanged(state device.AdapterState) {
	if state.Unavailable() {
		r.finish(&device.AdapterError{State: state})
		return
	}
	if state != device.StatePoweredOn {
		return
	}

	r.mu.Lock()
	first := !r.requested
	r.requested = true
	r.mu.Unlock()
	if !first {
		return
	}

	r.ctrl.StopScanning()
	r.ctrl.Connect(r.address)
}

func (r *readCollector) PeripheralConnected(address string) {
	if address != r.address {
		return
	}
	r.phase("Reading")
}

func (r *readCollector) PeripheralConnectFailed(address string, err error) {
	if address != r.address {
		return
	}
	r.finish(fmt.Errorf("failed to connect to device with address %q: %w", address, err))
}

func (r *readCollector) PeripheralDisconnected(address string, err error) {
	if address != r.address {
		return
	}
	if err == nil {
		err = device.ErrConnectionLost
	}
	r.finish(fmt.Errorf("device %q disconnected before all reads completed: %w", address, err))
}

func (r *readCollector) CharacteristicValueUpdated(address string, char device.Characteristic, value []byte) {
	if address != r.address {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.values.Get(char.ServiceUUID())
	if !ok {
		svc = orderedmap.New[string, []byte]()
		r.values.Set(char.ServiceUUID(), svc)
	}
	svc.Set(char.UUID(), value)
}

func (r *readCollector) CharacteristicReadsCompleted(address string) {
	if address != r.address {
		return
	}
	r.logger.WithField("address", address).Debug("All characteristic reads completed")
	r.finish(nil)
}

func serviceLabel(uuid string) string {
	if name := bledb.LookupService(uuid); name != "" {
		return fmt.Sprintf("%s (%s)", uuid, name)
	}
	return uuid
}

func displayReadTable(w io.Writer, address string, values *orderedmap.OrderedMap[string, *orderedmap.OrderedMap[string, []byte]]) {
	fmt.Fprintf(w, "Device %s\n", address)
	for svc := values.Oldest(); svc != nil; svc = svc.Next() {
		fmt.Fprintf(w, "\nService %s\n", serviceLabel(svc.Key))
		for ch := svc.Value.Oldest(); ch != nil; ch = ch.Next() {
			fmt.Fprintf(w, "  %s: %s\n", charLabel(ch.Key), formatValue(ch.Value))
		}
	}
}

func displayReadJSON(w io.Writer, address string, values *orderedmap.OrderedMap[string, *orderedmap.OrderedMap[string, []byte]]) error {
	services := orderedmap.New[string, *orderedmap.OrderedMap[string, string]]()
	for svc := values.Oldest(); svc != nil; svc = svc.Next() {
		chars := orderedmap.New[string, string]()
		for ch := svc.Value.Oldest(); ch != nil; ch = ch.Next() {
			chars.Set(ch.Key, formatValue(ch.Value))
		}
		services.Set(svc.Key, chars)
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(struct {
		Address  string                                                                 `json:"address"`
		Services *orderedmap.OrderedMap[string, *orderedmap.OrderedMap[string, string]] `json:"services"`
	}{Address: address, Services: services})
}
