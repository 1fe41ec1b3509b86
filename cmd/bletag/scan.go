package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/bletag/internal/device"
	"github.com/srg/bletag/pkg/config"
	"github.com/srg/bletag/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices in range",
	Long: `Scan for and list Bluetooth Low Energy devices in range.

Scanning starts as soon as Bluetooth is powered on and stops after the scan
window. Only devices with a signal stronger than the RSSI threshold are
listed, in the order they were discovered.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanWindow       time.Duration
	scanRSSI         int
	scanFormat       string
	scanServices     []string
	scanAllowList    []string
	scanBlockList    []string
	scanNoDuplicates bool
	scanOpenSettings bool
)

func init() {
	addScanFlags(scanCmd)
}

func addScanFlags(cmd *cobra.Command) {
	cmd.Flags().DurationVarP(&scanWindow, "window", "w", scanner.DefaultScanWindow, "Scan window (0 scans until Ctrl+C)")
	cmd.Flags().IntVar(&scanRSSI, "rssi", scanner.DefaultRSSIThreshold, "List only devices with a stronger signal (dBm)")
	cmd.Flags().StringVarP(&scanFormat, "format", "f", config.FormatTable, "Output format (table, json)")
	cmd.Flags().StringSliceVarP(&scanServices, "services", "s", nil, "Filter by advertised service UUIDs")
	cmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only list devices with these addresses")
	cmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Hide devices with these addresses")
	cmd.Flags().BoolVar(&scanNoDuplicates, "no-duplicates", false, "Report only the first advertisement per device")
	cmd.Flags().BoolVar(&scanOpenSettings, "open-settings", false, "Open the Bluetooth settings when Bluetooth is unavailable")
}

// applyScanFlags overrides config values with flags the user set explicitly.
func applyScanFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("window") {
		cfg.ScanWindow = scanWindow
	}
	if flags.Changed("rssi") {
		cfg.RSSIThreshold = scanRSSI
	}
	if flags.Changed("format") {
		cfg.OutputFormat = scanFormat
	}
	if flags.Changed("no-duplicates") {
		cfg.AllowDuplicates = !scanNoDuplicates
	}
	if flags.Changed("open-settings") {
		cfg.OpenSettings = scanOpenSettings
	}
}

// scanOptions builds the screen options from the config and filter flags.
func scanOptions(cfg *config.Config) (*scanner.ScanOptions, error) {
	opts := &scanner.ScanOptions{
		Window:        cfg.ScanWindow,
		RSSIThreshold: cfg.RSSIThreshold,
		AllowList:     scanAllowList,
		BlockList:     scanBlockList,
	}

	// Validate and normalize service UUIDs if provided
	if len(scanServices) > 0 {
		uuids, err := device.ValidateUUID(scanServices...)
		if err != nil {
			return nil, fmt.Errorf("invalid service UUID: %w", err)
		}
		opts.ServiceUUIDs = uuids
	}
	return opts, nil
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyScanFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	opts, err := scanOptions(cfg)
	if err != nil {
		return err
	}

	// Configure logger based on --log-level and --verbose flags
	logger, err := configureLogger(cmd, "verbose", cfg)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	out := cmd.OutOrStdout()
	ctx, stop := withInterrupt(cmdContext(cmd), out, "scan")
	defer stop()

	sess := newSession(cfg, logger, out)
	screen := scanner.NewScanner(sess.coord, opts, logger)
	screen.Open()
	defer screen.Close()

	if err := sess.start(ctx); err != nil {
		return err
	}
	defer sess.close()

	progress := NewProgressPrinter(out, "Scanning for BLE devices", "Scanning", cfg.ScanWindow, "Processing results")
	progress.Start()
	waitScanWindow(ctx, screen)
	progress.Callback()("Processing results")
	progress.Stop()

	sess.flush()
	devices := screen.Devices()
	logger.WithField("device_count", len(devices)).Info("BLE scan completed")

	if err := displayDevices(out, devices, cfg.OutputFormat); err != nil {
		return err
	}
	if len(devices) == 0 {
		return sess.adapterError()
	}
	return nil
}

// waitScanWindow blocks until the screen's scan window elapses or ctx is done.
func waitScanWindow(ctx context.Context, screen *scanner.Scanner) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-screen.Events():
			if ev.Type == scanner.EventScanStopped {
				return
			}
		}
	}
}
