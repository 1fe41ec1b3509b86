package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/bletag/internal/device"
	"github.com/srg/bletag/scanner"
)

// browseCmd represents the browse command
var browseCmd = &cobra.Command{
	Use:   "browse",
	Short: "Interactively browse devices and connect to them",
	Long: `Show the list of BLE devices in range and connect to them interactively.

Type a row number and press Enter to connect to that device, or to disconnect
if it is already connected. After connecting, every characteristic is read
once and shown under the row.

  s   scan again for another scan window
  q   quit`,
	Args: cobra.NoArgs,
	RunE: runBrowse,
}

const browseRenderInterval = 250 * time.Millisecond

var (
	browseWindow       time.Duration
	browseRSSI         int
	browseOpenSettings bool
)

func init() {
	addBrowseFlags(browseCmd)
}

func addBrowseFlags(cmd *cobra.Command) {
	cmd.Flags().DurationVarP(&browseWindow, "window", "w", scanner.DefaultScanWindow, "Scan window (0 scans until quit)")
	cmd.Flags().IntVar(&browseRSSI, "rssi", scanner.DefaultRSSIThreshold, "List only devices with a stronger signal (dBm)")
	cmd.Flags().BoolVar(&browseOpenSettings, "open-settings", false, "Open the Bluetooth settings when Bluetooth is unavailable")
}

func runBrowse(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("window") {
		cfg.ScanWindow = browseWindow
	}
	if cmd.Flags().Changed("rssi") {
		cfg.RSSIThreshold = browseRSSI
	}
	if cmd.Flags().Changed("open-settings") {
		cfg.OpenSettings = browseOpenSettings
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
	ctx, stop := withInterrupt(cmdContext(cmd), out, "browse")
	defer stop()

	sess := newSession(cfg, logger, out)
	screen := scanner.NewScanner(sess.coord, &scanner.ScanOptions{
		Window:        cfg.ScanWindow,
		RSSIThreshold: cfg.RSSIThreshold,
	}, logger)
	screen.Open()
	defer screen.Close()

	if err := sess.start(ctx); err != nil {
		return err
	}
	defer sess.close()

	b := &browser{out: out, screen: screen, clear: isTerminal(out), status: "Scanning..."}
	return b.run(ctx, readLines(ctx, cmd.InOrStdin()))
}

// readLines delivers input lines until EOF, then closes the channel.
func readLines(ctx context.Context, in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

type browser struct {
	out    io.Writer
	screen *scanner.Scanner
	clear  bool
	status string
}

func (b *browser) run(ctx context.Context, lines <-chan string) error {
	ticker := time.NewTicker(browseRenderInterval)
	defer ticker.Stop()

	b.render()
	dirty := false

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev := <-b.screen.Events():
			if ev.Type == scanner.EventScanStopped {
				b.status = "Scan stopped"
			}
			dirty = true

		case <-ticker.C:
			if dirty {
				b.render()
				dirty = false
			}

		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := b.handleInput(line); quit {
				return nil
			}
			b.render()
			dirty = false
		}
	}
}

// handleInput applies one command line and reports whether to quit.
func (b *browser) handleInput(line string) bool {
	line = strings.TrimSpace(line)
	switch strings.ToLower(line) {
	case "":
		return false
	case "q", "quit", "exit":
		return true
	case "s", "scan":
		b.screen.Rescan()
		b.status = "Scanning..."
		return false
	}

	row, err := strconv.Atoi(line)
	if err != nil {
		b.status = fmt.Sprintf("Unknown command %q: type a row number, s or q", line)
		return false
	}
	if err := b.screen.Select(row - 1); err != nil {
		b.status = err.Error()
		return false
	}
	b.status = fmt.Sprintf("Row %d selected", row)
	return false
}

var (
	connectedColor  = color.New(color.FgGreen, color.Bold)
	connectingColor = color.New(color.FgYellow)
	dimColor        = color.New(color.Faint)
)

func stateLabel(state device.LinkState) string {
	switch state {
	case device.Connected:
		return connectedColor.Sprint(state.String())
	case device.Connecting:
		return connectingColor.Sprint(state.String())
	default:
		return dimColor.Sprint(state.String())
	}
}

func (b *browser) render() {
	if b.clear {
		clearScreen(b.out)
	}

	devices := b.screen.Devices()
	fmt.Fprintf(b.out, "Bluetooth: %s | %d device(s) | %s\n", b.screen.AdapterState(), len(devices), b.status)
	fmt.Fprintln(b.out, strings.Repeat("-", 72))

	if len(devices) == 0 {
		fmt.Fprintln(b.out, "No devices in range yet")
	}
	for i, e := range devices {
		fmt.Fprintf(b.out, "%3d. %-20s %s %4d dBm  %s\n", i+1, truncate(e.DisplayName(), 20), e.Address, e.RSSI, stateLabel(e.State))
		if e.State != device.Connected || e.Values == nil {
			continue
		}
		for pair := e.Values.Oldest(); pair != nil; pair = pair.Next() {
			fmt.Fprintf(b.out, "       %s: %s\n", charLabel(pair.Key), formatValue(pair.Value))
		}
	}

	fmt.Fprintln(b.out, strings.Repeat("-", 72))
	fmt.Fprint(b.out, "[#] connect/disconnect  [s] scan  [q] quit > ")
}
