package main

import (
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"sync"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/srg/bletag/internal/coordinator"
)

// settingsCommand returns the command that opens the Bluetooth settings for goos.
func settingsCommand(goos string) []string {
	switch goos {
	case "darwin":
		return []string{"open", "x-apple.systempreferences:com.apple.preferences.Bluetooth"}
	case "windows":
		return []string{"cmd", "/c", "start", "ms-settings:bluetooth"}
	default:
		return []string{"xdg-open", "settings://bluetooth"}
	}
}

// launchSettings starts the settings opener without waiting for it. Tests replace it.
var launchSettings = func(args []string) error {
	return exec.Command(args[0], args[1:]...).Start()
}

// terminalAlerter prints adapter alerts and optionally hands off to the
// system settings.
type terminalAlerter struct {
	mu           sync.Mutex
	out          io.Writer
	openSettings bool
	logger       *logrus.Logger
}

func newTerminalAlerter(out io.Writer, openSettings bool, logger *logrus.Logger) *terminalAlerter {
	return &terminalAlerter{out: out, openSettings: openSettings, logger: logger}
}

func (a *terminalAlerter) Alert(alert coordinator.Alert) {
	a.mu.Lock()
	defer a.mu.Unlock()

	warn := color.New(color.FgYellow, color.Bold)
	fmt.Fprintln(a.out)
	warn.Fprintf(a.out, "! %s\n", alert.Title)
	fmt.Fprintf(a.out, "  %s\n", alert.Message)

	args := settingsCommand(runtime.GOOS)
	if !a.openSettings {
		fmt.Fprintf(a.out, "  Settings: %s (or rerun with --open-settings)\n", args[len(args)-1])
		return
	}

	if err := launchSettings(args); err != nil {
		a.logger.WithError(err).Warn("Failed to open Bluetooth settings")
		fmt.Fprintf(a.out, "  Could not open settings: %v\n", err)
		return
	}
	fmt.Fprintln(a.out, "  Opening Bluetooth settings...")
}
