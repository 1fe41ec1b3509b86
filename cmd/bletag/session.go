package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/bletag/internal/coordinator"
	"github.com/srg/bletag/internal/device"
	goble "github.com/srg/bletag/internal/device/go-ble"
	"github.com/srg/bletag/pkg/config"
)

// newCentral creates the platform BLE central. Tests replace it.
var newCentral = func(logger *logrus.Logger) device.Central {
	return goble.NewCentral(logger)
}

// session owns the coordinator shared by all commands.
type session struct {
	cfg     *config.Config
	logger  *logrus.Logger
	alerter *terminalAlerter
	coord   *coordinator.Coordinator
}

func newSession(cfg *config.Config, logger *logrus.Logger, out io.Writer) *session {
	alerter := newTerminalAlerter(out, cfg.OpenSettings, logger)
	coord := coordinator.New(newCentral(logger), alerter, logger, coordinator.Options{
		AllowDuplicates: cfg.AllowDuplicates,
		ConnectTimeout:  cfg.ConnectTimeout,
		ReprobeInterval: cfg.ReprobeInterval,
	})
	return &session{cfg: cfg, logger: logger, alerter: alerter, coord: coord}
}

func (s *session) start(ctx context.Context) error {
	if err := s.coord.Start(ctx); err != nil {
		return fmt.Errorf("failed to start BLE coordinator: %w", err)
	}
	return nil
}

// flush waits for events already queued on the coordinator to be delivered.
func (s *session) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.coord.Sync(ctx); err != nil {
		s.logger.WithError(err).Debug("Coordinator flush incomplete")
	}
}

// adapterError reports an unavailable adapter as an error.
func (s *session) adapterError() error {
	state, ok := s.coord.State()
	if ok && state.Unavailable() {
		return &device.AdapterError{State: state}
	}
	return nil
}

func (s *session) close() {
	if err := s.coord.Close(); err != nil {
		s.logger.WithError(err).Warn("Failed to close BLE coordinator")
	}
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// withInterrupt cancels the returned context on Ctrl+C or SIGTERM.
func withInterrupt(parent context.Context, out io.Writer, what string) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintf(out, "\nCtrl+C pressed, cancelling %s...\n", what)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}
