package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blectx/internal/device"
	"github.com/srg/blectx/internal/gateway"
	"github.com/srg/blectx/internal/gateway/goble"
	"github.com/srg/blectx/pkg/blecontext"
	"github.com/srg/blectx/pkg/config"
	"golang.org/x/term"
)

// newGateway creates the adapter gateway; tests replace it with a mock
var newGateway = func(logger *logrus.Logger) gateway.Gateway {
	return goble.New(logger)
}

// session is one open BLE context for the duration of a command
type session struct {
	ctx    *blecontext.Context
	cfg    *config.Config
	logger *logrus.Logger
	out    io.Writer
}

// openSession loads the configuration, opens a context and silences usage output.
// The caller must Close the session.
func openSession(cmd *cobra.Command) (*session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return nil, err
	}

	// arguments are valid from here on
	cmd.SilenceUsage = true

	if !isTerminal(cmd.OutOrStdout()) {
		color.NoColor = true
	}

	ctx := blecontext.New(newGateway(logger), cfg, logger)
	if err := ctx.Open(); err != nil {
		return nil, err
	}
	return &session{ctx: ctx, cfg: cfg, logger: logger, out: cmd.OutOrStdout()}, nil
}

func (s *session) Close() {
	if err := s.ctx.Close(); err != nil {
		s.logger.WithError(err).Warn("Failed to close BLE context")
	}
}

// connect connects address and discovers its services
func (s *session) connect(address string, timeout time.Duration) (*device.Device, error) {
	if timeout <= 0 {
		timeout = s.cfg.DefaultConnectTimeout
	}
	dev := device.New(address)
	ok, err := s.ctx.Connect(dev, &blecontext.ConnectOptions{
		Timeout:          timeout,
		ServiceDiscovery: true,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s within %s", ErrNotConnected, dev, timeout)
	}
	return dev, nil
}

// disconnect drops the link of dev, logging instead of failing
func (s *session) disconnect(dev *device.Device) {
	if !dev.Connected() {
		return
	}
	if _, err := s.ctx.Disconnect(dev, s.cfg.DefaultConnectTimeout); err != nil {
		s.logger.WithError(err).WithField("address", dev.Address()).Warn("Failed to disconnect")
	}
}

// interruptContext is cancelled on Ctrl+C or SIGTERM, or after d when d is positive
func interruptContext(d time.Duration) (context.Context, context.CancelFunc) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if d > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), d)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// isTerminal reports whether w is an interactive terminal
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
