package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/blectx/internal/device"
)

// subscribeCmd represents the subscribe command
var subscribeCmd = &cobra.Command{
	Use:   "subscribe <device-address> <char-uuid>",
	Short: "Stream notifications or indications of a characteristic",
	Long: fmt.Sprintf(`Enables notifications (or indications) on a characteristic and prints every
value until Ctrl+C or --duration elapses. The subscription is removed on exit.

Examples:
  # Heart rate measurements for one minute
  blectx subscribe %s 2a37 --duration 1m

  # Indications, printed as hex
  blectx subscribe %s 2a38 --indicate --hex

%s`, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(2),
	RunE: runSubscribe,
}

var (
	subscribeServiceUUID string
	subscribeIndicate    bool
	subscribeHex         bool
	subscribeDuration    time.Duration
	subscribeTimeout     time.Duration
)

func init() {
	subscribeCmd.Flags().StringVar(&subscribeServiceUUID, "service", "", "Service UUID (required if characteristic UUID is ambiguous)")
	subscribeCmd.Flags().BoolVar(&subscribeIndicate, "indicate", false, "Subscribe to indications instead of notifications")
	subscribeCmd.Flags().BoolVar(&subscribeHex, "hex", false, "Print values as hex")
	subscribeCmd.Flags().DurationVarP(&subscribeDuration, "duration", "d", 0, "Stop after this duration; until Ctrl+C when 0")
	subscribeCmd.Flags().DurationVar(&subscribeTimeout, "timeout", 0, "Connect timeout; configuration default when 0")
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	address, charUUID := args[0], args[1]

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	progress := startProgress(s.out, "Subscribing to "+charUUID+" on "+address, "connecting")
	dev, err := s.connect(address, subscribeTimeout)
	if err != nil {
		progress.Stop()
		return err
	}
	defer s.disconnect(dev)

	char, err := resolveCharacteristic(s.ctx.GattTable(), subscribeServiceUUID, charUUID)
	if err != nil {
		progress.Stop()
		return err
	}

	messages := make(chan device.Message, s.cfg.QueueCapacity)
	if err := s.ctx.SetTransferCallback(dev, char, func(m device.Message) {
		select {
		case messages <- m:
		default:
			s.logger.WithField("handle", m.AttributeHandle).Warn("Output is behind, value dropped")
		}
	}); err != nil {
		progress.Stop()
		return err
	}

	progress.Phase("enabling")
	if subscribeIndicate {
		_, err = s.ctx.EnableIndication(dev, char, nil)
	} else {
		_, err = s.ctx.EnableNotification(dev, char, nil)
	}
	progress.Stop()
	if err != nil {
		return err
	}
	defer func() {
		disable := s.ctx.DisableNotification
		if subscribeIndicate {
			disable = s.ctx.DisableIndication
		}
		if err := disable(dev, char); err != nil && dev.Connected() {
			s.logger.WithError(err).Warn("Failed to remove subscription")
		}
	}()

	fmt.Fprintln(s.out, color.CyanString("Subscribed to %s, press Ctrl+C to stop", char))

	ctx, cancel := interruptContext(subscribeDuration)
	defer cancel()
	return streamMessages(ctx, s.out, messages, dev, subscribeHex)
}

// streamMessages prints messages until ctx is done or the device disconnects
func streamMessages(ctx context.Context, out io.Writer, messages <-chan device.Message, dev *device.Device, asHex bool) error {
	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for !dev.DisconnectionFlag().Wait(100 * time.Millisecond) {
			if ctx.Err() != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-disconnected:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: %s dropped the link", ErrNotConnected, dev)
		case m := <-messages:
			kind := "N"
			if m.Indication {
				kind = "I"
			}
			fmt.Fprintf(out, "%s %s 0x%04x %s\n",
				m.Timestamp.Format("15:04:05.000"), kind, m.AttributeHandle, formatValue(m.Value, asHex))
		}
	}
}
