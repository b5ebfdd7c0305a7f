package main

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/blectx/internal/device"
	"github.com/srg/blectx/pkg/blecontext"
)

// pairCmd represents the pair command
var pairCmd = &cobra.Command{
	Use:   "pair <device-address>",
	Short: "Pair and bond with a device",
	Long: fmt.Sprintf(`Connects to a device and pairs with it, printing every pairing step.

With --method passkey the peer is expected to enter a passkey; the digits it
reports are shown as they arrive.

Examples:
  blectx pair %s
  blectx pair %s --method passkey

%s`, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(1),
	RunE: runPair,
}

// unpairCmd represents the unpair command
var unpairCmd = &cobra.Command{
	Use:   "unpair <device-address>",
	Short: "Delete the bond with a device",
	Long: fmt.Sprintf(`Deletes the adapter's bond with a device.

Example:
  blectx unpair %s

%s`, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(1),
	RunE: runUnpair,
}

var (
	pairMethod  string
	pairTimeout time.Duration
)

func init() {
	pairCmd.Flags().StringVar(&pairMethod, "method", "justworks", "Pairing method (justworks, passkey)")
	pairCmd.Flags().DurationVar(&pairTimeout, "timeout", 30*time.Second, "Maximum wait between pairing steps")
}

func runPair(cmd *cobra.Command, args []string) error {
	if pairMethod != "justworks" && pairMethod != "passkey" {
		return fmt.Errorf("invalid pairing method %q (must be justworks or passkey)", pairMethod)
	}

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	dev, err := s.connect(args[0], 0)
	if err != nil {
		return err
	}
	defer s.disconnect(dev)

	if pairMethod == "passkey" {
		err = s.ctx.AuthenticateKeypressStart(dev, pairTimeout)
		if err == nil {
			fmt.Fprintln(s.out, color.CyanString("Passkey entry started on %s", dev))
		}
	} else {
		err = s.ctx.AuthenticateJustWorks(dev)
	}
	if err != nil {
		return err
	}

	return followPairing(s.ctx, s.out, dev, pairTimeout)
}

// followPairing prints pairing events until the procedure completes
func followPairing(ctx *blecontext.Context, out io.Writer, dev *device.Device, timeout time.Duration) error {
	for {
		ev, err := ctx.PairingEvent(dev, timeout)
		if err != nil {
			return err
		}

		switch ev.Kind {
		case device.PairingEventKeypress:
			fmt.Fprintf(out, "  %s (%d digits)\n", ev.Keypress, ev.State.Digits)
		case device.PairingEventPasskeyDisplay:
			fmt.Fprintf(out, "  passkey: %s\n", color.New(color.Bold).Sprintf("%06d", ev.Passkey))
		case device.PairingEventComplete:
			if ev.Status != device.PairingSuccess {
				return device.NewError(device.CauseAuthFailed, "pairing with %s failed: %s", dev, ev.Status)
			}
			fmt.Fprintln(out, color.GreenString("Paired with %s: %s", dev, ev.State))
			return nil
		default:
			fmt.Fprintf(out, "  %s\n", ev.Kind)
		}
	}
}

func runUnpair(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	// the bond lives in the adapter, not in this session
	dev := device.New(args[0])
	dev.SetBonded(true)

	if err := s.ctx.DeleteBond(dev); err != nil {
		return err
	}
	_, err = fmt.Fprintln(s.out, color.GreenString("Bond with %s deleted", dev))
	return err
}
