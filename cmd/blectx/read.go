package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blectx/internal/device"
)

// readCmd represents the read command
var readCmd = &cobra.Command{
	Use:   "read <device-address> <char-uuid>",
	Short: "Read a characteristic or descriptor",
	Long: fmt.Sprintf(`Connects to a device, discovers its services and reads one attribute.

Examples:
  # Read battery level
  blectx read %s 2a19

  # Read a descriptor, printed as hex
  blectx read %s 2a37 --service 180d --desc 2902 --hex

%s`, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(2),
	RunE: runRead,
}

var (
	readServiceUUID string
	readDescUUID    string
	readHex         bool
	readTimeout     time.Duration
)

func init() {
	readCmd.Flags().StringVar(&readServiceUUID, "service", "", "Service UUID (required if characteristic UUID is ambiguous)")
	readCmd.Flags().StringVar(&readDescUUID, "desc", "", "Descriptor UUID (reads descriptor instead of characteristic)")
	readCmd.Flags().BoolVar(&readHex, "hex", false, "Print the value as hex; text when printable by default")
	readCmd.Flags().DurationVar(&readTimeout, "timeout", 0, "Connect timeout; configuration default when 0")
}

func runRead(cmd *cobra.Command, args []string) error {
	address, charUUID := args[0], args[1]

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	progress := startProgress(s.out, "Reading "+charUUID+" on "+address, "connecting")
	dev, err := s.connect(address, readTimeout)
	if err != nil {
		progress.Stop()
		return err
	}
	defer s.disconnect(dev)

	progress.Phase("reading")
	value, err := readAttribute(s, dev, charUUID)
	progress.Stop()
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(s.out, formatValue(value, readHex))
	return err
}

func readAttribute(s *session, dev *device.Device, charUUID string) ([]byte, error) {
	char, err := resolveCharacteristic(s.ctx.GattTable(), readServiceUUID, charUUID)
	if err != nil {
		return nil, err
	}
	if readDescUUID != "" {
		desc, err := resolveDescriptor(char, readDescUUID)
		if err != nil {
			return nil, err
		}
		return s.ctx.AttributeRead(dev, desc)
	}
	return s.ctx.AttributeRead(dev, char)
}

// formatValue prints printable text as is and everything else as hex
func formatValue(value []byte, asHex bool) string {
	if asHex || !isPrintable(value) {
		return fmt.Sprintf("% x", value)
	}
	return string(value)
}

func isPrintable(value []byte) bool {
	if len(value) == 0 {
		return false
	}
	for _, b := range value {
		if b < 0x20 || b > 0x7e {
			return false
		}
	}
	return true
}
