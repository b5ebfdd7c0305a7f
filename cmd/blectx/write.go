package main

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// writeCmd represents the write command
var writeCmd = &cobra.Command{
	Use:   "write <device-address> <char-uuid> <data>",
	Short: "Write to a characteristic",
	Long: fmt.Sprintf(`Writes data to a BLE characteristic.

Examples:
  # Write to characteristic (string data)
  blectx write %s 2a06 "high"

  # Write hex data
  blectx write %s 2a06 01 --hex

  # Write without response (faster, no ACK)
  blectx write %s 2a06 "data" --without-response

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(3),
	RunE: runWrite,
}

var (
	writeServiceUUID string
	writeHex         bool
	writeNoResponse  bool
	writeLong        bool
	writeTimeout     time.Duration
)

func init() {
	writeCmd.Flags().StringVar(&writeServiceUUID, "service", "", "Service UUID (required if characteristic UUID is ambiguous)")
	writeCmd.Flags().BoolVar(&writeHex, "hex", false, "Parse input as hex string (e.g., 'FF01'); raw bytes by default")
	writeCmd.Flags().BoolVar(&writeNoResponse, "without-response", false, "Write without response (faster, no ACK)")
	writeCmd.Flags().BoolVar(&writeLong, "long", false, "Long write without response, for values larger than the MTU")
	writeCmd.Flags().DurationVar(&writeTimeout, "timeout", 0, "Connect timeout; configuration default when 0")
}

func runWrite(cmd *cobra.Command, args []string) error {
	address, charUUID := args[0], args[1]

	data, err := parseWriteData(args[2], writeHex)
	if err != nil {
		return fmt.Errorf("failed to parse data: %w", err)
	}
	if writeNoResponse && writeLong {
		return fmt.Errorf("--without-response and --long are mutually exclusive")
	}

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	progress := startProgress(s.out, fmt.Sprintf("Writing %d bytes to %s on %s", len(data), charUUID, address), "connecting")
	dev, err := s.connect(address, writeTimeout)
	if err != nil {
		progress.Stop()
		return err
	}
	defer s.disconnect(dev)

	char, err := resolveCharacteristic(s.ctx.GattTable(), writeServiceUUID, charUUID)
	if err != nil {
		progress.Stop()
		return err
	}

	progress.Phase("writing")
	switch {
	case writeLong:
		err = s.ctx.CharacteristicLongWriteWithoutResponse(dev, char, data)
	case writeNoResponse:
		err = s.ctx.CharacteristicWriteWithoutResponse(dev, char, data)
	default:
		err = s.ctx.CharacteristicWrite(dev, char, data)
	}
	progress.Stop()
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(s.out, color.GreenString("Wrote %d bytes to %s", len(data), char))
	return err
}

// parseWriteData decodes hex when asHex is set, ignoring spaces and common separators
func parseWriteData(dataStr string, asHex bool) ([]byte, error) {
	if !asHex {
		return []byte(dataStr), nil
	}

	cleaned := strings.ReplaceAll(dataStr, " ", "")
	cleaned = strings.ReplaceAll(cleaned, ":", "")
	cleaned = strings.ReplaceAll(cleaned, "-", "")
	cleaned = strings.ReplaceAll(strings.ToLower(cleaned), "0x", "")

	data, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("invalid hex data: %w", err)
	}
	return data, nil
}
