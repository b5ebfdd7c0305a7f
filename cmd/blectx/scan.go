package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/go-ble/ble"
	"github.com/spf13/cobra"
	"github.com/srg/blectx/pkg/blecontext"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices",
	Long: `Scan for and display Bluetooth Low Energy devices in the vicinity.

Advertisements from the same address are merged into one row: the most recent
RSSI, the first non-empty name and the union of advertised services.

Examples:
  # Scan for 5 seconds
  blectx scan --duration 5s

  # Only heart rate sensors, as JSON
  blectx scan --services 180d --format json

  # Stop at the first device named "Thermo"
  blectx scan --name Thermo --first`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration  time.Duration
	scanFormat    string
	scanServices  []string
	scanNames     []string
	scanAddresses []string
	scanFirst     bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringSliceVarP(&scanServices, "services", "s", nil, "Filter by service UUIDs")
	scanCmd.Flags().StringSliceVar(&scanNames, "name", nil, "Filter by exact device name")
	scanCmd.Flags().StringSliceVar(&scanAddresses, "address", nil, "Filter by device address")
	scanCmd.Flags().BoolVar(&scanFirst, "first", false, "Return only the first matching device")
}

func runScan(cmd *cobra.Command, _ []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format %q (must be table or json)", scanFormat)
	}
	if scanDuration <= 0 {
		return fmt.Errorf("scan duration must be positive")
	}
	filter, err := buildScanFilter(scanNames, scanAddresses, scanServices)
	if err != nil {
		return err
	}

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	progress := startProgress(s.out, fmt.Sprintf("Scanning for %s", scanDuration), "listening")
	var devices []*blecontext.ScannedDevice
	if scanFirst {
		var first *blecontext.ScannedDevice
		first, err = s.ctx.ScanForFirstDeviceFound(scanDuration, filter)
		if first != nil {
			devices = append(devices, first)
		}
	} else {
		devices, err = s.ctx.Scan(scanDuration, filter)
	}
	progress.Stop()
	if err != nil {
		return err
	}

	if scanFormat == "json" {
		return writeScanJSON(s.out, devices)
	}
	return writeScanTable(s.out, devices)
}

// buildScanFilter returns nil when no filter was requested
func buildScanFilter(names, addresses, services []string) (*blecontext.ScanFilter, error) {
	if len(names) == 0 && len(addresses) == 0 && len(services) == 0 {
		return nil, nil
	}
	filter := &blecontext.ScanFilter{Names: names, Addresses: addresses}
	for _, s := range services {
		u, err := parseUUID(s)
		if err != nil {
			return nil, err
		}
		filter.Services = append(filter.Services, u)
	}
	return filter, nil
}

func joinUUIDs(list []ble.UUID) string {
	parts := make([]string, 0, len(list))
	for _, u := range list {
		parts = append(parts, u.String())
	}
	return strings.Join(parts, ",")
}

func writeScanTable(out io.Writer, devices []*blecontext.ScannedDevice) error {
	if len(devices) == 0 {
		_, err := fmt.Fprintln(out, color.YellowString("No devices found"))
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tNAME\tRSSI\tTX\tCONN\tSEEN\tSERVICES")
	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "-"
		}
		tx := "-"
		if d.TxPower != nil {
			tx = fmt.Sprintf("%d", *d.TxPower)
		}
		conn := "no"
		if d.Connectable {
			conn = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%d\t%s\n",
			d.Address, name, d.RSSI, tx, conn, len(d.Timestamps), joinUUIDs(d.Services))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "\n%s\n", color.GreenString("%d device(s) found", len(devices)))
	return err
}

type scanRecord struct {
	Address          string    `json:"address"`
	Name             string    `json:"name,omitempty"`
	RSSI             int       `json:"rssi"`
	TxPower          *int      `json:"tx_power,omitempty"`
	Connectable      bool      `json:"connectable"`
	Services         []string  `json:"services,omitempty"`
	ManufacturerData string    `json:"manufacturer_data,omitempty"`
	FirstSeen        time.Time `json:"first_seen"`
	LastSeen         time.Time `json:"last_seen"`
	Advertisements   int       `json:"advertisements"`
}

func writeScanJSON(out io.Writer, devices []*blecontext.ScannedDevice) error {
	records := make([]scanRecord, 0, len(devices))
	for _, d := range devices {
		r := scanRecord{
			Address:          d.Address,
			Name:             d.Name,
			RSSI:             d.RSSI,
			TxPower:          d.TxPower,
			Connectable:      d.Connectable,
			ManufacturerData: fmt.Sprintf("%x", d.ManufacturerData),
			Advertisements:   len(d.Timestamps),
		}
		for _, u := range d.Services {
			r.Services = append(r.Services, u.String())
		}
		if n := len(d.Timestamps); n > 0 {
			r.FirstSeen = d.Timestamps[0]
			r.LastSeen = d.Timestamps[n-1]
		}
		records = append(records, r)
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(records)
}
