package blecontext

import (
	"errors"
	"strings"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blectx/internal/device"
	"github.com/srg/blectx/internal/gateway"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ScanFilter restricts scan results. Empty lists match everything; a device
// must match every non-empty list.
type ScanFilter struct {
	Names     []string   // exact local names
	Addresses []string   // device addresses, any case
	Services  []ble.UUID // at least one advertised service
}

func (f *ScanFilter) matches(d *ScannedDevice) bool {
	if f == nil {
		return true
	}

	if len(f.Names) > 0 {
		found := false
		for _, name := range f.Names {
			if d.Name == name {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(f.Addresses) > 0 {
		found := false
		for _, addr := range f.Addresses {
			if device.NormalizeAddress(addr) == d.Address {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(f.Services) > 0 {
		found := false
		for _, required := range f.Services {
			for _, svc := range d.Services {
				if required.Equal(svc) {
					found = true
					break
				}
			}
			if found {
				break
			}
		}
		if !found {
			return false
		}
	}

	return true
}

// ScannedDevice aggregates every advertisement seen from one address
type ScannedDevice struct {
	Address          string
	Name             string
	RSSI             int // most recent
	Services         []ble.UUID
	ManufacturerData []byte
	TxPower          *int
	Connectable      bool
	Timestamps       []time.Time // one per advertisement, in reception order
}

// Device creates a record for the scanned address
func (d *ScannedDevice) Device() *device.Device {
	return device.New(d.Address)
}

func (d *ScannedDevice) merge(adv gateway.Advertisement) {
	d.RSSI = adv.RSSI
	if adv.LocalName != "" {
		d.Name = adv.LocalName
	}
	for _, svc := range adv.Services {
		if !containsUUID(d.Services, svc) {
			d.Services = append(d.Services, svc)
		}
	}
	if len(adv.ManufacturerData) > 0 {
		d.ManufacturerData = adv.ManufacturerData
	}
	if adv.TxPower != nil {
		d.TxPower = adv.TxPower
	}
	d.Connectable = d.Connectable || adv.Connectable
	d.Timestamps = append(d.Timestamps, adv.Timestamp)
}

func containsUUID(list []ble.UUID, u ble.UUID) bool {
	for _, v := range list {
		if v.Equal(u) {
			return true
		}
	}
	return false
}

// pendingScan remembers a scan fired by StartScan until its result is collected
type pendingScan struct {
	scanTime  time.Duration
	filter    *ScanFilter
	firstOnly bool
	startedAt time.Time
}

// ScanTimeout returns how long a blocking scan of scanTime waits for the adapter
func (c *Context) ScanTimeout(scanTime time.Duration) time.Duration {
	return scanTime + max(scanTime/2, c.cfg.StartStopTimeout)
}

// Scan scans for scanTime and returns one entry per distinct address, in discovery order.
// If the adapter does not answer in time a stop-scan request is sent before failing.
func (c *Context) Scan(scanTime time.Duration, filter *ScanFilter) ([]*ScannedDevice, error) {
	if err := c.requireOpen(); err != nil {
		return nil, err
	}

	timeout := c.ScanTimeout(scanTime)
	log := c.logger.WithFields(logrus.Fields{
		"scan_time": scanTime,
		"timeout":   timeout,
	})
	log.Info("Starting BLE scan...")

	resp, err := c.gw.SendAndWait(gateway.StartScanRequest{ScanTime: scanTime}, timeout)
	if err != nil {
		if errors.Is(err, gateway.ErrTimeout) {
			log.Warn("Scan did not finish in time, stopping it")
			if stopErr := c.gw.Send(gateway.StopScanRequest{}); stopErr != nil {
				log.WithError(stopErr).Warn("Failed to stop scan")
			}
			return nil, device.WrapError(device.CauseContextInternal, err, "scan did not finish within %s", timeout)
		}
		return nil, device.WrapError(device.CauseContextInternal, err, "scan request failed")
	}
	if err := responseError(resp); err != nil {
		return nil, err
	}

	devices, err := collectScan(resp, filter)
	if err != nil {
		return nil, err
	}
	log.WithField("device_count", len(devices)).Info("BLE scan completed")
	return devices, nil
}

// ScanForDevices is Scan under the name test benches look for
func (c *Context) ScanForDevices(scanTime time.Duration, filter *ScanFilter) ([]*ScannedDevice, error) {
	return c.Scan(scanTime, filter)
}

// ScanForFirstDeviceFound scans and returns the first matching device
func (c *Context) ScanForFirstDeviceFound(scanTime time.Duration, filter *ScanFilter) (*ScannedDevice, error) {
	devices, err := c.Scan(scanTime, filter)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, device.NewError(device.CauseDeviceNotFound, "no matching device found within %s", scanTime)
	}
	return devices[0], nil
}

// StartScan fires a scan without waiting; collect it with ScanningResult
func (c *Context) StartScan(scanTime time.Duration, filter *ScanFilter) error {
	return c.startScan(scanTime, filter, false)
}

// StartScanForFirstDeviceFound fires a scan whose ScanningResult keeps only the first match
func (c *Context) StartScanForFirstDeviceFound(scanTime time.Duration, filter *ScanFilter) error {
	return c.startScan(scanTime, filter, true)
}

func (c *Context) startScan(scanTime time.Duration, filter *ScanFilter, firstOnly bool) error {
	if err := c.requireOpen(); err != nil {
		return err
	}
	if err := c.gw.Send(gateway.StartScanRequest{ScanTime: scanTime}); err != nil {
		return device.WrapError(device.CauseContextInternal, err, "failed to start scan")
	}

	c.mu.Lock()
	c.scan = &pendingScan{
		scanTime:  scanTime,
		filter:    filter,
		firstOnly: firstOnly,
		startedAt: time.Now(),
	}
	c.mu.Unlock()

	c.logger.WithField("scan_time", scanTime).Info("BLE scan started")
	return nil
}

// ScanningResult waits for the result of the last StartScan.
// A non-positive timeout waits until the scan time plus the configured finish
// margin have elapsed since the scan started; past that point only an already
// delivered result is returned.
func (c *Context) ScanningResult(timeout time.Duration) ([]*ScannedDevice, error) {
	if err := c.requireOpen(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	scan := c.scan
	c.scan = nil
	c.mu.Unlock()
	if scan == nil {
		return nil, device.NewError(device.CauseContextInvalidState, "no scan in progress")
	}

	if timeout <= 0 {
		timeout = time.Until(scan.startedAt.Add(scan.scanTime + c.cfg.ScanFinishExtraTime))
	}
	resp, err := c.gw.Response(gateway.KindStartScan, timeout)
	if err != nil {
		return nil, device.WrapError(device.CauseDeviceNotFound, err, "no scan result within %s", timeout)
	}
	if err := responseError(resp); err != nil {
		return nil, err
	}

	devices, err := collectScan(resp, scan.filter)
	if err != nil {
		return nil, err
	}
	if scan.firstOnly {
		if len(devices) == 0 {
			return nil, device.NewError(device.CauseDeviceNotFound, "no matching device found within %s", scan.scanTime)
		}
		devices = devices[:1]
	}
	return devices, nil
}

// collectScan merges advertisements by address keeping discovery order, then filters
func collectScan(resp *gateway.Response, filter *ScanFilter) ([]*ScannedDevice, error) {
	advs, ok := resp.Payload.([]gateway.Advertisement)
	if !ok {
		return nil, unexpectedPayload(resp)
	}

	seen := orderedmap.New[string, *ScannedDevice]()
	for _, adv := range advs {
		address := device.NormalizeAddress(adv.Address)
		if strings.TrimSpace(adv.Address) == "" {
			continue
		}
		d, found := seen.Get(address)
		if !found {
			d = &ScannedDevice{Address: address}
			seen.Set(address, d)
		}
		d.merge(adv)
	}

	out := make([]*ScannedDevice, 0, seen.Len())
	for pair := seen.Oldest(); pair != nil; pair = pair.Next() {
		if filter.matches(pair.Value) {
			out = append(out, pair.Value)
		}
	}
	return out, nil
}
