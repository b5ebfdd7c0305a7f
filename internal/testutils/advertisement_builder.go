package testutils

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/blectx/internal/gateway"
	"github.com/srg/blectx/internal/testutils/mocks"
)

// AdvertisementBuilder builds scan payloads for testing.
// The same builder feeds both sides of the gateway boundary: Build returns the
// decoded gateway.Advertisement, BuildMock a ble.Advertisement for go-ble scans.
type AdvertisementBuilder struct {
	name        string
	address     string
	rssi        int
	services    []string
	manufData   []byte
	txPower     *int
	connectable bool
	timestamp   time.Time
}

// NewAdvertisementBuilder creates a builder for a connectable advertisement
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{connectable: true}
}

func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.name = name
	return b
}

func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.address = addr
	return b
}

func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.rssi = rssi
	return b
}

// WithServices adds service UUIDs, short ("180D") or full form
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.services = append(b.services, uuids...)
	return b
}

func (b *AdvertisementBuilder) WithManufacturerData(data []byte) *AdvertisementBuilder {
	b.manufData = data
	return b
}

func (b *AdvertisementBuilder) WithTxPower(power int) *AdvertisementBuilder {
	b.txPower = &power
	return b
}

func (b *AdvertisementBuilder) WithConnectable(c bool) *AdvertisementBuilder {
	b.connectable = c
	return b
}

// WithTimestamp pins the reception time; Build uses time.Now otherwise
func (b *AdvertisementBuilder) WithTimestamp(ts time.Time) *AdvertisementBuilder {
	b.timestamp = ts
	return b
}

// FromJSON fills builder fields from a JSON string with format support.
// Panics on invalid JSON as this is intended for test data setup.
func (b *AdvertisementBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *AdvertisementBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	var data struct {
		Name             *string  `json:"name"`
		Address          *string  `json:"address"`
		RSSI             *int     `json:"rssi"`
		Services         []string `json:"services"`
		ManufacturerData []byte   `json:"manufacturerData"`
		TxPower          *int     `json:"txPower"`
		Connectable      *bool    `json:"connectable"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
		panic(fmt.Sprintf("AdvertisementBuilder.FromJSON: failed to unmarshal: %v", err))
	}

	if data.Name != nil {
		b.WithName(*data.Name)
	}
	if data.Address != nil {
		b.WithAddress(*data.Address)
	}
	if data.RSSI != nil {
		b.WithRSSI(*data.RSSI)
	}
	if data.Services != nil {
		b.WithServices(data.Services...)
	}
	if data.ManufacturerData != nil {
		b.WithManufacturerData(data.ManufacturerData)
	}
	if data.TxPower != nil {
		b.WithTxPower(*data.TxPower)
	}
	if data.Connectable != nil {
		b.WithConnectable(*data.Connectable)
	}
	return b
}

func (b *AdvertisementBuilder) uuids() []ble.UUID {
	if len(b.services) == 0 {
		return nil
	}
	out := make([]ble.UUID, 0, len(b.services))
	for _, s := range b.services {
		out = append(out, ble.MustParse(s))
	}
	return out
}

// Build returns the advertisement as a gateway reports it
func (b *AdvertisementBuilder) Build() gateway.Advertisement {
	ts := b.timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return gateway.Advertisement{
		Address:          b.address,
		RSSI:             b.rssi,
		LocalName:        b.name,
		Services:         b.uuids(),
		ManufacturerData: b.manufData,
		TxPower:          b.txPower,
		Connectable:      b.connectable,
		Timestamp:        ts,
	}
}

// BuildMock returns the advertisement as go-ble delivers it to a scan handler
func (b *AdvertisementBuilder) BuildMock() ble.Advertisement {
	tx := 127 // BLE default for unavailable
	if b.txPower != nil {
		tx = *b.txPower
	}
	return &mocks.MockAdvertisement{
		Name:          b.name,
		Address:       b.address,
		Rssi:          b.rssi,
		ServiceUUIDs:  b.uuids(),
		Manufacturer:  b.manufData,
		TxPower:       tx,
		IsConnectable: b.connectable,
	}
}

// Advertisements builds a scan result out of several builders, in order
func Advertisements(builders ...*AdvertisementBuilder) []gateway.Advertisement {
	out := make([]gateway.Advertisement, 0, len(builders))
	for _, b := range builders {
		out = append(out, b.Build())
	}
	return out
}
