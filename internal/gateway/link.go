package gateway

import (
	"fmt"

	"github.com/srg/blectx/internal/device"
)

// LinkParameters are connection parameters in adapter units:
// intervals in 1.25 ms, supervision timeout in 10 ms.
type LinkParameters struct {
	IntervalMin        uint16
	IntervalMax        uint16
	Latency            uint16
	SupervisionTimeout uint16
}

func (p LinkParameters) String() string {
	return fmt.Sprintf("interval=[%d..%d] latency=%d timeout=%d", p.IntervalMin, p.IntervalMax, p.Latency, p.SupervisionTimeout)
}

// ConnectionParameters translates adapter units into the public parameter type
func (p LinkParameters) ConnectionParameters() *device.ConnectionParameters {
	return &device.ConnectionParameters{
		MinInterval:        device.FromUnits(p.IntervalMin, device.IntervalUnit),
		MaxInterval:        device.FromUnits(p.IntervalMax, device.IntervalUnit),
		Latency:            p.Latency,
		SupervisionTimeout: device.FromUnits(p.SupervisionTimeout, device.SupervisionTimeoutUnit),
	}
}

// LinkParametersFrom translates public parameters into adapter units
func LinkParametersFrom(p device.ConnectionParameters) LinkParameters {
	return LinkParameters{
		IntervalMin:        device.ToUnits(p.MinInterval, device.IntervalUnit),
		IntervalMax:        device.ToUnits(p.MaxInterval, device.IntervalUnit),
		Latency:            p.Latency,
		SupervisionTimeout: device.ToUnits(p.SupervisionTimeout, device.SupervisionTimeoutUnit),
	}
}
