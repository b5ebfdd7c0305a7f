package blecontext

import (
	"errors"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/blectx/internal/device"
	"github.com/srg/blectx/internal/gateway"
	"github.com/srg/blectx/internal/testutils"
	"github.com/stretchr/testify/mock"
)

const scanTime = 200 * time.Millisecond

func (s *ContextSuite) expectScan(advs []gateway.Advertisement) *mock.Call {
	return testutils.ExpectRequest(s.Gateway, func(r gateway.StartScanRequest) bool { return r.ScanTime == scanTime }).
		Return(gateway.OK(gateway.KindStartScan, advs), nil).Once()
}

func (s *ContextSuite) scanFixture() []gateway.Advertisement {
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return testutils.Advertisements(
		testutils.CreateMockAdvertisement("HeartRate", "AA:BB:CC:DD:EE:01", -70).
			WithServices("180D").WithTimestamp(t0),
		testutils.CreateMockAdvertisementFromJSON(`{"name": "Thermo", "address": "aa:bb:cc:dd:ee:02", "rssi": -50, "services": ["1809"], "txPower": 4}`).
			WithTimestamp(t0.Add(10*time.Millisecond)),
		testutils.CreateMockAdvertisement("", "aa:bb:cc:dd:ee:01", -60).
			WithServices("180F").WithManufacturerData([]byte{0x4C, 0x00}).WithTimestamp(t0.Add(20*time.Millisecond)),
		testutils.CreateMockAdvertisement("Ghost", "", -40).WithTimestamp(t0.Add(30*time.Millisecond)),
		testutils.CreateMockAdvertisement("Beacon", "aa:bb:cc:dd:ee:03", -90).
			WithConnectable(false).WithTimestamp(t0.Add(40*time.Millisecond)),
	)
}

func (s *ContextSuite) TestScan_MergesByAddress() {
	// GOAL: Verify advertisements are merged per address in discovery order
	//
	// TEST SCENARIO: Five advertisements, one repeated address in another case, one without address →
	//                three devices in first-seen order with merged fields and every timestamp

	advs := s.scanFixture()
	s.expectScan(advs)

	devices, err := s.ctx.Scan(scanTime, nil)

	s.Require().NoError(err)
	s.Require().Len(devices, 3, "repeated and empty addresses MUST be merged or skipped")
	s.Equal("aa:bb:cc:dd:ee:01", devices[0].Address)
	s.Equal("aa:bb:cc:dd:ee:02", devices[1].Address)
	s.Equal("aa:bb:cc:dd:ee:03", devices[2].Address)

	hr := devices[0]
	s.Equal("HeartRate", hr.Name, "an empty name MUST NOT overwrite a known one")
	s.Equal(-60, hr.RSSI, "RSSI MUST be the most recent")
	s.Len(hr.Services, 2, "services MUST accumulate")
	s.Equal([]byte{0x4C, 0x00}, hr.ManufacturerData)
	s.Equal([]time.Time{advs[0].Timestamp, advs[2].Timestamp}, hr.Timestamps, "every reception MUST be kept in order")
	s.Nil(hr.TxPower)

	s.Require().NotNil(devices[1].TxPower)
	s.Equal(4, *devices[1].TxPower)
	s.False(devices[2].Connectable)
	s.Equal("aa:bb:cc:dd:ee:03", devices[2].Device().Address())
}

func (s *ContextSuite) TestScan_Filters() {
	// GOAL: Verify filters by name, address and service
	//
	// TEST SCENARIO: Same fixture scanned with each filter → only matching devices returned

	tests := []struct {
		name   string
		filter *ScanFilter
		want   []string
	}{
		{
			name:   "by name",
			filter: &ScanFilter{Names: []string{"Thermo"}},
			want:   []string{"aa:bb:cc:dd:ee:02"},
		},
		{
			name:   "by address in any case",
			filter: &ScanFilter{Addresses: []string{"AA:BB:CC:DD:EE:03"}},
			want:   []string{"aa:bb:cc:dd:ee:03"},
		},
		{
			name:   "by merged service",
			filter: &ScanFilter{Services: []ble.UUID{ble.UUID16(0x180F)}},
			want:   []string{"aa:bb:cc:dd:ee:01"},
		},
		{
			name:   "every list must match",
			filter: &ScanFilter{Names: []string{"Thermo"}, Services: []ble.UUID{ble.UUID16(0x180D)}},
			want:   []string{},
		},
		{
			name:   "empty filter",
			filter: &ScanFilter{},
			want:   []string{"aa:bb:cc:dd:ee:01", "aa:bb:cc:dd:ee:02", "aa:bb:cc:dd:ee:03"},
		},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.expectScan(s.scanFixture())

			devices, err := s.ctx.Scan(scanTime, tt.filter)
			s.Require().NoError(err)

			got := make([]string, 0, len(devices))
			for _, d := range devices {
				got = append(got, d.Address)
			}
			s.Equal(tt.want, got)
		})
	}
}

func (s *ContextSuite) TestScan_Timeout() {
	// GOAL: Verify a scan the adapter never finishes is stopped and reported
	//
	// TEST SCENARIO: Scan request times out → stop scan sent → CONTEXT_INTERNAL_ERROR

	testutils.ExpectRequest(s.Gateway, func(r gateway.StartScanRequest) bool { return true }).
		Return(nil, gateway.ErrTimeout).Once()
	testutils.ExpectSend[gateway.StopScanRequest](s.Gateway, nil).Return(nil).Once()

	_, err := s.ctx.Scan(scanTime, nil)

	s.assertCause(err, device.CauseContextInternal)
	s.ErrorIs(err, gateway.ErrTimeout)
	s.Len(testutils.SentRequests[gateway.StopScanRequest](s.Gateway), 1, "scan MUST be stopped after a timeout")
}

func (s *ContextSuite) TestScan_TimeoutBound() {
	// GOAL: Verify the blocking wait exceeds the scan time by half of it or the start/stop time
	//
	// TEST SCENARIO: short scan → start/stop time added; long scan → half the scan time added;
	//                empty scan → no devices; bad payload → CONTEXT_INTERNAL_ERROR

	s.Equal(100*time.Millisecond+s.Config.StartStopTimeout, s.ctx.ScanTimeout(100*time.Millisecond))
	s.Equal(15*time.Second, s.ctx.ScanTimeout(10*time.Second))

	s.expectScan(nil).Run(func(args mock.Arguments) {
		s.Equal(s.ctx.ScanTimeout(scanTime), args.Get(1).(time.Duration), "scan MUST wait for the computed bound")
	})
	devices, err := s.ctx.Scan(scanTime, nil)
	s.NoError(err)
	s.Empty(devices, "a scan without advertisements MUST be empty")

	testutils.ExpectRequest[gateway.StartScanRequest](s.Gateway, nil).
		Return(gateway.OK(gateway.KindStartScan, "garbage"), nil).Once()
	_, err = s.ctx.Scan(scanTime, nil)
	s.assertCause(err, device.CauseContextInternal, "an unexpected payload MUST be internal")
}

func (s *ContextSuite) TestScan_TransportFailure() {
	// GOAL: Verify a non-timeout transport failure does not stop the scan
	//
	// TEST SCENARIO: Scan request fails → CONTEXT_INTERNAL_ERROR, no stop scan

	testutils.ExpectRequest[gateway.StartScanRequest](s.Gateway, nil).
		Return(nil, errors.New("serial port closed")).Once()

	_, err := s.ctx.Scan(scanTime, nil)

	s.assertCause(err, device.CauseContextInternal)
	s.Empty(testutils.SentRequests[gateway.StopScanRequest](s.Gateway))
}

func (s *ContextSuite) TestScanForFirstDeviceFound() {
	// GOAL: Verify the first matching device is returned and an empty scan is not found
	//
	// TEST SCENARIO: Fixture scan → first device; filter matching nothing → DEVICE_NOT_FOUND

	s.expectScan(s.scanFixture())
	first, err := s.ctx.ScanForFirstDeviceFound(scanTime, nil)
	s.Require().NoError(err)
	s.Equal("aa:bb:cc:dd:ee:01", first.Address)

	s.expectScan(s.scanFixture())
	_, err = s.ctx.ScanForFirstDeviceFound(scanTime, &ScanFilter{Names: []string{"Nobody"}})
	s.assertCause(err, device.CauseDeviceNotFound)

	s.expectScan(s.scanFixture())
	devices, err := s.ctx.ScanForDevices(scanTime, nil)
	s.NoError(err)
	s.Len(devices, 3)
}

func (s *ContextSuite) TestStartScan_ScanningResult() {
	// GOAL: Verify an asynchronous scan is collected later
	//
	// TEST SCENARIO: Start scan → request fired → scanning result polls the response → devices returned;
	//                a second collect without start → CONTEXT_INVALID_STATE

	testutils.ExpectSend(s.Gateway, func(r gateway.StartScanRequest) bool { return r.ScanTime == scanTime }).
		Return(nil).Once()
	margin := scanTime + s.Config.ScanFinishExtraTime
	s.Gateway.On("Response", gateway.KindStartScan, mock.MatchedBy(func(d time.Duration) bool { return d > 0 && d <= margin })).
		Return(gateway.OK(gateway.KindStartScan, s.scanFixture()), nil).Once()

	s.Require().NoError(s.ctx.StartScan(scanTime, &ScanFilter{Services: []ble.UUID{ble.UUID16(0x180D)}}))
	devices, err := s.ctx.ScanningResult(0)

	s.Require().NoError(err)
	s.Require().Len(devices, 1, "the filter given at start MUST apply")
	s.Equal("aa:bb:cc:dd:ee:01", devices[0].Address)

	_, err = s.ctx.ScanningResult(time.Second)
	s.assertCause(err, device.CauseContextInvalidState, "no scan MUST be pending")
}

func (s *ContextSuite) TestStartScanForFirstDeviceFound() {
	// GOAL: Verify an asynchronous first-found scan keeps only the first match
	//
	// TEST SCENARIO: Start → result with three devices → one returned; empty result → DEVICE_NOT_FOUND

	testutils.ExpectSend[gateway.StartScanRequest](s.Gateway, nil).Return(nil).Twice()
	s.Gateway.On("Response", gateway.KindStartScan, time.Second).
		Return(gateway.OK(gateway.KindStartScan, s.scanFixture()), nil).Once()
	s.Gateway.On("Response", gateway.KindStartScan, time.Second).
		Return(gateway.OK(gateway.KindStartScan, []gateway.Advertisement{}), nil).Once()

	s.Require().NoError(s.ctx.StartScanForFirstDeviceFound(scanTime, nil))
	devices, err := s.ctx.ScanningResult(time.Second)
	s.Require().NoError(err)
	s.Len(devices, 1)

	s.Require().NoError(s.ctx.StartScanForFirstDeviceFound(scanTime, nil))
	_, err = s.ctx.ScanningResult(time.Second)
	s.assertCause(err, device.CauseDeviceNotFound)
}

func (s *ContextSuite) TestScanningResult_NoResponse() {
	// GOAL: Verify a scan whose result never arrives is not found
	//
	// TEST SCENARIO: Start → response poll times out → DEVICE_NOT_FOUND wrapping the timeout

	testutils.ExpectSend[gateway.StartScanRequest](s.Gateway, nil).Return(nil).Once()
	s.Gateway.On("Response", gateway.KindStartScan, mock.Anything).Return(nil, gateway.ErrTimeout).Once()

	s.Require().NoError(s.ctx.StartScan(scanTime, nil))
	_, err := s.ctx.ScanningResult(time.Second)

	s.assertCause(err, device.CauseDeviceNotFound)
	s.ErrorIs(err, gateway.ErrTimeout)
}

func (s *ContextSuite) TestScanningResult_PastFinishMargin() {
	// GOAL: Verify collecting a scan late only looks for a result already delivered
	//
	// TEST SCENARIO: Start → scan started long ago → poll with no wait left → DEVICE_NOT_FOUND

	testutils.ExpectSend[gateway.StartScanRequest](s.Gateway, nil).Return(nil).Once()
	s.Gateway.On("Response", gateway.KindStartScan, mock.MatchedBy(func(d time.Duration) bool { return d <= 0 })).
		Return(nil, gateway.ErrTimeout).Once()

	s.Require().NoError(s.ctx.StartScan(scanTime, nil))
	s.ctx.mu.Lock()
	s.ctx.scan.startedAt = time.Now().Add(-time.Hour)
	s.ctx.mu.Unlock()

	_, err := s.ctx.ScanningResult(0)
	s.assertCause(err, device.CauseDeviceNotFound, "a scan past its finish margin MUST NOT wait")
}
