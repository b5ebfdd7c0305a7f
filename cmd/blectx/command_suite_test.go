package main

import (
	"bytes"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blectx/internal/device"
	"github.com/srg/blectx/internal/gateway"
	"github.com/srg/blectx/internal/testutils"
	"github.com/stretchr/testify/mock"
)

// Test device address for consistent mock device identification
const testDeviceAddress = "00:00:00:00:00:01"

const testDeviceHandle uint16 = 0x0040

// CommandTestSuite runs commands against a MockGateway.
// All cmd/blectx test suites that open a session should embed it.
type CommandTestSuite struct {
	testutils.MockGatewaySuite
	originalGateway func(*logrus.Logger) gateway.Gateway
}

func (s *CommandTestSuite) SetupSuite() {
	s.MockGatewaySuite.SetupSuite()
	s.originalGateway = newGateway
	newGateway = func(*logrus.Logger) gateway.Gateway { return s.Gateway }
}

func (s *CommandTestSuite) TearDownSuite() {
	newGateway = s.originalGateway
}

// ExecuteCommand runs the root command with args, returns output and error.
func (s *CommandTestSuite) ExecuteCommand(cmd *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// ExpectConnection answers a connect to address with a link on testDeviceHandle,
// a discovery with table and the final disconnect with a disconnection event.
func (s *CommandTestSuite) ExpectConnection(address string, table []*device.Service) {
	testutils.ExpectRequest(s.Gateway, func(r gateway.ConnectRequest) bool { return r.Address == address }).
		Return(gateway.OK(gateway.KindConnect, nil), nil).
		Run(func(mock.Arguments) {
			s.Gateway.Emit(gateway.ConnectionComplete{
				Status:     gateway.StatusSuccess,
				Address:    address,
				Handle:     testDeviceHandle,
				Parameters: &gateway.LinkParameters{IntervalMin: 24, IntervalMax: 40, SupervisionTimeout: 400},
			})
		}).Once()
	testutils.ExpectRequest(s.Gateway, func(r gateway.DiscoverServicesRequest) bool { return r.Handle == testDeviceHandle }).
		Return(gateway.OK(gateway.KindDiscoverServices, table), nil).Once()
	testutils.ExpectRequest(s.Gateway, func(r gateway.DisconnectRequest) bool { return r.Handle == testDeviceHandle }).
		Return(gateway.OK(gateway.KindDisconnect, nil), nil).
		Run(func(mock.Arguments) {
			s.Gateway.Emit(gateway.DisconnectionComplete{
				Status: gateway.StatusSuccess,
				Handle: testDeviceHandle,
				Reason: gateway.StatusLocalHostTerminated,
			})
		}).Maybe()
}

// EmitLater emits events after d, once the command is blocked waiting for them
func (s *CommandTestSuite) EmitLater(d time.Duration, events ...gateway.Event) {
	go func() {
		time.Sleep(d)
		s.Gateway.Emit(events...)
	}()
}
