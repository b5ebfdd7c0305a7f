package blecontext

import (
	"time"

	"github.com/srg/blectx/internal/device"
	"github.com/srg/blectx/internal/gateway"
	"github.com/srg/blectx/internal/queue"
	"github.com/srg/blectx/internal/testutils"
	"github.com/stretchr/testify/mock"
)

func (s *ContextSuite) TestConnect_Success() {
	// GOAL: Verify a successful connect promotes the device from connecting to connected
	//
	// TEST SCENARIO: Connect → adapter reports connection → handle set, parameters translated,
	//                pairing queue created, connecting registry empty

	s.connect(s.dev, testHandle)

	h, ok := s.dev.Handle()
	s.Require().True(ok, "device MUST have a handle once connected")
	s.Equal(testHandle, h)
	s.assertHandleInvariant(s.dev)
	s.Zero(s.ctx.connecting.Len(), "connecting entry MUST be removed")
	s.True(s.dev.ConnectionFlag().IsSet(), "connection flag MUST be raised")

	params := s.dev.ConnectionParameters()
	s.Require().NotNil(params, "connection parameters MUST be recorded")
	s.Equal(30*time.Millisecond, params.MinInterval)
	s.Equal(50*time.Millisecond, params.MaxInterval)
	s.Equal(4*time.Second, params.SupervisionTimeout)

	s.True(s.ctx.pairing.Has(testAddress), "connect MUST create the pairing queue")
	got, known := s.ctx.Device(testAddress)
	s.True(known)
	s.Same(s.dev, got)
}

func (s *ContextSuite) TestConnect_DefaultOptionsRunDiscovery() {
	// GOAL: Verify nil options connect with the default timeout and discover services
	//
	// TEST SCENARIO: Connect with nil options → discovery request sent → table on device and context

	s.expectConnect(testAddress, testHandle)
	testutils.ExpectRequest(s.Gateway, func(r gateway.DiscoverServicesRequest) bool { return r.Handle == testHandle }).
		Return(gateway.OK(gateway.KindDiscoverServices, s.table), nil).Once()

	ok, err := s.ctx.Connect(s.dev, nil)

	s.Require().NoError(err)
	s.True(ok)
	s.Equal(s.table, s.dev.GattTable(), "device MUST hold the discovered table")
	s.Equal(s.table, s.ctx.GattTable(), "context MUST hold the discovered table")

	reqs := testutils.SentRequests[gateway.ConnectRequest](s.Gateway)
	s.Require().Len(reqs, 1)
	s.Equal(s.Config.DefaultConnectTimeout, reqs[0].Timeout)
	s.Nil(reqs[0].Parameters, "no parameters MUST be requested by default")
}

func (s *ContextSuite) TestConnect_RequestedParameters() {
	// GOAL: Verify requested parameters are validated and sent in adapter units
	//
	// TEST SCENARIO: Connect with valid parameters → link parameters in request;
	//                invalid parameters → PARAMETER_ERROR without request

	s.expectConnect(testAddress, testHandle)
	params := testLink.ConnectionParameters()

	ok, err := s.ctx.Connect(s.dev, &ConnectOptions{Parameters: params, Timeout: s.TestTimeout})
	s.Require().NoError(err)
	s.True(ok)

	reqs := testutils.SentRequests[gateway.ConnectRequest](s.Gateway)
	s.Require().Len(reqs, 1)
	s.Require().NotNil(reqs[0].Parameters)
	s.Equal(testLink, *reqs[0].Parameters, "parameters MUST round trip through adapter units")

	other := device.New("11:22:33:44:55:66")
	bad := &device.ConnectionParameters{MinInterval: time.Second, MaxInterval: 10 * time.Millisecond}
	_, err = s.ctx.Connect(other, &ConnectOptions{Parameters: bad, Timeout: s.TestTimeout})
	s.assertCause(err, device.CauseParameterError, "invalid parameters MUST be rejected")
	s.Len(testutils.SentRequests[gateway.ConnectRequest](s.Gateway), 1, "no request MUST be sent for invalid parameters")
	s.Zero(s.ctx.connecting.Len())
}

func (s *ContextSuite) TestConnect_Preconditions() {
	// GOAL: Verify connect refuses nil, connected and in-progress devices
	//
	// TEST SCENARIO: nil device → PARAMETER_ERROR; connected → ACTION_ALREADY_DONE;
	//                concurrent connect → CONTEXT_INVALID_STATE

	_, err := s.ctx.Connect(nil, nil)
	s.assertCause(err, device.CauseParameterError)

	s.connect(s.dev, testHandle)
	_, err = s.ctx.Connect(s.dev, nil)
	s.assertCause(err, device.CauseActionAlreadyDone, "connecting a connected device MUST fail")

	other := device.New("11:22:33:44:55:66")
	s.ctx.connecting.Put(other.Address(), other)
	_, err = s.ctx.Connect(other, nil)
	s.assertCause(err, device.CauseContextInvalidState, "concurrent connect MUST fail")
	s.True(s.ctx.connecting.Has(other.Address()), "the running attempt MUST keep its entry")

	s.Len(testutils.SentRequests[gateway.ConnectRequest](s.Gateway), 1)
}

func (s *ContextSuite) TestConnect_Timeout() {
	// GOAL: Verify a connect without connection event returns false and leaves no state behind
	//
	// TEST SCENARIO: Request accepted, no event → false without error → registries empty →
	//                disconnect fails with DEVICE_NOT_CONNECTED

	testutils.ExpectRequest[gateway.ConnectRequest](s.Gateway, nil).
		Return(gateway.OK(gateway.KindConnect, nil), nil).Once()

	ok, err := s.ctx.Connect(s.dev, &ConnectOptions{Timeout: 100 * time.Millisecond})

	s.NoError(err, "timeout MUST NOT be an error")
	s.False(ok, "timeout MUST report no connection")
	s.assertNoLifecycleEntries()
	s.assertHandleInvariant(s.dev)

	_, err = s.ctx.Disconnect(s.dev, time.Second)
	s.assertCause(err, device.CauseDeviceNotConnected)
}

func (s *ContextSuite) TestConnect_LateCompletionIsDropped() {
	// GOAL: Verify a connection nobody waits for is torn down
	//
	// TEST SCENARIO: Connection complete for an address not connecting → disconnect request sent →
	//                device stays unconnected

	testutils.ExpectSend(s.Gateway, func(r gateway.DisconnectRequest) bool { return r.Handle == 0x0077 }).
		Return(nil).Once()

	s.Gateway.Emit(gateway.ConnectionComplete{Status: gateway.StatusSuccess, Address: testAddress, Handle: 0x0077})
	s.barrier()

	s.Len(testutils.SentRequests[gateway.DisconnectRequest](s.Gateway), 1, "late connection MUST be dropped")
	s.Zero(s.ctx.connected.Len(), "late connection MUST NOT be registered")
}

func (s *ContextSuite) TestConnect_FailureStatus() {
	// GOAL: Verify a failed connection event is not a connection
	//
	// TEST SCENARIO: Adapter reports a failure status → connect returns false before its timeout →
	//                no registry entry

	testutils.ExpectRequest[gateway.ConnectRequest](s.Gateway, nil).
		Return(gateway.OK(gateway.KindConnect, nil), nil).
		Run(func(mock.Arguments) {
			s.Gateway.Emit(gateway.ConnectionComplete{
				Status:  gateway.StatusConnectionFailed,
				Address: testAddress,
				Handle:  testHandle,
			})
		}).Once()

	start := time.Now()
	ok, err := s.ctx.Connect(s.dev, &ConnectOptions{Timeout: s.TestTimeout})

	s.NoError(err)
	s.False(ok, "failed connection MUST NOT report success")
	s.Less(time.Since(start), s.TestTimeout, "a failed connection MUST end the wait")
	s.assertNoLifecycleEntries()
	s.assertHandleInvariant(s.dev)
}

func (s *ContextSuite) TestConnect_Rejected() {
	// GOAL: Verify an error response is raised and the connecting entry removed
	//
	// TEST SCENARIO: Adapter answers DEVICE_NOT_FOUND → same cause returned → connecting registry empty

	testutils.ExpectRequest[gateway.ConnectRequest](s.Gateway, nil).
		Return(gateway.Fail(gateway.KindConnect, device.CauseDeviceNotFound, "no such device"), nil).Once()

	ok, err := s.ctx.Connect(s.dev, &ConnectOptions{Timeout: s.TestTimeout})

	s.False(ok)
	s.assertCause(err, device.CauseDeviceNotFound, "known cause MUST be re-raised")
	s.assertNoLifecycleEntries()
}

func (s *ContextSuite) TestConnect_ConfirmDetectsDrop() {
	// GOAL: Verify the confirmation window catches a link that drops right away
	//
	// TEST SCENARIO: Connection then immediate disconnection → connect with confirmation → false →
	//                device not connected

	s.Config.ConfirmConnectWindow = 500 * time.Millisecond
	testutils.ExpectRequest[gateway.ConnectRequest](s.Gateway, nil).
		Return(gateway.OK(gateway.KindConnect, nil), nil).
		Run(func(mock.Arguments) {
			s.Gateway.Emit(
				gateway.ConnectionComplete{Status: gateway.StatusSuccess, Address: testAddress, Handle: testHandle},
				gateway.DisconnectionComplete{Status: gateway.StatusSuccess, Handle: testHandle, Reason: gateway.StatusRemoteUserTerminated},
			)
		}).Once()

	ok, err := s.ctx.Connect(s.dev, &ConnectOptions{Timeout: s.TestTimeout, ConfirmConnect: true})

	s.NoError(err)
	s.False(ok, "a dropped link MUST fail confirmation")
	s.assertNoLifecycleEntries()
	s.assertHandleInvariant(s.dev)
}

func (s *ContextSuite) TestConnect_ConfirmStableLink() {
	// GOAL: Verify a link that survives the confirmation window is a connection
	//
	// TEST SCENARIO: Connection, no disconnection → connect with confirmation → true

	s.expectConnect(testAddress, testHandle)

	ok, err := s.ctx.Connect(s.dev, &ConnectOptions{Timeout: s.TestTimeout, ConfirmConnect: true})

	s.NoError(err)
	s.True(ok)
	s.assertHandleInvariant(s.dev)
}

func (s *ContextSuite) TestConnect_ClearsStaleEvents() {
	// GOAL: Verify leftovers of a previous session do not satisfy a new connect
	//
	// TEST SCENARIO: Stale connection event queued → request accepted, no new event → connect times out

	s.dev.Events().Push(device.Event{Kind: device.EventConnection, Address: testAddress})
	s.dev.Events().Push(device.Event{Kind: device.EventDisconnection, Address: testAddress})
	s.dev.ConnectionFlag().Set()

	testutils.ExpectRequest[gateway.ConnectRequest](s.Gateway, nil).
		Return(gateway.OK(gateway.KindConnect, nil), nil).Once()

	ok, err := s.ctx.Connect(s.dev, &ConnectOptions{Timeout: 100 * time.Millisecond})

	s.NoError(err)
	s.False(ok, "a stale connection event MUST NOT satisfy connect")
	s.Zero(s.dev.Events().Len(), "stale events MUST be dropped")
	s.False(s.dev.ConnectionFlag().IsSet(), "connection flag MUST be reset")
}

func (s *ContextSuite) TestConnect_Pending() {
	// GOAL: Verify a connect without timeout returns at once and completes in the background
	//
	// TEST SCENARIO: Connect with zero timeout → true, device still connecting →
	//                connection event → device promoted

	testutils.ExpectRequest[gateway.ConnectRequest](s.Gateway, nil).
		Return(gateway.OK(gateway.KindConnect, nil), nil).Once()

	ok, err := s.ctx.Connect(s.dev, &ConnectOptions{})
	s.Require().NoError(err)
	s.True(ok, "accepted request MUST report true")
	s.True(s.ctx.connecting.Has(testAddress), "device MUST stay in connecting")

	s.Gateway.Emit(gateway.ConnectionComplete{Status: gateway.StatusSuccess, Address: testAddress, Handle: testHandle})

	s.True(s.dev.ConnectionFlag().Wait(s.TestTimeout), "connection MUST complete in the background")
	s.Zero(s.ctx.connecting.Len())
	s.assertHandleInvariant(s.dev)
}

func (s *ContextSuite) TestConnect_PendingFailureReleasesDevice() {
	// GOAL: Verify a failed background connect does not leave the device connecting
	//
	// TEST SCENARIO: Connect with zero timeout → adapter reports failure → connecting empty,
	//                connection failed event with status → retry connects

	testutils.ExpectRequest[gateway.ConnectRequest](s.Gateway, nil).
		Return(gateway.OK(gateway.KindConnect, nil), nil).Once()

	ok, err := s.ctx.Connect(s.dev, &ConnectOptions{})
	s.Require().NoError(err)
	s.Require().True(ok)

	s.Gateway.Emit(gateway.ConnectionComplete{Status: gateway.StatusConnectionFailed, Address: testAddress})

	ev, failed := s.dev.Events().FirstOfType(device.EventConnectionFailed, s.TestTimeout)
	s.Require().True(failed, "a failed connection MUST be published")
	s.Equal(gateway.StatusConnectionFailed, ev.Reason)
	s.assertNoLifecycleEntries()
	s.assertHandleInvariant(s.dev)

	s.connect(s.dev, testHandle)
	s.assertHandleInvariant(s.dev)
}

func (s *ContextSuite) TestConnect_HandleReuseDisplacesStaleRecord() {
	// GOAL: Verify a handle reused by the adapter never stays with two records
	//
	// TEST SCENARIO: A connected on handle, B connects on the same handle without A's disconnection →
	//                A cleared, its queue dropped, disconnection published; B owns the handle

	s.connect(s.dev, testHandle)
	s.ctx.notifications.Put(queueKey{address: testAddress, handle: s.notifyChar.ValueHandle}, queue.NewRing[device.Message](4))

	other := device.New("11:22:33:44:55:66")
	s.connect(other, testHandle)

	_, stillHeld := s.dev.Handle()
	s.False(stillHeld, "the displaced record MUST lose its handle")
	s.assertHandleInvariant(s.dev, other)
	s.Zero(s.ctx.notifications.Len(), "queues of a displaced unbonded record MUST be dropped")

	_, disconnected := s.dev.Events().FirstOfType(device.EventDisconnection, s.TestTimeout)
	s.True(disconnected, "the displaced record MUST see a disconnection")
	s.True(s.dev.DisconnectionFlag().IsSet())

	got, ok := s.ctx.connected.Get(testHandle)
	s.Require().True(ok)
	s.Same(other, got)
}

func (s *ContextSuite) TestDisconnect_Success() {
	// GOAL: Verify disconnect waits for the event and clears connection state
	//
	// TEST SCENARIO: Connected device → disconnect → event → true, registries empty, flag raised

	s.connect(s.dev, testHandle)
	s.expectDisconnect(testHandle)

	ok, err := s.ctx.Disconnect(s.dev, s.TestTimeout)

	s.Require().NoError(err)
	s.True(ok)
	s.assertNoLifecycleEntries()
	s.assertHandleInvariant(s.dev)
	s.True(s.dev.DisconnectionFlag().IsSet())
	s.Nil(s.dev.ConnectionParameters(), "connection parameters MUST be cleared")
}

func (s *ContextSuite) TestDisconnect_Timeout() {
	// GOAL: Verify disconnect without event returns false and keeps the device connected
	//
	// TEST SCENARIO: Request accepted, no event → false without error → marker removed, still connected

	s.connect(s.dev, testHandle)
	testutils.ExpectRequest[gateway.DisconnectRequest](s.Gateway, nil).
		Return(gateway.OK(gateway.KindDisconnect, nil), nil).Once()

	ok, err := s.ctx.Disconnect(s.dev, 100*time.Millisecond)

	s.NoError(err)
	s.False(ok)
	s.Zero(s.ctx.disconnecting.Len(), "disconnecting marker MUST be removed")
	s.True(s.dev.Connected())
	s.assertHandleInvariant(s.dev)
}

func (s *ContextSuite) TestDisconnect_InProgress() {
	// GOAL: Verify a second disconnect of the same handle is refused
	//
	// TEST SCENARIO: Disconnect marker present → disconnect → CONTEXT_INVALID_STATE, no request

	s.connect(s.dev, testHandle)
	s.ctx.disconnecting.Put(testHandle, s.dev)

	_, err := s.ctx.Disconnect(s.dev, time.Second)

	s.assertCause(err, device.CauseContextInvalidState)
	s.Empty(testutils.SentRequests[gateway.DisconnectRequest](s.Gateway))
}

func (s *ContextSuite) TestDisconnect_Unsolicited() {
	// GOAL: Verify a peer initiated disconnection is handled without a pending request
	//
	// TEST SCENARIO: Connected device → disconnection event → device removed, event queued

	s.connect(s.dev, testHandle)

	s.Gateway.Emit(gateway.DisconnectionComplete{
		Status: gateway.StatusSuccess,
		Handle: testHandle,
		Reason: gateway.StatusRemoteUserTerminated,
	})

	s.True(s.dev.DisconnectionFlag().Wait(s.TestTimeout), "disconnection MUST be reported")
	ev, ok := s.dev.Events().FirstOfType(device.EventDisconnection, 0)
	s.Require().True(ok)
	s.Equal(gateway.StatusRemoteUserTerminated, ev.Reason)
	s.assertNoLifecycleEntries()
	s.assertHandleInvariant(s.dev)
}

func (s *ContextSuite) TestDisconnect_QueueRetention() {
	// GOAL: Verify delivery queues survive a disconnection only for bonded devices
	//
	// TEST SCENARIO: Two connected devices with queues, one bonded → both disconnect →
	//                bonded keeps its queues, the other loses them

	bonded := device.New("11:22:33:44:55:66")
	bonded.SetBonded(true)
	s.connect(s.dev, testHandle)
	s.connect(bonded, testHandle+1)

	for _, dev := range []*device.Device{s.dev, bonded} {
		key := queueKey{address: dev.Address(), handle: s.notifyChar.ValueHandle}
		s.ctx.notifications.Put(key, queue.NewRing[device.Message](4))
		s.ctx.indications.Put(key, queue.NewRing[device.Message](4))
	}

	s.expectDisconnect(testHandle)
	s.expectDisconnect(testHandle + 1)
	for _, dev := range []*device.Device{s.dev, bonded} {
		ok, err := s.ctx.Disconnect(dev, s.TestTimeout)
		s.Require().NoError(err)
		s.Require().True(ok)
	}

	_, kept := s.ctx.NotificationQueue(bonded, s.notifyChar)
	s.True(kept, "bonded device MUST keep its notification queue")
	_, kept = s.ctx.IndicationQueue(bonded, s.notifyChar)
	s.True(kept, "bonded device MUST keep its indication queue")

	_, kept = s.ctx.NotificationQueue(s.dev, s.notifyChar)
	s.False(kept, "unbonded device MUST lose its notification queue")
	_, kept = s.ctx.IndicationQueue(s.dev, s.notifyChar)
	s.False(kept, "unbonded device MUST lose its indication queue")
}

func (s *ContextSuite) TestUpdateConnectionParameters() {
	// GOAL: Verify a parameter update is requested and its completion applied to the device
	//
	// TEST SCENARIO: Update request sent in adapter units → update complete event →
	//                device parameters replaced, event queued

	s.connect(s.dev, testHandle)
	updated := gateway.LinkParameters{IntervalMin: 80, IntervalMax: 80, Latency: 2, SupervisionTimeout: 600}
	testutils.ExpectRequest(s.Gateway, func(r gateway.UpdateConnectionParametersRequest) bool {
		return r.Handle == testHandle && r.Parameters == updated
	}).Return(gateway.OK(gateway.KindUpdateConnectionParameters, nil), nil).
		Run(func(mock.Arguments) {
			s.Gateway.Emit(gateway.ConnectionUpdateComplete{
				Status:     gateway.StatusSuccess,
				Handle:     testHandle,
				Parameters: updated,
			})
		}).Once()

	err := s.ctx.UpdateConnectionParameters(s.dev, *updated.ConnectionParameters())
	s.Require().NoError(err)

	ev, ok := s.dev.Events().FirstOfType(device.EventParameterUpdate, s.TestTimeout)
	s.Require().True(ok, "parameter update MUST be reported")
	s.Equal(100*time.Millisecond, ev.Parameters.MinInterval)
	s.Equal(uint16(2), s.dev.ConnectionParameters().Latency)

	bad := device.ConnectionParameters{MinInterval: time.Millisecond, MaxInterval: time.Millisecond}
	s.assertCause(s.ctx.UpdateConnectionParameters(s.dev, bad), device.CauseParameterError)
}

func (s *ContextSuite) TestDeleteBond_NeverBonded() {
	// GOAL: Verify deleting the bond of an unbonded device sends nothing
	//
	// TEST SCENARIO: Unbonded, disconnected device → delete bond → nil, no request

	s.NoError(s.ctx.DeleteBond(s.dev))
	s.Empty(testutils.SentRequests[gateway.DeleteBondRequest](s.Gateway))
	s.assertCause(s.ctx.DeleteBond(nil), device.CauseParameterError)
}

func (s *ContextSuite) TestDeleteBond_Connected() {
	// GOAL: Verify a bonded connected device is disconnected before its bond is deleted
	//
	// TEST SCENARIO: Bonded connected device with queues → delete bond → disconnect, then delete request →
	//                bonding reset, queues dropped

	s.connect(s.dev, testHandle)
	s.dev.SetBonded(true)
	s.dev.SetBondingState(device.BondingState{Phase: device.BondingBonded, Reason: device.ReasonPasskey})
	s.dev.SetSecurityParameters(&device.SecurityParameters{Bonded: true})
	s.ctx.notifications.Put(queueKey{address: testAddress, handle: s.notifyChar.ValueHandle}, queue.NewRing[device.Message](4))

	s.expectDisconnect(testHandle)
	testutils.ExpectRequest(s.Gateway, func(r gateway.DeleteBondRequest) bool { return r.Address == testAddress }).
		Return(gateway.OK(gateway.KindDeleteBond, nil), nil).Once()

	s.Require().NoError(s.ctx.DeleteBond(s.dev))

	s.False(s.dev.Connected(), "device MUST be disconnected")
	s.False(s.dev.Bonded(), "bond MUST be cleared")
	s.Equal(device.BondingNone, s.dev.BondingState().Phase)
	s.Nil(s.dev.SecurityParameters())
	s.Zero(s.ctx.notifications.Len(), "queues MUST be dropped with the bond")
}

func (s *ContextSuite) TestDeleteBond_DisconnectTimeout() {
	// GOAL: Verify the bond is kept when the device does not disconnect
	//
	// TEST SCENARIO: Bonded connected device, disconnect never completes → internal timeout error

	s.Config.DefaultConnectTimeout = 100 * time.Millisecond
	s.connect(s.dev, testHandle)
	s.dev.SetBonded(true)
	testutils.ExpectRequest[gateway.DisconnectRequest](s.Gateway, nil).
		Return(gateway.OK(gateway.KindDisconnect, nil), nil).Once()

	err := s.ctx.DeleteBond(s.dev)

	s.assertCause(err, device.CauseContextInternal)
	s.ErrorIs(err, device.ErrTimeout)
	s.True(s.dev.Bonded(), "bond MUST be kept")
	s.Empty(testutils.SentRequests[gateway.DeleteBondRequest](s.Gateway))
}

func (s *ContextSuite) TestConnectionSecurityParameters() {
	// GOAL: Verify security parameters are read from the connected record
	//
	// TEST SCENARIO: Connected without pairing → nil; after setting → same value

	s.connect(s.dev, testHandle)

	params, err := s.ctx.ConnectionSecurityParameters(s.dev)
	s.NoError(err)
	s.Nil(params)

	want := &device.SecurityParameters{Bonded: true, Authenticated: true, Method: device.ReasonPasskey}
	s.dev.SetSecurityParameters(want)
	params, err = s.ctx.ConnectionSecurityParameters(s.dev)
	s.NoError(err)
	s.Equal(want.Method, params.Method)
	s.True(params.Authenticated)
}
