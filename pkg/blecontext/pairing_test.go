package blecontext

import (
	"time"

	"github.com/srg/blectx/internal/device"
	"github.com/srg/blectx/internal/gateway"
	"github.com/srg/blectx/internal/testutils"
	"github.com/stretchr/testify/mock"
)

func (s *ContextSuite) keypress(k device.KeypressType) gateway.Keypress {
	return gateway.Keypress{Handle: testHandle, Address: testAddress, Type: k}
}

// drainPairing reads n pairing events for dev
func (s *ContextSuite) drainPairing(dev *device.Device, n int) []device.PairingEvent {
	out := make([]device.PairingEvent, 0, n)
	for i := 0; i < n; i++ {
		ev, err := s.ctx.PairingEvent(dev, s.TestTimeout)
		s.Require().NoError(err, "pairing event %d MUST arrive", i)
		out = append(out, ev)
	}
	return out
}

func (s *ContextSuite) TestPairing_PasskeySequence() {
	// GOAL: Verify a complete passkey entry walks the bonding states and ends bonded
	//
	// TEST SCENARIO: started → entry started → 6 digits with one erase → entry complete → success →
	//                BONDED(Passkey), authenticated security parameters, pairing result event

	s.connect(s.dev, testHandle)

	events := []gateway.Event{
		gateway.PairingStarted{Handle: testHandle, Address: testAddress},
		s.keypress(device.KeypressEntryStarted),
	}
	for i := 0; i < 6; i++ {
		events = append(events, s.keypress(device.KeypressDigitEntered))
	}
	events = append(events,
		s.keypress(device.KeypressDigitErased),
		s.keypress(device.KeypressDigitEntered),
		s.keypress(device.KeypressEntryComplete),
		gateway.PairingComplete{Handle: testHandle, Address: testAddress, Status: device.PairingSuccess},
	)
	s.Gateway.Emit(events...)

	got := s.drainPairing(s.dev, len(events))

	s.Equal(device.PairingEventStarted, got[0].Kind)
	s.Equal(device.BondingStarted, got[0].State.Phase)
	s.Equal(device.BondingKeyPass, got[1].State.Phase)
	s.Equal(6, got[7].State.Digits, "six digits MUST be counted")
	s.Equal(5, got[8].State.Digits, "erase MUST remove one digit")
	s.Equal(device.BondingKeyPassComplete, got[10].State.Phase)
	s.Equal(6, got[10].State.Digits)

	last := got[len(got)-1]
	s.Equal(device.PairingEventComplete, last.Kind)
	s.Equal(device.PairingSuccess, last.Status)
	s.Equal("BONDED(Passkey)", last.State.String())

	s.True(s.dev.Bonded(), "successful pairing MUST bond")
	sec := s.dev.SecurityParameters()
	s.Require().NotNil(sec)
	s.True(sec.Authenticated, "passkey bonding MUST be authenticated")
	s.Equal(device.ReasonPasskey, sec.Method)

	ev, ok := s.dev.Events().FirstOfType(device.EventPairingResult, s.TestTimeout)
	s.Require().True(ok, "pairing result MUST be published")
	s.Equal(device.BondingBonded, ev.Bonding.Phase)
}

func (s *ContextSuite) TestPairing_SlowConsumerLosesNothing() {
	// GOAL: Verify pairing actions are kept however many arrive before anyone reads them
	//
	// TEST SCENARIO: started → entry started → 3x queue capacity digits, all handled before reading →
	//                every action queued → drained in order, digit count rising one by one

	s.connect(s.dev, testHandle)

	digits := 3 * s.Config.QueueCapacity
	events := []gateway.Event{
		gateway.PairingStarted{Handle: testHandle, Address: testAddress},
		s.keypress(device.KeypressEntryStarted),
	}
	for i := 0; i < digits; i++ {
		events = append(events, s.keypress(device.KeypressDigitEntered))
	}
	s.Gateway.Emit(events...)
	s.barrier()

	q, ok := s.ctx.pairing.Get(testAddress)
	s.Require().True(ok)
	s.Equal(len(events), q.Len(), "no pairing action MUST be dropped")

	got := s.drainPairing(s.dev, len(events))
	s.Equal(device.PairingEventStarted, got[0].Kind, "the oldest action MUST survive")
	s.Equal(device.KeypressEntryStarted, got[1].Keypress)
	for i := 0; i < digits; i++ {
		s.Equal(i+1, got[i+2].State.Digits, "digit %d MUST be delivered in order", i)
	}
}

func (s *ContextSuite) TestPairing_JustWorksCompletion() {
	// GOAL: Verify a completion without passkey bonds with an unknown reason
	//
	// TEST SCENARIO: started → success → BONDED(Unknown), not authenticated

	s.connect(s.dev, testHandle)
	s.Gateway.Emit(
		gateway.PairingStarted{Handle: testHandle, Address: testAddress},
		gateway.PairingComplete{Handle: testHandle, Address: testAddress, Status: device.PairingSuccess},
	)

	got := s.drainPairing(s.dev, 2)

	s.Equal("BONDED(Unknown)", got[1].State.String())
	s.False(s.dev.SecurityParameters().Authenticated)
}

func (s *ContextSuite) TestPairing_Failure() {
	// GOAL: Verify a failed pairing is reported and does not bond
	//
	// TEST SCENARIO: started → authentication failure → FAILED, not bonded; other status → unhandled

	s.connect(s.dev, testHandle)
	s.Gateway.Emit(
		gateway.PairingStarted{Handle: testHandle, Address: testAddress},
		gateway.PairingComplete{Handle: testHandle, Address: testAddress, Status: device.PairingAuthenticationFailure},
	)

	got := s.drainPairing(s.dev, 2)

	s.Equal(device.BondingFailed, got[1].State.Phase)
	s.Equal(device.PairingAuthenticationFailure.String(), got[1].State.Reason)
	s.False(s.dev.Bonded())
	s.Nil(s.dev.SecurityParameters())

	s.dev.SetBondingState(device.BondingState{Phase: device.BondingNone})
	s.Gateway.Emit(gateway.PairingComplete{Handle: testHandle, Address: testAddress, Status: device.PairingTimeout})
	got = s.drainPairing(s.dev, 1)
	s.Equal(device.ReasonUnhandledStatus, got[0].State.Reason)
}

func (s *ContextSuite) TestPairing_OutOfSequenceIsSticky() {
	// GOAL: Verify an out of sequence keypress sets ERROR until the link drops
	//
	// TEST SCENARIO: keypress digit without pairing start → ERROR → pairing started ignored →
	//                disconnection → NO_BONDING
	//
	// Observed on real adapters rather than intended: out of sequence notifications are
	// coerced to ERROR instead of rejected, and only a disconnection leaves ERROR.

	s.connect(s.dev, testHandle)
	s.Gateway.Emit(
		s.keypress(device.KeypressDigitEntered),
		gateway.PairingStarted{Handle: testHandle, Address: testAddress},
	)

	got := s.drainPairing(s.dev, 2)
	s.Equal(device.BondingError, got[0].State.Phase, "keypress without start MUST be an error")
	s.Equal(device.BondingError, got[1].State.Phase, "ERROR MUST be sticky")
	s.True(s.ctx.IsOpen(), "a state machine error MUST NOT close the context")

	s.expectDisconnect(testHandle)
	ok, err := s.ctx.Disconnect(s.dev, s.TestTimeout)
	s.Require().NoError(err)
	s.Require().True(ok)
	s.Equal(device.BondingNone, s.dev.BondingState().Phase, "disconnection MUST reset ERROR")
}

func (s *ContextSuite) TestPairing_UnknownDeviceCreatesRecord() {
	// GOAL: Verify a pairing event from an address the context never saw creates its record
	//
	// TEST SCENARIO: pairing started from unknown address → record in devices → pairing queue filled

	s.Gateway.Emit(gateway.PairingStarted{Handle: 0x0099, Address: "11:22:33:44:55:66"})
	s.barrier()

	dev, ok := s.ctx.Device("11:22:33:44:55:66")
	s.Require().True(ok, "record MUST be created")
	s.Equal(device.BondingStarted, dev.BondingState().Phase)

	ev, err := s.ctx.PairingEvent(dev, s.TestTimeout)
	s.Require().NoError(err)
	s.Equal(device.PairingEventStarted, ev.Kind)
}

func (s *ContextSuite) TestPairing_PasskeyDisplay() {
	// GOAL: Verify a passkey to display is published without a state change
	//
	// TEST SCENARIO: started → passkey display → display event with passkey → state still STARTED

	s.connect(s.dev, testHandle)
	s.Gateway.Emit(
		gateway.PairingStarted{Handle: testHandle, Address: testAddress},
		gateway.PasskeyDisplay{Handle: testHandle, Address: testAddress, Passkey: 123456},
	)

	got := s.drainPairing(s.dev, 2)
	s.Equal(device.PairingEventPasskeyDisplay, got[1].Kind)
	s.Equal(uint32(123456), got[1].Passkey)
	s.Equal(device.BondingStarted, got[1].State.Phase)

	ev, ok := s.dev.Events().FirstOfType(device.EventDisplayPasskey, 0)
	s.Require().True(ok, "display event MUST be published")
	s.Equal(uint32(123456), ev.Passkey)
}

func (s *ContextSuite) TestAuthenticateJustWorks() {
	// GOAL: Verify just works authentication sends its request
	//
	// TEST SCENARIO: Connected device → request acknowledged → nil; rejected → AUTHENTICATION_FAILED

	s.connect(s.dev, testHandle)
	testutils.ExpectRequest(s.Gateway, func(r gateway.AuthenticateJustWorksRequest) bool { return r.Handle == testHandle }).
		Return(gateway.OK(gateway.KindAuthenticateJustWorks, nil), nil).Once()
	testutils.ExpectRequest[gateway.AuthenticateJustWorksRequest](s.Gateway, nil).
		Return(gateway.Fail(gateway.KindAuthenticateJustWorks, device.CauseAuthFailed, "pairing refused"), nil).Once()

	s.NoError(s.ctx.AuthenticateJustWorks(s.dev))
	s.assertCause(s.ctx.AuthenticateJustWorks(s.dev), device.CauseAuthFailed)
}

func (s *ContextSuite) TestAuthenticateKeypressStart() {
	// GOAL: Verify keypress authentication returns once passkey entry started
	//
	// TEST SCENARIO: Request → pairing started, entry started emitted → nil, remaining events left for the caller

	s.connect(s.dev, testHandle)
	testutils.ExpectRequest(s.Gateway, func(r gateway.AuthenticateKeypressRequest) bool { return r.Handle == testHandle }).
		Return(gateway.OK(gateway.KindAuthenticateKeypress, nil), nil).
		Run(func(mock.Arguments) {
			s.Gateway.Emit(
				gateway.PairingStarted{Handle: testHandle, Address: testAddress},
				s.keypress(device.KeypressEntryStarted),
				s.keypress(device.KeypressDigitEntered),
			)
		}).Once()

	s.Require().NoError(s.ctx.AuthenticateKeypressStart(s.dev, s.TestTimeout))

	ev, err := s.ctx.PairingEvent(s.dev, s.TestTimeout)
	s.Require().NoError(err)
	s.Equal(device.KeypressDigitEntered, ev.Keypress, "later events MUST stay queued")
	s.Equal(1, ev.State.Digits)
}

func (s *ContextSuite) TestAuthenticateKeypressStart_Timeout() {
	// GOAL: Verify keypress authentication gives up when entry never starts
	//
	// TEST SCENARIO: Request → only pairing started → CONTEXT_INTERNAL_ERROR wrapping the timeout

	s.connect(s.dev, testHandle)
	testutils.ExpectRequest[gateway.AuthenticateKeypressRequest](s.Gateway, nil).
		Return(gateway.OK(gateway.KindAuthenticateKeypress, nil), nil).
		Run(func(mock.Arguments) {
			s.Gateway.Emit(gateway.PairingStarted{Handle: testHandle, Address: testAddress})
		}).Once()

	err := s.ctx.AuthenticateKeypressStart(s.dev, 100*time.Millisecond)

	s.assertCause(err, device.CauseContextInternal)
	s.ErrorIs(err, device.ErrTimeout)
}

func (s *ContextSuite) TestPairingEvent_Errors() {
	// GOAL: Verify pairing event retrieval errors
	//
	// TEST SCENARIO: device without queue → DEVICE_UNKNOWN; empty queue → DEVICE_NOT_FOUND after timeout;
	//                nil device → PARAMETER_ERROR

	_, err := s.ctx.PairingEvent(s.dev, 10*time.Millisecond)
	s.assertCause(err, device.CauseDeviceUnknown)

	s.connect(s.dev, testHandle)
	_, err = s.ctx.PairingEvent(s.dev, 50*time.Millisecond)
	s.assertCause(err, device.CauseDeviceNotFound)
	s.ErrorIs(err, device.ErrTimeout)

	_, err = s.ctx.PairingEvent(nil, time.Millisecond)
	s.assertCause(err, device.CauseParameterError)
}
