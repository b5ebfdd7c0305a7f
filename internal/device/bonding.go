package device

import "fmt"

// BondingPhase is the tag of a BondingState
type BondingPhase int

const (
	BondingNone BondingPhase = iota
	BondingStarted
	BondingKeyPass
	BondingKeyPassComplete
	BondingBonded
	BondingFailed
	BondingError
)

var bondingPhaseNames = map[BondingPhase]string{
	BondingNone:            "NO_BONDING",
	BondingStarted:         "STARTED",
	BondingKeyPass:         "KEY_PASS_BONDING",
	BondingKeyPassComplete: "KEY_PASS_BONDING_COMPLETE",
	BondingBonded:          "BONDED",
	BondingFailed:          "FAILED",
	BondingError:           "ERROR",
}

func (p BondingPhase) String() string {
	if name, ok := bondingPhaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("BondingPhase(%d)", int(p))
}

// BondingState is the per-device bonding status.
// Digits is meaningful for KEY_PASS phases, Reason for BONDED/FAILED/ERROR.
type BondingState struct {
	Phase  BondingPhase
	Digits int
	Reason string
}

func (s BondingState) String() string {
	switch s.Phase {
	case BondingKeyPass, BondingKeyPassComplete:
		return fmt.Sprintf("%s(%d)", s.Phase, s.Digits)
	case BondingBonded, BondingFailed, BondingError:
		return fmt.Sprintf("%s(%s)", s.Phase, s.Reason)
	default:
		return s.Phase.String()
	}
}

// KeypressType is the SMP keypress notification type
type KeypressType uint8

const (
	KeypressEntryStarted  KeypressType = 0x00
	KeypressDigitEntered  KeypressType = 0x01
	KeypressDigitErased   KeypressType = 0x02
	KeypressCleared       KeypressType = 0x03
	KeypressEntryComplete KeypressType = 0x04
)

func (k KeypressType) String() string {
	switch k {
	case KeypressEntryStarted:
		return "PASSKEY_ENTRY_STARTED"
	case KeypressDigitEntered:
		return "PASSKEY_DIGIT_ENTERED"
	case KeypressDigitErased:
		return "PASSKEY_DIGIT_ERASED"
	case KeypressCleared:
		return "PASSKEY_CLEARED"
	case KeypressEntryComplete:
		return "PASSKEY_ENTRY_COMPLETED"
	default:
		return fmt.Sprintf("KeypressType(%d)", uint8(k))
	}
}

// PairingStatus is the status reported by a pairing-complete notification
type PairingStatus uint8

const (
	PairingSuccess               PairingStatus = 0x00
	PairingPasskeyEntryFailed    PairingStatus = 0x01
	PairingOOBNotAvailable       PairingStatus = 0x02
	PairingAuthenticationFailure PairingStatus = 0x03
	PairingConfirmValueFailed    PairingStatus = 0x04
	PairingNotSupported          PairingStatus = 0x05
	PairingTimeout               PairingStatus = 0xFF
)

func (s PairingStatus) String() string {
	switch s {
	case PairingSuccess:
		return "Success"
	case PairingPasskeyEntryFailed:
		return "Passkey entry failed"
	case PairingOOBNotAvailable:
		return "OOB not available"
	case PairingAuthenticationFailure:
		return "Authentication failure"
	case PairingConfirmValueFailed:
		return "Confirm value failed"
	case PairingNotSupported:
		return "Pairing not supported"
	case PairingTimeout:
		return "Timeout"
	default:
		return fmt.Sprintf("PairingStatus(%d)", uint8(s))
	}
}

// PairingNotification is an input of the pairing state machine
type PairingNotification interface {
	pairingNotification()
}

// PairingStartedNote signals the peer started a pairing procedure
type PairingStartedNote struct{}

// KeypressNote carries one SMP keypress notification
type KeypressNote struct {
	Type KeypressType
}

// PairingCompleteNote carries the final pairing status
type PairingCompleteNote struct {
	Status PairingStatus
}

func (PairingStartedNote) pairingNotification()  {}
func (KeypressNote) pairingNotification()        {}
func (PairingCompleteNote) pairingNotification() {}

// Bonding reasons
const (
	ReasonPasskey         = "Passkey"
	ReasonUnknown         = "Unknown"
	ReasonUnhandledStatus = "Unhandled status"
)

// NextBondingState folds one pairing notification into the current state.
// It never fails: an out-of-sequence notification yields an ERROR state, and
// ERROR only leaves through a disconnection (see Device.ClearConnection).
func NextBondingState(cur BondingState, n PairingNotification) BondingState {
	if cur.Phase == BondingError {
		return cur
	}

	switch note := n.(type) {
	case PairingStartedNote:
		if cur.Phase != BondingNone {
			return errorState("pairing started while in %s", cur)
		}
		return BondingState{Phase: BondingStarted}

	case KeypressNote:
		return nextKeypressState(cur, note.Type)

	case PairingCompleteNote:
		switch note.Status {
		case PairingSuccess:
			reason := ReasonUnknown
			if cur.Phase == BondingKeyPassComplete {
				reason = ReasonPasskey
			}
			return BondingState{Phase: BondingBonded, Reason: reason}
		case PairingAuthenticationFailure:
			return BondingState{Phase: BondingFailed, Reason: note.Status.String()}
		default:
			return BondingState{Phase: BondingFailed, Reason: ReasonUnhandledStatus}
		}

	default:
		return errorState("unexpected pairing notification %T", n)
	}
}

func nextKeypressState(cur BondingState, k KeypressType) BondingState {
	switch cur.Phase {
	case BondingStarted:
		if k == KeypressEntryStarted {
			return BondingState{Phase: BondingKeyPass}
		}
	case BondingKeyPass:
		switch k {
		case KeypressDigitEntered:
			return BondingState{Phase: BondingKeyPass, Digits: cur.Digits + 1}
		case KeypressDigitErased:
			digits := cur.Digits - 1
			if digits < 0 {
				digits = 0
			}
			return BondingState{Phase: BondingKeyPass, Digits: digits}
		case KeypressCleared:
			return BondingState{Phase: BondingKeyPass}
		case KeypressEntryComplete:
			return BondingState{Phase: BondingKeyPassComplete, Digits: cur.Digits}
		}
	}
	return errorState("keypress %s received while in %s", k, cur)
}

func errorState(format string, args ...any) BondingState {
	return BondingState{Phase: BondingError, Reason: fmt.Sprintf(format, args...)}
}
