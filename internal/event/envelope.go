package event

import (
	"DonationLedger/internal/ledger"
	"time"
)

// CallType discriminator for call payloads
type CallType int32

const (
	CallTypeUnknown CallType = iota
	CallTypeInitialize
	CallTypeDonate
	CallTypeWithdraw
	CallTypeTransferSettled
	CallTypeTransferFailed
)

// EventEnvelope wraps every applied call in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by the host
	Sequence int64

	// Stable idempotency key from the caller
	IdempotencyKey string

	CallType CallType

	// Authenticated signer; empty for host-originated settlement calls
	Caller ledger.Identity

	// Per-caller nonce, 0 when the call carried none
	Nonce uint64

	// Versioned input timestamp (NOT wall-clock at apply time)
	Timestamp time.Time

	// SHA-256 of state AFTER applying this call
	StateHash [32]byte

	// Previous call's state hash (chain integrity)
	PrevHash [32]byte
}

// Call is the interface every host-delivered call implements
type Call interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// CallType returns the discriminator
	CallType() CallType

	// CallerID returns the authenticated signer
	CallerID() ledger.Identity

	// CallNonce returns the per-caller ordering key (0 = unordered)
	CallNonce() uint64

	// CallTime returns the timestamp stamped at ingress
	CallTime() time.Time
}

func (ct CallType) String() string {
	switch ct {
	case CallTypeInitialize:
		return "Initialize"
	case CallTypeDonate:
		return "Donate"
	case CallTypeWithdraw:
		return "Withdraw"
	case CallTypeTransferSettled:
		return "TransferSettled"
	case CallTypeTransferFailed:
		return "TransferFailed"
	default:
		return "Unknown"
	}
}

// ParseCallType is the inverse of CallType.String.
func ParseCallType(s string) CallType {
	switch s {
	case "Initialize":
		return CallTypeInitialize
	case "Donate":
		return CallTypeDonate
	case "Withdraw":
		return CallTypeWithdraw
	case "TransferSettled":
		return CallTypeTransferSettled
	case "TransferFailed":
		return CallTypeTransferFailed
	default:
		return CallTypeUnknown
	}
}

// Payable reports whether calls of this type attach value and therefore
// require a fee reserve at the host.
func (ct CallType) Payable() bool {
	return ct == CallTypeDonate
}
