package ledger

import (
	"fmt"

	"lukechampine.com/uint128"
)

// Identity is an opaque account reference. The host authenticates it before
// any ledger operation runs.
type Identity string

// Valid reports whether the identity is usable as a donor or beneficiary.
func (id Identity) Valid() bool {
	return id != ""
}

func (id Identity) String() string {
	return string(id)
}

// OperationKind discriminates history entries
type OperationKind int32

const (
	OperationDonation OperationKind = iota
	OperationWithdrawal
)

func (k OperationKind) String() string {
	switch k {
	case OperationDonation:
		return "Donation"
	case OperationWithdrawal:
		return "Withdrawal"
	default:
		return "Unknown"
	}
}

// ParseOperationKind is the inverse of OperationKind.String.
func ParseOperationKind(s string) (OperationKind, error) {
	switch s {
	case "Donation":
		return OperationDonation, nil
	case "Withdrawal":
		return OperationWithdrawal, nil
	default:
		return 0, fmt.Errorf("unknown operation kind: %q", s)
	}
}

// Entry is one immutable history record.
type Entry struct {
	Actor  Identity
	Kind   OperationKind
	Amount uint128.Uint128
}

// TransferRequest is the outbound command produced by a successful withdrawal.
// The host fulfils it after the call returns; the ledger never observes the outcome.
type TransferRequest struct {
	Beneficiary Identity
	Amount      uint128.Uint128
}
