package event

import (
	"DonationLedger/internal/ledger"
	"time"

	"github.com/google/uuid"
	"lukechampine.com/uint128"
)

// Initialize sets the beneficiary of a fresh ledger.
type Initialize struct {
	CallID      uuid.UUID
	Caller      ledger.Identity
	Beneficiary ledger.Identity
	Timestamp   time.Time
}

func (c *Initialize) IdempotencyKey() string    { return c.CallID.String() }
func (c *Initialize) CallType() CallType        { return CallTypeInitialize }
func (c *Initialize) CallerID() ledger.Identity { return c.Caller }
func (c *Initialize) CallNonce() uint64         { return 0 }
func (c *Initialize) CallTime() time.Time       { return c.Timestamp }

// Donate carries value attached by the caller. The host has escrowed Amount
// before the call is delivered.
type Donate struct {
	CallID     uuid.UUID
	Caller     ledger.Identity
	Amount     uint128.Uint128
	FeeReserve uint64
	Nonce      uint64
	Timestamp  time.Time
}

func (c *Donate) IdempotencyKey() string    { return c.CallID.String() }
func (c *Donate) CallType() CallType        { return CallTypeDonate }
func (c *Donate) CallerID() ledger.Identity { return c.Caller }
func (c *Donate) CallNonce() uint64         { return c.Nonce }
func (c *Donate) CallTime() time.Time       { return c.Timestamp }

// Withdraw asks for the pooled balance to be paid to the beneficiary.
type Withdraw struct {
	CallID     uuid.UUID
	Caller     ledger.Identity
	FeeReserve uint64
	Nonce      uint64
	Timestamp  time.Time
}

func (c *Withdraw) IdempotencyKey() string    { return c.CallID.String() }
func (c *Withdraw) CallType() CallType        { return CallTypeWithdraw }
func (c *Withdraw) CallerID() ledger.Identity { return c.Caller }
func (c *Withdraw) CallNonce() uint64         { return c.Nonce }
func (c *Withdraw) CallTime() time.Time       { return c.Timestamp }

// TransferSettled reports that the host moved the funds of a withdrawal.
type TransferSettled struct {
	TransferID uuid.UUID
	Timestamp  time.Time
}

func (c *TransferSettled) IdempotencyKey() string    { return c.TransferID.String() }
func (c *TransferSettled) CallType() CallType        { return CallTypeTransferSettled }
func (c *TransferSettled) CallerID() ledger.Identity { return "" }
func (c *TransferSettled) CallNonce() uint64         { return 0 }
func (c *TransferSettled) CallTime() time.Time       { return c.Timestamp }

// TransferFailed reports that a withdrawal transfer did not settle. The
// ledger keeps its zeroed balance; the failure is surfaced for reconciliation.
type TransferFailed struct {
	TransferID uuid.UUID
	Reason     string
	Timestamp  time.Time
}

func (c *TransferFailed) IdempotencyKey() string    { return c.TransferID.String() }
func (c *TransferFailed) CallType() CallType        { return CallTypeTransferFailed }
func (c *TransferFailed) CallerID() ledger.Identity { return "" }
func (c *TransferFailed) CallNonce() uint64         { return 0 }
func (c *TransferFailed) CallTime() time.Time       { return c.Timestamp }
