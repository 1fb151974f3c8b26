package server

import (
	"DonationLedger/internal/amount"
	"DonationLedger/internal/core"
	"DonationLedger/internal/ledger"

	"lukechampine.com/uint128"
)

// Request and response messages of donationledger.v1. They travel as JSON
// over gRPC (content-subtype "json") and over the HTTP gateway.

type InitializeRequest struct {
	CallID      string `json:"call_id,omitempty"`
	Beneficiary string `json:"beneficiary"`
}

type DonateRequest struct {
	CallID     string `json:"call_id,omitempty"`
	Amount     string `json:"amount"` // raw u128, decimal string
	FeeReserve uint64 `json:"fee_reserve"`
	Nonce      uint64 `json:"nonce,omitempty"`
}

type WithdrawRequest struct {
	CallID     string `json:"call_id,omitempty"`
	FeeReserve uint64 `json:"fee_reserve"`
	Nonce      uint64 `json:"nonce,omitempty"`
}

// CallResponse is returned by every state-changing method.
type CallResponse struct {
	Sequence     int64            `json:"sequence"`
	Duplicate    bool             `json:"duplicate,omitempty"`
	Entry        *EntryMessage    `json:"entry,omitempty"`
	Transfer     *TransferMessage `json:"transfer,omitempty"`
	Balance      string           `json:"balance"`
	BalanceHuman string           `json:"balance_human"`
}

type GetHistoryRequest struct {
	Offset int `json:"offset,omitempty"`
	Limit  int `json:"limit,omitempty"`
}

type GetHistoryResponse struct {
	Entries      []EntryMessage `json:"entries"`
	Offset       int            `json:"offset"`
	Total        int            `json:"total"`
	AsOfSequence int64          `json:"as_of_sequence"`
}

type GetBalanceRequest struct{}

type GetBalanceResponse struct {
	Balance      string `json:"balance"`
	BalanceHuman string `json:"balance_human"`
	HistoryLen   int    `json:"history_len"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

type GetBeneficiaryRequest struct{}

type GetBeneficiaryResponse struct {
	Beneficiary  string `json:"beneficiary"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

type TopDonorsRequest struct {
	Limit int `json:"limit,omitempty"`
}

type GetTransferRequest struct {
	TransferID string `json:"transfer_id"`
}

type GetExpectedNonceRequest struct {
	Caller string `json:"caller,omitempty"` // defaults to the authenticated caller
}

type GetExpectedNonceResponse struct {
	Caller string `json:"caller"`
	Nonce  uint64 `json:"nonce"`
}

// EntryMessage is one history entry on the wire.
type EntryMessage struct {
	Position    int    `json:"position"`
	Actor       string `json:"actor"`
	Kind        string `json:"kind"`
	Amount      string `json:"amount"`
	AmountHuman string `json:"amount_human"`
}

// TransferMessage is a withdrawal transfer on the wire.
type TransferMessage struct {
	TransferID   string `json:"transfer_id"`
	Sequence     int64  `json:"sequence"`
	Beneficiary  string `json:"beneficiary"`
	Amount       string `json:"amount"`
	AmountHuman  string `json:"amount_human"`
	Status       string `json:"status"`
	Reason       string `json:"reason,omitempty"`
	AsOfSequence int64  `json:"as_of_sequence,omitempty"`
}

// --- Admin ---

type TakeSnapshotRequest struct{}

type TakeSnapshotResponse struct {
	Sequence int64 `json:"sequence"`
}

type RebuildProjectionsRequest struct{}

type RebuildProjectionsResponse struct {
	Sequence int64 `json:"sequence"`
}

type VerifyIntegrityRequest struct{}

// --- conversions ---

func entryMessage(e ledger.Entry, position int) EntryMessage {
	return EntryMessage{
		Position:    position,
		Actor:       string(e.Actor),
		Kind:        e.Kind.String(),
		Amount:      e.Amount.String(),
		AmountHuman: amount.Human(e.Amount),
	}
}

func transferMessage(t core.Transfer) *TransferMessage {
	return &TransferMessage{
		TransferID:  t.ID.String(),
		Sequence:    t.Sequence,
		Beneficiary: string(t.Beneficiary),
		Amount:      t.Amount.String(),
		AmountHuman: amount.Human(t.Amount),
		Status:      string(t.Status),
		Reason:      t.Reason,
	}
}

func callResponse(r core.Receipt) *CallResponse {
	resp := &CallResponse{
		Sequence:  r.Sequence,
		Duplicate: r.Duplicate,
	}
	if r.Entry != nil {
		m := entryMessage(*r.Entry, r.Position)
		resp.Entry = &m
	}
	if r.Transfer != nil {
		resp.Transfer = transferMessage(*r.Transfer)
	}
	setBalance(resp, r.Balance, r.Duplicate)
	return resp
}

func setBalance(resp *CallResponse, b uint128.Uint128, duplicate bool) {
	if duplicate {
		// A duplicate carries no state; the caller reads the balance instead.
		return
	}
	resp.Balance = b.String()
	resp.BalanceHuman = amount.Human(b)
}
