package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"DonationLedger/internal/amount"
	"DonationLedger/internal/event"
	"DonationLedger/internal/ledger"

	"github.com/google/uuid"
)

// ParseRawEvent converts a RawEvent (JSON bytes + call type string) into a
// typed event.Call. A payload without timestamp_us is stamped with the
// ingress time so the stored call replays identically.
func ParseRawEvent(raw RawEvent, callType string) (event.Call, error) {
	ct := event.ParseCallType(callType)
	if ct == event.CallTypeUnknown {
		return nil, fmt.Errorf("unknown call type: %s", callType)
	}
	return parseCall(ct, raw.Data, raw.Timestamp)
}

// ParseCall decodes a stored wire payload. Used by replay, where every
// payload already carries its timestamp.
func ParseCall(ct event.CallType, data []byte) (event.Call, error) {
	return parseCall(ct, data, time.Time{})
}

func parseCall(ct event.CallType, data []byte, ingress time.Time) (event.Call, error) {
	var j callJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ct, err)
	}

	ts := ingress
	if j.TimestampUs != 0 {
		ts = time.UnixMicro(j.TimestampUs).UTC()
	}

	switch ct {
	case event.CallTypeInitialize:
		return parseInitialize(j, ts)
	case event.CallTypeDonate:
		return parseDonate(j, ts)
	case event.CallTypeWithdraw:
		return parseWithdraw(j, ts)
	case event.CallTypeTransferSettled:
		return parseTransferSettled(j, ts)
	case event.CallTypeTransferFailed:
		return parseTransferFailed(j, ts)
	default:
		return nil, fmt.Errorf("unknown call type: %s", ct)
	}
}

// --- JSON wire format ---
// One flat shape serves every call type; fields a type does not use are
// omitted. Field names use snake_case to match upstream producers.

type callJSON struct {
	CallID      string `json:"call_id,omitempty"`
	Caller      string `json:"caller,omitempty"`
	Amount      string `json:"amount,omitempty"` // base-10 u128
	FeeReserve  uint64 `json:"fee_reserve,omitempty"`
	Nonce       uint64 `json:"nonce,omitempty"`
	Beneficiary string `json:"beneficiary,omitempty"`
	TransferID  string `json:"transfer_id,omitempty"`
	Reason      string `json:"reason,omitempty"`
	TimestampUs int64  `json:"timestamp_us,omitempty"`
}

func parseInitialize(j callJSON, ts time.Time) (*event.Initialize, error) {
	callID, err := uuid.Parse(j.CallID)
	if err != nil {
		return nil, fmt.Errorf("parse call_id: %w", err)
	}
	return &event.Initialize{
		CallID:      callID,
		Caller:      ledger.Identity(j.Caller),
		Beneficiary: ledger.Identity(j.Beneficiary),
		Timestamp:   ts,
	}, nil
}

func parseDonate(j callJSON, ts time.Time) (*event.Donate, error) {
	callID, err := uuid.Parse(j.CallID)
	if err != nil {
		return nil, fmt.Errorf("parse call_id: %w", err)
	}
	if j.Amount == "" {
		return nil, fmt.Errorf("parse amount: missing")
	}
	amt, err := amount.Parse(j.Amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	return &event.Donate{
		CallID:     callID,
		Caller:     ledger.Identity(j.Caller),
		Amount:     amt,
		FeeReserve: j.FeeReserve,
		Nonce:      j.Nonce,
		Timestamp:  ts,
	}, nil
}

func parseWithdraw(j callJSON, ts time.Time) (*event.Withdraw, error) {
	callID, err := uuid.Parse(j.CallID)
	if err != nil {
		return nil, fmt.Errorf("parse call_id: %w", err)
	}
	return &event.Withdraw{
		CallID:     callID,
		Caller:     ledger.Identity(j.Caller),
		FeeReserve: j.FeeReserve,
		Nonce:      j.Nonce,
		Timestamp:  ts,
	}, nil
}

func parseTransferSettled(j callJSON, ts time.Time) (*event.TransferSettled, error) {
	id, err := uuid.Parse(j.TransferID)
	if err != nil {
		return nil, fmt.Errorf("parse transfer_id: %w", err)
	}
	return &event.TransferSettled{TransferID: id, Timestamp: ts}, nil
}

func parseTransferFailed(j callJSON, ts time.Time) (*event.TransferFailed, error) {
	id, err := uuid.Parse(j.TransferID)
	if err != nil {
		return nil, fmt.Errorf("parse transfer_id: %w", err)
	}
	return &event.TransferFailed{TransferID: id, Reason: j.Reason, Timestamp: ts}, nil
}

// EncodeCall renders a call in the wire format. It is the inverse of
// ParseCall and is what the event log stores as payload.
func EncodeCall(call event.Call) ([]byte, error) {
	var j callJSON
	if ts := call.CallTime(); !ts.IsZero() {
		j.TimestampUs = ts.UnixMicro()
	}

	switch c := call.(type) {
	case *event.Initialize:
		j.CallID = c.CallID.String()
		j.Caller = string(c.Caller)
		j.Beneficiary = string(c.Beneficiary)
	case *event.Donate:
		j.CallID = c.CallID.String()
		j.Caller = string(c.Caller)
		j.Amount = c.Amount.String()
		j.FeeReserve = c.FeeReserve
		j.Nonce = c.Nonce
	case *event.Withdraw:
		j.CallID = c.CallID.String()
		j.Caller = string(c.Caller)
		j.FeeReserve = c.FeeReserve
		j.Nonce = c.Nonce
	case *event.TransferSettled:
		j.TransferID = c.TransferID.String()
	case *event.TransferFailed:
		j.TransferID = c.TransferID.String()
		j.Reason = c.Reason
	default:
		return nil, fmt.Errorf("encode: unsupported call %T", call)
	}

	return json.Marshal(j)
}
