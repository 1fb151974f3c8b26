package ledger

import (
	"fmt"

	"lukechampine.com/uint128"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	ledger *Ledger
}

func NewInvariantValidator(l *Ledger) *InvariantValidator {
	return &InvariantValidator{
		ledger: l,
	}
}

// ValidateRunningSum verifies balance == donated - withdrawn using the running
// totals. O(1); safe to call after every operation.
func (v *InvariantValidator) ValidateRunningSum() error {
	l := v.ledger
	expected := l.donated.SubWrap(l.withdrawn)
	if !l.balance.Equals(expected) {
		return fmt.Errorf("balance %s != donated %s - withdrawn %s", l.balance, l.donated, l.withdrawn)
	}
	return nil
}

// ValidateHistorySum recomputes the sum invariant from every history entry.
func (v *InvariantValidator) ValidateHistorySum() error {
	donated, withdrawn := SumByKind(v.ledger.history.entries)
	expected := donated.SubWrap(withdrawn)
	if !v.ledger.balance.Equals(expected) {
		return fmt.Errorf("balance %s != history sum %s (donated %s, withdrawn %s)",
			v.ledger.balance, expected, donated, withdrawn)
	}
	return nil
}

// ValidateLastWithdrawal checks that a withdrawal just drained the pool and
// recorded the drained amount.
func (v *InvariantValidator) ValidateLastWithdrawal(req TransferRequest) error {
	l := v.ledger
	if !l.balance.IsZero() {
		return fmt.Errorf("balance after withdrawal is %s, want 0", l.balance)
	}
	last, ok := l.history.At(l.history.Len() - 1)
	if !ok || last.Kind != OperationWithdrawal {
		return fmt.Errorf("withdrawal not recorded as last history entry")
	}
	if !last.Amount.Equals(req.Amount) || last.Actor != l.beneficiary {
		return fmt.Errorf("withdrawal entry %s/%s does not match request %s/%s",
			last.Actor, last.Amount, req.Beneficiary, req.Amount)
	}
	return nil
}

// SumByKind totals donation and withdrawal amounts, modulo 2^128.
func SumByKind(entries []Entry) (donated, withdrawn uint128.Uint128) {
	for _, e := range entries {
		switch e.Kind {
		case OperationDonation:
			donated = donated.AddWrap(e.Amount)
		case OperationWithdrawal:
			withdrawn = withdrawn.AddWrap(e.Amount)
		}
	}
	return donated, withdrawn
}
