package core

import (
	"fmt"

	"DonationLedger/internal/ledger"
)

// NonceValidator enforces per-caller nonce ordering. A caller's first nonce
// is 1 and every accepted call advances it by exactly one.
// Not thread-safe; only the dispatcher goroutine touches it.
type NonceValidator struct {
	lastNonce map[ledger.Identity]uint64
}

func NewNonceValidator() *NonceValidator {
	return &NonceValidator{
		lastNonce: make(map[ledger.Identity]uint64),
	}
}

// Check validates nonce without consuming it. Nonce 0 means the call is
// unordered and always passes.
func (nv *NonceValidator) Check(caller ledger.Identity, nonce uint64) error {
	if nonce == 0 {
		return nil
	}
	expected := nv.lastNonce[caller] + 1

	if nonce < expected {
		return fmt.Errorf("%w: caller=%s, expected=%d, got=%d", ErrStaleNonce, caller, expected, nonce)
	}
	if nonce > expected {
		return fmt.Errorf("%w: caller=%s, expected=%d, got=%d", ErrNonceGap, caller, expected, nonce)
	}
	return nil
}

// Commit records nonce as used. Only called after the call was applied so a
// rejected call leaves the expected nonce unchanged.
func (nv *NonceValidator) Commit(caller ledger.Identity, nonce uint64) {
	if nonce == 0 {
		return
	}
	nv.lastNonce[caller] = nonce
}

// ExpectedNonce returns the next nonce the caller must use.
func (nv *NonceValidator) ExpectedNonce(caller ledger.Identity) uint64 {
	return nv.lastNonce[caller] + 1
}

// Snapshot returns a copy of the last accepted nonce per caller.
func (nv *NonceValidator) Snapshot() map[ledger.Identity]uint64 {
	out := make(map[ledger.Identity]uint64, len(nv.lastNonce))
	for k, v := range nv.lastNonce {
		out[k] = v
	}
	return out
}

// Restore replaces all nonce state (used during recovery).
func (nv *NonceValidator) Restore(last map[ledger.Identity]uint64) {
	nv.lastNonce = make(map[ledger.Identity]uint64, len(last))
	for k, v := range last {
		nv.lastNonce[k] = v
	}
}
