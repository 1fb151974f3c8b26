package core

import "errors"

var (
	ErrInsufficientFeeReserve = errors.New("insufficient fee reserve for value-attaching call")
	ErrMissingCaller          = errors.New("call has no authenticated caller")
	ErrNonceGap               = errors.New("nonce gap")
	ErrStaleNonce             = errors.New("stale nonce")
	ErrUnknownTransfer        = errors.New("unknown transfer")
	ErrTransferNotPending     = errors.New("transfer is not pending")
	ErrDuplicateTransfer      = errors.New("transfer already requested")
	ErrUnsupportedCall        = errors.New("unsupported call type")
	ErrDispatcherClosed       = errors.New("dispatcher closed")
	ErrReplayDiverged         = errors.New("replay diverged from event log")
)
