package ledger

import "errors"

var (
	ErrAlreadyInitialized = errors.New("ledger already initialized")
	ErrNotInitialized     = errors.New("ledger not initialized")
	ErrUnauthorized       = errors.New("caller is not the beneficiary")
	ErrInvalidIdentity    = errors.New("invalid identity")
	ErrBalanceOverflow    = errors.New("pooled balance would overflow 128 bits")
)
