package exchange

import "errors"

// Rejection categories. Every failure is terminal for the attempt: the ledger
// reverts the entire group and the caller must submit a corrected one.
var (
	ErrExchangeNotFound = errors.New("exchange: not found")
	ErrMalformedGroup   = errors.New("exchange: malformed transaction group")
	ErrOutsideWindow    = errors.New("exchange: call outside its valid time window")
	ErrBidTooLow        = errors.New("exchange: bid below required increment")
	ErrUnauthorized     = errors.New("exchange: unauthorized caller")
	ErrAlreadySetUp     = errors.New("exchange: already set up")
	ErrNotSetUp         = errors.New("exchange: escrow holds no asset")
	ErrUnknownMethod    = errors.New("exchange: unknown method")

	errNilState = errors.New("exchange engine: state not configured")
)
