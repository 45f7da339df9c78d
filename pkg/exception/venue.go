package exception

import "github.com/yanun0323/errors"

// Venue errors
var (
	ErrVenueRateLimited        = errors.New("venue: rate limited")
	ErrVenueUnavailable        = errors.New("venue: unavailable")
	ErrVenueRejected           = errors.New("venue: request rejected")
	ErrVenueInsufficientFunds  = errors.New("venue: insufficient balance")
	ErrVenueInvalidPrice       = errors.New("venue: invalid price")
	ErrVenueUnknownOrder       = errors.New("venue: unknown order")
	ErrVenueDuplicateOrder     = errors.New("venue: duplicate client order id")
	ErrVenueUnsupportedSymbol  = errors.New("venue: unsupported symbol")
	ErrVenueEmptyBook          = errors.New("venue: empty order book")
	ErrVenueRetriesExhausted   = errors.New("venue: retries exhausted")
	ErrVenueMissingCredentials = errors.New("venue: missing credentials")
)

// Admin errors
var (
	ErrAdminOutOfBounds       = errors.New("OutOfBounds")
	ErrAdminUnauthorized      = errors.New("Unauthorized")
	ErrAdminUnknownInstrument = errors.New("UnknownInstrument")
	ErrAdminInvalidAction     = errors.New("InvalidAction")
)
