package exception

import "github.com/yanun0323/errors"

var (
	ErrOrderQueueFull       = errors.New("order: queue full")
	ErrOrderInvalidRequest  = errors.New("order: invalid request")
	ErrOrderMaxNotional     = errors.New("order: max notional exceeded")
	ErrOrderMaxSize         = errors.New("order: max size exceeded")
	ErrOrderPositionLimit   = errors.New("order: position limit exceeded")
	ErrOrderDuplicateOrder  = errors.New("order: duplicate order")
	ErrOrderUnknownOrder    = errors.New("order: unknown order")
	ErrOrderInvalidTransit  = errors.New("order: invalid state transition")
	ErrOrderInvalidFill     = errors.New("order: invalid fill")
	ErrOrderEmptyResponseID = errors.New("order: empty response order id")
	ErrOrderDecodeResponse  = errors.New("order: decode response body")
	ErrOrderQuotingPaused   = errors.New("order: quoting paused")
	ErrOrderVolatilityCeil  = errors.New("order: volatility above ceiling")
	ErrOrderStaleMarketData = errors.New("order: stale market data")
)
