// Package venue normalizes trading venue APIs behind one Adapter contract and
// provides the guard (rate limiting, retries, idempotency) every venue runs behind.
package venue

import (
	"context"

	"github.com/shopspring/decimal"

	"quoter/internal/schema"
)

// Adapter is the common venue contract. Concrete venues implement it identically.
//
// Errors are tagged with quoter/internal/errors kinds: network and 5xx failures
// are Transient, venue-side validation failures are Rejected.
type Adapter interface {
	// Name returns the venue name used in markets and metrics.
	Name() string
	// SubmitOrder places a limit order. req.ClientOrderID is the idempotency key.
	SubmitOrder(ctx context.Context, req schema.OrderRequest) (schema.OrderRecord, error)
	// CancelOrder cancels a live order. It returns false when the venue no longer knows the order.
	CancelOrder(ctx context.Context, market schema.Market, orderID string) (bool, error)
	// FetchOrderBook returns the venue's top of book. Volatility is filled by the cache.
	FetchOrderBook(ctx context.Context, symbol string) (schema.MarketSnapshot, error)
	// FetchTrades returns own executions with a timestamp >= since (unix nanos).
	FetchTrades(ctx context.Context, symbol string, since int64) ([]schema.Fill, error)
	// FetchBalances returns free balances per asset.
	FetchBalances(ctx context.Context) (map[string]decimal.Decimal, error)
}
