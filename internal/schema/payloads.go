package schema

import "github.com/shopspring/decimal"

// Side describes order direction.
type Side uint8

const (
	SideUnknown Side = iota
	SideBuy
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unknown"
	}
}

// Sign returns +1 for buys and -1 for sells.
func (s Side) Sign() int64 {
	switch s {
	case SideBuy:
		return 1
	case SideSell:
		return -1
	default:
		return 0
	}
}

// ParseSide converts a venue side string.
func ParseSide(s string) Side {
	switch s {
	case "buy", "BUY", "Buy", "bid", "1":
		return SideBuy
	case "sell", "SELL", "Sell", "ask", "2":
		return SideSell
	default:
		return SideUnknown
	}
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus uint8

const (
	OrderStatusUnknown OrderStatus = iota
	OrderStatusPending
	OrderStatusLive
	OrderStatusFilled
	OrderStatusCancelled
	OrderStatusRejected
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusPending:
		return "pending"
	case OrderStatusLive:
		return "live"
	case OrderStatusFilled:
		return "filled"
	case OrderStatusCancelled:
		return "cancelled"
	case OrderStatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further transition is allowed.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// OrderRequest is what leaves the process towards a venue.
type OrderRequest struct {
	ClientOrderID string
	Market        Market
	Side          Side
	Price         decimal.Decimal
	Size          decimal.Decimal
	Generation    uint64
}

// OrderRecord is the order manager's view of a venue order.
type OrderRecord struct {
	OrderID       string          `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId"`
	Market        Market          `json:"market"`
	Side          Side            `json:"side"`
	Price         decimal.Decimal `json:"price"`
	Size          decimal.Decimal `json:"size"`
	FilledSize    decimal.Decimal `json:"filledSize"`
	Status        OrderStatus     `json:"status"`
	Generation    uint64          `json:"generation"`
	CreatedAt     int64           `json:"createdAt"`
	UpdatedAt     int64           `json:"updatedAt"`
}

// Fill is a single venue execution. Never mutated after insert.
type Fill struct {
	ExecID    string          `json:"execId"`
	OrderID   string          `json:"orderId"`
	Market    Market          `json:"market"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Fee       decimal.Decimal `json:"fee"`
	Timestamp int64           `json:"timestamp"`
}

// Quote is a computed two-sided quote for one market.
type Quote struct {
	Market      Market          `json:"market"`
	BidPrice    decimal.Decimal `json:"bidPrice"`
	AskPrice    decimal.Decimal `json:"askPrice"`
	BidSize     decimal.Decimal `json:"bidSize"`
	AskSize     decimal.Decimal `json:"askSize"`
	Reservation decimal.Decimal `json:"reservation"`
	Spread      decimal.Decimal `json:"spread"`
	Generation  uint64          `json:"generation"`
}

// Price returns the quoted price of the given side.
func (q Quote) Price(side Side) decimal.Decimal {
	if side == SideBuy {
		return q.BidPrice
	}
	return q.AskPrice
}

// Size returns the quoted size of the given side.
func (q Quote) Size(side Side) decimal.Decimal {
	if side == SideBuy {
		return q.BidSize
	}
	return q.AskSize
}

// MarketSnapshot is the cached top of book for a market. Replaced atomically.
type MarketSnapshot struct {
	Market     Market          `json:"market"`
	BestBid    decimal.Decimal `json:"bestBid"`
	BestAsk    decimal.Decimal `json:"bestAsk"`
	BidSize    decimal.Decimal `json:"bidSize"`
	AskSize    decimal.Decimal `json:"askSize"`
	Mid        decimal.Decimal `json:"mid"`
	Volatility float64         `json:"volatility"`
	Lookback   int             `json:"lookback"`
	UpdatedAt  int64           `json:"updatedAt"`
}

// Trade is an execution print kept by the market data cache.
type Trade struct {
	ID        string          `json:"id"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Side      Side            `json:"side"`
	Timestamp int64           `json:"timestamp"`
}

// InventoryState is the position and P&L of one market.
type InventoryState struct {
	Market        Market          `json:"market"`
	Qty           decimal.Decimal `json:"qty"`
	AvgPrice      decimal.Decimal `json:"avgPrice"`
	RealizedPnL   decimal.Decimal `json:"realizedPnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	Fees          decimal.Decimal `json:"fees"`
	SoftLimit     decimal.Decimal `json:"softLimit"`
	HardLimit     decimal.Decimal `json:"hardLimit"`
	LastSeq       uint64          `json:"lastSeq"`
	LastFillTs    int64           `json:"lastFillTs"`
	UpdatedAt     int64           `json:"updatedAt"`
}

// BreachesHard reports whether |q| is above the hard limit.
func (s InventoryState) BreachesHard() bool {
	return s.HardLimit.IsPositive() && s.Qty.Abs().GreaterThan(s.HardLimit)
}

// BreachesSoft reports whether |q| is above the soft limit.
func (s InventoryState) BreachesSoft() bool {
	return s.SoftLimit.IsPositive() && s.Qty.Abs().GreaterThan(s.SoftLimit)
}
