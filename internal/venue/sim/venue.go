// Package sim is an in-process matching venue used for paper trading and tests.
//
// Resting orders fill when the simulated top of book crosses them. The venue
// deduplicates submissions by client order id the way real venues do, and an
// optional chaos engine injects transient failures, lost responses and
// duplicated or reordered fills.
package sim

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"quoter/internal/chaos"
	"quoter/internal/errors"
	"quoter/internal/schema"
	"quoter/pkg/exception"
)

// Config describes a simulated venue.
type Config struct {
	Name     string
	FeeRate  decimal.Decimal
	Balances map[string]decimal.Decimal
	// Assets maps an instrument symbol to its base and quote assets.
	Assets map[string][2]string
}

type book struct {
	bid, ask         decimal.Decimal
	bidSize, askSize decimal.Decimal
	updatedAt        int64
}

// Venue implements venue.Adapter in memory.
type Venue struct {
	cfg   Config
	chaos *chaos.Engine
	now   func() time.Time

	mu       sync.Mutex
	seq      uint64
	books    map[string]*book
	orders   map[string]*schema.OrderRecord
	byClient map[string]string
	fills    map[string][]schema.Fill
	balances map[string]decimal.Decimal
}

// New creates a simulated venue. engine may be nil.
func New(cfg Config, engine *chaos.Engine) *Venue {
	if cfg.Name == "" {
		cfg.Name = "sim"
	}
	balances := make(map[string]decimal.Decimal, len(cfg.Balances))
	for asset, amount := range cfg.Balances {
		balances[asset] = amount
	}
	return &Venue{
		cfg:      cfg,
		chaos:    engine,
		now:      time.Now,
		books:    make(map[string]*book),
		orders:   make(map[string]*schema.OrderRecord),
		byClient: make(map[string]string),
		fills:    make(map[string][]schema.Fill),
		balances: balances,
	}
}

func (v *Venue) Name() string {
	return v.cfg.Name
}

// SetBook replaces the top of book of symbol and matches resting orders against it.
func (v *Venue) SetBook(symbol string, bid, ask, bidSize, askSize decimal.Decimal) []schema.Fill {
	v.mu.Lock()
	defer v.mu.Unlock()

	b, ok := v.books[symbol]
	if !ok {
		b = &book{}
		v.books[symbol] = b
	}
	b.bid, b.ask = bid, ask
	b.bidSize, b.askSize = bidSize, askSize
	b.updatedAt = v.now().UTC().UnixNano()
	return v.match(symbol)
}

// SetMid sets a symmetric book around mid with unlimited size.
func (v *Venue) SetMid(symbol string, mid, halfSpread decimal.Decimal) []schema.Fill {
	return v.SetBook(symbol, mid.Sub(halfSpread), mid.Add(halfSpread), decimal.Zero, decimal.Zero)
}

// Mid returns the current mid of symbol.
func (v *Venue) Mid(symbol string) (decimal.Decimal, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	b, ok := v.books[symbol]
	if !ok {
		return decimal.Zero, false
	}
	return b.bid.Add(b.ask).Div(decimal.NewFromInt(2)), true
}

// Order returns a copy of a venue order.
func (v *Venue) Order(orderID string) (schema.OrderRecord, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	rec, ok := v.orders[orderID]
	if !ok {
		return schema.OrderRecord{}, false
	}
	return *rec, true
}

// Executions returns every execution of symbol as the venue booked it,
// bypassing fault injection.
func (v *Venue) Executions(symbol string) []schema.Fill {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]schema.Fill(nil), v.fills[symbol]...)
}

// OpenOrders returns live orders of symbol ordered by id.
func (v *Venue) OpenOrders(symbol string) []schema.OrderRecord {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]schema.OrderRecord, 0)
	for _, rec := range v.orders {
		if rec.Market.Symbol == symbol && !rec.Status.IsTerminal() {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out
}

func (v *Venue) SubmitOrder(ctx context.Context, req schema.OrderRequest) (schema.OrderRecord, error) {
	if err := v.before(ctx); err != nil {
		return schema.OrderRecord{}, err
	}

	v.mu.Lock()
	if id, ok := v.byClient[req.ClientOrderID]; ok && req.ClientOrderID != "" {
		rec := *v.orders[id]
		v.mu.Unlock()
		return rec, nil
	}
	if _, ok := v.books[req.Market.Symbol]; !ok {
		v.mu.Unlock()
		return schema.OrderRecord{}, errors.Rejected(errors.Wrap(exception.ErrVenueUnsupportedSymbol, req.Market.Symbol))
	}
	if !req.Price.IsPositive() || !req.Size.IsPositive() {
		v.mu.Unlock()
		return schema.OrderRecord{}, errors.Rejected(exception.ErrVenueInvalidPrice)
	}
	if err := v.checkFunds(req); err != nil {
		v.mu.Unlock()
		return schema.OrderRecord{}, err
	}

	v.seq++
	now := v.now().UTC().UnixNano()
	rec := &schema.OrderRecord{
		OrderID:       fmt.Sprintf("%s-%d", v.cfg.Name, v.seq),
		ClientOrderID: req.ClientOrderID,
		Market:        schema.Market{Venue: v.cfg.Name, Symbol: req.Market.Symbol},
		Side:          req.Side,
		Price:         req.Price,
		Size:          req.Size,
		Status:        schema.OrderStatusLive,
		Generation:    req.Generation,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	v.orders[rec.OrderID] = rec
	if req.ClientOrderID != "" {
		v.byClient[req.ClientOrderID] = rec.OrderID
	}
	v.match(req.Market.Symbol)
	out := *rec
	v.mu.Unlock()

	if v.chaos.DropResponse() {
		return schema.OrderRecord{}, errors.Transient(errors.Wrap(exception.ErrVenueUnavailable, "response lost"))
	}
	return out, nil
}

func (v *Venue) CancelOrder(ctx context.Context, market schema.Market, orderID string) (bool, error) {
	if err := v.before(ctx); err != nil {
		return false, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	rec, ok := v.orders[orderID]
	if !ok {
		return false, errors.Rejected(errors.Wrap(exception.ErrVenueUnknownOrder, orderID))
	}
	if rec.Status.IsTerminal() {
		return false, nil
	}
	rec.Status = schema.OrderStatusCancelled
	rec.UpdatedAt = v.now().UTC().UnixNano()
	return true, nil
}

func (v *Venue) FetchOrderBook(ctx context.Context, symbol string) (schema.MarketSnapshot, error) {
	if err := v.before(ctx); err != nil {
		return schema.MarketSnapshot{}, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	b, ok := v.books[symbol]
	if !ok {
		return schema.MarketSnapshot{}, errors.Rejected(errors.Wrap(exception.ErrVenueUnsupportedSymbol, symbol))
	}
	if !b.bid.IsPositive() || !b.ask.IsPositive() {
		return schema.MarketSnapshot{}, errors.Transient(errors.Wrap(exception.ErrVenueEmptyBook, symbol))
	}
	return schema.MarketSnapshot{
		Market:    schema.Market{Venue: v.cfg.Name, Symbol: symbol},
		BestBid:   b.bid,
		BestAsk:   b.ask,
		BidSize:   b.bidSize,
		AskSize:   b.askSize,
		Mid:       b.bid.Add(b.ask).Div(decimal.NewFromInt(2)),
		UpdatedAt: b.updatedAt,
	}, nil
}

// FetchTrades returns own executions of symbol at or after since.
func (v *Venue) FetchTrades(ctx context.Context, symbol string, since int64) ([]schema.Fill, error) {
	if err := v.before(ctx); err != nil {
		return nil, err
	}

	v.mu.Lock()
	out := make([]schema.Fill, 0)
	for _, f := range v.fills[symbol] {
		if f.Timestamp >= since {
			out = append(out, f)
		}
	}
	v.mu.Unlock()
	return v.chaos.Process(out), nil
}

func (v *Venue) FetchBalances(ctx context.Context) (map[string]decimal.Decimal, error) {
	if err := v.before(ctx); err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(v.balances))
	for asset, amount := range v.balances {
		out[asset] = amount
	}
	return out, nil
}

func (v *Venue) before(ctx context.Context) error {
	if d := v.chaos.Delay(); d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Transient(ctx.Err())
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return errors.Transient(err)
	}
	if v.chaos.FailCall() {
		return errors.Transient(exception.ErrVenueUnavailable)
	}
	return nil
}

// checkFunds must be called with mu held.
func (v *Venue) checkFunds(req schema.OrderRequest) error {
	assets, ok := v.cfg.Assets[req.Market.Symbol]
	if !ok {
		return nil
	}
	switch req.Side {
	case schema.SideBuy:
		if v.balances[assets[1]].LessThan(req.Price.Mul(req.Size)) {
			return errors.Rejected(exception.ErrVenueInsufficientFunds)
		}
	case schema.SideSell:
		if v.balances[assets[0]].LessThan(req.Size) {
			return errors.Rejected(exception.ErrVenueInsufficientFunds)
		}
	}
	return nil
}

// match fills resting orders crossed by the book. mu must be held.
func (v *Venue) match(symbol string) []schema.Fill {
	b, ok := v.books[symbol]
	if !ok {
		return nil
	}
	ids := make([]string, 0)
	for id, rec := range v.orders {
		if rec.Market.Symbol == symbol && !rec.Status.IsTerminal() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	bidLeft, askLeft := newLiquidity(b.bidSize), newLiquidity(b.askSize)
	var out []schema.Fill
	for _, id := range ids {
		rec := v.orders[id]
		remaining := rec.Size.Sub(rec.FilledSize)
		var size decimal.Decimal
		switch {
		case rec.Side == schema.SideBuy && b.ask.IsPositive() && rec.Price.GreaterThanOrEqual(b.ask):
			size = askLeft.take(remaining)
		case rec.Side == schema.SideSell && b.bid.IsPositive() && rec.Price.LessThanOrEqual(b.bid):
			size = bidLeft.take(remaining)
		}
		if !size.IsPositive() {
			continue
		}
		out = append(out, v.fill(rec, size))
	}
	return out
}

// liquidity caps fills by the displayed book size. A zero book size is unlimited.
type liquidity struct {
	left    decimal.Decimal
	limited bool
}

func newLiquidity(size decimal.Decimal) *liquidity {
	return &liquidity{left: size, limited: size.IsPositive()}
}

func (l *liquidity) take(size decimal.Decimal) decimal.Decimal {
	if !l.limited {
		return size
	}
	size = decimal.Min(size, l.left)
	l.left = l.left.Sub(size)
	return size
}

func (v *Venue) fill(rec *schema.OrderRecord, size decimal.Decimal) schema.Fill {
	v.seq++
	now := v.now().UTC().UnixNano()
	notional := rec.Price.Mul(size)
	fee := notional.Mul(v.cfg.FeeRate)

	rec.FilledSize = rec.FilledSize.Add(size)
	rec.UpdatedAt = now
	if rec.FilledSize.GreaterThanOrEqual(rec.Size) {
		rec.Status = schema.OrderStatusFilled
	}

	if assets, ok := v.cfg.Assets[rec.Market.Symbol]; ok {
		base, quote := assets[0], assets[1]
		if rec.Side == schema.SideBuy {
			v.balances[base] = v.balances[base].Add(size)
			v.balances[quote] = v.balances[quote].Sub(notional).Sub(fee)
		} else {
			v.balances[base] = v.balances[base].Sub(size)
			v.balances[quote] = v.balances[quote].Add(notional).Sub(fee)
		}
	}

	f := schema.Fill{
		ExecID:    fmt.Sprintf("%s-x-%d", v.cfg.Name, v.seq),
		OrderID:   rec.OrderID,
		Market:    rec.Market,
		Side:      rec.Side,
		Price:     rec.Price,
		Size:      size,
		Fee:       fee,
		Timestamp: now,
	}
	v.fills[rec.Market.Symbol] = append(v.fills[rec.Market.Symbol], f)
	return f
}
