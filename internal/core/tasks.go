package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"quoter/internal/errors"
	"quoter/internal/scheduler"
	"quoter/internal/schema"
)

// Intervals of the cadences that do not come from instrument parameters.
type Intervals struct {
	MarketData time.Duration
	Fills      time.Duration
	Flush      time.Duration
	Reconcile  time.Duration
}

// Register adds the engine's cadences to s. The quote cadence follows the
// shortest refresh interval among the instruments.
func (e *Engine) Register(s *scheduler.Scheduler, iv Intervals) error {
	tasks := []scheduler.Task{
		{Name: scheduler.TaskQuote, IntervalFunc: e.refreshInterval, Run: e.QuoteCycle},
		{Name: scheduler.TaskMarketData, Interval: iv.MarketData, Run: e.PollMarketData},
		{Name: scheduler.TaskFills, Interval: iv.Fills, Run: e.PollFills},
		{Name: scheduler.TaskFlush, Interval: iv.Flush, Run: e.Flush},
		{Name: scheduler.TaskReconcile, Interval: iv.Reconcile, Run: e.Reconcile},
	}
	for _, t := range tasks {
		if err := s.Add(t); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) refreshInterval() time.Duration {
	var out time.Duration
	for _, inst := range e.params.Instruments() {
		p, ok := e.params.Get(inst)
		if !ok || p.RefreshInterval <= 0 {
			continue
		}
		if out == 0 || p.RefreshInterval < out {
			out = p.RefreshInterval
		}
	}
	if out == 0 {
		out = schema.DefaultParameterSet().RefreshInterval
	}
	return out
}

// PollFills fetches own executions of every market since its cursor and hands
// them to the order manager. The cursor is inclusive; the store drops repeats.
func (e *Engine) PollFills(ctx context.Context) error {
	var errs []error
	for _, mk := range e.registry.Markets() {
		adapter, ok := e.venues[mk.Venue]
		if !ok {
			continue
		}
		e.mu.Lock()
		since := e.markets[mk].fillCursor
		e.mu.Unlock()

		fills, err := adapter.FetchTrades(ctx, mk.Symbol, since)
		if err != nil {
			errs = append(errs, errors.Wrapf(err, "fetch trades %s", mk))
			continue
		}
		if len(fills) == 0 {
			continue
		}
		latest := since
		for i := range fills {
			fills[i].Market = mk
			if fills[i].Timestamp > latest {
				latest = fills[i].Timestamp
			}
		}
		if err := e.orders.SubmitFills(ctx, fills); err != nil {
			errs = append(errs, errors.Wrapf(err, "submit fills %s", mk))
			continue
		}
		for _, f := range fills {
			e.cache.AddTrade(mk, schema.Trade{ID: f.ExecID, Price: f.Price, Size: f.Size, Side: f.Side, Timestamp: f.Timestamp})
		}
		e.mu.Lock()
		e.markets[mk].fillCursor = latest
		e.mu.Unlock()
	}
	return errors.Join(errs...)
}

type pnlSnapshot struct {
	Qty           string `json:"qty"`
	AvgPrice      string `json:"avgPrice"`
	RealizedPnL   string `json:"realizedPnl"`
	UnrealizedPnL string `json:"unrealizedPnl"`
	Fees          string `json:"fees"`
	LastSeq       uint64 `json:"lastSeq"`
}

// Flush persists the state store and publishes a P&L snapshot per market.
func (e *Engine) Flush(ctx context.Context) error {
	stats, err := e.store.Flush(ctx)
	if err != nil {
		return err
	}
	if stats.Fills > 0 || stats.Orders > 0 {
		logs.Infof("state flushed, inventory=%d fills=%d orders=%d", stats.Inventory, stats.Fills, stats.Orders)
	}
	for _, inv := range e.store.Inventories() {
		e.publish(schema.EventPnLSnapshot, inv.Market, pnlSnapshot{
			Qty:           inv.Qty.String(),
			AvgPrice:      inv.AvgPrice.String(),
			RealizedPnL:   inv.RealizedPnL.String(),
			UnrealizedPnL: inv.UnrealizedPnL.String(),
			Fees:          inv.Fees.String(),
			LastSeq:       inv.LastSeq,
		})
	}
	return nil
}

type drift struct {
	Asset    string `json:"asset"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	Drift    string `json:"drift"`
}

// Reconcile fetches venue balances for sizing and compares each base asset
// with the inventory tracked on that venue. The first observation of an asset
// sets its baseline; later ones report drift above the instrument's minimum size.
func (e *Engine) Reconcile(ctx context.Context) error {
	var errs []error
	for _, name := range e.registry.Venues() {
		adapter, ok := e.venues[name]
		if !ok {
			continue
		}
		balances, err := adapter.FetchBalances(ctx)
		if err != nil {
			errs = append(errs, errors.Wrapf(err, "fetch balances %s", name))
			continue
		}
		if balances == nil {
			continue
		}
		e.mu.Lock()
		e.balances[name] = balances
		e.mu.Unlock()
		e.reconcileVenue(name, balances)
	}
	return errors.Join(errs...)
}

func (e *Engine) reconcileVenue(venueName string, balances map[string]decimal.Decimal) {
	type position struct {
		qty       decimal.Decimal
		tolerance decimal.Decimal
		market    schema.Market
	}
	byAsset := make(map[string]*position)
	for _, mk := range e.registry.MarketsOf(venueName) {
		inst, ok := e.registry.Instrument(mk.Symbol)
		if !ok || inst.Base == "" {
			continue
		}
		inv, _ := e.store.Inventory(mk)
		pos, ok := byAsset[inst.Base]
		if !ok {
			pos = &position{qty: decimal.Zero, tolerance: decimal.Zero, market: mk}
			byAsset[inst.Base] = pos
		}
		pos.qty = pos.qty.Add(inv.Qty)
		pos.tolerance = decimal.Max(pos.tolerance, inst.MinSize)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	baseline := e.baselines[venueName]
	if baseline == nil {
		baseline = make(map[string]decimal.Decimal)
		e.baselines[venueName] = baseline
	}
	for asset, pos := range byAsset {
		actual, ok := balances[asset]
		if !ok {
			continue
		}
		base, ok := baseline[asset]
		if !ok {
			baseline[asset] = actual.Sub(pos.qty)
			continue
		}
		expected := base.Add(pos.qty)
		diff := actual.Sub(expected)
		if diff.Abs().LessThanOrEqual(pos.tolerance) {
			continue
		}
		logs.Warnf("balance drift, venue=%s asset=%s expected=%s actual=%s", venueName, asset, expected, actual)
		e.publish(schema.EventReconcileDrift, pos.market, drift{
			Asset:    asset,
			Expected: expected.String(),
			Actual:   actual.String(),
			Drift:    diff.String(),
		})
	}
}
