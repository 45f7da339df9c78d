/*
Core runs the quoting loop of every market.

# Module
  - quote cycle: prices each market from the market data cache, inventory and parameters, then hands the quote to the order manager
  - status: tracks active, paused:<reason> and error:<venue> per market and raises guardrail events on transitions
  - fills: polls venue executions and feeds them to the order manager
  - flush: persists the state store and emits P&L snapshots
  - reconcile: compares venue balances with tracked inventory

# Source
 1. market data from the cache, refreshed by the poller and venue streams
 2. inventory from the state store
 3. parameters from the parameter store

# Produce
  - quotes to the order manager
  - events to the bus

# Sharded
  - venue + instrument
*/
package core

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"quoter/internal/errors"
	"quoter/internal/marketdata"
	"quoter/internal/obs"
	"quoter/internal/order"
	"quoter/internal/risk"
	"quoter/internal/schema"
	"quoter/internal/state"
	"quoter/internal/venue"
)

// Publisher receives engine events.
type Publisher interface {
	Publish(e schema.Event)
}

// Orders is the part of the order manager the loop drives.
type Orders interface {
	ReplaceQuote(q schema.Quote) error
	SubmitFills(ctx context.Context, fills []schema.Fill) error
	VenueHealthy(name string) bool
	CancelAll(ctx context.Context) error
}

var _ Orders = (*order.Manager)(nil)

// Dependencies of an Engine.
type Dependencies struct {
	Registry *schema.Registry
	Venues   map[string]venue.Adapter
	Cache    *marketdata.Cache
	Store    *state.Store
	Params   *risk.ParamStore
	Orders   Orders
	Bus      Publisher
	Metrics  *obs.Metrics
}

type market struct {
	generation uint64
	status     schema.InstrumentStatus
	quote      schema.Quote
	fillCursor int64
}

// Engine is the quoting core.
type Engine struct {
	registry *schema.Registry
	venues   map[string]venue.Adapter
	cache    *marketdata.Cache
	poller   *marketdata.Poller
	store    *state.Store
	params   *risk.ParamStore
	orders   Orders
	bus      Publisher
	metrics  *obs.Metrics
	now      func() time.Time

	mu        sync.Mutex
	markets   map[schema.Market]*market
	balances  map[string]map[string]decimal.Decimal
	baselines map[string]map[string]decimal.Decimal
}

func New(deps Dependencies) *Engine {
	e := &Engine{
		registry:  deps.Registry,
		venues:    deps.Venues,
		cache:     deps.Cache,
		store:     deps.Store,
		params:    deps.Params,
		orders:    deps.Orders,
		bus:       deps.Bus,
		metrics:   deps.Metrics,
		now:       time.Now,
		markets:   make(map[schema.Market]*market),
		balances:  make(map[string]map[string]decimal.Decimal),
		baselines: make(map[string]map[string]decimal.Decimal),
	}
	for _, mk := range deps.Registry.Markets() {
		m := &market{status: schema.Active()}
		if inv, ok := deps.Store.Inventory(mk); ok {
			m.fillCursor = inv.LastFillTs
		}
		e.markets[mk] = m
	}
	e.poller = marketdata.NewPoller(deps.Cache, deps.Venues, deps.Registry.Markets())
	return e
}

// MarketStatus is the operator view of one market.
type MarketStatus struct {
	Market        schema.Market         `json:"market"`
	Status        string                `json:"status"`
	Generation    uint64                `json:"generation"`
	Quote         schema.Quote          `json:"quote"`
	Inventory     schema.InventoryState `json:"inventory"`
	ParamsVersion uint64                `json:"paramsVersion"`
	RecentTrades  []schema.Trade        `json:"recentTrades"`
}

// Status returns every market ordered as the registry lists them.
func (e *Engine) Status() []MarketStatus {
	out := make([]MarketStatus, 0, len(e.markets))
	for _, mk := range e.registry.Markets() {
		e.mu.Lock()
		m := e.markets[mk]
		st := MarketStatus{
			Market:     mk,
			Status:     m.status.String(),
			Generation: m.generation,
			Quote:      m.quote,
		}
		e.mu.Unlock()
		st.Inventory, _ = e.store.Inventory(mk)
		st.RecentTrades = e.cache.Trades(mk)
		if p, ok := e.params.Get(mk.Symbol); ok {
			st.ParamsVersion = p.Version
		}
		out = append(out, st)
	}
	return out
}

// StatusOf returns the status of one market.
func (e *Engine) StatusOf(mk schema.Market) (schema.InstrumentStatus, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.markets[mk]
	if !ok {
		return schema.InstrumentStatus{}, false
	}
	return m.status, true
}

// Balances returns the last fetched balances of a venue.
func (e *Engine) Balances(venueName string) map[string]decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	src := e.balances[venueName]
	if src == nil {
		return nil
	}
	out := make(map[string]decimal.Decimal, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// OnSnapshot folds a streamed book into the cache.
func (e *Engine) OnSnapshot(snap schema.MarketSnapshot) {
	if _, err := e.cache.Update(snap); err != nil {
		logs.Debugf("streamed snapshot skipped, market=%s err=%v", snap.Market, err)
	}
}

// Shutdown pulls every quote, then writes the state store and publishes the
// P&L snapshot one last time.
func (e *Engine) Shutdown(ctx context.Context) error {
	var errs []error
	if err := e.orders.CancelAll(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.Flush(ctx); err != nil {
		errs = append(errs, errors.Wrap(err, "final flush"))
	}
	if err := errors.Join(errs...); err != nil {
		logs.Errorf("shutdown incomplete, err=%v", err)
		return err
	}
	logs.Info("engine shut down cleanly")
	return nil
}
