// Package marketdata owns the latest top of book, the EWMA volatility of mid
// returns and the recent trades of every market.
//
// Snapshots are replaced atomically: readers always see a complete snapshot
// and never block the writers feeding the cache from polls and streams.
package marketdata

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"quoter/internal/errors"
	"quoter/internal/schema"
	"quoter/pkg/exception"
)

var two = decimal.NewFromInt(2)

// Config controls the volatility estimator and staleness.
type Config struct {
	// Lambda is the EWMA decay of squared log returns.
	Lambda float64
	// Lookback caps the reported sample count of the estimator.
	Lookback int
	// StaleAfter marks a snapshot unusable for quoting.
	StaleAfter time.Duration
	// TradeHistory is the number of trades kept per market.
	TradeHistory int
}

func DefaultConfig() Config {
	return Config{
		Lambda:       0.94,
		Lookback:     100,
		StaleAfter:   10 * time.Second,
		TradeHistory: 64,
	}
}

type entry struct {
	snapshot atomic.Pointer[schema.MarketSnapshot]

	mu       sync.Mutex
	lastMid  float64
	variance float64
	samples  int
	trades   *ring
}

// Cache is safe for concurrent use.
type Cache struct {
	cfg Config
	now func() time.Time

	mu      sync.RWMutex
	entries map[schema.Market]*entry
}

func NewCache(cfg Config) *Cache {
	def := DefaultConfig()
	if cfg.Lambda <= 0 || cfg.Lambda >= 1 {
		cfg.Lambda = def.Lambda
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = def.Lookback
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.TradeHistory <= 0 {
		cfg.TradeHistory = def.TradeHistory
	}
	return &Cache{
		cfg:     cfg,
		now:     time.Now,
		entries: make(map[schema.Market]*entry),
	}
}

func (c *Cache) entry(m schema.Market) *entry {
	c.mu.RLock()
	e, ok := c.entries[m]
	c.mu.RUnlock()
	if ok {
		return e
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok = c.entries[m]; ok {
		return e
	}
	e = &entry{trades: newRing(c.cfg.TradeHistory)}
	c.entries[m] = e
	return e
}

// Update folds a new top of book into the cache. Snapshots older than the
// cached one are rejected so a slow poll cannot overwrite a newer stream tick.
func (c *Cache) Update(snap schema.MarketSnapshot) (schema.MarketSnapshot, error) {
	if !snap.BestBid.IsPositive() || !snap.BestAsk.IsPositive() {
		return schema.MarketSnapshot{}, errors.Transient(errors.Wrap(exception.ErrMarketDataInvalidBook, snap.Market.String()))
	}
	if !snap.BestBid.LessThan(snap.BestAsk) {
		return schema.MarketSnapshot{}, errors.Transient(errors.Wrap(exception.ErrMarketDataCrossedBook, snap.Market.String()))
	}
	if snap.UpdatedAt == 0 {
		snap.UpdatedAt = c.now().UTC().UnixNano()
	}
	snap.Mid = snap.BestBid.Add(snap.BestAsk).Div(two)

	e := c.entry(snap.Market)
	e.mu.Lock()
	defer e.mu.Unlock()

	if cur := e.snapshot.Load(); cur != nil && snap.UpdatedAt < cur.UpdatedAt {
		return *cur, exception.ErrMarketDataOutOfOrder
	}

	mid := snap.Mid.InexactFloat64()
	if e.lastMid > 0 && mid > 0 {
		r := math.Log(mid / e.lastMid)
		if e.samples == 0 {
			e.variance = r * r
		} else {
			e.variance = c.cfg.Lambda*e.variance + (1-c.cfg.Lambda)*r*r
		}
		e.samples++
	}
	e.lastMid = mid

	snap.Volatility = math.Sqrt(e.variance)
	snap.Lookback = min(e.samples, c.cfg.Lookback)
	stored := snap
	e.snapshot.Store(&stored)
	return stored, nil
}

// Snapshot returns a copy of the latest snapshot of m.
func (c *Cache) Snapshot(m schema.Market) (schema.MarketSnapshot, bool) {
	c.mu.RLock()
	e, ok := c.entries[m]
	c.mu.RUnlock()
	if !ok {
		return schema.MarketSnapshot{}, false
	}
	snap := e.snapshot.Load()
	if snap == nil {
		return schema.MarketSnapshot{}, false
	}
	return *snap, true
}

// StaleAfter returns the configured staleness bound.
func (c *Cache) StaleAfter() time.Duration {
	return c.cfg.StaleAfter
}

// AddTrade records a trade of m. A trade id already in the window is ignored.
func (c *Cache) AddTrade(m schema.Market, t schema.Trade) {
	e := c.entry(m)
	e.mu.Lock()
	defer e.mu.Unlock()
	if t.ID != "" && e.trades.contains(t.ID) {
		return
	}
	e.trades.push(t)
}

// Trades returns the recent trades of m, oldest first.
func (c *Cache) Trades(m schema.Market) []schema.Trade {
	c.mu.RLock()
	e, ok := c.entries[m]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.trades.items()
}
