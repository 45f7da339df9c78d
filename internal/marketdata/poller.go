package marketdata

import (
	"context"
	"sync"

	"github.com/yanun0323/logs"
	"golang.org/x/sync/errgroup"

	"quoter/internal/errors"
	"quoter/internal/schema"
	"quoter/internal/venue"
	"quoter/pkg/exception"
)

// Poller refreshes the cache from venue order book snapshots.
type Poller struct {
	cache    *Cache
	adapters map[string]venue.Adapter
	markets  []schema.Market
	parallel int
}

// NewPoller polls markets through the adapter of their venue.
func NewPoller(cache *Cache, adapters map[string]venue.Adapter, markets []schema.Market) *Poller {
	return &Poller{
		cache:    cache,
		adapters: adapters,
		markets:  markets,
		parallel: 8,
	}
}

// Result is the outcome of one market poll.
type Result struct {
	Market   schema.Market
	Snapshot schema.MarketSnapshot
	Err      error
}

// Poll fetches every market once. It returns per-market results and a joined
// error of the failed ones.
func (p *Poller) Poll(ctx context.Context) ([]Result, error) {
	var (
		mu      sync.Mutex
		results = make([]Result, 0, len(p.markets))
		g       errgroup.Group
	)
	g.SetLimit(p.parallel)

	for _, m := range p.markets {
		g.Go(func() error {
			res := p.pollOne(ctx, m)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for _, res := range results {
		if res.Err != nil {
			errs = append(errs, errors.Wrapf(res.Err, "poll %s", res.Market))
		}
	}
	return results, errors.Join(errs...)
}

func (p *Poller) pollOne(ctx context.Context, m schema.Market) Result {
	adapter, ok := p.adapters[m.Venue]
	if !ok {
		return Result{Market: m, Err: errors.Fatal(errors.Wrap(exception.ErrConfigUnknownVenue, m.Venue))}
	}
	snap, err := adapter.FetchOrderBook(ctx, m.Symbol)
	if err != nil {
		return Result{Market: m, Err: err}
	}
	snap.Market = m
	snap, err = p.cache.Update(snap)
	if errors.Is(err, exception.ErrMarketDataOutOfOrder) {
		logs.Debugf("skip older book snapshot, market=%s", m)
		return Result{Market: m, Snapshot: snap}
	}
	return Result{Market: m, Snapshot: snap, Err: err}
}
