package venue

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"quoter/internal/errors"
	"quoter/internal/obs"
	"quoter/internal/schema"
	"quoter/pkg/exception"
)

const defaultMaxAttempts = 3

// GuardConfig controls the behavior shared by every venue adapter.
type GuardConfig struct {
	RatePerSecond float64
	Burst         int
	MaxQueueDepth int
	MaxAttempts   int
	Backoff       Backoff
	CallTimeout   time.Duration
	CacheSize     int
}

// DefaultGuardConfig returns limits suitable for a typical REST venue.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		RatePerSecond: 10,
		Burst:         5,
		MaxQueueDepth: 32,
		MaxAttempts:   defaultMaxAttempts,
		Backoff:       DefaultBackoff(),
		CallTimeout:   5 * time.Second,
		CacheSize:     4096,
	}
}

// Guard wraps a raw venue client with rate limiting, bounded retries,
// submission idempotency and call metrics. It implements Adapter itself.
type Guard struct {
	client  Adapter
	cfg     GuardConfig
	limiter *RateLimiter
	metrics *obs.Metrics
	cache   *submissionCache

	mu       sync.Mutex
	inflight map[string]*submitCall
	sleep    func(ctx context.Context, d time.Duration) error
}

type submitCall struct {
	done   chan struct{}
	record schema.OrderRecord
	err    error
}

// NewGuard wraps client.
func NewGuard(client Adapter, cfg GuardConfig, metrics *obs.Metrics) *Guard {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	return &Guard{
		client:   client,
		cfg:      cfg,
		limiter:  NewRateLimiter(cfg.Burst, cfg.RatePerSecond, cfg.MaxQueueDepth),
		metrics:  metrics,
		cache:    newSubmissionCache(cfg.CacheSize),
		inflight: make(map[string]*submitCall),
		sleep:    sleepContext,
	}
}

func (g *Guard) Name() string {
	return g.client.Name()
}

// SubmitOrder returns the original order when the client order id was seen before.
func (g *Guard) SubmitOrder(ctx context.Context, req schema.OrderRequest) (schema.OrderRecord, error) {
	if req.ClientOrderID == "" {
		return schema.OrderRecord{}, errors.Rejected(exception.ErrOrderInvalidRequest)
	}
	if record, ok := g.cache.Get(req.ClientOrderID); ok {
		return record, nil
	}

	g.mu.Lock()
	if record, ok := g.cache.Get(req.ClientOrderID); ok {
		g.mu.Unlock()
		return record, nil
	}
	if call, ok := g.inflight[req.ClientOrderID]; ok {
		g.mu.Unlock()
		select {
		case <-call.done:
			return call.record, call.err
		case <-ctx.Done():
			return schema.OrderRecord{}, errors.Transient(ctx.Err())
		}
	}
	call := &submitCall{done: make(chan struct{})}
	g.inflight[req.ClientOrderID] = call
	g.mu.Unlock()

	var record schema.OrderRecord
	err := g.do(ctx, "submit_order", func(ctx context.Context) error {
		var err error
		record, err = g.client.SubmitOrder(ctx, req)
		return err
	})
	if err == nil {
		if record.ClientOrderID == "" {
			record.ClientOrderID = req.ClientOrderID
		}
		if record.Generation == 0 {
			record.Generation = req.Generation
		}
		g.cache.Put(req.ClientOrderID, record)
	}

	call.record, call.err = record, err
	close(call.done)
	g.mu.Lock()
	delete(g.inflight, req.ClientOrderID)
	g.mu.Unlock()
	return record, err
}

func (g *Guard) CancelOrder(ctx context.Context, market schema.Market, orderID string) (bool, error) {
	var ok bool
	err := g.do(ctx, "cancel_order", func(ctx context.Context) error {
		var err error
		ok, err = g.client.CancelOrder(ctx, market, orderID)
		return err
	})
	return ok, err
}

func (g *Guard) FetchOrderBook(ctx context.Context, symbol string) (schema.MarketSnapshot, error) {
	var snap schema.MarketSnapshot
	err := g.do(ctx, "fetch_orderbook", func(ctx context.Context) error {
		var err error
		snap, err = g.client.FetchOrderBook(ctx, symbol)
		return err
	})
	return snap, err
}

func (g *Guard) FetchTrades(ctx context.Context, symbol string, since int64) ([]schema.Fill, error) {
	var fills []schema.Fill
	err := g.do(ctx, "fetch_trades", func(ctx context.Context) error {
		var err error
		fills, err = g.client.FetchTrades(ctx, symbol, since)
		return err
	})
	return fills, err
}

func (g *Guard) FetchBalances(ctx context.Context) (map[string]decimal.Decimal, error) {
	var balances map[string]decimal.Decimal
	err := g.do(ctx, "fetch_balances", func(ctx context.Context) error {
		var err error
		balances, err = g.client.FetchBalances(ctx)
		return err
	})
	return balances, err
}

// do runs fn under the rate limiter, retrying transient failures with backoff.
// Rate limiter rejections are returned immediately so the caller can requeue.
func (g *Guard) do(ctx context.Context, call string, fn func(ctx context.Context) error) error {
	venue := g.client.Name()
	var lastErr error
	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		if err := g.limiter.Wait(ctx); err != nil {
			g.metrics.IncRateLimited(venue)
			return errors.Wrapf(err, "%s %s", venue, call)
		}

		start := time.Now()
		err := g.invoke(ctx, fn)
		kind := ""
		if err != nil {
			kind = errors.KindOf(err).String()
		}
		g.metrics.ObserveVenueCall(venue, call, kind, time.Since(start))
		if err == nil {
			return nil
		}
		lastErr = err
		if !errors.IsRetryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return errors.Transient(ctx.Err())
		}
		if attempt == g.cfg.MaxAttempts {
			break
		}
		wait := g.cfg.Backoff.Next(attempt)
		logs.Warnf("venue call retry, venue=%s call=%s attempt=%d wait=%s err=%v", venue, call, attempt, wait, err)
		if err := g.sleep(ctx, wait); err != nil {
			return errors.Transient(err)
		}
	}
	return errors.Transient(errors.Wrap(exception.ErrVenueRetriesExhausted, lastErr.Error()))
}

func (g *Guard) invoke(ctx context.Context, fn func(ctx context.Context) error) error {
	if g.cfg.CallTimeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()
	return fn(ctx)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
