package order

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quoter/internal/errors"
	"quoter/internal/obs"
	"quoter/internal/risk"
	"quoter/internal/schema"
	"quoter/internal/state"
	"quoter/internal/venue"
	"quoter/internal/venue/sim"
	"quoter/pkg/exception"
)

var testMarket = schema.Market{Venue: "sim", Symbol: "BTC-USD"}

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// fakeVenue acknowledges every order unless submitErr says otherwise.
type fakeVenue struct {
	gate      chan struct{}
	submitErr func(req schema.OrderRequest, attempt int) error
	// cancelGone makes cancels report an order the venue no longer has.
	cancelGone bool

	mu       sync.Mutex
	seq      int
	submits  []schema.OrderRequest
	cancels  []string
	attempts map[string]int
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{attempts: make(map[string]int)}
}

func (f *fakeVenue) Name() string { return "sim" }

func (f *fakeVenue) SubmitOrder(ctx context.Context, req schema.OrderRequest) (schema.OrderRecord, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return schema.OrderRecord{}, errors.Transient(ctx.Err())
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, req)
	f.attempts[req.ClientOrderID]++
	if f.submitErr != nil {
		if err := f.submitErr(req, f.attempts[req.ClientOrderID]); err != nil {
			return schema.OrderRecord{}, err
		}
	}
	f.seq++
	return schema.OrderRecord{
		OrderID:       fmt.Sprintf("f-%d", f.seq),
		ClientOrderID: req.ClientOrderID,
		Market:        req.Market,
		Side:          req.Side,
		Price:         req.Price,
		Size:          req.Size,
		Status:        schema.OrderStatusLive,
		Generation:    req.Generation,
	}, nil
}

func (f *fakeVenue) CancelOrder(_ context.Context, _ schema.Market, orderID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, orderID)
	return !f.cancelGone, nil
}

func (f *fakeVenue) FetchOrderBook(context.Context, string) (schema.MarketSnapshot, error) {
	return schema.MarketSnapshot{}, nil
}

func (f *fakeVenue) FetchTrades(context.Context, string, int64) ([]schema.Fill, error) {
	return nil, nil
}

func (f *fakeVenue) FetchBalances(context.Context) (map[string]decimal.Decimal, error) {
	return nil, nil
}

func (f *fakeVenue) counts() (submits, cancels int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits), len(f.cancels)
}

func (f *fakeVenue) submitsOf(side schema.Side) []schema.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]schema.OrderRequest, 0)
	for _, req := range f.submits {
		if req.Side == side {
			out = append(out, req)
		}
	}
	return out
}

type eventLog struct {
	mu     sync.Mutex
	events []schema.Event
}

func (l *eventLog) Publish(e schema.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) has(t schema.EventType) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e.Type == t {
			return true
		}
	}
	return false
}

type harness struct {
	m        *Manager
	store    *state.Store
	events   *eventLog
	metrics  *obs.Metrics
	triggers atomic.Int32
}

func newHarness(t *testing.T, adapter venue.Adapter, tweak func(p *schema.ParameterSet)) *harness {
	t.Helper()
	reg := schema.NewRegistry()
	require.NoError(t, reg.AddVenue("sim"))
	require.NoError(t, reg.AddInstrument(schema.Instrument{
		Symbol:   "BTC-USD",
		Base:     "BTC",
		Quote:    "USD",
		TickSize: d("0.01"),
		MinSize:  d("0.01"),
		SizeStep: d("0.01"),
	}, "sim"))

	p := schema.DefaultParameterSet()
	if tweak != nil {
		tweak(&p)
	}
	params := risk.NewParamStore(nil)
	require.NoError(t, params.Seed("BTC-USD", p))

	store := state.NewStore(nil, nil)
	store.Register(testMarket, p.SoftLimit, p.HardLimit)

	h := &harness{store: store, events: &eventLog{}, metrics: obs.NewMetrics()}
	h.m = New(DefaultConfig(), Dependencies{
		Venues:   map[string]venue.Adapter{"sim": adapter},
		Registry: reg,
		Store:    store,
		Params:   params,
		Bus:      h.events,
		Metrics:  h.metrics,
		Trigger:  func(schema.Market) { h.triggers.Add(1) },
	})
	return h
}

func (h *harness) run(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.m.Run(ctx)
}

func (h *harness) slot(t *testing.T, side schema.Side) SlotView {
	t.Helper()
	views, err := h.m.Slots(t.Context())
	require.NoError(t, err)
	for _, v := range views {
		if v.Market == testMarket && v.Side == side {
			return v
		}
	}
	t.Fatalf("no slot for %s", side)
	return SlotView{}
}

func (h *harness) waitSlot(t *testing.T, side schema.Side, cond func(v SlotView) bool) {
	t.Helper()
	require.Eventually(t, func() bool { return cond(h.slot(t, side)) }, waitFor, tick)
}

func quote(gen uint64, bid, ask, bidSize, askSize string) schema.Quote {
	return schema.Quote{
		Market:      testMarket,
		BidPrice:    d(bid),
		AskPrice:    d(ask),
		BidSize:     d(bidSize),
		AskSize:     d(askSize),
		Reservation: d("100"),
		Generation:  gen,
	}
}

func liveAt(gen uint64, price string) func(v SlotView) bool {
	return func(v SlotView) bool {
		return v.State == SlotLive && v.Generation == gen && v.Live != nil && v.Live.Price.Equal(d(price))
	}
}

func TestManagerQuotesBothSides(t *testing.T) {
	fv := newFakeVenue()
	h := newHarness(t, fv, nil)
	h.run(t)

	require.NoError(t, h.m.ReplaceQuote(quote(1, "99", "101", "1", "1")))
	h.waitSlot(t, schema.SideBuy, liveAt(1, "99"))
	h.waitSlot(t, schema.SideSell, liveAt(1, "101"))

	submits, cancels := fv.counts()
	assert.Equal(t, 2, submits)
	assert.Equal(t, 0, cancels)
	assert.Len(t, h.store.LiveOrders(testMarket), 2)
	assert.True(t, h.m.VenueHealthy("sim"))

	buy := fv.submitsOf(schema.SideBuy)[0]
	assert.Equal(t, uint64(1), buy.Generation)
	assert.NotEmpty(t, buy.ClientOrderID)
}

func TestManagerRequoteThreshold(t *testing.T) {
	fv := newFakeVenue()
	h := newHarness(t, fv, func(p *schema.ParameterSet) { p.RequoteTicks = 5 })
	h.run(t)

	require.NoError(t, h.m.ReplaceQuote(quote(1, "99", "101", "1", "1")))
	h.waitSlot(t, schema.SideBuy, liveAt(1, "99"))
	h.waitSlot(t, schema.SideSell, liveAt(1, "101"))

	// two ticks: keep the resting order
	require.NoError(t, h.m.ReplaceQuote(quote(2, "99.02", "101", "1", "1")))
	h.waitSlot(t, schema.SideBuy, liveAt(2, "99"))
	submits, cancels := fv.counts()
	assert.Equal(t, 2, submits)
	assert.Equal(t, 0, cancels)

	// five ticks: replace
	require.NoError(t, h.m.ReplaceQuote(quote(3, "99.05", "101", "1", "1")))
	h.waitSlot(t, schema.SideBuy, liveAt(3, "99.05"))
	submits, cancels = fv.counts()
	assert.Equal(t, 3, submits)
	assert.Equal(t, 1, cancels)

	// a size change always replaces
	require.NoError(t, h.m.ReplaceQuote(quote(4, "99.05", "101", "1", "2")))
	h.waitSlot(t, schema.SideSell, func(v SlotView) bool {
		return v.State == SlotLive && v.Generation == 4 && v.Live.Size.Equal(d("2"))
	})
	submits, cancels = fv.counts()
	assert.Equal(t, 4, submits)
	assert.Equal(t, 2, cancels)
}

func TestManagerZeroSizeCancels(t *testing.T) {
	fv := newFakeVenue()
	h := newHarness(t, fv, nil)
	h.run(t)

	require.NoError(t, h.m.ReplaceQuote(quote(1, "99", "101", "1", "1")))
	h.waitSlot(t, schema.SideBuy, liveAt(1, "99"))
	h.waitSlot(t, schema.SideSell, liveAt(1, "101"))

	require.NoError(t, h.m.ReplaceQuote(quote(2, "99", "101", "0", "1")))
	h.waitSlot(t, schema.SideBuy, func(v SlotView) bool { return v.State == SlotIdle && v.Generation == 2 })
	h.waitSlot(t, schema.SideSell, liveAt(2, "101"))

	submits, cancels := fv.counts()
	assert.Equal(t, 2, submits)
	assert.Equal(t, 1, cancels)
	assert.Len(t, h.store.LiveOrders(testMarket), 1)
}

func TestManagerCoalescesQuotesWhileInFlight(t *testing.T) {
	fv := newFakeVenue()
	fv.gate = make(chan struct{})
	h := newHarness(t, fv, nil)
	h.run(t)

	require.NoError(t, h.m.ReplaceQuote(quote(1, "99", "101", "1", "1")))
	h.waitSlot(t, schema.SideBuy, func(v SlotView) bool { return v.State == SlotPending })

	require.NoError(t, h.m.ReplaceQuote(quote(2, "98.9", "101", "1", "1")))
	require.NoError(t, h.m.ReplaceQuote(quote(3, "98.8", "101", "1", "1")))
	require.NoError(t, h.m.ReplaceQuote(quote(4, "98.7", "101", "1", "1")))
	h.waitSlot(t, schema.SideBuy, func(v SlotView) bool { return v.State == SlotPending && v.Desired == 4 })

	close(fv.gate)
	h.waitSlot(t, schema.SideBuy, liveAt(4, "98.7"))
	h.waitSlot(t, schema.SideSell, liveAt(4, "101"))

	buys := fv.submitsOf(schema.SideBuy)
	require.Len(t, buys, 2, "intermediate generations never reach the venue")
	assert.True(t, buys[1].Price.Equal(d("98.7")))
	assert.Equal(t, uint64(4), buys[1].Generation)
	_, cancels := fv.counts()
	assert.Equal(t, 1, cancels)
}

func TestManagerStaleResponseCancelsOrphan(t *testing.T) {
	fv := newFakeVenue()
	h := newHarness(t, fv, nil)
	h.m.ctx = t.Context()

	key := slotKey{market: testMarket, side: schema.SideBuy}
	s := h.m.slots[key]
	s.applied = 5
	s.inflight = true

	req := schema.OrderRequest{
		ClientOrderID: "c-1",
		Market:        testMarket,
		Side:          schema.SideBuy,
		Price:         d("99"),
		Size:          d("1"),
		Generation:    3,
	}
	_, err := h.m.orders.ApplySubmit(req, 1)
	require.NoError(t, err)

	h.m.applyResult(result{
		op: op{key: key, submit: &req, generation: 3},
		record: schema.OrderRecord{
			OrderID:       "f-9",
			ClientOrderID: "c-1",
			Market:        testMarket,
			Side:          schema.SideBuy,
			Price:         d("99"),
			Size:          d("1"),
			Status:        schema.OrderStatusLive,
			Generation:    3,
		},
	})
	assert.Nil(t, s.live)
	assert.False(t, s.inflight)
	assert.Equal(t, uint64(5), s.applied)
	assert.Equal(t, 1, h.m.pending)
	assert.Equal(t, 1, h.m.busy())

	var res result
	select {
	case res = <-h.m.results:
	case <-time.After(waitFor):
		t.Fatal("orphan cancel never reported")
	}
	require.True(t, res.op.orphan)
	h.m.applyResult(res)

	assert.Equal(t, []string{"f-9"}, fv.cancels)
	assert.Equal(t, 0, h.m.pending)
	assert.Equal(t, 0, h.m.busy())
	assert.Empty(t, h.store.LiveOrders(testMarket))
}

func TestManagerRejectedSubmitPublishesEvent(t *testing.T) {
	fv := newFakeVenue()
	fv.submitErr = func(req schema.OrderRequest, _ int) error {
		if req.Side == schema.SideBuy {
			return errors.Rejected(exception.ErrVenueInsufficientFunds)
		}
		return nil
	}
	h := newHarness(t, fv, nil)
	h.run(t)

	require.NoError(t, h.m.ReplaceQuote(quote(1, "99", "101", "1", "1")))
	h.waitSlot(t, schema.SideSell, liveAt(1, "101"))
	require.Eventually(t, func() bool { return h.events.has(schema.EventOrderRejected) }, waitFor, tick)

	buy := h.slot(t, schema.SideBuy)
	assert.Equal(t, SlotIdle, buy.State)
	assert.Nil(t, buy.Live)
	assert.Len(t, fv.submitsOf(schema.SideBuy), 1, "rejections are not retried")
	assert.Len(t, h.store.LiveOrders(testMarket), 1)
}

func TestManagerResendsLostSubmitWithSameClientID(t *testing.T) {
	fv := newFakeVenue()
	fv.submitErr = func(req schema.OrderRequest, attempt int) error {
		if req.Side == schema.SideBuy && attempt == 1 {
			return errors.Transient(exception.ErrVenueUnavailable)
		}
		return nil
	}
	h := newHarness(t, fv, nil)
	h.run(t)

	require.NoError(t, h.m.ReplaceQuote(quote(1, "99", "101", "1", "1")))
	h.waitSlot(t, schema.SideSell, liveAt(1, "101"))
	require.Eventually(t, func() bool { return len(fv.submitsOf(schema.SideBuy)) == 1 }, waitFor, tick)
	h.waitSlot(t, schema.SideBuy, func(v SlotView) bool { return v.State == SlotIdle })

	require.NoError(t, h.m.ReplaceQuote(quote(2, "99", "101", "1", "1")))
	h.waitSlot(t, schema.SideBuy, liveAt(2, "99"))

	buys := fv.submitsOf(schema.SideBuy)
	require.Len(t, buys, 2)
	assert.Equal(t, buys[0].ClientOrderID, buys[1].ClientOrderID)
	assert.True(t, h.m.VenueHealthy("sim"))
}

func TestManagerHardLimitBreachCancelsMarket(t *testing.T) {
	v := sim.New(sim.Config{Name: "sim"}, nil)
	v.SetMid("BTC-USD", d("100"), d("0.5"))
	h := newHarness(t, v, nil)
	h.run(t)

	require.NoError(t, h.m.ReplaceQuote(quote(1, "99", "101", "1", "1")))
	require.Eventually(t, func() bool { return len(v.OpenOrders("BTC-USD")) == 2 }, waitFor, tick)

	err := h.m.SubmitFills(t.Context(), []schema.Fill{{
		ExecID:    "manual-1",
		OrderID:   "manual",
		Market:    testMarket,
		Side:      schema.SideBuy,
		Price:     d("100"),
		Size:      d("150"),
		Timestamp: time.Now().UnixNano(),
	}})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(v.OpenOrders("BTC-USD")) == 0 }, waitFor, tick)
	require.Eventually(t, func() bool { return h.events.has(schema.EventLimitBreach) }, waitFor, tick)
	assert.True(t, h.events.has(schema.EventFill))
	assert.GreaterOrEqual(t, h.triggers.Load(), int32(1))

	inv, ok := h.store.Inventory(testMarket)
	require.True(t, ok)
	assert.True(t, inv.Qty.Equal(d("150")))
	h.waitSlot(t, schema.SideBuy, func(v SlotView) bool { return v.State == SlotIdle })
	h.waitSlot(t, schema.SideSell, func(v SlotView) bool { return v.State == SlotIdle })
}

func TestManagerCountsAckedAndGoneCancels(t *testing.T) {
	testCases := []struct {
		name   string
		gone   bool
		result string
	}{
		{"venue acknowledges the cancel", false, "acked"},
		{"order already gone", true, "gone"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			fv := newFakeVenue()
			fv.cancelGone = tc.gone
			h := newHarness(t, fv, nil)
			h.run(t)

			require.NoError(t, h.m.ReplaceQuote(quote(1, "99", "101", "1", "1")))
			h.waitSlot(t, schema.SideBuy, liveAt(1, "99"))
			h.waitSlot(t, schema.SideSell, liveAt(1, "101"))

			require.NoError(t, h.m.ReplaceQuote(quote(2, "99", "101", "0", "1")))
			h.waitSlot(t, schema.SideBuy, func(v SlotView) bool { return v.State == SlotIdle && v.Generation == 2 })
			assert.Len(t, h.store.LiveOrders(testMarket), 1)

			expected := `
# HELP quoter_orders_cancelled_total Orders cancelled on venues, or already gone when the cancel arrived
# TYPE quoter_orders_cancelled_total counter
quoter_orders_cancelled_total{instrument="BTC-USD",result="` + tc.result + `",side="buy",venue="sim"} 1
`
			assert.NoError(t, testutil.GatherAndCompare(h.metrics.Registry(), strings.NewReader(expected), "quoter_orders_cancelled_total"))
		})
	}
}

func TestManagerFillUsesLiveHardLimit(t *testing.T) {
	v := sim.New(sim.Config{Name: "sim"}, nil)
	v.SetMid("BTC-USD", d("100"), d("0.5"))
	h := newHarness(t, v, func(p *schema.ParameterSet) {
		p.SoftLimit = d("180")
		p.HardLimit = d("200")
	})
	// inventory still carries the limits it was registered with
	h.store.Register(testMarket, d("50"), d("100"))
	h.run(t)

	require.NoError(t, h.m.ReplaceQuote(quote(1, "99", "101", "1", "1")))
	require.Eventually(t, func() bool { return len(v.OpenOrders("BTC-USD")) == 2 }, waitFor, tick)

	err := h.m.SubmitFills(t.Context(), []schema.Fill{{
		ExecID:    "manual-1",
		OrderID:   "manual",
		Market:    testMarket,
		Side:      schema.SideBuy,
		Price:     d("100"),
		Size:      d("150"),
		Timestamp: time.Now().UnixNano(),
	}})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.events.has(schema.EventFill) }, waitFor, tick)
	// a round trip through the loop lets the fill batch finish
	_, err = h.m.Slots(t.Context())
	require.NoError(t, err)
	assert.False(t, h.events.has(schema.EventLimitBreach))
	assert.Len(t, v.OpenOrders("BTC-USD"), 2)
}

func TestManagerVenueFillsUpdateSlot(t *testing.T) {
	v := sim.New(sim.Config{Name: "sim"}, nil)
	v.SetMid("BTC-USD", d("100"), d("0.5"))
	h := newHarness(t, v, nil)
	h.run(t)

	require.NoError(t, h.m.ReplaceQuote(quote(1, "99", "101", "1", "1")))
	h.waitSlot(t, schema.SideBuy, liveAt(1, "99"))

	fills := v.SetBook("BTC-USD", d("98"), d("98.5"), decimal.Zero, decimal.Zero)
	require.Len(t, fills, 1)
	require.NoError(t, h.m.SubmitFills(t.Context(), fills))
	// a repeated delivery is ignored
	require.NoError(t, h.m.SubmitFills(t.Context(), fills))

	h.waitSlot(t, schema.SideBuy, func(v SlotView) bool { return v.State == SlotIdle })
	inv, _ := h.store.Inventory(testMarket)
	assert.True(t, inv.Qty.Equal(d("1")))
	assert.Equal(t, uint64(1), h.store.Seq())
}

func TestManagerSetEnabledAndCancelAll(t *testing.T) {
	v := sim.New(sim.Config{Name: "sim"}, nil)
	v.SetMid("BTC-USD", d("100"), d("0.5"))
	h := newHarness(t, v, nil)
	h.run(t)

	require.NoError(t, h.m.ReplaceQuote(quote(1, "99", "101", "1", "1")))
	require.Eventually(t, func() bool { return len(v.OpenOrders("BTC-USD")) == 2 }, waitFor, tick)

	require.NoError(t, h.m.SetEnabled(t.Context(), testMarket, false))
	require.Eventually(t, func() bool { return len(v.OpenOrders("BTC-USD")) == 0 }, waitFor, tick)
	enabled, err := h.m.Enabled(t.Context(), testMarket)
	require.NoError(t, err)
	assert.False(t, enabled)

	require.NoError(t, h.m.ReplaceQuote(quote(5, "99", "101", "1", "1")))
	h.waitSlot(t, schema.SideBuy, func(v SlotView) bool { return v.Generation == 5 })
	assert.Empty(t, v.OpenOrders("BTC-USD"), "a paused market places nothing")

	require.NoError(t, h.m.SetEnabled(t.Context(), testMarket, true))
	require.NoError(t, h.m.ReplaceQuote(quote(6, "99", "101", "1", "1")))
	require.Eventually(t, func() bool { return len(v.OpenOrders("BTC-USD")) == 2 }, waitFor, tick)

	ctx, cancel := context.WithTimeout(t.Context(), waitFor)
	defer cancel()
	require.NoError(t, h.m.CancelAll(ctx))
	assert.Empty(t, v.OpenOrders("BTC-USD"))
	assert.Empty(t, h.store.LiveOrders(testMarket))
}

func TestReplaceQuoteQueueFull(t *testing.T) {
	h := newHarness(t, newFakeVenue(), nil)
	h.m.quotes = make(chan schema.Quote, 1)

	require.NoError(t, h.m.ReplaceQuote(quote(1, "99", "101", "1", "1")))
	err := h.m.ReplaceQuote(quote(2, "99", "101", "1", "1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, exception.ErrOrderQueueFull)
	assert.True(t, errors.IsRetryable(err))
}

func TestVenueHealth(t *testing.T) {
	h := newHarness(t, newFakeVenue(), nil)
	for i := 0; i < 2; i++ {
		h.m.venueFailed("sim")
	}
	assert.True(t, h.m.VenueHealthy("sim"))
	h.m.venueFailed("sim")
	assert.False(t, h.m.VenueHealthy("sim"))
	h.m.venueOK("sim")
	assert.True(t, h.m.VenueHealthy("sim"))
}
