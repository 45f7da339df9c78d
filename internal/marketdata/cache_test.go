package marketdata

import (
	"math"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quoter/internal/errors"
	"quoter/internal/schema"
	"quoter/pkg/exception"
)

var btc = schema.Market{Venue: "sim", Symbol: "BTC-USD"}

func book(bid, ask string, ts int64) schema.MarketSnapshot {
	return schema.MarketSnapshot{
		Market:    btc,
		BestBid:   decimal.RequireFromString(bid),
		BestAsk:   decimal.RequireFromString(ask),
		UpdatedAt: ts,
	}
}

func TestUpdateComputesMid(t *testing.T) {
	c := NewCache(DefaultConfig())
	snap, err := c.Update(book("99", "101", 1))
	require.NoError(t, err)
	assert.True(t, snap.Mid.Equal(decimal.NewFromInt(100)))
	assert.Zero(t, snap.Volatility)
	assert.Zero(t, snap.Lookback)

	got, ok := c.Snapshot(btc)
	require.True(t, ok)
	assert.Equal(t, snap, got)
}

func TestUpdateRejectsBadBooks(t *testing.T) {
	testCases := []struct {
		desc     string
		snap     schema.MarketSnapshot
		expected error
	}{
		{"zero bid", book("0", "101", 1), exception.ErrMarketDataInvalidBook},
		{"crossed", book("101", "100", 1), exception.ErrMarketDataCrossedBook},
		{"locked", book("100", "100", 1), exception.ErrMarketDataCrossedBook},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			c := NewCache(DefaultConfig())
			_, err := c.Update(tc.snap)
			assert.True(t, errors.Is(err, tc.expected))
			_, ok := c.Snapshot(btc)
			assert.False(t, ok)
		})
	}
}

func TestUpdateIgnoresOlderSnapshot(t *testing.T) {
	c := NewCache(DefaultConfig())
	_, err := c.Update(book("99", "101", 10))
	require.NoError(t, err)

	cur, err := c.Update(book("89", "91", 5))
	assert.True(t, errors.Is(err, exception.ErrMarketDataOutOfOrder))
	assert.True(t, cur.Mid.Equal(decimal.NewFromInt(100)))
}

func TestVolatilityEWMA(t *testing.T) {
	c := NewCache(Config{Lambda: 0.5, Lookback: 2})
	_, err := c.Update(book("99", "101", 1))
	require.NoError(t, err)
	snap, err := c.Update(book("100", "102", 2))
	require.NoError(t, err)

	r1 := math.Log(101.0 / 100.0)
	assert.InDelta(t, math.Abs(r1), snap.Volatility, 1e-12)
	assert.Equal(t, 1, snap.Lookback)

	snap, err = c.Update(book("100", "102", 3))
	require.NoError(t, err)
	assert.InDelta(t, math.Sqrt(0.5*r1*r1), snap.Volatility, 1e-12)

	snap, err = c.Update(book("100", "102", 4))
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Lookback)
}

func TestTradesRing(t *testing.T) {
	testCases := []struct {
		name     string
		ids      []string
		expected []int64
	}{
		{"keeps the newest", []string{"a", "b", "c", "d", "e"}, []int64{3, 4, 5}},
		{"ignores a repeated id", []string{"a", "b", "b", "c"}, []int64{1, 2, 4}},
		{"anonymous trades all count", []string{"", "", ""}, []int64{1, 2, 3}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := NewCache(Config{TradeHistory: 3})
			for i, id := range tc.ids {
				c.AddTrade(btc, schema.Trade{ID: id, Price: decimal.NewFromInt(int64(i + 1)), Timestamp: int64(i + 1)})
			}
			trades := c.Trades(btc)
			got := make([]int64, 0, len(trades))
			for _, tr := range trades {
				got = append(got, tr.Timestamp)
			}
			assert.Equal(t, tc.expected, got)
		})
	}
	assert.Nil(t, NewCache(DefaultConfig()).Trades(btc))
}

func TestConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	c := NewCache(DefaultConfig())
	_, err := c.Update(book("99", "101", 1))
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := int64(2); i < 500; i++ {
			bid := decimal.NewFromInt(i)
			_, _ = c.Update(schema.MarketSnapshot{Market: btc, BestBid: bid, BestAsk: bid.Add(decimal.NewFromInt(2)), UpdatedAt: i})
		}
	}()
	for range 500 {
		snap, ok := c.Snapshot(btc)
		require.True(t, ok)
		assert.True(t, snap.BestAsk.Sub(snap.BestBid).Equal(decimal.NewFromInt(2)))
		assert.True(t, snap.Mid.Equal(snap.BestBid.Add(decimal.NewFromInt(1))))
	}
	wg.Wait()
}
