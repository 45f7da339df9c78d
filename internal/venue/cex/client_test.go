package cex

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quoter/internal/errors"
	"quoter/internal/schema"
	"quoter/internal/venue"
	"quoter/pkg/exception"
)

var _ venue.Adapter = (*Client)(nil)

const (
	testKey    = "key"
	testSecret = "secret"
)

func testSymbols(t *testing.T) venue.SymbolMap {
	t.Helper()
	reg := schema.NewRegistry()
	require.NoError(t, reg.AddVenue("cex"))
	require.NoError(t, reg.AddInstrument(schema.Instrument{
		Symbol:       "BTC-USD",
		TickSize:     decimal.RequireFromString("0.01"),
		VenueSymbols: map[string]string{"cex": "BTCUSDT"},
	}, "cex"))
	return venue.NewSymbolMap(reg, "cex")
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		expected := Sign(testSecret, r.Header.Get(_headerTimestamp), r.Method, r.URL.RequestURI(), body)
		if r.Header.Get(_headerAPIKey) != testKey || r.Header.Get(_headerSignature) != expected {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{Name: "cex", BaseURL: srv.URL, APIKey: testKey, APISecret: testSecret}, testSymbols(t))
	require.NoError(t, err)
	return c
}

func writeJSON(t *testing.T, w http.ResponseWriter, code int, v any) {
	data, err := sonic.Marshal(v)
	assert.NoError(t, err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(data)
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(Config{Name: "cex"}, venue.SymbolMap{})
	require.Error(t, err)
	assert.Equal(t, errors.KindFatal, errors.KindOf(err))
	assert.True(t, errors.Is(err, exception.ErrVenueMissingCredentials))
}

func TestSubmitOrder(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, _pathOrder, r.URL.Path)

		var req PlaceOrderRequest
		assert.NoError(t, sonic.ConfigFastest.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "BTCUSDT", req.Symbol)
		assert.Equal(t, "BUY", req.Side)
		assert.Equal(t, "GTX", req.TimeInForce)
		assert.Equal(t, "c-1", req.ClientOrderID)

		writeJSON(t, w, http.StatusOK, OrderResponse{
			OrderID:       42,
			ClientOrderID: req.ClientOrderID,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Price:         req.Price,
			OrigQty:       req.Quantity,
			ExecutedQty:   "0",
			Status:        "NEW",
			TransactTime:  1700000000000,
		})
	})

	rec, err := c.SubmitOrder(t.Context(), schema.OrderRequest{
		ClientOrderID: "c-1",
		Market:        schema.Market{Venue: "cex", Symbol: "BTC-USD"},
		Side:          schema.SideBuy,
		Price:         decimal.RequireFromString("99.5"),
		Size:          decimal.RequireFromString("0.1"),
		Generation:    3,
	})
	require.NoError(t, err)
	assert.Equal(t, "42", rec.OrderID)
	assert.Equal(t, schema.OrderStatusLive, rec.Status)
	assert.Equal(t, uint64(3), rec.Generation)
	assert.Equal(t, "BTC-USD", rec.Market.Symbol)
	assert.True(t, rec.Price.Equal(decimal.RequireFromString("99.5")))
	assert.Equal(t, time.UnixMilli(1700000000000).UnixNano(), rec.CreatedAt)
}

func TestSubmitOrderErrors(t *testing.T) {
	testCases := []struct {
		desc string
		code int
		kind errors.Kind
	}{
		{"insufficient balance", http.StatusBadRequest, errors.KindRejected},
		{"rate limited", http.StatusTooManyRequests, errors.KindTransient},
		{"maintenance", http.StatusServiceUnavailable, errors.KindTransient},
		{"banned for request weight", http.StatusTeapot, errors.KindTransient},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				code := -2010
				if tc.code == http.StatusTeapot {
					code = _codeTooManyRequests
				}
				writeJSON(t, w, tc.code, ErrorResponse{Code: code, Message: tc.desc})
			})
			_, err := c.SubmitOrder(t.Context(), schema.OrderRequest{
				ClientOrderID: "c-2",
				Market:        schema.Market{Venue: "cex", Symbol: "BTC-USD"},
				Side:          schema.SideSell,
				Price:         decimal.NewFromInt(1),
				Size:          decimal.NewFromInt(1),
			})
			require.Error(t, err)
			assert.Equal(t, tc.kind, errors.KindOf(err))
		})
	}
}

func TestSubmitOrderResendReturnsAcceptedOrder(t *testing.T) {
	testCases := []struct {
		desc    string
		query   func(w http.ResponseWriter)
		status  schema.OrderStatus
		wantErr error
	}{
		{"order still resting", func(w http.ResponseWriter) {
			writeJSON(t, w, http.StatusOK, OrderResponse{
				OrderID: 77, ClientOrderID: "c-9", Symbol: "BTCUSDT", Side: "BUY",
				Price: "99.5", OrigQty: "0.1", ExecutedQty: "0.04", Status: "PARTIALLY_FILLED", TransactTime: 1700000000000,
			})
		}, schema.OrderStatusLive, nil},
		{"order filled meanwhile", func(w http.ResponseWriter) {
			writeJSON(t, w, http.StatusOK, OrderResponse{
				OrderID: 77, ClientOrderID: "c-9", Symbol: "BTCUSDT", Side: "BUY",
				Price: "99.5", OrigQty: "0.1", ExecutedQty: "0.1", Status: "FILLED", TransactTime: 1700000000000,
			})
		}, schema.OrderStatusFilled, nil},
		{"order unknown to the query", func(w http.ResponseWriter) {
			writeJSON(t, w, http.StatusBadRequest, ErrorResponse{Code: _codeNoSuchOrder, Message: "Order does not exist."})
		}, schema.OrderStatusPending, exception.ErrVenueUnknownOrder},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			var posts, gets int
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, _pathOrder, r.URL.Path)
				switch r.Method {
				case http.MethodPost:
					posts++
					writeJSON(t, w, http.StatusBadRequest, ErrorResponse{Code: _codeOrderRejected, Message: "Duplicate order sent."})
				case http.MethodGet:
					gets++
					assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
					assert.Equal(t, "c-9", r.URL.Query().Get("origClientOrderId"))
					tc.query(w)
				default:
					t.Errorf("unexpected %s", r.Method)
				}
			})

			rec, err := c.SubmitOrder(t.Context(), schema.OrderRequest{
				ClientOrderID: "c-9",
				Market:        schema.Market{Venue: "cex", Symbol: "BTC-USD"},
				Side:          schema.SideBuy,
				Price:         decimal.RequireFromString("99.5"),
				Size:          decimal.RequireFromString("0.1"),
				Generation:    4,
			})
			assert.Equal(t, 1, posts)
			assert.Equal(t, 1, gets)
			if tc.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tc.wantErr))
				assert.False(t, errors.Is(err, exception.ErrVenueDuplicateOrder))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "77", rec.OrderID)
			assert.Equal(t, "c-9", rec.ClientOrderID)
			assert.Equal(t, tc.status, rec.Status)
			assert.Equal(t, uint64(4), rec.Generation)
		})
	}
}

func TestClassifyDuplicateOnlyOnMessage(t *testing.T) {
	err := classify(http.StatusBadRequest, []byte(`{"code":-2010,"msg":"Account has insufficient balance for requested action."}`))
	assert.Equal(t, errors.KindRejected, errors.KindOf(err))
	assert.False(t, errors.Is(err, exception.ErrVenueDuplicateOrder))

	err = classify(http.StatusBadRequest, []byte(`{"code":-2010,"msg":"Duplicate order sent."}`))
	assert.True(t, errors.Is(err, exception.ErrVenueDuplicateOrder))
}

func TestUnsupportedSymbol(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	_, err := c.FetchOrderBook(t.Context(), "ETH-USD")
	require.Error(t, err)
	assert.True(t, errors.Is(err, exception.ErrVenueUnsupportedSymbol))
}

func TestCancelOrder(t *testing.T) {
	testCases := []struct {
		desc     string
		code     int
		status   string
		expected bool
	}{
		{"cancelled", http.StatusOK, "CANCELED", true},
		{"already filled", http.StatusOK, "FILLED", false},
		{"unknown order", http.StatusNotFound, "", false},
		{"unknown order code", http.StatusBadRequest, "", false},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodDelete, r.Method)
				if tc.code == http.StatusBadRequest {
					writeJSON(t, w, tc.code, ErrorResponse{Code: _codeCancelRejected, Message: "Unknown order sent."})
					return
				}
				writeJSON(t, w, tc.code, OrderResponse{OrderID: 42, Status: tc.status})
			})
			ok, err := c.CancelOrder(t.Context(), schema.Market{Venue: "cex", Symbol: "BTC-USD"}, "42")
			require.NoError(t, err)
			assert.Equal(t, tc.expected, ok)
		})
	}
}

func TestFetchOrderBook(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, _pathDepth, r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		writeJSON(t, w, http.StatusOK, DepthResponse{
			Bids: [][2]string{{"99.9", "2"}, {"99.8", "5"}},
			Asks: [][2]string{{"100.1", "1"}},
		})
	})

	snap, err := c.FetchOrderBook(t.Context(), "BTC-USD")
	require.NoError(t, err)
	assert.True(t, snap.Mid.Equal(decimal.NewFromInt(100)))
	assert.True(t, snap.BidSize.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, schema.Market{Venue: "cex", Symbol: "BTC-USD"}, snap.Market)
}

func TestFetchOrderBookEmpty(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, DepthResponse{})
	})
	_, err := c.FetchOrderBook(t.Context(), "BTC-USD")
	assert.True(t, errors.Is(err, exception.ErrVenueEmptyBook))
	assert.True(t, errors.IsRetryable(err))
}

func TestFetchTrades(t *testing.T) {
	since := time.UnixMilli(1700000000000).UnixNano()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1700000000000", r.URL.Query().Get("startTime"))
		writeJSON(t, w, http.StatusOK, []TradeResponse{
			{ID: 1, OrderID: 42, Price: "100", Qty: "0.5", Commission: "0.05", Time: 1700000000000, IsBuyer: true},
			{ID: 2, OrderID: 43, Price: "101", Qty: "0.2", Commission: "0.02", Time: 1700000001000},
		})
	})

	fills, err := c.FetchTrades(t.Context(), "BTC-USD", since)
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Equal(t, "cex-1", fills[0].ExecID)
	assert.Equal(t, schema.SideBuy, fills[0].Side)
	assert.Equal(t, schema.SideSell, fills[1].Side)
	assert.True(t, fills[1].Fee.Equal(decimal.RequireFromString("0.02")))
}

func TestFetchBalances(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, AccountResponse{Balances: []BalanceResponse{
			{Asset: "BTC", Free: "1.5", Locked: "0.5"},
			{Asset: "USDT", Free: "1000", Locked: "0"},
		}})
	})

	balances, err := c.FetchBalances(t.Context())
	require.NoError(t, err)
	assert.True(t, balances["BTC"].Equal(decimal.NewFromInt(2)))
	assert.True(t, balances["USDT"].Equal(decimal.NewFromInt(1000)))
}

func TestBadSignatureIsRejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	c.rest.Sign = Signer(testKey, "wrong", time.Now)

	_, err := c.FetchBalances(t.Context())
	require.Error(t, err)
	assert.Equal(t, errors.KindRejected, errors.KindOf(err))
}

func TestStreamSnapshot(t *testing.T) {
	s := &Stream{name: "cex", symbols: testSymbols(t)}

	snap, err := s.Snapshot(BookTicker{Symbol: "BTCUSDT", BidPrice: "99", BidQty: "1", AskPrice: "101", AskQty: "2"}, time.Unix(10, 0))
	require.NoError(t, err)
	assert.Equal(t, "BTC-USD", snap.Market.Symbol)
	assert.True(t, snap.Mid.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, time.Unix(10, 0).UnixNano(), snap.UpdatedAt)

	_, err = s.Snapshot(BookTicker{Symbol: "ETHUSDT", BidPrice: "1", AskPrice: "2"}, time.Now())
	assert.Error(t, err)
}
