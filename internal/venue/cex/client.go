// Package cex implements the venue adapter of a centralized exchange with a
// Binance-style REST API and book-ticker websocket stream.
package cex

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"

	"quoter/internal/errors"
	"quoter/internal/schema"
	"quoter/internal/venue"
	"quoter/pkg/exception"
)

const (
	_pathOrder   = "/api/v1/order"
	_pathDepth   = "/api/v1/depth"
	_pathTrades  = "/api/v1/myTrades"
	_pathAccount = "/api/v1/account"

	_headerAPIKey    = "X-API-KEY"
	_headerTimestamp = "X-TIMESTAMP"
	_headerSignature = "X-SIGNATURE"
)

// Config of one CEX account.
type Config struct {
	Name      string
	BaseURL   string
	WSURL     string
	APIKey    string
	APISecret string
	Timeout   time.Duration
}

// Client is the raw REST client. Wrap it with venue.Guard before use.
type Client struct {
	name    string
	rest    venue.RESTClient
	symbols venue.SymbolMap
}

// New creates a client. Credentials are required.
func New(cfg Config, symbols venue.SymbolMap) (*Client, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, errors.Fatal(errors.Wrap(exception.ErrVenueMissingCredentials, cfg.Name))
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		name: cfg.Name,
		rest: venue.RESTClient{
			BaseURL:  cfg.BaseURL,
			HTTP:     &http.Client{Timeout: timeout},
			Sign:     Signer(cfg.APIKey, cfg.APISecret, time.Now),
			Classify: classify,
		},
		symbols: symbols,
	}, nil
}

// Error codes of the exchange that change how a non-2xx reply is classified.
const (
	_codeTooManyRequests = -1003
	_codeOrderRejected   = -2010
	_codeCancelRejected  = -2011
	_codeNoSuchOrder     = -2013
)

// classify reads the exchange's error body before falling back to the HTTP
// status: unknown-order codes arrive as 400 and rate limits sometimes as 418.
func classify(code int, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}
	var resp ErrorResponse
	if err := sonic.ConfigFastest.Unmarshal(body, &resp); err == nil {
		switch resp.Code {
		case _codeTooManyRequests:
			return errors.Transient(errors.Wrap(exception.ErrVenueRateLimited, resp.Message))
		case _codeCancelRejected, _codeNoSuchOrder:
			return errors.Rejected(errors.Wrap(exception.ErrVenueUnknownOrder, resp.Message))
		case _codeOrderRejected:
			if strings.Contains(strings.ToLower(resp.Message), "duplicate") {
				return errors.Rejected(errors.Wrap(exception.ErrVenueDuplicateOrder, resp.Message))
			}
		}
	}
	return venue.ClassifyStatus(code, body)
}

// Signer signs 'timestamp + method + path?query + body' with HMAC-SHA256.
func Signer(key, secret string, now func() time.Time) venue.RequestSigner {
	return func(req *http.Request, body []byte) error {
		ts := strconv.FormatInt(now().UnixMilli(), 10)
		req.Header.Set(_headerAPIKey, key)
		req.Header.Set(_headerTimestamp, ts)
		req.Header.Set(_headerSignature, Sign(secret, ts, req.Method, req.URL.RequestURI(), body))
		return nil
	}
}

// Sign returns the hex HMAC-SHA256 signature of a request.
func Sign(secret, ts, method, uri string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte(method))
	mac.Write([]byte(uri))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) Name() string {
	return c.name
}

func (c *Client) venueSymbol(symbol string) (string, error) {
	vs, ok := c.symbols.ToVenue(symbol)
	if !ok {
		return "", errors.Rejected(errors.Wrap(exception.ErrVenueUnsupportedSymbol, symbol))
	}
	return vs, nil
}

func (c *Client) SubmitOrder(ctx context.Context, req schema.OrderRequest) (schema.OrderRecord, error) {
	vs, err := c.venueSymbol(req.Market.Symbol)
	if err != nil {
		return schema.OrderRecord{}, err
	}

	payload := PlaceOrderRequest{
		Symbol:        vs,
		Side:          venueSide(req.Side),
		Type:          "LIMIT",
		TimeInForce:   "GTX", // post only
		Price:         req.Price.String(),
		Quantity:      req.Size.String(),
		ClientOrderID: req.ClientOrderID,
	}
	var resp OrderResponse
	err = c.rest.Do(ctx, http.MethodPost, _pathOrder, payload, &resp)
	if errors.Is(err, exception.ErrVenueDuplicateOrder) {
		// a resend of an order the venue already accepted
		resp, err = c.queryOrder(ctx, vs, req.ClientOrderID)
	}
	if err != nil {
		return schema.OrderRecord{}, err
	}
	if resp.OrderID == 0 {
		return schema.OrderRecord{}, errors.Transient(exception.ErrOrderEmptyResponseID)
	}

	rec, err := c.toOrderRecord(resp, req.Market.Symbol)
	if err != nil {
		return schema.OrderRecord{}, err
	}
	rec.Generation = req.Generation
	if rec.Status == schema.OrderStatusRejected {
		return rec, errors.Rejected(errors.Wrap(exception.ErrVenueRejected, resp.Status))
	}
	return rec, nil
}

func (c *Client) queryOrder(ctx context.Context, venueSymbol, clientOrderID string) (OrderResponse, error) {
	q := url.Values{}
	q.Set("symbol", venueSymbol)
	q.Set("origClientOrderId", clientOrderID)
	var resp OrderResponse
	if err := c.rest.Do(ctx, http.MethodGet, _pathOrder+"?"+q.Encode(), nil, &resp); err != nil {
		return OrderResponse{}, errors.Wrapf(err, "query order %s", clientOrderID)
	}
	return resp, nil
}

// CancelOrder reports false without error when the venue no longer knows the order.
func (c *Client) CancelOrder(ctx context.Context, market schema.Market, orderID string) (bool, error) {
	vs, err := c.venueSymbol(market.Symbol)
	if err != nil {
		return false, err
	}

	var resp OrderResponse
	err = c.rest.Do(ctx, http.MethodDelete, _pathOrder, CancelOrderRequest{Symbol: vs, OrderID: orderID}, &resp)
	if errors.Is(err, exception.ErrVenueUnknownOrder) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return venueStatus(resp.Status) == schema.OrderStatusCancelled, nil
}

func (c *Client) FetchOrderBook(ctx context.Context, symbol string) (schema.MarketSnapshot, error) {
	vs, err := c.venueSymbol(symbol)
	if err != nil {
		return schema.MarketSnapshot{}, err
	}

	q := url.Values{}
	q.Set("symbol", vs)
	q.Set("limit", "5")
	var resp DepthResponse
	if err := c.rest.Do(ctx, http.MethodGet, _pathDepth+"?"+q.Encode(), nil, &resp); err != nil {
		return schema.MarketSnapshot{}, err
	}
	if len(resp.Bids) == 0 || len(resp.Asks) == 0 {
		return schema.MarketSnapshot{}, errors.Transient(errors.Wrap(exception.ErrVenueEmptyBook, symbol))
	}

	return NewSnapshot(schema.Market{Venue: c.name, Symbol: symbol},
		resp.Bids[0][0], resp.Bids[0][1], resp.Asks[0][0], resp.Asks[0][1], time.Now())
}

func (c *Client) FetchTrades(ctx context.Context, symbol string, since int64) ([]schema.Fill, error) {
	vs, err := c.venueSymbol(symbol)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("symbol", vs)
	if since > 0 {
		q.Set("startTime", strconv.FormatInt(time.Unix(0, since).UnixMilli(), 10))
	}
	var resp []TradeResponse
	if err := c.rest.Do(ctx, http.MethodGet, _pathTrades+"?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}

	market := schema.Market{Venue: c.name, Symbol: symbol}
	fills := make([]schema.Fill, 0, len(resp))
	for _, t := range resp {
		f, err := toFill(market, t)
		if err != nil {
			return nil, err
		}
		if f.Timestamp < since {
			continue
		}
		fills = append(fills, f)
	}
	return fills, nil
}

func (c *Client) FetchBalances(ctx context.Context) (map[string]decimal.Decimal, error) {
	var resp AccountResponse
	if err := c.rest.Do(ctx, http.MethodGet, _pathAccount, nil, &resp); err != nil {
		return nil, err
	}

	balances := make(map[string]decimal.Decimal, len(resp.Balances))
	for _, b := range resp.Balances {
		free, err := venue.ParseDecimal(b.Free)
		if err != nil {
			return nil, err
		}
		locked, err := venue.ParseDecimal(b.Locked)
		if err != nil {
			return nil, err
		}
		balances[b.Asset] = free.Add(locked)
	}
	return balances, nil
}

func (c *Client) toOrderRecord(resp OrderResponse, symbol string) (schema.OrderRecord, error) {
	price, err := venue.ParseDecimal(resp.Price)
	if err != nil {
		return schema.OrderRecord{}, err
	}
	size, err := venue.ParseDecimal(resp.OrigQty)
	if err != nil {
		return schema.OrderRecord{}, err
	}
	filled, err := venue.ParseDecimal(resp.ExecutedQty)
	if err != nil {
		return schema.OrderRecord{}, err
	}
	ts := time.UnixMilli(resp.TransactTime).UnixNano()
	return schema.OrderRecord{
		OrderID:       strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: resp.ClientOrderID,
		Market:        schema.Market{Venue: c.name, Symbol: symbol},
		Side:          schema.ParseSide(resp.Side),
		Price:         price,
		Size:          size,
		FilledSize:    filled,
		Status:        venueStatus(resp.Status),
		CreatedAt:     ts,
		UpdatedAt:     ts,
	}, nil
}

func toFill(market schema.Market, t TradeResponse) (schema.Fill, error) {
	price, err := venue.ParseDecimal(t.Price)
	if err != nil {
		return schema.Fill{}, err
	}
	size, err := venue.ParseDecimal(t.Qty)
	if err != nil {
		return schema.Fill{}, err
	}
	fee, err := venue.ParseDecimal(t.Commission)
	if err != nil {
		return schema.Fill{}, err
	}
	side := schema.SideSell
	if t.IsBuyer {
		side = schema.SideBuy
	}
	return schema.Fill{
		ExecID:    market.Venue + "-" + strconv.FormatInt(t.ID, 10),
		OrderID:   strconv.FormatInt(t.OrderID, 10),
		Market:    market,
		Side:      side,
		Price:     price,
		Size:      size,
		Fee:       fee,
		Timestamp: time.UnixMilli(t.Time).UnixNano(),
	}, nil
}

// NewSnapshot builds a snapshot from top of book strings.
func NewSnapshot(market schema.Market, bid, bidQty, ask, askQty string, at time.Time) (schema.MarketSnapshot, error) {
	var (
		snap = schema.MarketSnapshot{Market: market, UpdatedAt: at.UTC().UnixNano()}
		err  error
	)
	if snap.BestBid, err = venue.ParseDecimal(bid); err != nil {
		return schema.MarketSnapshot{}, err
	}
	if snap.BidSize, err = venue.ParseDecimal(bidQty); err != nil {
		return schema.MarketSnapshot{}, err
	}
	if snap.BestAsk, err = venue.ParseDecimal(ask); err != nil {
		return schema.MarketSnapshot{}, err
	}
	if snap.AskSize, err = venue.ParseDecimal(askQty); err != nil {
		return schema.MarketSnapshot{}, err
	}
	if !snap.BestBid.IsPositive() || !snap.BestAsk.IsPositive() {
		return schema.MarketSnapshot{}, errors.Transient(errors.Wrap(exception.ErrVenueEmptyBook, market.Symbol))
	}
	snap.Mid = snap.BestBid.Add(snap.BestAsk).Div(decimal.NewFromInt(2))
	return snap, nil
}

func venueSide(side schema.Side) string {
	if side == schema.SideSell {
		return "SELL"
	}
	return "BUY"
}

func venueStatus(status string) schema.OrderStatus {
	switch status {
	case "NEW", "PARTIALLY_FILLED":
		return schema.OrderStatusLive
	case "FILLED":
		return schema.OrderStatusFilled
	case "CANCELED", "EXPIRED":
		return schema.OrderStatusCancelled
	case "REJECTED":
		return schema.OrderStatusRejected
	default:
		return schema.OrderStatusPending
	}
}
