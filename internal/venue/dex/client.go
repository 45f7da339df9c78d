// Package dex implements the venue adapter of an order-book DEX whose REST
// gateway authenticates every request with the maker's Solana wallet.
package dex

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"quoter/internal/errors"
	"quoter/internal/schema"
	"quoter/internal/venue"
	"quoter/pkg/exception"
)

const (
	_pathOrders    = "/v1/orders"
	_pathCancel    = "/v1/orders/cancel"
	_pathOrderBook = "/v1/orderbook/"
	_pathFills     = "/v1/fills"
	_pathBalances  = "/v1/balances"

	_headerWallet    = "X-WALLET"
	_headerTimestamp = "X-TIMESTAMP"
	_headerSignature = "X-SIGNATURE"
)

// Config of one DEX maker account.
type Config struct {
	Name    string
	BaseURL string
	Timeout time.Duration
}

// Client is the raw REST client. Wrap it with venue.Guard before use.
type Client struct {
	name    string
	owner   solana.PublicKey
	rest    venue.RESTClient
	symbols venue.SymbolMap
}

// New creates a client signing with key.
func New(cfg Config, key solana.PrivateKey, symbols venue.SymbolMap) (*Client, error) {
	if len(key) == 0 {
		return nil, errors.Fatal(errors.Wrap(exception.ErrVenueMissingCredentials, cfg.Name))
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		name:  cfg.Name,
		owner: key.PublicKey(),
		rest: venue.RESTClient{
			BaseURL: cfg.BaseURL,
			HTTP:    &http.Client{Timeout: timeout},
			Sign:    Signer(key, time.Now),
		},
		symbols: symbols,
	}, nil
}

// Signer signs 'timestamp + method + path?query + body' with the wallet's ed25519 key.
func Signer(key solana.PrivateKey, now func() time.Time) venue.RequestSigner {
	owner := key.PublicKey().String()
	return func(req *http.Request, body []byte) error {
		ts := strconv.FormatInt(now().UnixMilli(), 10)
		sig, err := key.Sign(Message(ts, req.Method, req.URL.RequestURI(), body))
		if err != nil {
			return err
		}
		req.Header.Set(_headerWallet, owner)
		req.Header.Set(_headerTimestamp, ts)
		req.Header.Set(_headerSignature, sig.String())
		return nil
	}
}

// Message returns the bytes covered by the request signature.
func Message(ts, method, uri string, body []byte) []byte {
	msg := make([]byte, 0, len(ts)+len(method)+len(uri)+len(body))
	msg = append(msg, ts...)
	msg = append(msg, method...)
	msg = append(msg, uri...)
	msg = append(msg, body...)
	return msg
}

func (c *Client) Name() string {
	return c.name
}

// Owner returns the maker wallet address.
func (c *Client) Owner() string {
	return c.owner.String()
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
		Market:   vs,
		Side:     venueSide(req.Side),
		Price:    req.Price.String(),
		Size:     req.Size.String(),
		ClientID: req.ClientOrderID,
		PostOnly: true,
		Owner:    c.Owner(),
	}
	var resp OrderResponse
	if err := c.rest.Do(ctx, http.MethodPost, _pathOrders, payload, &resp); err != nil {
		return schema.OrderRecord{}, err
	}
	if resp.ID == "" {
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

// CancelOrder reports false without error when the order is already closed.
func (c *Client) CancelOrder(ctx context.Context, market schema.Market, orderID string) (bool, error) {
	vs, err := c.venueSymbol(market.Symbol)
	if err != nil {
		return false, err
	}

	var resp CancelOrderResponse
	err = c.rest.Do(ctx, http.MethodPost, _pathCancel, CancelOrderRequest{Market: vs, OrderID: orderID, Owner: c.Owner()}, &resp)
	if errors.Is(err, exception.ErrVenueUnknownOrder) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return resp.Cancelled, nil
}

func (c *Client) FetchOrderBook(ctx context.Context, symbol string) (schema.MarketSnapshot, error) {
	vs, err := c.venueSymbol(symbol)
	if err != nil {
		return schema.MarketSnapshot{}, err
	}

	var resp OrderBookResponse
	if err := c.rest.Do(ctx, http.MethodGet, _pathOrderBook+url.PathEscape(vs)+"?depth=1", nil, &resp); err != nil {
		return schema.MarketSnapshot{}, err
	}
	if len(resp.Bids) == 0 || len(resp.Asks) == 0 {
		return schema.MarketSnapshot{}, errors.Transient(errors.Wrap(exception.ErrVenueEmptyBook, symbol))
	}

	snap := schema.MarketSnapshot{Market: schema.Market{Venue: c.name, Symbol: symbol}}
	if snap.BestBid, err = venue.ParseDecimal(resp.Bids[0].Price); err != nil {
		return schema.MarketSnapshot{}, err
	}
	if snap.BidSize, err = venue.ParseDecimal(resp.Bids[0].Size); err != nil {
		return schema.MarketSnapshot{}, err
	}
	if snap.BestAsk, err = venue.ParseDecimal(resp.Asks[0].Price); err != nil {
		return schema.MarketSnapshot{}, err
	}
	if snap.AskSize, err = venue.ParseDecimal(resp.Asks[0].Size); err != nil {
		return schema.MarketSnapshot{}, err
	}
	snap.Mid = snap.BestBid.Add(snap.BestAsk).Div(decimal.NewFromInt(2))
	snap.UpdatedAt = time.Now().UTC().UnixNano()
	if resp.Timestamp > 0 {
		snap.UpdatedAt = time.UnixMilli(resp.Timestamp).UnixNano()
	}
	return snap, nil
}

func (c *Client) FetchTrades(ctx context.Context, symbol string, since int64) ([]schema.Fill, error) {
	vs, err := c.venueSymbol(symbol)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("market", vs)
	q.Set("owner", c.Owner())
	if since > 0 {
		q.Set("since", strconv.FormatInt(time.Unix(0, since).UnixMilli(), 10))
	}
	var resp []FillResponse
	if err := c.rest.Do(ctx, http.MethodGet, _pathFills+"?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}

	market := schema.Market{Venue: c.name, Symbol: symbol}
	fills := make([]schema.Fill, 0, len(resp))
	for _, r := range resp {
		f := schema.Fill{
			ExecID:    r.ID,
			OrderID:   r.OrderID,
			Market:    market,
			Side:      schema.ParseSide(r.Side),
			Timestamp: time.UnixMilli(r.Timestamp).UnixNano(),
		}
		if f.Price, err = venue.ParseDecimal(r.Price); err != nil {
			return nil, err
		}
		if f.Size, err = venue.ParseDecimal(r.Size); err != nil {
			return nil, err
		}
		if f.Fee, err = venue.ParseDecimal(r.Fee); err != nil {
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
	q := url.Values{}
	q.Set("owner", c.Owner())
	var resp BalancesResponse
	if err := c.rest.Do(ctx, http.MethodGet, _pathBalances+"?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}

	balances := make(map[string]decimal.Decimal, len(resp.Balances))
	for asset, amount := range resp.Balances {
		d, err := venue.ParseDecimal(amount)
		if err != nil {
			return nil, err
		}
		balances[asset] = d
	}
	return balances, nil
}

func (c *Client) toOrderRecord(resp OrderResponse, symbol string) (schema.OrderRecord, error) {
	price, err := venue.ParseDecimal(resp.Price)
	if err != nil {
		return schema.OrderRecord{}, err
	}
	size, err := venue.ParseDecimal(resp.Size)
	if err != nil {
		return schema.OrderRecord{}, err
	}
	filled, err := venue.ParseDecimal(resp.Filled)
	if err != nil {
		return schema.OrderRecord{}, err
	}
	ts := time.UnixMilli(resp.CreatedAt).UnixNano()
	return schema.OrderRecord{
		OrderID:       resp.ID,
		ClientOrderID: resp.ClientID,
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

func venueSide(side schema.Side) string {
	if side == schema.SideSell {
		return "ask"
	}
	return "bid"
}

func venueStatus(status string) schema.OrderStatus {
	switch status {
	case "open", "partial":
		return schema.OrderStatusLive
	case "filled":
		return schema.OrderStatusFilled
	case "cancelled", "expired":
		return schema.OrderStatusCancelled
	case "rejected":
		return schema.OrderStatusRejected
	default:
		return schema.OrderStatusPending
	}
}
