package dex

type PlaceOrderRequest struct {
	Market   string `json:"market"`
	Side     string `json:"side"`
	Price    string `json:"price"`
	Size     string `json:"size"`
	ClientID string `json:"clientId"`
	PostOnly bool   `json:"postOnly"`
	Owner    string `json:"owner"`
}

type CancelOrderRequest struct {
	Market  string `json:"market"`
	OrderID string `json:"orderId"`
	Owner   string `json:"owner"`
}

type CancelOrderResponse struct {
	Cancelled bool   `json:"cancelled"`
	Status    string `json:"status"`
}

type OrderResponse struct {
	ID        string `json:"id"`
	ClientID  string `json:"clientId"`
	Market    string `json:"market"`
	Side      string `json:"side"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Filled    string `json:"filled"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"createdAt"` // ms
}

type Level struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type OrderBookResponse struct {
	Market    string  `json:"market"`
	Slot      uint64  `json:"slot"`
	Bids      []Level `json:"bids"`
	Asks      []Level `json:"asks"`
	Timestamp int64   `json:"ts"` // ms
}

type FillResponse struct {
	ID        string `json:"id"` // transaction signature and instruction index
	OrderID   string `json:"orderId"`
	Market    string `json:"market"`
	Side      string `json:"side"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Fee       string `json:"fee"`
	Timestamp int64  `json:"ts"` // ms
}

type BalancesResponse struct {
	Owner    string            `json:"owner"`
	Balances map[string]string `json:"balances"`
}
