package cex

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
	"github.com/yanun0323/pkg/ws"

	"quoter/internal/schema"
	"quoter/internal/venue"
)

type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

type subscribeResponse struct {
	ID     int64 `json:"id"`
	Result any   `json:"result"`
}

func subscribeResponseParser(m ws.Message) (subscribeResponse, bool) {
	var resp subscribeResponse
	err := m.Unmarshal(&resp)
	return resp, err == nil
}

// Stream pushes book ticker updates between order book polls.
type Stream struct {
	name    string
	wss     *ws.WebSocket
	symbols venue.SymbolMap
}

func NewStream(ctx context.Context, cfg Config, symbols venue.SymbolMap) *Stream {
	return &Stream{
		name:    cfg.Name,
		wss:     ws.New(ctx, cfg.WSURL),
		symbols: symbols,
	}
}

func (s *Stream) Start(ctx context.Context) error {
	if err := s.wss.Start(ctx); err != nil {
		return errors.Wrap(err, "start wss")
	}
	return nil
}

func (s *Stream) Close() {
	s.wss.Close()
}

// SubscribeBookTicker subscribes '<symbol>@bookTicker' of every instrument symbol.
func (s *Stream) SubscribeBookTicker(ctx context.Context, symbols ...string) error {
	params := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		vs, ok := s.symbols.ToVenue(symbol)
		if !ok {
			return errors.Errorf("unknown symbol %s", symbol)
		}
		params = append(params, fmt.Sprintf("%s@bookTicker", strings.ToLower(vs)))
	}

	appendIntoRegister := true
	if err := s.wss.SendAndWait(ctx, ws.Sidecar{
		Sender: func(ctx context.Context, ws *ws.WebSocket) error {
			payload := subscribeRequest{
				Method: "SUBSCRIBE",
				Params: params,
				ID:     1,
			}

			if err := ws.WriteJSON(payload); err != nil {
				return errors.Wrap(err, "write subscribe payload").With("payload", payload)
			}

			return nil
		},
		Waiter: func(ctx context.Context, m ws.Message) (bool, error) {
			resp, ok := subscribeResponseParser(m)
			if !ok || resp.ID != 1 {
				return false, nil
			}

			if resp.Result != nil {
				return false, errors.Errorf("subscribe and wait, err: %+v", resp.Result)
			}
			return true, nil
		},
	}, appendIntoRegister); err != nil {
		return errors.Wrap(err, "send and wait")
	}

	return nil
}

// ObserveBookTicker converts stream messages into snapshots and hands them to handler.
func (s *Stream) ObserveBookTicker(ctx context.Context, handler func(schema.MarketSnapshot)) (unsubscribe func()) {
	ch, cancel := s.wss.Subscribe()

	go func() {
		defer cancel()
		for {
			select {
			case <-sys.Shutdown():
				return
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}

				ticker, ok := ws.ReadMessage[BookTicker](m)
				if !ok || ticker.Symbol == "" {
					continue
				}

				snap, err := s.Snapshot(ticker, time.Now())
				if err != nil {
					logs.Debugf("drop book ticker, venue=%s symbol=%s err=%v", s.name, ticker.Symbol, err)
					continue
				}
				handler(snap)
			}
		}
	}()

	return cancel
}

// Snapshot converts a book ticker message.
func (s *Stream) Snapshot(t BookTicker, at time.Time) (schema.MarketSnapshot, error) {
	symbol, ok := s.symbols.FromVenue(t.Symbol)
	if !ok {
		symbol, ok = s.symbols.FromVenue(strings.ToUpper(t.Symbol))
	}
	if !ok {
		return schema.MarketSnapshot{}, errors.Errorf("unknown venue symbol %s", t.Symbol)
	}
	return NewSnapshot(schema.Market{Venue: s.name, Symbol: symbol}, t.BidPrice, t.BidQty, t.AskPrice, t.AskQty, at)
}
