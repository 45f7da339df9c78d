package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"quoter/internal/errors"
	"quoter/internal/risk"
	"quoter/internal/schema"
)

const reasonVenueUnhealthy = "venue_unhealthy"

type guardrail struct {
	Reason string `json:"reason"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// QuoteCycle prices every market once. One market failing does not stop the others.
func (e *Engine) QuoteCycle(ctx context.Context) error {
	var errs []error
	for _, mk := range e.registry.Markets() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.QuoteMarket(mk); err != nil {
			errs = append(errs, errors.Wrapf(err, "quote %s", mk))
		}
	}
	return errors.Join(errs...)
}

// QuoteMarket runs one pricing pass of mk and hands the result to the order
// manager. A non-tradable decision sends a zero-size quote, which cancels
// whatever rests on the venue.
func (e *Engine) QuoteMarket(mk schema.Market) error {
	start := e.now()
	inst, ok := e.registry.Instrument(mk.Symbol)
	if !ok {
		return errors.Fatal(errors.New("unknown instrument " + mk.Symbol))
	}
	p, ok := e.params.Get(mk.Symbol)
	if !ok {
		return errors.Fatal(errors.New("no parameters for " + mk.Symbol))
	}

	snap, _ := e.cache.Snapshot(mk)
	snap.Market = mk
	inv, _ := e.store.Inventory(mk)
	if !inv.SoftLimit.Equal(p.SoftLimit) || !inv.HardLimit.Equal(p.HardLimit) {
		// persisted inventory reports the limits currently in force
		e.store.Register(mk, p.SoftLimit, p.HardLimit)
	}
	if snap.Mid.IsPositive() {
		inv, _ = e.store.Mark(mk, snap.Mid)
	}

	var dec risk.Decision
	next := schema.Active()
	if !e.orders.VenueHealthy(mk.Venue) {
		dec = risk.Decision{Action: risk.ActionWidenAndPause, Reason: reasonVenueUnhealthy}
		next = schema.Errored(mk.Venue)
	} else {
		dec = risk.Price(risk.Input{
			Snapshot:   snap,
			Inventory:  inv,
			Params:     p,
			Instrument: inst,
			Balances:   e.Balances(mk.Venue),
			Now:        start,
			StaleAfter: e.cache.StaleAfter(),
		})
		if !dec.Tradable() {
			next = schema.Paused(string(dec.Reason))
		}
	}

	q := dec.Quote
	q.Market = mk
	if !dec.Tradable() {
		q.BidSize, q.AskSize = decimal.Zero, decimal.Zero
	}

	e.mu.Lock()
	m := e.markets[mk]
	m.generation++
	q.Generation = m.generation
	prev := m.status
	m.status = next
	m.quote = q
	e.mu.Unlock()

	e.transition(mk, prev, next, dec)
	if dec.SoftBreach {
		logs.Debugf("soft limit exceeded, market=%s qty=%s soft=%s", mk, inv.Qty, p.SoftLimit)
	}

	err := e.orders.ReplaceQuote(q)
	outcome := dec.Action.String()
	if err != nil {
		outcome = "dropped"
	}
	e.metrics.ObserveQuote(mk.Venue, mk.Symbol, outcome, time.Since(start))
	if err != nil {
		return errors.Wrap(err, "replace quote")
	}
	return nil
}

func (e *Engine) transition(mk schema.Market, prev, next schema.InstrumentStatus, dec risk.Decision) {
	if prev == next {
		return
	}
	logs.Infof("market status changed, market=%s from=%s to=%s", mk, prev, next)

	if next.IsActive() {
		if prev.Reason != string(risk.ReasonDisabled) {
			e.publish(schema.EventGuardrailResumed, mk, guardrail{Reason: prev.Reason, Status: next.String()})
		}
		return
	}
	// operator pauses are announced by the admin surface
	if dec.Reason == risk.ReasonDisabled {
		return
	}
	e.metrics.IncGuardrail(mk.Venue, mk.Symbol, next.Reason)
	g := guardrail{Reason: next.Reason, Status: next.String()}
	if dec.Err != nil {
		g.Error = dec.Err.Error()
	}
	e.publish(schema.EventGuardrailPaused, mk, g)
}

func (e *Engine) publish(t schema.EventType, mk schema.Market, payload any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(schema.NewEvent(t, mk, payload))
}

// PollMarketData refreshes the cache from every venue's order book.
func (e *Engine) PollMarketData(ctx context.Context) error {
	_, err := e.poller.Poll(ctx)
	return err
}
