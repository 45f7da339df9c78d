package risk

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"quoter/internal/errors"
	"quoter/internal/schema"
	"quoter/pkg/exception"
)

// Action is what the quoting loop must do with a decision.
type Action uint8

const (
	ActionQuote Action = iota + 1
	// ActionWidenAndPause carries no tradable size; live quotes must be pulled.
	ActionWidenAndPause
)

func (a Action) String() string {
	switch a {
	case ActionQuote:
		return "quote"
	case ActionWidenAndPause:
		return "widen_and_pause"
	default:
		return "unknown"
	}
}

// Reason explains a widen-and-pause decision.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonDisabled    Reason = "disabled"
	ReasonStaleMarket Reason = "stale_market"
	ReasonHardLimit   Reason = "hard_limit"
	ReasonVolatility  Reason = "volatility"
)

// Input is everything one pricing pass looks at.
type Input struct {
	Snapshot   schema.MarketSnapshot
	Inventory  schema.InventoryState
	Params     schema.ParameterSet
	Instrument schema.Instrument
	// Balances of the venue account. Nil means balances do not cap size.
	Balances   map[string]decimal.Decimal
	Now        time.Time
	StaleAfter time.Duration
}

// Decision is the output of Price.
type Decision struct {
	Action     Action
	Reason     Reason
	Quote      schema.Quote
	SoftBreach bool
	// Err is a GuardrailBreach error when Action is ActionWidenAndPause.
	Err error
}

// Tradable reports whether the decision may reach the order manager as a quote.
func (d Decision) Tradable() bool {
	return d.Action == ActionQuote
}

// Price computes an inventory-skewed two sided quote.
//
//	r     = mid - beta * q * gamma * sigma^2 * T
//	delta = max(gamma * sigma^2 * T + (2/gamma) * ln(1 + gamma/kappa), floor) * widen
//
// Guardrails run first: a disabled, stale, over-limit or too volatile market
// yields ActionWidenAndPause with zero sizes.
func Price(in Input) Decision {
	p := in.Params
	snap := in.Snapshot
	q := in.Inventory.Qty
	// Limits always come from the live parameter set.
	hard, soft := p.HardLimit, p.SoftLimit

	decision := Decision{
		Action:     ActionQuote,
		SoftBreach: soft.IsPositive() && q.Abs().GreaterThan(soft),
		Quote: schema.Quote{
			Market:   snap.Market,
			BidSize:  decimal.Zero,
			AskSize:  decimal.Zero,
			BidPrice: decimal.Zero,
			AskPrice: decimal.Zero,
		},
	}

	if !p.QuotingEnabled {
		return decision.pause(ReasonDisabled, exception.ErrOrderQuotingPaused)
	}
	if !snap.Mid.IsPositive() || stale(snap, in.Now, in.StaleAfter) {
		return decision.pause(ReasonStaleMarket, exception.ErrOrderStaleMarketData)
	}

	sigma := snap.Volatility
	gamma, kappa, horizon := p.Gamma, p.Kappa, p.TimeHorizon
	variance := gamma * sigma * sigma * horizon
	skew := p.Beta * q.InexactFloat64() * variance
	delta := variance + (2/gamma)*math.Log(1+gamma/kappa)

	reservation := snap.Mid.Sub(decimal.NewFromFloat(skew))
	spread := decimal.Max(decimal.NewFromFloat(delta), p.SpreadFloor)
	if p.WidenFactor > 1 {
		spread = spread.Mul(decimal.NewFromFloat(p.WidenFactor))
	}
	half := spread.Div(decimal.NewFromInt(2))

	tick := in.Instrument.TickSize
	bid := RoundToTick(reservation.Sub(half), tick, schema.SideBuy)
	ask := RoundToTick(reservation.Add(half), tick, schema.SideSell)
	bid, ask = protectCross(bid, ask, snap, tick)
	bid, ask = keepFloor(bid, ask, p.SpreadFloor, snap, tick)

	decision.Quote.Reservation = reservation
	decision.Quote.Spread = spread
	decision.Quote.BidPrice = bid
	decision.Quote.AskPrice = ask

	if hard.IsPositive() && q.Abs().GreaterThan(hard) {
		return decision.pause(ReasonHardLimit, exception.ErrOrderPositionLimit)
	}
	if sigma > p.VolCeiling {
		return decision.pause(ReasonVolatility, exception.ErrOrderVolatilityCeil)
	}

	bidSize, askSize := baseSizes(in, bid, ask)
	switch {
	case q.IsPositive():
		bidSize = shrink(bidSize, q, hard, in.Instrument)
	case q.IsNegative():
		askSize = shrink(askSize, q, hard, in.Instrument)
	}
	decision.Quote.BidSize = bidSize
	decision.Quote.AskSize = askSize
	return decision
}

func (d Decision) pause(reason Reason, cause error) Decision {
	d.Action = ActionWidenAndPause
	d.Reason = reason
	d.Quote.BidSize = decimal.Zero
	d.Quote.AskSize = decimal.Zero
	d.Err = errors.GuardrailBreach(errors.Wrap(cause, string(reason)))
	return d
}

func stale(snap schema.MarketSnapshot, now time.Time, after time.Duration) bool {
	if after <= 0 || now.IsZero() {
		return false
	}
	return now.UTC().UnixNano()-snap.UpdatedAt > after.Nanoseconds()
}

// RoundToTick rounds price to the nearest tick. Exact halves round away from
// the reservation price: down for bids, up for asks.
func RoundToTick(price, tick decimal.Decimal, side schema.Side) decimal.Decimal {
	if !tick.IsPositive() {
		return price
	}
	steps := price.Div(tick)
	floor := steps.Floor()
	frac := steps.Sub(floor)
	half := decimal.NewFromFloat(0.5)

	switch {
	case frac.GreaterThan(half):
		floor = floor.Add(decimal.NewFromInt(1))
	case frac.Equal(half) && side == schema.SideSell:
		floor = floor.Add(decimal.NewFromInt(1))
	}
	return floor.Mul(tick)
}

// protectCross keeps the quote post-only against the book and bid below ask.
func protectCross(bid, ask decimal.Decimal, snap schema.MarketSnapshot, tick decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	if snap.BestAsk.IsPositive() && bid.GreaterThanOrEqual(snap.BestAsk) {
		bid = snap.BestAsk.Sub(tick)
	}
	if snap.BestBid.IsPositive() && ask.LessThanOrEqual(snap.BestBid) {
		ask = snap.BestBid.Add(tick)
	}
	if ask.Sub(bid).LessThan(tick) {
		bid = ask.Sub(tick)
	}
	return bid, ask
}

// keepFloor widens a quote that rounding or cross protection pulled inside
// the spread floor. The side pinned against the book stays put.
func keepFloor(bid, ask, floor decimal.Decimal, snap schema.MarketSnapshot, tick decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	if !floor.IsPositive() || ask.Sub(bid).GreaterThanOrEqual(floor) {
		return bid, ask
	}
	if snap.BestAsk.IsPositive() && tick.IsPositive() && bid.Equal(snap.BestAsk.Sub(tick)) {
		return bid, stepTick(bid.Add(floor), tick, true)
	}
	return stepTick(ask.Sub(floor), tick, false), ask
}

// stepTick rounds price onto the tick grid, up or down.
func stepTick(price, tick decimal.Decimal, up bool) decimal.Decimal {
	if !tick.IsPositive() {
		return price
	}
	steps := price.Div(tick)
	if up {
		return steps.Ceil().Mul(tick)
	}
	return steps.Floor().Mul(tick)
}

// baseSizes is min(max notional / price, balance) per side.
func baseSizes(in Input, bid, ask decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	notional := in.Params.MaxQuoteNotional
	var bidSize, askSize decimal.Decimal
	if bid.IsPositive() {
		bidSize = notional.Div(bid)
		if in.Balances != nil {
			bidSize = decimal.Min(bidSize, in.Balances[in.Instrument.Quote].Div(bid))
		}
	}
	if ask.IsPositive() {
		askSize = notional.Div(ask)
		if in.Balances != nil {
			askSize = decimal.Min(askSize, in.Balances[in.Instrument.Base])
		}
	}
	return RoundSize(bidSize, in.Instrument), RoundSize(askSize, in.Instrument)
}

// shrink scales the inventory increasing side by 1 - |q|/hard.
func shrink(size, q, hard decimal.Decimal, inst schema.Instrument) decimal.Decimal {
	if !hard.IsPositive() {
		return size
	}
	ratio := decimal.NewFromInt(1).Sub(q.Abs().Div(hard))
	if !ratio.IsPositive() {
		return decimal.Zero
	}
	return RoundSize(size.Mul(ratio), inst)
}

// RoundSize rounds down to the size step and zeroes sizes below the minimum.
func RoundSize(size decimal.Decimal, inst schema.Instrument) decimal.Decimal {
	if !size.IsPositive() {
		return decimal.Zero
	}
	if inst.SizeStep.IsPositive() {
		size = size.Div(inst.SizeStep).Floor().Mul(inst.SizeStep)
	} else {
		size = size.Truncate(8)
	}
	if !size.IsPositive() || size.LessThan(inst.MinSize) {
		return decimal.Zero
	}
	return size
}
