package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"quoter/internal/errors"
	"quoter/internal/schema"
	"quoter/pkg/exception"
)

// Limits are the pre-trade checks applied to every order request.
type Limits struct {
	KillSwitch           bool            `json:"killSwitch"`
	MaxOrderSize         decimal.Decimal `json:"maxOrderSize"`
	MaxOrderNotional     decimal.Decimal `json:"maxOrderNotional"`
	MaxPosition          decimal.Decimal `json:"maxPosition"`
	OrderRateLimit       int             `json:"orderRateLimit"`
	OrderRateWindow      time.Duration   `json:"orderRateWindow"`
	MaxPriceDeviationBps int64           `json:"maxPriceDeviationBps"`
}

// LimitsFromParams derives per-order limits from an instrument's parameters.
func LimitsFromParams(p schema.ParameterSet, base Limits) Limits {
	out := base
	out.KillSwitch = base.KillSwitch || !p.QuotingEnabled
	if out.MaxOrderNotional.IsZero() || p.MaxQuoteNotional.LessThan(out.MaxOrderNotional) {
		out.MaxOrderNotional = p.MaxQuoteNotional
	}
	if out.MaxPosition.IsZero() || p.HardLimit.LessThan(out.MaxPosition) {
		out.MaxPosition = p.HardLimit
	}
	return out
}

// StateView provides the current position snapshot.
type StateView struct {
	Position       decimal.Decimal
	ReferencePrice decimal.Decimal
	Now            int64
}

// Engine evaluates pre-trade checks for one market. It keeps order rate
// counters and is owned by a single goroutine.
type Engine struct {
	limits          Limits
	rateWindowStart int64
	rateCount       int
}

// NewEngine creates a risk engine with static limits.
func NewEngine(limits Limits) *Engine {
	return &Engine{limits: limits}
}

// SetLimits replaces the limits, keeping rate counters.
func (e *Engine) SetLimits(limits Limits) {
	e.limits = limits
}

// Evaluate returns a Rejected error when req would violate a limit.
func (e *Engine) Evaluate(req schema.OrderRequest, state StateView) error {
	if e.limits.KillSwitch {
		return errors.Rejected(exception.ErrOrderQuotingPaused)
	}
	if !req.Price.IsPositive() || !req.Size.IsPositive() || req.Side == schema.SideUnknown {
		return errors.Rejected(exception.ErrOrderInvalidRequest)
	}

	now := state.Now
	if now == 0 {
		now = time.Now().UTC().UnixNano()
	}
	if e.limits.OrderRateLimit > 0 && e.limits.OrderRateWindow > 0 {
		window := int64(e.limits.OrderRateWindow)
		if e.rateWindowStart == 0 || now-e.rateWindowStart >= window {
			e.rateWindowStart = now
			e.rateCount = 0
		}
		e.rateCount++
		if e.rateCount > e.limits.OrderRateLimit {
			return errors.Transient(exception.ErrVenueRateLimited)
		}
	}

	if e.limits.MaxOrderSize.IsPositive() && req.Size.GreaterThan(e.limits.MaxOrderSize) {
		return errors.Rejected(exception.ErrOrderMaxSize)
	}

	if e.limits.MaxPriceDeviationBps > 0 && state.ReferencePrice.IsPositive() {
		diff := req.Price.Sub(state.ReferencePrice).Abs()
		band := state.ReferencePrice.Mul(decimal.NewFromInt(e.limits.MaxPriceDeviationBps)).Div(decimal.NewFromInt(10000))
		if diff.GreaterThan(band) {
			return errors.Rejected(errors.Wrap(exception.ErrVenueInvalidPrice, "outside price band"))
		}
	}

	notional := req.Price.Mul(req.Size)
	if e.limits.MaxOrderNotional.IsPositive() && notional.GreaterThan(e.limits.MaxOrderNotional) {
		return errors.Rejected(exception.ErrOrderMaxNotional)
	}

	nextPos := applySide(state.Position, req.Side, req.Size)
	if e.limits.MaxPosition.IsPositive() && nextPos.Abs().GreaterThan(e.limits.MaxPosition) {
		return errors.Rejected(exception.ErrOrderPositionLimit)
	}

	return nil
}

func applySide(pos decimal.Decimal, side schema.Side, size decimal.Decimal) decimal.Decimal {
	switch side {
	case schema.SideBuy:
		return pos.Add(size)
	case schema.SideSell:
		return pos.Sub(size)
	default:
		return pos
	}
}
