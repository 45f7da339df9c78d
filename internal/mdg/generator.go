// Package mdg generates synthetic mid prices for simulated venues.
package mdg

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"quoter/internal/errors"
	"quoter/internal/schema"
	"quoter/pkg/exception"
)

// Sink receives generated books. *sim.Venue satisfies it.
type Sink interface {
	SetMid(symbol string, mid, halfSpread decimal.Decimal) []schema.Fill
}

type Config struct {
	Seed int64
	// Start is the opening mid per instrument symbol. Missing symbols start at 100.
	Start map[string]decimal.Decimal
	// Volatility is the standard deviation of one step's log return.
	Volatility float64
	// HalfSpreadTicks is the distance of the book from the mid.
	HalfSpreadTicks int64
}

// Tick is one generated book.
type Tick struct {
	Market     schema.Market
	Mid        decimal.Decimal
	HalfSpread decimal.Decimal
}

type path struct {
	market schema.Market
	tick   decimal.Decimal
	mid    float64
}

// Generator walks a geometric random mid per market. Not safe for
// concurrent use.
type Generator struct {
	cfg   Config
	rng   *rand.Rand
	paths []*path
}

func NewGenerator(reg *schema.Registry, cfg Config) (*Generator, error) {
	if reg == nil || len(reg.Markets()) == 0 {
		return nil, errors.Wrap(exception.ErrConfigNoInstrument, "generator")
	}
	if cfg.Volatility < 0 {
		return nil, errors.Wrapf(exception.ErrInvalidArgument, "volatility %v", cfg.Volatility)
	}
	if cfg.HalfSpreadTicks <= 0 {
		cfg.HalfSpreadTicks = 1
	}

	g := &Generator{
		cfg: cfg,
		rng: rand.New(rand.NewPCG(uint64(cfg.Seed), uint64(cfg.Seed)^0x9e3779b97f4a7c15)),
	}
	for _, mk := range reg.Markets() {
		inst, _ := reg.Instrument(mk.Symbol)
		start, ok := cfg.Start[mk.Symbol]
		if !ok || !start.IsPositive() {
			start = decimal.NewFromInt(100)
		}
		g.paths = append(g.paths, &path{market: mk, tick: inst.TickSize, mid: start.InexactFloat64()})
	}
	return g, nil
}

// Next advances every market by one step.
func (g *Generator) Next() []Tick {
	out := make([]Tick, 0, len(g.paths))
	for _, p := range g.paths {
		p.mid *= math.Exp(g.cfg.Volatility * g.rng.NormFloat64())
		mid := decimal.NewFromFloat(p.mid)
		half := decimal.NewFromInt(g.cfg.HalfSpreadTicks)
		if p.tick.IsPositive() {
			mid = mid.Div(p.tick).Round(0).Mul(p.tick)
			half = half.Mul(p.tick)
			if mid.LessThanOrEqual(half) {
				mid = half.Add(p.tick)
			}
		}
		p.mid = mid.InexactFloat64()
		out = append(out, Tick{Market: p.market, Mid: mid, HalfSpread: half})
	}
	return out
}

// Run pushes one step to the sinks right away and then every interval until
// ctx is done. Ticks of venues without a sink are dropped.
func (g *Generator) Run(ctx context.Context, interval time.Duration, sinks map[string]Sink) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		g.Push(sinks)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Push advances one step and hands every tick to its venue's sink.
func (g *Generator) Push(sinks map[string]Sink) {
	for _, t := range g.Next() {
		sink, ok := sinks[t.Market.Venue]
		if !ok {
			continue
		}
		if fills := sink.SetMid(t.Market.Symbol, t.Mid, t.HalfSpread); len(fills) > 0 {
			logs.Debugf("paper fills, market=%s mid=%s fills=%d", t.Market, t.Mid, len(fills))
		}
	}
}
