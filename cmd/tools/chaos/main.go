package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"quoter/internal/app"
	"quoter/internal/mdg"
	"quoter/internal/ops"
	"quoter/internal/schema"
	"quoter/internal/state"
	"quoter/internal/venue/sim"
)

func main() {
	if err := run(); err != nil {
		log.Printf("chaos: %v", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config/paper.yaml", "Path to YAML config with sim venues")
	seed := flag.Int64("seed", 0, "RNG seed for faults and prices (0=now)")
	errorRate := flag.Float64("error-rate", 0.05, "Probability a venue call fails [0-1]")
	dropRate := flag.Float64("drop-rate", 0.02, "Probability a venue response is lost [0-1]")
	dupRate := flag.Float64("dup-rate", 0.05, "Probability a fill is delivered twice [0-1]")
	maxDelay := flag.Duration("max-delay", 0, "Max venue call delay")
	volatility := flag.Float64("volatility", 0.002, "Std dev of one step's log return")
	step := flag.Duration("step", 100*time.Millisecond, "Interval between book updates")
	duration := flag.Duration("duration", 30*time.Second, "Soak duration")
	flag.Parse()

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}

	loaded, err := ops.Load(*configPath)
	if err != nil {
		return err
	}
	logs.SetDefault(loaded.App.NewLogger())
	loaded.Admin.Addr = ""
	loaded.Feed.Enabled = false
	loaded.Storage.Option.Driver = ops.StorageMemory
	loaded.Chaos.Seed = *seed
	loaded.Chaos.ErrorRate = *errorRate
	loaded.Chaos.DropRate = *dropRate
	loaded.Chaos.DuplicateRate = *dupRate
	loaded.Chaos.MaxDelay = *maxDelay
	if loaded.Chaos.ReorderWindow < 1 {
		loaded.Chaos.ReorderWindow = 1
	}
	if err := loaded.Chaos.Validate(); err != nil {
		return err
	}
	for _, v := range loaded.Venues {
		if v.Kind != ops.KindSim {
			return fmt.Errorf("venue %s is %s; chaos runs sim venues only", v.Name, v.Kind)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	a, err := app.Build(ctx, loaded)
	if err != nil {
		return err
	}
	gen, err := mdg.NewGenerator(loaded.Registry, mdg.Config{Seed: *seed, Volatility: *volatility, HalfSpreadTicks: 2})
	if err != nil {
		a.Close()
		return err
	}
	sinks := make(map[string]mdg.Sink, len(a.Sims()))
	for name, v := range a.Sims() {
		sinks[name] = v
	}
	go gen.Run(ctx, *step, sinks)

	log.Printf("soak started: seed=%d error=%v drop=%v dup=%v duration=%s", *seed, *errorRate, *dropRate, *dupRate, *duration)
	if err := a.Run(ctx); err != nil {
		log.Printf("shutdown reported: %v", err)
	}

	return audit(loaded.Registry, a)
}

// audit checks the engine's view against what the venues actually booked:
// no order left open, and inventory equal to a clean replay of every execution.
func audit(reg *schema.Registry, a *app.App) error {
	var failures []string
	sources := make(map[string]state.TradeSource, len(a.Sims()))
	truth := state.NewStore(nil, nil)
	for _, mk := range reg.Markets() {
		truth.Register(mk, decimal.Zero, decimal.Zero)
		v, ok := a.Sims()[mk.Venue]
		if !ok {
			continue
		}
		sources[mk.Venue] = booked{v}
		if open := v.OpenOrders(mk.Symbol); len(open) > 0 {
			failures = append(failures, fmt.Sprintf("%s has %d open orders after shutdown", mk, len(open)))
		}
		for _, f := range v.Executions(mk.Symbol) {
			if _, err := truth.ApplyFill(f); err != nil {
				return err
			}
		}
	}

	// catch up executions that landed between the last poll and the cancel
	if _, err := a.Store().Recover(context.Background(), sources); err != nil {
		return err
	}
	if err := state.CompareSnapshots(truth.Snapshot(), a.Store().Snapshot()); err != nil {
		failures = append(failures, err.Error())
	}

	for _, inv := range a.Store().Inventories() {
		log.Printf("%s qty=%s realized=%s last_seq=%d", inv.Market, inv.Qty, inv.RealizedPnL, inv.LastSeq)
	}
	if len(failures) > 0 {
		return fmt.Errorf("soak failed: %v", failures)
	}
	log.Printf("soak passed")
	return nil
}

type booked struct {
	v *sim.Venue
}

func (b booked) FetchTrades(_ context.Context, symbol string, since int64) ([]schema.Fill, error) {
	out := make([]schema.Fill, 0)
	for _, f := range b.v.Executions(symbol) {
		if f.Timestamp >= since {
			out = append(out, f)
		}
	}
	return out, nil
}
