package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"quoter/internal/app"
	"quoter/internal/mdg"
	"quoter/internal/ops"
	"quoter/internal/state"
	"quoter/pkg/conn"
)

func main() {
	if err := run(); err != nil {
		log.Printf("paper: %v", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config/paper.yaml", "Path to YAML config with sim venues")
	dbPath := flag.String("db", "", "sqlite file for state (empty keeps state in memory)")
	adminAddr := flag.String("admin", "", "Admin listen address (empty disables)")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random walk seed")
	volatility := flag.Float64("volatility", 0.0005, "Std dev of one step's log return")
	spreadTicks := flag.Int64("spread-ticks", 2, "Half spread of the simulated book in ticks")
	start := flag.String("start", "100", "Opening mid of every instrument")
	step := flag.Duration("step", 250*time.Millisecond, "Interval between book updates")
	duration := flag.Duration("duration", 0, "Stop after this long (0=until interrupted)")
	snapshotPath := flag.String("snapshot", "", "Write an inventory snapshot here on exit")
	flag.Parse()

	loaded, err := ops.Load(*configPath)
	if err != nil {
		return err
	}
	logs.SetDefault(loaded.App.NewLogger())
	loaded.Admin.Addr = *adminAddr
	loaded.Feed.Enabled = false
	if *dbPath != "" {
		loaded.Storage.Option = conn.Option{Driver: conn.DriverSQLite, Path: *dbPath}
	} else {
		loaded.Storage.Option.Driver = ops.StorageMemory
	}
	for _, v := range loaded.Venues {
		if v.Kind != ops.KindSim {
			return fmt.Errorf("venue %s is %s; paper runs sim venues only", v.Name, v.Kind)
		}
	}
	open, err := decimal.NewFromString(*start)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	a, err := app.Build(ctx, loaded)
	if err != nil {
		return err
	}

	starts := make(map[string]decimal.Decimal)
	for _, mk := range loaded.Registry.Markets() {
		starts[mk.Symbol] = open
	}
	gen, err := mdg.NewGenerator(loaded.Registry, mdg.Config{
		Seed:            *seed,
		Start:           starts,
		Volatility:      *volatility,
		HalfSpreadTicks: *spreadTicks,
	})
	if err != nil {
		a.Close()
		return err
	}
	sinks := make(map[string]mdg.Sink, len(a.Sims()))
	for name, v := range a.Sims() {
		sinks[name] = v
	}
	gen.Push(sinks)
	go gen.Run(ctx, *step, sinks)

	logs.Infof("paper trading, seed=%d volatility=%v step=%s", *seed, *volatility, *step)
	runErr := a.Run(ctx)

	for _, inv := range a.Store().Inventories() {
		log.Printf("%s qty=%s avg=%s realized=%s fees=%s last_seq=%d",
			inv.Market, inv.Qty, inv.AvgPrice, inv.RealizedPnL, inv.Fees, inv.LastSeq)
	}
	if *snapshotPath != "" {
		if err := state.WriteSnapshot(*snapshotPath, a.Store().Snapshot()); err != nil {
			return err
		}
		log.Printf("snapshot written: %s", *snapshotPath)
	}
	return runErr
}
