package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"strings"

	"github.com/yanun0323/logs"

	"quoter/internal/app"
	"quoter/internal/ops"
	"quoter/internal/state"
)

func main() {
	if err := run(); err != nil {
		log.Printf("recover: %v", err)
		os.Exit(1)
	}
}

// run rebuilds state the way the engine does at startup, without quoting,
// and optionally checks it against a snapshot taken earlier.
func run() error {
	configPath := flag.String("config", "config/quoter.yaml", "Path to YAML config")
	envFiles := flag.String("env", ".env", "Comma separated .env files (missing files are ignored)")
	out := flag.String("out", "", "Write the recovered snapshot here")
	expect := flag.String("expect", "", "Compare the recovered state with this snapshot")
	flag.Parse()

	var files []string
	for _, f := range strings.Split(*envFiles, ",") {
		if f = strings.TrimSpace(f); f != "" {
			files = append(files, f)
		}
	}
	loaded, err := ops.Load(*configPath, files...)
	if err != nil {
		return err
	}
	logs.SetDefault(loaded.App.NewLogger())
	if loaded.Storage.Option.Driver == ops.StorageMemory {
		return errors.New("storage driver is memory; nothing to recover")
	}
	loaded.Admin.Addr = ""
	loaded.Feed.Enabled = false

	ctx := context.Background()
	a, err := app.Build(ctx, loaded)
	if err != nil {
		return err
	}
	defer a.Close()

	r := a.Recovery()
	log.Printf("recovered: markets=%d store_replayed=%d venue_replayed=%d duplicates=%d last_seq=%d",
		r.Markets, r.StoreReplayed, r.VenueReplayed, r.Duplicates, r.LastSeq)

	first := a.Store().Snapshot()
	sources := make(map[string]state.TradeSource)
	for name, v := range a.Venues() {
		sources[name] = v
	}
	again, err := a.Store().Recover(ctx, sources)
	if err != nil {
		return err
	}
	if again.VenueReplayed != 0 {
		log.Printf("second pass applied %d venue fills; executions arrived during recovery", again.VenueReplayed)
	} else if err := state.CompareSnapshots(first, a.Store().Snapshot()); err != nil {
		return errors.Join(errors.New("recovery is not idempotent"), err)
	}

	for _, inv := range a.Store().Inventories() {
		log.Printf("%s qty=%s avg=%s realized=%s last_seq=%d", inv.Market, inv.Qty, inv.AvgPrice, inv.RealizedPnL, inv.LastSeq)
	}

	if *out != "" {
		if err := state.WriteSnapshot(*out, a.Store().Snapshot()); err != nil {
			return err
		}
		log.Printf("snapshot written: %s", *out)
	}
	if *expect != "" {
		want, err := state.ReadSnapshot(*expect)
		if err != nil {
			return err
		}
		if err := state.CompareSnapshots(want, a.Store().Snapshot()); err != nil {
			return err
		}
		log.Printf("snapshot matches: %s", *expect)
	}
	return nil
}
