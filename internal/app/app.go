// Package app assembles the quoting engine from a resolved configuration and
// runs it until shutdown.
package app

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yanun0323/logs"
	"golang.org/x/sync/errgroup"

	"quoter/internal/admin"
	"quoter/internal/bus"
	"quoter/internal/core"
	"quoter/internal/errors"
	"quoter/internal/feed"
	"quoter/internal/marketdata"
	"quoter/internal/obs"
	"quoter/internal/ops"
	"quoter/internal/order"
	"quoter/internal/risk"
	"quoter/internal/scheduler"
	"quoter/internal/schema"
	"quoter/internal/state"
	"quoter/internal/state/repository"
	"quoter/internal/venue"
	"quoter/internal/venue/cex"
	"quoter/internal/venue/sim"
	"quoter/pkg/conn"
)

const (
	feedQueueSize      = 1024
	feedPublishTimeout = 2 * time.Second
)

// App owns every long-running component.
type App struct {
	cfg      ops.Loaded
	metrics  *obs.Metrics
	db       *conn.Client
	repo     *repository.Repository
	venues   map[string]venue.Adapter
	sims     map[string]*sim.Venue
	streams  []*cex.Stream
	store    *state.Store
	params   *risk.ParamStore
	bus      *bus.Bus
	sched    *scheduler.Scheduler
	orders   *order.Manager
	engine   *core.Engine
	admin    *admin.Server
	nc       *nats.Conn
	feed     *feed.Publisher
	feedQ    *bus.Queue
	recovery state.RecoverResult
}

// Build connects storage, creates venue adapters, recovers state and wires
// the engine. Failures are Fatal: the process must not start half wired.
func Build(ctx context.Context, cfg ops.Loaded) (*App, error) {
	a := &App{
		cfg:     cfg,
		metrics: obs.NewMetrics(),
		venues:  make(map[string]venue.Adapter),
		sims:    make(map[string]*sim.Venue),
	}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	if err := a.openStorage(ctx); err != nil {
		return err
	}
	if err := a.openVenues(ctx); err != nil {
		return err
	}

	if a.repo != nil {
		a.store = state.NewStore(a.repo, a.metrics)
		a.params = risk.NewParamStore(a.repo)
	} else {
		a.store = state.NewStore(nil, a.metrics)
		a.params = risk.NewParamStore(nil)
	}
	for symbol, p := range a.cfg.Params {
		if err := a.params.Seed(symbol, p); err != nil {
			return err
		}
	}
	if a.repo != nil {
		for _, symbol := range a.params.Instruments() {
			entries, err := a.repo.LoadAudit(ctx, symbol)
			if err != nil {
				return errors.Fatal(errors.Wrapf(err, "load parameter audit %s", symbol))
			}
			a.params.Restore(entries)
		}
	}
	for _, mk := range a.cfg.Registry.Markets() {
		p, _ := a.params.Get(mk.Symbol)
		a.store.Register(mk, p.SoftLimit, p.HardLimit)
	}

	sources := make(map[string]state.TradeSource, len(a.venues))
	for name, adapter := range a.venues {
		sources[name] = adapter
	}
	recovered, err := a.store.Recover(ctx, sources)
	if err != nil {
		return errors.Fatal(errors.Wrap(err, "recover state"))
	}
	a.recovery = recovered

	a.bus = bus.New(a.metrics)
	a.sched = scheduler.New(a.cfg.Scheduler.Config, a.bus, a.metrics)
	a.orders = order.New(a.cfg.Order, order.Dependencies{
		Venues:   a.venues,
		Registry: a.cfg.Registry,
		Store:    a.store,
		Params:   a.params,
		Bus:      a.bus,
		Metrics:  a.metrics,
		Trigger: func(_ schema.Market) {
			a.sched.Trigger(scheduler.TaskQuote)
		},
	})
	a.engine = core.New(core.Dependencies{
		Registry: a.cfg.Registry,
		Venues:   a.venues,
		Cache:    marketdata.NewCache(a.cfg.MarketData),
		Store:    a.store,
		Params:   a.params,
		Orders:   a.orders,
		Bus:      a.bus,
		Metrics:  a.metrics,
	})
	if err := a.engine.Register(a.sched, core.Intervals{
		MarketData: a.cfg.Scheduler.PollInterval,
		Fills:      a.cfg.Scheduler.FillsInterval,
		Flush:      a.cfg.Storage.FlushInterval,
		Reconcile:  a.cfg.Scheduler.ReconcileInterval,
	}); err != nil {
		return errors.Fatal(err)
	}

	var audit admin.AuditReader
	if a.repo != nil {
		audit = a.repo
	}
	a.admin = admin.NewServer(admin.ServerConfig{
		Addr:      a.cfg.Admin.Addr,
		Operators: a.cfg.Admin.Operators,
		Control:   admin.NewControl(a.params, a.cfg.Registry, a.orders, a.bus, a.metrics),
		Status:    a.engine,
		Cadences:  a.sched,
		Audit:     audit,
		Metrics:   promhttp.HandlerFor(a.metrics.Registry(), promhttp.HandlerOpts{}),
	})

	if a.cfg.Feed.Enabled {
		if err := a.openFeed(ctx); err != nil {
			return err
		}
	}
	a.openStreams(ctx)
	return nil
}

func (a *App) openStorage(ctx context.Context) error {
	if a.cfg.Storage.Option.Driver == ops.StorageMemory {
		logs.Warnf("relational store disabled, state is in memory only")
		return nil
	}
	client, err := conn.New(a.cfg.Storage.Option)
	if err != nil {
		return errors.Fatal(errors.Wrap(err, "open relational store"))
	}
	a.db = client
	if err := client.Ping(ctx); err != nil {
		return errors.Fatal(errors.Wrap(err, "ping relational store"))
	}
	a.repo = repository.New(client.DB())
	if err := a.repo.Migrate(ctx); err != nil {
		return errors.Fatal(errors.Wrap(err, "migrate relational store"))
	}
	return nil
}

func (a *App) openFeed(ctx context.Context) error {
	nc, js, err := feed.Connect(a.cfg.Feed.URL)
	if err != nil {
		return errors.Fatal(err)
	}
	a.nc = nc
	if err := feed.EnsureStream(ctx, js, a.cfg.Feed.MaxAge); err != nil {
		return errors.Fatal(err)
	}
	a.feed = feed.NewPublisher(js, feedPublishTimeout)
	a.feedQ = a.bus.Subscribe("feed", feedQueueSize)
	return nil
}

// openStreams starts book ticker streams of CEX venues. A stream that cannot
// start only costs latency; the poller keeps the cache fresh.
func (a *App) openStreams(ctx context.Context) {
	for _, spec := range a.cfg.Venues {
		if spec.Kind != ops.KindCEX || spec.WSURL == "" {
			continue
		}
		symbols := venue.NewSymbolMap(a.cfg.Registry, spec.Name)
		stream := cex.NewStream(ctx, cex.Config{Name: spec.Name, WSURL: spec.WSURL}, symbols)
		if err := stream.Start(ctx); err != nil {
			logs.Warnf("book stream not started, venue=%s err=%v", spec.Name, err)
			continue
		}
		if err := stream.SubscribeBookTicker(ctx, symbols.Symbols()...); err != nil {
			logs.Warnf("book stream subscribe failed, venue=%s err=%v", spec.Name, err)
			stream.Close()
			continue
		}
		stream.ObserveBookTicker(ctx, a.engine.OnSnapshot)
		a.streams = append(a.streams, stream)
	}
}

// Run starts every component and blocks until ctx is done or one of them
// fails. Quotes are then cancelled and state flushed within the shutdown grace.
// The order loop and the event feed outlive the other components so the
// shutdown cancels and the final P&L snapshot still reach the feed.
func (a *App) Run(ctx context.Context) error {
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		a.orders.Run(loopCtx)
	}()

	feedCtx, stopFeed := context.WithCancel(context.Background())
	defer stopFeed()
	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		if a.feed != nil {
			a.feed.Run(feedCtx, a.feedQ)
		}
	}()

	logs.Infof("quoter started, name=%s markets=%d venues=%d recovered_seq=%d",
		a.cfg.App.Name, len(a.cfg.Registry.Markets()), len(a.venues), a.recovery.LastSeq)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return a.sched.Run(egCtx) })
	if a.cfg.Admin.Addr != "" {
		eg.Go(func() error { return a.admin.Run(egCtx) })
	}
	runErr := eg.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logs.Errorf("component failed, shutting down, err=%v", runErr)
	}

	graceCtx, cancel := context.WithTimeout(context.Background(), a.cfg.App.ShutdownGrace)
	defer cancel()
	shutdownErr := a.engine.Shutdown(graceCtx)
	stopLoop()
	<-loopDone

	// closed queues drain what is buffered, then the feed returns
	a.bus.Close()
	select {
	case <-feedDone:
	case <-graceCtx.Done():
		logs.Warn("event feed did not drain within the shutdown grace")
		stopFeed()
		<-feedDone
	}
	a.Close()

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return shutdownErr
}

// Close releases connections. Safe to call more than once.
func (a *App) Close() {
	for _, s := range a.streams {
		s.Close()
	}
	a.streams = nil
	if a.bus != nil {
		a.bus.Close()
	}
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			logs.Warnf("drain nats, err=%v", err)
		}
		a.nc = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			logs.Warnf("close relational store, err=%v", err)
		}
		a.db = nil
	}
}

// Engine returns the quoting core.
func (a *App) Engine() *core.Engine { return a.engine }

// Store returns the state store.
func (a *App) Store() *state.Store { return a.store }

// Orders returns the order manager.
func (a *App) Orders() *order.Manager { return a.orders }

// Scheduler returns the cadence scheduler.
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

// Recovery returns the counters of the startup recovery.
func (a *App) Recovery() state.RecoverResult { return a.recovery }

// Venues returns the guarded venue adapters by name.
func (a *App) Venues() map[string]venue.Adapter { return a.venues }

// Sims returns the simulated venues by name.
func (a *App) Sims() map[string]*sim.Venue { return a.sims }

// Admin returns the admin server.
func (a *App) Admin() *admin.Server { return a.admin }
