// Package order is the Order Manager: it turns quotes into venue orders.
//
// One goroutine owns every slot (venue, instrument, side). Quotes, venue
// results, fills and control requests reach it through bounded channels;
// venue I/O runs in short-lived goroutines that report back, so the loop
// never blocks on a venue.
package order

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/logs"

	"quoter/internal/errors"
	"quoter/internal/obs"
	"quoter/internal/og"
	"quoter/internal/risk"
	"quoter/internal/schema"
	"quoter/internal/state"
	"quoter/internal/venue"
	"quoter/pkg/exception"
)

// Publisher receives engine events.
type Publisher interface {
	Publish(e schema.Event)
}

// ParamSource returns the current parameters of an instrument.
type ParamSource interface {
	Get(instrument string) (schema.ParameterSet, bool)
}

// Config controls queue sizes and venue health accounting.
type Config struct {
	QueueSize int
	// VenueErrorThreshold consecutive venue failures mark a venue unhealthy.
	VenueErrorThreshold int
	// BaseLimits are merged with each instrument's parameters for pre-trade checks.
	BaseLimits risk.Limits
}

func DefaultConfig() Config {
	return Config{
		QueueSize:           256,
		VenueErrorThreshold: 3,
	}
}

// Dependencies of a Manager.
type Dependencies struct {
	Venues   map[string]venue.Adapter
	Registry *schema.Registry
	Store    *state.Store
	Params   ParamSource
	Bus      Publisher
	Metrics  *obs.Metrics
	// Trigger requests an ad hoc quote cycle for a market.
	Trigger func(m schema.Market)
}

type control struct {
	fn   func()
	done chan struct{}
}

// Manager is the Order Manager. Create with New, start with Run.
type Manager struct {
	cfg      Config
	venues   map[string]venue.Adapter
	registry *schema.Registry
	store    *state.Store
	params   ParamSource
	bus      Publisher
	metrics  *obs.Metrics
	trigger  func(m schema.Market)
	newID    func() string
	now      func() time.Time

	running atomic.Bool
	quotes  chan schema.Quote
	results chan result
	fills   chan []schema.Fill
	control chan control

	// owned by the loop goroutine
	ctx     context.Context
	slots   map[slotKey]*slot
	orders  *og.StateMachine
	enabled map[schema.Market]bool
	newest  map[schema.Market]uint64
	engines map[schema.Market]*risk.Engine
	orphans map[string]schema.OrderRecord
	pending int

	healthMu    sync.Mutex
	venueErrors map[string]int
}

// New creates a manager for every market of the registry.
func New(cfg Config, deps Dependencies) *Manager {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.VenueErrorThreshold <= 0 {
		cfg.VenueErrorThreshold = def.VenueErrorThreshold
	}
	m := &Manager{
		cfg:         cfg,
		venues:      deps.Venues,
		registry:    deps.Registry,
		store:       deps.Store,
		params:      deps.Params,
		bus:         deps.Bus,
		metrics:     deps.Metrics,
		trigger:     deps.Trigger,
		newID:       uuid.NewString,
		now:         time.Now,
		quotes:      make(chan schema.Quote, cfg.QueueSize),
		results:     make(chan result, cfg.QueueSize),
		fills:       make(chan []schema.Fill, cfg.QueueSize),
		control:     make(chan control),
		slots:       make(map[slotKey]*slot),
		orders:      og.NewStateMachine(),
		enabled:     make(map[schema.Market]bool),
		newest:      make(map[schema.Market]uint64),
		engines:     make(map[schema.Market]*risk.Engine),
		orphans:     make(map[string]schema.OrderRecord),
		venueErrors: make(map[string]int),
	}
	if deps.Registry != nil {
		for _, mk := range deps.Registry.Markets() {
			m.enabled[mk] = true
			m.engines[mk] = risk.NewEngine(cfg.BaseLimits)
			for _, side := range []schema.Side{schema.SideBuy, schema.SideSell} {
				m.slots[slotKey{market: mk, side: side}] = &slot{}
			}
		}
	}
	return m
}

// Run processes events until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	if m.running.Swap(true) {
		return
	}
	defer m.running.Store(false)
	m.ctx = ctx

	for {
		select {
		case <-ctx.Done():
			logs.Infof("order manager stopped, open=%d", len(m.orders.Open()))
			return
		case q := <-m.quotes:
			m.handleQuote(q)
		case res := <-m.results:
			m.applyResult(res)
		case fills := <-m.fills:
			m.handleFills(fills)
		case c := <-m.control:
			c.fn()
			close(c.done)
		}
		m.archive()
	}
}

// ReplaceQuote hands a quote to the loop. It never blocks: a full queue
// returns exception.ErrOrderQueueFull and the next cycle quotes again.
func (m *Manager) ReplaceQuote(q schema.Quote) error {
	select {
	case m.quotes <- q:
		return nil
	default:
		m.metrics.IncQueueDrop()
		return errors.Transient(exception.ErrOrderQueueFull)
	}
}

// SubmitFills hands venue executions to the loop.
func (m *Manager) SubmitFills(ctx context.Context, fills []schema.Fill) error {
	if len(fills) == 0 {
		return nil
	}
	select {
	case m.fills <- fills:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// do runs fn on the loop goroutine and waits for it.
func (m *Manager) do(ctx context.Context, fn func()) error {
	c := control{fn: fn, done: make(chan struct{})}
	select {
	case m.control <- c:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetEnabled pauses or resumes quoting of a market. Disabling cancels its quotes.
func (m *Manager) SetEnabled(ctx context.Context, mk schema.Market, enabled bool) error {
	return m.do(ctx, func() {
		if _, ok := m.enabled[mk]; !ok {
			return
		}
		m.enabled[mk] = enabled
		if !enabled {
			m.cancelMarket(mk)
		}
	})
}

// Enabled reports the enable flag of a market.
func (m *Manager) Enabled(ctx context.Context, mk schema.Market) (bool, error) {
	var out bool
	err := m.do(ctx, func() { out = m.enabled[mk] })
	return out, err
}

// CancelAll disables every market and waits until no order is live or in
// flight, or ctx is done.
func (m *Manager) CancelAll(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		var busy int
		err := m.do(ctx, func() {
			for mk := range m.enabled {
				m.enabled[mk] = false
				m.cancelMarket(mk)
			}
			busy = m.busy()
		})
		if err != nil {
			return errors.Wrap(err, "cancel all")
		}
		if busy == 0 {
			logs.Info("all quotes cancelled")
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "cancel all, busy=%d", busy)
		case <-ticker.C:
		}
	}
}

// SlotView is a read-only copy of a slot for status reporting.
type SlotView struct {
	Market     schema.Market
	Side       schema.Side
	State      SlotState
	Live       *schema.OrderRecord
	Generation uint64
	// Desired is the generation of a coalesced target waiting for the slot, or zero.
	Desired uint64
}

// Slots returns a copy of every slot.
func (m *Manager) Slots(ctx context.Context) ([]SlotView, error) {
	var out []SlotView
	err := m.do(ctx, func() {
		for key, s := range m.slots {
			v := SlotView{Market: key.market, Side: key.side, State: s.state(), Generation: s.applied}
			if s.live != nil {
				live := *s.live
				v.Live = &live
			}
			if s.desired != nil {
				v.Desired = s.desired.generation
			}
			out = append(out, v)
		}
	})
	return out, err
}

// VenueHealthy reports whether a venue is below the consecutive error threshold.
func (m *Manager) VenueHealthy(name string) bool {
	m.healthMu.Lock()
	defer m.healthMu.Unlock()
	return m.venueErrors[name] < m.cfg.VenueErrorThreshold
}

func (m *Manager) venueFailed(name string) {
	m.healthMu.Lock()
	m.venueErrors[name]++
	n := m.venueErrors[name]
	m.healthMu.Unlock()
	if n == m.cfg.VenueErrorThreshold {
		logs.Warnf("venue marked unhealthy, venue=%s consecutive_errors=%d", name, n)
	}
}

func (m *Manager) venueOK(name string) {
	m.healthMu.Lock()
	m.venueErrors[name] = 0
	m.healthMu.Unlock()
}

func (m *Manager) publish(t schema.EventType, mk schema.Market, payload any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(schema.NewEvent(t, mk, payload))
}

func (m *Manager) requestQuote(mk schema.Market) {
	if m.trigger != nil {
		m.trigger(mk)
	}
}

func (m *Manager) archive() {
	for _, rec := range m.orders.Archive() {
		logs.Debugf("order archived, market=%s client=%s status=%s", rec.Market, rec.ClientOrderID, rec.Status)
	}
}

func (m *Manager) nowNano() int64 {
	return m.now().UTC().UnixNano()
}
