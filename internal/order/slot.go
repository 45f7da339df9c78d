package order

import (
	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"quoter/internal/errors"
	"quoter/internal/risk"
	"quoter/internal/schema"
	"quoter/pkg/exception"
)

// SlotState is the coarse state of a (market, side) slot.
type SlotState uint8

const (
	SlotIdle SlotState = iota
	SlotPending
	SlotLive
)

func (s SlotState) String() string {
	switch s {
	case SlotPending:
		return "pending"
	case SlotLive:
		return "live"
	default:
		return "idle"
	}
}

type slotKey struct {
	market schema.Market
	side   schema.Side
}

type target struct {
	price      decimal.Decimal
	size       decimal.Decimal
	reference  decimal.Decimal
	generation uint64
}

type slot struct {
	live     *schema.OrderRecord
	inflight bool
	// desired is the latest requested target; newer quotes overwrite it.
	desired *target
	// unknown is a submission whose outcome was lost. It is resent with the
	// same client order id until the venue answers.
	unknown *schema.OrderRequest
	applied uint64
}

func (s *slot) state() SlotState {
	switch {
	case s.inflight:
		return SlotPending
	case s.live != nil:
		return SlotLive
	default:
		return SlotIdle
	}
}

type op struct {
	key        slotKey
	cancel     *schema.OrderRecord
	submit     *schema.OrderRequest
	generation uint64
	orphan     bool
}

type result struct {
	op        op
	cancelled bool
	cancelErr error
	record    schema.OrderRecord
	submitErr error
}

func (m *Manager) handleQuote(q schema.Quote) {
	mk := q.Market
	if _, ok := m.enabled[mk]; !ok {
		logs.Warnf("quote for unknown market dropped, market=%s", mk)
		return
	}
	if q.Generation > m.newest[mk] {
		m.newest[mk] = q.Generation
	}
	m.retryOrphans(mk)

	for _, side := range []schema.Side{schema.SideBuy, schema.SideSell} {
		s := m.slots[slotKey{market: mk, side: side}]
		if q.Generation < s.applied {
			m.metrics.IncStaleResponse(mk.Venue, mk.Symbol)
			continue
		}
		s.desired = &target{
			price:      q.Price(side),
			size:       q.Size(side),
			reference:  q.Reservation,
			generation: q.Generation,
		}
		m.dispatch(slotKey{market: mk, side: side})
	}
}

// dispatch starts the next mutation of a slot unless one is in flight.
func (m *Manager) dispatch(key slotKey) {
	s := m.slots[key]
	if s.inflight {
		return
	}
	if s.unknown != nil {
		req := *s.unknown
		m.start(s, op{key: key, submit: &req, generation: req.Generation})
		return
	}
	t := s.desired
	if t == nil {
		return
	}
	s.desired = nil
	if t.generation < s.applied {
		return
	}

	if !m.enabled[key.market] || !t.size.IsPositive() || !t.price.IsPositive() {
		s.applied = t.generation
		if s.live != nil {
			m.start(s, op{key: key, cancel: s.live, generation: t.generation})
		}
		return
	}

	p, _ := m.params.Get(key.market.Symbol)
	if s.live != nil && !m.needsRequote(*s.live, *t, key.market, p.RequoteTicks) {
		s.applied = t.generation
		return
	}

	req := schema.OrderRequest{
		ClientOrderID: m.newID(),
		Market:        key.market,
		Side:          key.side,
		Price:         t.price,
		Size:          t.size,
		Generation:    t.generation,
	}
	if err := m.preTrade(req, p, t.reference); err != nil {
		m.metrics.IncOrderRejected(key.market.Venue, key.market.Symbol, "pre_trade")
		logs.Debugf("pre-trade check failed, market=%s side=%s price=%s size=%s err=%v", key.market, key.side, req.Price, req.Size, err)
		s.applied = t.generation
		if s.live != nil {
			m.start(s, op{key: key, cancel: s.live, generation: t.generation})
		}
		return
	}

	rec, err := m.orders.ApplySubmit(req, m.nowNano())
	if err != nil {
		logs.Errorf("register order, market=%s client=%s err=%v", key.market, req.ClientOrderID, err)
		return
	}
	m.store.TrackOrder(rec)
	m.start(s, op{key: key, cancel: s.live, submit: &req, generation: t.generation})
}

func (m *Manager) needsRequote(live schema.OrderRecord, t target, mk schema.Market, ticks int64) bool {
	if !live.Size.Equal(t.size) {
		return true
	}
	diff := live.Price.Sub(t.price).Abs()
	if ticks <= 0 {
		return !diff.IsZero()
	}
	tick := decimal.Zero
	if inst, ok := m.registry.Instrument(mk.Symbol); ok {
		tick = inst.TickSize
	}
	return diff.GreaterThanOrEqual(tick.Mul(decimal.NewFromInt(ticks)))
}

func (m *Manager) preTrade(req schema.OrderRequest, p schema.ParameterSet, reference decimal.Decimal) error {
	eng := m.engines[req.Market]
	if eng == nil {
		return nil
	}
	eng.SetLimits(risk.LimitsFromParams(p, m.cfg.BaseLimits))
	inv, _ := m.store.Inventory(req.Market)
	return eng.Evaluate(req, risk.StateView{
		Position:       inv.Qty,
		ReferencePrice: reference,
		Now:            m.nowNano(),
	})
}

// start runs o against the venue in its own goroutine.
func (m *Manager) start(s *slot, o op) {
	if s != nil {
		s.inflight = true
	}
	if o.orphan {
		m.pending++
	}
	ctx := m.ctx
	adapter := m.venues[o.key.market.Venue]
	go func() {
		res := result{op: o}
		if adapter == nil {
			err := errors.Rejected(errors.Wrap(exception.ErrConfigUnknownVenue, o.key.market.Venue))
			res.submitErr, res.cancelErr = err, err
		} else {
			res = execute(ctx, adapter, o)
		}
		select {
		case m.results <- res:
		case <-ctx.Done():
		}
	}()
}

func (m *Manager) applyResult(res result) {
	o := res.op
	mk := o.key.market
	s := m.slots[o.key]
	if o.orphan {
		m.pending--
	} else if s != nil {
		s.inflight = false
	}

	if o.cancel != nil {
		if res.cancelErr != nil && errors.KindOf(res.cancelErr) != errors.KindRejected {
			m.venueFailed(mk.Venue)
			logs.Warnf("cancel failed, market=%s order=%s err=%v", mk, o.cancel.OrderID, res.cancelErr)
			if o.orphan {
				m.orphans[o.cancel.ClientOrderID] = *o.cancel
			}
			if o.submit != nil {
				// the replacement never left the process
				if rec, err := m.orders.ApplyCancel(o.submit.ClientOrderID, m.nowNano()); err == nil {
					m.store.TrackOrder(rec)
				}
			}
			m.redispatch(o.key)
			return
		}
		if !res.cancelled {
			logs.Debugf("order gone before the cancel, market=%s order=%s err=%v", mk, o.cancel.OrderID, res.cancelErr)
		}
		m.venueOK(mk.Venue)
		m.markCancelled(*o.cancel)
		if s != nil && s.live != nil && s.live.ClientOrderID == o.cancel.ClientOrderID {
			s.live = nil
		}
		m.metrics.IncOrderCancelled(mk.Venue, mk.Symbol, o.cancel.Side.String(), res.cancelled)
	}

	if o.submit != nil {
		m.applySubmit(s, o, res)
	}
	m.redispatch(o.key)
}

func (m *Manager) applySubmit(s *slot, o op, res result) {
	mk := o.key.market
	if res.submitErr != nil {
		if errors.KindOf(res.submitErr) == errors.KindRejected {
			s.unknown = nil
			rec, err := m.orders.ApplyReject(o.submit.ClientOrderID, m.nowNano())
			if err == nil {
				m.store.TrackOrder(rec)
			}
			m.metrics.IncOrderRejected(mk.Venue, mk.Symbol, "venue")
			m.publish(schema.EventOrderRejected, mk, rejection{ClientOrderID: o.submit.ClientOrderID, Side: o.submit.Side.String(), Reason: res.submitErr.Error()})
			logs.Warnf("order rejected, market=%s side=%s client=%s err=%v", mk, o.submit.Side, o.submit.ClientOrderID, res.submitErr)
			return
		}
		req := *o.submit
		s.unknown = &req
		m.venueFailed(mk.Venue)
		logs.Warnf("submit failed, will resend, market=%s client=%s err=%v", mk, o.submit.ClientOrderID, res.submitErr)
		return
	}

	m.venueOK(mk.Venue)
	s.unknown = nil
	rec := res.record
	if rec.ClientOrderID == "" {
		rec.ClientOrderID = o.submit.ClientOrderID
	}
	acked, err := m.orders.ApplyAck(rec, m.nowNano())
	if err != nil {
		logs.Warnf("ack not applied, market=%s client=%s err=%v", mk, rec.ClientOrderID, err)
		acked = rec
	}
	m.store.TrackOrder(acked)
	m.metrics.IncOrderSubmitted(mk.Venue, mk.Symbol, o.submit.Side.String())

	if o.generation < s.applied {
		m.metrics.IncStaleResponse(mk.Venue, mk.Symbol)
		logs.Debugf("stale response discarded, market=%s generation=%d applied=%d", mk, o.generation, s.applied)
		if acked.Status == schema.OrderStatusLive {
			m.start(nil, op{key: o.key, cancel: &acked, orphan: true})
		}
		return
	}
	s.applied = o.generation
	if acked.Status == schema.OrderStatusLive {
		s.live = &acked
	} else {
		s.live = nil
	}
}

func (m *Manager) redispatch(key slotKey) {
	s := m.slots[key]
	if s == nil || s.inflight {
		return
	}
	// a lost submission is resent by the next quote, not in a tight loop
	if s.desired != nil {
		m.dispatch(key)
	}
}

func (m *Manager) markCancelled(rec schema.OrderRecord) {
	out, err := m.orders.ApplyCancel(rec.ClientOrderID, m.nowNano())
	if err != nil {
		// filled or already archived; the venue's answer is final
		out = rec
		if !out.Status.IsTerminal() {
			out.Status = schema.OrderStatusCancelled
		}
		out.UpdatedAt = m.nowNano()
	}
	delete(m.orphans, rec.ClientOrderID)
	m.store.TrackOrder(out)
}

// cancelMarket fences every slot of mk so in-flight results become stale,
// drops desired targets and cancels live orders.
func (m *Manager) cancelMarket(mk schema.Market) {
	fence := m.newest[mk] + 1
	m.retryOrphans(mk)
	for _, side := range []schema.Side{schema.SideBuy, schema.SideSell} {
		key := slotKey{market: mk, side: side}
		s := m.slots[key]
		s.desired = nil
		if s.applied < fence {
			s.applied = fence
		}
		if s.inflight {
			continue
		}
		if s.unknown != nil {
			m.dispatch(key)
			continue
		}
		if s.live != nil {
			m.start(s, op{key: key, cancel: s.live, generation: fence})
		}
	}
}

func (m *Manager) retryOrphans(mk schema.Market) {
	for id, rec := range m.orphans {
		if rec.Market != mk {
			continue
		}
		delete(m.orphans, id)
		o := rec
		m.start(nil, op{key: slotKey{market: mk, side: rec.Side}, cancel: &o, orphan: true})
	}
}

// busy counts slots with live or in-flight orders plus pending orphan cancels.
func (m *Manager) busy() int {
	n := m.pending + len(m.orphans)
	for _, s := range m.slots {
		if s.inflight || s.live != nil || s.unknown != nil {
			n++
		}
	}
	return n
}

type rejection struct {
	ClientOrderID string `json:"clientOrderId"`
	Side          string `json:"side"`
	Reason        string `json:"reason"`
}
