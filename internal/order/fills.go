package order

import (
	"github.com/yanun0323/logs"

	"quoter/internal/schema"
)

type limitBreach struct {
	Qty       string `json:"qty"`
	HardLimit string `json:"hardLimit"`
}

// handleFills applies executions to inventory first and to order state
// second: a fill the order book no longer knows still moves inventory.
func (m *Manager) handleFills(fills []schema.Fill) {
	touched := make(map[schema.Market]bool)
	for _, f := range fills {
		res, err := m.store.ApplyFill(f)
		if err != nil {
			logs.Errorf("apply fill, market=%s exec=%s err=%v", f.Market, f.ExecID, err)
			continue
		}
		if res.Duplicate {
			continue
		}
		touched[f.Market] = true

		rec, err := m.orders.ApplyFill(f, m.nowNano())
		if err != nil {
			logs.Debugf("fill not matched to an open order, market=%s order=%s err=%v", f.Market, f.OrderID, err)
		} else {
			m.store.TrackOrder(rec)
			m.updateSlot(rec)
		}
		m.publish(schema.EventFill, f.Market, f)
		logs.Infof("fill applied, market=%s side=%s price=%s size=%s qty=%s seq=%d",
			f.Market, f.Side, f.Price, f.Size, res.Inventory.Qty, res.Seq)

		inv := res.Inventory
		if p, ok := m.params.Get(f.Market.Symbol); ok {
			inv.SoftLimit, inv.HardLimit = p.SoftLimit, p.HardLimit
		}
		if inv.BreachesHard() {
			m.metrics.IncGuardrail(f.Market.Venue, f.Market.Symbol, "hard_limit")
			m.publish(schema.EventLimitBreach, f.Market, limitBreach{
				Qty:       inv.Qty.String(),
				HardLimit: inv.HardLimit.String(),
			})
			logs.Warnf("hard limit breached, cancelling quotes, market=%s qty=%s hard=%s",
				f.Market, inv.Qty, inv.HardLimit)
			m.cancelMarket(f.Market)
		}
	}
	for mk := range touched {
		m.requestQuote(mk)
	}
}

func (m *Manager) updateSlot(rec schema.OrderRecord) {
	s := m.slots[slotKey{market: rec.Market, side: rec.Side}]
	if s == nil || s.live == nil || s.live.ClientOrderID != rec.ClientOrderID {
		return
	}
	if rec.Status.IsTerminal() {
		s.live = nil
		return
	}
	live := rec
	s.live = &live
}
