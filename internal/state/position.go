package state

import (
	"github.com/shopspring/decimal"

	"quoter/internal/schema"
)

// applyFill folds one execution into inv using average-cost accounting.
// Closing trades realize (price - avg) * closed * sign(q); a fill that flips
// the position opens the remainder at the fill price.
func applyFill(inv *schema.InventoryState, fill schema.Fill) {
	signed := fill.Size.Mul(decimal.NewFromInt(fill.Side.Sign()))
	q := inv.Qty

	switch {
	case q.IsZero() || q.Sign() == signed.Sign():
		absQ := q.Abs()
		total := absQ.Add(fill.Size)
		inv.AvgPrice = inv.AvgPrice.Mul(absQ).Add(fill.Price.Mul(fill.Size)).Div(total)
	default:
		closed := decimal.Min(fill.Size, q.Abs())
		pnl := fill.Price.Sub(inv.AvgPrice).Mul(closed)
		if q.IsNegative() {
			pnl = pnl.Neg()
		}
		inv.RealizedPnL = inv.RealizedPnL.Add(pnl)
		if fill.Size.GreaterThan(q.Abs()) {
			inv.AvgPrice = fill.Price
		}
	}

	inv.Qty = q.Add(signed)
	if inv.Qty.IsZero() {
		inv.AvgPrice = decimal.Zero
	}
	inv.Fees = inv.Fees.Add(fill.Fee)
	if fill.Timestamp > inv.LastFillTs {
		inv.LastFillTs = fill.Timestamp
	}
}

// markToMarket recomputes unrealized P&L against mark.
func markToMarket(inv *schema.InventoryState, mark decimal.Decimal) {
	if !mark.IsPositive() || inv.Qty.IsZero() {
		inv.UnrealizedPnL = decimal.Zero
		return
	}
	inv.UnrealizedPnL = mark.Sub(inv.AvgPrice).Mul(inv.Qty)
}
