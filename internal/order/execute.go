package order

import (
	"context"

	"quoter/internal/errors"
	"quoter/internal/schema"
	"quoter/internal/venue"
)

// execute performs one slot mutation: cancel the live order if any, then
// submit the replacement. A failed cancel skips the submit so a slot never
// holds two live orders. A rejected cancel means the venue no longer knows
// the order, which is as good as cancelled.
func execute(ctx context.Context, adapter venue.Adapter, o op) result {
	res := result{op: o}
	if o.cancel != nil {
		ok, err := adapter.CancelOrder(ctx, o.cancel.Market, o.cancel.OrderID)
		res.cancelled, res.cancelErr = ok, err
		if err != nil && errors.KindOf(err) != errors.KindRejected {
			return res
		}
	}
	if o.submit != nil {
		var rec schema.OrderRecord
		rec, res.submitErr = adapter.SubmitOrder(ctx, *o.submit)
		res.record = rec
	}
	return res
}
