// Package og tracks the lifecycle of every order the engine sends:
// Pending -> Live -> {Filled, Cancelled, Rejected}. Terminal orders are
// immutable and leave the machine through Archive.
package og

import (
	"github.com/shopspring/decimal"

	"quoter/internal/errors"
	"quoter/internal/schema"
	"quoter/pkg/exception"
)

// StateMachine updates orders from submit, ack, fill and cancel events.
// It is not safe for concurrent use; the order manager owns it.
type StateMachine struct {
	byClient map[string]*schema.OrderRecord
	byVenue  map[string]string
}

// NewStateMachine creates an empty state machine.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		byClient: make(map[string]*schema.OrderRecord),
		byVenue:  make(map[string]string),
	}
}

// Order returns a copy of the order by client order id.
func (m *StateMachine) Order(clientOrderID string) (schema.OrderRecord, bool) {
	o, ok := m.byClient[clientOrderID]
	if !ok {
		return schema.OrderRecord{}, false
	}
	return *o, true
}

// OrderByVenueID returns a copy of the order by venue order id.
func (m *StateMachine) OrderByVenueID(orderID string) (schema.OrderRecord, bool) {
	cid, ok := m.byVenue[orderID]
	if !ok {
		return schema.OrderRecord{}, false
	}
	return m.Order(cid)
}

// Open returns every non-terminal order.
func (m *StateMachine) Open() []schema.OrderRecord {
	out := make([]schema.OrderRecord, 0, len(m.byClient))
	for _, o := range m.byClient {
		if !o.Status.IsTerminal() {
			out = append(out, *o)
		}
	}
	return out
}

// ApplySubmit registers a new order in Pending state.
func (m *StateMachine) ApplySubmit(req schema.OrderRequest, now int64) (schema.OrderRecord, error) {
	if req.ClientOrderID == "" {
		return schema.OrderRecord{}, errors.Rejected(exception.ErrOrderInvalidRequest)
	}
	if _, ok := m.byClient[req.ClientOrderID]; ok {
		return schema.OrderRecord{}, exception.ErrOrderDuplicateOrder
	}
	o := &schema.OrderRecord{
		ClientOrderID: req.ClientOrderID,
		Market:        req.Market,
		Side:          req.Side,
		Price:         req.Price,
		Size:          req.Size,
		FilledSize:    decimal.Zero,
		Status:        schema.OrderStatusPending,
		Generation:    req.Generation,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.byClient[o.ClientOrderID] = o
	return *o, nil
}

// ApplyAck updates a pending order from the venue's submit response. The
// venue may answer with a terminal status, e.g. an expired post-only order.
func (m *StateMachine) ApplyAck(rec schema.OrderRecord, now int64) (schema.OrderRecord, error) {
	o, ok := m.byClient[rec.ClientOrderID]
	if !ok {
		return schema.OrderRecord{}, exception.ErrOrderUnknownOrder
	}
	if o.Status != schema.OrderStatusPending {
		return *o, exception.ErrOrderInvalidTransit
	}
	if rec.OrderID == "" && rec.Status != schema.OrderStatusRejected {
		return *o, exception.ErrOrderEmptyResponseID
	}

	o.OrderID = rec.OrderID
	if rec.OrderID != "" {
		m.byVenue[rec.OrderID] = o.ClientOrderID
	}
	if rec.FilledSize.IsPositive() {
		o.FilledSize = rec.FilledSize
	}
	switch rec.Status {
	case schema.OrderStatusFilled, schema.OrderStatusCancelled, schema.OrderStatusRejected:
		o.Status = rec.Status
	default:
		o.Status = schema.OrderStatusLive
	}
	if o.Status == schema.OrderStatusLive && o.FilledSize.GreaterThanOrEqual(o.Size) {
		o.Status = schema.OrderStatusFilled
	}
	o.UpdatedAt = now
	return *o, nil
}

// ApplyReject marks a pending order rejected.
func (m *StateMachine) ApplyReject(clientOrderID string, now int64) (schema.OrderRecord, error) {
	o, ok := m.byClient[clientOrderID]
	if !ok {
		return schema.OrderRecord{}, exception.ErrOrderUnknownOrder
	}
	if o.Status != schema.OrderStatusPending {
		return *o, exception.ErrOrderInvalidTransit
	}
	o.Status = schema.OrderStatusRejected
	o.UpdatedAt = now
	return *o, nil
}

// ApplyFill adds an execution to a live order. Fills may arrive before the
// submit ack when the venue matches immediately; those are accepted too.
func (m *StateMachine) ApplyFill(fill schema.Fill, now int64) (schema.OrderRecord, error) {
	cid, ok := m.byVenue[fill.OrderID]
	if !ok {
		return schema.OrderRecord{}, exception.ErrOrderUnknownOrder
	}
	o := m.byClient[cid]
	if o.Status.IsTerminal() && o.Status != schema.OrderStatusFilled {
		return *o, exception.ErrOrderInvalidTransit
	}
	if !fill.Size.IsPositive() {
		return *o, exception.ErrOrderInvalidFill
	}
	o.FilledSize = o.FilledSize.Add(fill.Size)
	if o.FilledSize.GreaterThanOrEqual(o.Size) {
		o.Status = schema.OrderStatusFilled
	} else if o.Status == schema.OrderStatusPending {
		o.Status = schema.OrderStatusLive
	}
	o.UpdatedAt = now
	return *o, nil
}

// ApplyCancel marks a live order cancelled. Cancelling a terminal order is an
// invalid transition and leaves it untouched.
func (m *StateMachine) ApplyCancel(clientOrderID string, now int64) (schema.OrderRecord, error) {
	o, ok := m.byClient[clientOrderID]
	if !ok {
		return schema.OrderRecord{}, exception.ErrOrderUnknownOrder
	}
	if o.Status.IsTerminal() {
		return *o, exception.ErrOrderInvalidTransit
	}
	o.Status = schema.OrderStatusCancelled
	o.UpdatedAt = now
	return *o, nil
}

// Archive removes terminal orders and returns them for persistence. Until
// then their venue id still resolves, so late fills of a cancelled order
// are reported instead of lost.
func (m *StateMachine) Archive() []schema.OrderRecord {
	var out []schema.OrderRecord
	for cid, o := range m.byClient {
		if !o.Status.IsTerminal() {
			continue
		}
		out = append(out, *o)
		delete(m.byClient, cid)
		if o.OrderID != "" {
			delete(m.byVenue, o.OrderID)
		}
	}
	return out
}

// Len returns the number of tracked orders.
func (m *StateMachine) Len() int {
	return len(m.byClient)
}
