// Package ledger holds the authoritative in-memory order and position
// state. All mutations run under a single mutex so that a fill, its
// position update and its delta computation form one atomic transition.
package ledger

import (
	"errors"
	"sync"

	"github.com/shopspring/decimal"

	"main/internal/model"
)

var (
	ErrDuplicateOrder = errors.New("order already tracked")
	ErrUnknownOrder   = errors.New("order not tracked")
)

// Ledger is the single-writer store for orders and per-venue positions.
type Ledger struct {
	mu        sync.Mutex
	orders    map[string]*model.Order
	seen      map[string]model.OrderDelta
	positions [2]decimal.Decimal
	realized  decimal.Decimal
}

func New() *Ledger {
	return &Ledger{
		orders: make(map[string]*model.Order),
		seen:   make(map[string]model.OrderDelta),
	}
}

// RecordOrderPlaced starts tracking a freshly placed order.
func (l *Ledger) RecordOrderPlaced(o model.Order) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.orders[o.ID]; ok {
		return ErrDuplicateOrder
	}
	if o.State == model.OrderStatePending {
		o.State = model.OrderStateResting
	}
	copied := o
	l.orders[o.ID] = &copied
	return nil
}

// RecordFill applies one fill event. It is idempotent on the event's
// key: replays return the previously computed delta and report false
// without touching positions. The returned bool is true only the first
// time an event is seen.
func (l *Ledger) RecordFill(f model.FillEvent) (model.OrderDelta, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := f.Key()
	if prev, ok := l.seen[key]; ok {
		return prev, false
	}

	delta := model.OrderDelta{
		OrderID: f.OrderID,
		Side:    f.Side,
		Price:   f.Price,
	}

	order, tracked := l.orders[f.OrderID]
	if tracked {
		inc := f.Filled.Sub(order.FilledQty)
		if inc.Sign() <= 0 {
			// Stale cumulative quantity; nothing new to apply.
			l.seen[key] = delta
			return delta, true
		}
		order.FilledQty = f.Filled
		if order.FilledQty.GreaterThanOrEqual(order.Qty) {
			order.State = model.OrderStateFilled
		} else {
			order.State = model.OrderStatePartFilled
		}
		delta.FilledDelta = inc
		delta.State = order.State
		delta.ReduceOnly = order.ReduceOnly
		if order.State == model.OrderStateFilled {
			delete(l.orders, order.ID)
		}
	} else {
		// Fill for an order the ledger never saw (e.g. placed before a
		// crash). The venue is authoritative: apply the full quantity.
		delta.FilledDelta = f.Filled
		delta.State = model.OrderStateFilled
	}

	signed := delta.FilledDelta
	if f.Side == model.SideSell {
		signed = signed.Neg()
	}
	l.positions[model.VenueMaker] = l.positions[model.VenueMaker].Add(signed)

	l.seen[key] = delta
	return delta, true
}

// RecordCancel removes an order from the active set.
func (l *Ledger) RecordCancel(orderID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	order, ok := l.orders[orderID]
	if !ok {
		return ErrUnknownOrder
	}
	order.State = model.OrderStateCanceled
	delete(l.orders, orderID)
	return nil
}

// MarkReduceOnly flags an order as a position-closing order whose fills
// must not trigger a new hedge.
func (l *Ledger) MarkReduceOnly(orderID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	order, ok := l.orders[orderID]
	if !ok {
		return ErrUnknownOrder
	}
	order.ReduceOnly = true
	return nil
}

// ActiveOrders returns a point-in-time copy of the active order set.
func (l *Ledger) ActiveOrders() []model.Order {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]model.Order, 0, len(l.orders))
	for _, order := range l.orders {
		out = append(out, *order)
	}
	return out
}

// Order returns a copy of one tracked order.
func (l *Ledger) Order(orderID string) (model.Order, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	order, ok := l.orders[orderID]
	if !ok {
		return model.Order{}, false
	}
	return *order, true
}

// ApplyHedgeFill records a confirmed hedge execution: it moves the
// hedge-venue position and accrues the realized spread against the
// maker fill that triggered it. It returns the trade's realized PnL.
func (l *Ledger) ApplyHedgeFill(task model.HedgeTask) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()

	signed := task.Qty
	if task.Side == model.SideSell {
		signed = signed.Neg()
	}
	l.positions[model.VenueHedge] = l.positions[model.VenueHedge].Add(signed)

	// Maker buy hedged by a sell earns (hedge - maker) per unit, and
	// the mirror for maker sells.
	var pnl decimal.Decimal
	switch task.MakerSide {
	case model.SideBuy:
		pnl = task.Price.Sub(task.MakerPrice).Mul(task.Qty)
	case model.SideSell:
		pnl = task.MakerPrice.Sub(task.Price).Mul(task.Qty)
	}
	l.realized = l.realized.Add(pnl)
	return pnl
}

// SetPosition overwrites a venue position from an authoritative query.
func (l *Ledger) SetPosition(venue model.Venue, qty decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.positions[venue] = qty
}

// Position returns the signed net position for a venue.
func (l *Ledger) Position(venue model.Venue) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.positions[venue]
}

// NetExposure is the sum of both venue positions; near zero when hedged.
func (l *Ledger) NetExposure() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.positions[model.VenueMaker].Add(l.positions[model.VenueHedge])
}

// RealizedPnL returns the accumulated realized PnL.
func (l *Ledger) RealizedPnL() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.realized
}

// Seed replaces the active order set from an authoritative venue query,
// used on startup before the feed starts.
func (l *Ledger) Seed(orders []model.Order) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.orders = make(map[string]*model.Order, len(orders))
	for _, o := range orders {
		copied := o
		if copied.State == model.OrderStatePending {
			copied.State = model.OrderStateResting
		}
		l.orders[copied.ID] = &copied
	}
}
