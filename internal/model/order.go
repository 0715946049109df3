package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Venue identifies which side of the strategy a position belongs to.
type Venue uint8

const (
	VenueMaker Venue = iota
	VenueHedge
)

func (v Venue) String() string {
	switch v {
	case VenueMaker:
		return "maker"
	case VenueHedge:
		return "hedge"
	default:
		return "unknown"
	}
}

// OrderState tracks the lifecycle of a resting order.
type OrderState uint8

const (
	OrderStatePending OrderState = iota
	OrderStateResting
	OrderStatePartFilled
	OrderStateFilled
	OrderStateCanceled
	OrderStateRejected
)

func (s OrderState) String() string {
	switch s {
	case OrderStatePending:
		return "pending"
	case OrderStateResting:
		return "resting"
	case OrderStatePartFilled:
		return "partially_filled"
	case OrderStateFilled:
		return "filled"
	case OrderStateCanceled:
		return "cancelled"
	case OrderStateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the order can receive no further transitions.
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderStateFilled, OrderStateCanceled, OrderStateRejected:
		return true
	default:
		return false
	}
}

// Order is the ledger's view of a maker-venue order.
type Order struct {
	ID         string
	ClientID   string
	Side       Side
	Price      decimal.Decimal
	Qty        decimal.Decimal
	FilledQty  decimal.Decimal
	State      OrderState
	ReduceOnly bool
	CreatedAt  time.Time
}

// Remaining returns the unfilled quantity.
func (o Order) Remaining() decimal.Decimal {
	return o.Qty.Sub(o.FilledQty)
}

// OrderDelta is the result of applying one fill event to the ledger.
// FilledDelta is the incremental quantity this event contributed.
type OrderDelta struct {
	OrderID     string
	Side        Side
	Price       decimal.Decimal
	FilledDelta decimal.Decimal
	State       OrderState
	ReduceOnly  bool
}
