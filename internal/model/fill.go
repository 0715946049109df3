package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// FillEvent is an immutable record derived from one feed notification or
// one reconciliation pass. Filled carries the venue's cumulative filled
// quantity; the ledger derives the incremental delta from it.
type FillEvent struct {
	OrderID  string
	Side     Side
	Price    decimal.Decimal
	OrderQty decimal.Decimal
	Filled   decimal.Decimal
	// Synthetic marks events reconstructed by reconciliation after a
	// feed outage rather than received from the push channel.
	Synthetic bool
}

// Key is the idempotency key: order id plus cumulative filled quantity.
// Replays of the same venue state map to the same key.
func (f FillEvent) Key() string {
	return f.OrderID + "@" + f.Filled.String()
}

// FeedEvent is one ordered notification from the order stream: either a
// fill or a venue-initiated removal of a resting order. Both travel
// through the same queue so a cancel can never overtake the fill that
// preceded it.
type FeedEvent struct {
	Fill   *FillEvent
	Cancel string
}

// HedgeStatus tracks a hedge attempt's lifecycle.
type HedgeStatus uint8

const (
	HedgeQueued HedgeStatus = iota
	HedgeSubmitted
	HedgeConfirmed
	HedgeFailed
)

func (s HedgeStatus) String() string {
	switch s {
	case HedgeQueued:
		return "queued"
	case HedgeSubmitted:
		return "submitted"
	case HedgeConfirmed:
		return "confirmed"
	case HedgeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// HedgeTask is one offsetting order attempt, created for exactly one fill
// and owned by the dispatcher until it reaches a terminal status.
type HedgeTask struct {
	FillKey    string
	OrderID    string
	Side       Side
	Qty        decimal.Decimal
	Price      decimal.Decimal
	MakerPrice decimal.Decimal
	MakerSide  Side
	Status     HedgeStatus
	Attempts   int
	CreatedAt  time.Time
}
