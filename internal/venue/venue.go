// Package venue defines the exchange-facing interfaces. Concrete
// clients live in subpackages; the engine only sees these contracts.
package venue

import (
	"context"

	"github.com/shopspring/decimal"

	"main/internal/model"
)

// OrderRequest describes a limit order to place on the maker venue.
type OrderRequest struct {
	ClientID   string
	Side       model.Side
	Price      decimal.Decimal
	Qty        decimal.Decimal
	ReduceOnly bool
}

// HedgeResult is the hedge venue's acknowledgement of a market order.
type HedgeResult struct {
	OrderID  string
	AvgPrice decimal.Decimal
	Qty      decimal.Decimal
}

// MakerAPI is the REST surface of the maker venue.
type MakerAPI interface {
	// PlaceOrder submits a limit order and returns the venue's view of it.
	PlaceOrder(ctx context.Context, req OrderRequest) (model.Order, error)
	// CancelOrders cancels the given order ids. Ids the venue no longer
	// knows are not an error.
	CancelOrders(ctx context.Context, orderIDs []string) error
	// ListOpenOrders returns all currently open orders for the symbol.
	ListOpenOrders(ctx context.Context) ([]model.Order, error)
	// Position returns the signed net position for the symbol.
	Position(ctx context.Context) (decimal.Decimal, error)
}

// HedgeAPI is the surface of the hedge venue.
type HedgeAPI interface {
	// PlaceHedgeOrder submits a market order for immediate execution.
	PlaceHedgeOrder(ctx context.Context, side model.Side, qty decimal.Decimal) (HedgeResult, error)
	// Position returns the signed net position for the symbol.
	Position(ctx context.Context) (decimal.Decimal, error)
}

// MarketData supplies the reference price used for quoting.
type MarketData interface {
	// CurrentPrice returns the latest mark price for the symbol.
	CurrentPrice(ctx context.Context) (decimal.Decimal, error)
}
