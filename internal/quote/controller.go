// Package quote keeps a two-sided limit quote resting on the maker
// venue. The controller is level triggered: every tick it compares the
// resting orders against the current reference price and converges by
// placing, keeping or replacing one order per side.
package quote

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"main/internal/ledger"
	"main/internal/model"
	"main/internal/risk"
	"main/internal/venue"
)

// Config tunes the quote shape.
type Config struct {
	// SpreadPct is the half-spread as a fraction of the reference
	// price, e.g. 0.001 for 10 bps.
	SpreadPct decimal.Decimal
	// CancelDistancePct replaces a resting order once its price drifts
	// this far from the desired quote, as a fraction of the reference
	// price.
	CancelDistancePct decimal.Decimal
	// OrderQty is the quantity quoted on each side.
	OrderQty decimal.Decimal
	// PricePrecision rounds quote prices to this many decimal places.
	PricePrecision int32
	// Interval is the tick period.
	Interval time.Duration
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.PricePrecision <= 0 {
		c.PricePrecision = 2
	}
}

// Controller runs the quoting loop.
type Controller struct {
	cfg    Config
	maker  venue.MakerAPI
	md     venue.MarketData
	led    *ledger.Ledger
	gate   *risk.Gate
	paused uint32
}

func NewController(cfg Config, maker venue.MakerAPI, md venue.MarketData, led *ledger.Ledger, gate *risk.Gate) *Controller {
	cfg.applyDefaults()
	return &Controller{cfg: cfg, maker: maker, md: md, led: led, gate: gate}
}

// Pause stops new quote placement; resting orders are left alone until
// the next tick decides about them or the engine cancels them.
func (c *Controller) Pause() {
	atomic.StoreUint32(&c.paused, 1)
}

// Resume re-enables quoting.
func (c *Controller) Resume() {
	atomic.StoreUint32(&c.paused, 0)
}

func (c *Controller) isPaused() bool {
	return atomic.LoadUint32(&c.paused) != 0
}

// Run ticks until the context is done.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick converges the resting quote toward the current reference price.
// Each side independently keeps, replaces or places one order.
func (c *Controller) Tick(ctx context.Context) {
	if c.isPaused() {
		return
	}

	price, err := c.md.CurrentPrice(ctx)
	if err != nil {
		logs.Warnf("quote tick: reference price unavailable: %+v", err)
		return
	}
	if !price.IsPositive() {
		logs.Warnf("quote tick: non-positive reference price %s", price)
		return
	}

	active := c.led.ActiveOrders()
	if reason := c.gate.AllowQuote(len(active), c.led.NetExposure()); reason != risk.ReasonNone {
		if len(active) > 0 {
			logs.Warnf("quoting denied (%s), cancelling %d resting orders", reason, len(active))
			c.CancelAll(ctx)
		}
		return
	}

	one := decimal.NewFromInt(1)
	bid := price.Mul(one.Sub(c.cfg.SpreadPct)).Round(c.cfg.PricePrecision)
	ask := price.Mul(one.Add(c.cfg.SpreadPct)).Round(c.cfg.PricePrecision)

	var bidOrder, askOrder *model.Order
	for i := range active {
		if active[i].ReduceOnly {
			continue
		}
		switch active[i].Side {
		case model.SideBuy:
			bidOrder = &active[i]
		case model.SideSell:
			askOrder = &active[i]
		}
	}

	// One drifted side invalidates the whole quote: both orders are
	// pulled and re-placed around the new price.
	if c.drifted(bidOrder, bid, price) || c.drifted(askOrder, ask, price) {
		logs.Infof("price moved to %s, replacing quote", price)
		if !c.cancelQuotes(ctx, bidOrder, askOrder) {
			return
		}
		bidOrder, askOrder = nil, nil
	}

	if bidOrder == nil {
		c.place(ctx, model.SideBuy, bid)
	}
	if askOrder == nil {
		c.place(ctx, model.SideSell, ask)
	}
}

func (c *Controller) drifted(o *model.Order, desired, ref decimal.Decimal) bool {
	if o == nil {
		return false
	}
	return o.Price.Sub(desired).Abs().Div(ref).GreaterThan(c.cfg.CancelDistancePct)
}

// cancelQuotes pulls the given resting quotes. Placement must not
// proceed when the cancel fails, or the book ends up double-quoted.
func (c *Controller) cancelQuotes(ctx context.Context, orders ...*model.Order) bool {
	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		if o != nil {
			ids = append(ids, o.ID)
		}
	}
	if len(ids) == 0 {
		return true
	}
	if err := c.maker.CancelOrders(ctx, ids); err != nil {
		logs.Warnf("cancel drifted quotes: %+v", err)
		return false
	}
	for _, id := range ids {
		_ = c.led.RecordCancel(id)
	}
	return true
}

func (c *Controller) place(ctx context.Context, side model.Side, price decimal.Decimal) {
	req := venue.OrderRequest{
		ClientID: uuid.NewString(),
		Side:     side,
		Price:    price,
		Qty:      c.cfg.OrderQty,
	}
	order, err := c.maker.PlaceOrder(ctx, req)
	if err != nil {
		logs.Warnf("place %s quote @ %s: %+v", side, price, err)
		return
	}
	if err := c.led.RecordOrderPlaced(order); err != nil {
		logs.Warnf("track %s quote %s: %+v", side, order.ID, err)
		return
	}
	logs.Infof("quoted %s %s @ %s (%s)", side, c.cfg.OrderQty, price, order.ID)
}

// CancelAll pulls every resting order and drops it from the ledger.
func (c *Controller) CancelAll(ctx context.Context) {
	active := c.led.ActiveOrders()
	if len(active) == 0 {
		return
	}
	ids := make([]string, 0, len(active))
	for _, o := range active {
		ids = append(ids, o.ID)
	}
	if err := c.maker.CancelOrders(ctx, ids); err != nil {
		logs.Errorf("cancel all resting orders: %+v", err)
		return
	}
	for _, id := range ids {
		_ = c.led.RecordCancel(id)
	}
	logs.Infof("cancelled %d resting orders", len(ids))
}
