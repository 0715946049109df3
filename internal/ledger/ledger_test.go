package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/model"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func restingOrder(id string, side model.Side, price, qty string) model.Order {
	return model.Order{
		ID:    id,
		Side:  side,
		Price: dec(price),
		Qty:   dec(qty),
		State: model.OrderStateResting,
	}
}

func TestRecordFillIsIdempotent(t *testing.T) {
	l := New()
	require.NoError(t, l.RecordOrderPlaced(restingOrder("o-1", model.SideBuy, "100", "2")))

	fill := model.FillEvent{
		OrderID: "o-1",
		Side:    model.SideBuy,
		Price:   dec("100"),
		Filled:  dec("1"),
	}

	delta, fresh := l.RecordFill(fill)
	require.True(t, fresh)
	assert.Equal(t, "1", delta.FilledDelta.String())
	assert.Equal(t, model.OrderStatePartFilled, delta.State)
	assert.Equal(t, "1", l.Position(model.VenueMaker).String())

	// Replay of the same venue state must not move the position.
	replay, fresh := l.RecordFill(fill)
	assert.False(t, fresh)
	assert.Equal(t, delta, replay)
	assert.Equal(t, "1", l.Position(model.VenueMaker).String())
}

func TestPartialFillSequence(t *testing.T) {
	l := New()
	require.NoError(t, l.RecordOrderPlaced(restingOrder("o-1", model.SideSell, "100", "3")))

	first, fresh := l.RecordFill(model.FillEvent{OrderID: "o-1", Side: model.SideSell, Price: dec("100"), Filled: dec("1")})
	require.True(t, fresh)
	assert.Equal(t, "1", first.FilledDelta.String())

	second, fresh := l.RecordFill(model.FillEvent{OrderID: "o-1", Side: model.SideSell, Price: dec("100"), Filled: dec("3")})
	require.True(t, fresh)
	assert.Equal(t, "2", second.FilledDelta.String())
	assert.Equal(t, model.OrderStateFilled, second.State)

	assert.Equal(t, "-3", l.Position(model.VenueMaker).String())
	_, tracked := l.Order("o-1")
	assert.False(t, tracked, "fully filled orders leave the active set")
}

func TestFillForUntrackedOrder(t *testing.T) {
	l := New()
	delta, fresh := l.RecordFill(model.FillEvent{OrderID: "ghost", Side: model.SideBuy, Price: dec("100"), Filled: dec("2")})
	require.True(t, fresh)
	assert.Equal(t, "2", delta.FilledDelta.String())
	assert.Equal(t, "2", l.Position(model.VenueMaker).String())
}

func TestDuplicateOrderRejected(t *testing.T) {
	l := New()
	o := restingOrder("o-1", model.SideBuy, "100", "1")
	require.NoError(t, l.RecordOrderPlaced(o))
	assert.ErrorIs(t, l.RecordOrderPlaced(o), ErrDuplicateOrder)
}

func TestRecordCancel(t *testing.T) {
	l := New()
	require.NoError(t, l.RecordOrderPlaced(restingOrder("o-1", model.SideBuy, "100", "1")))
	require.NoError(t, l.RecordCancel("o-1"))
	assert.Empty(t, l.ActiveOrders())
	assert.ErrorIs(t, l.RecordCancel("o-1"), ErrUnknownOrder)
}

func TestApplyHedgeFillPnL(t *testing.T) {
	l := New()

	// Maker bought 1 @ 100, hedged by selling 1 @ 100.05.
	pnl := l.ApplyHedgeFill(model.HedgeTask{
		Side:       model.SideSell,
		Qty:        dec("1"),
		Price:      dec("100.05"),
		MakerPrice: dec("100"),
		MakerSide:  model.SideBuy,
	})
	assert.Equal(t, "0.05", pnl.String())
	assert.Equal(t, "-1", l.Position(model.VenueHedge).String())

	// Maker sold 2 @ 100, hedged by buying 2 @ 100.03: a loss.
	pnl = l.ApplyHedgeFill(model.HedgeTask{
		Side:       model.SideBuy,
		Qty:        dec("2"),
		Price:      dec("100.03"),
		MakerPrice: dec("100"),
		MakerSide:  model.SideSell,
	})
	assert.Equal(t, "-0.06", pnl.String())
	assert.Equal(t, "1", l.Position(model.VenueHedge).String())
	assert.Equal(t, "-0.01", l.RealizedPnL().String())
}

func TestNetExposure(t *testing.T) {
	l := New()
	l.SetPosition(model.VenueMaker, dec("2"))
	l.SetPosition(model.VenueHedge, dec("-1.5"))
	assert.Equal(t, "0.5", l.NetExposure().String())
}

func TestSeedReplacesActiveSet(t *testing.T) {
	l := New()
	require.NoError(t, l.RecordOrderPlaced(restingOrder("stale", model.SideBuy, "99", "1")))

	l.Seed([]model.Order{
		restingOrder("o-1", model.SideBuy, "100", "1"),
		restingOrder("o-2", model.SideSell, "101", "1"),
	})

	assert.Len(t, l.ActiveOrders(), 2)
	_, ok := l.Order("stale")
	assert.False(t, ok)
}

func TestMarkReduceOnlyPropagatesToDelta(t *testing.T) {
	l := New()
	require.NoError(t, l.RecordOrderPlaced(restingOrder("o-1", model.SideSell, "101", "1")))
	require.NoError(t, l.MarkReduceOnly("o-1"))

	delta, fresh := l.RecordFill(model.FillEvent{OrderID: "o-1", Side: model.SideSell, Price: dec("101"), Filled: dec("1")})
	require.True(t, fresh)
	assert.True(t, delta.ReduceOnly)
}
