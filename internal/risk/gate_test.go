package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		MaxPositionSize:   decimal.NewFromInt(10),
		MaxDailyLoss:      decimal.NewFromInt(100),
		EmergencyStopLoss: decimal.NewFromInt(300),
		MaxOpenOrders:     4,
	}
}

func TestAllowHedge(t *testing.T) {
	g := NewGate(testConfig())

	assert.Equal(t, ReasonNone, g.AllowHedge(decimal.NewFromInt(1), decimal.Zero))
	assert.Equal(t, ReasonPositionLimit, g.AllowHedge(decimal.NewFromInt(11), decimal.Zero))
	assert.Equal(t, ReasonNone, g.AllowHedge(decimal.NewFromInt(-10), decimal.Zero))

	// Exposure-reducing hedges pass even when exposure sits above the
	// cap, as long as the hedge can bring it back within range.
	assert.Equal(t, ReasonNone, g.AllowHedge(decimal.NewFromInt(2), decimal.NewFromInt(12)))
	assert.Equal(t, ReasonPositionLimit, g.AllowHedge(decimal.NewFromInt(2), decimal.NewFromInt(13)))
}

func TestAllowQuote(t *testing.T) {
	g := NewGate(testConfig())

	assert.Equal(t, ReasonNone, g.AllowQuote(0, decimal.Zero))
	assert.Equal(t, ReasonOrderLimit, g.AllowQuote(4, decimal.Zero))
	assert.Equal(t, ReasonPositionLimit, g.AllowQuote(0, decimal.NewFromInt(-11)))
}

func TestDailyLossHalts(t *testing.T) {
	g := NewGate(testConfig())

	g.RecordTrade(decimal.NewFromInt(-60))
	assert.False(t, g.Halted())
	assert.Equal(t, ReasonNone, g.AllowHedge(decimal.NewFromInt(1), decimal.Zero))

	g.RecordTrade(decimal.NewFromInt(-40))
	require.True(t, g.Halted())
	assert.Equal(t, ReasonHalted, g.AllowHedge(decimal.NewFromInt(1), decimal.Zero))
	assert.Equal(t, ReasonHalted, g.AllowQuote(0, decimal.Zero))

	st := g.Snapshot()
	assert.Equal(t, "-100.00", st.DailyPnL.StringFixed(2))
	assert.Contains(t, st.HaltReason, "daily loss")
}

func TestEmergencyStopHalts(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDailyLoss = decimal.Zero // disabled
	g := NewGate(cfg)

	g.RecordTrade(decimal.NewFromInt(-299))
	assert.False(t, g.Halted())
	g.RecordTrade(decimal.NewFromInt(-1))
	require.True(t, g.Halted())
	assert.Contains(t, g.Snapshot().HaltReason, "total loss")
}

func TestHaltIsStickyAcrossDayRoll(t *testing.T) {
	g := NewGate(testConfig())
	now := time.Date(2025, 3, 1, 23, 50, 0, 0, time.UTC)
	g.now = func() time.Time { return now }
	g.day = dateOf(now)

	g.RecordTrade(decimal.NewFromInt(-120))
	require.True(t, g.Halted())

	now = now.Add(20 * time.Minute) // crosses midnight UTC
	st := g.Snapshot()
	assert.True(t, st.Halted, "halt must survive the daily reset")
	assert.True(t, st.DailyPnL.IsZero(), "daily pnl resets at the date boundary")
	assert.Equal(t, "-120.00", st.TotalPnL.StringFixed(2))
}

func TestDailyRollRestoresQuoting(t *testing.T) {
	g := NewGate(testConfig())
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }
	g.day = dateOf(now)

	g.cfg.EmergencyStopLoss = decimal.NewFromInt(1000)
	g.RecordTrade(decimal.NewFromInt(-100))
	require.True(t, g.Halted())
	g.Reset()
	assert.Equal(t, ReasonDailyLoss, g.AllowQuote(0, decimal.Zero))

	now = now.Add(24 * time.Hour)
	assert.Equal(t, ReasonNone, g.AllowQuote(0, decimal.Zero))
}

func TestResetClearsHalt(t *testing.T) {
	g := NewGate(testConfig())
	g.Halt("manual")
	require.True(t, g.Halted())
	g.Reset()
	assert.False(t, g.Halted())
	assert.Empty(t, g.Snapshot().HaltReason)
}

func TestInFlightCounter(t *testing.T) {
	g := NewGate(testConfig())
	g.HedgeStarted()
	g.HedgeStarted()
	assert.Equal(t, 2, g.Snapshot().InFlight)
	g.HedgeFinished()
	g.HedgeFinished()
	g.HedgeFinished()
	assert.Equal(t, 0, g.Snapshot().InFlight)
}
