// Package risk evaluates every quoting and hedging action against the
// configured limits. The gate only answers allow/deny; callers decide
// what a denial means for them.
package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"
)

// Config defines the trading limits.
type Config struct {
	// MaxPositionSize caps the absolute net exposure.
	MaxPositionSize decimal.Decimal
	// MaxDailyLoss is a positive amount; the gate denies once the
	// running daily PnL drops below its negation.
	MaxDailyLoss decimal.Decimal
	// EmergencyStopLoss is a positive amount; total PnL below its
	// negation halts the process.
	EmergencyStopLoss decimal.Decimal
	// MaxOpenOrders caps concurrently resting maker orders.
	MaxOpenOrders int
}

// Reason explains a gate denial.
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonHalted
	ReasonPositionLimit
	ReasonDailyLoss
	ReasonOrderLimit
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonHalted:
		return "halted"
	case ReasonPositionLimit:
		return "position_limit"
	case ReasonDailyLoss:
		return "daily_loss"
	case ReasonOrderLimit:
		return "order_limit"
	default:
		return "unknown"
	}
}

// Status is a snapshot of the risk state for status reporting.
type Status struct {
	Halted     bool
	HaltReason string
	DailyPnL   decimal.Decimal
	TotalPnL   decimal.Decimal
	TradeCount int
	InFlight   int
}

// Gate owns the process-wide risk state. The halted flag is sticky:
// only an explicit operator Reset clears it.
type Gate struct {
	mu         sync.Mutex
	cfg        Config
	dailyPnL   decimal.Decimal
	totalPnL   decimal.Decimal
	tradeCount int
	inFlight   int
	day        time.Time
	halted     bool
	haltReason string
	now        func() time.Time
}

func NewGate(cfg Config) *Gate {
	g := &Gate{cfg: cfg, now: time.Now}
	g.day = dateOf(g.now())
	return g
}

// AllowHedge reports whether a hedge of the given quantity may be
// submitted on top of the current net exposure.
func (g *Gate) AllowHedge(qty, exposure decimal.Decimal) Reason {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollDayLocked()

	if g.halted {
		return ReasonHalted
	}
	if g.cfg.MaxPositionSize.IsPositive() {
		if qty.Abs().GreaterThan(g.cfg.MaxPositionSize) {
			return ReasonPositionLimit
		}
		// A hedge that reduces exposure always passes; deny only when
		// even a full offset would leave exposure above the cap.
		if exposure.Abs().Sub(qty.Abs()).GreaterThan(g.cfg.MaxPositionSize) {
			return ReasonPositionLimit
		}
	}
	if g.dailyLossBreachedLocked() {
		return ReasonDailyLoss
	}
	return ReasonNone
}

// AllowQuote reports whether new resting orders may be placed.
func (g *Gate) AllowQuote(openOrders int, exposure decimal.Decimal) Reason {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollDayLocked()

	if g.halted {
		return ReasonHalted
	}
	if g.cfg.MaxOpenOrders > 0 && openOrders >= g.cfg.MaxOpenOrders {
		return ReasonOrderLimit
	}
	if g.cfg.MaxPositionSize.IsPositive() && exposure.Abs().GreaterThan(g.cfg.MaxPositionSize) {
		return ReasonPositionLimit
	}
	if g.dailyLossBreachedLocked() {
		return ReasonDailyLoss
	}
	return ReasonNone
}

// RecordTrade accrues one trade's realized PnL and trips the halt when
// a loss floor is crossed.
func (g *Gate) RecordTrade(pnl decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollDayLocked()

	g.dailyPnL = g.dailyPnL.Add(pnl)
	g.totalPnL = g.totalPnL.Add(pnl)
	g.tradeCount++

	if g.dailyLossBreachedLocked() {
		g.haltLocked("daily loss limit reached: " + g.dailyPnL.StringFixed(2))
	}
	if g.cfg.EmergencyStopLoss.IsPositive() && g.totalPnL.LessThanOrEqual(g.cfg.EmergencyStopLoss.Neg()) {
		g.haltLocked("total loss limit reached: " + g.totalPnL.StringFixed(2))
	}
}

// HedgeStarted / HedgeFinished track the in-flight hedge counter.
func (g *Gate) HedgeStarted() {
	g.mu.Lock()
	g.inFlight++
	g.mu.Unlock()
}

func (g *Gate) HedgeFinished() {
	g.mu.Lock()
	if g.inFlight > 0 {
		g.inFlight--
	}
	g.mu.Unlock()
}

// Halt forces the sticky halted state.
func (g *Gate) Halt(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.haltLocked(reason)
}

// Halted reports the sticky halt flag.
func (g *Gate) Halted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.halted
}

// Reset clears the halt flag. Operator-driven only; nothing in the
// engine calls this.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.halted {
		logs.Warnf("risk halt reset by operator, previous reason: %s", g.haltReason)
	}
	g.halted = false
	g.haltReason = ""
}

// Snapshot returns the current risk state.
func (g *Gate) Snapshot() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollDayLocked()
	return Status{
		Halted:     g.halted,
		HaltReason: g.haltReason,
		DailyPnL:   g.dailyPnL,
		TotalPnL:   g.totalPnL,
		TradeCount: g.tradeCount,
		InFlight:   g.inFlight,
	}
}

func (g *Gate) haltLocked(reason string) {
	if g.halted {
		return
	}
	g.halted = true
	g.haltReason = reason
	logs.Errorf("CRITICAL: trading halted: %s", reason)
}

func (g *Gate) dailyLossBreachedLocked() bool {
	return g.cfg.MaxDailyLoss.IsPositive() && g.dailyPnL.LessThanOrEqual(g.cfg.MaxDailyLoss.Neg())
}

// rollDayLocked resets the daily PnL at the UTC date boundary. The
// halted flag survives the roll.
func (g *Gate) rollDayLocked() {
	today := dateOf(g.now())
	if today.After(g.day) {
		logs.Infof("new trading day, resetting daily PnL (previous: %s)", g.dailyPnL.StringFixed(2))
		g.dailyPnL = decimal.Zero
		g.day = today
	}
}

func dateOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
