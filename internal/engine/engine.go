// Package engine wires the ledger, risk gate, feed, dispatcher and
// quoting controller into one run loop and owns startup, reconciliation
// and the ordered shutdown sequence.
package engine

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/bus"
	"main/internal/hedge"
	"main/internal/ledger"
	"main/internal/model"
	"main/internal/obs"
	"main/internal/quote"
	"main/internal/risk"
	"main/internal/venue"
)

const (
	closeAttempts = 3

	// closeOrderPrefix marks close-order client ids so reduce-only
	// intent survives a restart.
	closeOrderPrefix = "close-"

	// exposureStrikeLimit is how many consecutive verification breaches
	// trip the halt. One breach can be a snapshot racing a fill.
	exposureStrikeLimit = 2
)

// Config holds orchestration tunables.
type Config struct {
	Symbol             string
	StatusInterval     time.Duration
	HedgeWait          time.Duration
	VerifyInterval     time.Duration
	ExposureTolerance  decimal.Decimal
	FlattenOnExit      bool
	CloseSpreadPct     decimal.Decimal
	CloseRetryInterval time.Duration
	PricePrecision     int32
}

func (c *Config) applyDefaults() {
	if c.StatusInterval <= 0 {
		c.StatusInterval = time.Hour
	}
	if c.HedgeWait <= 0 {
		c.HedgeWait = 30 * time.Second
	}
	if c.VerifyInterval <= 0 {
		c.VerifyInterval = time.Minute
	}
	if c.ExposureTolerance.IsZero() {
		c.ExposureTolerance = decimal.RequireFromString("0.0001")
	}
	if c.CloseRetryInterval <= 0 {
		c.CloseRetryInterval = 10 * time.Second
	}
	if c.PricePrecision <= 0 {
		c.PricePrecision = 2
	}
}

// Runner is a long-lived component driven by the engine's context.
type Runner interface {
	Run(ctx context.Context)
}

// Deps are the engine's collaborators.
type Deps struct {
	Maker   venue.MakerAPI
	Market  venue.MarketData
	Hedger  venue.HedgeAPI
	Ledger  *ledger.Ledger
	Gate    *risk.Gate
	Queue   *bus.Queue
	Disp    *hedge.Dispatcher
	Quoter  *quote.Controller
	Metrics *obs.Metrics
	// Feed is optional; tests drive fills directly.
	Feed Runner
}

// Engine is the orchestrator.
type Engine struct {
	cfg Config
	dep Deps

	runCtx    context.Context
	queueDone chan struct{}

	statusMu   sync.Mutex
	lastStatus string
	lastLogged time.Time

	// exposureStrikes counts consecutive verification breaches. Touched
	// only by the verify goroutine.
	exposureStrikes int

	wg sync.WaitGroup
}

func New(cfg Config, dep Deps) *Engine {
	cfg.applyDefaults()
	e := &Engine{cfg: cfg, dep: dep}
	dep.Disp.OnConfirm(e.onHedgeConfirmed)
	return e
}

// SetFeed attaches the event feed. The feed's hooks point back into
// the engine, so it is wired after construction and before Run.
func (e *Engine) SetFeed(f Runner) {
	e.dep.Feed = f
}

// Run starts every component and blocks until the context is done,
// then executes the shutdown sequence.
func (e *Engine) Run(ctx context.Context) error {
	e.runCtx = ctx

	if err := e.preflight(ctx); err != nil {
		return errors.Wrap(err, "startup preflight")
	}

	e.dep.Disp.Start(ctx)

	// The queue consumer outlives the run context: events accepted
	// before shutdown must still be applied. It exits when shutdown
	// closes the queue and the buffer drains.
	e.queueDone = make(chan struct{})
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(e.queueDone)
		e.dep.Queue.Run(context.WithoutCancel(ctx), e.applyEvent)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dep.Quoter.Run(ctx)
	}()

	if e.dep.Feed != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.dep.Feed.Run(ctx)
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.statusLoop(ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.verifyLoop(ctx)
	}()

	<-ctx.Done()
	e.shutdown()
	e.wg.Wait()
	return nil
}

// preflight verifies both venues answer and seeds the ledger from
// their authoritative state.
func (e *Engine) preflight(ctx context.Context) error {
	price, err := e.dep.Market.CurrentPrice(ctx)
	if err != nil {
		return errors.Wrap(err, "maker venue price")
	}

	orders, err := e.dep.Maker.ListOpenOrders(ctx)
	if err != nil {
		return errors.Wrap(err, "maker venue open orders")
	}
	makerPos, err := e.dep.Maker.Position(ctx)
	if err != nil {
		return errors.Wrap(err, "maker venue position")
	}
	hedgePos, err := e.dep.Hedger.Position(ctx)
	if err != nil {
		return errors.Wrap(err, "hedge venue position")
	}

	e.dep.Ledger.Seed(orders)
	for _, o := range orders {
		if strings.HasPrefix(o.ClientID, closeOrderPrefix) {
			_ = e.dep.Ledger.MarkReduceOnly(o.ID)
		}
	}
	e.dep.Ledger.SetPosition(model.VenueMaker, makerPos)
	e.dep.Ledger.SetPosition(model.VenueHedge, hedgePos)

	logs.Infof("%s starting: price %s, %d open orders, maker pos %s, hedge pos %s",
		e.cfg.Symbol, price, len(orders), makerPos, hedgePos)

	if net := e.dep.Ledger.NetExposure(); net.Abs().GreaterThan(e.cfg.ExposureTolerance) {
		logs.Warnf("starting with non-flat net exposure %s", net)
	}
	return nil
}

// HandleFeedFill is the feed's fill hook. It must not block: a full
// queue means fills would be silently lost, which is a halt condition.
func (e *Engine) HandleFeedFill(f model.FillEvent) {
	if err := e.dep.Queue.TryPublish(model.FeedEvent{Fill: &f}); err != nil {
		e.dep.Metrics.IncQueueDrop()
		e.dep.Gate.Halt("fill queue rejected event " + f.Key() + ": " + err.Error())
	}
}

// HandleFeedCancel is the feed's cancel hook. Cancels ride the same
// queue as fills so a cancel can never be applied ahead of a fill that
// the venue reported first.
func (e *Engine) HandleFeedCancel(orderID string) {
	if err := e.dep.Queue.TryPublish(model.FeedEvent{Cancel: orderID}); err != nil {
		e.dep.Metrics.IncQueueDrop()
		e.dep.Gate.Halt("fill queue rejected cancel for " + orderID + ": " + err.Error())
	}
}

// HandleFeedFatal is the feed's terminal-failure hook.
func (e *Engine) HandleFeedFatal(reason string) {
	e.dep.Gate.Halt("order stream fatal: " + reason)
}

// applyEvent is the single consumer of the feed queue. All ledger
// mutations for stream events happen here, in arrival order.
func (e *Engine) applyEvent(ev model.FeedEvent) {
	if ev.Fill != nil {
		e.applyFill(*ev.Fill)
		return
	}
	if ev.Cancel == "" {
		return
	}
	if err := e.dep.Ledger.RecordCancel(ev.Cancel); err == nil {
		logs.Infof("order %s cancelled by venue", ev.Cancel)
	}
}

func (e *Engine) applyFill(f model.FillEvent) {
	delta, fresh := e.dep.Ledger.RecordFill(f)
	if !fresh {
		e.dep.Metrics.IncDuplicateFill()
		logs.Infof("duplicate fill event %s ignored", f.Key())
		return
	}
	if !delta.FilledDelta.IsPositive() {
		return
	}
	e.dep.Metrics.IncFill(f.Synthetic)

	origin := "feed"
	if f.Synthetic {
		origin = "reconciliation"
	}
	logs.Infof("fill (%s): %s %s @ %s, order %s now %s",
		origin, delta.Side, delta.FilledDelta, f.Price, f.OrderID, delta.State)

	if delta.ReduceOnly {
		// A close order executed; the maker leg shrank, so shrink the
		// hedge leg to match instead of hedging the fill. The unwind is
		// detached from the run context like any other hedge work.
		ctx := e.runCtx
		if ctx == nil {
			ctx = context.Background()
		}
		ctx = context.WithoutCancel(ctx)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.unwindHedge(ctx)
		}()
		return
	}

	task := model.HedgeTask{
		FillKey:    f.Key(),
		OrderID:    f.OrderID,
		Side:       f.Side.Opposite(),
		Qty:        delta.FilledDelta,
		MakerPrice: f.Price,
		MakerSide:  f.Side,
		CreatedAt:  time.Now(),
	}
	if err := e.dep.Disp.Submit(task); err != nil && err != hedge.ErrDuplicateTask {
		logs.Errorf("submit hedge for fill %s: %+v", f.Key(), err)
	}
}

// onHedgeConfirmed places a reduce-only close order on the maker venue
// so the spread is harvested by unwinding the position passively.
func (e *Engine) onHedgeConfirmed(task model.HedgeTask, _ venue.HedgeResult) {
	ctx := e.runCtx
	if ctx == nil || ctx.Err() != nil {
		return
	}

	price, err := e.dep.Market.CurrentPrice(ctx)
	if err != nil {
		logs.Errorf("close order for fill %s: no reference price: %+v", task.FillKey, err)
		return
	}

	// The close order trades in the hedge's direction, one close-spread
	// past the mark so it rests.
	offset := price.Mul(e.cfg.CloseSpreadPct)
	var closePrice decimal.Decimal
	if task.Side == model.SideSell {
		closePrice = price.Add(offset)
	} else {
		closePrice = price.Sub(offset)
	}
	closePrice = closePrice.Round(e.cfg.PricePrecision)

	req := venue.OrderRequest{
		ClientID:   closeOrderPrefix + task.FillKey,
		Side:       task.Side,
		Price:      closePrice,
		Qty:        task.Qty,
		ReduceOnly: true,
	}

	for attempt := 1; attempt <= closeAttempts; attempt++ {
		order, err := e.dep.Maker.PlaceOrder(ctx, req)
		if err == nil {
			if err := e.dep.Ledger.RecordOrderPlaced(order); err != nil {
				logs.Warnf("track close order %s: %+v", order.ID, err)
			}
			logs.Infof("close order resting: %s %s @ %s (%s)", req.Side, req.Qty, closePrice, order.ID)
			return
		}
		logs.Warnf("place close order for fill %s (attempt %d/%d): %+v",
			task.FillKey, attempt, closeAttempts, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.cfg.CloseRetryInterval):
		}
	}
	logs.Errorf("giving up on close order for fill %s; position unwinds on the next quote cycle", task.FillKey)
}

// unwindHedge flattens the hedge venue leg after a close order fills.
// Failure here leaves directional exposure, so exhausted retries halt.
func (e *Engine) unwindHedge(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	// Counts as in-flight hedge work so position verification skips the
	// window where the legs legitimately disagree.
	e.dep.Gate.HedgeStarted()
	defer e.dep.Gate.HedgeFinished()

	pos := e.dep.Ledger.Position(model.VenueHedge)
	if pos.Abs().LessThanOrEqual(e.cfg.ExposureTolerance) {
		return
	}

	side := model.SideSell
	if pos.IsNegative() {
		side = model.SideBuy
	}
	qty := pos.Abs()
	logs.Infof("unwinding hedge leg: %s %s", side, qty)

	for attempt := 1; attempt <= closeAttempts; attempt++ {
		_, err := e.dep.Hedger.PlaceHedgeOrder(ctx, side, qty)
		if err == nil {
			actual, perr := e.dep.Hedger.Position(ctx)
			if perr != nil {
				logs.Warnf("verify hedge unwind: %+v", perr)
				actual = decimal.Zero
			}
			e.dep.Ledger.SetPosition(model.VenueHedge, actual)
			if actual.Abs().LessThanOrEqual(e.cfg.ExposureTolerance) {
				logs.Info("hedge leg flat")
				return
			}
			logs.Warnf("hedge leg still %s after unwind attempt %d", actual, attempt)
		} else {
			logs.Warnf("unwind hedge (attempt %d/%d): %+v", attempt, closeAttempts, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	e.dep.Gate.Halt("failed to unwind hedge position " + pos.String())
}

// Reconcile diffs the venue's authoritative open-order state against
// the ledger and replays anything that filled while the feed was down.
// It runs after every successful re-subscribe, before streaming
// resumes. REST failures return an error so the session retries; state
// mismatches halt instead.
func (e *Engine) Reconcile(ctx context.Context) error {
	remote, err := e.dep.Maker.ListOpenOrders(ctx)
	if err != nil {
		return errors.Wrap(err, "list open orders")
	}
	remotePos, err := e.dep.Maker.Position(ctx)
	if err != nil {
		return errors.Wrap(err, "query maker position")
	}

	remoteByID := make(map[string]model.Order, len(remote))
	for _, o := range remote {
		remoteByID[o.ID] = o
	}

	// Pass 1: still-open orders whose remote fill exceeds ours.
	synthesized := 0
	for _, r := range remote {
		local, ok := e.dep.Ledger.Order(r.ID)
		if !ok {
			// The venue knows an order we do not track, most likely
			// placed in a previous run. Adopt it.
			if err := e.dep.Ledger.RecordOrderPlaced(r); err == nil {
				if strings.HasPrefix(r.ClientID, closeOrderPrefix) {
					_ = e.dep.Ledger.MarkReduceOnly(r.ID)
				}
				logs.Warnf("adopted untracked open order %s", r.ID)
			}
			local = r
			local.FilledQty = decimal.Zero
		}
		if r.FilledQty.GreaterThan(local.FilledQty) {
			e.applyFill(model.FillEvent{
				OrderID:   r.ID,
				Side:      r.Side,
				Price:     r.Price,
				OrderQty:  r.Qty,
				Filled:    r.FilledQty,
				Synthetic: true,
			})
			synthesized++
		}
	}

	// Pass 2: orders we track that the venue no longer lists. Each one
	// either filled completely or was cancelled during the outage; the
	// venue position decides which story fits.
	diff := remotePos.Sub(e.dep.Ledger.Position(model.VenueMaker))
	for _, local := range e.dep.Ledger.ActiveOrders() {
		if _, ok := remoteByID[local.ID]; ok {
			continue
		}
		signedRem := local.Remaining()
		if local.Side == model.SideSell {
			signedRem = signedRem.Neg()
		}
		if !diff.IsZero() && diff.Sign() == signedRem.Sign() && signedRem.Abs().LessThanOrEqual(diff.Abs()) {
			e.applyFill(model.FillEvent{
				OrderID:   local.ID,
				Side:      local.Side,
				Price:     local.Price,
				OrderQty:  local.Qty,
				Filled:    local.Qty,
				Synthetic: true,
			})
			synthesized++
			diff = diff.Sub(signedRem)
		} else {
			logs.Infof("order %s vanished during outage, treating as cancelled", local.ID)
			_ = e.dep.Ledger.RecordCancel(local.ID)
		}
	}

	residual := remotePos.Sub(e.dep.Ledger.Position(model.VenueMaker))
	if residual.Abs().GreaterThan(e.cfg.ExposureTolerance) {
		e.dep.Gate.Halt("reconciliation mismatch: venue position " + remotePos.String() +
			" vs ledger " + e.dep.Ledger.Position(model.VenueMaker).String())
		return nil
	}

	if synthesized > 0 {
		logs.Infof("reconciliation synthesized %d fill events", synthesized)
	} else {
		logs.Info("reconciliation clean")
	}
	return nil
}

// shutdown is the ordered teardown: stop quoting, pull resting orders,
// drain the feed queue, wait out in-flight hedges, optionally flatten
// the hedge leg.
func (e *Engine) shutdown() {
	logs.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	e.dep.Quoter.Pause()
	e.dep.Quoter.CancelAll(ctx)

	// Fills already accepted must reach the dispatcher before its
	// intake closes. Closing the queue lets the consumer finish the
	// buffer and exit.
	e.dep.Queue.Close()
	select {
	case <-e.queueDone:
	case <-time.After(e.cfg.HedgeWait):
		logs.Errorf("fill queue did not drain within %s", e.cfg.HedgeWait)
	}

	if !e.dep.Disp.Wait(e.cfg.HedgeWait) {
		logs.Errorf("hedge tasks still pending after %s, leaving them unresolved", e.cfg.HedgeWait)
	}
	e.dep.Disp.Stop()

	if e.cfg.FlattenOnExit {
		e.flatten(ctx)
	}

	logs.Infof("final state: %s", e.buildStatus(ctx))
}

// flatten market-closes the hedge leg. The maker leg cannot be closed
// passively at shutdown; it is reported for the operator instead.
func (e *Engine) flatten(ctx context.Context) {
	pos, err := e.dep.Hedger.Position(ctx)
	if err != nil {
		logs.Errorf("flatten: query hedge position: %+v", err)
		return
	}
	if pos.Abs().LessThanOrEqual(e.cfg.ExposureTolerance) {
		logs.Info("flatten: hedge leg already flat")
	} else {
		side := model.SideSell
		if pos.IsNegative() {
			side = model.SideBuy
		}
		if _, err := e.dep.Hedger.PlaceHedgeOrder(ctx, side, pos.Abs()); err != nil {
			logs.Errorf("flatten: close hedge leg %s: %+v", pos, err)
		} else {
			e.dep.Ledger.SetPosition(model.VenueHedge, decimal.Zero)
			logs.Infof("flatten: closed hedge leg %s", pos)
		}
	}

	if maker := e.dep.Ledger.Position(model.VenueMaker); !maker.IsZero() {
		logs.Warnf("maker position %s remains open, manual close required", maker)
	}
}

// statusLoop logs the status line whenever it changes, and at least
// once per StatusInterval as a heartbeat.
func (e *Engine) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			line := e.buildStatus(ctx)
			e.statusMu.Lock()
			changed := line != e.lastStatus
			stale := time.Since(e.lastLogged) >= e.cfg.StatusInterval
			if changed || stale {
				e.lastStatus = line
				e.lastLogged = time.Now()
				e.statusMu.Unlock()
				logs.Infof("status: %s", line)
				continue
			}
			e.statusMu.Unlock()
		}
	}
}

func (e *Engine) buildStatus(ctx context.Context) string {
	priceStr := "n/a"
	if price, err := e.dep.Market.CurrentPrice(ctx); err == nil {
		priceStr = price.String()
	}
	rs := e.dep.Gate.Snapshot()
	var b strings.Builder
	b.WriteString(e.cfg.Symbol)
	b.WriteString(" price=")
	b.WriteString(priceStr)
	b.WriteString(" orders=")
	b.WriteString(strconv.Itoa(len(e.dep.Ledger.ActiveOrders())))
	b.WriteString(" maker=")
	b.WriteString(e.dep.Ledger.Position(model.VenueMaker).String())
	b.WriteString(" hedge=")
	b.WriteString(e.dep.Ledger.Position(model.VenueHedge).String())
	b.WriteString(" dailyPnL=")
	b.WriteString(rs.DailyPnL.StringFixed(4))
	b.WriteString(" totalPnL=")
	b.WriteString(rs.TotalPnL.StringFixed(4))
	b.WriteString(" trades=")
	b.WriteString(strconv.Itoa(rs.TradeCount))
	if rs.Halted {
		b.WriteString(" HALTED(")
		b.WriteString(rs.HaltReason)
		b.WriteString(")")
	}
	return b.String()
}

// verifyLoop periodically replaces ledger positions with the venues'
// authoritative values and halts on unexplained exposure.
func (e *Engine) verifyLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.VerifyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.verifyPositions(ctx)
		}
	}
}

// busy reports whether hedge work is in flight or fills are still
// queued, windows where the legs legitimately disagree.
func (e *Engine) busy() bool {
	return e.dep.Gate.Snapshot().InFlight > 0 || e.dep.Queue.Len() > 0
}

func (e *Engine) verifyPositions(ctx context.Context) {
	if e.busy() {
		return
	}

	makerPos, err := e.dep.Maker.Position(ctx)
	if err != nil {
		logs.Warnf("verify: maker position: %+v", err)
		return
	}
	hedgePos, err := e.dep.Hedger.Position(ctx)
	if err != nil {
		logs.Warnf("verify: hedge position: %+v", err)
		return
	}

	// A hedge that started while the venues were answering makes the
	// snapshot torn; discard it.
	if e.busy() {
		return
	}

	e.dep.Ledger.SetPosition(model.VenueMaker, makerPos)
	e.dep.Ledger.SetPosition(model.VenueHedge, hedgePos)

	net := makerPos.Add(hedgePos)
	if net.Abs().LessThanOrEqual(e.cfg.ExposureTolerance) {
		e.exposureStrikes = 0
		return
	}

	e.exposureStrikes++
	if e.exposureStrikes < exposureStrikeLimit {
		logs.Warnf("net exposure %s exceeds tolerance %s (breach %d/%d)",
			net, e.cfg.ExposureTolerance, e.exposureStrikes, exposureStrikeLimit)
		return
	}
	e.dep.Gate.Halt("net exposure " + net.String() + " exceeds tolerance " + e.cfg.ExposureTolerance.String())
}
