// Package hedge turns applied maker fills into offsetting orders on the
// hedge venue. Each fill maps to at most one hedge task; a task either
// confirms or trips the risk halt. Nothing here places a second hedge
// for the same fill, ever.
package hedge

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/ledger"
	"main/internal/model"
	"main/internal/obs"
	"main/internal/risk"
	"main/internal/venue"
)

var (
	ErrDuplicateTask     = errors.New("hedge already scheduled for fill")
	ErrDispatcherStopped = errors.New("hedge dispatcher stopped")
)

// Recorder persists confirmed hedges. Implementations must tolerate
// being called from the worker goroutine.
type Recorder interface {
	RecordHedge(ctx context.Context, task model.HedgeTask, result venue.HedgeResult) error
}

// Config tunes the dispatcher.
type Config struct {
	// MaxAttempts bounds submissions per task before the halt trips.
	MaxAttempts int
	// RetryBackoff is multiplied by the attempt number between retries.
	RetryBackoff time.Duration
	// TaskTimeout bounds one task end to end, retries included.
	TaskTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 30 * time.Second
	}
}

// Dispatcher owns the hedge task lifecycle. A single worker drains the
// queue so hedges reach the venue in fill order.
type Dispatcher struct {
	cfg     Config
	api     venue.HedgeAPI
	led     *ledger.Ledger
	gate    *risk.Gate
	rec     Recorder
	metrics *obs.Metrics

	// onConfirm runs after a hedge is confirmed and booked, outside the
	// task map lock. The engine hangs close-order placement off it.
	onConfirm func(task model.HedgeTask, result venue.HedgeResult)

	mu      sync.Mutex
	tasks   map[string]model.HedgeStatus
	ch      chan model.HedgeTask
	stopped bool

	pending sync.WaitGroup
	worker  sync.WaitGroup
}

func NewDispatcher(cfg Config, api venue.HedgeAPI, led *ledger.Ledger, gate *risk.Gate, rec Recorder, metrics *obs.Metrics) *Dispatcher {
	cfg.applyDefaults()
	return &Dispatcher{
		cfg:     cfg,
		api:     api,
		led:     led,
		gate:    gate,
		rec:     rec,
		metrics: metrics,
		tasks:   make(map[string]model.HedgeStatus),
		ch:      make(chan model.HedgeTask, 256),
	}
}

// OnConfirm registers the confirmation callback. Must be called before
// Start.
func (d *Dispatcher) OnConfirm(fn func(task model.HedgeTask, result venue.HedgeResult)) {
	d.onConfirm = fn
}

// Start launches the worker. Tasks run detached from the run context:
// cancelling it must never abort a hedge in flight, an abandoned hedge
// is worse than a late one. Each task is bounded by TaskTimeout
// instead; Stop closes the intake.
func (d *Dispatcher) Start(ctx context.Context) {
	base := context.WithoutCancel(ctx)
	d.worker.Add(1)
	go func() {
		defer d.worker.Done()
		for task := range d.ch {
			taskCtx, cancel := context.WithTimeout(base, d.cfg.TaskTimeout)
			d.process(taskCtx, task)
			cancel()
		}
	}()
}

// Submit schedules a hedge for one applied fill. The fill key makes
// this idempotent: the second submission for the same key is rejected.
func (d *Dispatcher) Submit(task model.HedgeTask) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return ErrDispatcherStopped
	}
	if _, ok := d.tasks[task.FillKey]; ok {
		d.mu.Unlock()
		return ErrDuplicateTask
	}
	task.Status = model.HedgeQueued
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	d.tasks[task.FillKey] = model.HedgeQueued
	d.pending.Add(1)
	d.mu.Unlock()

	select {
	case d.ch <- task:
		return nil
	default:
		// The queue is sized far beyond any realistic burst; treat
		// overflow as an unhedgeable fill.
		d.setStatus(task.FillKey, model.HedgeFailed)
		d.pending.Done()
		d.gate.Halt("hedge queue overflow, fill " + task.FillKey + " unhedged")
		return errors.New("hedge queue full")
	}
}

// Stop closes the intake. Queued tasks still run to completion.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.ch)
	d.mu.Unlock()
	d.worker.Wait()
}

// Wait blocks until every submitted task reached a terminal status or
// the timeout elapses. Returns false on timeout.
func (d *Dispatcher) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		d.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Status returns the task status for a fill key.
func (d *Dispatcher) Status(fillKey string) (model.HedgeStatus, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.tasks[fillKey]
	return s, ok
}

func (d *Dispatcher) setStatus(fillKey string, s model.HedgeStatus) {
	d.mu.Lock()
	d.tasks[fillKey] = s
	d.mu.Unlock()
}

func (d *Dispatcher) process(ctx context.Context, task model.HedgeTask) {
	defer d.pending.Done()
	d.gate.HedgeStarted()
	defer d.gate.HedgeFinished()

	if reason := d.gate.AllowHedge(task.Qty, d.led.NetExposure()); reason != risk.ReasonNone {
		d.setStatus(task.FillKey, model.HedgeFailed)
		d.metrics.IncHedgeFailed()
		d.gate.Halt("hedge denied (" + reason.String() + "), fill " + task.FillKey + " unhedged")
		return
	}

	d.setStatus(task.FillKey, model.HedgeSubmitted)
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		task.Attempts = attempt
		d.metrics.IncHedgeSubmitted()
		result, err := d.api.PlaceHedgeOrder(ctx, task.Side, task.Qty)
		if err == nil {
			d.confirm(ctx, task, result)
			return
		}

		logs.Warnf("hedge attempt %d/%d for fill %s failed: %+v",
			attempt, d.cfg.MaxAttempts, task.FillKey, err)
		if attempt < d.cfg.MaxAttempts {
			d.metrics.IncHedgeRetry()
			select {
			case <-ctx.Done():
			case <-time.After(time.Duration(attempt) * d.cfg.RetryBackoff):
			}
		}
	}

	d.setStatus(task.FillKey, model.HedgeFailed)
	d.metrics.IncHedgeFailed()
	d.gate.Halt("hedge failed after " + strconv.Itoa(d.cfg.MaxAttempts) + " attempts, fill " + task.FillKey + " unhedged")
}

func (d *Dispatcher) confirm(ctx context.Context, task model.HedgeTask, result venue.HedgeResult) {
	task.Status = model.HedgeConfirmed
	task.Price = result.AvgPrice

	pnl := d.led.ApplyHedgeFill(task)
	d.gate.RecordTrade(pnl)
	d.setStatus(task.FillKey, model.HedgeConfirmed)
	d.metrics.IncHedgeConfirmed()
	d.metrics.ObserveHedgeLatency(time.Since(task.CreatedAt))

	logs.Infof("hedged fill %s: %s %s @ %s, pnl %s",
		task.FillKey, task.Side, task.Qty, result.AvgPrice, pnl.StringFixed(4))

	if d.rec != nil {
		if err := d.rec.RecordHedge(ctx, task, result); err != nil {
			logs.Errorf("record hedge %s: %+v", task.FillKey, err)
		}
	}
	if d.onConfirm != nil {
		d.onConfirm(task, result)
	}
}
