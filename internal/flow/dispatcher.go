package flow

import (
	"context"
	"sync"
	"time"

	"github.com/bjo163/zapflow/internal/errs"
	"github.com/bjo163/zapflow/internal/metrics"
	"github.com/bjo163/zapflow/internal/outbound"
	"github.com/bjo163/zapflow/internal/repository"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	apologyTimeout = 15 * time.Second
	overloadRetry  = time.Second
)

// ErrDispatcherClosed is returned by Dispatch once Shutdown has begun.
var ErrDispatcherClosed = errors.New("flow dispatcher closed")

// Dispatcher picks the flow that answers an inbound message and runs it on
// a goroutine pool, away from the connection's event loop. Submitting never
// blocks: a full pool fails fast, and runs suspended by a delay wait on a
// timer rather than a worker.
type Dispatcher struct {
	flows    repository.FlowRepository
	messages repository.MessageRepository
	engine   *Engine
	sender   Sender
	metrics  *metrics.Metrics
	pool     *ants.Pool

	ctx     context.Context
	cancel  context.CancelFunc
	release sync.Once

	// mu guards closed and timers, and orders runs.Add before runs.Wait.
	mu     sync.Mutex
	closed bool
	timers map[string]*time.Timer
	runs   sync.WaitGroup
}

func NewDispatcher(
	flows repository.FlowRepository,
	messages repository.MessageRepository,
	engine *Engine,
	sender Sender,
	workers int,
	m *metrics.Metrics,
) (*Dispatcher, error) {
	if workers <= 0 {
		workers = 256
	}
	pool, err := ants.NewPool(workers,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p interface{}) {
			zap.L().Error("flow: run panicked", zap.String("namespace", "flow"), zap.Any("panic", p))
		}))
	if err != nil {
		return nil, errors.Wrap(err, "create flow pool")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		flows:    flows,
		messages: messages,
		engine:   engine,
		sender:   sender,
		metrics:  m,
		pool:     pool,
		ctx:      ctx,
		cancel:   cancel,
		timers:   make(map[string]*time.Timer),
	}, nil
}

// Dispatch answers in. With no active flow the tenant gets the welcome text
// and no graph is loaded. Otherwise the first matching flow by priority is
// started in the background, or the default responder answers. Errors are
// returned only for the synchronous part; a full pool yields
// ants.ErrPoolOverload and a closing dispatcher ErrDispatcherClosed.
func (d *Dispatcher) Dispatch(ctx context.Context, in Inbound) error {
	if d.isClosed() {
		return ErrDispatcherClosed
	}
	n, err := d.flows.CountActive(ctx, in.TenantID)
	if err != nil {
		return err
	}
	if n == 0 {
		d.metrics.FlowRun("welcome")
		return d.reply(ctx, in, WelcomeText)
	}

	stored, err := d.flows.ListActive(ctx, in.TenantID)
	if err != nil {
		return err
	}
	graphs := make([]*Graph, 0, len(stored))
	for _, fg := range stored {
		g, err := Compile(fg)
		if err != nil {
			zap.L().Warn("flow: skipping malformed flow",
				zap.String("namespace", "flow"), zap.Int64("flow_id", fg.ID), zap.Error(err))
			continue
		}
		graphs = append(graphs, g)
	}

	g := Select(graphs, in.Text, d.inboundCounter(ctx, in.ContactID))
	if g == nil {
		d.metrics.FlowRun("default")
		return d.reply(ctx, in, DefaultReply(in.Text))
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	d.runs.Add(1)
	d.mu.Unlock()
	if err := d.pool.Submit(func() { d.start(g, in) }); err != nil {
		d.runs.Done()
		if errors.Is(err, ants.ErrPoolOverload) {
			d.metrics.FlowRun("overloaded")
		}
		return errors.Wrap(err, "submit flow run")
	}
	return nil
}

func (d *Dispatcher) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Select returns the first graph, in the given order, whose trigger matches.
func Select(graphs []*Graph, text string, inboundCount func() int64) *Graph {
	for _, g := range graphs {
		if g.TriggerConfig().Matches(text, inboundCount) {
			return g
		}
	}
	return nil
}

func (d *Dispatcher) inboundCounter(ctx context.Context, contactID int64) func() int64 {
	var once sync.Once
	var n int64
	return func() int64 {
		once.Do(func() {
			c, err := d.messages.CountInboundByContact(ctx, contactID)
			if err != nil {
				zap.L().Warn("flow: inbound count failed", zap.String("namespace", "flow"),
					zap.Int64("contact_id", contactID), zap.Error(err))
				return
			}
			n = c
		})
		return n
	}
}

// start executes a fresh run. Each run holds one count on d.runs from
// Dispatch until it completes, fails or is cancelled, suspensions included.
func (d *Dispatcher) start(g *Graph, in Inbound) {
	started := time.Now()
	run, err := d.engine.Execute(d.ctx, g, in)
	d.settle(run, err, started)
}

func (d *Dispatcher) resume(run *Run) {
	started := time.Now()
	err := d.engine.Resume(d.ctx, run)
	d.settle(run, err, started)
}

func (d *Dispatcher) settle(run *Run, err error, started time.Time) {
	if err == nil && run.Suspended() {
		d.park(run)
		return
	}
	defer d.runs.Done()
	g := run.Flow
	if err == nil {
		d.metrics.FlowRun("completed")
		zap.L().Info("flow: run completed",
			zap.String("namespace", "flow"),
			zap.String("run_id", run.ID),
			zap.Int64("flow_id", g.ID),
			zap.Int("steps", run.Steps),
			zap.Duration("elapsed", time.Since(started)))
		return
	}
	if d.ctx.Err() != nil {
		d.metrics.FlowRun("cancelled")
		return
	}

	outcome := "failed"
	switch {
	case errors.Is(err, errs.ErrStepLimit):
		outcome = "step_limit"
	case errs.IsMalformed(err):
		outcome = "malformed"
	}
	d.metrics.FlowRun(outcome)
	zap.L().Error("flow: run aborted",
		zap.String("namespace", "flow"),
		zap.String("run_id", run.ID),
		zap.Int64("flow_id", g.ID),
		zap.String("outcome", outcome),
		zap.Int("sent", run.Sent),
		zap.Error(err))

	if run.Sent == 0 {
		ctx, cancel := context.WithTimeout(d.ctx, apologyTimeout)
		defer cancel()
		if err := d.reply(ctx, run.In, ApologyText); err != nil {
			zap.L().Warn("flow: apology not delivered", zap.String("namespace", "flow"),
				zap.String("run_id", run.ID), zap.Error(err))
		}
	}
}

// park arms a timer that puts the run back on the pool after its delay.
func (d *Dispatcher) park(run *Run) {
	d.schedule(run, run.WakeAfter())
	zap.L().Debug("flow: run suspended",
		zap.String("namespace", "flow"),
		zap.String("run_id", run.ID),
		zap.Int64("flow_id", run.Flow.ID),
		zap.Duration("wake_after", run.WakeAfter()))
}

func (d *Dispatcher) schedule(run *Run, after time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.metrics.FlowRun("cancelled")
		d.runs.Done()
		return
	}
	d.timers[run.ID] = time.AfterFunc(after, func() { d.wake(run) })
}

func (d *Dispatcher) wake(run *Run) {
	d.mu.Lock()
	_, pending := d.timers[run.ID]
	delete(d.timers, run.ID)
	closed := d.closed
	d.mu.Unlock()
	if !pending {
		return
	}
	if closed {
		d.metrics.FlowRun("cancelled")
		d.runs.Done()
		return
	}
	err := d.pool.Submit(func() { d.resume(run) })
	switch {
	case err == nil:
	case errors.Is(err, ants.ErrPoolOverload):
		zap.L().Warn("flow: pool full, retrying suspended run",
			zap.String("namespace", "flow"), zap.String("run_id", run.ID))
		d.schedule(run, overloadRetry)
	default:
		d.metrics.FlowRun("cancelled")
		d.runs.Done()
	}
}

func (d *Dispatcher) reply(ctx context.Context, in Inbound, text string) error {
	_, err := d.sender.Send(ctx, outbound.Message{
		ConnectionID:   in.ConnectionID,
		ConversationID: in.ConversationID,
		ContactID:      in.ContactID,
		To:             in.Phone,
		Text:           text,
	})
	return err
}

// Wait blocks until every started run and its webhook posts have finished.
func (d *Dispatcher) Wait() {
	d.runs.Wait()
	d.engine.Wait()
}

// Shutdown refuses new dispatches, drops suspended runs and cancels the ones
// in progress, then releases the pool. Calling it again only waits.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	for id, t := range d.timers {
		// A timer that already fired settles the run itself in wake.
		if t.Stop() {
			delete(d.timers, id)
			d.metrics.FlowRun("cancelled")
			d.runs.Done()
		}
	}
	d.mu.Unlock()
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.Wait()
		close(done)
	}()
	defer d.release.Do(d.pool.Release)
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Suspended is the number of runs waiting out a delay.
func (d *Dispatcher) Suspended() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}
