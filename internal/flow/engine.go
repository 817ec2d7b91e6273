// Package flow selects and executes the automation flows that answer inbound
// messages.
package flow

import (
	"context"
	"sync"
	"time"

	"github.com/bjo163/zapflow/internal/ai"
	"github.com/bjo163/zapflow/internal/domain"
	"github.com/bjo163/zapflow/internal/errs"
	"github.com/bjo163/zapflow/internal/metrics"
	"github.com/bjo163/zapflow/internal/outbound"
	"github.com/bjo163/zapflow/internal/repository"
	"github.com/bjo163/zapflow/internal/webhook"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultMaxSteps bounds a run that loops through its graph.
const DefaultMaxSteps = 100

// Sender delivers a reply inside a conversation.
type Sender interface {
	Send(ctx context.Context, msg outbound.Message) (*domain.Message, error)
}

// WebhookPoster delivers a webhook envelope.
type WebhookPoster interface {
	Deliver(ctx context.Context, url string, env webhook.Envelope) error
}

// Inbound is the message a flow run answers.
type Inbound struct {
	TenantID       int64
	ConnectionID   int64
	ConversationID int64
	ContactID      int64
	MessageID      int64
	Phone          string
	ContactName    string
	Text           string
}

// Run is the execution context of one flow run.
type Run struct {
	ID    string
	Flow  *Graph
	In    Inbound
	Vars  map[string]interface{}
	Sent  int
	Steps int

	tags       []string
	tagsLoaded bool

	resumeAt  string
	wakeAfter time.Duration
}

// Suspended reports whether a delay node parked the run. Engine.Resume
// continues it once WakeAfter has passed.
func (r *Run) Suspended() bool { return r.resumeAt != "" }

func (r *Run) WakeAfter() time.Duration { return r.wakeAfter }

// suspend parks the run for d; the engine records where to continue.
func (r *Run) suspend(d time.Duration) { r.wakeAfter = d }

func newRun(g *Graph, in Inbound) *Run {
	name := in.ContactName
	if name == "" {
		name = "amigo"
	}
	return &Run{
		ID:   uuid.NewString(),
		Flow: g,
		In:   in,
		Vars: map[string]interface{}{
			"nome":     name,
			"mensagem": in.Text,
		},
	}
}

// NodeHandler executes one kind of node. Handle returns the index of the
// outgoing edge to follow; an index without an edge ends the run.
type NodeHandler interface {
	Name() string
	CanHandle(n *Node) bool
	Handle(ctx context.Context, run *Run, n *Node) (int, error)
}

type Deps struct {
	Sender   Sender
	Webhooks WebhookPoster
	// AI may be nil; ai nodes then answer with ProcessingText.
	AI      ai.Generator
	Tags    repository.TagRepository
	Metrics *metrics.Metrics
}

// Engine interprets flow graphs node by node.
type Engine struct {
	deps     Deps
	maxSteps int
	handlers []NodeHandler
	hooks    sync.WaitGroup
}

func NewEngine(deps Deps, maxSteps int) *Engine {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	e := &Engine{deps: deps, maxSteps: maxSteps}
	e.Register(&triggerHandler{})
	e.Register(&messageHandler{e: e})
	e.Register(&webhookHandler{e: e})
	e.Register(&conditionHandler{e: e})
	e.Register(&aiHandler{e: e})
	e.Register(&delayHandler{})
	e.Register(&tagHandler{e: e})
	return e
}

// Register adds a handler. Handlers are asked in registration order.
func (e *Engine) Register(h NodeHandler) {
	e.handlers = append(e.handlers, h)
}

func (e *Engine) handlerFor(n *Node) NodeHandler {
	for _, h := range e.handlers {
		if h.CanHandle(n) {
			return h
		}
	}
	return nil
}

// Execute walks g from the trigger's successor until a node has no edge to
// follow or a delay node suspends the run. The returned Run is never nil.
func (e *Engine) Execute(ctx context.Context, g *Graph, in Inbound) (*Run, error) {
	run := newRun(g, in)
	cur := ""
	if len(g.Trigger.Next) > 0 {
		cur = g.Trigger.Next[0]
	}
	return run, e.walk(ctx, run, cur)
}

// Resume continues a suspended run at the node after its delay.
func (e *Engine) Resume(ctx context.Context, run *Run) error {
	if !run.Suspended() {
		return nil
	}
	cur := run.resumeAt
	run.resumeAt, run.wakeAfter = "", 0
	return e.walk(ctx, run, cur)
}

func (e *Engine) walk(ctx context.Context, run *Run, cur string) error {
	g := run.Flow
	for cur != "" {
		if err := ctx.Err(); err != nil {
			return err
		}
		run.Steps++
		if run.Steps > e.maxSteps {
			return &errs.MalformedFlowError{FlowID: g.ID, NodeID: cur, Reason: "step limit exceeded", Err: errs.ErrStepLimit}
		}
		n, ok := g.Node(cur)
		if !ok {
			return errs.Malformed(g.ID, cur, "edge points at a missing node")
		}
		h := e.handlerFor(n)
		if h == nil {
			return errs.Malformed(g.ID, n.ID, "no handler for node kind "+string(n.Kind))
		}
		branch, err := h.Handle(ctx, run, n)
		if err != nil {
			zap.L().Warn("flow: node failed",
				zap.String("namespace", "flow"),
				zap.String("run_id", run.ID),
				zap.Int64("flow_id", g.ID),
				zap.String("node_id", n.ID),
				zap.String("handler", h.Name()),
				zap.Error(err))
			return err
		}
		cur = ""
		if branch >= 0 && branch < len(n.Next) {
			cur = n.Next[branch]
		}
		if run.wakeAfter > 0 {
			if cur == "" {
				run.wakeAfter = 0
				return nil
			}
			run.resumeAt = cur
			return nil
		}
	}
	return nil
}

// Wait blocks until fire-and-forget webhook posts have finished.
func (e *Engine) Wait() {
	e.hooks.Wait()
}

func (e *Engine) reply(ctx context.Context, run *Run, text string) error {
	_, err := e.deps.Sender.Send(ctx, outbound.Message{
		ConnectionID:   run.In.ConnectionID,
		ConversationID: run.In.ConversationID,
		ContactID:      run.In.ContactID,
		To:             run.In.Phone,
		Text:           text,
	})
	if err != nil {
		return err
	}
	run.Sent++
	return nil
}

func (e *Engine) contactTags(ctx context.Context, run *Run) ([]string, error) {
	if run.tagsLoaded {
		return run.tags, nil
	}
	if e.deps.Tags == nil {
		run.tagsLoaded = true
		return nil, nil
	}
	tags, err := e.deps.Tags.NamesForContact(ctx, run.In.ContactID)
	if err != nil {
		return nil, err
	}
	run.tags, run.tagsLoaded = tags, true
	return tags, nil
}

func (e *Engine) postWebhook(run *Run, url string) {
	if e.deps.Webhooks == nil {
		return
	}
	env := webhook.Envelope{
		FlowID:         run.Flow.ID,
		ConversationID: run.In.ConversationID,
		ContactID:      run.In.ContactID,
		MessageContent: run.In.Text,
		Timestamp:      time.Now().UTC(),
	}
	e.hooks.Add(1)
	go func() {
		defer e.hooks.Done()
		if err := e.deps.Webhooks.Deliver(context.Background(), url, env); err != nil {
			zap.L().Warn("flow: webhook delivery failed",
				zap.String("namespace", "flow"),
				zap.String("run_id", run.ID),
				zap.Int64("flow_id", run.Flow.ID),
				zap.Error(err))
		}
	}()
}
