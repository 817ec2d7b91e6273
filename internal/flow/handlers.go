package flow

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/bjo163/zapflow/internal/errs"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

// triggerHandler lets a graph loop back through its trigger.
type triggerHandler struct{}

func (h *triggerHandler) Name() string { return "TriggerHandler" }

func (h *triggerHandler) CanHandle(n *Node) bool { return n.Kind == KindTrigger }

func (h *triggerHandler) Handle(context.Context, *Run, *Node) (int, error) { return 0, nil }

type messageHandler struct{ e *Engine }

func (h *messageHandler) Name() string { return "MessageHandler" }

func (h *messageHandler) CanHandle(n *Node) bool {
	c, ok := n.Config.(ActionConfig)
	return ok && c.ActionType == ActionMessage
}

func (h *messageHandler) Handle(ctx context.Context, run *Run, n *Node) (int, error) {
	text := Render(n.Config.(ActionConfig).Message, run.Vars)
	if text == "" {
		return 0, nil
	}
	return 0, h.e.reply(ctx, run, text)
}

// webhookHandler posts the run envelope without waiting for the answer.
type webhookHandler struct{ e *Engine }

func (h *webhookHandler) Name() string { return "WebhookHandler" }

func (h *webhookHandler) CanHandle(n *Node) bool {
	c, ok := n.Config.(ActionConfig)
	return ok && c.ActionType == ActionWebhook
}

func (h *webhookHandler) Handle(_ context.Context, run *Run, n *Node) (int, error) {
	h.e.postWebhook(run, n.Config.(ActionConfig).WebhookURL)
	return 0, nil
}

// conditionHandler follows edge 0 when the condition holds and edge 1
// otherwise.
type conditionHandler struct{ e *Engine }

func (h *conditionHandler) Name() string { return "ConditionHandler" }

func (h *conditionHandler) CanHandle(n *Node) bool { return n.Kind == KindCondition }

func (h *conditionHandler) Handle(ctx context.Context, run *Run, n *Node) (int, error) {
	c := n.Config.(ConditionConfig)
	var ok bool
	switch c.Field {
	case FieldTag:
		tags, err := h.e.contactTags(ctx, run)
		if err != nil {
			return 0, err
		}
		ok = evaluateTags(c.Operator, tags, c.Value)
	case FieldVariable:
		ok = compare(c.Operator, cast.ToString(run.Vars[c.Variable]), c.Value)
	default:
		ok = compare(c.Operator, run.In.Text, c.Value)
	}
	if ok {
		return 0, nil
	}
	return 1, nil
}

type aiHandler struct{ e *Engine }

func (h *aiHandler) Name() string { return "AIHandler" }

func (h *aiHandler) CanHandle(n *Node) bool { return n.Kind == KindAI }

// Handle sends the model answer, or a fallback text when the model fails.
// Only a failed send ends the run.
func (h *aiHandler) Handle(ctx context.Context, run *Run, n *Node) (int, error) {
	c := n.Config.(AIConfig)
	if h.e.deps.AI == nil {
		return 0, h.e.reply(ctx, run, ProcessingText)
	}
	answer, err := h.e.deps.AI.Generate(ctx, Render(c.Prompt, run.Vars), run.In.Text)
	if err != nil {
		zap.L().Warn("flow: ai generation failed, sending fallback",
			zap.String("namespace", "flow"),
			zap.String("run_id", run.ID),
			zap.String("node_id", n.ID),
			zap.Error(err))
		return 0, h.e.reply(ctx, run, AIFallbackText)
	}
	run.Vars[c.SaveAs] = answer
	return 0, h.e.reply(ctx, run, answer)
}

// delayHandler suspends the run instead of sleeping, so no worker is held
// while it waits.
type delayHandler struct{}

func (h *delayHandler) Name() string { return "DelayHandler" }

func (h *delayHandler) CanHandle(n *Node) bool { return n.Kind == KindDelay }

func (h *delayHandler) Handle(_ context.Context, run *Run, n *Node) (int, error) {
	if d := n.Config.(DelayConfig).Duration(); d > 0 {
		run.suspend(d)
	}
	return 0, nil
}

type tagHandler struct{ e *Engine }

func (h *tagHandler) Name() string { return "TagHandler" }

func (h *tagHandler) CanHandle(n *Node) bool { return n.Kind == KindTag }

func (h *tagHandler) Handle(ctx context.Context, run *Run, n *Node) (int, error) {
	c := n.Config.(TagConfig)
	repo := h.e.deps.Tags
	if repo == nil {
		return 0, nil
	}
	for _, name := range c.Names() {
		if c.Action == TagRemove {
			tag, err := repo.FindByName(ctx, run.In.TenantID, name)
			if errs.IsNotFound(err) {
				continue
			}
			if err != nil {
				return 0, err
			}
			if err := repo.Detach(ctx, run.In.ContactID, tag.ID); err != nil {
				return 0, err
			}
			continue
		}
		tag, err := repo.Ensure(ctx, run.In.TenantID, name, TagColor(name))
		if err != nil {
			return 0, err
		}
		if err := repo.Attach(ctx, run.In.ContactID, tag.ID); err != nil {
			return 0, err
		}
	}
	run.tagsLoaded = false
	return 0, nil
}

var tagPalette = []string{
	"#ef4444", "#f97316", "#f59e0b", "#84cc16", "#10b981",
	"#06b6d4", "#3b82f6", "#6366f1", "#a855f7", "#ec4899",
}

// TagColor picks a palette colour from the folded tag name, so the same name
// always gets the same colour.
func TagColor(name string) string {
	h := fnv.New32a()
	_, _ = fmt.Fprint(h, fold(name))
	return tagPalette[h.Sum32()%uint32(len(tagPalette))]
}
