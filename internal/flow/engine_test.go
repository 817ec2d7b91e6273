package flow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bjo163/zapflow/internal/domain"
	"github.com/bjo163/zapflow/internal/errs"
	"github.com/bjo163/zapflow/internal/outbound"
	"github.com/bjo163/zapflow/internal/repository"
	"github.com/bjo163/zapflow/internal/testutil"
	"github.com/bjo163/zapflow/internal/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []outbound.Message
	err  error
}

func (s *recordingSender) Send(_ context.Context, m outbound.Message) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.msgs = append(s.msgs, m)
	return &domain.Message{Content: m.Text}, nil
}

func (s *recordingSender) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.msgs))
	for _, m := range s.msgs {
		out = append(out, m.Text)
	}
	return out
}

type recordingWebhooks struct {
	mu   sync.Mutex
	urls []string
	envs []webhook.Envelope
	err  error
}

func (w *recordingWebhooks) Deliver(_ context.Context, url string, env webhook.Envelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.urls = append(w.urls, url)
	w.envs = append(w.envs, env)
	return w.err
}

type stubGenerator struct {
	answer string
	err    error
	prompt string
}

func (g *stubGenerator) Generate(_ context.Context, prompt, _ string) (string, error) {
	g.prompt = prompt
	return g.answer, g.err
}

var testInbound = Inbound{
	TenantID:       1,
	ConnectionID:   10,
	ConversationID: 20,
	ContactID:      30,
	Phone:          "5511944443333",
	ContactName:    "Bruno",
	Text:           "sim",
}

func compile(t *testing.T, fg *domain.FlowGraph) *Graph {
	t.Helper()
	g, err := Compile(fg)
	require.NoError(t, err)
	return g
}

func TestEngine_ConditionTrueRunsOnlyBranchA(t *testing.T) {
	sender := &recordingSender{}
	e := NewEngine(Deps{Sender: sender}, 0)
	g := compile(t, buildFlow(1, []domain.FlowNode{
		node("t", "trigger", `{}`),
		node("c", "condition", `{"field":"message","operator":"equals","value":"SIM"}`),
		node("a", "action", `{"message":"A para {nome}"}`),
		node("b", "action", `{"message":"B"}`),
	}, [2]string{"t", "c"}, [2]string{"c", "a"}, [2]string{"c", "b"}))

	run, err := e.Execute(context.Background(), g, testInbound)
	require.NoError(t, err)
	assert.Equal(t, []string{"A para Bruno"}, sender.texts())
	assert.Equal(t, 1, run.Sent)
	assert.Equal(t, 2, run.Steps)
	assert.NotEmpty(t, run.ID)

	sender.msgs = nil
	in := testInbound
	in.Text = "não"
	_, err = e.Execute(context.Background(), g, in)
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, sender.texts())
}

func TestEngine_ConditionFalseWithoutElseEnds(t *testing.T) {
	sender := &recordingSender{}
	e := NewEngine(Deps{Sender: sender}, 0)
	g := compile(t, buildFlow(1, []domain.FlowNode{
		node("t", "trigger", `{}`),
		node("c", "condition", `{"field":"message","operator":"equals","value":"outra"}`),
		node("a", "action", `{"message":"A"}`),
	}, [2]string{"t", "c"}, [2]string{"c", "a"}))

	run, err := e.Execute(context.Background(), g, testInbound)
	require.NoError(t, err)
	assert.Empty(t, sender.texts())
	assert.Equal(t, 0, run.Sent)
}

func TestEngine_TagConditionAndTagNode(t *testing.T) {
	ctx := context.Background()
	repos := repository.NewGormRepositories(testutil.NewDB(t))
	sender := &recordingSender{}
	e := NewEngine(Deps{Sender: sender, Tags: repos.Tags}, 0)

	g := compile(t, buildFlow(1, []domain.FlowNode{
		node("t", "trigger", `{}`),
		node("c", "condition", `{"field":"tag","operator":"equals","value":"vip"}`),
		node("vip", "action", `{"message":"atendimento vip"}`),
		node("tag", "tag", `{"action":"add","tags":"VIP, cliente"}`),
		node("c2", "condition", `{"field":"tag","operator":"equals","value":"vip"}`),
		node("welcome", "action", `{"message":"agora você é vip"}`),
	},
		[2]string{"t", "c"}, [2]string{"c", "vip"}, [2]string{"c", "tag"},
		[2]string{"tag", "c2"}, [2]string{"c2", "welcome"}))

	_, err := e.Execute(ctx, g, testInbound)
	require.NoError(t, err)
	assert.Equal(t, []string{"agora você é vip"}, sender.texts())

	names, err := repos.Tags.NamesForContact(ctx, testInbound.ContactID)
	require.NoError(t, err)
	assert.Equal(t, []string{"VIP", "cliente"}, names)
	tag, err := repos.Tags.FindByName(ctx, 1, "cliente")
	require.NoError(t, err)
	assert.Equal(t, TagColor("cliente"), tag.Color)

	sender.msgs = nil
	_, err = e.Execute(ctx, g, testInbound)
	require.NoError(t, err)
	assert.Equal(t, []string{"atendimento vip"}, sender.texts())

	remove := compile(t, buildFlow(2, []domain.FlowNode{
		node("t", "trigger", `{}`),
		node("tag", "tag", `{"action":"remove","tags":"VIP,nunca-existiu"}`),
	}, [2]string{"t", "tag"}))
	_, err = e.Execute(ctx, remove, testInbound)
	require.NoError(t, err)
	names, err = repos.Tags.NamesForContact(ctx, testInbound.ContactID)
	require.NoError(t, err)
	assert.Equal(t, []string{"cliente"}, names)
	_, err = repos.Tags.FindByName(ctx, 1, "nunca-existiu")
	assert.True(t, errs.IsNotFound(err))
}

func TestEngine_MissingNodeIsMalformed(t *testing.T) {
	sender := &recordingSender{}
	e := NewEngine(Deps{Sender: sender}, 0)
	g := compile(t, buildFlow(7, []domain.FlowNode{
		node("t", "trigger", `{}`),
		node("a", "action", `{"message":"antes"}`),
	}, [2]string{"t", "a"}, [2]string{"a", "ghost"}))

	run, err := e.Execute(context.Background(), g, testInbound)
	var me *errs.MalformedFlowError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, int64(7), me.FlowID)
	assert.Equal(t, "ghost", me.NodeID)
	assert.Equal(t, 1, run.Sent)
}

func TestEngine_StepLimitStopsCycles(t *testing.T) {
	sender := &recordingSender{}
	e := NewEngine(Deps{Sender: sender}, 10)
	g := compile(t, buildFlow(8, []domain.FlowNode{
		node("t", "trigger", `{}`),
		node("c", "condition", `{"field":"message","operator":"equals","value":"sim"}`),
	}, [2]string{"t", "c"}, [2]string{"c", "c"}))

	run, err := e.Execute(context.Background(), g, testInbound)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrStepLimit))
	assert.True(t, errs.IsMalformed(err))
	assert.Equal(t, 11, run.Steps)
}

func TestEngine_SendFailureAborts(t *testing.T) {
	sender := &recordingSender{err: errors.New("offline")}
	e := NewEngine(Deps{Sender: sender}, 0)
	g := compile(t, buildFlow(1, []domain.FlowNode{
		node("t", "trigger", `{}`),
		node("a", "action", `{"message":"um"}`),
		node("b", "action", `{"message":"dois"}`),
	}, [2]string{"t", "a"}, [2]string{"a", "b"}))

	run, err := e.Execute(context.Background(), g, testInbound)
	require.Error(t, err)
	assert.Equal(t, 1, run.Steps)
	assert.Equal(t, 0, run.Sent)
}

func TestEngine_WebhookFailureContinues(t *testing.T) {
	sender := &recordingSender{}
	hooks := &recordingWebhooks{err: &errs.WebhookDeliveryError{URL: "https://h", StatusCode: 500}}
	e := NewEngine(Deps{Sender: sender, Webhooks: hooks}, 0)
	g := compile(t, buildFlow(3, []domain.FlowNode{
		node("t", "trigger", `{}`),
		node("w", "action", `{"actionType":"webhook","webhookUrl":"https://h"}`),
		node("a", "action", `{"message":"depois do webhook"}`),
	}, [2]string{"t", "w"}, [2]string{"w", "a"}))

	_, err := e.Execute(context.Background(), g, testInbound)
	require.NoError(t, err)
	e.Wait()

	assert.Equal(t, []string{"depois do webhook"}, sender.texts())
	require.Len(t, hooks.envs, 1)
	env := hooks.envs[0]
	assert.Equal(t, int64(3), env.FlowID)
	assert.Equal(t, testInbound.ConversationID, env.ConversationID)
	assert.Equal(t, testInbound.ContactID, env.ContactID)
	assert.Equal(t, "sim", env.MessageContent)
	assert.False(t, env.Timestamp.IsZero())
}

func TestEngine_AINode(t *testing.T) {
	aiFlow := buildFlow(4, []domain.FlowNode{
		node("t", "trigger", `{}`),
		node("ai", "ai", `{"prompt":"Atenda {nome}","saveAs":"resposta"}`),
		node("a", "action", `{"message":"resumo: {resposta}"}`),
	}, [2]string{"t", "ai"}, [2]string{"ai", "a"})

	t.Run("unconfigured sends processing ack", func(t *testing.T) {
		sender := &recordingSender{}
		_, err := NewEngine(Deps{Sender: sender}, 0).Execute(context.Background(), compile(t, aiFlow), testInbound)
		require.NoError(t, err)
		assert.Equal(t, []string{ProcessingText, "resumo: {resposta}"}, sender.texts())
	})

	t.Run("answer is sent and bound", func(t *testing.T) {
		sender := &recordingSender{}
		gen := &stubGenerator{answer: "Claro!"}
		_, err := NewEngine(Deps{Sender: sender, AI: gen}, 0).Execute(context.Background(), compile(t, aiFlow), testInbound)
		require.NoError(t, err)
		assert.Equal(t, "Atenda Bruno", gen.prompt)
		assert.Equal(t, []string{"Claro!", "resumo: Claro!"}, sender.texts())
	})

	t.Run("failure sends fallback and continues", func(t *testing.T) {
		sender := &recordingSender{}
		gen := &stubGenerator{err: errors.New("timeout")}
		_, err := NewEngine(Deps{Sender: sender, AI: gen}, 0).Execute(context.Background(), compile(t, aiFlow), testInbound)
		require.NoError(t, err)
		assert.Equal(t, []string{AIFallbackText, "resumo: {resposta}"}, sender.texts())
	})
}

func TestEngine_DelaySuspendsRun(t *testing.T) {
	sender := &recordingSender{}
	e := NewEngine(Deps{Sender: sender}, 0)
	g := compile(t, buildFlow(5, []domain.FlowNode{
		node("t", "trigger", `{}`),
		node("m", "action", `{"message":"um momento"}`),
		node("d", "delay", `{"time":1,"unit":"hours"}`),
		node("a", "action", `{"message":"voltei"}`),
	}, [2]string{"t", "m"}, [2]string{"m", "d"}, [2]string{"d", "a"}))

	start := time.Now()
	run, err := e.Execute(context.Background(), g, testInbound)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, run.Suspended())
	assert.Equal(t, time.Hour, run.WakeAfter())
	assert.Equal(t, []string{"um momento"}, sender.texts())

	require.NoError(t, e.Resume(context.Background(), run))
	assert.False(t, run.Suspended())
	assert.Equal(t, 3, run.Steps)
	assert.Equal(t, []string{"um momento", "voltei"}, sender.texts())
}

func TestEngine_ResumeHonoursCancellation(t *testing.T) {
	sender := &recordingSender{}
	e := NewEngine(Deps{Sender: sender}, 0)
	g := compile(t, buildFlow(5, []domain.FlowNode{
		node("t", "trigger", `{}`),
		node("d", "delay", `{"time":1,"unit":"hours"}`),
		node("a", "action", `{"message":"tarde demais"}`),
	}, [2]string{"t", "d"}, [2]string{"d", "a"}))

	run, err := e.Execute(context.Background(), g, testInbound)
	require.NoError(t, err)
	require.True(t, run.Suspended())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, e.Resume(ctx, run), context.Canceled)
	assert.Empty(t, sender.texts())
}

func TestEngine_TrailingDelayEndsRun(t *testing.T) {
	e := NewEngine(Deps{Sender: &recordingSender{}}, 0)
	g := compile(t, buildFlow(5, []domain.FlowNode{
		node("t", "trigger", `{}`),
		node("d", "delay", `{"time":5,"unit":"minutes"}`),
	}, [2]string{"t", "d"}))

	run, err := e.Execute(context.Background(), g, testInbound)
	require.NoError(t, err)
	assert.False(t, run.Suspended())
}

func TestEngine_DefaultName(t *testing.T) {
	sender := &recordingSender{}
	e := NewEngine(Deps{Sender: sender}, 0)
	g := compile(t, buildFlow(6, []domain.FlowNode{
		node("t", "trigger", `{}`),
		node("a", "action", `{"message":"Olá {nome}! Você disse \"{mensagem}\""}`),
	}, [2]string{"t", "a"}))

	in := testInbound
	in.ContactName = ""
	_, err := e.Execute(context.Background(), g, in)
	require.NoError(t, err)
	assert.Equal(t, []string{`Olá amigo! Você disse "sim"`}, sender.texts())
}
