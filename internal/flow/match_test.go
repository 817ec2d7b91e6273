package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func never() int64 { panic("inbound count must not be queried") }

func TestTrigger_KeywordContains(t *testing.T) {
	trig := TriggerConfig{TriggerType: TriggerKeyword, Keywords: "oi,olá", MatchType: MatchContains}

	assert.True(t, trig.Matches("Olá, tudo bem?", never))
	assert.True(t, trig.Matches("OI", never))
	assert.False(t, trig.Matches("bom dia", never))
}

func TestTrigger_KeywordExact(t *testing.T) {
	trig := TriggerConfig{TriggerType: TriggerKeyword, Keywords: "menu", MatchType: MatchExact}

	assert.True(t, trig.Matches("  MENU ", never))
	assert.False(t, trig.Matches("ver o menu", never))
}

func TestTrigger_EmptyKeywordsMatchAnything(t *testing.T) {
	trig := TriggerConfig{TriggerType: TriggerKeyword, MatchType: MatchContains}
	assert.True(t, trig.Matches("qualquer coisa", never))
	assert.True(t, TriggerConfig{TriggerType: TriggerAlways}.Matches("", never))
}

func TestTrigger_FirstMessage(t *testing.T) {
	trig := TriggerConfig{TriggerType: TriggerFirstMessage}
	count := int64(1)
	counter := func() int64 { return count }

	assert.True(t, trig.Matches("oi", counter))
	count = 2
	assert.False(t, trig.Matches("oi", counter))
}

func TestEvaluateTags(t *testing.T) {
	tags := []string{"cliente", "vip"}
	assert.True(t, evaluateTags(OpEquals, tags, "VIP"))
	assert.False(t, evaluateTags(OpEquals, tags, "lead"))
	assert.False(t, evaluateTags(OpNotEquals, tags, "vip"))
	assert.True(t, evaluateTags(OpNotEquals, tags, "lead"))
	assert.True(t, evaluateTags(OpStartsWith, tags, "cli"))
	assert.False(t, evaluateTags(OpEquals, nil, "vip"))
}

func TestCompare(t *testing.T) {
	assert.True(t, compare(OpEquals, "Sim", "sim"))
	assert.True(t, compare(OpContains, "Quero FALAR com atendente", "falar"))
	assert.True(t, compare(OpEndsWith, "pedido 123", "123"))
	assert.False(t, compare("unknown", "a", "a"))
}

func TestDefaultReply(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Oi!", GreetingText},
		{"boa noite, pessoal", GreetingText},
		{"Quero ver o menu", MenuText},
		{"qual o preço?", PriceText},
		{"Qual o HORÁRIO de vocês", HoursText},
		{"depois eu vejo", AckText},
		{"", AckText},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DefaultReply(tt.in), tt.in)
	}
}

func TestRender(t *testing.T) {
	vars := map[string]interface{}{"nome": "Ana", "mensagem": "oi", "pedido": 42}
	assert.Equal(t, "Olá Ana, você disse: oi (pedido 42) {desconhecido}",
		Render("Olá {nome}, você disse: {mensagem} (pedido {pedido}) {desconhecido}", vars))
}

func TestTagColorIsStable(t *testing.T) {
	assert.Equal(t, TagColor("vip"), TagColor("VIP"))
	assert.Contains(t, tagPalette, TagColor("cliente"))
}
