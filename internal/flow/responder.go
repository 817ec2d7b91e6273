package flow

import (
	"regexp"

	"github.com/spf13/cast"
)

// Canned texts sent when no flow handles a message.
const (
	WelcomeText  = "Olá! Seja bem-vindo(a). Recebemos sua mensagem e em breve um de nossos atendentes vai falar com você."
	GreetingText = "Olá! 👋 Como posso ajudar você hoje? Digite *menu* para ver as opções."
	MenuText     = "📋 *Menu*\n1️⃣ Produtos e preços\n2️⃣ Horário de atendimento\n3️⃣ Falar com um atendente"
	PriceText    = "💰 Para informações sobre preços, diga qual produto te interessa que enviamos os valores."
	HoursText    = "🕘 Nosso horário de atendimento é de segunda a sexta, das 9h às 18h."
	AckText      = "Recebemos sua mensagem! Em breve responderemos."

	ApologyText    = "Desculpe, algo deu errado. Tente novamente."
	ProcessingText = "🤖 Estou processando sua mensagem, aguarde um momento..."
	AIFallbackText = "Desculpe, não consegui processar sua solicitação agora. Um atendente vai te responder em breve."
)

type cannedReply struct {
	phrases []string
	text    string
}

var cannedReplies = []cannedReply{
	{phrases: []string{"oi", "olá", "ola", "bom dia", "boa tarde", "boa noite", "hello"}, text: GreetingText},
	{phrases: []string{"menu"}, text: MenuText},
	{phrases: []string{"preço", "preco", "valor", "price"}, text: PriceText},
	{phrases: []string{"horário", "horario", "hours"}, text: HoursText},
}

// DefaultReply is the answer for a message no active flow matched.
func DefaultReply(text string) string {
	for _, r := range cannedReplies {
		for _, p := range r.phrases {
			if containsPhrase(text, p) {
				return r.text
			}
		}
	}
	return AckText
}

var placeholder = regexp.MustCompile(`\{([\p{L}\p{N}_]+)\}`)

// Render substitutes {name} placeholders from vars. Unknown names stay as
// written.
func Render(tpl string, vars map[string]interface{}) string {
	return placeholder.ReplaceAllStringFunc(tpl, func(m string) string {
		v, ok := vars[m[1:len(m)-1]]
		if !ok {
			return m
		}
		return cast.ToString(v)
	})
}
