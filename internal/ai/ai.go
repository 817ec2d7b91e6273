// Package ai answers flow ai nodes with an OpenAI-compatible chat model.
package ai

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// Generator produces a reply for an ai node.
type Generator interface {
	Generate(ctx context.Context, prompt, input string) (string, error)
}

type Config struct {
	// BaseURL of any OpenAI-compatible API; empty means api.openai.com.
	BaseURL      string
	APIKey       string
	Model        string
	SystemPrompt string
	Timeout      time.Duration
}

type OpenAI struct {
	client       *openai.Client
	model        string
	systemPrompt string
	timeout      time.Duration
}

var _ Generator = (*OpenAI)(nil)

// NewOpenAI returns nil when no API key is configured, which leaves ai nodes
// on their canned acknowledgement.
func NewOpenAI(cfg Config) *OpenAI {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	zap.L().Info("ai: generator enabled", zap.String("model", cfg.Model), zap.String("base_url", oc.BaseURL))
	return &OpenAI{
		client:       openai.NewClientWithConfig(oc),
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		timeout:      cfg.Timeout,
	}
}

func (g *OpenAI) Generate(ctx context.Context, prompt, input string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var msgs []openai.ChatCompletionMessage
	if sys := strings.TrimSpace(g.systemPrompt + "\n" + prompt); sys != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: sys})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: input})

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    g.model,
		Messages: msgs,
	})
	if err != nil {
		return "", errors.Wrap(err, "chat completion")
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	answer := strings.TrimSpace(resp.Choices[0].Message.Content)
	if answer == "" {
		return "", errors.New("chat completion returned an empty answer")
	}
	return answer, nil
}
