package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOpenAI_DisabledWithoutKey(t *testing.T) {
	assert.Nil(t, NewOpenAI(Config{}))
	assert.Nil(t, NewOpenAI(Config{APIKey: "  "}))
}

func TestOpenAI_Generate(t *testing.T) {
	var req struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":" Abrimos às 9h. "},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	g := NewOpenAI(Config{BaseURL: srv.URL, APIKey: "sk-test", Model: "test-model", Timeout: time.Second})
	require.NotNil(t, g)

	out, err := g.Generate(context.Background(), "Responda como atendente.", "que horas abre?")
	require.NoError(t, err)
	assert.Equal(t, "Abrimos às 9h.", out)

	assert.Equal(t, "test-model", req.Model)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Equal(t, "Responda como atendente.", req.Messages[0].Content)
	assert.Equal(t, "user", req.Messages[1].Role)
	assert.Equal(t, "que horas abre?", req.Messages[1].Content)
}

func TestOpenAI_GenerateErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c2","object":"chat.completion","choices":[]}`))
	}))
	defer srv.Close()

	g := NewOpenAI(Config{BaseURL: srv.URL, APIKey: "sk-test", Timeout: time.Second})
	_, err := g.Generate(context.Background(), "", "oi")
	assert.Error(t, err)
}
