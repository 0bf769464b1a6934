package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nlqhq/nlq/internal/config"
)

func TestOpenAIGenerate(t *testing.T) {
	var hit int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hit, 1)
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "gpt-4o", body["model"])
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": "SELECT 1"}}},
			"usage":   map[string]int{"prompt_tokens": 12, "completion_tokens": 3},
		})
	}))
	defer srv.Close()

	c := &OpenAI{BaseURL: srv.URL + "/", APIKey: "k", Model: "gpt-4o"}
	res, err := c.Generate(context.Background(), "prompt")
	require.NoError(t, err)
	require.Equal(t, Result{Text: "SELECT 1", InputTokens: 12, OutputTokens: 3}, res)
	require.EqualValues(t, 1, atomic.LoadInt32(&hit))
}

func TestOpenAIEstimatesMissingUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"SELECT 1"}}]}`))
	}))
	defer srv.Close()

	res, err := (&OpenAI{BaseURL: srv.URL, Model: "llama3"}).Generate(context.Background(), "12345678")
	require.NoError(t, err)
	require.Equal(t, 2, res.InputTokens)
	require.Equal(t, 2, res.OutputTokens)
}

func TestOpenAIDoesNotRetry(t *testing.T) {
	var hit int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hit, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"overloaded"}`))
	}))
	defer srv.Close()

	_, err := (&OpenAI{BaseURL: srv.URL, Model: "m"}).Generate(context.Background(), "p")
	var genErr *GenerationError
	require.True(t, errors.As(err, &genErr))
	require.Equal(t, http.StatusServiceUnavailable, genErr.StatusCode)
	require.ErrorContains(t, err, "overloaded")
	require.EqualValues(t, 1, atomic.LoadInt32(&hit))
}

func TestOpenAIEmptyCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"  "}}]}`))
	}))
	defer srv.Close()

	_, err := (&OpenAI{BaseURL: srv.URL, Model: "m"}).Generate(context.Background(), "p")
	var genErr *GenerationError
	require.True(t, errors.As(err, &genErr))
	require.ErrorContains(t, err, "empty completion")
}

func TestOpenAIHonoursContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := (&OpenAI{BaseURL: srv.URL, Model: "m"}).Generate(ctx, "p")
	require.Error(t, err)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestAnthropicGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/messages", r.URL.Path)
		require.Equal(t, "secret", r.Header.Get("x-api-key"))
		require.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, 256, req.MaxTokens)
		require.Equal(t, "user", req.Messages[0].Role)
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"SELECT "},{"type":"text","text":"2"}],"usage":{"input_tokens":40,"output_tokens":4}}`))
	}))
	defer srv.Close()

	c := &Anthropic{BaseURL: srv.URL, APIKey: "secret", Model: "claude", MaxTokens: 256}
	res, err := c.Generate(context.Background(), "prompt")
	require.NoError(t, err)
	require.Equal(t, Result{Text: "SELECT 2", InputTokens: 40, OutputTokens: 4}, res)
}

func TestAnthropicErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`))
	}))
	defer srv.Close()

	_, err := (&Anthropic{BaseURL: srv.URL, APIKey: "bad", Model: "claude"}).Generate(context.Background(), "p")
	var genErr *GenerationError
	require.True(t, errors.As(err, &genErr))
	require.Equal(t, http.StatusUnauthorized, genErr.StatusCode)
	require.ErrorContains(t, err, "authentication_error: invalid x-api-key")
}

func TestAnthropicRequiresKey(t *testing.T) {
	_, err := (&Anthropic{Model: "claude"}).Generate(context.Background(), "p")
	var genErr *GenerationError
	require.True(t, errors.As(err, &genErr))
}

func TestGeminiGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Contains(t, r.URL.Path, "gemini-2.0-flash:generateContent")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"SELECT 3"}]}}],"usageMetadata":{"promptTokenCount":9,"candidatesTokenCount":2}}`))
	}))
	defer srv.Close()

	b, err := New(context.Background(), config.LLMConfig{
		Provider: "gemini",
		Model:    "gemini-2.0-flash",
		APIKey:   "k",
		BaseURL:  srv.URL,
	}, nil)
	require.NoError(t, err)
	res, err := b.Generate(context.Background(), "prompt")
	require.NoError(t, err)
	require.Equal(t, Result{Text: "SELECT 3", InputTokens: 9, OutputTokens: 2}, res)
}

func TestNewSelectsProvider(t *testing.T) {
	b, err := New(context.Background(), config.LLMConfig{Provider: "ollama", Model: "llama3"}, nil)
	require.NoError(t, err)
	o, ok := b.(*OpenAI)
	require.True(t, ok)
	require.Equal(t, "http://localhost:11434/v1", o.BaseURL)
	require.Equal(t, "ollama", o.Provider)

	b, err = New(context.Background(), config.LLMConfig{Provider: "anthropic", Model: "claude", APIKey: "k"}, nil)
	require.NoError(t, err)
	_, ok = b.(*Anthropic)
	require.True(t, ok)

	_, err = New(context.Background(), config.LLMConfig{Provider: "gemini", Model: "g"}, nil)
	require.ErrorContains(t, err, "api key is required")

	_, err = New(context.Background(), config.LLMConfig{Provider: "nope", Model: "x"}, nil)
	require.ErrorContains(t, err, `unknown llm provider "nope"`)
}

func TestEstimateTokens(t *testing.T) {
	require.Equal(t, 0, EstimateTokens(""))
	require.Equal(t, 1, EstimateTokens("abcd"))
	require.Equal(t, 2, EstimateTokens("abcde"))
	require.Equal(t, 1, EstimateTokens("中文"))
}
