// Package llm talks to the language-model providers that turn prompts into
// SQL. Backends never retry; the caller owns retry policy.
package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nlqhq/nlq/internal/config"
)

// Backend generates text for a single prompt.
type Backend interface {
	Generate(ctx context.Context, prompt string) (Result, error)
}

// Result is the raw generated text and token usage for one call.
type Result struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// GenerationError reports an unreachable provider, a rejected request or a
// response without usable text.
type GenerationError struct {
	Provider string
	// StatusCode is the HTTP status when the provider answered, else 0.
	StatusCode int
	Err        error
}

func (e *GenerationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

var defaultBaseURLs = map[string]string{
	"openai":     "https://api.openai.com/v1",
	"ollama":     "http://localhost:11434/v1",
	"openrouter": "https://openrouter.ai/api/v1",
	"anthropic":  "https://api.anthropic.com/v1",
}

// New builds the backend selected by cfg.Provider.
func New(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger) (Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("generator", cfg.GeneratorID()))
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURLs[cfg.Provider]
	}
	httpClient := &http.Client{Timeout: httpTimeout(cfg.Timeout.Std())}

	switch cfg.Provider {
	case "openai", "ollama", "openrouter":
		return &OpenAI{
			Provider:    cfg.Provider,
			BaseURL:     baseURL,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
			HTTPClient:  httpClient,
			Logger:      logger,
		}, nil
	case "anthropic":
		return &Anthropic{
			BaseURL:     baseURL,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
			HTTPClient:  httpClient,
			Logger:      logger,
		}, nil
	case "gemini":
		return NewGemini(ctx, cfg, httpClient, logger)
	}
	return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
}

// httpTimeout leaves headroom over the per-attempt context deadline so the
// context, not the transport, decides when an attempt times out.
func httpTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 120 * time.Second
	}
	return d + 5*time.Second
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
