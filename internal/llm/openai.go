package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// OpenAI is a chat-completions client for OpenAI and compatible endpoints
// such as Ollama and OpenRouter.
type OpenAI struct {
	Provider    string
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

func (c *OpenAI) Generate(ctx context.Context, prompt string) (Result, error) {
	provider := c.Provider
	if provider == "" {
		provider = "openai"
	}
	fail := func(status int, err error) (Result, error) {
		return Result{}, &GenerationError{Provider: provider, StatusCode: status, Err: err}
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	endpoint := strings.TrimRight(c.BaseURL, "/") + "/chat/completions"
	payload := map[string]any{
		"model":       c.Model,
		"temperature": c.Temperature,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}
	if c.MaxTokens > 0 {
		payload["max_tokens"] = c.MaxTokens
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fail(0, err)
	}
	logger.Debug("llm request", zap.String("url", endpoint), zap.Int("prompt_bytes", len(prompt)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fail(0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fail(0, err)
	}
	data, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return fail(resp.StatusCode, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fail(resp.StatusCode, errors.New(truncate(string(data), 512)))
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return fail(resp.StatusCode, fmt.Errorf("decode response: %w", err))
	}
	if len(out.Choices) == 0 {
		return fail(resp.StatusCode, errors.New("response has no choices"))
	}
	res := Result{
		Text:         out.Choices[0].Message.Content,
		InputTokens:  out.Usage.PromptTokens,
		OutputTokens: out.Usage.CompletionTokens,
	}
	if strings.TrimSpace(res.Text) == "" {
		return fail(resp.StatusCode, errors.New("empty completion"))
	}
	fillUsage(&res, prompt)
	logger.Debug("llm response",
		zap.Int("input_tokens", res.InputTokens),
		zap.Int("output_tokens", res.OutputTokens))
	return res, nil
}
