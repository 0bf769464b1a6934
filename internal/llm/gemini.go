package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/nlqhq/nlq/internal/config"
)

// Gemini generates through the Google GenAI SDK.
type Gemini struct {
	client      *genai.Client
	model       string
	maxTokens   int
	temperature float64
	logger      *zap.Logger
}

// NewGemini creates a Gemini API client. BaseURL, when set, replaces the
// public endpoint.
func NewGemini(ctx context.Context, cfg config.LLMConfig, httpClient *http.Client, logger *zap.Logger) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: api key is required")
	}
	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gemini{
		client:      client,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		logger:      logger,
	}, nil
}

func (g *Gemini) Generate(ctx context.Context, prompt string) (Result, error) {
	gc := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(g.temperature)),
	}
	if g.maxTokens > 0 {
		gc.MaxOutputTokens = int32(g.maxTokens)
	}
	g.logger.Debug("llm request", zap.Int("prompt_bytes", len(prompt)))
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), gc)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return Result{}, &GenerationError{Provider: "gemini", StatusCode: apiErr.Code, Err: err}
		}
		return Result{}, &GenerationError{Provider: "gemini", Err: err}
	}
	res := Result{Text: resp.Text()}
	if resp.UsageMetadata != nil {
		res.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		res.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	if strings.TrimSpace(res.Text) == "" {
		return Result{}, &GenerationError{Provider: "gemini", Err: errors.New("no text candidates returned")}
	}
	fillUsage(&res, prompt)
	return res, nil
}
