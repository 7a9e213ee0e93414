// Package genai wraps the OpenAI chat completion API for SlotPipe: free-form
// prompt generation and slot candidate extraction from a user's opening message.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ErrNoChoicesReturned is returned when the model produced no completion choices.
var ErrNoChoicesReturned = errors.New("no choices returned")

// DefaultModel is used when no model is configured.
const DefaultModel = openai.ChatModelGPT4oMini

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionsAdapter adapts the SDK completion service to chatService.
type completionsAdapter struct {
	svc openai.ChatCompletionService
}

func (a *completionsAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey              string
	BaseURL             string
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
}

// Option defines a function that modifies GenAI client options.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) {
		o.APIKey = key
	}
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) {
		o.BaseURL = url
	}
}

// WithModel sets the chat model name.
func WithModel(model string) Option {
	return func(o *Opts) {
		o.Model = model
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) {
		o.Temperature = t
	}
}

// WithMaxCompletionTokens caps the completion length. Zero leaves it unset.
func WithMaxCompletionTokens(n int64) Option {
	return func(o *Opts) {
		o.MaxCompletionTokens = n
	}
}

// Client wraps the OpenAI ChatCompletion service.
type Client struct {
	chat                chatService
	model               string
	temperature         float64
	maxCompletionTokens int64
}

// NewClient initializes a new GenAI client. An API key is required.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Model: DefaultModel}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key not set")
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)

	slog.Debug("GenAI client created", "model", cfg.Model, "temperature", cfg.Temperature, "maxCompletionTokens", cfg.MaxCompletionTokens)
	return &Client{
		chat:                &completionsAdapter{svc: cli.Chat.Completions},
		model:               cfg.Model,
		temperature:         cfg.Temperature,
		maxCompletionTokens: cfg.MaxCompletionTokens,
	}, nil
}

// Complete sends a system and user message pair and returns the first choice's text.
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Temperature: openai.Float(c.temperature),
	}
	if c.maxCompletionTokens > 0 {
		params.MaxCompletionTokens = openai.Int(c.maxCompletionTokens)
	}

	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("GenAI Complete failed", "model", c.model, "error", err)
		return "", err
	}
	if len(resp.Choices) == 0 {
		slog.Warn("GenAI Complete returned no choices", "model", c.model)
		return "", ErrNoChoicesReturned
	}
	return resp.Choices[0].Message.Content, nil
}

const extractionSystemPrompt = `You extract form values from a banking customer's message.
Reply with a single JSON object and nothing else.
Only use these keys: %s.
Omit any key whose value is not clearly stated. Use strings for every value.
Amount keeps the currency symbol or code exactly as written.`

// ExtractEntities asks the model for slot candidates found in utterance. Keys outside
// slotNames are dropped. A reply that holds no JSON object yields no candidates.
func (c *Client) ExtractEntities(ctx context.Context, utterance string, slotNames []string) (map[string]any, error) {
	if strings.TrimSpace(utterance) == "" || len(slotNames) == 0 {
		return map[string]any{}, nil
	}

	reply, err := c.Complete(ctx, fmt.Sprintf(extractionSystemPrompt, strings.Join(slotNames, ", ")), utterance)
	if err != nil {
		return nil, fmt.Errorf("entity extraction failed: %w", err)
	}

	raw, err := parseJSONObject(reply)
	if err != nil {
		slog.Warn("GenAI ExtractEntities got non-JSON reply", "error", err, "reply", reply)
		return map[string]any{}, nil
	}

	allowed := make(map[string]bool, len(slotNames))
	for _, name := range slotNames {
		allowed[name] = true
	}
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		if !allowed[k] || v == nil {
			continue
		}
		out[k] = v
	}
	slog.Debug("GenAI ExtractEntities succeeded", "candidates", len(out))
	return out, nil
}

// parseJSONObject decodes the outermost {...} in text, tolerating code fences or prose.
func parseJSONObject(text string) (map[string]any, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in reply")
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
		return nil, err
	}
	return out, nil
}
