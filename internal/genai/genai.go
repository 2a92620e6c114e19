// Package genai generates short spoken lines with the OpenAI chat completions API.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Default generation settings; spoken lines are short.
const (
	DefaultModel               = openai.ChatModelGPT4oMini
	DefaultTemperature         = 0.7
	DefaultMaxCompletionTokens = 200
)

// ErrNoChoicesReturned is returned when the API answers without any choice.
var ErrNoChoicesReturned = errors.New("no choices returned")

// ClientInterface is implemented by Client and by test doubles.
type ClientInterface interface {
	GeneratePrompt(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

var _ ClientInterface = (*Client)(nil)

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// openaiChat adapts the SDK completion service to chatService.
type openaiChat struct {
	svc *openai.ChatCompletionService
}

func (c openaiChat) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := c.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration for the GenAI client.
type Opts struct {
	APIKey              string
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat                chatService
	model               string
	temperature         float64
	maxCompletionTokens int64
}

// NewClient initializes a client; the key falls back to OPENAI_API_KEY.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Model: string(DefaultModel), Temperature: DefaultTemperature, MaxCompletionTokens: DefaultMaxCompletionTokens}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("GenAI client created", "model", cfg.Model)
	return &Client{
		chat:                openaiChat{svc: &cli.Chat.Completions},
		model:               cfg.Model,
		temperature:         cfg.Temperature,
		maxCompletionTokens: cfg.MaxCompletionTokens,
	}, nil
}

// GeneratePrompt returns the model's reply to a system and user prompt.
func (c *Client) GeneratePrompt(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Temperature:         openai.Float(c.temperature),
		MaxCompletionTokens: openai.Int(c.maxCompletionTokens),
	}
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("Client.GeneratePrompt: completion failed", "error", err, "model", c.model)
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	slog.Debug("Client.GeneratePrompt: completion received", "length", len(content))
	return content, nil
}
