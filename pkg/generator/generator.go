// Package generator wraps the text generation model. To the rest of the
// system a generator is an opaque prompt -> continuation function.
package generator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/perbu/complaintrag/pkg/remote"
)

const (
	DefaultModel       = openai.GPT4oMini
	DefaultMaxTokens   = 200
	DefaultTemperature = 0.7
	defaultTimeout     = 60 * time.Second
)

// ErrEmptyResponse means the model returned no choices.
var ErrEmptyResponse = errors.New("generator: model returned no choices")

// Generator turns a prompt into a continuation.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Func adapts a plain function to the Generator interface.
type Func func(ctx context.Context, prompt string) (string, error)

func (f Func) Generate(ctx context.Context, prompt string) (string, error) { return f(ctx, prompt) }

// OpenAIConfig configures the chat completions generator. Zero values select defaults.
type OpenAIConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	// Temperature is the sampling temperature; nil selects DefaultTemperature
	// and zero requests deterministic output.
	Temperature *float32
	Timeout     time.Duration
	Retry       remote.Policy
}

// OpenAI generates continuations with the chat completions API.
type OpenAI struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
	timeout     time.Duration
	retry       remote.Policy
}

func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("OPENAI_API_KEY environment variable not set")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	g := &OpenAI{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: DefaultTemperature,
		timeout:     cfg.Timeout,
		retry:       cfg.Retry,
	}
	if g.model == "" {
		g.model = DefaultModel
	}
	if g.maxTokens <= 0 {
		g.maxTokens = DefaultMaxTokens
	}
	if cfg.Temperature != nil {
		if *cfg.Temperature < 0 {
			return nil, fmt.Errorf("generator: temperature %g must not be negative", *cfg.Temperature)
		}
		g.temperature = *cfg.Temperature
	}
	if g.timeout <= 0 {
		g.timeout = defaultTimeout
	}
	return g, nil
}

// Model returns the chat model name.
func (g *OpenAI) Model() string { return g.model }

// Generate sends prompt as a single user message and returns the first choice.
func (g *OpenAI) Generate(ctx context.Context, prompt string) (string, error) {
	// The client drops a zero temperature from the request, which the API
	// reads as its own default.
	temperature := g.temperature
	if temperature == 0 {
		temperature = math.SmallestNonzeroFloat32
	}
	var resp openai.ChatCompletionResponse
	err := g.retry.Do(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		var err error
		resp, err = g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: g.model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleUser, Content: prompt},
			},
			MaxTokens:   g.maxTokens,
			Temperature: temperature,
		})
		return err
	})
	if err != nil {
		return "", fmt.Errorf("OpenAI API error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}
