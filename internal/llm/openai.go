package llm

import (
	"context"
	"errors"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/rs/zerolog/log"
)

// OpenAICompleter implements Completer on top of the official OpenAI SDK.
type OpenAICompleter struct {
	client  openai.Client // NewClient returns a value, not a pointer
	model   string
	timeout time.Duration
}

// OpenAIConfig configures OpenAICompleter
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string // optional, for OpenAI-compatible gateways
	Model      string
	MaxRetries int
	Timeout    time.Duration
}

// NewOpenAICompleter creates a completer using the OpenAI SDK
func NewOpenAICompleter(config OpenAIConfig) *OpenAICompleter {
	if config.Model == "" {
		config.Model = "gpt-4o-mini"
	}
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}

	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(config.MaxRetries),
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	return &OpenAICompleter{
		client:  openai.NewClient(opts...),
		model:   config.Model,
		timeout: config.Timeout,
	}
}

// Complete sends prompt as a single user message
func (o *OpenAICompleter) Complete(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(temperature),
	}
	if maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(maxTokens))
	}

	start := time.Now()
	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		pe := &ProviderError{Provider: "openai", Message: "chat completion failed", Err: err}
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			pe.StatusCode = apiErr.StatusCode
		}
		return "", pe
	}

	if len(resp.Choices) == 0 {
		return "", &ProviderError{Provider: "openai", Message: "no choices in LLM response"}
	}

	log.Debug().
		Str("model", resp.Model).
		Int64("prompt_tokens", resp.Usage.PromptTokens).
		Int64("completion_tokens", resp.Usage.CompletionTokens).
		Dur("duration", time.Since(start)).
		Msg("OpenAI request completed")

	return resp.Choices[0].Message.Content, nil
}
