package llm

import (
	"fmt"
	"time"
)

// Provider names accepted by New
const (
	ProviderHTTP   = "http"
	ProviderOpenAI = "openai"
)

// ProviderConfig describes one completion backend
type ProviderConfig struct {
	Name       string
	Provider   string // "http" or "openai"
	Endpoint   string
	APIKey     string
	Model      string
	MaxRetries int
	Timeout    time.Duration
}

// New builds a Completer for the given providers. Each provider is wrapped in
// its own circuit breaker; more than one provider yields a FallbackCompleter.
func New(providers []ProviderConfig, breaker BreakerSettings) (Completer, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("at least one LLM provider is required")
	}

	completers := make([]Completer, 0, len(providers))
	names := make([]string, 0, len(providers))
	for _, p := range providers {
		c, err := newProvider(p)
		if err != nil {
			return nil, err
		}
		name := p.Name
		if name == "" {
			name = p.Provider + ":" + p.Model
		}
		completers = append(completers, NewBreakerCompleter(name, c, breaker))
		names = append(names, name)
	}

	if len(completers) == 1 {
		return completers[0], nil
	}
	return NewFallbackCompleter(completers, names), nil
}

func newProvider(p ProviderConfig) (Completer, error) {
	switch p.Provider {
	case ProviderHTTP, "":
		return NewClient(ClientConfig{
			Endpoint:   p.Endpoint,
			APIKey:     p.APIKey,
			Model:      p.Model,
			MaxRetries: p.MaxRetries,
			Timeout:    p.Timeout,
		}), nil
	case ProviderOpenAI:
		if p.APIKey == "" {
			return nil, fmt.Errorf("openai provider requires an API key")
		}
		return NewOpenAICompleter(OpenAIConfig{
			APIKey:     p.APIKey,
			BaseURL:    p.Endpoint,
			Model:      p.Model,
			MaxRetries: p.MaxRetries,
			Timeout:    p.Timeout,
		}), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider: %s", p.Provider)
	}
}
