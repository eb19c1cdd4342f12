package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// FallbackCompleter tries each completer in order until one succeeds.
// Members are usually BreakerCompleters so a failing provider is skipped
// quickly while its circuit is open.
type FallbackCompleter struct {
	completers []Completer
	names      []string
}

// NewFallbackCompleter creates a completer with automatic provider fallback.
// names may be shorter than completers.
func NewFallbackCompleter(completers []Completer, names []string) *FallbackCompleter {
	padded := make([]string, len(completers))
	for i := range completers {
		if i < len(names) {
			padded[i] = names[i]
		} else {
			padded[i] = fmt.Sprintf("fallback-%d", i)
		}
	}
	return &FallbackCompleter{completers: completers, names: padded}
}

// Complete attempts a completion, falling back to the next provider on failure
func (fc *FallbackCompleter) Complete(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, error) {
	if len(fc.completers) == 0 {
		return "", &ProviderError{Message: "no LLM providers configured"}
	}

	var lastErr error
	for i, c := range fc.completers {
		name := fc.names[i]

		log.Debug().
			Str("provider", name).
			Int("attempt", i+1).
			Int("total_providers", len(fc.completers)).
			Msg("Attempting LLM completion")

		start := time.Now()
		out, err := c.Complete(ctx, prompt, temperature, maxTokens)
		if err == nil {
			if i > 0 {
				log.Info().
					Str("provider", name).
					Dur("duration", time.Since(start)).
					Msg("LLM completion succeeded on fallback provider")
			}
			return out, nil
		}

		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			break
		}

		log.Warn().
			Err(err).
			Str("provider", name).
			Dur("duration", time.Since(start)).
			Msg("LLM completion failed, trying fallback")
	}

	if IsProviderError(lastErr) {
		return "", fmt.Errorf("all providers failed, last error: %w", lastErr)
	}
	return "", &ProviderError{Message: "all providers failed", Err: lastErr}
}
