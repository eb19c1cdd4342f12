package llm

import "context"

// Completer turns a prompt into free text. It is the only capability the
// workflow needs from a language model; implementations return a
// *ProviderError (possibly wrapped) when the call fails.
type Completer interface {
	Complete(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, error)
}

// CompleterFunc adapts an ordinary function to the Completer interface.
type CompleterFunc func(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, error)

// Complete calls f.
func (f CompleterFunc) Complete(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, error) {
	return f(ctx, prompt, temperature, maxTokens)
}

// Ensure the concrete completers implement Completer
var (
	_ Completer = (*Client)(nil)
	_ Completer = (*OpenAICompleter)(nil)
	_ Completer = (*BreakerCompleter)(nil)
	_ Completer = (*FallbackCompleter)(nil)
	_ Completer = CompleterFunc(nil)
)
