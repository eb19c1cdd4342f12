package llm

import (
	"errors"
	"fmt"
	"net/http"
)

// ProviderError is returned when a completion call fails at the provider:
// transport errors, authentication, quota, or an unusable response.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	prefix := "LLM provider error"
	if e.Provider != "" {
		prefix = fmt.Sprintf("LLM provider %s error", e.Provider)
	}
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("%s (status %d): %s: %v", prefix, e.StatusCode, e.Message, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s (status %d): %s", prefix, e.StatusCode, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
	default:
		return fmt.Sprintf("%s: %s", prefix, e.Message)
	}
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsRetryable reports whether retrying the same request may succeed.
// Rate limits, server errors and transport failures are retryable.
func (e *ProviderError) IsRetryable() bool {
	if e.StatusCode == 0 {
		return e.Err != nil
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// classifyHTTPError builds a ProviderError from a non-200 API response
func classifyHTTPError(statusCode int, message string) error {
	return &ProviderError{StatusCode: statusCode, Message: message}
}

// IsProviderError reports whether err wraps a ProviderError.
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}

// isRetryable treats unknown errors as non-retryable.
func isRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.IsRetryable()
	}
	return false
}
