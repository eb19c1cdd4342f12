package llm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// Circuit breaker defaults for LLM providers (long timeouts for AI calls)
const (
	DefaultMinRequests     = 3
	DefaultFailureRatio    = 0.6
	DefaultOpenTimeout     = 60 * time.Second
	DefaultHalfOpenMaxReqs = 2
	DefaultCountInterval   = 10 * time.Second
)

// BreakerSettings holds circuit breaker configuration for one provider
type BreakerSettings struct {
	MinRequests     uint32
	FailureRatio    float64
	OpenTimeout     time.Duration
	HalfOpenMaxReqs uint32
	CountInterval   time.Duration
}

// DefaultBreakerSettings returns the LLM defaults
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MinRequests:     DefaultMinRequests,
		FailureRatio:    DefaultFailureRatio,
		OpenTimeout:     DefaultOpenTimeout,
		HalfOpenMaxReqs: DefaultHalfOpenMaxReqs,
		CountInterval:   DefaultCountInterval,
	}
}

type breakerMetrics struct {
	state    *prometheus.GaugeVec
	requests *prometheus.CounterVec
}

var (
	globalBreakerMetrics *breakerMetrics
	breakerMetricsOnce   sync.Once
)

func getBreakerMetrics() *breakerMetrics {
	breakerMetricsOnce.Do(func() {
		globalBreakerMetrics = &breakerMetrics{
			state: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "moexadvisor_llm_circuit_breaker_state",
					Help: "LLM circuit breaker state (0=closed, 1=open, 2=half_open)",
				},
				[]string{"provider"},
			),
			requests: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "moexadvisor_llm_requests_total",
					Help: "Total number of LLM requests through the circuit breaker",
				},
				[]string{"provider", "result"},
			),
		}
	})
	return globalBreakerMetrics
}

// BreakerCompleter guards a Completer with a circuit breaker. While the
// circuit is open, calls fail fast with a ProviderError.
type BreakerCompleter struct {
	name    string
	next    Completer
	cb      *gobreaker.CircuitBreaker
	metrics *breakerMetrics
}

// NewBreakerCompleter wraps next in a circuit breaker named name
func NewBreakerCompleter(name string, next Completer, settings BreakerSettings) *BreakerCompleter {
	if settings.MinRequests == 0 {
		settings = DefaultBreakerSettings()
	}

	b := &BreakerCompleter{
		name:    name,
		next:    next,
		metrics: getBreakerMetrics(),
	}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: settings.HalfOpenMaxReqs,
		Interval:    settings.CountInterval,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= settings.MinRequests && failureRatio >= settings.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellation says nothing about provider health
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().
				Str("provider", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("LLM circuit breaker state changed")
			b.metrics.state.WithLabelValues(name).Set(stateValue(to))
		},
	})
	b.metrics.state.WithLabelValues(name).Set(0)

	return b
}

// Complete runs the wrapped completer through the breaker
func (b *BreakerCompleter) Complete(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Complete(ctx, prompt, temperature, maxTokens)
	})
	if err != nil {
		b.metrics.requests.WithLabelValues(b.name, "failure").Inc()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", &ProviderError{Provider: b.name, Message: "circuit breaker open", Err: err}
		}
		return "", err
	}

	b.metrics.requests.WithLabelValues(b.name, "success").Inc()
	return out.(string), nil
}

// State returns the current breaker state name
func (b *BreakerCompleter) State() string {
	return b.cb.State().String()
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}
