package llm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticCompleter(text string, err error, calls *int32) Completer {
	return CompleterFunc(func(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, error) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		return text, err
	})
}

func TestFallbackCompleter_SuccessOnPrimary(t *testing.T) {
	var primary, secondary int32
	fc := NewFallbackCompleter([]Completer{
		staticCompleter("primary", nil, &primary),
		staticCompleter("secondary", nil, &secondary),
	}, []string{"primary", "secondary"})

	out, err := fc.Complete(context.Background(), "p", 0.5, 10)
	require.NoError(t, err)
	assert.Equal(t, "primary", out)
	assert.Equal(t, int32(1), primary)
	assert.Equal(t, int32(0), secondary)
}

func TestFallbackCompleter_FallbackOnPrimaryFailure(t *testing.T) {
	fc := NewFallbackCompleter([]Completer{
		staticCompleter("", &ProviderError{StatusCode: 500, Message: "down"}, nil),
		staticCompleter("secondary", nil, nil),
	}, nil)

	out, err := fc.Complete(context.Background(), "p", 0.5, 10)
	require.NoError(t, err)
	assert.Equal(t, "secondary", out)
}

func TestFallbackCompleter_AllFail(t *testing.T) {
	fc := NewFallbackCompleter([]Completer{
		staticCompleter("", &ProviderError{StatusCode: 500, Message: "down"}, nil),
		staticCompleter("", errors.New("boom"), nil),
	}, []string{"a"})

	_, err := fc.Complete(context.Background(), "p", 0.5, 10)
	require.Error(t, err)
	assert.True(t, IsProviderError(err))
	assert.ErrorContains(t, err, "boom")
}

func TestFallbackCompleter_StopsOnCancellation(t *testing.T) {
	var secondary int32
	fc := NewFallbackCompleter([]Completer{
		staticCompleter("", context.Canceled, nil),
		staticCompleter("secondary", nil, &secondary),
	}, nil)

	_, err := fc.Complete(context.Background(), "p", 0.5, 10)
	require.Error(t, err)
	assert.Equal(t, int32(0), secondary)
}

func TestFallbackCompleter_NoProviders(t *testing.T) {
	_, err := NewFallbackCompleter(nil, nil).Complete(context.Background(), "p", 0.5, 10)
	assert.True(t, IsProviderError(err))
}

func TestBreakerCompleter_OpensAfterFailures(t *testing.T) {
	var calls int32
	failing := staticCompleter("", &ProviderError{StatusCode: 503, Message: "unavailable"}, &calls)

	b := NewBreakerCompleter("test-open", failing, BreakerSettings{
		MinRequests:     3,
		FailureRatio:    0.6,
		OpenTimeout:     time.Minute,
		HalfOpenMaxReqs: 1,
		CountInterval:   time.Minute,
	})

	for i := 0; i < 3; i++ {
		_, err := b.Complete(context.Background(), "p", 0.5, 10)
		require.Error(t, err)
	}
	assert.Equal(t, "open", b.State())

	_, err := b.Complete(context.Background(), "p", 0.5, 10)
	require.Error(t, err)
	assert.ErrorContains(t, err, "circuit breaker open")
	assert.True(t, IsProviderError(err))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "open breaker must not reach the provider")
}

func TestBreakerCompleter_PassesThroughSuccess(t *testing.T) {
	b := NewBreakerCompleter("test-ok", staticCompleter("fine", nil, nil), BreakerSettings{})

	out, err := b.Complete(context.Background(), "p", 0.5, 10)
	require.NoError(t, err)
	assert.Equal(t, "fine", out)
	assert.Equal(t, "closed", b.State())
}

func TestNew_Providers(t *testing.T) {
	_, err := New(nil, BreakerSettings{})
	assert.Error(t, err)

	_, err = New([]ProviderConfig{{Provider: "carrier-pigeon"}}, BreakerSettings{})
	assert.Error(t, err)

	_, err = New([]ProviderConfig{{Provider: ProviderOpenAI}}, BreakerSettings{})
	assert.Error(t, err, "openai requires an API key")

	single, err := New([]ProviderConfig{{Name: "primary", Provider: ProviderHTTP}}, BreakerSettings{})
	require.NoError(t, err)
	assert.IsType(t, &BreakerCompleter{}, single)

	multi, err := New([]ProviderConfig{
		{Name: "primary", Provider: ProviderHTTP},
		{Name: "backup", Provider: ProviderOpenAI, APIKey: "sk-test"},
	}, BreakerSettings{})
	require.NoError(t, err)
	assert.IsType(t, &FallbackCompleter{}, multi)
}

func TestNew_FallsBackAcrossHTTPProviders(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer down.Close()
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices": [{"message": {"content": "from backup"}}]}`))
	}))
	defer up.Close()

	c, err := New([]ProviderConfig{
		{Name: "fallback-down", Provider: ProviderHTTP, Endpoint: down.URL},
		{Name: "fallback-up", Provider: ProviderHTTP, Endpoint: up.URL},
	}, BreakerSettings{})
	require.NoError(t, err)

	out, err := c.Complete(context.Background(), "p", 0.3, 50)
	require.NoError(t, err)
	assert.Equal(t, "from backup", out)
}
