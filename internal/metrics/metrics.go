package metrics

import (
	"context"
	"errors"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bounded cardinality constants for metric labels.
const (
	// MOEX ISS error categories
	ISSErrorTimeout     = "timeout"
	ISSErrorRateLimit   = "rate_limit"
	ISSErrorNetwork     = "network"
	ISSErrorServerError = "server_error"
	ISSErrorDecode      = "decode"
	ISSErrorOther       = "other"

	// ISS endpoint kinds
	ISSEndpointHistory = "history"
	ISSEndpointCandles = "candles"
	ISSEndpointOther   = "other"
)

// NormalizeISSError maps a failed ISS request to a bounded category.
func NormalizeISSError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ISSErrorTimeout
	}
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return ISSErrorTimeout
	case strings.Contains(errStr, "429") || strings.Contains(errStr, "rate"):
		return ISSErrorRateLimit
	case strings.Contains(errStr, "status 5"):
		return ISSErrorServerError
	case strings.Contains(errStr, "decode"):
		return ISSErrorDecode
	case strings.Contains(errStr, "connection") || strings.Contains(errStr, "send request"):
		return ISSErrorNetwork
	default:
		return ISSErrorOther
	}
}

// ISSEndpoint classifies an ISS path for the endpoint label.
func ISSEndpoint(path string) string {
	switch {
	case strings.Contains(path, "/history/"):
		return ISSEndpointHistory
	case strings.HasSuffix(path, "/candles.json"):
		return ISSEndpointCandles
	default:
		return ISSEndpointOther
	}
}

var (
	// API request duration
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "moexadvisor_api_request_duration_ms",
		Help:    "API request duration in milliseconds",
		Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"method", "path", "status_code"})

	// HTTP requests
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moexadvisor_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status_code"})

	// ISS latency per attempt
	ISSRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "moexadvisor_iss_request_duration_ms",
		Help:    "MOEX ISS request duration in milliseconds",
		Buckets: []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
	}, []string{"endpoint"})

	// ISS failures per attempt
	ISSRequestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moexadvisor_iss_request_errors_total",
		Help: "Total failed MOEX ISS requests by category",
	}, []string{"endpoint", "category"})

	// Connected WebSocket clients
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "moexadvisor_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// Backtests by outcome
	Backtests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moexadvisor_backtests_total",
		Help: "Total backtests by outcome",
	}, []string{"outcome"})

	// Persisted runs by outcome
	RunsPersisted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moexadvisor_runs_persisted_total",
		Help: "Analysis runs written to the database by outcome",
	}, []string{"outcome"})
)

// RecordAPIRequest records an API request with duration
func RecordAPIRequest(method, path, statusCode string, durationMs float64) {
	APIRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationMs)
	HTTPRequests.WithLabelValues(method, path, statusCode).Inc()
}

// RecordISSRequest records one ISS attempt and its error category.
func RecordISSRequest(path string, durationMs float64, err error) {
	endpoint := ISSEndpoint(path)
	ISSRequestDuration.WithLabelValues(endpoint).Observe(durationMs)
	if err != nil {
		ISSRequestErrors.WithLabelValues(endpoint, NormalizeISSError(err)).Inc()
	}
}

// SetWebSocketClients updates the connected client gauge.
func SetWebSocketClients(n int) {
	WebSocketClients.Set(float64(n))
}

// RecordBacktest counts a backtest as "ok" or "error".
func RecordBacktest(err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	Backtests.WithLabelValues(outcome).Inc()
}

// RecordRunPersisted counts a database write of an analysis run.
func RecordRunPersisted(err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	RunsPersisted.WithLabelValues(outcome).Inc()
}
