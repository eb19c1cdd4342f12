package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeISSError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("failed to send request: %w", context.DeadlineExceeded), ISSErrorTimeout},
		{errors.New("i/o timeout"), ISSErrorTimeout},
		{errors.New("unexpected status 429: slow down"), ISSErrorRateLimit},
		{errors.New("unexpected status 503: maintenance"), ISSErrorServerError},
		{errors.New("failed to decode response: invalid character"), ISSErrorDecode},
		{errors.New("failed to send request: connection refused"), ISSErrorNetwork},
		{errors.New("unexpected status 404: not found"), ISSErrorOther},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeISSError(tt.err), "%v", tt.err)
	}
}

func TestISSEndpoint(t *testing.T) {
	assert.Equal(t, ISSEndpointHistory, ISSEndpoint("/history/engines/stock/markets/shares/boards/TQBR/securities/SBER.json"))
	assert.Equal(t, ISSEndpointCandles, ISSEndpoint("/engines/stock/markets/shares/securities/SBER/candles.json"))
	assert.Equal(t, ISSEndpointOther, ISSEndpoint("/securities.json"))
}

func TestRecordISSRequest(t *testing.T) {
	errCounter := ISSRequestErrors.WithLabelValues(ISSEndpointCandles, ISSErrorServerError)
	before := testutil.ToFloat64(errCounter)

	RecordISSRequest("/engines/stock/markets/shares/securities/SBER/candles.json", 120, nil)
	RecordISSRequest("/engines/stock/markets/shares/securities/SBER/candles.json", 80, errors.New("unexpected status 502: bad gateway"))

	assert.Equal(t, before+1, testutil.ToFloat64(errCounter))
}

func TestOutcomeCounters(t *testing.T) {
	okBefore := testutil.ToFloat64(Backtests.WithLabelValues("ok"))
	errBefore := testutil.ToFloat64(RunsPersisted.WithLabelValues("error"))

	RecordBacktest(nil)
	RecordRunPersisted(errors.New("db down"))
	SetWebSocketClients(3)

	assert.Equal(t, okBefore+1, testutil.ToFloat64(Backtests.WithLabelValues("ok")))
	assert.Equal(t, errBefore+1, testutil.ToFloat64(RunsPersisted.WithLabelValues("error")))
	assert.Equal(t, 3.0, testutil.ToFloat64(WebSocketClients))
}
