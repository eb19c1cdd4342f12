package main

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/moexadvisor/internal/risk"
)

func syntheticCloses(n int, start time.Time) []PricePoint {
	out := make([]PricePoint, n)
	for i := range out {
		out[i] = PricePoint{
			Date:  start.AddDate(0, 0, i).Format(dateLayout),
			Close: 100 + float64(i) + 2*math.Sin(float64(i)),
		}
	}
	return out
}

func syntheticBars(closes []PricePoint) []OHLCBar {
	out := make([]OHLCBar, len(closes))
	for i, c := range closes {
		out[i] = OHLCBar{Date: c.Date, Open: c.Close - 0.5, High: c.Close + 1, Low: c.Close - 1, Close: c.Close}
	}
	return out
}

func TestComputeRiskFeatures(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	closes := syntheticCloses(40, start)

	f, err := computeRiskFeatures(ComputeInput{
		Closes:    closes,
		OHLC:      syntheticBars(closes),
		Benchmark: syntheticCloses(40, start),
	})
	require.NoError(t, err)

	assert.Greater(t, f.AnnVolClose2Close, 0.0)
	assert.NotNil(t, f.AnnVolParkinson)
	assert.NotNil(t, f.AnnVolGarmanKlass)
	assert.NotNil(t, f.RollingBeta20d)
	assert.Contains(t, []string{risk.RegimeTrend, risk.RegimeRange}, f.Regime)
}

func TestComputeRiskFeatures_Errors(t *testing.T) {
	tests := []struct {
		name string
		in   ComputeInput
		want string
	}{
		{"too short", ComputeInput{Closes: syntheticCloses(4, time.Now())}, "insufficient price history"},
		{"bad close date", ComputeInput{Closes: []PricePoint{{Date: "01.02.2024", Close: 1}}}, "closes: point 0"},
		{"bad benchmark date", ComputeInput{
			Closes:    syntheticCloses(20, time.Now()),
			Benchmark: []PricePoint{{Date: "yesterday", Close: 1}},
		}, "benchmark: point 0"},
		{"bad bar date", ComputeInput{
			Closes: syntheticCloses(20, time.Now()),
			OHLC:   []OHLCBar{{Date: "", Open: 1, High: 1, Low: 1, Close: 1}},
		}, "ohlc[0]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := computeRiskFeatures(tt.in)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func connectClient(t *testing.T) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	serverSession, err := newServer().Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = serverSession.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func TestServer_ListsTool(t *testing.T) {
	session := connectClient(t)

	res, err := session.ListTools(context.Background(), &mcp.ListToolsParams{})
	require.NoError(t, err)
	require.Len(t, res.Tools, 1)
	assert.Equal(t, toolName, res.Tools[0].Name)
	assert.NotNil(t, res.Tools[0].InputSchema)
}

func TestServer_CallTool(t *testing.T) {
	session := connectClient(t)
	closes := syntheticCloses(30, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))

	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      toolName,
		Arguments: map[string]any{"closes": closes, "period": 5},
	})
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Len(t, res.Content, 1)

	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)

	var f risk.Features
	require.NoError(t, json.Unmarshal([]byte(text.Text), &f))
	assert.Greater(t, f.AnnVolClose2Close, 0.0)
	assert.Nil(t, f.AnnVolParkinson, "no OHLC supplied")
	assert.Nil(t, f.RollingBeta20d, "no benchmark supplied")
}

func TestServer_CallToolReportsComputationErrors(t *testing.T) {
	session := connectClient(t)

	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      toolName,
		Arguments: map[string]any{"closes": syntheticCloses(3, time.Now())},
	})
	require.NoError(t, err)
	assert.True(t, res.IsError)
}
