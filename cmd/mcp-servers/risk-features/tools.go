package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/moexadvisor/internal/risk"
)

const (
	toolName   = "compute_risk_features"
	dateLayout = "2006-01-02"
)

// PricePoint is one dated close.
type PricePoint struct {
	Date  string  `json:"date" jsonschema:"trading date, YYYY-MM-DD"`
	Close float64 `json:"close" jsonschema:"closing price"`
}

// OHLCBar is one daily candle.
type OHLCBar struct {
	Date   string  `json:"date" jsonschema:"trading date, YYYY-MM-DD"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume,omitempty"`
}

// ComputeInput is the tool's argument object.
type ComputeInput struct {
	Closes    []PricePoint `json:"closes" jsonschema:"daily closes of the instrument"`
	OHLC      []OHLCBar    `json:"ohlc,omitempty" jsonschema:"optional daily candles for range-based volatility"`
	Benchmark []PricePoint `json:"benchmark,omitempty" jsonschema:"optional benchmark closes for the rolling beta"`
	Period    int          `json:"period,omitempty" jsonschema:"seasonal period in bars, default 5"`
}

func handleComputeRiskFeatures(_ context.Context, _ *mcp.CallToolRequest, in ComputeInput) (*mcp.CallToolResult, any, error) {
	features, err := computeRiskFeatures(in)
	if err != nil {
		log.Warn().Err(err).Int("closes", len(in.Closes)).Msg("Risk feature computation failed")
		return &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
		}, nil, nil
	}

	data, err := json.Marshal(features)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal features: %w", err)
	}

	log.Debug().Int("closes", len(in.Closes)).Str("regime", features.Regime).Msg("Risk features computed")
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil, nil
}

func computeRiskFeatures(in ComputeInput) (*risk.Features, error) {
	prices, err := toSeries(in.Closes)
	if err != nil {
		return nil, fmt.Errorf("closes: %w", err)
	}
	benchmark, err := toSeries(in.Benchmark)
	if err != nil {
		return nil, fmt.Errorf("benchmark: %w", err)
	}

	bars := make([]risk.Bar, 0, len(in.OHLC))
	for i, b := range in.OHLC {
		d, err := time.Parse(dateLayout, b.Date)
		if err != nil {
			return nil, fmt.Errorf("ohlc[%d]: invalid date %q", i, b.Date)
		}
		bars = append(bars, risk.Bar{Date: d, Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume})
	}

	return risk.Compute(prices, bars, benchmark, in.Period)
}

func toSeries(points []PricePoint) (risk.Series, error) {
	out := make(risk.Series, 0, len(points))
	for i, p := range points {
		d, err := time.Parse(dateLayout, p.Date)
		if err != nil {
			return nil, fmt.Errorf("point %d: invalid date %q", i, p.Date)
		}
		out = append(out, risk.Point{Date: d, Value: p.Close})
	}
	return out, nil
}
