// Package backtest replays the persona panel over recent daily candles and
// marks the user's portfolio to market.
package backtest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/moexadvisor/internal/advisor"
	"github.com/ajitpratap0/moexadvisor/internal/market"
	"github.com/ajitpratap0/moexadvisor/internal/risk"
)

const (
	// MaxDays is the longest supported backtest window.
	MaxDays = 30
	// DefaultInitialCash is reported alongside the portfolio value.
	DefaultInitialCash = 1_000_000.0
)

// Discusser produces persona opinions for a portfolio and news feed.
type Discusser interface {
	Discuss(ctx context.Context, portfolio advisor.Portfolio, news []advisor.NewsItem) []advisor.Opinion
}

// CandleSource returns daily bars for a ticker; empty on failure.
type CandleSource interface {
	FetchPriceHistory(ctx context.Context, ticker string, from, till time.Time) []risk.Bar
}

// Config configures an Engine.
type Config struct {
	InitialCash float64
	Location    *time.Location
}

// Engine runs backtests. Positions are only marked to market; no trades
// are executed.
type Engine struct {
	panel       Discusser
	candles     CandleSource
	initialCash decimal.Decimal
	loc         *time.Location
	now         func() time.Time
	log         zerolog.Logger
}

// NewEngine creates an engine.
func NewEngine(panel Discusser, candles CandleSource, cfg Config) *Engine {
	if cfg.InitialCash <= 0 {
		cfg.InitialCash = DefaultInitialCash
	}
	if cfg.Location == nil {
		cfg.Location = market.MoscowLocation()
	}
	return &Engine{
		panel:       panel,
		candles:     candles,
		initialCash: decimal.NewFromFloat(cfg.InitialCash),
		loc:         cfg.Location,
		now:         time.Now,
		log:         log.With().Str("component", "backtest").Logger(),
	}
}

// Position is a holding marked at a price.
type Position struct {
	Ticker    string  `json:"ticker"`
	Quantity  int     `json:"quantity"`
	AvgPrice  float64 `json:"avg_price"`
	MarkPrice float64 `json:"current_price"`
}

// MarketValue is quantity times the mark.
func (p Position) MarketValue() float64 {
	return decimal.NewFromInt(int64(p.Quantity)).Mul(decimal.NewFromFloat(p.MarkPrice)).InexactFloat64()
}

// Day is one ticker's row for one trading day.
type Day struct {
	Date           time.Time      `json:"date"`
	Ticker         string         `json:"ticker"`
	Open           float64        `json:"open_price"`
	Close          float64        `json:"close_price"`
	High           float64        `json:"high_price"`
	Low            float64        `json:"low_price"`
	Volume         float64        `json:"volume"`
	Signal         advisor.Action `json:"signal"`
	Confidence     float64        `json:"confidence"`
	PositionBefore Position       `json:"position_before"`
	PositionAfter  Position       `json:"position_after"`
	DailyPnL       float64        `json:"daily_pnl"`
	CumulativePnL  float64        `json:"cumulative_pnl"`
}

// TickerPerformance summarizes one ticker over the run.
type TickerPerformance struct {
	TotalPnL       float64 `json:"total_pnl"`
	TotalReturnPct float64 `json:"total_return_pct"`
	AvgConfidence  float64 `json:"avg_confidence"`
	WinRate        float64 `json:"win_rate"`
	MaxDrawdown    float64 `json:"max_drawdown"`
}

// Result is the outcome of a backtest.
type Result struct {
	StartDate             time.Time                    `json:"start_date"`
	EndDate               time.Time                    `json:"end_date"`
	Days                  int                          `json:"days"`
	InitialCash           float64                      `json:"initial_cash"`
	InitialPortfolioValue float64                      `json:"initial_portfolio_value"`
	FinalPortfolioValue   float64                      `json:"final_portfolio_value"`
	TotalPnL              float64                      `json:"total_pnl"`
	TotalReturnPct        float64                      `json:"total_return_pct"`
	DailyResults          []Day                        `json:"daily_results"`
	TickerPerformance     map[string]TickerPerformance `json:"ticker_performance"`
}

// Run backtests the portfolio over the last days calendar days (1..MaxDays).
// Positions open at the first bar's open. The panel is consulted once per
// trading day; each held ticker is marked at that day's close and its PnL
// is quantity x (close - previous mark).
func (e *Engine) Run(ctx context.Context, days int, portfolio advisor.Portfolio, news []advisor.NewsItem) (*Result, error) {
	if days < 1 || days > MaxDays {
		return nil, fmt.Errorf("количество дней должно быть от 1 до %d, получено %d", MaxDays, days)
	}
	tickers := portfolio.Tickers()
	if len(tickers) == 0 {
		return nil, fmt.Errorf("портфель пуст - нет тикеров для бэктеста")
	}

	local := e.now().In(e.loc)
	end := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
	start := end.AddDate(0, 0, -days)

	e.log.Info().
		Str("start", start.Format(time.DateOnly)).
		Str("end", end.Format(time.DateOnly)).
		Strs("tickers", tickers).
		Msg("Backtest started")

	history := e.loadHistory(ctx, tickers, start, end)
	positions := initialPositions(portfolio, history, tickers)
	if len(positions) == 0 {
		return nil, fmt.Errorf("нет исторических данных для тикеров %v за период %s - %s",
			tickers, start.Format(time.DateOnly), end.Format(time.DateOnly))
	}

	initialValue := portfolioValue(positions)
	cumulative := decimal.Zero
	var daily []Day

	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("backtest canceled: %w", err)
		}
		if !anyTrading(history, tickers, d) {
			continue
		}

		decisions := e.decide(ctx, positions, news)
		for _, ticker := range tickers {
			pos, held := positions[ticker]
			bar, traded := history[ticker][dateKey(d)]
			decision, decided := decisions[ticker]
			if !held || !traded || !decided {
				continue
			}

			before := pos
			closePx := decimal.NewFromFloat(bar.Close)
			pnl := decimal.NewFromInt(int64(pos.Quantity)).Mul(closePx.Sub(decimal.NewFromFloat(pos.MarkPrice)))
			cumulative = cumulative.Add(pnl)
			pos.MarkPrice = bar.Close
			positions[ticker] = pos

			daily = append(daily, Day{
				Date:           d,
				Ticker:         ticker,
				Open:           bar.Open,
				Close:          bar.Close,
				High:           bar.High,
				Low:            bar.Low,
				Volume:         bar.Volume,
				Signal:         decision.FinalAction,
				Confidence:     decision.ConfidenceScore,
				PositionBefore: before,
				PositionAfter:  pos,
				DailyPnL:       pnl.InexactFloat64(),
				CumulativePnL:  cumulative.InexactFloat64(),
			})
		}
	}

	finalValue := portfolioValue(positions)
	totalPnL := finalValue.Sub(initialValue)
	returnPct := decimal.Zero
	if initialValue.IsPositive() {
		returnPct = totalPnL.Div(initialValue).Mul(decimal.NewFromInt(100))
	}

	result := &Result{
		StartDate:             start,
		EndDate:               end,
		Days:                  days,
		InitialCash:           e.initialCash.InexactFloat64(),
		InitialPortfolioValue: initialValue.InexactFloat64(),
		FinalPortfolioValue:   finalValue.InexactFloat64(),
		TotalPnL:              totalPnL.InexactFloat64(),
		TotalReturnPct:        returnPct.InexactFloat64(),
		DailyResults:          daily,
		TickerPerformance:     tickerPerformance(daily),
	}

	e.log.Info().
		Float64("total_pnl", result.TotalPnL).
		Float64("total_return_pct", result.TotalReturnPct).
		Int("rows", len(daily)).
		Msg("Backtest finished")
	return result, nil
}

func (e *Engine) loadHistory(ctx context.Context, tickers []string, start, end time.Time) map[string]map[string]risk.Bar {
	history := make(map[string]map[string]risk.Bar, len(tickers))
	for _, ticker := range tickers {
		bars := e.candles.FetchPriceHistory(ctx, ticker, start, end)
		byDate := make(map[string]risk.Bar, len(bars))
		for _, b := range bars {
			byDate[dateKey(b.Date)] = b
		}
		history[ticker] = byDate
		e.log.Debug().Str("ticker", ticker).Int("bars", len(byDate)).Msg("Loaded history")
	}
	return history
}

func (e *Engine) decide(ctx context.Context, positions map[string]Position, news []advisor.NewsItem) map[string]advisor.AggregatedDecision {
	current := make(advisor.Portfolio, len(positions))
	for t, p := range positions {
		current[t] = advisor.Position{Quantity: p.Quantity, AvgPrice: p.AvgPrice}
	}

	decisions := advisor.Aggregate(e.panel.Discuss(ctx, current, news))
	out := make(map[string]advisor.AggregatedDecision, len(decisions))
	for _, d := range decisions {
		out[d.Ticker] = d
	}
	return out
}

// initialPositions marks every ticker at the open of its first bar in the
// window.
// Tickers without any bar are left out.
func initialPositions(portfolio advisor.Portfolio, history map[string]map[string]risk.Bar, tickers []string) map[string]Position {
	positions := make(map[string]Position, len(tickers))
	for _, t := range tickers {
		bars := history[t]
		if len(bars) == 0 {
			continue
		}
		keys := make([]string, 0, len(bars))
		for k := range bars {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		first := bars[keys[0]]

		pos := portfolio[t]
		avg := pos.AvgPrice
		if avg == 0 {
			avg = first.Open
		}
		positions[t] = Position{Ticker: t, Quantity: pos.Quantity, AvgPrice: avg, MarkPrice: first.Open}
	}
	return positions
}

func portfolioValue(positions map[string]Position) decimal.Decimal {
	total := decimal.Zero
	for _, p := range positions {
		total = total.Add(decimal.NewFromInt(int64(p.Quantity)).Mul(decimal.NewFromFloat(p.MarkPrice)))
	}
	return total
}

func anyTrading(history map[string]map[string]risk.Bar, tickers []string, d time.Time) bool {
	key := dateKey(d)
	for _, t := range tickers {
		if _, ok := history[t][key]; ok {
			return true
		}
	}
	return false
}

func dateKey(t time.Time) string {
	return t.Format(time.DateOnly)
}
