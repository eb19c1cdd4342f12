package market

import (
	"context"
	"fmt"
	"time"
	_ "time/tzdata" // Europe/Moscow must resolve on hosts without zoneinfo

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/moexadvisor/internal/risk"
)

// DefaultBenchmark is the MOEX Russia index.
const DefaultBenchmark = "IMOEX"

// ProviderConfig configures a Provider.
type ProviderConfig struct {
	Board          string
	Benchmark      string
	SeasonalPeriod int
	Location       *time.Location
	Cache          *HistoryCache
}

// Provider serves daily series to the risk stage and the backtest. Fetch
// failures are logged and yield empty series; they never propagate.
type Provider struct {
	equity    *Client
	index     *Client
	cache     *HistoryCache
	board     string
	benchmark string
	period    int
	loc       *time.Location
	now       func() time.Time
	log       zerolog.Logger
}

// NewProvider creates a provider over an equity (stock/shares) client. The
// benchmark is read from stock/index on the same transport.
func NewProvider(client *Client, cfg ProviderConfig) *Provider {
	if cfg.Board == "" {
		cfg.Board = DefaultBoard
	}
	if cfg.Benchmark == "" {
		cfg.Benchmark = DefaultBenchmark
	}
	if cfg.SeasonalPeriod <= 0 {
		cfg.SeasonalPeriod = risk.DefaultSeasonalPeriod
	}
	if cfg.Location == nil {
		cfg.Location = MoscowLocation()
	}

	return &Provider{
		equity:    client,
		index:     client.ForMarket(DefaultEngine, "index"),
		cache:     cfg.Cache,
		board:     cfg.Board,
		benchmark: cfg.Benchmark,
		period:    cfg.SeasonalPeriod,
		loc:       cfg.Location,
		now:       time.Now,
		log:       log.With().Str("component", "market-provider").Logger(),
	}
}

// MoscowLocation returns Europe/Moscow, falling back to a fixed UTC+3 zone.
func MoscowLocation() *time.Location {
	loc, err := time.LoadLocation("Europe/Moscow")
	if err != nil {
		return time.FixedZone("MSK", 3*60*60)
	}
	return loc
}

// LastMonth returns [today-1 month, today] for the calendar day of now in
// loc. Month ends clamp (March 31 maps to February 28/29).
func LastMonth(now time.Time, loc *time.Location) (from, till time.Time) {
	local := now.In(loc)
	till = time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)

	year, month := till.Year(), till.Month()-1
	if month < time.January {
		month = time.December
		year--
	}
	day := min(till.Day(), daysIn(year, month))
	from = time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	return from, till
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// Range is the risk look-back window for the current day.
func (p *Provider) Range() (from, till time.Time) {
	return LastMonth(p.now(), p.loc)
}

// Close returns the preferred daily close series for ticker, falling back
// to daily candle closes when history is empty.
func (p *Provider) Close(ctx context.Context, ticker string, from, till time.Time) risk.Series {
	key := historyKey("close", ticker, from, till)
	var cached risk.Series
	if p.cache.Get(ctx, key, &cached) {
		return cached
	}

	rows, err := p.equity.HistoryDaily(ctx, ticker, from, till, p.board)
	if err != nil {
		p.log.Warn().Err(err).Str("ticker", ticker).Msg("Failed to fetch daily history")
	}

	var series risk.Series
	for _, r := range rows {
		if c, ok := r.PreferredClose(); ok {
			series = append(series, risk.Point{Date: r.TradeDate, Value: c})
		}
	}

	if len(series) == 0 {
		for _, b := range p.OHLC(ctx, ticker, from, till) {
			series = append(series, risk.Point{Date: b.Date, Value: b.Close})
		}
	}

	p.store(ctx, key, series)
	return series
}

// OHLC returns daily candles for ticker.
func (p *Provider) OHLC(ctx context.Context, ticker string, from, till time.Time) []risk.Bar {
	return p.bars(ctx, p.equity, "ohlc", ticker, from, till)
}

// FetchPriceHistory returns daily OHLCV bars for ticker; empty on failure.
func (p *Provider) FetchPriceHistory(ctx context.Context, ticker string, from, till time.Time) []risk.Bar {
	return p.OHLC(ctx, ticker, from, till)
}

// Benchmark returns daily index closes for the configured benchmark.
func (p *Provider) Benchmark(ctx context.Context, from, till time.Time) risk.Series {
	bars := p.bars(ctx, p.index, "index", p.benchmark, from, till)
	series := make(risk.Series, 0, len(bars))
	for _, b := range bars {
		series = append(series, risk.Point{Date: b.Date, Value: b.Close})
	}
	return series
}

// RiskFeatures fetches the last month of closes, candles and benchmark for
// ticker and computes its risk features.
func (p *Provider) RiskFeatures(ctx context.Context, ticker string) (*risk.Features, error) {
	from, till := p.Range()

	closes := p.Close(ctx, ticker, from, till)
	if len(closes) == 0 {
		return nil, fmt.Errorf("no price history for %s between %s and %s",
			ticker, from.Format(dateLayout), till.Format(dateLayout))
	}
	ohlc := p.OHLC(ctx, ticker, from, till)
	bench := p.Benchmark(ctx, from, till)

	features, err := risk.Compute(closes, ohlc, bench, p.period)
	if err != nil {
		return nil, fmt.Errorf("failed to compute risk features for %s: %w", ticker, err)
	}
	return features, nil
}

func (p *Provider) bars(ctx context.Context, client *Client, kind, secid string, from, till time.Time) []risk.Bar {
	key := historyKey(kind, secid, from, till)
	var cached []risk.Bar
	if p.cache.Get(ctx, key, &cached) {
		return cached
	}

	candles, err := client.Candles(ctx, secid, from, till, IntervalDaily)
	if err != nil {
		p.log.Warn().Err(err).Str("secid", secid).Str("kind", kind).Msg("Failed to fetch daily candles")
		return nil
	}

	bars := make([]risk.Bar, 0, len(candles))
	for _, c := range candles {
		bars = append(bars, risk.Bar{
			Date:   time.Date(c.End.Year(), c.End.Month(), c.End.Day(), 0, 0, 0, 0, time.UTC),
			Open:   c.Open,
			High:   c.High,
			Low:    c.Low,
			Close:  c.Close,
			Volume: c.Volume,
		})
	}

	p.store(ctx, key, bars)
	return bars
}

func (p *Provider) store(ctx context.Context, key string, value any) {
	if p.cache == nil {
		return
	}
	switch v := value.(type) {
	case risk.Series:
		if len(v) == 0 {
			return
		}
	case []risk.Bar:
		if len(v) == 0 {
			return
		}
	}
	_ = p.cache.Set(ctx, key, value) // failures are logged by the cache
}
