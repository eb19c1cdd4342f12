// Package risk computes quantitative risk features from daily price
// history: STL trend/season strength, volatility estimators, drawdown,
// beta against a benchmark and a coarse regime label.
package risk

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// Regime labels.
const (
	RegimeTrend = "trend"
	RegimeRange = "range"
)

// DefaultSeasonalPeriod is a trading week of daily bars.
const DefaultSeasonalPeriod = 5

// ErrInsufficientData is returned when the price series is too short to
// decompose.
var ErrInsufficientData = errors.New("insufficient price history")

// Point is one dated observation.
type Point struct {
	Date  time.Time `json:"date"`
	Value float64   `json:"value"`
}

// Series is a dated price series; order does not matter.
type Series []Point

// Values returns the observations sorted by date.
func (s Series) Values() []float64 {
	sorted := s.sorted()
	out := make([]float64, len(sorted))
	for i, p := range sorted {
		out[i] = p.Value
	}
	return out
}

func (s Series) sorted() Series {
	out := make(Series, 0, len(s))
	for _, p := range s {
		if math.IsNaN(p.Value) {
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

// logReturnsByDate keys each log return by the calendar date it ends on.
func (s Series) logReturnsByDate() map[string]float64 {
	sorted := s.sorted()
	out := make(map[string]float64, len(sorted))
	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1].Value, sorted[i].Value
		if prev <= 0 || cur <= 0 {
			continue
		}
		out[dateKey(sorted[i].Date)] = math.Log(cur) - math.Log(prev)
	}
	return out
}

func dateKey(t time.Time) string {
	return t.Format("2006-01-02")
}

func sortDates(dates []string) {
	sort.Strings(dates)
}

// Bar is a daily OHLCV candle.
type Bar struct {
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

func sortBars(bars []Bar) []Bar {
	out := make([]Bar, len(bars))
	copy(out, bars)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

// Features summarizes the risk profile of one instrument. Pointer fields
// are null when the input did not allow computing them.
type Features struct {
	TrendStrength     float64  `json:"trend_strength"`
	SeasonStrength    float64  `json:"season_strength"`
	ResidVol          float64  `json:"resid_vol"`
	AnnVolClose2Close float64  `json:"ann_vol_close2close"`
	AnnVolParkinson   *float64 `json:"ann_vol_parkinson"`
	AnnVolGarmanKlass *float64 `json:"ann_vol_garman_klass"`
	MaxDrawdown       float64  `json:"max_drawdown"`
	CurrentDrawdown   float64  `json:"current_drawdown"`
	RollingBeta20d    *float64 `json:"rolling_beta_20d"`
	Regime            string   `json:"regime"`
	Notes             string   `json:"notes"`
}

// Compute derives Features from daily closes, optional OHLC bars and an
// optional benchmark close series. period <= 0 means DefaultSeasonalPeriod.
func Compute(prices Series, ohlc []Bar, benchmark Series, period int) (*Features, error) {
	if period <= 0 {
		period = DefaultSeasonalPeriod
	}

	closes := prices.Values()
	if len(closes) < 2 || len(closes) < 2*period {
		return nil, fmt.Errorf("%w: %d closes, need %d", ErrInsufficientData, len(closes), max(2, 2*period))
	}
	logp := make([]float64, len(closes))
	for i, c := range closes {
		if c <= 0 {
			return nil, fmt.Errorf("non-positive close %v at index %d", c, i)
		}
		logp[i] = math.Log(c)
	}

	dec, err := Decompose(logp, DefaultSTLOptions(period, true))
	if err != nil {
		return nil, fmt.Errorf("failed to decompose price series: %w", err)
	}

	total := make([]float64, len(logp))
	for i := range total {
		total[i] = dec.Trend[i] + dec.Seasonal[i] + dec.Resid[i]
	}
	totalVar := variance(total, 1)

	f := &Features{}
	// Numerically flat series count as zero variance.
	if totalVar > 1e-18 {
		f.TrendStrength = variance(dec.Trend, 1) / totalVar
		f.SeasonStrength = variance(dec.Seasonal, 1) / totalVar
	}
	f.ResidVol = math.Sqrt(variance(dec.Resid, 1))

	f.AnnVolClose2Close = CloseToCloseVol(logReturns(closes))

	if len(ohlc) > 0 {
		bars := sortBars(ohlc)
		f.AnnVolParkinson = lastValue(ParkinsonSeries(bars, DefaultWindow))
		f.AnnVolGarmanKlass = lastValue(GarmanKlassSeries(bars, DefaultWindow))
	}

	f.MaxDrawdown, f.CurrentDrawdown = Drawdown(closes)

	if len(benchmark) > 0 {
		f.RollingBeta20d = RollingBeta(prices, benchmark, DefaultWindow)
	}

	f.Regime = ClassifyRegime(f.TrendStrength, f.ResidVol)
	f.Notes = fmt.Sprintf("trend=%.2f, season=%.2f, resid_vol=%.3f", f.TrendStrength, f.SeasonStrength, f.ResidVol)

	return f, nil
}
