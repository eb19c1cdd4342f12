package risk

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day0 = time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)

func seriesFrom(values []float64) Series {
	s := make(Series, len(values))
	for i, v := range values {
		s[i] = Point{Date: day0.AddDate(0, 0, i), Value: v}
	}
	return s
}

func constantBars(n int, price float64) []Bar {
	bars := make([]Bar, n)
	for i := range bars {
		bars[i] = Bar{Date: day0.AddDate(0, 0, i), Open: price, High: price, Low: price, Close: price}
	}
	return bars
}

func TestClassifyRegime(t *testing.T) {
	assert.Equal(t, RegimeTrend, ClassifyRegime(0.6, 0.01))
	assert.Equal(t, RegimeRange, ClassifyRegime(0.6, 0.03))
	assert.Equal(t, RegimeRange, ClassifyRegime(0.5, 0.01))
	assert.Equal(t, RegimeTrend, ClassifyRegime(0.55, 0.02))
}

func TestDrawdown(t *testing.T) {
	tests := []struct {
		name            string
		prices          []float64
		maxDD, currentDD float64
	}{
		{"monotonic increase", []float64{100, 101, 105, 110}, 0, 0},
		{"halves from peak", []float64{100, 200, 150, 100}, -0.5, -0.5},
		{"recovers", []float64{100, 50, 120}, -0.5, 0},
		{"single", []float64{42}, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			maxDD, cur := Drawdown(tt.prices)
			assert.InDelta(t, tt.maxDD, maxDD, 1e-12)
			assert.InDelta(t, tt.currentDD, cur, 1e-12)
		})
	}
}

func TestParkinsonSeries_ConstantPrice(t *testing.T) {
	series := ParkinsonSeries(constantBars(25, 100), DefaultWindow)

	require.Len(t, series, 25)
	for i := 0; i < DefaultWindow-1; i++ {
		assert.True(t, math.IsNaN(series[i]), "index %d should be empty before the window fills", i)
	}
	for i := DefaultWindow - 1; i < 25; i++ {
		assert.Equal(t, 0.0, series[i])
	}

	last := lastValue(series)
	require.NotNil(t, last)
	assert.Equal(t, 0.0, *last)

	assert.Nil(t, lastValue(ParkinsonSeries(constantBars(10, 100), DefaultWindow)))
}

func TestGarmanKlassSeries(t *testing.T) {
	series := GarmanKlassSeries(constantBars(20, 50), DefaultWindow)
	require.NotNil(t, lastValue(series))
	assert.Equal(t, 0.0, *lastValue(series))

	// Open-to-close moves larger than the range push the daily variance
	// below zero; the estimator clips it.
	bars := make([]Bar, 20)
	for i := range bars {
		bars[i] = Bar{Date: day0.AddDate(0, 0, i), Open: 100, High: 100.1, Low: 100, Close: 110}
	}
	clipped := lastValue(GarmanKlassSeries(bars, DefaultWindow))
	require.NotNil(t, clipped)
	assert.Equal(t, 0.0, *clipped)
}

func TestCloseToCloseVol(t *testing.T) {
	returns := []float64{0.01, -0.01, 0.01, -0.01}
	assert.InDelta(t, 0.01*math.Sqrt(252), CloseToCloseVol(returns), 1e-12)
}

func TestRollingBeta(t *testing.T) {
	n := 30
	bench := make([]float64, n)
	asset := make([]float64, n)
	logB := 0.0
	for i := range bench {
		logB += 0.01 * math.Sin(float64(i))
		bench[i] = 1000 * math.Exp(logB)
		asset[i] = 100 * math.Exp(2*logB)
	}

	beta := RollingBeta(seriesFrom(asset), seriesFrom(bench), DefaultWindow)
	require.NotNil(t, beta)
	assert.InDelta(t, 2.0, *beta, 1e-9)

	// Benchmark covering only the last 15 days leaves too few aligned dates.
	short := seriesFrom(bench)[15:]
	assert.Nil(t, RollingBeta(seriesFrom(asset), short, DefaultWindow))

	flat := make([]float64, n)
	for i := range flat {
		flat[i] = 1000
	}
	assert.Nil(t, RollingBeta(seriesFrom(asset), seriesFrom(flat), DefaultWindow))
}

func TestDefaultSTLOptions(t *testing.T) {
	opts := DefaultSTLOptions(5, true)
	assert.Equal(t, 7, opts.SeasonalSpan)
	assert.Equal(t, 11, opts.TrendSpan)
	assert.Equal(t, 7, opts.LowPassSpan)
	assert.Equal(t, 2, opts.InnerIter)
	assert.Equal(t, 15, opts.OuterIter)

	plain := DefaultSTLOptions(12, false)
	assert.Equal(t, 13, plain.LowPassSpan)
	assert.Equal(t, 5, plain.InnerIter)
	assert.Equal(t, 0, plain.OuterIter)
}

func TestDecompose_PureSeasonal(t *testing.T) {
	pattern := []float64{0, 0.02, -0.01, 0.01, -0.02}
	y := make([]float64, 40)
	for i := range y {
		y[i] = pattern[i%5]
	}

	dec, err := Decompose(y, DefaultSTLOptions(5, true))
	require.NoError(t, err)

	for i := range y {
		assert.InDelta(t, y[i], dec.Trend[i]+dec.Seasonal[i]+dec.Resid[i], 1e-12)
		assert.InDelta(t, y[i], dec.Seasonal[i], 1e-9)
		assert.InDelta(t, 0, dec.Trend[i], 1e-9)
	}
}

// Reference values from the netlib STL routine (period 5, seasonal 7,
// trend 11, low-pass 7, 2 inner and 15 outer iterations).
func TestDecompose_RobustGolden(t *testing.T) {
	y := []float64{
		101.20, 99.90, 101.85, 99.35, 100.30,
		102.75, 100.45, 103.10, 100.95, 101.40,
		104.05, 101.60, 104.20, 101.85, 102.95,
		105.10, 102.70, 113.40, 102.55, 103.85,
		106.30, 103.55, 105.90, 103.20, 104.95,
		107.15, 104.40, 106.85, 104.35, 105.60,
	}
	wantTrend := []float64{
		100.0208533483, 100.2655276582, 100.5112612712, 100.7574292315, 101.0022119014,
		101.2444951959, 101.4915649139, 101.7307680937, 101.9591011932, 102.1932969243,
		102.4355059112, 102.6695341176, 102.8943010432, 103.1187988864, 103.3323733978,
		103.5257627733, 103.7089192603, 103.8905709061, 104.0714223095, 104.2507326165,
		104.4209967984, 104.5957339943, 104.7750291858, 104.9494417149, 105.1263796765,
		105.3175414813, 105.5015171277, 105.6845709025, 105.8676665285, 106.0503149781,
	}
	wantSeasonal := []float64{
		1.2542225564, -0.5592244496, 1.3651718959, -1.2600215348, -0.7705147498,
		1.4039161233, -0.7651938871, 1.3284197437, -1.3046631423, -0.6357054502,
		1.5555135788, -0.9654375333, 1.2820688672, -1.3534941142, -0.5086534032,
		1.6755149834, -1.0512408841, 1.2246091631, -1.4719610287, -0.3913992236,
		1.7668247279, -1.0659093366, 1.1770155107, -1.5631228447, -0.3571403958,
		1.8711613312, -1.0778692944, 1.1332968439, -1.6410601680, -0.3299878575,
	}
	wantResid := []float64{
		-0.0750759048, 0.1936967914, -0.0264331670, -0.1474076967, 0.0683028484,
		0.1015886808, -0.2763710268, 0.0408121626, 0.2955619491, -0.1575914741,
		0.0589805101, -0.1040965842, 0.0236300896, 0.0846952278, 0.1262800054,
		-0.1012777566, 0.0423216239, 8.2848199309, -0.0494612808, -0.0093333929,
		0.1121784737, 0.0201753424, -0.0520446965, -0.1863188701, 0.1807607193,
		-0.0387028125, -0.0236478333, 0.0321322536, 0.1233936394, -0.1203271206,
	}

	dec, err := Decompose(y, DefaultSTLOptions(5, true))
	require.NoError(t, err)

	for i := range y {
		assert.InDelta(t, wantTrend[i], dec.Trend[i], 1e-8, "trend[%d]", i)
		assert.InDelta(t, wantSeasonal[i], dec.Seasonal[i], 1e-8, "seasonal[%d]", i)
		assert.InDelta(t, wantResid[i], dec.Resid[i], 1e-8, "resid[%d]", i)
	}

	// The spike at index 17 is fully down-weighted and lands in the residual.
	assert.Equal(t, 0.0, dec.Weights[17])
	assert.InDelta(t, 0.5695880074, dec.Weights[6], 1e-8)
	assert.Greater(t, dec.Resid[17], 8.0)
}

func TestDecompose_Validation(t *testing.T) {
	_, err := Decompose([]float64{1, 2, 3}, DefaultSTLOptions(5, true))
	assert.Error(t, err)

	_, err = Decompose(make([]float64, 20), DefaultSTLOptions(1, true))
	assert.Error(t, err)

	y := make([]float64, 20)
	y[3] = math.NaN()
	_, err = Decompose(y, DefaultSTLOptions(5, true))
	assert.Error(t, err)
}

func TestCompute_TrendingSeries(t *testing.T) {
	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 100 * math.Exp(0.01*float64(i))
	}

	f, err := Compute(seriesFrom(closes), nil, nil, 5)
	require.NoError(t, err)

	assert.Greater(t, f.TrendStrength, 0.55)
	assert.Less(t, f.ResidVol, 0.02)
	assert.Equal(t, RegimeTrend, f.Regime)
	assert.InDelta(t, 0, f.AnnVolClose2Close, 1e-9)
	assert.Equal(t, 0.0, f.MaxDrawdown)
	assert.Nil(t, f.AnnVolParkinson)
	assert.Nil(t, f.AnnVolGarmanKlass)
	assert.Nil(t, f.RollingBeta20d)
	assert.Contains(t, f.Notes, "trend=")
	assert.Contains(t, f.Notes, "resid_vol=")
}

func TestCompute_ConstantSeries(t *testing.T) {
	closes := make([]float64, 25)
	for i := range closes {
		closes[i] = 250
	}

	f, err := Compute(seriesFrom(closes), constantBars(25, 250), nil, 5)
	require.NoError(t, err)

	assert.Equal(t, 0.0, f.TrendStrength)
	assert.Equal(t, 0.0, f.SeasonStrength)
	assert.Equal(t, RegimeRange, f.Regime)
	require.NotNil(t, f.AnnVolParkinson)
	assert.Equal(t, 0.0, *f.AnnVolParkinson)
}

func TestCompute_UnsortedInputAndNulls(t *testing.T) {
	closes := []float64{100, 102, 101, 104, 103, 106, 105, 108, 107, 110, 109, 112}
	s := seriesFrom(closes)
	reversed := make(Series, len(s))
	for i := range s {
		reversed[len(s)-1-i] = s[i]
	}

	a, err := Compute(s, nil, nil, 5)
	require.NoError(t, err)
	b, err := Compute(reversed, nil, nil, 5)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	data, err := json.Marshal(a)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"ann_vol_parkinson":null`)
	assert.Contains(t, string(data), `"rolling_beta_20d":null`)
}

func TestCompute_InsufficientData(t *testing.T) {
	_, err := Compute(seriesFrom([]float64{100, 101, 102}), nil, nil, 5)
	assert.ErrorIs(t, err, ErrInsufficientData)

	_, err = Compute(nil, nil, nil, 0)
	assert.ErrorIs(t, err, ErrInsufficientData)

	bad := seriesFrom([]float64{100, 101, 0, 103, 104, 105, 106, 107, 108, 109})
	_, err = Compute(bad, nil, nil, 5)
	assert.Error(t, err)
}
