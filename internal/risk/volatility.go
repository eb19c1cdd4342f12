package risk

import (
	"math"
)

// TradingDays annualizes daily volatility.
const TradingDays = 252

// DefaultWindow is the rolling window for range estimators and beta.
const DefaultWindow = 20

// logReturns returns the first difference of ln(prices).
func logReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		out[i-1] = math.Log(prices[i]) - math.Log(prices[i-1])
	}
	return out
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// variance with ddof degrees of freedom removed; NaN when undefined.
func variance(values []float64, ddof int) float64 {
	n := len(values)
	if n-ddof <= 0 {
		return math.NaN()
	}
	m := mean(values)
	ss := 0.0
	for _, v := range values {
		d := v - m
		ss += d * d
	}
	return ss / float64(n-ddof)
}

// covariance with Bessel's correction.
func covariance(x, y []float64) float64 {
	n := len(x)
	if n < 2 || n != len(y) {
		return math.NaN()
	}
	mx, my := mean(x), mean(y)
	s := 0.0
	for i := range x {
		s += (x[i] - mx) * (y[i] - my)
	}
	return s / float64(n-1)
}

// CloseToCloseVol is the population standard deviation of log returns,
// annualized.
func CloseToCloseVol(returns []float64) float64 {
	return math.Sqrt(variance(returns, 0)) * math.Sqrt(TradingDays)
}

// rollingMean returns the trailing mean over window; entries before the
// window fills, or whose window holds a NaN, are NaN.
func rollingMean(values []float64, window int) []float64 {
	out := make([]float64, len(values))
	for i := range values {
		if i+1 < window {
			out[i] = math.NaN()
			continue
		}
		sum := 0.0
		for _, v := range values[i+1-window : i+1] {
			sum += v
		}
		out[i] = sum / float64(window)
	}
	return out
}

// ParkinsonSeries is the rolling annualized Parkinson range estimator.
func ParkinsonSeries(bars []Bar, window int) []float64 {
	sq := make([]float64, len(bars))
	for i, b := range bars {
		r := math.Log(b.High / b.Low)
		sq[i] = finiteOrNaN(r * r)
	}

	coef := 1 / (4 * math.Ln2)
	out := rollingMean(sq, window)
	for i, m := range out {
		out[i] = math.Sqrt(coef*m) * math.Sqrt(TradingDays)
	}
	return out
}

// GarmanKlassSeries is the rolling annualized Garman-Klass estimator. The
// daily variance is clipped at zero before the square root.
func GarmanKlassSeries(bars []Bar, window int) []float64 {
	terms := make([]float64, len(bars))
	k := 2*math.Ln2 - 1
	for i, b := range bars {
		hl := math.Log(b.High / b.Low)
		co := math.Log(b.Close / b.Open)
		terms[i] = finiteOrNaN(0.5*hl*hl - k*co*co)
	}

	out := rollingMean(terms, window)
	for i, v := range out {
		if !math.IsNaN(v) && v < 0 {
			v = 0
		}
		out[i] = math.Sqrt(v) * math.Sqrt(TradingDays)
	}
	return out
}

// lastValue returns the final element when it is a number and at least one
// element is; otherwise nil.
func lastValue(series []float64) *float64 {
	if len(series) == 0 {
		return nil
	}
	v := series[len(series)-1]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// Drawdown returns the most negative and the latest value of
// price/running-max - 1.
func Drawdown(prices []float64) (maxDD, currentDD float64) {
	if len(prices) == 0 {
		return 0, 0
	}

	peak := prices[0]
	for _, p := range prices {
		if p > peak {
			peak = p
		}
		if dd := p/peak - 1; dd < maxDD {
			maxDD = dd
		}
	}
	currentDD = prices[len(prices)-1]/peak - 1
	return maxDD, currentDD
}

// RollingBeta is cov/var of asset against benchmark daily log returns over
// the last window dates present in both series. It is nil with fewer than
// window aligned observations or a flat benchmark.
func RollingBeta(asset, benchmark Series, window int) *float64 {
	ar := asset.logReturnsByDate()
	br := benchmark.logReturnsByDate()

	var dates []string
	for d := range ar {
		if _, ok := br[d]; ok {
			dates = append(dates, d)
		}
	}
	if len(dates) < window {
		return nil
	}
	sortDates(dates)
	dates = dates[len(dates)-window:]

	x := make([]float64, window)
	y := make([]float64, window)
	for i, d := range dates {
		x[i] = ar[d]
		y[i] = br[d]
	}

	v := variance(y, 1)
	if !(v > 0) {
		return nil
	}
	beta := covariance(x, y) / v
	if math.IsNaN(beta) || math.IsInf(beta, 0) {
		return nil
	}
	return &beta
}

// ClassifyRegime labels a series "trend" when the decomposition is
// dominated by a smooth trend with small residual noise.
func ClassifyRegime(trendStrength, residVol float64) string {
	if trendStrength >= 0.55 && residVol <= 0.02 {
		return RegimeTrend
	}
	return RegimeRange
}

func finiteOrNaN(v float64) float64 {
	if math.IsInf(v, 0) {
		return math.NaN()
	}
	return v
}
