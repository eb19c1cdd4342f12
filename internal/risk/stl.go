package risk

import (
	"fmt"
	"math"
	"slices"
)

// STLOptions controls the seasonal-trend decomposition. All spans are odd
// window lengths in observations; all degrees are 0 or 1.
type STLOptions struct {
	Period       int
	SeasonalSpan int
	TrendSpan    int
	LowPassSpan  int
	SeasonalDeg  int
	TrendDeg     int
	LowPassDeg   int
	InnerIter    int
	OuterIter    int
}

// Decomposition is the output of STL: y = Trend + Seasonal + Resid.
type Decomposition struct {
	Trend    []float64
	Seasonal []float64
	Resid    []float64
	Weights  []float64 // robustness weights, all 1 when not robust
}

// DefaultSTLOptions returns the classic STL parameters for period: a
// seasonal span of 7, the smallest odd trend span >= 1.5p/(1-1.5/7) and
// the smallest odd low-pass span > p. Robust fits use 2 inner and 15
// outer iterations, non-robust fits 5 inner and none outer.
func DefaultSTLOptions(period int, robust bool) STLOptions {
	seasonal := 7
	trend := int(math.Ceil(1.5 * float64(period) / (1 - 1.5/float64(seasonal))))
	trend = nextOdd(trend)
	lowPass := nextOdd(period + 1)

	opts := STLOptions{
		Period:       period,
		SeasonalSpan: seasonal,
		TrendSpan:    trend,
		LowPassSpan:  lowPass,
		SeasonalDeg:  1,
		TrendDeg:     1,
		LowPassDeg:   1,
		InnerIter:    5,
		OuterIter:    0,
	}
	if robust {
		opts.InnerIter = 2
		opts.OuterIter = 15
	}
	return opts
}

func nextOdd(n int) int {
	if n%2 == 0 {
		return n + 1
	}
	return n
}

// Decompose runs STL on y.
func Decompose(y []float64, opts STLOptions) (*Decomposition, error) {
	n := len(y)
	switch {
	case opts.Period < 2:
		return nil, fmt.Errorf("period must be at least 2, got %d", opts.Period)
	case n < 2*opts.Period:
		return nil, fmt.Errorf("need at least %d observations for period %d, got %d", 2*opts.Period, opts.Period, n)
	case opts.SeasonalSpan < 3 || opts.SeasonalSpan%2 == 0:
		return nil, fmt.Errorf("seasonal span must be odd and >= 3, got %d", opts.SeasonalSpan)
	case opts.TrendSpan < 3 || opts.TrendSpan%2 == 0:
		return nil, fmt.Errorf("trend span must be odd and >= 3, got %d", opts.TrendSpan)
	case opts.LowPassSpan < 3 || opts.LowPassSpan%2 == 0:
		return nil, fmt.Errorf("low-pass span must be odd and >= 3, got %d", opts.LowPassSpan)
	case opts.InnerIter < 1:
		return nil, fmt.Errorf("inner iterations must be positive, got %d", opts.InnerIter)
	}
	for i, v := range y {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("non-finite observation at index %d", i)
		}
	}

	trend := make([]float64, n)
	season := make([]float64, n)
	var rw []float64

	for k := 0; ; k++ {
		stlInner(y, opts, rw, season, trend)
		if k >= opts.OuterIter {
			break
		}
		fit := make([]float64, n)
		for i := range fit {
			fit[i] = trend[i] + season[i]
		}
		rw = robustnessWeights(y, fit)
	}

	resid := make([]float64, n)
	for i := range y {
		resid[i] = y[i] - trend[i] - season[i]
	}

	weights := rw
	if weights == nil {
		weights = make([]float64, n)
		for i := range weights {
			weights[i] = 1
		}
	}

	return &Decomposition{Trend: trend, Seasonal: season, Resid: resid, Weights: weights}, nil
}

// stlInner updates season and trend in place.
func stlInner(y []float64, opts STLOptions, rw, season, trend []float64) {
	n := len(y)
	p := opts.Period
	detrended := make([]float64, n)
	deseasoned := make([]float64, n)

	for iter := 0; iter < opts.InnerIter; iter++ {
		for i := range y {
			detrended[i] = y[i] - trend[i]
		}

		cycle := cycleSubseries(detrended, p, opts.SeasonalSpan, opts.SeasonalDeg, rw)
		low := loess(lowPass(cycle, p), opts.LowPassSpan, opts.LowPassDeg, nil)

		for i := 0; i < n; i++ {
			season[i] = cycle[p+i] - low[i]
			deseasoned[i] = y[i] - season[i]
		}

		copy(trend, loess(deseasoned, opts.TrendSpan, opts.TrendDeg, rw))
	}
}

// cycleSubseries smooths each of the period subseries and extends every
// one by a point on each side; the result has len(y)+2*period entries.
func cycleSubseries(y []float64, period, span, degree int, rw []float64) []float64 {
	n := len(y)
	out := make([]float64, n+2*period)

	for j := 1; j <= period; j++ {
		k := (n-j)/period + 1
		sub := make([]float64, k)
		var subw []float64
		if rw != nil {
			subw = make([]float64, k)
		}
		for i := 1; i <= k; i++ {
			idx := (i-1)*period + j - 1
			sub[i-1] = y[idx]
			if rw != nil {
				subw[i-1] = rw[idx]
			}
		}

		smooth := make([]float64, k+2)
		copy(smooth[1:], loess(sub, span, degree, subw))

		w := make([]float64, k)
		if v, ok := loessAt(sub, span, degree, 0, 1, min(span, k), w, subw); ok {
			smooth[0] = v
		} else {
			smooth[0] = smooth[1]
		}
		if v, ok := loessAt(sub, span, degree, float64(k+1), max(1, k-span+1), k, w, subw); ok {
			smooth[k+1] = v
		} else {
			smooth[k+1] = smooth[k]
		}

		for m := 1; m <= k+2; m++ {
			out[(m-1)*period+j-1] = smooth[m-1]
		}
	}

	return out
}

// lowPass applies moving averages of length period, period and 3.
func lowPass(x []float64, period int) []float64 {
	return movingAverage(movingAverage(movingAverage(x, period), period), 3)
}

func movingAverage(x []float64, length int) []float64 {
	n := len(x) - length + 1
	if n < 1 {
		return nil
	}
	out := make([]float64, n)
	sum := 0.0
	for i := 0; i < length; i++ {
		sum += x[i]
	}
	out[0] = sum / float64(length)
	for i := 1; i < n; i++ {
		sum += x[i+length-1] - x[i-1]
		out[i] = sum / float64(length)
	}
	return out
}

// loess smooths y at every position with a tricube-weighted local fit
// over span neighbours.
func loess(y []float64, span, degree int, rw []float64) []float64 {
	n := len(y)
	ys := make([]float64, n)
	if n < 2 {
		copy(ys, y)
		return ys
	}

	w := make([]float64, n)
	if span >= n {
		for i := 1; i <= n; i++ {
			v, ok := loessAt(y, span, degree, float64(i), 1, n, w, rw)
			if !ok {
				v = y[i-1]
			}
			ys[i-1] = v
		}
		return ys
	}

	half := (span + 1) / 2
	left, right := 1, span
	for i := 1; i <= n; i++ {
		if i > half && right != n {
			left++
			right++
		}
		v, ok := loessAt(y, span, degree, float64(i), left, right, w, rw)
		if !ok {
			v = y[i-1]
		}
		ys[i-1] = v
	}
	return ys
}

// loessAt estimates the smooth at (1-based) position xs from observations
// left..right. ok is false when every weight vanished.
func loessAt(y []float64, span, degree int, xs float64, left, right int, w, rw []float64) (float64, bool) {
	n := len(y)
	rng := float64(n) - 1
	h := math.Max(xs-float64(left), float64(right)-xs)
	if span > n {
		h += float64((span - n) / 2)
	}
	h9 := 0.999 * h
	h1 := 0.001 * h

	total := 0.0
	for j := left; j <= right; j++ {
		w[j-1] = 0
		r := math.Abs(float64(j) - xs)
		if r > h9 {
			continue
		}
		if r <= h1 {
			w[j-1] = 1
		} else {
			w[j-1] = math.Pow(1-math.Pow(r/h, 3), 3)
		}
		if rw != nil {
			w[j-1] *= rw[j-1]
		}
		total += w[j-1]
	}
	if total <= 0 {
		return 0, false
	}

	for j := left; j <= right; j++ {
		w[j-1] /= total
	}

	if h > 0 && degree > 0 {
		center := 0.0
		for j := left; j <= right; j++ {
			center += w[j-1] * float64(j)
		}
		b := xs - center
		c := 0.0
		for j := left; j <= right; j++ {
			d := float64(j) - center
			c += w[j-1] * d * d
		}
		if math.Sqrt(c) > 0.001*rng {
			b /= c
			for j := left; j <= right; j++ {
				w[j-1] *= b*(float64(j)-center) + 1
			}
		}
	}

	ys := 0.0
	for j := left; j <= right; j++ {
		ys += w[j-1] * y[j-1]
	}
	return ys, true
}

// robustnessWeights are bisquare weights on residuals scaled by six
// median absolute deviations.
func robustnessWeights(y, fit []float64) []float64 {
	n := len(y)
	r := make([]float64, n)
	for i := range y {
		r[i] = math.Abs(y[i] - fit[i])
	}

	sorted := slices.Clone(r)
	slices.Sort(sorted)
	mid1 := n/2 + 1
	mid2 := n - mid1 + 1
	cmad := 3 * (sorted[mid1-1] + sorted[mid2-1])
	c9 := 0.999 * cmad
	c1 := 0.001 * cmad

	rw := make([]float64, n)
	for i, ri := range r {
		switch {
		case ri <= c1:
			rw[i] = 1
		case ri <= c9:
			u := ri / cmad
			rw[i] = (1 - u*u) * (1 - u*u)
		default:
			rw[i] = 0
		}
	}
	return rw
}
