package features

import (
	"math"
	"time"

	"RegimeTrader/internal/domain/repository"
)

// ComputeLogReturns computes log returns r_t = ln(C_t / C_{t-1}).
// It returns a slice of length len(closes)-1, or nil if insufficient data.
func ComputeLogReturns(closes []float64) []float64 {
	if len(closes) < 2 {
		return nil
	}
	out := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		prev := closes[i-1]
		cur := closes[i]
		if prev <= 0 || cur <= 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, math.Log(cur/prev))
	}
	return out
}

// MeanStd returns the mean and population standard deviation of xs.
func MeanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	ss := 0.0
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / float64(len(xs)))
}

// RealizedVolatility computes annualized realized volatility over a rolling window
// using the provided number of bars per year. Returns the latest window sigma.
func RealizedVolatility(logReturns []float64, window int, barsPerYear float64) float64 {
	if window <= 1 || len(logReturns) < window {
		return 0
	}
	sum := 0.0
	sum2 := 0.0
	for i := len(logReturns) - window; i < len(logReturns); i++ {
		r := logReturns[i]
		sum += r
		sum2 += r * r
	}
	n := float64(window)
	mean := sum / n
	variance := (sum2 - n*mean*mean) / (n - 1)
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance * barsPerYear)
}

// BarsPerYearForTF returns the approximate number of bars per year for a timeframe.
func BarsPerYearForTF(tf repository.Timeframe) float64 {
	return float64(365*24*time.Hour) / float64(tf.Duration())
}

// RSI is the relative strength index over the last period price changes,
// using simple averages of gains and losses. It returns 50 when data is short.
func RSI(closes []float64, period int) float64 {
	if period < 1 || len(closes) < period+1 {
		return 50
	}
	gains, losses := 0.0, 0.0
	for i := len(closes) - period; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gains += d
		} else {
			losses -= d
		}
	}
	if losses == 0 {
		if gains == 0 {
			return 50
		}
		return 100
	}
	rs := (gains / float64(period)) / (losses / float64(period))
	return 100 - 100/(1+rs)
}

// EMA returns the exponential moving average series of xs with the given span.
// The first value seeds the average.
func EMA(xs []float64, span int) []float64 {
	if len(xs) == 0 || span < 1 {
		return nil
	}
	alpha := 2.0 / float64(span+1)
	out := make([]float64, len(xs))
	out[0] = xs[0]
	for i := 1; i < len(xs); i++ {
		out[i] = alpha*xs[i] + (1-alpha)*out[i-1]
	}
	return out
}

// MACD returns the latest MACD line (EMA12 - EMA26) and its EMA9 signal line.
func MACD(closes []float64) (macd, signal float64) {
	if len(closes) == 0 {
		return 0, 0
	}
	fast := EMA(closes, 12)
	slow := EMA(closes, 26)
	line := make([]float64, len(closes))
	for i := range closes {
		line[i] = fast[i] - slow[i]
	}
	sig := EMA(line, 9)
	last := len(closes) - 1
	return line[last], sig[last]
}

// Momentum is the latest close minus the close period bars back, counting
// the latest bar as the first: p[n-1] - p[n-period].
func Momentum(closes []float64, period int) float64 {
	if period < 2 || len(closes) < period {
		return 0
	}
	return closes[len(closes)-1] - closes[len(closes)-period]
}

const entropyBins = 50

// ShannonEntropy bins consecutive price changes into a 50-bin histogram and
// returns its entropy scaled to the 0..8 range.
func ShannonEntropy(closes []float64) float64 {
	if len(closes) < 3 {
		return 0
	}
	diffs := make([]float64, len(closes)-1)
	lo, hi := math.Inf(1), math.Inf(-1)
	for i := 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		diffs[i-1] = d
		lo = math.Min(lo, d)
		hi = math.Max(hi, d)
	}
	if hi-lo == 0 {
		return 0
	}
	var hist [entropyBins]int
	width := (hi - lo) / entropyBins
	for _, d := range diffs {
		b := int((d - lo) / width)
		if b >= entropyBins {
			b = entropyBins - 1
		}
		hist[b]++
	}
	n := float64(len(diffs))
	h := 0.0
	for _, c := range hist {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h / math.Log2(entropyBins) * 8
}
