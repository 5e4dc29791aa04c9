package features

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RegimeTrader/internal/domain/repository"
)

func ramp(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

func TestComputeLogReturns(t *testing.T) {
	r := ComputeLogReturns([]float64{100, 110, 0, 121})
	require.Len(t, r, 3)
	assert.InDelta(t, math.Log(1.1), r[0], 1e-12)
	assert.Equal(t, 0.0, r[1])
	assert.Equal(t, 0.0, r[2])
	assert.Nil(t, ComputeLogReturns([]float64{1}))
}

func TestRSIExtremes(t *testing.T) {
	assert.Equal(t, 100.0, RSI(ramp(30, 100, 1), 14))
	assert.Equal(t, 0.0, RSI(ramp(30, 100, -1), 14))
	assert.Equal(t, 50.0, RSI(ramp(5, 100, 1), 14))
}

func TestEMAConvergesToConstant(t *testing.T) {
	xs := make([]float64, 200)
	for i := range xs {
		xs[i] = 42
	}
	e := EMA(xs, 9)
	assert.InDelta(t, 42, e[len(e)-1], 1e-9)
}

func TestMACDSignOnTrend(t *testing.T) {
	up, _ := MACD(ramp(100, 100, 0.5))
	down, _ := MACD(ramp(100, 200, -0.5))
	assert.Greater(t, up, 0.0)
	assert.Less(t, down, 0.0)
}

func TestMACDSignalSmoothsTheLine(t *testing.T) {
	// a steady ramp drives the MACD line to a constant, and the signal follows it
	line, signal := MACD(ramp(400, 100, 0.5))
	assert.InDelta(t, line, signal, 1e-6)
	assert.Less(t, signal, 100.0, "signal is on the MACD scale, not the price scale")
}

func TestMomentum(t *testing.T) {
	assert.Equal(t, 9.0, Momentum(ramp(20, 0, 1), 10))
	assert.Equal(t, 9.0, Momentum(ramp(10, 0, 1), 10), "exactly period bars")
	assert.Equal(t, 0.0, Momentum(ramp(9, 0, 1), 10))
	assert.Equal(t, 0.0, Momentum(ramp(20, 0, 1), 1))
}

func TestShannonEntropyRange(t *testing.T) {
	assert.Equal(t, 0.0, ShannonEntropy(ramp(50, 1, 1)))

	rng := rand.New(rand.NewSource(7))
	noisy := make([]float64, 500)
	p := 100.0
	for i := range noisy {
		p += rng.NormFloat64()
		noisy[i] = p
	}
	h := ShannonEntropy(noisy)
	assert.Greater(t, h, 4.0)
	assert.LessOrEqual(t, h, 8.0)
}

func TestBarsPerYear(t *testing.T) {
	assert.Equal(t, float64(365*24*12), BarsPerYearForTF(repository.TF5m))
	assert.Equal(t, float64(365*24), BarsPerYearForTF(repository.TF1h))
}
