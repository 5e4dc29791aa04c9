package analytics

import (
	"bytes"
	"fmt"
	"math"

	"github.com/klauspost/compress/flate"

	"RegimeTrader/internal/domain/models"
	domsvc "RegimeTrader/internal/domain/service"
	"RegimeTrader/internal/services/features"
)

const (
	defaultAlphabet = 16
	flatSigma       = 1e-12
	// quantization covers [-zSpan, +zSpan] standard deviations; tails clamp.
	zSpan = 2.0
)

// CompressionAnalyzer scores how compressible recent returns are.
//
// Returns over the window are z-scored, quantized into an alphabet of k
// equal-width bins and DEFLATE-compressed. The ratio of compressed bits to the
// raw information size W*log2(k) is clamped to (0, 1].
type CompressionAnalyzer struct {
	window   int
	alphabet int
}

type CompressionOption func(*CompressionAnalyzer)

// WithAlphabet sets the number of quantization bins (2..256).
func WithAlphabet(k int) CompressionOption {
	return func(a *CompressionAnalyzer) {
		if k >= 2 && k <= 256 {
			a.alphabet = k
		}
	}
}

func NewCompressionAnalyzer(window int, opts ...CompressionOption) *CompressionAnalyzer {
	a := &CompressionAnalyzer{window: window, alphabet: defaultAlphabet}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Window is the number of returns measured; snapshots need Window+1 bars.
func (a *CompressionAnalyzer) Window() int { return a.window }

func (a *CompressionAnalyzer) Analyze(snapshot models.MarketSnapshot) (models.EntropyMetric, error) {
	need := a.window + 1
	if len(snapshot.Bars) < need {
		return models.EntropyMetric{}, &models.InsufficientDataError{Symbol: snapshot.Symbol, Have: len(snapshot.Bars), Need: need}
	}
	closes := snapshot.Closes()
	closes = closes[len(closes)-need:]

	symbols := a.quantize(features.ComputeLogReturns(closes))
	ratio, err := a.ratio(symbols)
	if err != nil {
		return models.EntropyMetric{}, fmt.Errorf("compress %s: %w", snapshot.Symbol, err)
	}

	return models.EntropyMetric{
		Symbol:    snapshot.Symbol,
		Timestamp: snapshot.Timestamp,
		Ratio:     ratio,
		Window:    a.window,
		Entropy:   features.ShannonEntropy(closes),
	}, nil
}

func (a *CompressionAnalyzer) quantize(returns []float64) []byte {
	out := make([]byte, len(returns))
	mean, std := features.MeanStd(returns)
	if std < flatSigma {
		for i := range out {
			out[i] = byte(a.alphabet / 2)
		}
		return out
	}
	k := float64(a.alphabet)
	for i, r := range returns {
		z := (r - mean) / std
		b := int(math.Floor((z + zSpan) / (2 * zSpan) * k))
		if b < 0 {
			b = 0
		} else if b >= a.alphabet {
			b = a.alphabet - 1
		}
		out[i] = byte(b)
	}
	return out
}

func (a *CompressionAnalyzer) ratio(symbols []byte) (float64, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return 0, err
	}
	if _, err := w.Write(symbols); err != nil {
		return 0, err
	}
	if err := w.Close(); err != nil {
		return 0, err
	}

	raw := float64(len(symbols)) * math.Log2(float64(a.alphabet))
	r := float64(buf.Len()*8) / raw
	if r > 1 {
		r = 1
	}
	return r, nil
}

var _ domsvc.CompressionAnalyzer = (*CompressionAnalyzer)(nil)
