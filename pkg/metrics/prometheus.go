package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"RegimeTrader/internal/domain/models"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	cycles        *prometheus.HistogramVec
	skips         *prometheus.CounterVec
	regime        *prometheus.GaugeVec
	ratio         *prometheus.GaugeVec
	confidence    *prometheus.HistogramVec
	orders        *prometheus.CounterVec
	openPositions prometheus.Gauge
	gatewayCalls  *prometheus.HistogramVec
	telemetry     *prometheus.CounterVec
	errorsTotal   *prometheus.CounterVec
	lastPrice     *prometheus.GaugeVec
	latency       *prometheus.HistogramVec
}

// New creates a Prometheus recorder registered on the default registry.
func New() *Recorder {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer registers the collectors on reg; tests pass a fresh registry.
func NewWithRegisterer(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		cycles: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "regimetrader_cycle_duration_seconds",
				Help:    "Duration of one decision cycle",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"account"},
		),
		skips: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "regimetrader_symbol_skips_total",
				Help: "Symbols skipped in a cycle by reason",
			},
			[]string{"symbol", "reason"},
		),
		regime: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "regimetrader_regime_clean",
				Help: "1 when the symbol is in the CLEAN regime, 0 when VOLATILE",
			},
			[]string{"symbol"},
		),
		ratio: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "regimetrader_compression_ratio",
				Help: "Last compression ratio per symbol",
			},
			[]string{"symbol"},
		),
		confidence: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "regimetrader_signal_confidence",
				Help:    "Predictor confidence per direction",
				Buckets: prometheus.LinearBuckets(0, 0.1, 11),
			},
			[]string{"symbol", "direction"},
		),
		orders: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "regimetrader_orders_total",
				Help: "Order attempts by result",
			},
			[]string{"symbol", "result"},
		),
		openPositions: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "regimetrader_open_positions",
				Help: "Positions occupying a symbol slot",
			},
		),
		gatewayCalls: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "regimetrader_gateway_call_seconds",
				Help:    "Execution gateway call latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op", "result"},
		),
		telemetry: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "regimetrader_telemetry_events_total",
				Help: "Telemetry events by result",
			},
			[]string{"result"},
		),
		errorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "regimetrader_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
		lastPrice: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "regimetrader_last_price",
				Help: "Last recorded price for a symbol",
			},
			[]string{"symbol"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "regimetrader_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
}

func (r *Recorder) RecordCycle(account string, seconds float64) {
	r.cycles.WithLabelValues(account).Observe(seconds)
}

func (r *Recorder) RecordSkip(symbol, reason string) {
	r.skips.WithLabelValues(symbol, reason).Inc()
}

func (r *Recorder) RecordRegime(symbol string, regime models.Regime, ratio float64) {
	v := 0.0
	if regime == models.RegimeClean {
		v = 1
	}
	r.regime.WithLabelValues(symbol).Set(v)
	r.ratio.WithLabelValues(symbol).Set(ratio)
}

func (r *Recorder) RecordSignal(symbol string, direction models.Direction, confidence float64) {
	r.confidence.WithLabelValues(symbol, string(direction)).Observe(confidence)
}

func (r *Recorder) RecordOrder(symbol, result string) {
	r.orders.WithLabelValues(symbol, result).Inc()
}

func (r *Recorder) RecordOpenPositions(n int) {
	r.openPositions.Set(float64(n))
}

func (r *Recorder) RecordGatewayCall(op, result string, seconds float64) {
	r.gatewayCalls.WithLabelValues(op, result).Observe(seconds)
}

// RecordTelemetry counts n events as sent, dropped, discarded or retried.
func (r *Recorder) RecordTelemetry(result string, n int) {
	r.telemetry.WithLabelValues(result).Add(float64(n))
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordLastPrice records the last price for a symbol.
func (r *Recorder) RecordLastPrice(symbol string, price float64) {
	r.lastPrice.WithLabelValues(symbol).Set(price)
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}

// Nop discards every measurement.
type Nop struct{}

func (Nop) RecordCycle(string, float64)                    {}
func (Nop) RecordSkip(string, string)                      {}
func (Nop) RecordRegime(string, models.Regime, float64)    {}
func (Nop) RecordSignal(string, models.Direction, float64) {}
func (Nop) RecordOrder(string, string)                     {}
func (Nop) RecordOpenPositions(int)                        {}
func (Nop) RecordGatewayCall(string, string, float64)      {}
func (Nop) RecordTelemetry(string, int)                    {}
func (Nop) RecordError(string)                             {}
func (Nop) RecordLastPrice(string, float64)                {}
func (Nop) RecordLatency(string, float64)                  {}
