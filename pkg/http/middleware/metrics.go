package middleware

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	applogger "RegimeTrader/pkg/logger"
)

// HTTPMetrics holds the request collectors. One instance per registry.
type HTTPMetrics struct {
	duration *prometheus.HistogramVec
	inFlight prometheus.Gauge
	size     *prometheus.HistogramVec
}

func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	f := promauto.With(reg)
	return &HTTPMetrics{
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "regimetrader_http_request_duration_seconds",
			Help:    "Ops API request duration by route template.",
			Buckets: []float64{0.001, 0.005, 0.025, 0.1, 0.25, 1, 2.5},
		}, []string{"route", "method", "class"}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "regimetrader_http_in_flight_requests",
			Help: "Ops API requests currently being served.",
		}),
		size: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "regimetrader_http_response_size_bytes",
			Help:    "Ops API response size.",
			Buckets: prometheus.ExponentialBuckets(256, 4, 7),
		}, []string{"route"}),
	}
}

// Middleware records each request under its registered route, so
// /api/v1/positions?symbol=X and ?symbol=Y share one series. Requests slower
// than slow are logged.
func (m *HTTPMetrics) Middleware(l *applogger.Logger, slow time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.inFlight.Inc()
			defer m.inFlight.Dec()
			start := time.Now()

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			elapsed := time.Since(start)
			m.duration.WithLabelValues(route, method, statusClass(c.Response().Status)).Observe(elapsed.Seconds())
			m.size.WithLabelValues(route).Observe(float64(c.Response().Size))

			if l != nil && slow > 0 && elapsed >= slow {
				l.Warn("slow request",
					applogger.String("route", route),
					applogger.String("method", method),
					applogger.Int("status", c.Response().Status),
					applogger.Duration("elapsed", elapsed),
				)
			}
			return nil
		}
	}
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "5xx"
	}
	return strconv.Itoa(code/100) + "xx"
}
