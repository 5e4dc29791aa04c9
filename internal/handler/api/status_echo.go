package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"RegimeTrader/internal/domain/models"
	domrepo "RegimeTrader/internal/domain/repository"
	icache "RegimeTrader/internal/service/cache"
	apimetrics "RegimeTrader/internal/service/metrics"
	"RegimeTrader/internal/service/ratelimit"
	"RegimeTrader/internal/services/risk"
	"RegimeTrader/internal/services/telemetry"
	"RegimeTrader/internal/usecase"
	xhttp "RegimeTrader/pkg/http"
	xlogger "RegimeTrader/pkg/logger"
)

// LoopStatusSource exposes the decision loop snapshot.
type LoopStatusSource interface {
	Status() usecase.LoopStatus
}

// PositionReader exposes read-only risk manager state.
type PositionReader interface {
	Positions() []models.Position
	Closed() []models.Position
	Breaker() *risk.CircuitBreaker
}

type TelemetryStatsSource interface {
	Stats() telemetry.Stats
}

// HealthCheck reports the readiness of one dependency.
type HealthCheck func(ctx context.Context) error

// StatusEchoHandler serves the read-only ops API.
type StatusEchoHandler struct {
	logger    *xlogger.Logger
	loop      LoopStatusSource
	positions PositionReader
	view      *usecase.MarketView

	emitter TelemetryStatsSource
	backup  domrepo.EventBackup
	account func() interface{}
	checks  map[string]HealthCheck

	cache    icache.Cache
	cacheTTL time.Duration
	rl       *ratelimit.Limiter
}

type StatusOption func(*StatusEchoHandler)

func WithTelemetry(e TelemetryStatsSource, backup domrepo.EventBackup) StatusOption {
	return func(h *StatusEchoHandler) {
		h.emitter = e
		h.backup = backup
	}
}

// WithAccountInfo adds a venue-side account view to /status.
func WithAccountInfo(fn func() interface{}) StatusOption {
	return func(h *StatusEchoHandler) { h.account = fn }
}

func WithHealthCheck(name string, check HealthCheck) StatusOption {
	return func(h *StatusEchoHandler) { h.checks[name] = check }
}

// WithInspectCache caches /inspect responses per symbol and window.
func WithInspectCache(c icache.Cache, ttl time.Duration) StatusOption {
	return func(h *StatusEchoHandler) {
		h.cache = c
		h.cacheTTL = ttl
	}
}

func WithRateLimit(rl *ratelimit.Limiter) StatusOption {
	return func(h *StatusEchoHandler) { h.rl = rl }
}

func NewStatusEchoHandler(logger *xlogger.Logger, loop LoopStatusSource, positions PositionReader, view *usecase.MarketView, opts ...StatusOption) *StatusEchoHandler {
	h := &StatusEchoHandler{
		logger:    logger,
		loop:      loop,
		positions: positions,
		view:      view,
		checks:    make(map[string]HealthCheck),
	}
	for _, opt := range opts {
		opt(h)
	}
	apimetrics.Register()
	return h
}

func (h *StatusEchoHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", h.Health)
	g := e.Group("/api/v1")
	g.GET("/status", h.Status)
	g.GET("/positions", h.Positions)
	g.GET("/telemetry/stats", h.TelemetryStats)
	g.GET("/bars", h.Bars, h.limited("bars"))
	g.GET("/inspect", h.Inspect, h.limited("inspect"))
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Health returns 200 when every dependency check passes and 503 otherwise.
func (h *StatusEchoHandler) Health(c echo.Context) error {
	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(h.checks))}
	ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			resp.Status = "degraded"
			resp.Checks[name] = err.Error()
			continue
		}
		resp.Checks[name] = "ok"
	}
	if resp.Status != "ok" {
		return c.JSON(http.StatusServiceUnavailable, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

type breakerView struct {
	Halted              bool    `json:"halted"`
	ConsecutiveFailures int64   `json:"consecutive_failures"`
	DailyPnL            float64 `json:"daily_pnl"`
	EntriesBlocked      string  `json:"entries_blocked,omitempty"`
}

type statusResponse struct {
	usecase.LoopStatus
	OpenPositions int         `json:"open_positions"`
	Breaker       breakerView `json:"breaker"`
	Account       interface{} `json:"venue_account,omitempty"`
}

func (h *StatusEchoHandler) Status(c echo.Context) error {
	resp := statusResponse{
		LoopStatus:    h.loop.Status(),
		OpenPositions: len(h.positions.Positions()),
	}
	if b := h.positions.Breaker(); b != nil {
		resp.Breaker = breakerView{
			Halted:              b.Tripped(),
			ConsecutiveFailures: b.ConsecutiveFailures(),
			DailyPnL:            b.DailyPnL(),
		}
		if err := b.AllowEntries(); err != nil {
			resp.Breaker.EntriesBlocked = err.Error()
		}
	}
	if h.account != nil {
		resp.Account = h.account()
	}
	return xhttp.SuccessResponse(c, resp)
}

func (h *StatusEchoHandler) Positions(c echo.Context) error {
	req := &models.PositionsRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	var rows []models.Position
	switch req.Status {
	case "active":
		rows = h.positions.Positions()
	case "closed":
		rows = h.positions.Closed()
	default:
		rows = append(h.positions.Positions(), h.positions.Closed()...)
	}

	filtered := rows[:0]
	for _, p := range rows {
		if req.Symbol == "" || p.Symbol == req.Symbol {
			filtered = append(filtered, p)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool { return filtered[i].OpenedAt.After(filtered[j].OpenedAt) })
	total := int64(len(filtered))
	if len(filtered) > req.Limit {
		filtered = filtered[:req.Limit]
	}
	return xhttp.ListResponse(c, filtered, total)
}

type telemetryResponse struct {
	Emitter telemetry.Stats                              `json:"emitter"`
	Backup  map[models.TelemetryKind]domrepo.BackupStats `json:"backup,omitempty"`
	Error   string                                       `json:"backup_error,omitempty"`
}

func (h *StatusEchoHandler) TelemetryStats(c echo.Context) error {
	var resp telemetryResponse
	if h.emitter != nil {
		resp.Emitter = h.emitter.Stats()
	}
	if h.backup != nil {
		stats, err := h.backup.Stats(c.Request().Context())
		if err != nil {
			h.logger.Warn("telemetry backup stats failed", xlogger.Error(err))
			resp.Error = err.Error()
		}
		resp.Backup = stats
	}
	return xhttp.SuccessResponse(c, resp)
}

func (h *StatusEchoHandler) Bars(c echo.Context) error {
	req := &models.BarsRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	res, err := h.view.GetBars(c.Request().Context(), usecase.GetBarsParams{Symbol: req.Symbol, Limit: req.Limit})
	if err != nil {
		return h.viewError(c, "bars", err)
	}
	return xhttp.SuccessResponse(c, res)
}

func (h *StatusEchoHandler) Inspect(c echo.Context) error {
	req := &models.InspectRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	key := "inspect:" + req.Symbol + ":" + strconv.Itoa(req.N)
	if h.cache != nil {
		if v, ok := h.cache.Get(key); ok {
			c.Response().Header().Set("X-Cache", "hit")
			return xhttp.SuccessResponse(c, v)
		}
	}

	res, err := h.view.Inspect(c.Request().Context(), req.Symbol, req.N)
	if err != nil {
		return h.viewError(c, "inspect", err)
	}
	if h.cache != nil {
		h.cache.Set(key, res, h.cacheTTL)
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "private, max-age=5")
	return xhttp.SuccessResponse(c, res)
}

func (h *StatusEchoHandler) viewError(c echo.Context, endpoint string, err error) error {
	if errors.Is(err, usecase.ErrUnknownSymbol) {
		apimetrics.APIErrors.WithLabelValues(endpoint, "unknown_symbol").Inc()
		return xhttp.AppErrorResponse(c, xhttp.BadRequestError(err.Error()).WithParam("endpoint", endpoint))
	}
	apimetrics.APIErrors.WithLabelValues(endpoint, "unavailable").Inc()
	h.logger.Error("market view error", xlogger.String("endpoint", endpoint), xlogger.Error(err))
	return xhttp.AppErrorResponse(c, xhttp.UnavailableError("ERR_MARKET_DATA", fmt.Sprintf("%s unavailable", endpoint)).WithError(err))
}

// limited applies a per-client token bucket to expensive endpoints and
// records their latency.
func (h *StatusEchoHandler) limited(endpoint string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if h.rl != nil && !h.rl.Allow(c.RealIP()+":"+endpoint) {
				apimetrics.APIErrors.WithLabelValues(endpoint, "rate_limited").Inc()
				h.logger.Warn("rate limited", xlogger.String("endpoint", endpoint), xlogger.String("remote", c.RealIP()))
				return xhttp.TooManyRequestsResponse(c)
			}
			start := time.Now()
			err := next(c)
			apimetrics.APILatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
			return err
		}
	}
}
