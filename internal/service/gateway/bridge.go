package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"RegimeTrader/internal/domain/models"
	"RegimeTrader/internal/domain/repository"
	"RegimeTrader/internal/service/ratelimit"
	xhttp "RegimeTrader/pkg/http"
	"RegimeTrader/pkg/util"
)

// Bridge talks to the brokerage terminal bridge over REST.
// Transport failures, 5xx and 429 become ConnectionError; any other non-2xx is a RejectedError.
type Bridge struct {
	baseURL   string
	account   string
	timeframe repository.Timeframe
	client    *xhttp.Client
	limiter   *ratelimit.Limiter
}

type BridgeOption func(*Bridge)

func WithLimiter(l *ratelimit.Limiter) BridgeOption { return func(b *Bridge) { b.limiter = l } }

func WithTimeframe(tf repository.Timeframe) BridgeOption {
	return func(b *Bridge) { b.timeframe = tf }
}

func NewBridge(baseURL, account string, timeout time.Duration, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		baseURL:   strings.TrimRight(baseURL, "/"),
		account:   account,
		timeframe: repository.DefaultTimeframe(),
		client:    xhttp.NewClient(xhttp.WithTimeout(timeout)),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

type stopRequest struct {
	Stop float64 `json:"stop"`
}

func (b *Bridge) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.OrderResult, error) {
	var res models.OrderResult
	if err := b.do(ctx, "place_order", xhttp.MethodPost, "/orders", nil, req, &res); err != nil {
		return models.OrderResult{}, err
	}
	if res.Ticket == "" {
		return models.OrderResult{}, &models.ConnectionError{Op: "place_order", Err: errors.New("empty ticket in response")}
	}
	return res, nil
}

func (b *Bridge) ModifyStop(ctx context.Context, positionID string, newStop float64) error {
	return b.do(ctx, "modify_stop", xhttp.MethodPut, "/positions/"+url.PathEscape(positionID)+"/stop", nil, stopRequest{Stop: newStop}, nil)
}

func (b *Bridge) ClosePosition(ctx context.Context, positionID string) (models.CloseResult, error) {
	var res models.CloseResult
	err := b.do(ctx, "close_position", xhttp.MethodDelete, "/positions/"+url.PathEscape(positionID), nil, nil, &res)
	return res, err
}

func (b *Bridge) GetPositionState(ctx context.Context, positionID string) (models.PositionSnapshot, error) {
	var snap models.PositionSnapshot
	if err := b.do(ctx, "get_position_state", xhttp.MethodGet, "/positions/"+url.PathEscape(positionID), nil, nil, &snap); err != nil {
		return models.PositionSnapshot{}, err
	}
	switch snap.State {
	case models.VenueOpen, models.VenueClosed, models.VenuePartial:
	default:
		snap.State = models.VenuePartial
	}
	return snap, nil
}

// barDTO accepts bar times as RFC3339 strings or unix seconds / millis.
type barDTO struct {
	T json.RawMessage `json:"t"`
	O float64         `json:"o"`
	H float64         `json:"h"`
	L float64         `json:"l"`
	C float64         `json:"c"`
	V float64         `json:"v"`
}

// Latest implements repository.MarketDataFeed from the bridge's bar endpoint.
func (b *Bridge) Latest(ctx context.Context, symbol string, n int) (models.MarketSnapshot, error) {
	q := map[string][]string{
		"symbol":    {symbol},
		"timeframe": {string(b.timeframe)},
		"count":     {strconv.Itoa(n)},
	}
	var rows []barDTO
	if err := b.do(ctx, "get_bars", xhttp.MethodGet, "/bars", q, nil, &rows); err != nil {
		return models.MarketSnapshot{}, fmt.Errorf("bars %s: %w", symbol, err)
	}
	bars := make([]models.Bar, 0, len(rows))
	for _, r := range rows {
		ts, ok := util.ParseTime(strings.Trim(string(r.T), `"`))
		if !ok {
			continue
		}
		bars = append(bars, models.Bar{Symbol: symbol, Time: ts, Open: r.O, High: r.H, Low: r.L, Close: r.C, Volume: r.V})
	}
	return models.MarketSnapshot{Symbol: symbol, Timestamp: time.Now().UTC(), Bars: bars}, nil
}

func (b *Bridge) do(ctx context.Context, op, method, path string, query map[string][]string, body, dest interface{}) error {
	if b.limiter != nil && !b.limiter.Allow(b.account) {
		return &models.ConnectionError{Op: op, Err: errors.New("bridge rate limit")}
	}
	err := b.client.SendAndParse(ctx, &xhttp.RequestOptions{
		Method:      method,
		URL:         b.baseURL + path,
		Headers:     map[string]string{"X-Account": b.account},
		QueryParams: query,
		Body:        body,
	}, dest)
	return classify(op, err)
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *xhttp.StatusError
	if errors.As(err, &se) && !xhttp.IsTransient(err) {
		return &models.RejectedError{Op: op, Reason: fmt.Sprintf("status %d: %s", se.Code, strings.TrimSpace(se.Body))}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &models.ConnectionError{Op: op, Err: err}
}
