package analytics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RegimeTrader/internal/domain/models"
	icache "RegimeTrader/internal/service/cache"
)

type modelServer struct {
	calls atomic.Int32
	srv   *httptest.Server
	reply atomic.Value // scoreResp
	last  atomic.Value // scoreReq
}

func newModelServer(t *testing.T, reply scoreResp) *modelServer {
	t.Helper()
	m := &modelServer{}
	m.reply.Store(reply)
	m.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.calls.Add(1)
		var req scoreReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || r.URL.Path != "/score" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		m.last.Store(req)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(m.reply.Load().(scoreResp))
	}))
	t.Cleanup(m.srv.Close)
	return m
}

func (m *modelServer) scorer(opts ...HTTPScorerOption) *HTTPScorer {
	return NewHTTPScorer(NewHTTPServiceBase(m.srv.URL, time.Second), 1, icache.NewTTLCache(16), time.Minute, opts...)
}

func barFeatures(barTime, polled time.Time) models.Features {
	f := featuresOf(quadratic(60, 100, 0.01)...)
	f.BarTime = barTime
	f.Timestamp = polled
	return f
}

func TestHTTPScorerScoresEachBarOnce(t *testing.T) {
	m := newModelServer(t, scoreResp{Direction: "BUY", Confidence: 0.8})
	s := m.scorer()
	bar := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		dir, conf, err := s.Score(ctx, barFeatures(bar, bar.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
		assert.Equal(t, models.DirectionLong, dir)
		assert.Equal(t, 0.8, conf)
	}
	assert.Equal(t, int32(1), m.calls.Load(), "repeated polls of the same bar reuse the score")

	_, _, err := s.Score(ctx, barFeatures(bar.Add(5*time.Minute), bar.Add(5*time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, int32(2), m.calls.Load())
}

func TestHTTPScorerSkipsCacheWithoutBarTime(t *testing.T) {
	m := newModelServer(t, scoreResp{Direction: "SELL", Confidence: 0.6})
	s := m.scorer()
	for i := 0; i < 2; i++ {
		dir, _, err := s.Score(context.Background(), barFeatures(time.Time{}, time.Now()))
		require.NoError(t, err)
		assert.Equal(t, models.DirectionShort, dir)
	}
	assert.Equal(t, int32(2), m.calls.Load())
}

func TestHTTPScorerDirections(t *testing.T) {
	cases := map[string]models.Direction{
		"LONG":  models.DirectionLong,
		"buy":   models.DirectionLong,
		"short": models.DirectionShort,
		"SELL":  models.DirectionShort,
		"hold":  models.DirectionNone,
		"NONE":  models.DirectionNone,
	}
	for raw, want := range cases {
		t.Run(raw, func(t *testing.T) {
			m := newModelServer(t, scoreResp{Direction: raw, Confidence: 0.5})
			dir, _, err := m.scorer().Score(context.Background(), barFeatures(time.Now(), time.Now()))
			require.NoError(t, err)
			assert.Equal(t, want, dir)
		})
	}

	m := newModelServer(t, scoreResp{Direction: "sideways", Confidence: 0.5})
	_, _, err := m.scorer().Score(context.Background(), barFeatures(time.Now(), time.Now()))
	var mie *models.ModelInferenceError
	require.ErrorAs(t, err, &mie)
	assert.Equal(t, "http", mie.Model)
}

func TestHTTPScorerRejectsConfidenceOutOfRange(t *testing.T) {
	m := newModelServer(t, scoreResp{Direction: "LONG", Confidence: 1.4})
	s := m.scorer()
	bar := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

	dir, conf, err := s.Score(context.Background(), barFeatures(bar, bar))
	var mie *models.ModelInferenceError
	require.ErrorAs(t, err, &mie)
	assert.Equal(t, models.DirectionNone, dir)
	assert.Zero(t, conf)

	m.reply.Store(scoreResp{Direction: "LONG", Confidence: 0.7})
	dir, conf, err = s.Score(context.Background(), barFeatures(bar, bar))
	require.NoError(t, err)
	assert.Equal(t, models.DirectionLong, dir)
	assert.Equal(t, 0.7, conf)
	assert.Equal(t, int32(2), m.calls.Load(), "a rejected score is not cached")
}

func TestHTTPScorerSendsConfiguredIndicators(t *testing.T) {
	m := newModelServer(t, scoreResp{Direction: "NONE"})
	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	f := featuresOf(closes...)
	f.BarTime = time.Now()

	_, _, err := m.scorer(WithIndicatorPeriods(5, 4)).Score(context.Background(), f)
	require.NoError(t, err)

	req := m.last.Load().(scoreReq)
	assert.Equal(t, "XAUUSD", req.Symbol)
	assert.Len(t, req.Closes, 30)
	assert.Equal(t, 100.0, req.Features["rsi"])
	assert.Equal(t, 3.0, req.Features["momentum"])
}

func TestHTTPScorerServiceDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	s := NewHTTPScorer(NewHTTPServiceBase(srv.URL, time.Second), 2, nil, time.Minute)
	_, _, err := s.Score(context.Background(), barFeatures(time.Now(), time.Now()))
	var mie *models.ModelInferenceError
	require.ErrorAs(t, err, &mie)
}
