package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"RegimeTrader/internal/domain/models"
	domrepo "RegimeTrader/internal/domain/repository"
	pkgkafka "RegimeTrader/pkg/kafka"
	"RegimeTrader/pkg/util"
)

// KafkaBarHandler consumes candle messages and appends them to a bar sink.
type KafkaBarHandler struct {
	topic   string
	symbols map[string]struct{}
	sink    domrepo.BarSink
	metrics domrepo.Metrics
}

// NewKafkaBarHandler accepts only whitelisted symbols; an empty list accepts all.
func NewKafkaBarHandler(topic string, symbols []string, sink domrepo.BarSink, metrics domrepo.Metrics) *KafkaBarHandler {
	h := &KafkaBarHandler{topic: topic, sink: sink, metrics: metrics}
	if len(symbols) > 0 {
		h.symbols = make(map[string]struct{}, len(symbols))
		for _, s := range symbols {
			h.symbols[s] = struct{}{}
		}
	}
	return h
}

func (h *KafkaBarHandler) Topic() string { return h.topic }

// incoming message schema: {symbol, t, o, h, l, c, v}; t is RFC3339 or unix s/ms
func (h *KafkaBarHandler) Handle(_ context.Context, b []byte) error {
	var m struct {
		Symbol string          `json:"symbol"`
		T      json.RawMessage `json:"t"`
		O      float64         `json:"o"`
		H      float64         `json:"h"`
		L      float64         `json:"l"`
		C      float64         `json:"c"`
		V      float64         `json:"v"`
	}
	if err := json.Unmarshal(b, &m); err != nil {
		h.metrics.RecordError("bar_unmarshal")
		return fmt.Errorf("decode bar: %w", err)
	}
	if h.symbols != nil {
		if _, ok := h.symbols[m.Symbol]; !ok {
			return nil
		}
	}
	ts, ok := util.ParseTime(strings.Trim(string(m.T), `"`))
	if !ok {
		h.metrics.RecordError("bar_timestamp")
		return fmt.Errorf("bar %s: bad timestamp %s", m.Symbol, m.T)
	}
	bar := models.Bar{Symbol: m.Symbol, Time: ts, Open: m.O, High: m.H, Low: m.L, Close: m.C, Volume: m.V}
	if err := validateBar(bar); err != nil {
		h.metrics.RecordError("bar_invalid")
		return err
	}
	h.metrics.RecordLatency("bar_ingest_lag", time.Since(ts).Seconds())
	h.sink.Append(bar)
	h.metrics.RecordLastPrice(bar.Symbol, bar.Close)
	return nil
}

func validateBar(b models.Bar) error {
	switch {
	case b.Symbol == "":
		return fmt.Errorf("bar: symbol empty")
	case b.Close <= 0 || b.Open <= 0:
		return fmt.Errorf("bar %s: non-positive price", b.Symbol)
	case b.High < b.Low:
		return fmt.Errorf("bar %s: high below low", b.Symbol)
	case b.Volume < 0:
		return fmt.Errorf("bar %s: negative volume", b.Symbol)
	}
	return nil
}

var _ pkgkafka.MessageHandler = (*KafkaBarHandler)(nil)
