package repository

import (
	"context"
	"time"

	"RegimeTrader/internal/domain/models"
)

// MarketStream is a push source of trades.
type MarketStream interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context) error
	Read(ctx context.Context) (<-chan *models.Trade, <-chan error)
	Reconnect(ctx context.Context) error
	Close() error
	IsConnected() bool
}

// MarketDataFeed returns the latest n bars for a symbol, oldest first.
type MarketDataFeed interface {
	Latest(ctx context.Context, symbol string, n int) (models.MarketSnapshot, error)
}

// BarStore is the historical candle store backing a feed.
type BarStore interface {
	GetLatestNBars(ctx context.Context, symbol string, n int, tf Timeframe) ([]models.Bar, error)
	GetBars(ctx context.Context, symbol string, from, to time.Time, tf Timeframe) ([]models.Bar, error)
}

// BarSink accepts completed bars from streaming sources.
type BarSink interface {
	Append(bar models.Bar)
}

// ExecutionGateway is the venue port. ConnectionError is retryable; RejectedError is not.
type ExecutionGateway interface {
	PlaceOrder(ctx context.Context, req models.OrderRequest) (models.OrderResult, error)
	ModifyStop(ctx context.Context, positionID string, newStop float64) error
	ClosePosition(ctx context.Context, positionID string) (models.CloseResult, error)
	GetPositionState(ctx context.Context, positionID string) (models.PositionSnapshot, error)
}

// BarObserver is implemented by simulated venues that need to see every bar.
type BarObserver interface {
	OnBar(bar models.Bar)
}

// TelemetrySink transmits a batch and reports how many leading events were accepted.
type TelemetrySink interface {
	Send(ctx context.Context, batch []models.TelemetryEvent) (int, error)
	Close() error
}

// EventBackup is the local journal of telemetry events.
type EventBackup interface {
	Save(ctx context.Context, events []models.TelemetryEvent) error
	MarkSynced(ctx context.Context, ids []string) error
	Unsynced(ctx context.Context, limit int) ([]models.TelemetryEvent, error)
	Purge(ctx context.Context, olderThan time.Time) (int64, error)
	Stats(ctx context.Context) (map[models.TelemetryKind]BackupStats, error)
	Close() error
}

type BackupStats struct {
	Total    int64 `json:"total"`
	Unsynced int64 `json:"unsynced"`
}

// AlertPublisher delivers operator alerts and aggregated error logs.
type AlertPublisher interface {
	PublishMessage(ctx context.Context, topic string, payload interface{}) error
}

type Metrics interface {
	RecordCycle(account string, seconds float64)
	RecordSkip(symbol, reason string)
	RecordRegime(symbol string, regime models.Regime, ratio float64)
	RecordSignal(symbol string, direction models.Direction, confidence float64)
	RecordOrder(symbol, result string)
	RecordOpenPositions(n int)
	RecordGatewayCall(op, result string, seconds float64)
	RecordTelemetry(result string, n int)
	RecordError(kind string)
	RecordLastPrice(symbol string, price float64)
	RecordLatency(op string, seconds float64)
}
