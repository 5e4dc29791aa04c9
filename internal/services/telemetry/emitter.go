package telemetry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"RegimeTrader/internal/domain/models"
	"RegimeTrader/internal/domain/repository"
	"RegimeTrader/pkg/config"
	applogger "RegimeTrader/pkg/logger"
	"RegimeTrader/pkg/retry"
)

type Config struct {
	Enabled       bool
	BatchSize     int
	FlushInterval time.Duration
	QueueSize     int
	MaxRetries    int
	RetryBackoff  time.Duration
	SendTimeout   time.Duration
	NodeID        string
	Timeframe     string
}

func ConfigFrom(cfg *config.Config, nodeID string) Config {
	cs := cfg.CollectionServer
	return Config{
		Enabled:       cs.Enabled,
		BatchSize:     cs.BatchSize,
		FlushInterval: cs.FlushInterval,
		QueueSize:     cs.QueueSize,
		MaxRetries:    cs.MaxRetries,
		RetryBackoff:  cs.RetryBackoff,
		SendTimeout:   cs.Timeout,
		NodeID:        nodeID,
		Timeframe:     cfg.MarketData.Timeframe,
	}
}

// Stats are the emitter counters since start.
type Stats struct {
	Enabled   bool  `json:"enabled"`
	Queued    int   `json:"queued"`
	Sent      int64 `json:"sent"`
	Dropped   int64 `json:"dropped"`
	Failed    int64 `json:"failed"`
	Retried   int64 `json:"retried"`
	Batches   int64 `json:"batches"`
	Discarded int64 `json:"discarded"`
}

// Emitter ships events to the collector from a single background goroutine.
// Emit never blocks: a disabled emitter discards, a full queue drops.
type Emitter struct {
	cfg     Config
	sink    repository.TelemetrySink
	backup  repository.EventBackup
	metrics repository.Metrics
	log     *applogger.Logger
	policy  retry.Policy

	queue  chan models.TelemetryEvent
	stop   chan struct{}
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	started   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once

	sent, dropped, failed, retried, batches, discarded atomic.Int64
}

type Option func(*Emitter)

func WithBackup(b repository.EventBackup) Option { return func(e *Emitter) { e.backup = b } }

func WithMetrics(m repository.Metrics) Option { return func(e *Emitter) { e.metrics = m } }

// WithSleep replaces the retry backoff sleep; tests use it to avoid waiting.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(e *Emitter) { e.policy.Sleep = fn }
}

func NewEmitter(cfg Config, sink repository.TelemetrySink, l *applogger.Logger, opts ...Option) *Emitter {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 50
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Emitter{
		cfg:  cfg,
		sink: sink,
		log:  l,
		policy: retry.Policy{
			MaxAttempts: cfg.MaxRetries + 1,
			BaseBackoff: cfg.RetryBackoff,
			MaxBackoff:  cfg.RetryBackoff * 8,
			Retryable:   func(error) bool { return true },
		},
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	if cfg.Enabled {
		e.queue = make(chan models.TelemetryEvent, cfg.QueueSize)
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Start launches the worker. It is a no-op when disabled.
func (e *Emitter) Start() {
	if !e.cfg.Enabled || !e.started.CompareAndSwap(false, true) {
		return
	}
	go e.run()
}

// Emit stamps and enqueues ev. It reports whether the event was accepted.
func (e *Emitter) Emit(ev models.TelemetryEvent) bool {
	if !e.cfg.Enabled {
		e.discarded.Add(1)
		return false
	}
	if e.closed.Load() {
		e.drop(1)
		return false
	}
	e.stamp(&ev)
	select {
	case e.queue <- ev:
		return true
	default:
		e.drop(1)
		return false
	}
}

func (e *Emitter) stamp(ev *models.TelemetryEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	ev.Timestamp = ev.Timestamp.UTC()
	ev.NodeID = e.cfg.NodeID
	ev.Version = Version
	if ev.Timeframe == "" {
		ev.Timeframe = e.cfg.Timeframe
	}
	if ev.SigHash == "" {
		ev.SigHash = SigHash(e.cfg.NodeID, ev.Symbol, ev.Timestamp)
	}
}

func (e *Emitter) run() {
	defer close(e.done)
	ticker := time.NewTicker(e.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]models.TelemetryEvent, 0, e.cfg.BatchSize)
	for {
		select {
		case ev := <-e.queue:
			batch = append(batch, ev)
			if len(batch) >= e.cfg.BatchSize {
				e.flush(batch)
				batch = make([]models.TelemetryEvent, 0, e.cfg.BatchSize)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				e.flush(batch)
				batch = make([]models.TelemetryEvent, 0, e.cfg.BatchSize)
			}
		case <-e.stop:
		drain:
			for {
				select {
				case ev := <-e.queue:
					batch = append(batch, ev)
				default:
					break drain
				}
			}
			for len(batch) > 0 {
				n := min(len(batch), e.cfg.BatchSize)
				e.flush(batch[:n])
				batch = batch[n:]
			}
			return
		}
	}
}

// flush journals the batch, then sends it with bounded retry. Only the
// unaccepted tail is resent. An exhausted batch is dropped; its journal rows stay unsynced for replay.
func (e *Emitter) flush(batch []models.TelemetryEvent) {
	e.batches.Add(1)
	if e.backup != nil {
		if err := e.backup.Save(e.ctx, batch); err != nil {
			e.log.Warn("telemetry backup save failed", applogger.Error(err))
		}
	}

	pending := batch
	err := e.policy.Do(e.ctx, func(ctx context.Context) error {
		sctx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
		defer cancel()
		n, err := e.sink.Send(sctx, pending)
		if n > 0 {
			e.acknowledge(pending[:n])
			pending = pending[n:]
		}
		if err == nil && len(pending) > 0 {
			err = &TelemetryError{Sink: "collector", Kind: pending[0].Kind, Accepted: n, Total: n + len(pending), Err: errors.New("short write")}
		}
		return err
	}, func(attempt int, err error) {
		e.retried.Add(1)
		e.record("retried", 1)
		e.log.Debug("telemetry send retry", applogger.Int("attempt", attempt), applogger.Int("pending", len(pending)), applogger.Error(err))
	})
	if err == nil {
		return
	}

	e.failed.Add(int64(len(pending)))
	e.record("failed", len(pending))
	terr := &TelemetryError{Sink: "collector", Kind: pending[0].Kind, Accepted: len(batch) - len(pending), Total: len(batch), Err: err}
	e.log.Warn("telemetry batch dropped", applogger.Error(terr))
}

func (e *Emitter) acknowledge(events []models.TelemetryEvent) {
	e.sent.Add(int64(len(events)))
	e.record("sent", len(events))
	if e.backup == nil {
		return
	}
	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.ID
	}
	if err := e.backup.MarkSynced(e.ctx, ids); err != nil {
		e.log.Warn("telemetry backup mark synced failed", applogger.Error(err))
	}
}

func (e *Emitter) drop(n int) {
	e.dropped.Add(int64(n))
	e.record("dropped", n)
}

func (e *Emitter) record(result string, n int) {
	if e.metrics != nil {
		e.metrics.RecordTelemetry(result, n)
	}
}

// Close stops accepting events and flushes what is queued. If ctx ends first
// the in-flight send is abandoned.
func (e *Emitter) Close(ctx context.Context) error {
	var err error
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		if !e.started.Load() {
			e.cancel()
			return
		}
		close(e.stop)
		select {
		case <-e.done:
		case <-ctx.Done():
			e.cancel()
			<-e.done
			err = ctx.Err()
		}
		e.cancel()
	})
	return err
}

// Stats returns a snapshot of the counters.
func (e *Emitter) Stats() Stats {
	return Stats{
		Enabled:   e.cfg.Enabled,
		Queued:    len(e.queue),
		Sent:      e.sent.Load(),
		Dropped:   e.dropped.Load(),
		Failed:    e.failed.Load(),
		Retried:   e.retried.Load(),
		Batches:   e.batches.Load(),
		Discarded: e.discarded.Load(),
	}
}
