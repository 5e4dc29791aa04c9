package di

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"RegimeTrader/internal/domain/models"
	domrepo "RegimeTrader/internal/domain/repository"
	domsvc "RegimeTrader/internal/domain/service"
	"RegimeTrader/internal/handler/api"
	mid "RegimeTrader/internal/middleware"
	internalrepo "RegimeTrader/internal/repository"
	"RegimeTrader/internal/service/alert"
	icache "RegimeTrader/internal/service/cache"
	"RegimeTrader/internal/service/gateway"
	"RegimeTrader/internal/service/ratelimit"
	"RegimeTrader/internal/service/session"
	"RegimeTrader/internal/service/stream"
	"RegimeTrader/internal/services/analytics"
	"RegimeTrader/internal/services/risk"
	"RegimeTrader/internal/services/telemetry"
	"RegimeTrader/internal/usecase"
	pkgcache "RegimeTrader/pkg/cache"
	pkgch "RegimeTrader/pkg/clickhouse"
	"RegimeTrader/pkg/config"
	xhttp "RegimeTrader/pkg/http"
	pkgkafka "RegimeTrader/pkg/kafka"
	applogger "RegimeTrader/pkg/logger"
	"RegimeTrader/pkg/metrics"
	"RegimeTrader/pkg/queue"
	"RegimeTrader/pkg/server"
)

// NodeID is the anonymous telemetry identity of this installation.
type NodeID string

// ProvideLogger creates the root logger.
func ProvideLogger(cfg *config.Config) (*applogger.Logger, error) {
	l, err := applogger.New(&applogger.Config{
		Level:      cfg.Logger.Level,
		Format:     cfg.Logger.Format,
		Output:     cfg.Logger.Output,
		MaxSizeMB:  cfg.Logger.MaxSizeMB,
		MaxBackups: cfg.Logger.MaxBackups,
		MaxAgeDays: cfg.Logger.MaxAgeDays,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return l, nil
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics() *metrics.Recorder {
	return metrics.New()
}

// ProvideRedisCache connects to Redis when it is enabled; otherwise it returns nil.
func ProvideRedisCache(cfg *config.Config) (*pkgcache.RedisCache, error) {
	if !cfg.Redis.Enabled {
		return nil, nil
	}
	rc, err := pkgcache.NewRedisCache(
		pkgcache.WithRedisAddr(cfg.Redis.Host, cfg.Redis.Port),
		pkgcache.WithRedisAuth(cfg.Redis.Password, cfg.Redis.DB),
		pkgcache.WithRedisPool(cfg.Redis.PoolSize, cfg.Redis.MinIdleConns),
		pkgcache.WithRedisPrefix(cfg.Redis.Prefix),
	)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	return rc, nil
}

// ProvideSessionStore picks Redis for cross-host session exclusivity and
// falls back to an in-process store, which only guards this process.
func ProvideSessionStore(cfg *config.Config, rc *pkgcache.RedisCache, l *applogger.Logger) pkgcache.Service {
	if rc != nil {
		return rc
	}
	l.Warn("redis disabled, session lease is process-local")
	return pkgcache.NewMemoryCache(pkgcache.WithMemoryMaxSize(64), pkgcache.WithMemoryCleanup(cfg.Redis.LeaseTTL))
}

// ProvideLease creates the account session lease.
func ProvideLease(cfg *config.Config, store pkgcache.Service, l *applogger.Logger) *session.Lease {
	return session.NewLease(store, cfg.Account, cfg.Redis.LeaseTTL, l)
}

// ProvideKafkaProducer creates a Kafka producer when telemetry or alerts go
// to Kafka; otherwise it returns nil.
func ProvideKafkaProducer(cfg *config.Config) (*pkgkafka.Producer, error) {
	needed := (cfg.CollectionServer.Enabled && cfg.CollectionServer.Sink == "kafka") || cfg.Alerts.Sink == "kafka"
	if !needed {
		return nil, nil
	}
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
		pkgkafka.WithBatching(cfg.Kafka.Producer.BatchSize, cfg.Kafka.Producer.BatchBytes, cfg.Kafka.Producer.Linger),
		pkgkafka.WithTimeouts(cfg.Kafka.Producer.WriteTimeout, cfg.Kafka.Producer.ReadTimeout),
		pkgkafka.WithMaxAttempts(cfg.Kafka.Producer.MaxAttempts),
		pkgkafka.WithHashByKey(true),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, nil
}

// ProvideAlertPublisher builds the operator alert channel. Redis and Kafka
// sinks are teed with the log, and error logs are batched onto them too.
func ProvideAlertPublisher(cfg *config.Config, l *applogger.Logger, rc *pkgcache.RedisCache, producer *pkgkafka.Producer) domrepo.AlertPublisher {
	logPub := alert.NewLogPublisher(l)

	var remote domrepo.AlertPublisher
	switch cfg.Alerts.Sink {
	case "redis":
		if rc != nil {
			remote = queue.NewRedisPublisher(l, rc.Client(), queue.WithKeyPrefix(rc.Prefix()+":alerts"))
		}
	case "kafka":
		if producer != nil {
			remote = producer
		}
	}
	if remote == nil {
		return logPub
	}

	l.AddCollector(&applogger.CollectionConfig{
		TimeInterval:   time.Minute,
		CountThreshold: 50,
		Topic:          cfg.Alerts.Topic + ".logs",
		Source:         cfg.Account,
		Publisher:      remote,
	})
	return alert.Tee{remote, logPub}
}

// ProvideClickHouseClient creates a ClickHouse client when it backs the feed.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, error) {
	if cfg.MarketData.Source != "clickhouse" {
		return nil, nil
	}
	client, err := pkgch.NewClient(
		pkgch.WithAddr(cfg.ClickHouse.Host, cfg.ClickHouse.Port),
		pkgch.WithAuth(cfg.ClickHouse.Database, cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithPool(4, 2, 5*time.Minute),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithLZ4(cfg.ClickHouse.Compress),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout),
		pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime),
	)
	if err != nil {
		return nil, fmt.Errorf("clickhouse client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.InitSchema(ctx,
		"CREATE DATABASE IF NOT EXISTS " + cfg.ClickHouse.Database,
		"CREATE TABLE IF NOT EXISTS " + cfg.ClickHouse.Table + ` (
			symbol LowCardinality(String),
			bucket DateTime,
			open Float64,
			high Float64,
			low Float64,
			close Float64,
			vol Float64
		) ENGINE = ReplacingMergeTree ORDER BY (symbol, bucket)`,
	); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	return client, nil
}

// ProvideBridge creates the terminal bridge client when an account trades
// through it or bars are pulled from it; otherwise it returns nil.
func ProvideBridge(cfg *config.Config) *gateway.Bridge {
	if cfg.ActiveAccount().Gateway != "bridge" && cfg.MarketData.Source != "bridge" {
		return nil
	}
	rps := float64(cfg.Execution.Bridge.RPS)
	return gateway.NewBridge(cfg.Execution.Bridge.URL, cfg.Account, cfg.Execution.CallTimeout,
		gateway.WithLimiter(ratelimit.New(rps, rps)),
		gateway.WithTimeframe(domrepo.NormalizeTimeframe(cfg.MarketData.Timeframe)),
	)
}

// ProvidePaper creates the simulated venue for paper accounts; otherwise it returns nil.
func ProvidePaper(cfg *config.Config, l *applogger.Logger) *gateway.Paper {
	if cfg.ActiveAccount().Gateway != "paper" {
		return nil
	}
	return gateway.NewPaper(cfg.Execution.Paper, cfg.Trading.ContractSize, l.With(applogger.String("component", "paper")))
}

// ProvideGateway selects the execution venue of the account.
func ProvideGateway(cfg *config.Config, paper *gateway.Paper, bridge *gateway.Bridge) (domrepo.ExecutionGateway, error) {
	switch {
	case paper != nil:
		return paper, nil
	case bridge != nil:
		return bridge, nil
	}
	return nil, fmt.Errorf("no execution gateway for account %s", cfg.Account)
}

// MarketData is the feed the loop reads and the ingest that keeps it fresh.
type MarketData struct {
	Feed   domrepo.MarketDataFeed
	Ingest *server.Ingest
}

// ProvideMarketData builds the configured bar source. Push sources (kafka,
// stream) fill an in-memory window that the loop reads.
func ProvideMarketData(
	cfg *config.Config,
	l *applogger.Logger,
	m *metrics.Recorder,
	bridge *gateway.Bridge,
	ch *pkgch.Client,
) (*MarketData, error) {
	md := cfg.MarketData
	tf := domrepo.NormalizeTimeframe(md.Timeframe)
	symbols := cfg.ActiveAccount().Symbols
	ingest := &server.Ingest{Source: md.Source}

	switch md.Source {
	case "bridge":
		if bridge == nil || cfg.Execution.Bridge.URL == "" {
			return nil, fmt.Errorf("market data source bridge requires execution.bridge.url")
		}
		return &MarketData{Feed: bridge, Ingest: ingest}, nil

	case "clickhouse":
		store, err := internalrepo.NewCHBarStore(ch, cfg.ClickHouse.Table, tf)
		if err != nil {
			return nil, err
		}
		store.SetLogger(l.With(applogger.String("component", "clickhouse")))
		return &MarketData{Feed: store, Ingest: ingest}, nil

	case "kafka":
		window := internalrepo.NewBarWindow(md.BufferSize, internalrepo.WithObserver(lastPrice(m)))
		consumer, err := pkgkafka.NewConsumer(l,
			pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
			pkgkafka.WithConsumerGroupID(cfg.Kafka.Consumer.GroupID+"-"+cfg.Account),
			pkgkafka.WithConsumerWorkers(cfg.Kafka.Consumer.Workers),
			pkgkafka.WithConsumerBufferSize(cfg.Kafka.Consumer.BufferSize),
			pkgkafka.WithConsumerRetry(cfg.Kafka.Consumer.RetryMax, cfg.Kafka.Consumer.BackoffMin, cfg.Kafka.Consumer.BackoffMax),
			pkgkafka.WithConsumerDLQ(cfg.Kafka.Consumer.DLQTopic),
			pkgkafka.WithConsumerFetch(cfg.Kafka.Consumer.MinBytes, cfg.Kafka.Consumer.MaxBytes),
		)
		if err != nil {
			return nil, fmt.Errorf("kafka consumer: %w", err)
		}
		consumer.WithConsumerHook(consumerMetrics(m))
		ingest.Consumer = consumer
		ingest.Handler = internalrepo.NewKafkaBarHandler(md.Topic, symbols, window, m)
		return &MarketData{Feed: window, Ingest: ingest}, nil

	case "stream":
		window := internalrepo.NewBarWindow(md.BufferSize, internalrepo.WithObserver(lastPrice(m)))
		client := stream.New(md.APIKey, md.WebSocketURL, symbols, md.ReconnectDelay, md.PingInterval,
			l.With(applogger.String("component", "stream")))
		pipe := mid.NewRealtimePipeline(usecase.NewBarAggregator(tf, window), m,
			mid.WithMaxRPS(md.MaxRPS),
			mid.WithBufferSize(md.BufferSize),
		)
		ingest.Collector = usecase.NewTradeCollector(client, pipe, m, l.With(applogger.String("component", "trade_collector")))
		return &MarketData{Feed: window, Ingest: ingest}, nil
	}
	return nil, fmt.Errorf("unknown market data source %q", md.Source)
}

func lastPrice(m domrepo.Metrics) func(models.Bar) {
	return func(b models.Bar) { m.RecordLastPrice(b.Symbol, b.Close) }
}

func consumerMetrics(m domrepo.Metrics) pkgkafka.HookFuncs {
	type startKey struct{}
	return pkgkafka.HookFuncs{
		Before: func(ctx context.Context, _ string, _ kafka.Message) (context.Context, error) {
			return context.WithValue(ctx, startKey{}, time.Now()), nil
		},
		After: func(ctx context.Context, topic string, _ kafka.Message, err error) {
			if err != nil {
				m.RecordError("kafka_handle")
			}
			if start, ok := ctx.Value(startKey{}).(time.Time); ok {
				m.RecordLatency("kafka_handle:"+topic, time.Since(start).Seconds())
			}
		},
	}
}

// ProvideRiskManager creates the risk manager and its venue circuit breaker.
func ProvideRiskManager(
	cfg *config.Config,
	gw domrepo.ExecutionGateway,
	alerts domrepo.AlertPublisher,
	m *metrics.Recorder,
	l *applogger.Logger,
) *risk.Manager {
	breaker := risk.NewCircuitBreaker(risk.BreakerConfig{
		MaxConsecutiveFailures: int64(cfg.Trading.MaxConsecutiveFailures),
		DailyLossLimitCents:    int64(cfg.Trading.DailyLossLimit * 100),
	})
	return risk.NewManager(risk.ConfigFrom(cfg), gw, risk.RetryPolicy(cfg.Execution.Retry),
		l.With(applogger.String("component", "risk")),
		risk.WithBreaker(breaker),
		risk.WithAlerts(alerts),
		risk.WithMetrics(m),
	)
}

// ProvideCompressionAnalyzer creates the compression analyzer.
func ProvideCompressionAnalyzer(cfg *config.Config) *analytics.CompressionAnalyzer {
	return analytics.NewCompressionAnalyzer(cfg.Regime.Window)
}

// ProvideRegimeClassifier creates the hysteresis classifier.
func ProvideRegimeClassifier(cfg *config.Config) *analytics.RegimeClassifier {
	return analytics.NewRegimeClassifier(cfg.Regime.Lo, cfg.Regime.Hi, cfg.Regime.History)
}

// ProvideScorer selects the local vote scorer or the remote model service.
func ProvideScorer(cfg *config.Config) domsvc.Scorer {
	p := cfg.Predictor
	if p.Type == "http" {
		base := analytics.NewHTTPServiceBase(p.URL, p.Timeout)
		return analytics.NewHTTPScorer(base, p.Retries, icache.NewTTLCache(1024), p.CacheTTL,
			analytics.WithIndicatorPeriods(p.RSIPeriod, p.MomentumPeriod))
	}
	return analytics.NewVoteScorer(p.Fidelity, p.RSIPeriod, p.MomentumPeriod)
}

// ProvidePredictor wraps the scorer with the regime gate.
func ProvidePredictor(scorer domsvc.Scorer) *analytics.Predictor {
	return analytics.NewPredictor(scorer)
}

// ProvideNodeID loads or creates the telemetry identity.
func ProvideNodeID(cfg *config.Config) (NodeID, error) {
	if !cfg.CollectionServer.Enabled {
		return "", nil
	}
	id, err := telemetry.LoadOrCreateNodeID(cfg.CollectionServer.NodeIDFile)
	if err != nil {
		return "", err
	}
	return NodeID(id), nil
}

// ProvideTelemetrySink creates the collector transport; nil when telemetry is off.
func ProvideTelemetrySink(cfg *config.Config, node NodeID, producer *pkgkafka.Producer) domrepo.TelemetrySink {
	cs := cfg.CollectionServer
	if !cs.Enabled {
		return nil
	}
	if cs.Sink == "kafka" && producer != nil {
		return telemetry.NewKafkaSink(producer, cs.Topic)
	}
	return telemetry.NewHTTPSink(cs.URL, string(node), cs.Timeout)
}

// ProvideTelemetryBackup opens the local event journal when enabled; otherwise it returns nil.
func ProvideTelemetryBackup(cfg *config.Config) (*telemetry.SQLiteBackup, error) {
	cs := cfg.CollectionServer
	if !cs.Enabled || !cs.Backup.Enabled {
		return nil, nil
	}
	b, err := telemetry.NewSQLiteBackup(cs.Backup.Path)
	if err != nil {
		return nil, fmt.Errorf("telemetry backup: %w", err)
	}
	return b, nil
}

// ProvideEmitter creates the asynchronous telemetry emitter.
func ProvideEmitter(
	cfg *config.Config,
	node NodeID,
	sink domrepo.TelemetrySink,
	backup *telemetry.SQLiteBackup,
	m *metrics.Recorder,
	l *applogger.Logger,
) *telemetry.Emitter {
	opts := []telemetry.Option{telemetry.WithMetrics(m)}
	if backup != nil {
		opts = append(opts, telemetry.WithBackup(backup))
	}
	return telemetry.NewEmitter(telemetry.ConfigFrom(cfg, string(node)), sink,
		l.With(applogger.String("component", "telemetry")), opts...)
}

// ProvideReplayer creates the journal replayer when a journal exists.
func ProvideReplayer(cfg *config.Config, backup *telemetry.SQLiteBackup, sink domrepo.TelemetrySink, l *applogger.Logger) *telemetry.Replayer {
	if backup == nil || sink == nil {
		return nil
	}
	cs := cfg.CollectionServer
	// events younger than two flushes may still be in the emitter
	grace := 2 * (cs.FlushInterval + cs.Timeout)
	return telemetry.NewReplayer(backup, sink, cs.Backup.Retention, grace,
		l.With(applogger.String("component", "telemetry_replay")))
}

// ProvideDecisionLoop creates the per-account decision loop.
func ProvideDecisionLoop(
	cfg *config.Config,
	md *MarketData,
	analyzer *analytics.CompressionAnalyzer,
	classifier *analytics.RegimeClassifier,
	predictor *analytics.Predictor,
	rm *risk.Manager,
	emitter *telemetry.Emitter,
	paper *gateway.Paper,
	m *metrics.Recorder,
	l *applogger.Logger,
) *usecase.DecisionLoop {
	var opts []usecase.LoopOption
	if paper != nil {
		opts = append(opts, usecase.WithBarObserver(paper))
	}
	return usecase.NewDecisionLoop(usecase.LoopConfigFrom(cfg), md.Feed, analyzer, classifier, predictor, rm, emitter, m, l, opts...)
}

// ProvideMarketView creates the read-only market view for the ops API.
func ProvideMarketView(cfg *config.Config, md *MarketData, analyzer *analytics.CompressionAnalyzer, classifier *analytics.RegimeClassifier) *usecase.MarketView {
	return usecase.NewMarketView(md.Feed, analyzer, classifier,
		domrepo.NormalizeTimeframe(cfg.MarketData.Timeframe), cfg.ActiveAccount().Symbols)
}

// ProvideStatusHandler creates the ops API handler with a health check per
// configured dependency.
func ProvideStatusHandler(
	l *applogger.Logger,
	loop *usecase.DecisionLoop,
	rm *risk.Manager,
	view *usecase.MarketView,
	emitter *telemetry.Emitter,
	backup *telemetry.SQLiteBackup,
	sink domrepo.TelemetrySink,
	paper *gateway.Paper,
	rc *pkgcache.RedisCache,
	ch *pkgch.Client,
) *api.StatusEchoHandler {
	opts := []api.StatusOption{
		api.WithInspectCache(icache.NewTTLCache(256), 5*time.Second),
		api.WithRateLimit(ratelimit.New(10, 2)),
	}
	var journal domrepo.EventBackup
	if backup != nil {
		journal = backup
	}
	opts = append(opts, api.WithTelemetry(emitter, journal))
	if paper != nil {
		opts = append(opts, api.WithAccountInfo(func() interface{} { return paper.Account() }))
	}
	if rc != nil {
		opts = append(opts, api.WithHealthCheck("redis", rc.Ping))
	}
	if ch != nil {
		opts = append(opts, api.WithHealthCheck("clickhouse", ch.Health))
	}
	if hs, ok := sink.(*telemetry.HTTPSink); ok {
		opts = append(opts, api.WithHealthCheck("collection_server", hs.Ping))
	}
	return api.NewStatusEchoHandler(l.With(applogger.String("component", "api")), loop, rm, view, opts...)
}

// ProvideHTTPServer creates the ops HTTP server; nil when disabled.
func ProvideHTTPServer(cfg *config.Config, h *api.StatusEchoHandler, l *applogger.Logger) *xhttp.Server {
	if !cfg.Server.Enabled {
		return nil
	}
	path := ""
	if cfg.Metrics.Enabled {
		path = cfg.Metrics.Path
	}
	return xhttp.NewServer(h,
		xhttp.WithPort(cfg.Server.Port),
		xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
		xhttp.WithMetricsPath(path),
		xhttp.WithCORS(cfg.Server.CORSOrigins...),
		xhttp.WithLogger(l.With(applogger.String("component", "http"))),
	)
}

// ProvideApp creates the application server.
func ProvideApp(
	cfg *config.Config,
	l *applogger.Logger,
	lease *session.Lease,
	store pkgcache.Service,
	md *MarketData,
	loop *usecase.DecisionLoop,
	emitter *telemetry.Emitter,
	backup *telemetry.SQLiteBackup,
	replayer *telemetry.Replayer,
	httpServer *xhttp.Server,
	producer *pkgkafka.Producer,
	ch *pkgch.Client,
) *server.App {
	return server.New(cfg, server.Deps{
		Logger:     l,
		Lease:      lease,
		Ingest:     md.Ingest,
		Loop:       loop,
		Emitter:    emitter,
		Backup:     backup,
		Replayer:   replayer,
		HTTP:       httpServer,
		Producer:   producer,
		Store:      store,
		ClickHouse: ch,
	})
}
