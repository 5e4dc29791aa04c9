//go:build wireinject
// +build wireinject

package di

import (
	"RegimeTrader/pkg/config"
	"RegimeTrader/pkg/server"

	"github.com/google/wire"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		// Ambient
		ProvideLogger,
		ProvideMetrics,

		// Infrastructure clients
		ProvideRedisCache,
		ProvideSessionStore,
		ProvideLease,
		ProvideKafkaProducer,
		ProvideClickHouseClient,
		ProvideAlertPublisher,

		// Venue and market data
		ProvideBridge,
		ProvidePaper,
		ProvideGateway,
		ProvideMarketData,

		// Decision pipeline
		ProvideCompressionAnalyzer,
		ProvideRegimeClassifier,
		ProvideScorer,
		ProvidePredictor,
		ProvideRiskManager,

		// Telemetry
		ProvideNodeID,
		ProvideTelemetrySink,
		ProvideTelemetryBackup,
		ProvideEmitter,
		ProvideReplayer,

		// Use cases and transport
		ProvideDecisionLoop,
		ProvideMarketView,
		ProvideStatusHandler,
		ProvideHTTPServer,

		// Application server
		ProvideApp,
	)
	return &server.App{}, nil
}
