package service

import (
	"context"

	"RegimeTrader/internal/domain/models"
)

// CompressionAnalyzer measures structural noise of a snapshot.
type CompressionAnalyzer interface {
	Analyze(snapshot models.MarketSnapshot) (models.EntropyMetric, error)
}

// Scorer is the pluggable model behind the signal predictor.
// Confidence must be in [0, 1].
type Scorer interface {
	Name() string
	Score(ctx context.Context, features models.Features) (models.Direction, float64, error)
}
