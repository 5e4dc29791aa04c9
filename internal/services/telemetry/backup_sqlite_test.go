package telemetry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RegimeTrader/internal/domain/models"
)

func newTestBackup(t *testing.T) *SQLiteBackup {
	t.Helper()
	b, err := NewSQLiteBackup(filepath.Join(t.TempDir(), "data", "telemetry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func event(id string, kind models.TelemetryKind, ts time.Time) models.TelemetryEvent {
	return models.TelemetryEvent{ID: id, Kind: kind, Symbol: "XAUUSD", Timestamp: ts, NodeID: "QC_000000000000", Version: Version}
}

func TestSQLiteBackupLifecycle(t *testing.T) {
	b := newTestBackup(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, b.Save(ctx, []models.TelemetryEvent{
		event("a", models.KindSignal, base),
		event("b", models.KindEntropy, base.Add(time.Minute)),
		event("c", models.KindOutcome, base.Add(2*time.Minute)),
		event("d", models.KindSignal, base.Add(3*time.Minute)),
	}))
	// duplicate ids are ignored
	require.NoError(t, b.Save(ctx, []models.TelemetryEvent{event("a", models.KindSignal, base)}))

	require.NoError(t, b.MarkSynced(ctx, []string{"a", "c"}))

	pending, err := b.Unsynced(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "b", pending[0].ID)
	assert.Equal(t, "d", pending[1].ID)
	assert.Equal(t, "XAUUSD", pending[1].Symbol)

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats[models.KindSignal].Total)
	assert.Equal(t, int64(1), stats[models.KindSignal].Unsynced)
	assert.Equal(t, int64(0), stats[models.KindOutcome].Unsynced)

	n, err := b.Purge(ctx, base.Add(90*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "only synced rows before the cutoff")

	stats, err = b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[models.KindSignal].Total)
}
