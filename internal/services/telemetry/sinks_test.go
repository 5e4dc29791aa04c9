package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RegimeTrader/internal/domain/models"
	"RegimeTrader/pkg/kafka"
	applogger "RegimeTrader/pkg/logger"
)

func TestNodeIDPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quantum_data", ".node_id")

	id, err := LoadOrCreateNodeID(path)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^QC_[0-9A-F]{12}$`), id)

	again, err := LoadOrCreateNodeID(path)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o600))
	fresh, err := LoadOrCreateNodeID(path)
	require.NoError(t, err)
	assert.NotEqual(t, "garbage", fresh)
}

func TestSigHashIsStable(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	h := SigHash("QC_ABCDEF012345", "XAUUSD", ts)
	assert.Len(t, h, 16)
	assert.Equal(t, h, SigHash("QC_ABCDEF012345", "XAUUSD", ts.In(time.FixedZone("x", 3600))))
	assert.NotEqual(t, h, SigHash("QC_ABCDEF012345", "BTCUSD", ts))
}

func TestEventEndpoints(t *testing.T) {
	assert.Equal(t, "/signal", endpoint(models.KindSignal))
	assert.Equal(t, "/outcome", endpoint(models.KindOutcome))
	assert.Equal(t, "/entropy", endpoint(models.KindEntropy))
	assert.Equal(t, "/entropy", endpoint(models.KindRegimeChange))
}

func TestHTTPSinkPostsPerKind(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "QC_ABCDEF012345", r.Header.Get("X-Node-ID"))
		var ev models.TelemetryEvent
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		if ev.Symbol == "REFUSE" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewHTTPSink(srv.URL+"/collect", "QC_ABCDEF012345", time.Second)
	batch := []models.TelemetryEvent{
		{ID: "1", Kind: models.KindSignal, Symbol: "XAUUSD"},
		{ID: "2", Kind: models.KindOutcome, Symbol: "XAUUSD"},
		{ID: "3", Kind: models.KindRegimeChange, Symbol: "XAUUSD"},
		{ID: "4", Kind: models.KindEntropy, Symbol: "REFUSE"},
		{ID: "5", Kind: models.KindEntropy, Symbol: "XAUUSD"},
	}
	n, err := sink.Send(context.Background(), batch)
	assert.Equal(t, 3, n)
	var terr *TelemetryError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, "http", terr.Sink)
	assert.Equal(t, []string{"/signal", "/outcome", "/entropy", "/entropy"}, paths)
}

type fakePublisher struct {
	topic string
	msgs  []kafka.Message
	err   error
}

func (p *fakePublisher) PublishBatch(_ context.Context, topic string, msgs []kafka.Message) error {
	if p.err != nil {
		return p.err
	}
	p.topic = topic
	p.msgs = append(p.msgs, msgs...)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func TestKafkaSinkKeysBySymbol(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewKafkaSink(pub, "telemetry")

	n, err := sink.Send(context.Background(), []models.TelemetryEvent{
		{ID: "1", Kind: models.KindSignal, Symbol: "XAUUSD"},
		{ID: "2", Kind: models.KindSignal, Symbol: "BTCUSD"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "telemetry", pub.topic)
	assert.Equal(t, []byte("BTCUSD"), pub.msgs[1].Key)

	pub.err = errors.New("broker down")
	n, err = sink.Send(context.Background(), []models.TelemetryEvent{{ID: "3", Kind: models.KindOutcome}})
	assert.Equal(t, 0, n)
	assert.Error(t, err)
}

func TestReplayerResendsUnsynced(t *testing.T) {
	b := newTestBackup(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, b.Save(ctx, []models.TelemetryEvent{
		event("old-1", models.KindSignal, now.Add(-time.Hour)),
		event("old-2", models.KindOutcome, now.Add(-30*time.Minute)),
		event("fresh", models.KindSignal, now.Add(-time.Second)),
	}))

	sink := &memorySink{}
	r := NewReplayer(b, sink, 24*time.Hour, time.Minute, nil)
	r.now = func() time.Time { return now }

	n, err := r.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	pending, err := b.Unsynced(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "fresh", pending[0].ID)
}

func TestReplayerStopsWhenCollectorRefuses(t *testing.T) {
	b := newTestBackup(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, b.Save(ctx, []models.TelemetryEvent{event("x", models.KindSignal, now.Add(-time.Hour))}))

	r := NewReplayer(b, &memorySink{failN: 1}, time.Hour, time.Minute, nil)
	n, err := r.Replay(ctx)
	assert.Error(t, err)
	assert.Equal(t, 0, n)

	pending, err := b.Unsynced(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestReplayerStopWaitsForStartupReplay(t *testing.T) {
	b := newTestBackup(t)
	ctx := context.Background()
	require.NoError(t, b.Save(ctx, []models.TelemetryEvent{event("late", models.KindOutcome, time.Now().Add(-time.Hour))}))

	sink := &memorySink{block: make(chan struct{})}
	r := NewReplayer(b, sink, time.Hour, time.Minute, applogger.NewNop())
	r.Start(ctx)

	stopped := make(chan struct{})
	go func() {
		r.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while the startup replay was still sending")
	case <-time.After(50 * time.Millisecond):
	}

	close(sink.block)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the replay finished")
	}

	pending, err := b.Unsynced(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
