package logger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu      sync.Mutex
	topics  []string
	batches []AlertBatch
}

func (p *recordingPublisher) PublishMessage(_ context.Context, topic string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	if b, ok := payload.(AlertBatch); ok {
		p.batches = append(p.batches, b)
	}
	return nil
}

func TestCollectorAggregatesDuplicateErrors(t *testing.T) {
	pub := &recordingPublisher{}
	l := NewNop()
	l.AddCollector(&CollectionConfig{TimeInterval: time.Hour, CountThreshold: 100, Topic: "alerts", Source: "demo", Publisher: pub})

	for i := 0; i < 3; i++ {
		l.Error("gateway call failed", String("op", "place_order"), Error(errors.New("timeout")))
	}
	l.RemoveCollector()

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.batches, 1)
	assert.Equal(t, "alerts", pub.topics[0])
	assert.Equal(t, "demo", pub.batches[0].Source)
	require.Len(t, pub.batches[0].Logs, 1)
	assert.Equal(t, 3, pub.batches[0].Logs[0].Count)
}

func TestCollectorFlushesAtThreshold(t *testing.T) {
	pub := &recordingPublisher{}
	c := NewLogCollector(&CollectionConfig{TimeInterval: time.Hour, CountThreshold: 2, Topic: "alerts", Publisher: pub})
	c.AddLog("error", "a", nil, "x.go:1")
	c.AddLog("error", "b", nil, "x.go:2")
	c.Close()

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.batches, 1)
	assert.Len(t, pub.batches[0].Logs, 2)
}

func TestWithKeepsCollector(t *testing.T) {
	pub := &recordingPublisher{}
	l := NewNop()
	l.AddCollector(&CollectionConfig{TimeInterval: time.Hour, CountThreshold: 100, Topic: "alerts", Publisher: pub})
	child := l.With(String("account", "demo"))
	child.Error("position unknown")
	l.RemoveCollector()

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.batches, 1)
	assert.Equal(t, "position unknown", pub.batches[0].Logs[0].Message)
}

func TestChildCreatedBeforeCollectorForwards(t *testing.T) {
	pub := &recordingPublisher{}
	l := NewNop()
	child := l.With(String("component", "risk"))
	l.AddCollector(&CollectionConfig{TimeInterval: time.Hour, CountThreshold: 100, Topic: "alerts", Publisher: pub})
	child.Error("breaker tripped")
	l.RemoveCollector()

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.batches, 1)
	assert.Equal(t, "breaker tripped", pub.batches[0].Logs[0].Message)
}

type blockingPublisher struct {
	release chan struct{}
	calls   atomic.Int32
}

func (p *blockingPublisher) PublishMessage(ctx context.Context, _ string, _ interface{}) error {
	p.calls.Add(1)
	select {
	case <-p.release:
	case <-ctx.Done():
	}
	return nil
}

func TestCollectorNeverBlocksOnSlowPublisher(t *testing.T) {
	pub := &blockingPublisher{release: make(chan struct{})}
	c := NewLogCollector(&CollectionConfig{TimeInterval: time.Hour, CountThreshold: 1, Topic: "alerts", Publisher: pub})

	done := make(chan struct{})
	go func() {
		for i := 0; i < outboxSize*4; i++ {
			c.AddLog("error", "venue down", map[string]interface{}{"i": i}, "x.go:1")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("AddLog blocked on publisher")
	}
	assert.Positive(t, c.Dropped())

	close(pub.release)
	c.Close()
	c.Close()
}

func TestEntryKeyIgnoresFieldOrder(t *testing.T) {
	a := entryKey("error", "m", map[string]interface{}{"x": 1, "y": "b"}, "f.go:1")
	b := entryKey("error", "m", map[string]interface{}{"y": "b", "x": 1}, "f.go:1")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, entryKey("error", "m", map[string]interface{}{"x": 2, "y": "b"}, "f.go:1"))
}
