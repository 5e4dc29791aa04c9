package logger

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type Publisher interface {
	PublishMessage(ctx context.Context, topic string, payload interface{}) error
}

// CollectionConfig controls how error logs are grouped and forwarded as operator alerts.
type CollectionConfig struct {
	TimeInterval   time.Duration
	CountThreshold int
	Topic          string
	Source         string // stamped on every batch, usually the account id
	Publisher      Publisher
}

// AlertBatch is the payload published on each flush.
type AlertBatch struct {
	Source string               `json:"source"`
	SentAt time.Time            `json:"sent_at"`
	Logs   []AggregatedLogEntry `json:"logs"`
}

type AggregatedLogEntry struct {
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields"`
	Caller    string                 `json:"caller"`
	Count     int                    `json:"count"`
	FirstSeen time.Time              `json:"first_seen"`
	LastSeen  time.Time              `json:"last_seen"`
}

const outboxSize = 16

// LogCollector folds repeated error logs into counted entries and publishes
// them in batches from a single goroutine. AddLog never waits on the
// publisher; batches that do not fit the outbox are dropped.
type LogCollector struct {
	cfg CollectionConfig

	mu      sync.Mutex
	pending map[uint64]*AggregatedLogEntry

	outbox  chan AlertBatch
	dropped atomic.Int64
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func NewLogCollector(config *CollectionConfig) *LogCollector {
	cfg := *config
	if cfg.TimeInterval <= 0 {
		cfg.TimeInterval = 30 * time.Second
	}
	if cfg.CountThreshold <= 0 {
		cfg.CountThreshold = 100
	}
	d := &LogCollector{
		cfg:     cfg,
		pending: make(map[uint64]*AggregatedLogEntry),
		outbox:  make(chan AlertBatch, outboxSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *LogCollector) AddLog(level, message string, fields map[string]interface{}, caller string) {
	now := time.Now()
	key := entryKey(level, message, fields, caller)

	d.mu.Lock()
	if e, ok := d.pending[key]; ok {
		e.Count++
		e.LastSeen = now
	} else {
		d.pending[key] = &AggregatedLogEntry{
			Level:     level,
			Message:   message,
			Fields:    fields,
			Caller:    caller,
			Count:     1,
			FirstSeen: now,
			LastSeen:  now,
		}
	}
	var batch []AggregatedLogEntry
	if len(d.pending) >= d.cfg.CountThreshold {
		batch = d.takeLocked()
	}
	d.mu.Unlock()

	d.enqueue(batch)
}

// Dropped is the number of batches discarded because the outbox was full.
func (d *LogCollector) Dropped() int64 {
	return d.dropped.Load()
}

// Close publishes everything pending and stops the sender. Safe to call twice.
func (d *LogCollector) Close() {
	d.once.Do(func() { close(d.done) })
	<-d.stopped
}

// entries with the same level, message, caller and field values share a key
func entryKey(level, message string, fields map[string]interface{}, caller string) uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s\x00%s\x00%s", level, caller, message)
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "\x00%s=%v", k, fields[k])
	}
	return h.Sum64()
}

func (d *LogCollector) takeLocked() []AggregatedLogEntry {
	if len(d.pending) == 0 {
		return nil
	}
	logs := make([]AggregatedLogEntry, 0, len(d.pending))
	for _, e := range d.pending {
		logs = append(logs, *e)
	}
	d.pending = make(map[uint64]*AggregatedLogEntry)
	sort.Slice(logs, func(i, j int) bool { return logs[i].FirstSeen.Before(logs[j].FirstSeen) })
	return logs
}

func (d *LogCollector) take() []AggregatedLogEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.takeLocked()
}

func (d *LogCollector) enqueue(logs []AggregatedLogEntry) {
	if len(logs) == 0 {
		return
	}
	select {
	case d.outbox <- AlertBatch{Source: d.cfg.Source, Logs: logs}:
	default:
		d.dropped.Add(1)
	}
}

func (d *LogCollector) run() {
	defer close(d.stopped)
	ticker := time.NewTicker(d.cfg.TimeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.enqueue(d.take())
		case b := <-d.outbox:
			d.publish(b)
		case <-d.done:
			last := d.take()
			for len(d.outbox) > 0 {
				d.publish(<-d.outbox)
			}
			if len(last) > 0 {
				d.publish(AlertBatch{Source: d.cfg.Source, Logs: last})
			}
			return
		}
	}
}

func (d *LogCollector) publish(b AlertBatch) {
	b.SentAt = time.Now().UTC()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.cfg.Publisher.PublishMessage(ctx, d.cfg.Topic, b); err != nil {
		// the logger itself feeds this collector, so report out of band
		fmt.Fprintf(os.Stderr, "log collector: publish to %s failed: %v\n", d.cfg.Topic, err)
	}
}
