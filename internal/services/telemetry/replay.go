package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"RegimeTrader/internal/domain/repository"
	applogger "RegimeTrader/pkg/logger"
)

const replayBatch = 100

// Replayer resends journaled events the collector never acknowledged and
// prunes old synced rows on a cron schedule.
type Replayer struct {
	backup    repository.EventBackup
	sink      repository.TelemetrySink
	log       *applogger.Logger
	retention time.Duration
	// grace skips events the live emitter may still be sending.
	grace time.Duration
	now   func() time.Time
	cron  *cron.Cron
	// tracks the startup replay, which runs outside the scheduler
	wg sync.WaitGroup
}

func NewReplayer(backup repository.EventBackup, sink repository.TelemetrySink, retention, grace time.Duration, l *applogger.Logger) *Replayer {
	return &Replayer{
		backup:    backup,
		sink:      sink,
		log:       l,
		retention: retention,
		grace:     grace,
		now:       time.Now,
		cron:      cron.New(),
	}
}

// Replay sends unsynced events oldest first until the journal is drained or the
// collector refuses. It returns how many events were acknowledged.
func (r *Replayer) Replay(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.grace)
	synced := 0
	for {
		events, err := r.backup.Unsynced(ctx, replayBatch)
		if err != nil {
			return synced, fmt.Errorf("load unsynced: %w", err)
		}
		n := 0
		for n < len(events) && !events[n].Timestamp.After(cutoff) {
			n++
		}
		if n == 0 {
			return synced, nil
		}
		events = events[:n]

		accepted, sendErr := r.sink.Send(ctx, events)
		if accepted > 0 {
			ids := make([]string, accepted)
			for i := range ids {
				ids[i] = events[i].ID
			}
			if err := r.backup.MarkSynced(ctx, ids); err != nil {
				return synced, fmt.Errorf("mark synced: %w", err)
			}
			synced += accepted
		}
		if sendErr != nil {
			return synced, sendErr
		}
		if n < replayBatch {
			return synced, nil
		}
	}
}

// Purge drops synced events older than the retention window.
func (r *Replayer) Purge(ctx context.Context) (int64, error) {
	if r.retention <= 0 {
		return 0, nil
	}
	return r.backup.Purge(ctx, r.now().Add(-r.retention))
}

// Schedule registers the replay and purge jobs. The purge runs hourly.
func (r *Replayer) Schedule(ctx context.Context, spec string) error {
	if _, err := r.cron.AddFunc(spec, func() { r.runReplay(ctx) }); err != nil {
		return fmt.Errorf("register replay job: %w", err)
	}
	if _, err := r.cron.AddFunc("@hourly", func() {
		n, err := r.Purge(ctx)
		if err != nil {
			r.log.Warn("telemetry purge failed", applogger.Error(err))
			return
		}
		if n > 0 {
			r.log.Info("telemetry journal purged", applogger.Int64("rows", n))
		}
	}); err != nil {
		return fmt.Errorf("register purge job: %w", err)
	}
	return nil
}

// Start replays once and then starts the scheduler.
func (r *Replayer) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runReplay(ctx)
	}()
	r.cron.Start()
}

// Stop waits for running jobs, the startup replay included, to finish. The
// backup can be closed once it returns.
func (r *Replayer) Stop() {
	<-r.cron.Stop().Done()
	r.wg.Wait()
}

func (r *Replayer) runReplay(ctx context.Context) {
	n, err := r.Replay(ctx)
	if err != nil {
		r.log.Warn("telemetry replay incomplete", applogger.Int("synced", n), applogger.Error(err))
		return
	}
	if n > 0 {
		r.log.Info("telemetry replayed", applogger.Int("synced", n))
	}
}
