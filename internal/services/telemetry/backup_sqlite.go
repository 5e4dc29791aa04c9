package telemetry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"RegimeTrader/internal/domain/models"
	"RegimeTrader/internal/domain/repository"
)

// SQLiteBackup journals every event locally with a synced flag so that
// events the collector never acknowledged can be replayed later.
type SQLiteBackup struct {
	db *sql.DB
	mu sync.Mutex
}

func NewSQLiteBackup(path string) (*SQLiteBackup, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create backup dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	b := &SQLiteBackup{db: db}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return b, nil
}

func (b *SQLiteBackup) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS telemetry_events (
			id        TEXT PRIMARY KEY,
			kind      TEXT NOT NULL,
			symbol    TEXT,
			timestamp INTEGER NOT NULL,
			payload   TEXT NOT NULL,
			synced    INTEGER NOT NULL DEFAULT 0,
			synced_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_telemetry_unsynced ON telemetry_events(synced, timestamp)`,
	}
	for _, s := range stmts {
		if _, err := b.db.Exec(s); err != nil {
			return fmt.Errorf("exec %q: %w", s[:40], err)
		}
	}
	return nil
}

func (b *SQLiteBackup) Save(ctx context.Context, events []models.TelemetryEvent) error {
	if len(events) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO telemetry_events
		(id, kind, symbol, timestamp, payload) VALUES (?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", ev.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, ev.ID, string(ev.Kind), ev.Symbol, ev.Timestamp.UnixMilli(), string(payload)); err != nil {
			return fmt.Errorf("insert event %s: %w", ev.ID, err)
		}
	}
	return tx.Commit()
}

func (b *SQLiteBackup) MarkSynced(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, time.Now().UnixMilli())
	for _, id := range ids {
		args = append(args, id)
	}
	q := `UPDATE telemetry_events SET synced = 1, synced_at = ? WHERE id IN (` +
		strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",") + `)`
	if _, err := b.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	return nil
}

// Unsynced returns the oldest unacknowledged events.
func (b *SQLiteBackup) Unsynced(ctx context.Context, limit int) ([]models.TelemetryEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rows, err := b.db.QueryContext(ctx, `SELECT payload FROM telemetry_events
		WHERE synced = 0 ORDER BY timestamp, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query unsynced: %w", err)
	}
	defer rows.Close()

	var out []models.TelemetryEvent
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		var ev models.TelemetryEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Purge deletes synced events older than the cutoff.
func (b *SQLiteBackup) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	res, err := b.db.ExecContext(ctx, `DELETE FROM telemetry_events WHERE synced = 1 AND timestamp < ?`, olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	return res.RowsAffected()
}

// Stats counts journaled events per kind.
func (b *SQLiteBackup) Stats(ctx context.Context) (map[models.TelemetryKind]repository.BackupStats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rows, err := b.db.QueryContext(ctx, `SELECT kind, COUNT(*), SUM(CASE WHEN synced = 0 THEN 1 ELSE 0 END)
		FROM telemetry_events GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	out := make(map[models.TelemetryKind]repository.BackupStats)
	for rows.Next() {
		var kind string
		var st repository.BackupStats
		if err := rows.Scan(&kind, &st.Total, &st.Unsynced); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out[models.TelemetryKind(kind)] = st
	}
	return out, rows.Err()
}

func (b *SQLiteBackup) Close() error {
	return b.db.Close()
}
