package repository

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"RegimeTrader/internal/domain/models"
	domrepo "RegimeTrader/internal/domain/repository"
	pkgch "RegimeTrader/pkg/clickhouse"
	applogger "RegimeTrader/pkg/logger"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// CHBarStore reads candles from a ClickHouse table of one-minute bars.
// Coarser timeframes are rolled up in the query.
type CHBarStore struct {
	db    *sql.DB
	table string
	tf    domrepo.Timeframe
	l     *applogger.Logger
}

func NewCHBarStore(ch *pkgch.Client, table string, tf domrepo.Timeframe) (*CHBarStore, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid clickhouse table %q", table)
	}
	return &CHBarStore{db: ch.DB(), table: table, tf: tf}, nil
}

// SetLogger injects a structured logger.
func (s *CHBarStore) SetLogger(l *applogger.Logger) { s.l = l }

// Latest implements MarketDataFeed for the configured timeframe.
func (s *CHBarStore) Latest(ctx context.Context, symbol string, n int) (models.MarketSnapshot, error) {
	bars, err := s.GetLatestNBars(ctx, symbol, n, s.tf)
	if err != nil {
		return models.MarketSnapshot{}, err
	}
	return models.MarketSnapshot{Symbol: symbol, Timestamp: time.Now().UTC(), Bars: bars}, nil
}

func (s *CHBarStore) GetBars(ctx context.Context, symbol string, from, to time.Time, tf domrepo.Timeframe) ([]models.Bar, error) {
	const qtpl = `
        SELECT %s
        FROM %s
        WHERE symbol = ? AND bucket >= ? AND bucket <= ?
        %s
        ORDER BY t ASC
    `
	q := fmt.Sprintf(qtpl, selectList(tf), s.table, groupBy(tf))
	return s.query(ctx, "get_bars", symbol, tf, q, symbol, from, to)
}

func (s *CHBarStore) GetLatestNBars(ctx context.Context, symbol string, n int, tf domrepo.Timeframe) ([]models.Bar, error) {
	const qtpl = `
        SELECT %s
        FROM %s
        WHERE symbol = ? AND bucket >= ?
        %s
        ORDER BY t DESC
        LIMIT ?
    `
	// bound the scan to the rows that can contribute
	since := time.Now().Add(-time.Duration(n+1) * tf.Duration() * 3)
	q := fmt.Sprintf(qtpl, selectList(tf), s.table, groupBy(tf))
	bars, err := s.query(ctx, "latest_bars", symbol, tf, q, symbol, since, n)
	if err != nil {
		return nil, err
	}
	// reverse to ASC
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
	return bars, nil
}

func (s *CHBarStore) query(ctx context.Context, op, symbol string, tf domrepo.Timeframe, q string, args ...interface{}) ([]models.Bar, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		s.logErr(op+" query error", symbol, tf, err)
		return nil, fmt.Errorf("%s %s: %w", op, symbol, err)
	}
	defer rows.Close()

	out := make([]models.Bar, 0, 256)
	for rows.Next() {
		b := models.Bar{Symbol: symbol}
		if err := rows.Scan(&b.Time, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			s.logErr(op+" scan error", symbol, tf, err)
			return nil, fmt.Errorf("scan bar: %w", err)
		}
		b.Time = b.Time.UTC()
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		s.logErr(op+" rows error", symbol, tf, err)
		return nil, fmt.Errorf("rows: %w", err)
	}
	if s.l != nil {
		s.l.Debug("clickhouse "+op+" ok",
			applogger.String("table", s.table),
			applogger.String("symbol", symbol),
			applogger.String("tf", string(tf)),
			applogger.Int("rows", len(out)),
			applogger.Duration("duration_ms", time.Since(start)),
		)
	}
	return out, nil
}

func (s *CHBarStore) logErr(msg, symbol string, tf domrepo.Timeframe, err error) {
	if s.l == nil {
		return
	}
	s.l.Error("clickhouse "+msg,
		applogger.String("table", s.table),
		applogger.String("symbol", symbol),
		applogger.String("tf", string(tf)),
		applogger.Error(err),
	)
}

func selectList(tf domrepo.Timeframe) string {
	if tf == domrepo.TF1m {
		return "bucket AS t, open, high, low, close, vol"
	}
	return fmt.Sprintf(
		"toStartOfInterval(bucket, INTERVAL %d SECOND) AS t, argMin(open, bucket), max(high), min(low), argMax(close, bucket), sum(vol)",
		int(tf.Duration().Seconds()),
	)
}

func groupBy(tf domrepo.Timeframe) string {
	if tf == domrepo.TF1m {
		return ""
	}
	return "GROUP BY t"
}

var (
	_ domrepo.BarStore       = (*CHBarStore)(nil)
	_ domrepo.MarketDataFeed = (*CHBarStore)(nil)
)
