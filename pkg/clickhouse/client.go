package clickhouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// Client wraps a database/sql pool opened through the clickhouse-go
// connector.
type Client struct {
	db *sql.DB
}

type settings struct {
	addr        string
	auth        clickhouse.Auth
	protocol    clickhouse.Protocol
	maxOpen     int
	maxIdle     int
	lifetime    time.Duration
	dialTimeout time.Duration
	readTimeout time.Duration
	maxExec     time.Duration
	compress    bool
}

// Option configures NewClient.
type Option func(*settings)

func WithAddr(host string, port int) Option {
	return func(s *settings) { s.addr = net.JoinHostPort(host, strconv.Itoa(port)) }
}

// WithAuth selects the database and credentials.
func WithAuth(database, user, password string) Option {
	return func(s *settings) {
		s.auth = clickhouse.Auth{Database: database, Username: user, Password: password}
	}
}

// WithPool bounds the sql.DB pool.
func WithPool(maxOpen, maxIdle int, lifetime time.Duration) Option {
	return func(s *settings) {
		s.maxOpen, s.maxIdle, s.lifetime = maxOpen, maxIdle, lifetime
	}
}

func WithTimeouts(dial, read time.Duration) Option {
	return func(s *settings) { s.dialTimeout, s.readTimeout = dial, read }
}

// WithHTTP switches from the native protocol to HTTP.
func WithHTTP(on bool) Option {
	return func(s *settings) {
		if on {
			s.protocol = clickhouse.HTTP
		} else {
			s.protocol = clickhouse.Native
		}
	}
}

// WithMaxExecutionTime caps server-side query time. Rounded down to seconds.
func WithMaxExecutionTime(d time.Duration) Option {
	return func(s *settings) { s.maxExec = d }
}

// WithLZ4 enables block compression on the wire.
func WithLZ4(on bool) Option {
	return func(s *settings) { s.compress = on }
}

func defaultSettings() *settings {
	return &settings{
		auth:        clickhouse.Auth{Database: "default", Username: "default"},
		protocol:    clickhouse.Native,
		maxOpen:     4,
		maxIdle:     2,
		lifetime:    5 * time.Minute,
		dialTimeout: 5 * time.Second,
		readTimeout: 30 * time.Second,
	}
}

func (s *settings) options() *clickhouse.Options {
	opts := &clickhouse.Options{
		Addr:            []string{s.addr},
		Auth:            s.auth,
		Protocol:        s.protocol,
		DialTimeout:     s.dialTimeout,
		ReadTimeout:     s.readTimeout,
		MaxOpenConns:    s.maxOpen,
		MaxIdleConns:    s.maxIdle,
		ConnMaxLifetime: s.lifetime,
		Settings:        clickhouse.Settings{},
	}
	if secs := int(s.maxExec / time.Second); secs > 0 {
		opts.Settings["max_execution_time"] = secs
	}
	if s.compress {
		opts.Compression = &clickhouse.Compression{Method: clickhouse.CompressionLZ4}
	}
	return opts
}

// NewClient opens the pool and pings the server.
func NewClient(opts ...Option) (*Client, error) {
	s := defaultSettings()
	for _, opt := range opts {
		opt(s)
	}
	if s.addr == "" {
		return nil, errors.New("clickhouse: address is required")
	}

	db := clickhouse.OpenDB(s.options())
	db.SetMaxOpenConns(s.maxOpen)
	db.SetMaxIdleConns(s.maxIdle)
	db.SetConnMaxLifetime(s.lifetime)

	ctx, cancel := context.WithTimeout(context.Background(), s.dialTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("clickhouse ping %s: %w", s.addr, err)
	}
	return &Client{db: db}, nil
}

func (c *Client) DB() *sql.DB {
	return c.db
}

// Health pings the server.
func (c *Client) Health(ctx context.Context) error {
	if c.db == nil {
		return errors.New("clickhouse: not connected")
	}
	return c.db.PingContext(ctx)
}

func (c *Client) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// InitSchema runs idempotent DDL statements in order and stops at the first
// failure.
func (c *Client) InitSchema(ctx context.Context, stmts ...string) error {
	for i, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema statement %d: %w", i, err)
		}
	}
	return nil
}
