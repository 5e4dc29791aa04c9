package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Environment      string                 `yaml:"environment" default:"dev" validate:"required"`
	Account          string                 `yaml:"account"`
	Accounts         map[string]Account     `yaml:"accounts" validate:"required,min=1,dive"`
	Trading          TradingConfig          `yaml:"trading"`
	Regime           RegimeConfig           `yaml:"regime"`
	Predictor        PredictorConfig        `yaml:"predictor"`
	MarketData       MarketDataConfig       `yaml:"market_data"`
	Execution        ExecutionConfig        `yaml:"execution"`
	CollectionServer CollectionServerConfig `yaml:"collection_server"`
	Alerts           AlertsConfig           `yaml:"alerts"`
	Logger           LoggerConfig           `yaml:"logger"`
	Server           ServerConfig           `yaml:"server"`
	Metrics          MetricsConfig          `yaml:"metrics"`
	Redis            RedisConfig            `yaml:"redis"`
	Kafka            KafkaConfig            `yaml:"kafka"`
	ClickHouse       ClickHouseConfig       `yaml:"clickhouse"`
}

// Account is one brokerage account. Each process trades exactly one.
type Account struct {
	Server  string   `yaml:"server" validate:"required"`
	Gateway string   `yaml:"gateway" default:"paper" validate:"oneof=paper bridge"`
	Symbols []string `yaml:"symbols" validate:"required,min=1,dive,required"`
	Enabled bool     `yaml:"enabled"`
}

type TradingConfig struct {
	MaxLossDollars         float64       `yaml:"max_loss_dollars" default:"1.0" validate:"gt=0"`
	InitialSLDollars       float64       `yaml:"initial_sl_dollars" default:"1.0" validate:"gt=0"`
	TPMultiplier           float64       `yaml:"tp_multiplier" default:"3.0" validate:"gt=0"`
	ConfidenceThreshold    float64       `yaml:"confidence_threshold" default:"0.55" validate:"gte=0,lte=1"`
	CheckInterval          time.Duration `yaml:"check_interval" default:"60s" validate:"gt=0"`
	MaxPositions           int           `yaml:"max_positions" default:"3" validate:"gte=1"`
	LotSize                float64       `yaml:"lot_size" default:"0.01" validate:"gt=0"`
	ContractSize           float64       `yaml:"contract_size" default:"100" validate:"gt=0"`
	MagicNumber            int64         `yaml:"magic_number" default:"777777"`
	EnableTrading          bool          `yaml:"enable_trading"`
	MaxHold                time.Duration `yaml:"max_hold" validate:"gte=0"`
	CloseOnVolatile        bool          `yaml:"close_on_volatile"`
	FlattenOnShutdown      bool          `yaml:"flatten_on_shutdown"`
	TrailActivation        float64       `yaml:"trail_activation" default:"1.0" validate:"gte=0"`
	TrailDistance          float64       `yaml:"trail_distance" default:"1.0" validate:"gt=0"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures" default:"5" validate:"gte=1"`
	DailyLossLimit         float64       `yaml:"daily_loss_limit" validate:"gte=0"`
}

type RegimeConfig struct {
	Window  int     `yaml:"window" default:"128" validate:"gte=16"`
	Lo      float64 `yaml:"lo" default:"0.35" validate:"gt=0,lt=1"`
	Hi      float64 `yaml:"hi" default:"0.65" validate:"gt=0,lte=1"`
	History int     `yaml:"history" default:"20" validate:"gte=1"`
}

type PredictorConfig struct {
	Type           string        `yaml:"type" default:"vote" validate:"oneof=vote http"`
	Fidelity       float64       `yaml:"fidelity" default:"0.96" validate:"gt=0,lte=1"`
	RSIPeriod      int           `yaml:"rsi_period" default:"14" validate:"gte=2"`
	MomentumPeriod int           `yaml:"momentum_period" default:"10" validate:"gte=2"`
	URL            string        `yaml:"url"`
	Timeout        time.Duration `yaml:"timeout" default:"3s"`
	CacheTTL       time.Duration `yaml:"cache_ttl" default:"5m"`
	Retries        int           `yaml:"retries" default:"3" validate:"gte=1"`
}

type MarketDataConfig struct {
	Source         string        `yaml:"source" default:"bridge" validate:"oneof=bridge clickhouse kafka stream"`
	Timeframe      string        `yaml:"timeframe" default:"5m" validate:"oneof=1m 5m 15m 1h"`
	Bars           int           `yaml:"bars" default:"200" validate:"gte=1"`
	BufferSize     int           `yaml:"buffer_size" default:"2000" validate:"gte=1"`
	Topic          string        `yaml:"topic" default:"bars"`
	WebSocketURL   string        `yaml:"websocket_url"`
	APIKey         string        `yaml:"api_key"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay" default:"5s"`
	PingInterval   time.Duration `yaml:"ping_interval" default:"30s"`
	MaxRPS         int           `yaml:"max_rps" default:"50"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" default:"3" validate:"gte=1"`
	BaseBackoff time.Duration `yaml:"base_backoff" default:"500ms" validate:"gt=0"`
	MaxBackoff  time.Duration `yaml:"max_backoff" default:"5s" validate:"gt=0"`
}

type ExecutionConfig struct {
	CallTimeout time.Duration `yaml:"call_timeout" default:"10s" validate:"gt=0"`
	Retry       RetryConfig   `yaml:"retry"`
	Bridge      struct {
		URL string `yaml:"url"`
		RPS int    `yaml:"rps" default:"5" validate:"gte=1"`
	} `yaml:"bridge"`
	Paper PaperConfig `yaml:"paper"`
}

type PaperConfig struct {
	InitialBalance      float64 `yaml:"initial_balance" default:"10000" validate:"gt=0"`
	MaxDailyDrawdownPct float64 `yaml:"max_daily_drawdown_pct" default:"0.05" validate:"gte=0,lte=1"`
	MaxTotalDrawdownPct float64 `yaml:"max_total_drawdown_pct" default:"0.10" validate:"gte=0,lte=1"`
}

type CollectionServerConfig struct {
	Enabled       bool          `yaml:"enabled" default:"true"`
	Sink          string        `yaml:"sink" default:"http" validate:"oneof=http kafka"`
	URL           string        `yaml:"url" default:"http://localhost:8888"`
	Topic         string        `yaml:"topic" default:"telemetry"`
	Timeout       time.Duration `yaml:"timeout" default:"5s"`
	BatchSize     int           `yaml:"batch_size" default:"50" validate:"gte=1"`
	FlushInterval time.Duration `yaml:"flush_interval" default:"10s" validate:"gt=0"`
	QueueSize     int           `yaml:"queue_size" default:"1000" validate:"gte=1"`
	MaxRetries    int           `yaml:"max_retries" default:"3" validate:"gte=1"`
	RetryBackoff  time.Duration `yaml:"retry_backoff" default:"1s"`
	NodeIDFile    string        `yaml:"node_id_file" default:"quantum_data/.node_id"`
	Backup        struct {
		Enabled        bool          `yaml:"enabled" default:"true"`
		Path           string        `yaml:"path" default:"quantum_data/telemetry.db"`
		ReplaySchedule string        `yaml:"replay_schedule" default:"@every 15m"`
		Retention      time.Duration `yaml:"retention" default:"168h"`
	} `yaml:"backup"`
}

type AlertsConfig struct {
	Sink  string `yaml:"sink" default:"log" validate:"oneof=log redis kafka"`
	Topic string `yaml:"topic" default:"alerts"`
}

type LoggerConfig struct {
	Level      string `yaml:"level" default:"info"`
	Format     string `yaml:"format" default:"console" validate:"oneof=console json"`
	Output     string `yaml:"output" default:"stdout"`
	MaxSizeMB  int    `yaml:"max_size_mb" default:"100"`
	MaxBackups int    `yaml:"max_backups" default:"5"`
	MaxAgeDays int    `yaml:"max_age_days" default:"14"`
}

type ServerConfig struct {
	Enabled         bool          `yaml:"enabled" default:"true"`
	Port            int           `yaml:"port" default:"8080" validate:"gte=1,lte=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" default:"10s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"10s"`
	CORSOrigins     []string      `yaml:"cors_origins"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" default:"true"`
	Path    string `yaml:"path" default:"/metrics"`
}

type RedisConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Host         string        `yaml:"host" default:"localhost"`
	Port         int           `yaml:"port" default:"6379"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	Prefix       string        `yaml:"prefix" default:"regimetrader"`
	PoolSize     int           `yaml:"pool_size" default:"10"`
	MinIdleConns int           `yaml:"min_idle_conns" default:"2"`
	LeaseTTL     time.Duration `yaml:"lease_ttl" default:"30s" validate:"gt=0"`
}

type KafkaConfig struct {
	Brokers      []string `yaml:"brokers"`
	RequiredAcks int      `yaml:"required_acks" default:"-1"`
	Compression  string   `yaml:"compression" default:"gzip"`
	Producer     struct {
		MaxAttempts  int           `yaml:"max_attempts" default:"3"`
		Linger       time.Duration `yaml:"linger" default:"50ms"`
		BatchBytes   int           `yaml:"batch_bytes" default:"1048576"`
		BatchSize    int           `yaml:"batch_size" default:"100"`
		WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
		ReadTimeout  time.Duration `yaml:"read_timeout" default:"10s"`
	} `yaml:"producer"`
	Consumer struct {
		GroupID    string        `yaml:"group_id" default:"regime-trader"`
		Workers    int           `yaml:"workers" default:"2"`
		BufferSize int           `yaml:"buffer_size" default:"1000"`
		RetryMax   int           `yaml:"retry_max" default:"3"`
		BackoffMin time.Duration `yaml:"backoff_min" default:"100ms"`
		BackoffMax time.Duration `yaml:"backoff_max" default:"2s"`
		DLQTopic   string        `yaml:"dlq_topic"`
		MinBytes   int           `yaml:"min_bytes" default:"1"`
		MaxBytes   int           `yaml:"max_bytes" default:"10485760"`
	} `yaml:"consumer"`
}

type ClickHouseConfig struct {
	Host             string        `yaml:"host" default:"localhost"`
	Port             int           `yaml:"port" default:"9000"`
	Database         string        `yaml:"database" default:"market"`
	Table            string        `yaml:"table" default:"candles_1m"`
	User             string        `yaml:"user" default:"default"`
	Password         string        `yaml:"password"`
	UseHTTP          bool          `yaml:"use_http"`
	Compress         bool          `yaml:"compress"`
	DialTimeout      time.Duration `yaml:"dial_timeout" default:"5s"`
	ReadTimeout      time.Duration `yaml:"read_timeout" default:"30s"`
	MaxExecutionTime time.Duration `yaml:"max_execution_time" default:"60s"`
}

// ConfigError is a fatal startup configuration problem.
type ConfigError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config: %s", e.Reason)
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Err }

var validate = validator.New()

// Load reads, defaults and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Reason: "read " + path, Err: err}
	}
	return Parse(b)
}

// Parse decodes raw YAML and validates the result.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, &ConfigError{Reason: "defaults", Err: err}
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, &ConfigError{Reason: "parse yaml", Err: err}
	}
	for id, acc := range c.Accounts {
		if err := defaults.Set(&acc); err != nil {
			return nil, &ConfigError{Field: "accounts." + id, Reason: "defaults", Err: err}
		}
		c.Accounts[id] = acc
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadWithEnv loads config from YAML and overrides with environment variables.
func LoadWithEnv(path string) (*Config, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := c.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// ApplyEnv overrides fields from the environment lookup fn.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("ACCOUNT"); v != "" {
		c.Account = v
	}
	floats := map[string]*float64{
		"MAX_LOSS_DOLLARS":     &c.Trading.MaxLossDollars,
		"INITIAL_SL_DOLLARS":   &c.Trading.InitialSLDollars,
		"TP_MULTIPLIER":        &c.Trading.TPMultiplier,
		"CONFIDENCE_THRESHOLD": &c.Trading.ConfidenceThreshold,
	}
	for key, dst := range floats {
		if v := getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return &ConfigError{Field: key, Reason: "not a number", Err: err}
			}
			*dst = f
		}
	}
	if v := getenv("CHECK_INTERVAL_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &ConfigError{Field: "CHECK_INTERVAL_SECONDS", Reason: "not an integer", Err: err}
		}
		c.Trading.CheckInterval = time.Duration(n) * time.Second
	}
	bools := map[string]*bool{
		"ENABLE_TRADING":     &c.Trading.EnableTrading,
		"COLLECTION_ENABLED": &c.CollectionServer.Enabled,
	}
	for key, dst := range bools {
		if v := getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return &ConfigError{Field: key, Reason: "not a boolean", Err: err}
			}
			*dst = b
		}
	}
	if v := getenv("COLLECTION_URL"); v != "" {
		c.CollectionServer.URL = v
	}
	if v := getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := getenv("REDIS_ADDR"); v != "" {
		host, port, ok := strings.Cut(v, ":")
		c.Redis.Host = host
		if ok {
			p, err := strconv.Atoi(port)
			if err != nil {
				return &ConfigError{Field: "REDIS_ADDR", Reason: "bad port", Err: err}
			}
			c.Redis.Port = p
		}
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.Logger.Level = v
	}
	return nil
}

// Validate checks tags and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ConfigError{Field: fe.Namespace(), Reason: "failed " + fe.Tag() + " " + fe.Param(), Err: err}
		}
		return &ConfigError{Reason: "validation", Err: err}
	}
	if c.Regime.Lo >= c.Regime.Hi {
		return &ConfigError{Field: "regime", Reason: fmt.Sprintf("lo (%v) must be below hi (%v)", c.Regime.Lo, c.Regime.Hi)}
	}
	if c.Trading.InitialSLDollars > c.Trading.MaxLossDollars {
		return &ConfigError{Field: "trading.initial_sl_dollars", Reason: "must not exceed max_loss_dollars"}
	}
	if c.Account != "" {
		if _, ok := c.Accounts[c.Account]; !ok {
			return &ConfigError{Field: "account", Reason: fmt.Sprintf("unknown account %q", c.Account)}
		}
	}
	if c.Predictor.Type == "http" && c.Predictor.URL == "" {
		return &ConfigError{Field: "predictor.url", Reason: "required for http predictor"}
	}
	if c.MarketData.Source == "stream" && c.MarketData.WebSocketURL == "" {
		return &ConfigError{Field: "market_data.websocket_url", Reason: "required for stream source"}
	}
	needsKafka := c.MarketData.Source == "kafka" ||
		(c.CollectionServer.Enabled && c.CollectionServer.Sink == "kafka") ||
		c.Alerts.Sink == "kafka"
	if needsKafka && len(c.Kafka.Brokers) == 0 {
		return &ConfigError{Field: "kafka.brokers", Reason: "required by market_data, collection_server or alerts"}
	}
	if c.Alerts.Sink == "redis" && !c.Redis.Enabled {
		return &ConfigError{Field: "redis.enabled", Reason: "required by redis alerts"}
	}
	for id, acc := range c.Accounts {
		if acc.Gateway == "bridge" && c.Execution.Bridge.URL == "" {
			return &ConfigError{Field: "execution.bridge.url", Reason: "required by account " + id}
		}
	}
	if c.Execution.Retry.BaseBackoff > c.Execution.Retry.MaxBackoff {
		return &ConfigError{Field: "execution.retry", Reason: "base_backoff exceeds max_backoff"}
	}
	return nil
}

// SelectAccount resolves the account this process trades.
func (c *Config) SelectAccount(id string) (string, Account, error) {
	if id == "" {
		id = c.Account
	}
	if id == "" && len(c.Accounts) == 1 {
		for only := range c.Accounts {
			id = only
		}
	}
	if id == "" {
		return "", Account{}, &ConfigError{Field: "account", Reason: "no account selected and more than one configured"}
	}
	acc, ok := c.Accounts[id]
	if !ok {
		return "", Account{}, &ConfigError{Field: "account", Reason: fmt.Sprintf("unknown account %q", id)}
	}
	c.Account = id
	return id, acc, nil
}

// ActiveAccount returns the selected account entry.
func (c *Config) ActiveAccount() Account {
	return c.Accounts[c.Account]
}
