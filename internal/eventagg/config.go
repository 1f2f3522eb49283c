package eventagg

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where a config file is searched for,
// in priority order. The first one found is used.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/useraggd/config.yaml",
	"/etc/useraggd/config.yml",
}

// ConfigPathEnvVar overrides the config file search with an explicit path.
const ConfigPathEnvVar = "CONFIG_PATH"

// BrokerConfig configures the NATS JetStream connection the Consumer Loop
// subscribes through. NATS JetStream stands in for the spec's generic
// "partitioned log-structured event bus": a stream is the partitioned
// topic, a durable consumer bound to a queue group is the consumer group.
type BrokerConfig struct {
	URL              string        `koanf:"url"`
	Subject          string        `koanf:"subject"`
	StreamName       string        `koanf:"stream_name"`
	DurableName      string        `koanf:"durable_name"`
	QueueGroup       string        `koanf:"queue_group"`
	SubscribersCount int           `koanf:"subscribers_count"`
	AckWaitTimeout   time.Duration `koanf:"ack_wait_timeout"`
	MaxDeliver       int           `koanf:"max_deliver"`
	MaxAckPending    int           `koanf:"max_ack_pending"`
	CloseTimeout     time.Duration `koanf:"close_timeout"`
	MaxReconnects    int           `koanf:"max_reconnects"`
	ReconnectWait    time.Duration `koanf:"reconnect_wait"`

	// DeliverFromEarliest resumes from the oldest retained message on a
	// fresh durable consumer instead of only new messages, matching the
	// "earliest" offset reset policy.
	DeliverFromEarliest bool `koanf:"deliver_from_earliest"`
}

// AggregationConfig configures the Aggregation Cache and Flusher.
type AggregationConfig struct {
	FlushInterval time.Duration `koanf:"flush_interval"`
	BatchSize     int           `koanf:"batch_size"`
	FlushTimeout  time.Duration `koanf:"flush_timeout"`

	CircuitBreakerFailureThreshold uint32        `koanf:"circuit_breaker_failure_threshold"`
	CircuitBreakerTimeout          time.Duration `koanf:"circuit_breaker_timeout"`
}

// PostgreSQLConfig configures the durable store connection.
type PostgreSQLConfig struct {
	DSN             string        `koanf:"dsn"`
	MaxConns        int32         `koanf:"max_conns"`
	MinConns        int32         `koanf:"min_conns"`
	MaxConnLifetime time.Duration `koanf:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `koanf:"max_conn_idle_time"`
}

// LoggingConfig configures structured logging. Output is always
// os.Stderr; it is not config-file representable, unlike Level/Format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// ServerConfig configures the HTTP observability surface.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`
}

// Config is the top-level configuration for useraggd.
type Config struct {
	Broker      BrokerConfig      `koanf:"broker"`
	Aggregation AggregationConfig `koanf:"aggregation"`
	PostgreSQL  PostgreSQLConfig  `koanf:"postgresql"`
	Logging     LoggingConfig     `koanf:"logging"`
	Server      ServerConfig      `koanf:"server"`
}

// DefaultConfig returns sensible production defaults without consulting
// any config file or environment variables. Callers that want the full
// layered load should use LoadConfig; this is for tests and callers that
// construct a Service directly against a fake store.
func DefaultConfig() *Config {
	return defaultConfig()
}

// defaultConfig returns sensible production defaults, applied before the
// config file and environment variable layers.
func defaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			URL:                 "nats://127.0.0.1:4222",
			Subject:             "useractivity.>",
			StreamName:          "USER_ACTIVITY",
			DurableName:         "useraggd",
			QueueGroup:          "useraggd",
			SubscribersCount:    4,
			AckWaitTimeout:      30 * time.Second,
			MaxDeliver:          5,
			MaxAckPending:       1000,
			CloseTimeout:        30 * time.Second,
			MaxReconnects:       -1,
			ReconnectWait:       2 * time.Second,
			DeliverFromEarliest: false,
		},
		Aggregation: AggregationConfig{
			FlushInterval:                  10 * time.Second,
			BatchSize:                      500,
			FlushTimeout:                   30 * time.Second,
			CircuitBreakerFailureThreshold: 5,
			CircuitBreakerTimeout:          30 * time.Second,
		},
		PostgreSQL: PostgreSQLConfig{
			DSN:             "postgres://localhost:5432/useraggd",
			MaxConns:        8,
			MinConns:        2,
			MaxConnLifetime: time.Hour,
			MaxConnIdleTime: 5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8080,
			Timeout: 30 * time.Second,
		},
	}
}

// LoadConfig loads configuration using koanf with layered sources:
//  1. Defaults (built-in).
//  2. An optional YAML config file.
//  3. Environment variables (highest priority).
func LoadConfig() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	envProvider := env.Provider("USERAGGD_", ".", func(key string) string {
		key = strings.ToLower(strings.TrimPrefix(key, "USERAGGD_"))
		return strings.ReplaceAll(key, "_", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that required fields are present and sane.
func (c *Config) Validate() error {
	if c.Broker.URL == "" {
		return fmt.Errorf("%w: broker.url is required", ErrInvalidConfig)
	}
	if c.Broker.Subject == "" {
		return fmt.Errorf("%w: broker.subject is required", ErrInvalidConfig)
	}
	if c.PostgreSQL.DSN == "" {
		return fmt.Errorf("%w: postgresql.dsn is required", ErrInvalidConfig)
	}
	if c.Aggregation.BatchSize <= 0 {
		return fmt.Errorf("%w: aggregation.batch_size must be positive", ErrInvalidConfig)
	}
	if c.Aggregation.FlushInterval <= 0 {
		return fmt.Errorf("%w: aggregation.flush_interval must be positive", ErrInvalidConfig)
	}
	return nil
}

// findConfigFile searches for a config file: the explicit env var path
// first, then DefaultConfigPaths in order.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// AggregatorConfig converts the config-file AggregationConfig into the
// eventagg.AggregatorConfig the Aggregator constructor expects.
func (c *Config) AggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		FlushInterval: c.Aggregation.FlushInterval,
		BatchSize:     c.Aggregation.BatchSize,
		FlushTimeout:  c.Aggregation.FlushTimeout,
		CircuitBreaker: CircuitBreakerConfig{
			Name:             "durable-store",
			MaxRequests:      1,
			Timeout:          c.Aggregation.CircuitBreakerTimeout,
			FailureThreshold: c.Aggregation.CircuitBreakerFailureThreshold,
		},
	}
}

// PostgresStoreConfig converts PostgreSQLConfig into PostgresStoreConfig.
func (c *Config) PostgresStoreConfig() PostgresStoreConfig {
	return PostgresStoreConfig{
		DSN:             c.PostgreSQL.DSN,
		MaxConns:        c.PostgreSQL.MaxConns,
		MinConns:        c.PostgreSQL.MinConns,
		MaxConnLifetime: c.PostgreSQL.MaxConnLifetime,
		MaxConnIdleTime: c.PostgreSQL.MaxConnIdleTime,
	}
}
