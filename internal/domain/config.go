package domain

import (
	"time"
)

// Config is the root engine configuration.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// DatabaseConfig configures the postgres connection pool.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// RedisConfig configures the optional redis tier of the rule cache. An empty
// URL disables the tier; the in-memory LRU tier still applies.
type RedisConfig struct {
	URL         string        `mapstructure:"url"`
	TTL         time.Duration `mapstructure:"ttl"`
	PoolSize    int           `mapstructure:"pool_size"`
	PoolTimeout time.Duration `mapstructure:"pool_timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
}

// KafkaConfig configures the observation ingestion consumer.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

// EngineConfig configures evaluation policy.
type EngineConfig struct {
	// EvaluateTimeout bounds the store reads and writes of one evaluation.
	EvaluateTimeout time.Duration `mapstructure:"evaluate_timeout"`
	// AutoResolve enables the optional policy that resolves an open alert
	// when a later observation of the same metric no longer violates its
	// rule. Off by default: resolution is clinician-driven unless a product
	// requirement mandates otherwise.
	AutoResolve bool `mapstructure:"auto_resolve"`
	// RuleCacheSize bounds the in-memory rule cache (entries).
	RuleCacheSize int `mapstructure:"rule_cache_size"`
	// RuleCacheTTL bounds how long a cached rule set is served.
	RuleCacheTTL time.Duration `mapstructure:"rule_cache_ttl"`
}

// WorkerConfig configures the evaluation worker pool.
type WorkerConfig struct {
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`
}

// LoggingConfig configures logrus output.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig configures the prometheus exposition endpoint.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}
