// Package config loads engine configuration from file and environment using
// Viper.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/vsumup-vs/pain-db-sub012/internal/domain"
)

// Manager loads and validates engine configuration.
type Manager struct {
	config *domain.Config
}

// NewManager creates a configuration manager, reading config.yaml from the
// usual locations and overriding from ALERT_ENGINE_* environment variables.
func NewManager() (*Manager, error) {
	m := &Manager{}
	if err := m.loadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return m, nil
}

// loadConfig loads configuration from file, environment and defaults.
func (m *Manager) loadConfig() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/alert-engine/")

	viper.SetEnvPrefix("ALERT_ENGINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	m.setDefaults()

	// Config file is optional; defaults and env vars suffice.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &domain.Config{}
	if err := viper.Unmarshal(config); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.config = config
	return nil
}

// setDefaults sets default configuration values.
func (m *Manager) setDefaults() {
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.database", "alert_engine")
	viper.SetDefault("database.username", "postgres")
	viper.SetDefault("database.password", "")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_conns", 25)
	viper.SetDefault("database.min_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("database.conn_max_idle_time", "30m")
	viper.SetDefault("database.migrations_path", "migrations")

	viper.SetDefault("redis.url", "")
	viper.SetDefault("redis.ttl", "5m")
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.pool_timeout", "4s")
	viper.SetDefault("redis.max_retries", 3)

	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.topic", "observations")
	viper.SetDefault("kafka.group_id", "alert-engine")

	viper.SetDefault("engine.evaluate_timeout", "10s")
	viper.SetDefault("engine.auto_resolve", false)
	viper.SetDefault("engine.rule_cache_size", 1024)
	viper.SetDefault("engine.rule_cache_ttl", "1m")

	viper.SetDefault("worker.workers", 8)
	viper.SetDefault("worker.queue_size", 1024)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")

	viper.SetDefault("metrics.addr", ":9090")
}

// GetConfig returns the complete configuration.
func (m *Manager) GetConfig() *domain.Config {
	return m.config
}

// GetDatabaseConfig returns database configuration.
func (m *Manager) GetDatabaseConfig() *domain.DatabaseConfig {
	return &m.config.Database
}

// GetEngineConfig returns evaluation policy configuration.
func (m *Manager) GetEngineConfig() *domain.EngineConfig {
	return &m.config.Engine
}

// Reload reloads the configuration.
func (m *Manager) Reload() error {
	return m.loadConfig()
}

// Validate validates the configuration.
func (m *Manager) Validate() error {
	config := m.config

	if config.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if config.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}
	if config.Database.Username == "" {
		return fmt.Errorf("database username is required")
	}

	if config.Engine.EvaluateTimeout <= 0 {
		return fmt.Errorf("engine evaluate timeout must be positive")
	}
	if config.Engine.RuleCacheSize <= 0 {
		return fmt.Errorf("engine rule cache size must be positive")
	}

	if config.Worker.Workers <= 0 {
		return fmt.Errorf("worker count must be positive")
	}
	if config.Worker.QueueSize <= 0 {
		return fmt.Errorf("worker queue size must be positive")
	}

	if len(config.Kafka.Brokers) == 0 {
		return fmt.Errorf("at least one kafka broker is required")
	}
	if config.Kafka.Topic == "" {
		return fmt.Errorf("kafka topic is required")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(config.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", config.Logging.Level)
	}

	return nil
}

// GetDatabaseConnectionString returns a formatted database connection string.
func (m *Manager) GetDatabaseConnectionString() string {
	db := m.config.Database
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		db.Host, db.Port, db.Username, db.Password, db.Database, db.SSLMode)
}

// GetDatabaseURL returns the database URL used by the migration runner.
func (m *Manager) GetDatabaseURL() string {
	db := m.config.Database
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		db.Username, db.Password, db.Host, db.Port, db.Database, db.SSLMode)
}
