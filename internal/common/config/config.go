// internal/common/config/config.go
package config

import "fmt"

// Config is the main application configuration struct.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	Database DatabaseConfig `mapstructure:"database"`
	Queues   QueuesConfig   `mapstructure:"queues"`
	Provider ProviderConfig `mapstructure:"provider"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Alerts   AlertsConfig   `mapstructure:"alerts"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Server   ServerConfig   `mapstructure:"server"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// BrokerConfig locates the Redis instance backing the access queues.
// Address is mandatory; its absence is a fatal configuration error.
type BrokerConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type DatabaseConfig struct {
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

// GetDSN returns the PostgreSQL connection string
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type ElasticsearchConfig struct {
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
}

// QueuesConfig holds the job policy shared by the grant and revoke queues.
type QueuesConfig struct {
	MaxAttempts     int `mapstructure:"max_attempts"`      // default 5
	BackoffBaseMs   int `mapstructure:"backoff_base_ms"`   // default 5000
	LeaseMs         int `mapstructure:"lease_ms"`          // active-job lease, default 60000
	Concurrency     int `mapstructure:"concurrency"`       // consumers per queue
	PollIntervalMs  int `mapstructure:"poll_interval_ms"`  // idle poll cadence
	GaugeIntervalMs int `mapstructure:"gauge_interval_ms"` // waiting-gauge refresh
	JobTimeoutMs    int `mapstructure:"job_timeout_ms"`    // per-job handler budget
}

// ProviderConfig locates the external channel provider API.
type ProviderConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	Token     string `mapstructure:"token"`
	TimeoutMs int    `mapstructure:"timeout_ms"`
}

// AuditConfig controls the Elasticsearch audit sink.
type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Index   string `mapstructure:"index"`
}

// AlertsConfig controls SNS dead-letter notifications.
type AlertsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Region   string `mapstructure:"region"`
	TopicARN string `mapstructure:"topic_arn"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig controls the health/metrics HTTP listener.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}
