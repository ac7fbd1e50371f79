// internal/common/config/loader.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	apperrors "access-sync/internal/common/errors"
)

func Load() (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("../../configs")
	v.AddConfigPath(".")

	// Enable ENV override like BROKER_ADDRESS
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	env := os.Getenv("APP_ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading base config: %w", err)
		}
	}

	// Environment-specific overrides (config.development.yaml etc.)
	v.SetConfigName(fmt.Sprintf("config.%s", env))
	_ = v.MergeInConfig() // ignore error if not found

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	overrideFromEnv(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadEnvFile loads .env from the working directory or the project root so
// the binary behaves the same when launched from tests or from cmd/.
func loadEnvFile() {
	possiblePaths := []string{
		".env",
		"../.env",
		"../../.env",
	}

	if rootDir := findProjectRoot(); rootDir != "" {
		possiblePaths = append(possiblePaths, filepath.Join(rootDir, ".env"))
	}

	for _, path := range possiblePaths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				return
			}
		}
	}
}

func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "access-sync"
	}
	if cfg.App.Environment == "" {
		cfg.App.Environment = "development"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}

	if cfg.Database.Postgres.Port == 0 {
		cfg.Database.Postgres.Port = 5432
	}
	if cfg.Database.Postgres.MaxConnections == 0 {
		cfg.Database.Postgres.MaxConnections = 20
	}
	if cfg.Database.Postgres.MaxIdle == 0 {
		cfg.Database.Postgres.MaxIdle = 5
	}
	if cfg.Database.Postgres.SSLMode == "" {
		cfg.Database.Postgres.SSLMode = "disable"
	}

	if cfg.Queues.MaxAttempts == 0 {
		cfg.Queues.MaxAttempts = 5
	}
	if cfg.Queues.BackoffBaseMs == 0 {
		cfg.Queues.BackoffBaseMs = 5000
	}
	if cfg.Queues.LeaseMs == 0 {
		cfg.Queues.LeaseMs = 60000
	}
	if cfg.Queues.Concurrency == 0 {
		cfg.Queues.Concurrency = 4
	}
	if cfg.Queues.PollIntervalMs == 0 {
		cfg.Queues.PollIntervalMs = 1000
	}
	if cfg.Queues.GaugeIntervalMs == 0 {
		cfg.Queues.GaugeIntervalMs = 5000
	}
	if cfg.Queues.JobTimeoutMs == 0 {
		cfg.Queues.JobTimeoutMs = 30000
	}

	if cfg.Provider.TimeoutMs == 0 {
		cfg.Provider.TimeoutMs = 10000
	}
	if cfg.Audit.Index == "" {
		cfg.Audit.Index = "access-audit"
	}
}

// overrideFromEnv fills still-empty connection settings from plain env vars,
// so no yaml file is needed in container deployments.
func overrideFromEnv(cfg *Config) {
	if cfg.Broker.Address == "" {
		cfg.Broker.Address = os.Getenv("BROKER_ADDRESS")
	}
	if cfg.Broker.Password == "" {
		cfg.Broker.Password = os.Getenv("BROKER_PASSWORD")
	}
	if cfg.Database.Postgres.Host == "" {
		cfg.Database.Postgres.Host = os.Getenv("POSTGRES_HOST")
	}
	if cfg.Database.Postgres.User == "" {
		cfg.Database.Postgres.User = os.Getenv("POSTGRES_USER")
	}
	if cfg.Database.Postgres.Password == "" {
		cfg.Database.Postgres.Password = os.Getenv("POSTGRES_PASSWORD")
	}
	if cfg.Database.Postgres.Database == "" {
		cfg.Database.Postgres.Database = os.Getenv("POSTGRES_DB")
	}
	if cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = os.Getenv("PROVIDER_BASE_URL")
	}
	if cfg.Provider.Token == "" {
		cfg.Provider.Token = os.Getenv("PROVIDER_TOKEN")
	}
}

// Validate enforces the settings the engine cannot start without.
func Validate(cfg *Config) error {
	if cfg.Broker.Address == "" {
		return apperrors.NewConfigurationError("broker.address (BROKER_ADDRESS) is required")
	}
	if cfg.Database.Postgres.Host == "" {
		return apperrors.NewConfigurationError("database.postgres.host (POSTGRES_HOST) is required")
	}
	if cfg.Provider.BaseURL == "" {
		return apperrors.NewConfigurationError("provider.base_url (PROVIDER_BASE_URL) is required")
	}
	if cfg.Alerts.Enabled && cfg.Alerts.TopicARN == "" {
		return apperrors.NewConfigurationError("alerts.topic_arn is required when alerts are enabled")
	}
	return nil
}
