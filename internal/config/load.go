package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. DISCOVER_SERVER_PORT.
const EnvPrefix = "DISCOVER"

// Role selects which configuration sections must validate.
type Role int

const (
	// RoleRequester validates server, database and requester settings.
	RoleRequester Role = iota
	// RoleExecutor validates server and executor settings.
	RoleExecutor
	// RoleCLI validates only the server section.
	RoleCLI
)

// Load configuration from environment variables and optionally a config file.
// Environment variables take precedence over values from the config file.
// An empty configFile skips file loading; a missing file is an error.
func Load(configFile string, role Role) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Keys without defaults are invisible to AutomaticEnv during Unmarshal.
	for _, key := range []string{"database.url", "requester.secret_key"} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind environment variable for %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(role); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the sections required by role.
func (c *Config) Validate(role Role) error {
	validate := validator.New()

	sections := []any{c.Server}
	switch role {
	case RoleRequester:
		sections = append(sections, c.Database, c.Requester)
	case RoleExecutor:
		sections = append(sections, c.Executor)
	}

	var errs []error
	for _, section := range sections {
		if err := validate.Struct(section); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %w", errors.Join(errs...))
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "json")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("requester.base_url", "http://localhost:8080")
	v.SetDefault("requester.executor_url", "http://localhost:8081")
	v.SetDefault("requester.media_root", "./media")
	v.SetDefault("requester.request_timeout", 30*time.Second)
	v.SetDefault("requester.fetch_timeout", 10*time.Minute)
	v.SetDefault("requester.collector_workers", 2)
	v.SetDefault("requester.collector_queue_size", 100)
	v.SetDefault("requester.lease_timeout", 2*time.Hour)
	v.SetDefault("requester.lease_check_interval", 5*time.Minute)
	v.SetDefault("requester.retention_days", 30)
	v.SetDefault("requester.sweep_interval", 24*time.Hour)

	v.SetDefault("executor.public_url", "http://localhost:8081")
	v.SetDefault("executor.data_root", "./data")
	v.SetDefault("executor.db_path", "./data/executor.db")
	v.SetDefault("executor.worker_count", 2)
	v.SetDefault("executor.queue_size", 100)
	v.SetDefault("executor.time_limit", 24*time.Hour)
	v.SetDefault("executor.result_ttl", 24*time.Hour)
	v.SetDefault("executor.notify_timeout", 10*time.Second)
	v.SetDefault("executor.retention_days", 30)
	v.SetDefault("executor.sweep_interval", 24*time.Hour)
}
