package config

import "time"

// Config holds all application configuration.
// Both binaries load the same structure; each validates only the sections it uses.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" validate:"required"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Requester RequesterConfig `mapstructure:"requester"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port      int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel  string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	LogFormat string `mapstructure:"log_format" validate:"required,oneof=json pretty"`
	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// DatabaseConfig contains the Requester's Postgres settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required,url"`
}

// RequesterConfig configures the service that owns Task records.
type RequesterConfig struct {
	// BaseURL is the externally reachable address used to build notify URLs.
	BaseURL string `mapstructure:"base_url" validate:"required,url"`
	// SecretKey seeds capability token derivation.
	SecretKey          string        `mapstructure:"secret_key" validate:"required,min=32"`
	ExecutorURL        string        `mapstructure:"executor_url" validate:"required,url"`
	MediaRoot          string        `mapstructure:"media_root" validate:"required"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	FetchTimeout       time.Duration `mapstructure:"fetch_timeout" validate:"gt=0"`
	CollectorWorkers   int           `mapstructure:"collector_workers" validate:"gt=0"`
	CollectorQueueSize int           `mapstructure:"collector_queue_size" validate:"gt=0"`
	// LeaseTimeout is how long a Task may stay silent before the Executor is polled.
	LeaseTimeout       time.Duration `mapstructure:"lease_timeout" validate:"gt=0"`
	LeaseCheckInterval time.Duration `mapstructure:"lease_check_interval" validate:"gt=0"`
	RetentionDays      int           `mapstructure:"retention_days" validate:"gte=0"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
	// ResultPatterns lists, per task kind, the glob patterns kept in the curated result archive.
	ResultPatterns map[string][]string `mapstructure:"result_patterns"`
	Pipelines      []PipelineConfig    `mapstructure:"pipelines" validate:"dive"`
}

// PipelineConfig declares a pipeline kind as an ordered list of stages.
type PipelineConfig struct {
	Kind   string        `mapstructure:"kind" validate:"required"`
	Stages []StageConfig `mapstructure:"stages" validate:"required,min=1,dive"`
}

// StageConfig declares a single pipeline stage.
type StageConfig struct {
	Name       string         `mapstructure:"name" validate:"required"`
	TaskKind   string         `mapstructure:"task_kind" validate:"required"`
	Parameters map[string]any `mapstructure:"parameters"`
}

// ExecutorConfig configures the service that runs jobs.
type ExecutorConfig struct {
	// PublicURL is the address the Requester uses to download results.
	PublicURL     string        `mapstructure:"public_url" validate:"required,url"`
	DataRoot      string        `mapstructure:"data_root" validate:"required"`
	DBPath        string        `mapstructure:"db_path" validate:"required"`
	WorkerCount   int           `mapstructure:"worker_count" validate:"gt=0"`
	QueueSize     int           `mapstructure:"queue_size" validate:"gt=0"`
	TimeLimit     time.Duration `mapstructure:"time_limit" validate:"gt=0"`
	ResultTTL     time.Duration `mapstructure:"result_ttl" validate:"gt=0"`
	NotifyTimeout time.Duration `mapstructure:"notify_timeout" validate:"gt=0"`
	RetentionDays int           `mapstructure:"retention_days" validate:"gte=0"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
	// Actors maps a task kind to the external program that processes it.
	Actors map[string]ActorConfig `mapstructure:"actors" validate:"dive"`
}

// ActorConfig describes the external command run for one task kind.
type ActorConfig struct {
	Command string   `mapstructure:"command" validate:"required"`
	Args    []string `mapstructure:"args"`
}
