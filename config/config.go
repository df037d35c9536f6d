// Package config holds the fieldsync runtime configuration.
//
// Configuration is loaded from a TOML file (fieldsync.toml, searched
// upward from the working directory, then ~/.fieldsync/config.toml)
// with FIELDSYNC_* environment variable overrides.
package config

// Config represents the fieldsync configuration
type Config struct {
	Database    DatabaseConfig             `mapstructure:"database"`
	Scheduler   SchedulerConfig            `mapstructure:"scheduler"`
	Batch       BatchConfig                `mapstructure:"batch"`
	Server      ServerConfig               `mapstructure:"server"`
	Portal      PortalConfig               `mapstructure:"portal"`
	Credentials map[string]CredentialEntry `mapstructure:"credentials"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// SchedulerConfig configures the scheduler loop
type SchedulerConfig struct {
	// TickSeconds is how often the loop evaluates schedules (default: 60)
	TickSeconds int `mapstructure:"tick_seconds"`
	// FailureCeiling auto-disables a schedule after this many
	// consecutive failed executions (default: 5)
	FailureCeiling int `mapstructure:"failure_ceiling"`
	// MaxConcurrentRuns bounds how many schedules may run in the same
	// tick (default: 4). Concurrency within one schedule is never allowed.
	MaxConcurrentRuns int `mapstructure:"max_concurrent_runs"`
}

// BatchConfig configures the batch executor
type BatchConfig struct {
	// Workers is the number of concurrent workers. Each worker holds one
	// automation session (browser instance), so keep this small (default: 2).
	Workers int `mapstructure:"workers"`
	// PollIntervalSeconds is how often idle workers check for queued jobs (default: 2)
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`
	// MaxAttempts bounds transient-failure retries per job (default: 3)
	MaxAttempts int `mapstructure:"max_attempts"`
	// RetryBackoffSeconds delays a re-queued job after a transient failure (default: 30)
	RetryBackoffSeconds int `mapstructure:"retry_backoff_seconds"`
	// StepsPerSecond paces automation steps against the target site (default: 2)
	StepsPerSecond float64 `mapstructure:"steps_per_second"`
	// RegistryGraceSeconds retains progress snapshots after a batch
	// completes, before eviction (default: 300)
	RegistryGraceSeconds int `mapstructure:"registry_grace_seconds"`
}

// ServerConfig configures the fieldsync HTTP/WebSocket server
type ServerConfig struct {
	// Addr is the listen address (default: "127.0.0.1:8744")
	Addr string `mapstructure:"addr"`
}

// PortalConfig configures the work-order portal client
type PortalConfig struct {
	// BaseURL is the portal API root, e.g. "https://portal.example.com/api"
	BaseURL string `mapstructure:"base_url"`
	// TimeoutSeconds bounds each portal request (default: 30)
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	// ServiceUsername/ServiceSecret is the service account used for
	// automation sessions (order listing uses per-owner credentials)
	ServiceUsername string `mapstructure:"service_username"`
	ServiceSecret   string `mapstructure:"service_secret"`
}

// CredentialEntry is a per-owner secret used by task runners.
// Entries are read-only; fieldsync never writes or re-encrypts them.
type CredentialEntry struct {
	Username string `mapstructure:"username"`
	Secret   string `mapstructure:"secret"`
}
