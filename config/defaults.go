package config

import "github.com/spf13/viper"

// SetDefaults configures default values for fieldsync
func SetDefaults(v *viper.Viper) {
	// Database
	v.SetDefault("database.path", "fieldsync.db")

	// Scheduler
	v.SetDefault("scheduler.tick_seconds", 60)
	v.SetDefault("scheduler.failure_ceiling", 5)
	v.SetDefault("scheduler.max_concurrent_runs", 4)

	// Batch executor
	v.SetDefault("batch.workers", 2)
	v.SetDefault("batch.poll_interval_seconds", 2)
	v.SetDefault("batch.max_attempts", 3)
	v.SetDefault("batch.retry_backoff_seconds", 30)
	v.SetDefault("batch.steps_per_second", 2.0)
	v.SetDefault("batch.registry_grace_seconds", 300)

	// Server
	v.SetDefault("server.addr", "127.0.0.1:8744")

	// Portal client
	v.SetDefault("portal.timeout_seconds", 30)
}
