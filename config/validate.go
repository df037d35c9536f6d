package config

import "github.com/fieldsync/fieldsync/errors"

// Validate checks configuration consistency
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database.path must not be empty")
	}

	if c.Scheduler.TickSeconds <= 0 {
		return errors.Newf("scheduler.tick_seconds must be positive, got %d", c.Scheduler.TickSeconds)
	}
	if c.Scheduler.FailureCeiling < 0 {
		return errors.Newf("scheduler.failure_ceiling must not be negative, got %d", c.Scheduler.FailureCeiling)
	}
	if c.Scheduler.MaxConcurrentRuns <= 0 {
		return errors.Newf("scheduler.max_concurrent_runs must be positive, got %d", c.Scheduler.MaxConcurrentRuns)
	}

	if c.Batch.Workers <= 0 {
		return errors.Newf("batch.workers must be positive, got %d", c.Batch.Workers)
	}
	if c.Batch.PollIntervalSeconds <= 0 {
		return errors.Newf("batch.poll_interval_seconds must be positive, got %d", c.Batch.PollIntervalSeconds)
	}
	if c.Batch.MaxAttempts < 1 {
		return errors.Newf("batch.max_attempts must be at least 1, got %d", c.Batch.MaxAttempts)
	}
	if c.Batch.RetryBackoffSeconds < 0 {
		return errors.Newf("batch.retry_backoff_seconds must not be negative, got %d", c.Batch.RetryBackoffSeconds)
	}
	if c.Batch.StepsPerSecond <= 0 {
		return errors.Newf("batch.steps_per_second must be positive, got %v", c.Batch.StepsPerSecond)
	}
	if c.Batch.RegistryGraceSeconds < 0 {
		return errors.Newf("batch.registry_grace_seconds must not be negative, got %d", c.Batch.RegistryGraceSeconds)
	}

	if c.Server.Addr == "" {
		return errors.New("server.addr must not be empty")
	}

	if c.Portal.TimeoutSeconds <= 0 {
		return errors.Newf("portal.timeout_seconds must be positive, got %d", c.Portal.TimeoutSeconds)
	}

	for owner, entry := range c.Credentials {
		if entry.Username == "" {
			return errors.Newf("credentials.%s: username must not be empty", owner)
		}
		if entry.Secret == "" {
			return errors.Newf("credentials.%s: secret must not be empty", owner)
		}
	}

	return nil
}
