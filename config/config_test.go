package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fieldsync.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFromFileDefaults(t *testing.T) {
	defer Reset()

	path := writeConfig(t, `
[database]
path = "test.db"
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "test.db", cfg.Database.Path)
	assert.Equal(t, 60, cfg.Scheduler.TickSeconds)
	assert.Equal(t, 5, cfg.Scheduler.FailureCeiling)
	assert.Equal(t, 2, cfg.Batch.Workers)
	assert.Equal(t, 3, cfg.Batch.MaxAttempts)
	assert.Equal(t, "127.0.0.1:8744", cfg.Server.Addr)
	assert.Equal(t, 30, cfg.Portal.TimeoutSeconds)
}

func TestLoadFromFileOverrides(t *testing.T) {
	defer Reset()

	path := writeConfig(t, `
[database]
path = "custom.db"

[scheduler]
tick_seconds = 15
failure_ceiling = 2

[batch]
workers = 1
max_attempts = 5

[credentials.owner-a]
username = "tech1"
secret = "s3cret"
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "custom.db", cfg.Database.Path)
	assert.Equal(t, 15, cfg.Scheduler.TickSeconds)
	assert.Equal(t, 2, cfg.Scheduler.FailureCeiling)
	assert.Equal(t, 1, cfg.Batch.Workers)
	assert.Equal(t, 5, cfg.Batch.MaxAttempts)

	require.Contains(t, cfg.Credentials, "owner-a")
	assert.Equal(t, "tech1", cfg.Credentials["owner-a"].Username)
	assert.Equal(t, "s3cret", cfg.Credentials["owner-a"].Secret)
}

func TestLoadFromFileInvalid(t *testing.T) {
	defer Reset()

	path := writeConfig(t, `
[scheduler]
tick_seconds = 0
`)

	_, err := LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tick_seconds")
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Database:  DatabaseConfig{Path: "x.db"},
			Scheduler: SchedulerConfig{TickSeconds: 60, FailureCeiling: 5, MaxConcurrentRuns: 4},
			Batch: BatchConfig{
				Workers:             2,
				PollIntervalSeconds: 2,
				MaxAttempts:         3,
				RetryBackoffSeconds: 30,
				StepsPerSecond:      2,
			},
			Server: ServerConfig{Addr: "127.0.0.1:8744"},
			Portal: PortalConfig{TimeoutSeconds: 30},
		}
	}

	require.NoError(t, base().Validate())

	cfg := base()
	cfg.Batch.Workers = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Batch.MaxAttempts = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Credentials = map[string]CredentialEntry{"o": {Username: "", Secret: "s"}}
	assert.Error(t, cfg.Validate())
}

func TestCurrentAfterLoad(t *testing.T) {
	defer Reset()

	path := writeConfig(t, `
[database]
path = "cur.db"
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Same(t, cfg, Current())
	assert.Equal(t, path, ConfigFileUsed())
}
