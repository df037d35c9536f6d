package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/fieldsync/fieldsync/errors"
)

var (
	v       *viper.Viper
	vMu     sync.Mutex
	current *Config
)

func initViper() *viper.Viper {
	nv := viper.New()
	nv.SetConfigType("toml")
	nv.SetEnvPrefix("FIELDSYNC")
	nv.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	nv.AutomaticEnv()
	SetDefaults(nv)
	return nv
}

// Load reads configuration with the following precedence (later wins):
// defaults, user config (~/.fieldsync/config.toml), project config
// (fieldsync.toml found by walking up from the working directory),
// environment variables.
func Load() (*Config, error) {
	vMu.Lock()
	defer vMu.Unlock()

	nv := initViper()

	if home, err := os.UserHomeDir(); err == nil {
		userPath := filepath.Join(home, ".fieldsync", "config.toml")
		if _, err := os.Stat(userPath); err == nil {
			nv.SetConfigFile(userPath)
			if err := nv.ReadInConfig(); err != nil {
				return nil, errors.Wrapf(err, "reading user config %s", userPath)
			}
		}
	}

	if projPath := findProjectConfig(); projPath != "" {
		nv.SetConfigFile(projPath)
		if err := nv.MergeInConfig(); err != nil {
			return nil, errors.Wrapf(err, "reading project config %s", projPath)
		}
	}

	cfg, err := unmarshal(nv)
	if err != nil {
		return nil, err
	}

	v = nv
	current = cfg
	return cfg, nil
}

// LoadFromFile reads configuration from an explicit path, skipping the
// search precedence. Environment variables still override.
func LoadFromFile(path string) (*Config, error) {
	vMu.Lock()
	defer vMu.Unlock()

	nv := initViper()
	nv.SetConfigFile(path)
	if err := nv.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}

	cfg, err := unmarshal(nv)
	if err != nil {
		return nil, err
	}

	v = nv
	current = cfg
	return cfg, nil
}

func unmarshal(nv *viper.Viper) (*Config, error) {
	var cfg Config
	if err := nv.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshaling config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Current returns the most recently loaded configuration, or nil if
// Load has not succeeded yet.
func Current() *Config {
	vMu.Lock()
	defer vMu.Unlock()
	return current
}

// ConfigFileUsed reports which config file the last Load consumed.
func ConfigFileUsed() string {
	vMu.Lock()
	defer vMu.Unlock()
	if v == nil {
		return ""
	}
	return v.ConfigFileUsed()
}

// Reset clears loaded state. Used by the watcher before a reload and
// by tests.
func Reset() {
	vMu.Lock()
	defer vMu.Unlock()
	v = nil
	current = nil
}

// findProjectConfig walks up from the working directory looking for
// fieldsync.toml, stopping at the filesystem root.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, "fieldsync.toml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
