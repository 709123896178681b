package config

import (
	"fmt"
	"sync"
)

var (
	// globalConfig holds the process-wide configuration.
	globalConfig *Config

	// configMutex protects globalConfig.
	configMutex sync.RWMutex

	// configPath remembers the file Initialize loaded so Reload can re-read it.
	configPath string
)

// Initialize loads configuration from path with environment overrides and
// stores it as the process-wide configuration. Calling it again replaces the
// stored configuration only when loading succeeds.
func Initialize(path string) error {
	cfg, err := LoadConfigWithEnvOverrides(path)
	if err != nil {
		return err
	}

	configMutex.Lock()
	globalConfig = cfg
	configPath = path
	configMutex.Unlock()
	return nil
}

// GetConfig returns the process-wide configuration, or nil before Initialize.
//
// Components take an explicit *Config; this accessor exists for the CLI.
func GetConfig() *Config {
	configMutex.RLock()
	defer configMutex.RUnlock()
	return globalConfig
}

// SetConfig replaces the process-wide configuration. Intended for tests.
func SetConfig(cfg *Config) {
	configMutex.Lock()
	defer configMutex.Unlock()
	globalConfig = cfg
}

// Reload re-reads the file passed to Initialize. On failure the current
// configuration is kept.
func Reload() (*Config, error) {
	configMutex.RLock()
	path := configPath
	configMutex.RUnlock()

	if path == "" {
		return nil, fmt.Errorf("configuration not initialized: call Initialize first")
	}

	cfg, err := LoadConfigWithEnvOverrides(path)
	if err != nil {
		return nil, fmt.Errorf("failed to reload configuration: %w", err)
	}

	configMutex.Lock()
	globalConfig = cfg
	configMutex.Unlock()
	return cfg, nil
}

// MustGetConfig returns the process-wide configuration and panics when it has
// not been initialized.
func MustGetConfig() *Config {
	cfg := GetConfig()
	if cfg == nil {
		panic("configuration not initialized: call Initialize first")
	}
	return cfg
}
