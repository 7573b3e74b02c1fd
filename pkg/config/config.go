package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	envPrefix = "MSGSTORE_"

	defaultStorePath          = "./.msgstore"
	defaultCacheSize          = 8 * 1024 * 1024 // 8 MiB, pebble's own default
	defaultMemTableSize       = 4 * 1024 * 1024 // 4 MiB
	maxMemTableSize           = 4 * 1024 * 1024 * 1024
	defaultLogLevel           = "info"
	defaultLogSink            = "stdout"
	defaultMaintenanceCron    = "0 3 * * *" // daily at 03:00
	defaultMaintenanceTimeout = 10 * time.Minute
	defaultMetricsAddress     = "127.0.0.1:9464"
)

var (
	cfgMu     sync.RWMutex
	globalCfg *Config
)

// SetConfig stores the effective config for packages that read it lazily.
func SetConfig(c *Config) {
	cfgMu.Lock()
	globalCfg = c
	cfgMu.Unlock()
}

// GetConfig returns the config set by SetConfig, or nil.
func GetConfig() *Config {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	return globalCfg
}

// LoadConfigFile reads and parses a YAML config file. A missing file is
// reported with an error wrapping fs.ErrNotExist.
func LoadConfigFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return &cfg, nil
}

// ResolveConfigPath prefers an explicit flag, then MSGSTORE_CONFIG.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv(envPrefix + "CONFIG"); p != "" {
		return p
	}
	return flagPath
}

// SyncWritesEnabled reports whether commits should be fsynced.
func (s StoreConfig) SyncWritesEnabled() bool {
	if s.SyncWrites == nil {
		return true
	}
	return *s.SyncWrites
}
