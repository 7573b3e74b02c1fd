package config

import (
	"fmt"
	"strings"

	"github.com/adhocore/gronx"
)

// set defaults, fail fast on critical errors
func ValidateConfig(eff EffectiveConfigResult) error {
	cfg := eff.Config
	if cfg == nil {
		return fmt.Errorf("effective config is nil")
	}

	if strings.TrimSpace(eff.DBPath) != "" {
		cfg.Store.Path = eff.DBPath
	}
	if strings.TrimSpace(cfg.Store.Path) == "" {
		cfg.Store.Path = defaultStorePath
	}
	if cfg.Store.CacheSize < 0 {
		return fmt.Errorf("store.cache_size must not be negative")
	}
	if cfg.Store.CacheSize == 0 {
		cfg.Store.CacheSize = defaultCacheSize
	}
	if cfg.Store.MemTableSize == 0 {
		cfg.Store.MemTableSize = defaultMemTableSize
	}
	if cfg.Store.MemTableSize < 0 || cfg.Store.MemTableSize >= maxMemTableSize {
		return fmt.Errorf("store.memtable_size must be between 0 and %s", SizeBytes(maxMemTableSize))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "":
		cfg.Logging.Level = defaultLogLevel
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid logging.level %q: expected debug, info, warn or error", cfg.Logging.Level)
	}
	if strings.TrimSpace(cfg.Logging.Sink) == "" {
		cfg.Logging.Sink = defaultLogSink
	}

	m := &cfg.Maintenance
	if m.Cron == "" {
		m.Cron = defaultMaintenanceCron
	}
	if m.Enabled {
		gron := gronx.New()
		if !gron.IsValid(m.Cron) {
			return fmt.Errorf("invalid maintenance.cron: not a valid cron expression")
		}
	}
	if m.Timeout <= 0 {
		m.Timeout = Duration(defaultMaintenanceTimeout)
	}

	if cfg.Metrics.Enabled && strings.TrimSpace(cfg.Metrics.Address) == "" {
		cfg.Metrics.Address = defaultMetricsAddress
	}

	if cfg.Store.ReadOnly && m.Enabled && m.Compact {
		return fmt.Errorf("maintenance.compact cannot run against a read-only store")
	}
	return nil
}
