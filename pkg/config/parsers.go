package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
)

// holds command-line flag values and which were set
type Flags struct {
	DB     string
	Config string
	Set    map[string]bool
}

// records whether any environment override was present
type EnvResult struct {
	EnvUsed bool
}

// holds the result of LoadEffectiveConfig
type EffectiveConfigResult struct {
	Config *Config
	DBPath string
	Source string // "flags", "config", or "env"
}

// loads config from file, returns config, found bool, and error
func ParseConfigFile(flags Flags) (*Config, bool, error) {
	cfgPath := ResolveConfigPath(flags.Config, flags.Set["config"])
	if cfgPath == "" {
		return &Config{}, false, nil
	}
	cfg, err := LoadConfigFile(cfgPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Config{}, false, nil
		}
		return nil, false, err
	}
	return cfg, true, nil
}

// loads MSGSTORE_* environment variables into a new Config
func ParseConfigEnvs() (*Config, EnvResult) {
	envs := map[string]string{
		"DB_PATH":             os.Getenv(envPrefix + "DB_PATH"),
		"STORE_PATH":          os.Getenv(envPrefix + "STORE_PATH"),
		"STORE_CACHE_SIZE":    os.Getenv(envPrefix + "STORE_CACHE_SIZE"),
		"STORE_MEMTABLE_SIZE": os.Getenv(envPrefix + "STORE_MEMTABLE_SIZE"),
		"STORE_DISABLE_WAL":   os.Getenv(envPrefix + "STORE_DISABLE_WAL"),
		"STORE_READ_ONLY":     os.Getenv(envPrefix + "STORE_READ_ONLY"),
		"STORE_SYNC_WRITES":   os.Getenv(envPrefix + "STORE_SYNC_WRITES"),

		// logging
		"LOG_LEVEL":       os.Getenv(envPrefix + "LOG_LEVEL"),
		"LOG_SINK":        os.Getenv(envPrefix + "LOG_SINK"),
		"LOG_MAX_SIZE_MB": os.Getenv(envPrefix + "LOG_MAX_SIZE_MB"),
		"LOG_MAX_FILES":   os.Getenv(envPrefix + "LOG_MAX_FILES"),

		// extensions
		"EXTENSIONS_STRICT": os.Getenv(envPrefix + "EXTENSIONS_STRICT"),

		// maintenance
		"MAINTENANCE_ENABLED": os.Getenv(envPrefix + "MAINTENANCE_ENABLED"),
		"MAINTENANCE_CRON":    os.Getenv(envPrefix + "MAINTENANCE_CRON"),
		"MAINTENANCE_COMPACT": os.Getenv(envPrefix + "MAINTENANCE_COMPACT"),
		"MAINTENANCE_TIMEOUT": os.Getenv(envPrefix + "MAINTENANCE_TIMEOUT"),

		// metrics
		"METRICS_ENABLED": os.Getenv(envPrefix + "METRICS_ENABLED"),
		"METRICS_ADDRESS": os.Getenv(envPrefix + "METRICS_ADDRESS"),
	}

	envUsed := false
	for _, v := range envs {
		if v != "" {
			envUsed = true
			break
		}
	}
	envCfg := &Config{}

	parseBool := func(v string, def bool) bool {
		if v == "" {
			return def
		}
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes":
			return true
		default:
			return false
		}
	}

	envCfg.Store.Path = envs["STORE_PATH"]
	if p := envs["DB_PATH"]; p != "" {
		envCfg.Store.Path = p
	}
	if s, err := parseSize(envs["STORE_CACHE_SIZE"]); err == nil {
		envCfg.Store.CacheSize = s
	}
	if s, err := parseSize(envs["STORE_MEMTABLE_SIZE"]); err == nil {
		envCfg.Store.MemTableSize = s
	}
	envCfg.Store.DisableWAL = parseBool(envs["STORE_DISABLE_WAL"], false)
	envCfg.Store.ReadOnly = parseBool(envs["STORE_READ_ONLY"], false)
	if v := envs["STORE_SYNC_WRITES"]; v != "" {
		b := parseBool(v, true)
		envCfg.Store.SyncWrites = &b
	}

	envCfg.Logging.Level = envs["LOG_LEVEL"]
	envCfg.Logging.Sink = envs["LOG_SINK"]
	envCfg.Logging.MaxSizeMB = parseIntDefault(envs["LOG_MAX_SIZE_MB"], 0)
	envCfg.Logging.MaxFiles = parseIntDefault(envs["LOG_MAX_FILES"], 0)

	envCfg.Extensions.Strict = parseBool(envs["EXTENSIONS_STRICT"], false)

	envCfg.Maintenance.Enabled = parseBool(envs["MAINTENANCE_ENABLED"], false)
	envCfg.Maintenance.Cron = strings.TrimSpace(envs["MAINTENANCE_CRON"])
	envCfg.Maintenance.Compact = parseBool(envs["MAINTENANCE_COMPACT"], false)
	if d, err := parseDuration(envs["MAINTENANCE_TIMEOUT"]); err == nil {
		envCfg.Maintenance.Timeout = d
	}

	envCfg.Metrics.Enabled = parseBool(envs["METRICS_ENABLED"], false)
	envCfg.Metrics.Address = envs["METRICS_ADDRESS"]

	return envCfg, EnvResult{EnvUsed: envUsed}
}

// picks the effective config: an explicit --config wins, then --db on top of
// env/file, then a found file, then env
func LoadEffectiveConfig(flags Flags, fileCfg *Config, fileExists bool, envCfg *Config, envRes EnvResult) (EffectiveConfigResult, error) {
	var res EffectiveConfigResult
	if fileCfg == nil {
		fileCfg = &Config{}
	}
	if envCfg == nil {
		envCfg = &Config{}
	}

	if flags.Set["config"] {
		if !fileExists {
			return res, errConfigNotFound(flags.Config)
		}
		if flags.Set["db"] {
			fileCfg.Store.Path = flags.DB
		}
		res.Config = fileCfg
		res.DBPath = fileCfg.Store.Path
		res.Source = "config"
		return res, nil
	}

	if flags.Set["db"] {
		var out Config
		switch {
		case fileExists:
			out = *fileCfg
		case envRes.EnvUsed:
			out = *envCfg
		}
		out.Store.Path = flags.DB
		res.Config = &out
		res.DBPath = flags.DB
		res.Source = "flags"
		return res, nil
	}

	if fileExists {
		res.Config = fileCfg
		res.DBPath = fileCfg.Store.Path
		res.Source = "config"
		return res, nil
	}
	res.Config = envCfg
	res.DBPath = envCfg.Store.Path
	res.Source = "env"
	return res, nil
}

func errConfigNotFound(path string) error {
	return &os.PathError{Op: "open", Path: path, Err: fs.ErrNotExist}
}

func parseIntDefault(v string, def int) int {
	if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return i
	}
	return def
}
