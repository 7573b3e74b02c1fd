package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadConfigFile(t *testing.T) {
	p := writeFile(t, `
store:
  path: /var/lib/msgstore
  cache_size: 64MB
  memtable_size: 1048576
  sync_writes: false
logging:
  level: debug
  sink: stderr
extensions:
  strict: true
maintenance:
  enabled: true
  cron: "*/5 * * * *"
  compact: true
  timeout: 90
metrics:
  enabled: true
`)
	cfg, err := LoadConfigFile(p)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/msgstore", cfg.Store.Path)
	assert.Equal(t, int64(64_000_000), cfg.Store.CacheSize.Int64())
	assert.Equal(t, int64(1<<20), cfg.Store.MemTableSize.Int64())
	assert.False(t, cfg.Store.SyncWritesEnabled())
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Extensions.Strict)
	assert.Equal(t, 90*time.Second, cfg.Maintenance.Timeout.Duration())
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoadConfigFileRejectsBadSize(t *testing.T) {
	p := writeFile(t, "store:\n  cache_size: lots\n")
	_, err := LoadConfigFile(p)
	require.Error(t, err)
}

func TestParseConfigFileMissing(t *testing.T) {
	flags := Flags{Config: filepath.Join(t.TempDir(), "nope.yaml"), Set: map[string]bool{}}
	cfg, found, err := ParseConfigFile(flags)
	require.NoError(t, err)
	assert.False(t, found)
	assert.NotNil(t, cfg)
}

func TestParseConfigEnvs(t *testing.T) {
	t.Setenv("MSGSTORE_DB_PATH", "/tmp/envdb")
	t.Setenv("MSGSTORE_STORE_CACHE_SIZE", "1MiB")
	t.Setenv("MSGSTORE_EXTENSIONS_STRICT", "yes")
	t.Setenv("MSGSTORE_STORE_SYNC_WRITES", "false")
	t.Setenv("MSGSTORE_MAINTENANCE_TIMEOUT", "2m")

	cfg, res := ParseConfigEnvs()
	assert.True(t, res.EnvUsed)
	assert.Equal(t, "/tmp/envdb", cfg.Store.Path)
	assert.Equal(t, int64(1<<20), cfg.Store.CacheSize.Int64())
	assert.True(t, cfg.Extensions.Strict)
	assert.False(t, cfg.Store.SyncWritesEnabled())
	assert.Equal(t, 2*time.Minute, cfg.Maintenance.Timeout.Duration())
}

func TestLoadEffectiveConfig(t *testing.T) {
	fileCfg := &Config{Store: StoreConfig{Path: "/from/file"}}
	envCfg := &Config{Store: StoreConfig{Path: "/from/env"}}

	tests := []struct {
		name       string
		flags      Flags
		fileExists bool
		envUsed    bool
		wantPath   string
		wantSource string
		wantErr    bool
	}{
		{"explicit config", Flags{Config: "c.yaml", Set: map[string]bool{"config": true}}, true, false, "/from/file", "config", false},
		{"explicit config missing", Flags{Config: "c.yaml", Set: map[string]bool{"config": true}}, false, false, "", "", true},
		{"db flag wins", Flags{DB: "/from/flag", Set: map[string]bool{"db": true}}, true, true, "/from/flag", "flags", false},
		{"file found", Flags{Set: map[string]bool{}}, true, true, "/from/file", "config", false},
		{"env fallback", Flags{Set: map[string]bool{}}, false, true, "/from/env", "env", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := *fileCfg
			ec := *envCfg
			res, err := LoadEffectiveConfig(tt.flags, &fc, tt.fileExists, &ec, EnvResult{EnvUsed: tt.envUsed})
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantPath, res.DBPath)
			assert.Equal(t, tt.wantSource, res.Source)
		})
	}
}

func TestValidateConfigDefaults(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, ValidateConfig(EffectiveConfigResult{Config: cfg}))

	assert.Equal(t, defaultStorePath, cfg.Store.Path)
	assert.Equal(t, int64(defaultCacheSize), cfg.Store.CacheSize.Int64())
	assert.Equal(t, int64(defaultMemTableSize), cfg.Store.MemTableSize.Int64())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "stdout", cfg.Logging.Sink)
	assert.Equal(t, defaultMaintenanceCron, cfg.Maintenance.Cron)
	assert.True(t, cfg.Store.SyncWritesEnabled())
}

func TestValidateConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"bad level", Config{Logging: LoggingConfig{Level: "chatty"}}},
		{"bad cron", Config{Maintenance: MaintenanceConfig{Enabled: true, Cron: "every day"}}},
		{"compact read only", Config{Store: StoreConfig{ReadOnly: true}, Maintenance: MaintenanceConfig{Enabled: true, Compact: true}}},
		{"huge memtable", Config{Store: StoreConfig{MemTableSize: SizeBytes(maxMemTableSize)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			assert.Error(t, ValidateConfig(EffectiveConfigResult{Config: &cfg}))
		})
	}
}

func TestValidateConfigNil(t *testing.T) {
	assert.Error(t, ValidateConfig(EffectiveConfigResult{}))
}
