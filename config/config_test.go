package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/modl/pkg/errors"
	"github.com/YuminosukeSato/modl/sklearn/completion"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "modl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.NoError(t, cfg.Model.Validate())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
model:
  n_components: 12
  alpha: 0.01
  projection: partial
  detrend: true
data:
  rows: 300
  test_frac: 0.1
cache:
  backend: badger
  dir: /tmp/modl-cache
  ttl: 10m
  memory_level: 2
log:
  level: debug
`)
	t.Setenv("MODL_MODEL__BATCH_SIZE", "64")
	t.Setenv("MODL_MODEL__ALPHA", "0.5")
	t.Setenv("MODL_CACHE__IGNORED_PARAMS", "verbose, n_jobs")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.Model.NComponents)
	assert.Equal(t, 0.5, cfg.Model.Alpha) // 環境変数がファイルより優先
	assert.Equal(t, 64, cfg.Model.BatchSize)
	assert.Equal(t, completion.ProjectionPartial, cfg.Model.Projection)
	assert.True(t, cfg.Model.Detrend)
	assert.Equal(t, completion.DefaultParams().LearningRate, cfg.Model.LearningRate)

	assert.Equal(t, 300, cfg.Data.Rows)
	assert.Equal(t, 500, cfg.Data.Cols)
	assert.Equal(t, 0.1, cfg.Data.TestFrac)

	assert.Equal(t, CacheBadger, cfg.Cache.Backend)
	assert.Equal(t, "/tmp/modl-cache", cfg.Cache.Dir)
	assert.Equal(t, 10*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 2, cfg.Cache.MemoryLevel)
	assert.Equal(t, []string{"verbose", "n_jobs"}, cfg.Cache.IgnoredParams)

	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfigPathFromEnv(t *testing.T) {
	path := writeConfig(t, "model:\n  n_components: 7\n")
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Model.NComponents)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		param string
	}{
		{"negative alpha", "model:\n  alpha: -1\n", "alpha"},
		{"unknown projection", "model:\n  projection: diagonal\n", "projection"},
		{"density above one", "data:\n  density: 1.5\n", "density"},
		{"test fraction", "data:\n  test_frac: 1\n", "test_frac"},
		{"cache backend", "cache:\n  backend: memcached\n", "backend"},
		{"redis without address", "cache:\n  backend: redis\n", "redis_addr"},
		{"memory level", "cache:\n  memory_level: 3\n", "memory_level"},
		{"log level", "log:\n  level: trace\n", "level"},
		{"metrics address", "metrics:\n  addr: not-an-address\n", "addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			var cfgErr *errors.InvalidConfigurationError
			require.True(t, errors.As(err, &cfgErr), "got %v", err)
			assert.Equal(t, tt.param, cfgErr.ParamName)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "model.n_components", envKey("MODL_MODEL__N_COMPONENTS"))
	assert.Equal(t, "cache.redis_addr", envKey("MODL_CACHE__REDIS_ADDR"))
	assert.Equal(t, "", envKey(ConfigPathEnvVar))
}
