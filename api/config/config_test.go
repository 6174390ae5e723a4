package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_RequiresOutputDir(t *testing.T) {
	t.Setenv("OUTPUT_DIR", "")
	_, err := Load()
	assert.True(t, errors.Is(err, ErrMissingOutputDir))
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("OUTPUT_DIR", "/srv/output")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/srv/output", cfg.OutputDir)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, filepath.Join(os.TempDir(), "geo-transform"), cfg.TempDir)
	assert.GreaterOrEqual(t, cfg.WorkerCount, 1)
	assert.Equal(t, "sqlite://instance/transform.sqlite", cfg.DatabaseURL)
	assert.Equal(t, 10*time.Minute, cfg.StatusCacheTTL)
	assert.Equal(t, "transform_accounting", cfg.AccountingTopic)
	assert.Equal(t, int64(512<<20), cfg.MaxUploadSize)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Empty(t, cfg.CORSOrigins)
	assert.False(t, cfg.Development())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("OUTPUT_DIR", "/srv/output")
	t.Setenv("WORKER_COUNT", "3")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("STATUS_CACHE_TTL", "90s")
	t.Setenv("CORS", `["https://a.example", "https://b.example"]`)
	t.Setenv("ENV", "development")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.WorkerCount)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 90*time.Second, cfg.StatusCacheTTL)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.True(t, cfg.Development())
}

func TestLoad_InvalidWorkerCount(t *testing.T) {
	t.Setenv("OUTPUT_DIR", "/srv/output")
	t.Setenv("WORKER_COUNT", "0")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_ConfigFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "transform.yaml")
	require.NoError(t, os.WriteFile(file, []byte("OUTPUT_DIR: /from/file\nWORKER_COUNT: 2\n"), 0644))
	t.Setenv("CONFIG_FILE", file)
	t.Setenv("WORKER_COUNT", "5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/from/file", cfg.OutputDir)
	assert.Equal(t, 5, cfg.WorkerCount)
}

func TestParseOrigins(t *testing.T) {
	got, err := parseOrigins("https://maps.example")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://maps.example"}, got)

	_, err = parseOrigins(`["unterminated`)
	assert.Error(t, err)
}
