package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	require.Equal(t, 50, cfg.Reconcile.BatchSize)
	require.Equal(t, 1000, cfg.Reconcile.PageSize)
	require.Equal(t, 5*time.Second, cfg.Schedule.StartupDelay)
	require.False(t, cfg.Schedule.SkipOverlap)
	require.Equal(t, time.Duration(0), cfg.Catalog.RequestTimeout)
	require.Equal(t, 60*time.Minute, cfg.Monitor.DefaultPushFrequency)
	require.Equal(t, 8, cfg.Monitor.LogCapacity)
}

func TestLoadParsesDurationsAndFillsGaps(t *testing.T) {
	path := writeConfig(t, `{
		"database": {"driver": "sqlite", "dsn": "file:test.db"},
		"catalog": {"workers": 5, "jitter_max": "200ms", "request_timeout": "15s"},
		"schedule": {"startup_delay": "1m", "skip_overlap": true},
		"monitor": {"default_push_frequency": "2h", "min_interval": "500ms"}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, 5, cfg.Catalog.Workers)
	require.Equal(t, 200*time.Millisecond, cfg.Catalog.JitterMax)
	require.Equal(t, 15*time.Second, cfg.Catalog.RequestTimeout)
	require.Equal(t, time.Minute, cfg.Schedule.StartupDelay)
	require.True(t, cfg.Schedule.SkipOverlap)
	require.Equal(t, 2*time.Hour, cfg.Monitor.DefaultPushFrequency)
	// 低于下限的轮询间隔会被抬到 2s
	require.Equal(t, 2*time.Second, cfg.Monitor.MinInterval)
	require.Equal(t, 50, cfg.Reconcile.BatchSize)
	require.Equal(t, ":8081", cfg.App.HTTPAddr)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `{"schedule": {"startup_delay": "soon"}}`)
	_, err := Load(path)
	require.Error(t, err)

	cfg := LoadOrDefault(path)
	require.Equal(t, 5*time.Second, cfg.Schedule.StartupDelay)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_PASSWORD", "pw")
	t.Setenv("SCHEDULE_SKIP_OVERLAP", "true")
	t.Setenv("CATALOG_WORKERS", "7")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	require.Equal(t, "redis:6380", cfg.Redis.Addr)
	require.Equal(t, "s3cret", cfg.Security.JWTSecret)
	require.Contains(t, cfg.Database.DSN, "root:pw@tcp(db:3306)/stockwatch?")
	require.Contains(t, cfg.Database.DSN, "parseTime=true")
	require.True(t, cfg.Schedule.SkipOverlap)
	require.Equal(t, 7, cfg.Catalog.Workers)
}

func TestSaveWritesReadableDurations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	cfg := Default()
	cfg.Schedule.StartupDelay = 90 * time.Second
	require.NoError(t, Save(path, cfg))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"startup_delay": "1m30s"`)

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 90*time.Second, loaded.Schedule.StartupDelay)
}
