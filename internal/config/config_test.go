package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.APIAddr)
	assert.Equal(t, "https://api.imvu.com", cfg.APIBase)
	assert.Equal(t, 30*time.Second, cfg.MonitorInterval)
	assert.Equal(t, []string{"occupants", "members", "inline"}, cfg.OccupantStrategies)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roomwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api_addr: ":9000"
monitor_interval: 45s
occupant_strategies: [inline]
sauce: from-file
cid: "77"
`), 0o600))

	t.Setenv("API_ADDR", ":9100")
	t.Setenv("IMVU_API_BASE", "http://localhost:1234/")
	t.Setenv("UPSTREAM_BURST", "not-a-number")
	t.Setenv("ROOM_DETAIL_CONCURRENCY", "8")
	t.Setenv("CORS_ALLOWED_ORIGINS", " https://a.example , ,https://b.example")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.APIAddr)
	assert.Equal(t, "http://localhost:1234", cfg.APIBase)
	assert.Equal(t, 45*time.Second, cfg.MonitorInterval)
	assert.Equal(t, []string{"inline"}, cfg.OccupantStrategies)
	assert.Equal(t, "from-file", cfg.Sauce)
	assert.Equal(t, "77", cfg.CID)
	assert.Equal(t, defaultUpstreamBurst, cfg.UpstreamBurst)
	assert.Equal(t, 8, cfg.DetailConcurrency)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigin)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("MONITOR_INTERVAL", "12")
	assert.Equal(t, 12*time.Second, envDuration("MONITOR_INTERVAL", time.Second))

	t.Setenv("MONITOR_INTERVAL", "1m")
	assert.Equal(t, time.Minute, envDuration("MONITOR_INTERVAL", time.Second))

	t.Setenv("MONITOR_INTERVAL", "soon")
	assert.Equal(t, time.Second, envDuration("MONITOR_INTERVAL", time.Second))
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "IMVU_SAUCE required")
	assert.Contains(t, err.Error(), "IMVU_CID required")

	cfg.Sauce, cfg.CID = "s", "1"
	assert.NoError(t, cfg.Validate())

	cfg.MonitorInterval = 0
	assert.Error(t, cfg.Validate())
}

func TestSlogLevel(t *testing.T) {
	cfg := Defaults()
	cfg.LogLevel = "debug"
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	cfg.LogLevel = "nonsense"
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}
