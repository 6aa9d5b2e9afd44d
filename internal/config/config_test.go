package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"SERVICE_NAME", "ENV", "LOG_LEVEL",
		"CATALOG_SOURCE_URL", "CATALOG_STORE_PATH", "CATALOG_FETCH_RETRIES",
		"CATALOG_FETCH_TIMEOUT", "CATALOG_FETCH_BACKOFF", "CATALOG_MIN_PAYLOAD_BYTES",
		"CATALOG_MIN_ROWS", "CATALOG_MIN_STORE_BYTES", "CATALOG_SCHEDULER_ENABLED",
		"CATALOG_REFRESH_AT", "CATALOG_PURGE_AT", "CATALOG_TZ", "CATALOG_TZ_OFFSET",
		"CATALOG_MISFIRE_GRACE", "CATALOG_PORT", "CATALOG_CONFIG",
		"NATS_URL", "REDIS_ADDR", "DATABASE_URL",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "instrument-catalog", cfg.ServiceName)
	assert.Equal(t, "https://images.dhan.co/api-data/api-scrip-master.csv", cfg.SourceLocation)
	assert.Equal(t, "instruments.db", cfg.StorePath)
	assert.Equal(t, 3, cfg.FetchRetries)
	assert.Equal(t, 60*time.Second, cfg.FetchTimeout)
	assert.Equal(t, 2*time.Second, cfg.FetchBackoff)
	assert.Equal(t, int64(10*1024*1024), cfg.MinPayloadBytes)
	assert.Equal(t, 50000, cfg.MinRows)
	assert.True(t, cfg.SchedulerEnabled)
	assert.Equal(t, "08:00", cfg.RefreshAt.Format("15:04"))
	assert.Equal(t, "15:45", cfg.PurgeAt.Format("15:04"))
	assert.Equal(t, 5*time.Minute, cfg.MisfireGrace)
	assert.Empty(t, cfg.NATSURL)
	assert.Empty(t, cfg.RedisAddr)
	assert.Empty(t, cfg.DatabaseURL)
	assert.NotEmpty(t, cfg.Schema.Aliases)

	require.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("CATALOG_SOURCE_URL", "file:///data/master.csv")
	t.Setenv("CATALOG_FETCH_RETRIES", "5")
	t.Setenv("CATALOG_SCHEDULER_ENABLED", "false")
	t.Setenv("CATALOG_REFRESH_AT", "07:30")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "file:///data/master.csv", cfg.SourceLocation)
	assert.Equal(t, 5, cfg.FetchRetries)
	assert.False(t, cfg.SchedulerEnabled)
	assert.Equal(t, "07:30", cfg.RefreshAt.Format("15:04"))
}

func TestLoad_YAMLOverrides(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	doc := `
schema:
  aliases:
    symbol: [TRADING_SYMBOL, SYM]
  segment_codes:
    "7": MCX
strike_steps:
  sensex: 200
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	t.Setenv("CATALOG_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"TRADING_SYMBOL", "SYM"}, cfg.Schema.Aliases["symbol"])
	assert.Equal(t, "MCX", cfg.Schema.SegmentCodes["7"])
	assert.NotEmpty(t, cfg.Schema.Aliases["id"])
	assert.Equal(t, int64(200), cfg.StrikeSteps["SENSEX"])
}

func TestLoad_BadYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("schema: [unterminated"), 0o600))
	t.Setenv("CATALOG_CONFIG", path)

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_MissingYAML(t *testing.T) {
	clearEnv(t)
	t.Setenv("CATALOG_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := Load()
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidate(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	require.NoError(t, err)

	cfg.SourceLocation = ""
	cfg.FetchRetries = -1
	cfg.Port = 0
	cfg.StrikeSteps = map[string]int64{"NIFTY": 0}
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CATALOG_SOURCE_URL")
	assert.Contains(t, err.Error(), "CATALOG_FETCH_RETRIES")
	assert.Contains(t, err.Error(), "CATALOG_PORT")
	assert.Contains(t, err.Error(), "strike step for NIFTY")
}

func TestLocation(t *testing.T) {
	cfg := &Config{TimezoneName: "IST", TimezoneOffset: "+05:30"}
	loc, err := cfg.Location()
	require.NoError(t, err)
	_, off := time.Date(2025, 12, 1, 0, 0, 0, 0, loc).Zone()
	assert.Equal(t, 5*3600+30*60, off)

	cfg.TimezoneOffset = "five thirty"
	_, err = cfg.Location()
	assert.Error(t, err)

	cfg = &Config{TimezoneName: "UTC"}
	loc, err = cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "UTC", loc.String())
}
