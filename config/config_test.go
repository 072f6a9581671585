package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCalibration(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "calibration.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadCalibration_DefaultsWithoutFile(t *testing.T) {
	cal, err := LoadCalibration("")
	require.NoError(t, err)
	assert.Equal(t, DefaultCalibration(), cal)
}

func TestLoadCalibration_PartialFileKeepsDefaults(t *testing.T) {
	cal, err := LoadCalibration(writeCalibration(t, "threshold: 0.3\nsustain: 150ms\n"))
	require.NoError(t, err)
	assert.Equal(t, 0.3, cal.Threshold)
	assert.Equal(t, 150*time.Millisecond, cal.Sustain)
	assert.True(t, cal.RequireFace)
}

func TestLoadCalibration_Rejects(t *testing.T) {
	cases := map[string]string{
		"threshold too high": "threshold: 1.5\n",
		"zero sustain":       "sustain: 0s\n",
		"bad yaml":           "threshold: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadCalibration(writeCalibration(t, body))
			assert.Error(t, err)
		})
	}

	_, err := LoadCalibration(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadEngine_Overrides(t *testing.T) {
	t.Setenv("COUNTDOWN", "5s")
	t.Setenv("RELAY_MAX_RETRIES", "9")
	t.Setenv("STUN_URLS", "stun:a.example:3478, stun:b.example:3478")
	t.Setenv("QUEUE_CEILING", "not-a-duration")

	cfg := LoadEngine()
	assert.Equal(t, 5*time.Second, cfg.Countdown)
	assert.Equal(t, 9, cfg.Relay.MaxRetries)
	assert.Equal(t, []string{"stun:a.example:3478", "stun:b.example:3478"}, cfg.STUNURLs)
	assert.Equal(t, 3*time.Minute, cfg.QueueCeiling)
}

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"PORT", "MATCH_TTL", "ALLOWED_ORIGINS"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 2*time.Hour, cfg.MatchTTL)
	assert.NotEmpty(t, cfg.AllowedOrigins)
}

func TestConsoleLogging_OptIn(t *testing.T) {
	t.Setenv("LOG_FORMAT", "")
	assert.False(t, consoleLogging(), "JSON unless asked otherwise")

	t.Setenv("LOG_FORMAT", "json")
	assert.False(t, consoleLogging())

	t.Setenv("LOG_FORMAT", "console")
	assert.True(t, consoleLogging())
}
