package commands

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matflow/matflow/pkg/telemetry"
)

func TestNewCommandLogger_UsesLoggingSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "matflow.log")
	cfg := telemetry.LoggingConfig{Level: "warn", Format: "json", Output: path}

	logger, err := newCommandLogger(cfg, false)
	require.NoError(t, err)
	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), `"message":"shown"`)
}

func TestNewCommandLogger_VerboseOverridesLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "matflow.log")
	cfg := telemetry.LoggingConfig{Level: "error", Format: "json", Output: path}

	logger, err := newCommandLogger(cfg, true)
	require.NoError(t, err)
	logger.Debug().Msg("details")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"level":"debug"`)
	assert.Equal(t, "error", cfg.Level)
}

func TestNewCommandLogger_BadOutput(t *testing.T) {
	cfg := telemetry.LoggingConfig{Level: "info", Output: filepath.Join(t.TempDir(), "missing", "matflow.log")}
	_, err := newCommandLogger(cfg, false)
	assert.Error(t, err)
}

func TestLoadSettings_LoggingSection(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "matflow.yaml", `
telemetry:
  service_name: matflow
  service_version: test
  logging:
    level: warn
    format: json
`)
	s, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", s.Telemetry.Logging.Level)
	assert.Equal(t, "json", s.Telemetry.Logging.Format)
}
