package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/candidata/sourcer/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_DefaultHostIsLocalhost(t *testing.T) {
	_ = os.Unsetenv("SOURCER_HOST")
	cfg, err := config.LoadConfig()
	assert.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host,
		"Default host must be 127.0.0.1 for security")
}

func TestLoadConfig_CanOverrideHost(t *testing.T) {
	t.Setenv("SOURCER_HOST", "0.0.0.0")
	cfg, err := config.LoadConfig()
	assert.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
}

func TestLoadConfig_Defaults(t *testing.T) {
	for _, key := range []string{
		"SOURCER_PORT", "SOURCER_STORAGE_ENGINE", "SOURCER_OPENAI_MODEL",
		"SOURCER_SESSION_PAGE_SIZE", "SOURCER_RESOLVE_POSITIVE_TTL_DAYS",
	} {
		_ = os.Unsetenv(key)
	}

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 6380, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Storage.Engine)
	assert.Equal(t, "./data", cfg.Storage.DataPath)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.OpenAIModel)
	assert.Equal(t, 5.0, cfg.Search.RequestsPerSecond)
	assert.Equal(t, 90, cfg.Resolve.PositiveTTLDays)
	assert.Equal(t, 7, cfg.Resolve.NegativeTTLDays)
	assert.Equal(t, 90, cfg.Resolve.ProfileTTLDays)
	assert.Equal(t, 1024, cfg.Resolve.ProfileLRUSize)
	assert.Equal(t, 20, cfg.Session.PageSize)
	assert.Equal(t, 24, cfg.Session.TTLHours)
	assert.Equal(t, "development", cfg.Security.Mode)
}

func TestLoadConfig_IntOverrides(t *testing.T) {
	t.Setenv("SOURCER_PORT", "7000")
	t.Setenv("SOURCER_SESSION_PAGE_SIZE", "50")
	t.Setenv("SOURCER_RESOLVE_NEGATIVE_TTL_DAYS", "3")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, 50, cfg.Session.PageSize)
	assert.Equal(t, 3, cfg.Resolve.NegativeTTLDays)
}

func TestLoadConfig_InvalidIntFallsBackToDefault(t *testing.T) {
	t.Setenv("SOURCER_PORT", "not-a-number")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 6380, cfg.Server.Port,
		"Unparseable integer env var must fall back to the default")
}

func TestLoadConfigFile_LayersFileOverDefaults(t *testing.T) {
	_ = os.Unsetenv("SOURCER_PORT")
	_ = os.Unsetenv("SOURCER_OPENAI_MODEL")

	path := writeConfigFile(t, `
server:
  port: 9000
llm:
  openai_model: gpt-4o
resolve:
  positive_ttl_days: 30
`)

	cfg, err := config.LoadConfigFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "gpt-4o", cfg.LLM.OpenAIModel)
	assert.Equal(t, 30, cfg.Resolve.PositiveTTLDays)
	// Fields the file omits keep their defaults.
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 20, cfg.Session.PageSize)
}

func TestLoadConfigFile_EnvWinsOverFile(t *testing.T) {
	t.Setenv("SOURCER_PORT", "7777")

	path := writeConfigFile(t, `
server:
  port: 9000
`)

	cfg, err := config.LoadConfigFile(path)
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.Port,
		"Environment variable must take precedence over the config file")
}

func TestLoadConfigFile_MissingFile(t *testing.T) {
	_, err := config.LoadConfigFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigFile_MalformedYAML(t *testing.T) {
	path := writeConfigFile(t, "server: [not: valid")
	_, err := config.LoadConfigFile(path)
	assert.Error(t, err)
}

func TestDurationHelpers(t *testing.T) {
	t.Setenv("SOURCER_SEARCH_TIMEOUT_SECONDS", "12")
	t.Setenv("SOURCER_SESSION_MIN_REQUEST_DELAY_MS", "350")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 12*time.Second, cfg.SearchTimeout())
	assert.Equal(t, 350*time.Millisecond, cfg.MinRequestDelay())
}

// writeConfigFile writes a YAML config to a temp dir and returns its path.
func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sourcer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}
