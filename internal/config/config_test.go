package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/adamryczkowski/updateall/internal/errs"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoadWithNoPathAppliesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 4, cfg.Schedule.MaxConcurrentPlugins)
}

func TestLoadJSONOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schedule":{"max_concurrent_plugins":8}}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 8, cfg.Schedule.MaxConcurrentPlugins)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("schedule:\n  max_concurrent_plugins: 6\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 6, cfg.Schedule.MaxConcurrentPlugins)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.json")
	require.NoError(t, err)
	require.Equal(t, DefaultConfig().Schedule.MaxConcurrentPlugins, cfg.Schedule.MaxConcurrentPlugins)
}

func TestEnvironmentOverridesApplyAfterFile(t *testing.T) {
	t.Setenv("UPDATEALL_MAX_CONCURRENT_PLUGINS", "16")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 16, cfg.Schedule.MaxConcurrentPlugins)
}

func TestEnvironmentOverrideAppliesMaxParallelDownloads(t *testing.T) {
	t.Setenv("UPDATEALL_MAX_PARALLEL_DOWNLOADS", "5")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 5, cfg.Schedule.MaxParallelDownloads)
}

func TestDefaultConfigSetsScheduleBudgets(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, 2, cfg.Schedule.MaxParallelDownloads)
	require.Equal(t, int64(0), cfg.Schedule.MaxMemoryBytes)
}

func TestValidateRejectsConflictingEnabledAndDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Plugins.Enabled = []string{"apt"}
	cfg.Plugins.Disable = []string{"apt"}
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsBadAlpha(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Estimator.ConfidenceAlpha = 1.5
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsNonPositiveMaxParallelDownloads(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Schedule.MaxParallelDownloads = 0
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsNegativeMaxMemoryBytes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Schedule.MaxMemoryBytes = -1
	require.Error(t, cfg.Validate())
}

func TestValidateWrapsErrConfigSentinel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "bogus"
	err := cfg.Validate()
	require.Error(t, err)
	require.True(t, errors.Is(err, errs.ErrConfig))
}

func TestValidateAccumulatesEveryProblemFound(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "bogus"
	cfg.Estimator.ConfidenceAlpha = 5
	cfg.Schedule.MaxParallelDownloads = -1
	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	require.Contains(t, msg, "invalid log level")
	require.Contains(t, msg, "confidence alpha")
	require.Contains(t, msg, "max parallel downloads")
}

func TestIsEnabledHonorsAllowListAndDisableList(t *testing.T) {
	cfg := DefaultConfig()
	require.True(t, cfg.IsEnabled("apt"))

	cfg.Plugins.Enabled = []string{"apt"}
	require.True(t, cfg.IsEnabled("apt"))
	require.False(t, cfg.IsEnabled("pip"))

	cfg.Plugins.Disable = []string{"apt"}
	require.False(t, cfg.IsEnabled("apt"))
}

func TestConnectTimeoutConvertsMillisecondsField(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, "30s", cfg.History.ConnectTimeout().String())
}
