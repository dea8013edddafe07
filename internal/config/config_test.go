package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{envDataDir, envSQLitePath, envPackageDir, envLogLevel, envLogPretty, envHTTPAddr} {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoadAppliesDefaultsWhenUnset(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, "127.0.0.1:9090", cfg.HTTPAddr)
}

func TestLoadReadsEnvFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("HOLMSD_LOG_LEVEL=debug\nHOLMSD_HTTP_ADDR=0.0.0.0:9091\n"), 0644))

	cfg, err := Load(envPath)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "0.0.0.0:9091", cfg.HTTPAddr)
}

func TestLoadParsesPackageDirList(t *testing.T) {
	clearEnv(t)
	os.Setenv(envPackageDir, "/a:/b:/c")
	t.Cleanup(func() { os.Unsetenv(envPackageDir) })

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, []string{"/a", "/b", "/c"}, cfg.AdapterPackageDirs)
}

func TestLoadInvalidBoolFails(t *testing.T) {
	clearEnv(t)
	os.Setenv(envLogPretty, "not-a-bool")
	t.Cleanup(func() { os.Unsetenv(envLogPretty) })

	_, err := Load("")
	require.Error(t, err)
}

func TestWatcherReloadsOnFileChange(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("HOLMSD_LOG_LEVEL=info\n"), 0644))

	initial, err := Load(envPath)
	require.NoError(t, err)

	reloaded := make(chan Config, 1)
	stop, err := NewWatcher(envPath, initial, func(c Config) { reloaded <- c })
	require.NoError(t, err)
	defer stop()

	require.NoError(t, os.WriteFile(envPath, []byte("HOLMSD_LOG_LEVEL=debug\n"), 0644))

	select {
	case cfg := <-reloaded:
		require.Equal(t, "debug", cfg.LogLevel)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}
