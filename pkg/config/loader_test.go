package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeDefaults(t *testing.T) {
	cfg, err := Initialize("")
	require.NoError(t, err)

	assert.Equal(t, "processors", cfg.Queue.Group)
	assert.Equal(t, 100, cfg.Queue.ReadCount)
	assert.Equal(t, int64(3), cfg.Queue.MaxDeliveries)
	assert.Equal(t, int64(10000), cfg.Queue.MaxLen)
	assert.Equal(t, 30*time.Second, cfg.Monitor.CursorPollInterval)
	assert.Equal(t, 2*time.Second, cfg.Monitor.ClaudePollInterval)
	assert.Equal(t, filepath.Join(cfg.DataDir, "telemetry.db"), cfg.DatabasePath())
}

func TestInitializeYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	yaml := `
data_dir: /tmp/bp-test
log_level: debug
queue:
  read_count: 25
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blueplane.yaml"), []byte(yaml), 0o644))

	cfg, err := Initialize(dir)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/bp-test", cfg.DataDir)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 25, cfg.Queue.ReadCount)
	// Unset fields keep defaults.
	assert.Equal(t, "processors", cfg.Queue.Group)
	assert.Equal(t, 60*time.Second, cfg.Monitor.SweepInterval)
}

func TestInitializeEnvOverridesAll(t *testing.T) {
	dir := t.TempDir()
	yaml := "log_level: debug\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blueplane.yaml"), []byte(yaml), 0o644))

	t.Setenv(EnvDataDir, "/tmp/bp-env")
	t.Setenv(EnvRedisHost, "redis.local")
	t.Setenv(EnvRedisPort, "6390")
	t.Setenv(EnvLogLevel, "warn")
	t.Setenv(EnvWorkspaceRoot, "/home/dev/src")

	cfg, err := Initialize(dir)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/bp-env", cfg.DataDir)
	assert.Equal(t, "redis.local:6390", cfg.Redis.Addr())
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "/home/dev/src", cfg.WorkspaceRoot)
}

func TestInitializeRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "bad log level", yaml: "log_level: loud\n"},
		{name: "zero read count", yaml: "queue:\n  read_count: -1\n"},
		{name: "broken yaml", yaml: "queue: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, "blueplane.yaml"), []byte(tt.yaml), 0o644))

			_, err := Initialize(dir)
			require.Error(t, err)
			assert.True(t, IsConfigError(err), "expected config error, got %v", err)
		})
	}
}

func TestExpandEnvTemplates(t *testing.T) {
	t.Setenv("BP_TEST_HOST", "streams.internal")

	out := ExpandEnv([]byte("redis:\n  host: {{.BP_TEST_HOST}}\n"))
	assert.Contains(t, string(out), "streams.internal")

	// Literal $ survives untouched.
	out = ExpandEnv([]byte("workspace_root: /home/$USER/src\n"))
	assert.Equal(t, "workspace_root: /home/$USER/src\n", string(out))
}
