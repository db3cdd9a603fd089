package params

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, "Asia/Seoul", cfg.Matching.TimeZone)
	assert.Equal(t, PolicyRetry, cfg.Dispatch.FailurePolicy)
	assert.False(t, cfg.Kafka.Enabled())
}

func TestLoadPriority(t *testing.T) {
	dir := t.TempDir()
	tomlPath := filepath.Join(dir, "node.toml")
	require.NoError(t, os.WriteFile(tomlPath, []byte(`
[store]
backend = "pebble"
pebble_path = "/tmp/from-toml"

[kafka]
brokers = ["toml:9092"]

[dispatch]
failure_policy = "drop"
max_attempts = 2
`), 0o644))

	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("PEBBLE_PATH=/tmp/from-dotenv\n"), 0o644))

	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092")
	t.Setenv("LOCK_TIMEOUT_MS", "250")

	cfg, err := Load(tomlPath, envPath)
	require.NoError(t, err)

	assert.Equal(t, BackendPebble, cfg.Store.Backend)
	assert.Equal(t, "/tmp/from-dotenv", cfg.Store.PebblePath)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 250*time.Millisecond, cfg.Store.LockTimeout)
	assert.Equal(t, PolicyDrop, cfg.Dispatch.FailurePolicy)
	assert.Equal(t, 2, cfg.Dispatch.MaxAttempts)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"default", func(*Config) {}, true},
		{"unknown backend", func(c *Config) { c.Store.Backend = "redis" }, false},
		{"postgres without dsn", func(c *Config) { c.Store.Backend = BackendPostgres }, false},
		{"postgres with dsn", func(c *Config) {
			c.Store.Backend = BackendPostgres
			c.Store.PostgresDSN = "postgres://localhost/stockmatch"
		}, true},
		{"unknown policy", func(c *Config) { c.Dispatch.FailurePolicy = "ignore" }, false},
		{"zero attempts", func(c *Config) { c.Dispatch.MaxAttempts = 0 }, false},
		{"bad zone", func(c *Config) { c.Matching.TimeZone = "Mars/Olympus" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
