package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoggerFor(t *testing.T) {
	logger, err := LoggerFor("debug", "")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))

	_, err = LoggerFor("loud", "")
	assert.Error(t, err)
}

func TestLoggerForWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "matchd.log")
	logger, err := LoggerFor("warn", path)
	require.NoError(t, err)

	logger.Info("filtered")
	logger.Warn("kept", zap.Int64("order_id", 7))
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "filtered")
	assert.Contains(t, string(data), `"order_id":7`)
	assert.Contains(t, string(data), `"ts"`)
}
