package logger

import (
	"os"
	"path/filepath"
	"testing"

	"grid-engine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFallbackLoggerBeforeInit(t *testing.T) {
	assert.NotNil(t, S())
	assert.NotNil(t, L())
}

func TestInitLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")
	InitLogger(models.LogConfig{Level: "debug", Output: "file", File: path, MaxSize: 1})

	ForBot(42, "BTCUSDT").Info("bot started")
	Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "bot started")
	assert.Contains(t, string(data), `"bot_id":42`)
}

func TestInitLoggerBadLevelDefaultsToInfo(t *testing.T) {
	InitLogger(models.LogConfig{Level: "chatty", Output: "console"})
	assert.True(t, L().Core().Enabled(0))  // info
	assert.False(t, L().Core().Enabled(-1)) // debug
}
