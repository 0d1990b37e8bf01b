// internal/observability/logger_test.go
package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/rankbot/internal/config"
)

// bufferSink is a WriteSyncer over a bytes.Buffer so tests need not touch stdout.
type bufferSink struct{ bytes.Buffer }

func (b *bufferSink) Sync() error { return nil }

func initForTest(t *testing.T, cfg config.LoggerConfig) *bufferSink {
	t.Helper()
	ResetForTest()
	t.Cleanup(ResetForTest)
	sink := &bufferSink{}
	Initialize(cfg, sink)
	return sink
}

func TestInitialize(t *testing.T) {
	t.Run("console logger with colors", func(t *testing.T) {
		sink := initForTest(t, config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "rankbot",
			Colors:      config.ColorConfig{Info: "green"},
		})
		Component("scheduler").Info("tick complete")
		Sync()

		out := sink.String()
		assert.Contains(t, out, "INFO")
		assert.Contains(t, out, "tick complete")
		assert.Contains(t, out, "rankbot.scheduler.")
		assert.Contains(t, out, ansiColors["green"])
		assert.Contains(t, out, colorReset)
	})

	t.Run("json logger", func(t *testing.T) {
		sink := initForTest(t, config.LoggerConfig{Level: "info", Format: "json", ServiceName: "rankbot"})
		GetLogger().Warn("model refresh failed", zap.String("kind", "decision"))
		Sync()

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(sink.Bytes(), &entry), "output should be valid JSON")
		assert.Equal(t, "warn", entry["level"])
		assert.Equal(t, "rankbot", entry["logger"])
		assert.Equal(t, "model refresh failed", entry["msg"])
		assert.Equal(t, "decision", entry["kind"])
	})

	t.Run("writes to a rotated log file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "rankbot.log")
		initForTest(t, config.LoggerConfig{Level: "debug", Format: "json", LogFile: path, MaxSize: 1})
		GetLogger().Error("this should go to the file")
		Sync()

		content, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(content), "this should go to the file")
	})

	t.Run("only the first call takes effect", func(t *testing.T) {
		sink := initForTest(t, config.LoggerConfig{Level: "info", Format: "json", ServiceName: "first"})
		first := GetLogger()

		Initialize(config.LoggerConfig{Level: "debug", ServiceName: "second"}, &bufferSink{})
		assert.Same(t, first, GetLogger())

		GetLogger().Info("hello")
		Sync()
		assert.Contains(t, sink.String(), "first")
		assert.NotContains(t, sink.String(), "second")
	})
}

func TestSetLevel(t *testing.T) {
	sink := initForTest(t, config.LoggerConfig{Level: "info", Format: "json"})

	GetLogger().Debug("hidden")
	require.NoError(t, SetLevel("debug"))
	assert.Equal(t, zapcore.DebugLevel, Level())
	GetLogger().Debug("visible")
	Sync()

	assert.NotContains(t, sink.String(), "hidden")
	assert.Contains(t, sink.String(), "visible")

	assert.Error(t, SetLevel("chatty"))
}

func TestGetLogger(t *testing.T) {
	t.Run("fallback before initialization", func(t *testing.T) {
		ResetForTest()
		assert.NotNil(t, GetLogger())
	})

	t.Run("global logger after initialization", func(t *testing.T) {
		initForTest(t, config.LoggerConfig{Level: "info", ServiceName: "GlobalTest"})
		assert.Same(t, globalLogger.Load(), GetLogger())
	})
}
