// internal/observability/logger_test.go
package observability

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/phantomctl/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// syncBuffer is a goroutine safe WriteSyncer backed by a bytes.Buffer.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) Sync() error { return nil }

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

var _ zapcore.WriteSyncer = (*syncBuffer)(nil)

func TestInitialize(t *testing.T) {
	t.Run("console logger colors levels", func(t *testing.T) {
		ResetForTest()
		defer ResetForTest()
		out := &syncBuffer{}

		Initialize(config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "phantomctl",
			Colors:      config.ColorConfig{Info: "green"},
		}, out)
		GetLogger().Named("session").Info("page loaded")

		output := out.String()
		assert.Contains(t, output, ansiColor("green")+"INFO"+colorReset)
		assert.Contains(t, output, "phantomctl.session.")
		assert.Contains(t, output, "page loaded")
	})

	t.Run("json logger emits structured fields", func(t *testing.T) {
		ResetForTest()
		defer ResetForTest()
		out := &syncBuffer{}

		Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "JSONTest"}, out)
		GetLogger().Warn("proxy rejected", zap.String("host", "10.0.0.1"))

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(out.String()), &entry))
		assert.Equal(t, "WARN", entry["level"])
		assert.Equal(t, "JSONTest", entry["logger"])
		assert.Equal(t, "proxy rejected", entry["msg"])
		assert.Equal(t, "10.0.0.1", entry["host"])
	})

	t.Run("level filters lower entries", func(t *testing.T) {
		ResetForTest()
		defer ResetForTest()
		out := &syncBuffer{}

		Initialize(config.LoggerConfig{Level: "warn", Format: "json"}, out)
		GetLogger().Info("hidden")
		assert.Empty(t, out.String())
	})

	t.Run("writes to a rotating file when configured", func(t *testing.T) {
		ResetForTest()
		defer ResetForTest()
		logFile := filepath.Join(t.TempDir(), "phantomctl.log")

		Initialize(config.LoggerConfig{Level: "debug", Format: "json", LogFile: logFile, MaxSize: 1}, &syncBuffer{})
		GetLogger().Error("driver quit failed")
		Sync()

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(content), "driver quit failed")
	})

	t.Run("only initializes once", func(t *testing.T) {
		ResetForTest()
		defer ResetForTest()
		out := &syncBuffer{}

		Initialize(config.LoggerConfig{Level: "info", ServiceName: "First"}, out)
		first := GetLogger()
		Initialize(config.LoggerConfig{Level: "debug", ServiceName: "Second"}, out)
		second := GetLogger()

		assert.Same(t, first, second)
		second.Info("test")
		assert.Contains(t, out.String(), "First")
		assert.NotContains(t, out.String(), "Second")
	})
}

func TestGetLogger(t *testing.T) {
	t.Run("falls back when not initialized", func(t *testing.T) {
		ResetForTest()
		require.NotNil(t, GetLogger())
	})

	t.Run("returns the stored logger", func(t *testing.T) {
		ResetForTest()
		defer ResetForTest()
		Initialize(config.LoggerConfig{Level: "info"}, &syncBuffer{})
		assert.Same(t, globalLogger.Load(), GetLogger())
	})
}

func TestInitializeCLI(t *testing.T) {
	ResetForTest()
	defer ResetForTest()

	InitializeCLI(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "cli"})
	logger := globalLogger.Load()
	require.NotNil(t, logger)
	assert.Same(t, logger, GetLogger())
}

func TestAnsiColor(t *testing.T) {
	assert.Equal(t, "\x1b[30m", ansiColor("black"))
	assert.Equal(t, "\x1b[32m", ansiColor("Green"))
	assert.Equal(t, "\x1b[37m", ansiColor("white"))
	assert.Empty(t, ansiColor("mauve"))
	assert.Empty(t, ansiColor(""))

	codes := levelColors(config.ColorConfig{Warn: "yellow", Error: "nope"})
	assert.Equal(t, map[zapcore.Level]string{zapcore.WarnLevel: "\x1b[33m"}, codes)
}

func TestIgnorableSyncError(t *testing.T) {
	assert.True(t, ignorableSyncError(errors.New("sync /dev/stderr: invalid argument")))
	assert.True(t, ignorableSyncError(errors.New("sync /dev/stdout: inappropriate ioctl for device")))
	assert.False(t, ignorableSyncError(errors.New("write phantomctl.log: no space left on device")))
}

func TestNew_DoesNotTouchGlobal(t *testing.T) {
	ResetForTest()
	logger := New(config.LoggerConfig{Level: "info", Format: "json"}, &syncBuffer{})
	require.NotNil(t, logger)
	assert.Nil(t, globalLogger.Load())
}
