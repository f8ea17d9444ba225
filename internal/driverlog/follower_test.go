package driverlog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newLogFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "driver.log")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func appendLine(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	require.NoError(t, err)
}

func messages(logs *observer.ObservedLogs) []string {
	var out []string
	for _, e := range logs.All() {
		out = append(out, e.Message)
	}
	return out
}

func TestFollower(t *testing.T) {
	path := newLogFile(t, "DevTools listening\r\n\n")
	core, logs := observer.New(zapcore.InfoLevel)

	f := New(path, zap.New(core))
	f.FromStart = true
	f.Poll = true
	require.NoError(t, f.Start(context.Background()))

	appendLine(t, path, "[0101/000000.000:ERROR] gpu process crashed")

	assert.Eventually(t, func() bool { return logs.Len() == 2 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, f.Stop())
	assert.Equal(t, []string{"DevTools listening", "[0101/000000.000:ERROR] gpu process crashed"}, messages(logs))
	assert.Equal(t, "driver-log", logs.All()[0].LoggerName)

	t.Run("stop is idempotent", func(t *testing.T) {
		assert.NoError(t, f.Stop())
	})
}

func TestFollower_SkipsExistingLines(t *testing.T) {
	path := newLogFile(t, "old line\n")
	core, logs := observer.New(zapcore.InfoLevel)

	f := New(path, zap.New(core))
	f.Poll = true
	require.NoError(t, f.Start(context.Background()))
	defer f.Stop()

	// The follower seeks to the end asynchronously.
	time.Sleep(100 * time.Millisecond)
	appendLine(t, path, "new line")

	assert.Eventually(t, func() bool { return logs.Len() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"new line"}, messages(logs))
}

func TestFollower_StopsWithContext(t *testing.T) {
	path := newLogFile(t, "")
	ctx, cancel := context.WithCancel(context.Background())

	f := New(path, nil)
	f.Poll = true
	require.NoError(t, f.Start(ctx))
	done := f.done

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("follower did not stop after cancellation")
	}
	assert.NoError(t, f.Stop())
}

func TestFollower_Errors(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "missing.log"), nil)
	f.Poll = true
	assert.Error(t, f.Start(context.Background()), "the log must exist")

	path := newLogFile(t, "")
	f = New(path, nil)
	f.Poll = true
	require.NoError(t, f.Start(context.Background()))
	defer f.Stop()
	assert.Error(t, f.Start(context.Background()), "a follower starts once")
}
