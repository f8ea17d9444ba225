package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/phantomctl/internal/driver"
	"github.com/xkilldash9x/phantomctl/internal/fingerprint"
	"github.com/xkilldash9x/phantomctl/internal/observability"
	"github.com/xkilldash9x/phantomctl/internal/session"
)

// stubChannel is a minimal driver that loads any URL instantly. URLs
// containing "fail" cannot be reached.
type stubChannel struct {
	mu         sync.Mutex
	url        string
	generation int
	meta       map[string]any
	scripts    []string
	quit       bool
}

func (c *stubChannel) ExecuteDriverScript(_ context.Context, script string) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripts = append(c.scripts, script)
	if script == "return page.httpMeta" {
		return json.Marshal(c.meta)
	}
	return json.RawMessage("null"), nil
}

func (c *stubChannel) ExecutePageScript(_ context.Context, script string) (json.RawMessage, error) {
	if strings.Contains(script, "readyState") {
		return json.RawMessage(`"complete"`), nil
	}
	return json.RawMessage("null"), nil
}

func (c *stubChannel) SetPageLoadTimeout(context.Context, time.Duration) error { return nil }
func (c *stubChannel) SetImplicitWait(context.Context, time.Duration) error    { return nil }

func (c *stubChannel) CurrentURL(context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.url == "" {
		return driver.BlankURL, nil
	}
	return c.url, nil
}

func (c *stubChannel) Navigate(_ context.Context, u string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if strings.Contains(u, "fail") {
		return driver.NewExecutionError("navigate", errors.New("net::ERR_NAME_NOT_RESOLVED"))
	}
	c.url = u
	c.generation++
	c.meta = map[string]any{
		"request": map[string]any{"method": "GET", "headers": []any{}},
		"response": map[string]any{
			"url":         u,
			"status_code": 200,
			"headers":     []any{map[string]any{"name": "Server", "value": "stub"}},
		},
	}
	return nil
}

func (c *stubChannel) Back(context.Context) error    { return nil }
func (c *stubChannel) Forward(context.Context) error { return nil }
func (c *stubChannel) Refresh(context.Context) error { return nil }

func (c *stubChannel) FindElements(_ context.Context, xpath string) ([]driver.Element, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if xpath == "html" {
		return []driver.Element{stubElement(fmt.Sprintf("root-%d", c.generation))}, nil
	}
	return nil, nil
}

func (c *stubChannel) Click(context.Context, driver.Element) error { return nil }

func (c *stubChannel) WindowHandles(context.Context) ([]string, error) {
	return []string{"main"}, nil
}

func (c *stubChannel) CurrentWindowHandle(context.Context) (string, error) { return "main", nil }

func (c *stubChannel) SwitchToWindow(context.Context, string) error { return nil }

func (c *stubChannel) CloseWindow(context.Context) error { return nil }

func (c *stubChannel) Quit(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quit = true
	return nil
}

type stubElement string

func (e stubElement) ID() string { return string(e) }

func (e stubElement) TagName(context.Context) (string, error) { return "html", nil }

func (e stubElement) Attribute(context.Context, string) (string, bool, error) {
	return "", false, nil
}

func (e stubElement) Displayed(context.Context) (bool, error) { return true, nil }

func (e stubElement) Enabled(context.Context) (bool, error) { return true, nil }

func (e stubElement) Rect(context.Context) (driver.Rect, error) { return driver.Rect{}, nil }

func (e stubElement) FindElements(context.Context, string) ([]driver.Element, error) {
	return nil, nil
}

type stubLauncher struct {
	mu       sync.Mutex
	channels []*stubChannel
	specs    []driver.LaunchSpec
}

func (l *stubLauncher) Launch(_ context.Context, spec driver.LaunchSpec) (driver.Channel, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch := &stubChannel{}
	l.channels = append(l.channels, ch)
	l.specs = append(l.specs, spec)
	return ch, 1000 + len(l.channels), nil
}

// useStubDriver swaps the browser launcher and the fingerprint source for
// deterministic stand-ins.
func useStubDriver(t *testing.T) *stubLauncher {
	t.Helper()
	launcher := &stubLauncher{}
	origLauncher, origFingerprints := newLauncher, newFingerprints
	newLauncher = func(*zap.Logger) driver.Launcher { return launcher }
	newFingerprints = func() session.FingerprintSource { return fingerprint.NewGenerator(42) }
	t.Cleanup(func() {
		newLauncher, newFingerprints = origLauncher, origFingerprints
	})
	return launcher
}

// driverFlags points the driver at a placeholder binary and a temporary
// sessions directory.
func driverFlags(t *testing.T) (args []string, sessionsDir string) {
	t.Helper()
	dir := t.TempDir()
	binary := filepath.Join(dir, "chrome")
	require.NoError(t, os.WriteFile(binary, []byte("#!/bin/sh\n"), 0o755))
	sessionsDir = filepath.Join(dir, "sessions")
	require.NoError(t, os.MkdirAll(sessionsDir, 0o755))
	return []string{"--binary", binary, "--sessions-dir", sessionsDir, "--log-level", "error"}, sessionsDir
}

// runCommand executes a fresh command tree and returns its stdout.
func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	observability.ResetForTest()
	t.Cleanup(observability.ResetForTest)

	root := NewRootCommand()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}
