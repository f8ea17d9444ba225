package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/phantomctl/internal/fingerprint"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestOpen(t *testing.T) {
	ch := newFakeChannel()
	p := testParams(t)
	deps := testDeps(t, ch)

	s, err := Open(context.Background(), p, deps)
	require.NoError(t, err)
	defer s.Close(context.Background())

	t.Run("working directory layout", func(t *testing.T) {
		assert.Equal(t, filepath.Join(p.SessionsDir, s.ID()), s.WorkingDir())
		assert.DirExists(t, filepath.Join(s.WorkingDir(), localStorageDirName))
		pid, err := os.ReadFile(filepath.Join(s.WorkingDir(), pidFileName))
		require.NoError(t, err)
		assert.Equal(t, "4242", string(pid))
		assert.Equal(t, 4242, s.PID())
		assert.True(t, s.Started())
	})

	t.Run("launch spec", func(t *testing.T) {
		specs := deps.Launcher.(*fakeLauncher).specs
		require.Len(t, specs, 1)
		assert.Equal(t, p.BinaryPath, specs[0].BinaryPath)
		assert.Equal(t, s.LogPath(), specs[0].LogPath)
		assert.Equal(t, true, specs[0].Profile["ignore_ssl_errors"])
	})

	t.Run("initial configuration", func(t *testing.T) {
		assert.Equal(t, DefaultOptions(), s.Options())
		assert.Equal(t, testNavigator().UserAgent, s.Navigator().UserAgent)
		assert.Equal(t, s.Navigator().UserAgent, s.DefaultHeaders()[userAgentHeader])
		assert.Equal(t, baseHeaders["Accept"], s.DefaultHeaders()["Accept"])
		assert.NotEmpty(t, ch.lastScript("page.viewportSize = "))
		assert.Contains(t, ch.lastScript("page.configure("), `"resource_timeout":60000`)
		assert.True(t, s.CookiesEnabled())
		assert.True(t, s.StylesheetsEnabled())
		assert.Equal(t, 1, s.PageLoadAttempts())
		assert.Equal(t, []string{}, s.History())
		assert.Nil(t, s.Proxy())
		assert.Nil(t, s.TimezoneOffset())
	})
}

func TestOpen_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*OpenParams)
		target any
	}{
		{"empty binary", func(p *OpenParams) { p.BinaryPath = "" }, new(*ConfigError)},
		{"missing binary", func(p *OpenParams) { p.BinaryPath = "/nonexistent/chrome" }, new(*ConfigError)},
		{"binary is a directory", func(p *OpenParams) { p.BinaryPath = t.TempDir() }, new(*ConfigError)},
		{"bad option type", func(p *OpenParams) { p.Options = map[string]any{"page_load_timeout": "slow"} }, new(*ConfigError)},
		{"bad option value", func(p *OpenParams) { p.Options = map[string]any{"page_load_attempts": 0} }, new(*ConfigError)},
		{"incomplete navigator", func(p *OpenParams) { p.Navigator = &fingerprint.Navigator{Name: "chrome"} }, new(*ConfigError)},
		{"bad proxy", func(p *OpenParams) { p.Proxy = "ftp://10.0.0.1:21" }, new(*ProxyConfigError)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := newFakeChannel()
			p := testParams(t)
			tt.mutate(&p)
			deps := testDeps(t, ch)

			_, err := Open(context.Background(), p, deps)
			require.Error(t, err)
			assert.True(t, errors.As(err, tt.target), "got %T: %v", err, err)
			assert.Empty(t, deps.Launcher.(*fakeLauncher).specs, "nothing may be started on bad input")
		})
	}
}

func TestOpen_DriverStartFailure(t *testing.T) {
	ch := newFakeChannel()
	p := testParams(t)
	deps := testDeps(t, ch)
	deps.Launcher.(*fakeLauncher).err = errors.New("exec: no such file")

	_, err := Open(context.Background(), p, deps)
	var startErr *DriverStartError
	require.ErrorAs(t, err, &startErr)

	entries, err := os.ReadDir(p.SessionsDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "the working directory must be removed")
}

func TestOpen_ConfigurationFailure(t *testing.T) {
	ch := newFakeChannel()
	ch.failScript["page.configure"] = errors.New("boom")
	p := testParams(t)

	_, err := Open(context.Background(), p, testDeps(t, ch))
	var sessionErr *SessionError
	require.ErrorAs(t, err, &sessionErr)
	assert.Equal(t, "configure", sessionErr.Op)
	assert.Equal(t, 1, ch.quits)

	entries, err := os.ReadDir(p.SessionsDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOpen_FlashPlugin(t *testing.T) {
	_, ch := newTestSession(t, func(p *OpenParams) {
		p.Options = map[string]any{"spoof_flash_plugin": true}
	})
	assert.Contains(t, ch.lastScript("page.configure("), `"NPSWF32.dll"`)

	t.Run("unsupported platform", func(t *testing.T) {
		nav := testNavigator()
		nav.PlatformClass = "amiga"
		p := testParams(t)
		p.Navigator = nav
		p.Options = map[string]any{"spoof_flash_plugin": true}
		_, err := Open(context.Background(), p, testDeps(t, newFakeChannel()))
		var cfgErr *ConfigError
		assert.ErrorAs(t, err, &cfgErr)
	})
}

func TestReconfigure(t *testing.T) {
	s, ch := newTestSession(t)
	ctx := context.Background()

	_, err := s.Open(ctx, "http://example.com/")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.LogPath(), []byte("old log"), 0o644))
	marker := filepath.Join(s.WorkingDir(), localStorageDirName, "leftover")
	require.NoError(t, os.WriteFile(marker, nil, 0o644))

	before := ch.scriptCount()
	err = s.Reconfigure(ctx, map[string]any{
		"page_load_attempts": 3,
		"load_stylesheets":   false,
		"unknown_option":     "ignored",
		"screen_size":        []any{2000, 2000},
		"default_headers":    map[string]any{"X-Team": "blue"},
	}, nil, "10.1.1.1:3128")
	require.NoError(t, err)

	scripts := ch.scriptsSince(before)
	require.GreaterOrEqual(t, len(scripts), 2)
	assert.Equal(t, "page.clearMemoryCache()", scripts[0], "cleanup runs first")
	assert.Equal(t, "page.close()", scripts[1])

	log, err := os.ReadFile(s.LogPath())
	require.NoError(t, err)
	assert.Empty(t, log)
	assert.NoFileExists(t, marker)
	assert.DirExists(t, filepath.Join(s.WorkingDir(), localStorageDirName))

	assert.Equal(t, 3, s.PageLoadAttempts())
	assert.False(t, s.StylesheetsEnabled())
	assert.Equal(t, 2000, s.Screen().Width)
	assert.Equal(t, 2000, s.Screen().Height)
	assert.Equal(t, "blue", s.DefaultHeaders()["X-Team"])
	assert.Equal(t, s.Navigator().UserAgent, s.DefaultHeaders()[userAgentHeader])
	require.NotNil(t, s.Proxy())
	assert.Equal(t, "10.1.1.1", s.Proxy().Host)
	require.NotNil(t, s.TimezoneOffset())
	assert.Equal(t, 180, *s.TimezoneOffset())
	assert.Contains(t, ch.lastScript("page.configure("), `"timezone_offset":180`)
	assert.Empty(t, s.History(), "history is reset")

	t.Run("clearing the proxy on a running session", func(t *testing.T) {
		require.NoError(t, s.Reconfigure(ctx, nil, nil, nil))
		assert.Nil(t, s.Proxy())
		assert.Nil(t, s.TimezoneOffset())
		assert.NotEmpty(t, ch.lastScript("page._resetProxy()"))
	})
}

func TestReconfigure_PartialFailure(t *testing.T) {
	s, ch := newTestSession(t)
	ch.failScript["phantom.cookiesEnabled"] = errors.New("cookie jar unavailable")

	err := s.Reconfigure(context.Background(), map[string]any{"cookies_enabled": false}, nil, nil)
	var sessionErr *SessionError
	require.ErrorAs(t, err, &sessionErr)
	assert.Equal(t, "set_cookies_enabled", sessionErr.Op)
	// Steps before the failure stay applied.
	assert.False(t, s.Options().CookiesEnabled)
	assert.True(t, s.CookiesEnabled())
}

func TestClose(t *testing.T) {
	t.Run("removes the working directory", func(t *testing.T) {
		ch := newFakeChannel()
		s, err := Open(context.Background(), testParams(t), testDeps(t, ch))
		require.NoError(t, err)

		require.NoError(t, s.Close(context.Background()))
		assert.NoDirExists(t, s.WorkingDir())
		assert.False(t, s.Started())
		require.NoError(t, s.Close(context.Background()), "closing twice is a no-op")
		assert.Equal(t, 1, ch.quits)
	})

	t.Run("quit failure still cleans up", func(t *testing.T) {
		ch := newFakeChannel()
		ch.quitErr = errors.New("driver gone")
		core, logs := observer.New(zapcore.WarnLevel)
		deps := testDeps(t, ch)
		deps.Logger = zap.New(core)

		s, err := Open(context.Background(), testParams(t), deps)
		require.NoError(t, err)

		err = s.Close(context.Background())
		var sessionErr *SessionError
		require.ErrorAs(t, err, &sessionErr)
		assert.Equal(t, "quit", sessionErr.Op)
		assert.NoDirExists(t, s.WorkingDir())
		assert.Equal(t, 1, logs.FilterMessage("Driver quit failed.").Len())
	})

	t.Run("scripts fail after close", func(t *testing.T) {
		ch := newFakeChannel()
		s, err := Open(context.Background(), testParams(t), testDeps(t, ch))
		require.NoError(t, err)
		require.NoError(t, s.Close(context.Background()))

		err = s.SetHeader(context.Background(), "X", "1")
		require.Error(t, err)
		assert.True(t, strings.Contains(err.Error(), "session is closed"))
	})
}

func TestSettings(t *testing.T) {
	s, ch := newTestSession(t)
	ctx := context.Background()

	t.Run("cookies are idempotent", func(t *testing.T) {
		n := ch.scriptCount()
		require.NoError(t, s.SetCookiesEnabled(ctx, true))
		assert.Equal(t, n, ch.scriptCount(), "setting the current value makes no remote call")

		require.NoError(t, s.SetCookiesEnabled(ctx, false))
		assert.Equal(t, n+1, ch.scriptCount())
		assert.False(t, s.CookiesEnabled())
	})

	t.Run("stylesheets are idempotent", func(t *testing.T) {
		n := ch.scriptCount()
		require.NoError(t, s.SetStylesheetsEnabled(ctx, true))
		assert.Equal(t, n, ch.scriptCount())

		require.NoError(t, s.SetStylesheetsEnabled(ctx, false))
		assert.Equal(t, "page.addCallback(page.onResourceRequestedCallbacks, page.skipCSS)", ch.lastScript("page.addCallback"))
	})

	t.Run("failed push keeps the cached value", func(t *testing.T) {
		ch.failScript["phantom.cookiesEnabled"] = errors.New("boom")
		defer delete(ch.failScript, "phantom.cookiesEnabled")

		err := s.SetCookiesEnabled(ctx, true)
		var sessionErr *SessionError
		require.ErrorAs(t, err, &sessionErr)
		assert.False(t, s.CookiesEnabled())
	})

	t.Run("timeouts are validated and pushed on change", func(t *testing.T) {
		pushes := len(ch.pageLoadTimeouts)
		require.NoError(t, s.SetPageLoadTimeout(ctx, s.PageLoadTimeout()))
		assert.Len(t, ch.pageLoadTimeouts, pushes)

		var cfgErr *ConfigError
		assert.ErrorAs(t, s.SetPageLoadTimeout(ctx, 0), &cfgErr)
		assert.ErrorAs(t, s.SetXPathTimeout(ctx, -1), &cfgErr)
		assert.ErrorAs(t, s.SetPageLoadAttempts(0), &cfgErr)
	})

	t.Run("clear http cache", func(t *testing.T) {
		require.NoError(t, s.ClearHTTPCache(ctx))
		assert.Equal(t, "page.clearMemoryCache()", ch.lastScript("page.clearMemoryCache"))
	})
}
