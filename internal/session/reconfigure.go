// internal/session/reconfigure.go
package session

import (
	"context"
	"errors"
	"os"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/phantomctl/internal/driver"
	"github.com/xkilldash9x/phantomctl/internal/fingerprint"
)

// Reconfigure replaces the whole session configuration. overrides are merged
// over DefaultOptions, nav is generated when nil and proxy may be a URL, a
// map or nil for a direct connection.
//
// Input is validated before anything is pushed. A push failure surfaces as a
// *SessionError naming the failed step and leaves the session partially
// configured; such a session should be closed.
func (s *Session) Reconfigure(ctx context.Context, overrides map[string]any, nav *fingerprint.Navigator, proxy any) error {
	opts, err := MergeOptions(overrides)
	if err != nil {
		return err
	}
	navigator, err := s.resolveNavigator(nav)
	if err != nil {
		return err
	}
	p, err := ParseProxy(proxy)
	if err != nil {
		return err
	}
	var flash *driver.FlashPlugin
	if opts.SpoofFlashPlugin {
		f, ok := fingerprint.Flash(navigator.PlatformClass)
		if !ok {
			return configErrorf("navigator", "no flash plugin for platform %q", navigator.PlatformClass)
		}
		flash = &driver.FlashPlugin{Version: f.Version, Description: f.Description, Filename: f.Filename}
	}

	if s.started {
		if err := s.cleanup(ctx); err != nil {
			return err
		}
	}

	s.opts = opts
	s.navigator = navigator
	if err := s.UpdateHeaders(ctx, s.derivedHeaders(nil)); err != nil {
		return err
	}

	var timezone *int
	if p != nil {
		timezone = s.lookupTimezone(p.Host)
	}
	s.timezoneOffset = timezone

	screen := s.fingerprints.Screen(opts.ScreenSize)
	if err := s.pushViewport(ctx, screen.Viewport()); err != nil {
		return err
	}
	s.screen = screen

	bundle, err := json.Marshal(driver.PageConfig{
		JavascriptEnabled: opts.JavascriptEnabled,
		LoadImages:        opts.LoadImages,
		ResourceTimeoutMs: seconds(opts.ResourceTimeout).Milliseconds(),
		Navigator:         navigator.Properties(),
		Screen:            screenProperties(screen),
		SpoofFlashPlugin:  opts.SpoofFlashPlugin,
		FlashPlugin:       flash,
		SpoofJavaPlugin:   opts.SpoofJavaPlugin,
		SpoofHTML5Media:   opts.SpoofHTML5Media,
		TimezoneOffset:    timezone,
	})
	if err != nil {
		return &SessionError{Op: "configure", Err: err}
	}
	if _, err := s.exec(ctx, "page.configure("+string(bundle)+")"); err != nil {
		return &SessionError{Op: "configure", Err: err}
	}

	switch {
	case p != nil:
		if err := s.setProxy(ctx, p, false); err != nil {
			return err
		}
	case s.started:
		if err := s.resetProxy(ctx, false); err != nil {
			return err
		}
	default:
		s.proxy = nil
	}

	if err := s.SetCookiesEnabled(ctx, opts.CookiesEnabled); err != nil {
		return err
	}
	if err := s.SetStylesheetsEnabled(ctx, opts.LoadStylesheets); err != nil {
		return err
	}
	if err := s.SetPageLoadTimeout(ctx, seconds(opts.PageLoadTimeout)); err != nil {
		return err
	}
	if err := s.SetPageLoadAttempts(opts.PageLoadAttempts); err != nil {
		return err
	}
	if err := s.SetXPathTimeout(ctx, seconds(opts.XPathTimeout)); err != nil {
		return err
	}

	s.history = []string{}
	s.logger.Debug("Session configured.",
		zap.String("user_agent", navigator.UserAgent),
		zap.Int("screen_width", screen.Width),
		zap.Int("screen_height", screen.Height),
		zap.Bool("proxied", p != nil),
	)
	return nil
}

func (s *Session) resolveNavigator(nav *fingerprint.Navigator) (*fingerprint.Navigator, error) {
	if nav == nil {
		generated, err := s.fingerprints.Navigator(s.platforms, s.engines)
		if err != nil {
			return nil, &ConfigError{Field: "navigator", Err: err}
		}
		return generated, nil
	}
	if err := nav.Validate(); err != nil {
		return nil, &ConfigError{Field: "navigator", Err: err}
	}
	return nav.Clone(), nil
}

// cleanup resets the browser between two configurations.
func (s *Session) cleanup(ctx context.Context) error {
	if err := s.ClearHTTPCache(ctx); err != nil {
		return err
	}
	if _, err := s.exec(ctx, "page.close()"); err != nil {
		return &SessionError{Op: "cleanup", Err: err}
	}
	if err := os.Truncate(s.logPath, 0); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Debug("Failed to truncate driver log.", zap.Error(err))
	}
	if err := os.RemoveAll(s.localStorageDir); err != nil {
		s.logger.Debug("Failed to remove local storage.", zap.Error(err))
	}
	if err := os.MkdirAll(s.localStorageDir, 0o755); err != nil {
		return &SessionError{Op: "cleanup", Err: err}
	}
	return nil
}

// ClearHTTPCache drops the browser's HTTP cache.
func (s *Session) ClearHTTPCache(ctx context.Context) error {
	if _, err := s.exec(ctx, "page.clearMemoryCache()"); err != nil {
		return &SessionError{Op: "clear_http_cache", Err: err}
	}
	return nil
}

// screenProperties renders a screen geometry the way page scripts see it.
func screenProperties(screen fingerprint.Screen) map[string]any {
	var props map[string]any
	b, err := json.Marshal(screen)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal(b, &props); err != nil {
		return nil
	}
	return props
}
