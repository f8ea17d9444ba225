// internal/session/settings.go
package session

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// SetCookiesEnabled toggles cookie support. Setting the current value makes
// no remote call.
func (s *Session) SetCookiesEnabled(ctx context.Context, enabled bool) error {
	if s.cookiesEnabled != nil && *s.cookiesEnabled == enabled {
		return nil
	}
	if _, err := s.exec(ctx, "phantom.cookiesEnabled = "+strconv.FormatBool(enabled)); err != nil {
		return &SessionError{Op: "set_cookies_enabled", Err: err}
	}
	s.cookiesEnabled = &enabled
	return nil
}

// SetStylesheetsEnabled toggles stylesheet loading. Setting the current
// value makes no remote call.
func (s *Session) SetStylesheetsEnabled(ctx context.Context, enabled bool) error {
	if s.stylesheetsEnabled != nil && *s.stylesheetsEnabled == enabled {
		return nil
	}
	script := "page.addCallback(page.onResourceRequestedCallbacks, page.skipCSS)"
	if enabled {
		script = "page.removeCallback(page.onResourceRequestedCallbacks, page.skipCSS)"
	}
	if _, err := s.exec(ctx, script); err != nil {
		return &SessionError{Op: "set_stylesheets_enabled", Err: err}
	}
	s.stylesheetsEnabled = &enabled
	return nil
}

// SetPageLoadTimeout sets the navigation wait budget.
func (s *Session) SetPageLoadTimeout(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		return configErrorf("page_load_timeout", "must be > 0, got %s", timeout)
	}
	if timeout == s.pageLoadTimeout {
		return nil
	}
	if err := s.ch.SetPageLoadTimeout(ctx, timeout); err != nil {
		return &SessionError{Op: "set_page_load_timeout", Err: err}
	}
	s.pageLoadTimeout = timeout
	s.logger.Debug("Page load timeout changed.", zap.Duration("timeout", timeout))
	return nil
}

// SetPageLoadAttempts sets how many times a failed navigation is tried.
func (s *Session) SetPageLoadAttempts(attempts int) error {
	if attempts < 1 {
		return configErrorf("page_load_attempts", "must be >= 1, got %d", attempts)
	}
	s.pageLoadAttempts = attempts
	return nil
}

// SetXPathTimeout sets the implicit wait of element lookups.
func (s *Session) SetXPathTimeout(ctx context.Context, timeout time.Duration) error {
	if timeout < 0 {
		return configErrorf("xpath_timeout", "must be >= 0, got %s", timeout)
	}
	// Zero is a valid wait, so the first value is always pushed.
	if s.xpathPushed && timeout == s.xpathTimeout {
		return nil
	}
	if err := s.ch.SetImplicitWait(ctx, timeout); err != nil {
		return &SessionError{Op: "set_xpath_timeout", Err: err}
	}
	s.xpathTimeout = timeout
	s.xpathPushed = true
	return nil
}
