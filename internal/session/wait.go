// internal/session/wait.go
package session

import (
	"context"
	"errors"
	"maps"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/phantomctl/internal/driver"
)

// NavOption overrides a session setting for the duration of one call.
type NavOption func(*navOverrides)

type navOverrides struct {
	timeout  *time.Duration
	attempts *int
	headers  map[string]any
}

// WithTimeout overrides the page load timeout.
func WithTimeout(d time.Duration) NavOption {
	return func(o *navOverrides) { o.timeout = &d }
}

// WithAttempts overrides the page load attempt budget.
func WithAttempts(n int) NavOption {
	return func(o *navOverrides) { o.attempts = &n }
}

// WithHeaders rebuilds the header overlay with headers on top. A false or
// nil value removes a header for the call.
func WithHeaders(headers map[string]any) NavOption {
	return func(o *navOverrides) { o.headers = headers }
}

// withOverride sets a value through set, runs fn and restores the previous
// value, even when fn fails. A failed restore is reported when fn succeeded.
func withOverride[T any](ctx context.Context, get func() T, set func(context.Context, T) error, value T, fn func() error) (err error) {
	saved := get()
	if err := set(ctx, value); err != nil {
		return err
	}
	defer func() {
		if rerr := set(context.WithoutCancel(ctx), saved); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn()
}

func (s *Session) withNavOptions(ctx context.Context, opts []NavOption, fn func() error) error {
	var o navOverrides
	for _, opt := range opts {
		opt(&o)
	}
	run := fn
	if o.attempts != nil {
		inner, n := run, *o.attempts
		run = func() error {
			return withOverride(ctx, s.PageLoadAttempts, s.setPageLoadAttempts, n, inner)
		}
	}
	if o.timeout != nil {
		inner, d := run, *o.timeout
		run = func() error {
			return withOverride(ctx, s.PageLoadTimeout, s.SetPageLoadTimeout, d, inner)
		}
	}
	if o.headers != nil {
		inner, headers := run, o.headers
		run = func() error { return s.withHeaders(ctx, headers, inner) }
	}
	return run()
}

func (s *Session) setPageLoadAttempts(_ context.Context, n int) error {
	return s.SetPageLoadAttempts(n)
}

func (s *Session) withHeaders(ctx context.Context, headers map[string]any, fn func() error) (err error) {
	saved := maps.Clone(s.headers)
	if err := s.SetDefaultHeaders(ctx, headers); err != nil {
		return err
	}
	defer func() {
		if rerr := s.pushHeaders(context.WithoutCancel(ctx), saved); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn()
}

// waitForPageLoad runs fn and waits until the document root is replaced
// and the new document is complete. The wait is bounded by timeout, not
// by fn: a slow fn extends the effective wait.
func (s *Session) waitForPageLoad(ctx context.Context, op string, timeout time.Duration, fn func(context.Context) error) error {
	before, err := s.rootElement(ctx)
	if err != nil {
		return err
	}
	if before == nil {
		return errors.New("<html> element cannot be found on the page")
	}

	deadline := time.Now().Add(timeout)
	if err := fn(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		root, err := s.rootElement(ctx)
		if err != nil {
			s.logger.Debug("Load poll failed.", zap.String("op", op), zap.Error(err))
			continue
		}
		if root == nil || root.ID() == before.ID() {
			continue
		}
		ready, err := s.ReadyState(ctx)
		if err != nil {
			s.logger.Debug("Load poll failed.", zap.String("op", op), zap.Error(err))
			continue
		}
		if ready {
			return nil
		}
	}
	return &NavigationTimeoutError{Op: op, Timeout: timeout}
}

// rootElement returns the document's <html> element without waiting.
func (s *Session) rootElement(ctx context.Context) (driver.Element, error) {
	none := time.Duration(0)
	els, err := s.XPath(ctx, "html", &none)
	if err != nil || len(els) == 0 {
		return nil, err
	}
	return els[0], nil
}

// XPath finds elements by an XPath expression. A non-nil timeout replaces
// the implicit wait for this lookup.
func (s *Session) XPath(ctx context.Context, expr string, timeout *time.Duration) ([]driver.Element, error) {
	if expr == "" {
		return nil, &ConfigError{Field: "xpath", Err: errors.New("must not be empty")}
	}
	var els []driver.Element
	find := func() error {
		var err error
		els, err = s.ch.FindElements(ctx, expr)
		return err
	}
	var err error
	if timeout == nil {
		err = find()
	} else {
		err = withOverride(ctx, s.XPathTimeout, s.SetXPathTimeout, *timeout, find)
	}
	if err != nil {
		return nil, err
	}
	return els, nil
}

// ReadyState reports whether the document finished loading.
func (s *Session) ReadyState(ctx context.Context) (bool, error) {
	var state string
	if err := s.pageJSON(ctx, "return document.readyState", &state); err != nil {
		return false, err
	}
	return state == "complete", nil
}

// CurrentURL returns the URL of the current window, or "" on a blank page.
func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	u, err := s.ch.CurrentURL(ctx)
	if err != nil {
		return "", err
	}
	if u == BlankURL {
		return "", nil
	}
	return u, nil
}

// BlankState reports whether the current window shows no document.
func (s *Session) BlankState(ctx context.Context) (bool, error) {
	u, err := s.CurrentURL(ctx)
	if err != nil {
		return false, err
	}
	return u == "", nil
}
