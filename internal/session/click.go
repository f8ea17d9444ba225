// internal/session/click.go
package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/xkilldash9x/phantomctl/internal/driver"
)

// ClickOptions tune Click.
type ClickOptions struct {
	// Timeout replaces the page load timeout for this click.
	Timeout time.Duration
	// NoWait returns right after the click instead of waiting for a load.
	NoWait bool
	// Wait forces a load wait when no target can be predicted.
	Wait bool
	// IgnoreVisibility skips the in-viewport check.
	IgnoreVisibility bool
	// IgnoreEnabled skips the enabled check.
	IgnoreEnabled bool
}

// Click clicks el and waits for the page it leads to. Anchors and submit
// buttons predict their target, and a predicted target gets its HTTP
// metadata resolved once loaded. Other elements return nil metadata and
// only wait for a load when opts.Wait is set.
//
// A failed visibility or enabled check returns an *ElementStateError and
// nothing is clicked.
func (s *Session) Click(ctx context.Context, el driver.Element, opts ClickOptions) (*HTTPMeta, error) {
	if el == nil {
		return nil, &ConfigError{Field: "element", Err: errors.New("no element to click")}
	}
	if opts.Timeout < 0 {
		return nil, configErrorf("timeout", "must be >= 0, got %s", opts.Timeout)
	}

	tag, err := el.TagName(ctx)
	if err != nil {
		return nil, &NavigationError{Op: "click", Err: err}
	}
	target, err := s.predictTarget(ctx, el, tag)
	if err != nil {
		return nil, &NavigationError{Op: "click", Err: err}
	}

	if !opts.IgnoreVisibility {
		visible, err := s.ElementVisible(ctx, el)
		if err != nil {
			return nil, &NavigationError{Op: "click", URL: target, Err: err}
		}
		if !visible {
			return nil, &ElementStateError{Tag: tag, Reason: "element is not visible to user"}
		}
	}
	if !opts.IgnoreEnabled {
		enabled, err := el.Enabled(ctx)
		if err != nil {
			return nil, &NavigationError{Op: "click", URL: target, Err: err}
		}
		if !enabled {
			return nil, &ElementStateError{Tag: tag, Reason: "element is not enabled"}
		}
	}

	wait := !opts.NoWait && (target != "" || opts.Wait)
	click := func(ctx context.Context) error { return s.ch.Click(ctx, el) }
	run := func() error {
		if !wait {
			return click(ctx)
		}
		return s.waitForPageLoad(ctx, "click", s.pageLoadTimeout, click)
	}
	if opts.Timeout > 0 {
		err = withOverride(ctx, s.PageLoadTimeout, s.SetPageLoadTimeout, opts.Timeout, run)
	} else {
		err = run()
	}
	if err != nil {
		var timeout *NavigationTimeoutError
		if errors.As(err, &timeout) {
			return nil, timeout
		}
		return nil, &NavigationError{Op: "click", URL: target, Err: fmt.Errorf("<%s> element: %w", tag, err)}
	}

	// Without a load there is nothing new to resolve.
	if !wait {
		return nil, nil
	}
	return s.resolveMetadata(ctx, "click", target)
}

// predictTarget returns the URL a click on el navigates to, or "" when it
// cannot be told in advance.
func (s *Session) predictTarget(ctx context.Context, el driver.Element, tag string) (string, error) {
	var ref string
	if strings.EqualFold(tag, "a") {
		href, _, err := el.Attribute(ctx, "href")
		if err != nil {
			return "", err
		}
		ref = href
	} else {
		typ, _, err := el.Attribute(ctx, "type")
		if err != nil {
			return "", err
		}
		if !strings.EqualFold(typ, "submit") {
			return "", nil
		}
		forms, err := el.FindElements(ctx, "ancestor::form[@action]")
		if err != nil {
			return "", err
		}
		if len(forms) == 0 {
			return "", nil
		}
		// Ancestors come in document order, the owning form is the last one.
		action, _, err := forms[len(forms)-1].Attribute(ctx, "action")
		if err != nil {
			return "", err
		}
		ref = action
	}
	if ref == "" {
		return "", nil
	}
	current, err := s.ch.CurrentURL(ctx)
	if err != nil {
		return "", err
	}
	return resolveURL(current, ref)
}

// resolveURL resolves ref against base.
func resolveURL(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid base URL %q: %w", base, err)
	}
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", ref, err)
	}
	return b.ResolveReference(r).String(), nil
}

// ElementVisible reports whether el is displayed and intersects the
// viewport at the current scroll position.
func (s *Session) ElementVisible(ctx context.Context, el driver.Element) (bool, error) {
	shown, err := el.Displayed(ctx)
	if err != nil || !shown {
		return false, err
	}
	r, err := el.Rect(ctx)
	if err != nil {
		return false, err
	}
	x, y, err := s.PageOffset(ctx)
	if err != nil {
		return false, err
	}
	view := s.ViewSize()
	return r.X+r.Width > x &&
		r.Y+r.Height > y &&
		r.X < x+float64(view.Width) &&
		r.Y < y+float64(view.Height), nil
}

// PositionInViewport reports whether the page point (x, y) is inside the
// viewport at the current scroll position.
func (s *Session) PositionInViewport(ctx context.Context, x, y float64) (bool, error) {
	offX, offY, err := s.PageOffset(ctx)
	if err != nil {
		return false, err
	}
	view := s.ViewSize()
	return x >= offX && y >= offY &&
		x < offX+float64(view.Width) &&
		y < offY+float64(view.Height), nil
}

// PageOffset returns the document scroll position.
func (s *Session) PageOffset(ctx context.Context) (float64, float64, error) {
	var offset [2]float64
	if err := s.pageJSON(ctx, "return [window.pageXOffset, window.pageYOffset]", &offset); err != nil {
		return 0, 0, err
	}
	return offset[0], offset[1], nil
}

// ScrollSize returns the scrollable size of the document body.
func (s *Session) ScrollSize(ctx context.Context) (int, int, error) {
	var size [2]int
	if err := s.pageJSON(ctx, "return [document.body.scrollWidth, document.body.scrollHeight]", &size); err != nil {
		return 0, 0, err
	}
	return size[0], size[1], nil
}
