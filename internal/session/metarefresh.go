// internal/session/metarefresh.go
package session

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const metaRefreshXPath = `//meta[@http-equiv="refresh" and @content]`

// maxMetaRefreshDelay caps the directive's delay.
const maxMetaRefreshDelay = 24 * time.Hour

var metaRefreshPattern = regexp.MustCompile(`(?i)^\s*(\d+)\s*;?\s*(?:url\s*=\s*(.+))?`)

// WaitForMetaRefresh follows a <meta http-equiv="refresh"> directive of the
// current document. It waits up to timeout plus the directive's delay for
// the refresh to load, and returns its metadata. A zero timeout means the
// page load timeout. Without a directive it returns nil metadata and does
// not wait.
func (s *Session) WaitForMetaRefresh(ctx context.Context, timeout time.Duration) (*HTTPMeta, error) {
	if timeout < 0 {
		return nil, configErrorf("timeout", "must be > 0, got %s", timeout)
	}
	if timeout == 0 {
		timeout = s.pageLoadTimeout
	}

	delay, ref, ok, err := s.metaRefresh(ctx)
	if err != nil {
		return nil, &NavigationError{Op: "wait_for_meta_refresh", Err: err}
	}
	if !ok {
		return nil, nil
	}

	current, err := s.ch.CurrentURL(ctx)
	if err != nil {
		return nil, &NavigationError{Op: "wait_for_meta_refresh", Err: err}
	}
	target := current
	if ref != "" {
		if target, err = resolveURL(current, ref); err != nil {
			return nil, &NavigationError{Op: "wait_for_meta_refresh", URL: ref, Err: err}
		}
	}

	err = s.waitForPageLoad(ctx, "wait_for_meta_refresh", timeout+delay, func(context.Context) error { return nil })
	if err != nil {
		var te *NavigationTimeoutError
		if errors.As(err, &te) {
			return nil, te
		}
		return nil, &NavigationError{Op: "wait_for_meta_refresh", URL: target, Err: err}
	}
	return s.resolveMetadata(ctx, "wait_for_meta_refresh", target)
}

// metaRefresh reads the refresh directive of the current document.
func (s *Session) metaRefresh(ctx context.Context) (time.Duration, string, bool, error) {
	none := time.Duration(0)
	els, err := s.XPath(ctx, metaRefreshXPath, &none)
	if err != nil || len(els) == 0 {
		return 0, "", false, err
	}
	content, _, err := els[0].Attribute(ctx, "content")
	if err != nil {
		return 0, "", false, err
	}
	m := metaRefreshPattern.FindStringSubmatch(content)
	if m == nil {
		return 0, "", false, nil
	}
	delay := maxMetaRefreshDelay
	// Digits too long for an int are clamped like any other large delay.
	if secs, err := strconv.ParseInt(m[1], 10, 64); err == nil && secs < int64(maxMetaRefreshDelay/time.Second) {
		delay = time.Duration(secs) * time.Second
	}
	ref := strings.Trim(strings.TrimSpace(m[2]), `'"`)
	return delay, ref, true, nil
}
