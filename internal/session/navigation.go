// internal/session/navigation.go
package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/xkilldash9x/phantomctl/internal/driver"
)

// BlankURL is the empty page. Loading it never records metadata.
const BlankURL = driver.BlankURL

const blankPageTimeout = time.Second

// Request is the request half of a navigation's HTTP metadata.
type Request struct {
	// URL is the URL the navigation asked for.
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
}

// Response is the response half of a navigation's HTTP metadata.
type Response struct {
	// URL is the URL the browser ended up on.
	URL        string            `json:"url"`
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	// Redirect is set when URL differs from the requested URL, ignoring a
	// single trailing slash.
	Redirect bool `json:"redirect"`
}

// HTTPMeta is the request/response pair of the main document load.
type HTTPMeta struct {
	Request  Request  `json:"request"`
	Response Response `json:"response"`
}

type headerPair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type rawHTTPMeta struct {
	Request *struct {
		Method  string       `json:"method"`
		Headers []headerPair `json:"headers"`
	} `json:"request"`
	Response *struct {
		URL        string       `json:"url"`
		StatusCode int          `json:"status_code"`
		Headers    []headerPair `json:"headers"`
	} `json:"response"`
}

// loadAction runs one navigation attempt and returns the URL to resolve
// metadata for. An empty URL means there is nothing to resolve.
type loadAction func(ctx context.Context) (string, error)

// navigate runs action until it succeeds or the attempt budget is spent.
// Timeouts are never retried.
func (s *Session) navigate(ctx context.Context, op, target string, action loadAction) (string, error) {
	attempts := s.pageLoadAttempts
	attempt := 0
	var resolved string

	operation := func() error {
		attempt++
		u, err := action(ctx)
		if err == nil {
			resolved = u
			return nil
		}
		var timeout *NavigationTimeoutError
		if errors.As(err, &timeout) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		s.logger.Debug("Navigation attempt failed.",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(attempts-1)), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		var timeout *NavigationTimeoutError
		if errors.As(err, &timeout) {
			return "", timeout
		}
		return "", &NavigationError{Op: op, URL: target, Err: err}
	}
	return resolved, nil
}

// loadTimeout converts a driver-side load deadline into a
// NavigationTimeoutError. ctx is the caller's context.
func (s *Session) loadTimeout(ctx context.Context, op string, err error) error {
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return &NavigationTimeoutError{Op: op, Timeout: s.pageLoadTimeout}
	}
	return err
}

// Open loads url and returns the HTTP metadata of the main document.
func (s *Session) Open(ctx context.Context, url string, opts ...NavOption) (*HTTPMeta, error) {
	if url == "" {
		return nil, &ConfigError{Field: "url", Err: errors.New("must not be empty")}
	}
	var meta *HTTPMeta
	err := s.withNavOptions(ctx, opts, func() error {
		target, err := s.navigate(ctx, "open", url, func(ctx context.Context) (string, error) {
			if err := s.ch.Navigate(ctx, url); err != nil {
				return "", s.loadTimeout(ctx, "open", err)
			}
			return url, nil
		})
		if err != nil {
			return err
		}
		meta, err = s.resolveMetadata(ctx, "open", target)
		return err
	})
	return meta, err
}

// Back goes one step back in the window's history. Staying on the same URL
// counts as a failed attempt.
func (s *Session) Back(ctx context.Context, opts ...NavOption) (*HTTPMeta, error) {
	return s.historyStep(ctx, "back", s.ch.Back, opts)
}

// Forward goes one step forward in the window's history. Staying on the same
// URL counts as a failed attempt.
func (s *Session) Forward(ctx context.Context, opts ...NavOption) (*HTTPMeta, error) {
	return s.historyStep(ctx, "forward", s.ch.Forward, opts)
}

func (s *Session) historyStep(ctx context.Context, op string, step func(context.Context) error, opts []NavOption) (*HTTPMeta, error) {
	var meta *HTTPMeta
	err := s.withNavOptions(ctx, opts, func() error {
		target, err := s.navigate(ctx, op, "", func(ctx context.Context) (string, error) {
			before, err := s.ch.CurrentURL(ctx)
			if err != nil {
				return "", err
			}
			if err := step(ctx); err != nil {
				return "", s.loadTimeout(ctx, op, err)
			}
			after, err := s.ch.CurrentURL(ctx)
			if err != nil {
				return "", err
			}
			if after == before {
				return "", errors.New("the URL did not change")
			}
			return after, nil
		})
		if err != nil {
			return err
		}
		meta, err = s.resolveMetadata(ctx, op, target)
		return err
	})
	return meta, err
}

// Refresh reloads the current page.
func (s *Session) Refresh(ctx context.Context, opts ...NavOption) error {
	return s.withNavOptions(ctx, opts, func() error {
		_, err := s.navigate(ctx, "refresh", "", func(ctx context.Context) (string, error) {
			return "", s.loadTimeout(ctx, "refresh", s.ch.Refresh(ctx))
		})
		return err
	})
}

// OpenBlankPage loads the empty page. It is never recorded in the history.
func (s *Session) OpenBlankPage(ctx context.Context) error {
	err := withOverride(ctx, s.PageLoadTimeout, s.SetPageLoadTimeout, blankPageTimeout, func() error {
		if err := s.ch.Navigate(ctx, BlankURL); err != nil {
			return s.loadTimeout(ctx, "open_blank_page", err)
		}
		blank, err := s.BlankState(ctx)
		if err != nil {
			return err
		}
		if !blank {
			return errors.New("the page is not blank")
		}
		return nil
	})
	if err == nil {
		return nil
	}
	var timeout *NavigationTimeoutError
	if errors.As(err, &timeout) {
		return timeout
	}
	return &NavigationError{Op: "open_blank_page", URL: BlankURL, Err: err}
}

// resolveMetadata fetches the metadata of the load that just finished and
// records it in the history.
func (s *Session) resolveMetadata(ctx context.Context, op, requestURL string) (*HTTPMeta, error) {
	if requestURL == "" || requestURL == BlankURL {
		return nil, nil
	}
	var raw rawHTTPMeta
	if err := s.execJSON(ctx, "return page.httpMeta", &raw); err != nil {
		return nil, &NavigationError{Op: op, URL: requestURL, Err: err}
	}
	if raw.Response == nil {
		return nil, &NavigationError{Op: op, URL: requestURL, Err: ErrNoResponse}
	}

	meta := &HTTPMeta{
		Request: Request{URL: requestURL},
		Response: Response{
			URL:        raw.Response.URL,
			StatusCode: raw.Response.StatusCode,
			Headers:    headerMap(raw.Response.Headers),
			Redirect:   !sameURL(raw.Response.URL, requestURL),
		},
	}
	if raw.Request != nil {
		meta.Request.Method = raw.Request.Method
		meta.Request.Headers = headerMap(raw.Request.Headers)
	}
	s.history = append(s.history, meta.Response.URL)
	s.logger.Debug("Page loaded.",
		zap.String("op", op),
		zap.String("url", meta.Response.URL),
		zap.Int("status", meta.Response.StatusCode),
		zap.Bool("redirect", meta.Response.Redirect),
	)
	return meta, nil
}

func headerMap(pairs []headerPair) map[string]string {
	m := make(map[string]string, len(pairs))
	for _, h := range pairs {
		m[h.Name] = h.Value
	}
	return m
}

// sameURL compares two URLs ignoring one trailing slash on each.
func sameURL(a, b string) bool {
	return strings.TrimSuffix(a, "/") == strings.TrimSuffix(b, "/")
}
