// internal/session/headers.go
package session

import (
	"context"
	"fmt"
	"maps"
	"net/http"

	json "github.com/json-iterator/go"
)

const userAgentHeader = "User-Agent"

// baseHeaders sit under the default_headers option.
var baseHeaders = map[string]string{
	"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
	"Accept-Language": "en-US,en;q=0.5",
}

// SetDefaultHeaders rebuilds the header overlay: the base headers, the
// default_headers option, the navigator's User-Agent and finally headers.
// A false or nil value removes that header.
func (s *Session) SetDefaultHeaders(ctx context.Context, headers map[string]any) error {
	return s.UpdateHeaders(ctx, s.derivedHeaders(headers))
}

// SetHeader sets one header. A false or nil value removes it.
func (s *Session) SetHeader(ctx context.Context, name string, value any) error {
	if name == "" {
		return &ConfigError{Field: "header", Err: fmt.Errorf("header name must not be empty")}
	}
	return s.UpdateHeaders(ctx, map[string]any{name: value})
}

// UpdateHeaders merges changes into the current overlay and pushes the
// result in one call. The overlay is only replaced once the push succeeded.
// Header names are canonicalized, so "user-agent" replaces "User-Agent".
func (s *Session) UpdateHeaders(ctx context.Context, changes map[string]any) error {
	if len(changes) == 0 {
		return nil
	}
	next := maps.Clone(s.headers)
	if next == nil {
		next = map[string]string{}
	}
	for name, value := range changes {
		if name == "" {
			return &ConfigError{Field: "header", Err: fmt.Errorf("header name must not be empty")}
		}
		name = http.CanonicalHeaderKey(name)
		switch v := value.(type) {
		case nil:
			delete(next, name)
		case bool:
			if !v {
				delete(next, name)
			} else {
				next[name] = "true"
			}
		case string:
			next[name] = v
		default:
			next[name] = fmt.Sprint(v)
		}
	}
	return s.pushHeaders(ctx, next)
}

// pushHeaders replaces the remote overlay with exactly headers.
func (s *Session) pushHeaders(ctx context.Context, headers map[string]string) error {
	payload, err := json.Marshal(headers)
	if err != nil {
		return &SessionError{Op: "set_headers", Err: err}
	}
	if _, err := s.exec(ctx, "page.customHeaders = "+string(payload)); err != nil {
		return &SessionError{Op: "set_headers", Err: err}
	}
	s.headers = headers
	return nil
}

// derivedHeaders computes the change set that turns the current overlay
// into the derived one plus overrides.
func (s *Session) derivedHeaders(overrides map[string]any) map[string]any {
	changes := make(map[string]any, len(s.headers)+len(baseHeaders)+len(overrides)+1)
	for name := range s.headers {
		changes[name] = nil
	}
	for name, value := range baseHeaders {
		changes[name] = value
	}
	for name, value := range s.opts.DefaultHeaders {
		changes[http.CanonicalHeaderKey(name)] = value
	}
	if s.navigator != nil {
		changes[userAgentHeader] = s.navigator.UserAgent
	}
	for name, value := range overrides {
		changes[http.CanonicalHeaderKey(name)] = value
	}
	return changes
}
