// internal/session/errors.go
package session

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoResponse is wrapped by NavigationError when a load finished without
// any recorded HTTP response.
var ErrNoResponse = errors.New("no response metadata")

// ConfigError reports invalid caller input. No remote call has been made.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid configuration: %v", e.Err)
	}
	return fmt.Sprintf("invalid configuration %q: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func configErrorf(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}

// DriverStartError reports a driver process that could not be started.
type DriverStartError struct {
	Err error
}

func (e *DriverStartError) Error() string {
	return fmt.Sprintf("unable to start the driver: %v", e.Err)
}

func (e *DriverStartError) Unwrap() error { return e.Err }

// SessionError reports a failed remote push. Op names the failed step.
type SessionError struct {
	Op  string
	Err error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session %s failed: %v", e.Op, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// ProxyConfigError reports a proxy specification that cannot be parsed.
type ProxyConfigError struct {
	Input string
	Err   error
}

func (e *ProxyConfigError) Error() string {
	if e.Input == "" {
		return fmt.Sprintf("invalid proxy: %v", e.Err)
	}
	return fmt.Sprintf("invalid proxy %q: %v", e.Input, e.Err)
}

func (e *ProxyConfigError) Unwrap() error { return e.Err }

// NavigationError reports a navigation that failed on every attempt or
// finished without usable response metadata.
type NavigationError struct {
	Op  string
	URL string
	Err error
}

func (e *NavigationError) Error() string {
	target := e.URL
	if target == "" {
		target = "the current page"
	}
	return fmt.Sprintf("%s %s failed: %v", e.Op, target, e.Err)
}

func (e *NavigationError) Unwrap() error { return e.Err }

// NavigationTimeoutError reports a load that did not complete within its
// budget. The browser may still be loading.
type NavigationTimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *NavigationTimeoutError) Error() string {
	return fmt.Sprintf("%s: page load timeout after %s", e.Op, e.Timeout)
}

// ElementStateError reports a click precondition that did not hold.
type ElementStateError struct {
	Tag    string
	Reason string
}

func (e *ElementStateError) Error() string {
	return fmt.Sprintf("unable to click on <%s> element: %s", e.Tag, e.Reason)
}
