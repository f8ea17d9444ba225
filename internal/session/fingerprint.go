// internal/session/fingerprint.go
package session

import (
	"context"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/phantomctl/internal/driver"
	"github.com/xkilldash9x/phantomctl/internal/fingerprint"
)

// SetFingerprint pushes a new navigator identity and re-derives the
// User-Agent header from it. A nil nav generates one.
func (s *Session) SetFingerprint(ctx context.Context, nav *fingerprint.Navigator) error {
	navigator, err := s.resolveNavigator(nav)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(navigator.Properties())
	if err != nil {
		return &SessionError{Op: "set_navigator", Err: err}
	}
	if _, err := s.exec(ctx, "page.setNavigator("+string(payload)+")"); err != nil {
		return &SessionError{Op: "set_navigator", Err: err}
	}
	s.navigator = navigator
	s.logger.Debug("Navigator changed.", zap.String("user_agent", navigator.UserAgent))
	return s.SetHeader(ctx, userAgentHeader, navigator.UserAgent)
}

// SetScreen derives a new screen geometry for a width x height screen and
// pushes it along with the matching viewport. Dimensions are floored at
// fingerprint.MinScreenDimension.
func (s *Session) SetScreen(ctx context.Context, width, height int) error {
	if width <= 0 || height <= 0 {
		return configErrorf("screen_size", "dimensions must be positive, got %dx%d", width, height)
	}
	screen := s.fingerprints.Screen(&fingerprint.Size{Width: width, Height: height})
	if err := s.pushViewport(ctx, screen.Viewport()); err != nil {
		return err
	}
	payload, err := json.Marshal(screen)
	if err != nil {
		return &SessionError{Op: "set_screen", Err: err}
	}
	if _, err := s.exec(ctx, "page.setScreen("+string(payload)+")"); err != nil {
		return &SessionError{Op: "set_screen", Err: err}
	}
	s.screen = screen
	return nil
}

func (s *Session) pushViewport(ctx context.Context, size fingerprint.Size) error {
	payload, err := json.Marshal(driver.Viewport{Width: size.Width, Height: size.Height})
	if err != nil {
		return &SessionError{Op: "set_viewport", Err: err}
	}
	if _, err := s.exec(ctx, "page.viewportSize = "+string(payload)); err != nil {
		return &SessionError{Op: "set_viewport", Err: err}
	}
	return nil
}

// ViewSize returns the viewport size of the active screen.
func (s *Session) ViewSize() fingerprint.Size {
	return s.screen.Viewport()
}
