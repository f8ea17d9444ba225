// internal/session/window.go
package session

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Windows returns the handles of all open windows, the main window first.
func (s *Session) Windows(ctx context.Context) ([]string, error) {
	handles, err := s.ch.WindowHandles(ctx)
	if err != nil {
		return nil, &SessionError{Op: "windows", Err: err}
	}
	return handles, nil
}

// CurrentWindow returns the handle of the selected window.
func (s *Session) CurrentWindow(ctx context.Context) (string, error) {
	handle, err := s.ch.CurrentWindowHandle(ctx)
	if err != nil {
		return "", &SessionError{Op: "current_window", Err: err}
	}
	return handle, nil
}

// SwitchToWindow selects the window with handle. An empty handle selects
// the main window.
func (s *Session) SwitchToWindow(ctx context.Context, handle string) error {
	if handle == "" {
		handles, err := s.Windows(ctx)
		if err != nil {
			return err
		}
		if len(handles) == 0 {
			return &SessionError{Op: "switch_to_window", Err: errors.New("no open window")}
		}
		handle = handles[0]
	}
	if err := s.ch.SwitchToWindow(ctx, handle); err != nil {
		return &SessionError{Op: "switch_to_window", Err: err}
	}
	return nil
}

// ClosePopups closes every window but the main one and selects it.
func (s *Session) ClosePopups(ctx context.Context) error {
	handles, err := s.Windows(ctx)
	if err != nil {
		return err
	}
	if len(handles) < 2 {
		return nil
	}
	for _, handle := range handles[1:] {
		if err := s.ch.SwitchToWindow(ctx, handle); err != nil {
			// The popup may have closed itself in the meantime.
			s.logger.Debug("Skipping popup.", zap.String("handle", handle), zap.Error(err))
			continue
		}
		if err := s.ch.CloseWindow(ctx); err != nil {
			return &SessionError{Op: "close_popups", Err: err}
		}
	}
	return s.SwitchToWindow(ctx, handles[0])
}
