// internal/session/session.go
package session

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/phantomctl/internal/driver"
	"github.com/xkilldash9x/phantomctl/internal/fingerprint"
)

const (
	localStorageDirName = "local_storage"
	logFileName         = "driver.log"
	pidFileName         = "driver.pid"

	// DefaultPollInterval is the load-boundary polling interval.
	DefaultPollInterval = 100 * time.Millisecond
)

// FingerprintSource generates navigator identities and screen geometries.
type FingerprintSource interface {
	Navigator(platforms, engines []string) (*fingerprint.Navigator, error)
	Screen(size *fingerprint.Size) fingerprint.Screen
}

// TimezoneResolver maps an IPv4 address to a UTC offset in minutes.
type TimezoneResolver interface {
	TimezoneOffset(ip string) (int, error)
}

// Deps are the collaborators of a session.
type Deps struct {
	Launcher driver.Launcher
	// Fingerprints defaults to fingerprint.Default().
	Fingerprints FingerprintSource
	// Timezones may be nil, in which case no timezone is ever resolved.
	Timezones TimezoneResolver
	Logger    *zap.Logger
}

// OpenParams describe a session to open.
type OpenParams struct {
	BinaryPath    string
	DriverProfile map[string]any
	// Options are option overrides merged over DefaultOptions.
	Options map[string]any
	// Navigator is nil for a generated identity.
	Navigator *fingerprint.Navigator
	// Proxy is a URL string, a map or nil.
	Proxy any

	SessionsDir   string
	Headless      bool
	Args          []string
	LaunchTimeout time.Duration
	// Platforms and Engines restrict generated navigators.
	Platforms []string
	Engines   []string
}

// Session is one isolated automation context: a working directory and the
// driver process bound to it. A Session is not safe for concurrent use.
type Session struct {
	id              string
	workingDir      string
	localStorageDir string
	logPath         string

	ch           driver.Channel
	pid          int
	fingerprints FingerprintSource
	timezones    TimezoneResolver
	logger       *zap.Logger
	platforms    []string
	engines      []string

	started bool
	closed  bool

	opts           Options
	navigator      *fingerprint.Navigator
	screen         fingerprint.Screen
	proxy          *Proxy
	timezoneOffset *int
	headers        map[string]string
	// nil until first pushed.
	cookiesEnabled     *bool
	stylesheetsEnabled *bool

	pageLoadTimeout  time.Duration
	pageLoadAttempts int
	xpathTimeout     time.Duration
	xpathPushed      bool

	history      []string
	pollInterval time.Duration
}

// Open creates the working directory, starts the driver and runs the full
// configuration. On failure nothing is left behind.
func Open(ctx context.Context, p OpenParams, deps Deps) (*Session, error) {
	if deps.Launcher == nil {
		return nil, &ConfigError{Field: "launcher", Err: errors.New("no driver launcher")}
	}
	if err := checkBinary(p.BinaryPath); err != nil {
		return nil, err
	}
	if p.SessionsDir == "" {
		return nil, &ConfigError{Field: "sessions_dir", Err: errors.New("must not be empty")}
	}
	// Reject bad input before anything is started.
	if _, err := MergeOptions(p.Options); err != nil {
		return nil, err
	}
	if p.Navigator != nil {
		if err := p.Navigator.Validate(); err != nil {
			return nil, &ConfigError{Field: "navigator", Err: err}
		}
	}
	if _, err := ParseProxy(p.Proxy); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	fingerprints := deps.Fingerprints
	if fingerprints == nil {
		fingerprints = fingerprint.Default()
	}

	id := uuid.New().String()
	s := &Session{
		id:               id,
		workingDir:       filepath.Join(p.SessionsDir, id),
		fingerprints:     fingerprints,
		timezones:        deps.Timezones,
		logger:           logger.Named("session").With(zap.String("session_id", id)),
		platforms:        p.Platforms,
		engines:          p.Engines,
		headers:          map[string]string{},
		pageLoadAttempts: 1,
		history:          []string{},
		pollInterval:     DefaultPollInterval,
	}
	s.localStorageDir = filepath.Join(s.workingDir, localStorageDirName)
	s.logPath = filepath.Join(s.workingDir, logFileName)

	if err := s.createWorkingDir(p.SessionsDir); err != nil {
		return nil, err
	}

	ch, pid, err := deps.Launcher.Launch(ctx, driver.LaunchSpec{
		BinaryPath:      p.BinaryPath,
		WorkingDir:      s.workingDir,
		LocalStorageDir: s.localStorageDir,
		LogPath:         s.logPath,
		Profile:         MergeDriverProfile(p.DriverProfile),
		Headless:        p.Headless,
		Args:            p.Args,
		Timeout:         p.LaunchTimeout,
	})
	if err != nil {
		s.removeWorkingDir()
		return nil, &DriverStartError{Err: err}
	}
	s.ch = ch
	s.pid = pid
	s.logger.Info("Driver started.", zap.Int("pid", pid), zap.String("working_dir", s.workingDir))

	if err := os.WriteFile(filepath.Join(s.workingDir, pidFileName), []byte(strconv.Itoa(pid)), 0o644); err != nil {
		s.abort(ctx)
		return nil, &SessionError{Op: "write_pid", Err: err}
	}

	if err := s.Reconfigure(ctx, p.Options, p.Navigator, p.Proxy); err != nil {
		s.abort(ctx)
		var se *SessionError
		if errors.As(err, &se) {
			return nil, err
		}
		return nil, &SessionError{Op: "configure", Err: err}
	}
	s.started = true
	return s, nil
}

func checkBinary(path string) error {
	if path == "" {
		return &ConfigError{Field: "binary_path", Err: errors.New("must not be empty")}
	}
	info, err := os.Stat(path)
	if err != nil {
		return &ConfigError{Field: "binary_path", Err: err}
	}
	if !info.Mode().IsRegular() {
		return &ConfigError{Field: "binary_path", Err: fmt.Errorf("%s is not a regular file", path)}
	}
	return nil
}

func (s *Session) createWorkingDir(root string) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return &SessionError{Op: "create_working_dir", Err: err}
	}
	// Mkdir fails on an existing directory, so no two sessions share one.
	if err := os.Mkdir(s.workingDir, 0o755); err != nil {
		return &SessionError{Op: "create_working_dir", Err: err}
	}
	if err := os.Mkdir(s.localStorageDir, 0o755); err != nil {
		s.removeWorkingDir()
		return &SessionError{Op: "create_working_dir", Err: err}
	}
	return nil
}

func (s *Session) removeWorkingDir() {
	if err := os.RemoveAll(s.workingDir); err != nil {
		s.logger.Warn("Failed to remove working directory.", zap.String("path", s.workingDir), zap.Error(err))
	}
}

// abort tears down a session that never finished opening.
func (s *Session) abort(ctx context.Context) {
	if err := s.ch.Quit(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn("Failed to quit the driver.", zap.Error(err))
	}
	s.removeWorkingDir()
}

// Close quits the driver and removes the working directory. The directory
// is removed even when the quit fails. Closing twice is a no-op.
func (s *Session) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.started = false

	quitErr := s.ch.Quit(ctx)
	s.removeWorkingDir()
	if quitErr != nil {
		s.logger.Warn("Driver quit failed.", zap.Error(quitErr))
		return &SessionError{Op: "quit", Err: quitErr}
	}
	s.logger.Info("Session closed.")
	return nil
}

// exec runs a driver script.
func (s *Session) exec(ctx context.Context, script string) (json.RawMessage, error) {
	if s.closed {
		return nil, driver.NewExecutionError("execute", errors.New("session is closed"))
	}
	return s.ch.ExecuteDriverScript(ctx, script)
}

// execJSON runs a driver script and decodes its result into out.
func (s *Session) execJSON(ctx context.Context, script string, out any) error {
	raw, err := s.exec(ctx, script)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return driver.NewExecutionError("execute", fmt.Errorf("failed to decode result: %w", err))
	}
	return nil
}

// pageJSON runs an in-page script and decodes its result into out.
func (s *Session) pageJSON(ctx context.Context, script string, out any) error {
	raw, err := s.ch.ExecutePageScript(ctx, script)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return driver.NewExecutionError("execute_script", fmt.Errorf("failed to decode result: %w", err))
	}
	return nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// WorkingDir returns the session's working directory.
func (s *Session) WorkingDir() string { return s.workingDir }

// LogPath returns the driver log path.
func (s *Session) LogPath() string { return s.logPath }

// PID returns the driver process id.
func (s *Session) PID() int { return s.pid }

// Started reports whether the session finished opening and is not closed.
func (s *Session) Started() bool { return s.started }

// Options returns a copy of the active options.
func (s *Session) Options() Options { return s.opts.Clone() }

// Navigator returns a copy of the active navigator.
func (s *Session) Navigator() *fingerprint.Navigator { return s.navigator.Clone() }

// Screen returns the active screen geometry.
func (s *Session) Screen() fingerprint.Screen { return s.screen }

// DefaultHeaders returns a copy of the active header overlay.
func (s *Session) DefaultHeaders() map[string]string { return maps.Clone(s.headers) }

// History returns a copy of the URLs resolved since the last reconfiguration.
func (s *Session) History() []string { return append([]string(nil), s.history...) }

// CookiesEnabled reports the pushed cookie flag.
func (s *Session) CookiesEnabled() bool { return s.cookiesEnabled == nil || *s.cookiesEnabled }

// StylesheetsEnabled reports the pushed stylesheet flag.
func (s *Session) StylesheetsEnabled() bool {
	return s.stylesheetsEnabled == nil || *s.stylesheetsEnabled
}

// PageLoadTimeout returns the navigation wait budget.
func (s *Session) PageLoadTimeout() time.Duration { return s.pageLoadTimeout }

// PageLoadAttempts returns the navigation attempt budget.
func (s *Session) PageLoadAttempts() int { return s.pageLoadAttempts }

// XPathTimeout returns the implicit element lookup wait.
func (s *Session) XPathTimeout() time.Duration { return s.xpathTimeout }
