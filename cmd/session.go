// cmd/session.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/phantomctl/internal/config"
	"github.com/xkilldash9x/phantomctl/internal/driver"
	"github.com/xkilldash9x/phantomctl/internal/fingerprint"
	"github.com/xkilldash9x/phantomctl/internal/geoip"
	"github.com/xkilldash9x/phantomctl/internal/session"
)

// Replaced in tests.
var (
	newLauncher     = func(logger *zap.Logger) driver.Launcher { return driver.NewCDPLauncher(logger) }
	newFingerprints = func() session.FingerprintSource { return fingerprint.Default() }
)

// sessionFactory opens sessions from the loaded configuration. One factory
// serves any number of sessions.
type sessionFactory struct {
	cfg    *config.Config
	deps   session.Deps
	geo    *geoip.Resolver
	logger *zap.Logger
}

func newSessionFactory(cfg *config.Config, logger *zap.Logger) (*sessionFactory, error) {
	f := &sessionFactory{
		cfg:    cfg,
		logger: logger,
		deps: session.Deps{
			Launcher:     newLauncher(logger),
			Fingerprints: newFingerprints(),
			Logger:       logger,
		},
	}
	if cfg.GeoIP.Enabled {
		geo, err := geoip.Open(cfg.GeoIP.DatabasePath, logger)
		if err != nil {
			return nil, err
		}
		f.geo = geo
		f.deps.Timezones = geo
	}
	return f, nil
}

// Open starts a session. A nil navigator gets a generated identity.
func (f *sessionFactory) Open(ctx context.Context, nav *fingerprint.Navigator) (*session.Session, error) {
	return session.Open(ctx, f.params(nav), f.deps)
}

func (f *sessionFactory) params(nav *fingerprint.Navigator) session.OpenParams {
	p := session.OpenParams{
		BinaryPath:    f.cfg.Driver.BinaryPath,
		DriverProfile: f.cfg.Driver.Profile,
		Options:       f.cfg.Session.Options,
		Navigator:     nav,
		SessionsDir:   f.cfg.Driver.SessionsDir,
		Headless:      f.cfg.Driver.Headless,
		Args:          f.cfg.Driver.Args,
		LaunchTimeout: f.cfg.Driver.LaunchTimeout,
	}
	if f.cfg.Proxy.URL != "" {
		p.Proxy = f.cfg.Proxy.URL
	}
	if platform := strings.ToLower(f.cfg.Fingerprint.Platform); platform != "" {
		p.Platforms = []string{platform}
	}
	if engine := strings.ToLower(f.cfg.Fingerprint.Engine); engine != "" {
		p.Engines = []string{engine}
	}
	return p
}

// Close releases the GeoIP database.
func (f *sessionFactory) Close() error {
	if f.geo == nil {
		return nil
	}
	return f.geo.Close()
}

// closeSession closes s on a context that outlives the command's.
func closeSession(ctx context.Context, s *session.Session, logger *zap.Logger) {
	if err := s.Close(context.WithoutCancel(ctx)); err != nil {
		logger.Warn("Failed to close session.", zap.String("session_id", s.ID()), zap.Error(err))
	}
}

// loadNavigator reads a navigator from a JSON file of navigator properties.
func loadNavigator(path string) (*fingerprint.Navigator, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read navigator file: %w", err)
	}
	var props map[string]any
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, fmt.Errorf("failed to parse navigator file %s: %w", path, err)
	}
	return fingerprint.NavigatorFromMap(props)
}

// writeJSON pretty-prints v.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
