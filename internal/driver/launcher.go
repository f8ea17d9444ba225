// internal/driver/launcher.go
package driver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// CDPLauncher starts Chromium processes driven over the DevTools protocol.
type CDPLauncher struct {
	logger *zap.Logger
}

var _ Launcher = (*CDPLauncher)(nil)

// NewCDPLauncher returns a launcher logging through logger.
func NewCDPLauncher(logger *zap.Logger) *CDPLauncher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CDPLauncher{logger: logger.Named("launcher")}
}

// Launch starts a browser for spec and waits until its first tab is
// attached or spec.Timeout elapses.
func (l *CDPLauncher) Launch(ctx context.Context, spec LaunchSpec) (Channel, int, error) {
	if spec.BinaryPath == "" {
		return nil, 0, errors.New("browser binary path is required")
	}

	logFile, err := openDriverLog(spec.LogPath)
	if err != nil {
		return nil, 0, err
	}

	relay, err := NewRelay(l.logger)
	if err != nil {
		closeQuietly(logFile)
		return nil, 0, err
	}

	var (
		cmdMu sync.Mutex
		cmd   *exec.Cmd
	)
	opts := l.allocatorOptions(spec, relay)
	opts = append(opts, chromedp.ModifyCmdFunc(func(c *exec.Cmd) {
		cmdMu.Lock()
		cmd = c
		cmdMu.Unlock()
	}))
	if logFile != nil {
		opts = append(opts, chromedp.CombinedOutput(logFile))
	}

	// The allocator outlives the launch request; Quit tears it down.
	allocCtx, allocCancel := chromedp.NewExecAllocator(Detach(ctx), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(l.logger.Sugar().Debugf),
		chromedp.WithErrorf(l.logger.Sugar().Errorf),
	)

	fail := func(err error) (Channel, int, error) {
		browserCancel()
		allocCancel()
		relay.Close()
		closeQuietly(logFile)
		return nil, 0, err
	}

	// The first Run starts the browser and binds it to browserCtx, so the
	// launch timeout cannot be a context deadline.
	started := make(chan error, 1)
	go func() { started <- chromedp.Run(browserCtx, network.Enable()) }()

	var timeout <-chan time.Time
	if spec.Timeout > 0 {
		timer := time.NewTimer(spec.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case err := <-started:
		if err != nil {
			return fail(fmt.Errorf("failed to start browser: %w", err))
		}
	case <-timeout:
		return fail(fmt.Errorf("browser did not start within %s", spec.Timeout))
	case <-ctx.Done():
		return fail(ctx.Err())
	}

	cdpCtx := chromedp.FromContext(browserCtx)
	if cdpCtx == nil || cdpCtx.Target == nil {
		return fail(errors.New("browser started without a page target"))
	}
	id := target.ID(cdpCtx.Target.TargetID)

	ch := &cdpChannel{
		logger:        l.logger.Named("cdp").With(zap.String("target", string(id))),
		relay:         relay,
		meta:          newMetaRecorder(cdp.FrameID(id)),
		logFile:       logFile,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		tabs:          map[target.ID]*tab{},
	}
	first := &tab{ctx: browserCtx, cancel: browserCancel, id: id, first: true}
	ch.current = first
	ch.tabs[id] = first
	chromedp.ListenTarget(browserCtx, ch.meta.handle)

	host, err := newScriptHost(ch, l.logger)
	if err != nil {
		return fail(err)
	}
	ch.host = host

	cmdMu.Lock()
	pid := 0
	if cmd != nil && cmd.Process != nil {
		pid = cmd.Process.Pid
	}
	cmdMu.Unlock()

	l.logger.Info("Browser started.", zap.Int("pid", pid), zap.String("proxy_relay", relay.Addr()))
	return ch, pid, nil
}

func (l *CDPLauncher) allocatorOptions(spec LaunchSpec, relay *Relay) []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.ExecPath(spec.BinaryPath),
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.DisableGPU,
		chromedp.Flag("enable-automation", true),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("disable-sync", true),
		chromedp.ProxyServer(relay.URL()),
		// Loopback traffic goes through the relay too.
		chromedp.Flag("proxy-bypass-list", "<-loopback>"),
	}
	if spec.Headless {
		opts = append(opts, chromedp.Headless)
	}
	if spec.WorkingDir != "" {
		opts = append(opts, chromedp.UserDataDir(filepath.Join(spec.WorkingDir, "profile")))
	}
	if spec.LocalStorageDir != "" {
		opts = append(opts, chromedp.Flag("disk-cache-dir", spec.LocalStorageDir))
	}

	opts = append(opts, l.profileFlags(spec.Profile)...)

	for _, arg := range spec.Args {
		key, value, found := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if found {
			opts = append(opts, chromedp.Flag(key, value))
		} else {
			opts = append(opts, chromedp.Flag(key, true))
		}
	}
	return opts
}

// profileFlags maps driver profile options onto browser switches.
func (l *CDPLauncher) profileFlags(profile map[string]any) []chromedp.ExecAllocatorOption {
	var opts []chromedp.ExecAllocatorOption
	if enabled(profile, "ignore_ssl_errors") {
		opts = append(opts, chromedp.IgnoreCertErrors)
	}
	if v, ok := profile["web_security"].(bool); ok && !v {
		opts = append(opts, chromedp.Flag("disable-web-security", true))
	}
	if enabled(profile, "local_to_remote_url_access") {
		opts = append(opts, chromedp.Flag("allow-file-access-from-files", true))
	}
	if p, ok := profile["ssl_protocol"].(string); ok && p != "" && p != "any" {
		l.logger.Warn("Pinning the TLS protocol is not supported, using browser defaults.", zap.String("ssl_protocol", p))
	}
	return opts
}

func enabled(profile map[string]any, key string) bool {
	v, ok := profile[key].(bool)
	return ok && v
}

func openDriverLog(path string) (*os.File, error) {
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create driver log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open driver log: %w", err)
	}
	return f, nil
}

func closeQuietly(f *os.File) {
	if f != nil {
		_ = f.Close()
	}
}
