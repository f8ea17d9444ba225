package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/phantomctl/internal/driver"
	"github.com/xkilldash9x/phantomctl/internal/fingerprint"
)

// fakeChannel is a scripted driver.Channel. Navigations replace the
// document root and record HTTP metadata the way a browser would.
type fakeChannel struct {
	mu sync.Mutex

	scripts     []string
	pageScripts []string
	// failScript fails driver scripts containing the key.
	failScript map[string]error

	pageLoadTimeouts []time.Duration
	implicitWaits    []time.Duration

	url        string
	generation int
	readyState string
	// redirects maps a requested URL to the URL the browser ends up on.
	redirects map[string]string
	// noResponse makes navigations record a request without a response.
	noResponse bool
	httpMeta   map[string]any

	history    []string
	historyPos int

	// navErrs are returned by successive navigation commands.
	navErrs  []error
	navCalls int

	elements map[string][]driver.Element
	clicks   []driver.Element
	// clickNavigates is the URL a click loads, if any.
	clickNavigates string
	pageOffset     [2]float64

	handles  []string
	current  string
	closed   []string
	quitErr  error
	quits    int
	switches []string
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		url:        driver.BlankURL,
		readyState: "complete",
		failScript: map[string]error{},
		redirects:  map[string]string{},
		elements:   map[string][]driver.Element{},
		handles:    []string{"main"},
		current:    "main",
		history:    []string{driver.BlankURL},
	}
}

func (f *fakeChannel) ExecuteDriverScript(_ context.Context, script string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts = append(f.scripts, script)
	for key, err := range f.failScript {
		if strings.Contains(script, key) {
			return nil, &driver.DriverExecutionError{Op: "execute", Message: err.Error(), Stack: "fake stack"}
		}
	}
	if script == "return page.httpMeta" {
		return json.Marshal(f.httpMeta)
	}
	return json.RawMessage("null"), nil
}

func (f *fakeChannel) ExecutePageScript(_ context.Context, script string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pageScripts = append(f.pageScripts, script)
	switch {
	case strings.Contains(script, "readyState"):
		return json.Marshal(f.readyState)
	case strings.Contains(script, "pageXOffset"):
		return json.Marshal(f.pageOffset)
	case strings.Contains(script, "scrollWidth"):
		return json.Marshal([2]int{1200, 3000})
	}
	return json.RawMessage("null"), nil
}

func (f *fakeChannel) SetPageLoadTimeout(_ context.Context, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pageLoadTimeouts = append(f.pageLoadTimeouts, d)
	return nil
}

func (f *fakeChannel) SetImplicitWait(_ context.Context, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.implicitWaits = append(f.implicitWaits, d)
	return nil
}

func (f *fakeChannel) CurrentURL(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.url, nil
}

// nextNavErr pops the next scripted navigation failure. Callers hold mu.
func (f *fakeChannel) nextNavErr() error {
	f.navCalls++
	if len(f.navErrs) == 0 {
		return nil
	}
	err := f.navErrs[0]
	f.navErrs = f.navErrs[1:]
	return err
}

// load replaces the document. Callers hold mu.
func (f *fakeChannel) load(requested string) {
	final := requested
	if r, ok := f.redirects[requested]; ok {
		final = r
	}
	f.url = final
	f.generation++
	if requested == driver.BlankURL {
		return
	}
	meta := map[string]any{
		"request": map[string]any{
			"url":    final,
			"method": "GET",
			"headers": []any{
				map[string]any{"name": "Accept", "value": "text/html"},
			},
		},
		"response": nil,
	}
	if !f.noResponse {
		meta["response"] = map[string]any{
			"url":         final,
			"status_code": 200,
			"headers": []any{
				map[string]any{"name": "Content-Type", "value": "text/html"},
			},
		}
	}
	f.httpMeta = meta
}

func (f *fakeChannel) Navigate(_ context.Context, u string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.nextNavErr(); err != nil {
		return err
	}
	f.load(u)
	f.history = append(f.history[:f.historyPos+1], u)
	f.historyPos = len(f.history) - 1
	return nil
}

func (f *fakeChannel) step(dir int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.nextNavErr(); err != nil {
		return err
	}
	next := f.historyPos + dir
	if next < 0 || next >= len(f.history) {
		return nil
	}
	f.historyPos = next
	f.load(f.history[next])
	return nil
}

func (f *fakeChannel) Back(context.Context) error    { return f.step(-1) }
func (f *fakeChannel) Forward(context.Context) error { return f.step(1) }

func (f *fakeChannel) Refresh(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.nextNavErr(); err != nil {
		return err
	}
	f.generation++
	return nil
}

func (f *fakeChannel) FindElements(_ context.Context, xpath string) ([]driver.Element, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if xpath == "html" {
		return []driver.Element{&fakeElement{id: fmt.Sprintf("root-%d", f.generation), tag: "html"}}, nil
	}
	return f.elements[xpath], nil
}

func (f *fakeChannel) Click(_ context.Context, el driver.Element) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clicks = append(f.clicks, el)
	if f.clickNavigates != "" {
		f.load(f.clickNavigates)
	}
	return nil
}

func (f *fakeChannel) WindowHandles(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.handles...), nil
}

func (f *fakeChannel) CurrentWindowHandle(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, nil
}

func (f *fakeChannel) SwitchToWindow(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.switches = append(f.switches, handle)
	for _, h := range f.handles {
		if h == handle {
			f.current = handle
			return nil
		}
	}
	return driver.NewExecutionError("switch_to_window", errors.New("no such window"))
}

func (f *fakeChannel) CloseWindow(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, f.current)
	kept := f.handles[:0]
	for _, h := range f.handles {
		if h != f.current {
			kept = append(kept, h)
		}
	}
	f.handles = kept
	return nil
}

func (f *fakeChannel) Quit(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quits++
	return f.quitErr
}

// scriptCount returns the number of driver scripts run so far.
func (f *fakeChannel) scriptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.scripts)
}

// lastScript returns the last driver script starting with prefix.
func (f *fakeChannel) lastScript(prefix string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.scripts) - 1; i >= 0; i-- {
		if strings.HasPrefix(f.scripts[i], prefix) {
			return f.scripts[i]
		}
	}
	return ""
}

// scriptsSince returns the driver scripts run after the n-th one.
func (f *fakeChannel) scriptsSince(n int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.scripts[n:]...)
}

type fakeElement struct {
	id        string
	tag       string
	attrs     map[string]string
	hidden    bool
	disabled  bool
	rect      driver.Rect
	ancestors map[string][]driver.Element
}

func (e *fakeElement) ID() string                                { return e.id }
func (e *fakeElement) TagName(context.Context) (string, error)   { return e.tag, nil }
func (e *fakeElement) Displayed(context.Context) (bool, error)   { return !e.hidden, nil }
func (e *fakeElement) Enabled(context.Context) (bool, error)     { return !e.disabled, nil }
func (e *fakeElement) Rect(context.Context) (driver.Rect, error) { return e.rect, nil }

func (e *fakeElement) Attribute(_ context.Context, name string) (string, bool, error) {
	v, ok := e.attrs[name]
	return v, ok, nil
}

func (e *fakeElement) FindElements(_ context.Context, xpath string) ([]driver.Element, error) {
	return e.ancestors[xpath], nil
}

type fakeLauncher struct {
	ch    *fakeChannel
	err   error
	specs []driver.LaunchSpec
}

func (l *fakeLauncher) Launch(_ context.Context, spec driver.LaunchSpec) (driver.Channel, int, error) {
	l.specs = append(l.specs, spec)
	if l.err != nil {
		return nil, 0, l.err
	}
	return l.ch, 4242, nil
}

type fakeTimezones map[string]int

func (f fakeTimezones) TimezoneOffset(ip string) (int, error) {
	offset, ok := f[ip]
	if !ok {
		return 0, errors.New("address not found")
	}
	return offset, nil
}

// fakeBinary creates an executable placeholder for the driver binary.
func fakeBinary(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chrome")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))
	return path
}

func testNavigator() *fingerprint.Navigator {
	return &fingerprint.Navigator{
		Name:          "chrome",
		Version:       "120.0",
		PlatformClass: fingerprint.PlatformWin,
		UserAgent:     "Mozilla/5.0 (Windows NT 10.0; Win64; x64) TestAgent/1.0",
		Platform:      "Win32",
		AppName:       "Netscape",
		Language:      "en-US",
		CookieEnabled: true,
	}
}

func testParams(t *testing.T) OpenParams {
	t.Helper()
	return OpenParams{
		BinaryPath:  fakeBinary(t),
		SessionsDir: t.TempDir(),
		Navigator:   testNavigator(),
	}
}

func testDeps(t *testing.T, ch *fakeChannel) Deps {
	t.Helper()
	return Deps{
		Launcher:     &fakeLauncher{ch: ch},
		Fingerprints: fingerprint.NewGenerator(7),
		Timezones:    fakeTimezones{"10.1.1.1": 180},
		Logger:       zaptest.NewLogger(t),
	}
}

// newTestSession opens a session against a fake channel.
func newTestSession(t *testing.T, mutate ...func(*OpenParams)) (*Session, *fakeChannel) {
	t.Helper()
	ch := newFakeChannel()
	p := testParams(t)
	for _, m := range mutate {
		m(&p)
	}
	s, err := Open(context.Background(), p, testDeps(t, ch))
	require.NoError(t, err)
	s.pollInterval = time.Millisecond
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s, ch
}
