// internal/driver/cdp_channel.go
package driver

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
)

//go:embed document.js
var documentPatch string

const (
	findPollInterval = 100 * time.Millisecond
	quitTimeout      = 10 * time.Second
)

var (
	imagePatterns = []string{
		"*.png", "*.png?*", "*.jpg", "*.jpg?*", "*.jpeg", "*.jpeg?*",
		"*.gif", "*.gif?*", "*.webp", "*.webp?*", "*.svg", "*.svg?*",
		"*.ico", "*.ico?*", "*.bmp", "*.bmp?*",
	}
	stylesheetPatterns = []string{"*.css", "*.css?*"}
)

// documentState is the argument of the document patch.
type documentState struct {
	Navigator        map[string]any `json:"navigator,omitempty"`
	Screen           map[string]any `json:"screen,omitempty"`
	SpoofFlashPlugin bool           `json:"spoof_flash_plugin"`
	FlashPlugin      *FlashPlugin   `json:"flash_plugin,omitempty"`
	SpoofJavaPlugin  bool           `json:"spoof_java_plugin"`
	SpoofHTML5Media  bool           `json:"spoof_html5_media"`
	// TimezoneOffset is set only for offsets a zone override cannot express.
	TimezoneOffset *int `json:"timezone_offset,omitempty"`
}

// tab is an attached page target.
type tab struct {
	ctx    context.Context
	cancel context.CancelFunc
	id     target.ID
	// first marks the tab created with the browser. Its context owns the
	// browser and is never canceled on its own.
	first    bool
	scriptID page.ScriptIdentifier
}

// cdpChannel drives a Chromium instance over the DevTools protocol.
type cdpChannel struct {
	logger  *zap.Logger
	relay   *Relay
	host    *scriptHost
	meta    *metaRecorder
	logFile *os.File

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	current *tab
	tabs    map[target.ID]*tab

	pageLoadTimeout time.Duration
	implicitWait    time.Duration

	doc             documentState
	userAgent       string
	navPlatform     string
	extraHeaders    map[string]any
	viewport        *Viewport
	jsDisabled      bool
	cookiesDisabled bool
	blockImages     bool
	blockCSS        bool
	timezoneID      string
}

var (
	_ Channel = (*cdpChannel)(nil)
	_ backend = (*cdpChannel)(nil)
)

// run executes actions against the current tab, bounded by ctx.
func (c *cdpChannel) run(ctx context.Context, actions ...chromedp.Action) error {
	if c.current == nil {
		return errors.New("no window selected")
	}
	runCtx, cancel := CombineContext(c.current.ctx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

func (c *cdpChannel) ExecuteDriverScript(ctx context.Context, script string) (json.RawMessage, error) {
	return c.host.Execute(ctx, script)
}

func (c *cdpChannel) ExecutePageScript(ctx context.Context, script string) (json.RawMessage, error) {
	script = NormalizeScript(script)
	if script == "" {
		return nil, &DriverExecutionError{Op: "execute_script", Message: "empty script"}
	}
	var raw json.RawMessage
	err := c.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		res, exc, err := runtime.Evaluate("(function() {\n" + script + "\n})()").
			WithReturnByValue(true).
			WithAwaitPromise(true).
			Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return exc
		}
		raw = remoteValue(res)
		return nil
	}))
	if err != nil {
		return nil, NewExecutionError("execute_script", err)
	}
	return raw, nil
}

func (c *cdpChannel) SetPageLoadTimeout(_ context.Context, timeout time.Duration) error {
	c.pageLoadTimeout = timeout
	return nil
}

func (c *cdpChannel) SetImplicitWait(_ context.Context, wait time.Duration) error {
	c.implicitWait = wait
	return nil
}

func (c *cdpChannel) CurrentURL(ctx context.Context) (string, error) {
	var u string
	if err := c.run(ctx, chromedp.Location(&u)); err != nil {
		return "", NewExecutionError("current_url", err)
	}
	return u, nil
}

// load runs a navigation action bounded by the page load timeout.
func (c *cdpChannel) load(ctx context.Context, op string, action chromedp.Action) error {
	if c.pageLoadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.pageLoadTimeout)
		defer cancel()
	}
	if err := c.run(ctx, action); err != nil {
		return NewExecutionError(op, err)
	}
	return nil
}

func (c *cdpChannel) Navigate(ctx context.Context, url string) error {
	return c.load(ctx, "get", chromedp.Navigate(url))
}

func (c *cdpChannel) Back(ctx context.Context) error {
	return c.load(ctx, "back", c.historyStep(-1, chromedp.NavigateBack()))
}

func (c *cdpChannel) Forward(ctx context.Context) error {
	return c.load(ctx, "forward", c.historyStep(1, chromedp.NavigateForward()))
}

// historyStep runs nav unless the history has no entry in direction dir.
func (c *cdpChannel) historyStep(dir int64, nav chromedp.Action) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		cur, entries, err := page.GetNavigationHistory().Do(ctx)
		if err != nil {
			return err
		}
		next := cur + dir
		if next < 0 || next >= int64(len(entries)) {
			c.logger.Debug("History boundary reached, nothing to do.", zap.Int64("direction", dir))
			return nil
		}
		return nav.Do(ctx)
	})
}

func (c *cdpChannel) Refresh(ctx context.Context) error {
	return c.load(ctx, "refresh", chromedp.Reload())
}

func (c *cdpChannel) FindElements(ctx context.Context, xpath string) ([]Element, error) {
	deadline := time.Now().Add(c.implicitWait)
	for {
		els, err := c.findOnce(ctx, xpath)
		if err != nil {
			return nil, err
		}
		if len(els) > 0 || !time.Now().Before(deadline) {
			return els, nil
		}
		select {
		case <-ctx.Done():
			return nil, NewExecutionError("find_elements", ctx.Err())
		case <-time.After(findPollInterval):
		}
	}
}

func (c *cdpChannel) findOnce(ctx context.Context, xpath string) ([]Element, error) {
	var els []Element
	err := c.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		res, exc, err := runtime.Evaluate("(" + applySource(xpathSnapshotFn, xpath) + ").call(document)").Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return exc
		}
		els, err = c.collectNodes(ctx, res)
		return err
	}))
	if err != nil {
		return nil, NewExecutionError("find_elements", err)
	}
	return els, nil
}

func (c *cdpChannel) Click(ctx context.Context, el Element) error {
	ce, ok := el.(*cdpElement)
	if !ok {
		return NewExecutionError("click", fmt.Errorf("foreign element %T", el))
	}
	err := c.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		if err := dom.ScrollIntoViewIfNeeded().WithBackendNodeID(ce.id).Do(ctx); err != nil {
			return fmt.Errorf("failed to scroll node into view: %w", err)
		}
		quads, err := dom.GetContentQuads().WithBackendNodeID(ce.id).Do(ctx)
		if err != nil {
			return fmt.Errorf("failed to locate node: %w", err)
		}
		x, y, ok := quadCenter(quads)
		if !ok {
			return errors.New("node has no visible area")
		}
		if err := input.DispatchMouseEvent(input.MousePressed, x, y).
			WithButton(input.Left).WithClickCount(1).Do(ctx); err != nil {
			return err
		}
		return input.DispatchMouseEvent(input.MouseReleased, x, y).
			WithButton(input.Left).WithClickCount(1).Do(ctx)
	}))
	if err != nil {
		return NewExecutionError("click", err)
	}
	return nil
}

// quadCenter returns the center of the first non-empty quad.
func quadCenter(quads []dom.Quad) (float64, float64, bool) {
	for _, q := range quads {
		if len(q) < 8 {
			continue
		}
		var x, y float64
		for i := 0; i < 8; i += 2 {
			x += q[i]
			y += q[i+1]
		}
		x, y = x/4, y/4
		if math.IsNaN(x) || math.IsNaN(y) {
			continue
		}
		return x, y, true
	}
	return 0, 0, false
}

func (c *cdpChannel) WindowHandles(ctx context.Context) ([]string, error) {
	tctx, cancel := CombineContext(c.browserCtx, ctx)
	defer cancel()
	infos, err := chromedp.Targets(tctx)
	if err != nil {
		return nil, NewExecutionError("window_handles", err)
	}
	handles := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.Type != "page" {
			continue
		}
		// The main window always comes first.
		if t, ok := c.tabs[info.TargetID]; ok && t.first {
			handles = append([]string{string(info.TargetID)}, handles...)
			continue
		}
		handles = append(handles, string(info.TargetID))
	}
	return handles, nil
}

func (c *cdpChannel) CurrentWindowHandle(context.Context) (string, error) {
	if c.current == nil {
		return "", NewExecutionError("current_window_handle", errors.New("no window selected"))
	}
	return string(c.current.id), nil
}

func (c *cdpChannel) SwitchToWindow(ctx context.Context, handle string) error {
	id := target.ID(handle)
	if t, ok := c.tabs[id]; ok {
		c.current = t
		c.meta.setFrame(cdp.FrameID(id))
		if err := c.run(ctx, target.ActivateTarget(id)); err != nil {
			return NewExecutionError("switch_to_window", err)
		}
		return nil
	}

	tabCtx, tabCancel := chromedp.NewContext(c.browserCtx, chromedp.WithTargetID(id))
	t := &tab{ctx: tabCtx, cancel: tabCancel, id: id}
	prev := c.current
	c.current = t
	c.meta.setFrame(cdp.FrameID(id))
	if err := c.attach(ctx, t); err != nil {
		tabCancel()
		c.current = prev
		if prev != nil {
			c.meta.setFrame(cdp.FrameID(prev.id))
		}
		return NewExecutionError("switch_to_window", err)
	}
	c.tabs[id] = t
	c.logger.Debug("Attached to window.", zap.String("handle", handle))
	return nil
}

// attach enables events on a newly selected tab and replays the emulation
// state onto it.
func (c *cdpChannel) attach(ctx context.Context, t *tab) error {
	chromedp.ListenTarget(t.ctx, c.meta.handle)
	actions := []chromedp.Action{network.Enable()}
	if !t.first {
		actions = append(actions, target.ActivateTarget(t.id))
	}
	actions = append(actions, c.replay()...)
	return c.run(ctx, actions...)
}

// replay re-applies the whole emulation state.
func (c *cdpChannel) replay() []chromedp.Action {
	actions := []chromedp.Action{
		emulation.SetScriptExecutionDisabled(c.jsDisabled),
		emulation.SetDocumentCookieDisabled(c.cookiesDisabled),
		network.SetBlockedURLs(c.blockedURLs(c.blockImages, c.blockCSS)),
	}
	if c.userAgent != "" {
		actions = append(actions, emulation.SetUserAgentOverride(c.userAgent).WithPlatform(c.navPlatform))
	}
	if len(c.extraHeaders) > 0 {
		actions = append(actions, network.SetExtraHTTPHeaders(network.Headers(c.extraHeaders)))
	}
	if c.viewport != nil {
		actions = append(actions, viewportOverride(*c.viewport))
	}
	if c.timezoneID != "" {
		actions = append(actions, emulation.SetTimezoneOverride(c.timezoneID))
	}
	return append(actions, c.installDocument(c.doc))
}

func (c *cdpChannel) CloseWindow(ctx context.Context) error {
	t := c.current
	if t == nil {
		return NewExecutionError("close_window", errors.New("no window selected"))
	}
	delete(c.tabs, t.id)
	c.current = nil

	if !t.first {
		// Canceling an attached non-browser context closes its target.
		t.cancel()
		return nil
	}
	cctx, cancel := CombineContext(c.browserCtx, ctx)
	defer cancel()
	executor := chromedp.FromContext(c.browserCtx).Browser
	if err := target.CloseTarget(t.id).Do(cdp.WithExecutor(cctx, executor)); err != nil {
		return NewExecutionError("close_window", err)
	}
	return nil
}

func (c *cdpChannel) Quit(ctx context.Context) error {
	for id, t := range c.tabs {
		if !t.first {
			t.cancel()
		}
		delete(c.tabs, id)
	}
	c.current = nil

	var errs []error
	// chromedp.Cancel blocks until the browser exits, so it is bounded here.
	done := make(chan error, 1)
	go func() { done <- chromedp.Cancel(c.browserCtx) }()
	timer := time.NewTimer(quitTimeout)
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
		}
	case <-timer.C:
		c.logger.Warn("Browser shutdown timed out, killing it.", zap.Duration("timeout", quitTimeout))
	case <-ctx.Done():
		c.logger.Warn("Browser shutdown abandoned.", zap.Error(ctx.Err()))
	}
	timer.Stop()
	c.browserCancel()
	c.allocCancel()

	if err := c.relay.Close(); err != nil {
		errs = append(errs, err)
	}
	if c.logFile != nil {
		if err := c.logFile.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return NewExecutionError("quit", err)
	}
	c.logger.Debug("Browser shut down.")
	return nil
}

// -- backend --

func (c *cdpChannel) SetViewport(ctx context.Context, vp Viewport) error {
	if err := c.run(ctx, viewportOverride(vp)); err != nil {
		return fmt.Errorf("failed to set viewport: %w", err)
	}
	c.viewport = &vp
	return nil
}

func viewportOverride(vp Viewport) chromedp.Action {
	return emulation.SetDeviceMetricsOverride(int64(vp.Width), int64(vp.Height), 1, false)
}

func (c *cdpChannel) SetHeaders(ctx context.Context, headers map[string]string) error {
	ua := c.userAgent
	extra := make(map[string]any, len(headers))
	for name, value := range headers {
		key := http.CanonicalHeaderKey(name)
		if key == "User-Agent" {
			continue
		}
		// The canonical spelling wins over other casings of the same name.
		if _, seen := extra[key]; !seen || key == name {
			extra[key] = value
		}
	}
	if v, ok := headers["User-Agent"]; ok {
		ua = v
	} else {
		for name, value := range headers {
			if http.CanonicalHeaderKey(name) == "User-Agent" {
				ua = value
			}
		}
	}
	actions := []chromedp.Action{network.SetExtraHTTPHeaders(network.Headers(extra))}
	if ua != "" {
		actions = append(actions, emulation.SetUserAgentOverride(ua).WithPlatform(c.navPlatform))
	}
	if err := c.run(ctx, actions...); err != nil {
		return fmt.Errorf("failed to set headers: %w", err)
	}
	c.extraHeaders = extra
	c.userAgent = ua
	return nil
}

func (c *cdpChannel) Configure(ctx context.Context, cfg PageConfig) error {
	doc := c.doc
	doc.Navigator = cfg.Navigator
	doc.Screen = cfg.Screen
	doc.SpoofFlashPlugin = cfg.SpoofFlashPlugin
	doc.FlashPlugin = cfg.FlashPlugin
	doc.SpoofJavaPlugin = cfg.SpoofJavaPlugin
	doc.SpoofHTML5Media = cfg.SpoofHTML5Media

	zone, fractional := timezoneID(cfg.TimezoneOffset)
	doc.TimezoneOffset = fractional

	ua, platform := navigatorIdentity(cfg.Navigator, c.userAgent, c.navPlatform)
	actions := []chromedp.Action{
		emulation.SetScriptExecutionDisabled(!cfg.JavascriptEnabled),
		network.SetBlockedURLs(c.blockedURLs(!cfg.LoadImages, c.blockCSS)),
	}
	if ua != "" {
		actions = append(actions, emulation.SetUserAgentOverride(ua).WithPlatform(platform))
	}
	if zone != "" || c.timezoneID != "" {
		actions = append(actions, emulation.SetTimezoneOverride(zone))
	}
	actions = append(actions, c.installDocument(doc))
	if err := c.run(ctx, actions...); err != nil {
		return fmt.Errorf("failed to configure page: %w", err)
	}

	c.relay.SetResponseTimeout(time.Duration(cfg.ResourceTimeoutMs) * time.Millisecond)
	c.doc = doc
	c.jsDisabled = !cfg.JavascriptEnabled
	c.blockImages = !cfg.LoadImages
	c.userAgent, c.navPlatform = ua, platform
	c.timezoneID = zone
	return nil
}

func (c *cdpChannel) SetNavigator(ctx context.Context, nav map[string]any) error {
	doc := c.doc
	doc.Navigator = nav
	ua, platform := navigatorIdentity(nav, c.userAgent, c.navPlatform)
	var actions []chromedp.Action
	if ua != "" {
		actions = append(actions, emulation.SetUserAgentOverride(ua).WithPlatform(platform))
	}
	actions = append(actions, c.installDocument(doc))
	if err := c.run(ctx, actions...); err != nil {
		return fmt.Errorf("failed to set navigator: %w", err)
	}
	c.doc = doc
	c.userAgent, c.navPlatform = ua, platform
	return nil
}

// navigatorIdentity picks the user agent and platform out of navigator
// properties, keeping the current values for missing ones.
func navigatorIdentity(nav map[string]any, ua, platform string) (string, string) {
	if v, ok := nav["userAgent"].(string); ok && v != "" {
		ua = v
	}
	if v, ok := nav["platform"].(string); ok && v != "" {
		platform = v
	}
	return ua, platform
}

func (c *cdpChannel) SetScreen(ctx context.Context, screen map[string]any) error {
	doc := c.doc
	doc.Screen = screen
	if err := c.run(ctx, c.installDocument(doc)); err != nil {
		return fmt.Errorf("failed to set screen: %w", err)
	}
	c.doc = doc
	return nil
}

func (c *cdpChannel) SetProxy(_ context.Context, p *ProxySettings) error {
	return c.relay.SetUpstream(p)
}

func (c *cdpChannel) SetTimezone(ctx context.Context, offset *int) error {
	zone, fractional := timezoneID(offset)
	doc := c.doc
	doc.TimezoneOffset = fractional

	var actions []chromedp.Action
	if zone != "" || c.timezoneID != "" {
		actions = append(actions, emulation.SetTimezoneOverride(zone))
	}
	actions = append(actions, c.installDocument(doc))
	if err := c.run(ctx, actions...); err != nil {
		return fmt.Errorf("failed to set timezone: %w", err)
	}
	c.doc = doc
	c.timezoneID = zone
	return nil
}

// timezoneID maps an offset in minutes east of UTC to an Etc zone. Offsets
// that are not whole hours, or lie outside the Etc range, are returned for
// the document patch instead.
func timezoneID(offset *int) (string, *int) {
	if offset == nil {
		return "", nil
	}
	minutes := *offset
	if minutes%60 != 0 {
		return "", &minutes
	}
	hours := minutes / 60
	switch {
	case hours == 0:
		return "Etc/GMT", nil
	case hours > 0 && hours <= 14:
		// Etc zones use POSIX signs: east of UTC is negative.
		return fmt.Sprintf("Etc/GMT-%d", hours), nil
	case hours < 0 && hours >= -12:
		return fmt.Sprintf("Etc/GMT+%d", -hours), nil
	default:
		return "", &minutes
	}
}

func (c *cdpChannel) SetCookiesEnabled(ctx context.Context, enabled bool) error {
	actions := []chromedp.Action{emulation.SetDocumentCookieDisabled(!enabled)}
	if !enabled {
		actions = append(actions, network.ClearBrowserCookies())
	}
	if err := c.run(ctx, actions...); err != nil {
		return fmt.Errorf("failed to toggle cookies: %w", err)
	}
	c.relay.SetStripCookies(!enabled)
	c.cookiesDisabled = !enabled
	return nil
}

func (c *cdpChannel) SetStylesheetsBlocked(ctx context.Context, blocked bool) error {
	if err := c.run(ctx, network.SetBlockedURLs(c.blockedURLs(c.blockImages, blocked))); err != nil {
		return fmt.Errorf("failed to update blocked resources: %w", err)
	}
	c.blockCSS = blocked
	return nil
}

func (c *cdpChannel) blockedURLs(images, css bool) []string {
	patterns := []string{}
	if images {
		patterns = append(patterns, imagePatterns...)
	}
	if css {
		patterns = append(patterns, stylesheetPatterns...)
	}
	return patterns
}

func (c *cdpChannel) ClearMemoryCache(ctx context.Context) error {
	if err := c.run(ctx, network.ClearBrowserCache()); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	return nil
}

func (c *cdpChannel) ClosePage(ctx context.Context) error {
	err := c.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, _, errText, _, err := page.Navigate(BlankURL).Do(ctx)
		if err != nil {
			return err
		}
		if errText != "" {
			return errors.New(errText)
		}
		return nil
	}))
	if err != nil {
		return fmt.Errorf("failed to close page: %w", err)
	}
	c.meta.reset()
	return nil
}

func (c *cdpChannel) HTTPMeta() map[string]any {
	return c.meta.snapshot()
}

// installDocument replaces the current tab's document patch with one built
// from doc. The patch also runs in the document already loaded.
func (c *cdpChannel) installDocument(doc documentState) chromedp.Action {
	t := c.current
	return chromedp.ActionFunc(func(ctx context.Context) error {
		state, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to encode document state: %w", err)
		}
		if t.scriptID != "" {
			if err := page.RemoveScriptToEvaluateOnNewDocument(t.scriptID).Do(ctx); err != nil {
				c.logger.Debug("Failed to remove previous document patch.", zap.Error(err))
			}
			t.scriptID = ""
		}
		id, err := page.AddScriptToEvaluateOnNewDocument(documentPatch + "(" + string(state) + ");").
			WithRunImmediately(true).
			Do(ctx)
		if err != nil {
			return fmt.Errorf("failed to install document patch: %w", err)
		}
		t.scriptID = id
		return nil
	})
}
