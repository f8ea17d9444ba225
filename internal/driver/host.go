// internal/driver/host.go
package driver

import (
	"context"
	_ "embed"
	"fmt"
	"sync"

	"github.com/dop251/goja"
	"github.com/go-viper/mapstructure/v2"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
)

//go:embed host.js
var hostPrelude string

// PageConfig is the session configuration bundle accepted by page.configure.
type PageConfig struct {
	JavascriptEnabled bool           `mapstructure:"javascript_enabled" json:"javascript_enabled"`
	LoadImages        bool           `mapstructure:"load_images" json:"load_images"`
	ResourceTimeoutMs int64          `mapstructure:"resource_timeout" json:"resource_timeout"`
	Navigator         map[string]any `mapstructure:"navigator" json:"navigator"`
	Screen            map[string]any `mapstructure:"screen" json:"screen"`
	SpoofFlashPlugin  bool           `mapstructure:"spoof_flash_plugin" json:"spoof_flash_plugin"`
	FlashPlugin       *FlashPlugin   `mapstructure:"flash_plugin" json:"flash_plugin"`
	SpoofJavaPlugin   bool           `mapstructure:"spoof_java_plugin" json:"spoof_java_plugin"`
	SpoofHTML5Media   bool           `mapstructure:"spoof_html5_media" json:"spoof_html5_media"`
	TimezoneOffset    *int           `mapstructure:"timezone_offset" json:"timezone_offset"`
}

// FlashPlugin describes the spoofed Shockwave Flash plugin.
type FlashPlugin struct {
	Version     string `mapstructure:"version" json:"version"`
	Description string `mapstructure:"description" json:"description"`
	Filename    string `mapstructure:"filename" json:"filename"`
}

// ProxySettings is the upstream accepted by page._setProxy.
type ProxySettings struct {
	Type   string `mapstructure:"type" json:"type"`
	Host   string `mapstructure:"host" json:"host"`
	Port   string `mapstructure:"port" json:"port"`
	User   string `mapstructure:"user" json:"user,omitempty"`
	Passwd string `mapstructure:"passwd" json:"passwd,omitempty"`
}

// Viewport is the value of page.viewportSize.
type Viewport struct {
	Width  int `mapstructure:"width" json:"width"`
	Height int `mapstructure:"height" json:"height"`
}

// backend is the native side of the driver context. Every call runs
// synchronously inside a driver script.
type backend interface {
	SetViewport(ctx context.Context, vp Viewport) error
	SetHeaders(ctx context.Context, headers map[string]string) error
	Configure(ctx context.Context, cfg PageConfig) error
	SetNavigator(ctx context.Context, nav map[string]any) error
	SetScreen(ctx context.Context, screen map[string]any) error
	SetProxy(ctx context.Context, p *ProxySettings) error
	SetTimezone(ctx context.Context, offset *int) error
	SetCookiesEnabled(ctx context.Context, enabled bool) error
	SetStylesheetsBlocked(ctx context.Context, blocked bool) error
	ClearMemoryCache(ctx context.Context) error
	ClosePage(ctx context.Context) error
	HTTPMeta() map[string]any
}

// scriptHost evaluates driver scripts against a `page` controller whose
// native members are routed to a backend.
type scriptHost struct {
	mu      sync.Mutex
	vm      *goja.Runtime
	page    *goja.Object
	phantom *goja.Object
	backend backend
	logger  *zap.Logger

	// ctx is the context of the script currently running.
	ctx context.Context

	viewport       Viewport
	headers        map[string]string
	cookiesEnabled bool
	cssBlocked     bool
}

func newScriptHost(b backend, logger *zap.Logger) (*scriptHost, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	vm := goja.New()
	if _, err := vm.RunString(hostPrelude); err != nil {
		return nil, fmt.Errorf("failed to load driver prelude: %w", err)
	}

	h := &scriptHost{
		vm:             vm,
		page:           vm.Get("__page__").ToObject(vm),
		phantom:        vm.Get("__phantom__").ToObject(vm),
		backend:        b,
		logger:         logger.Named("script_host"),
		ctx:            context.Background(),
		headers:        map[string]string{},
		cookiesEnabled: true,
	}
	if err := h.bind(); err != nil {
		return nil, err
	}
	return h, nil
}

// Execute runs a normalized driver script and returns its JSON encoded result.
func (h *scriptHost) Execute(ctx context.Context, script string) (json.RawMessage, error) {
	script = NormalizeScript(script)
	if script == "" {
		return nil, &DriverExecutionError{Op: "execute", Message: "empty script"}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.ctx = ctx
	defer func() { h.ctx = context.Background() }()

	interrupted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		h.vm.Interrupt(ctx.Err())
		close(interrupted)
	})
	defer func() {
		if !stop() {
			<-interrupted
		}
		h.vm.ClearInterrupt()
	}()

	value, err := h.vm.RunString("__run__(function(page, phantom) {\n" + script + "\n})")
	if err != nil {
		if _, ok := err.(*goja.InterruptedError); ok {
			return nil, NewExecutionError("execute", ctx.Err())
		}
		return nil, NewExecutionError("execute", err)
	}

	result, err := exportJSON(value)
	if err != nil {
		return nil, NewExecutionError("execute", err)
	}
	if err := CheckPayload("execute", result); err != nil {
		return nil, err
	}
	if err := h.reconcileCallbacks(ctx); err != nil {
		return nil, NewExecutionError("execute", err)
	}
	return result, nil
}

// reconcileCallbacks applies stylesheet blocking when page.skipCSS was added
// to or removed from the resource request callbacks.
func (h *scriptHost) reconcileCallbacks(ctx context.Context) error {
	v, err := h.vm.RunString("__page__.onResourceRequestedCallbacks.indexOf(__page__.skipCSS) > -1")
	if err != nil {
		return err
	}
	blocked := v.ToBoolean()
	if blocked == h.cssBlocked {
		return nil
	}
	if err := h.backend.SetStylesheetsBlocked(ctx, blocked); err != nil {
		return err
	}
	h.cssBlocked = blocked
	h.logger.Debug("Stylesheet blocking changed.", zap.Bool("blocked", blocked))
	return nil
}

func (h *scriptHost) bind() error {
	accessors := []struct {
		obj    *goja.Object
		name   string
		getter func(goja.FunctionCall) goja.Value
		setter func(goja.FunctionCall) goja.Value
	}{
		{h.page, "viewportSize", h.getViewport, h.setViewport},
		{h.page, "customHeaders", h.getHeaders, h.setHeaders},
		{h.page, "httpMeta", h.getHTTPMeta, nil},
		{h.phantom, "cookiesEnabled", h.getCookiesEnabled, h.setCookiesEnabled},
	}
	for _, a := range accessors {
		var setter goja.Value
		if a.setter != nil {
			setter = h.vm.ToValue(a.setter)
		}
		if err := a.obj.DefineAccessorProperty(a.name, h.vm.ToValue(a.getter), setter, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
			return fmt.Errorf("failed to define page.%s: %w", a.name, err)
		}
	}

	methods := map[string]func(goja.FunctionCall) goja.Value{
		"configure":        h.configure,
		"setNavigator":     h.setNavigator,
		"setScreen":        h.setScreen,
		"_setProxy":        h.setProxy,
		"_resetProxy":      h.resetProxy,
		"setTimezone":      h.setTimezone,
		"resetTimezone":    h.resetTimezone,
		"clearMemoryCache": h.clearMemoryCache,
		"close":            h.closePage,
	}
	for name, fn := range methods {
		if err := h.page.Set(name, fn); err != nil {
			return fmt.Errorf("failed to bind page.%s: %w", name, err)
		}
	}
	return nil
}

// throw raises err as a JavaScript exception inside the running script.
func (h *scriptHost) throw(err error) {
	panic(h.vm.NewGoError(err))
}

// decodeArg decodes the i-th argument into out.
func (h *scriptHost) decodeArg(call goja.FunctionCall, i int, out any) {
	arg := call.Argument(i)
	if goja.IsUndefined(arg) || goja.IsNull(arg) {
		h.throw(fmt.Errorf("missing argument %d", i))
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		h.throw(err)
	}
	if err := dec.Decode(arg.Export()); err != nil {
		h.throw(fmt.Errorf("invalid argument %d: %w", i, err))
	}
}

func (h *scriptHost) getViewport(goja.FunctionCall) goja.Value {
	return h.vm.ToValue(map[string]any{"width": h.viewport.Width, "height": h.viewport.Height})
}

func (h *scriptHost) setViewport(call goja.FunctionCall) goja.Value {
	var vp Viewport
	h.decodeArg(call, 0, &vp)
	if err := h.backend.SetViewport(h.ctx, vp); err != nil {
		h.throw(err)
	}
	h.viewport = vp
	return goja.Undefined()
}

func (h *scriptHost) getHeaders(goja.FunctionCall) goja.Value {
	out := make(map[string]any, len(h.headers))
	for k, v := range h.headers {
		out[k] = v
	}
	return h.vm.ToValue(out)
}

func (h *scriptHost) setHeaders(call goja.FunctionCall) goja.Value {
	headers := map[string]string{}
	h.decodeArg(call, 0, &headers)
	if err := h.backend.SetHeaders(h.ctx, headers); err != nil {
		h.throw(err)
	}
	h.headers = headers
	return goja.Undefined()
}

func (h *scriptHost) getHTTPMeta(goja.FunctionCall) goja.Value {
	meta := h.backend.HTTPMeta()
	if meta == nil {
		return goja.Null()
	}
	return h.vm.ToValue(meta)
}

func (h *scriptHost) getCookiesEnabled(goja.FunctionCall) goja.Value {
	return h.vm.ToValue(h.cookiesEnabled)
}

func (h *scriptHost) setCookiesEnabled(call goja.FunctionCall) goja.Value {
	enabled := call.Argument(0).ToBoolean()
	if err := h.backend.SetCookiesEnabled(h.ctx, enabled); err != nil {
		h.throw(err)
	}
	h.cookiesEnabled = enabled
	return goja.Undefined()
}

func (h *scriptHost) configure(call goja.FunctionCall) goja.Value {
	var cfg PageConfig
	h.decodeArg(call, 0, &cfg)
	if err := h.backend.Configure(h.ctx, cfg); err != nil {
		h.throw(err)
	}
	return goja.Undefined()
}

func (h *scriptHost) setNavigator(call goja.FunctionCall) goja.Value {
	nav := map[string]any{}
	h.decodeArg(call, 0, &nav)
	if err := h.backend.SetNavigator(h.ctx, nav); err != nil {
		h.throw(err)
	}
	return goja.Undefined()
}

func (h *scriptHost) setScreen(call goja.FunctionCall) goja.Value {
	screen := map[string]any{}
	h.decodeArg(call, 0, &screen)
	if err := h.backend.SetScreen(h.ctx, screen); err != nil {
		h.throw(err)
	}
	return goja.Undefined()
}

func (h *scriptHost) setProxy(call goja.FunctionCall) goja.Value {
	var p ProxySettings
	h.decodeArg(call, 0, &p)
	if err := h.backend.SetProxy(h.ctx, &p); err != nil {
		h.throw(err)
	}
	return goja.Undefined()
}

func (h *scriptHost) resetProxy(goja.FunctionCall) goja.Value {
	if err := h.backend.SetProxy(h.ctx, nil); err != nil {
		h.throw(err)
	}
	return goja.Undefined()
}

func (h *scriptHost) setTimezone(call goja.FunctionCall) goja.Value {
	offset := int(call.Argument(0).ToInteger())
	if err := h.backend.SetTimezone(h.ctx, &offset); err != nil {
		h.throw(err)
	}
	return goja.Undefined()
}

func (h *scriptHost) resetTimezone(goja.FunctionCall) goja.Value {
	if err := h.backend.SetTimezone(h.ctx, nil); err != nil {
		h.throw(err)
	}
	return goja.Undefined()
}

func (h *scriptHost) clearMemoryCache(goja.FunctionCall) goja.Value {
	if err := h.backend.ClearMemoryCache(h.ctx); err != nil {
		h.throw(err)
	}
	return goja.Undefined()
}

func (h *scriptHost) closePage(goja.FunctionCall) goja.Value {
	if err := h.backend.ClosePage(h.ctx); err != nil {
		h.throw(err)
	}
	return goja.Undefined()
}

// exportJSON converts a script result to JSON. undefined maps to null.
func exportJSON(v goja.Value) (json.RawMessage, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return json.RawMessage("null"), nil
	}
	b, err := json.Marshal(v.Export())
	if err != nil {
		return nil, fmt.Errorf("failed to encode script result: %w", err)
	}
	return b, nil
}
