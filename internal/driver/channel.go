// internal/driver/channel.go
package driver

import (
	"context"
	"strings"
	"time"

	json "github.com/json-iterator/go"
)

// BlankURL is the empty page sentinel.
const BlankURL = "about:blank"

// Channel is the request/response surface of a running automation driver.
// Implementations are safe for one caller at a time.
type Channel interface {
	// ExecuteDriverScript runs source in the driver-side context, where a
	// `page` object exposes the controller of the current tab. A structured
	// error payload (an object carrying a "stack" field) is reported as a
	// *DriverExecutionError.
	ExecuteDriverScript(ctx context.Context, script string) (json.RawMessage, error)
	// ExecutePageScript runs source inside the current document.
	ExecutePageScript(ctx context.Context, script string) (json.RawMessage, error)

	SetPageLoadTimeout(ctx context.Context, timeout time.Duration) error
	SetImplicitWait(ctx context.Context, wait time.Duration) error

	CurrentURL(ctx context.Context) (string, error)
	Navigate(ctx context.Context, url string) error
	Back(ctx context.Context) error
	Forward(ctx context.Context) error
	Refresh(ctx context.Context) error

	// FindElements evaluates an XPath expression against the document,
	// waiting up to the implicit wait for at least one match.
	FindElements(ctx context.Context, xpath string) ([]Element, error)
	Click(ctx context.Context, el Element) error

	WindowHandles(ctx context.Context) ([]string, error)
	CurrentWindowHandle(ctx context.Context) (string, error)
	SwitchToWindow(ctx context.Context, handle string) error
	CloseWindow(ctx context.Context) error

	Quit(ctx context.Context) error
}

// Rect is an element's location in page coordinates and its size.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Element is a handle on a node of the current document.
type Element interface {
	// ID is stable for the lifetime of the node. A replaced document yields
	// new IDs for all of its nodes.
	ID() string
	TagName(ctx context.Context) (string, error)
	// Attribute returns the attribute value and whether it is present.
	Attribute(ctx context.Context, name string) (string, bool, error)
	Displayed(ctx context.Context) (bool, error)
	Enabled(ctx context.Context) (bool, error)
	Rect(ctx context.Context) (Rect, error)
	// FindElements evaluates xpath relative to this element without waiting.
	FindElements(ctx context.Context, xpath string) ([]Element, error)
}

// LaunchSpec describes a driver process to start.
type LaunchSpec struct {
	BinaryPath string
	// WorkingDir is exclusively owned by the session.
	WorkingDir string
	// LocalStorageDir holds the browser profile data.
	LocalStorageDir string
	LogPath         string
	// Profile is the validated driver profile (ignore_ssl_errors, ...).
	Profile  map[string]any
	Headless bool
	Args     []string
	Timeout  time.Duration
}

// Launcher starts driver processes.
type Launcher interface {
	// Launch returns a connected Channel and the driver process id.
	Launch(ctx context.Context, spec LaunchSpec) (Channel, int, error)
}

// NormalizeScript trims source and guarantees a trailing semicolon.
// It returns an empty string for blank input.
func NormalizeScript(script string) string {
	script = strings.TrimSpace(script)
	if script == "" {
		return ""
	}
	if !strings.HasSuffix(script, ";") {
		script += ";"
	}
	return script
}

// CheckPayload inspects a decoded script result and reports a structured
// error payload as a *DriverExecutionError.
func CheckPayload(op string, result json.RawMessage) error {
	if len(result) == 0 || result[0] != '{' {
		return nil
	}
	var payload map[string]any
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil
	}
	stack, ok := payload["stack"]
	if !ok {
		return nil
	}
	msg, _ := payload["message"].(string)
	return &DriverExecutionError{Op: op, Message: msg, Stack: toString(stack)}
}

func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
