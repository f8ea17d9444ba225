// internal/session/options.go
package session

import (
	"errors"
	"fmt"
	"maps"
	"reflect"
	"time"

	"github.com/go-viper/mapstructure/v2"

	"github.com/xkilldash9x/phantomctl/internal/fingerprint"
)

// Options is the session option set. Durations are given in seconds, the
// way callers and config files spell them.
type Options struct {
	// PageLoadTimeout also bounds navigation clicks and meta refresh waits.
	PageLoadTimeout  float64 `mapstructure:"page_load_timeout" json:"page_load_timeout"`
	PageLoadAttempts int     `mapstructure:"page_load_attempts" json:"page_load_attempts"`
	XPathTimeout     float64 `mapstructure:"xpath_timeout" json:"xpath_timeout"`
	// ResourceTimeout bounds every resource a page requests.
	ResourceTimeout float64 `mapstructure:"resource_timeout" json:"resource_timeout"`

	CookiesEnabled    bool `mapstructure:"cookies_enabled" json:"cookies_enabled"`
	JavascriptEnabled bool `mapstructure:"javascript_enabled" json:"javascript_enabled"`
	LoadImages        bool `mapstructure:"load_images" json:"load_images"`
	LoadStylesheets   bool `mapstructure:"load_stylesheets" json:"load_stylesheets"`
	SpoofJavaPlugin   bool `mapstructure:"spoof_java_plugin" json:"spoof_java_plugin"`
	SpoofFlashPlugin  bool `mapstructure:"spoof_flash_plugin" json:"spoof_flash_plugin"`
	SpoofHTML5Media   bool `mapstructure:"spoof_html5_media" json:"spoof_html5_media"`

	DefaultHeaders map[string]string `mapstructure:"default_headers" json:"default_headers"`
	// ScreenSize is nil for a size picked from the popularity table.
	ScreenSize *fingerprint.Size `mapstructure:"screen_size" json:"screen_size"`
}

// DefaultOptions returns the built-in option values.
func DefaultOptions() Options {
	return Options{
		PageLoadTimeout:   60,
		PageLoadAttempts:  1,
		XPathTimeout:      0,
		ResourceTimeout:   60,
		CookiesEnabled:    true,
		JavascriptEnabled: true,
		LoadImages:        true,
		LoadStylesheets:   true,
	}
}

// DefaultDriverProfile returns the driver profile defaults.
func DefaultDriverProfile() map[string]any {
	return map[string]any{
		"ignore_ssl_errors":          true,
		"local_to_remote_url_access": true,
		"ssl_protocol":               "any",
		"web_security":               false,
	}
}

// MergeOptions decodes overrides over DefaultOptions. Unknown keys are
// ignored; values of the wrong type fail with a ConfigError.
func MergeOptions(overrides map[string]any) (Options, error) {
	opts := DefaultOptions()
	if len(overrides) > 0 {
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:     &opts,
			DecodeHook: screenSizeHook,
		})
		if err != nil {
			return Options{}, &ConfigError{Err: err}
		}
		if err := dec.Decode(overrides); err != nil {
			return Options{}, &ConfigError{Err: err}
		}
	}
	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// MergeDriverProfile overlays profile on the defaults, keeping known keys
// only.
func MergeDriverProfile(profile map[string]any) map[string]any {
	merged := DefaultDriverProfile()
	for k, v := range profile {
		if _, ok := merged[k]; ok {
			merged[k] = v
		}
	}
	return merged
}

// Validate checks the option invariants.
func (o Options) Validate() error {
	switch {
	case o.PageLoadTimeout <= 0:
		return configErrorf("page_load_timeout", "must be > 0, got %v", o.PageLoadTimeout)
	case o.PageLoadAttempts < 1:
		return configErrorf("page_load_attempts", "must be >= 1, got %d", o.PageLoadAttempts)
	case o.XPathTimeout < 0:
		return configErrorf("xpath_timeout", "must be >= 0, got %v", o.XPathTimeout)
	case o.ResourceTimeout <= 0:
		return configErrorf("resource_timeout", "must be > 0, got %v", o.ResourceTimeout)
	}
	if o.ScreenSize != nil && (o.ScreenSize.Width <= 0 || o.ScreenSize.Height <= 0) {
		return configErrorf("screen_size", "dimensions must be positive, got %dx%d", o.ScreenSize.Width, o.ScreenSize.Height)
	}
	return nil
}

// Clone returns a deep copy of o.
func (o Options) Clone() Options {
	c := o
	c.DefaultHeaders = maps.Clone(o.DefaultHeaders)
	if o.ScreenSize != nil {
		size := *o.ScreenSize
		c.ScreenSize = &size
	}
	return c
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

var sizeType = reflect.TypeOf(fingerprint.Size{})

// screenSizeHook accepts [width, height] pairs for screen_size.
func screenSizeHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != sizeType {
		return data, nil
	}
	v := reflect.ValueOf(data)
	if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
		return data, nil
	}
	if v.Len() != 2 {
		return nil, errors.New("screen_size must be [width, height]")
	}
	for i := 0; i < 2; i++ {
		switch v.Index(i).Interface().(type) {
		case int, int32, int64, float64, uint, uint32, uint64:
		default:
			return nil, fmt.Errorf("screen_size[%d] must be an integer", i)
		}
	}
	return map[string]any{
		"width":  v.Index(0).Interface(),
		"height": v.Index(1).Interface(),
	}, nil
}
