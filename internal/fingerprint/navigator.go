// internal/fingerprint/navigator.go
package fingerprint

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
)

// ErrUnsupported is returned when a platform or engine restriction cannot be
// satisfied by the tables.
var ErrUnsupported = errors.New("unsupported navigator restriction")

// Navigator is a consistent browser identity: the engine, the platform class
// it runs on and the navigator properties a page can observe.
type Navigator struct {
	// Name is the engine name (chrome, firefox).
	Name          string `mapstructure:"__name__" json:"__name__"`
	Version       string `mapstructure:"__version__" json:"__version__"`
	PlatformClass string `mapstructure:"__platform__" json:"__platform__"`

	UserAgent     string `mapstructure:"userAgent" json:"userAgent"`
	Platform      string `mapstructure:"platform" json:"platform"`
	OSCPU         string `mapstructure:"oscpu" json:"oscpu,omitempty"`
	Vendor        string `mapstructure:"vendor" json:"vendor"`
	VendorSub     string `mapstructure:"vendorSub" json:"vendorSub"`
	ProductSub    string `mapstructure:"productSub" json:"productSub"`
	AppCodeName   string `mapstructure:"appCodeName" json:"appCodeName"`
	AppName       string `mapstructure:"appName" json:"appName"`
	AppVersion    string `mapstructure:"appVersion" json:"appVersion"`
	Product       string `mapstructure:"product" json:"product"`
	Language      string `mapstructure:"language" json:"language"`
	Languages     string `mapstructure:"languages" json:"languages"`
	OnLine        bool   `mapstructure:"onLine" json:"onLine"`
	CookieEnabled bool   `mapstructure:"cookieEnabled" json:"cookieEnabled"`
}

// Validate checks the fields every navigator must carry.
func (n *Navigator) Validate() error {
	var missing []string
	if n.Platform == "" {
		missing = append(missing, "platform")
	}
	if n.UserAgent == "" {
		missing = append(missing, "userAgent")
	}
	if n.Name == "" {
		missing = append(missing, "__name__")
	}
	if n.PlatformClass == "" {
		missing = append(missing, "__platform__")
	}
	if len(missing) > 0 {
		return fmt.Errorf("navigator is missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Properties returns the page-visible navigator shape. Internal fields (the
// double underscore ones) are omitted.
func (n *Navigator) Properties() map[string]any {
	props := map[string]any{
		"userAgent":     n.UserAgent,
		"platform":      n.Platform,
		"vendor":        n.Vendor,
		"vendorSub":     n.VendorSub,
		"productSub":    n.ProductSub,
		"appCodeName":   n.AppCodeName,
		"appName":       n.AppName,
		"appVersion":    n.AppVersion,
		"product":       n.Product,
		"language":      n.Language,
		"languages":     n.Languages,
		"onLine":        n.OnLine,
		"cookieEnabled": n.CookieEnabled,
	}
	if n.OSCPU != "" {
		props["oscpu"] = n.OSCPU
	}
	return props
}

// Clone returns a copy of n.
func (n *Navigator) Clone() *Navigator {
	if n == nil {
		return nil
	}
	c := *n
	return &c
}

// NavigatorFromMap decodes a structured navigator (as found in config files
// or caller input) and validates it.
func NavigatorFromMap(m map[string]any) (*Navigator, error) {
	var n Navigator
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &n,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(m); err != nil {
		return nil, fmt.Errorf("failed to decode navigator: %w", err)
	}
	if err := n.Validate(); err != nil {
		return nil, err
	}
	return &n, nil
}
