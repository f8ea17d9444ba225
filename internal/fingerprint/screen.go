// internal/fingerprint/screen.go
package fingerprint

// Screen is a derived screen geometry: the physical size, the window.screen
// object a page sees and the window metrics of a maximized browser.
type Screen struct {
	Width                int           `json:"width"`
	Height               int           `json:"height"`
	ColorDepth           int           `json:"color_depth"`
	OSTaskbarHeight      int           `json:"os_taskbar_height"`
	BrowserTaskbarHeight int           `json:"browser_taskbar_height"`
	Screen               WindowScreen  `json:"window.screen"`
	Window               WindowMetrics `json:"window"`
}

// WindowScreen mirrors window.screen.
type WindowScreen struct {
	Width       int `json:"width"`
	Height      int `json:"height"`
	AvailWidth  int `json:"availWidth"`
	AvailHeight int `json:"availHeight"`
	AvailLeft   int `json:"availLeft"`
	AvailTop    int `json:"availTop"`
	ColorDepth  int `json:"colorDepth"`
	PixelDepth  int `json:"pixelDepth"`
}

// WindowMetrics holds the window size and position properties.
type WindowMetrics struct {
	OuterWidth  int `json:"outerWidth"`
	OuterHeight int `json:"outerHeight"`
	InnerWidth  int `json:"innerWidth"`
	InnerHeight int `json:"innerHeight"`
	ScreenX     int `json:"screenX"`
	ScreenY     int `json:"screenY"`
}

// Viewport is the inner window size, the area documents are laid out in.
func (s Screen) Viewport() Size {
	return Size{Width: s.Window.InnerWidth, Height: s.Window.InnerHeight}
}

// Size returns the physical screen size.
func (s Screen) Size() Size {
	return Size{Width: s.Width, Height: s.Height}
}
