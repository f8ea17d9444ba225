// internal/fingerprint/tables.go
package fingerprint

// Platform classes.
const (
	PlatformWin   = "win"
	PlatformMac   = "mac"
	PlatformLinux = "linux"
)

// Engines.
const (
	EngineChrome  = "chrome"
	EngineFirefox = "firefox"
)

// Platforms lists the supported platform classes in table order.
var Platforms = []string{PlatformWin, PlatformMac, PlatformLinux}

// Engines lists the supported engines in table order.
var Engines = []string{EngineChrome, EngineFirefox}

var osPlatforms = map[string][]string{
	PlatformWin: {
		"Windows NT 5.1",
		"Windows NT 6.1",
		"Windows NT 6.2",
		"Windows NT 6.3",
		"Windows NT 10.0",
	},
	PlatformMac: {
		"Macintosh; Intel Mac OS X 10.8",
		"Macintosh; Intel Mac OS X 10.9",
		"Macintosh; Intel Mac OS X 10.10",
		"Macintosh; Intel Mac OS X 10.11",
	},
	PlatformLinux: {
		"X11; Linux",
		"X11; Ubuntu; Linux",
	},
}

// subPlatform pairs the user agent architecture token with navigator.platform.
type subPlatform struct {
	token    string
	platform string
}

var subPlatforms = map[string][]subPlatform{
	PlatformWin: {
		{"", "Win32"},
		{"Win64; x64", "Win32"},
		{"WOW64", "Win32"},
	},
	PlatformLinux: {
		{"i686", "Linux i686"},
		{"x86_64", "Linux x86_64"},
		{"i686 on x86_64", "Linux i686 on x86_64"},
	},
	PlatformMac: {
		{"", "MacIntel"},
	},
}

// enginePlatforms lists the platforms each engine ships on.
var enginePlatforms = map[string][]string{
	EngineChrome:  {PlatformWin, PlatformLinux, PlatformMac},
	EngineFirefox: {PlatformWin, PlatformLinux, PlatformMac},
}

var engineVendor = map[string]struct{ vendor, productSub string }{
	EngineChrome:  {"Google Inc.", "20030107"},
	EngineFirefox: {"", "20100101"},
}

const (
	firefoxUATemplate = "Mozilla/5.0 (%s; rv:%s) Gecko/%s Firefox/%s"
	chromeUATemplate  = "Mozilla/5.0 (%s) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%s Safari/537.36"
	geckoTrailDesktop = "20100101"
)

var firefoxVersions = []string{
	"31.0", "33.0", "34.0", "35.0", "36.0", "37.0", "38.0", "39.0",
	"40.0", "41.0", "42.0", "43.0", "44.0", "45.0", "46.0",
}

// chromeBuild is a major version with its inclusive build number range.
type chromeBuild struct {
	major    int
	min, max int
}

var chromeBuilds = []chromeBuild{
	{34, 1847, 1915},
	{35, 1916, 1984},
	{36, 1985, 2061},
	{37, 2062, 2124},
	{38, 2125, 2170},
	{39, 2171, 2213},
	{40, 2214, 2271},
	{41, 2272, 2310},
	{42, 2311, 2356},
	{43, 2357, 2402},
	{44, 2403, 2453},
	{45, 2454, 2489},
	{46, 2490, 2525},
	{47, 2526, 2563},
	{48, 2564, 2565},
}

// macChromeBuilds holds the candidate patch levels Chrome reports per OS X
// release.
var macChromeBuilds = map[string][]int{
	"10.8":  {0, 8},
	"10.9":  {0, 5},
	"10.10": {0, 5},
	"10.11": {0, 1},
}

// Popularity weights in percent.
var (
	enginePopularity = map[string]float64{
		EngineChrome:  58,
		EngineFirefox: 34,
	}
	platformPopularity = map[string]float64{
		PlatformWin:   76,
		PlatformMac:   18,
		PlatformLinux: 6,
	}
)

// Size is a screen size in pixels.
type Size struct {
	Width  int `json:"width" mapstructure:"width"`
	Height int `json:"height" mapstructure:"height"`
}

// screenResolutions is the screen size popularity table.
var screenResolutions = []Weighted[Size]{
	{Size{1024, 768}, 4},
	{Size{1280, 800}, 5},
	{Size{1280, 1024}, 7},
	{Size{1360, 768}, 2},
	{Size{1366, 768}, 33},
	{Size{1440, 900}, 7},
	{Size{1600, 900}, 6},
	{Size{1680, 1050}, 4},
	{Size{1920, 1080}, 16},
	{Size{1920, 1200}, 3},
}

const (
	screenColorDepth = 24
	// MinScreenDimension is the floor applied to each screen dimension.
	MinScreenDimension = 300
)

var (
	osTaskbarHeights      = []int{30, 32, 40}
	browserTaskbarHeights = []int{90, 100, 105}
	browserScrollbarWidth = []int{17, 20}
)

// FlashPlugin describes the Shockwave Flash plugin advertised for a
// platform class.
type FlashPlugin struct {
	Version     string `json:"version"`
	Description string `json:"description"`
	Filename    string `json:"filename"`
}

var flashPlugins = map[string]FlashPlugin{
	PlatformWin: {
		Version:     "WIN 20,0,0,185",
		Description: "Shockwave Flash 20.0 r0",
		Filename:    "NPSWF32.dll",
	},
	PlatformLinux: {
		Version:     "LNX 20,0,0,185",
		Description: "Shockwave Flash 20.0 r0",
		Filename:    "libpepflashplayer.so",
	},
	PlatformMac: {
		Version:     "MAC 20,0,0,185",
		Description: "Shockwave Flash 20.0 r0",
		Filename:    "Shockwave Flash.Plugin",
	},
}

// Flash returns the Flash plugin advertised for a platform class.
func Flash(platformClass string) (FlashPlugin, bool) {
	p, ok := flashPlugins[platformClass]
	return p, ok
}
