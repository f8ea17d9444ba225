// internal/fingerprint/generator.go
package fingerprint

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"
)

// Weighted is a table entry with its relative weight.
type Weighted[T any] struct {
	Value  T
	Weight float64
}

// WeightedChoice picks an entry with probability proportional to its weight.
// It panics on an empty table.
func WeightedChoice[T any](r *rand.Rand, choices []Weighted[T]) T {
	var total float64
	for _, c := range choices {
		total += c.Weight
	}
	winner := r.Float64() * total
	var cum float64
	for _, c := range choices {
		if cum+c.Weight > winner {
			return c.Value
		}
		cum += c.Weight
	}
	return choices[len(choices)-1].Value
}

// Generator produces navigators and screen geometries from the popularity
// tables. It is safe for concurrent use.
type Generator struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewGenerator returns a generator seeded with seed. Equal seeds yield equal
// sequences.
func NewGenerator(seed uint64) *Generator {
	return &Generator{rnd: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

var defaultGenerator = NewGenerator(uint64(time.Now().UnixNano()))

// Default returns the process-wide generator.
func Default() *Generator {
	return defaultGenerator
}

// Navigator generates a navigator restricted to the given platform classes
// and engines. Empty restrictions allow every table entry.
func (g *Generator) Navigator(platforms, engines []string) (*Navigator, error) {
	platformChoices, err := restrict(platforms, Platforms, "platform")
	if err != nil {
		return nil, err
	}
	engineChoices, err := restrict(engines, Engines, "engine")
	if err != nil {
		return nil, err
	}

	type pair struct{ engine, platform string }
	var available []Weighted[pair]
	for _, e := range engineChoices {
		for _, p := range platformChoices {
			if slices.Contains(enginePlatforms[e], p) {
				available = append(available, Weighted[pair]{
					Value:  pair{e, p},
					Weight: enginePopularity[e] * platformPopularity[p],
				})
			}
		}
	}
	if len(available) == 0 {
		return nil, fmt.Errorf("%w: no navigator matches platforms %v and engines %v", ErrUnsupported, platforms, engines)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	chosen := WeightedChoice(g.rnd, available)
	engine, platformClass := chosen.engine, chosen.platform

	var osPlatform, navPlatform, oscpu string
	switch platformClass {
	case PlatformWin:
		sub := pick(g.rnd, subPlatforms[PlatformWin])
		osPlatform = pick(g.rnd, osPlatforms[PlatformWin])
		if sub.token != "" {
			osPlatform += "; " + sub.token
		}
		navPlatform = sub.platform
		oscpu = osPlatform
	case PlatformLinux:
		sub := pick(g.rnd, subPlatforms[PlatformLinux])
		osPlatform = pick(g.rnd, osPlatforms[PlatformLinux]) + " " + sub.token
		navPlatform = sub.platform
		oscpu = navPlatform
	case PlatformMac:
		navPlatform = subPlatforms[PlatformMac][0].platform
		osPlatform = pick(g.rnd, osPlatforms[PlatformMac])
		if engine == EngineChrome {
			osPlatform = g.chromeMacPlatform(osPlatform)
		}
		oscpu = strings.TrimPrefix(osPlatform, "Macintosh; ")
	}

	version := g.engineVersion(engine)

	var ua string
	switch engine {
	case EngineFirefox:
		ua = fmt.Sprintf(firefoxUATemplate, osPlatform, version, geckoTrailDesktop, version)
	case EngineChrome:
		ua = fmt.Sprintf(chromeUATemplate, osPlatform, version)
	}

	vendor := engineVendor[engine]
	nav := &Navigator{
		Name:          engine,
		Version:       version,
		PlatformClass: platformClass,
		UserAgent:     ua,
		Platform:      navPlatform,
		Vendor:        vendor.vendor,
		VendorSub:     "",
		ProductSub:    vendor.productSub,
		AppCodeName:   "Mozilla",
		AppName:       "Netscape",
		AppVersion:    "5.0",
		Product:       "Gecko",
		Language:      "en-US",
		Languages:     "en-US,en",
		OnLine:        true,
		CookieEnabled: true,
	}
	if engine == EngineFirefox {
		nav.OSCPU = oscpu
	}
	return nav, nil
}

func (g *Generator) engineVersion(engine string) string {
	if engine == EngineFirefox {
		return pick(g.rnd, firefoxVersions)
	}
	build := pick(g.rnd, chromeBuilds)
	return fmt.Sprintf("%d.0.%d.%d", build.major, build.min+g.rnd.IntN(build.max-build.min+1), g.rnd.IntN(100))
}

// chromeMacPlatform rewrites "Mac OS X 10.9" into Chrome's "Mac OS X 10_9_N".
func (g *Generator) chromeMacPlatform(platform string) string {
	_, release, _ := strings.Cut(platform, "OS X ")
	build := pick(g.rnd, macChromeBuilds[release])
	return fmt.Sprintf("Macintosh; Intel Mac OS X %s_%d", strings.ReplaceAll(release, ".", "_"), build)
}

// Screen derives a full screen geometry. A nil size picks one from the
// resolution popularity table. Each dimension is floored at
// MinScreenDimension.
func (g *Generator) Screen(size *Size) Screen {
	g.mu.Lock()
	defer g.mu.Unlock()

	var s Size
	if size == nil {
		s = WeightedChoice(g.rnd, screenResolutions)
	} else {
		s = *size
	}
	width := max(MinScreenDimension, s.Width)
	height := max(MinScreenDimension, s.Height)

	osTaskbar := pick(g.rnd, osTaskbarHeights)
	browserTaskbar := pick(g.rnd, browserTaskbarHeights)
	scrollbar := pick(g.rnd, browserScrollbarWidth)

	screen := Screen{
		Width:                width,
		Height:               height,
		ColorDepth:           screenColorDepth,
		OSTaskbarHeight:      osTaskbar,
		BrowserTaskbarHeight: browserTaskbar,
		Screen: WindowScreen{
			Width:       width,
			Height:      height,
			AvailWidth:  width,
			AvailHeight: height - osTaskbar,
			AvailLeft:   0,
			AvailTop:    osTaskbar,
			ColorDepth:  screenColorDepth,
			PixelDepth:  screenColorDepth,
		},
	}
	screen.Window = WindowMetrics{
		OuterWidth:  screen.Screen.AvailWidth,
		OuterHeight: screen.Screen.AvailHeight,
		InnerWidth:  screen.Screen.AvailWidth - scrollbar,
		InnerHeight: screen.Screen.AvailHeight - browserTaskbar,
		ScreenX:     0,
		ScreenY:     screen.Screen.AvailTop,
	}
	return screen
}

func pick[T any](r *rand.Rand, values []T) T {
	return values[r.IntN(len(values))]
}

// restrict filters requested against the supported values. An empty request
// allows everything.
func restrict(requested, supported []string, kind string) ([]string, error) {
	if len(requested) == 0 {
		return supported, nil
	}
	out := make([]string, 0, len(requested))
	for _, r := range requested {
		if !slices.Contains(supported, r) {
			return nil, fmt.Errorf("%w: %s %q", ErrUnsupported, kind, r)
		}
		if !slices.Contains(out, r) {
			out = append(out, r)
		}
	}
	return out, nil
}
