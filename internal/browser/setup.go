package browser

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/pinchtab/postbridge/internal/assets"
)

// disableAnimationsJS is injected to force-disable CSS animations and
// transitions, which keeps compose dialogs from moving under the pointer.
const disableAnimationsJS = `
(function() {
  const style = document.createElement('style');
  style.setAttribute('data-postbridge', 'no-animations');
  style.textContent = '*, *::before, *::after { animation: none !important; animation-duration: 0s !important; transition: none !important; transition-duration: 0s !important; scroll-behavior: auto !important; }';
  (document.head || document.documentElement).appendChild(style);
})();
`

func (c *Chrome) setupPage(pageCtx context.Context) error {
	var actions []chromedp.Action
	if ua := userAgentOverride(c.opts.UserAgent, c.opts.ChromeVersion); ua != nil {
		actions = append(actions, ua)
	}
	if c.opts.Timezone != "" {
		actions = append(actions, emulation.SetTimezoneOverride(c.opts.Timezone))
	}
	actions = append(actions, addScript(stealthScript(c.seed, c.opts.StealthLevel)))
	if c.opts.NoAnimations {
		actions = append(actions,
			addScript(disableAnimationsJS),
			emulation.SetEmulatedMedia().WithFeatures([]*emulation.MediaFeature{
				{Name: "prefers-reduced-motion", Value: "reduce"},
			}),
		)
	}
	return chromedp.Run(pageCtx, actions...)
}

func addScript(src string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := page.AddScriptToEvaluateOnNewDocument(src).Do(ctx)
		return err
	})
}

func stealthScript(seed int64, level string) string {
	if level == "" {
		level = "light"
	}
	return fmt.Sprintf("var __postbridge_seed = %d;\nvar __postbridge_stealth_level = %q;\n", seed, level) + assets.StealthScript
}

// userAgentOverride builds Emulation.setUserAgentOverride with client hints
// that agree with the UA string. Nil when no UA is configured.
func userAgentOverride(userAgent, chromeVersion string) *emulation.SetUserAgentOverrideParams {
	if userAgent == "" {
		return nil
	}

	major := chromeVersion
	if i := strings.Index(chromeVersion, "."); i > 0 {
		major = chromeVersion[:i]
	}
	hints := hostHints()

	return emulation.SetUserAgentOverride(userAgent).
		WithAcceptLanguage("en-US,en").
		WithPlatform(hints.navigatorPlatform).
		WithUserAgentMetadata(&emulation.UserAgentMetadata{
			Platform:        hints.name,
			PlatformVersion: hints.version,
			Architecture:    hints.arch,
			Bitness:         "64",
			Mobile:          false,
			Brands: []*emulation.UserAgentBrandVersion{
				{Brand: "Not(A:Brand", Version: "99"},
				{Brand: "Google Chrome", Version: major},
				{Brand: "Chromium", Version: major},
			},
			FullVersionList: []*emulation.UserAgentBrandVersion{
				{Brand: "Not(A:Brand", Version: "99.0.0.0"},
				{Brand: "Google Chrome", Version: chromeVersion},
				{Brand: "Chromium", Version: chromeVersion},
			},
		})
}

type platformHints struct {
	navigatorPlatform string
	name              string
	version           string
	arch              string
}

func hostHints() platformHints {
	return hintsFor(runtime.GOOS, runtime.GOARCH)
}

func hintsFor(goos, goarch string) platformHints {
	h := platformHints{arch: "x86"}
	if goarch == "arm64" {
		h.arch = "arm"
	}
	switch goos {
	case "darwin":
		h.navigatorPlatform, h.name, h.version = "MacIntel", "macOS", "14.0.0"
	case "windows":
		h.navigatorPlatform, h.name, h.version = "Win32", "Windows", "15.0.0"
	default:
		h.navigatorPlatform, h.name, h.version = "Linux x86_64", "Linux", "6.5.0"
	}
	return h
}
