package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestProxyConfigServer(t *testing.T) {
	p := &ProxyConfig{Host: "10.0.0.2", Port: 3128}
	if got := p.Server(); got != "http://10.0.0.2:3128" {
		t.Errorf("Server() = %q", got)
	}
	if p.HasAuth() {
		t.Error("proxy without username should not need auth")
	}
	p.Username = "u"
	if !p.HasAuth() {
		t.Error("proxy with username should need auth")
	}
	var nilProxy *ProxyConfig
	if nilProxy.HasAuth() {
		t.Error("nil proxy should not need auth")
	}
}

func TestScreencastOptionsDefaults(t *testing.T) {
	got := ScreencastOptions{Quality: 250}.withDefaults()
	want := ScreencastOptions{Quality: 40, MaxWidth: 1280, MaxHeight: 720, EveryNthFrame: 1}
	if got != want {
		t.Errorf("withDefaults() = %+v, want %+v", got, want)
	}
	kept := ScreencastOptions{Quality: 70, MaxWidth: 800, MaxHeight: 600, EveryNthFrame: 2}
	if kept.withDefaults() != kept {
		t.Errorf("explicit options should be kept, got %+v", kept.withDefaults())
	}
}

func TestParseExtraFlags(t *testing.T) {
	got := parseExtraFlags("--lang=en-US  --mute-audio -- ")
	if got["lang"] != "en-US" {
		t.Errorf("lang = %v", got["lang"])
	}
	if got["mute-audio"] != true {
		t.Errorf("mute-audio = %v", got["mute-audio"])
	}
	if len(got) != 2 {
		t.Errorf("expected 2 flags, got %v", got)
	}
}

func TestAllocatorOptionsExtendDefaults(t *testing.T) {
	base := len(allocatorOptions(Options{Headless: true}))
	withExtras := len(allocatorOptions(Options{Headless: true, Binary: "/usr/bin/chromium", ExtraFlags: "--a --b=1", Timezone: "UTC"}))
	if withExtras != base+4 {
		t.Errorf("expected 4 extra options, got %d", withExtras-base)
	}
}

func TestUserAgentOverride(t *testing.T) {
	if userAgentOverride("", "144.0.1.2") != nil {
		t.Error("expected nil override without user agent")
	}
	p := userAgentOverride("Mozilla/5.0 Test", "144.0.7559.133")
	if p == nil || p.UserAgentMetadata == nil {
		t.Fatal("expected override with metadata")
	}
	if got := p.UserAgentMetadata.Brands[1].Version; got != "144" {
		t.Errorf("major version = %q, want 144", got)
	}
	if got := p.UserAgentMetadata.FullVersionList[1].Version; got != "144.0.7559.133" {
		t.Errorf("full version = %q", got)
	}
}

func TestHintsFor(t *testing.T) {
	tests := []struct {
		goos, goarch string
		want         platformHints
	}{
		{"darwin", "arm64", platformHints{"MacIntel", "macOS", "14.0.0", "arm"}},
		{"windows", "amd64", platformHints{"Win32", "Windows", "15.0.0", "x86"}},
		{"linux", "amd64", platformHints{"Linux x86_64", "Linux", "6.5.0", "x86"}},
	}
	for _, tt := range tests {
		if got := hintsFor(tt.goos, tt.goarch); got != tt.want {
			t.Errorf("hintsFor(%s,%s) = %+v, want %+v", tt.goos, tt.goarch, got, tt.want)
		}
	}
}

func TestStealthScriptPrelude(t *testing.T) {
	s := stealthScript(42, "")
	if !strings.HasPrefix(s, "var __postbridge_seed = 42;\nvar __postbridge_stealth_level = \"light\";\n") {
		t.Errorf("unexpected prelude: %q", s[:80])
	}
}

func TestTimeoutErr(t *testing.T) {
	err := timeoutErr(fmt.Errorf("wrapped: %w", context.DeadlineExceeded), "#compose")
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
	other := errors.New("boom")
	if timeoutErr(other, "x") != other {
		t.Error("non-deadline errors should pass through")
	}
}
