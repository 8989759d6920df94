package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestEnvOr(t *testing.T) {
	key := "POSTBRIDGE_TEST_ENV"
	fallback := "default"

	_ = os.Unsetenv(key)
	if got := envOr(key, fallback); got != fallback {
		t.Errorf("envOr() = %v, want %v", got, fallback)
	}

	t.Setenv(key, "set")
	if got := envOr(key, fallback); got != "set" {
		t.Errorf("envOr() = %v, want %v", got, "set")
	}
}

func TestEnvIntOr(t *testing.T) {
	key := "POSTBRIDGE_TEST_INT"
	fallback := 42

	_ = os.Unsetenv(key)
	if got := envIntOr(key, fallback); got != fallback {
		t.Errorf("envIntOr() = %v, want %v", got, fallback)
	}

	t.Setenv(key, "100")
	if got := envIntOr(key, fallback); got != 100 {
		t.Errorf("envIntOr() = %v, want %v", got, 100)
	}

	t.Setenv(key, "invalid")
	if got := envIntOr(key, fallback); got != fallback {
		t.Errorf("envIntOr() = %v, want %v", got, fallback)
	}
}

func TestEnvBoolOr(t *testing.T) {
	key := "POSTBRIDGE_TEST_BOOL"
	fallback := true

	_ = os.Unsetenv(key)
	if got := envBoolOr(key, fallback); got != fallback {
		t.Errorf("envBoolOr() = %v, want %v", got, fallback)
	}

	tests := []struct {
		val  string
		want bool
	}{
		{"1", true}, {"true", true}, {"yes", true}, {"on", true},
		{"0", false}, {"false", false}, {"no", false}, {"off", false},
		{"garbage", true},
	}

	for _, tt := range tests {
		t.Setenv(key, tt.val)
		if got := envBoolOr(key, fallback); got != tt.want {
			t.Errorf("envBoolOr(%q) = %v, want %v", tt.val, got, tt.want)
		}
	}
}

func TestEnvDurationOr(t *testing.T) {
	key := "POSTBRIDGE_TEST_DURATION"
	tests := []struct {
		val  string
		want time.Duration
	}{
		{"", 5 * time.Second},
		{"250ms", 250 * time.Millisecond},
		{"45", 45 * time.Second},
		{"-3s", 5 * time.Second},
		{"soon", 5 * time.Second},
	}
	for _, tt := range tests {
		t.Setenv(key, tt.val)
		if got := envDurationOr(key, 5*time.Second); got != tt.want {
			t.Errorf("envDurationOr(%q) = %v, want %v", tt.val, got, tt.want)
		}
	}
}

func TestMaskToken(t *testing.T) {
	tests := []struct {
		token string
		want  string
	}{
		{"", "(none)"},
		{"short", "***"},
		{"very-long-token-secret", "very...cret"},
	}

	for _, tt := range tests {
		if got := MaskToken(tt.token); got != tt.want {
			t.Errorf("MaskToken(%q) = %v, want %v", tt.token, got, tt.want)
		}
	}
}

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("POSTBRIDGE_CONFIG", filepath.Join(dir, "missing.json"))
	t.Setenv("POSTBRIDGE_ENV_FILE", filepath.Join(dir, "missing.env"))
	t.Setenv("POSTBRIDGE_STATE_DIR", dir)
	for _, k := range []string{"POSTBRIDGE_PORT", "POSTBRIDGE_BIND", "POSTBRIDGE_TOKEN", "POSTBRIDGE_DB", "POSTBRIDGE_VERIFY_WINDOW"} {
		t.Setenv(k, "")
	}
	return dir
}

func TestLoadConfigDefaults(t *testing.T) {
	dir := isolate(t)

	cfg := Load()
	if cfg.Port != "9870" {
		t.Errorf("default Port = %v, want 9870", cfg.Port)
	}
	if cfg.Bind != "127.0.0.1" {
		t.Errorf("default Bind = %v, want 127.0.0.1", cfg.Bind)
	}
	if cfg.DBPath != filepath.Join(dir, "postbridge.db") {
		t.Errorf("default DBPath = %v", cfg.DBPath)
	}
	if cfg.VerifyWindow != 8*time.Second {
		t.Errorf("default VerifyWindow = %v, want 8s", cfg.VerifyWindow)
	}
	if cfg.PlatformURL != "https://x.com" {
		t.Errorf("default PlatformURL = %v", cfg.PlatformURL)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("POSTBRIDGE_PORT", "1234")
	t.Setenv("POSTBRIDGE_VERIFY_WINDOW", "3s")

	cfg := Load()
	if cfg.Port != "1234" {
		t.Errorf("env Port = %v, want 1234", cfg.Port)
	}
	if cfg.VerifyWindow != 3*time.Second {
		t.Errorf("env VerifyWindow = %v, want 3s", cfg.VerifyWindow)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := isolate(t)
	configPath := filepath.Join(dir, "config.json")
	t.Setenv("POSTBRIDGE_CONFIG", configPath)

	configData := `{
		"port": "8888",
		"headless": false,
		"timeoutSec": 60,
		"verifySec": 12
	}`
	if err := os.WriteFile(configPath, []byte(configData), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := Load()
	if cfg.Port != "8888" {
		t.Errorf("file Port = %v, want 8888", cfg.Port)
	}
	if cfg.Headless {
		t.Errorf("file Headless = %v, want false", cfg.Headless)
	}
	if cfg.ActionTimeout != 60*time.Second {
		t.Errorf("file ActionTimeout = %v, want 60s", cfg.ActionTimeout)
	}
	if cfg.VerifyWindow != 12*time.Second {
		t.Errorf("file VerifyWindow = %v, want 12s", cfg.VerifyWindow)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := isolate(t)
	envPath := filepath.Join(dir, "test.env")
	if err := os.WriteFile(envPath, []byte("POSTBRIDGE_DOTENV_PROBE=from-dotenv\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("POSTBRIDGE_ENV_FILE", envPath)
	t.Cleanup(func() { _ = os.Unsetenv("POSTBRIDGE_DOTENV_PROBE") })

	_ = Load()
	if got := os.Getenv("POSTBRIDGE_DOTENV_PROBE"); got != "from-dotenv" {
		t.Errorf("dotenv value = %q, want from-dotenv", got)
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	if err := WriteDefault(path, false); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}
	if err := WriteDefault(path, false); err == nil {
		t.Error("expected error when file exists")
	}
	if err := WriteDefault(path, true); err != nil {
		t.Errorf("forced WriteDefault: %v", err)
	}
}

func TestDescribeMasksSecrets(t *testing.T) {
	cfg := &RuntimeConfig{Bind: "127.0.0.1", Port: "9870", Token: "super-secret-token", DuoPlusAPIKey: "dp-key-1234567890"}
	var buf bytes.Buffer
	Describe(&buf, cfg)
	out := buf.String()
	if strings.Contains(out, "super-secret-token") || strings.Contains(out, "dp-key-1234567890") {
		t.Errorf("secrets leaked: %s", out)
	}
	if !strings.Contains(out, "127.0.0.1:9870") {
		t.Errorf("listen addr missing: %s", out)
	}
}
