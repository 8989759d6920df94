package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type RuntimeConfig struct {
	Bind             string
	Port             string
	Token            string
	StateDir         string
	DBPath           string
	MediaDir         string
	Headless         bool
	ChromeBinary     string
	ChromeExtraFlags string
	ChromeVersion    string
	UserAgent        string
	Timezone         string
	StealthLevel     string
	NoAnimations     bool
	PlatformURL      string

	ActionTimeout   time.Duration
	NavigateTimeout time.Duration
	LoginTimeout    time.Duration
	ShutdownTimeout time.Duration
	VerifyWindow    time.Duration

	ScreencastQuality   int
	ScreencastMaxWidth  int
	ScreencastMaxHeight int
	ScreencastEveryNth  int
	PreviewFPS          int
	PreviewTestURL      string
	PreviewTestDuration time.Duration

	DuoPlusAPIKey      string
	DuoPlusAPIURL      string
	DevicesFile        string
	ProxyCheckInterval time.Duration

	LogLevel  string
	LogFormat string
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func envBoolOr(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// envDurationOr accepts Go durations ("45s") or bare seconds ("45").
func envDurationOr(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func homeDir() string {
	h, _ := os.UserHomeDir()
	return h
}

func (c *RuntimeConfig) ListenAddr() string {
	return c.Bind + ":" + c.Port
}

type FileConfig struct {
	Port          string `json:"port"`
	Token         string `json:"token,omitempty"`
	StateDir      string `json:"stateDir"`
	DBPath        string `json:"dbPath,omitempty"`
	MediaDir      string `json:"mediaDir,omitempty"`
	Headless      *bool  `json:"headless,omitempty"`
	PlatformURL   string `json:"platformUrl,omitempty"`
	TimeoutSec    int    `json:"timeoutSec,omitempty"`
	NavigateSec   int    `json:"navigateSec,omitempty"`
	LoginSec      int    `json:"loginSec,omitempty"`
	VerifySec     int    `json:"verifySec,omitempty"`
	DevicesFile   string `json:"devicesFile,omitempty"`
	DuoPlusAPIURL string `json:"duoplusApiUrl,omitempty"`
}

// Load builds the runtime config. Precedence, lowest first: defaults, the
// JSON config file, a .env file, then the process environment.
func Load() *RuntimeConfig {
	// godotenv never overrides variables that are already set.
	_ = godotenv.Load(envOr("POSTBRIDGE_ENV_FILE", ".env"))

	stateDir := envOr("POSTBRIDGE_STATE_DIR", filepath.Join(homeDir(), ".postbridge"))
	cfg := &RuntimeConfig{
		Bind:             envOr("POSTBRIDGE_BIND", "127.0.0.1"),
		Port:             envOr("POSTBRIDGE_PORT", "9870"),
		Token:            os.Getenv("POSTBRIDGE_TOKEN"),
		StateDir:         stateDir,
		DBPath:           os.Getenv("POSTBRIDGE_DB"),
		MediaDir:         os.Getenv("POSTBRIDGE_MEDIA_DIR"),
		Headless:         envBoolOr("POSTBRIDGE_HEADLESS", true),
		ChromeBinary:     os.Getenv("CHROME_BINARY"),
		ChromeExtraFlags: os.Getenv("CHROME_FLAGS"),
		ChromeVersion:    envOr("POSTBRIDGE_CHROME_VERSION", "144.0.7559.133"),
		UserAgent:        os.Getenv("POSTBRIDGE_USER_AGENT"),
		Timezone:         os.Getenv("POSTBRIDGE_TIMEZONE"),
		StealthLevel:     envOr("POSTBRIDGE_STEALTH", "light"),
		NoAnimations:     envBoolOr("POSTBRIDGE_NO_ANIMATIONS", false),
		PlatformURL:      envOr("POSTBRIDGE_PLATFORM_URL", "https://x.com"),

		ActionTimeout:   envDurationOr("POSTBRIDGE_TIMEOUT", 15*time.Second),
		NavigateTimeout: envDurationOr("POSTBRIDGE_NAV_TIMEOUT", 30*time.Second),
		LoginTimeout:    envDurationOr("POSTBRIDGE_LOGIN_TIMEOUT", 90*time.Second),
		ShutdownTimeout: envDurationOr("POSTBRIDGE_SHUTDOWN_TIMEOUT", 10*time.Second),
		VerifyWindow:    envDurationOr("POSTBRIDGE_VERIFY_WINDOW", 8*time.Second),

		ScreencastQuality:   envIntOr("POSTBRIDGE_SCREENCAST_QUALITY", 40),
		ScreencastMaxWidth:  envIntOr("POSTBRIDGE_SCREENCAST_MAX_WIDTH", 1280),
		ScreencastMaxHeight: envIntOr("POSTBRIDGE_SCREENCAST_MAX_HEIGHT", 720),
		ScreencastEveryNth:  envIntOr("POSTBRIDGE_SCREENCAST_EVERY_NTH", 1),
		PreviewFPS:          envIntOr("POSTBRIDGE_PREVIEW_FPS", 5),
		PreviewTestURL:      envOr("POSTBRIDGE_PREVIEW_TEST_URL", "https://example.com"),
		PreviewTestDuration: envDurationOr("POSTBRIDGE_PREVIEW_TEST_DURATION", 10*time.Second),

		DuoPlusAPIKey:      os.Getenv("DUOPLUS_API_KEY"),
		DuoPlusAPIURL:      envOr("DUOPLUS_API_URL", "https://openapi.duoplus.net"),
		DevicesFile:        os.Getenv("POSTBRIDGE_DEVICES"),
		ProxyCheckInterval: envDurationOr("POSTBRIDGE_PROXY_CHECK_INTERVAL", 10*time.Minute),

		LogLevel:  envOr("POSTBRIDGE_LOG_LEVEL", "info"),
		LogFormat: envOr("POSTBRIDGE_LOG_FORMAT", "text"),
	}
	configPath := envOr("POSTBRIDGE_CONFIG", filepath.Join(homeDir(), ".postbridge", "config.json"))
	if data, err := os.ReadFile(configPath); err == nil {
		var fc FileConfig
		if err := json.Unmarshal(data, &fc); err == nil {
			cfg.applyFile(fc)
		}
	}

	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.StateDir, "postbridge.db")
	}
	if cfg.MediaDir == "" {
		cfg.MediaDir = filepath.Join(cfg.StateDir, "media")
	}
	if cfg.DevicesFile == "" {
		cfg.DevicesFile = filepath.Join(cfg.StateDir, "devices.yaml")
	}
	return cfg
}

func (cfg *RuntimeConfig) applyFile(fc FileConfig) {
	if fc.Port != "" && os.Getenv("POSTBRIDGE_PORT") == "" {
		cfg.Port = fc.Port
	}
	if fc.Token != "" && os.Getenv("POSTBRIDGE_TOKEN") == "" {
		cfg.Token = fc.Token
	}
	if fc.StateDir != "" && os.Getenv("POSTBRIDGE_STATE_DIR") == "" {
		cfg.StateDir = fc.StateDir
	}
	if fc.DBPath != "" && os.Getenv("POSTBRIDGE_DB") == "" {
		cfg.DBPath = fc.DBPath
	}
	if fc.MediaDir != "" && os.Getenv("POSTBRIDGE_MEDIA_DIR") == "" {
		cfg.MediaDir = fc.MediaDir
	}
	if fc.Headless != nil && os.Getenv("POSTBRIDGE_HEADLESS") == "" {
		cfg.Headless = *fc.Headless
	}
	if fc.PlatformURL != "" && os.Getenv("POSTBRIDGE_PLATFORM_URL") == "" {
		cfg.PlatformURL = fc.PlatformURL
	}
	if fc.TimeoutSec > 0 && os.Getenv("POSTBRIDGE_TIMEOUT") == "" {
		cfg.ActionTimeout = time.Duration(fc.TimeoutSec) * time.Second
	}
	if fc.NavigateSec > 0 && os.Getenv("POSTBRIDGE_NAV_TIMEOUT") == "" {
		cfg.NavigateTimeout = time.Duration(fc.NavigateSec) * time.Second
	}
	if fc.LoginSec > 0 && os.Getenv("POSTBRIDGE_LOGIN_TIMEOUT") == "" {
		cfg.LoginTimeout = time.Duration(fc.LoginSec) * time.Second
	}
	if fc.VerifySec > 0 && os.Getenv("POSTBRIDGE_VERIFY_WINDOW") == "" {
		cfg.VerifyWindow = time.Duration(fc.VerifySec) * time.Second
	}
	if fc.DevicesFile != "" && os.Getenv("POSTBRIDGE_DEVICES") == "" {
		cfg.DevicesFile = fc.DevicesFile
	}
	if fc.DuoPlusAPIURL != "" && os.Getenv("DUOPLUS_API_URL") == "" {
		cfg.DuoPlusAPIURL = fc.DuoPlusAPIURL
	}
}

func DefaultConfigPath() string {
	return envOr("POSTBRIDGE_CONFIG", filepath.Join(homeDir(), ".postbridge", "config.json"))
}

func DefaultFileConfig() FileConfig {
	h := true
	return FileConfig{
		Port:        "9870",
		StateDir:    filepath.Join(homeDir(), ".postbridge"),
		Headless:    &h,
		PlatformURL: "https://x.com",
		TimeoutSec:  15,
		NavigateSec: 30,
		LoginSec:    90,
		VerifySec:   8,
	}
}

// WriteDefault writes DefaultFileConfig to path. It refuses to overwrite an
// existing file unless force is set.
func WriteDefault(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(DefaultFileConfig(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Describe prints the effective configuration with secrets masked.
func Describe(w io.Writer, cfg *RuntimeConfig) {
	fmt.Fprintln(w, "Current configuration:")
	fmt.Fprintf(w, "  Listen:      %s\n", cfg.ListenAddr())
	fmt.Fprintf(w, "  Token:       %s\n", MaskToken(cfg.Token))
	fmt.Fprintf(w, "  State Dir:   %s\n", cfg.StateDir)
	fmt.Fprintf(w, "  Database:    %s\n", cfg.DBPath)
	fmt.Fprintf(w, "  Media Dir:   %s\n", cfg.MediaDir)
	fmt.Fprintf(w, "  Headless:    %v\n", cfg.Headless)
	fmt.Fprintf(w, "  Platform:    %s\n", cfg.PlatformURL)
	fmt.Fprintf(w, "  Timeouts:    action=%v navigate=%v login=%v verify=%v\n",
		cfg.ActionTimeout, cfg.NavigateTimeout, cfg.LoginTimeout, cfg.VerifyWindow)
	fmt.Fprintf(w, "  Screencast:  quality=%d max=%dx%d previewFps=%d\n",
		cfg.ScreencastQuality, cfg.ScreencastMaxWidth, cfg.ScreencastMaxHeight, cfg.PreviewFPS)
	fmt.Fprintf(w, "  DuoPlus:     %s key=%s\n", cfg.DuoPlusAPIURL, MaskToken(cfg.DuoPlusAPIKey))
	fmt.Fprintf(w, "  Devices:     %s (every %v)\n", cfg.DevicesFile, cfg.ProxyCheckInterval)
}

func MaskToken(t string) string {
	if t == "" {
		return "(none)"
	}
	if len(t) <= 8 {
		return "***"
	}
	return t[:4] + "..." + t[len(t)-4:]
}
