package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pinchtab/postbridge/internal/automation"
	"github.com/pinchtab/postbridge/internal/browser"
	"github.com/pinchtab/postbridge/internal/config"
	"github.com/pinchtab/postbridge/internal/duoplus"
	"github.com/pinchtab/postbridge/internal/handlers"
	"github.com/pinchtab/postbridge/internal/login"
	"github.com/pinchtab/postbridge/internal/poster"
	"github.com/pinchtab/postbridge/internal/preview"
	"github.com/pinchtab/postbridge/internal/proxyhealth"
	"github.com/pinchtab/postbridge/internal/screencast"
	"github.com/pinchtab/postbridge/internal/session"
	"github.com/pinchtab/postbridge/internal/store"
)

// app owns every long-lived component of a running server.
type app struct {
	cfg        *config.RuntimeConfig
	driver     browser.Driver
	store      store.Store
	screencast *screencast.Service
	pool       *session.Pool
	proxies    *proxyhealth.Checker
	automation *automation.Service
	preview    *preview.Gateway
	handlers   *handlers.Handlers
}

func screencastOptions(cfg *config.RuntimeConfig) browser.ScreencastOptions {
	return browser.ScreencastOptions{
		Quality:       cfg.ScreencastQuality,
		MaxWidth:      cfg.ScreencastMaxWidth,
		MaxHeight:     cfg.ScreencastMaxHeight,
		EveryNthFrame: cfg.ScreencastEveryNth,
	}
}

// newProxyChecker returns nil when no device API key is configured. A
// missing devices file is not an error; the checker starts empty.
func newProxyChecker(cfg *config.RuntimeConfig, httpClient *http.Client) (*proxyhealth.Checker, error) {
	if cfg.DuoPlusAPIKey == "" {
		return nil, nil
	}
	client, err := duoplus.New(duoplus.Options{
		BaseURL:    cfg.DuoPlusAPIURL,
		APIKey:     cfg.DuoPlusAPIKey,
		HTTPClient: httpClient,
	})
	if err != nil {
		return nil, err
	}
	devices, err := proxyhealth.LoadDevices(cfg.DevicesFile)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		slog.Warn("devices file not found, proxy checker starts empty", "path", cfg.DevicesFile)
	case err != nil:
		return nil, fmt.Errorf("load devices: %w", err)
	}
	return proxyhealth.New(client, devices, proxyhealth.Options{SettleDelay: 5 * time.Second}), nil
}

func newApp(cfg *config.RuntimeConfig, driver browser.Driver, st store.Store, proxies *proxyhealth.Checker) *app {
	cast := screencast.New(screencast.Config{})
	pool := session.NewPool(driver, st, session.Options{
		PlatformURL:     cfg.PlatformURL,
		NavigateTimeout: cfg.NavigateTimeout,
	})
	pool.SetScreencast(cast)
	if proxies != nil {
		pool.SetProxyVerifier(proxies)
	}

	lh := login.New(pool, cast, login.Options{
		PlatformURL:     cfg.PlatformURL,
		Timeout:         cfg.LoginTimeout,
		StepTimeout:     cfg.ActionTimeout,
		NavigateTimeout: cfg.NavigateTimeout,
	})
	ps := poster.New(st, pool, lh, cast, poster.Options{
		PlatformURL:     cfg.PlatformURL,
		MediaDir:        cfg.MediaDir,
		StepTimeout:     cfg.ActionTimeout,
		NavigateTimeout: cfg.NavigateTimeout,
		VerifyWindow:    cfg.VerifyWindow,
		Screencast:      screencastOptions(cfg),
	})
	svc := automation.New(st, pool, lh, ps, cast, proxies, automation.Options{
		PreviewURL:      cfg.PreviewTestURL,
		PreviewDuration: cfg.PreviewTestDuration,
		NavigateTimeout: cfg.NavigateTimeout,
		Screencast:      screencastOptions(cfg),
	})
	pool.SetProxyResolver(svc.ProxyResolver())

	gw := preview.New(cast, preview.Options{FPS: cfg.PreviewFPS})

	var ph handlers.ProxyHealth
	if proxies != nil {
		ph = proxies
	}
	h := handlers.New(cfg, svc, ph, gw)
	h.Version = version

	return &app{
		cfg:        cfg,
		driver:     driver,
		store:      st,
		screencast: cast,
		pool:       pool,
		proxies:    proxies,
		automation: svc,
		preview:    gw,
		handlers:   h,
	}
}

func (a *app) routes(doShutdown func()) http.Handler {
	mux := http.NewServeMux()
	a.handlers.RegisterRoutes(mux, doShutdown)
	return a.handlers.Handler(mux, handlers.NewRateLimiter(20, 40))
}

// shutdown stops components in dependency order: viewers, screencasts,
// sessions (saving snapshots), the browser, then the store.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error
	if err := a.preview.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("preview: %w", err))
	}
	a.screencast.StopAll(ctx)
	if err := a.pool.ShutdownAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("sessions: %w", err))
	}
	if err := a.driver.Close(); err != nil {
		errs = append(errs, fmt.Errorf("browser: %w", err))
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	return errors.Join(errs...)
}

// newLogger builds the process logger. Unknown levels fall back to info.
func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
