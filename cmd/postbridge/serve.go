package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pinchtab/postbridge/internal/browser"
	"github.com/pinchtab/postbridge/internal/config"
	"github.com/pinchtab/postbridge/internal/store"
)

func newServeCmd(cfg func() *config.RuntimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cfg())
		},
	}
}

func runServe(cfg *config.RuntimeConfig) error {
	if err := os.MkdirAll(cfg.StateDir, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := os.MkdirAll(cfg.MediaDir, 0755); err != nil {
		return fmt.Errorf("create media dir: %w", err)
	}

	st, err := store.OpenSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	proxies, err := newProxyChecker(cfg, nil)
	if err != nil {
		_ = st.Close()
		return err
	}
	chrome, err := browser.Start(browser.OptionsFromConfig(cfg))
	if err != nil {
		_ = st.Close()
		return err
	}

	a := newApp(cfg, chrome, st, proxies)

	bg, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()
	if proxies != nil && cfg.ProxyCheckInterval > 0 {
		go proxies.Run(bg, cfg.ProxyCheckInterval)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan struct{})
	var once sync.Once
	doShutdown := func() {
		once.Do(func() {
			slog.Info("shutting down, saving sessions...")
			cancelBg()
			ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				slog.Warn("http shutdown", "err", err)
			}
			if err := a.shutdown(ctx); err != nil {
				slog.Error("shutdown", "err", err)
			}
			slog.Info("chrome closed")
			close(done)
		})
	}
	srv.Handler = a.routes(doShutdown)

	setupSignalHandler(doShutdown, func() {
		_ = chrome.Close()
	})

	slog.Info("postbridge listening", "addr", cfg.ListenAddr(), "platform", cfg.PlatformURL, "proxyHealth", proxies != nil)
	if cfg.Token != "" {
		slog.Info("auth enabled")
	} else {
		slog.Info("auth disabled (set POSTBRIDGE_TOKEN to enable)")
	}

	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		doShutdown()
		return fmt.Errorf("server: %w", err)
	}
	<-done
	return nil
}

// setupSignalHandler runs shutdownFn on the first SIGINT/SIGTERM. A second
// signal runs forceFn and exits.
func setupSignalHandler(shutdownFn func(), forceFn func()) {
	go func() {
		sig := make(chan os.Signal, 2)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		go shutdownFn()
		<-sig
		slog.Warn("force shutdown requested")
		forceFn()
		os.Exit(130)
	}()
}
