package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/pinchtab/postbridge/internal/config"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfg       *config.RuntimeConfig
		logLevel  string
		logFormat string
	)
	loaded := func() *config.RuntimeConfig { return cfg }

	root := &cobra.Command{
		Use:   "postbridge",
		Short: "postbridge - browser sessions for scheduled social posting",
		Long: `postbridge keeps one logged-in browser context per account and posts
through it, with a live preview of every automation run.

Quick start:
  postbridge config init                 # Write a default config file
  postbridge accounts import accts.yaml  # Seed accounts and proxies
  postbridge serve                       # Start the server
  postbridge login <account>             # Log an account in
  postbridge post <account> -m "hello"   # Publish a post`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg = config.Load()
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			if logFormat != "" {
				cfg.LogFormat = logFormat
			}
			slog.SetDefault(newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cfg)
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: text or json")

	root.AddCommand(
		newServeCmd(loaded),
		newConfigCmd(loaded),
		newAccountsCmd(loaded),
		newProxyCmd(loaded),
		newVersionCmd(),
	)
	root.AddCommand(newClientCmds(loaded)...)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "postbridge %s\n", version)
		},
	}
}
