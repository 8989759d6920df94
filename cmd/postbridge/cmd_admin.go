package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pinchtab/postbridge/internal/config"
	"github.com/pinchtab/postbridge/internal/store"
)

func newConfigCmd(cfg func() *config.RuntimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the config file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.DefaultConfigPath()
			if err := config.WriteDefault(path, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config written to %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			config.Describe(cmd.OutOrStdout(), cfg())
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}

func newAccountsCmd(cfg func() *config.RuntimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage the local account store",
	}

	importCmd := &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Upsert proxies and accounts from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.OpenSQLite(cfg().DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()
			sum, err := store.ImportYAML(cmd.Context(), st, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d proxies and %d accounts\n", sum.Proxies, sum.Accounts)
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.OpenSQLite(cfg().DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()
			accts, err := st.ListAccounts(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd, map[string]any{"accounts": accts})
		},
	}

	cmd.AddCommand(importCmd, listCmd)
	return cmd
}

func newProxyCmd(cfg func() *config.RuntimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Cloud device proxy health",
	}

	var timeout time.Duration
	checkCmd := &cobra.Command{
		Use:   "check [device-id]",
		Short: "Check one device, or sweep every configured device",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := cfg()
			checker, err := newProxyChecker(c, nil)
			if err != nil {
				return err
			}
			if checker == nil {
				return fmt.Errorf("DUOPLUS_API_KEY is not set")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if len(args) == 1 {
				healthy := checker.CheckConnection(ctx, args[0])
				st, _ := checker.State(args[0])
				return writeJSON(cmd, map[string]any{"deviceId": args[0], "healthy": healthy, "error": st.Error})
			}
			return writeJSON(cmd, checker.CheckAll(ctx))
		},
	}
	checkCmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "Overall deadline")

	cmd.AddCommand(checkCmd)
	return cmd
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
