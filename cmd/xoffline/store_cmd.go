// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ManuGH/xoffline/internal/config"
	"github.com/ManuGH/xoffline/internal/persistence/sqlite"
)

func newStoreCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Inspect the license store",
	}
	cmd.AddCommand(newStoreVerifyCmd(c))
	return cmd
}

func newStoreVerifyCmd(c *cli) *cobra.Command {
	var (
		path string
		mode string
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check license database integrity (sqlite backend)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			verifyMode, err := sqlite.ParseMode(mode)
			if err != nil {
				return &usageError{err: err}
			}
			if path == "" {
				if c.cfg.Store.Backend != config.BackendSQLite {
					return usageErrorf("store backend %q has no integrity check; pass --path to verify a sqlite file", c.cfg.Store.Backend)
				}
				path = c.cfg.Store.Path
			}
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("stat %s: %w", path, err)
			}

			issues, err := sqlite.VerifyIntegrity(cmd.Context(), path, verifyMode)
			if err != nil {
				return err
			}
			if len(issues) > 0 {
				for _, issue := range issues {
					_, _ = fmt.Fprintf(c.out, "  - %s\n", issue)
				}
				return fmt.Errorf("%s: integrity check failed with %d issue(s)", path, len(issues))
			}
			_, err = fmt.Fprintf(c.out, "%s: ok (%s)\n", path, verifyMode)
			return err
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "SQLite file to verify (defaults to the configured store)")
	cmd.Flags().StringVar(&mode, "mode", "quick", "verification mode: quick or full")
	return cmd
}
