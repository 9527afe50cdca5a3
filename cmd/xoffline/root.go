// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ManuGH/xoffline/internal/config"
	xglog "github.com/ManuGH/xoffline/internal/log"
	"github.com/ManuGH/xoffline/internal/version"
)

// cli carries state shared by every subcommand.
type cli struct {
	in         io.Reader
	out        io.Writer
	errOut     io.Writer
	configPath string
	logLevel   string
	cfg        config.AppConfig
}

func newRootCmd(in io.Reader, out, errOut io.Writer) *cobra.Command {
	c := &cli{in: in, out: out, errOut: errOut}

	root := &cobra.Command{
		Use:           "xoffline",
		Short:         "Offline DRM license lifecycle and download health",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.loadConfig()
		},
	}
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	root.PersistentFlags().StringVar(&c.configPath, "config", "", "path to config file (YAML)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(
		newAcquireCmd(c),
		newRestoreCmd(c),
		newReleaseCmd(c),
		newReleaseAllCmd(c),
		newLicensesCmd(c),
		newClassifyCmd(c),
		newStoreCmd(c),
		newServeCmd(c),
		newVersionCmd(c),
	)
	return root
}

func (c *cli) loadConfig() error {
	cfg, err := config.NewLoader(c.configPath, version.Version).Load()
	if err != nil {
		return &usageError{err: fmt.Errorf("load config: %w", err)}
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	c.cfg = cfg

	// stdout carries command results; logs go to stderr.
	xglog.Configure(xglog.Config{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Output:  c.errOut,
		Service: "xoffline",
		Version: version.Version,
	})
	return nil
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newVersionCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		// Skip config loading so version works without a valid setup.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(*cobra.Command, []string) error {
			_, err := fmt.Fprintln(c.out, version.String())
			return err
		},
	}
}
