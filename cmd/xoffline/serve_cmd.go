// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ManuGH/xoffline/internal/config"
	"github.com/ManuGH/xoffline/internal/daemon"
	"github.com/ManuGH/xoffline/internal/downloads"
	"github.com/ManuGH/xoffline/internal/health"
	xglog "github.com/ManuGH/xoffline/internal/log"
	"github.com/ManuGH/xoffline/internal/ratelimit"
	"github.com/ManuGH/xoffline/internal/version"
)

func newServeCmd(c *cli) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve health, metrics, license status and the download classifier over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := c.openRuntime(ctx)
			if err != nil {
				return err
			}

			opsCfg := c.cfg.Ops
			if listen != "" {
				opsCfg.ListenAddr = listen
			}
			holder := config.NewHolder(c.cfg, config.NewLoader(c.configPath, version.Version), c.configPath)
			if err := holder.StartWatcher(ctx); err != nil {
				logger := xglog.WithComponent("config")
				logger.Warn().Err(err).
					Str(xglog.FieldEvent, "config.watcher_unavailable").
					Msg("config hot reload disabled")
			}

			handler := daemon.NewRouter(daemon.RouterDeps{
				Licenses:     rt.manager,
				PolicySource: func() downloads.Policy {
					return downloads.PolicyFromConfig(holder.Get().Health)
				},
				Health:            newHealth(c, rt),
				Limiter:           newLimiter(c.cfg.Ops),
				ClassifyPerMinute: c.cfg.Ops.ClassifyPerMinute,
			})
			mgr, err := daemon.NewManager(opsCfg, daemon.Deps{
				Logger:  xglog.WithComponent("daemon"),
				Handler: handler,
			})
			if err != nil {
				_ = rt.Close(ctx)
				return err
			}
			mgr.RegisterShutdownHook("license_runtime", rt.Close)
			if err := mgr.Start(ctx); err != nil {
				_ = rt.Close(ctx)
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "ops listen address (defaults to config)")
	return cmd
}

// newHealth registers the license store probe plus degraded-only data dir
// and license server breaker checks.
func newHealth(c *cli, rt *runtime) *health.Manager {
	hm := health.NewManager(version.Version, 0)
	hm.RegisterChecker(health.NewCheckFunc("license_store", func(ctx context.Context) error {
		_, err := rt.store.ListIDs(ctx)
		return err
	}))
	hm.RegisterChecker(health.Degraded(health.NewWritableDirChecker("data_dir", c.cfg.DataDir)))
	hm.RegisterChecker(health.Degraded(health.NewCheckFunc("license_server", func(context.Context) error {
		if open := rt.exchanger.OpenCircuits(); len(open) > 0 {
			return fmt.Errorf("circuit open: %s", strings.Join(open, ", "))
		}
		return nil
	})))
	return hm
}

func newLimiter(ops config.OpsConfig) *ratelimit.Limiter {
	if ops.RateLimit <= 0 {
		return nil
	}
	return ratelimit.New(ratelimit.FromOps(ops.RateLimit, ops.RateBurst))
}
