// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ManuGH/xoffline/internal/config"
	"github.com/ManuGH/xoffline/internal/drm/clearkey"
	"github.com/ManuGH/xoffline/internal/license"
	xglog "github.com/ManuGH/xoffline/internal/log"
	"github.com/ManuGH/xoffline/internal/manifest"
	"github.com/ManuGH/xoffline/internal/platform/httpx"
	"github.com/ManuGH/xoffline/internal/store"
	"github.com/ManuGH/xoffline/internal/telemetry"
	"github.com/ManuGH/xoffline/internal/version"
)

// runtime is the wired license stack for one command invocation.
type runtime struct {
	cfg      config.AppConfig
	logger   zerolog.Logger
	store    store.Store
	manager   *license.Manager
	exchanger *license.HTTPExchanger
	provider  *telemetry.Provider

	closeOnce sync.Once
	closeErr  error
}

func (c *cli) openRuntime(ctx context.Context) (*runtime, error) {
	cfg := c.cfg
	logger := xglog.WithComponent("cli")

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	provider, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "xoffline",
		ServiceVersion: version.Version,
		ExporterType:   cfg.Telemetry.ExporterType,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	st, err := store.Open(cfg.Store)
	if err != nil {
		_ = provider.Shutdown(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("open license store: %w", err)
	}

	opts, httpOpts := license.OptionsFromConfig(cfg.License)
	engineOpts := []clearkey.Option{clearkey.WithLicenseURL(cfg.License.ServerURL)}
	exchanger := license.NewHTTPExchanger(httpOpts)
	mgr, err := license.NewManager(license.Deps{
		Engine:    clearkey.New(engineOpts...),
		Store:     st,
		Exchanger: exchanger,
		Manifests: manifest.NewFetcher(httpx.NewClient(cfg.License.RequestTimeout)),
	}, opts)
	if err != nil {
		_ = st.Close()
		_ = provider.Shutdown(context.WithoutCancel(ctx))
		return nil, err
	}

	logger.Debug().
		Str(xglog.FieldEvent, "cli.runtime.ready").
		Str(xglog.FieldBackend, cfg.Store.Backend).
		Str(xglog.FieldScheme, cfg.License.Scheme).
		Msg("license runtime ready")

	return &runtime{cfg: cfg, logger: logger, store: st, manager: mgr, exchanger: exchanger, provider: provider}, nil
}

// Close releases the manager, then the store, then flushes traces. Only
// the first call does any work.
func (r *runtime) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		ctx = context.WithoutCancel(ctx)
		r.closeErr = errors.Join(
			r.manager.Close(),
			r.store.Close(),
			r.provider.Shutdown(ctx),
		)
	})
	return r.closeErr
}
