// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"fmt"

	"github.com/ManuGH/xoffline/internal/config"
	xglog "github.com/ManuGH/xoffline/internal/log"
)

// Open creates a Store based on the backend configuration.
func Open(cfg config.StoreConfig) (Store, error) {
	logger := xglog.WithComponent("store")
	switch cfg.Backend {
	case config.BackendMemory:
		return NewMemoryStore(), nil
	case config.BackendSQLite:
		return OpenSqliteStore(cfg.Path)
	case config.BackendBadger:
		return OpenBadgerStore(cfg.Path)
	case config.BackendFile:
		return OpenFileStore(cfg.Path)
	case config.BackendRedis:
		return NewRedisStore(RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		}, logger)
	case "":
		logger.Warn().Str(xglog.FieldEvent, "store.default_backend").Msg("no store backend configured, using memory")
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.Backend)
	}
}
