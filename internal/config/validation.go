// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"github.com/ManuGH/xoffline/internal/validate"
)

// Validate checks a resolved AppConfig and returns a validate.ValidationError
// listing every failed field.
func Validate(cfg AppConfig) error {
	v := validate.New()

	v.OneOf("Log.Level", cfg.Log.Level, validate.LogLevels)
	v.OneOf("Log.Format", cfg.Log.Format, validate.LogFormats)

	v.OneOf("Store.Backend", cfg.Store.Backend, StoreBackends)
	switch cfg.Store.Backend {
	case BackendSQLite, BackendBadger, BackendFile:
		v.NotEmpty("Store.Path", cfg.Store.Path)
	case BackendRedis:
		v.NotEmpty("Store.RedisAddr", cfg.Store.RedisAddr)
		v.Range("Store.RedisDB", cfg.Store.RedisDB, 0, 15)
	}

	lc := cfg.License
	v.OptionalURL("License.ServerURL", lc.ServerURL, []string{"http", "https"})
	v.OptionalURL("License.ProvisioningURL", lc.ProvisioningURL, []string{"http", "https"})
	v.OneOf("License.Scheme", lc.Scheme, []string{SchemeWidevine, SchemePlayReady, SchemeClearKey})
	v.NotEmpty("License.MessageHeader", lc.MessageHeader)
	v.NonNegative("License.MinRemainingSeconds", lc.MinRemainingSeconds)
	v.PositiveDuration("License.RequestTimeout", lc.RequestTimeout)
	v.TokenBucket("License.RateLimit", "License.RateBurst", lc.RateLimit, lc.RateBurst)
	v.Positive("License.BreakerThreshold", lc.BreakerThreshold)
	v.PositiveDuration("License.BreakerCooldown", lc.BreakerCooldown)

	v.FloatRange("Health.SegmentThreshold", cfg.Health.SegmentThreshold, 0, 100)
	v.FloatRange("Health.ByteThreshold", cfg.Health.ByteThreshold, 0, 1)
	v.Extensions("Health.ManifestExtensions", cfg.Health.ManifestExtensions)

	if cfg.Telemetry.Enabled {
		v.OneOf("Telemetry.ExporterType", cfg.Telemetry.ExporterType, []string{"grpc", "http"})
		v.NotEmpty("Telemetry.Endpoint", cfg.Telemetry.Endpoint)
		v.FloatRange("Telemetry.SamplingRate", cfg.Telemetry.SamplingRate, 0, 1)
	}

	v.ListenAddr("Ops.ListenAddr", cfg.Ops.ListenAddr)
	v.PositiveDuration("Ops.ShutdownTimeout", cfg.Ops.ShutdownTimeout)
	v.TokenBucket("Ops.RateLimit", "Ops.RateBurst", cfg.Ops.RateLimit, cfg.Ops.RateBurst)
	if cfg.Ops.ClassifyPerMinute < 0 {
		v.AddError("Ops.ClassifyPerMinute", "must not be negative", cfg.Ops.ClassifyPerMinute)
	}

	return v.Err()
}
