// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading with precedence
type Loader struct {
	configPath      string
	version         string
	ConsumedEnvKeys map[string]struct{}
}

// NewLoader creates a new configuration loader
func NewLoader(configPath, version string) *Loader {
	return &Loader{
		configPath:      configPath,
		version:         version,
		ConsumedEnvKeys: make(map[string]struct{}),
	}
}

func (l *Loader) key(name string) string {
	k := EnvPrefix + name
	l.ConsumedEnvKeys[k] = struct{}{}
	return k
}

// Load loads configuration with precedence: ENV > File > Defaults.
// Order: defaults, strict file parse, env overrides, path resolution, validation.
func (l *Loader) Load() (AppConfig, error) {
	cfg := Defaults()
	cfg.Version = l.version

	if l.configPath != "" {
		fileCfg, err := l.loadFile(l.configPath)
		if err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
		if err := mergeFileConfig(&cfg, fileCfg); err != nil {
			return cfg, fmt.Errorf("merge file config: %w", err)
		}
	}

	l.mergeEnvConfig(&cfg)
	resolvePaths(&cfg)

	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Defaults returns the built-in configuration.
func Defaults() AppConfig {
	return AppConfig{
		DataDir: "data",
		Log:     LogConfig{Level: "info", Format: "json"},
		Store: StoreConfig{
			Backend:     BackendSQLite,
			Path:        "licenses.db",
			RedisAddr:   "localhost:6379",
			RedisPrefix: "xoffline:license:",
		},
		License: LicenseConfig{
			Scheme:           SchemeClearKey,
			MessageHeader:    "X-AxDRM-Message",
			RequestTimeout:   15 * time.Second,
			RateLimit:        5,
			RateBurst:        10,
			BreakerThreshold: 5,
			BreakerCooldown:  30 * time.Second,
		},
		Health: HealthConfig{
			SegmentThreshold:   85,
			ByteThreshold:      0.80,
			ManifestExtensions: []string{".mpd", ".m3u8"},
		},
		Telemetry: TelemetryConfig{
			ExporterType: "grpc",
			Endpoint:     "localhost:4317",
			SamplingRate: 1.0,
		},
		Ops: OpsConfig{
			ListenAddr:        ":9464",
			ShutdownTimeout:   10 * time.Second,
			RateLimit:         20,
			RateBurst:         40,
			ClassifyPerMinute: 120,
		},
	}
}

func (l *Loader) loadFile(path string) (*FileConfig, error) {
	path = filepath.Clean(path)

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- configuration file paths are provided by the operator via CLI/ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return parseFile(data)
}

func parseFile(data []byte) (*FileConfig, error) {
	var fileCfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(&fileCfg); err != nil {
		if errors.Is(err, io.EOF) {
			return &FileConfig{}, nil
		}
		if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
			return nil, fmt.Errorf("%w: %v", ErrUnknownConfigField, err)
		}
		return nil, fmt.Errorf("strict config parse error: %w", err)
	}

	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, ErrMultipleDocuments
	}
	return &fileCfg, nil
}

func parseFileDuration(field, v string, dst *time.Duration) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", field, v, err)
	}
	*dst = d
	return nil
}

func mergeFileConfig(dst *AppConfig, src *FileConfig) error {
	if src.DataDir != "" {
		dst.DataDir = expandEnv(src.DataDir)
	}
	if f := src.Log; f != nil {
		setString(&dst.Log.Level, f.Level)
		setString(&dst.Log.Format, f.Format)
	}
	if f := src.Store; f != nil {
		setString(&dst.Store.Backend, f.Backend)
		if f.Path != "" {
			dst.Store.Path = expandEnv(f.Path)
		}
		if r := f.Redis; r != nil {
			setString(&dst.Store.RedisAddr, r.Addr)
			if r.Password != "" {
				dst.Store.RedisPassword = expandEnv(r.Password)
			}
			setPtr(&dst.Store.RedisDB, r.DB)
			setString(&dst.Store.RedisPrefix, r.Prefix)
		}
	}
	if f := src.License; f != nil {
		if f.ServerURL != "" {
			dst.License.ServerURL = expandEnv(f.ServerURL)
		}
		if f.ProvisioningURL != "" {
			dst.License.ProvisioningURL = expandEnv(f.ProvisioningURL)
		}
		setString(&dst.License.Scheme, f.Scheme)
		setString(&dst.License.MessageHeader, f.MessageHeader)
		setPtr(&dst.License.EnforceMessageToken, f.EnforceMessageToken)
		setPtr(&dst.License.MinRemainingSeconds, f.MinRemainingSeconds)
		setPtr(&dst.License.StopOnServerFailure, f.StopOnServerFailure)
		if err := parseFileDuration("license.requestTimeout", f.RequestTimeout, &dst.License.RequestTimeout); err != nil {
			return err
		}
		setPtr(&dst.License.RateLimit, f.RateLimit)
		setPtr(&dst.License.RateBurst, f.RateBurst)
		if b := f.Breaker; b != nil {
			setPtr(&dst.License.BreakerThreshold, b.Threshold)
			if err := parseFileDuration("license.breaker.cooldown", b.Cooldown, &dst.License.BreakerCooldown); err != nil {
				return err
			}
		}
	}
	if f := src.Health; f != nil {
		setPtr(&dst.Health.SegmentThreshold, f.SegmentThreshold)
		setPtr(&dst.Health.ByteThreshold, f.ByteThreshold)
		if len(f.ManifestExtensions) > 0 {
			dst.Health.ManifestExtensions = append([]string(nil), f.ManifestExtensions...)
		}
	}
	if f := src.Telemetry; f != nil {
		setPtr(&dst.Telemetry.Enabled, f.Enabled)
		setString(&dst.Telemetry.ExporterType, f.Exporter)
		setString(&dst.Telemetry.Endpoint, f.Endpoint)
		setPtr(&dst.Telemetry.SamplingRate, f.SamplingRate)
	}
	if f := src.Ops; f != nil {
		setString(&dst.Ops.ListenAddr, f.ListenAddr)
		setPtr(&dst.Ops.RateLimit, f.RateLimit)
		setPtr(&dst.Ops.RateBurst, f.RateBurst)
		setPtr(&dst.Ops.ClassifyPerMinute, f.ClassifyPerMin)
		if err := parseFileDuration("ops.shutdownTimeout", f.ShutdownTimeout, &dst.Ops.ShutdownTimeout); err != nil {
			return err
		}
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setPtr[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func (l *Loader) mergeEnvConfig(cfg *AppConfig) {
	cfg.DataDir = ParseString(l.key("DATA_DIR"), cfg.DataDir)

	cfg.Log.Level = ParseString(l.key("LOG_LEVEL"), cfg.Log.Level)
	cfg.Log.Format = ParseString(l.key("LOG_FORMAT"), cfg.Log.Format)

	cfg.Store.Backend = ParseString(l.key("STORE_BACKEND"), cfg.Store.Backend)
	cfg.Store.Path = ParseString(l.key("STORE_PATH"), cfg.Store.Path)
	cfg.Store.RedisAddr = ParseString(l.key("REDIS_ADDR"), cfg.Store.RedisAddr)
	cfg.Store.RedisPassword = ParseString(l.key("REDIS_PASSWORD"), cfg.Store.RedisPassword)
	cfg.Store.RedisDB = ParseInt(l.key("REDIS_DB"), cfg.Store.RedisDB)
	cfg.Store.RedisPrefix = ParseString(l.key("REDIS_PREFIX"), cfg.Store.RedisPrefix)

	lc := &cfg.License
	lc.ServerURL = ParseString(l.key("LICENSE_SERVER_URL"), lc.ServerURL)
	lc.ProvisioningURL = ParseString(l.key("PROVISIONING_URL"), lc.ProvisioningURL)
	lc.Scheme = ParseString(l.key("DRM_SCHEME"), lc.Scheme)
	lc.MessageHeader = ParseString(l.key("MESSAGE_HEADER"), lc.MessageHeader)
	lc.EnforceMessageToken = ParseBool(l.key("ENFORCE_MESSAGE_TOKEN"), lc.EnforceMessageToken)
	lc.MinRemainingSeconds = ParseInt64(l.key("MIN_REMAINING_SECONDS"), lc.MinRemainingSeconds)
	lc.StopOnServerFailure = ParseBool(l.key("STOP_ON_SERVER_FAILURE"), lc.StopOnServerFailure)
	lc.RequestTimeout = ParseDuration(l.key("LICENSE_TIMEOUT"), lc.RequestTimeout)
	lc.RateLimit = ParseFloat(l.key("LICENSE_RATE"), lc.RateLimit)
	lc.RateBurst = ParseInt(l.key("LICENSE_BURST"), lc.RateBurst)
	lc.BreakerThreshold = ParseInt(l.key("BREAKER_THRESHOLD"), lc.BreakerThreshold)
	lc.BreakerCooldown = ParseDuration(l.key("BREAKER_COOLDOWN"), lc.BreakerCooldown)

	cfg.Health.SegmentThreshold = ParseFloat(l.key("HEALTH_SEGMENT_THRESHOLD"), cfg.Health.SegmentThreshold)
	cfg.Health.ByteThreshold = ParseFloat(l.key("HEALTH_BYTE_THRESHOLD"), cfg.Health.ByteThreshold)
	cfg.Health.ManifestExtensions = ParseList(l.key("HEALTH_MANIFEST_EXTENSIONS"), cfg.Health.ManifestExtensions)

	cfg.Telemetry.Enabled = ParseBool(l.key("TELEMETRY_ENABLED"), cfg.Telemetry.Enabled)
	cfg.Telemetry.ExporterType = ParseString(l.key("OTLP_EXPORTER"), cfg.Telemetry.ExporterType)
	cfg.Telemetry.Endpoint = ParseString(l.key("OTLP_ENDPOINT"), cfg.Telemetry.Endpoint)
	cfg.Telemetry.SamplingRate = ParseFloat(l.key("TRACE_SAMPLING_RATE"), cfg.Telemetry.SamplingRate)

	cfg.Ops.ListenAddr = ParseString(l.key("OPS_LISTEN"), cfg.Ops.ListenAddr)
	cfg.Ops.ShutdownTimeout = ParseDuration(l.key("OPS_SHUTDOWN_TIMEOUT"), cfg.Ops.ShutdownTimeout)
	cfg.Ops.RateLimit = ParseFloat(l.key("OPS_RATE"), cfg.Ops.RateLimit)
	cfg.Ops.RateBurst = ParseInt(l.key("OPS_BURST"), cfg.Ops.RateBurst)
	cfg.Ops.ClassifyPerMinute = ParseInt(l.key("OPS_CLASSIFY_PER_MINUTE"), cfg.Ops.ClassifyPerMinute)
}

// resolvePaths makes DataDir absolute and anchors a relative store path in it.
func resolvePaths(cfg *AppConfig) {
	if abs, err := filepath.Abs(cfg.DataDir); err == nil {
		cfg.DataDir = abs
	}
	if cfg.Store.Path != "" && !filepath.IsAbs(cfg.Store.Path) {
		cfg.Store.Path = filepath.Join(cfg.DataDir, cfg.Store.Path)
	}
	for i, ext := range cfg.Health.ManifestExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		cfg.Health.ManifestExtensions[i] = ext
	}
}
