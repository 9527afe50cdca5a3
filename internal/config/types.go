// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import "time"

// Store backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
	BackendRedis  = "redis"
	BackendFile   = "file"
)

// StoreBackends lists every supported license store backend.
var StoreBackends = []string{BackendMemory, BackendSQLite, BackendBadger, BackendRedis, BackendFile}

// DRM scheme names accepted by LicenseConfig.Scheme.
const (
	SchemeWidevine  = "widevine"
	SchemePlayReady = "playready"
	SchemeClearKey  = "clearkey"
)

// AppConfig is the fully resolved runtime configuration.
type AppConfig struct {
	Version   string
	DataDir   string
	Log       LogConfig
	Store     StoreConfig
	License   LicenseConfig
	Health    HealthConfig
	Telemetry TelemetryConfig
	Ops       OpsConfig
}

// LogConfig controls the global logger.
type LogConfig struct {
	Level  string
	Format string
}

// StoreConfig selects and parameterises the license store.
type StoreConfig struct {
	Backend string
	// Path is the sqlite database file, badger directory or license file
	// directory. Relative paths resolve against DataDir.
	Path          string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// LicenseConfig drives the license lifecycle manager and its server transport.
type LicenseConfig struct {
	ServerURL           string
	ProvisioningURL     string
	Scheme              string
	MessageHeader       string
	EnforceMessageToken bool
	MinRemainingSeconds int64
	StopOnServerFailure bool
	RequestTimeout      time.Duration
	RateLimit           float64 // requests per second; 0 disables limiting
	RateBurst           int
	BreakerThreshold    int
	BreakerCooldown     time.Duration
}

// HealthConfig parameterises the download health classifier.
type HealthConfig struct {
	SegmentThreshold   float64
	ByteThreshold      float64
	ManifestExtensions []string
}

// TelemetryConfig enables OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled      bool
	ExporterType string // "grpc" or "http"
	Endpoint     string
	SamplingRate float64
}

// OpsConfig configures the operational HTTP listener.
type OpsConfig struct {
	ListenAddr      string
	ShutdownTimeout time.Duration
	// RateLimit is requests per second per client on /v1. Zero disables limiting.
	RateLimit float64
	RateBurst int
	// ClassifyPerMinute caps POST /v1/downloads/classify per client. Zero disables.
	ClassifyPerMinute int
}

// FileConfig mirrors the YAML file layout. Pointer fields distinguish
// "absent" from an explicit zero value.
type FileConfig struct {
	DataDir   string         `yaml:"dataDir,omitempty"`
	Log       *LogFile       `yaml:"log,omitempty"`
	Store     *StoreFile     `yaml:"store,omitempty"`
	License   *LicenseFile   `yaml:"license,omitempty"`
	Health    *HealthFile    `yaml:"health,omitempty"`
	Telemetry *TelemetryFile `yaml:"telemetry,omitempty"`
	Ops       *OpsFile       `yaml:"ops,omitempty"`
}

type LogFile struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

type StoreFile struct {
	Backend string     `yaml:"backend,omitempty"`
	Path    string     `yaml:"path,omitempty"`
	Redis   *RedisFile `yaml:"redis,omitempty"`
}

type RedisFile struct {
	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       *int   `yaml:"db,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
}

type LicenseFile struct {
	ServerURL           string       `yaml:"serverUrl,omitempty"`
	ProvisioningURL     string       `yaml:"provisioningUrl,omitempty"`
	Scheme              string       `yaml:"scheme,omitempty"`
	MessageHeader       string       `yaml:"messageHeader,omitempty"`
	EnforceMessageToken *bool        `yaml:"enforceMessageToken,omitempty"`
	MinRemainingSeconds *int64       `yaml:"minRemainingSeconds,omitempty"`
	StopOnServerFailure *bool        `yaml:"stopOnServerFailure,omitempty"`
	RequestTimeout      string       `yaml:"requestTimeout,omitempty"`
	RateLimit           *float64     `yaml:"rateLimit,omitempty"`
	RateBurst           *int         `yaml:"rateBurst,omitempty"`
	Breaker             *BreakerFile `yaml:"breaker,omitempty"`
}

type BreakerFile struct {
	Threshold *int   `yaml:"threshold,omitempty"`
	Cooldown  string `yaml:"cooldown,omitempty"`
}

type HealthFile struct {
	SegmentThreshold   *float64 `yaml:"segmentThreshold,omitempty"`
	ByteThreshold      *float64 `yaml:"byteThreshold,omitempty"`
	ManifestExtensions []string `yaml:"manifestExtensions,omitempty"`
}

type TelemetryFile struct {
	Enabled      *bool    `yaml:"enabled,omitempty"`
	Exporter     string   `yaml:"exporter,omitempty"`
	Endpoint     string   `yaml:"endpoint,omitempty"`
	SamplingRate *float64 `yaml:"samplingRate,omitempty"`
}

type OpsFile struct {
	ListenAddr      string   `yaml:"listenAddr,omitempty"`
	ShutdownTimeout string   `yaml:"shutdownTimeout,omitempty"`
	RateLimit       *float64 `yaml:"rateLimit,omitempty"`
	RateBurst       *int     `yaml:"rateBurst,omitempty"`
	ClassifyPerMin  *int     `yaml:"classifyPerMinute,omitempty"`
}
