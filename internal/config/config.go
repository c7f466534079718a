package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envPrefix is prepended to every environment variable name.
const envPrefix = "SKYTRANSFER_"

// Config holds the complete application configuration.
type Config struct {
	ListenAddr string          `yaml:"listen_addr" env:"LISTEN_ADDR"`
	LogLevel   string          `yaml:"log_level" env:"LOG_LEVEL"`
	Logging    LoggingConfig   `yaml:"logging"`
	Session    SessionConfig   `yaml:"session"`
	Storage    StorageConfig   `yaml:"storage"`
	Transfer   TransferConfig  `yaml:"transfer"`
	Manifest   ManifestConfig  `yaml:"manifest"`
	Cache      CacheConfig     `yaml:"cache"`
	Audit      AuditConfig     `yaml:"audit"`
	Metrics    MetricsConfig   `yaml:"metrics"`
	Server     ServerConfig    `yaml:"server"`
	RateLimit  RateLimitConfig `yaml:"rate_limit"`
	Tracing    TracingConfig   `yaml:"tracing"`
}

// LoggingConfig holds access log settings for the gateway.
type LoggingConfig struct {
	AccessLogFormat string   `yaml:"access_log_format" env:"LOGGING_ACCESS_LOG_FORMAT"` // default, json, clf
	RedactHeaders   []string `yaml:"redact_headers" env:"LOGGING_REDACT_HEADERS"`
}

// SessionConfig holds the session key material.
type SessionConfig struct {
	// PrivateKeySeed is the hex encoded ed25519 seed owning the manifest.
	PrivateKeySeed string `yaml:"private_key_seed" env:"SESSION_PRIVATE_KEY_SEED"`
	// ManifestKeyName is the key under which the manifest is stored.
	ManifestKeyName string `yaml:"manifest_key_name" env:"SESSION_MANIFEST_KEY_NAME"`
}

// StorageConfig selects and configures the content-addressed storage backend.
type StorageConfig struct {
	Backend string       `yaml:"backend" env:"STORAGE_BACKEND"` // s3, portal
	S3      S3Config     `yaml:"s3"`
	Portal  PortalConfig `yaml:"portal"`
}

// S3Config holds S3 backend configuration.
type S3Config struct {
	Endpoint      string        `yaml:"endpoint" env:"S3_ENDPOINT"`
	Region        string        `yaml:"region" env:"S3_REGION"`
	Bucket        string        `yaml:"bucket" env:"S3_BUCKET"`
	AccessKey     string        `yaml:"access_key" env:"S3_ACCESS_KEY"`
	SecretKey     string        `yaml:"secret_key" env:"S3_SECRET_KEY"`
	UsePathStyle  bool          `yaml:"use_path_style" env:"S3_USE_PATH_STYLE"`
	PartSize      int64         `yaml:"part_size" env:"S3_PART_SIZE"`
	PresignExpiry time.Duration `yaml:"presign_expiry" env:"S3_PRESIGN_EXPIRY"`
}

// PortalConfig holds the storage portal configuration.
type PortalConfig struct {
	URL          string   `yaml:"url" env:"PORTAL_URL"`
	KnownPortals []string `yaml:"known_portals" env:"PORTAL_KNOWN_PORTALS"`
	APIKey       string   `yaml:"api_key" env:"PORTAL_API_KEY"`
}

// TransferConfig holds upload and download settings.
type TransferConfig struct {
	EncryptionType string        `yaml:"encryption_type" env:"TRANSFER_ENCRYPTION_TYPE"`
	ChunkSize      int           `yaml:"chunk_size" env:"TRANSFER_CHUNK_SIZE"` // 0 selects the scheme default
	MaxParallel    int           `yaml:"max_parallel" env:"TRANSFER_MAX_PARALLEL"`
	Offload        bool          `yaml:"offload" env:"TRANSFER_OFFLOAD"`
	OffloadBuffer  int           `yaml:"offload_buffer" env:"TRANSFER_OFFLOAD_BUFFER"`
	FetchRetries   int           `yaml:"fetch_retries" env:"TRANSFER_FETCH_RETRIES"`
	FetchBackoff   time.Duration `yaml:"fetch_backoff" env:"TRANSFER_FETCH_BACKOFF"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout" env:"TRANSFER_FETCH_TIMEOUT"`
}

// ManifestConfig holds the manifest store and sync scheduler settings.
type ManifestConfig struct {
	Store         string `yaml:"store" env:"MANIFEST_STORE"` // s3, bolt
	BoltPath      string `yaml:"bolt_path" env:"MANIFEST_BOLT_PATH"`
	SyncFactor    int    `yaml:"sync_factor" env:"MANIFEST_SYNC_FACTOR"`
	MinSyncFactor int    `yaml:"min_sync_factor" env:"MANIFEST_MIN_SYNC_FACTOR"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	ReadTimeout       time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"SERVER_READ_HEADER_TIMEOUT"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes" env:"SERVER_MAX_HEADER_BYTES"`
	MaxUploadBytes    int64         `yaml:"max_upload_bytes" env:"SERVER_MAX_UPLOAD_BYTES"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" env:"RATE_LIMIT_ENABLED"`
	Limit   int           `yaml:"limit" env:"RATE_LIMIT_REQUESTS"`
	Window  time.Duration `yaml:"window" env:"RATE_LIMIT_WINDOW"`
}

// CacheConfig holds the chunk cache configuration.
type CacheConfig struct {
	Enabled  bool          `yaml:"enabled" env:"CACHE_ENABLED"`
	MaxSize  int64         `yaml:"max_size" env:"CACHE_MAX_SIZE"`
	MaxItems int           `yaml:"max_items" env:"CACHE_MAX_ITEMS"`
	TTL      time.Duration `yaml:"ttl" env:"CACHE_TTL"`
}

// AuditConfig holds audit logging configuration.
type AuditConfig struct {
	Enabled   bool `yaml:"enabled" env:"AUDIT_ENABLED"`
	MaxEvents int  `yaml:"max_events" env:"AUDIT_MAX_EVENTS"`
}

// MetricsConfig controls the Prometheus endpoint of the gateway.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"METRICS_ENABLED"`
	Path    string `yaml:"path" env:"METRICS_PATH"`
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled         bool    `yaml:"enabled" env:"TRACING_ENABLED"`
	ServiceName     string  `yaml:"service_name" env:"TRACING_SERVICE_NAME"`
	ServiceVersion  string  `yaml:"service_version" env:"TRACING_SERVICE_VERSION"`
	Exporter        string  `yaml:"exporter" env:"TRACING_EXPORTER"` // stdout, otlp
	OtlpEndpoint    string  `yaml:"otlp_endpoint" env:"TRACING_OTLP_ENDPOINT"`
	SamplingRatio   float64 `yaml:"sampling_ratio" env:"TRACING_SAMPLING_RATIO"`
	RedactSensitive bool    `yaml:"redact_sensitive" env:"TRACING_REDACT_SENSITIVE"`
}

// Default returns the configuration used before the file and environment
// are applied.
func Default() *Config {
	return &Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		Logging: LoggingConfig{
			AccessLogFormat: "default",
			RedactHeaders:   []string{"authorization", "cookie", "skynet-api-key"},
		},
		Session: SessionConfig{
			ManifestKeyName: "skytransfer-encrypted-files",
		},
		Storage: StorageConfig{
			Backend: "s3",
			S3: S3Config{
				Region:        "us-east-1",
				PartSize:      16 * 1024 * 1024,
				PresignExpiry: time.Hour,
			},
			Portal: PortalConfig{
				URL: "https://siasky.net",
				KnownPortals: []string{
					"https://siasky.net",
					"https://skynetfree.net",
					"https://skynetpro.net",
				},
			},
		},
		Transfer: TransferConfig{
			EncryptionType: "XCHACHA20_POLY1305",
			MaxParallel:    4,
			OffloadBuffer:  4,
			FetchRetries:   5,
			FetchBackoff:   500 * time.Millisecond,
			FetchTimeout:   2 * time.Minute,
		},
		Manifest: ManifestConfig{
			Store:         "s3",
			BoltPath:      "skytransfer.db",
			SyncFactor:    10,
			MinSyncFactor: 5,
		},
		Server: ServerConfig{
			ReadTimeout:       15 * time.Minute,
			WriteTimeout:      15 * time.Minute,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			MaxHeaderBytes:    1 << 20,
			MaxUploadBytes:    10 << 30,
		},
		RateLimit: RateLimitConfig{
			Limit:  100,
			Window: 60 * time.Second,
		},
		Cache: CacheConfig{
			MaxSize:  256 * 1024 * 1024,
			MaxItems: 1024,
			TTL:      10 * time.Minute,
		},
		Audit: AuditConfig{
			MaxEvents: 10000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			ServiceName:     "skytransfer",
			ServiceVersion:  "dev",
			Exporter:        "stdout",
			SamplingRatio:   1.0,
			RedactSensitive: true,
		},
	}
}

// LoadConfig loads configuration from a file, a .env file in the working
// directory and environment variables, in increasing precedence.
func LoadConfig(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Variables already set in the environment win over the .env file.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}
	loadFromEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func lookupEnv(name string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + name)
	return v, ok && v != ""
}

func envString(name string, dst *string) {
	if v, ok := lookupEnv(name); ok {
		*dst = v
	}
}

func envBool(name string, dst *bool) {
	if v, ok := lookupEnv(name); ok {
		*dst = v == "true" || v == "1"
	}
}

func envInt(name string, dst *int) {
	if v, ok := lookupEnv(name); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(name string, dst *int64) {
	if v, ok := lookupEnv(name); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if v, ok := lookupEnv(name); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func envList(name string, dst *[]string) {
	if v, ok := lookupEnv(name); ok {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		*dst = parts
	}
}

// loadFromEnv loads configuration values from environment variables.
func loadFromEnv(config *Config) {
	envString("LISTEN_ADDR", &config.ListenAddr)
	envString("LOG_LEVEL", &config.LogLevel)
	envString("LOGGING_ACCESS_LOG_FORMAT", &config.Logging.AccessLogFormat)
	envList("LOGGING_REDACT_HEADERS", &config.Logging.RedactHeaders)

	envString("SESSION_PRIVATE_KEY_SEED", &config.Session.PrivateKeySeed)
	envString("SESSION_MANIFEST_KEY_NAME", &config.Session.ManifestKeyName)

	envString("STORAGE_BACKEND", &config.Storage.Backend)
	envString("S3_ENDPOINT", &config.Storage.S3.Endpoint)
	envString("S3_REGION", &config.Storage.S3.Region)
	envString("S3_BUCKET", &config.Storage.S3.Bucket)
	envString("S3_ACCESS_KEY", &config.Storage.S3.AccessKey)
	envString("S3_SECRET_KEY", &config.Storage.S3.SecretKey)
	envBool("S3_USE_PATH_STYLE", &config.Storage.S3.UsePathStyle)
	envInt64("S3_PART_SIZE", &config.Storage.S3.PartSize)
	envDuration("S3_PRESIGN_EXPIRY", &config.Storage.S3.PresignExpiry)
	envString("PORTAL_URL", &config.Storage.Portal.URL)
	envList("PORTAL_KNOWN_PORTALS", &config.Storage.Portal.KnownPortals)
	envString("PORTAL_API_KEY", &config.Storage.Portal.APIKey)

	envString("TRANSFER_ENCRYPTION_TYPE", &config.Transfer.EncryptionType)
	envInt("TRANSFER_CHUNK_SIZE", &config.Transfer.ChunkSize)
	envInt("TRANSFER_MAX_PARALLEL", &config.Transfer.MaxParallel)
	envBool("TRANSFER_OFFLOAD", &config.Transfer.Offload)
	envInt("TRANSFER_OFFLOAD_BUFFER", &config.Transfer.OffloadBuffer)
	envInt("TRANSFER_FETCH_RETRIES", &config.Transfer.FetchRetries)
	envDuration("TRANSFER_FETCH_BACKOFF", &config.Transfer.FetchBackoff)
	envDuration("TRANSFER_FETCH_TIMEOUT", &config.Transfer.FetchTimeout)

	envString("MANIFEST_STORE", &config.Manifest.Store)
	envString("MANIFEST_BOLT_PATH", &config.Manifest.BoltPath)
	envInt("MANIFEST_SYNC_FACTOR", &config.Manifest.SyncFactor)
	envInt("MANIFEST_MIN_SYNC_FACTOR", &config.Manifest.MinSyncFactor)

	envDuration("SERVER_READ_TIMEOUT", &config.Server.ReadTimeout)
	envDuration("SERVER_WRITE_TIMEOUT", &config.Server.WriteTimeout)
	envDuration("SERVER_IDLE_TIMEOUT", &config.Server.IdleTimeout)
	envDuration("SERVER_READ_HEADER_TIMEOUT", &config.Server.ReadHeaderTimeout)
	envInt("SERVER_MAX_HEADER_BYTES", &config.Server.MaxHeaderBytes)
	envInt64("SERVER_MAX_UPLOAD_BYTES", &config.Server.MaxUploadBytes)

	envBool("RATE_LIMIT_ENABLED", &config.RateLimit.Enabled)
	envInt("RATE_LIMIT_REQUESTS", &config.RateLimit.Limit)
	envDuration("RATE_LIMIT_WINDOW", &config.RateLimit.Window)

	envBool("CACHE_ENABLED", &config.Cache.Enabled)
	envInt64("CACHE_MAX_SIZE", &config.Cache.MaxSize)
	envInt("CACHE_MAX_ITEMS", &config.Cache.MaxItems)
	envDuration("CACHE_TTL", &config.Cache.TTL)

	envBool("AUDIT_ENABLED", &config.Audit.Enabled)
	envInt("AUDIT_MAX_EVENTS", &config.Audit.MaxEvents)

	envBool("METRICS_ENABLED", &config.Metrics.Enabled)
	envString("METRICS_PATH", &config.Metrics.Path)

	envBool("TRACING_ENABLED", &config.Tracing.Enabled)
	envString("TRACING_SERVICE_NAME", &config.Tracing.ServiceName)
	envString("TRACING_SERVICE_VERSION", &config.Tracing.ServiceVersion)
	envString("TRACING_EXPORTER", &config.Tracing.Exporter)
	envString("TRACING_OTLP_ENDPOINT", &config.Tracing.OtlpEndpoint)
	if v, ok := lookupEnv("TRACING_SAMPLING_RATIO"); ok {
		if ratio, err := strconv.ParseFloat(v, 64); err == nil && ratio >= 0.0 && ratio <= 1.0 {
			config.Tracing.SamplingRatio = ratio
		}
	}
	envBool("TRACING_REDACT_SENSITIVE", &config.Tracing.RedactSensitive)
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}

	if c.LogLevel != "" {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[c.LogLevel] {
			return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel)
		}
	}

	switch c.Logging.AccessLogFormat {
	case "", "default", "json", "clf":
	default:
		return fmt.Errorf("invalid logging.access_log_format: %s (must be default, json, or clf)", c.Logging.AccessLogFormat)
	}

	if seed := c.Session.PrivateKeySeed; seed != "" {
		if b, err := hex.DecodeString(seed); err != nil || len(b) != 32 {
			return fmt.Errorf("session.private_key_seed must be 64 hex characters")
		}
	}
	if c.Session.ManifestKeyName == "" {
		return fmt.Errorf("session.manifest_key_name is required")
	}

	switch c.Storage.Backend {
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required for the s3 backend")
		}
		if c.Storage.S3.AccessKey == "" || c.Storage.S3.SecretKey == "" {
			return fmt.Errorf("storage.s3.access_key and storage.s3.secret_key are required for the s3 backend")
		}
		// S3 requires every part but the last to be at least 5 MiB.
		if c.Storage.S3.PartSize < 5*1024*1024 {
			return fmt.Errorf("storage.s3.part_size must be at least 5MiB")
		}
	case "portal":
		if c.Storage.Portal.URL == "" {
			return fmt.Errorf("storage.portal.url is required for the portal backend")
		}
	default:
		return fmt.Errorf("invalid storage.backend: %s (must be s3 or portal)", c.Storage.Backend)
	}

	switch c.Transfer.EncryptionType {
	case "XCHACHA20_POLY1305", "AES":
	default:
		return fmt.Errorf("invalid transfer.encryption_type: %s", c.Transfer.EncryptionType)
	}
	if c.Transfer.ChunkSize < 0 {
		return fmt.Errorf("transfer.chunk_size must not be negative")
	}
	if c.Transfer.MaxParallel < 1 {
		return fmt.Errorf("transfer.max_parallel must be at least 1")
	}
	if c.Transfer.Offload && c.Transfer.OffloadBuffer < 1 {
		return fmt.Errorf("transfer.offload_buffer must be at least 1 when offload is enabled")
	}
	if c.Transfer.FetchRetries < 0 {
		return fmt.Errorf("transfer.fetch_retries must not be negative")
	}

	switch c.Manifest.Store {
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required for the s3 manifest store")
		}
	case "bolt":
		if c.Manifest.BoltPath == "" {
			return fmt.Errorf("manifest.bolt_path is required for the bolt manifest store")
		}
	default:
		return fmt.Errorf("invalid manifest.store: %s (must be s3 or bolt)", c.Manifest.Store)
	}
	if c.Manifest.SyncFactor < 0 || c.Manifest.MinSyncFactor < 0 {
		return fmt.Errorf("manifest.sync_factor and manifest.min_sync_factor must not be negative")
	}

	if c.Cache.Enabled && (c.Cache.MaxSize <= 0 || c.Cache.MaxItems <= 0) {
		return fmt.Errorf("cache.max_size and cache.max_items must be positive when the cache is enabled")
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	if c.Tracing.Enabled {
		if c.Tracing.ServiceName == "" {
			return fmt.Errorf("tracing.service_name is required when tracing is enabled")
		}
		validExporters := map[string]bool{
			"stdout": true,
			"otlp":   true,
		}
		if !validExporters[c.Tracing.Exporter] {
			return fmt.Errorf("invalid tracing.exporter: %s (must be stdout or otlp)", c.Tracing.Exporter)
		}
		if c.Tracing.SamplingRatio < 0.0 || c.Tracing.SamplingRatio > 1.0 {
			return fmt.Errorf("tracing.sampling_ratio must be between 0.0 and 1.0")
		}
		if c.Tracing.Exporter == "otlp" && c.Tracing.OtlpEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is otlp")
		}
	}

	return nil
}
