// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Analysis  AnalysisConfig  `mapstructure:"analysis"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Poller    PollerConfig    `mapstructure:"poller"`
	Tokens    TokensConfig    `mapstructure:"tokens"`
	Pricing   PricingConfig   `mapstructure:"pricing"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// SecureCookies marks the session cookie Secure; disable only for local HTTP.
	SecureCookies bool `mapstructure:"secure_cookies"`
}

// AuthConfig defines the shared-secret header required from the integration layer.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Secret  string `mapstructure:"secret"`
	Header  string `mapstructure:"header"`
}

// FetchConfig bounds remote document retrieval.
type FetchConfig struct {
	MaxBytes            int64    `mapstructure:"max_bytes"`
	AllowedContentTypes []string `mapstructure:"allowed_content_types"`
	MaxRedirects        int      `mapstructure:"max_redirects"`
	UserAgent           string   `mapstructure:"user_agent"`
	// HostRPS paces downloads per upstream host; zero disables pacing.
	HostRPS   float64 `mapstructure:"host_rps"`
	HostBurst int     `mapstructure:"host_burst"`
}

// AnalysisConfig tunes page classification.
type AnalysisConfig struct {
	DPI             float64 `mapstructure:"dpi"`
	ChromaTolerance int     `mapstructure:"chroma_tolerance"`
	MinColorPixels  int     `mapstructure:"min_color_pixels"`
	CacheSize       int     `mapstructure:"cache_size"`
}

// JobsConfig governs the worker pool and job retention.
type JobsConfig struct {
	Workers       int           `mapstructure:"workers"`
	QueueDepth    int           `mapstructure:"queue_depth"`
	SyncThreshold time.Duration `mapstructure:"sync_threshold"`
	Retention     time.Duration `mapstructure:"retention"`
	TombstoneTTL  time.Duration `mapstructure:"tombstone_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// PollerConfig controls the client-side backoff schedule.
type PollerConfig struct {
	MinInterval   time.Duration `mapstructure:"min_interval"`
	MaxInterval   time.Duration `mapstructure:"max_interval"`
	Growth        float64       `mapstructure:"growth"`
	FastFactor    float64       `mapstructure:"fast_factor"`
	TimeoutFactor float64       `mapstructure:"timeout_factor"`
	TimeoutFloor  time.Duration `mapstructure:"timeout_floor"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
}

// TokensConfig selects the verification token lifetime and session backend.
type TokensConfig struct {
	TTL     time.Duration `mapstructure:"ttl"`
	Backend string        `mapstructure:"backend"`
}

// DiscountTier is a bulk discount applied at or above MinQuantity copies.
type DiscountTier struct {
	MinQuantity int `mapstructure:"min_quantity"`
	BasisPoints int `mapstructure:"basis_points"`
}

// PricingConfig bounds quantities and defines bulk discounts.
type PricingConfig struct {
	MaxCopies int            `mapstructure:"max_copies"`
	Discounts []DiscountTier `mapstructure:"discounts"`
}

// LocalStorageConfig configures the filesystem document archive.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// StorageConfig selects where analyzed documents are archived.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
	// Region and Endpoint apply to the s3 backend.
	Region   string             `mapstructure:"region"`
	Endpoint string             `mapstructure:"endpoint"`
	Local    LocalStorageConfig `mapstructure:"local"`
}

// DatabaseConfig controls the optional Postgres result store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// RedisConfig points at the session store when tokens.backend is redis.
type RedisConfig struct {
	URL    string `mapstructure:"url"`
	Prefix string `mapstructure:"prefix"`
}

// PubSubConfig holds the order-intake topic.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// RateLimitConfig sets per-client request limits.
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

// CORSConfig lists storefront origins allowed to call the API from a browser.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LoggingConfig toggles zap development features and the rotating file sink.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PRINTQUOTE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.secure_cookies", true)
	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.header", "X-Internal-Auth")
	v.SetDefault("fetch.max_bytes", 50<<20)
	v.SetDefault("fetch.allowed_content_types", []string{"application/pdf", "application/x-pdf"})
	v.SetDefault("fetch.max_redirects", 5)
	v.SetDefault("fetch.user_agent", "print-quote/1.0")
	v.SetDefault("fetch.host_rps", 2.0)
	v.SetDefault("fetch.host_burst", 4)
	v.SetDefault("analysis.dpi", 36)
	v.SetDefault("analysis.chroma_tolerance", 24)
	v.SetDefault("analysis.min_color_pixels", 16)
	v.SetDefault("analysis.cache_size", 1024)
	v.SetDefault("jobs.workers", 4)
	v.SetDefault("jobs.queue_depth", 64)
	v.SetDefault("jobs.sync_threshold", "8s")
	v.SetDefault("jobs.retention", "15m")
	v.SetDefault("jobs.tombstone_ttl", "1h")
	v.SetDefault("jobs.sweep_interval", "1m")
	v.SetDefault("jobs.timeout", "5m")
	v.SetDefault("poller.min_interval", "500ms")
	v.SetDefault("poller.max_interval", "10s")
	v.SetDefault("poller.growth", 1.3)
	v.SetDefault("poller.fast_factor", 2.0)
	v.SetDefault("poller.timeout_factor", 3.0)
	v.SetDefault("poller.timeout_floor", "30s")
	v.SetDefault("poller.max_attempts", 60)
	v.SetDefault("tokens.ttl", "1800s")
	v.SetDefault("tokens.backend", "memory")
	v.SetDefault("pricing.max_copies", 10000)
	v.SetDefault("pricing.discounts", []map[string]any{
		{"min_quantity": 50, "basis_points": 500},
		{"min_quantity": 100, "basis_points": 1000},
		{"min_quantity": 500, "basis_points": 1500},
	})
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "documents")
	v.SetDefault("database.table", "analysis_results")
	v.SetDefault("redis.prefix", "printquote:session:")
	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.rps", 5.0)
	v.SetDefault("ratelimit.burst", 10)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
//
//nolint:gocyclo // flat list of independent checks
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && len(c.Auth.Secret) < 32 {
		return fmt.Errorf("auth.secret must be at least 32 characters when auth is enabled")
	}
	if c.Fetch.MaxBytes <= 0 {
		return fmt.Errorf("fetch.max_bytes must be > 0")
	}
	if len(c.Fetch.AllowedContentTypes) == 0 {
		return fmt.Errorf("fetch.allowed_content_types must not be empty")
	}
	if c.Jobs.Workers <= 0 {
		return fmt.Errorf("jobs.workers must be > 0")
	}
	if c.Jobs.QueueDepth <= 0 {
		return fmt.Errorf("jobs.queue_depth must be > 0")
	}
	if c.Jobs.Retention <= 0 {
		return fmt.Errorf("jobs.retention must be > 0")
	}
	if c.Poller.Growth < 1.2 || c.Poller.Growth > 1.5 {
		return fmt.Errorf("poller.growth must be within [1.2, 1.5]")
	}
	if c.Poller.MinInterval <= 0 || c.Poller.MaxInterval < c.Poller.MinInterval {
		return fmt.Errorf("poller.min_interval must be > 0 and <= poller.max_interval")
	}
	if c.Poller.MaxAttempts <= 0 {
		return fmt.Errorf("poller.max_attempts must be > 0")
	}
	if c.Tokens.TTL <= 0 {
		return fmt.Errorf("tokens.ttl must be > 0")
	}
	switch c.Tokens.Backend {
	case "memory":
	case "redis":
		if c.Redis.URL == "" {
			return fmt.Errorf("redis.url must be set when tokens.backend is redis")
		}
	default:
		return fmt.Errorf("tokens.backend must be memory or redis")
	}
	if c.Pricing.MaxCopies <= 0 {
		return fmt.Errorf("pricing.max_copies must be > 0")
	}
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir must be set when storage.backend is local")
		}
	case "gcs", "s3":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set when storage.backend is %s", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("storage.backend must be one of memory, local, gcs, s3")
	}
	if c.RateLimit.Enabled && c.RateLimit.RPS <= 0 {
		return fmt.Errorf("ratelimit.rps must be > 0 when rate limiting is enabled")
	}
	return nil
}
