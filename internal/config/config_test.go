package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  secret: ` + testSecret + `
fetch:
  max_bytes: 1048576
jobs:
  workers: 6
  sync_threshold: 4s
  retention: 5m
tokens:
  ttl: 900s
pricing:
  max_copies: 250
  discounts:
    - min_quantity: 10
      basis_points: 250
storage:
  backend: local
  local:
    base_dir: ` + dir + `
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.True(t, cfg.Auth.Enabled)
	require.Equal(t, testSecret, cfg.Auth.Secret)
	require.Equal(t, "X-Internal-Auth", cfg.Auth.Header)
	require.Equal(t, int64(1048576), cfg.Fetch.MaxBytes)
	require.Equal(t, 6, cfg.Jobs.Workers)
	require.Equal(t, 4*time.Second, cfg.Jobs.SyncThreshold)
	require.Equal(t, 5*time.Minute, cfg.Jobs.Retention)
	require.Equal(t, 15*time.Minute, cfg.Tokens.TTL)
	require.Equal(t, 250, cfg.Pricing.MaxCopies)
	require.Equal(t, []DiscountTier{{MinQuantity: 10, BasisPoints: 250}}, cfg.Pricing.Discounts)
	require.Equal(t, "local", cfg.Storage.Backend)
	require.False(t, cfg.Logging.Development)
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("auth:\n  secret: "+testSecret+"\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, int64(50<<20), cfg.Fetch.MaxBytes)
	require.Equal(t, []string{"application/pdf", "application/x-pdf"}, cfg.Fetch.AllowedContentTypes)
	require.Equal(t, 30*time.Minute, cfg.Tokens.TTL)
	require.Equal(t, 8*time.Second, cfg.Jobs.SyncThreshold)
	require.Equal(t, 1.3, cfg.Poller.Growth)
	require.Len(t, cfg.Pricing.Discounts, 3)
	require.Equal(t, "memory", cfg.Storage.Backend)
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:  ServerConfig{Port: 8080},
		Auth:    AuthConfig{Enabled: true, Secret: testSecret},
		Fetch:   FetchConfig{MaxBytes: 1024, AllowedContentTypes: []string{"application/pdf"}},
		Jobs:    JobsConfig{Workers: 1, QueueDepth: 1, Retention: time.Minute},
		Poller:  PollerConfig{MinInterval: time.Second, MaxInterval: time.Second, Growth: 1.3, MaxAttempts: 1},
		Tokens:  TokensConfig{TTL: time.Minute, Backend: "memory"},
		Pricing: PricingConfig{MaxCopies: 10},
		Storage: StorageConfig{Backend: "memory"},
	}
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"short secret", func(c *Config) { c.Auth.Secret = "short" }, "auth.secret"},
		{"no size limit", func(c *Config) { c.Fetch.MaxBytes = 0 }, "fetch.max_bytes"},
		{"no workers", func(c *Config) { c.Jobs.Workers = 0 }, "jobs.workers"},
		{"growth out of range", func(c *Config) { c.Poller.Growth = 2 }, "poller.growth"},
		{"redis without url", func(c *Config) { c.Tokens.Backend = "redis" }, "redis.url"},
		{"unknown storage", func(c *Config) { c.Storage.Backend = "ftp" }, "storage.backend"},
		{"gcs without bucket", func(c *Config) { c.Storage.Backend = "gcs" }, "storage.bucket"},
		{"zero copies", func(c *Config) { c.Pricing.MaxCopies = 0 }, "pricing.max_copies"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
