// Package config handles YAML configuration loading with environment
// variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/eugener/warden/internal/balance"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Security  SecurityConfig  `yaml:"security"`
	Pool      PoolConfig      `yaml:"pool"`
	Probe     ProbeConfig     `yaml:"probe"`
	Timeouts  TimeoutConfig   `yaml:"timeouts"`
	OAuth     OAuthConfig     `yaml:"oauth"`
	Proxies   []ProxyEntry    `yaml:"proxies"`
	Backup    BackupConfig    `yaml:"backup"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Seed      SeedConfig      `yaml:"seed"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	MaxConcurrent   int           `yaml:"max_concurrent"`  // worker-pool size
	AdmissionWait   time.Duration `yaml:"admission_wait"`  // brief block before 503
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// RedisConfig holds the KV cache settings. An empty URL runs the in-memory
// cache (single-node deployments and tests).
type RedisConfig struct {
	URL string `yaml:"url"`
}

// SecurityConfig holds key material.
type SecurityConfig struct {
	EncryptionKey string `yaml:"encryption_key"` // >= 32 bytes, credential blobs at rest
	JWTSecret     string `yaml:"jwt_secret"`     // >= 32 bytes, admin tokens
}

// PoolConfig tunes the account pool and load balancer.
type PoolConfig struct {
	SnapshotTTL    time.Duration    `yaml:"snapshot_ttl"`
	Strategy       balance.Strategy `yaml:"strategy"`
	MinHealthScore float64          `yaml:"min_health_score"`
}

// ProbeConfig tunes the health prober.
type ProbeConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`
}

// TimeoutConfig bounds each outbound phase.
type TimeoutConfig struct {
	Unary         time.Duration `yaml:"unary"`
	StreamIdle    time.Duration `yaml:"stream_idle"`
	OAuthExchange time.Duration `yaml:"oauth_exchange"`
	TokenRefresh  time.Duration `yaml:"token_refresh"`
}

// OAuthConfig holds per-provider OAuth endpoints and client identities.
type OAuthConfig struct {
	Anthropic AnthropicOAuth `yaml:"anthropic"`
	Qwen      QwenOAuth      `yaml:"qwen"`
}

// AnthropicOAuth configures the authorization-code flow.
type AnthropicOAuth struct {
	AuthorizeURL string `yaml:"authorize_url"`
	TokenURL     string `yaml:"token_url"`
	ClientID     string `yaml:"client_id"`
	RedirectURI  string `yaml:"redirect_uri"`
	Scopes       string `yaml:"scopes"`
}

// QwenOAuth configures the device-code flow.
type QwenOAuth struct {
	DeviceAuthURL string   `yaml:"device_auth_url"`
	TokenURL      string   `yaml:"token_url"`
	ClientID      string   `yaml:"client_id"`
	Scopes        []string `yaml:"scopes"`
}

// ProxyEntry names an outbound proxy accounts can bind to.
type ProxyEntry struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// BackupConfig controls the database backup worker.
type BackupConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Dir      string        `yaml:"dir"`      // blob sink root
	Interval time.Duration `yaml:"interval"`
	Keep     int           `yaml:"keep"` // backups retained
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// SeedConfig declares rows created at startup if absent.
type SeedConfig struct {
	Users []SeedUser `yaml:"users"`
	Keys  []SeedKey  `yaml:"keys"`
}

// SeedUser is a user seeded at startup.
type SeedUser struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Email string `yaml:"email"`
}

// SeedKey is an API key seeded at startup; the plaintext is hashed on write.
type SeedKey struct {
	OwnerID     string   `yaml:"owner_id"`
	Name        string   `yaml:"name"`
	Key         string   `yaml:"key"`
	Permissions []string `yaml:"permissions"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables
// and applying defaults, then validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Defaults returns a Config with every default applied.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			MaxConcurrent:   256,
			AdmissionWait:   500 * time.Millisecond,
			ReadTimeout:     30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{DSN: "warden.db"},
		Pool: PoolConfig{
			SnapshotTTL:    60 * time.Second,
			Strategy:       balance.StrategyAdaptive,
			MinHealthScore: 0.5,
		},
		Probe: ProbeConfig{
			Interval:    5 * time.Minute,
			Concurrency: 5,
			Timeout:     10 * time.Second,
		},
		Timeouts: TimeoutConfig{
			Unary:         60 * time.Second,
			StreamIdle:    60 * time.Second,
			OAuthExchange: 30 * time.Second,
			TokenRefresh:  15 * time.Second,
		},
		OAuth: OAuthConfig{
			Anthropic: AnthropicOAuth{
				AuthorizeURL: "https://claude.ai/oauth/authorize",
				TokenURL:     "https://console.anthropic.com/v1/oauth/token",
				RedirectURI:  "https://console.anthropic.com/oauth/code/callback",
				Scopes:       "org:create_api_key user:profile user:inference",
			},
			Qwen: QwenOAuth{
				DeviceAuthURL: "https://chat.qwen.ai/api/v1/oauth2/device/code",
				TokenURL:      "https://chat.qwen.ai/api/v1/oauth2/token",
				Scopes:        []string{"openid", "profile", "model.completion"},
			},
		},
		Backup: BackupConfig{
			Dir:      "backups",
			Interval: 6 * time.Hour,
			Keep:     14,
		},
	}
}

// Validate enforces startup invariants. Failures here are fatal config
// errors (exit code 1).
func (c *Config) Validate() error {
	if len(c.Security.EncryptionKey) < 32 {
		return fmt.Errorf("security.encryption_key must be at least 32 bytes")
	}
	if len(c.Security.JWTSecret) < 32 {
		return fmt.Errorf("security.jwt_secret must be at least 32 bytes")
	}
	if !c.Pool.Strategy.Valid() {
		return fmt.Errorf("pool.strategy %q is not a known strategy", c.Pool.Strategy)
	}
	if c.Server.MaxConcurrent <= 0 {
		return fmt.Errorf("server.max_concurrent must be positive")
	}
	seen := map[string]bool{}
	for _, p := range c.Proxies {
		if p.Name == "" || p.URL == "" {
			return fmt.Errorf("proxies entries need both name and url")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate proxy name %q", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// ProxyMap returns the proxy list as a name -> URL map for the transport
// pool.
func (c *Config) ProxyMap() map[string]string {
	out := make(map[string]string, len(c.Proxies))
	for _, p := range c.Proxies {
		out[p.Name] = p.URL
	}
	return out
}
