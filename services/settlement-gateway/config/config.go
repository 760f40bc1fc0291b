package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for the settlement gateway.
type Config struct {
	ListenAddress string        `yaml:"listen"`
	DatabasePath  string        `yaml:"database"`
	Node          NodeConfig    `yaml:"node"`
	Auth          AuthConfig    `yaml:"auth"`
	RateLimit     RateConfig    `yaml:"rate_limit"`
	Watcher       WatcherConfig `yaml:"watcher"`
	Webhooks      WebhookConfig `yaml:"webhooks"`
}

// NodeConfig points the gateway at the settlement node RPC. TokenEnv names
// the environment variable carrying the node bearer token so the secret
// stays out of the file.
type NodeConfig struct {
	URL      string   `yaml:"url"`
	TokenEnv string   `yaml:"token_env"`
	Timeout  Duration `yaml:"timeout"`

	// Token is resolved from TokenEnv at load time.
	Token string `yaml:"-"`
}

// AuthConfig controls JWT bearer verification. SecretEnv names the
// environment variable holding the HS256 signing secret.
type AuthConfig struct {
	Issuer     string   `yaml:"issuer"`
	Audience   string   `yaml:"audience"`
	SecretEnv  string   `yaml:"secret_env"`
	ScopeClaim string   `yaml:"scope_claim"`
	ClockSkew  Duration `yaml:"clock_skew"`

	// Secret is resolved from SecretEnv at load time.
	Secret string `yaml:"-"`
}

// RateConfig throttles authenticated callers per token subject.
type RateConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// WatcherConfig tunes the journal polling loop.
type WatcherConfig struct {
	Interval Duration `yaml:"interval"`
	Batch    int      `yaml:"batch"`
}

// WebhookConfig bounds the delivery queue.
type WebhookConfig struct {
	QueueCapacity   int      `yaml:"queue_capacity"`
	HistoryCapacity int      `yaml:"history_capacity"`
	TTL             Duration `yaml:"ttl"`
	MaxAttempts     int      `yaml:"max_attempts"`
}

const (
	defaultNodeTokenEnv  = "BSN_GATEWAY_NODE_TOKEN"
	defaultAuthSecretEnv = "BSN_GATEWAY_JWT_SECRET"
)

// Load reads configuration from the supplied path and resolves secrets from
// the environment.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	cfg.Node.Token = strings.TrimSpace(os.Getenv(cfg.Node.TokenEnv))
	cfg.Auth.Secret = strings.TrimSpace(os.Getenv(cfg.Auth.SecretEnv))
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8090"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "settlement-gateway.db"
	}
	if cfg.Node.TokenEnv == "" {
		cfg.Node.TokenEnv = defaultNodeTokenEnv
	}
	if cfg.Node.Timeout.Duration <= 0 {
		cfg.Node.Timeout.Duration = 10 * time.Second
	}
	if cfg.Auth.SecretEnv == "" {
		cfg.Auth.SecretEnv = defaultAuthSecretEnv
	}
	if cfg.Auth.ScopeClaim == "" {
		cfg.Auth.ScopeClaim = "scope"
	}
	if cfg.Auth.ClockSkew.Duration <= 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 20
	}
	if cfg.Watcher.Interval.Duration <= 0 {
		cfg.Watcher.Interval.Duration = 5 * time.Second
	}
	if cfg.Watcher.Batch <= 0 {
		cfg.Watcher.Batch = 100
	}
	if cfg.Webhooks.QueueCapacity <= 0 {
		cfg.Webhooks.QueueCapacity = 1024
	}
	if cfg.Webhooks.HistoryCapacity <= 0 {
		cfg.Webhooks.HistoryCapacity = 256
	}
	if cfg.Webhooks.TTL.Duration <= 0 {
		cfg.Webhooks.TTL.Duration = 15 * time.Minute
	}
	if cfg.Webhooks.MaxAttempts <= 0 {
		cfg.Webhooks.MaxAttempts = 5
	}
}

func validate(cfg Config) error {
	trimmed := strings.TrimSpace(cfg.Node.URL)
	if trimmed == "" {
		return fmt.Errorf("node.url is required")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("node.url must be an absolute URL")
	}
	if cfg.Auth.Secret == "" {
		return fmt.Errorf("auth secret environment variable %s is empty", cfg.Auth.SecretEnv)
	}
	if strings.TrimSpace(cfg.Auth.Issuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if strings.TrimSpace(cfg.Auth.Audience) == "" {
		return fmt.Errorf("auth.audience is required")
	}
	return nil
}
