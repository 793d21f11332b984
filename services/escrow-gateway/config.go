package main

import (
	"fmt"
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

// Config captures the runtime configuration for the escrow gateway.
type Config struct {
	ListenAddress string         `yaml:"listen"`
	Environment   string         `yaml:"environment"`
	DatabaseDSN   string         `yaml:"database"`
	Node          NodeConfig     `yaml:"node"`
	Operator      OperatorConfig `yaml:"operator"`
	Auth          AuthConfig     `yaml:"auth"`
	Identity      IdentityConfig `yaml:"identity"`
	Quotes        QuotesConfig   `yaml:"quotes"`
	Watcher       WatcherConfig  `yaml:"watcher"`
	RateLimit     RateConfig     `yaml:"rate_limit"`
	CORS          CORSConfig     `yaml:"cors"`
	LogRequests   bool           `yaml:"log_requests"`
}

// NodeConfig points the gateway at credifyd.
type NodeConfig struct {
	URL            string   `yaml:"url"`
	AuthToken      string   `yaml:"auth_token"`
	PollInterval   Duration `yaml:"poll_interval"`
	ConfirmTimeout Duration `yaml:"confirm_timeout"`
}

// OperatorConfig locates the keystore used for admin release and refund.
// Admin routes are disabled when Keystore is empty.
type OperatorConfig struct {
	Keystore      string `yaml:"keystore"`
	PassphraseEnv string `yaml:"passphrase_env"`
}

// AuthConfig configures bearer token validation for protected routes.
type AuthConfig struct {
	Enabled    bool     `yaml:"enabled"`
	HMACSecret string   `yaml:"hmac_secret"`
	SecretEnv  string   `yaml:"hmac_secret_env"`
	Issuer     string   `yaml:"issuer"`
	Audience   string   `yaml:"audience"`
	ScopeClaim string   `yaml:"scope_claim"`
	ClockSkew  Duration `yaml:"clock_skew"`
}

// IdentityConfig locates the proof database.
type IdentityConfig struct {
	Path       string `yaml:"path"`
	MinimumAge int    `yaml:"minimum_age"`
}

// QuotesConfig controls the price quote cache.
type QuotesConfig struct {
	// Endpoint overrides the CoinGecko simple/price URL.
	Endpoint       string   `yaml:"endpoint"`
	TTL            Duration `yaml:"ttl"`
	RedisAddr      string   `yaml:"redis_addr"`
	RedisPassword  string   `yaml:"redis_password"`
	RedisDB        int      `yaml:"redis_db"`
	RequestTimeout Duration `yaml:"request_timeout"`
}

// WatcherConfig controls the ledger event watcher.
type WatcherConfig struct {
	PollInterval Duration `yaml:"poll_interval"`
	BatchSize    int      `yaml:"batch_size"`
}

// RateConfig bounds write traffic per client.
type RateConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// CORSConfig lists the storefront origins allowed to call the gateway.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LoadConfig reads configuration from path and applies environment
// overrides. An empty path yields defaults plus overrides.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	if strings.TrimSpace(path) != "" {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := cfg.Auth.normalise(); err != nil {
		return cfg, fmt.Errorf("auth: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	overrides := map[string]*string{
		"CREDIFY_GATEWAY_LISTEN":     &cfg.ListenAddress,
		"CREDIFY_GATEWAY_DATABASE":   &cfg.DatabaseDSN,
		"CREDIFY_GATEWAY_NODE_URL":   &cfg.Node.URL,
		"CREDIFY_GATEWAY_NODE_TOKEN": &cfg.Node.AuthToken,
		"CREDIFY_GATEWAY_KEYSTORE":   &cfg.Operator.Keystore,
		"CREDIFY_GATEWAY_REDIS_ADDR": &cfg.Quotes.RedisAddr,
		"CREDIFY_ENV":                &cfg.Environment,
	}
	for name, target := range overrides {
		if value := strings.TrimSpace(os.Getenv(name)); value != "" {
			*target = value
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8090"
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.DatabaseDSN == "" {
		cfg.DatabaseDSN = "file:credify-gateway.db"
	}
	if cfg.Node.URL == "" {
		cfg.Node.URL = "http://127.0.0.1:8545"
	}
	if cfg.Node.PollInterval.Duration == 0 {
		cfg.Node.PollInterval.Duration = 250 * time.Millisecond
	}
	if cfg.Node.ConfirmTimeout.Duration == 0 {
		cfg.Node.ConfirmTimeout.Duration = 30 * time.Second
	}
	if cfg.Operator.PassphraseEnv == "" {
		cfg.Operator.PassphraseEnv = "CREDIFY_OPERATOR_PASSPHRASE"
	}
	if cfg.Auth.ScopeClaim == "" {
		cfg.Auth.ScopeClaim = "scope"
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = time.Minute
	}
	if cfg.Identity.Path == "" {
		cfg.Identity.Path = "credify-identity.db"
	}
	if cfg.Identity.MinimumAge <= 0 {
		cfg.Identity.MinimumAge = 18
	}
	if cfg.Quotes.TTL.Duration == 0 {
		cfg.Quotes.TTL.Duration = 5 * time.Minute
	}
	if cfg.Quotes.RequestTimeout.Duration == 0 {
		cfg.Quotes.RequestTimeout.Duration = 5 * time.Second
	}
	if cfg.Watcher.PollInterval.Duration == 0 {
		cfg.Watcher.PollInterval.Duration = 2 * time.Second
	}
	if cfg.Watcher.BatchSize <= 0 {
		cfg.Watcher.BatchSize = 100
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 20
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Node.URL) == "" {
		return fmt.Errorf("node url must be configured")
	}
	if cfg.Auth.Enabled && cfg.Auth.HMACSecret == "" {
		return fmt.Errorf("auth enabled without hmac_secret")
	}
	if cfg.Identity.MinimumAge > 150 {
		return fmt.Errorf("identity minimum_age %d out of range", cfg.Identity.MinimumAge)
	}
	return nil
}

func (a *AuthConfig) normalise() error {
	a.HMACSecret = strings.TrimSpace(a.HMACSecret)
	a.SecretEnv = strings.TrimSpace(a.SecretEnv)
	if a.HMACSecret != "" || a.SecretEnv == "" {
		return nil
	}
	value := strings.TrimSpace(os.Getenv(a.SecretEnv))
	if value == "" {
		return fmt.Errorf("hmac_secret_env %s is empty", a.SecretEnv)
	}
	a.HMACSecret = value
	return nil
}
