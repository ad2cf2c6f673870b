package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/TD-Producoes/revshare-sub005/internal/core"
	"github.com/TD-Producoes/revshare-sub005/internal/validation"
)

const (
	DefaultAddr            = ":8080"
	DefaultIntentTTL       = 15 * time.Minute
	DefaultPlanTTL         = time.Hour
	DefaultClaimTTL        = 24 * time.Hour
	DefaultJanitorInterval = time.Minute
	DefaultRateLimitRPS    = 10
	DefaultRateLimitBurst  = 20
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Session    SessionConfig    `yaml:"session"`
	Intents    LifetimeConfig   `yaml:"intents"`
	Plans      LifetimeConfig   `yaml:"plans"`
	Claims     LifetimeConfig   `yaml:"claims"`
	Secrets    SecretsConfig    `yaml:"secrets"`
	Defaults   DefaultsConfig   `yaml:"defaults"`
	Janitor    JanitorConfig    `yaml:"janitor"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Store      StoreConfig      `yaml:"store"`
	Counter    CounterConfig    `yaml:"counter"`
	Audit      AuditConfig      `yaml:"audit"`
	Guardrails []core.Guardrail `yaml:"guardrails"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`

	// PublicURL is used to build the claim links handed to agents,
	// for example "https://revshare.example.com".
	PublicURL string `yaml:"public_url"`
}

// SessionConfig holds the key dashboard session tokens are signed with.
type SessionConfig struct {
	SigningKey string `yaml:"signing_key"`
}

type LifetimeConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type SecretsConfig struct {
	// BcryptCost for agent secrets. Zero uses bcrypt.DefaultCost.
	BcryptCost int `yaml:"bcrypt_cost"`
}

// DefaultsConfig is applied to installations created from a claim without explicit settings.
type DefaultsConfig struct {
	Policy core.Policy `yaml:"policy"`
}

type JanitorConfig struct {
	// Interval of the expiry sweeps. A negative value disables scheduled runs.
	Interval time.Duration `yaml:"interval"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Type   string         `yaml:"type"`    // e.g., "memory", "sqlite", "postgres"
	Config map[string]any `yaml:",inline"` // Capture remaining fields
}

// CounterConfig selects where daily apply counters live.
type CounterConfig struct {
	Type   string         `yaml:"type"`    // e.g., "store", "redis"
	Config map[string]any `yaml:",inline"` // Capture remaining fields
}

// AuditConfig holds configuration for the audit chain.
type AuditConfig struct {
	// MirrorPath, if set, receives every appended entry as one JSON line.
	MirrorPath string `yaml:"mirror_path"`
}

// Load reads and parses the configuration file at the given path.
// It returns a Config struct or an error if loading/parsing/validation fails.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config file: %w", err)
	}
	return &cfg, nil
}

// Default returns a configuration suitable for local runs.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

func (c *Config) ApplyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if c.Intents.TTL == 0 {
		c.Intents.TTL = DefaultIntentTTL
	}
	if c.Plans.TTL == 0 {
		c.Plans.TTL = DefaultPlanTTL
	}
	if c.Claims.TTL == 0 {
		c.Claims.TTL = DefaultClaimTTL
	}
	if c.Janitor.Interval == 0 {
		c.Janitor.Interval = DefaultJanitorInterval
	}
	if c.RateLimit.RPS == 0 {
		c.RateLimit.RPS = DefaultRateLimitRPS
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = DefaultRateLimitBurst
	}
	if c.Store.Type == "" {
		c.Store.Type = "memory"
	}
	if c.Counter.Type == "" {
		c.Counter.Type = "store"
	}
}

func (c *Config) Validate() error {
	if c.Intents.TTL < 0 || c.Plans.TTL < 0 || c.Claims.TTL < 0 {
		return fmt.Errorf("ttl values must not be negative")
	}
	if c.Secrets.BcryptCost != 0 && (c.Secrets.BcryptCost < 4 || c.Secrets.BcryptCost > 31) {
		return fmt.Errorf("secrets.bcrypt_cost must be within [4, 31], got %d", c.Secrets.BcryptCost)
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}
	if c.Defaults.Policy.DailyApplyLimit < 0 {
		return fmt.Errorf("defaults.policy.daily_apply_limit must not be negative")
	}

	switch c.Store.Type {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown store type %q", c.Store.Type)
	}
	switch c.Counter.Type {
	case "store", "redis":
	default:
		return fmt.Errorf("unknown counter type %q", c.Counter.Type)
	}

	validGuardrails, err := validation.ValidateGuardrails(c.Guardrails)
	if err != nil {
		return fmt.Errorf("validating guardrails: %w", err)
	}
	c.Guardrails = validGuardrails

	return nil
}

// RequireSigningKey fails if no session signing key is configured.
// Only the server needs one, local commands do not.
func (c *Config) RequireSigningKey() error {
	if len(c.Session.SigningKey) < 32 {
		return fmt.Errorf("session.signing_key must be at least 32 bytes")
	}
	return nil
}
