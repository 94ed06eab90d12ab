// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type HTTPConfig struct {
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	CallbackPath   string        `yaml:"callback_path"`
}

type AuthConfig struct {
	JWTSecret  string `yaml:"jwt_secret"`
	Issuer     string `yaml:"issuer"`
	CookieName string `yaml:"cookie_name"`
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

type RedisConfig struct {
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"` // catalog cache entries
}

type MpesaConfig struct {
	Environment     string        `yaml:"environment"` // sandbox|production
	BaseURL         string        `yaml:"base_url"`    // overrides environment
	ConsumerKey     string        `yaml:"consumer_key"`
	ConsumerSecret  string        `yaml:"consumer_secret"`
	ShortCode       string        `yaml:"shortcode"`
	PartyB          string        `yaml:"party_b"`
	Passkey         string        `yaml:"passkey"`
	CallbackURL     string        `yaml:"callback_url"`
	TransactionType string        `yaml:"transaction_type"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
}

const (
	ExpiryAnchorInitiation   = "initiation"
	ExpiryAnchorConfirmation = "confirmation"
)

type SubscriptionConfig struct {
	Amount       int64  `yaml:"amount"`
	Currency     string `yaml:"currency"`
	DurationDays int    `yaml:"duration_days"`
	ExpiryAnchor string `yaml:"expiry_anchor"` // initiation|confirmation
}

func (s SubscriptionConfig) Duration() time.Duration {
	return time.Duration(s.DurationDays) * 24 * time.Hour
}

type ReconcilerConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Interval       time.Duration `yaml:"interval"`
	StaleAfter     time.Duration `yaml:"stale_after"`
	BatchSize      int           `yaml:"batch_size"`
	Concurrency    int           `yaml:"concurrency"`
	PendingMaxAge  time.Duration `yaml:"pending_max_age"`
	ExpiryInterval time.Duration `yaml:"expiry_interval"`
}

type RateLimitConfig struct {
	InitiateLimit  int           `yaml:"initiate_limit"`
	InitiateWindow time.Duration `yaml:"initiate_window"`
	LockTTL        time.Duration `yaml:"lock_ttl"`
}

type Config struct {
	Log          LogConfig          `yaml:"log"`
	HTTP         HTTPConfig         `yaml:"http"`
	Auth         AuthConfig         `yaml:"auth"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Mpesa        MpesaConfig        `yaml:"mpesa"`
	Subscription SubscriptionConfig `yaml:"subscription"`
	Reconciler   ReconcilerConfig   `yaml:"reconciler"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`

	Runtime RuntimeConfig `yaml:"-"`
}

// LoadConfig reads the YAML file at path (optional in dev), overlays secrets
// from the environment, applies defaults and validates.
func LoadConfig(path string, dev bool) (*Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && dev:
		// dev may run purely from env
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg.applyEnv(os.LookupEnv)
	cfg.applyDefaults()
	cfg.Runtime.Dev = dev
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(&c.Database.URL, "DATABASE_URL")
	set(&c.Redis.URL, "REDIS_URL")
	set(&c.Redis.Password, "REDIS_PASSWORD")
	set(&c.Auth.JWTSecret, "AUTH_JWT_SECRET")
	set(&c.Mpesa.ConsumerKey, "MPESA_CONSUMER_KEY")
	set(&c.Mpesa.ConsumerSecret, "MPESA_CONSUMER_SECRET")
	set(&c.Mpesa.Passkey, "MPESA_PASSKEY")
	set(&c.Mpesa.ShortCode, "MPESA_SHORTCODE")
	set(&c.Mpesa.CallbackURL, "MPESA_CALLBACK_URL")
	set(&c.Mpesa.Environment, "MPESA_ENVIRONMENT")
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.HTTP.Port <= 0 {
		c.HTTP.Port = 8080
	}
	if c.HTTP.ReadTimeout <= 0 {
		c.HTTP.ReadTimeout = 10 * time.Second
	}
	if c.HTTP.WriteTimeout <= 0 {
		c.HTTP.WriteTimeout = 30 * time.Second
	}
	if c.HTTP.RequestTimeout <= 0 {
		c.HTTP.RequestTimeout = 25 * time.Second
	}
	if c.HTTP.CallbackPath == "" {
		c.HTTP.CallbackPath = "/api/v1/payments/mpesa/callback"
	}
	if c.Auth.CookieName == "" {
		c.Auth.CookieName = "eduvault_token"
	}
	if c.Database.MaxConns <= 0 {
		c.Database.MaxConns = 10
	}
	c.Redis.TTL = normalizeTTL(c.Redis.TTL)

	if c.Mpesa.Environment == "" {
		c.Mpesa.Environment = "sandbox"
	}
	if c.Mpesa.TransactionType == "" {
		c.Mpesa.TransactionType = "CustomerPayBillOnline"
	}
	if c.Mpesa.RequestTimeout <= 0 {
		c.Mpesa.RequestTimeout = 15 * time.Second
	}

	if c.Subscription.Amount <= 0 {
		c.Subscription.Amount = 100
	}
	if c.Subscription.Currency == "" {
		c.Subscription.Currency = "KES"
	}
	if c.Subscription.DurationDays <= 0 {
		c.Subscription.DurationDays = 30
	}
	if c.Subscription.ExpiryAnchor == "" {
		c.Subscription.ExpiryAnchor = ExpiryAnchorInitiation
	}

	if c.Reconciler.Interval <= 0 {
		c.Reconciler.Interval = time.Minute
	}
	if c.Reconciler.StaleAfter <= 0 {
		c.Reconciler.StaleAfter = 2 * time.Minute
	}
	if c.Reconciler.BatchSize <= 0 {
		c.Reconciler.BatchSize = 50
	}
	if c.Reconciler.Concurrency <= 0 {
		c.Reconciler.Concurrency = 4
	}
	if c.Reconciler.PendingMaxAge <= 0 {
		c.Reconciler.PendingMaxAge = 24 * time.Hour
	}
	if c.Reconciler.ExpiryInterval <= 0 {
		c.Reconciler.ExpiryInterval = time.Hour
	}

	if c.RateLimit.InitiateLimit <= 0 {
		c.RateLimit.InitiateLimit = 5
	}
	if c.RateLimit.InitiateWindow <= 0 {
		c.RateLimit.InitiateWindow = 10 * time.Minute
	}
	if c.RateLimit.LockTTL <= 0 {
		c.RateLimit.LockTTL = 30 * time.Second
	}
}

// Validate performs minimal validation. Mpesa credentials may be empty in dev,
// in which case the in-memory gateway is used.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return errors.New("database.url is required")
	}
	if c.Redis.URL == "" {
		return errors.New("redis.url is required")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	if c.Subscription.Amount < 1 || c.Subscription.Amount > 70000 {
		return fmt.Errorf("subscription.amount must be between 1 and 70000, got %d", c.Subscription.Amount)
	}
	switch c.Subscription.ExpiryAnchor {
	case ExpiryAnchorInitiation, ExpiryAnchorConfirmation:
	default:
		return fmt.Errorf("subscription.expiry_anchor must be %q or %q", ExpiryAnchorInitiation, ExpiryAnchorConfirmation)
	}
	switch strings.ToLower(c.Mpesa.Environment) {
	case "sandbox", "production":
	default:
		return fmt.Errorf("mpesa.environment must be sandbox or production, got %q", c.Mpesa.Environment)
	}
	if !c.Runtime.Dev && !c.Mpesa.Configured() {
		return errors.New("mpesa.consumer_key, consumer_secret, shortcode, passkey and callback_url are required")
	}
	return nil
}

// Configured reports whether enough is set to talk to Daraja.
func (m MpesaConfig) Configured() bool {
	return m.ConsumerKey != "" && m.ConsumerSecret != "" && m.ShortCode != "" && m.Passkey != "" && m.CallbackURL != ""
}

func normalizeTTL(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Hour
	}
	return d
}
