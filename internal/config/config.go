package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Store backends for the persistent auth store
const (
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Config holds the client configuration
type Config struct {
	ProviderURL    string        `env:"CYCONNECT_PROVIDER_URL" envDefault:"http://localhost:3000"`
	ProviderPath   string        `env:"CYCONNECT_PROVIDER_PATH" envDefault:"/api/auth"`
	RequestTimeout time.Duration `env:"CYCONNECT_REQUEST_TIMEOUT" envDefault:"15s"`
	StoragePrefix  string        `env:"CYCONNECT_STORAGE_PREFIX" envDefault:"cyconnect"`
	Store          string        `env:"CYCONNECT_STORE" envDefault:"sqlite"`
	StorePath      string        `env:"CYCONNECT_STORE_PATH" envDefault:"cyconnect.db"`
	RedisURL       string        `env:"REDIS_URL"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info"`
	Environment    string        `env:"ENVIRONMENT" envDefault:"production"`

	OTP OTP
	SSO SSO
}

// OTP tunes the verification challenge
type OTP struct {
	Length          int           `env:"CYCONNECT_OTP_LENGTH" envDefault:"6"`
	InitialCooldown time.Duration `env:"CYCONNECT_OTP_INITIAL_COOLDOWN" envDefault:"30s"`
	ResendCooldown  time.Duration `env:"CYCONNECT_OTP_RESEND_COOLDOWN" envDefault:"60s"`
}

// SSO holds OAuth client registrations for social sign-in. A provider with an
// empty client id is disabled. Secrets are optional for PKCE public clients.
type SSO struct {
	RedirectURL          string `env:"CYCONNECT_SSO_REDIRECT_URL" envDefault:"http://127.0.0.1:8765/oauth/callback"`
	GoogleClientID       string `env:"CYCONNECT_SSO_GOOGLE_CLIENT_ID"`
	GoogleClientSecret   string `env:"CYCONNECT_SSO_GOOGLE_CLIENT_SECRET"`
	GitHubClientID       string `env:"CYCONNECT_SSO_GITHUB_CLIENT_ID"`
	GitHubClientSecret   string `env:"CYCONNECT_SSO_GITHUB_CLIENT_SECRET"`
	LinkedInClientID     string `env:"CYCONNECT_SSO_LINKEDIN_CLIENT_ID"`
	LinkedInClientSecret string `env:"CYCONNECT_SSO_LINKEDIN_CLIENT_SECRET"`
}

// DevProvider configures the development identity provider
type DevProvider struct {
	Port        string        `env:"PORT" envDefault:"3000"`
	BasePath    string        `env:"CYCONNECT_PROVIDER_PATH" envDefault:"/api/auth"`
	JWTSecret   string        `env:"DEVPROVIDER_JWT_SECRET" envDefault:"dev-secret-change-me"`
	SessionTTL  time.Duration `env:"DEVPROVIDER_SESSION_TTL" envDefault:"168h"`
	OTPTTL      time.Duration `env:"DEVPROVIDER_OTP_TTL" envDefault:"5m"`
	OTPLength   int           `env:"CYCONNECT_OTP_LENGTH" envDefault:"6"`
	ResendLimit int64         `env:"DEVPROVIDER_RESEND_LIMIT" envDefault:"5"`
	MaxAttempts int64         `env:"DEVPROVIDER_MAX_ATTEMPTS" envDefault:"5"`
	CORSOrigins []string      `env:"DEVPROVIDER_CORS_ORIGINS" envSeparator:","`
	// RedisURL is optional; an embedded in-process redis is used when empty.
	RedisURL    string        `env:"REDIS_URL"`
	LogLevel    string        `env:"LOG_LEVEL" envDefault:"debug"`
	Environment string        `env:"ENVIRONMENT" envDefault:"development"`
}

// Load loads client configuration from the environment and an optional .env file
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDevProvider loads the development identity provider configuration
func LoadDevProvider() (*DevProvider, error) {
	_ = godotenv.Load()

	var cfg DevProvider
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("DEVPROVIDER_JWT_SECRET is required")
	}
	if cfg.OTPLength <= 0 {
		return nil, fmt.Errorf("CYCONNECT_OTP_LENGTH must be positive, got %d", cfg.OTPLength)
	}
	return &cfg, nil
}

// Validate checks values env.Parse can't express
func (c *Config) Validate() error {
	c.Store = strings.ToLower(strings.TrimSpace(c.Store))
	switch c.Store {
	case StoreSQLite, StoreMemory:
	case StoreRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when CYCONNECT_STORE=redis")
		}
	default:
		return fmt.Errorf("unknown CYCONNECT_STORE %q", c.Store)
	}

	if c.ProviderURL == "" {
		return fmt.Errorf("CYCONNECT_PROVIDER_URL is required")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("CYCONNECT_REQUEST_TIMEOUT must be positive")
	}
	if c.OTP.Length <= 0 {
		return fmt.Errorf("CYCONNECT_OTP_LENGTH must be positive, got %d", c.OTP.Length)
	}
	if c.OTP.InitialCooldown < 0 || c.OTP.ResendCooldown < 0 {
		return fmt.Errorf("OTP cooldowns must not be negative")
	}
	return nil
}
