package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// MinSecretLength applies to every shared secret the server accepts.
const MinSecretLength = 32

// Store backends for signature requests and signatures.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendBadger   = "badger"
)

// Auth modes for API callers.
const (
	AuthModeDevelopment = "development"
	AuthModeJWT         = "jwt"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	AuthMode       string        `mapstructure:"AUTH_MODE"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	StoreBackend   string        `mapstructure:"STORE_BACKEND"`
	BadgerPath     string        `mapstructure:"BADGER_PATH"`
	RedisURL       string        `mapstructure:"REDIS_URL"`
	CacheTTL       time.Duration `mapstructure:"CACHE_TTL"`
	PublicBaseURL  string        `mapstructure:"PUBLIC_BASE_URL"`
	MigrationsDir  string        `mapstructure:"MIGRATIONS_DIR"`

	FieldEncryptionSecret string `mapstructure:"FIELD_ENCRYPTION_SECRET"`
	SigningTokenSecret    string `mapstructure:"SIGNING_TOKEN_SECRET"`

	IdentityDir        string `mapstructure:"IDENTITY_DIR"`
	SignerOrganization string `mapstructure:"SIGNER_ORGANIZATION"`
	SignerCommonName   string `mapstructure:"SIGNER_COMMON_NAME"`
	SignerEmail        string `mapstructure:"SIGNER_EMAIL"`
	SignerCountry      string `mapstructure:"SIGNER_COUNTRY"`

	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit      string   `mapstructure:"BODY_LIMIT"`

	RequestTimeout  time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`

	// warnings collected while loading, logged by the caller once a logger
	// exists.
	warnings []string
}

var keys = []string{
	"PORT", "ENV", "AUTH_MODE", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "STORE_BACKEND", "BADGER_PATH",
	"REDIS_URL", "CACHE_TTL", "PUBLIC_BASE_URL", "MIGRATIONS_DIR",
	"FIELD_ENCRYPTION_SECRET", "SIGNING_TOKEN_SECRET",
	"IDENTITY_DIR", "SIGNER_ORGANIZATION", "SIGNER_COMMON_NAME", "SIGNER_EMAIL", "SIGNER_COUNTRY",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "BODY_LIMIT",
	"REQUEST_TIMEOUT", "SHUTDOWN_TIMEOUT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // auto-detect: "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("STORE_BACKEND", BackendMemory)
	v.SetDefault("BADGER_PATH", "./data/badger")
	v.SetDefault("CACHE_TTL", "60s")
	v.SetDefault("PUBLIC_BASE_URL", "http://localhost:8000")
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("IDENTITY_DIR", "./data/identity")
	v.SetDefault("SIGNER_ORGANIZATION", "DocTrust Medical Documents")
	v.SetDefault("SIGNER_COMMON_NAME", "DocTrust Signing Service")
	v.SetDefault("SIGNER_EMAIL", "signing@doctrust.local")
	v.SetDefault("SIGNER_COUNTRY", "BR")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("SHUTDOWN_TIMEOUT", "10s")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))

	if cfg.IsDev() {
		cfg.warn("server is running in DEVELOPMENT mode: every API caller is treated as admin")
		if err := cfg.fillDevSecrets(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise ENV=development means "development" and
// anything else means "jwt".
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return AuthModeDevelopment
	}
	return AuthModeJWT
}

// Warnings returns the notices collected by Load.
func (c *Config) Warnings() []string {
	return c.warnings
}

func (c *Config) warn(msg string) {
	c.warnings = append(c.warnings, msg)
}

// fillDevSecrets replaces missing secrets with random per-process values so
// a development server starts without setup. Tokens issued by one process
// are not accepted by the next.
func (c *Config) fillDevSecrets() error {
	if c.SigningTokenSecret == "" {
		s, err := randomSecret()
		if err != nil {
			return err
		}
		c.SigningTokenSecret = s
		c.warn("SIGNING_TOKEN_SECRET is not set: using a random secret, signing links die with this process")
	}
	if c.AuthSigningKey == "" && c.ResolvedAuthMode() == AuthModeJWT {
		s, err := randomSecret()
		if err != nil {
			return err
		}
		c.AuthSigningKey = s
		c.warn("AUTH_SIGNING_KEY is not set: using a random key, no external token will validate")
	}
	if c.FieldEncryptionSecret == "" {
		c.warn("FIELD_ENCRYPTION_SECRET is not set: PHI columns are stored in clear text")
	}
	return nil
}

func randomSecret() (string, error) {
	b := make([]byte, MinSecretLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate development secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Validate checks that the configuration is safe to run. Production needs
// every secret, and no secret may be shorter than MinSecretLength.
func (c *Config) Validate() error {
	mode := c.ResolvedAuthMode()
	if mode != AuthModeDevelopment && mode != AuthModeJWT {
		return fmt.Errorf("AUTH_MODE must be %q or %q, got %q", AuthModeDevelopment, AuthModeJWT, mode)
	}
	if mode == AuthModeDevelopment && c.IsProduction() {
		return fmt.Errorf("AUTH_MODE=development is not allowed when ENV=production")
	}
	if mode == AuthModeJWT {
		if err := checkSecret("AUTH_SIGNING_KEY", c.AuthSigningKey); err != nil {
			return err
		}
	}

	if c.IsProduction() && c.FieldEncryptionSecret == "" {
		return fmt.Errorf("FIELD_ENCRYPTION_SECRET is required in production")
	}
	if c.FieldEncryptionSecret != "" {
		if err := checkSecret("FIELD_ENCRYPTION_SECRET", c.FieldEncryptionSecret); err != nil {
			return err
		}
	}
	if err := checkSecret("SIGNING_TOKEN_SECRET", c.SigningTokenSecret); err != nil {
		return err
	}

	u, err := url.Parse(c.PublicBaseURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("PUBLIC_BASE_URL must be an absolute URL, got %q", c.PublicBaseURL)
	}

	switch c.StoreBackend {
	case BackendMemory:
		if c.IsProduction() {
			c.warn("STORE_BACKEND=memory keeps signature requests in this process only; run a single instance")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is %q", BackendPostgres)
		}
	case BackendBadger:
		if c.BadgerPath == "" {
			return fmt.Errorf("BADGER_PATH is required when STORE_BACKEND is %q", BackendBadger)
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be %q, %q or %q, got %q",
			BackendMemory, BackendPostgres, BackendBadger, c.StoreBackend)
	}

	if c.CacheTTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be positive, got %s", c.CacheTTL)
	}
	return nil
}

func checkSecret(name, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required", name)
	}
	if len(value) < MinSecretLength {
		return fmt.Errorf("%s must be at least %d characters, got %d", name, MinSecretLength, len(value))
	}
	return nil
}
