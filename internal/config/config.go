package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port             string        `mapstructure:"PORT"`
	Env              string        `mapstructure:"ENV"`
	DatabaseURL      string        `mapstructure:"DATABASE_URL"`
	DBMaxConns       int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns       int32         `mapstructure:"DB_MIN_CONNS"`
	DBAcquireTimeout time.Duration `mapstructure:"DB_ACQUIRE_TIMEOUT"`
	StoreTimeout     time.Duration `mapstructure:"STORE_TIMEOUT"`
	RedisURL         string        `mapstructure:"REDIS_URL"`
	CORSOrigins      []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS     float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst   int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout   time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	// Sessions
	SessionStore      string        `mapstructure:"SESSION_STORE"`
	SessionTTL        time.Duration `mapstructure:"SESSION_TTL"`
	SessionSigningKey string        `mapstructure:"SESSION_SIGNING_KEY"`
	SessionCookieName string        `mapstructure:"SESSION_COOKIE_NAME"`
	CookieSecure      bool          `mapstructure:"COOKIE_SECURE"`

	// Login
	LoginMaxUsernameLen int     `mapstructure:"LOGIN_MAX_USERNAME_LEN"`
	LoginMaxPasswordLen int     `mapstructure:"LOGIN_MAX_PASSWORD_LEN"`
	LoginRateLimitRPS   float64 `mapstructure:"LOGIN_RATE_LIMIT_RPS"`
	LoginRateLimitBurst int     `mapstructure:"LOGIN_RATE_LIMIT_BURST"`
	BcryptCost          int     `mapstructure:"BCRYPT_COST"`

	// Audit and geo enrichment
	AuditWait    time.Duration `mapstructure:"AUDIT_WAIT"`
	GeoLookupURL string        `mapstructure:"GEO_LOOKUP_URL"`
	GeoTimeout   time.Duration `mapstructure:"GEO_TIMEOUT"`
	GeoCacheTTL  time.Duration `mapstructure:"GEO_CACHE_TTL"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("DB_ACQUIRE_TIMEOUT", "2s")
	v.SetDefault("STORE_TIMEOUT", "5s")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("SESSION_STORE", "memory")
	v.SetDefault("SESSION_TTL", "8h")
	v.SetDefault("SESSION_COOKIE_NAME", "ehr_session")
	v.SetDefault("LOGIN_MAX_USERNAME_LEN", 50)
	v.SetDefault("LOGIN_MAX_PASSWORD_LEN", 100)
	v.SetDefault("LOGIN_RATE_LIMIT_RPS", 1)
	v.SetDefault("LOGIN_RATE_LIMIT_BURST", 10)
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("AUDIT_WAIT", "2s")
	v.SetDefault("GEO_LOOKUP_URL", "http://ip-api.com/json/")
	v.SetDefault("GEO_TIMEOUT", "5s")
	v.SetDefault("GEO_CACHE_TTL", "10m")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"DB_ACQUIRE_TIMEOUT", "STORE_TIMEOUT", "REDIS_URL", "CORS_ORIGINS",
		"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT",
		"SESSION_STORE", "SESSION_TTL", "SESSION_SIGNING_KEY",
		"SESSION_COOKIE_NAME", "COOKIE_SECURE",
		"LOGIN_MAX_USERNAME_LEN", "LOGIN_MAX_PASSWORD_LEN",
		"LOGIN_RATE_LIMIT_RPS", "LOGIN_RATE_LIMIT_BURST", "BCRYPT_COST",
		"AUDIT_WAIT", "GEO_LOOKUP_URL", "GEO_TIMEOUT", "GEO_CACHE_TTL",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() && cfg.SessionSigningKey == "" {
		log.Println("WARNING: SESSION_SIGNING_KEY is not set; a random key will be generated.")
		log.Println("WARNING: Sessions will not survive a restart and cannot be shared between replicas.")
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

// SigningKey decodes SESSION_SIGNING_KEY. It returns nil when the key is unset.
func (c *Config) SigningKey() ([]byte, error) {
	if c.SessionSigningKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.SessionSigningKey)
	if err != nil {
		return nil, fmt.Errorf("SESSION_SIGNING_KEY is not valid hex: %w", err)
	}
	return key, nil
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.SessionStore {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when SESSION_STORE is \"redis\"")
		}
	default:
		return fmt.Errorf("SESSION_STORE must be \"memory\" or \"redis\", got %q", c.SessionStore)
	}

	if c.IsProduction() && c.SessionSigningKey == "" {
		return fmt.Errorf("SESSION_SIGNING_KEY is required in production")
	}
	key, err := c.SigningKey()
	if err != nil {
		return err
	}
	if key != nil && len(key) < 32 {
		return fmt.Errorf("SESSION_SIGNING_KEY must be at least 32 bytes (64 hex chars), got %d bytes", len(key))
	}
	if c.SessionStore == "redis" && key == nil {
		return fmt.Errorf("SESSION_SIGNING_KEY is required when sessions are shared through redis")
	}

	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive")
	}
	if c.LoginMaxUsernameLen <= 0 || c.LoginMaxPasswordLen <= 0 {
		return fmt.Errorf("LOGIN_MAX_USERNAME_LEN and LOGIN_MAX_PASSWORD_LEN must be positive")
	}
	if c.GeoTimeout <= 0 {
		return fmt.Errorf("GEO_TIMEOUT must be positive")
	}
	if c.DBAcquireTimeout <= 0 || c.StoreTimeout <= 0 {
		return fmt.Errorf("DB_ACQUIRE_TIMEOUT and STORE_TIMEOUT must be positive")
	}
	if c.IsProduction() && !c.CookieSecure {
		return fmt.Errorf("COOKIE_SECURE must be true in production")
	}

	return nil
}
