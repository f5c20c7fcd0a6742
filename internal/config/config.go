package config

import (
	"fmt"
	"log"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"
)

type Config struct {
	Port               string        `mapstructure:"PORT"`
	Env                string        `mapstructure:"ENV"`
	StorageBackend     string        `mapstructure:"STORAGE_BACKEND"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL           string        `mapstructure:"REDIS_URL"`
	AuthIssuer         string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience       string        `mapstructure:"AUTH_AUDIENCE"`
	JWTSigningKey      string        `mapstructure:"JWT_SIGNING_KEY"`
	CORSOrigins        []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS       float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst     int           `mapstructure:"RATE_LIMIT_BURST"`
	Timezone           string        `mapstructure:"TIMEZONE"`
	DefaultRequestTTL  time.Duration `mapstructure:"DEFAULT_REQUEST_TTL"`
	MaxRequestTTL      time.Duration `mapstructure:"MAX_REQUEST_TTL"`
	MaxSlotsPerRequest int           `mapstructure:"MAX_SLOTS_PER_REQUEST"`
	SweepInterval      time.Duration `mapstructure:"SWEEP_INTERVAL"`
	SweepBatchSize     int           `mapstructure:"SWEEP_BATCH_SIZE"`
	RequestTimeout     time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	OTLPEndpoint       string        `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure       bool          `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
}

var envKeys = []string{
	"PORT", "ENV", "STORAGE_BACKEND", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "AUTH_ISSUER", "AUTH_AUDIENCE", "JWT_SIGNING_KEY", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "TIMEZONE", "DEFAULT_REQUEST_TTL",
	"MAX_REQUEST_TTL", "MAX_SLOTS_PER_REQUEST", "SWEEP_INTERVAL", "SWEEP_BATCH_SIZE",
	"REQUEST_TIMEOUT", "OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_INSECURE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORAGE_BACKEND", "postgres")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("TIMEZONE", "UTC")
	v.SetDefault("DEFAULT_REQUEST_TTL", "24h")
	v.SetDefault("MAX_REQUEST_TTL", "72h")
	v.SetDefault("MAX_SLOTS_PER_REQUEST", 3)
	v.SetDefault("SWEEP_INTERVAL", "60s")
	v.SetDefault("SWEEP_BATCH_SIZE", 200)
	v.SetDefault("REQUEST_TIMEOUT", "10s")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
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

	if cfg.UsesPostgres() && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORAGE_BACKEND is postgres")
	}

	if cfg.IsDev() {
		log.Println("WARNING: running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: identity is taken from X-Actor-ID / X-Actor-Role headers without verification.")
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

func (c *Config) UsesPostgres() bool {
	return c.StorageBackend == "" || c.StorageBackend == "postgres"
}

// Location resolves TIMEZONE. Weekday and hour-of-day of every slot are
// evaluated in this location.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.StorageBackend {
	case "", "postgres":
	case "memory":
		if !c.IsDev() {
			return fmt.Errorf("STORAGE_BACKEND=memory is only allowed when ENV=development")
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be \"postgres\" or \"memory\", got %q", c.StorageBackend)
	}

	if !c.IsDev() && c.JWTSigningKey == "" {
		return fmt.Errorf("JWT_SIGNING_KEY is required outside development (current ENV=%q)", c.Env)
	}
	if c.JWTSigningKey != "" && len(c.JWTSigningKey) < 32 {
		return fmt.Errorf("JWT_SIGNING_KEY must be at least 32 characters, got %d", len(c.JWTSigningKey))
	}

	if _, err := c.Location(); err != nil {
		return err
	}

	if c.DefaultRequestTTL <= 0 {
		return fmt.Errorf("DEFAULT_REQUEST_TTL must be positive, got %s", c.DefaultRequestTTL)
	}
	if c.MaxRequestTTL < c.DefaultRequestTTL {
		return fmt.Errorf("MAX_REQUEST_TTL (%s) must not be below DEFAULT_REQUEST_TTL (%s)", c.MaxRequestTTL, c.DefaultRequestTTL)
	}
	if c.MaxSlotsPerRequest < 1 {
		return fmt.Errorf("MAX_SLOTS_PER_REQUEST must be at least 1, got %d", c.MaxSlotsPerRequest)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive, got %s", c.SweepInterval)
	}
	if c.SweepBatchSize <= 0 {
		return fmt.Errorf("SWEEP_BATCH_SIZE must be positive, got %d", c.SweepBatchSize)
	}

	return nil
}
