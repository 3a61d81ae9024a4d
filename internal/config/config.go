package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port              string        `mapstructure:"PORT"`
	Env               string        `mapstructure:"ENV"`
	DatabaseURL       string        `mapstructure:"DATABASE_URL"`
	DBMaxConns        int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32         `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins       []string      `mapstructure:"CORS_ORIGINS"`
	LogLevel          string        `mapstructure:"LOG_LEVEL"`
	LogFormat         string        `mapstructure:"LOG_FORMAT"`
	StorageBackend    string        `mapstructure:"STORAGE_BACKEND"`
	StorageDir        string        `mapstructure:"STORAGE_DIR"`
	StorageBucket     string        `mapstructure:"STORAGE_BUCKET"`
	StoragePublicURL  string        `mapstructure:"STORAGE_PUBLIC_URL"`
	StorageSigningKey string        `mapstructure:"STORAGE_SIGNING_KEY"`
	SignedUploadTTL   time.Duration `mapstructure:"SIGNED_UPLOAD_TTL"`
	ProcessorMode     string        `mapstructure:"PROCESSOR_MODE"`
	ProcessorURL      string        `mapstructure:"PROCESSOR_URL"`
	ProcessorSecret   string        `mapstructure:"PROCESSOR_SECRET"`
	ProcessorTimeout  time.Duration `mapstructure:"PROCESSOR_TIMEOUT"`
	ExtractorVersion  string        `mapstructure:"EXTRACTOR_VERSION"`
	MetricsEnabled    bool          `mapstructure:"METRICS_ENABLED"`
	MigrationsDir     string        `mapstructure:"MIGRATIONS_DIR"`
	AuthJWTSecret     string        `mapstructure:"AUTH_JWT_SECRET"`
	AuthIssuer        string        `mapstructure:"AUTH_ISSUER"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "CORS_ORIGINS",
	"LOG_LEVEL", "LOG_FORMAT",
	"STORAGE_BACKEND", "STORAGE_DIR", "STORAGE_BUCKET", "STORAGE_PUBLIC_URL", "STORAGE_SIGNING_KEY",
	"SIGNED_UPLOAD_TTL",
	"PROCESSOR_MODE", "PROCESSOR_URL", "PROCESSOR_SECRET", "PROCESSOR_TIMEOUT",
	"EXTRACTOR_VERSION", "METRICS_ENABLED", "MIGRATIONS_DIR",
	"AUTH_JWT_SECRET", "AUTH_ISSUER",
}

// Load reads configuration from the process environment, optionally seeded
// from the given dotenv files (".env" when none are given). Variables already
// present in the environment take precedence over file values.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		// missing files are fine, the environment alone is a valid source
		_ = godotenv.Load(f)
	}

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORAGE_BACKEND", "memory")
	v.SetDefault("STORAGE_DIR", "./data/objects")
	v.SetDefault("STORAGE_BUCKET", "medical-documents")
	v.SetDefault("SIGNED_UPLOAD_TTL", "2h")
	v.SetDefault("PROCESSOR_MODE", "inprocess")
	v.SetDefault("PROCESSOR_TIMEOUT", "60s")
	v.SetDefault("EXTRACTOR_VERSION", "v0")
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("MIGRATIONS_DIR", "./migrations")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

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

	if cfg.StoragePublicURL == "" {
		cfg.StoragePublicURL = "http://localhost:" + cfg.Port
	}
	cfg.StoragePublicURL = strings.TrimRight(cfg.StoragePublicURL, "/")

	if cfg.StorageSigningKey == "" && cfg.IsDev() {
		key, err := randomKey()
		if err != nil {
			return nil, fmt.Errorf("generate storage signing key: %w", err)
		}
		cfg.StorageSigningKey = key
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

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.StorageBackend {
	case "memory":
	case "dir":
		if c.StorageDir == "" {
			return fmt.Errorf("STORAGE_DIR is required when STORAGE_BACKEND is \"dir\"")
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be \"memory\" or \"dir\", got %q", c.StorageBackend)
	}

	if c.StorageSigningKey == "" {
		return fmt.Errorf("STORAGE_SIGNING_KEY is required outside development")
	}
	if c.IsProduction() && len(c.StorageSigningKey) < 32 {
		return fmt.Errorf("STORAGE_SIGNING_KEY must be at least 32 bytes in production, got %d", len(c.StorageSigningKey))
	}

	switch c.ProcessorMode {
	case "inprocess":
	case "http":
		if c.ProcessorURL == "" {
			return fmt.Errorf("PROCESSOR_URL is required when PROCESSOR_MODE is \"http\"")
		}
	default:
		return fmt.Errorf("PROCESSOR_MODE must be \"inprocess\" or \"http\", got %q", c.ProcessorMode)
	}

	if c.ExtractorVersion == "" {
		return fmt.Errorf("EXTRACTOR_VERSION must not be empty")
	}
	if c.SignedUploadTTL <= 0 {
		return fmt.Errorf("SIGNED_UPLOAD_TTL must be positive")
	}

	if c.IsProduction() && c.AuthJWTSecret == "" {
		return fmt.Errorf("AUTH_JWT_SECRET is required in production")
	}

	switch c.LogFormat {
	case "", "console", "json", "ecs":
	default:
		return fmt.Errorf("LOG_FORMAT must be one of console, json, ecs, got %q", c.LogFormat)
	}

	return nil
}

func randomKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
