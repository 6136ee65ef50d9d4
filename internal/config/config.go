package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMongo    = "mongo"
)

type Config struct {
	Port                string        `mapstructure:"PORT"`
	Env                 string        `mapstructure:"ENV"`
	StoreDriver         string        `mapstructure:"STORE_DRIVER"`
	DatabaseURL         string        `mapstructure:"DATABASE_URL"`
	DBMaxConns          int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns          int32         `mapstructure:"DB_MIN_CONNS"`
	AutoMigrate         bool          `mapstructure:"AUTO_MIGRATE"`
	MongoURI            string        `mapstructure:"MONGO_URI"`
	MongoDatabase       string        `mapstructure:"MONGO_DATABASE"`
	RedisURL            string        `mapstructure:"REDIS_URL"`
	JWTSecret           string        `mapstructure:"JWT_SECRET"`
	JWTIssuer           string        `mapstructure:"JWT_ISSUER"`
	TokenTTL            time.Duration `mapstructure:"TOKEN_TTL"`
	FirebaseProjectID   string        `mapstructure:"FIREBASE_PROJECT_ID"`
	FirebaseJWKSURL     string        `mapstructure:"FIREBASE_JWKS_URL"`
	CORSOrigins         []string      `mapstructure:"CORS_ORIGINS"`
	AuthRateLimitRPS    float64       `mapstructure:"AUTH_RATE_LIMIT_RPS"`
	AuthRateLimitBurst  int           `mapstructure:"AUTH_RATE_LIMIT_BURST"`
	RealtimeRequireAuth bool          `mapstructure:"REALTIME_REQUIRE_AUTH"`
	GeminiAPIKey        string        `mapstructure:"GEMINI_API_KEY"`
	GeminiBaseURL       string        `mapstructure:"GEMINI_BASE_URL"`
	GeminiModel         string        `mapstructure:"GEMINI_MODEL"`
}

// devJWTSecret signs session tokens when ENV=development and JWT_SECRET is
// unset. Validate refuses it everywhere else.
const devJWTSecret = "healthpal-development-secret"

var envKeys = []string{
	"PORT", "ENV", "STORE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTO_MIGRATE", "MONGO_URI", "MONGO_DATABASE", "REDIS_URL",
	"JWT_SECRET", "JWT_ISSUER", "TOKEN_TTL",
	"FIREBASE_PROJECT_ID", "FIREBASE_JWKS_URL", "CORS_ORIGINS",
	"AUTH_RATE_LIMIT_RPS", "AUTH_RATE_LIMIT_BURST", "REALTIME_REQUIRE_AUTH",
	"GEMINI_API_KEY", "GEMINI_BASE_URL", "GEMINI_MODEL",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "5000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE_DRIVER", StoreDriverPostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("MONGO_DATABASE", "healthpal")
	v.SetDefault("JWT_ISSUER", "healthpal")
	v.SetDefault("TOKEN_TTL", "720h")
	v.SetDefault("CORS_ORIGINS", "http://localhost:5173,http://127.0.0.1:5173")
	v.SetDefault("AUTH_RATE_LIMIT_RPS", 5)
	v.SetDefault("AUTH_RATE_LIMIT_BURST", 20)
	v.SetDefault("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com")
	v.SetDefault("GEMINI_MODEL", "gemini-pro")

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

	// The default slice hook does not trim, so re-split the raw value.
	if origins := v.GetString("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = splitList(origins)
	}

	if cfg.JWTSecret == "" && cfg.IsDev() {
		log.Println("WARNING: JWT_SECRET not set; using the built-in development secret.")
		cfg.JWTSecret = devJWTSecret
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
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
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", StoreDriverPostgres)
		}
	case StoreDriverMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("MONGO_URI is required when STORE_DRIVER is %q", StoreDriverMongo)
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreDriverPostgres, StoreDriverMongo, c.StoreDriver)
	}

	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if !c.IsDev() && c.JWTSecret == devJWTSecret {
		return fmt.Errorf("JWT_SECRET must be set explicitly outside development")
	}
	if len(c.JWTSecret) < 16 {
		return fmt.Errorf("JWT_SECRET must be at least 16 characters, got %d", len(c.JWTSecret))
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("TOKEN_TTL must be positive, got %s", c.TokenTTL)
	}

	// Federated sign-in is optional, but a JWKS override without a project is a
	// misconfiguration: the audience check would have nothing to compare against.
	if c.FirebaseJWKSURL != "" && c.FirebaseProjectID == "" {
		return fmt.Errorf("FIREBASE_PROJECT_ID is required when FIREBASE_JWKS_URL is set")
	}

	return nil
}

// FederatedEnabled reports whether Firebase sign-in is configured.
func (c *Config) FederatedEnabled() bool {
	return c.FirebaseProjectID != ""
}

// AssistantEnabled reports whether the generative-text pass-through is configured.
func (c *Config) AssistantEnabled() bool {
	return c.GeminiAPIKey != ""
}
