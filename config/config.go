package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AuthMode selects how tunnel allocation credentials are validated.
type AuthMode string

const (
	AuthModeNone       AuthMode = "noauth"
	AuthModeCloudflare AuthMode = "cloudflare"
	AuthModePlaintext  AuthMode = "plaintext"
	AuthModeRedis      AuthMode = "redis"
)

// ParseAuthMode parses a CLI flag value into an AuthMode.
func ParseAuthMode(s string) (AuthMode, error) {
	switch AuthMode(strings.ToLower(s)) {
	case AuthModeNone:
		return AuthModeNone, nil
	case AuthModeCloudflare:
		return AuthModeCloudflare, nil
	case AuthModePlaintext:
		return AuthModePlaintext, nil
	case AuthModeRedis:
		return AuthModeRedis, nil
	}
	return "", fmt.Errorf("unsupported auth mode %q", s)
}

// Config holds all environment-driven configuration values.
type Config struct {
	Env      string
	LogLevel string

	// Plaintext auth
	PlaintextPassword string

	// Cloudflare KV auth
	CloudflareAccount   string
	CloudflareNamespace string
	CloudflareAuthEmail string
	CloudflareAuthKey   string

	// Redis credential store
	RedisURL string

	// Tunables
	TakeTimeout time.Duration
	IdleTTL     time.Duration
}

// Load reads configuration from environment variables and optional .env file.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Env:                 getEnv("ENV", "development"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		PlaintextPassword:   getEnv("PLAINTEXT_PASSWORD", ""),
		CloudflareAccount:   getEnv("CLOUDFLARE_ACCOUNT", ""),
		CloudflareNamespace: getEnv("CLOUDFLARE_NAMESPACE", ""),
		CloudflareAuthEmail: getEnv("CLOUDFLARE_AUTH_EMAIL", ""),
		CloudflareAuthKey:   getEnv("CLOUDFLARE_AUTH_KEY", ""),
		RedisURL:            getEnv("REDIS_URL", "redis://localhost:6379"),
		TakeTimeout:         time.Duration(getEnvInt("BURROW_TAKE_TIMEOUT_SEC", 10)) * time.Second,
		IdleTTL:             time.Duration(getEnvInt("BURROW_IDLE_TTL_SEC", 600)) * time.Second,
	}
	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// ValidateAuth checks that the secrets required by the selected auth
// mode are present. It returns an error naming every missing variable.
func (c *Config) ValidateAuth(mode AuthMode) error {
	switch mode {
	case AuthModePlaintext:
		if c.PlaintextPassword == "" {
			return fmt.Errorf("missing PLAINTEXT_PASSWORD env var")
		}
	case AuthModeCloudflare:
		var missing []string
		if c.CloudflareAccount == "" {
			missing = append(missing, "CLOUDFLARE_ACCOUNT")
		}
		if c.CloudflareNamespace == "" {
			missing = append(missing, "CLOUDFLARE_NAMESPACE")
		}
		if c.CloudflareAuthEmail == "" {
			missing = append(missing, "CLOUDFLARE_AUTH_EMAIL")
		}
		if c.CloudflareAuthKey == "" {
			missing = append(missing, "CLOUDFLARE_AUTH_KEY")
		}
		if len(missing) > 0 {
			return fmt.Errorf("missing CLOUDFLARE credentials: %s", strings.Join(missing, ", "))
		}
	case AuthModeRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("missing REDIS_URL env var")
		}
	case AuthModeNone:
	default:
		return fmt.Errorf("unsupported auth mode %q", mode)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
