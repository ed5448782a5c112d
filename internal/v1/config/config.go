// Package config loads and validates the environment-driven server
// configuration. Validation collects every problem before failing so a bad
// deployment surfaces all of its mistakes in one pass.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration.
type Config struct {
	// Server
	Port        string
	Environment string

	// Identity verification
	SkipAuth       bool
	TrustAnchor    string // issuer domain whose JWKS signs accepted tokens
	Audience       string
	AllowedOrigins string

	// Connection policy
	HeartbeatInterval time.Duration
	AuthTimeout       time.Duration
	FloorTTL          time.Duration
	RoomCapacity      int
	MaxConnections    int
	MessageRateLimit  int // frames per second per connection

	// HTTP limiter rates (ulule formatted, e.g. "60-M")
	UpgradeRateLimit string
	StatusRateLimit  string

	// Optional Redis fan-out bus
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Optional tracing
	OTelCollectorAddr string

	LogLevel string
}

// Production reports whether the server runs with production policy, which
// forbids the insecure verifier.
func (c *Config) Production() bool {
	return c.Environment == "production"
}

// ValidateEnv reads and validates all recognized environment variables and
// returns a Config. Returns an error listing every invalid variable.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// PORT (default 8080)
	cfg.Port = getEnvOrDefault("PORT", "8080")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	// ENVIRONMENT (default development)
	cfg.Environment = getEnvOrDefault("ENVIRONMENT", "development")

	// Identity verification
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.TrustAnchor = os.Getenv("AUTH_TRUST_ANCHOR")
	cfg.Audience = os.Getenv("AUTH_AUDIENCE")
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	if cfg.Production() {
		if cfg.SkipAuth {
			errors = append(errors, "SKIP_AUTH must not be enabled when ENVIRONMENT=production")
		}
		if cfg.TrustAnchor == "" {
			errors = append(errors, "AUTH_TRUST_ANCHOR is required when ENVIRONMENT=production")
		}
	}

	// Connection policy
	cfg.HeartbeatInterval = time.Duration(parseIntEnv("HEARTBEAT_INTERVAL_MS", 15000, 1, &errors)) * time.Millisecond
	cfg.AuthTimeout = time.Duration(parseIntEnv("AUTH_TIMEOUT_MS", 30000, 1, &errors)) * time.Millisecond
	cfg.FloorTTL = time.Duration(parseIntEnv("FLOOR_TTL_SECONDS", 120, 1, &errors)) * time.Second
	cfg.RoomCapacity = parseIntEnv("ROOM_CAPACITY", 50, 1, &errors)
	cfg.MaxConnections = parseIntEnv("MAX_CONNECTIONS", 500, 1, &errors)
	cfg.MessageRateLimit = parseIntEnv("MESSAGE_RATE_LIMIT", 100, 1, &errors)

	cfg.UpgradeRateLimit = getEnvOrDefault("RATE_LIMIT_WS_IP", "60-M")
	cfg.StatusRateLimit = getEnvOrDefault("RATE_LIMIT_STATUS", "120-M")

	// Optional: Redis bus for multi-instance fan-out
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	// Optional: OTLP trace collector
	cfg.OTelCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")
	if cfg.OTelCollectorAddr != "" && !isValidHostPort(cfg.OTelCollectorAddr) {
		errors = append(errors, fmt.Sprintf("OTEL_COLLECTOR_ADDR must be in format 'host:port' (got '%s')", cfg.OTelCollectorAddr))
	}

	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// parseIntEnv reads an integer environment variable, enforcing a minimum.
// Problems are appended to errs; the default is returned so validation can
// keep collecting.
func parseIntEnv(key string, defaultValue, min int, errs *[]string) int {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s must be an integer (got '%s')", key, raw))
		return defaultValue
	}
	if value < min {
		*errs = append(*errs, fmt.Sprintf("%s must be at least %d (got %d)", key, min, value))
		return defaultValue
	}
	return value
}

// isValidHostPort checks if a string is in the format "host:port".
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	return parts[0] != ""
}

// logValidatedConfig logs the validated configuration with secrets redacted.
func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"port", cfg.Port,
		"environment", cfg.Environment,
		"skip_auth", cfg.SkipAuth,
		"trust_anchor", cfg.TrustAnchor,
		"heartbeat_interval", cfg.HeartbeatInterval.String(),
		"auth_timeout", cfg.AuthTimeout.String(),
		"floor_ttl", cfg.FloorTTL.String(),
		"room_capacity", cfg.RoomCapacity,
		"max_connections", cfg.MaxConnections,
		"message_rate_limit", cfg.MessageRateLimit,
		"redis_enabled", cfg.RedisEnabled,
		"redis_password", redactSecret(cfg.RedisPassword),
		"otel_collector", cfg.OTelCollectorAddr,
		"log_level", cfg.LogLevel,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default
// value if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters.
func redactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
