package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration
type Config struct {
	// Bind
	Port string
	Host string

	// Mode
	DevelopmentMode bool
	LogLevel        string
	AllowedOrigins  string

	// Queue store / bus (optional; absence selects the in-process store)
	RedisAddr     string
	RedisPassword string

	// User/profile storage collaborator (required outside development mode)
	DatabaseURL string

	// TURN / STUN
	TurnSecret    string
	TurnHost      string
	TurnPort      int
	StunHost      string
	TurnEnableTCP bool
	TurnTTL       int

	// Media server (LiveKit) token minting
	LiveKitAPIKey    string
	LiveKitAPISecret string
	LiveKitURL       string

	// Janitor
	JanitorInterval time.Duration
	MaxQueueWait    time.Duration

	// Tracing
	OTLPEndpoint string

	// Rate limits (ulule/limiter format, e.g. "100-M")
	RateLimitAPI string
	RateLimitWS  string
}

// ValidateEnv validates all recognized environment variables and returns a
// Config. Returns an error listing every invalid or missing variable.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	cfg.Port = getEnvOrDefault("PORT", "8080")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}
	cfg.Host = os.Getenv("HOST")

	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	// Optional: REDIS_ADDR. Absence means the queue store runs on in-process
	// maps and cross-instance delivery is disabled.
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	if cfg.RedisAddr != "" && !isValidHostPort(cfg.RedisAddr) {
		errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
	}
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	// Required collaborator: user/profile storage. Development mode runs on
	// the in-memory userstore instead.
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" && !cfg.DevelopmentMode {
		errors = append(errors, "DATABASE_URL is required (set DEVELOPMENT_MODE=true to run without it)")
	}

	cfg.TurnSecret = os.Getenv("TURN_SECRET")
	cfg.TurnHost = os.Getenv("TURN_HOST")
	cfg.StunHost = os.Getenv("STUN_HOST")
	cfg.TurnEnableTCP = getEnvOrDefault("TURN_ENABLE_TCP", "true") == "true"
	cfg.TurnPort = parseIntEnv("TURN_PORT", 3478, &errors)
	cfg.TurnTTL = parseIntEnv("TURN_TTL", 600, &errors)

	cfg.LiveKitAPIKey = os.Getenv("LIVEKIT_API_KEY")
	cfg.LiveKitAPISecret = os.Getenv("LIVEKIT_API_SECRET")
	cfg.LiveKitURL = os.Getenv("LIVEKIT_URL")

	cfg.JanitorInterval = parseDurationEnv("JANITOR_INTERVAL", time.Minute, &errors)
	cfg.MaxQueueWait = parseDurationEnv("MAX_QUEUE_WAIT", 10*time.Minute, &errors)

	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	cfg.RateLimitAPI = getEnvOrDefault("RATE_LIMIT_API", "300-M")
	cfg.RateLimitWS = getEnvOrDefault("RATE_LIMIT_WS", "60-M")

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port"
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

func parseIntEnv(key string, defaultValue int, errs *[]string) int {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s must be an integer (got '%s')", key, raw))
		return defaultValue
	}
	return v
}

func parseDurationEnv(key string, defaultValue time.Duration, errs *[]string) time.Duration {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s must be a Go duration like '90s' (got '%s')", key, raw))
		return defaultValue
	}
	return d
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("Environment configuration validated")
	slog.Info("Configuration",
		"port", cfg.Port,
		"development_mode", cfg.DevelopmentMode,
		"redis_addr", cfg.RedisAddr,
		"database_url", redactSecret(cfg.DatabaseURL),
		"turn_secret", redactSecret(cfg.TurnSecret),
		"turn_host", cfg.TurnHost,
		"livekit_api_key", cfg.LiveKitAPIKey,
		"livekit_api_secret", redactSecret(cfg.LiveKitAPISecret),
		"janitor_interval", cfg.JanitorInterval,
		"max_queue_wait", cfg.MaxQueueWait,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
