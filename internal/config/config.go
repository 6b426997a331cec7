package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Environment string
	HTTPAddr    string

	DatabaseDriver string
	DatabaseDSN    string

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	CacheKeyPrefix string

	TokenPepper      string
	SessionTTL       time.Duration
	CacheTTL         time.Duration
	UserSetTTLMargin time.Duration
	OperationTimeout time.Duration

	JWTIssuer       string
	JWTAudience     string
	JWTAccessSecret string
	AccessTokenTTL  time.Duration

	APIRateLimitRPM     int
	SessionRateLimitRPM int

	ShutdownTimeout              time.Duration
	ShutdownHTTPDrainTimeout     time.Duration
	ShutdownObservabilityTimeout time.Duration

	OTELServiceName           string
	OTELEnvironment           string
	OTELExporterOTLPEndpoint  string
	OTELExporterOTLPInsecure  bool
	OTELMetricsEnabled        bool
	OTELTracesEnabled         bool
	OTELLogsEnabled           bool
	OTELMetricsExportInterval time.Duration
}

// Load reads configuration from the environment and validates it. The
// outcome is recorded as a config validation event so misconfigured
// deployments are visible in metrics before they crash-loop.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("APP_ENV", "development"),
		HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),

		DatabaseDriver: getEnv("DB_DRIVER", "postgres"),
		DatabaseDSN:    getEnv("DB_DSN", ""),

		RedisAddr:      getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisDB:        getEnvInt("REDIS_DB", 0),
		CacheKeyPrefix: getEnv("CACHE_KEY_PREFIX", ""),

		TokenPepper:      getEnv("TOKEN_PEPPER", ""),
		SessionTTL:       getEnvDuration("SESSION_TTL", 720*time.Hour),
		CacheTTL:         getEnvDuration("SESSION_CACHE_TTL", time.Hour),
		UserSetTTLMargin: getEnvDuration("USER_SET_TTL_MARGIN", 24*time.Hour),
		OperationTimeout: getEnvDuration("OPERATION_TIMEOUT", 3*time.Second),

		JWTIssuer:       getEnv("JWT_ISSUER", "session-lifecycle-service"),
		JWTAudience:     getEnv("JWT_AUDIENCE", "internal-api"),
		JWTAccessSecret: getEnv("JWT_ACCESS_SECRET", ""),
		AccessTokenTTL:  getEnvDuration("ACCESS_TOKEN_TTL", 15*time.Minute),

		APIRateLimitRPM:     getEnvInt("API_RATE_LIMIT_RPM", 600),
		SessionRateLimitRPM: getEnvInt("SESSION_RATE_LIMIT_RPM", 120),

		ShutdownTimeout:              getEnvDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		ShutdownHTTPDrainTimeout:     getEnvDuration("SHUTDOWN_HTTP_DRAIN_TIMEOUT", 10*time.Second),
		ShutdownObservabilityTimeout: getEnvDuration("SHUTDOWN_OBSERVABILITY_TIMEOUT", 5*time.Second),

		OTELServiceName:           getEnv("OTEL_SERVICE_NAME", "session-lifecycle-service"),
		OTELEnvironment:           getEnv("OTEL_ENVIRONMENT", "development"),
		OTELExporterOTLPEndpoint:  getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTELExporterOTLPInsecure:  getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		OTELMetricsEnabled:        getEnvBool("OTEL_METRICS_ENABLED", false),
		OTELTracesEnabled:         getEnvBool("OTEL_TRACES_ENABLED", false),
		OTELLogsEnabled:           getEnvBool("OTEL_LOGS_ENABLED", false),
		OTELMetricsExportInterval: getEnvDuration("OTEL_METRICS_EXPORT_INTERVAL", 15*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		recordConfigValidationEvent(context.Background(), cfg.Environment, "failure", err)
		return nil, err
	}
	recordConfigValidationEvent(context.Background(), cfg.Environment, "success", nil)
	return cfg, nil
}

func (c *Config) Validate() error {
	var problems []string
	if c.SessionTTL <= 0 {
		problems = append(problems, "SESSION_TTL must be positive")
	}
	if c.CacheTTL <= 0 {
		problems = append(problems, "SESSION_CACHE_TTL must be positive")
	}
	if c.UserSetTTLMargin <= 0 {
		problems = append(problems, "USER_SET_TTL_MARGIN must be positive")
	}
	if c.OperationTimeout < time.Second || c.OperationTimeout > 10*time.Second {
		problems = append(problems, "OPERATION_TIMEOUT must be between 1s and 10s")
	}
	if c.IsProduction() {
		if c.TokenPepper == "" {
			problems = append(problems, "TOKEN_PEPPER is required in production")
		}
		if c.JWTAccessSecret == "" {
			problems = append(problems, "JWT_ACCESS_SECRET is required in production")
		}
		if c.DatabaseDSN == "" {
			problems = append(problems, "DB_DSN is required in production")
		}
	}
	if c.DatabaseDriver != "postgres" && c.DatabaseDriver != "sqlite" {
		problems = append(problems, fmt.Sprintf("unsupported DB_DRIVER %q", c.DatabaseDriver))
	}
	if len(problems) > 0 {
		return fmt.Errorf("validate config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return d
}
