package config

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	configMetricsOnce sync.Once
	configCounter     metric.Int64Counter
)

// recordConfigValidationEvent counts config load outcomes, tagged with
// which part of the session configuration failed so a bad rollout shows
// up as "secrets" or "session_ttls" rather than a bare failure count.
func recordConfigValidationEvent(ctx context.Context, profile, outcome string, err error) {
	configMetricsOnce.Do(func() {
		counter, meterErr := otel.Meter("session-lifecycle-service").Int64Counter("config.validation.events")
		if meterErr == nil {
			configCounter = counter
		}
	})
	if configCounter == nil {
		return
	}
	configCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("profile", normalizeConfigProfile(profile)),
		attribute.String("outcome", outcome),
		attribute.String("error_class", classifyConfigLoadError(err)),
		attribute.String("failed_section", failedConfigSection(err)),
	))
}

func normalizeConfigProfile(profile string) string {
	v := strings.TrimSpace(strings.ToLower(profile))
	if v == "" {
		return "unknown"
	}
	return v
}

func classifyConfigLoadError(err error) string {
	if err == nil {
		return "none"
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "validate config:"):
		return "validation"
	case strings.Contains(msg, "parse "):
		return "parse"
	default:
		return "load"
	}
}

// configSectionKeys maps a section label to the env keys whose validation
// problems belong to it. Validation messages name the offending key, so
// matching is by key substring.
var configSectionKeys = map[string][]string{
	"session_ttls": {"SESSION_TTL", "SESSION_CACHE_TTL", "USER_SET_TTL_MARGIN"},
	"timeouts":     {"OPERATION_TIMEOUT"},
	"secrets":      {"TOKEN_PEPPER", "JWT_ACCESS_SECRET"},
	"database":     {"DB_DSN", "DB_DRIVER"},
}

// failedConfigSection names the config section a validation error points
// at. Errors spanning more than one section report "multiple"; errors
// that match nothing (for example a parse failure) report "other".
func failedConfigSection(err error) string {
	if err == nil {
		return "none"
	}
	msg := err.Error()
	var matched string
	for section, keys := range configSectionKeys {
		for _, key := range keys {
			if !strings.Contains(msg, key) {
				continue
			}
			if matched != "" && matched != section {
				return "multiple"
			}
			matched = section
			break
		}
	}
	if matched == "" {
		return "other"
	}
	return matched
}
