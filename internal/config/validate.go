package config

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/scheduler"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	switch cfg.StoreBackend {
	case BackendRedis:
		if cfg.RedisAddr == "" {
			add("REDIS_ADDR", "required when STORE_BACKEND=redis")
		}
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			add("DATABASE_URL", "required when STORE_BACKEND=postgres")
		}
	case BackendMemory:
		if cfg.LeaderElectionEnabled {
			add("LEADER_ELECTION_ENABLED", "not supported with STORE_BACKEND=memory")
		}
	default:
		add("STORE_BACKEND", "must be 'memory', 'redis' or 'postgres', got %q", cfg.StoreBackend)
	}

	if cfg.AnalyticsEnabled && cfg.RedisAddr == "" {
		add("REDIS_ADDR", "required when ANALYTICS_ENABLED=true")
	}

	if err := scheduler.ParseSchedule(cfg.CycleSchedule); err != nil {
		add("CYCLE_SCHEDULE", "%v", err)
	}

	durations := []struct {
		field string
		raw   string
	}{
		{"DB_OP_TIMEOUT", cfg.DBOpTimeoutStr},
		{"DB_CONN_MAX_LIFETIME", cfg.DBConnMaxLifeStr},
		{"CYCLE_TIMEOUT", cfg.CycleTimeoutStr},
		{"FINALIZE_TIMEOUT", cfg.FinalizeTimeoutStr},
		{"SEND_TIMEOUT", cfg.SendTimeoutStr},
		{"CIRCUIT_BREAKER_COOLDOWN", cfg.CircuitBreakerCooldownStr},
		{"HTTP_SHUTDOWN_TIMEOUT", cfg.HTTPShutdownTimeoutStr},
		{"RECONCILE_INTERVAL", cfg.ReconcileIntervalStr},
		{"LEADER_LEASE_TTL", cfg.LeaderLeaseTTLStr},
		{"LEADER_RETRY_INTERVAL", cfg.LeaderRetryIntervalStr},
		{"LEADER_HEARTBEAT_INTERVAL", cfg.LeaderHeartbeatIntervalStr},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			add(d.field, "invalid duration: %v", err)
		} else if v <= 0 {
			add(d.field, "must be positive")
		}
	}

	if cfg.LeaderElectionEnabled && cfg.StoreBackend == BackendRedis &&
		cfg.LeaderHeartbeatInterval > 0 && cfg.LeaderHeartbeatInterval >= cfg.LeaderLeaseTTL {
		add("LEADER_HEARTBEAT_INTERVAL", "must be shorter than LEADER_LEASE_TTL (%s)", cfg.LeaderLeaseTTLStr)
	}

	if cfg.VAPIDPublicKey == "" {
		add("VAPID_PUBLIC_KEY", "required")
	}
	if cfg.VAPIDPrivateKey == "" {
		add("VAPID_PRIVATE_KEY", "required")
	}
	if cfg.VAPIDSubscriber == "" {
		add("VAPID_SUBSCRIBER", "required")
	}

	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		add("LOG_LEVEL", "%v", err)
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		add("LOG_FORMAT", "must be 'text' or 'json', got %q", cfg.LogFormat)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
