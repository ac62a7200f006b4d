package config

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config holds all configuration for bellcron.
// Values are loaded from environment variables; see printUsage() for the full list.
type Config struct {
	StoreBackend string `json:"store_backend"`

	RedisAddr      string `json:"redis_addr,omitempty"`
	RedisPassword  string `json:"-"`
	RedisDB        int    `json:"redis_db"`
	RedisKeyPrefix string `json:"redis_key_prefix"`

	DatabaseURL       string        `json:"database_url"`
	DBOpTimeout       time.Duration `json:"-"`
	DBOpTimeoutStr    string        `json:"db_op_timeout"`
	DBMaxOpenConns    int           `json:"db_max_open_conns"`
	DBMaxIdleConns    int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime time.Duration `json:"-"`
	DBConnMaxLifeStr  string        `json:"db_conn_max_lifetime"`

	// CycleSchedule is a robfig/cron expression, e.g. "@every 1m" or "* * * * *".
	CycleSchedule      string        `json:"cycle_schedule"`
	CycleTimeout       time.Duration `json:"-"`
	CycleTimeoutStr    string        `json:"cycle_timeout"`
	FinalizeTimeout    time.Duration `json:"-"`
	FinalizeTimeoutStr string        `json:"finalize_timeout"`
	DispatchWorkers    int           `json:"dispatch_workers"`

	SendTimeout     time.Duration `json:"-"`
	SendTimeoutStr  string        `json:"send_timeout"`
	SendRatePerSec  float64       `json:"send_rate_per_sec"`
	VAPIDPublicKey  string        `json:"vapid_public_key"`
	VAPIDPrivateKey string        `json:"-"`
	VAPIDSubscriber string        `json:"vapid_subscriber"`
	PushTTL         int           `json:"push_ttl"`

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold   int           `json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown    time.Duration `json:"-"`
	CircuitBreakerCooldownStr string        `json:"circuit_breaker_cooldown"`

	HTTPAddr               string        `json:"http_addr"`
	HTTPShutdownTimeout    time.Duration `json:"-"`
	HTTPShutdownTimeoutStr string        `json:"http_shutdown_timeout"`
	MetricsEnabled         bool          `json:"metrics_enabled"`
	MetricsPath            string        `json:"metrics_path"`
	MetricsPort            string        `json:"metrics_port"`

	ReconcileEnabled     bool          `json:"reconcile_enabled"`
	ReconcileInterval    time.Duration `json:"-"`
	ReconcileIntervalStr string        `json:"reconcile_interval"`
	ReconcileBatchSize   int           `json:"reconcile_batch_size"`

	LeaderElectionEnabled bool `json:"leader_election_enabled"`

	// LeaderLockKey: all instances sharing the same database must use the same key.
	LeaderLockKey int64 `json:"leader_lock_key"`

	// LeaderLeaseTTL applies to the Redis lease only; the advisory lock has no TTL.
	LeaderLeaseTTL    time.Duration `json:"-"`
	LeaderLeaseTTLStr string        `json:"leader_lease_ttl"`

	// LeaderRetryInterval determines the maximum failover gap.
	LeaderRetryInterval    time.Duration `json:"-"`
	LeaderRetryIntervalStr string        `json:"leader_retry_interval"`

	// LeaderHeartbeatInterval renews the Redis lease, or pings the dedicated
	// Postgres connection. Must be shorter than LeaderLeaseTTL.
	LeaderHeartbeatInterval    time.Duration `json:"-"`
	LeaderHeartbeatIntervalStr string        `json:"leader_heartbeat_interval"`

	AnalyticsEnabled bool `json:"analytics_enabled"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
}

// LoadEnvFiles loads variables from .env style files into the process
// environment without overriding variables that are already set. Missing
// files are skipped.
func LoadEnvFiles(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// Load reads configuration from environment variables with defaults.
// Unparseable durations are left zero and reported by Validate.
func Load() Config {
	cfg := Config{
		StoreBackend:    envOr("STORE_BACKEND", BackendRedis),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		RedisKeyPrefix:  envOr("REDIS_KEY_PREFIX", "bell:"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		CycleSchedule:   envOr("CYCLE_SCHEDULE", "@every 1m"),
		VAPIDPublicKey:  os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey: os.Getenv("VAPID_PRIVATE_KEY"),
		VAPIDSubscriber: os.Getenv("VAPID_SUBSCRIBER"),
		HTTPAddr:        os.Getenv("HTTP_ADDR"),
		MetricsEnabled:  os.Getenv("METRICS_ENABLED") == "true",
		MetricsPath:     envOr("METRICS_PATH", "/metrics"),
		MetricsPort:     envOr("METRICS_PORT", "9090"),

		ReconcileEnabled:      os.Getenv("RECONCILE_ENABLED") == "true",
		LeaderElectionEnabled: os.Getenv("LEADER_ELECTION_ENABLED") == "true",
		AnalyticsEnabled:      os.Getenv("ANALYTICS_ENABLED") == "true",

		LogLevel:  envOr("LOG_LEVEL", "info"),
		LogFormat: envOr("LOG_FORMAT", "text"),
	}

	cfg.RedisDB = intEnv("REDIS_DB", 0, 0)
	cfg.DBMaxOpenConns = intEnv("DB_MAX_OPEN_CONNS", 25, 1)
	cfg.DBMaxIdleConns = intEnv("DB_MAX_IDLE_CONNS", 5, 1)
	cfg.DispatchWorkers = intEnv("DISPATCH_WORKERS", 8, 1)
	cfg.PushTTL = intEnv("PUSH_TTL", 86400, 0)
	cfg.CircuitBreakerThreshold = intEnv("CIRCUIT_BREAKER_THRESHOLD", 5, 0)
	cfg.ReconcileBatchSize = intEnv("RECONCILE_BATCH_SIZE", 100, 1)
	cfg.LeaderLockKey = int64(intEnv("LEADER_LOCK_KEY", 728379, 1))

	if s := os.Getenv("SEND_RATE_PER_SEC"); s != "" {
		if r, err := strconv.ParseFloat(s, 64); err == nil && r >= 0 {
			cfg.SendRatePerSec = r
		} else {
			logrus.Warnf("config: invalid SEND_RATE_PER_SEC %q (must be a non-negative number), using 0 (unlimited)", s)
		}
	}

	// Support Railway's PORT variable as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}

	cfg.DBOpTimeoutStr, cfg.DBOpTimeout = durationEnv("DB_OP_TIMEOUT", "5s")
	cfg.DBConnMaxLifeStr, cfg.DBConnMaxLifetime = durationEnv("DB_CONN_MAX_LIFETIME", "30m")
	cfg.CycleTimeoutStr, cfg.CycleTimeout = durationEnv("CYCLE_TIMEOUT", "50s")
	cfg.FinalizeTimeoutStr, cfg.FinalizeTimeout = durationEnv("FINALIZE_TIMEOUT", "10s")
	cfg.SendTimeoutStr, cfg.SendTimeout = durationEnv("SEND_TIMEOUT", "10s")
	cfg.CircuitBreakerCooldownStr, cfg.CircuitBreakerCooldown = durationEnv("CIRCUIT_BREAKER_COOLDOWN", "2m")
	cfg.HTTPShutdownTimeoutStr, cfg.HTTPShutdownTimeout = durationEnv("HTTP_SHUTDOWN_TIMEOUT", "10s")
	cfg.ReconcileIntervalStr, cfg.ReconcileInterval = durationEnv("RECONCILE_INTERVAL", "5m")
	cfg.LeaderLeaseTTLStr, cfg.LeaderLeaseTTL = durationEnv("LEADER_LEASE_TTL", "15s")
	cfg.LeaderRetryIntervalStr, cfg.LeaderRetryInterval = durationEnv("LEADER_RETRY_INTERVAL", "5s")
	cfg.LeaderHeartbeatIntervalStr, cfg.LeaderHeartbeatInterval = durationEnv("LEADER_HEARTBEAT_INTERVAL", "5s")

	return cfg
}

func envOr(name, def string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return def
}

// intEnv parses an integer variable, falling back to def when it is unset,
// unparseable or below min.
func intEnv(name string, def, min int) int {
	s := os.Getenv(name)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < min {
		logrus.Warnf("config: invalid %s %q (must be an integer >= %d), using default %d", name, s, min, def)
		return def
	}
	return n
}

// durationEnv returns the raw value (or def) and its parsed duration.
func durationEnv(name, def string) (string, time.Duration) {
	s := envOr(name, def)
	d, err := time.ParseDuration(s)
	if err != nil {
		return s, 0
	}
	return s, d
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := c
	masked.DatabaseURL = maskSecret(c.DatabaseURL)
	out := struct {
		Config
		RedisPassword   string `json:"redis_password,omitempty"`
		VAPIDPrivateKey string `json:"vapid_private_key,omitempty"`
	}{
		Config:          masked,
		RedisPassword:   maskSecret(c.RedisPassword),
		VAPIDPrivateKey: maskSecret(c.VAPIDPrivateKey),
	}
	return json.MarshalIndent(out, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://", "redis://", "rediss://"} {
		if strings.HasPrefix(s, scheme) {
			return scheme + "***"
		}
	}
	return "***"
}
