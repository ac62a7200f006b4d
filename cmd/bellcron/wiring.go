package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/analytics"
	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/circuitbreaker"
	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/config"
	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/delivery"
	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/dispatch"
	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/domain"
	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/leaderelection"
	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/metrics"
	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/reconciler"
	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/recurrence"
	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/reminders"
	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/scheduler"
	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/store/memory"
	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/store/postgres"
	redisstore "github.com/lost-nd-xxx/update-bell-app-sub000/internal/store/redis"

	_ "github.com/lib/pq"
)

// reminderStore is the union of what the cycle, the reconciler and the API
// need from the reminder records.
type reminderStore interface {
	Get(ctx context.Context, key string) (domain.Reminder, error)
	Set(ctx context.Context, r domain.Reminder) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, afterKey string, limit int) (domain.Page, error)
}

type triggerIndex interface {
	Due(ctx context.Context, cutoff time.Time) ([]string, error)
	Upsert(ctx context.Context, key string, at time.Time) error
	Remove(ctx context.Context, key string) error
	Lookup(ctx context.Context, key string) (time.Time, bool, error)
}

// backend holds the opened storage for the configured STORE_BACKEND.
type backend struct {
	store    reminderStore
	index    triggerIndex
	registry dispatch.Registry

	// health is nil for the memory backend.
	health interface{ Ping(ctx context.Context) error }

	redis redis.UniversalClient
	db    *sql.DB
}

func (b *backend) Close() {
	if b.redis != nil {
		b.redis.Close()
	}
	if b.db != nil {
		b.db.Close()
	}
}

// openBackend connects the configured storage. migrate applies the Postgres
// schema; without it the schema is checked instead.
func openBackend(ctx context.Context, cfg config.Config, log logrus.FieldLogger, migrate bool) (*backend, error) {
	b := &backend{}

	// Analytics and the Redis lease need a client even when records live elsewhere.
	if cfg.RedisAddr != "" {
		b.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	}

	switch cfg.StoreBackend {
	case config.BackendMemory:
		b.store = memory.NewStore()
		b.index = memory.NewIndex()
		b.registry = memory.NewRegistry()

	case config.BackendRedis:
		rb := redisstore.New(b.redis, cfg.RedisKeyPrefix)
		if err := rb.Ping(ctx); err != nil {
			b.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		b.store, b.index, b.registry, b.health = rb, rb, rb.Registry(), rb

	case config.BackendPostgres:
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("open database: %w", err)
		}
		b.db = db
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
		db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)

		log.WithFields(logrus.Fields{
			"max_open":     cfg.DBMaxOpenConns,
			"max_idle":     cfg.DBMaxIdleConns,
			"max_lifetime": cfg.DBConnMaxLifetime.String(),
		}).Info("db pool configured")

		pg := postgres.New(db, cfg.DBOpTimeout)
		if err := pg.Ping(ctx); err != nil {
			b.Close()
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		if migrate {
			if err := pg.Migrate(ctx); err != nil {
				b.Close()
				return nil, err
			}
		} else if err := checkPendingTriggers(ctx, db); err != nil {
			b.Close()
			return nil, fmt.Errorf("schema not applied (run serve once to migrate): %w", err)
		}
		b.store, b.index, b.registry, b.health = pg, pg, pg.Registry(), pg

	default:
		b.Close()
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	return b, nil
}

// checkPendingTriggers checks that the pending_triggers table exists.
// An empty table is fine.
func checkPendingTriggers(ctx context.Context, db *sql.DB) error {
	var one int
	err := db.QueryRowContext(ctx, `SELECT 1 FROM pending_triggers LIMIT 1`).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	return err
}

// components is everything built on top of the backend.
type components struct {
	service    *reminders.Service
	scheduler  *scheduler.Scheduler
	reconciler *reconciler.Reconciler
}

func newMetricsSink(cfg config.Config, log logrus.FieldLogger) metrics.Sink {
	if !cfg.MetricsEnabled {
		return metrics.NewNoopSink()
	}
	return metrics.NewPrometheusSink(prometheus.DefaultRegisterer, log)
}

func buildComponents(cfg config.Config, b *backend, sink metrics.Sink, log logrus.FieldLogger) *components {
	resolver := recurrence.New().WithLogger(log)

	sender := delivery.NewWebPushSender(delivery.Config{
		VAPIDPublicKey:  cfg.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.VAPIDPrivateKey,
		Subscriber:      cfg.VAPIDSubscriber,
		TTL:             cfg.PushTTL,
		Timeout:         cfg.SendTimeout,
		RatePerSecond:   cfg.SendRatePerSec,
	}).WithLogger(log)
	if cfg.CircuitBreakerThreshold > 0 {
		sender = sender.WithBreaker(circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown))
	}

	cycle := dispatch.New(
		dispatch.Config{Workers: cfg.DispatchWorkers, FinalizeTimeout: cfg.FinalizeTimeout},
		b.store, b.index, b.registry, sender, resolver,
	).WithMetrics(sink).WithLogger(log)

	if cfg.AnalyticsEnabled && b.redis != nil {
		cycle = cycle.WithAnalytics(
			analytics.NewRedisSink(b.redis, analytics.Config{Prefix: cfg.RedisKeyPrefix}).WithLogger(log),
		)
	}

	sched := scheduler.New(
		scheduler.Config{Schedule: cfg.CycleSchedule, CycleTimeout: cfg.CycleTimeout},
		cycle,
	).WithLogger(log)

	recon := reconciler.New(
		reconciler.Config{Interval: cfg.ReconcileInterval, BatchSize: cfg.ReconcileBatchSize},
		b.store, b.index, resolver,
	).WithMetrics(sink).WithLogger(log)

	return &components{
		service:    reminders.NewService(b.store, b.index, resolver).WithLogger(log),
		scheduler:  sched,
		reconciler: recon,
	}
}

// newLeaderLock picks the lease matching the backend. Postgres uses a session
// advisory lock; everything else a Redis lease.
func newLeaderLock(cfg config.Config, b *backend) (leaderelection.Lock, error) {
	switch {
	case b.db != nil:
		return leaderelection.NewAdvisoryLock(b.db, cfg.LeaderLockKey), nil
	case b.redis != nil:
		return leaderelection.NewRedisLock(b.redis, cfg.RedisKeyPrefix+"leader", cfg.LeaderLeaseTTL), nil
	default:
		return nil, errors.New("leader election needs the redis or postgres backend")
	}
}
