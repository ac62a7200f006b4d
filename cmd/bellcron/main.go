package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/api"
	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/config"
	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/leaderelection"
	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/logging"
	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/metrics"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "run":
		os.Exit(runCycleOnce())
	case "reconcile":
		os.Exit(runReconcileOnce())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`bellcron - recurring Web Push reminder dispatcher

Usage:
  bellcron <command>

Commands:
  serve      Start the HTTP API, the dispatch schedule and the reconciler
  run        Run a single dispatch cycle and exit
  reconcile  Run a single reconciliation sweep and exit
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Environment Variables (also read from ./.env):
  STORE_BACKEND             memory, redis or postgres (default: "redis")
  REDIS_ADDR                Redis address (required for redis, analytics)
  REDIS_PASSWORD            Redis password
  REDIS_DB                  Redis database number (default: "0")
  REDIS_KEY_PREFIX          Prefix for every Redis key (default: "bell:")
  DATABASE_URL              PostgreSQL connection string (required for postgres)

  DB_OP_TIMEOUT             Database operation timeout (default: "5s")
  DB_MAX_OPEN_CONNS         Max open database connections (default: "25")
  DB_MAX_IDLE_CONNS         Max idle database connections (default: "5")
  DB_CONN_MAX_LIFETIME      Max connection lifetime (default: "30m")

  CYCLE_SCHEDULE            Dispatch cadence, cron expression (default: "@every 1m")
  CYCLE_TIMEOUT             Execution deadline of one cycle (default: "50s")
  FINALIZE_TIMEOUT          Persistence deadline after cancellation (default: "10s")
  DISPATCH_WORKERS          Recipient groups processed at once (default: "8")

  VAPID_PUBLIC_KEY          VAPID public key (required)
  VAPID_PRIVATE_KEY         VAPID private key (required)
  VAPID_SUBSCRIBER          VAPID contact, mailto: or https: (required)
  PUSH_TTL                  Push message TTL in seconds (default: "86400")
  SEND_TIMEOUT              Per-endpoint send timeout (default: "10s")
  SEND_RATE_PER_SEC         Outbound send rate, 0 = unlimited (default: "0")
  CIRCUIT_BREAKER_THRESHOLD Failures before a push host is skipped, 0 = off (default: "5")
  CIRCUIT_BREAKER_COOLDOWN  Time before a skipped host is retried (default: "2m")

  HTTP_ADDR                 HTTP server address (default: ":8080", or ":$PORT")
  HTTP_SHUTDOWN_TIMEOUT     Graceful HTTP shutdown timeout (default: "10s")

  METRICS_ENABLED           Enable Prometheus metrics (default: "false")
  METRICS_PATH              Metrics endpoint path (default: "/metrics")
  METRICS_PORT              Metrics server port (default: "9090")

  RECONCILE_ENABLED         Enable the record/entry reconciler (default: "false")
  RECONCILE_INTERVAL        How often to sweep (default: "5m")
  RECONCILE_BATCH_SIZE      Records read per page (default: "100")

  LEADER_ELECTION_ENABLED   Run dispatch on one instance only (default: "false")
  LEADER_LOCK_KEY           Postgres advisory lock key (default: "728379")
  LEADER_LEASE_TTL          Redis lease TTL (default: "15s")
  LEADER_RETRY_INTERVAL     Follower retry interval (default: "5s")
  LEADER_HEARTBEAT_INTERVAL Lease renewal interval (default: "5s")

  ANALYTICS_ENABLED         Count delivery outcomes in Redis (default: "false")
  LOG_LEVEL                 debug, info, warn or error (default: "info")
  LOG_FORMAT                text or json (default: "text")`)
}

// loadConfig reads .env and the environment, validates, and builds the logger.
func loadConfig() (config.Config, *logrus.Logger, int) {
	if err := config.LoadEnvFiles(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to read .env: %v\n", err)
		return config.Config{}, nil, exitInvalidConfig
	}
	cfg := config.Load()
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return cfg, nil, exitInvalidConfig
	}
	return cfg, logging.New(cfg.LogLevel, cfg.LogFormat), exitSuccess
}

// duties runs the leader-only loops: the dispatch schedule and the reconciler.
type duties struct {
	comps            *components
	reconcileEnabled bool
	log              logrus.FieldLogger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (d *duties) start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	// A start that lost the race with stop leaves stale duties behind.
	if d.cancel != nil {
		d.cancel()
		d.wg.Wait()
	}

	ctx, d.cancel = context.WithCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.comps.scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.log.WithError(err).Error("scheduler stopped")
		}
	}()

	if d.reconcileEnabled {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.comps.reconciler.Run(ctx)
		}()
	}
	d.log.Info("leader duties started")
}

// stop cancels the duties and blocks until they return. Safe to call twice.
func (d *duties) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel == nil {
		return
	}
	d.cancel()
	d.cancel = nil
	d.wg.Wait()
	d.log.Info("leader duties stopped")
}

func runServe() int {
	cfg, logger, code := loadConfig()
	if code != exitSuccess {
		return code
	}
	log := logging.Component(logger, "bellcron")
	logConfigWarnings(log, &cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBackend(ctx, cfg, logger, true)
	if err != nil {
		log.WithError(err).Error("failed to open store")
		return exitRuntimeError
	}
	defer b.Close()

	sink := newMetricsSink(cfg, logger)
	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.MetricsPath, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:    ":" + cfg.MetricsPort,
			Handler: metricsMux,
		}
		go func() {
			log.Infof("metrics server listening on :%s%s", cfg.MetricsPort, cfg.MetricsPath)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("metrics server error")
			}
		}()
	}

	comps := buildComponents(cfg, b, sink, logger)

	apiHandler := api.NewHandler(comps.service, b.store, b.registry).
		WithCycleStatus(comps.scheduler).
		WithLogger(logger)
	if b.health != nil {
		apiHandler = apiHandler.WithHealthChecker(b.health)
	}

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: apiHandler,
	}
	go func() {
		log.Infof("http server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http server error")
		}
	}()

	d := &duties{comps: comps, reconcileEnabled: cfg.ReconcileEnabled, log: log}

	var electorWg sync.WaitGroup
	if cfg.LeaderElectionEnabled {
		lock, err := newLeaderLock(cfg, b)
		if err != nil {
			log.WithError(err).Error("failed to set up leader election")
			return exitRuntimeError
		}
		elector := leaderelection.New(lock, cfg.LeaderRetryInterval, cfg.LeaderHeartbeatInterval, d.start, d.stop).
			WithMetrics(sink).
			WithLogger(logger)
		electorWg.Add(1)
		go func() {
			defer electorWg.Done()
			elector.Run(ctx)
		}()
	} else {
		d.start(ctx)
	}

	log.WithFields(logrus.Fields{
		"backend":  cfg.StoreBackend,
		"schedule": cfg.CycleSchedule,
		"http":     cfg.HTTPAddr,
		"version":  version,
	}).Info("started")

	<-ctx.Done()
	log.Info("received signal, shutting down")

	// Phase 1: stop the schedule and the reconciler; an in-flight cycle
	// finishes its persistence writes under FINALIZE_TIMEOUT.
	electorWg.Wait()
	d.stop()

	// Phase 2: HTTP server
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http server shutdown error")
	}

	// Phase 3: metrics server, same deadline
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("metrics server shutdown error")
		}
	}

	log.Info("stopped")
	return exitSuccess
}

// runCycleOnce runs a single dispatch cycle, for external schedulers.
func runCycleOnce() int {
	cfg, logger, code := loadConfig()
	if code != exitSuccess {
		return code
	}
	log := logging.Component(logger, "bellcron")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBackend(ctx, cfg, logger, false)
	if err != nil {
		log.WithError(err).Error("failed to open store")
		return exitRuntimeError
	}
	defer b.Close()

	comps := buildComponents(cfg, b, metrics.NewNoopSink(), logger)
	report, err := comps.scheduler.RunOnce(ctx)
	if err != nil {
		log.WithError(err).Error("cycle failed")
		return exitRuntimeError
	}
	fmt.Printf("cycle %s: due=%d delivered=%d rescheduled=%d deleted=%d skipped=%d\n",
		report.CycleID, report.Due, report.Delivered, report.Rescheduled, report.Deleted, report.Skipped)
	return exitSuccess
}

func runReconcileOnce() int {
	cfg, logger, code := loadConfig()
	if code != exitSuccess {
		return code
	}
	log := logging.Component(logger, "bellcron")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBackend(ctx, cfg, logger, false)
	if err != nil {
		log.WithError(err).Error("failed to open store")
		return exitRuntimeError
	}
	defer b.Close()

	comps := buildComponents(cfg, b, metrics.NewNoopSink(), logger)
	result, err := comps.reconciler.RunOnce(ctx)
	if err != nil {
		log.WithError(err).Error("sweep failed")
		return exitRuntimeError
	}
	fmt.Printf("scanned=%d repaired=%d errors=%d\n", result.Scanned, result.Repaired(), result.Errors)
	return exitSuccess
}

func runValidate() int {
	if err := config.LoadEnvFiles(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to read .env: %v\n", err)
		return exitInvalidConfig
	}
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	if err := config.LoadEnvFiles(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to read .env: %v\n", err)
		return exitInvalidConfig
	}
	cfg := config.Load()

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("bellcron version %s (commit: %s)\n", version, commit)
	return exitSuccess
}
