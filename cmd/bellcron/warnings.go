package main

import (
	"github.com/sirupsen/logrus"

	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/config"
)

// logConfigWarnings logs operator-facing warnings for risky but valid
// configurations. P0 can lose reminders; P1 hides problems.
func logConfigWarnings(log logrus.FieldLogger, cfg *config.Config) {
	if cfg.StoreBackend == config.BackendMemory {
		log.Warn("WARNING [P0]: STORE_BACKEND=memory; reminders, pending triggers and endpoints are lost on restart")
	}

	if !cfg.ReconcileEnabled {
		log.Warn("WARNING [P0]: RECONCILE_ENABLED=false; a record whose pending entry was lost in a crash is never triggered again")
	}

	if !cfg.MetricsEnabled {
		log.Warn("WARNING [P1]: METRICS_ENABLED=false; cycle and delivery failures are visible in logs only")
	}

	if cfg.CircuitBreakerThreshold == 0 {
		log.Warn("WARNING [P1]: CIRCUIT_BREAKER_THRESHOLD=0; an unreachable push service is retried on every send")
	}

	if !cfg.LeaderElectionEnabled && cfg.StoreBackend != config.BackendMemory {
		log.Info("INFO: LEADER_ELECTION_ENABLED=false; run exactly one serve instance against this store")
	}

	if cfg.DispatchWorkers == 1 {
		log.Info("INFO: DISPATCH_WORKERS=1; recipient groups are processed one at a time")
	}
}
