package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/logging"
)

// PrometheusSink implements Sink using Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	log logrus.FieldLogger

	// Dispatch cycle metrics
	cyclesTotal      prometheus.Counter
	cycleErrorsTotal prometheus.Counter
	remindersDue     prometheus.Counter
	cycleDuration    prometheus.Histogram
	groupsInFlight   prometheus.Gauge
	groupsAbandoned  *prometheus.CounterVec

	// Delivery metrics
	deliveryAttemptsTotal *prometheus.CounterVec
	deliveryDuration      prometheus.Histogram
	endpointsPruned       prometheus.Counter

	// Reminder lifecycle metrics
	rescheduledTotal prometheus.Counter
	droppedTotal     *prometheus.CounterVec
	persistRetries   *prometheus.CounterVec

	reconcileRepaired prometheus.Counter

	isLeader        prometheus.Gauge
	leaderAcquired  prometheus.Counter
	leaderLostTotal *prometheus.CounterVec
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer, log logrus.FieldLogger) *PrometheusSink {
	s := &PrometheusSink{log: logging.Component(log, "metrics")}
	s.initCycleMetrics(reg)
	s.initDeliveryMetrics(reg)
	s.initReminderMetrics(reg)
	s.initLeaderMetrics(reg)
	return s
}

func (s *PrometheusSink) initCycleMetrics(reg prometheus.Registerer) {
	s.cyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bellcron_cycle_runs_total",
		Help: "Total number of dispatch cycles run.",
	})
	s.cycleErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bellcron_cycle_errors_total",
		Help: "Total number of dispatch cycles that ended with an error.",
	})
	s.remindersDue = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bellcron_cycle_reminders_due_total",
		Help: "Total number of due reminder keys collected by dispatch cycles.",
	})
	s.cycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "bellcron_cycle_duration_seconds",
		Help:    "Duration of each dispatch cycle in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})
	s.groupsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bellcron_cycle_groups_in_flight",
		Help: "Number of recipient groups currently being processed.",
	})
	s.groupsAbandoned = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bellcron_cycle_groups_abandoned_total",
		Help: "Recipient groups left due for the next cycle.",
	}, []string{"reason"})

	s.register(reg, s.cyclesTotal, "bellcron_cycle_runs_total")
	s.register(reg, s.cycleErrorsTotal, "bellcron_cycle_errors_total")
	s.register(reg, s.remindersDue, "bellcron_cycle_reminders_due_total")
	s.register(reg, s.cycleDuration, "bellcron_cycle_duration_seconds")
	s.register(reg, s.groupsInFlight, "bellcron_cycle_groups_in_flight")
	s.register(reg, s.groupsAbandoned, "bellcron_cycle_groups_abandoned_total")
}

func (s *PrometheusSink) initDeliveryMetrics(reg prometheus.Registerer) {
	s.deliveryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bellcron_delivery_attempts_total",
		Help: "Total number of push delivery attempts.",
	}, []string{"outcome", "status_class"})

	s.deliveryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "bellcron_delivery_duration_seconds",
		Help:    "Push request latency in seconds.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	s.endpointsPruned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bellcron_delivery_endpoints_pruned_total",
		Help: "Total number of expired endpoints removed from the registry.",
	})

	s.register(reg, s.deliveryAttemptsTotal, "bellcron_delivery_attempts_total")
	s.register(reg, s.deliveryDuration, "bellcron_delivery_duration_seconds")
	s.register(reg, s.endpointsPruned, "bellcron_delivery_endpoints_pruned_total")
}

func (s *PrometheusSink) initReminderMetrics(reg prometheus.Registerer) {
	s.rescheduledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bellcron_reminders_rescheduled_total",
		Help: "Total number of reminders advanced to their next trigger.",
	})
	s.droppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bellcron_reminders_dropped_total",
		Help: "Total number of reminders removed from the index or deleted.",
	}, []string{"reason"})
	s.persistRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bellcron_persistence_retries_total",
		Help: "Total number of retried persistence operations.",
	}, []string{"op"})
	s.reconcileRepaired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bellcron_reconcile_repaired_total",
		Help: "Total number of index entries repaired by the reconciler.",
	})

	s.register(reg, s.rescheduledTotal, "bellcron_reminders_rescheduled_total")
	s.register(reg, s.droppedTotal, "bellcron_reminders_dropped_total")
	s.register(reg, s.persistRetries, "bellcron_persistence_retries_total")
	s.register(reg, s.reconcileRepaired, "bellcron_reconcile_repaired_total")
}

func (s *PrometheusSink) initLeaderMetrics(reg prometheus.Registerer) {
	s.isLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bellcron_leader_is_leader",
		Help: "1 if this instance currently holds leadership.",
	})
	s.leaderAcquired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bellcron_leader_acquired_total",
		Help: "Total number of times leadership was acquired.",
	})
	s.leaderLostTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bellcron_leader_lost_total",
		Help: "Total number of times leadership was lost.",
	}, []string{"reason"})

	s.register(reg, s.isLeader, "bellcron_leader_is_leader")
	s.register(reg, s.leaderAcquired, "bellcron_leader_acquired_total")
	s.register(reg, s.leaderLostTotal, "bellcron_leader_lost_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		s.log.WithError(err).Warnf("failed to register %s", name)
	}
}

func (s *PrometheusSink) CycleStarted() {
	s.cyclesTotal.Inc()
}

func (s *PrometheusSink) CycleCompleted(duration time.Duration, due int, err error) {
	s.cycleDuration.Observe(duration.Seconds())
	s.remindersDue.Add(float64(due))
	if err != nil {
		s.cycleErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) GroupsInFlightIncr() {
	s.groupsInFlight.Inc()
}

func (s *PrometheusSink) GroupsInFlightDecr() {
	s.groupsInFlight.Dec()
}

func (s *PrometheusSink) GroupAbandoned(reason string) {
	s.groupsAbandoned.WithLabelValues(reason).Inc()
}

func (s *PrometheusSink) DeliveryAttemptCompleted(outcome, statusClass string, duration time.Duration) {
	s.deliveryAttemptsTotal.WithLabelValues(outcome, statusClass).Inc()
	s.deliveryDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) EndpointsPruned(count int) {
	s.endpointsPruned.Add(float64(count))
}

func (s *PrometheusSink) ReminderRescheduled() {
	s.rescheduledTotal.Inc()
}

func (s *PrometheusSink) ReminderDropped(reason string) {
	s.droppedTotal.WithLabelValues(reason).Inc()
}

func (s *PrometheusSink) PersistenceRetry(op string) {
	s.persistRetries.WithLabelValues(op).Inc()
}

func (s *PrometheusSink) ReconcileRepaired(count int) {
	s.reconcileRepaired.Add(float64(count))
}

func (s *PrometheusSink) LeaderStatusChanged(isLeader bool) {
	if isLeader {
		s.isLeader.Set(1)
	} else {
		s.isLeader.Set(0)
	}
}

func (s *PrometheusSink) LeaderAcquired() {
	s.leaderAcquired.Inc()
}

func (s *PrometheusSink) LeaderLost(reason string) {
	s.leaderLostTotal.WithLabelValues(reason).Inc()
}
