// Package dispatch runs the dispatch cycle: collect due reminders from the
// pending trigger index, deliver them per recipient, and reschedule.
//
// A cycle is a finite batch. Due entries are only replaced or removed after a
// reminder has been handled, so a cycle cut short by a crash or deadline
// leaves unfinished work due for the next run.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/domain"
	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/logging"
	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/metrics"
)

type Store interface {
	Get(ctx context.Context, key string) (domain.Reminder, error)
	Set(ctx context.Context, r domain.Reminder) error
	Delete(ctx context.Context, key string) error
}

type Index interface {
	Due(ctx context.Context, cutoff time.Time) ([]string, error)
	Upsert(ctx context.Context, key string, at time.Time) error
	Remove(ctx context.Context, key string) error
}

type Registry interface {
	Get(ctx context.Context, recipientID string) ([]domain.Endpoint, error)
	Set(ctx context.Context, recipientID string, endpoints []domain.Endpoint) error
	Delete(ctx context.Context, recipientID string) error
}

// Sender delivers one payload to one endpoint. Failures are reported in the
// result, never returned.
type Sender interface {
	Send(ctx context.Context, ep domain.Endpoint, p domain.Payload) domain.DeliveryResult
}

// Resolver advances a rule past now, starting from ref.
type Resolver interface {
	Advance(rule domain.Rule, loc *time.Location, ref, now time.Time) (time.Time, error)
}

type AnalyticsSink interface {
	Record(ctx context.Context, recipientID string, outcome domain.Outcome, at time.Time)
}

// MetricsSink defines the interface for recording dispatch metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	CycleStarted()
	CycleCompleted(duration time.Duration, due int, err error)
	GroupsInFlightIncr()
	GroupsInFlightDecr()
	GroupAbandoned(reason string)
	DeliveryAttemptCompleted(outcome, statusClass string, duration time.Duration)
	EndpointsPruned(count int)
	ReminderRescheduled()
	ReminderDropped(reason string)
	PersistenceRetry(op string)
}

const (
	DefaultWorkers         = 8
	DefaultFinalizeTimeout = 10 * time.Second
)

type Config struct {
	// Workers bounds how many recipient groups are processed at once.
	Workers int
	// FinalizeTimeout bounds the persistence writes that complete a group
	// after the cycle context has been cancelled.
	FinalizeTimeout time.Duration
}

// Report summarizes one cycle.
type Report struct {
	CycleID     string
	Due         int
	Delivered   int
	Expired     int
	Failed      int
	Rescheduled int
	Dropped     int // entries removed because their record was missing
	Deleted     int // records deleted with their entries
	Skipped     int // reminders left due for the next cycle
	Pruned      int // expired endpoints removed from the registry
	Duration    time.Duration
}

type Cycle struct {
	config    Config
	store     Store
	index     Index
	registry  Registry
	sender    Sender
	resolver  Resolver
	analytics AnalyticsSink // optional, nil = disabled
	metrics   MetricsSink
	clock     func() time.Time
	log       logrus.FieldLogger
}

func New(config Config, store Store, index Index, registry Registry, sender Sender, resolver Resolver) *Cycle {
	if config.Workers <= 0 {
		config.Workers = DefaultWorkers
	}
	if config.FinalizeTimeout <= 0 {
		config.FinalizeTimeout = DefaultFinalizeTimeout
	}
	return &Cycle{
		config:   config,
		store:    store,
		index:    index,
		registry: registry,
		sender:   sender,
		resolver: resolver,
		metrics:  metrics.NewNoopSink(),
		clock:    time.Now,
		log:      logging.Component(logrus.StandardLogger(), "dispatch"),
	}
}

func (c *Cycle) WithAnalytics(sink AnalyticsSink) *Cycle {
	c.analytics = sink
	return c
}

// WithMetrics attaches a metrics sink to the cycle.
func (c *Cycle) WithMetrics(sink MetricsSink) *Cycle {
	if sink != nil {
		c.metrics = sink
	}
	return c
}

func (c *Cycle) WithLogger(l logrus.FieldLogger) *Cycle {
	c.log = logging.Component(l, "dispatch")
	return c
}

// WithClock sets the time source. Used in tests.
func (c *Cycle) WithClock(clock func() time.Time) *Cycle {
	c.clock = clock
	return c
}

type group struct {
	recipientID string
	reminders   []domain.Reminder
}

type groupResult struct {
	delivered   int
	expired     int
	failed      int
	rescheduled int
	deleted     int
	skipped     int
	expiredURLs []string
}

// Run executes one dispatch cycle. The returned error is non-nil only when
// the due set could not be read; every per-reminder and per-recipient
// failure is logged, counted in the report and left for the next cycle.
func (c *Cycle) Run(ctx context.Context) (Report, error) {
	start := c.clock()
	now := start.UTC()
	report := Report{CycleID: uuid.NewString()}
	log := c.log.WithField("cycle", report.CycleID)

	c.metrics.CycleStarted()

	keys, err := c.index.Due(ctx, now)
	if err != nil {
		err = fmt.Errorf("collect due reminders: %w", err)
		report.Duration = c.clock().Sub(start)
		c.metrics.CycleCompleted(report.Duration, 0, err)
		log.WithError(err).Error("cycle aborted")
		return report, err
	}
	report.Due = len(keys)

	groups := c.load(ctx, log, keys, &report)
	results := c.dispatchGroups(ctx, log, groups, now)

	expired := make(map[string][]string)
	for i, res := range results {
		report.Delivered += res.delivered
		report.Expired += res.expired
		report.Failed += res.failed
		report.Rescheduled += res.rescheduled
		report.Deleted += res.deleted
		report.Skipped += res.skipped
		if len(res.expiredURLs) > 0 {
			expired[groups[i].recipientID] = res.expiredURLs
		}
	}

	report.Pruned = c.pruneEndpoints(ctx, log, expired)

	report.Duration = c.clock().Sub(start)
	c.metrics.CycleCompleted(report.Duration, report.Due, nil)

	log.WithFields(logrus.Fields{
		"due":         report.Due,
		"delivered":   report.Delivered,
		"expired":     report.Expired,
		"failed":      report.Failed,
		"rescheduled": report.Rescheduled,
		"dropped":     report.Dropped,
		"deleted":     report.Deleted,
		"skipped":     report.Skipped,
		"pruned":      report.Pruned,
		"duration":    report.Duration,
	}).Info("cycle finished")

	return report, nil
}

// load fetches the due records and filters out the ones that must not be
// delivered. Groups keep the index order of their first reminder.
func (c *Cycle) load(ctx context.Context, log logrus.FieldLogger, keys []string, report *Report) []group {
	var groups []group
	byRecipient := make(map[string]int)

	for i, key := range keys {
		if ctx.Err() != nil {
			report.Skipped += len(keys) - i
			log.WithField("remaining", len(keys)-i).Warn("deadline reached while loading reminders")
			break
		}
		rlog := log.WithField("reminder", key)

		r, err := c.store.Get(ctx, key)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			rlog.Warn("pending entry without record, removing entry")
			c.removeEntry(ctx, rlog, key)
			c.metrics.ReminderDropped(metrics.DropMissing)
			report.Dropped++
			continue
		case errors.Is(err, domain.ErrMalformed):
			rlog.WithError(err).Error("malformed record, deleting")
			c.deleteReminder(ctx, rlog, key)
			c.metrics.ReminderDropped(metrics.DropMalformed)
			report.Deleted++
			continue
		case err != nil:
			rlog.WithError(err).Warn("failed to load record, leaving due")
			report.Skipped++
			continue
		}

		r.Key = key
		if err := r.Validate(); err != nil {
			reason := metrics.DropMalformed
			if errors.Is(err, domain.ErrRuleInvalid) {
				reason = metrics.DropInvalidRule
			}
			rlog.WithError(err).Error("invalid record, deleting")
			c.deleteReminder(ctx, rlog, key)
			c.metrics.ReminderDropped(reason)
			report.Deleted++
			continue
		}

		if r.Paused {
			rlog.Info("paused reminder was due, deleting")
			c.deleteReminder(ctx, rlog, key)
			c.metrics.ReminderDropped(metrics.DropPaused)
			report.Deleted++
			continue
		}

		idx, ok := byRecipient[r.RecipientID]
		if !ok {
			idx = len(groups)
			byRecipient[r.RecipientID] = idx
			groups = append(groups, group{recipientID: r.RecipientID})
		}
		groups[idx].reminders = append(groups[idx].reminders, r)
	}
	return groups
}

// dispatchGroups processes recipient groups on a bounded worker pool. Each
// task writes only its own slot of the result slice.
func (c *Cycle) dispatchGroups(ctx context.Context, log logrus.FieldLogger, groups []group, now time.Time) []groupResult {
	results := make([]groupResult, len(groups))

	var g errgroup.Group
	g.SetLimit(c.config.Workers)

	for i := range groups {
		if ctx.Err() != nil {
			for j := i; j < len(groups); j++ {
				results[j].skipped = len(groups[j].reminders)
				c.metrics.GroupAbandoned("deadline")
			}
			log.WithField("groups", len(groups)-i).Warn("deadline reached, leaving remaining groups due")
			break
		}

		i := i
		g.Go(func() error {
			grp := groups[i]
			if ctx.Err() != nil {
				results[i].skipped = len(grp.reminders)
				c.metrics.GroupAbandoned("deadline")
				return nil
			}
			c.metrics.GroupsInFlightIncr()
			defer c.metrics.GroupsInFlightDecr()
			results[i] = c.processGroup(ctx, log.WithField("recipient", grp.recipientID), grp, now)
			return nil
		})
	}

	_ = g.Wait()
	return results
}

func (c *Cycle) processGroup(ctx context.Context, log logrus.FieldLogger, grp group, now time.Time) groupResult {
	var res groupResult

	endpoints, err := c.registry.Get(ctx, grp.recipientID)
	if errors.Is(err, domain.ErrMalformed) {
		// An unreadable registration can never be delivered to.
		log.WithError(err).Error("malformed registration, deleting it")
		if derr := c.registry.Delete(ctx, grp.recipientID); derr != nil {
			log.WithError(derr).Error("failed to delete malformed registration")
		}
		endpoints, err = nil, nil
	}
	if err != nil {
		log.WithError(err).Warn("registry lookup failed, leaving group due")
		c.metrics.GroupAbandoned("registry_error")
		res.skipped = len(grp.reminders)
		return res
	}

	fctx, cancel := c.finalizeContext(ctx)
	defer cancel()

	if len(endpoints) == 0 {
		log.WithField("reminders", len(grp.reminders)).Warn("recipient has no endpoints, deleting reminders")
		for _, r := range grp.reminders {
			c.deleteReminder(fctx, log.WithField("reminder", r.Key), r.Key)
			c.metrics.ReminderDropped(metrics.DropNoEndpoints)
			res.deleted++
		}
		return res
	}

	expired := make(map[string]bool)
	anyFailed := false

	for _, r := range grp.reminders {
		payload := buildPayload(r, now)
		for _, ep := range endpoints {
			if expired[ep.URL] {
				continue
			}
			result := c.sender.Send(ctx, ep, payload)
			c.metrics.DeliveryAttemptCompleted(string(result.Outcome), metrics.ClassifyStatus(result.StatusCode, result.Err), result.Duration)
			if c.analytics != nil {
				c.analytics.Record(fctx, grp.recipientID, result.Outcome, now)
			}

			switch result.Outcome {
			case domain.OutcomeDelivered:
				res.delivered++
			case domain.OutcomeExpired:
				res.expired++
				expired[ep.URL] = true
				res.expiredURLs = append(res.expiredURLs, ep.URL)
				log.WithField("status", result.StatusCode).Info("endpoint expired")
			default:
				res.failed++
				anyFailed = true
				log.WithFields(logrus.Fields{
					"reminder": r.Key,
					"status":   result.StatusCode,
				}).WithError(result.Err).Warn("delivery failed")
			}
		}
	}

	if anyFailed && ctx.Err() != nil {
		log.Warn("deadline reached during delivery, leaving group due")
		c.metrics.GroupAbandoned("deadline")
		res.skipped += len(grp.reminders)
		return res
	}

	for _, r := range grp.reminders {
		switch c.reschedule(fctx, log.WithField("reminder", r.Key), r, now) {
		case rescheduled:
			res.rescheduled++
		case deleted:
			res.deleted++
		default:
			res.skipped++
		}
	}
	return res
}

type rescheduleOutcome int

const (
	leftDue rescheduleOutcome = iota
	rescheduled
	deleted
)

// reschedule advances the reminder past now and persists it. The record is
// written before the index entry: a crash between the two leaves the old
// entry due, which over-delivers rather than losing the reminder.
func (c *Cycle) reschedule(ctx context.Context, log logrus.FieldLogger, r domain.Reminder, now time.Time) rescheduleOutcome {
	loc, err := r.Location()
	if err != nil {
		log.WithError(err).Error("timezone no longer loads, deleting")
		c.deleteReminder(ctx, log, r.Key)
		c.metrics.ReminderDropped(metrics.DropInvalidRule)
		return deleted
	}

	ref := now
	if r.BaseDate != nil {
		ref = *r.BaseDate
	}

	next, err := c.resolver.Advance(r.Rule, loc, ref, now)
	if err != nil {
		log.WithError(err).Error("no next trigger, deleting reminder")
		c.deleteReminder(ctx, log, r.Key)
		c.metrics.ReminderDropped(metrics.DropUnschedulable)
		return deleted
	}

	triggered := now
	r.LastTriggeredAt = &triggered
	r.BaseDate = &next
	r.NextTriggerAt = &next
	r.UpdatedAt = now

	if err := c.retryOnce(ctx, log, "store_set", func(ctx context.Context) error {
		return c.store.Set(ctx, r)
	}); err != nil {
		log.WithError(err).Error("failed to persist reminder, leaving due")
		return leftDue
	}

	if err := c.retryOnce(ctx, log, "index_upsert", func(ctx context.Context) error {
		return c.index.Upsert(ctx, r.Key, next)
	}); err != nil {
		log.WithError(err).Error("failed to update pending entry, leaving due")
		return leftDue
	}

	c.metrics.ReminderRescheduled()
	log.WithField("next", next.Format(time.RFC3339)).Debug("rescheduled")
	return rescheduled
}

// deleteReminder removes the record, then its entry. An entry left behind by
// a failure here points at a missing record and is dropped next cycle.
func (c *Cycle) deleteReminder(ctx context.Context, log logrus.FieldLogger, key string) {
	if err := c.retryOnce(ctx, log, "store_delete", func(ctx context.Context) error {
		return c.store.Delete(ctx, key)
	}); err != nil {
		log.WithError(err).Error("failed to delete record")
		return
	}
	c.removeEntry(ctx, log, key)
}

func (c *Cycle) removeEntry(ctx context.Context, log logrus.FieldLogger, key string) {
	if err := c.retryOnce(ctx, log, "index_remove", func(ctx context.Context) error {
		return c.index.Remove(ctx, key)
	}); err != nil {
		log.WithError(err).Error("failed to remove pending entry")
	}
}

// pruneEndpoints removes expired endpoints from the registry, deleting
// recipients left without any.
func (c *Cycle) pruneEndpoints(ctx context.Context, log logrus.FieldLogger, expired map[string][]string) int {
	if len(expired) == 0 {
		return 0
	}
	ctx, cancel := c.finalizeContext(ctx)
	defer cancel()

	pruned := 0
	for recipientID, urls := range expired {
		rlog := log.WithField("recipient", recipientID)

		current, err := c.registry.Get(ctx, recipientID)
		if err != nil {
			rlog.WithError(err).Warn("registry cleanup: lookup failed")
			continue
		}

		gone := make(map[string]bool, len(urls))
		for _, u := range urls {
			gone[u] = true
		}
		kept := make([]domain.Endpoint, 0, len(current))
		for _, ep := range current {
			if !gone[ep.URL] {
				kept = append(kept, ep)
			}
		}
		removed := len(current) - len(kept)
		if removed == 0 {
			continue
		}

		if len(kept) == 0 {
			err = c.retryOnce(ctx, rlog, "registry_delete", func(ctx context.Context) error {
				return c.registry.Delete(ctx, recipientID)
			})
		} else {
			err = c.retryOnce(ctx, rlog, "registry_set", func(ctx context.Context) error {
				return c.registry.Set(ctx, recipientID, kept)
			})
		}
		if err != nil {
			rlog.WithError(err).Error("registry cleanup failed")
			continue
		}

		pruned += removed
		c.metrics.EndpointsPruned(removed)
		rlog.WithFields(logrus.Fields{"removed": removed, "remaining": len(kept)}).Info("pruned expired endpoints")
	}
	return pruned
}

// finalizeContext detaches from the cycle's cancellation so a group that
// started writing can finish, bounded by FinalizeTimeout.
func (c *Cycle) finalizeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.config.FinalizeTimeout)
}

func buildPayload(r domain.Reminder, now time.Time) domain.Payload {
	p := domain.Payload{
		NotificationID: uuid.NewString(),
		ReminderKey:    r.Key,
		Title:          r.Title,
		Message:        r.Message,
		URL:            r.URL,
		FiredAt:        now.UTC().Format(time.RFC3339),
	}
	if r.NextTriggerAt != nil {
		p.ScheduledAt = r.NextTriggerAt.UTC().Format(time.RFC3339)
	}
	return p
}
