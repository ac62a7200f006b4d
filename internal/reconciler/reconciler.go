// Package reconciler repairs drift between reminder records and the pending
// trigger index.
//
// Every live record should have exactly one pending entry at its
// NextTriggerAt, and paused records none. Crashes between the two writes of
// the reminder lifecycle can break that; the reconciler periodically scans
// all records and restores it.
//
// The sweep may run next to a dispatch cycle. Each record is re-read before
// it is repaired and skipped if it changed since it was listed, and an entry
// written by the sweep is checked again against the record afterwards, so an
// entry never falls behind a record the cycle just advanced.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/domain"
	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/logging"
	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/metrics"
)

// Store pages through reminder records in key order.
type Store interface {
	Get(ctx context.Context, key string) (domain.Reminder, error)
	List(ctx context.Context, afterKey string, limit int) (domain.Page, error)
	Set(ctx context.Context, r domain.Reminder) error
	Delete(ctx context.Context, key string) error
}

type Index interface {
	Lookup(ctx context.Context, key string) (time.Time, bool, error)
	Upsert(ctx context.Context, key string, at time.Time) error
	Remove(ctx context.Context, key string) error
}

type Resolver interface {
	Advance(rule domain.Rule, loc *time.Location, ref, now time.Time) (time.Time, error)
}

type MetricsSink interface {
	ReconcileRepaired(count int)
	ReminderDropped(reason string)
}

// Config holds reconciler configuration.
type Config struct {
	// Interval is how often the sweep runs.
	// Default: 5 minutes.
	Interval time.Duration

	// BatchSize is the page size used when listing records.
	// Default: 100.
	BatchSize int
}

// DefaultConfig returns the default reconciler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:  5 * time.Minute,
		BatchSize: 100,
	}
}

// Result summarizes one sweep.
type Result struct {
	Scanned          int
	EntriesRemoved   int
	EntriesRestored  int
	EntriesCorrected int
	RecordsDeleted   int
	Changed          int // skipped, modified during the sweep
	Errors           int
}

// Repaired is the number of records that needed a write.
func (r Result) Repaired() int {
	return r.EntriesRemoved + r.EntriesRestored + r.EntriesCorrected + r.RecordsDeleted
}

// Reconciler restores the record/entry correspondence.
type Reconciler struct {
	config   Config
	store    Store
	index    Index
	resolver Resolver
	metrics  MetricsSink
	log      logrus.FieldLogger
	clock    func() time.Time
}

// New creates a new Reconciler. Zero config fields take their defaults.
func New(config Config, store Store, index Index, resolver Resolver) *Reconciler {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	return &Reconciler{
		config:   config,
		store:    store,
		index:    index,
		resolver: resolver,
		metrics:  metrics.NewNoopSink(),
		log:      logging.Component(logrus.StandardLogger(), "reconciler"),
		clock:    time.Now,
	}
}

func (r *Reconciler) WithMetrics(m MetricsSink) *Reconciler {
	if m != nil {
		r.metrics = m
	}
	return r
}

func (r *Reconciler) WithLogger(l logrus.FieldLogger) *Reconciler {
	r.log = logging.Component(l, "reconciler")
	return r
}

// WithClock sets the time source. Used in tests.
func (r *Reconciler) WithClock(clock func() time.Time) *Reconciler {
	r.clock = clock
	return r
}

// Run starts the reconciliation loop. It blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.log.WithFields(logrus.Fields{
		"interval": r.config.Interval.String(),
		"batch":    r.config.BatchSize,
	}).Info("started")

	// Run immediately on startup, then on ticker
	r.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			r.log.Info("stopped")
			return
		case <-ticker.C:
			r.runCycle(ctx)
		}
	}
}

func (r *Reconciler) runCycle(ctx context.Context) {
	res, err := r.RunOnce(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		r.log.WithError(err).Warn("sweep failed")
	}
	if res.Repaired() == 0 && res.Errors == 0 {
		return
	}
	r.log.WithFields(logrus.Fields{
		"scanned":   res.Scanned,
		"removed":   res.EntriesRemoved,
		"restored":  res.EntriesRestored,
		"corrected": res.EntriesCorrected,
		"deleted":   res.RecordsDeleted,
		"changed":   res.Changed,
		"errors":    res.Errors,
	}).Info("sweep complete")
}

// RunOnce performs one full sweep over all records. Per-record failures are
// counted and skipped; a listing failure or cancellation ends the sweep early
// and is returned together with the partial result.
func (r *Reconciler) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	defer func() {
		if n := res.Repaired(); n > 0 {
			r.metrics.ReconcileRepaired(n)
		}
	}()

	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		page, err := r.store.List(ctx, after, r.config.BatchSize)
		if err != nil {
			return res, fmt.Errorf("list reminders after %q: %w", after, err)
		}
		if page.LastKey == "" {
			return res, nil
		}
		for _, key := range page.Undecodable {
			res.Scanned++
			res.Errors++
			r.log.WithField("reminder", key).Warn("skipped undecodable record")
		}
		for _, rec := range page.Reminders {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			res.Scanned++
			if err := r.reconcile(ctx, rec, &res); err != nil {
				res.Errors++
				r.log.WithError(err).WithField("reminder", rec.Key).Warn("repair failed")
			}
		}
		after = page.LastKey
	}
}

func (r *Reconciler) reconcile(ctx context.Context, listed domain.Reminder, res *Result) error {
	at, ok, err := r.index.Lookup(ctx, listed.Key)
	if err != nil {
		return fmt.Errorf("lookup entry: %w", err)
	}

	// The entry was read first. A record still equal to the listed copy
	// means no cycle rewrote it between listing and that read.
	rec, err := r.store.Get(ctx, listed.Key)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("reload reminder: %w", err)
	case !sameVersion(rec, listed):
		res.Changed++
		r.log.WithField("reminder", rec.Key).Debug("record changed during sweep, skipping")
		return nil
	}

	if rec.Paused {
		if !ok {
			return nil
		}
		if err := r.index.Remove(ctx, rec.Key); err != nil {
			return fmt.Errorf("remove entry: %w", err)
		}
		if err := r.follow(ctx, rec); err != nil {
			return err
		}
		res.EntriesRemoved++
		r.log.WithField("reminder", rec.Key).Info("removed entry of paused reminder")
		return nil
	}

	if err := rec.Validate(); err != nil {
		r.metrics.ReminderDropped(metrics.DropInvalidRule)
		return r.drop(ctx, rec.Key, err, res)
	}

	if rec.NextTriggerAt == nil {
		return r.resolve(ctx, rec, res)
	}

	next := *rec.NextTriggerAt
	if ok && at.Equal(next) {
		return nil
	}
	if err := r.index.Upsert(ctx, rec.Key, next); err != nil {
		return fmt.Errorf("upsert entry: %w", err)
	}
	if err := r.follow(ctx, rec); err != nil {
		return err
	}
	if ok {
		res.EntriesCorrected++
	} else {
		res.EntriesRestored++
	}
	r.log.WithFields(logrus.Fields{
		"reminder": rec.Key,
		"next":     next.Format(time.RFC3339),
		"had":      ok,
	}).Info("repaired entry")
	return nil
}

// follow re-reads a record after its entry was written or removed. A record
// changed in between was advanced, paused, resumed or deleted concurrently; the
// entry is put back in line with it.
func (r *Reconciler) follow(ctx context.Context, wrote domain.Reminder) error {
	cur, err := r.store.Get(ctx, wrote.Key)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return r.index.Remove(ctx, wrote.Key)
	case err != nil:
		return fmt.Errorf("reload reminder: %w", err)
	case sameVersion(cur, wrote):
		return nil
	case cur.Paused || cur.NextTriggerAt == nil:
		return r.index.Remove(ctx, wrote.Key)
	default:
		r.log.WithField("reminder", cur.Key).Debug("record changed during repair, following it")
		return r.index.Upsert(ctx, cur.Key, *cur.NextTriggerAt)
	}
}

// sameVersion reports whether two reads of a record agree on everything the
// sweep acts on.
func sameVersion(a, b domain.Reminder) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) || a.Paused != b.Paused {
		return false
	}
	if a.NextTriggerAt == nil || b.NextTriggerAt == nil {
		return a.NextTriggerAt == nil && b.NextTriggerAt == nil
	}
	return a.NextTriggerAt.Equal(*b.NextTriggerAt)
}

// resolve schedules a live record that lost its NextTriggerAt.
func (r *Reconciler) resolve(ctx context.Context, rec domain.Reminder, res *Result) error {
	now := r.clock().UTC()
	loc, err := rec.Location()
	if err != nil {
		r.metrics.ReminderDropped(metrics.DropInvalidRule)
		return r.drop(ctx, rec.Key, err, res)
	}
	ref := now
	if rec.BaseDate != nil {
		ref = *rec.BaseDate
	}
	next, err := r.resolver.Advance(rec.Rule, loc, ref, now)
	switch {
	case errors.Is(err, domain.ErrUnschedulable):
		r.metrics.ReminderDropped(metrics.DropUnschedulable)
		return r.drop(ctx, rec.Key, err, res)
	case errors.Is(err, domain.ErrRuleInvalid):
		r.metrics.ReminderDropped(metrics.DropInvalidRule)
		return r.drop(ctx, rec.Key, err, res)
	case err != nil:
		return fmt.Errorf("resolve next trigger: %w", err)
	}

	rec.BaseDate = &next
	rec.NextTriggerAt = &next
	rec.UpdatedAt = now
	if err := r.store.Set(ctx, rec); err != nil {
		return fmt.Errorf("persist reminder: %w", err)
	}
	if err := r.index.Upsert(ctx, rec.Key, next); err != nil {
		return fmt.Errorf("upsert entry: %w", err)
	}
	if err := r.follow(ctx, rec); err != nil {
		return err
	}
	res.EntriesRestored++
	r.log.WithFields(logrus.Fields{
		"reminder": rec.Key,
		"next":     next.Format(time.RFC3339),
	}).Info("rescheduled reminder without trigger")
	return nil
}

// drop deletes the record and then its entry.
func (r *Reconciler) drop(ctx context.Context, key string, cause error, res *Result) error {
	if err := r.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete reminder: %w", err)
	}
	if err := r.index.Remove(ctx, key); err != nil {
		return fmt.Errorf("remove entry: %w", err)
	}
	res.RecordsDeleted++
	r.log.WithError(cause).WithField("reminder", key).Warn("deleted unschedulable reminder")
	return nil
}
