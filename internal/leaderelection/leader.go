// Package leaderelection ensures at most one replica runs the dispatch
// cadence at a time.
//
// The Elector loops trying to acquire a Lock. While it holds the resulting
// Lease it calls onElected with a context that is cancelled when the lease is
// lost, and heartbeats the lease on an interval. Two lock backends exist: a
// Postgres session advisory lock and a Redis lease.
package leaderelection

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/logging"
)

// ErrLeaseLost is returned by Lease.Keep when another holder owns the lock.
var ErrLeaseLost = errors.New("lease lost")

// Lock is a non-blocking mutual exclusion primitive shared between replicas.
type Lock interface {
	// TryAcquire returns a held lease, or nil when another instance holds it.
	TryAcquire(ctx context.Context) (Lease, error)
	// Name identifies the lock in logs.
	Name() string
}

// Lease is a held lock.
type Lease interface {
	// Keep confirms the lease is still held, renewing it where the backend
	// needs renewal.
	Keep(ctx context.Context) error
	Release(ctx context.Context) error
}

// MetricsSink defines the interface for recording leader election metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string) // reason: "shutdown", "conn_lost", "lease_lost"
}

const releaseTimeout = 5 * time.Second

// Elector manages leader election over a Lock.
type Elector struct {
	lock              Lock
	retryInterval     time.Duration // follower: how often to attempt acquisition
	heartbeatInterval time.Duration // leader: how often to keep the lease
	onElected         func(ctx context.Context)
	onDemoted         func()
	metrics           MetricsSink // optional, nil = disabled
	log               logrus.FieldLogger
}

// New creates a new Elector.
//
// onElected is called in a new goroutine when this instance acquires the lock.
// The provided context is cancelled when leadership is lost.
// onElected should start leader duties (scheduler, reconciler) and return quickly.
//
// onDemoted is called synchronously when leadership is lost.
// It should stop leader duties and block until they are fully stopped.
// It must be idempotent.
func New(
	lock Lock,
	retryInterval, heartbeatInterval time.Duration,
	onElected func(ctx context.Context),
	onDemoted func(),
) *Elector {
	return &Elector{
		lock:              lock,
		retryInterval:     retryInterval,
		heartbeatInterval: heartbeatInterval,
		onElected:         onElected,
		onDemoted:         onDemoted,
		log:               logging.Component(logrus.StandardLogger(), "leader"),
	}
}

// WithMetrics attaches a metrics sink to the elector.
func (e *Elector) WithMetrics(sink MetricsSink) *Elector {
	e.metrics = sink
	return e
}

func (e *Elector) WithLogger(l logrus.FieldLogger) *Elector {
	e.log = logging.Component(l, "leader")
	return e
}

// Run starts the leader election loop. It blocks until ctx is cancelled.
func (e *Elector) Run(ctx context.Context) {
	e.log.WithFields(logrus.Fields{
		"lock":      e.lock.Name(),
		"retry":     e.retryInterval.String(),
		"heartbeat": e.heartbeatInterval.String(),
	}).Info("starting election loop")

	for {
		if ctx.Err() != nil {
			e.log.Info("election loop stopped")
			return
		}

		reason := e.runOnce(ctx)

		if ctx.Err() != nil {
			e.log.Info("election loop stopped")
			return
		}

		if reason != "" {
			e.log.WithField("reason", reason).Warnf("lost leadership, will retry in %s", e.retryInterval)
		}

		select {
		case <-ctx.Done():
			e.log.Info("election loop stopped")
			return
		case <-time.After(e.retryInterval):
		}
	}
}

// runOnce attempts to acquire the lock and hold it.
// Returns the reason leadership was lost ("" if the lock was not acquired).
func (e *Elector) runOnce(ctx context.Context) string {
	lease, err := e.lock.TryAcquire(ctx)
	if err != nil {
		e.log.WithError(err).Warn("lock acquisition failed")
		return ""
	}
	if lease == nil {
		e.log.Debugf("lock %s held by another instance", e.lock.Name())
		return ""
	}

	e.log.WithField("lock", e.lock.Name()).Info("acquired leadership")
	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(true)
		e.metrics.LeaderAcquired()
	}

	leaderCtx, cancelLeader := context.WithCancel(ctx)

	go e.onElected(leaderCtx)

	reason := e.holdLock(ctx, lease)

	cancelLeader()
	e.onDemoted()

	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	if err := lease.Release(releaseCtx); err != nil {
		e.log.WithError(err).Warn("lock release failed")
	}
	cancel()

	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(false)
		e.metrics.LeaderLost(reason)
	}

	e.log.WithField("lock", e.lock.Name()).Info("released leadership")
	return reason
}

// holdLock blocks while keeping the lease.
// Returns the reason the lock was lost.
func (e *Elector) holdLock(ctx context.Context, lease Lease) string {
	ticker := time.NewTicker(e.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "shutdown"
		case <-ticker.C:
			if err := lease.Keep(ctx); err != nil {
				if ctx.Err() != nil {
					return "shutdown"
				}
				if errors.Is(err, ErrLeaseLost) {
					e.log.Warn("lease taken over by another instance")
					return "lease_lost"
				}
				e.log.WithError(err).Warn("lease heartbeat failed")
				return "conn_lost"
			}
		}
	}
}
