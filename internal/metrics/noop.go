package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) CycleStarted()                                                     {}
func (n *NoopSink) CycleCompleted(duration time.Duration, due int, err error)         {}
func (n *NoopSink) GroupsInFlightIncr()                                               {}
func (n *NoopSink) GroupsInFlightDecr()                                               {}
func (n *NoopSink) GroupAbandoned(reason string)                                      {}
func (n *NoopSink) DeliveryAttemptCompleted(outcome, class string, d time.Duration)   {}
func (n *NoopSink) EndpointsPruned(count int)                                         {}
func (n *NoopSink) ReminderRescheduled()                                              {}
func (n *NoopSink) ReminderDropped(reason string)                                     {}
func (n *NoopSink) PersistenceRetry(op string)                                        {}
func (n *NoopSink) ReconcileRepaired(count int)                                       {}
func (n *NoopSink) LeaderStatusChanged(isLeader bool)                                 {}
func (n *NoopSink) LeaderAcquired()                                                   {}
func (n *NoopSink) LeaderLost(reason string)                                          {}
