package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/domain"
	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/store/memory"
)

// fakeSender returns a configured outcome per endpoint URL (delivered by
// default) and records every call.
type fakeSender struct {
	mu        sync.Mutex
	outcomes  map[string]domain.Outcome
	calls     []sendCall
	inFlight  int
	maxFlight int
	delay     time.Duration
	onSend    func()
}

type sendCall struct {
	URL     string
	Payload domain.Payload
}

func newFakeSender() *fakeSender {
	return &fakeSender{outcomes: make(map[string]domain.Outcome)}
}

func (s *fakeSender) setOutcome(url string, o domain.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[url] = o
}

func (s *fakeSender) Send(ctx context.Context, ep domain.Endpoint, p domain.Payload) domain.DeliveryResult {
	s.mu.Lock()
	s.calls = append(s.calls, sendCall{URL: ep.URL, Payload: p})
	s.inFlight++
	if s.inFlight > s.maxFlight {
		s.maxFlight = s.inFlight
	}
	outcome, ok := s.outcomes[ep.URL]
	hook := s.onSend
	delay := s.delay
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if hook != nil {
		hook()
	}

	s.mu.Lock()
	s.inFlight--
	s.mu.Unlock()

	if !ok {
		outcome = domain.OutcomeDelivered
	}
	switch outcome {
	case domain.OutcomeDelivered:
		return domain.DeliveryResult{Outcome: outcome, StatusCode: 201}
	case domain.OutcomeExpired:
		return domain.DeliveryResult{Outcome: outcome, StatusCode: 410}
	default:
		return domain.DeliveryResult{Outcome: domain.OutcomeFailed, StatusCode: 500, Err: errors.New("push service error")}
	}
}

func (s *fakeSender) getCalls() []sendCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sendCall, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *fakeSender) getMaxInFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxFlight
}

// flakyStore wraps a memory store and fails the next N writes.
type flakyStore struct {
	*memory.Store
	mu       sync.Mutex
	failSets int
	setCalls int
}

func (s *flakyStore) Set(ctx context.Context, r domain.Reminder) error {
	s.mu.Lock()
	s.setCalls++
	if s.failSets > 0 {
		s.failSets--
		s.mu.Unlock()
		return errors.New("connection reset")
	}
	s.mu.Unlock()
	return s.Store.Set(ctx, r)
}

func (s *flakyStore) getSetCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setCalls
}

// brokenIndex fails every Due call.
type brokenIndex struct {
	*memory.Index
}

func (brokenIndex) Due(ctx context.Context, cutoff time.Time) ([]string, error) {
	return nil, errors.New("index unavailable")
}

// flakyRegistry fails lookups for the listed recipients.
type flakyRegistry struct {
	*memory.Registry
	failFor map[string]bool
}

func (r *flakyRegistry) Get(ctx context.Context, recipientID string) ([]domain.Endpoint, error) {
	if r.failFor[recipientID] {
		return nil, errors.New("registry timeout")
	}
	return r.Registry.Get(ctx, recipientID)
}

// malformedRegistry reports an undecodable registration for the listed
// recipients until it is deleted.
type malformedRegistry struct {
	*memory.Registry
	mu      sync.Mutex
	broken  map[string]bool
	deletes []string
}

func (r *malformedRegistry) Get(ctx context.Context, recipientID string) ([]domain.Endpoint, error) {
	r.mu.Lock()
	broken := r.broken[recipientID]
	r.mu.Unlock()
	if broken {
		return nil, fmt.Errorf("decode registration %s: %w", recipientID, domain.ErrMalformed)
	}
	return r.Registry.Get(ctx, recipientID)
}

func (r *malformedRegistry) Delete(ctx context.Context, recipientID string) error {
	r.mu.Lock()
	delete(r.broken, recipientID)
	r.deletes = append(r.deletes, recipientID)
	r.mu.Unlock()
	return r.Registry.Delete(ctx, recipientID)
}

// mockMetrics counts calls by name.
type mockMetrics struct {
	mu       sync.Mutex
	cycles   int
	cycleErr int
	dropped  map[string]int
	retries  map[string]int
	resched  int
	pruned   int
	abandons map[string]int
	attempts map[string]int
}

func newMockMetrics() *mockMetrics {
	return &mockMetrics{
		dropped:  make(map[string]int),
		retries:  make(map[string]int),
		abandons: make(map[string]int),
		attempts: make(map[string]int),
	}
}

func (m *mockMetrics) CycleStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cycles++
}

func (m *mockMetrics) CycleCompleted(d time.Duration, due int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.cycleErr++
	}
}

func (m *mockMetrics) GroupsInFlightIncr() {}
func (m *mockMetrics) GroupsInFlightDecr() {}

func (m *mockMetrics) GroupAbandoned(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.abandons[reason]++
}

func (m *mockMetrics) DeliveryAttemptCompleted(outcome, class string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[outcome]++
}

func (m *mockMetrics) EndpointsPruned(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruned += n
}

func (m *mockMetrics) ReminderRescheduled() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resched++
}

func (m *mockMetrics) ReminderDropped(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped[reason]++
}

func (m *mockMetrics) PersistenceRetry(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries[op]++
}

func (m *mockMetrics) getDropped(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped[reason]
}

func (m *mockMetrics) getRetries(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retries[op]
}

func (m *mockMetrics) getAbandons(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.abandons[reason]
}

// recordingAnalytics counts outcomes.
type recordingAnalytics struct {
	mu     sync.Mutex
	counts map[domain.Outcome]int
}

func (a *recordingAnalytics) Record(ctx context.Context, recipientID string, outcome domain.Outcome, at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.counts == nil {
		a.counts = make(map[domain.Outcome]int)
	}
	a.counts[outcome]++
}
