package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/domain"
	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/logging"
	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/recurrence"
	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/store/memory"
	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/testutil"
)

// Monday.
var testNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

// mockMetrics implements MetricsSink for testing.
type mockMetrics struct {
	mu       sync.Mutex
	repaired int
	dropped  map[string]int
}

func (m *mockMetrics) ReconcileRepaired(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.repaired += count
}

func (m *mockMetrics) ReminderDropped(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dropped == nil {
		m.dropped = make(map[string]int)
	}
	m.dropped[reason]++
}

func (m *mockMetrics) getRepaired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.repaired
}

func (m *mockMetrics) getDropped(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped[reason]
}

// lookupFailIndex fails Lookup for one key.
type lookupFailIndex struct {
	*memory.Index
	failKey string
}

func (x *lookupFailIndex) Lookup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == x.failKey {
		return time.Time{}, false, errors.New("index unavailable")
	}
	return x.Index.Lookup(ctx, key)
}

// cancelStore cancels the sweep after the first page.
type cancelStore struct {
	*memory.Store
	cancel context.CancelFunc
	pages  int
}

func (s *cancelStore) List(ctx context.Context, afterKey string, limit int) (domain.Page, error) {
	s.pages++
	page, err := s.Store.List(ctx, afterKey, limit)
	if s.pages == 1 {
		s.cancel()
	}
	return page, err
}

// racingIndex runs onLookup or onUpsert once, before delegating, to
// interleave a concurrent writer with the sweep.
type racingIndex struct {
	*memory.Index
	onLookup func()
	onUpsert func()
}

func (x *racingIndex) Lookup(ctx context.Context, key string) (time.Time, bool, error) {
	if hook := x.onLookup; hook != nil {
		x.onLookup = nil
		hook()
	}
	return x.Index.Lookup(ctx, key)
}

func (x *racingIndex) Upsert(ctx context.Context, key string, at time.Time) error {
	if hook := x.onUpsert; hook != nil {
		x.onUpsert = nil
		hook()
	}
	return x.Index.Upsert(ctx, key, at)
}

type fixture struct {
	store    *memory.Store
	index    *memory.Index
	metrics  *mockMetrics
	resolver *recurrence.Resolver
	clock    *testutil.FakeClock
}

func newFixture() *fixture {
	return &fixture{
		store:    memory.NewStore(),
		index:    memory.NewIndex(),
		metrics:  &mockMetrics{},
		resolver: recurrence.New().WithLogger(logging.Discard()),
		clock:    testutil.NewFakeClock(testNow),
	}
}

func (f *fixture) reconciler(store Store, index Index, batch int) *Reconciler {
	if store == nil {
		store = f.store
	}
	if index == nil {
		index = f.index
	}
	return New(Config{Interval: time.Hour, BatchSize: batch}, store, index, f.resolver).
		WithMetrics(f.metrics).
		WithLogger(logging.Discard()).
		WithClock(f.clock.Now)
}

func daily(key string, next *time.Time) domain.Reminder {
	return domain.Reminder{
		Key:           key,
		RecipientID:   "u1",
		Rule:          domain.Rule{Kind: domain.RuleDaily, Interval: 1, Hour: 9},
		Timezone:      "UTC",
		BaseDate:      next,
		NextTriggerAt: next,
	}
}

func (f *fixture) set(t *testing.T, r domain.Reminder) {
	t.Helper()
	if err := f.store.Set(context.Background(), r); err != nil {
		t.Fatalf("store.Set: %v", err)
	}
}

func (f *fixture) upsert(t *testing.T, key string, at time.Time) {
	t.Helper()
	if err := f.index.Upsert(context.Background(), key, at); err != nil {
		t.Fatalf("index.Upsert: %v", err)
	}
}

func (f *fixture) entry(t *testing.T, key string) (time.Time, bool) {
	t.Helper()
	at, ok, err := f.index.Lookup(context.Background(), key)
	if err != nil {
		t.Fatalf("index.Lookup: %v", err)
	}
	return at, ok
}

func TestRunOnce_RemovesEntryOfPausedReminder(t *testing.T) {
	f := newFixture()
	next := testNow.Add(time.Hour)
	r := daily("r1", &next)
	r.Paused = true
	f.set(t, r)
	f.upsert(t, "r1", next)

	res, err := f.reconciler(nil, nil, 10).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if _, ok := f.entry(t, "r1"); ok {
		t.Error("paused reminder should have no pending entry")
	}
	if f.store.Len() != 1 {
		t.Error("paused record must be kept")
	}
	if res.EntriesRemoved != 1 {
		t.Errorf("EntriesRemoved = %d, want 1", res.EntriesRemoved)
	}
}

func TestRunOnce_RestoresMissingEntry(t *testing.T) {
	f := newFixture()
	next := testNow.Add(21 * time.Hour)
	f.set(t, daily("r1", &next))

	res, err := f.reconciler(nil, nil, 10).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	at, ok := f.entry(t, "r1")
	if !ok || !at.Equal(next) {
		t.Errorf("entry = (%v, %v), want (%v, true)", at, ok, next)
	}
	if res.EntriesRestored != 1 {
		t.Errorf("EntriesRestored = %d, want 1", res.EntriesRestored)
	}
	if got := f.metrics.getRepaired(); got != 1 {
		t.Errorf("metrics repaired = %d, want 1", got)
	}
}

func TestRunOnce_ResolvesReminderWithoutTrigger(t *testing.T) {
	f := newFixture()
	f.set(t, daily("r1", nil))

	res, err := f.reconciler(nil, nil, 10).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	want := time.Date(2026, 10, 20, 9, 0, 0, 0, time.UTC)
	at, ok := f.entry(t, "r1")
	if !ok || !at.Equal(want) {
		t.Errorf("entry = (%v, %v), want (%v, true)", at, ok, want)
	}
	rec, err := f.store.Get(context.Background(), "r1")
	if err != nil {
		t.Fatalf("store.Get: %v", err)
	}
	if rec.NextTriggerAt == nil || !rec.NextTriggerAt.Equal(want) {
		t.Errorf("record NextTriggerAt = %v, want %v", rec.NextTriggerAt, want)
	}
	if res.EntriesRestored != 1 {
		t.Errorf("EntriesRestored = %d, want 1", res.EntriesRestored)
	}
}

func TestRunOnce_CorrectsStaleEntry(t *testing.T) {
	f := newFixture()
	next := testNow.Add(21 * time.Hour)
	f.set(t, daily("r1", &next))
	f.upsert(t, "r1", next.Add(-24*time.Hour))

	res, err := f.reconciler(nil, nil, 10).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if at, _ := f.entry(t, "r1"); !at.Equal(next) {
		t.Errorf("entry at %v, want %v", at, next)
	}
	if res.EntriesCorrected != 1 {
		t.Errorf("EntriesCorrected = %d, want 1", res.EntriesCorrected)
	}
}

func TestRunOnce_ConsistentStateIsUntouched(t *testing.T) {
	f := newFixture()
	next := testNow.Add(21 * time.Hour)
	f.set(t, daily("r1", &next))
	f.upsert(t, "r1", next)
	paused := daily("r2", nil)
	paused.Paused = true
	f.set(t, paused)

	res, err := f.reconciler(nil, nil, 10).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if res.Scanned != 2 {
		t.Errorf("Scanned = %d, want 2", res.Scanned)
	}
	if res.Repaired() != 0 {
		t.Errorf("Repaired = %d, want 0", res.Repaired())
	}
	if got := f.metrics.getRepaired(); got != 0 {
		t.Errorf("metrics repaired = %d, want 0", got)
	}
}

func TestRunOnce_DeletesUnschedulableReminder(t *testing.T) {
	f := newFixture()
	f.clock.Set(time.Date(2022, 2, 1, 12, 0, 0, 0, time.UTC))
	f.resolver.WithMonthLookahead(1) // Feb and Mar 2022 have no 5th Monday
	f.set(t, domain.Reminder{
		Key:         "r1",
		RecipientID: "u1",
		Rule:        domain.Rule{Kind: domain.RuleMonthly, Hour: 9, DayOfWeek: domain.IntPtr(1), WeekOfMonth: domain.IntPtr(5)},
	})

	res, err := f.reconciler(nil, nil, 10).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if f.store.Len() != 0 || f.index.Len() != 0 {
		t.Errorf("unschedulable reminder should be deleted (store=%d index=%d)", f.store.Len(), f.index.Len())
	}
	if res.RecordsDeleted != 1 {
		t.Errorf("RecordsDeleted = %d, want 1", res.RecordsDeleted)
	}
	if got := f.metrics.getDropped("unschedulable"); got != 1 {
		t.Errorf("dropped{unschedulable} = %d, want 1", got)
	}
}

func TestRunOnce_DeletesInvalidReminder(t *testing.T) {
	f := newFixture()
	next := testNow.Add(time.Hour)
	f.set(t, domain.Reminder{
		Key:           "r1",
		RecipientID:   "u1",
		Rule:          domain.Rule{Kind: domain.RuleWeekly, Interval: 1}, // no dayOfWeek
		NextTriggerAt: &next,
	})
	f.upsert(t, "r1", next)

	if _, err := f.reconciler(nil, nil, 10).RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if f.store.Len() != 0 || f.index.Len() != 0 {
		t.Errorf("invalid reminder should be deleted (store=%d index=%d)", f.store.Len(), f.index.Len())
	}
	if got := f.metrics.getDropped("invalid_rule"); got != 1 {
		t.Errorf("dropped{invalid_rule} = %d, want 1", got)
	}
}

func TestRunOnce_PagesThroughAllRecords(t *testing.T) {
	f := newFixture()
	next := testNow.Add(21 * time.Hour)
	for i := 0; i < 7; i++ {
		f.set(t, daily(fmt.Sprintf("r%d", i), &next))
	}

	res, err := f.reconciler(nil, nil, 2).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if res.Scanned != 7 {
		t.Errorf("Scanned = %d, want 7", res.Scanned)
	}
	if f.index.Len() != 7 {
		t.Errorf("index has %d entries, want 7", f.index.Len())
	}
}

func TestRunOnce_SkipsUndecodableRecords(t *testing.T) {
	f := newFixture()
	next := testNow.Add(21 * time.Hour)
	f.store.PutRaw("a-broken", []byte("{not json"))
	f.set(t, daily("b", &next))

	res, err := f.reconciler(nil, nil, 1).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Scanned != 2 || res.EntriesRestored != 1 || res.Errors != 1 {
		t.Errorf("result = %+v, want 2 scanned, 1 restored, 1 error", res)
	}
}

func TestRunOnce_UndecodablePageDoesNotEndSweep(t *testing.T) {
	f := newFixture()
	next := testNow.Add(21 * time.Hour)
	// Two full pages of garbage ahead of a record missing its entry.
	for i := 0; i < 4; i++ {
		f.store.PutRaw(fmt.Sprintf("a-broken-%d", i), []byte("{not json"))
	}
	f.set(t, daily("z-live", &next))

	res, err := f.reconciler(nil, nil, 2).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if at, ok := f.entry(t, "z-live"); !ok || !at.Equal(next) {
		t.Errorf("z-live entry = %s (ok=%v), want %s", at, ok, next)
	}
	if res.Errors != 4 {
		t.Errorf("Errors = %d, want 4", res.Errors)
	}
	if res.Scanned != 5 || res.EntriesRestored != 1 {
		t.Errorf("result = %+v, want 5 scanned and 1 restored", res)
	}
}

func TestRunOnce_SkipsRecordAdvancedAfterListing(t *testing.T) {
	f := newFixture()
	delivered := testNow.Add(-3 * time.Hour)
	advanced := delivered.Add(24 * time.Hour)
	f.set(t, daily("r", &delivered))
	f.upsert(t, "r", delivered)

	// A cycle delivers r and moves it to tomorrow after the sweep listed it.
	idx := &racingIndex{Index: f.index, onLookup: func() {
		r := daily("r", &advanced)
		r.UpdatedAt = testNow
		f.set(t, r)
		f.upsert(t, "r", advanced)
	}}

	res, err := f.reconciler(nil, idx, 10).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if at, _ := f.entry(t, "r"); !at.Equal(advanced) {
		t.Errorf("entry = %s, want %s (must not move back to a delivered instant)", at, advanced)
	}
	if res.Changed != 1 || res.Repaired() != 0 {
		t.Errorf("result = %+v, want 1 changed and no repairs", res)
	}
	if due, _ := f.index.Due(context.Background(), testNow); len(due) != 0 {
		t.Errorf("due after sweep = %v, want none", due)
	}
}

func TestRunOnce_FollowsRecordAdvancedDuringRepair(t *testing.T) {
	f := newFixture()
	stale := testNow.Add(-3 * time.Hour)
	advanced := stale.Add(24 * time.Hour)
	f.set(t, daily("r", &stale))

	// The cycle writes record and entry between the sweep's reload and its
	// own upsert of the entry.
	idx := &racingIndex{Index: f.index, onUpsert: func() {
		r := daily("r", &advanced)
		r.UpdatedAt = testNow
		f.set(t, r)
		f.upsert(t, "r", advanced)
	}}

	if _, err := f.reconciler(nil, idx, 10).RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if at, ok := f.entry(t, "r"); !ok || !at.Equal(advanced) {
		t.Errorf("entry = %s (ok=%v), want %s", at, ok, advanced)
	}
}

func TestRunOnce_SkipsRecordDeletedAfterListing(t *testing.T) {
	f := newFixture()
	next := testNow.Add(21 * time.Hour)
	f.set(t, daily("r", &next))

	idx := &racingIndex{Index: f.index, onLookup: func() {
		f.store.Delete(context.Background(), "r")
	}}

	res, err := f.reconciler(nil, idx, 10).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if _, ok := f.entry(t, "r"); ok {
		t.Error("no entry should be restored for a deleted record")
	}
	if res.Repaired() != 0 {
		t.Errorf("Repaired = %d, want 0", res.Repaired())
	}
}

func TestRunOnce_RecordErrorDoesNotStopSweep(t *testing.T) {
	f := newFixture()
	next := testNow.Add(21 * time.Hour)
	f.set(t, daily("r1", &next))
	f.set(t, daily("r2", &next))
	idx := &lookupFailIndex{Index: f.index, failKey: "r1"}

	res, err := f.reconciler(nil, idx, 10).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if res.Errors != 1 {
		t.Errorf("Errors = %d, want 1", res.Errors)
	}
	if _, ok := f.entry(t, "r2"); !ok {
		t.Error("r2 should be repaired despite r1 failing")
	}
	if _, ok := f.entry(t, "r1"); ok {
		t.Error("r1 should be left for the next sweep")
	}
}

func TestRunOnce_StopsOnCancellation(t *testing.T) {
	f := newFixture()
	next := testNow.Add(21 * time.Hour)
	for i := 0; i < 4; i++ {
		f.set(t, daily(fmt.Sprintf("r%d", i), &next))
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &cancelStore{Store: f.store, cancel: cancel}

	res, err := f.reconciler(store, nil, 2).RunOnce(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if res.Scanned != 0 {
		t.Errorf("Scanned = %d, want 0 after cancellation", res.Scanned)
	}
	if store.pages != 1 {
		t.Errorf("listed %d pages, want 1", store.pages)
	}
}

func TestRun_SweepsOnStartupAndStops(t *testing.T) {
	f := newFixture()
	next := testNow.Add(21 * time.Hour)
	f.set(t, daily("r1", &next))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.reconciler(nil, nil, 10).Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for f.index.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	if f.index.Len() != 1 {
		t.Error("startup sweep should restore the entry")
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	r := New(Config{}, memory.NewStore(), memory.NewIndex(), recurrence.New())
	def := DefaultConfig()
	if r.config.Interval != def.Interval || r.config.BatchSize != def.BatchSize {
		t.Errorf("config = %+v, want defaults %+v", r.config, def)
	}
}
