package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/dispatch"
	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/logging"
)

// mockCycle counts runs and captures the deadline it was given.
type mockCycle struct {
	mu        sync.Mutex
	runs      int
	deadlines []time.Duration
	err       error
	block     chan struct{}
}

func (c *mockCycle) Run(ctx context.Context) (dispatch.Report, error) {
	c.mu.Lock()
	c.runs++
	if d, ok := ctx.Deadline(); ok {
		c.deadlines = append(c.deadlines, time.Until(d))
	}
	block := c.block
	err := c.err
	c.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}
	return dispatch.Report{Due: 3, Delivered: 2}, err
}

func (c *mockCycle) getRuns() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs
}

func TestRunOnce_AppliesCycleTimeout(t *testing.T) {
	cycle := &mockCycle{}
	s := New(Config{CycleTimeout: 2 * time.Second}, cycle).WithLogger(logging.Discard())

	report, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.Delivered != 2 {
		t.Errorf("report = %+v", report)
	}
	if len(cycle.deadlines) != 1 || cycle.deadlines[0] > 2*time.Second || cycle.deadlines[0] <= 0 {
		t.Errorf("deadline = %v, want within 2s", cycle.deadlines)
	}
}

func TestRunOnce_RecordsStatus(t *testing.T) {
	cycle := &mockCycle{err: errors.New("index unavailable")}
	s := New(Config{}, cycle).WithLogger(logging.Discard())

	if _, ok := s.LastStatus(); ok {
		t.Fatal("status should be empty before the first run")
	}

	if _, err := s.RunOnce(context.Background()); err == nil {
		t.Fatal("expected cycle error to be returned")
	}
	st, ok := s.LastStatus()
	if !ok || st.Runs != 1 || st.Err == nil || st.Report.Due != 3 {
		t.Errorf("status = %+v", st)
	}
}

func TestRunOnce_CancelledContextSkips(t *testing.T) {
	cycle := &mockCycle{}
	s := New(Config{}, cycle).WithLogger(logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.RunOnce(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if cycle.getRuns() != 0 {
		t.Error("cycle should not run with a cancelled context")
	}
}

func TestRun_InvalidSchedule(t *testing.T) {
	s := New(Config{Schedule: "every minute please"}, &mockCycle{}).WithLogger(logging.Discard())
	if err := s.Run(context.Background()); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestRun_FiresOnCadenceAndStops(t *testing.T) {
	cycle := &mockCycle{}
	s := New(Config{Schedule: "@every 1s", CycleTimeout: 500 * time.Millisecond}, cycle).
		WithLogger(logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for cycle.getRuns() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if cycle.getRuns() == 0 {
		t.Fatal("cycle never ran")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}

func TestRun_ShutdownWaitsForRunningCycle(t *testing.T) {
	cycle := &mockCycle{block: make(chan struct{})}
	s := New(Config{Schedule: "@every 1s", CycleTimeout: 10 * time.Second}, cycle).
		WithLogger(logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for cycle.getRuns() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if cycle.getRuns() == 0 {
		t.Fatal("cycle never started")
	}

	// Cancelling the scheduler cancels the blocked cycle, which then returns.
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the running cycle finished")
	}
	if _, ok := s.LastStatus(); !ok {
		t.Error("status should record the interrupted cycle")
	}
}

func TestParseSchedule(t *testing.T) {
	for _, expr := range []string{"@every 1m", "*/5 * * * *", "@hourly"} {
		if err := ParseSchedule(expr); err != nil {
			t.Errorf("ParseSchedule(%q): %v", expr, err)
		}
	}
	for _, expr := range []string{"", "61 * * * *", "@every banana"} {
		if err := ParseSchedule(expr); err == nil {
			t.Errorf("ParseSchedule(%q) should fail", expr)
		}
	}
}
