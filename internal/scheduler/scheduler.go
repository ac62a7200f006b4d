// Package scheduler invokes the dispatch cycle on a fixed cadence.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/dispatch"
	"github.com/lost-nd-xxx/update-bell-app-sub000/internal/logging"
)

const (
	DefaultSchedule     = "@every 1m"
	DefaultCycleTimeout = 50 * time.Second
)

// Cycle is one dispatch run.
type Cycle interface {
	Run(ctx context.Context) (dispatch.Report, error)
}

type Config struct {
	// Schedule is a standard cron expression or descriptor such as "@every 1m".
	Schedule string
	// CycleTimeout is the execution deadline of each cycle. It should be
	// shorter than the cadence so runs do not pile up.
	CycleTimeout time.Duration
}

// Status describes the most recent cycle.
type Status struct {
	StartedAt time.Time
	Report    dispatch.Report
	Err       error
	Runs      int
}

type Scheduler struct {
	config Config
	cycle  Cycle
	clock  func() time.Time
	log    logrus.FieldLogger

	mu     sync.Mutex
	status Status
}

func New(config Config, cycle Cycle) *Scheduler {
	if config.Schedule == "" {
		config.Schedule = DefaultSchedule
	}
	if config.CycleTimeout <= 0 {
		config.CycleTimeout = DefaultCycleTimeout
	}
	return &Scheduler{
		config: config,
		cycle:  cycle,
		clock:  time.Now,
		log:    logging.Component(logrus.StandardLogger(), "scheduler"),
	}
}

func (s *Scheduler) WithLogger(l logrus.FieldLogger) *Scheduler {
	s.log = logging.Component(l, "scheduler")
	return s
}

// ParseSchedule reports whether expr is a valid cadence.
func ParseSchedule(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return nil
}

// Run starts the cadence and blocks until ctx is cancelled. A cycle still
// running at shutdown sees its context cancelled and is waited for. A tick
// that fires while the previous cycle runs is skipped.
func (s *Scheduler) Run(ctx context.Context) error {
	cronLog := cron.PrintfLogger(s.log)
	c := cron.New(
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)

	if _, err := c.AddFunc(s.config.Schedule, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("schedule %q: %w", s.config.Schedule, err)
	}

	s.log.WithFields(logrus.Fields{
		"schedule":      s.config.Schedule,
		"cycle_timeout": s.config.CycleTimeout,
	}).Info("started")
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	s.log.Info("stopped")
	return ctx.Err()
}

// RunOnce runs a single cycle bounded by CycleTimeout.
func (s *Scheduler) RunOnce(ctx context.Context) (dispatch.Report, error) {
	if ctx.Err() != nil {
		return dispatch.Report{}, ctx.Err()
	}
	started := s.clock()
	cctx, cancel := context.WithTimeout(ctx, s.config.CycleTimeout)
	defer cancel()

	report, err := s.cycle.Run(cctx)
	if err != nil {
		s.log.WithError(err).Error("cycle failed")
	}

	s.mu.Lock()
	s.status.StartedAt = started
	s.status.Report = report
	s.status.Err = err
	s.status.Runs++
	s.mu.Unlock()

	return report, err
}

// LastStatus returns the outcome of the most recent cycle. ok is false until
// a cycle has run.
func (s *Scheduler) LastStatus() (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.status.Runs > 0
}
