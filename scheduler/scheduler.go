// Package scheduler runs the periodic script audit on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"pagespeed/logging"
)

// ErrBusy is returned by RunNow while a run is already in progress.
var ErrBusy = errors.New("audit already running")

// Job is the work executed on every tick.
type Job func(ctx context.Context) error

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks a schedule expression. Standard five-field expressions and
// descriptors such as "@hourly" or "@every 6h" are accepted.
func Validate(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return nil
}

type Scheduler struct {
	mu sync.Mutex

	expr    string
	job     Job
	timeout time.Duration
	logger  *slog.Logger

	cron    *cron.Cron
	cancel  context.CancelFunc
	running atomic.Bool
	lastRun time.Time
}

func New(expr string, job Job) *Scheduler {
	return &Scheduler{
		expr:   expr,
		job:    job,
		logger: slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	s.logger = logger
	return s
}

// WithTimeout bounds every run. Zero means no bound beyond the parent
// context.
func (s *Scheduler) WithTimeout(d time.Duration) *Scheduler {
	s.timeout = d
	return s
}

// Start registers the job and starts the cron loop. Runs are bound to ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return errors.New("scheduler already started")
	}

	c := cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC))
	runCtx, cancel := context.WithCancel(ctx)
	if _, err := c.AddFunc(s.expr, func() { s.run(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("invalid schedule %q: %w", s.expr, err)
	}

	s.cron, s.cancel = c, cancel
	c.Start()

	s.logger.Info("scheduler started", slog.String("schedule", s.expr))
	return nil
}

// Stop halts the cron loop and waits for a run in progress to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()

	s.logger.Info("scheduler stopped")
}

// RunNow executes the job immediately unless a run is already in progress.
func (s *Scheduler) RunNow(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer s.running.Store(false)
	return s.exec(ctx)
}

// LastRun is the start time of the most recent run, zero before the first.
func (s *Scheduler) LastRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

func (s *Scheduler) run(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("skipping scheduled audit, previous run still in progress")
		return
	}
	defer s.running.Store(false)

	_ = s.exec(ctx)
}

func (s *Scheduler) exec(ctx context.Context) (err error) {
	s.mu.Lock()
	s.lastRun = time.Now().UTC()
	s.mu.Unlock()

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	defer logging.Timed(ctx, s.logger, "audit", &err)()
	return s.job(ctx)
}
