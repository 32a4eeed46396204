// Package schedule owns the one-shot timers that fire pending jobs at
// their scheduled time, plus the recovery pass that reconciles the timer
// set with the database after a restart.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"xhsagent/internal/config"
	"xhsagent/internal/store"
	logx "xhsagent/pkg/logx"
)

// ExpiredDowntime is the error recorded on pending jobs whose time passed
// while the service was not running.
const ExpiredDowntime = "expired during downtime"

// Executor runs one claimed job to a terminal status.
type Executor interface {
	Execute(ctx context.Context, jobID int64) error
}

// Service maps job ids to one-shot timers. Scheduling the same id again
// replaces the existing timer instead of duplicating the fire.
type Service struct {
	mu sync.Mutex

	st      store.Store
	exec    Executor
	loc     *time.Location
	grace   time.Duration
	enabled bool

	planSpec string
	planFn   func(ctx context.Context) error

	c       *cron.Cron
	timers  map[int64]*time.Timer
	stopCh  chan struct{}
	baseCtx context.Context
	wg      sync.WaitGroup

	log logx.Logger
}

func New(cfg config.SchedulerConfig, st store.Store, exec Executor, log logx.Logger) (*Service, error) {
	tz := cfg.Timezone
	if tz == "" {
		tz = config.DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler timezone %q: %w", tz, err)
	}
	grace, err := cfg.Grace()
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		st:       st,
		exec:     exec,
		loc:      loc,
		grace:    grace,
		enabled:  cfg.IsEnabled(),
		planSpec: cfg.PlanCron,
		timers:   map[int64]*time.Timer{},
		log:      log,
	}, nil
}

// SetPlanFunc registers the periodic re-planning hook. Must be called
// before Start.
func (s *Service) SetPlanFunc(fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.planFn = fn
}

func (s *Service) Location() *time.Location { return s.loc }

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		s.log.Warn("scheduler disabled by config, timers will not arm")
		return nil
	}
	if s.stopCh != nil {
		return nil
	}
	s.stopCh = make(chan struct{})
	s.baseCtx = ctx

	if s.planSpec != "" && s.planFn != nil {
		s.c = cron.New(cron.WithLocation(s.loc))
		if _, err := s.c.AddFunc(s.planSpec, s.planTick); err != nil {
			s.stopCh = nil
			return fmt.Errorf("plan_cron %q: %w", s.planSpec, err)
		}
		s.c.Start()
	}

	s.log.Info("scheduler started",
		logx.String("tz", s.loc.String()),
		logx.Duration("grace", s.grace),
		logx.String("plan_cron", s.planSpec))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	if s.c != nil {
		<-s.c.Stop().Done()
		s.c = nil
	}
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("scheduler stopped with executions still in flight")
	}
	s.log.Info("scheduler stopped")
}

// Schedule arms (or re-arms) the timer for one job.
func (s *Service) Schedule(jobID int64, runAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh == nil {
		s.log.Warn("schedule ignored, scheduler not running", logx.Int64("job", jobID))
		return
	}
	if old, ok := s.timers[jobID]; ok {
		old.Stop()
	}

	delay := time.Until(runAt)
	if delay < 0 {
		delay = 0
	}
	s.timers[jobID] = time.AfterFunc(delay, func() { s.fire(jobID, runAt) })
	s.log.Info("job scheduled",
		logx.Int64("job", jobID),
		logx.Time("run_at", runAt.In(s.loc)))
}

// Cancel disarms the timer for one job if present.
func (s *Service) Cancel(jobID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[jobID]; ok {
		t.Stop()
		delete(s.timers, jobID)
		s.log.Info("job timer cancelled", logx.Int64("job", jobID))
	}
}

// Recover reconciles pending jobs with the clock after a restart: jobs
// whose time already passed are failed, the rest get fresh timers. With
// the scheduler disabled the queue is left exactly as it was.
func (s *Service) Recover(ctx context.Context) error {
	if !s.enabled {
		return nil
	}
	jobs, err := s.st.Jobs(ctx, store.JobFilter{Status: store.StatusPending})
	if err != nil {
		return fmt.Errorf("recover pending jobs: %w", err)
	}

	now := time.Now()
	expired, restored := 0, 0
	for _, job := range jobs {
		if !job.ScheduledAt.After(now) {
			ok, err := s.st.Transition(ctx, job.ID, store.StatusPending, store.StatusFailed,
				store.JobUpdate{Error: ExpiredDowntime})
			if err != nil {
				return fmt.Errorf("expire job %d: %w", job.ID, err)
			}
			if ok {
				expired++
			}
			continue
		}
		s.Schedule(job.ID, job.ScheduledAt)
		restored++
	}

	s.log.Info("recovery complete",
		logx.Int("restored", restored),
		logx.Int("expired", expired))
	return nil
}

// fire runs when a timer elapses. A fire later than the grace window
// (machine suspend, heavy load) fails the job instead of publishing stale
// content at the wrong time.
func (s *Service) fire(jobID int64, runAt time.Time) {
	s.mu.Lock()
	delete(s.timers, jobID)
	stopped := s.stopCh == nil
	ctx := s.baseCtx
	s.mu.Unlock()
	if stopped {
		return
	}

	if late := time.Since(runAt); late > s.grace {
		s.log.Warn("timer fired beyond grace window",
			logx.Int64("job", jobID), logx.Duration("late", late))
		if _, err := s.st.Transition(ctx, jobID, store.StatusPending, store.StatusFailed,
			store.JobUpdate{Error: ExpiredDowntime}); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error("expire late job", logx.Int64("job", jobID), logx.Err(err))
		}
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.exec.Execute(ctx, jobID); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error("job execution failed", logx.Int64("job", jobID), logx.Err(err))
		}
	}()
}

func (s *Service) planTick() {
	s.mu.Lock()
	fn := s.planFn
	ctx := s.baseCtx
	s.mu.Unlock()
	if fn == nil || ctx == nil {
		return
	}
	if err := fn(ctx); err != nil {
		s.log.Error("periodic planning failed", logx.Err(err))
	}
}
