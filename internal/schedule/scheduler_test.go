package schedule

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"xhsagent/internal/config"
	"xhsagent/internal/store"
	logx "xhsagent/pkg/logx"
)

type countingExecutor struct {
	mu    sync.Mutex
	calls []int64
	done  chan int64
}

func newCountingExecutor() *countingExecutor {
	return &countingExecutor{done: make(chan int64, 16)}
}

func (e *countingExecutor) Execute(ctx context.Context, jobID int64) error {
	e.mu.Lock()
	e.calls = append(e.calls, jobID)
	e.mu.Unlock()
	e.done <- jobID
	return nil
}

func (e *countingExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.Open(store.Config{
		Path:     filepath.Join(t.TempDir(), "agent.db"),
		Timezone: time.UTC,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func seedPending(t *testing.T, st store.Store, runAt time.Time) int64 {
	t.Helper()
	id, err := st.CreateJob(context.Background(), &store.Job{
		AccountID:   "acc-1",
		Topic:       "主题",
		AspectRatio: "3:4",
		ImageCount:  1,
		ScheduledAt: runAt,
		Status:      store.StatusPending,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return id
}

func newRunning(t *testing.T, st store.Store, exec Executor) *Service {
	t.Helper()
	s, err := New(config.SchedulerConfig{Timezone: "UTC"}, st, exec, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		s.Stop(context.Background())
		cancel()
	})
	return s
}

func waitFired(t *testing.T, exec *countingExecutor, want int64) {
	t.Helper()
	select {
	case got := <-exec.done:
		if got != want {
			t.Fatalf("executed job %d, want %d", got, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timer for job %d never fired", want)
	}
}

func TestScheduleFires(t *testing.T) {
	st := newTestStore(t)
	exec := newCountingExecutor()
	s := newRunning(t, st, exec)

	id := seedPending(t, st, time.Now().Add(30*time.Millisecond))
	s.Schedule(id, time.Now().Add(30*time.Millisecond))
	waitFired(t, exec, id)
}

func TestScheduleReplacesTimer(t *testing.T) {
	st := newTestStore(t)
	exec := newCountingExecutor()
	s := newRunning(t, st, exec)

	id := seedPending(t, st, time.Now().Add(time.Hour))
	s.Schedule(id, time.Now().Add(time.Hour))
	s.Schedule(id, time.Now().Add(30*time.Millisecond))
	waitFired(t, exec, id)

	// the replaced hour-out timer must not produce a second fire
	time.Sleep(100 * time.Millisecond)
	if got := exec.count(); got != 1 {
		t.Fatalf("executions = %d, want 1", got)
	}
}

func TestCancelStopsTimer(t *testing.T) {
	st := newTestStore(t)
	exec := newCountingExecutor()
	s := newRunning(t, st, exec)

	id := seedPending(t, st, time.Now().Add(50*time.Millisecond))
	s.Schedule(id, time.Now().Add(50*time.Millisecond))
	s.Cancel(id)

	time.Sleep(150 * time.Millisecond)
	if got := exec.count(); got != 0 {
		t.Fatalf("executions = %d, want 0 after cancel", got)
	}
}

func TestRecoverExpiresPastDue(t *testing.T) {
	st := newTestStore(t)
	exec := newCountingExecutor()
	s := newRunning(t, st, exec)
	ctx := context.Background()

	past := seedPending(t, st, time.Now().Add(-time.Minute))
	future := seedPending(t, st, time.Now().Add(time.Hour))

	if err := s.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	job, err := st.Job(ctx, past)
	if err != nil {
		t.Fatalf("load job: %v", err)
	}
	if job.Status != store.StatusFailed {
		t.Fatalf("past-due status = %q, want failed", job.Status)
	}
	if job.Error != ExpiredDowntime {
		t.Fatalf("past-due error = %q", job.Error)
	}

	job, err = st.Job(ctx, future)
	if err != nil {
		t.Fatalf("load job: %v", err)
	}
	if job.Status != store.StatusPending {
		t.Fatalf("future job status = %q, want pending with timer", job.Status)
	}
	if got := exec.count(); got != 0 {
		t.Fatalf("executions = %d, recovery must not fire jobs", got)
	}
}

func TestFireBeyondGraceFailsJob(t *testing.T) {
	st := newTestStore(t)
	exec := newCountingExecutor()
	s, err := New(config.SchedulerConfig{
		Timezone:     "UTC",
		MisfireGrace: "100ms",
	}, st, exec, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())

	ctx := context.Background()
	id := seedPending(t, st, time.Now().Add(-time.Second))
	// runAt is already a second in the past, far beyond the 100ms grace
	s.Schedule(id, time.Now().Add(-time.Second))

	deadline := time.Now().Add(2 * time.Second)
	for {
		job, err := st.Job(ctx, id)
		if err != nil {
			t.Fatalf("load job: %v", err)
		}
		if job.Status == store.StatusFailed {
			if job.Error != ExpiredDowntime {
				t.Fatalf("error = %q", job.Error)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never expired, status = %q", job.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := exec.count(); got != 0 {
		t.Fatalf("executions = %d, want 0 beyond grace", got)
	}
}

func TestPlanTickInvoked(t *testing.T) {
	st := newTestStore(t)
	s, err := New(config.SchedulerConfig{
		Timezone: "UTC",
		PlanCron: "@every 50ms",
	}, st, newCountingExecutor(), logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ticked := make(chan struct{}, 4)
	s.SetPlanFunc(func(ctx context.Context) error {
		select {
		case ticked <- struct{}{}:
		default:
		}
		return nil
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())

	select {
	case <-ticked:
	case <-time.After(3 * time.Second):
		t.Fatal("plan tick never ran")
	}
}

func TestDisabledSchedulerStaysInert(t *testing.T) {
	st := newTestStore(t)
	exec := newCountingExecutor()
	disabled := false
	s, err := New(config.SchedulerConfig{
		Enabled:  &disabled,
		Timezone: "UTC",
		PlanCron: "@every 20ms",
	}, st, exec, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ticked := make(chan struct{}, 1)
	s.SetPlanFunc(func(ctx context.Context) error {
		select {
		case ticked <- struct{}{}:
		default:
		}
		return nil
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())

	past := seedPending(t, st, time.Now().Add(-time.Minute))
	if err := s.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	job, err := st.Job(context.Background(), past)
	if err != nil {
		t.Fatalf("load job: %v", err)
	}
	if job.Status != store.StatusPending || job.Error != "" {
		t.Fatalf("job = status %q error %q, want untouched pending", job.Status, job.Error)
	}

	soon := seedPending(t, st, time.Now().Add(20*time.Millisecond))
	s.Schedule(soon, time.Now().Add(20*time.Millisecond))

	select {
	case <-ticked:
		t.Fatal("plan tick ran on a disabled scheduler")
	case id := <-exec.done:
		t.Fatalf("job %d executed on a disabled scheduler", id)
	case <-time.After(200 * time.Millisecond):
	}
	if got := exec.count(); got != 0 {
		t.Fatalf("executions = %d, want 0", got)
	}
}
