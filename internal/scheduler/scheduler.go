package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"leasing-telephony/pkg/logger"

	"github.com/google/uuid"
)

// Func is a deferred continuation. The context it receives is detached from
// the request that scheduled it, but keeps its values (logger, tenant).
type Func func(ctx context.Context)

// Scheduler runs fn after at least delay has elapsed, without blocking the caller.
// A panic inside fn is recovered and logged.
type Scheduler interface {
	Schedule(ctx context.Context, name string, delay time.Duration, fn Func) string
}

// Job describes a scheduled continuation that has not started yet.
type Job struct {
	ID    string
	Name  string
	RunAt time.Time
}

// TimerScheduler runs each continuation on its own goroutine via time.AfterFunc.
type TimerScheduler struct {
	mu      sync.Mutex
	pending map[string]*timerJob
	stopped bool
	wg      sync.WaitGroup
	clock   func() time.Time
}

type timerJob struct {
	Job
	timer *time.Timer
}

func NewTimerScheduler() *TimerScheduler {
	return &TimerScheduler{pending: map[string]*timerJob{}, clock: time.Now}
}

func (s *TimerScheduler) Schedule(ctx context.Context, name string, delay time.Duration, fn Func) string {
	if delay < 0 {
		delay = 0
	}
	id := uuid.NewString()
	runCtx := logger.Detach(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		logger.From(ctx).Warn("scheduler stopped, dropping job", "job", name)
		return ""
	}

	j := &timerJob{Job: Job{ID: id, Name: name, RunAt: s.clock().Add(delay)}}
	s.wg.Add(1)
	j.timer = time.AfterFunc(delay, func() {
		defer s.wg.Done()
		s.mu.Lock()
		_, ok := s.pending[id]
		delete(s.pending, id)
		s.mu.Unlock()
		if !ok {
			return
		}
		run(runCtx, name, fn)
	})
	s.pending[id] = j
	return id
}

// Pending lists jobs that have not started, soonest first.
func (s *TimerScheduler) Pending() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.pending))
	for _, j := range s.pending {
		out = append(out, j.Job)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].RunAt.Before(out[k].RunAt) })
	return out
}

// Cancel drops a job that has not started. It reports whether the job was pending.
func (s *TimerScheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.pending[id]
	if !ok {
		return false
	}
	delete(s.pending, id)
	if j.timer.Stop() {
		s.wg.Done()
	}
	return true
}

// Stop cancels pending jobs and waits for running ones, or until ctx is done.
func (s *TimerScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	for id, j := range s.pending {
		if j.timer.Stop() {
			s.wg.Done()
		}
		delete(s.pending, id)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// Immediate runs every continuation synchronously, ignoring the delay.
// It makes orchestration deterministic in tests.
type Immediate struct {
	mu   sync.Mutex
	jobs []Job
}

func (s *Immediate) Schedule(ctx context.Context, name string, delay time.Duration, fn Func) string {
	id := uuid.NewString()
	s.mu.Lock()
	s.jobs = append(s.jobs, Job{ID: id, Name: name, RunAt: time.Now().Add(delay)})
	s.mu.Unlock()
	run(logger.Detach(ctx), name, fn)
	return id
}

// Ran returns the jobs executed so far, in order.
func (s *Immediate) Ran() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Job(nil), s.jobs...)
}

func run(ctx context.Context, name string, fn Func) {
	defer func() {
		if r := recover(); r != nil {
			logger.From(ctx).Error("scheduled job panicked",
				"job", name,
				"panic", fmt.Sprint(r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	fn(ctx)
}
