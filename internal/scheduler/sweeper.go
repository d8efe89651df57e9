package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Handler runs a retry task of one kind. It must consume the task via PendingStore.Take.
type Handler func(ctx context.Context, t RetryTask)

// Sweeper periodically re-dispatches retry tasks whose timers were lost,
// typically because the process that scheduled them restarted.
type Sweeper struct {
	store    PendingStore
	log      *slog.Logger
	grace    time.Duration
	clock    func() time.Time
	baseCtx  context.Context
	cron     *cron.Cron
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewSweeper builds a sweeper. Tasks are only picked up once they are overdue
// by more than grace, leaving live timers time to fire first.
func NewSweeper(ctx context.Context, store PendingStore, log *slog.Logger, grace time.Duration) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		store:    store,
		log:      log,
		grace:    grace,
		clock:    time.Now,
		baseCtx:  ctx,
		handlers: map[string]Handler{},
	}
}

func (s *Sweeper) Register(kind string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = h
}

// Start runs SweepOnce on the given cron spec (for example "@every 1m").
func (s *Sweeper) Start(spec string) error {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		if n := s.SweepOnce(s.baseCtx); n > 0 {
			s.log.Info("retry sweep dispatched tasks", "count", n)
		}
	}); err != nil {
		return fmt.Errorf("adding retry sweep job: %w", err)
	}
	c.Start()
	s.cron = c
	s.log.Info("retry sweeper started", "schedule", spec)
	return nil
}

// Stop halts the cron loop and waits for a running sweep.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// SweepOnce dispatches every overdue task and returns how many were handed to a handler.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	due, err := s.store.Due(ctx, s.clock().Add(-s.grace))
	if err != nil {
		s.log.Error("retry sweep failed", "err", err)
		return 0
	}
	n := 0
	for _, t := range due {
		s.mu.RLock()
		h, ok := s.handlers[t.Kind]
		s.mu.RUnlock()
		if !ok {
			s.log.Warn("no handler for retry task", "kind", t.Kind, "task_id", t.ID)
			continue
		}
		run(ctx, "sweep:"+t.Kind, func(ctx context.Context) { h(ctx, t) })
		n++
	}
	return n
}
