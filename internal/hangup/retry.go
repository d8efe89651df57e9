package hangup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"leasing-telephony/internal/scheduler"
	"leasing-telephony/internal/telephony"
	"leasing-telephony/internal/tenancy"
	"leasing-telephony/pkg/logger"

	"github.com/google/uuid"
)

// RetryKind identifies after-call retries in the pending store.
const RetryKind = "hangup.after_call_retry"

// scheduleRetry gives the call record one more chance to show up. With a
// pending store the retry is persisted first, so it survives a restart.
func (s *Service) scheduleRetry(ctx context.Context, ev hangupEvent) error {
	task := scheduler.RetryTask{
		ID:    uuid.NewString(),
		Kind:  RetryKind,
		Key:   ev.MessageID,
		RunAt: s.now().Add(s.cfg.AfterCallRetryDelay),
	}
	if s.d.Pending != nil {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encoding retry payload: %w", err)
		}
		task.Payload = payload
		if err := s.d.Pending.Put(ctx, task); err != nil {
			logger.From(ctx).Warn("persisting after call retry failed, keeping it in memory", "err", err)
			task.ID = ""
		}
	}

	s.metrics.HangupOutcome(OutcomeRetryScheduled)
	s.d.Scheduler.Schedule(ctx, RetryKind, s.cfg.AfterCallRetryDelay, func(ctx context.Context) {
		s.safely(ctx, "after call retry", func(ctx context.Context) error {
			return s.runRetry(ctx, task.ID, ev)
		})
	})
	return nil
}

// runRetry executes a retry unless the sweeper already took it.
func (s *Service) runRetry(ctx context.Context, taskID string, ev hangupEvent) error {
	if taskID != "" && s.d.Pending != nil {
		_, ok, err := s.d.Pending.Take(ctx, taskID)
		if err != nil {
			return fmt.Errorf("taking retry task %s: %w", taskID, err)
		}
		if !ok {
			return nil
		}
	}
	return s.retryAfterCall(ctx, ev)
}

// retryAfterCall is the last lookup for the call's legs. A call that is
// still unknown is dropped: silently when it was cancelled right away.
func (s *Service) retryAfterCall(ctx context.Context, ev hangupEvent) error {
	legs, err := s.d.Calls.FindByMessageID(ctx, ev.MessageID)
	if err != nil {
		return fmt.Errorf("loading call legs on retry: %w", err)
	}
	if len(legs) > 0 {
		return s.performAfterCall(ctx, legs, ev)
	}

	log := logger.From(ctx)
	start, end := ev.RawMessage["StartTime"], ev.RawMessage["EndTime"]
	if s.cancelledRightAway(start, end) {
		log.Debug("ignoring call cancelled right after it was initiated", "start_time", start, "end_time", end)
		s.metrics.HangupOutcome(OutcomeDroppedShortCall)
		return nil
	}

	log.Error("cannot find call record for hangup", "raw_message", ev.RawMessage)
	s.metrics.HangupOutcome(OutcomeUnresolved)
	return nil
}

func (s *Service) cancelledRightAway(start, end string) bool {
	st, ok := telephony.ParseProviderTime(start)
	if !ok {
		return false
	}
	et, ok := telephony.ParseProviderTime(end)
	if !ok {
		return false
	}
	return et.Sub(st) < veryShortCallDuration
}

// HandleRetryTask runs a retry found by the sweeper.
func (s *Service) HandleRetryTask(ctx context.Context, t scheduler.RetryTask) {
	ev, err := decodeRetry(t)
	if err != nil {
		logger.From(ctx).Error("dropping undecodable retry task", "task_id", t.ID, "err", err)
		if s.d.Pending != nil {
			_, _, _ = s.d.Pending.Take(ctx, t.ID)
		}
		return
	}
	ctx = tenancy.WithTenant(ctx, ev.TenantID)
	ctx = logger.WithAttrs(ctx, "message_id", ev.MessageID, "task_id", t.ID)
	s.safely(ctx, "after call retry", func(ctx context.Context) error {
		return s.runRetry(ctx, t.ID, ev)
	})
}

// ResumePending re-arms timers for retries persisted by a previous process.
// Overdue retries run immediately.
func (s *Service) ResumePending(ctx context.Context) (int, error) {
	if s.d.Pending == nil {
		return 0, nil
	}
	tasks, err := s.d.Pending.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing pending retries: %w", err)
	}
	n := 0
	for _, t := range tasks {
		if t.Kind != RetryKind {
			continue
		}
		ev, err := decodeRetry(t)
		if err != nil {
			logger.From(ctx).Error("skipping undecodable retry task", "task_id", t.ID, "err", err)
			continue
		}
		taskID := t.ID
		delay := t.RunAt.Sub(s.now())
		rctx := tenancy.WithTenant(ctx, ev.TenantID)
		rctx = logger.WithAttrs(rctx, "message_id", ev.MessageID, "task_id", taskID)
		s.d.Scheduler.Schedule(rctx, RetryKind, delay, func(ctx context.Context) {
			s.safely(ctx, "after call retry", func(ctx context.Context) error {
				return s.runRetry(ctx, taskID, ev)
			})
		})
		n++
	}
	return n, nil
}

var errRetryWithoutCall = errors.New("retry task has no call id")

func decodeRetry(t scheduler.RetryTask) (hangupEvent, error) {
	var ev hangupEvent
	if err := json.Unmarshal(t.Payload, &ev); err != nil {
		return hangupEvent{}, err
	}
	if ev.MessageID == "" {
		ev.MessageID = t.Key
	}
	if ev.MessageID == "" {
		return hangupEvent{}, errRetryWithoutCall
	}
	return ev, nil
}
