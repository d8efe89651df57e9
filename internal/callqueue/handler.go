package callqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"leasing-telephony/internal/calls"
	"leasing-telephony/internal/events"
	"leasing-telephony/pkg/logger"
)

type CallStore interface {
	GetByID(ctx context.Context, id string) (calls.CallRecord, error)
}

type MissedMarker interface {
	MarkMissed(ctx context.Context, id string, reason calls.MissedCallReason) (calls.CallRecord, error)
}

// CallHanger ends a live provider call.
type CallHanger interface {
	HangupCall(ctx context.Context, callID string) error
}

type PartyEvents interface {
	RecordCompleted(ctx context.Context, partyID, userID string, rec calls.CallRecord) error
	RecordMissed(ctx context.Context, partyID string, rec calls.CallRecord) error
	Notify(ctx context.Context, event string, data any, r events.Routing) error
}

type OwnerAssigner interface {
	AssignOwnerAfterCall(ctx context.Context, partyID, candidateUserID string) (string, error)
}

// Handler owns completion and miss bookkeeping for calls that went through the queue.
type Handler struct {
	queue   Store
	calls   CallStore
	missed  MissedMarker
	hanger  CallHanger
	events  PartyEvents
	parties OwnerAssigner
}

func NewHandler(queue Store, store CallStore, missed MissedMarker, hanger CallHanger, ev PartyEvents, parties OwnerAssigner) *Handler {
	return &Handler{queue: queue, calls: store, missed: missed, hanger: hanger, events: ev, parties: parties}
}

// HandleHangup runs when the caller of a queued call hangs up.
//
// A call still waiting in the queue was abandoned: it becomes a missed call,
// agents still ringing are released and the party gets an owner. A call that
// left the queue already reached an agent and only needs completion events.
func (h *Handler) HandleHangup(ctx context.Context, commID string) error {
	log := logger.From(ctx)

	queued, err := h.queue.Remove(ctx, commID)
	if errors.Is(err, ErrNotQueued) {
		return h.completeDequeued(ctx, commID)
	}
	if err != nil {
		log.Error("failed to remove call from queue on hangup", "err", err)
		return fmt.Errorf("removing %s from queue: %w", commID, err)
	}

	if err := h.abandon(ctx, queued, log); err != nil {
		h.requeue(ctx, queued, log)
		return err
	}

	if err := h.events.Notify(ctx, events.CallQueueChanged, map[string]any{
		"teamIds":               []string{queued.TeamID},
		"isFromRemoveCallQueue": true,
	}, events.Routing{Teams: []string{queued.TeamID}}); err != nil {
		log.Warn("call queue change notification failed", "err", err)
	}
	return nil
}

// abandon does the bookkeeping for a caller who hung up while still queued.
func (h *Handler) abandon(ctx context.Context, queued QueuedCall, log *slog.Logger) error {
	rec, err := h.missed.MarkMissed(ctx, queued.CommID, calls.MissedCallReasonNormalQueue)
	if err != nil {
		log.Error("failed to mark queued call missed", "err", err)
		return err
	}
	h.hangupFiredCalls(ctx, queued)

	for _, partyID := range rec.Parties {
		if err := h.events.RecordMissed(ctx, partyID, rec); err != nil {
			log.Error("failed to save missed call event", "err", err, "party_id", partyID)
			return err
		}
	}

	if len(rec.Parties) > 0 {
		partyID := rec.Parties[0]
		owner, err := h.parties.AssignOwnerAfterCall(ctx, partyID, rec.UserID)
		if err != nil {
			log.Error("failed to assign party owner for queued call", "err", err, "party_id", partyID)
			return err
		}
		if err := h.events.RecordCompleted(ctx, partyID, owner, rec); err != nil {
			log.Error("failed to save completed event", "err", err, "party_id", partyID)
			return err
		}
	}

	if err := h.queue.MarkHangUp(ctx, queued.CommID); err != nil {
		log.Error("failed to update queue stats", "err", err)
		return err
	}
	return nil
}

// requeue puts a call back after failed bookkeeping, so the entry is not lost
// with the work still undone.
func (h *Handler) requeue(ctx context.Context, queued QueuedCall, log *slog.Logger) {
	if err := h.queue.Enqueue(context.WithoutCancel(ctx), queued); err != nil {
		log.Error("failed to restore queued call after hangup failure", "err", err)
	}
}

func (h *Handler) completeDequeued(ctx context.Context, commID string) error {
	rec, err := h.calls.GetByID(ctx, commID)
	if err != nil {
		logger.From(ctx).Error("failed to load dequeued call", "err", err)
		return err
	}
	owner := rec.UserID
	if owner == "" {
		owner = rec.PartyOwner
	}
	for _, partyID := range rec.Parties {
		if err := h.events.RecordCompleted(ctx, partyID, owner, rec); err != nil {
			logger.From(ctx).Error("failed to save completed event", "err", err, "party_id", partyID)
			return err
		}
	}
	return nil
}

func (h *Handler) hangupFiredCalls(ctx context.Context, q QueuedCall) {
	if h.hanger == nil {
		return
	}
	users := make([]string, 0, len(q.FiredCallsToAgents))
	for u := range q.FiredCallsToAgents {
		users = append(users, u)
	}
	sort.Strings(users)
	for _, u := range users {
		for _, callID := range q.FiredCallsToAgents[u] {
			if err := h.hanger.HangupCall(ctx, callID); err != nil {
				logger.From(ctx).Warn("failed to hang up call fired to agent",
					"err", err, "user_id", u, "call_id", callID)
			}
		}
	}
}
