package hangup

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"leasing-telephony/internal/calls"
	"leasing-telephony/internal/events"
	"leasing-telephony/pkg/logger"
)

// dispose decides how the call ended and does the matching bookkeeping.
// Legs already handled by the post-dial handler or owned by the call queue
// are left alone.
func (s *Service) dispose(ctx context.Context, rec calls.CallRecord) error {
	log := logger.From(ctx)

	if rec.Message.PostDialHandled {
		log.Debug("after call operations were handled by the post-dial handler")
		s.metrics.HangupOutcome(OutcomePostDialHandled)
		return nil
	}

	if s.cfg.StrictDisposition {
		won, err := s.d.Guard.Claim(ctx, rec)
		if err != nil {
			return fmt.Errorf("claiming disposition: %w", err)
		}
		if !won {
			log.Info("disposition already claimed by another delivery")
			s.metrics.HangupOutcome(OutcomeClaimLost)
			return nil
		}
	}

	if rec.Message.IsCallFromQueue {
		if err := s.d.Queue.HandleHangup(ctx, rec.ID); err != nil {
			return fmt.Errorf("call queue hangup: %w", err)
		}
		log.Debug("after call operations were handled by the call queue")
		s.metrics.HangupOutcome(OutcomeQueue)
		return nil
	}

	if rec.Message.TransferredToNumber != "" && !rec.Message.Answered {
		return s.disposeUnansweredTransfer(ctx, rec)
	}
	return s.disposeCompleted(ctx, rec)
}

// disposeUnansweredTransfer closes a leg that was transferred to a number
// nobody picked up.
func (s *Service) disposeUnansweredTransfer(ctx context.Context, rec calls.CallRecord) error {
	var errs []error
	for _, partyID := range rec.Parties {
		owner, err := s.transferOwner(ctx, rec, partyID)
		if err != nil {
			errs = append(errs, fmt.Errorf("resolving owner of party %s: %w", partyID, err))
			continue
		}
		if owner == "" {
			continue
		}
		if err := s.d.Events.RecordCompleted(ctx, partyID, owner, rec); err != nil {
			errs = append(errs, fmt.Errorf("completed event for party %s: %w", partyID, err))
		}
	}

	if _, err := s.d.Updater.Update(ctx, rec.ID, calls.Delta{
		Message: calls.MessageDelta{IsMissed: calls.Bool(true)},
	}); err != nil {
		errs = append(errs, err)
	}
	s.metrics.HangupOutcome(OutcomeTransferUnanswered)
	return errors.Join(errs...)
}

func (s *Service) transferOwner(ctx context.Context, rec calls.CallRecord, partyID string) (string, error) {
	if rec.UserID != "" {
		return rec.UserID, nil
	}
	if rec.PartyOwner != "" {
		return rec.PartyOwner, nil
	}
	return s.d.Parties.Owner(ctx, partyID)
}

// disposeCompleted is the regular end of a call: parties get an owner and a
// completed event, every agent on the call is released, and an inbound call
// nobody answered becomes a missed call.
func (s *Service) disposeCompleted(ctx context.Context, rec calls.CallRecord) error {
	log := logger.From(ctx)
	var errs []error

	for _, partyID := range rec.Parties {
		owner, err := s.d.Parties.AssignOwnerAfterCall(ctx, partyID, rec.UserID)
		if err != nil {
			errs = append(errs, fmt.Errorf("assigning owner of party %s: %w", partyID, err))
			continue
		}
		if err := s.d.Events.RecordCompleted(ctx, partyID, owner, rec); err != nil {
			errs = append(errs, fmt.Errorf("completed event for party %s: %w", partyID, err))
		}
	}

	if agents := callAgents(rec); len(agents) > 0 {
		log.Debug("making call agents available", "user_ids", agents)
		if err := s.d.Availability.MarkUsersAvailable(ctx, agents); err != nil {
			errs = append(errs, fmt.Errorf("releasing call agents: %w", err))
		}
	}

	if rec.Direction != calls.DirectionIn || rec.Message.Answered {
		s.metrics.HangupOutcome(OutcomeCompleted)
		return errors.Join(errs...)
	}

	missed, err := s.d.Updater.MarkMissed(ctx, rec.ID, calls.MissedCallReasonFallback)
	if err != nil {
		errs = append(errs, err)
		return errors.Join(errs...)
	}
	for _, partyID := range missed.Parties {
		if err := s.d.Events.RecordMissed(ctx, partyID, missed); err != nil {
			errs = append(errs, fmt.Errorf("missed call event for party %s: %w", partyID, err))
		}
	}
	s.metrics.HangupOutcome(OutcomeMissed)
	return errors.Join(errs...)
}

// callAgents is the leg's agent plus every user the call rang, without duplicates.
func callAgents(rec calls.CallRecord) []string {
	seen := map[string]bool{}
	var out []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	add(rec.UserID)

	receivers := make([]string, 0, len(rec.Message.ReceiversEndpointsByUserID))
	for id := range rec.Message.ReceiversEndpointsByUserID {
		receivers = append(receivers, id)
	}
	sort.Strings(receivers)
	for _, id := range receivers {
		add(id)
	}
	return out
}

func (s *Service) notifyCallTerminated(ctx context.Context, rec calls.CallRecord, machineDetected bool) {
	err := s.d.Events.Notify(ctx, events.CallTerminated, map[string]any{
		"commId":          rec.ID,
		"machineDetected": machineDetected,
	}, events.Routing{Users: []string{rec.UserID}})
	if err != nil {
		logger.From(ctx).Warn("call terminated notification failed", "err", err)
	}
}
