package hangup

import (
	"context"
	"fmt"
	"time"

	"leasing-telephony/internal/calls"
	"leasing-telephony/internal/telephony"
	"leasing-telephony/internal/tenancy"
	"leasing-telephony/pkg/logger"
)

// Config holds the orchestration timings.
type Config struct {
	// AfterCallDelay lets the post-dial handler flag the leg before disposition runs.
	AfterCallDelay time.Duration
	// CallDetailsDelay is how long the provider needs to finalize a call.
	CallDetailsDelay time.Duration
	// AfterCallRetryDelay is the wait before the one retry of a missing record.
	AfterCallRetryDelay time.Duration

	StrictDisposition bool
}

func DefaultConfig() Config {
	return Config{
		AfterCallDelay:      2 * time.Second,
		CallDetailsDelay:    10 * time.Second,
		AfterCallRetryDelay: 20 * time.Second,
	}
}

// A call whose provider timestamps span less than this was cancelled before
// the creation callback could run.
const veryShortCallDuration = 2 * time.Second

// Hangup outcomes reported to the Recorder.
const (
	OutcomeIgnored            = "ignored"
	OutcomeRetryScheduled     = "retry_scheduled"
	OutcomeDroppedShortCall   = "dropped_short_call"
	OutcomeUnresolved         = "unresolved"
	OutcomePostDialHandled    = "post_dial_handled"
	OutcomeClaimLost          = "claim_lost"
	OutcomeQueue              = "queue"
	OutcomeTransferUnanswered = "transfer_unanswered"
	OutcomeCompleted          = "completed"
	OutcomeMissed             = "missed"
	OutcomeFailed             = "failed"
)

// Service is the hangup orchestrator. It turns "call ended" callbacks into
// call leg updates, party events and availability changes.
//
// Every wait is a scheduled continuation that reloads the legs it works on;
// no call state is carried across a delay except the callback itself.
type Service struct {
	cfg Config
	d   Deps

	metrics Recorder
	now     func() time.Time
}

func New(cfg Config, d Deps) (*Service, error) {
	if err := d.validate(cfg); err != nil {
		return nil, err
	}
	s := &Service{cfg: cfg, d: d, metrics: d.Metrics, now: d.Clock}
	if s.metrics == nil {
		s.metrics = noopRecorder{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// hangupEvent is what survives from the callback into the continuations.
type hangupEvent struct {
	TenantID        string            `json:"tenant_id,omitempty"`
	MessageID       string            `json:"message_id"`
	From            string            `json:"from,omitempty"`
	To              string            `json:"to,omitempty"`
	RawMessage      map[string]string `json:"raw_message"`
	IsPhoneToPhone  bool              `json:"is_phone_to_phone,omitempty"`
	MachineDetected bool              `json:"machine_detected,omitempty"`
}

// RespondToHangupRequest schedules the after-call work for req and returns the
// acknowledgement for the provider. It never fails: problems are logged.
func (s *Service) RespondToHangupRequest(ctx context.Context, req telephony.HangupRequest) string {
	log := logger.From(ctx).With("message_id", req.CallUUID)
	if req.CallUUID == "" {
		log.Warn("hangup callback without call id")
		return telephony.EmptyResponse()
	}
	ctx = logger.With(ctx, log)

	ev := hangupEvent{
		TenantID:        tenancy.TenantID(ctx),
		MessageID:       req.CallUUID,
		From:            req.From,
		To:              req.To,
		RawMessage:      s.mergedRawMessage(ctx, req),
		IsPhoneToPhone:  req.IsPhoneToPhone,
		MachineDetected: req.MachineDetected,
	}

	s.d.Scheduler.Schedule(ctx, "hangup.after_call", s.cfg.AfterCallDelay, func(ctx context.Context) {
		s.safely(ctx, "after call operations", func(ctx context.Context) error {
			return s.handleAfterCall(ctx, ev)
		})
	})
	if s.d.Contacts != nil {
		s.d.Scheduler.Schedule(ctx, "hangup.contact_metadata", s.cfg.CallDetailsDelay, func(ctx context.Context) {
			s.safely(ctx, "contact info metadata", func(ctx context.Context) error {
				return s.updateContactMetadata(ctx, ev.MessageID)
			})
		})
	}
	return telephony.EmptyResponse()
}

// mergedRawMessage overlays the callback on what is already stored for the call.
func (s *Service) mergedRawMessage(ctx context.Context, req telephony.HangupRequest) map[string]string {
	legs, err := s.d.Calls.FindByMessageID(ctx, req.CallUUID)
	if err != nil {
		logger.From(ctx).Warn("loading stored raw message failed", "err", err)
	}
	var prev map[string]string
	if active, ok := calls.SelectActiveLeg(legs); ok {
		prev = active.Message.RawMessage
	}
	return telephony.MergeRawMessage(prev, req.Fields)
}

func (s *Service) handleAfterCall(ctx context.Context, ev hangupEvent) error {
	legs, err := s.d.Calls.FindByMessageID(ctx, ev.MessageID)
	if err != nil {
		return fmt.Errorf("loading call legs: %w", err)
	}
	if len(legs) > 0 {
		return s.performAfterCall(ctx, legs, ev)
	}

	ignore, reason, err := s.d.Ignore.ShouldIgnore(ctx, ev.From, ev.To)
	if err != nil {
		logger.From(ctx).Warn("ignore policy failed, retrying lookup anyway", "err", err)
	}
	if ignore {
		logger.From(ctx).Debug("ignoring unresolved call", "reason", reason, "from", ev.From, "to", ev.To)
		s.metrics.HangupOutcome(OutcomeIgnored)
		return nil
	}
	return s.scheduleRetry(ctx, ev)
}

// performAfterCall runs against the last leg of the call only. From here on
// the context logger carries the leg, so failures are logged here.
func (s *Service) performAfterCall(ctx context.Context, legs []calls.CallRecord, ev hangupEvent) error {
	active, _ := calls.SelectActiveLeg(legs)
	ctx = logger.WithAttrs(ctx, "comm_id", active.ID, "party_ids", active.Parties)
	if len(legs) > 1 {
		logger.From(ctx).Debug("multiple legs for call id, handling the last one", "comm_ids", calls.IDs(legs))
	}
	if err := s.afterCallOnLeg(ctx, active, ev); err != nil {
		s.fail(ctx, "after call operations", err)
	}
	return nil
}

func (s *Service) afterCallOnLeg(ctx context.Context, active calls.CallRecord, ev hangupEvent) error {
	log := logger.From(ctx)

	raw := telephony.MergeRawMessage(active.Message.RawMessage, ev.RawMessage)
	rec, err := s.d.Calls.UpdateByID(ctx, active.ID, calls.Delta{
		Message: calls.MessageDelta{RawMessage: raw},
	})
	if err != nil {
		return fmt.Errorf("saving raw message: %w", err)
	}

	if err := s.d.Activity.LogCallTerminated(ctx, rec); err != nil {
		log.Error("failed to log call termination", "err", err)
	}

	if ev.IsPhoneToPhone {
		s.notifyCallTerminated(ctx, rec, ev.MachineDetected)
	}

	s.d.Scheduler.Schedule(ctx, "hangup.call_details", s.cfg.CallDetailsDelay, func(ctx context.Context) {
		s.safely(ctx, "save call details", func(ctx context.Context) error {
			return s.saveCallDetails(ctx, rec)
		})
	})

	return s.dispose(ctx, rec)
}

// safely runs one top-level step, logging errors and panics with the call context.
func (s *Service) safely(ctx context.Context, step string, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.HangupOutcome(OutcomeFailed)
			logger.From(ctx).Error("hangup step panicked", "step", step, "panic", fmt.Sprint(r))
		}
	}()
	if err := fn(ctx); err != nil {
		s.fail(ctx, step, err)
	}
}

func (s *Service) fail(ctx context.Context, step string, err error) {
	s.metrics.HangupOutcome(OutcomeFailed)
	logger.From(ctx).Error("hangup step failed", "step", step, "err", err)
}

func (s *Service) updateContactMetadata(ctx context.Context, messageID string) error {
	legs, err := s.d.Calls.FindByMessageID(ctx, messageID)
	if err != nil {
		return fmt.Errorf("loading call legs: %w", err)
	}
	active, ok := calls.SelectActiveLeg(legs)
	if !ok {
		logger.From(ctx).Info("no call leg for contact metadata")
		return nil
	}
	ctx = logger.WithAttrs(ctx, "comm_id", active.ID, "party_ids", active.Parties)
	n, err := s.d.Contacts.UpdateLastCall(ctx, active)
	if err != nil {
		s.fail(ctx, "contact info metadata", err)
		return nil
	}
	logger.From(ctx).Debug("contact metadata updated", "contacts", n)
	return nil
}
