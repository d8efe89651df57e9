package hangup

import (
	"context"
	"errors"
	"time"

	"leasing-telephony/internal/calls"
	"leasing-telephony/internal/events"
	"leasing-telephony/internal/routing"
	"leasing-telephony/internal/scheduler"
	"leasing-telephony/internal/telephony"
)

// Collaborators are declared where they are consumed. Each maps onto one
// concrete service in this module; tests swap in memory implementations.

type CallStore interface {
	FindByMessageID(ctx context.Context, messageID string) ([]calls.CallRecord, error)
	UpdateByID(ctx context.Context, id string, d calls.Delta) (calls.CallRecord, error)
}

// CommUpdater persists a delta together with unread bookkeeping and the client notification.
type CommUpdater interface {
	Update(ctx context.Context, id string, d calls.Delta) (calls.CallRecord, error)
	MarkMissed(ctx context.Context, id string, reason calls.MissedCallReason) (calls.CallRecord, error)
}

type DetailsStore interface {
	Save(ctx context.Context, d calls.CallDetails) (calls.CallDetails, error)
}

type DetailFetcher interface {
	GetCallDetails(ctx context.Context, callID string) (telephony.CallDetails, error)
}

type AvailabilityTracker interface {
	MarkUsersAvailable(ctx context.Context, userIDs []string) error
}

type QueueHandler interface {
	HandleHangup(ctx context.Context, commID string) error
}

type PartyOwners interface {
	AssignOwnerAfterCall(ctx context.Context, partyID, candidateUserID string) (string, error)
	Owner(ctx context.Context, partyID string) (string, error)
}

type PartyEvents interface {
	RecordCompleted(ctx context.Context, partyID, userID string, rec calls.CallRecord) error
	RecordMissed(ctx context.Context, partyID string, rec calls.CallRecord) error
	Notify(ctx context.Context, event string, data any, r events.Routing) error
}

type ActivityLog interface {
	LogCallTerminated(ctx context.Context, rec calls.CallRecord) error
}

type IgnorePolicy interface {
	ShouldIgnore(ctx context.Context, from, to string) (bool, routing.Reason, error)
}

type ContactUpdater interface {
	UpdateLastCall(ctx context.Context, rec calls.CallRecord) (int, error)
}

// Recorder receives hangup outcomes for metrics.
type Recorder interface {
	HangupOutcome(outcome string)
	CallDetailsResult(result string)
}

// Deps wires the orchestrator. Pending, Guard, Contacts and Metrics are optional.
type Deps struct {
	Calls        CallStore
	Updater      CommUpdater
	Details      DetailsStore
	Provider     DetailFetcher
	Availability AvailabilityTracker
	Queue        QueueHandler
	Parties      PartyOwners
	Events       PartyEvents
	Activity     ActivityLog
	Ignore       IgnorePolicy
	Scheduler    scheduler.Scheduler

	// Pending makes the not-found retry durable. Without it the retry lives
	// only in the scheduler.
	Pending scheduler.PendingStore
	// Guard is consulted before disposition when Config.StrictDisposition is set.
	Guard    DispositionGuard
	Contacts ContactUpdater
	Metrics  Recorder

	Clock func() time.Time
}

func (d Deps) validate(cfg Config) error {
	var errs []error
	for _, dep := range []struct {
		name string
		ok   bool
	}{
		{"calls", d.Calls != nil},
		{"updater", d.Updater != nil},
		{"details", d.Details != nil},
		{"provider", d.Provider != nil},
		{"availability", d.Availability != nil},
		{"queue", d.Queue != nil},
		{"parties", d.Parties != nil},
		{"events", d.Events != nil},
		{"activity", d.Activity != nil},
		{"ignore", d.Ignore != nil},
		{"scheduler", d.Scheduler != nil},
	} {
		if !dep.ok {
			errs = append(errs, errors.New("hangup: missing dependency "+dep.name))
		}
	}
	if cfg.StrictDisposition && d.Guard == nil {
		errs = append(errs, errors.New("hangup: strict disposition requires a guard"))
	}
	return errors.Join(errs...)
}

type noopRecorder struct{}

func (noopRecorder) HangupOutcome(string)     {}
func (noopRecorder) CallDetailsResult(string) {}
