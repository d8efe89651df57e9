package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"leasing-telephony/internal/calls"
	"leasing-telephony/internal/tenancy"

	"github.com/google/uuid"
)

// Repository is the persistence contract for activity events. Append-only.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service writes the party activity log. Callers treat failures as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.TenantID == "" {
		e.TenantID = tenancy.TenantID(ctx)
	}
	if e.PartyID == "" {
		return ErrInvalidEvent
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// LogCallTerminated records that the leg ended, once per associated party.
// Legs that were transferred away are logged by the transfer itself.
func (s *Service) LogCallTerminated(ctx context.Context, rec calls.CallRecord) error {
	if rec.Message.TransferredToNumber != "" && rec.Message.Answered {
		return nil
	}
	status := TerminationCleared
	if rec.Message.IsMissed && rec.Direction == calls.DirectionIn {
		status = TerminationMissed
	}

	meta, err := json.Marshal(map[string]any{
		"commAgent":   rec.UserID,
		"hangupCause": rec.Message.RawMessage["HangupCause"],
		"direction":   rec.Direction,
	})
	if err != nil {
		return err
	}

	var errs []error
	for _, partyID := range rec.Parties {
		errs = append(errs, s.Append(ctx, Event{
			TenantID:    rec.TenantID,
			Type:        EventTypeCallTerminated,
			ActorUserID: rec.UserID,
			PartyID:     partyID,
			CommID:      rec.ID,
			Status:      status,
			Metadata:    string(meta),
		}))
	}
	return errors.Join(errs...)
}
