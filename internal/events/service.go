package events

import (
	"context"
	"errors"
	"time"

	"leasing-telephony/internal/calls"
	"leasing-telephony/internal/tenancy"

	"github.com/google/uuid"
)

var ErrInvalidEvent = errors.New("events: invalid event")

// Service records party timeline events and publishes client notifications.
type Service struct {
	repo  Repository
	pub   Publisher
	clock func() time.Time
}

func NewService(repo Repository, pub Publisher) *Service {
	return &Service{repo: repo, pub: pub, clock: time.Now}
}

// RecordCompleted appends a "communication completed" event for partyID, owned by userID.
func (s *Service) RecordCompleted(ctx context.Context, partyID, userID string, rec calls.CallRecord) error {
	return s.append(ctx, PartyEvent{
		PartyID: partyID,
		UserID:  userID,
		CommID:  rec.ID,
		Type:    EventTypeCommunicationCompleted,
	}, rec)
}

// RecordMissed appends a "missed call" event for partyID.
func (s *Service) RecordMissed(ctx context.Context, partyID string, rec calls.CallRecord) error {
	return s.append(ctx, PartyEvent{
		PartyID: partyID,
		UserID:  rec.UserID,
		CommID:  rec.ID,
		Type:    EventTypeMissedCall,
	}, rec)
}

func (s *Service) append(ctx context.Context, e PartyEvent, rec calls.CallRecord) error {
	if e.PartyID == "" || e.CommID == "" {
		return ErrInvalidEvent
	}
	e.ID = uuid.NewString()
	e.TenantID = rec.TenantID
	if e.TenantID == "" {
		e.TenantID = tenancy.TenantID(ctx)
	}
	e.CreatedAt = s.clock().UTC()
	return s.repo.Append(ctx, e)
}

// NotifyCommunicationUpdate tells clients watching the leg's parties that it changed.
func (s *Service) NotifyCommunicationUpdate(ctx context.Context, rec calls.CallRecord) error {
	return s.Notify(ctx, CommunicationUpdated, map[string]any{
		"commId":  rec.ID,
		"parties": rec.Parties,
	}, Routing{})
}

// Notify publishes a generic notification.
func (s *Service) Notify(ctx context.Context, event string, data any, r Routing) error {
	if s.pub == nil {
		return nil
	}
	return s.pub.Publish(ctx, Notification{
		TenantID: tenancy.TenantID(ctx),
		Event:    event,
		Data:     data,
		Routing:  r,
		SentAt:   s.clock().UTC(),
	})
}
