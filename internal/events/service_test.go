package events

import (
	"context"
	"testing"

	"leasing-telephony/internal/calls"
	"leasing-telephony/internal/tenancy"
)

func TestService_RecordCompletedRequiresPartyAndComm(t *testing.T) {
	svc := NewService(NewMemoryRepo(), nil)
	if err := svc.RecordCompleted(context.Background(), "", "u1", calls.CallRecord{ID: "c1"}); err != ErrInvalidEvent {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
	if err := svc.RecordMissed(context.Background(), "p1", calls.CallRecord{}); err != ErrInvalidEvent {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestService_RecordsEventsWithTenant(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo, nil)
	ctx := tenancy.WithTenant(context.Background(), "t1")

	rec := calls.CallRecord{ID: "c1", UserID: "agent"}
	if err := svc.RecordCompleted(ctx, "p1", "owner", rec); err != nil {
		t.Fatalf("completed: %v", err)
	}
	if err := svc.RecordMissed(ctx, "p1", rec); err != nil {
		t.Fatalf("missed: %v", err)
	}

	evs := repo.Events()
	if len(evs) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evs))
	}
	if evs[0].Type != EventTypeCommunicationCompleted || evs[0].UserID != "owner" {
		t.Fatalf("unexpected completed event %+v", evs[0])
	}
	if evs[1].Type != EventTypeMissedCall || evs[1].UserID != "agent" {
		t.Fatalf("unexpected missed event %+v", evs[1])
	}
	if evs[0].TenantID != "t1" || evs[0].ID == "" {
		t.Fatalf("expected tenant and id to be filled: %+v", evs[0])
	}
}

func TestService_NotifyPublishesEnvelope(t *testing.T) {
	pub := NewMemoryPublisher()
	svc := NewService(NewMemoryRepo(), pub)
	ctx := tenancy.WithTenant(context.Background(), "t1")

	if err := svc.NotifyCommunicationUpdate(ctx, calls.CallRecord{ID: "c1", Parties: []string{"p1"}}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if err := svc.Notify(ctx, CallTerminated, map[string]any{"commId": "c1"}, Routing{Users: []string{"u1"}}); err != nil {
		t.Fatalf("notify: %v", err)
	}

	if got := pub.Named(CommunicationUpdated); len(got) != 1 || got[0].TenantID != "t1" {
		t.Fatalf("unexpected communication notifications %+v", got)
	}
	term := pub.Named(CallTerminated)
	if len(term) != 1 || len(term[0].Routing.Users) != 1 || term[0].Routing.Users[0] != "u1" {
		t.Fatalf("unexpected terminated notifications %+v", term)
	}
}

func TestChannel_DefaultsTenant(t *testing.T) {
	if Channel("") != "telephony:notifications:default" {
		t.Fatalf("unexpected channel %q", Channel(""))
	}
}
