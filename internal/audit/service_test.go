package audit

import (
	"context"
	"testing"

	"leasing-telephony/internal/calls"
)

func TestService_AppendRequiresPartyAndType(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.Append(context.Background(), Event{Type: EventTypeCallTerminated}); err == nil {
		t.Fatalf("expected error")
	}
	if err := svc.Append(context.Background(), Event{PartyID: "p"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestService_LogCallTerminatedPerParty(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	rec := calls.CallRecord{
		ID:        "c1",
		TenantID:  "t1",
		Direction: calls.DirectionIn,
		UserID:    "agent",
		Parties:   []string{"p1", "p2"},
		Message:   calls.CallMessage{IsMissed: true, RawMessage: map[string]string{"HangupCause": "busy"}},
	}
	if err := svc.LogCallTerminated(context.Background(), rec); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	evs := repo.Events()
	if len(evs) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evs))
	}
	if evs[0].Status != TerminationMissed || evs[0].CommID != "c1" || evs[0].TenantID != "t1" {
		t.Fatalf("unexpected event %+v", evs[0])
	}
	if evs[1].PartyID != "p2" {
		t.Fatalf("expected second party, got %q", evs[1].PartyID)
	}
}

func TestService_LogCallTerminatedSkipsAnsweredTransfer(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)
	rec := calls.CallRecord{ID: "c1", Parties: []string{"p1"}, Message: calls.CallMessage{TransferredToNumber: "555", Answered: true}}
	if err := svc.LogCallTerminated(context.Background(), rec); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(repo.Events()) != 0 {
		t.Fatalf("expected no events for answered transfer")
	}
}
