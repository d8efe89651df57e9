package party

import (
	"context"
	"errors"
	"testing"
)

func TestAssignOwnerAfterCall_SetsOwnerWhenUnassigned(t *testing.T) {
	svc := NewService(NewMemoryRepo(Party{ID: "p1"}))
	owner, err := svc.AssignOwnerAfterCall(context.Background(), "p1", "u1")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if owner != "u1" {
		t.Fatalf("expected u1, got %q", owner)
	}
}

func TestAssignOwnerAfterCall_KeepsExistingOwner(t *testing.T) {
	svc := NewService(NewMemoryRepo(Party{ID: "p1", UserID: "boss"}))
	owner, err := svc.AssignOwnerAfterCall(context.Background(), "p1", "u1")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if owner != "boss" {
		t.Fatalf("expected existing owner, got %q", owner)
	}
}

func TestAssignOwnerAfterCall_NoCandidateReturnsCurrent(t *testing.T) {
	svc := NewService(NewMemoryRepo(Party{ID: "p1"}))
	owner, err := svc.AssignOwnerAfterCall(context.Background(), "p1", "")
	if err != nil || owner != "" {
		t.Fatalf("expected empty owner, got %q %v", owner, err)
	}
}

func TestAssignOwnerAfterCall_UnknownParty(t *testing.T) {
	svc := NewService(NewMemoryRepo())
	if _, err := svc.AssignOwnerAfterCall(context.Background(), "nope", "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
