package availability

import (
	"context"
	"testing"

	"leasing-telephony/internal/events"
)

func TestTracker_MarkUsersAvailableIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	pub := events.NewMemoryPublisher()
	tr := NewTracker(store, events.NewService(events.NewMemoryRepo(), pub))

	_ = tr.MarkUserBusy(ctx, "u1")
	_ = tr.MarkUserBusy(ctx, "u2")

	if err := tr.MarkUsersAvailable(ctx, []string{"u1", "u2", "u1", ""}); err != nil {
		t.Fatalf("mark: %v", err)
	}
	writes := store.Writes()
	if err := tr.MarkUsersAvailable(ctx, []string{"u1", "u2"}); err != nil {
		t.Fatalf("mark again: %v", err)
	}
	if store.Writes() != writes {
		t.Fatalf("second call changed state")
	}

	got := pub.Named(events.UserAvailabilityChanged)
	// two busy announcements and one available announcement
	if len(got) != 3 {
		t.Fatalf("expected 3 notifications, got %d", len(got))
	}
	if users := got[2].Routing.Users; len(users) != 2 {
		t.Fatalf("expected both users announced once, got %v", users)
	}
}

func TestTracker_DoesNotTouchOtherUsers(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	tr := NewTracker(store, nil)

	_ = tr.MarkUserBusy(ctx, "other")
	_ = tr.MarkUsersAvailable(ctx, []string{"u1"})

	s, _ := tr.Status(ctx, "other")
	if s != StatusBusy {
		t.Fatalf("expected other to stay busy, got %s", s)
	}
}

func TestTracker_UnknownUserIsAvailable(t *testing.T) {
	tr := NewTracker(NewMemoryStore(), nil)
	s, err := tr.Status(context.Background(), "ghost")
	if err != nil || s != StatusAvailable {
		t.Fatalf("expected available, got %s %v", s, err)
	}
}

func TestSetStatusScriptCompiles(t *testing.T) {
	if setStatusScript == nil {
		t.Fatalf("expected script to be initialized")
	}
}
