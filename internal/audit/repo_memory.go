package audit

import (
	"context"
	"sync"
)

// MemoryRepo keeps activity in process, grouped by party. Test and local use only.
type MemoryRepo struct {
	mu      sync.Mutex
	ordered []Event
	byParty map[string][]int
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{byParty: map[string][]int{}} }

func (r *MemoryRepo) Append(ctx context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byParty[e.PartyID] = append(r.byParty[e.PartyID], len(r.ordered))
	r.ordered = append(r.ordered, e)
	return nil
}

// Events returns every appended event in order.
func (r *MemoryRepo) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.ordered...)
}

// ForParty returns the activity of one party in order.
func (r *MemoryRepo) ForParty(partyID string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.byParty[partyID]
	out := make([]Event, 0, len(idx))
	for _, i := range idx {
		out = append(out, r.ordered[i])
	}
	return out
}
