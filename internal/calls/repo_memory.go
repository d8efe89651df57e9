package calls

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepo keeps call legs in insertion order. Useful for tests and local runs.
type MemoryRepo struct {
	mu      sync.Mutex
	records []CallRecord
	unread  map[string][]string
	clock   func() time.Time
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{unread: map[string][]string{}, clock: time.Now}
}

func (r *MemoryRepo) FindByMessageID(ctx context.Context, messageID string) ([]CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []CallRecord
	for _, rec := range r.records {
		if rec.MessageID == messageID && messageID != "" {
			out = append(out, clone(rec))
		}
	}
	return out, nil
}

func (r *MemoryRepo) GetByID(ctx context.Context, id string) (CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.ID == id {
			return clone(rec), nil
		}
	}
	return CallRecord{}, ErrNotFound
}

func (r *MemoryRepo) Create(ctx context.Context, rec CallRecord) (CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.clock().UTC()
	}
	r.records = append(r.records, clone(rec))
	return rec, nil
}

func (r *MemoryRepo) UpdateByID(ctx context.Context, id string, d Delta) (CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, rec := range r.records {
		if rec.ID == id {
			r.records[i] = rec.Apply(d)
			return clone(r.records[i]), nil
		}
	}
	return CallRecord{}, ErrNotFound
}

func (r *MemoryRepo) ClaimDisposition(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, rec := range r.records {
		if rec.ID != id {
			continue
		}
		if rec.Message.DispositionClaimed {
			return false, nil
		}
		r.records[i].Message.DispositionClaimed = true
		return true, nil
	}
	return false, nil
}

func (r *MemoryRepo) SaveUnread(ctx context.Context, partyID string, rec CallRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.unread[partyID] {
		if id == rec.ID {
			return nil
		}
	}
	r.unread[partyID] = append(r.unread[partyID], rec.ID)
	return nil
}

// Unread returns the communication ids flagged unread for partyID.
func (r *MemoryRepo) Unread(partyID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.unread[partyID]...)
}

func clone(rec CallRecord) CallRecord {
	rec.Parties = append([]string(nil), rec.Parties...)
	rec.Persons = append([]string(nil), rec.Persons...)
	if rec.Message.RawMessage != nil {
		raw := make(map[string]string, len(rec.Message.RawMessage))
		for k, v := range rec.Message.RawMessage {
			raw[k] = v
		}
		rec.Message.RawMessage = raw
	}
	if rec.Message.ReceiversEndpointsByUserID != nil {
		m := make(map[string][]string, len(rec.Message.ReceiversEndpointsByUserID))
		for k, v := range rec.Message.ReceiversEndpointsByUserID {
			m[k] = append([]string(nil), v...)
		}
		rec.Message.ReceiversEndpointsByUserID = m
	}
	return rec
}

// MemoryDetailsRepo merges details per comm id like the postgres upsert does.
type MemoryDetailsRepo struct {
	mu      sync.Mutex
	details map[string]CallDetails
	clock   func() time.Time
}

func NewMemoryDetailsRepo() *MemoryDetailsRepo {
	return &MemoryDetailsRepo{details: map[string]CallDetails{}, clock: time.Now}
}

func (r *MemoryDetailsRepo) Save(ctx context.Context, d CallDetails) (CallDetails, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.details[d.CommID]
	if !ok {
		cur = CallDetails{CommID: d.CommID, Details: map[string]any{}}
	}
	merged := make(map[string]any, len(cur.Details)+len(d.Details))
	for k, v := range cur.Details {
		merged[k] = v
	}
	for k, v := range d.Details {
		merged[k] = v
	}
	cur.Details = merged
	cur.UpdatedAt = r.clock().UTC()
	r.details[d.CommID] = cur
	return cur, nil
}

func (r *MemoryDetailsRepo) GetByCommID(ctx context.Context, commID string) (CallDetails, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.details[commID]
	if !ok {
		return CallDetails{}, ErrNotFound
	}
	return d, nil
}
