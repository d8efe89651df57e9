package events

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// Repository is append-only.
type Repository interface {
	Append(ctx context.Context, e PartyEvent) error
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (p *PostgresRepo) Append(ctx context.Context, e PartyEvent) error {
	const q = `
INSERT INTO party_events (id, tenant_id, party_id, user_id, comm_id, type, created_at)
VALUES ($1,$2,$3,NULLIF($4,''),$5,$6,$7)
`
	if _, err := p.db.ExecContext(ctx, q, e.ID, e.TenantID, e.PartyID, e.UserID, e.CommID, e.Type, e.CreatedAt); err != nil {
		return fmt.Errorf("inserting party event: %w", err)
	}
	return nil
}

type MemoryRepo struct {
	mu     sync.Mutex
	events []PartyEvent
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) Append(ctx context.Context, e PartyEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *MemoryRepo) Events() []PartyEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PartyEvent, len(r.events))
	copy(out, r.events)
	return out
}

// OfType filters Events by type.
func (r *MemoryRepo) OfType(t EventType) []PartyEvent {
	var out []PartyEvent
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
