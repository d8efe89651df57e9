package party

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"leasing-telephony/internal/tenancy"
	"leasing-telephony/pkg/logger"
)

var ErrNotFound = errors.New("party: not found")

// Party is the subset of a prospect/resident party this service reads and writes.
type Party struct {
	ID       string `json:"id" db:"id"`
	TenantID string `json:"tenant_id" db:"tenant_id"`
	// UserID is the owning agent. Empty means unassigned.
	UserID string `json:"user_id,omitempty" db:"user_id"`
	TeamID string `json:"team_id,omitempty" db:"team_id"`
}

type Repository interface {
	GetByID(ctx context.Context, id string) (Party, error)
	// AssignOwnerIfUnset sets the owner only when the party has none and
	// returns the owner after the update.
	AssignOwnerIfUnset(ctx context.Context, id, userID string) (string, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

// AssignOwnerAfterCall makes sure a party that just had a call has an owner.
// An existing owner always wins over candidateUserID.
func (s *Service) AssignOwnerAfterCall(ctx context.Context, partyID, candidateUserID string) (string, error) {
	if partyID == "" {
		return "", ErrNotFound
	}
	if candidateUserID == "" {
		p, err := s.repo.GetByID(ctx, partyID)
		if err != nil {
			return "", err
		}
		return p.UserID, nil
	}
	owner, err := s.repo.AssignOwnerIfUnset(ctx, partyID, candidateUserID)
	if err != nil {
		return "", err
	}
	if owner == candidateUserID {
		logger.From(ctx).Debug("party owner after call", "party_id", partyID, "user_id", owner)
	}
	return owner, nil
}

// Owner returns the party's current owner.
func (s *Service) Owner(ctx context.Context, partyID string) (string, error) {
	p, err := s.repo.GetByID(ctx, partyID)
	if err != nil {
		return "", err
	}
	return p.UserID, nil
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (p *PostgresRepo) GetByID(ctx context.Context, id string) (Party, error) {
	const q = `
SELECT id, tenant_id, COALESCE(user_id, ''), COALESCE(team_id, '')
FROM parties
WHERE id = $1 AND ($2 = '' OR tenant_id = $2)
`
	var out Party
	err := p.db.QueryRowContext(ctx, q, id, tenancy.TenantID(ctx)).Scan(&out.ID, &out.TenantID, &out.UserID, &out.TeamID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Party{}, ErrNotFound
		}
		return Party{}, fmt.Errorf("loading party: %w", err)
	}
	return out, nil
}

func (p *PostgresRepo) AssignOwnerIfUnset(ctx context.Context, id, userID string) (string, error) {
	const q = `
UPDATE parties
SET user_id = COALESCE(user_id, $2)
WHERE id = $1 AND ($3 = '' OR tenant_id = $3)
RETURNING COALESCE(user_id, '')
`
	var owner string
	if err := p.db.QueryRowContext(ctx, q, id, userID, tenancy.TenantID(ctx)).Scan(&owner); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("assigning party owner: %w", err)
	}
	return owner, nil
}

type MemoryRepo struct {
	mu      sync.Mutex
	parties map[string]Party
}

func NewMemoryRepo(parties ...Party) *MemoryRepo {
	r := &MemoryRepo{parties: map[string]Party{}}
	for _, p := range parties {
		r.parties[p.ID] = p
	}
	return r
}

func (r *MemoryRepo) GetByID(ctx context.Context, id string) (Party, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.parties[id]
	if !ok {
		return Party{}, ErrNotFound
	}
	return p, nil
}

func (r *MemoryRepo) AssignOwnerIfUnset(ctx context.Context, id, userID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.parties[id]
	if !ok {
		return "", ErrNotFound
	}
	if p.UserID == "" {
		p.UserID = userID
		r.parties[id] = p
	}
	return p.UserID, nil
}
