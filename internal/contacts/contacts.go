package contacts

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"leasing-telephony/internal/calls"
	"leasing-telephony/internal/tenancy"
	"leasing-telephony/pkg/logger"
	"leasing-telephony/pkg/utils"
)

// ContactInfo is a phone or email attached to a person.
type ContactInfo struct {
	ID       string         `json:"id" db:"id"`
	PersonID string         `json:"person_id" db:"person_id"`
	Type     string         `json:"type" db:"type"`
	Value    string         `json:"value" db:"value"`
	Metadata map[string]any `json:"metadata,omitempty" db:"metadata"`
}

type LastCallStatus string

const (
	LastCallOutgoing          LastCallStatus = "OUTGOING"
	LastCallCallbackRequested LastCallStatus = "CALLBACK_REQUESTED"
	LastCallMissed            LastCallStatus = "MISSED"
	LastCallIncoming          LastCallStatus = "INCOMING"
)

// LastCallStatusOf classifies a leg for contact metadata.
func LastCallStatusOf(rec calls.CallRecord) LastCallStatus {
	switch {
	case rec.Direction == calls.DirectionOut:
		return LastCallOutgoing
	case rec.Message.IsCallbackRequested:
		return LastCallCallbackRequested
	case rec.Message.IsMissed:
		return LastCallMissed
	default:
		return LastCallIncoming
	}
}

// CounterpartPhone is the external party's number: the caller for inbound
// legs, the callee for outbound ones.
func CounterpartPhone(rec calls.CallRecord) string {
	raw := rec.Message.RawMessage
	if rec.Direction == calls.DirectionIn {
		if v := raw["From"]; v != "" {
			return v
		}
		return rec.Message.From
	}
	if v := raw["To"]; v != "" {
		return v
	}
	return rec.Message.ToNumber
}

type Repository interface {
	ListByPhone(ctx context.Context, phone string) ([]ContactInfo, error)
	// MergeMetadata applies patch to every listed contact info, all or none.
	MergeMetadata(ctx context.Context, ids []string, patch map[string]any) error
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

// UpdateLastCall stamps lastCall and lastCallDate on the counterpart's
// contact infos that belong to one of the leg's persons.
func (s *Service) UpdateLastCall(ctx context.Context, rec calls.CallRecord) (int, error) {
	phone := CounterpartPhone(rec)
	if phone == "" {
		return 0, nil
	}
	infos, err := s.repo.ListByPhone(ctx, phone)
	if err != nil {
		return 0, err
	}

	persons := make(map[string]struct{}, len(rec.Persons))
	for _, p := range rec.Persons {
		persons[p] = struct{}{}
	}
	patch := map[string]any{
		"lastCall":     LastCallStatusOf(rec),
		"lastCallDate": rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	}

	var ids []string
	for _, ci := range infos {
		if _, ok := persons[ci.PersonID]; ok {
			ids = append(ids, ci.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := s.repo.MergeMetadata(ctx, ids, patch); err != nil {
		return 0, err
	}
	logger.From(ctx).Debug("contact last call updated", "contact_infos", len(ids))
	return len(ids), nil
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (p *PostgresRepo) ListByPhone(ctx context.Context, phone string) ([]ContactInfo, error) {
	const q = `
SELECT id, person_id, type, value, metadata
FROM contact_infos
WHERE type = 'phone' AND value = $1 AND ($2 = '' OR tenant_id = $2)
`
	rows, err := p.db.QueryContext(ctx, q, phone, tenancy.TenantID(ctx))
	if err != nil {
		return nil, fmt.Errorf("querying contact infos: %w", err)
	}
	defer rows.Close()

	var out []ContactInfo
	for rows.Next() {
		var (
			ci   ContactInfo
			meta []byte
		)
		if err := rows.Scan(&ci.ID, &ci.PersonID, &ci.Type, &ci.Value, &meta); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &ci.Metadata); err != nil {
				return nil, fmt.Errorf("decoding contact metadata: %w", err)
			}
		}
		out = append(out, ci)
	}
	return out, rows.Err()
}

func (p *PostgresRepo) MergeMetadata(ctx context.Context, ids []string, patch map[string]any) error {
	b, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	const q = `UPDATE contact_infos SET metadata = COALESCE(metadata, '{}'::jsonb) || $2::jsonb WHERE id = $1`
	return utils.WithTx(ctx, p.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, q, id, b); err != nil {
				return fmt.Errorf("updating contact metadata %s: %w", id, err)
			}
		}
		return nil
	})
}

type MemoryRepo struct {
	mu    sync.Mutex
	infos []ContactInfo
}

func NewMemoryRepo(infos ...ContactInfo) *MemoryRepo {
	return &MemoryRepo{infos: infos}
}

func (r *MemoryRepo) ListByPhone(ctx context.Context, phone string) ([]ContactInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ContactInfo
	for _, ci := range r.infos {
		if ci.Value == phone {
			out = append(out, ci)
		}
	}
	return out, nil
}

func (r *MemoryRepo) MergeMetadata(ctx context.Context, ids []string, patch map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	for i, ci := range r.infos {
		if _, ok := want[ci.ID]; !ok {
			continue
		}
		meta := map[string]any{}
		for k, v := range ci.Metadata {
			meta[k] = v
		}
		for k, v := range patch {
			meta[k] = v
		}
		r.infos[i].Metadata = meta
	}
	return nil
}

func (r *MemoryRepo) Get(id string) (ContactInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ci := range r.infos {
		if ci.ID == id {
			return ci, true
		}
	}
	return ContactInfo{}, false
}
