package calls

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"leasing-telephony/internal/tenancy"
	"leasing-telephony/pkg/utils"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("calls: not found")

// Repository is the persistence contract for call legs.
// FindByMessageID returns legs in insertion order.
type Repository interface {
	FindByMessageID(ctx context.Context, messageID string) ([]CallRecord, error)
	GetByID(ctx context.Context, id string) (CallRecord, error)
	Create(ctx context.Context, r CallRecord) (CallRecord, error)
	UpdateByID(ctx context.Context, id string, d Delta) (CallRecord, error)

	// ClaimDisposition flags the leg as disposed if no one did so before.
	// It returns true only for the caller that flipped the flag.
	ClaimDisposition(ctx context.Context, id string) (bool, error)

	// SaveUnread records that partyID has an unread communication.
	SaveUnread(ctx context.Context, partyID string, r CallRecord) error
}

// DetailsRepository persists CallDetails with merge-on-conflict semantics.
type DetailsRepository interface {
	Save(ctx context.Context, d CallDetails) (CallDetails, error)
	GetByCommID(ctx context.Context, commID string) (CallDetails, error)
}

// NOTE: the postgres repositories assume these tables:
// - communications (id, tenant_id, message_id, direction, user_id, party_owner,
//   parties jsonb, persons jsonb, message jsonb, unread, created_at, seq bigserial)
// - unread_communications (tenant_id, party_id, communication_id) UNIQUE (party_id, communication_id)
// - call_details (comm_id PRIMARY KEY, details jsonb, updated_at)

type PostgresRepo struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db, clock: time.Now}
}

const selectCommColumns = `
SELECT id, tenant_id, message_id, direction, user_id, party_owner, parties, persons, message, unread, created_at
FROM communications
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(s rowScanner) (CallRecord, error) {
	var (
		r                       CallRecord
		userID, partyOwner      sql.NullString
		parties, persons, msgJS []byte
	)
	if err := s.Scan(
		&r.ID,
		&r.TenantID,
		&r.MessageID,
		&r.Direction,
		&userID,
		&partyOwner,
		&parties,
		&persons,
		&msgJS,
		&r.Unread,
		&r.CreatedAt,
	); err != nil {
		return CallRecord{}, err
	}
	r.UserID = userID.String
	r.PartyOwner = partyOwner.String
	if err := unmarshalIfAny(parties, &r.Parties); err != nil {
		return CallRecord{}, fmt.Errorf("decoding parties: %w", err)
	}
	if err := unmarshalIfAny(persons, &r.Persons); err != nil {
		return CallRecord{}, fmt.Errorf("decoding persons: %w", err)
	}
	if err := unmarshalIfAny(msgJS, &r.Message); err != nil {
		return CallRecord{}, fmt.Errorf("decoding message: %w", err)
	}
	return r, nil
}

func unmarshalIfAny(b []byte, v any) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, v)
}

func (p *PostgresRepo) FindByMessageID(ctx context.Context, messageID string) ([]CallRecord, error) {
	if messageID == "" {
		return nil, nil
	}
	q := selectCommColumns + `WHERE message_id = $1 AND ($2 = '' OR tenant_id = $2) ORDER BY seq ASC`
	rows, err := p.db.QueryContext(ctx, q, messageID, tenancy.TenantID(ctx))
	if err != nil {
		return nil, fmt.Errorf("querying communications by message id: %w", err)
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresRepo) GetByID(ctx context.Context, id string) (CallRecord, error) {
	q := selectCommColumns + `WHERE id = $1 AND ($2 = '' OR tenant_id = $2)`
	r, err := scanRecord(p.db.QueryRowContext(ctx, q, id, tenancy.TenantID(ctx)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CallRecord{}, ErrNotFound
		}
		return CallRecord{}, fmt.Errorf("loading communication: %w", err)
	}
	return r, nil
}

func (p *PostgresRepo) Create(ctx context.Context, r CallRecord) (CallRecord, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.TenantID == "" {
		r.TenantID = tenancy.TenantID(ctx)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = p.clock().UTC()
	}
	parties, err := json.Marshal(nonNil(r.Parties))
	if err != nil {
		return CallRecord{}, err
	}
	persons, err := json.Marshal(nonNil(r.Persons))
	if err != nil {
		return CallRecord{}, err
	}
	msg, err := json.Marshal(r.Message)
	if err != nil {
		return CallRecord{}, err
	}

	const q = `
INSERT INTO communications (
  id, tenant_id, message_id, direction, user_id, party_owner, parties, persons, message, unread, created_at
) VALUES (
  $1,$2,$3,$4,NULLIF($5,''),NULLIF($6,''),$7,$8,$9,$10,$11
)
`
	if _, err := p.db.ExecContext(ctx, q,
		r.ID,
		r.TenantID,
		r.MessageID,
		r.Direction,
		r.UserID,
		r.PartyOwner,
		parties,
		persons,
		msg,
		r.Unread,
		r.CreatedAt,
	); err != nil {
		return CallRecord{}, fmt.Errorf("inserting communication: %w", err)
	}
	return r, nil
}

func (p *PostgresRepo) UpdateByID(ctx context.Context, id string, d Delta) (CallRecord, error) {
	patch, err := json.Marshal(d.Message.patch())
	if err != nil {
		return CallRecord{}, err
	}
	var unread sql.NullBool
	if d.Unread != nil {
		unread = sql.NullBool{Bool: *d.Unread, Valid: true}
	}

	// Shallow jsonb merge: keys in the patch replace stored keys, the rest survive.
	const q = `
UPDATE communications
SET message = COALESCE(message, '{}'::jsonb) || $2::jsonb,
    unread = COALESCE($3, unread)
WHERE id = $1
RETURNING id, tenant_id, message_id, direction, user_id, party_owner, parties, persons, message, unread, created_at
`
	r, err := scanRecord(p.db.QueryRowContext(ctx, q, id, patch, unread))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CallRecord{}, ErrNotFound
		}
		return CallRecord{}, fmt.Errorf("updating communication: %w", err)
	}
	return r, nil
}

func (p *PostgresRepo) ClaimDisposition(ctx context.Context, id string) (bool, error) {
	const q = `
UPDATE communications
SET message = COALESCE(message, '{}'::jsonb) || '{"dispositionClaimed": true}'::jsonb
WHERE id = $1 AND COALESCE((message->>'dispositionClaimed')::boolean, false) = false
RETURNING id
`
	var got string
	if err := p.db.QueryRowContext(ctx, q, id).Scan(&got); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("claiming disposition: %w", err)
	}
	return true, nil
}

func (p *PostgresRepo) SaveUnread(ctx context.Context, partyID string, r CallRecord) error {
	const q = `
INSERT INTO unread_communications (tenant_id, party_id, communication_id, created_at)
VALUES ($1,$2,$3,$4)
`
	if _, err := p.db.ExecContext(ctx, q, r.TenantID, partyID, r.ID, p.clock().UTC()); err != nil {
		if utils.IsUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("saving unread communication: %w", err)
	}
	return nil
}

type PostgresDetailsRepo struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresDetailsRepo(db *sql.DB) *PostgresDetailsRepo {
	return &PostgresDetailsRepo{db: db, clock: time.Now}
}

func (p *PostgresDetailsRepo) Save(ctx context.Context, d CallDetails) (CallDetails, error) {
	if d.CommID == "" {
		return CallDetails{}, errors.New("calls: comm_id required")
	}
	details, err := json.Marshal(d.Details)
	if err != nil {
		return CallDetails{}, err
	}

	const q = `
INSERT INTO call_details (comm_id, details, updated_at)
VALUES ($1,$2,$3)
ON CONFLICT (comm_id)
DO UPDATE SET details = call_details.details || EXCLUDED.details,
              updated_at = EXCLUDED.updated_at
RETURNING comm_id, details, updated_at
`
	return scanDetails(p.db.QueryRowContext(ctx, q, d.CommID, details, p.clock().UTC()))
}

func (p *PostgresDetailsRepo) GetByCommID(ctx context.Context, commID string) (CallDetails, error) {
	const q = `SELECT comm_id, details, updated_at FROM call_details WHERE comm_id = $1`
	out, err := scanDetails(p.db.QueryRowContext(ctx, q, commID))
	if errors.Is(err, sql.ErrNoRows) {
		return CallDetails{}, ErrNotFound
	}
	return out, err
}

func scanDetails(s rowScanner) (CallDetails, error) {
	var (
		out CallDetails
		raw []byte
	)
	if err := s.Scan(&out.CommID, &raw, &out.UpdatedAt); err != nil {
		return CallDetails{}, err
	}
	if err := unmarshalIfAny(raw, &out.Details); err != nil {
		return CallDetails{}, fmt.Errorf("decoding call details: %w", err)
	}
	return out, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
