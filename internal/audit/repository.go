package audit

import (
	"context"
	"database/sql"
	"fmt"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (p *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO party_activity (
  id, tenant_id, type, actor_user_id, party_id, comm_id, status, metadata, created_at
) VALUES (
  $1,$2,$3,NULLIF($4,''),$5,NULLIF($6,''),NULLIF($7,''),NULLIF($8,'')::jsonb,$9
)
`
	if _, err := p.db.ExecContext(ctx, q,
		e.ID,
		e.TenantID,
		e.Type,
		e.ActorUserID,
		e.PartyID,
		e.CommID,
		e.Status,
		e.Metadata,
		e.CreatedAt,
	); err != nil {
		return fmt.Errorf("inserting party activity: %w", err)
	}
	return nil
}
