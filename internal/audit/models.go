package audit

import "time"

// Event is an immutable, append-only party activity record.
//
// Invariants:
// - Events are never updated or deleted.
// - tenant_id and party_id are required.
// - Activity logging is best-effort; do not block call handling on audit failures.
//
// Storage recommendation (Postgres):
// - Table party_activity with an INSERT-only policy.
// - Optional: partition by time for retention.

type Event struct {
	ID       string `json:"id" db:"id"`
	TenantID string `json:"tenant_id" db:"tenant_id"`

	// Type indicates the business category of the activity.
	Type EventType `json:"type" db:"type"`

	// ActorUserID is the agent handling the call, when known.
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`

	PartyID string `json:"party_id" db:"party_id"`
	CommID  string `json:"comm_id,omitempty" db:"comm_id"`

	// Status summarizes the outcome, e.g. cleared or missed.
	Status TerminationStatus `json:"status,omitempty" db:"status"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeCallTerminated EventType = "call_terminated"
)

type TerminationStatus string

const (
	TerminationCleared TerminationStatus = "cleared"
	TerminationMissed  TerminationStatus = "missed"
)
