package events

import "time"

// PartyEvent is an append-only entry in a party's timeline.
type PartyEvent struct {
	ID       string    `json:"id" db:"id"`
	TenantID string    `json:"tenant_id" db:"tenant_id"`
	PartyID  string    `json:"party_id" db:"party_id"`
	UserID   string    `json:"user_id,omitempty" db:"user_id"`
	CommID   string    `json:"comm_id" db:"comm_id"`
	Type     EventType `json:"type" db:"type"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeCommunicationCompleted EventType = "communication_completed"
	EventTypeMissedCall             EventType = "missed_call"
)

// Notification names published to connected clients.
const (
	CommunicationUpdated    = "communication_updated"
	CallTerminated          = "call_terminated"
	UserAvailabilityChanged = "user_availability_changed"
	CallQueueChanged        = "call_queue_changed"
)

// Routing scopes a notification. Empty routing reaches the whole tenant.
type Routing struct {
	Users []string `json:"users,omitempty"`
	Teams []string `json:"teams,omitempty"`
}

// Notification is the wire envelope for pub/sub delivery.
type Notification struct {
	TenantID string    `json:"tenant_id,omitempty"`
	Event    string    `json:"event"`
	Data     any       `json:"data,omitempty"`
	Routing  Routing   `json:"routing"`
	SentAt   time.Time `json:"sent_at"`
}
