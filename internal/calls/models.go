package calls

import (
	"time"
)

// CallRecord is one leg of a phone call, stored as a communication entry.
//
// MessageID is the provider call identifier. It is not unique: every leg of a
// transfer chain shares the MessageID of the original call.
// Parties only grows during the life of a call.
type CallRecord struct {
	ID        string    `json:"id" db:"id"`
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	MessageID string    `json:"message_id" db:"message_id"`
	Direction Direction `json:"direction" db:"direction"`

	// UserID is the agent handling the leg; empty until an owner is known.
	UserID     string `json:"user_id,omitempty" db:"user_id"`
	PartyOwner string `json:"party_owner,omitempty" db:"party_owner"`

	Parties []string `json:"parties" db:"parties"`
	Persons []string `json:"persons" db:"persons"`

	Message CallMessage `json:"message" db:"message"`
	Unread  bool        `json:"unread" db:"unread"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// CallMessage is the semi-structured payload of a call leg.
type CallMessage struct {
	// RawMessage is the cumulative, trimmed view of every provider callback for this call.
	RawMessage map[string]string `json:"rawMessage,omitempty"`

	From     string `json:"from,omitempty"`
	ToNumber string `json:"toNumber,omitempty"`

	IsMissed         bool             `json:"isMissed,omitempty"`
	MissedCallReason MissedCallReason `json:"missedCallReason,omitempty"`

	// IsCallFromQueue hands completion bookkeeping to the call queue.
	IsCallFromQueue bool `json:"isCallFromQueue,omitempty"`
	// PostDialHandled is set when the post-dial handler already did completion bookkeeping.
	PostDialHandled bool `json:"postDialHandled,omitempty"`

	IsCallbackRequested bool `json:"isCallbackRequested,omitempty"`

	ReceiversEndpointsByUserID map[string][]string `json:"receiversEndpointsByUserId,omitempty"`

	TransferredToNumber   string `json:"transferredToNumber,omitempty"`
	TransferredFromCommID string `json:"transferredFromCommId,omitempty"`
	Answered              bool   `json:"answered,omitempty"`

	// DispositionClaimed is written only by the atomic disposition claim.
	DispositionClaimed bool `json:"dispositionClaimed,omitempty"`
}

type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

type MissedCallReason string

const (
	MissedCallReasonFallback           MissedCallReason = "FALLBACK_MISSED"
	MissedCallReasonNormalQueue        MissedCallReason = "NORMAL_QUEUE"
	MissedCallReasonQueueDeclinedByAll MissedCallReason = "QUEUE_DECLINED_BY_ALL"
)

// CallDetails holds authoritative provider data for a leg, keyed by CommID.
// Saves merge into the existing details instead of replacing them.
type CallDetails struct {
	CommID  string         `json:"comm_id" db:"comm_id"`
	Details map[string]any `json:"details" db:"details"`

	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Delta is a partial update of a call leg. Nil fields are left untouched.
type Delta struct {
	Message MessageDelta
	Unread  *bool
}

// MessageDelta carries the message fields a caller wants to change.
// RawMessage, when non-nil, replaces the stored raw message.
type MessageDelta struct {
	RawMessage       map[string]string
	IsMissed         *bool
	MissedCallReason *MissedCallReason
	PostDialHandled  *bool
}

// Bool returns a pointer to v, for building deltas.
func Bool(v bool) *bool { return &v }

// Reason returns a pointer to r, for building deltas.
func Reason(r MissedCallReason) *MissedCallReason { return &r }

// patch returns the JSON-shaped message fields carried by d.
func (d MessageDelta) patch() map[string]any {
	out := map[string]any{}
	if d.RawMessage != nil {
		out["rawMessage"] = d.RawMessage
	}
	if d.IsMissed != nil {
		out["isMissed"] = *d.IsMissed
	}
	if d.MissedCallReason != nil {
		out["missedCallReason"] = *d.MissedCallReason
	}
	if d.PostDialHandled != nil {
		out["postDialHandled"] = *d.PostDialHandled
	}
	return out
}

// Apply returns r with d applied.
func (r CallRecord) Apply(d Delta) CallRecord {
	if d.Message.RawMessage != nil {
		raw := make(map[string]string, len(d.Message.RawMessage))
		for k, v := range d.Message.RawMessage {
			raw[k] = v
		}
		r.Message.RawMessage = raw
	}
	if d.Message.IsMissed != nil {
		r.Message.IsMissed = *d.Message.IsMissed
	}
	if d.Message.MissedCallReason != nil {
		r.Message.MissedCallReason = *d.Message.MissedCallReason
	}
	if d.Message.PostDialHandled != nil {
		r.Message.PostDialHandled = *d.Message.PostDialHandled
	}
	if d.Unread != nil {
		r.Unread = *d.Unread
	}
	return r
}
