package routing

// Decision is the outcome of evaluating an unresolved call against the
// tenant's routing configuration.
//
// It carries no provider-specific fields.

type Decision struct {
	Ignore bool   `json:"ignore"`
	Reason Reason `json:"reason,omitempty"`

	// ProgramID is set when a program matched the dialed number.
	ProgramID string `json:"program_id,omitempty"`
}

type Reason string

const (
	ReasonSpam            Reason = "spam"
	ReasonInactiveProgram Reason = "inactive_program"
	ReasonNoTarget        Reason = "no_target"
)
