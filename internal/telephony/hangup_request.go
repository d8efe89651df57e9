package telephony

import (
	"net/http"
	"strings"
)

// HangupRequest is the "call ended" callback from the voice provider, with the
// stringly-typed wire fields parsed once at the boundary.
//
// Fields keeps every body and query value as received. It is the input for
// the cumulative raw message and may contain transport-only values.
type HangupRequest struct {
	CallUUID    string
	From        string
	To          string
	HangupCause string

	StartTime string
	EndTime   string

	IsPhoneToPhone  bool
	MachineDetected bool

	// Session values appended by us to the callback URL.
	Env     string
	Tenant  string
	CommID  string
	PartyID string
	Token   string
	Fields  map[string]string
}

// ParseHangupRequest reads the form body and query string. Body values win
// over query values with the same name.
func ParseHangupRequest(r *http.Request) (HangupRequest, error) {
	if err := r.ParseForm(); err != nil {
		return HangupRequest{}, err
	}
	fields := make(map[string]string, len(r.Form))
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			fields[k] = vs[0]
		}
	}
	for k, vs := range r.PostForm {
		if len(vs) > 0 {
			fields[k] = vs[0]
		}
	}
	return HangupRequestFromFields(fields), nil
}

// HangupRequestFromFields builds a request from already-decoded fields.
func HangupRequestFromFields(fields map[string]string) HangupRequest {
	callID := fields["CallUUID"]
	if callID == "" {
		callID = fields["CallSid"]
	}
	return HangupRequest{
		CallUUID:        strings.TrimSpace(callID),
		From:            normalizePhone(fields["From"]),
		To:              normalizePhone(fields["To"]),
		HangupCause:     fields["HangupCause"],
		StartTime:       fields["StartTime"],
		EndTime:         fields["EndTime"],
		IsPhoneToPhone:  ParseBool(fields["isPhoneToPhone"]),
		MachineDetected: ParseBool(fields["Machine"]),
		Env:             fields["env"],
		Tenant:          fields["tenant"],
		CommID:          fields["commId"],
		PartyID:         fields["partyId"],
		Token:           fields["token"],
		Fields:          fields,
	}
}

// ParseBool accepts the provider's boolean spellings. Anything else is false.
func ParseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "y":
		return true
	default:
		return false
	}
}

func normalizePhone(s string) string {
	s = strings.TrimSpace(s)
	// Providers send "Anonymous" or "Restricted" for hidden callers; keep as-is.
	return s
}

// strippedRawFields never reach the persisted raw message.
var strippedRawFields = []string{"env", "tenant", "token", "commId", "partyId"}

// MergeRawMessage overlays the callback fields on the previously stored raw
// message and drops transport-only values from the result.
func MergeRawMessage(prev, fields map[string]string) map[string]string {
	out := make(map[string]string, len(prev)+len(fields))
	for k, v := range prev {
		out[k] = v
	}
	for k, v := range fields {
		out[k] = v
	}
	for _, k := range strippedRawFields {
		delete(out, k)
	}
	return out
}
