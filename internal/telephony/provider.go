package telephony

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Provider is the provider-agnostic surface the call services use.
//
// Rules:
// - No provider SDK calls outside telephony adapters.
// - Keep request/response types provider-agnostic.
type Provider interface {
	Name() string

	// GetCallDetails returns authoritative data for an ended call. A call the
	// provider does not know is reported with NotFound, not an error.
	GetCallDetails(ctx context.Context, callID string) (CallDetails, error)

	// HangupCall ends a live call.
	HangupCall(ctx context.Context, callID string) error
}

// CallDetails is what the provider reports for a call, as raw strings.
type CallDetails struct {
	CallID    string `json:"call_id"`
	Status    string `json:"status,omitempty"`
	StartTime string `json:"start_time,omitempty"`
	EndTime   string `json:"end_time,omitempty"`
	Duration  string `json:"duration,omitempty"`

	NotFound bool `json:"not_found,omitempty"`
}

var providerTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC1123Z,
	time.RFC1123,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05Z07:00",
}

// ParseProviderTime accepts the timestamp formats voice providers send.
func ParseProviderTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range providerTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// StaticProvider serves call details from memory. Used for local runs and tests.
type StaticProvider struct {
	mu      sync.Mutex
	details map[string]CallDetails
	hungUp  []string
}

func NewStaticProvider() *StaticProvider {
	return &StaticProvider{details: map[string]CallDetails{}}
}

func (p *StaticProvider) Name() string { return "static" }

// SetCallDetails registers what GetCallDetails returns for d.CallID.
func (p *StaticProvider) SetCallDetails(d CallDetails) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.details[d.CallID] = d
}

func (p *StaticProvider) GetCallDetails(ctx context.Context, callID string) (CallDetails, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.details[callID]
	if !ok {
		return CallDetails{CallID: callID, NotFound: true}, nil
	}
	return d, nil
}

func (p *StaticProvider) HangupCall(ctx context.Context, callID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hungUp = append(p.hungUp, callID)
	return nil
}

func (p *StaticProvider) HungUp() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.hungUp...)
}
