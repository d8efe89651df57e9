package telephony

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	twilio "github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

const twilioErrorResourceNotFound = 20404

// twilioCallAPI is the slice of the Twilio REST API this adapter calls.
type twilioCallAPI interface {
	FetchCall(sid string, params *openapi.FetchCallParams) (*openapi.ApiV2010Call, error)
	UpdateCall(sid string, params *openapi.UpdateCallParams) (*openapi.ApiV2010Call, error)
}

type TwilioProvider struct {
	api        twilioCallAPI
	accountSID string
}

func NewTwilioProvider(accountSID, authToken string) *TwilioProvider {
	c := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &TwilioProvider{api: c.Api, accountSID: accountSID}
}

func (p *TwilioProvider) Name() string { return "twilio" }

func (p *TwilioProvider) GetCallDetails(ctx context.Context, callID string) (CallDetails, error) {
	if err := ctx.Err(); err != nil {
		return CallDetails{}, err
	}
	params := &openapi.FetchCallParams{}
	params.SetPathAccountSid(p.accountSID)

	call, err := p.api.FetchCall(callID, params)
	if err != nil {
		if isTwilioNotFound(err) {
			return CallDetails{CallID: callID, NotFound: true}, nil
		}
		return CallDetails{}, fmt.Errorf("twilio fetch call %s: %w", callID, err)
	}
	return CallDetails{
		CallID:    callID,
		Status:    deref(call.Status),
		StartTime: deref(call.StartTime),
		EndTime:   deref(call.EndTime),
		Duration:  deref(call.Duration),
	}, nil
}

func (p *TwilioProvider) HangupCall(ctx context.Context, callID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := (&openapi.UpdateCallParams{}).
		SetStatus("completed").
		SetPathAccountSid(p.accountSID)
	if _, err := p.api.UpdateCall(callID, params); err != nil {
		if isTwilioNotFound(err) {
			return nil
		}
		return fmt.Errorf("twilio hangup call %s: %w", callID, err)
	}
	return nil
}

func isTwilioNotFound(err error) bool {
	var restErr *client.TwilioRestError
	if !errors.As(err, &restErr) {
		return false
	}
	return restErr.Status == http.StatusNotFound || restErr.Code == twilioErrorResourceNotFound
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
