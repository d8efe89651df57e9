package telephony

import (
	"context"
	"net/http"

	"leasing-telephony/internal/tenancy"
	"leasing-telephony/pkg/logger"

	"github.com/gin-gonic/gin"
)

// HangupResponder handles a parsed hangup callback and returns the markup to send back.
type HangupResponder interface {
	RespondToHangupRequest(ctx context.Context, req HangupRequest) string
}

// HangupWebhookHandler converts the provider callback to internal types and
// delegates to the responder.
//
// No business logic here. The provider always gets HTTP 200 with markup,
// even for malformed requests, so it never retries a callback.
type HangupWebhookHandler struct {
	Responder HangupResponder
}

func (h HangupWebhookHandler) HandleHangup(c *gin.Context) {
	log := logger.FromGin(c)

	req, err := ParseHangupRequest(c.Request)
	if err != nil {
		log.Warn("hangup webhook parse failed", "err", err)
		writeXML(c, EmptyResponse())
		return
	}
	if h.Responder == nil {
		log.Error("hangup responder not configured", "call_id", req.CallUUID)
		writeXML(c, EmptyResponse())
		return
	}

	ctx := tenancy.WithTenant(c.Request.Context(), req.Tenant)
	writeXML(c, h.Responder.RespondToHangupRequest(ctx, req))
}

func writeXML(c *gin.Context, body string) {
	c.Data(http.StatusOK, "text/xml; charset=utf-8", []byte(body))
}
