package main

import (
	"context"
	"net/http"

	"leasing-telephony/internal/httpapi"
	"leasing-telephony/internal/rbac"
	"leasing-telephony/internal/scheduler"
	"leasing-telephony/internal/telephony"
	"leasing-telephony/pkg/logger"

	"github.com/gin-gonic/gin"
)

type routeDeps struct {
	app     *app
	sweeper *scheduler.Sweeper
	authMW  gin.HandlerFunc
	hookMW  gin.HandlerFunc
	ready   func(ctx context.Context) error
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic.
func registerRoutes(r *gin.Engine, d routeDeps) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		if err := d.ready(c.Request.Context()); err != nil {
			logger.FromGin(c).Warn("readiness check failed", "err", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(d.app.metrics.Handler()))

	// Provider webhooks. The provider retries anything but a 200, so both
	// the auth check and the handler acknowledge every request.
	{
		h := telephony.HangupWebhookHandler{Responder: d.app.hangup}
		r.POST("/webhooks/telephony/hangup", d.hookMW, h.HandleHangup)
	}

	h := httpapi.Handlers{
		Calls:   d.app.calls,
		Details: d.app.details,
		Retries: d.app.pending,
		Sweeper: d.sweeper,
	}

	v1 := r.Group("/v1")
	v1.Use(d.authMW, rbac.RequireTenant())
	{
		v1.GET("/me", h.Me)

		callsGroup := v1.Group("/calls")
		callsGroup.Use(rbac.RequireAnyRole(rbac.RoleTenantAdmin, rbac.RoleSupervisor, rbac.RoleAgent, rbac.RoleSupport))
		callsGroup.GET("/:message_id", h.GetCall)

		// Hidden support role is allowed here on purpose.
		ops := v1.Group("/ops")
		ops.Use(rbac.RequireAnyRole(rbac.RoleTenantAdmin, rbac.RoleSupport))
		ops.GET("/retries", h.ListRetries)

		// Sweeping is process wide, not tenant scoped.
		sweep := v1.Group("/ops")
		sweep.Use(rbac.RequireAnyRole(rbac.RoleSupport))
		sweep.POST("/retries/sweep", h.SweepRetries)
	}
}
