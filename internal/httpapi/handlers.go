package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"leasing-telephony/internal/auth"
	"leasing-telephony/internal/calls"
	"leasing-telephony/internal/scheduler"
	"leasing-telephony/internal/tenancy"
	"leasing-telephony/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers serve the read-mostly ops API used to inspect hangup processing.
// Keep these thin: parse input, call stores, return JSON.
type Handlers struct {
	Calls   CallReader
	Details DetailsReader
	Retries RetryBacklog
	Sweeper Sweeper
	Clock   func() time.Time
}

type CallReader interface {
	FindByMessageID(ctx context.Context, messageID string) ([]calls.CallRecord, error)
}

type DetailsReader interface {
	GetByCommID(ctx context.Context, commID string) (calls.CallDetails, error)
}

type RetryBacklog interface {
	List(ctx context.Context) ([]scheduler.RetryTask, error)
}

type Sweeper interface {
	SweepOnce(ctx context.Context) int
}

func (h Handlers) now() time.Time {
	if h.Clock != nil {
		return h.Clock()
	}
	return time.Now()
}

func (h Handlers) Me(c *gin.Context) {
	ctx := c.Request.Context()
	userID, _ := auth.UserID(ctx)
	role, _ := auth.Role(ctx)
	c.JSON(http.StatusOK, gin.H{
		"user_id":   userID,
		"tenant_id": tenancy.TenantID(ctx),
		"role":      role,
	})
}

type callResponse struct {
	MessageID   string             `json:"message_id"`
	ActiveLegID string             `json:"active_leg_id"`
	Legs        []calls.CallRecord `json:"legs"`
	Details     map[string]any     `json:"details,omitempty"`
}

// GetCall returns every leg sharing a provider call id, the leg hangup
// processing would act on and its stored call details.
func (h Handlers) GetCall(c *gin.Context) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "calls not configured"})
		return
	}
	messageID := c.Param("message_id")
	if messageID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "message_id required"})
		return
	}
	ctx := c.Request.Context()
	tenantID := tenancy.TenantID(ctx)

	all, err := h.Calls.FindByMessageID(ctx, messageID)
	if err != nil {
		logger.FromGin(c).Error("loading call legs failed", "message_id", messageID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	legs := make([]calls.CallRecord, 0, len(all))
	for _, r := range all {
		if r.TenantID == tenantID {
			legs = append(legs, r)
		}
	}
	active, ok := calls.SelectActiveLeg(legs)
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}

	resp := callResponse{MessageID: messageID, ActiveLegID: active.ID, Legs: legs}
	if h.Details != nil {
		d, err := h.Details.GetByCommID(ctx, active.ID)
		switch {
		case err == nil:
			resp.Details = d.Details
		case errors.Is(err, calls.ErrNotFound):
		default:
			logger.FromGin(c).Warn("loading call details failed", "comm_id", active.ID, "err", err)
		}
	}
	c.JSON(http.StatusOK, resp)
}

type retryView struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	MessageID      string    `json:"message_id"`
	RunAt          time.Time `json:"run_at"`
	OverdueSeconds float64   `json:"overdue_seconds"`
}

// ListRetries shows the caller's tenant backlog of persisted retries, oldest first.
func (h Handlers) ListRetries(c *gin.Context) {
	if h.Retries == nil {
		c.JSON(http.StatusOK, gin.H{"retries": []retryView{}})
		return
	}
	ctx := c.Request.Context()
	tenantID := tenancy.TenantID(ctx)

	tasks, err := h.Retries.List(ctx)
	if err != nil {
		logger.FromGin(c).Error("listing retries failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	now := h.now()
	out := make([]retryView, 0, len(tasks))
	for _, t := range tasks {
		if taskTenant(t) != tenantID {
			continue
		}
		overdue := now.Sub(t.RunAt).Seconds()
		if overdue < 0 {
			overdue = 0
		}
		out = append(out, retryView{ID: t.ID, Kind: t.Kind, MessageID: t.Key, RunAt: t.RunAt, OverdueSeconds: overdue})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunAt.Before(out[j].RunAt) })
	c.JSON(http.StatusOK, gin.H{"retries": out})
}

// SweepRetries runs overdue retries now instead of waiting for the next sweep.
func (h Handlers) SweepRetries(c *gin.Context) {
	if h.Sweeper == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "sweeper not configured"})
		return
	}
	ctx := context.WithoutCancel(c.Request.Context())
	n := h.Sweeper.SweepOnce(ctx)
	logger.FromGin(c).Info("manual retry sweep", "dispatched", n)
	c.JSON(http.StatusOK, gin.H{"dispatched": n})
}

func taskTenant(t scheduler.RetryTask) string {
	var p struct {
		TenantID string `json:"tenant_id"`
	}
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		return ""
	}
	return p.TenantID
}
