package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loanlife/loanledger/internal/identity"
	"github.com/loanlife/loanledger/internal/notify"
)

// NotifyHandler handles HTTP requests for event subscriptions.
type NotifyHandler struct {
	svc    *notify.Service
	logger *zap.Logger
}

// NewNotifyHandler creates a new NotifyHandler.
func NewNotifyHandler(svc *notify.Service, logger *zap.Logger) *NotifyHandler {
	return &NotifyHandler{svc: svc, logger: logger}
}

// Register mounts the subscription routes on the given router group.
func (h *NotifyHandler) Register(rg *gin.RouterGroup) {
	subs := rg.Group("/subscriptions")
	{
		subs.POST("", h.CreateSubscription)
		subs.GET("", h.ListSubscriptions)
		subs.DELETE("/:id", h.DeleteSubscription)
	}
}

// CreateSubscription handles POST /subscriptions.
func (h *NotifyHandler) CreateSubscription(c *gin.Context) {
	var req notify.CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	owner := identity.ActorFromCtx(c)
	if owner == "" {
		owner = req.Actor
	}

	sub, err := h.svc.Subscribe(c.Request.Context(), owner, &req)
	if err != nil {
		writeFault(c, err)
		return
	}

	// The secret is returned once so the subscriber can verify signatures.
	c.JSON(http.StatusCreated, gin.H{
		"subscription": sub,
		"secret":       sub.Secret,
	})
}

// ListSubscriptions handles GET /subscriptions?owner=.
func (h *NotifyHandler) ListSubscriptions(c *gin.Context) {
	owner := identity.ActorFromCtx(c)
	if owner == "" {
		owner = c.Query("owner")
	}
	if owner == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "owner required"})
		return
	}

	subs, err := h.svc.ListByOwner(c.Request.Context(), owner)
	if err != nil {
		writeFault(c, err)
		return
	}
	if subs == nil {
		subs = []*notify.Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs, "count": len(subs)})
}

// DeleteSubscription handles DELETE /subscriptions/:id.
func (h *NotifyHandler) DeleteSubscription(c *gin.Context) {
	subID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid subscription id"})
		return
	}

	owner := identity.ActorFromCtx(c)
	if owner == "" {
		owner = c.Query("owner")
	}

	if err := h.svc.Unsubscribe(c.Request.Context(), owner, subID); err != nil {
		writeFault(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
