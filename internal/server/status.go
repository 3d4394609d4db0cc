package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/loanlife/loanledger/internal/custody"
	"github.com/loanlife/loanledger/internal/ledger"
	"github.com/loanlife/loanledger/internal/orchestrator"
)

// StatusHandler reports service health: ledger length and root, the
// signing address, and transport connectivity.
type StatusHandler struct {
	ledger    ledger.Ledger
	custodian *custody.Custodian    // nil = no wallet loaded
	transport orchestrator.Transport // nil = no network write path
	logger    *zap.Logger
}

// NewStatusHandler creates a new StatusHandler.
func NewStatusHandler(l ledger.Ledger, cust *custody.Custodian, transport orchestrator.Transport, logger *zap.Logger) *StatusHandler {
	return &StatusHandler{ledger: l, custodian: cust, transport: transport, logger: logger}
}

// Register mounts the status route on the given router group.
func (h *StatusHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/status", h.Status)
}

// Healthz handles GET /healthz — liveness only, no dependencies.
func (h *StatusHandler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Status handles GET /status.
func (h *StatusHandler) Status(c *gin.Context) {
	ctx := c.Request.Context()

	count, err := h.ledger.Len(ctx)
	if err != nil {
		h.logger.Error("ledger Len", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": "ledger unavailable"})
		return
	}
	root, err := h.ledger.Root(ctx)
	if err != nil {
		h.logger.Error("ledger Root", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": "ledger unavailable"})
		return
	}

	resp := gin.H{
		"status":         "ok",
		"ledger_entries": count,
		"ledger_root":    root,
	}
	if h.custodian != nil {
		resp["wallet_address"] = h.custodian.Address()
	}
	if h.transport != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if _, err := h.transport.CurrentPrice(pingCtx); err != nil {
			resp["network"] = "unreachable"
		} else {
			resp["network"] = "connected"
		}
	}

	c.JSON(http.StatusOK, resp)
}
