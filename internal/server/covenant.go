package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/loanlife/loanledger/internal/covenant"
	"github.com/loanlife/loanledger/internal/identity"
)

// CovenantHandler handles HTTP requests for the covenant registry.
type CovenantHandler struct {
	registry *covenant.Registry
	logger   *zap.Logger
}

// NewCovenantHandler creates a new CovenantHandler.
func NewCovenantHandler(registry *covenant.Registry, logger *zap.Logger) *CovenantHandler {
	return &CovenantHandler{registry: registry, logger: logger}
}

// Register mounts the covenant routes on the given router group.
func (h *CovenantHandler) Register(rg *gin.RouterGroup) {
	cov := rg.Group("/covenants")
	{
		cov.POST("", h.RegisterCovenant)
		cov.GET("/:loanId", h.GetCovenant)
		cov.GET("/:loanId/verify", h.VerifyCovenant)
	}
}

type registerCovenantRequest struct {
	LoanID       string `json:"loan_id" binding:"required"`
	ContentHash  string `json:"content_hash" binding:"required"`
	CovenantType string `json:"covenant_type" binding:"required"`
	Actor        string `json:"actor"`
}

// RegisterCovenant handles POST /covenants — anchors a covenant hash.
func (h *CovenantHandler) RegisterCovenant(c *gin.Context) {
	var req registerCovenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	actor := identity.ActorFromCtx(c)
	if actor == "" {
		actor = req.Actor
	}

	cov, err := h.registry.Register(c.Request.Context(), req.LoanID, req.ContentHash, req.CovenantType, actor)
	if err != nil {
		writeFault(c, err)
		return
	}
	RecordAuditAppend()
	c.JSON(http.StatusCreated, cov)
}

// GetCovenant handles GET /covenants/:loanId.
func (h *CovenantHandler) GetCovenant(c *gin.Context) {
	cov, err := h.registry.Get(c.Request.Context(), c.Param("loanId"))
	if err != nil {
		writeFault(c, err)
		return
	}
	c.JSON(http.StatusOK, cov)
}

// VerifyCovenant handles GET /covenants/:loanId/verify?hash=… — compares
// the supplied hash against the registered one. Unknown loans verify
// false, not 404.
func (h *CovenantHandler) VerifyCovenant(c *gin.Context) {
	hash := c.Query("hash")
	if hash == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "hash query parameter required"})
		return
	}

	ok, err := h.registry.Verify(c.Request.Context(), c.Param("loanId"), hash)
	if err != nil {
		writeFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"loan_id": c.Param("loanId"), "valid": ok})
}
