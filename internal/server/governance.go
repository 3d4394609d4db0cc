package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/loanlife/loanledger/internal/governance"
	"github.com/loanlife/loanledger/internal/identity"
)

// GovernanceHandler handles HTTP requests for rules and breaches.
type GovernanceHandler struct {
	engine *governance.Engine
	logger *zap.Logger
}

// NewGovernanceHandler creates a new GovernanceHandler.
func NewGovernanceHandler(engine *governance.Engine, logger *zap.Logger) *GovernanceHandler {
	return &GovernanceHandler{engine: engine, logger: logger}
}

// Register mounts the governance routes on the given router group.
func (h *GovernanceHandler) Register(rg *gin.RouterGroup) {
	rules := rg.Group("/rules")
	{
		rules.POST("", h.CreateRule)
		rules.GET("/:ruleId", h.GetRule)
	}
	breaches := rg.Group("/breaches")
	{
		breaches.POST("", h.DetectBreach)
		breaches.GET("/:breachId", h.GetBreach)
		breaches.PATCH("/:breachId/status", h.UpdateBreachStatus)
	}
	rg.GET("/loans/:loanId/breaches", h.ListBreaches)
}

type createRuleRequest struct {
	RuleID          string   `json:"rule_id" binding:"required"`
	CovenantType    string   `json:"covenant_type" binding:"required"`
	Threshold       float64  `json:"threshold"`
	Approvers       []string `json:"approvers"`
	GracePeriodDays int      `json:"grace_period_days"`
	Actor           string   `json:"actor"`
}

// CreateRule handles POST /rules.
func (h *GovernanceHandler) CreateRule(c *gin.Context) {
	var req createRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	actor := identity.ActorFromCtx(c)
	if actor == "" {
		actor = req.Actor
	}

	rule, err := h.engine.CreateRule(c.Request.Context(), governance.RuleSpec{
		RuleID:          req.RuleID,
		CovenantType:    req.CovenantType,
		Threshold:       req.Threshold,
		Approvers:       req.Approvers,
		GracePeriodDays: req.GracePeriodDays,
	}, actor)
	if err != nil {
		writeFault(c, err)
		return
	}
	RecordAuditAppend()
	c.JSON(http.StatusCreated, rule)
}

// GetRule handles GET /rules/:ruleId.
func (h *GovernanceHandler) GetRule(c *gin.Context) {
	rule, err := h.engine.GetRule(c.Request.Context(), c.Param("ruleId"))
	if err != nil {
		writeFault(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

type detectBreachRequest struct {
	BreachID       string  `json:"breach_id"`
	LoanID         string  `json:"loan_id" binding:"required"`
	RuleID         string  `json:"rule_id" binding:"required"`
	Severity       string  `json:"severity" binding:"required"`
	PredictedValue float64 `json:"predicted_value"`
	Actor          string  `json:"actor"`
}

// DetectBreach handles POST /breaches.
func (h *GovernanceHandler) DetectBreach(c *gin.Context) {
	var req detectBreachRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	actor := identity.ActorFromCtx(c)
	if actor == "" {
		actor = req.Actor
	}

	breach, err := h.engine.DetectBreach(c.Request.Context(),
		req.BreachID, req.LoanID, req.RuleID,
		governance.Severity(req.Severity), req.PredictedValue, actor)
	if err != nil {
		writeFault(c, err)
		return
	}
	RecordAuditAppend()
	RecordBreach(string(breach.Severity))
	c.JSON(http.StatusCreated, breach)
}

// GetBreach handles GET /breaches/:breachId.
func (h *GovernanceHandler) GetBreach(c *gin.Context) {
	breach, err := h.engine.GetBreach(c.Request.Context(), c.Param("breachId"))
	if err != nil {
		writeFault(c, err)
		return
	}
	c.JSON(http.StatusOK, breach)
}

type updateBreachRequest struct {
	Status string `json:"status" binding:"required"`
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

// UpdateBreachStatus handles PATCH /breaches/:breachId/status.
func (h *GovernanceHandler) UpdateBreachStatus(c *gin.Context) {
	var req updateBreachRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	actor := identity.ActorFromCtx(c)
	if actor == "" {
		actor = req.Actor
	}

	breach, err := h.engine.UpdateBreachStatus(c.Request.Context(),
		c.Param("breachId"), governance.Status(req.Status), req.Reason, actor)
	if err != nil {
		writeFault(c, err)
		return
	}
	RecordAuditAppend()
	c.JSON(http.StatusOK, breach)
}

// ListBreaches handles GET /loans/:loanId/breaches.
func (h *GovernanceHandler) ListBreaches(c *gin.Context) {
	breaches, err := h.engine.BreachesForLoan(c.Request.Context(), c.Param("loanId"))
	if err != nil {
		writeFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"loan_id": c.Param("loanId"), "breaches": breaches})
}
