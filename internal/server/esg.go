package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/loanlife/loanledger/internal/esg"
	"github.com/loanlife/loanledger/internal/identity"
)

// ESGHandler handles HTTP requests for ESG scores and requirements.
type ESGHandler struct {
	svc    *esg.Service
	logger *zap.Logger
}

// NewESGHandler creates a new ESGHandler.
func NewESGHandler(svc *esg.Service, logger *zap.Logger) *ESGHandler {
	return &ESGHandler{svc: svc, logger: logger}
}

// Register mounts the ESG routes on the given router group.
func (h *ESGHandler) Register(rg *gin.RouterGroup) {
	e := rg.Group("/esg")
	{
		e.POST("/scores", h.RecordScore)
		e.POST("/requirements", h.AddRequirement)
		e.GET("/requirements", h.ListRequirements)
		e.GET("/loans/:loanId/current", h.CurrentScore)
		e.GET("/loans/:loanId/history", h.History)
		e.GET("/loans/:loanId/compliance", h.CheckCompliance)
		e.GET("/loans/:loanId/trend", h.Trend)
	}
}

type recordScoreRequest struct {
	LoanID        string  `json:"loan_id" binding:"required"`
	Environmental float64 `json:"environmental"`
	Social        float64 `json:"social"`
	Governance    float64 `json:"governance"`
	EvidenceHash  string  `json:"evidence_hash" binding:"required"`
	Actor         string  `json:"actor"`
}

// RecordScore handles POST /esg/scores.
func (h *ESGHandler) RecordScore(c *gin.Context) {
	var req recordScoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	actor := identity.ActorFromCtx(c)
	if actor == "" {
		actor = req.Actor
	}

	rec, err := h.svc.RecordScore(c.Request.Context(), req.LoanID,
		req.Environmental, req.Social, req.Governance, req.EvidenceHash, actor)
	if err != nil {
		writeFault(c, err)
		return
	}
	RecordAuditAppend()
	c.JSON(http.StatusCreated, rec)
}

type addRequirementRequest struct {
	RequirementID string  `json:"requirement_id" binding:"required"`
	Pillar        string  `json:"pillar" binding:"required"`
	MinScore      float64 `json:"min_score"`
	Weight        float64 `json:"weight"`
	Actor         string  `json:"actor"`
}

// AddRequirement handles POST /esg/requirements.
func (h *ESGHandler) AddRequirement(c *gin.Context) {
	var req addRequirementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	actor := identity.ActorFromCtx(c)
	if actor == "" {
		actor = req.Actor
	}

	r, err := h.svc.AddRequirement(c.Request.Context(), req.RequirementID,
		esg.Pillar(req.Pillar), req.MinScore, req.Weight, actor)
	if err != nil {
		writeFault(c, err)
		return
	}
	RecordAuditAppend()
	c.JSON(http.StatusCreated, r)
}

// ListRequirements handles GET /esg/requirements.
func (h *ESGHandler) ListRequirements(c *gin.Context) {
	reqs, err := h.svc.Requirements(c.Request.Context())
	if err != nil {
		writeFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requirements": reqs})
}

// CurrentScore handles GET /esg/loans/:loanId/current.
func (h *ESGHandler) CurrentScore(c *gin.Context) {
	rec, err := h.svc.CurrentScore(c.Request.Context(), c.Param("loanId"))
	if err != nil {
		writeFault(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// History handles GET /esg/loans/:loanId/history.
func (h *ESGHandler) History(c *gin.Context) {
	recs, err := h.svc.History(c.Request.Context(), c.Param("loanId"))
	if err != nil {
		writeFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"loan_id": c.Param("loanId"), "history": recs})
}

// CheckCompliance handles GET /esg/loans/:loanId/compliance.
func (h *ESGHandler) CheckCompliance(c *gin.Context) {
	res, err := h.svc.CheckCompliance(c.Request.Context(), c.Param("loanId"))
	if err != nil {
		writeFault(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Trend handles GET /esg/loans/:loanId/trend?window=n (default 5).
func (h *ESGHandler) Trend(c *gin.Context) {
	window := 5
	if w := c.Query("window"); w != "" {
		n, err := strconv.Atoi(w)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "window must be an integer"})
			return
		}
		window = n
	}

	trend, err := h.svc.Trend(c.Request.Context(), c.Param("loanId"), window)
	if err != nil {
		writeFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"loan_id": c.Param("loanId"),
		"window":  window,
		"trend":   trend,
	})
}
