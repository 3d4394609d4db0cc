package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/loanlife/loanledger/internal/integrity"
	"github.com/loanlife/loanledger/internal/ledger"
)

// AuditHandler exposes read-only HTTP endpoints for the audit ledger.
type AuditHandler struct {
	ledger ledger.Ledger
	logger *zap.Logger
}

// NewAuditHandler creates a new AuditHandler.
func NewAuditHandler(l ledger.Ledger, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{ledger: l, logger: logger}
}

// Register mounts the audit routes on the given router group.
func (h *AuditHandler) Register(rg *gin.RouterGroup) {
	a := rg.Group("/audit")
	{
		a.GET("", h.Overview)
		a.GET("/entries/:id", h.GetEntry)
		a.GET("/entities/:entityId", h.ForEntity)
		a.GET("/actors/:actor", h.ForActor)
		a.GET("/recent", h.Recent)
		a.GET("/verify", h.Verify)
		a.GET("/summary", h.Summary)
		a.GET("/proof", h.Proof)
	}
}

// Overview handles GET /audit — returns the chain length and tip hash.
func (h *AuditHandler) Overview(c *gin.Context) {
	ctx := c.Request.Context()

	count, err := h.ledger.Len(ctx)
	if err != nil {
		h.logger.Error("ledger Len", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger"})
		return
	}
	root, err := h.ledger.Root(ctx)
	if err != nil {
		h.logger.Error("ledger Root", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger root"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": count, "root": root})
}

// GetEntry handles GET /audit/entries/:id.
func (h *AuditHandler) GetEntry(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a non-negative integer"})
		return
	}

	entry, err := h.ledger.Get(c.Request.Context(), id)
	if err != nil {
		writeFault(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// ForEntity handles GET /audit/entities/:entityId.
func (h *AuditHandler) ForEntity(c *gin.Context) {
	entries, err := h.ledger.ForEntity(c.Request.Context(), c.Param("entityId"))
	if err != nil {
		writeFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entity_id": c.Param("entityId"), "entries": entries})
}

// ForActor handles GET /audit/actors/:actor.
func (h *AuditHandler) ForActor(c *gin.Context) {
	entries, err := h.ledger.ForActor(c.Request.Context(), c.Param("actor"))
	if err != nil {
		writeFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"actor": c.Param("actor"), "entries": entries})
}

// Recent handles GET /audit/recent?limit=n&offset=m — most recent first.
func (h *AuditHandler) Recent(c *gin.Context) {
	limit, offset, ok := pagination(c, 50)
	if !ok {
		return
	}

	entries, err := h.ledger.Recent(c.Request.Context(), limit, offset)
	if err != nil {
		writeFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"limit": limit, "offset": offset, "entries": entries})
}

// Verify handles GET /audit/verify?start=a&end=b — checks state-chain
// consistency over the inclusive range. Without parameters it verifies
// the entry-hash chain end to end.
func (h *AuditHandler) Verify(c *gin.Context) {
	ctx := c.Request.Context()

	if c.Query("start") == "" && c.Query("end") == "" {
		if err := h.ledger.VerifyChain(ctx); err != nil {
			h.logger.Warn("audit chain verification failed", zap.Error(err))
			c.JSON(http.StatusOK, gin.H{"valid": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"valid": true})
		return
	}

	start, end, ok := rangeParams(c)
	if !ok {
		return
	}
	valid, err := h.ledger.VerifyRange(ctx, start, end)
	if err != nil {
		writeFault(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"start": start, "end": end, "valid": valid})
}

// Summary handles GET /audit/summary?start=a&end=b — the range entries
// with their Merkle root and verification result.
func (h *AuditHandler) Summary(c *gin.Context) {
	start, end, ok := rangeParams(c)
	if !ok {
		return
	}

	summary, err := ledger.Summarize(c.Request.Context(), h.ledger, start, end)
	if err != nil {
		writeFault(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// Proof handles GET /audit/proof?start=a&end=b&entry=id — the Merkle
// proof for one entry's hash against the range's leaf set.
func (h *AuditHandler) Proof(c *gin.Context) {
	start, end, ok := rangeParams(c)
	if !ok {
		return
	}
	entryID, err := strconv.ParseInt(c.Query("entry"), 10, 64)
	if err != nil || entryID < start || entryID > end {
		c.JSON(http.StatusBadRequest, gin.H{"error": "entry must be an id inside [start, end]"})
		return
	}

	ctx := c.Request.Context()
	entry, err := h.ledger.Get(ctx, entryID)
	if err != nil {
		writeFault(c, err)
		return
	}
	leaves, err := h.ledger.LeafHashes(ctx, start, end)
	if err != nil {
		writeFault(c, err)
		return
	}
	proof, err := integrity.MerkleProof(leaves, entry.Hash)
	if err != nil {
		writeFault(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entry_id": entryID,
		"leaf":     entry.Hash,
		"root":     integrity.MerkleRoot(leaves),
		"proof":    proof,
	})
}

// pagination parses limit/offset query parameters with a default limit.
func pagination(c *gin.Context, defaultLimit int) (limit, offset int, ok bool) {
	limit = defaultLimit
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return 0, 0, false
		}
		limit = n
	}
	if o := c.Query("offset"); o != "" {
		n, err := strconv.Atoi(o)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "offset must be a non-negative integer"})
			return 0, 0, false
		}
		offset = n
	}
	return limit, offset, true
}

// rangeParams parses the start/end query parameters of a trail range.
func rangeParams(c *gin.Context) (start, end int64, ok bool) {
	var err error
	start, err = strconv.ParseInt(c.Query("start"), 10, 64)
	if err != nil || start < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start must be a non-negative integer"})
		return 0, 0, false
	}
	end, err = strconv.ParseInt(c.Query("end"), 10, 64)
	if err != nil || end < start {
		c.JSON(http.StatusBadRequest, gin.H{"error": "end must be an integer >= start"})
		return 0, 0, false
	}
	return start, end, true
}
