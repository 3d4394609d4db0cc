// Package server exposes the governance core over HTTP: gin handlers
// for covenants, rules, breaches, ESG scores, and the audit trail, plus
// the operational middleware around them.
package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loanlife/loanledger/internal/fault"
)

// statusOf maps the error taxonomy to HTTP status codes.
func statusOf(err error) int {
	switch fault.KindOf(err) {
	case fault.KindValidation, fault.KindIntegrity:
		return http.StatusBadRequest
	case fault.KindConflict:
		return http.StatusConflict
	case fault.KindState, fault.KindBelowThreshold:
		return http.StatusUnprocessableEntity
	case fault.KindNotFound:
		return http.StatusNotFound
	case fault.KindAuthentication:
		return http.StatusUnauthorized
	case fault.KindTransientNetwork:
		return http.StatusServiceUnavailable
	case fault.KindPermanentLedger:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeFault renders a classified error as a JSON response.
func writeFault(c *gin.Context, err error) {
	c.JSON(statusOf(err), gin.H{"error": err.Error()})
}
