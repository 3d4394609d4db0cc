// Package governance implements the policy engine: rule definitions,
// threshold-based breach detection, and the breach approval workflow.
package governance

import (
	"strings"
	"time"
)

// equalAddress compares two account addresses case-insensitively.
func equalAddress(a, b string) bool {
	return strings.EqualFold(a, b)
}

// Severity grades a detected breach.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ValidSeverity reports whether s is a known severity.
func ValidSeverity(s Severity) bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Status is a breach lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusMitigated Status = "mitigated"
)

// ValidStatus reports whether s is a known status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusMitigated:
		return true
	}
	return false
}

// transitions is the breach state machine. Absent keys have no legal
// outgoing transition: rejected and mitigated are fully terminal.
var transitions = map[Status][]Status{
	StatusPending:  {StatusApproved, StatusRejected},
	StatusApproved: {StatusMitigated},
}

// canTransition reports whether from → to is a legal transition.
func canTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// resolved reports whether s admits no further transition.
func resolved(s Status) bool {
	return s == StatusRejected || s == StatusMitigated
}

// Rule is a governance policy over one covenant type. Created once;
// BreachCount only ever increases.
type Rule struct {
	RuleID          string    `json:"rule_id"`
	CovenantType    string    `json:"covenant_type"`
	Threshold       float64   `json:"threshold"`
	Approvers       []string  `json:"approvers"`
	GracePeriodDays int       `json:"grace_period_days"`
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"created_at"`
	BreachCount     int       `json:"breach_count"`
}

// approvedBy reports whether actor is one of the rule's approvers,
// compared case-insensitively on the address.
func (r *Rule) approvedBy(actor string) bool {
	for _, a := range r.Approvers {
		if equalAddress(a, actor) {
			return true
		}
	}
	return false
}

// Breach is a detected rule violation, tracked through the approval
// workflow.
type Breach struct {
	BreachID       string    `json:"breach_id"`
	LoanID         string    `json:"loan_id"`
	RuleID         string    `json:"rule_id"`
	Severity       Severity  `json:"severity"`
	Status         Status    `json:"status"`
	DetectedAt     time.Time `json:"detected_at"`
	ResolvedAt     time.Time `json:"resolved_at,omitzero"`
	DetectedBy     string    `json:"detected_by"`
	ResolvedBy     string    `json:"resolved_by,omitempty"`
	MitigationPlan string    `json:"mitigation_plan,omitempty"`
	PredictedValue float64   `json:"predicted_value"`
	ActualValue    float64   `json:"actual_value"`
}
