package orchestrator

import (
	"github.com/loanlife/loanledger/internal/events"
	"github.com/loanlife/loanledger/internal/fault"
	"github.com/loanlife/loanledger/internal/integrity"
)

// Action is one ledger-mutating operation. Each variant carries its own
// typed payload and is validated once, at the submission boundary.
type Action interface {
	// Kind names the variant on the wire.
	Kind() string
	// EventName is the event emitted after the write confirms.
	EventName() string
	// Validate rejects malformed payloads before any network call.
	Validate() error
}

// RegisterCovenant anchors a covenant content hash for a loan.
type RegisterCovenant struct {
	LoanID       string `json:"loan_id"`
	ContentHash  string `json:"content_hash"`
	CovenantType string `json:"covenant_type"`
}

func (RegisterCovenant) Kind() string      { return "register_covenant" }
func (RegisterCovenant) EventName() string { return events.CovenantRegistered }

func (a RegisterCovenant) Validate() error {
	if a.LoanID == "" {
		return fault.New(fault.KindValidation, "loan id must not be empty")
	}
	if a.ContentHash == "" || a.ContentHash == integrity.ZeroHash {
		return fault.New(fault.KindIntegrity, "content hash must not be zero")
	}
	if a.CovenantType == "" {
		return fault.New(fault.KindValidation, "covenant type must not be empty")
	}
	return nil
}

// RecordBreach publishes a detected covenant breach.
type RecordBreach struct {
	BreachID       string  `json:"breach_id"`
	LoanID         string  `json:"loan_id"`
	RuleID         string  `json:"rule_id"`
	Severity       string  `json:"severity"`
	PredictedValue float64 `json:"predicted_value"`
}

func (RecordBreach) Kind() string      { return "record_breach" }
func (RecordBreach) EventName() string { return events.BreachDetected }

func (a RecordBreach) Validate() error {
	if a.BreachID == "" || a.LoanID == "" || a.RuleID == "" {
		return fault.New(fault.KindValidation, "breach, loan, and rule ids must not be empty")
	}
	return nil
}

// UpdateBreach publishes a breach status transition.
type UpdateBreach struct {
	BreachID string `json:"breach_id"`
	Status   string `json:"status"`
	Reason   string `json:"reason"`
}

func (UpdateBreach) Kind() string      { return "update_breach" }
func (UpdateBreach) EventName() string { return events.AuditEntryCreated }

func (a UpdateBreach) Validate() error {
	if a.BreachID == "" {
		return fault.New(fault.KindValidation, "breach id must not be empty")
	}
	if a.Status == "" {
		return fault.New(fault.KindValidation, "status must not be empty")
	}
	return nil
}

// RecordESGScore publishes a new ESG score record.
type RecordESGScore struct {
	LoanID        string  `json:"loan_id"`
	Environmental float64 `json:"environmental"`
	Social        float64 `json:"social"`
	Governance    float64 `json:"governance"`
	EvidenceHash  string  `json:"evidence_hash"`
}

func (RecordESGScore) Kind() string      { return "record_esg_score" }
func (RecordESGScore) EventName() string { return events.ESGScoreRecorded }

func (a RecordESGScore) Validate() error {
	if a.LoanID == "" {
		return fault.New(fault.KindValidation, "loan id must not be empty")
	}
	for _, v := range []float64{a.Environmental, a.Social, a.Governance} {
		if v < 0 || v > 100 {
			return fault.Newf(fault.KindValidation, "pillar score %.2f outside [0, 100]", v)
		}
	}
	if a.EvidenceHash == "" {
		return fault.New(fault.KindValidation, "evidence hash must not be empty")
	}
	return nil
}

// AnchorAuditRoot publishes the Merkle root of an audit range so the
// trail can be verified against an external anchor.
type AnchorAuditRoot struct {
	StartID    int64  `json:"start_id"`
	EndID      int64  `json:"end_id"`
	MerkleRoot string `json:"merkle_root"`
}

func (AnchorAuditRoot) Kind() string      { return "anchor_audit_root" }
func (AnchorAuditRoot) EventName() string { return events.AuditEntryCreated }

func (a AnchorAuditRoot) Validate() error {
	if a.StartID < 0 || a.EndID < a.StartID {
		return fault.Newf(fault.KindValidation, "invalid audit range [%d, %d]", a.StartID, a.EndID)
	}
	if a.MerkleRoot == "" {
		return fault.New(fault.KindValidation, "merkle root must not be empty")
	}
	return nil
}
