// Package esg tracks ESG score history per loan and evaluates it
// against configurable compliance requirements.
package esg

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loanlife/loanledger/internal/events"
	"github.com/loanlife/loanledger/internal/fault"
	"github.com/loanlife/loanledger/internal/integrity"
	"github.com/loanlife/loanledger/internal/ledger"
)

// Pillar is one of the three ESG sub-score dimensions.
type Pillar string

const (
	PillarEnvironmental Pillar = "environmental"
	PillarSocial        Pillar = "social"
	PillarGovernance    Pillar = "governance"
)

// ValidPillar reports whether p is a known pillar.
func ValidPillar(p Pillar) bool {
	switch p {
	case PillarEnvironmental, PillarSocial, PillarGovernance:
		return true
	}
	return false
}

// Trend is the direction of a loan's totalScore over a window.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendDeclining Trend = "declining"
	TrendStable    Trend = "stable"
)

// ScoreRecord is one immutable entry in a loan's ESG history.
type ScoreRecord struct {
	LoanID        string    `json:"loan_id"`
	Environmental float64   `json:"environmental"`
	Social        float64   `json:"social"`
	Governance    float64   `json:"governance"`
	TotalScore    float64   `json:"total_score"`
	Timestamp     time.Time `json:"timestamp"`
	ScoredBy      string    `json:"scored_by"`
	EvidenceHash  string    `json:"evidence_hash"`
}

// pillarScore extracts the sub-score for one pillar.
func (r *ScoreRecord) pillarScore(p Pillar) float64 {
	switch p {
	case PillarEnvironmental:
		return r.Environmental
	case PillarSocial:
		return r.Social
	default:
		return r.Governance
	}
}

// Requirement is a minimum-score rule applied to one pillar.
type Requirement struct {
	RequirementID string    `json:"requirement_id"`
	Pillar        Pillar    `json:"pillar"`
	MinScore      float64   `json:"min_score"`
	Weight        float64   `json:"weight"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
}

// ComplianceResult is the outcome of evaluating a loan's latest score
// against the active requirements.
type ComplianceResult struct {
	LoanID              string   `json:"loan_id"`
	IsCompliant         bool     `json:"is_compliant"`
	FailingRequirements []string `json:"failing_requirements"`
}

// Service holds ESG history and requirements in memory. History is
// append-only; records are never mutated after recording.
type Service struct {
	mu           sync.RWMutex
	history      map[string][]*ScoreRecord
	requirements map[string]*Requirement
	reqOrder     []string // requirement ids in creation order

	audit  ledger.Ledger // nil = no audit writes
	bus    *events.Bus   // nil = no event fan-out
	logger *zap.Logger
}

// NewService creates an ESG compliance service. audit and bus may each
// be nil to disable that side effect.
func NewService(audit ledger.Ledger, bus *events.Bus, logger *zap.Logger) *Service {
	return &Service{
		history:      make(map[string][]*ScoreRecord),
		requirements: make(map[string]*Requirement),
		audit:        audit,
		bus:          bus,
		logger:       logger,
	}
}

// RecordScore appends a new score record for the loan. The total score
// is the unweighted mean of the three pillars. After recording, the
// loan's compliance is re-evaluated and ESGAlertTriggered is emitted
// once per failing requirement.
//
// Fails with a Validation fault when any pillar is outside [0, 100] or
// the evidence hash is empty.
func (s *Service) RecordScore(ctx context.Context, loanID string, environmental, social, governance float64, evidenceHash, actor string) (*ScoreRecord, error) {
	if loanID == "" {
		return nil, fault.New(fault.KindValidation, "loan id must not be empty")
	}
	for _, p := range []struct {
		name  Pillar
		value float64
	}{
		{PillarEnvironmental, environmental},
		{PillarSocial, social},
		{PillarGovernance, governance},
	} {
		if p.value < 0 || p.value > 100 {
			return nil, fault.Newf(fault.KindValidation, "%s score %.2f outside [0, 100]", p.name, p.value)
		}
	}
	if evidenceHash == "" {
		return nil, fault.New(fault.KindValidation, "evidence hash must not be empty")
	}

	rec := &ScoreRecord{
		LoanID:        loanID,
		Environmental: environmental,
		Social:        social,
		Governance:    governance,
		TotalScore:    (environmental + social + governance) / 3,
		Timestamp:     time.Now().UTC(),
		ScoredBy:      actor,
		EvidenceHash:  evidenceHash,
	}

	s.mu.Lock()
	s.history[loanID] = append(s.history[loanID], rec)
	failing := s.failingRequirementsLocked(rec)
	snapshot := *rec
	s.mu.Unlock()

	if s.audit != nil {
		newHash, err := integrity.HashObject(&snapshot)
		if err == nil {
			_, err = s.audit.Append(ctx, ledger.Record{
				Action:       ledger.ActionESGScoreRecorded,
				EntityID:     loanID,
				Actor:        actor,
				NewStateHash: newHash,
				Metadata:     map[string]string{"evidence_hash": evidenceHash},
			})
		}
		if err != nil {
			s.logger.Error("audit append failed for esg score",
				zap.String("loan_id", loanID), zap.Error(err))
		}
	}
	if s.bus != nil {
		s.bus.Emit(events.ESGScoreRecorded, &snapshot)
		for _, reqID := range failing {
			s.bus.Emit(events.ESGAlertTriggered, &Alert{
				LoanID:        loanID,
				RequirementID: reqID,
				Record:        &snapshot,
			})
		}
	}
	if len(failing) > 0 {
		s.logger.Warn("esg score below requirement",
			zap.String("loan_id", loanID),
			zap.Strings("failing_requirements", failing),
		)
	}
	return &snapshot, nil
}

// Alert is the payload of an ESGAlertTriggered event.
type Alert struct {
	LoanID        string       `json:"loan_id"`
	RequirementID string       `json:"requirement_id"`
	Record        *ScoreRecord `json:"record"`
}

// CurrentScore returns the loan's latest record; NotFound fault when
// the loan has no history.
func (s *Service) CurrentScore(_ context.Context, loanID string) (*ScoreRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.history[loanID]
	if len(recs) == 0 {
		return nil, fault.Newf(fault.KindNotFound, "no esg scores for loan %s", loanID)
	}
	cp := *recs[len(recs)-1]
	return &cp, nil
}

// History returns the loan's full score history in recording order.
// A loan with no history yields an empty slice, not an error.
func (s *Service) History(_ context.Context, loanID string) ([]*ScoreRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ScoreRecord, 0, len(s.history[loanID]))
	for _, r := range s.history[loanID] {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

// AddRequirement registers a compliance requirement.
//
// Fails with a Validation fault on an unknown pillar, a negative
// minimum score, or a weight outside [0, 100]; with a Conflict fault
// when the requirement id exists.
func (s *Service) AddRequirement(ctx context.Context, id string, pillar Pillar, minScore, weight float64, actor string) (*Requirement, error) {
	if id == "" {
		return nil, fault.New(fault.KindValidation, "requirement id must not be empty")
	}
	if !ValidPillar(pillar) {
		return nil, fault.Newf(fault.KindValidation, "unknown pillar %q", pillar)
	}
	if minScore < 0 || minScore > 100 {
		return nil, fault.Newf(fault.KindValidation, "minimum score %.2f outside [0, 100]", minScore)
	}
	if weight < 0 || weight > 100 {
		return nil, fault.Newf(fault.KindValidation, "weight %.2f outside [0, 100]", weight)
	}

	req := &Requirement{
		RequirementID: id,
		Pillar:        pillar,
		MinScore:      minScore,
		Weight:        weight,
		Active:        true,
		CreatedAt:     time.Now().UTC(),
	}

	s.mu.Lock()
	if _, ok := s.requirements[id]; ok {
		s.mu.Unlock()
		return nil, fault.Newf(fault.KindConflict, "requirement %s already exists", id)
	}
	s.requirements[id] = req
	s.reqOrder = append(s.reqOrder, id)
	snapshot := *req
	s.mu.Unlock()

	if s.audit != nil {
		newHash, err := integrity.HashObject(&snapshot)
		if err == nil {
			_, err = s.audit.Append(ctx, ledger.Record{
				Action:       ledger.ActionESGRequirementAdded,
				EntityID:     id,
				Actor:        actor,
				NewStateHash: newHash,
				Metadata:     map[string]string{"pillar": string(pillar)},
			})
		}
		if err != nil {
			s.logger.Error("audit append failed for esg requirement",
				zap.String("requirement_id", id), zap.Error(err))
		}
	}
	s.logger.Info("esg requirement added",
		zap.String("requirement_id", id),
		zap.String("pillar", string(pillar)),
		zap.Float64("min_score", minScore),
	)
	return &snapshot, nil
}

// CheckCompliance evaluates the loan's latest score against every
// active requirement. NotFound fault when the loan has no history.
func (s *Service) CheckCompliance(_ context.Context, loanID string) (*ComplianceResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.history[loanID]
	if len(recs) == 0 {
		return nil, fault.Newf(fault.KindNotFound, "no esg scores for loan %s", loanID)
	}
	failing := s.failingRequirementsLocked(recs[len(recs)-1])
	return &ComplianceResult{
		LoanID:              loanID,
		IsCompliant:         len(failing) == 0,
		FailingRequirements: failing,
	}, nil
}

// Trend compares the oldest and newest totalScore within the last
// windowSize records. Fewer than two records in the window is Stable.
//
// Fails with a Validation fault when windowSize < 1.
func (s *Service) Trend(_ context.Context, loanID string, windowSize int) (Trend, error) {
	if windowSize < 1 {
		return "", fault.Newf(fault.KindValidation, "window size %d must be at least 1", windowSize)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.history[loanID]
	if len(recs) > windowSize {
		recs = recs[len(recs)-windowSize:]
	}
	if len(recs) < 2 {
		return TrendStable, nil
	}
	oldest, newest := recs[0].TotalScore, recs[len(recs)-1].TotalScore
	switch {
	case newest > oldest:
		return TrendImproving, nil
	case newest < oldest:
		return TrendDeclining, nil
	default:
		return TrendStable, nil
	}
}

// Requirements returns all requirements in creation order.
func (s *Service) Requirements(_ context.Context) ([]*Requirement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Requirement, 0, len(s.reqOrder))
	for _, id := range s.reqOrder {
		cp := *s.requirements[id]
		out = append(out, &cp)
	}
	return out, nil
}

// failingRequirementsLocked returns the ids of active requirements the
// record fails, in creation order. Caller holds at least a read lock.
func (s *Service) failingRequirementsLocked(rec *ScoreRecord) []string {
	failing := []string{}
	for _, id := range s.reqOrder {
		req := s.requirements[id]
		if !req.Active {
			continue
		}
		if rec.pillarScore(req.Pillar) < req.MinScore {
			failing = append(failing, id)
		}
	}
	return failing
}
