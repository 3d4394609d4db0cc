package governance

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

// Engine holds governance rules and breaches. State is guarded by a
// single mutex: rule and breach mutations are rare compared to reads,
// and a breach transition must observe its rule atomically.
type Engine struct {
	mu       sync.RWMutex
	rules    map[string]*Rule
	breaches map[string]*Breach
	byLoan   map[string][]string // loanID → breach ids, insertion order

	audit  ledger.Ledger // nil = no audit writes
	bus    *events.Bus   // nil = no event fan-out
	logger *zap.Logger
}

// NewEngine creates a governance Engine. audit and bus may each be nil
// to disable that side effect.
func NewEngine(audit ledger.Ledger, bus *events.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		rules:    make(map[string]*Rule),
		breaches: make(map[string]*Breach),
		byLoan:   make(map[string][]string),
		audit:    audit,
		bus:      bus,
		logger:   logger,
	}
}

// RuleSpec is the input to CreateRule.
type RuleSpec struct {
	RuleID          string   `json:"rule_id"`
	CovenantType    string   `json:"covenant_type"`
	Threshold       float64  `json:"threshold"`
	Approvers       []string `json:"approvers"`
	GracePeriodDays int      `json:"grace_period_days"`
}

// CreateRule registers a new governance rule.
//
// Fails with a Validation fault on empty rule id, empty covenant type,
// negative threshold, empty approver set, or a grace period outside
// [1, 365]; with a Conflict fault when the rule id exists.
func (e *Engine) CreateRule(ctx context.Context, spec RuleSpec, actor string) (*Rule, error) {
	if spec.RuleID == "" {
		return nil, fault.New(fault.KindValidation, "rule id must not be empty")
	}
	if spec.CovenantType == "" {
		return nil, fault.New(fault.KindValidation, "covenant type must not be empty")
	}
	if spec.Threshold < 0 {
		return nil, fault.New(fault.KindValidation, "threshold must be non-negative")
	}
	if len(spec.Approvers) == 0 {
		return nil, fault.New(fault.KindValidation, "approver set must not be empty")
	}
	if spec.GracePeriodDays < 1 || spec.GracePeriodDays > 365 {
		return nil, fault.Newf(fault.KindValidation, "grace period %d days outside [1, 365]", spec.GracePeriodDays)
	}

	rule := &Rule{
		RuleID:          spec.RuleID,
		CovenantType:    spec.CovenantType,
		Threshold:       spec.Threshold,
		Approvers:       append([]string(nil), spec.Approvers...),
		GracePeriodDays: spec.GracePeriodDays,
		Active:          true,
		CreatedAt:       time.Now().UTC(),
	}

	e.mu.Lock()
	if _, ok := e.rules[spec.RuleID]; ok {
		e.mu.Unlock()
		return nil, fault.Newf(fault.KindConflict, "rule %s already exists", spec.RuleID)
	}
	e.rules[spec.RuleID] = rule
	e.mu.Unlock()

	e.logAudit(ctx, ledger.ActionRuleCreated, rule.RuleID, actor, rule, map[string]string{
		"covenant_type": rule.CovenantType,
	})
	e.logger.Info("governance rule created",
		zap.String("rule_id", rule.RuleID),
		zap.Float64("threshold", rule.Threshold),
	)
	return e.snapshotRule(rule.RuleID), nil
}

// DetectBreach opens a breach against loanID for the given rule.
//
// Fails with a NotFound fault when the rule is unknown, a State fault
// when the rule is inactive, a Conflict fault when the breach id
// exists, and a BelowThreshold fault when predictedValue does not
// strictly exceed the rule threshold. On success the breach is Pending,
// the rule's breach counter increments, an audit entry is appended, and
// BreachDetected is emitted.
func (e *Engine) DetectBreach(ctx context.Context, breachID, loanID, ruleID string, severity Severity, predictedValue float64, actor string) (*Breach, error) {
	if !ValidSeverity(severity) {
		return nil, fault.Newf(fault.KindValidation, "unknown severity %q", severity)
	}
	if loanID == "" {
		return nil, fault.New(fault.KindValidation, "loan id must not be empty")
	}

	now := time.Now().UTC()
	if breachID == "" {
		breachID = integrity.BreachID(loanID, ruleID, now.Unix())
	}

	e.mu.Lock()
	rule, ok := e.rules[ruleID]
	if !ok {
		e.mu.Unlock()
		return nil, fault.Newf(fault.KindNotFound, "rule %s does not exist", ruleID)
	}
	if !rule.Active {
		e.mu.Unlock()
		return nil, fault.Newf(fault.KindState, "rule %s is not active", ruleID)
	}
	if _, ok := e.breaches[breachID]; ok {
		e.mu.Unlock()
		return nil, fault.Newf(fault.KindConflict, "breach %s already exists", breachID)
	}
	if predictedValue <= rule.Threshold {
		e.mu.Unlock()
		return nil, fault.Newf(fault.KindBelowThreshold,
			"predicted value %.4f does not exceed threshold %.4f of rule %s",
			predictedValue, rule.Threshold, ruleID)
	}

	breach := &Breach{
		BreachID:       breachID,
		LoanID:         loanID,
		RuleID:         ruleID,
		Severity:       severity,
		Status:         StatusPending,
		DetectedAt:     now,
		DetectedBy:     actor,
		PredictedValue: predictedValue,
	}
	e.breaches[breachID] = breach
	e.byLoan[loanID] = append(e.byLoan[loanID], breachID)
	rule.BreachCount++
	snapshot := *breach
	e.mu.Unlock()

	e.logAudit(ctx, ledger.ActionBreachDetected, breachID, actor, &snapshot, map[string]string{
		"loan_id":  loanID,
		"rule_id":  ruleID,
		"severity": string(severity),
	})
	if e.bus != nil {
		e.bus.Emit(events.BreachDetected, &snapshot)
	}
	e.logger.Warn("covenant breach detected",
		zap.String("breach_id", breachID),
		zap.String("loan_id", loanID),
		zap.String("rule_id", ruleID),
		zap.String("severity", string(severity)),
	)
	return &snapshot, nil
}

// UpdateBreachStatus advances a breach through the workflow:
// pending → approved | rejected, approved → mitigated. Rejected and
// mitigated admit no further transition.
//
// Fails with a NotFound fault on an unknown breach, an Authentication
// fault when actor is not an approver of the breach's rule, a
// Validation fault on an unknown status, and a State fault on an
// illegal transition. Entering rejected or mitigated records
// ResolvedAt/ResolvedBy; the reason becomes the mitigation plan when
// entering mitigated.
func (e *Engine) UpdateBreachStatus(ctx context.Context, breachID string, newStatus Status, reason, actor string) (*Breach, error) {
	if !ValidStatus(newStatus) {
		return nil, fault.Newf(fault.KindValidation, "unknown status %q", newStatus)
	}

	e.mu.Lock()
	breach, ok := e.breaches[breachID]
	if !ok {
		e.mu.Unlock()
		return nil, fault.Newf(fault.KindNotFound, "breach %s does not exist", breachID)
	}
	rule := e.rules[breach.RuleID]
	if rule != nil && !rule.approvedBy(actor) {
		e.mu.Unlock()
		return nil, fault.Newf(fault.KindAuthentication, "actor %s is not an approver of rule %s", actor, breach.RuleID)
	}
	if !canTransition(breach.Status, newStatus) {
		from := breach.Status
		e.mu.Unlock()
		return nil, fault.Newf(fault.KindState, "illegal breach transition %s → %s", from, newStatus)
	}

	prevSnapshot := *breach
	breach.Status = newStatus
	if resolved(newStatus) {
		breach.ResolvedAt = time.Now().UTC()
		breach.ResolvedBy = actor
	}
	if newStatus == StatusMitigated && reason != "" {
		breach.MitigationPlan = reason
	}
	snapshot := *breach
	e.mu.Unlock()

	prevHash, _ := integrity.HashObject(&prevSnapshot)
	newHash, _ := integrity.HashObject(&snapshot)
	if e.audit != nil {
		if _, err := e.audit.Append(ctx, ledger.Record{
			Action:        ledger.ActionBreachStatusChanged,
			EntityID:      breachID,
			Actor:         actor,
			PrevStateHash: prevHash,
			NewStateHash:  newHash,
			Metadata: map[string]string{
				"from":   string(prevSnapshot.Status),
				"to":     string(newStatus),
				"reason": reason,
			},
		}); err != nil {
			e.logger.Error("audit append failed for breach transition",
				zap.String("breach_id", breachID), zap.Error(err))
		}
	}
	e.logger.Info("breach status updated",
		zap.String("breach_id", breachID),
		zap.String("from", string(prevSnapshot.Status)),
		zap.String("to", string(newStatus)),
	)
	return &snapshot, nil
}

// GetRule returns the rule; NotFound fault when absent.
func (e *Engine) GetRule(_ context.Context, ruleID string) (*Rule, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rule, ok := e.rules[ruleID]
	if !ok {
		return nil, fault.Newf(fault.KindNotFound, "rule %s does not exist", ruleID)
	}
	cp := *rule
	cp.Approvers = append([]string(nil), rule.Approvers...)
	return &cp, nil
}

// GetBreach returns the breach; NotFound fault when absent.
func (e *Engine) GetBreach(_ context.Context, breachID string) (*Breach, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	breach, ok := e.breaches[breachID]
	if !ok {
		return nil, fault.Newf(fault.KindNotFound, "breach %s does not exist", breachID)
	}
	cp := *breach
	return &cp, nil
}

// BreachesForLoan returns the loan's breaches in detection order.
func (e *Engine) BreachesForLoan(_ context.Context, loanID string) ([]*Breach, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := []*Breach{}
	for _, id := range e.byLoan[loanID] {
		cp := *e.breaches[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (e *Engine) snapshotRule(ruleID string) *Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rule := e.rules[ruleID]
	cp := *rule
	cp.Approvers = append([]string(nil), rule.Approvers...)
	return &cp
}

// logAudit hashes the entity state and appends a state-linked entry.
func (e *Engine) logAudit(ctx context.Context, action, entityID, actor string, state any, meta map[string]string) {
	if e.audit == nil {
		return
	}
	newHash, err := integrity.HashObject(state)
	if err != nil {
		e.logger.Error("hash entity state", zap.String("entity_id", entityID), zap.Error(err))
		return
	}
	if _, err := e.audit.Append(ctx, ledger.Record{
		Action:       action,
		EntityID:     entityID,
		Actor:        actor,
		NewStateHash: newHash,
		Metadata:     meta,
	}); err != nil {
		e.logger.Error("audit append failed",
			zap.String("action", action),
			zap.String("entity_id", entityID),
			zap.Error(err),
		)
	}
}
