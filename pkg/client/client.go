// Package client provides the Go SDK for the loan governance service:
// covenant registration and verification, governance rules and breaches,
// ESG scores, and audit trail queries.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// APIError is a structured error response from the service. The HTTP
// status code distinguishes validation (400), conflict (409), illegal
// transition or below-threshold (422), not found (404), and
// authentication (401) failures.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Covenant is a registered covenant hash.
type Covenant struct {
	LoanID       string    `json:"loan_id"`
	ContentHash  string    `json:"content_hash"`
	CovenantType string    `json:"covenant_type"`
	RegisteredBy string    `json:"registered_by"`
	Timestamp    time.Time `json:"timestamp"`
}

// Rule is a governance policy over one covenant type.
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

// Breach is a detected rule violation.
type Breach struct {
	BreachID       string    `json:"breach_id"`
	LoanID         string    `json:"loan_id"`
	RuleID         string    `json:"rule_id"`
	Severity       string    `json:"severity"`
	Status         string    `json:"status"`
	DetectedAt     time.Time `json:"detected_at"`
	ResolvedAt     time.Time `json:"resolved_at,omitzero"`
	DetectedBy     string    `json:"detected_by"`
	ResolvedBy     string    `json:"resolved_by,omitempty"`
	MitigationPlan string    `json:"mitigation_plan,omitempty"`
	PredictedValue float64   `json:"predicted_value"`
}

// ScoreRecord is one entry in a loan's ESG history.
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

// ComplianceResult is the outcome of an ESG compliance check.
type ComplianceResult struct {
	LoanID              string   `json:"loan_id"`
	IsCompliant         bool     `json:"is_compliant"`
	FailingRequirements []string `json:"failing_requirements"`
}

// AuditEntry is one record of the audit ledger.
type AuditEntry struct {
	EntryID       int64             `json:"entry_id"`
	Action        string            `json:"action"`
	EntityID      string            `json:"entity_id"`
	Actor         string            `json:"actor"`
	Timestamp     time.Time         `json:"timestamp"`
	PrevStateHash string            `json:"previous_state_hash"`
	NewStateHash  string            `json:"new_state_hash"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	PrevHash      string            `json:"prev_hash"`
	Hash          string            `json:"hash"`
}

// TrailSummary is a verified view over a range of the audit trail.
type TrailSummary struct {
	Entries    []*AuditEntry `json:"entries"`
	Total      int           `json:"total"`
	MerkleRoot string        `json:"merkle_root"`
	Verified   bool          `json:"verified"`
}

// ProofNode is one step of a Merkle proof.
type ProofNode struct {
	Hash string `json:"hash"`
	Left bool   `json:"left"`
}

// MerkleProofResult is the proof for one audit entry against a range.
type MerkleProofResult struct {
	EntryID int64       `json:"entry_id"`
	Leaf    string      `json:"leaf"`
	Root    string      `json:"root"`
	Proof   []ProofNode `json:"proof"`
}

// Status is the service health snapshot.
type Status struct {
	Status        string `json:"status"`
	LedgerEntries int    `json:"ledger_entries"`
	LedgerRoot    string `json:"ledger_root"`
	WalletAddress string `json:"wallet_address,omitempty"`
	Network       string `json:"network,omitempty"`
}

// Client is the SDK entry point.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	bearerToken string
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBearerToken attaches an actor token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) { c.bearerToken = token }
}

// New creates a Client for the service at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// do executes one JSON request against the API and decodes the response
// into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, reqBody, out any) error {
	var bodyReader io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBytes, &payload)
		msg := payload.Error
		if msg == "" {
			msg = string(respBytes)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out != nil && len(respBytes) > 0 {
		if err := json.Unmarshal(respBytes, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// RegisterCovenant anchors a covenant content hash for a loan.
func (c *Client) RegisterCovenant(ctx context.Context, loanID, contentHash, covenantType, actor string) (*Covenant, error) {
	var cov Covenant
	err := c.do(ctx, http.MethodPost, "/api/v1/covenants", map[string]string{
		"loan_id":       loanID,
		"content_hash":  contentHash,
		"covenant_type": covenantType,
		"actor":         actor,
	}, &cov)
	if err != nil {
		return nil, err
	}
	return &cov, nil
}

// VerifyCovenant reports whether hash matches the registered covenant.
// Unknown loans verify false without error.
func (c *Client) VerifyCovenant(ctx context.Context, loanID, hash string) (bool, error) {
	var resp struct {
		Valid bool `json:"valid"`
	}
	path := "/api/v1/covenants/" + url.PathEscape(loanID) + "/verify?hash=" + url.QueryEscape(hash)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return false, err
	}
	return resp.Valid, nil
}

// GetCovenant returns the registered covenant for a loan.
func (c *Client) GetCovenant(ctx context.Context, loanID string) (*Covenant, error) {
	var cov Covenant
	if err := c.do(ctx, http.MethodGet, "/api/v1/covenants/"+url.PathEscape(loanID), nil, &cov); err != nil {
		return nil, err
	}
	return &cov, nil
}

// CreateRuleRequest is the payload for CreateRule.
type CreateRuleRequest struct {
	RuleID          string   `json:"rule_id"`
	CovenantType    string   `json:"covenant_type"`
	Threshold       float64  `json:"threshold"`
	Approvers       []string `json:"approvers"`
	GracePeriodDays int      `json:"grace_period_days"`
	Actor           string   `json:"actor,omitempty"`
}

// CreateRule registers a governance rule.
func (c *Client) CreateRule(ctx context.Context, req CreateRuleRequest) (*Rule, error) {
	var rule Rule
	if err := c.do(ctx, http.MethodPost, "/api/v1/rules", req, &rule); err != nil {
		return nil, err
	}
	return &rule, nil
}

// GetRule returns a governance rule.
func (c *Client) GetRule(ctx context.Context, ruleID string) (*Rule, error) {
	var rule Rule
	if err := c.do(ctx, http.MethodGet, "/api/v1/rules/"+url.PathEscape(ruleID), nil, &rule); err != nil {
		return nil, err
	}
	return &rule, nil
}

// DetectBreachRequest is the payload for DetectBreach. BreachID may be
// empty; the service derives one.
type DetectBreachRequest struct {
	BreachID       string  `json:"breach_id,omitempty"`
	LoanID         string  `json:"loan_id"`
	RuleID         string  `json:"rule_id"`
	Severity       string  `json:"severity"`
	PredictedValue float64 `json:"predicted_value"`
	Actor          string  `json:"actor,omitempty"`
}

// DetectBreach opens a breach against a loan.
func (c *Client) DetectBreach(ctx context.Context, req DetectBreachRequest) (*Breach, error) {
	var breach Breach
	if err := c.do(ctx, http.MethodPost, "/api/v1/breaches", req, &breach); err != nil {
		return nil, err
	}
	return &breach, nil
}

// UpdateBreachStatus advances a breach through its workflow.
func (c *Client) UpdateBreachStatus(ctx context.Context, breachID, status, reason, actor string) (*Breach, error) {
	var breach Breach
	err := c.do(ctx, http.MethodPatch, "/api/v1/breaches/"+url.PathEscape(breachID)+"/status", map[string]string{
		"status": status,
		"reason": reason,
		"actor":  actor,
	}, &breach)
	if err != nil {
		return nil, err
	}
	return &breach, nil
}

// GetBreach returns one breach.
func (c *Client) GetBreach(ctx context.Context, breachID string) (*Breach, error) {
	var breach Breach
	if err := c.do(ctx, http.MethodGet, "/api/v1/breaches/"+url.PathEscape(breachID), nil, &breach); err != nil {
		return nil, err
	}
	return &breach, nil
}

// BreachesForLoan returns a loan's breaches in detection order.
func (c *Client) BreachesForLoan(ctx context.Context, loanID string) ([]*Breach, error) {
	var resp struct {
		Breaches []*Breach `json:"breaches"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/loans/"+url.PathEscape(loanID)+"/breaches", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Breaches, nil
}

// RecordESGScore appends an ESG score record for a loan.
func (c *Client) RecordESGScore(ctx context.Context, loanID string, environmental, social, governance float64, evidenceHash, actor string) (*ScoreRecord, error) {
	var rec ScoreRecord
	err := c.do(ctx, http.MethodPost, "/api/v1/esg/scores", map[string]any{
		"loan_id":       loanID,
		"environmental": environmental,
		"social":        social,
		"governance":    governance,
		"evidence_hash": evidenceHash,
		"actor":         actor,
	}, &rec)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CurrentESGScore returns a loan's latest ESG record.
func (c *Client) CurrentESGScore(ctx context.Context, loanID string) (*ScoreRecord, error) {
	var rec ScoreRecord
	if err := c.do(ctx, http.MethodGet, "/api/v1/esg/loans/"+url.PathEscape(loanID)+"/current", nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ESGHistory returns a loan's full ESG score history.
func (c *Client) ESGHistory(ctx context.Context, loanID string) ([]*ScoreRecord, error) {
	var resp struct {
		History []*ScoreRecord `json:"history"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/esg/loans/"+url.PathEscape(loanID)+"/history", nil, &resp); err != nil {
		return nil, err
	}
	return resp.History, nil
}

// CheckESGCompliance evaluates a loan's latest score against the active
// requirements.
func (c *Client) CheckESGCompliance(ctx context.Context, loanID string) (*ComplianceResult, error) {
	var res ComplianceResult
	if err := c.do(ctx, http.MethodGet, "/api/v1/esg/loans/"+url.PathEscape(loanID)+"/compliance", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ESGTrend returns the score direction over the last window records.
func (c *Client) ESGTrend(ctx context.Context, loanID string, window int) (string, error) {
	var resp struct {
		Trend string `json:"trend"`
	}
	path := fmt.Sprintf("/api/v1/esg/loans/%s/trend?window=%d", url.PathEscape(loanID), window)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return "", err
	}
	return resp.Trend, nil
}

// AddESGRequirement registers a compliance requirement.
func (c *Client) AddESGRequirement(ctx context.Context, requirementID, pillar string, minScore, weight float64, actor string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/esg/requirements", map[string]any{
		"requirement_id": requirementID,
		"pillar":         pillar,
		"min_score":      minScore,
		"weight":         weight,
		"actor":          actor,
	}, nil)
}

// GetAuditEntry returns one audit ledger entry.
func (c *Client) GetAuditEntry(ctx context.Context, id int64) (*AuditEntry, error) {
	var entry AuditEntry
	if err := c.do(ctx, http.MethodGet, "/api/v1/audit/entries/"+strconv.FormatInt(id, 10), nil, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// AuditsForEntity returns all entries for an entity in insertion order.
func (c *Client) AuditsForEntity(ctx context.Context, entityID string) ([]*AuditEntry, error) {
	var resp struct {
		Entries []*AuditEntry `json:"entries"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/audit/entities/"+url.PathEscape(entityID), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// AuditsForActor returns all entries recorded by an actor.
func (c *Client) AuditsForActor(ctx context.Context, actor string) ([]*AuditEntry, error) {
	var resp struct {
		Entries []*AuditEntry `json:"entries"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/audit/actors/"+url.PathEscape(actor), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// RecentAudits returns up to limit entries, most recent first.
func (c *Client) RecentAudits(ctx context.Context, limit, offset int) ([]*AuditEntry, error) {
	var resp struct {
		Entries []*AuditEntry `json:"entries"`
	}
	path := fmt.Sprintf("/api/v1/audit/recent?limit=%d&offset=%d", limit, offset)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// VerifyTrail checks state-chain consistency over [start, end].
func (c *Client) VerifyTrail(ctx context.Context, start, end int64) (bool, error) {
	var resp struct {
		Valid bool `json:"valid"`
	}
	path := fmt.Sprintf("/api/v1/audit/verify?start=%d&end=%d", start, end)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return false, err
	}
	return resp.Valid, nil
}

// TrailSummary returns the entries, Merkle root, and verification result
// for a trail range.
func (c *Client) TrailSummary(ctx context.Context, start, end int64) (*TrailSummary, error) {
	var summary TrailSummary
	path := fmt.Sprintf("/api/v1/audit/summary?start=%d&end=%d", start, end)
	if err := c.do(ctx, http.MethodGet, path, nil, &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// MerkleProof returns the inclusion proof for one entry against the
// range's leaf set.
func (c *Client) MerkleProof(ctx context.Context, start, end, entryID int64) (*MerkleProofResult, error) {
	var proof MerkleProofResult
	path := fmt.Sprintf("/api/v1/audit/proof?start=%d&end=%d&entry=%d", start, end, entryID)
	if err := c.do(ctx, http.MethodGet, path, nil, &proof); err != nil {
		return nil, err
	}
	return &proof, nil
}

// GetStatus returns the service health snapshot.
func (c *Client) GetStatus(ctx context.Context) (*Status, error) {
	var st Status
	if err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}
