package client_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/loanlife/loanledger/internal/covenant"
	"github.com/loanlife/loanledger/internal/esg"
	"github.com/loanlife/loanledger/internal/governance"
	"github.com/loanlife/loanledger/internal/integrity"
	"github.com/loanlife/loanledger/internal/ledger"
	"github.com/loanlife/loanledger/internal/server"
	"github.com/loanlife/loanledger/pkg/client"
)

var ctx = context.Background()

func newTestService(t *testing.T) *client.Client {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()
	l := ledger.New()
	router := server.NewRouter(server.Config{}, server.Deps{
		Covenants:  covenant.NewRegistry(covenant.NewMemoryStore(), l, nil, logger),
		Governance: governance.NewEngine(l, nil, logger),
		ESG:        esg.NewService(l, nil, logger),
		Ledger:     l,
		Logger:     logger,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return client.New(srv.URL)
}

func TestCovenantRoundTrip(t *testing.T) {
	c := newTestService(t)
	hash := integrity.HashString("dscr >= 1.25")

	cov, err := c.RegisterCovenant(ctx, "LN-100", hash, "FINANCIAL", "0xabc")
	if err != nil {
		t.Fatal(err)
	}
	if cov.ContentHash != hash {
		t.Errorf("registered hash: got %s", cov.ContentHash)
	}

	ok, err := c.VerifyCovenant(ctx, "LN-100", hash)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("registered hash failed verification")
	}

	ok, err = c.VerifyCovenant(ctx, "LN-100", integrity.HashString("other"))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("wrong hash verified")
	}

	// Duplicate registration surfaces a 409 APIError.
	_, err = c.RegisterCovenant(ctx, "LN-100", integrity.HashString("v2"), "FINANCIAL", "0xabc")
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 409 {
		t.Errorf("duplicate registration: got %v", err)
	}
}

func TestBreachWorkflow(t *testing.T) {
	c := newTestService(t)

	if _, err := c.CreateRule(ctx, client.CreateRuleRequest{
		RuleID: "DTE-1", CovenantType: "FINANCIAL", Threshold: 3.5,
		Approvers: []string{"0xa11ce"}, GracePeriodDays: 30, Actor: "0xa11ce",
	}); err != nil {
		t.Fatal(err)
	}

	breach, err := c.DetectBreach(ctx, client.DetectBreachRequest{
		BreachID: "b-1", LoanID: "LN-1", RuleID: "DTE-1",
		Severity: "high", PredictedValue: 4.2, Actor: "0xa11ce",
	})
	if err != nil {
		t.Fatal(err)
	}
	if breach.Status != "pending" {
		t.Errorf("status: got %s", breach.Status)
	}

	breach, err = c.UpdateBreachStatus(ctx, "b-1", "approved", "confirmed", "0xa11ce")
	if err != nil {
		t.Fatal(err)
	}
	if breach.Status != "approved" {
		t.Errorf("status after approve: got %s", breach.Status)
	}

	rule, err := c.GetRule(ctx, "DTE-1")
	if err != nil {
		t.Fatal(err)
	}
	if rule.BreachCount != 1 {
		t.Errorf("breach count: got %d", rule.BreachCount)
	}

	breaches, err := c.BreachesForLoan(ctx, "LN-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(breaches) != 1 || breaches[0].BreachID != "b-1" {
		t.Errorf("loan breaches: got %+v", breaches)
	}
}

func TestESGAndTrend(t *testing.T) {
	c := newTestService(t)

	for _, v := range []float64{30, 50, 80} {
		if _, err := c.RecordESGScore(ctx, "LN-1", v, v, v, "evidence", "0xabc"); err != nil {
			t.Fatal(err)
		}
	}

	rec, err := c.CurrentESGScore(ctx, "LN-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.TotalScore != 80 {
		t.Errorf("current total: got %v", rec.TotalScore)
	}

	hist, err := c.ESGHistory(ctx, "LN-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 3 {
		t.Errorf("history: got %d records", len(hist))
	}

	trend, err := c.ESGTrend(ctx, "LN-1", 5)
	if err != nil {
		t.Fatal(err)
	}
	if trend != "improving" {
		t.Errorf("trend: got %s", trend)
	}
}

func TestAuditTrailQueries(t *testing.T) {
	c := newTestService(t)

	for _, loan := range []string{"LN-1", "LN-2"} {
		if _, err := c.RegisterCovenant(ctx, loan, integrity.HashString(loan), "FINANCIAL", "0xabc"); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := c.AuditsForActor(ctx, "0xabc")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("actor entries: got %d", len(entries))
	}

	ok, err := c.VerifyTrail(ctx, 0, entries[1].EntryID)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("trail failed verification")
	}

	summary, err := c.TrailSummary(ctx, 0, entries[1].EntryID)
	if err != nil {
		t.Fatal(err)
	}
	if !summary.Verified || summary.MerkleRoot == "" {
		t.Errorf("summary: %+v", summary)
	}

	proof, err := c.MerkleProof(ctx, 0, entries[1].EntryID, entries[0].EntryID)
	if err != nil {
		t.Fatal(err)
	}
	if !integrity.VerifyMerkleProof(proof.Leaf, toIntegrityProof(proof.Proof), proof.Root) {
		t.Error("merkle proof failed local verification")
	}

	st, err := c.GetStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.LedgerEntries != 3 {
		t.Errorf("ledger entries: got %d, want 3", st.LedgerEntries)
	}
}

func toIntegrityProof(nodes []client.ProofNode) []integrity.ProofNode {
	out := make([]integrity.ProofNode, len(nodes))
	for i, n := range nodes {
		out[i] = integrity.ProofNode{Hash: n.Hash, Left: n.Left}
	}
	return out
}
