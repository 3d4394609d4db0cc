package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/loanlife/loanledger/internal/covenant"
	"github.com/loanlife/loanledger/internal/esg"
	"github.com/loanlife/loanledger/internal/governance"
	"github.com/loanlife/loanledger/internal/integrity"
	"github.com/loanlife/loanledger/internal/ledger"
	"github.com/loanlife/loanledger/internal/notify"
	"github.com/loanlife/loanledger/internal/server"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func ctxForTest() context.Context { return context.Background() }

func newTestRouter(t *testing.T) (*gin.Engine, *ledger.MemoryLedger) {
	t.Helper()
	logger := zap.NewNop()
	l := ledger.New()
	deps := server.Deps{
		Covenants:   covenant.NewRegistry(covenant.NewMemoryStore(), l, nil, logger),
		Governance:  governance.NewEngine(l, nil, logger),
		ESG:         esg.NewService(l, nil, logger),
		Ledger:      l,
		Idempotency: server.NewMemoryIdempotencyStore(),
		Notify:      notify.NewService(notify.NewMemoryStore(), logger),
		Logger:      logger,
	}
	return server.NewRouter(server.Config{}, deps), l
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return m
}

func TestHealthz(t *testing.T) {
	router, _ := newTestRouter(t)
	w := doJSON(t, router, http.MethodGet, "/healthz", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
}

func TestStatus(t *testing.T) {
	router, _ := newTestRouter(t)
	w := doJSON(t, router, http.MethodGet, "/api/v1/status", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["ledger_entries"].(float64) != 1 {
		t.Errorf("ledger_entries: got %v, want 1 (genesis)", resp["ledger_entries"])
	}
	if resp["ledger_root"] == "" {
		t.Error("ledger_root missing")
	}
}

func TestCovenantEndpoints(t *testing.T) {
	router, _ := newTestRouter(t)
	hash := integrity.HashString("dscr >= 1.25")

	w := doJSON(t, router, http.MethodPost, "/api/v1/covenants", gin.H{
		"loan_id": "LN-100", "content_hash": hash, "covenant_type": "FINANCIAL", "actor": "0xabc",
	}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("register: got %d: %s", w.Code, w.Body.String())
	}

	// Duplicate → 409.
	w = doJSON(t, router, http.MethodPost, "/api/v1/covenants", gin.H{
		"loan_id": "LN-100", "content_hash": integrity.HashString("other"), "covenant_type": "FINANCIAL",
	}, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate register: got %d", w.Code)
	}

	// Verify true.
	w = doJSON(t, router, http.MethodGet, "/api/v1/covenants/LN-100/verify?hash="+hash, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("verify: got %d", w.Code)
	}
	if valid := decode(t, w)["valid"]; valid != true {
		t.Errorf("verify valid: got %v", valid)
	}

	// Verify false for unknown loan, still 200.
	w = doJSON(t, router, http.MethodGet, "/api/v1/covenants/LN-404/verify?hash="+hash, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("verify unknown loan: got %d", w.Code)
	}
	if valid := decode(t, w)["valid"]; valid != false {
		t.Errorf("unknown loan valid: got %v", valid)
	}

	// Get.
	w = doJSON(t, router, http.MethodGet, "/api/v1/covenants/LN-100", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: got %d", w.Code)
	}
	if got := decode(t, w)["content_hash"]; got != hash {
		t.Errorf("stored hash: got %v", got)
	}
}

func TestGovernanceEndpoints(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/rules", gin.H{
		"rule_id": "DTE-1", "covenant_type": "FINANCIAL", "threshold": 3.5,
		"approvers": []string{"0xa11ce"}, "grace_period_days": 30, "actor": "0xa11ce",
	}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create rule: got %d: %s", w.Code, w.Body.String())
	}

	// Below threshold → 422.
	w = doJSON(t, router, http.MethodPost, "/api/v1/breaches", gin.H{
		"breach_id": "b-1", "loan_id": "LN-1", "rule_id": "DTE-1",
		"severity": "high", "predicted_value": 3.0, "actor": "0xa11ce",
	}, nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("below threshold: got %d", w.Code)
	}

	// Genuine breach.
	w = doJSON(t, router, http.MethodPost, "/api/v1/breaches", gin.H{
		"breach_id": "b-1", "loan_id": "LN-1", "rule_id": "DTE-1",
		"severity": "high", "predicted_value": 4.2, "actor": "0xa11ce",
	}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("detect breach: got %d: %s", w.Code, w.Body.String())
	}
	if status := decode(t, w)["status"]; status != "pending" {
		t.Errorf("new breach status: got %v", status)
	}

	// Approve, then an illegal transition.
	w = doJSON(t, router, http.MethodPatch, "/api/v1/breaches/b-1/status", gin.H{
		"status": "approved", "actor": "0xa11ce",
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("approve: got %d: %s", w.Code, w.Body.String())
	}
	w = doJSON(t, router, http.MethodPatch, "/api/v1/breaches/b-1/status", gin.H{
		"status": "pending", "actor": "0xa11ce",
	}, nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("illegal transition: got %d", w.Code)
	}

	// Non-approver → 401.
	w = doJSON(t, router, http.MethodPatch, "/api/v1/breaches/b-1/status", gin.H{
		"status": "mitigated", "actor": "0xeve",
	}, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("non-approver: got %d", w.Code)
	}

	// Breach listing per loan.
	w = doJSON(t, router, http.MethodGet, "/api/v1/loans/LN-1/breaches", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list breaches: got %d", w.Code)
	}
	breaches := decode(t, w)["breaches"].([]any)
	if len(breaches) != 1 {
		t.Errorf("breaches: got %d, want 1", len(breaches))
	}
}

func TestESGEndpoints(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/esg/requirements", gin.H{
		"requirement_id": "env-min", "pillar": "environmental", "min_score": 60, "weight": 10,
	}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("add requirement: got %d: %s", w.Code, w.Body.String())
	}

	// Out-of-range pillar → 400.
	w = doJSON(t, router, http.MethodPost, "/api/v1/esg/scores", gin.H{
		"loan_id": "LN-1", "environmental": 101, "social": 50, "governance": 50, "evidence_hash": "e",
	}, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("pillar 101: got %d", w.Code)
	}

	for _, total := range []float64{40, 50, 70} {
		w = doJSON(t, router, http.MethodPost, "/api/v1/esg/scores", gin.H{
			"loan_id": "LN-1", "environmental": total, "social": total, "governance": total,
			"evidence_hash": "e", "actor": "0xabc",
		}, nil)
		if w.Code != http.StatusCreated {
			t.Fatalf("record score: got %d: %s", w.Code, w.Body.String())
		}
	}

	w = doJSON(t, router, http.MethodGet, "/api/v1/esg/loans/LN-1/current", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("current: got %d", w.Code)
	}
	if total := decode(t, w)["total_score"].(float64); total != 70 {
		t.Errorf("current total: got %v", total)
	}

	w = doJSON(t, router, http.MethodGet, "/api/v1/esg/loans/LN-1/trend?window=5", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("trend: got %d", w.Code)
	}
	if trend := decode(t, w)["trend"]; trend != "improving" {
		t.Errorf("trend: got %v", trend)
	}

	// Latest score (70) is above env-min, so compliant.
	w = doJSON(t, router, http.MethodGet, "/api/v1/esg/loans/LN-1/compliance", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("compliance: got %d", w.Code)
	}
	if ok := decode(t, w)["is_compliant"]; ok != true {
		t.Errorf("is_compliant: got %v", ok)
	}

	w = doJSON(t, router, http.MethodGet, "/api/v1/esg/loans/LN-404/current", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown loan current: got %d", w.Code)
	}
}

func TestAuditEndpoints(t *testing.T) {
	router, l := newTestRouter(t)

	// Create some trail entries through the API.
	for i := 0; i < 3; i++ {
		hash := integrity.HashString(fmt.Sprintf("covenant %d", i))
		w := doJSON(t, router, http.MethodPost, "/api/v1/covenants", gin.H{
			"loan_id": fmt.Sprintf("LN-%d", i), "content_hash": hash,
			"covenant_type": "FINANCIAL", "actor": "0xabc",
		}, nil)
		if w.Code != http.StatusCreated {
			t.Fatalf("register %d: got %d", i, w.Code)
		}
	}
	total, _ := l.Len(ctxForTest())
	if total != 4 {
		t.Fatalf("trail length: got %d, want 4 (genesis + 3)", total)
	}

	w := doJSON(t, router, http.MethodGet, "/api/v1/audit", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("overview: got %d", w.Code)
	}
	if entries := decode(t, w)["entries"].(float64); entries != 4 {
		t.Errorf("overview entries: got %v", entries)
	}

	w = doJSON(t, router, http.MethodGet, "/api/v1/audit/verify?start=0&end=3", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("verify range: got %d", w.Code)
	}
	if valid := decode(t, w)["valid"]; valid != true {
		t.Errorf("range valid: got %v", valid)
	}

	w = doJSON(t, router, http.MethodGet, "/api/v1/audit/verify", nil, nil)
	if valid := decode(t, w)["valid"]; valid != true {
		t.Errorf("chain valid: got %v", valid)
	}

	w = doJSON(t, router, http.MethodGet, "/api/v1/audit/summary?start=0&end=3", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("summary: got %d: %s", w.Code, w.Body.String())
	}
	summary := decode(t, w)
	if summary["verified"] != true || summary["merkle_root"] == "" {
		t.Errorf("summary: got %+v", summary)
	}

	w = doJSON(t, router, http.MethodGet, "/api/v1/audit/proof?start=0&end=3&entry=2", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("proof: got %d: %s", w.Code, w.Body.String())
	}
	proofResp := decode(t, w)
	if proofResp["root"] == "" || proofResp["leaf"] == "" {
		t.Errorf("proof response: got %+v", proofResp)
	}

	w = doJSON(t, router, http.MethodGet, "/api/v1/audit/recent?limit=2&offset=0", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("recent: got %d", w.Code)
	}
	recent := decode(t, w)["entries"].([]any)
	if len(recent) != 2 {
		t.Errorf("recent entries: got %d, want 2", len(recent))
	}

	w = doJSON(t, router, http.MethodGet, "/api/v1/audit/entries/0", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get genesis: got %d", w.Code)
	}

	w = doJSON(t, router, http.MethodGet, "/api/v1/audit/entries/999", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing entry: got %d", w.Code)
	}
}

func TestIdempotency(t *testing.T) {
	router, _ := newTestRouter(t)
	hash := integrity.HashString("terms")
	headers := map[string]string{"Idempotency-Key": "req-1"}

	w := doJSON(t, router, http.MethodPost, "/api/v1/covenants", gin.H{
		"loan_id": "LN-1", "content_hash": hash, "covenant_type": "FINANCIAL",
	}, headers)
	if w.Code != http.StatusCreated {
		t.Fatalf("first request: got %d", w.Code)
	}

	// Same key replayed → 409 before the handler runs.
	w = doJSON(t, router, http.MethodPost, "/api/v1/covenants", gin.H{
		"loan_id": "LN-2", "content_hash": hash, "covenant_type": "FINANCIAL",
	}, headers)
	if w.Code != http.StatusConflict {
		t.Errorf("replayed key: got %d", w.Code)
	}

	// A fresh key proceeds.
	w = doJSON(t, router, http.MethodPost, "/api/v1/covenants", gin.H{
		"loan_id": "LN-2", "content_hash": hash, "covenant_type": "FINANCIAL",
	}, map[string]string{"Idempotency-Key": "req-2"})
	if w.Code != http.StatusCreated {
		t.Errorf("fresh key: got %d", w.Code)
	}
}

func TestMemoryIdempotencyStore_expiry(t *testing.T) {
	store := server.NewMemoryIdempotencyStore()
	ok, err := store.Reserve(ctxForTest(), "k", 10*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("first reserve: ok=%v err=%v", ok, err)
	}
	if ok, _ := store.Reserve(ctxForTest(), "k", 10*time.Millisecond); ok {
		t.Error("duplicate reserve inside ttl succeeded")
	}
	time.Sleep(20 * time.Millisecond)
	if ok, _ := store.Reserve(ctxForTest(), "k", 10*time.Millisecond); !ok {
		t.Error("reserve after expiry failed")
	}
}

func TestSubscriptionEndpoints(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/subscriptions", gin.H{
		"url": "http://example.com/hook", "events": []string{"breach.detected"}, "actor": "0xabc",
	}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: got %d, body %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["secret"] == "" {
		t.Error("secret not returned on creation")
	}
	sub := body["subscription"].(map[string]any)
	subID := sub["id"].(string)

	// Unknown event types are rejected.
	w = doJSON(t, router, http.MethodPost, "/api/v1/subscriptions", gin.H{
		"url": "http://example.com/hook", "events": []string{"loan.refinanced"}, "actor": "0xabc",
	}, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown event: got %d", w.Code)
	}

	w = doJSON(t, router, http.MethodGet, "/api/v1/subscriptions?owner=0xabc", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: got %d", w.Code)
	}
	if n := decode(t, w)["count"].(float64); n != 1 {
		t.Errorf("subscription count: got %v", n)
	}

	// Deleting under a different owner is rejected.
	w = doJSON(t, router, http.MethodDelete, "/api/v1/subscriptions/"+subID+"?owner=0xeve", nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("foreign delete: got %d", w.Code)
	}

	w = doJSON(t, router, http.MethodDelete, "/api/v1/subscriptions/"+subID+"?owner=0xabc", nil, nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("owner delete: got %d", w.Code)
	}
}
