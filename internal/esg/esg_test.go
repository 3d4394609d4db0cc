package esg_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/loanlife/loanledger/internal/esg"
	"github.com/loanlife/loanledger/internal/events"
	"github.com/loanlife/loanledger/internal/fault"
	"github.com/loanlife/loanledger/internal/ledger"
)

var ctx = context.Background()

func newService(t *testing.T) (*esg.Service, *ledger.MemoryLedger) {
	t.Helper()
	l := ledger.New()
	return esg.NewService(l, nil, zap.NewNop()), l
}

func TestRecordScore_boundaries(t *testing.T) {
	s, _ := newService(t)

	// 0 and 100 are accepted.
	rec, err := s.RecordScore(ctx, "LN-1", 0, 100, 50, "abc", "0xabc")
	if err != nil {
		t.Fatal(err)
	}
	if rec.TotalScore != 50 {
		t.Errorf("total score: got %v, want 50", rec.TotalScore)
	}

	// -1 and 101 are rejected.
	for _, tc := range [][3]float64{{-1, 50, 50}, {50, 101, 50}, {50, 50, -1}, {50, 50, 101}} {
		if _, err := s.RecordScore(ctx, "LN-1", tc[0], tc[1], tc[2], "abc", "0xabc"); !errors.Is(err, fault.Validation) {
			t.Errorf("pillars %v: got %v, want Validation fault", tc, err)
		}
	}
}

func TestRecordScore_requiresEvidence(t *testing.T) {
	s, _ := newService(t)
	if _, err := s.RecordScore(ctx, "LN-1", 50, 50, 50, "", "0xabc"); !errors.Is(err, fault.Validation) {
		t.Errorf("empty evidence hash: got %v, want Validation fault", err)
	}
}

func TestRecordScore_unweightedMean(t *testing.T) {
	s, _ := newService(t)
	rec, err := s.RecordScore(ctx, "LN-1", 90, 60, 30, "abc", "0xabc")
	if err != nil {
		t.Fatal(err)
	}
	if rec.TotalScore != 60 {
		t.Errorf("total score: got %v, want 60", rec.TotalScore)
	}
}

func TestCurrentScore(t *testing.T) {
	s, _ := newService(t)

	if _, err := s.CurrentScore(ctx, "LN-1"); !errors.Is(err, fault.NotFound) {
		t.Errorf("no history: got %v, want NotFound fault", err)
	}

	if _, err := s.RecordScore(ctx, "LN-1", 40, 40, 40, "e1", "0xabc"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RecordScore(ctx, "LN-1", 70, 70, 70, "e2", "0xabc"); err != nil {
		t.Fatal(err)
	}

	cur, err := s.CurrentScore(ctx, "LN-1")
	if err != nil {
		t.Fatal(err)
	}
	if cur.TotalScore != 70 || cur.EvidenceHash != "e2" {
		t.Errorf("latest record: got total=%v evidence=%s", cur.TotalScore, cur.EvidenceHash)
	}
}

func TestHistory_appendOnlyOrder(t *testing.T) {
	s, _ := newService(t)
	for i, e := range []string{"e1", "e2", "e3"} {
		v := float64(10 * (i + 1))
		if _, err := s.RecordScore(ctx, "LN-1", v, v, v, e, "0xabc"); err != nil {
			t.Fatal(err)
		}
	}
	hist, err := s.History(ctx, "LN-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 3 {
		t.Fatalf("history length: got %d, want 3", len(hist))
	}
	for i, want := range []string{"e1", "e2", "e3"} {
		if hist[i].EvidenceHash != want {
			t.Errorf("record %d: got evidence %s, want %s", i, hist[i].EvidenceHash, want)
		}
	}
}

func TestAddRequirement_validation(t *testing.T) {
	s, _ := newService(t)

	cases := []struct {
		name     string
		id       string
		pillar   esg.Pillar
		minScore float64
		weight   float64
	}{
		{"empty id", "", esg.PillarSocial, 50, 10},
		{"unknown pillar", "r1", "financial", 50, 10},
		{"negative min score", "r1", esg.PillarSocial, -1, 10},
		{"min score over 100", "r1", esg.PillarSocial, 101, 10},
		{"negative weight", "r1", esg.PillarSocial, 50, -1},
		{"weight over 100", "r1", esg.PillarSocial, 50, 101},
	}
	for _, tc := range cases {
		if _, err := s.AddRequirement(ctx, tc.id, tc.pillar, tc.minScore, tc.weight, "0xabc"); !errors.Is(err, fault.Validation) {
			t.Errorf("%s: got %v, want Validation fault", tc.name, err)
		}
	}
}

func TestAddRequirement_duplicate(t *testing.T) {
	s, _ := newService(t)
	if _, err := s.AddRequirement(ctx, "r1", esg.PillarSocial, 50, 10, "0xabc"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddRequirement(ctx, "r1", esg.PillarGovernance, 60, 20, "0xabc"); !errors.Is(err, fault.Conflict) {
		t.Errorf("duplicate requirement: got %v, want Conflict fault", err)
	}
}

func TestCheckCompliance(t *testing.T) {
	s, _ := newService(t)
	if _, err := s.AddRequirement(ctx, "env-min", esg.PillarEnvironmental, 60, 10, "0xabc"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddRequirement(ctx, "gov-min", esg.PillarGovernance, 40, 10, "0xabc"); err != nil {
		t.Fatal(err)
	}

	if _, err := s.CheckCompliance(ctx, "LN-1"); !errors.Is(err, fault.NotFound) {
		t.Errorf("no history: got %v, want NotFound fault", err)
	}

	if _, err := s.RecordScore(ctx, "LN-1", 50, 90, 30, "e1", "0xabc"); err != nil {
		t.Fatal(err)
	}
	res, err := s.CheckCompliance(ctx, "LN-1")
	if err != nil {
		t.Fatal(err)
	}
	if res.IsCompliant {
		t.Error("loan below two requirements reported compliant")
	}
	if len(res.FailingRequirements) != 2 ||
		res.FailingRequirements[0] != "env-min" || res.FailingRequirements[1] != "gov-min" {
		t.Errorf("failing requirements: got %v", res.FailingRequirements)
	}

	// A new passing score restores compliance.
	if _, err := s.RecordScore(ctx, "LN-1", 80, 90, 70, "e2", "0xabc"); err != nil {
		t.Fatal(err)
	}
	res, err = s.CheckCompliance(ctx, "LN-1")
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsCompliant || len(res.FailingRequirements) != 0 {
		t.Errorf("expected compliant result, got %+v", res)
	}
}

func TestRecordScore_emitsAlertsInline(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	defer bus.Close()
	s := esg.NewService(nil, bus, zap.NewNop())

	if _, err := s.AddRequirement(ctx, "env-min", esg.PillarEnvironmental, 60, 10, "0xabc"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddRequirement(ctx, "soc-min", esg.PillarSocial, 60, 10, "0xabc"); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var alerts []string
	done := make(chan struct{}, 4)
	bus.On(events.ESGAlertTriggered, func(ev events.Event) {
		a := ev.Payload.(*esg.Alert)
		mu.Lock()
		alerts = append(alerts, a.RequirementID)
		mu.Unlock()
		done <- struct{}{}
	})

	if _, err := s.RecordScore(ctx, "LN-1", 30, 30, 90, "e1", "0xabc"); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for esg alerts")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(alerts) != 2 || alerts[0] != "env-min" || alerts[1] != "soc-min" {
		t.Errorf("alerts: got %v, want [env-min soc-min]", alerts)
	}
}

func TestTrend(t *testing.T) {
	s, _ := newService(t)

	if _, err := s.Trend(ctx, "LN-1", 0); !errors.Is(err, fault.Validation) {
		t.Error("window size 0 must be rejected")
	}

	// No records, then one record: both Stable.
	for i := 0; i < 2; i++ {
		tr, err := s.Trend(ctx, "LN-1", 5)
		if err != nil {
			t.Fatal(err)
		}
		if tr != esg.TrendStable {
			t.Errorf("short history: got %s, want stable", tr)
		}
		if i == 0 {
			if _, err := s.RecordScore(ctx, "LN-1", 50, 50, 50, "e", "0xabc"); err != nil {
				t.Fatal(err)
			}
		}
	}

	record := func(loan string, totals ...float64) {
		for _, v := range totals {
			if _, err := s.RecordScore(ctx, loan, v, v, v, "e", "0xabc"); err != nil {
				t.Fatal(err)
			}
		}
	}

	record("LN-up", 10, 20, 30)
	record("LN-down", 30, 20, 10)
	record("LN-flat", 20, 20, 20)

	for loan, want := range map[string]esg.Trend{
		"LN-up":   esg.TrendImproving,
		"LN-down": esg.TrendDeclining,
		"LN-flat": esg.TrendStable,
	} {
		tr, err := s.Trend(ctx, loan, 10)
		if err != nil {
			t.Fatal(err)
		}
		if tr != want {
			t.Errorf("%s: got %s, want %s", loan, tr, want)
		}
	}

	// The window clips older records: full history declines but the
	// last two records improve.
	record("LN-mix", 90, 10, 40)
	tr, err := s.Trend(ctx, "LN-mix", 2)
	if err != nil {
		t.Fatal(err)
	}
	if tr != esg.TrendImproving {
		t.Errorf("windowed trend: got %s, want improving", tr)
	}
}

func TestRecordScore_appendsAuditEntry(t *testing.T) {
	s, l := newService(t)
	if _, err := s.RecordScore(ctx, "LN-9", 50, 50, 50, "ev-hash", "0xabc"); err != nil {
		t.Fatal(err)
	}
	entries, err := l.ForEntity(ctx, "LN-9")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d audit entries, want 1", len(entries))
	}
	if entries[0].Action != ledger.ActionESGScoreRecorded {
		t.Errorf("action: got %q", entries[0].Action)
	}
	if entries[0].Metadata["evidence_hash"] != "ev-hash" {
		t.Errorf("metadata: got %q", entries[0].Metadata["evidence_hash"])
	}
}
