//go:build ignore

// smoke-lifecycle.go drives one full governance lifecycle against a
// running governd instance: covenant registration, rule creation,
// breach detection and approval, ESG scoring, and trail verification.
//
// Run with: go run scripts/smoke-lifecycle.go [server-url]
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/loanlife/loanledger/internal/integrity"
	"github.com/loanlife/loanledger/pkg/client"
)

func main() {
	server := "http://localhost:8080"
	if len(os.Args) > 1 {
		server = os.Args[1]
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	c := client.New(server)
	actor := "0xsmoke"
	loanID := fmt.Sprintf("LN-SMOKE-%d", time.Now().Unix())

	step := func(name string, err error) {
		if err != nil {
			fmt.Printf("FAIL %-28s %v\n", name, err)
			os.Exit(1)
		}
		fmt.Printf("ok   %s\n", name)
	}

	hash := integrity.HashString("dscr >= 1.25 measured quarterly")
	_, err := c.RegisterCovenant(ctx, loanID, hash, "FINANCIAL", actor)
	step("covenant register", err)

	ok, err := c.VerifyCovenant(ctx, loanID, hash)
	step("covenant verify", err)
	if !ok {
		fmt.Println("FAIL covenant verify: hash mismatch")
		os.Exit(1)
	}

	ruleID := fmt.Sprintf("DTE-SMOKE-%d", time.Now().Unix())
	_, err = c.CreateRule(ctx, client.CreateRuleRequest{
		RuleID:          ruleID,
		CovenantType:    "FINANCIAL",
		Threshold:       3.5,
		Approvers:       []string{actor},
		GracePeriodDays: 30,
		Actor:           actor,
	})
	step("rule create", err)

	breachID := fmt.Sprintf("b-smoke-%d", time.Now().Unix())
	breach, err := c.DetectBreach(ctx, client.DetectBreachRequest{
		BreachID:       breachID,
		LoanID:         loanID,
		RuleID:         ruleID,
		Severity:       "high",
		PredictedValue: 4.2,
		Actor:          actor,
	})
	step("breach detect", err)
	if breach.Status != "pending" {
		fmt.Printf("FAIL breach detect: status %s\n", breach.Status)
		os.Exit(1)
	}

	_, err = c.UpdateBreachStatus(ctx, breachID, "approved", "smoke test approval", actor)
	step("breach approve", err)

	_, err = c.RecordESGScore(ctx, loanID, 72, 65, 80, integrity.HashString("esg evidence"), actor)
	step("esg record", err)

	entries, err := c.AuditsForEntity(ctx, loanID)
	step("audit query", err)
	if len(entries) == 0 {
		fmt.Println("FAIL audit query: no entries for loan")
		os.Exit(1)
	}

	valid, err := c.VerifyTrail(ctx, 0, entries[len(entries)-1].EntryID)
	step("trail verify", err)
	if !valid {
		fmt.Println("FAIL trail verify: chain invalid")
		os.Exit(1)
	}

	st, err := c.GetStatus(ctx)
	step("status", err)
	fmt.Printf("\nledger entries: %d\nledger root:    %s\n", st.LedgerEntries, st.LedgerRoot)
}
