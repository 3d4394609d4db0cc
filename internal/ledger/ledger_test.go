package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/loanlife/loanledger/internal/fault"
	"github.com/loanlife/loanledger/internal/integrity"
	"github.com/loanlife/loanledger/internal/ledger"
)

var ctx = context.Background()

// appendN appends n state-linked entries and returns them.
func appendN(t *testing.T, l ledger.Ledger, n int) []*ledger.Entry {
	t.Helper()
	out := make([]*ledger.Entry, 0, n)
	for i := 0; i < n; i++ {
		e, err := l.Append(ctx, ledger.Record{
			Action:       ledger.ActionCovenantRegistered,
			EntityID:     fmt.Sprintf("LN-%d", i),
			Actor:        "0xabc",
			NewStateHash: integrity.HashString(fmt.Sprintf("state-%d", i)),
		})
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, e)
	}
	return out
}

func TestNew_genesisEntry(t *testing.T) {
	l := ledger.New()

	n, err := l.Len(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 genesis entry, got %d", n)
	}

	entry, err := l.Get(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Action != ledger.ActionGenesis {
		t.Errorf("expected genesis action, got %q", entry.Action)
	}
	if entry.Hash != ledger.GenesisHash {
		t.Errorf("genesis hash: got %q, want GenesisHash", entry.Hash)
	}
}

func TestAppend_assignsMonotonicIDs(t *testing.T) {
	l := ledger.New()
	entries := appendN(t, l, 3)

	for i, e := range entries {
		if e.EntryID != int64(i+1) {
			t.Errorf("entry %d: got id %d, want %d", i, e.EntryID, i+1)
		}
	}
}

func TestAppend_linksStateChain(t *testing.T) {
	l := ledger.New()
	entries := appendN(t, l, 3)

	if entries[0].PrevStateHash != ledger.GenesisHash {
		t.Errorf("first entry must link to genesis state, got %q", entries[0].PrevStateHash)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].PrevStateHash != entries[i-1].NewStateHash {
			t.Errorf("state chain broken between entries %d and %d", i-1, i)
		}
	}
}

func TestAppend_explicitPrevStateHash(t *testing.T) {
	l := ledger.New()
	e, err := l.Append(ctx, ledger.Record{
		Action:        ledger.ActionRuleCreated,
		EntityID:      "DTE-1",
		Actor:         "0xabc",
		PrevStateHash: integrity.HashString("bogus"),
		NewStateHash:  integrity.HashString("rule"),
	})
	if err != nil {
		t.Fatal(err)
	}
	// The write path must not second-guess the caller.
	if e.PrevStateHash != integrity.HashString("bogus") {
		t.Error("Append overrode an explicit PrevStateHash")
	}
}

func TestAppend_emptyAction(t *testing.T) {
	l := ledger.New()
	_, err := l.Append(ctx, ledger.Record{NewStateHash: "x"})
	if !errors.Is(err, fault.Validation) {
		t.Errorf("empty action: got %v, want Validation fault", err)
	}
}

func TestVerifyRange_consistentChain(t *testing.T) {
	l := ledger.New()
	appendN(t, l, 5)

	ok, err := l.VerifyRange(ctx, 0, 5)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("correctly chained range failed verification")
	}
}

func TestVerifyRange_detectsMismatch(t *testing.T) {
	l := ledger.New()
	appendN(t, l, 2)

	// Entry with a deliberately wrong PrevStateHash.
	if _, err := l.Append(ctx, ledger.Record{
		Action:        ledger.ActionBreachDetected,
		EntityID:      "b-1",
		Actor:         "0xabc",
		PrevStateHash: integrity.HashString("unrelated"),
		NewStateHash:  integrity.HashString("breach"),
	}); err != nil {
		t.Fatal(err)
	}

	// Every range spanning the broken link must fail.
	for _, r := range [][2]int64{{0, 3}, {1, 3}, {2, 3}} {
		ok, err := l.VerifyRange(ctx, r[0], r[1])
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Errorf("range [%d, %d] spanning the broken link verified", r[0], r[1])
		}
	}

	// A range before the broken link still verifies.
	ok, err := l.VerifyRange(ctx, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("range before the broken link failed verification")
	}
}

func TestVerifyRange_invalidBounds(t *testing.T) {
	l := ledger.New()
	if _, err := l.VerifyRange(ctx, 2, 1); !errors.Is(err, fault.Validation) {
		t.Errorf("inverted range: got %v, want Validation fault", err)
	}
	if _, err := l.VerifyRange(ctx, 0, 99); !errors.Is(err, fault.Validation) {
		t.Errorf("out-of-bounds range: got %v, want Validation fault", err)
	}
}

func TestVerifyChain_valid(t *testing.T) {
	l := ledger.New()
	appendN(t, l, 4)
	if err := l.VerifyChain(ctx); err != nil {
		t.Errorf("VerifyChain failed on a valid chain: %v", err)
	}
}

func TestRecent_ordering(t *testing.T) {
	l := ledger.New()
	appendN(t, l, 5) // ids 1..5, plus genesis

	recent, err := l.Recent(ctx, 3, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 3 {
		t.Fatalf("got %d entries, want 3", len(recent))
	}
	if recent[0].EntryID != 5 || recent[1].EntryID != 4 || recent[2].EntryID != 3 {
		t.Errorf("wrong order: got %d,%d,%d", recent[0].EntryID, recent[1].EntryID, recent[2].EntryID)
	}
}

func TestRecent_offsetPastEnd(t *testing.T) {
	l := ledger.New()
	appendN(t, l, 2)

	recent, err := l.Recent(ctx, 10, 50)
	if err != nil {
		t.Fatalf("offset past end must not error: %v", err)
	}
	if len(recent) != 0 {
		t.Errorf("expected empty result, got %d entries", len(recent))
	}
}

func TestForEntityAndActor_insertionOrder(t *testing.T) {
	l := ledger.New()
	for i := 0; i < 3; i++ {
		if _, err := l.Append(ctx, ledger.Record{
			Action:       ledger.ActionBreachStatusChanged,
			EntityID:     "b-1",
			Actor:        "0xapprover",
			NewStateHash: integrity.HashString(fmt.Sprintf("s%d", i)),
		}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := l.Append(ctx, ledger.Record{
		Action:       ledger.ActionRuleCreated,
		EntityID:     "DTE-1",
		Actor:        "0xother",
		NewStateHash: integrity.HashString("rule"),
	}); err != nil {
		t.Fatal(err)
	}

	byEntity, err := l.ForEntity(ctx, "b-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(byEntity) != 3 {
		t.Fatalf("ForEntity: got %d entries, want 3", len(byEntity))
	}
	for i := 1; i < len(byEntity); i++ {
		if byEntity[i].EntryID <= byEntity[i-1].EntryID {
			t.Error("ForEntity results not in insertion order")
		}
	}

	byActor, err := l.ForActor(ctx, "0xapprover")
	if err != nil {
		t.Fatal(err)
	}
	if len(byActor) != 3 {
		t.Errorf("ForActor: got %d entries, want 3", len(byActor))
	}
}

func TestGet_missing(t *testing.T) {
	l := ledger.New()
	if _, err := l.Get(ctx, 42); !errors.Is(err, fault.NotFound) {
		t.Errorf("missing entry: got %v, want NotFound fault", err)
	}
}

func TestRoot_returnsTip(t *testing.T) {
	l := ledger.New()
	entries := appendN(t, l, 2)

	root, err := l.Root(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if root != entries[1].Hash {
		t.Errorf("Root: got %q, want tip hash %q", root, entries[1].Hash)
	}
}

func TestSummarize_verifiedRange(t *testing.T) {
	l := ledger.New()
	appendN(t, l, 4)

	sum, err := ledger.Summarize(ctx, l, 1, 4)
	if err != nil {
		t.Fatal(err)
	}
	if !sum.Verified {
		t.Error("expected verified trail summary")
	}
	if len(sum.Entries) != 4 {
		t.Errorf("got %d entries, want 4", len(sum.Entries))
	}
	if sum.Total != 5 {
		t.Errorf("total: got %d, want 5", sum.Total)
	}

	leaves, _ := l.LeafHashes(ctx, 1, 4)
	if sum.MerkleRoot != integrity.MerkleRoot(leaves) {
		t.Error("summary Merkle root does not match the leaf set")
	}

	// Each entry hash must prove against the summary root.
	proof, err := integrity.MerkleProof(leaves, leaves[2])
	if err != nil {
		t.Fatal(err)
	}
	if !integrity.VerifyMerkleProof(leaves[2], proof, sum.MerkleRoot) {
		t.Error("Merkle proof over trail leaves failed to verify")
	}
}
