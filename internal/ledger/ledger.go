// Package ledger implements the hash-chained, append-only audit log that
// records every state-changing governance action.
//
// The chain begins with a well-known genesis entry whose Hash equals
// GenesisHash (64 hex zeros). Every subsequent entry records the hash of
// its predecessor, and carries the previous/new entity-state hashes
// supplied by the caller. The write path performs no chain validation —
// linkage is checked lazily by VerifyRange and VerifyChain.
//
// Two implementations of the Ledger interface are provided:
//   - MemoryLedger: in-process, for testing and single-node deployments.
//   - PostgresLedger: durable, for production use.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/loanlife/loanledger/internal/integrity"
)

// GenesisHash is the canonical well-known hash of the genesis entry. It
// anchors both the entry-hash chain and the state-hash chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Audit actions recorded by the governance components.
const (
	ActionGenesis             = "genesis"
	ActionCovenantRegistered  = "covenant.registered"
	ActionRuleCreated         = "rule.created"
	ActionBreachDetected      = "breach.detected"
	ActionBreachStatusChanged = "breach.status_changed"
	ActionESGScoreRecorded    = "esg.score_recorded"
	ActionESGRequirementAdded = "esg.requirement_added"
)

// SystemActor is recorded for entries not attributable to a wallet.
const SystemActor = "loanledger-system"

// Entry is a single immutable audit record.
type Entry struct {
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

// Record is the caller-supplied portion of a new entry. When
// PrevStateHash is empty, Append links it to the chain tip's
// NewStateHash under the ledger's write lock, which keeps concurrent
// appends correctly chained.
type Record struct {
	Action        string
	EntityID      string
	Actor         string
	PrevStateHash string
	NewStateHash  string
	Metadata      map[string]string
}

// Ledger is the interface for the append-only audit chain.
type Ledger interface {
	// Append adds a new entry with a freshly assigned, strictly
	// increasing EntryID. It does not validate that PrevStateHash
	// matches the true prior state; VerifyRange checks that later.
	Append(ctx context.Context, rec Record) (*Entry, error)

	// Get returns the entry with the given id.
	Get(ctx context.Context, id int64) (*Entry, error)

	// ForEntity returns all entries for entityID in insertion order.
	ForEntity(ctx context.Context, entityID string) ([]*Entry, error)

	// ForActor returns all entries recorded by actor in insertion order.
	ForActor(ctx context.Context, actor string) ([]*Entry, error)

	// Recent returns up to limit entries ordered most-recent-first,
	// skipping offset entries. Returns an empty slice, never an error,
	// when offset is past the end.
	Recent(ctx context.Context, limit, offset int) ([]*Entry, error)

	// VerifyRange walks [startID, endID] in ascending order and checks
	// that every entry's PrevStateHash equals its predecessor's
	// NewStateHash. Returns false at the first mismatch. This checks
	// internal self-consistency only.
	VerifyRange(ctx context.Context, startID, endID int64) (bool, error)

	// VerifyChain walks the whole chain, recomputes every entry hash,
	// and checks entry-hash linkage. Returns nil when intact.
	VerifyChain(ctx context.Context) error

	// Len returns the total entry count, including genesis.
	Len(ctx context.Context) (int, error)

	// Root returns the hash of the most recent entry (the chain tip).
	Root(ctx context.Context) (string, error)

	// LeafHashes returns the entry hashes of [startID, endID] in order,
	// the leaf set for Merkle proofs over the trail.
	LeafHashes(ctx context.Context, startID, endID int64) ([]string, error)
}

// TrailSummary is a verified view over a range of the audit trail.
type TrailSummary struct {
	Entries    []*Entry `json:"entries"`
	Total      int      `json:"total"`
	MerkleRoot string   `json:"merkle_root"`
	Verified   bool     `json:"verified"`
}

// Summarize builds a TrailSummary over [startID, endID]: the entries,
// the Merkle root of their hashes, and the state-chain verification
// result for the range.
func Summarize(ctx context.Context, l Ledger, startID, endID int64) (*TrailSummary, error) {
	ok, err := l.VerifyRange(ctx, startID, endID)
	if err != nil {
		return nil, err
	}
	leaves, err := l.LeafHashes(ctx, startID, endID)
	if err != nil {
		return nil, err
	}
	entries := make([]*Entry, 0, endID-startID+1)
	for id := startID; id <= endID; id++ {
		e, err := l.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	total, err := l.Len(ctx)
	if err != nil {
		return nil, err
	}
	return &TrailSummary{
		Entries:    entries,
		Total:      total,
		MerkleRoot: integrity.MerkleRoot(leaves),
		Verified:   ok,
	}, nil
}

// hashEntry computes a deterministic SHA-256 over an entry's fields.
// Never called on the genesis entry.
func hashEntry(e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s|%s|%s|%s",
		e.EntryID, e.Timestamp.Format(time.RFC3339Nano),
		e.Action, e.EntityID, e.Actor,
		e.PrevStateHash, e.NewStateHash, e.PrevHash,
	)
	return hex.EncodeToString(h.Sum(nil))
}

// genesisEntry builds the canonical first entry of a new chain.
func genesisEntry() *Entry {
	return &Entry{
		EntryID:       0,
		Timestamp:     time.Now().UTC(),
		Action:        ActionGenesis,
		Actor:         SystemActor,
		PrevStateHash: GenesisHash,
		NewStateHash:  GenesisHash,
		PrevHash:      GenesisHash,
		Hash:          GenesisHash, // well-known constant, not computed
	}
}
