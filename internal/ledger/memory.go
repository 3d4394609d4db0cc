package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/loanlife/loanledger/internal/fault"
)

// MemoryLedger is an in-memory, thread-safe Ledger implementation.
type MemoryLedger struct {
	mu      sync.RWMutex
	entries []*Entry
}

// New creates a MemoryLedger initialised with the canonical genesis entry.
func New() *MemoryLedger {
	l := &MemoryLedger{}
	l.entries = append(l.entries, genesisEntry())
	return l
}

// Append implements Ledger.
func (l *MemoryLedger) Append(_ context.Context, rec Record) (*Entry, error) {
	if rec.Action == "" {
		return nil, fault.New(fault.KindValidation, "audit action must not be empty")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.entries[len(l.entries)-1]
	prevState := rec.PrevStateHash
	if prevState == "" {
		prevState = prev.NewStateHash
	}

	entry := &Entry{
		EntryID:       int64(len(l.entries)),
		Action:        rec.Action,
		EntityID:      rec.EntityID,
		Actor:         rec.Actor,
		Timestamp:     time.Now().UTC(),
		PrevStateHash: prevState,
		NewStateHash:  rec.NewStateHash,
		Metadata:      rec.Metadata,
		PrevHash:      prev.Hash,
	}
	entry.Hash = hashEntry(entry)
	l.entries = append(l.entries, entry)
	return entry, nil
}

// Get implements Ledger.
func (l *MemoryLedger) Get(_ context.Context, id int64) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if id < 0 || id >= int64(len(l.entries)) {
		return nil, fault.Newf(fault.KindNotFound, "audit entry %d does not exist", id)
	}
	return l.entries[id], nil
}

// ForEntity implements Ledger.
func (l *MemoryLedger) ForEntity(_ context.Context, entityID string) ([]*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := []*Entry{}
	for _, e := range l.entries {
		if e.EntityID == entityID {
			out = append(out, e)
		}
	}
	return out, nil
}

// ForActor implements Ledger.
func (l *MemoryLedger) ForActor(_ context.Context, actor string) ([]*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := []*Entry{}
	for _, e := range l.entries {
		if e.Actor == actor {
			out = append(out, e)
		}
	}
	return out, nil
}

// Recent implements Ledger.
func (l *MemoryLedger) Recent(_ context.Context, limit, offset int) ([]*Entry, error) {
	if limit < 0 || offset < 0 {
		return nil, fault.New(fault.KindValidation, "limit and offset must be non-negative")
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := []*Entry{}
	for i := len(l.entries) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, l.entries[i])
	}
	return out, nil
}

// VerifyRange implements Ledger.
func (l *MemoryLedger) VerifyRange(_ context.Context, startID, endID int64) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if startID < 0 || endID >= int64(len(l.entries)) || startID > endID {
		return false, fault.Newf(fault.KindValidation, "invalid range [%d, %d]", startID, endID)
	}
	for id := startID + 1; id <= endID; id++ {
		if l.entries[id].PrevStateHash != l.entries[id-1].NewStateHash {
			return false, nil
		}
	}
	return true, nil
}

// VerifyChain implements Ledger. The genesis entry is validated against
// GenesisHash; every other entry must hash to its stored Hash and link
// to its predecessor.
func (l *MemoryLedger) VerifyChain(_ context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i, curr := range l.entries {
		if i == 0 {
			if curr.Hash != GenesisHash {
				return fault.Newf(fault.KindIntegrity, "genesis entry has wrong hash %q", curr.Hash)
			}
			continue
		}
		prev := l.entries[i-1]
		if curr.PrevHash != prev.Hash {
			return fault.Newf(fault.KindIntegrity, "hash chain broken at entry %d", curr.EntryID)
		}
		if curr.Hash != hashEntry(curr) {
			return fault.Newf(fault.KindIntegrity, "entry %d has invalid hash", curr.EntryID)
		}
	}
	return nil
}

// Len implements Ledger.
func (l *MemoryLedger) Len(_ context.Context) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries), nil
}

// Root implements Ledger.
func (l *MemoryLedger) Root(_ context.Context) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries[len(l.entries)-1].Hash, nil
}

// LeafHashes implements Ledger.
func (l *MemoryLedger) LeafHashes(_ context.Context, startID, endID int64) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if startID < 0 || endID >= int64(len(l.entries)) || startID > endID {
		return nil, fault.Newf(fault.KindValidation, "invalid range [%d, %d]", startID, endID)
	}
	out := make([]string, 0, endID-startID+1)
	for id := startID; id <= endID; id++ {
		out = append(out, l.entries[id].Hash)
	}
	return out, nil
}
