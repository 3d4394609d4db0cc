// Package covenant implements the content-addressed covenant registry.
// A covenant is stored only as the hash of its extracted terms; the raw
// document never reaches this core.
package covenant

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/loanlife/loanledger/internal/events"
	"github.com/loanlife/loanledger/internal/fault"
	"github.com/loanlife/loanledger/internal/integrity"
	"github.com/loanlife/loanledger/internal/ledger"
)

// Covenant is the registered record for one loan. Registration is
// immutable: there is no update path.
type Covenant struct {
	LoanID       string    `json:"loan_id"`
	ContentHash  string    `json:"content_hash"`
	CovenantType string    `json:"covenant_type"`
	RegisteredBy string    `json:"registered_by"`
	Timestamp    time.Time `json:"timestamp"`
}

// Store is the persistence interface for the registry.
// MemoryStore and PostgresStore implement it.
type Store interface {
	// Create inserts c; fails with a Conflict fault when the loan
	// already has a covenant.
	Create(ctx context.Context, c *Covenant) error

	// Get returns the covenant for loanID; NotFound fault when absent.
	Get(ctx context.Context, loanID string) (*Covenant, error)

	// Exists reports whether loanID has a covenant.
	Exists(ctx context.Context, loanID string) (bool, error)
}

// Registry is the covenant registration and verification service.
type Registry struct {
	store  Store
	audit  ledger.Ledger // nil = no audit writes
	bus    *events.Bus   // nil = no event fan-out
	logger *zap.Logger
}

// NewRegistry creates a Registry. audit and bus may each be nil to
// disable that side effect.
func NewRegistry(store Store, audit ledger.Ledger, bus *events.Bus, logger *zap.Logger) *Registry {
	return &Registry{store: store, audit: audit, bus: bus, logger: logger}
}

// Register records the covenant hash for loanID.
//
// Fails with an Integrity fault when contentHash is empty or the zero
// hash, a Validation fault when loanID or covenantType is empty, and a
// Conflict fault when the loan already has a covenant. On success it
// appends an audit entry and emits CovenantRegistered.
func (r *Registry) Register(ctx context.Context, loanID, contentHash, covenantType, actor string) (*Covenant, error) {
	if contentHash == "" || strings.EqualFold(contentHash, integrity.ZeroHash) {
		return nil, fault.New(fault.KindIntegrity, "covenant content hash must not be the zero hash")
	}
	if loanID == "" {
		return nil, fault.New(fault.KindValidation, "loan id must not be empty")
	}
	if covenantType == "" {
		return nil, fault.New(fault.KindValidation, "covenant type must not be empty")
	}

	c := &Covenant{
		LoanID:       loanID,
		ContentHash:  strings.ToLower(contentHash),
		CovenantType: covenantType,
		RegisteredBy: actor,
		Timestamp:    time.Now().UTC(),
	}
	if err := r.store.Create(ctx, c); err != nil {
		return nil, err
	}

	if r.audit != nil {
		if _, err := r.audit.Append(ctx, ledger.Record{
			Action:       ledger.ActionCovenantRegistered,
			EntityID:     loanID,
			Actor:        actor,
			NewStateHash: c.ContentHash,
			Metadata:     map[string]string{"covenant_type": covenantType},
		}); err != nil {
			r.logger.Error("audit append failed for covenant registration",
				zap.String("loan_id", loanID), zap.Error(err))
		}
	}
	if r.bus != nil {
		r.bus.Emit(events.CovenantRegistered, c)
	}

	r.logger.Info("covenant registered",
		zap.String("loan_id", loanID),
		zap.String("covenant_type", covenantType),
	)
	return c, nil
}

// Verify reports whether hash matches the registered covenant hash for
// loanID. An unknown loan verifies false, never an error.
func (r *Registry) Verify(ctx context.Context, loanID, hash string) (bool, error) {
	c, err := r.store.Get(ctx, loanID)
	if err != nil {
		if fault.KindOf(err) == fault.KindNotFound {
			return false, nil
		}
		return false, err
	}
	return strings.EqualFold(c.ContentHash, hash), nil
}

// Exists reports whether loanID has a registered covenant.
func (r *Registry) Exists(ctx context.Context, loanID string) (bool, error) {
	return r.store.Exists(ctx, loanID)
}

// Get returns the covenant for loanID; NotFound fault when absent.
func (r *Registry) Get(ctx context.Context, loanID string) (*Covenant, error) {
	return r.store.Get(ctx, loanID)
}
