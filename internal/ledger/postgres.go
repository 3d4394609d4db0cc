package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/loanlife/loanledger/internal/fault"
)

// advisoryLockKey is a stable PostgreSQL advisory lock key used to
// serialise concurrent Append calls. Arbitrary but must be consistent
// across all governd instances sharing a database.
const advisoryLockKey = int64(2_208_114_771)

// PostgresLedger persists the audit chain to PostgreSQL. It implements
// the Ledger interface.
type PostgresLedger struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresLedger creates a PostgresLedger backed by the given pool.
// Call EnsureSchema once at startup.
func NewPostgresLedger(pool *pgxpool.Pool, logger *zap.Logger) *PostgresLedger {
	return &PostgresLedger{pool: pool, logger: logger}
}

// EnsureSchema creates the audit_ledger table if needed and seeds the
// genesis entry on an empty chain.
func (l *PostgresLedger) EnsureSchema(ctx context.Context) error {
	_, err := l.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS audit_ledger (
			entry_id        BIGINT PRIMARY KEY,
			action          TEXT NOT NULL,
			entity_id       TEXT NOT NULL DEFAULT '',
			actor           TEXT NOT NULL DEFAULT '',
			ts              TIMESTAMPTZ NOT NULL,
			prev_state_hash TEXT NOT NULL,
			new_state_hash  TEXT NOT NULL,
			metadata        JSONB,
			prev_hash       TEXT NOT NULL,
			hash            TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS audit_ledger_entity_idx ON audit_ledger (entity_id);
		CREATE INDEX IF NOT EXISTS audit_ledger_actor_idx ON audit_ledger (actor);
	`)
	if err != nil {
		return fmt.Errorf("create audit_ledger schema: %w", err)
	}

	var n int
	if err := l.pool.QueryRow(ctx, "SELECT COUNT(*) FROM audit_ledger").Scan(&n); err != nil {
		return fmt.Errorf("count audit_ledger: %w", err)
	}
	if n == 0 {
		g := genesisEntry()
		if _, err := l.pool.Exec(ctx,
			`INSERT INTO audit_ledger
			   (entry_id, action, entity_id, actor, ts, prev_state_hash, new_state_hash, metadata, prev_hash, hash)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, NULL, $8, $9)`,
			g.EntryID, g.Action, g.EntityID, g.Actor, g.Timestamp,
			g.PrevStateHash, g.NewStateHash, g.PrevHash, g.Hash,
		); err != nil {
			return fmt.Errorf("seed genesis entry: %w", err)
		}
		l.logger.Info("audit ledger genesis entry created")
	}
	return nil
}

// Append implements Ledger. It acquires a transaction-scoped advisory
// lock, reads the chain tail, assigns the next EntryID, and inserts the
// new entry within a single transaction.
func (l *PostgresLedger) Append(ctx context.Context, rec Record) (*Entry, error) {
	if rec.Action == "" {
		return nil, fault.New(fault.KindValidation, "audit action must not be empty")
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	var prevID int64
	var prevHash, prevState string
	if err := tx.QueryRow(ctx,
		"SELECT entry_id, hash, new_state_hash FROM audit_ledger ORDER BY entry_id DESC LIMIT 1",
	).Scan(&prevID, &prevHash, &prevState); err != nil {
		return nil, fmt.Errorf("read ledger tail: %w", err)
	}

	prevStateHash := rec.PrevStateHash
	if prevStateHash == "" {
		prevStateHash = prevState
	}

	entry := &Entry{
		EntryID:       prevID + 1,
		Action:        rec.Action,
		EntityID:      rec.EntityID,
		Actor:         rec.Actor,
		Timestamp:     time.Now().UTC(),
		PrevStateHash: prevStateHash,
		NewStateHash:  rec.NewStateHash,
		Metadata:      rec.Metadata,
		PrevHash:      prevHash,
	}
	entry.Hash = hashEntry(entry)

	meta, err := json.Marshal(entry.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO audit_ledger
		   (entry_id, action, entity_id, actor, ts, prev_state_hash, new_state_hash, metadata, prev_hash, hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.EntryID, entry.Action, entry.EntityID, entry.Actor, entry.Timestamp,
		entry.PrevStateHash, entry.NewStateHash, meta, entry.PrevHash, entry.Hash,
	); err != nil {
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit ledger tx: %w", err)
	}

	l.logger.Debug("audit entry appended",
		zap.Int64("entry_id", entry.EntryID),
		zap.String("action", entry.Action),
		zap.String("entity_id", entry.EntityID),
	)
	return entry, nil
}

const entryColumns = `entry_id, action, entity_id, actor, ts, prev_state_hash, new_state_hash, metadata, prev_hash, hash`

func scanEntry(row pgx.Row) (*Entry, error) {
	e := &Entry{}
	var meta []byte
	if err := row.Scan(
		&e.EntryID, &e.Action, &e.EntityID, &e.Actor, &e.Timestamp,
		&e.PrevStateHash, &e.NewStateHash, &meta, &e.PrevHash, &e.Hash,
	); err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return e, nil
}

// Get implements Ledger.
func (l *PostgresLedger) Get(ctx context.Context, id int64) (*Entry, error) {
	e, err := scanEntry(l.pool.QueryRow(ctx,
		"SELECT "+entryColumns+" FROM audit_ledger WHERE entry_id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.Newf(fault.KindNotFound, "audit entry %d does not exist", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get audit entry %d: %w", id, err)
	}
	return e, nil
}

func (l *PostgresLedger) queryEntries(ctx context.Context, sql string, args ...any) ([]*Entry, error) {
	rows, err := l.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	out := []*Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ForEntity implements Ledger.
func (l *PostgresLedger) ForEntity(ctx context.Context, entityID string) ([]*Entry, error) {
	return l.queryEntries(ctx,
		"SELECT "+entryColumns+" FROM audit_ledger WHERE entity_id = $1 ORDER BY entry_id ASC", entityID)
}

// ForActor implements Ledger.
func (l *PostgresLedger) ForActor(ctx context.Context, actor string) ([]*Entry, error) {
	return l.queryEntries(ctx,
		"SELECT "+entryColumns+" FROM audit_ledger WHERE actor = $1 ORDER BY entry_id ASC", actor)
}

// Recent implements Ledger.
func (l *PostgresLedger) Recent(ctx context.Context, limit, offset int) ([]*Entry, error) {
	if limit < 0 || offset < 0 {
		return nil, fault.New(fault.KindValidation, "limit and offset must be non-negative")
	}
	return l.queryEntries(ctx,
		"SELECT "+entryColumns+" FROM audit_ledger ORDER BY entry_id DESC LIMIT $1 OFFSET $2",
		limit, offset)
}

// VerifyRange implements Ledger.
func (l *PostgresLedger) VerifyRange(ctx context.Context, startID, endID int64) (bool, error) {
	if startID < 0 || startID > endID {
		return false, fault.Newf(fault.KindValidation, "invalid range [%d, %d]", startID, endID)
	}
	entries, err := l.queryEntries(ctx,
		"SELECT "+entryColumns+" FROM audit_ledger WHERE entry_id BETWEEN $1 AND $2 ORDER BY entry_id ASC",
		startID, endID)
	if err != nil {
		return false, err
	}
	if int64(len(entries)) != endID-startID+1 {
		return false, fault.Newf(fault.KindValidation, "range [%d, %d] exceeds chain length", startID, endID)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].PrevStateHash != entries[i-1].NewStateHash {
			return false, nil
		}
	}
	return true, nil
}

// VerifyChain implements Ledger. Streams all rows ordered by entry_id and
// validates the entry-hash chain. O(n) in chain length.
func (l *PostgresLedger) VerifyChain(ctx context.Context) error {
	rows, err := l.pool.Query(ctx,
		"SELECT "+entryColumns+" FROM audit_ledger ORDER BY entry_id ASC")
	if err != nil {
		return fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var prev *Entry
	for rows.Next() {
		curr, err := scanEntry(rows)
		if err != nil {
			return fmt.Errorf("scan ledger row: %w", err)
		}
		if prev == nil {
			if curr.Hash != GenesisHash {
				return fault.Newf(fault.KindIntegrity, "genesis entry has wrong hash %q", curr.Hash)
			}
			prev = curr
			continue
		}
		if curr.PrevHash != prev.Hash {
			return fault.Newf(fault.KindIntegrity, "hash chain broken at entry %d", curr.EntryID)
		}
		if curr.Hash != hashEntry(curr) {
			return fault.Newf(fault.KindIntegrity, "entry %d has invalid hash", curr.EntryID)
		}
		prev = curr
	}
	return rows.Err()
}

// Len implements Ledger.
func (l *PostgresLedger) Len(ctx context.Context) (int, error) {
	var n int
	if err := l.pool.QueryRow(ctx, "SELECT COUNT(*) FROM audit_ledger").Scan(&n); err != nil {
		return 0, fmt.Errorf("count ledger entries: %w", err)
	}
	return n, nil
}

// Root implements Ledger.
func (l *PostgresLedger) Root(ctx context.Context) (string, error) {
	var hash string
	if err := l.pool.QueryRow(ctx,
		"SELECT hash FROM audit_ledger ORDER BY entry_id DESC LIMIT 1",
	).Scan(&hash); err != nil {
		return "", fmt.Errorf("get ledger root: %w", err)
	}
	return hash, nil
}

// LeafHashes implements Ledger.
func (l *PostgresLedger) LeafHashes(ctx context.Context, startID, endID int64) ([]string, error) {
	if startID < 0 || startID > endID {
		return nil, fault.Newf(fault.KindValidation, "invalid range [%d, %d]", startID, endID)
	}
	rows, err := l.pool.Query(ctx,
		"SELECT hash FROM audit_ledger WHERE entry_id BETWEEN $1 AND $2 ORDER BY entry_id ASC",
		startID, endID)
	if err != nil {
		return nil, fmt.Errorf("query leaf hashes: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scan leaf hash: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
