package covenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loanlife/loanledger/internal/fault"
)

// PostgresStore persists covenants to PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore backed by the given pool.
// Call EnsureSchema once at startup.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the covenants table if needed.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS covenants (
			loan_id       TEXT PRIMARY KEY,
			content_hash  TEXT NOT NULL,
			covenant_type TEXT NOT NULL,
			registered_by TEXT NOT NULL DEFAULT '',
			ts            TIMESTAMPTZ NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("create covenants schema: %w", err)
	}
	return nil
}

// Create implements Store. Registration is first-writer-wins: a second
// insert for the same loan surfaces as a Conflict fault and never
// touches the stored hash.
func (s *PostgresStore) Create(ctx context.Context, c *Covenant) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO covenants (loan_id, content_hash, covenant_type, registered_by, ts)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (loan_id) DO NOTHING`,
		c.LoanID, c.ContentHash, c.CovenantType, c.RegisteredBy, c.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert covenant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fault.Newf(fault.KindConflict, "loan %s already has a covenant", c.LoanID)
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, loanID string) (*Covenant, error) {
	c := &Covenant{}
	err := s.pool.QueryRow(ctx,
		`SELECT loan_id, content_hash, covenant_type, registered_by, ts
		 FROM covenants WHERE loan_id = $1`, loanID,
	).Scan(&c.LoanID, &c.ContentHash, &c.CovenantType, &c.RegisteredBy, &c.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.Newf(fault.KindNotFound, "no covenant for loan %s", loanID)
	}
	if err != nil {
		return nil, fmt.Errorf("get covenant %s: %w", loanID, err)
	}
	return c, nil
}

// Exists implements Store.
func (s *PostgresStore) Exists(ctx context.Context, loanID string) (bool, error) {
	var ok bool
	if err := s.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM covenants WHERE loan_id = $1)", loanID,
	).Scan(&ok); err != nil {
		return false, fmt.Errorf("check covenant existence: %w", err)
	}
	return ok, nil
}
