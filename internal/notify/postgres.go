package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loanlife/loanledger/internal/fault"
)

// PostgresStore persists subscriptions and deliveries to PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore backed by the given pool.
// Call EnsureSchema once at startup.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the notification tables if needed.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS event_subscriptions (
			id         UUID PRIMARY KEY,
			owner      TEXT NOT NULL,
			url        TEXT NOT NULL,
			events     TEXT[] NOT NULL,
			secret     TEXT NOT NULL,
			active     BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS event_subscriptions_owner_idx
			ON event_subscriptions (owner);
		CREATE TABLE IF NOT EXISTS event_deliveries (
			id              UUID PRIMARY KEY,
			subscription_id UUID NOT NULL,
			event_type      TEXT NOT NULL,
			status_code     INT NOT NULL,
			attempt         INT NOT NULL,
			success         BOOLEAN NOT NULL,
			error_message   TEXT NOT NULL DEFAULT '',
			delivered_at    TIMESTAMPTZ NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("create notify schema: %w", err)
	}
	return nil
}

// Create implements Store.
func (s *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	sub.ID = uuid.New()
	sub.Active = true
	sub.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO event_subscriptions (id, owner, url, events, secret, active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sub.ID, sub.Owner, sub.URL, sub.Events, sub.Secret, sub.Active, sub.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

// GetByID implements Store.
func (s *PostgresStore) GetByID(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	sub := &Subscription{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, owner, url, events, secret, active, created_at
		 FROM event_subscriptions WHERE id = $1`, id,
	).Scan(&sub.ID, &sub.Owner, &sub.URL, &sub.Events, &sub.Secret, &sub.Active, &sub.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.Newf(fault.KindNotFound, "subscription %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription %s: %w", id, err)
	}
	return sub, nil
}

// ListByOwner implements Store.
func (s *PostgresStore) ListByOwner(ctx context.Context, owner string) ([]*Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner, url, events, secret, active, created_at
		 FROM event_subscriptions WHERE owner = $1 ORDER BY created_at`, owner)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions for %s: %w", owner, err)
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

// ListByEvent implements Store.
func (s *PostgresStore) ListByEvent(ctx context.Context, eventType string) ([]*Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner, url, events, secret, active, created_at
		 FROM event_subscriptions
		 WHERE active = TRUE AND $1 = ANY(events)
		 ORDER BY created_at`, eventType)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions for event %s: %w", eventType, err)
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM event_subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete subscription %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fault.Newf(fault.KindNotFound, "subscription %s not found", id)
	}
	return nil
}

// RecordDelivery implements Store.
func (s *PostgresStore) RecordDelivery(ctx context.Context, d *Delivery) error {
	d.ID = uuid.New()
	d.DeliveredAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO event_deliveries (id, subscription_id, event_type, status_code, attempt, success, error_message, delivered_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID, d.SubscriptionID, d.EventType, d.StatusCode, d.Attempt, d.Success, d.ErrorMessage, d.DeliveredAt,
	)
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}

func scanSubscriptions(rows pgx.Rows) ([]*Subscription, error) {
	var subs []*Subscription
	for rows.Next() {
		sub := &Subscription{}
		if err := rows.Scan(&sub.ID, &sub.Owner, &sub.URL, &sub.Events, &sub.Secret, &sub.Active, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}
