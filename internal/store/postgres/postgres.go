// Package postgres stores subscriptions and deliveries in Postgres through a pgx pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/hookrelay/internal/webhook"
)

const schema = `
CREATE SCHEMA IF NOT EXISTS hookrelay;

CREATE TABLE IF NOT EXISTS hookrelay.subscriptions (
	seq          BIGSERIAL,
	id           TEXT PRIMARY KEY,
	owner_id     TEXT NOT NULL,
	source_url   TEXT NOT NULL,
	callback_url TEXT NOT NULL,
	active       BOOLEAN NOT NULL DEFAULT TRUE,
	secret       TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	cancelled_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS subscriptions_owner_idx ON hookrelay.subscriptions (owner_id, seq);
CREATE INDEX IF NOT EXISTS subscriptions_source_active_idx ON hookrelay.subscriptions (source_url) WHERE active;

CREATE TABLE IF NOT EXISTS hookrelay.deliveries (
	id                TEXT PRIMARY KEY,
	subscription_id   TEXT NOT NULL,
	owner_id          TEXT NOT NULL,
	event_id          TEXT NOT NULL,
	event_type        TEXT NOT NULL,
	source_url        TEXT NOT NULL,
	callback_url      TEXT NOT NULL,
	payload           JSON,
	attempts          INT NOT NULL DEFAULT 0,
	status            TEXT NOT NULL CHECK (status IN ('pending', 'success', 'failed')),
	http_status       INT NOT NULL DEFAULT 0,
	last_error        TEXT NOT NULL DEFAULT '',
	last_attempted_at TIMESTAMPTZ,
	next_attempt_at   TIMESTAMPTZ,
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS deliveries_owner_updated_idx ON hookrelay.deliveries (owner_id, updated_at DESC);
CREATE INDEX IF NOT EXISTS deliveries_pending_idx ON hookrelay.deliveries (next_attempt_at) WHERE status = 'pending';
`

const subscriptionColumns = `id, owner_id, source_url, callback_url, active, secret, created_at, cancelled_at`

const deliveryColumns = `id, subscription_id, owner_id, event_id, event_type, source_url, callback_url,
	payload, attempts, status, http_status, last_error, last_attempted_at, next_attempt_at, created_at, updated_at`

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureSchema creates the hookrelay schema and tables if they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) CreateSubscription(ctx context.Context, sub webhook.Subscription) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO hookrelay.subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sub.ID, sub.OwnerID, sub.SourceURL, sub.CallbackURL, sub.Active, sub.Secret, sub.CreatedAt, sub.CancelledAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return webhook.Invalid("id", "duplicate subscription id")
	}
	return err
}

func (s *Store) ListSubscriptions(ctx context.Context, ownerID string) ([]webhook.Subscription, error) {
	return s.querySubscriptions(ctx, `
		SELECT `+subscriptionColumns+` FROM hookrelay.subscriptions
		WHERE owner_id = $1 ORDER BY seq`, ownerID)
}

func (s *Store) ActiveSubscriptionsBySource(ctx context.Context, sourceURL string) ([]webhook.Subscription, error) {
	return s.querySubscriptions(ctx, `
		SELECT `+subscriptionColumns+` FROM hookrelay.subscriptions
		WHERE source_url = $1 AND active ORDER BY seq`, sourceURL)
}

func (s *Store) GetSubscription(ctx context.Context, id string) (webhook.Subscription, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM hookrelay.subscriptions WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return webhook.Subscription{}, webhook.NotFound("subscription", id)
	}
	return sub, err
}

func (s *Store) DeactivateSubscription(ctx context.Context, ownerID, id string, at time.Time) error {
	// COALESCE keeps the first cancel time on repeated calls.
	ct, err := s.pool.Exec(ctx, `
		UPDATE hookrelay.subscriptions
		SET active = FALSE, cancelled_at = COALESCE(cancelled_at, $3)
		WHERE id = $1 AND owner_id = $2`, id, ownerID, at)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return webhook.NotFound("subscription", id)
	}
	return nil
}

func (s *Store) querySubscriptions(ctx context.Context, q string, args ...any) ([]webhook.Subscription, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []webhook.Subscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func scanSubscription(row pgx.Row) (webhook.Subscription, error) {
	var sub webhook.Subscription
	err := row.Scan(&sub.ID, &sub.OwnerID, &sub.SourceURL, &sub.CallbackURL, &sub.Active, &sub.Secret,
		&sub.CreatedAt, &sub.CancelledAt)
	return sub, err
}

// UpsertDelivery writes d in one statement. The conflict branch only fires while the
// stored row is pending, so zero affected rows means the row is already terminal.
func (s *Store) UpsertDelivery(ctx context.Context, d webhook.DeliveryAttempt) error {
	var payload any
	if len(d.Payload) > 0 {
		payload = string(d.Payload)
	}
	ct, err := s.pool.Exec(ctx, `
		INSERT INTO hookrelay.deliveries (`+deliveryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			attempts          = EXCLUDED.attempts,
			status            = EXCLUDED.status,
			http_status       = EXCLUDED.http_status,
			last_error        = EXCLUDED.last_error,
			last_attempted_at = EXCLUDED.last_attempted_at,
			next_attempt_at   = EXCLUDED.next_attempt_at,
			updated_at        = EXCLUDED.updated_at
		WHERE hookrelay.deliveries.status = 'pending'`,
		d.ID, d.SubscriptionID, d.OwnerID, d.EventID, d.EventType, d.SourceURL, d.CallbackURL,
		payload, d.Attempts, string(d.Status), d.HTTPStatus, d.LastError, d.LastAttemptedAt, d.NextAttemptAt,
		d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return webhook.ErrDeliveryFinal
	}
	return nil
}

func (s *Store) GetDelivery(ctx context.Context, id string) (webhook.DeliveryAttempt, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM hookrelay.deliveries WHERE id = $1`, id)
	d, err := scanDelivery(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return webhook.DeliveryAttempt{}, webhook.NotFound("delivery", id)
	}
	return d, err
}

func (s *Store) ListDeliveriesByOwner(ctx context.Context, ownerID string) ([]webhook.DeliveryAttempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+deliveryColumns+` FROM hookrelay.deliveries
		WHERE owner_id = $1
		ORDER BY updated_at DESC, created_at DESC, id DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []webhook.DeliveryAttempt{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) ListPendingDeliveries(ctx context.Context) ([]webhook.DeliveryAttempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+deliveryColumns+` FROM hookrelay.deliveries
		WHERE status = 'pending'
		ORDER BY COALESCE(next_attempt_at, created_at), id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []webhook.DeliveryAttempt{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDelivery(row pgx.Row) (webhook.DeliveryAttempt, error) {
	var (
		d       webhook.DeliveryAttempt
		status  string
		payload []byte
	)
	err := row.Scan(&d.ID, &d.SubscriptionID, &d.OwnerID, &d.EventID, &d.EventType, &d.SourceURL, &d.CallbackURL,
		&payload, &d.Attempts, &status, &d.HTTPStatus, &d.LastError, &d.LastAttemptedAt, &d.NextAttemptAt,
		&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return d, err
	}
	d.Status = webhook.Status(status)
	if len(payload) > 0 {
		d.Payload = json.RawMessage(payload)
	}
	return d, nil
}
