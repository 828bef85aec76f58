// Package sqlite stores subscriptions and deliveries in a single SQLite file through bun.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"github.com/austindbirch/hookrelay/internal/webhook"
)

type subscriptionRecord struct {
	bun.BaseModel `bun:"table:subscriptions,alias:s"`

	ID          string     `bun:"id,pk"`
	OwnerID     string     `bun:"owner_id,notnull"`
	SourceURL   string     `bun:"source_url,notnull"`
	CallbackURL string     `bun:"callback_url,notnull"`
	Active      bool       `bun:"active,notnull"`
	Secret      string     `bun:"secret,notnull"`
	CreatedAt   time.Time  `bun:"created_at,notnull"`
	CancelledAt *time.Time `bun:"cancelled_at,nullzero"`
}

func (r *subscriptionRecord) toDomain() webhook.Subscription {
	return webhook.Subscription{
		ID:          r.ID,
		OwnerID:     r.OwnerID,
		SourceURL:   r.SourceURL,
		CallbackURL: r.CallbackURL,
		Active:      r.Active,
		Secret:      r.Secret,
		CreatedAt:   r.CreatedAt,
		CancelledAt: r.CancelledAt,
	}
}

type deliveryRecord struct {
	bun.BaseModel `bun:"table:deliveries,alias:d"`

	ID              string     `bun:"id,pk"`
	SubscriptionID  string     `bun:"subscription_id,notnull"`
	OwnerID         string     `bun:"owner_id,notnull"`
	EventID         string     `bun:"event_id,notnull"`
	EventType       string     `bun:"event_type,notnull"`
	SourceURL       string     `bun:"source_url,notnull"`
	CallbackURL     string     `bun:"callback_url,notnull"`
	Payload         []byte     `bun:"payload"`
	Attempts        int        `bun:"attempts,notnull"`
	Status          string     `bun:"status,notnull"`
	HTTPStatus      int        `bun:"http_status,notnull"`
	LastError       string     `bun:"last_error,notnull"`
	LastAttemptedAt *time.Time `bun:"last_attempted_at,nullzero"`
	NextAttemptAt   *time.Time `bun:"next_attempt_at,nullzero"`
	CreatedAt       time.Time  `bun:"created_at,notnull"`
	UpdatedAt       time.Time  `bun:"updated_at,notnull"`
}

func (r *deliveryRecord) toDomain() webhook.DeliveryAttempt {
	d := webhook.DeliveryAttempt{
		ID:              r.ID,
		SubscriptionID:  r.SubscriptionID,
		OwnerID:         r.OwnerID,
		EventID:         r.EventID,
		EventType:       r.EventType,
		SourceURL:       r.SourceURL,
		CallbackURL:     r.CallbackURL,
		Attempts:        r.Attempts,
		Status:          webhook.Status(r.Status),
		HTTPStatus:      r.HTTPStatus,
		LastError:       r.LastError,
		LastAttemptedAt: r.LastAttemptedAt,
		NextAttemptAt:   r.NextAttemptAt,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if len(r.Payload) > 0 {
		d.Payload = append([]byte(nil), r.Payload...)
	}
	return d
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

type Store struct {
	db *bun.DB
}

// Open opens the SQLite database at dsn. A single connection serializes writers,
// which SQLite needs anyway.
func Open(dsn string) (*Store, error) {
	sqldb, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	sqldb.SetMaxOpenConns(1)
	sqldb.SetMaxIdleConns(1)
	sqldb.SetConnMaxLifetime(0)
	return &Store{db: bun.NewDB(sqldb, sqlitedialect.New())}, nil
}

// EnsureSchema creates the tables and indexes if they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, model := range []any{(*subscriptionRecord)(nil), (*deliveryRecord)(nil)} {
		if _, err := s.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	indexes := []struct {
		model   any
		name    string
		columns []string
	}{
		{(*subscriptionRecord)(nil), "subscriptions_owner_idx", []string{"owner_id"}},
		{(*subscriptionRecord)(nil), "subscriptions_source_idx", []string{"source_url", "active"}},
		{(*deliveryRecord)(nil), "deliveries_owner_updated_idx", []string{"owner_id", "updated_at"}},
		{(*deliveryRecord)(nil), "deliveries_status_idx", []string{"status"}},
	}
	for _, ix := range indexes {
		if _, err := s.db.NewCreateIndex().Model(ix.model).Index(ix.name).Column(ix.columns...).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create index %s: %w", ix.name, err)
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) CreateSubscription(ctx context.Context, sub webhook.Subscription) error {
	rec := &subscriptionRecord{
		ID:          sub.ID,
		OwnerID:     sub.OwnerID,
		SourceURL:   sub.SourceURL,
		CallbackURL: sub.CallbackURL,
		Active:      sub.Active,
		Secret:      sub.Secret,
		CreatedAt:   sub.CreatedAt.UTC(),
		CancelledAt: utcPtr(sub.CancelledAt),
	}
	_, err := s.db.NewInsert().Model(rec).Exec(ctx)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return webhook.Invalid("id", "duplicate subscription id")
	}
	return err
}

// rowid preserves insertion order for text primary keys.
func (s *Store) ListSubscriptions(ctx context.Context, ownerID string) ([]webhook.Subscription, error) {
	var recs []subscriptionRecord
	if err := s.db.NewSelect().Model(&recs).Where("owner_id = ?", ownerID).OrderExpr("rowid").Scan(ctx); err != nil {
		return nil, err
	}
	return subscriptionsToDomain(recs), nil
}

func (s *Store) ActiveSubscriptionsBySource(ctx context.Context, sourceURL string) ([]webhook.Subscription, error) {
	var recs []subscriptionRecord
	err := s.db.NewSelect().Model(&recs).
		Where("source_url = ?", sourceURL).
		Where("active = ?", true).
		OrderExpr("rowid").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return subscriptionsToDomain(recs), nil
}

func subscriptionsToDomain(recs []subscriptionRecord) []webhook.Subscription {
	out := make([]webhook.Subscription, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].toDomain())
	}
	return out
}

func (s *Store) GetSubscription(ctx context.Context, id string) (webhook.Subscription, error) {
	rec := new(subscriptionRecord)
	err := s.db.NewSelect().Model(rec).Where("id = ?", id).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return webhook.Subscription{}, webhook.NotFound("subscription", id)
	}
	if err != nil {
		return webhook.Subscription{}, err
	}
	return rec.toDomain(), nil
}

func (s *Store) DeactivateSubscription(ctx context.Context, ownerID, id string, at time.Time) error {
	res, err := s.db.NewUpdate().
		Model((*subscriptionRecord)(nil)).
		Set("active = ?", false).
		Set("cancelled_at = COALESCE(cancelled_at, ?)", at.UTC()).
		Where("id = ?", id).
		Where("owner_id = ?", ownerID).
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return webhook.NotFound("subscription", id)
	}
	return nil
}

// UpsertDelivery inserts or updates d in one statement. The update only applies to a
// pending row, so no affected rows means the stored row is terminal.
func (s *Store) UpsertDelivery(ctx context.Context, d webhook.DeliveryAttempt) error {
	var payload []byte
	if len(d.Payload) > 0 {
		payload = d.Payload
	}
	res, err := s.db.NewRaw(`
		INSERT INTO deliveries (id, subscription_id, owner_id, event_id, event_type, source_url, callback_url,
			payload, attempts, status, http_status, last_error, last_attempted_at, next_attempt_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			attempts = excluded.attempts,
			status = excluded.status,
			http_status = excluded.http_status,
			last_error = excluded.last_error,
			last_attempted_at = excluded.last_attempted_at,
			next_attempt_at = excluded.next_attempt_at,
			updated_at = excluded.updated_at
		WHERE deliveries.status = 'pending'`,
		d.ID, d.SubscriptionID, d.OwnerID, d.EventID, d.EventType, d.SourceURL, d.CallbackURL,
		payload, d.Attempts, string(d.Status), d.HTTPStatus, d.LastError,
		utcPtr(d.LastAttemptedAt), utcPtr(d.NextAttemptAt), d.CreatedAt.UTC(), d.UpdatedAt.UTC(),
	).Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return webhook.ErrDeliveryFinal
	}
	return nil
}

func (s *Store) GetDelivery(ctx context.Context, id string) (webhook.DeliveryAttempt, error) {
	rec := new(deliveryRecord)
	err := s.db.NewSelect().Model(rec).Where("id = ?", id).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return webhook.DeliveryAttempt{}, webhook.NotFound("delivery", id)
	}
	if err != nil {
		return webhook.DeliveryAttempt{}, err
	}
	return rec.toDomain(), nil
}

func (s *Store) ListDeliveriesByOwner(ctx context.Context, ownerID string) ([]webhook.DeliveryAttempt, error) {
	var recs []deliveryRecord
	err := s.db.NewSelect().Model(&recs).
		Where("owner_id = ?", ownerID).
		OrderExpr("updated_at DESC, created_at DESC, id DESC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]webhook.DeliveryAttempt, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].toDomain())
	}
	return out, nil
}

func (s *Store) ListPendingDeliveries(ctx context.Context) ([]webhook.DeliveryAttempt, error) {
	var recs []deliveryRecord
	err := s.db.NewSelect().Model(&recs).
		Where("status = ?", string(webhook.StatusPending)).
		OrderExpr("COALESCE(next_attempt_at, created_at), id").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]webhook.DeliveryAttempt, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].toDomain())
	}
	return out, nil
}
