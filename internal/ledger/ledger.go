package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/austindbirch/hookrelay/internal/webhook"
)

// Store persists delivery records, one row per logical delivery.
type Store interface {
	// UpsertDelivery inserts d or replaces the row with the same id. It must be
	// atomic against concurrent reads and return webhook.ErrDeliveryFinal when the
	// stored row is already terminal.
	UpsertDelivery(ctx context.Context, d webhook.DeliveryAttempt) error
	// GetDelivery returns a *webhook.NotFoundError when id is unknown.
	GetDelivery(ctx context.Context, id string) (webhook.DeliveryAttempt, error)
	// ListDeliveriesByOwner returns the owner's deliveries, most recently updated first.
	ListDeliveriesByOwner(ctx context.Context, ownerID string) ([]webhook.DeliveryAttempt, error)
	// ListPendingDeliveries returns every pending delivery across owners, the one
	// due first (nextAttemptAt, or createdAt before the first try) first.
	ListPendingDeliveries(ctx context.Context) ([]webhook.DeliveryAttempt, error)
}

// Ledger is the durable record of every delivery and its outcome.
type Ledger struct {
	store Store
	now   func() time.Time
}

func New(store Store) *Ledger {
	return &Ledger{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Record upserts d by its id and stamps UpdatedAt.
func (l *Ledger) Record(ctx context.Context, d webhook.DeliveryAttempt) (webhook.DeliveryAttempt, error) {
	if d.ID == "" {
		return d, fmt.Errorf("record delivery: id is required")
	}
	if !d.Status.Valid() {
		return d, fmt.Errorf("record delivery %s: invalid status %q", d.ID, d.Status)
	}
	d.UpdatedAt = l.now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = d.UpdatedAt
	}
	if err := l.store.UpsertDelivery(ctx, d); err != nil {
		return d, fmt.Errorf("record delivery %s: %w", d.ID, err)
	}
	return d, nil
}

// ListSent returns every delivery belonging to ownerID's subscriptions, most recent activity first.
func (l *Ledger) ListSent(ctx context.Context, ownerID string) ([]webhook.DeliveryAttempt, error) {
	out, err := l.store.ListDeliveriesByOwner(ctx, strings.TrimSpace(ownerID))
	if err != nil {
		return nil, fmt.Errorf("list sent: %w", err)
	}
	if out == nil {
		out = []webhook.DeliveryAttempt{}
	}
	return out, nil
}

// Pending returns every delivery that still has tries ahead of it, due first.
func (l *Ledger) Pending(ctx context.Context) ([]webhook.DeliveryAttempt, error) {
	out, err := l.store.ListPendingDeliveries(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	return out, nil
}

// Get returns one delivery. A non-empty ownerID hides other owners' rows behind a not-found error.
func (l *Ledger) Get(ctx context.Context, ownerID, id string) (webhook.DeliveryAttempt, error) {
	d, err := l.store.GetDelivery(ctx, id)
	if err != nil {
		return webhook.DeliveryAttempt{}, err
	}
	if ownerID != "" && d.OwnerID != ownerID {
		return webhook.DeliveryAttempt{}, webhook.NotFound("delivery", id)
	}
	return d, nil
}
