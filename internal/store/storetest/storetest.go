// Package storetest holds behaviour tests shared by every store backend.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/austindbirch/hookrelay/internal/webhook"
)

// Store is the union of the registry and ledger storage contracts.
type Store interface {
	CreateSubscription(ctx context.Context, sub webhook.Subscription) error
	ListSubscriptions(ctx context.Context, ownerID string) ([]webhook.Subscription, error)
	GetSubscription(ctx context.Context, id string) (webhook.Subscription, error)
	DeactivateSubscription(ctx context.Context, ownerID, id string, at time.Time) error
	ActiveSubscriptionsBySource(ctx context.Context, sourceURL string) ([]webhook.Subscription, error)
	UpsertDelivery(ctx context.Context, d webhook.DeliveryAttempt) error
	GetDelivery(ctx context.Context, id string) (webhook.DeliveryAttempt, error)
	ListDeliveriesByOwner(ctx context.Context, ownerID string) ([]webhook.DeliveryAttempt, error)
	ListPendingDeliveries(ctx context.Context) ([]webhook.DeliveryAttempt, error)
}

// Run exercises a fresh store returned by newStore for every subtest.
func Run(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("subscriptions keep insertion order per owner", func(t *testing.T) {
		testSubscriptionOrder(t, newStore(t))
	})
	t.Run("deactivate is owner scoped and idempotent", func(t *testing.T) {
		testDeactivate(t, newStore(t))
	})
	t.Run("active by source skips cancelled", func(t *testing.T) {
		testActiveBySource(t, newStore(t))
	})
	t.Run("delivery upsert replaces by id", func(t *testing.T) {
		testUpsert(t, newStore(t))
	})
	t.Run("terminal delivery is immutable", func(t *testing.T) {
		testTerminalImmutable(t, newStore(t))
	})
	t.Run("deliveries listed most recent first", func(t *testing.T) {
		testDeliveryOrder(t, newStore(t))
	})
	t.Run("pending deliveries listed by next try", func(t *testing.T) {
		testPendingOrder(t, newStore(t))
	})
	t.Run("concurrent upserts and reads", func(t *testing.T) {
		testConcurrent(t, newStore(t))
	})
}

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func sub(id, owner, source string, offset time.Duration) webhook.Subscription {
	return webhook.Subscription{
		ID:          id,
		OwnerID:     owner,
		SourceURL:   source,
		CallbackURL: "https://example.com/hook/" + id,
		Active:      true,
		Secret:      "secret-" + id,
		CreatedAt:   base.Add(offset),
	}
}

func delivery(id, owner string, status webhook.Status, updated time.Duration) webhook.DeliveryAttempt {
	return webhook.DeliveryAttempt{
		ID:             id,
		SubscriptionID: "sub-" + owner,
		OwnerID:        owner,
		EventID:        "evt-" + id,
		EventType:      "order.created",
		SourceURL:      "https://api.stripe.com",
		CallbackURL:    "https://example.com/hook",
		Payload:        json.RawMessage(`{"orderId":"12345","amount":1000}`),
		Status:         status,
		CreatedAt:      base,
		UpdatedAt:      base.Add(updated),
	}
}

func mustCreate(t *testing.T, s Store, subs ...webhook.Subscription) {
	t.Helper()
	for _, sb := range subs {
		if err := s.CreateSubscription(context.Background(), sb); err != nil {
			t.Fatalf("CreateSubscription(%s): %v", sb.ID, err)
		}
	}
}

func testSubscriptionOrder(t *testing.T, s Store) {
	ctx := context.Background()
	mustCreate(t, s,
		sub("a-1", "alice", "https://api.stripe.com", 0),
		sub("b-1", "bob", "https://api.stripe.com", time.Second),
		sub("a-2", "alice", "https://api.github.com", 2*time.Second),
		sub("a-3", "alice", "https://api.stripe.com", 3*time.Second),
	)

	got, err := s.ListSubscriptions(ctx, "alice")
	if err != nil {
		t.Fatalf("ListSubscriptions: %v", err)
	}
	want := []string{"a-1", "a-2", "a-3"}
	if len(got) != len(want) {
		t.Fatalf("ListSubscriptions returned %d rows, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("row %d = %s, want %s", i, got[i].ID, id)
		}
		if !got[i].Active {
			t.Errorf("row %d should be active", i)
		}
	}

	one, err := s.GetSubscription(ctx, "a-2")
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	if one.SourceURL != "https://api.github.com" || one.Secret != "secret-a-2" || one.CallbackURL != "https://example.com/hook/a-2" {
		t.Errorf("GetSubscription returned %+v", one)
	}
	if _, err := s.GetSubscription(ctx, "missing"); !webhook.IsNotFound(err) {
		t.Errorf("GetSubscription(missing) error = %v, want not found", err)
	}

	none, err := s.ListSubscriptions(ctx, "carol")
	if err != nil {
		t.Fatalf("ListSubscriptions(carol): %v", err)
	}
	if len(none) != 0 {
		t.Errorf("ListSubscriptions(carol) = %d rows, want 0", len(none))
	}
}

func testDeactivate(t *testing.T, s Store) {
	ctx := context.Background()
	mustCreate(t, s, sub("a-1", "alice", "https://api.stripe.com", 0))
	at := base.Add(time.Hour)

	if err := s.DeactivateSubscription(ctx, "bob", "a-1", at); !webhook.IsNotFound(err) {
		t.Errorf("Deactivate by other owner error = %v, want not found", err)
	}
	if err := s.DeactivateSubscription(ctx, "alice", "nope", at); !webhook.IsNotFound(err) {
		t.Errorf("Deactivate unknown id error = %v, want not found", err)
	}
	for i := 0; i < 2; i++ {
		if err := s.DeactivateSubscription(ctx, "alice", "a-1", at.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("Deactivate call %d: %v", i+1, err)
		}
	}
	got, err := s.GetSubscription(ctx, "a-1")
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	if got.Active {
		t.Error("subscription still active after deactivate")
	}
	if got.CancelledAt == nil || !got.CancelledAt.Equal(at) {
		t.Errorf("CancelledAt = %v, want first cancel time %v", got.CancelledAt, at)
	}
	list, _ := s.ListSubscriptions(ctx, "alice")
	if len(list) != 1 {
		t.Errorf("cancelled subscription must still be listed, got %d rows", len(list))
	}
}

func testActiveBySource(t *testing.T, s Store) {
	ctx := context.Background()
	mustCreate(t, s,
		sub("a-1", "alice", "https://api.stripe.com", 0),
		sub("b-1", "bob", "https://api.stripe.com", time.Second),
		sub("b-2", "bob", "https://api.shopify.com", 2*time.Second),
	)
	if err := s.DeactivateSubscription(ctx, "alice", "a-1", base); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}

	got, err := s.ActiveSubscriptionsBySource(ctx, "https://api.stripe.com")
	if err != nil {
		t.Fatalf("ActiveSubscriptionsBySource: %v", err)
	}
	if len(got) != 1 || got[0].ID != "b-1" {
		t.Errorf("ActiveSubscriptionsBySource = %+v, want only b-1", got)
	}

	none, err := s.ActiveSubscriptionsBySource(ctx, "https://slack.com/api")
	if err != nil {
		t.Fatalf("ActiveSubscriptionsBySource(slack): %v", err)
	}
	if len(none) != 0 {
		t.Errorf("ActiveSubscriptionsBySource(slack) = %d rows, want 0", len(none))
	}
}

func testUpsert(t *testing.T, s Store) {
	ctx := context.Background()
	d := delivery("d-1", "alice", webhook.StatusPending, 0)
	if err := s.UpsertDelivery(ctx, d); err != nil {
		t.Fatalf("insert: %v", err)
	}

	next := base.Add(2 * time.Second)
	last := base.Add(time.Second)
	d.Attempts = 1
	d.HTTPStatus = 503
	d.LastError = "callback returned status 503"
	d.LastAttemptedAt = &last
	d.NextAttemptAt = &next
	d.UpdatedAt = base.Add(time.Second)
	if err := s.UpsertDelivery(ctx, d); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.GetDelivery(ctx, "d-1")
	if err != nil {
		t.Fatalf("GetDelivery: %v", err)
	}
	if got.Attempts != 1 || got.Status != webhook.StatusPending || got.HTTPStatus != 503 || got.LastError != d.LastError {
		t.Errorf("GetDelivery = %+v", got)
	}
	if got.LastAttemptedAt == nil || !got.LastAttemptedAt.Equal(last) {
		t.Errorf("LastAttemptedAt = %v, want %v", got.LastAttemptedAt, last)
	}
	if got.NextAttemptAt == nil || !got.NextAttemptAt.Equal(next) {
		t.Errorf("NextAttemptAt = %v, want %v", got.NextAttemptAt, next)
	}
	var payload map[string]any
	if err := json.Unmarshal(got.Payload, &payload); err != nil || payload["orderId"] != "12345" {
		t.Errorf("payload not preserved: %s (%v)", got.Payload, err)
	}

	all, _ := s.ListDeliveriesByOwner(ctx, "alice")
	if len(all) != 1 {
		t.Errorf("upsert must not create a second row, got %d rows", len(all))
	}
	if _, err := s.GetDelivery(ctx, "missing"); !webhook.IsNotFound(err) {
		t.Errorf("GetDelivery(missing) error = %v, want not found", err)
	}
}

func testTerminalImmutable(t *testing.T, s Store) {
	ctx := context.Background()
	d := delivery("d-1", "alice", webhook.StatusSuccess, 0)
	d.Attempts = 2
	if err := s.UpsertDelivery(ctx, d); err != nil {
		t.Fatalf("insert: %v", err)
	}

	d.Status = webhook.StatusPending
	d.Attempts = 3
	if err := s.UpsertDelivery(ctx, d); !errors.Is(err, webhook.ErrDeliveryFinal) {
		t.Errorf("update of terminal row error = %v, want ErrDeliveryFinal", err)
	}
	got, _ := s.GetDelivery(ctx, "d-1")
	if got.Status != webhook.StatusSuccess || got.Attempts != 2 {
		t.Errorf("terminal row changed: %+v", got)
	}
}

func testDeliveryOrder(t *testing.T, s Store) {
	ctx := context.Background()
	for _, d := range []webhook.DeliveryAttempt{
		delivery("d-1", "alice", webhook.StatusSuccess, 1*time.Second),
		delivery("d-2", "alice", webhook.StatusPending, 5*time.Second),
		delivery("d-3", "alice", webhook.StatusFailed, 3*time.Second),
		delivery("d-4", "bob", webhook.StatusPending, 9*time.Second),
	} {
		if err := s.UpsertDelivery(ctx, d); err != nil {
			t.Fatalf("UpsertDelivery(%s): %v", d.ID, err)
		}
	}

	got, err := s.ListDeliveriesByOwner(ctx, "alice")
	if err != nil {
		t.Fatalf("ListDeliveriesByOwner: %v", err)
	}
	want := []string{"d-2", "d-3", "d-1"}
	if len(got) != len(want) {
		t.Fatalf("ListDeliveriesByOwner returned %d rows, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("row %d = %s, want %s", i, got[i].ID, id)
		}
	}
}

func testPendingOrder(t *testing.T, s Store) {
	ctx := context.Background()
	retryAt := func(d webhook.DeliveryAttempt, after time.Duration) webhook.DeliveryAttempt {
		at := base.Add(after)
		last := base
		d.Attempts = 1
		d.LastAttemptedAt = &last
		d.NextAttemptAt = &at
		return d
	}
	for _, d := range []webhook.DeliveryAttempt{
		retryAt(delivery("p-late", "alice", webhook.StatusPending, time.Second), 30*time.Second),
		delivery("done", "alice", webhook.StatusSuccess, time.Second),
		retryAt(delivery("p-soon", "bob", webhook.StatusPending, time.Second), 10*time.Second),
		delivery("p-queued", "bob", webhook.StatusPending, 0),
		delivery("dead", "bob", webhook.StatusFailed, time.Second),
	} {
		if err := s.UpsertDelivery(ctx, d); err != nil {
			t.Fatalf("UpsertDelivery(%s): %v", d.ID, err)
		}
	}

	got, err := s.ListPendingDeliveries(ctx)
	if err != nil {
		t.Fatalf("ListPendingDeliveries: %v", err)
	}
	want := []string{"p-queued", "p-soon", "p-late"}
	if len(got) != len(want) {
		t.Fatalf("ListPendingDeliveries returned %d rows, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("row %d = %s, want %s", i, got[i].ID, id)
		}
	}
	if got[1].NextAttemptAt == nil || !got[1].NextAttemptAt.Equal(base.Add(10*time.Second)) {
		t.Errorf("p-soon nextAttemptAt = %v, want %v", got[1].NextAttemptAt, base.Add(10*time.Second))
	}
}

func testConcurrent(t *testing.T, s Store) {
	ctx := context.Background()
	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, 3*n)
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			d := delivery(fmt.Sprintf("d-%02d", i), "alice", webhook.StatusPending, time.Duration(i)*time.Millisecond)
			for a := 1; a <= 3; a++ {
				d.Attempts = a
				if err := s.UpsertDelivery(ctx, d); err != nil {
					errs <- err
					return
				}
			}
		}(i)
		go func() {
			defer wg.Done()
			if _, err := s.ListDeliveriesByOwner(ctx, "alice"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent op: %v", err)
	}

	got, err := s.ListDeliveriesByOwner(ctx, "alice")
	if err != nil {
		t.Fatalf("ListDeliveriesByOwner: %v", err)
	}
	if len(got) != n {
		t.Fatalf("got %d rows, want %d", len(got), n)
	}
	for _, d := range got {
		if d.Attempts != 3 {
			t.Errorf("delivery %s attempts = %d, want 3", d.ID, d.Attempts)
		}
	}
}
