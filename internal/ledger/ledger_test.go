package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/austindbirch/hookrelay/internal/store/memory"
	"github.com/austindbirch/hookrelay/internal/webhook"
)

func newTestLedger(clock *time.Time) *Ledger {
	l := New(memory.New())
	l.now = func() time.Time { return *clock }
	return l
}

func pending(id, owner string) webhook.DeliveryAttempt {
	return webhook.DeliveryAttempt{
		ID:             id,
		SubscriptionID: "sub-1",
		OwnerID:        owner,
		EventID:        "evt-1",
		EventType:      "order.created",
		Status:         webhook.StatusPending,
	}
}

func TestRecordStampsTimes(t *testing.T) {
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	l := newTestLedger(&clock)
	ctx := context.Background()

	d, err := l.Record(ctx, pending("d-1", "alice"))
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if !d.CreatedAt.Equal(clock) || !d.UpdatedAt.Equal(clock) {
		t.Errorf("times = %v / %v, want %v", d.CreatedAt, d.UpdatedAt, clock)
	}

	clock = clock.Add(time.Minute)
	d.Attempts = 1
	d.Status = webhook.StatusSuccess
	d, err = l.Record(ctx, d)
	if err != nil {
		t.Fatalf("Record update: %v", err)
	}
	if !d.UpdatedAt.Equal(clock) {
		t.Errorf("UpdatedAt = %v, want %v", d.UpdatedAt, clock)
	}
	if d.CreatedAt.Equal(clock) {
		t.Error("CreatedAt must not move on update")
	}
}

func TestRecordRejectsBadInput(t *testing.T) {
	clock := time.Now()
	l := newTestLedger(&clock)
	tests := []struct {
		name string
		d    webhook.DeliveryAttempt
	}{
		{"missing id", pending("", "alice")},
		{"bad status", func() webhook.DeliveryAttempt {
			d := pending("d-1", "alice")
			d.Status = "done"
			return d
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := l.Record(context.Background(), tt.d); err == nil {
				t.Error("Record should fail")
			}
		})
	}
}

func TestRecordAfterTerminal(t *testing.T) {
	clock := time.Now()
	l := newTestLedger(&clock)
	ctx := context.Background()

	d := pending("d-1", "alice")
	d.Status = webhook.StatusFailed
	if _, err := l.Record(ctx, d); err != nil {
		t.Fatalf("Record: %v", err)
	}
	d.Status = webhook.StatusPending
	if _, err := l.Record(ctx, d); !errors.Is(err, webhook.ErrDeliveryFinal) {
		t.Errorf("Record after terminal = %v, want ErrDeliveryFinal", err)
	}
}

func TestListSent(t *testing.T) {
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	l := newTestLedger(&clock)
	ctx := context.Background()

	empty, err := l.ListSent(ctx, "alice")
	if err != nil {
		t.Fatalf("ListSent: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Errorf("ListSent on empty ledger = %#v", empty)
	}

	for _, id := range []string{"d-1", "d-2"} {
		clock = clock.Add(time.Second)
		if _, err := l.Record(ctx, pending(id, "alice")); err != nil {
			t.Fatalf("Record(%s): %v", id, err)
		}
	}
	l.Record(ctx, pending("d-3", "bob"))

	got, err := l.ListSent(ctx, "alice")
	if err != nil {
		t.Fatalf("ListSent: %v", err)
	}
	if len(got) != 2 || got[0].ID != "d-2" || got[1].ID != "d-1" {
		t.Errorf("ListSent(alice) = %+v", got)
	}
}

func TestGetIsOwnerScoped(t *testing.T) {
	clock := time.Now()
	l := newTestLedger(&clock)
	ctx := context.Background()
	l.Record(ctx, pending("d-1", "alice"))

	if _, err := l.Get(ctx, "alice", "d-1"); err != nil {
		t.Errorf("Get(alice) = %v", err)
	}
	if _, err := l.Get(ctx, "", "d-1"); err != nil {
		t.Errorf("Get without owner = %v", err)
	}
	if _, err := l.Get(ctx, "bob", "d-1"); !webhook.IsNotFound(err) {
		t.Errorf("Get(bob) = %v, want not found", err)
	}
	if _, err := l.Get(ctx, "alice", "nope"); !webhook.IsNotFound(err) {
		t.Errorf("Get(unknown) = %v, want not found", err)
	}
}

func TestPendingSpansOwners(t *testing.T) {
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	l := newTestLedger(&clock)
	ctx := context.Background()

	l.Record(ctx, pending("d-1", "alice"))
	clock = clock.Add(time.Second)
	l.Record(ctx, pending("d-2", "bob"))
	done := pending("d-3", "alice")
	done.Status = webhook.StatusSuccess
	l.Record(ctx, done)

	got, err := l.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(got) != 2 || got[0].ID != "d-1" || got[1].ID != "d-2" {
		t.Errorf("Pending = %+v, want d-1 then d-2", got)
	}
}
