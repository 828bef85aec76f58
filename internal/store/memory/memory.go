// Package memory is an in-process store for subscriptions and deliveries.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/austindbirch/hookrelay/internal/webhook"
)

type Store struct {
	mu         sync.RWMutex
	subs       map[string]webhook.Subscription
	subOrder   []string
	deliveries map[string]webhook.DeliveryAttempt
}

func New() *Store {
	return &Store{
		subs:       make(map[string]webhook.Subscription),
		deliveries: make(map[string]webhook.DeliveryAttempt),
	}
}

func (s *Store) CreateSubscription(_ context.Context, sub webhook.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub.ID]; ok {
		return webhook.Invalid("id", "duplicate subscription id")
	}
	s.subs[sub.ID] = sub
	s.subOrder = append(s.subOrder, sub.ID)
	return nil
}

func (s *Store) ListSubscriptions(_ context.Context, ownerID string) ([]webhook.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []webhook.Subscription{}
	for _, id := range s.subOrder {
		if sub := s.subs[id]; sub.OwnerID == ownerID {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *Store) GetSubscription(_ context.Context, id string) (webhook.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[id]
	if !ok {
		return webhook.Subscription{}, webhook.NotFound("subscription", id)
	}
	return sub, nil
}

func (s *Store) DeactivateSubscription(_ context.Context, ownerID, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok || sub.OwnerID != ownerID {
		return webhook.NotFound("subscription", id)
	}
	if !sub.Active {
		return nil
	}
	sub.Active = false
	sub.CancelledAt = &at
	s.subs[id] = sub
	return nil
}

func (s *Store) ActiveSubscriptionsBySource(_ context.Context, sourceURL string) ([]webhook.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []webhook.Subscription
	for _, id := range s.subOrder {
		if sub := s.subs[id]; sub.Active && sub.SourceURL == sourceURL {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *Store) UpsertDelivery(_ context.Context, d webhook.DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.deliveries[d.ID]; ok && cur.Status.Terminal() {
		return webhook.ErrDeliveryFinal
	}
	s.deliveries[d.ID] = d
	return nil
}

func (s *Store) GetDelivery(_ context.Context, id string) (webhook.DeliveryAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deliveries[id]
	if !ok {
		return webhook.DeliveryAttempt{}, webhook.NotFound("delivery", id)
	}
	return d, nil
}

func (s *Store) ListDeliveriesByOwner(_ context.Context, ownerID string) ([]webhook.DeliveryAttempt, error) {
	s.mu.RLock()
	out := []webhook.DeliveryAttempt{}
	for _, d := range s.deliveries {
		if d.OwnerID == ownerID {
			out = append(out, d)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *Store) ListPendingDeliveries(_ context.Context) ([]webhook.DeliveryAttempt, error) {
	s.mu.RLock()
	out := []webhook.DeliveryAttempt{}
	for _, d := range s.deliveries {
		if d.Status == webhook.StatusPending {
			out = append(out, d)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		di, dj := out[i].DueAt(), out[j].DueAt()
		if !di.Equal(dj) {
			return di.Before(dj)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Ping always succeeds; it lets the memory store stand in for a database in health checks.
func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }
