package subscription

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/hookrelay/internal/catalog"
	"github.com/austindbirch/hookrelay/internal/webhook"
)

// Store persists subscriptions. Subscriptions are never deleted.
type Store interface {
	CreateSubscription(ctx context.Context, sub webhook.Subscription) error
	// ListSubscriptions returns the owner's subscriptions in insertion order.
	ListSubscriptions(ctx context.Context, ownerID string) ([]webhook.Subscription, error)
	// GetSubscription returns a *webhook.NotFoundError when id is unknown.
	GetSubscription(ctx context.Context, id string) (webhook.Subscription, error)
	// DeactivateSubscription sets active=false. It returns a *webhook.NotFoundError
	// when id does not exist for ownerID and is a no-op for an already inactive row.
	DeactivateSubscription(ctx context.Context, ownerID, id string, at time.Time) error
	ActiveSubscriptionsBySource(ctx context.Context, sourceURL string) ([]webhook.Subscription, error)
}

// Registry owns webhook subscriptions.
type Registry struct {
	store   Store
	catalog *catalog.Catalog
	now     func() time.Time
}

// NewRegistry inits and returns a Registry validating sources against cat
func NewRegistry(store Store, cat *catalog.Catalog) *Registry {
	if cat == nil {
		cat = catalog.Default()
	}
	return &Registry{store: store, catalog: cat, now: func() time.Time { return time.Now().UTC() }}
}

// generateSecret generates a random base64-encoded string of length n
func generateSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// ValidateCallbackURL checks that raw is an absolute http(s) URL with a host.
func ValidateCallbackURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return webhook.Invalid("callbackUrl", "is required")
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return webhook.Invalid("callbackUrl", "not a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return webhook.Invalid("callbackUrl", "scheme must be http or https")
	}
	if u.Hostname() == "" {
		return webhook.Invalid("callbackUrl", "host is required")
	}
	return nil
}

// Subscribe registers a new active subscription for ownerID.
func (r *Registry) Subscribe(ctx context.Context, ownerID, sourceURL, callbackURL string) (webhook.Subscription, error) {
	ownerID = strings.TrimSpace(ownerID)
	sourceURL = strings.TrimSpace(sourceURL)
	callbackURL = strings.TrimSpace(callbackURL)

	if ownerID == "" {
		return webhook.Subscription{}, webhook.Invalid("ownerId", "is required")
	}
	if !r.catalog.HasSource(sourceURL) {
		return webhook.Subscription{}, webhook.Invalid("sourceUrl", fmt.Sprintf("%q is not a recognized source system", sourceURL))
	}
	if err := ValidateCallbackURL(callbackURL); err != nil {
		return webhook.Subscription{}, err
	}

	secret, err := generateSecret(32) // 256-bit
	if err != nil {
		return webhook.Subscription{}, fmt.Errorf("generate secret: %w", err)
	}

	sub := webhook.Subscription{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		SourceURL:   sourceURL,
		CallbackURL: callbackURL,
		Active:      true,
		Secret:      secret,
		CreatedAt:   r.now(),
	}
	if err := r.store.CreateSubscription(ctx, sub); err != nil {
		return webhook.Subscription{}, fmt.Errorf("create subscription: %w", err)
	}
	return sub, nil
}

// List returns all of ownerID's subscriptions, active and cancelled, in insertion order.
func (r *Registry) List(ctx context.Context, ownerID string) ([]webhook.Subscription, error) {
	subs, err := r.store.ListSubscriptions(ctx, strings.TrimSpace(ownerID))
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	if subs == nil {
		subs = []webhook.Subscription{}
	}
	return subs, nil
}

// Cancel deactivates a subscription. Cancelling twice is not an error.
func (r *Registry) Cancel(ctx context.Context, ownerID, id string) error {
	ownerID = strings.TrimSpace(ownerID)
	id = strings.TrimSpace(id)
	if id == "" {
		return webhook.Invalid("webhookId", "is required")
	}
	if err := r.store.DeactivateSubscription(ctx, ownerID, id, r.now()); err != nil {
		if webhook.IsNotFound(err) {
			return err
		}
		return fmt.Errorf("cancel subscription: %w", err)
	}
	return nil
}

// Get returns a subscription by id regardless of owner.
func (r *Registry) Get(ctx context.Context, id string) (webhook.Subscription, error) {
	return r.store.GetSubscription(ctx, id)
}

// IsActive reports whether subscription id exists and has not been cancelled.
func (r *Registry) IsActive(ctx context.Context, id string) (bool, error) {
	sub, err := r.store.GetSubscription(ctx, id)
	if err != nil {
		if webhook.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return sub.Active, nil
}

// ActiveBySource returns every active subscription listening to sourceURL.
func (r *Registry) ActiveBySource(ctx context.Context, sourceURL string) ([]webhook.Subscription, error) {
	subs, err := r.store.ActiveSubscriptionsBySource(ctx, strings.TrimSpace(sourceURL))
	if err != nil {
		return nil, fmt.Errorf("resolve subscriptions: %w", err)
	}
	return subs, nil
}

// Catalog returns the catalog used for validation.
func (r *Registry) Catalog() *catalog.Catalog { return r.catalog }
