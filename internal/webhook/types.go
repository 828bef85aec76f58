package webhook

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a delivery.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Terminal reports whether no further tries will happen for a delivery in this state.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

// Subscription binds a source system to an owner's callback URL.
type Subscription struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"ownerId"`
	SourceURL   string     `json:"sourceUrl"`
	CallbackURL string     `json:"callbackUrl"`
	Active      bool       `json:"active"`
	Secret      string     `json:"-"`
	CreatedAt   time.Time  `json:"createdAt"`
	CancelledAt *time.Time `json:"cancelledAt,omitempty"`
}

// Event is an ephemeral input to dispatch. It is only persisted as part of delivery records.
type Event struct {
	ID        string          `json:"eventId"`
	SourceURL string          `json:"sourceUrl"`
	EventType string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload"`
}

// DeliveryAttempt is one logical delivery of an event to a subscription.
// Attempts counts HTTP tries performed so far: 0 while the first try is queued,
// 1 once it has run. A delivery cancelled before its first try ends failed with 0.
type DeliveryAttempt struct {
	ID              string          `json:"id"`
	SubscriptionID  string          `json:"subscriptionId"`
	OwnerID         string          `json:"ownerId"`
	EventID         string          `json:"eventId"`
	EventType       string          `json:"eventType"`
	SourceURL       string          `json:"sourceUrl"`
	CallbackURL     string          `json:"callbackUrl"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Attempts        int             `json:"attempts"`
	Status          Status          `json:"status"`
	HTTPStatus      int             `json:"httpStatus,omitempty"`
	LastError       string          `json:"lastError,omitempty"`
	LastAttemptedAt *time.Time      `json:"lastAttemptedAt,omitempty"`
	NextAttemptAt   *time.Time      `json:"nextAttemptAt,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// DueAt is when the next try is due: NextAttemptAt for a retry, CreatedAt before the first try.
func (d DeliveryAttempt) DueAt() time.Time {
	if d.NextAttemptAt != nil {
		return *d.NextAttemptAt
	}
	return d.CreatedAt
}

// NewDeliveryAttempt creates the pending record for ev targeting sub.
func NewDeliveryAttempt(id string, sub Subscription, ev Event, now time.Time) DeliveryAttempt {
	return DeliveryAttempt{
		ID:             id,
		SubscriptionID: sub.ID,
		OwnerID:        sub.OwnerID,
		EventID:        ev.ID,
		EventType:      ev.EventType,
		SourceURL:      ev.SourceURL,
		CallbackURL:    sub.CallbackURL,
		Payload:        ev.Payload,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
