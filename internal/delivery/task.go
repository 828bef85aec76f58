package delivery

import (
	"context"
	"encoding/json"
	"time"

	"github.com/austindbirch/hookrelay/internal/webhook"
)

// Task is the queued unit of work: one pending delivery waiting for its next try.
type Task struct {
	DeliveryID     string            `json:"delivery_id"`
	SubscriptionID string            `json:"subscription_id"`
	OwnerID        string            `json:"owner_id"`
	EventID        string            `json:"event_id"`
	SourceURL      string            `json:"source_url"`
	CallbackURL    string            `json:"callback_url"`
	EventType      string            `json:"event_type"`
	Payload        json.RawMessage   `json:"payload"`
	Attempt        int               `json:"attempt"`                 // tries already performed
	PublishedAt    string            `json:"published_at"`            // RFC3339
	TraceHeaders   map[string]string `json:"trace_headers,omitempty"` // OTel trace propagation headers
}

// NewTask builds the task for a freshly created delivery record.
func NewTask(d webhook.DeliveryAttempt, traceHeaders map[string]string, now time.Time) Task {
	return Task{
		DeliveryID:     d.ID,
		SubscriptionID: d.SubscriptionID,
		OwnerID:        d.OwnerID,
		EventID:        d.EventID,
		SourceURL:      d.SourceURL,
		CallbackURL:    d.CallbackURL,
		EventType:      d.EventType,
		Payload:        d.Payload,
		Attempt:        d.Attempts,
		PublishedAt:    now.UTC().Format(time.RFC3339),
		TraceHeaders:   traceHeaders,
	}
}

// record rebuilds the pending ledger row described by t.
func (t Task) record() webhook.DeliveryAttempt {
	return webhook.DeliveryAttempt{
		ID:             t.DeliveryID,
		SubscriptionID: t.SubscriptionID,
		OwnerID:        t.OwnerID,
		EventID:        t.EventID,
		EventType:      t.EventType,
		SourceURL:      t.SourceURL,
		CallbackURL:    t.CallbackURL,
		Payload:        t.Payload,
		Attempts:       t.Attempt,
		Status:         webhook.StatusPending,
	}
}

// Queue accepts tasks for a try after delay.
type Queue interface {
	Enqueue(ctx context.Context, t Task, delay time.Duration) error
}
