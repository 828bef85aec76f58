// Package intake accepts events for a source system and fans them out to every
// active subscription of that source.
package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/hookrelay/internal/catalog"
	"github.com/austindbirch/hookrelay/internal/delivery"
	"github.com/austindbirch/hookrelay/internal/logging"
	"github.com/austindbirch/hookrelay/internal/metrics"
	"github.com/austindbirch/hookrelay/internal/tracing"
	"github.com/austindbirch/hookrelay/internal/webhook"
)

// Registry is the subscription lookup intake needs.
type Registry interface {
	ActiveBySource(ctx context.Context, sourceURL string) ([]webhook.Subscription, error)
	Get(ctx context.Context, id string) (webhook.Subscription, error)
	Catalog() *catalog.Catalog
}

type Ledger interface {
	Record(ctx context.Context, d webhook.DeliveryAttempt) (webhook.DeliveryAttempt, error)
	Get(ctx context.Context, ownerID, id string) (webhook.DeliveryAttempt, error)
}

// Result describes one ingested event.
type Result struct {
	EventID     string                    `json:"eventId"`
	FanoutCount int                       `json:"fanoutCount"`
	Deliveries  []webhook.DeliveryAttempt `json:"deliveries"`
}

type Service struct {
	subs   Registry
	ledger Ledger
	queue  delivery.Queue
	logger *logging.Logger
	now    func() time.Time
	newID  func() string
}

func NewService(subs Registry, ledger Ledger, queue delivery.Queue, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.New("hookrelay-intake")
	}
	return &Service{
		subs:   subs,
		ledger: ledger,
		queue:  queue,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
}

// normalizePayload returns payload compacted, rejecting empty input, invalid JSON and null.
func normalizePayload(payload json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, webhook.Invalid("payload", "is required")
	}
	if !json.Valid(trimmed) {
		return nil, webhook.Invalid("payload", "must be valid JSON")
	}
	if bytes.Equal(trimmed, []byte("null")) {
		return nil, webhook.Invalid("payload", "must not be null")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, webhook.Invalid("payload", "must be valid JSON")
	}
	return json.RawMessage(buf.Bytes()), nil
}

// Ingest validates an event and creates one pending delivery per active
// subscription of sourceURL, across all owners. Zero matches is not an error.
// Delivery outcomes are never reported here.
func (s *Service) Ingest(ctx context.Context, sourceURL, eventType string, payload json.RawMessage) (Result, error) {
	sourceURL = strings.TrimSpace(sourceURL)
	eventType = strings.TrimSpace(eventType)

	ctx, span := tracing.StartSpan(ctx, "intake.Ingest",
		attribute.String("source_url", sourceURL),
		attribute.String("event_type", eventType),
	)
	defer span.End()

	cat := s.subs.Catalog()
	if !cat.HasSource(sourceURL) {
		err := webhook.Invalid("sourceUrl", fmt.Sprintf("%q is not a recognized source system", sourceURL))
		tracing.SetSpanError(ctx, err)
		return Result{}, err
	}
	if !cat.HasEventType(eventType) {
		err := webhook.Invalid("eventType", fmt.Sprintf("%q is not a recognized event type", eventType))
		tracing.SetSpanError(ctx, err)
		return Result{}, err
	}
	body, err := normalizePayload(payload)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Result{}, err
	}

	ev := webhook.Event{ID: s.newID(), SourceURL: sourceURL, EventType: eventType, Payload: body}
	span.SetAttributes(attribute.String("event_id", ev.ID))

	tracing.AddSpanEvent(ctx, "registry.resolve_targets")
	targets, err := s.subs.ActiveBySource(ctx, sourceURL)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Result{}, err
	}

	res := Result{EventID: ev.ID, Deliveries: make([]webhook.DeliveryAttempt, 0, len(targets))}
	traceHeaders := tracing.InjectHeaders(ctx)
	for _, sub := range targets {
		rec, err := s.enqueue(ctx, webhook.NewDeliveryAttempt(s.newID(), sub, ev, s.now()), traceHeaders)
		if err != nil {
			tracing.SetSpanError(ctx, err)
			return res, err
		}
		res.Deliveries = append(res.Deliveries, rec)
	}
	res.FanoutCount = len(res.Deliveries)

	span.SetAttributes(attribute.Int("fanout_count", res.FanoutCount))
	metrics.RecordIngest(sourceURL, eventType, res.FanoutCount)
	s.logger.WithContext(ctx).WithEvent(ev.ID).WithFields(map[string]any{
		"source_url": sourceURL,
		"event_type": eventType,
		"fanout":     res.FanoutCount,
	}).Info("event ingested")
	return res, nil
}

// Replay starts a new delivery of a finished delivery's event to the same
// subscription. The original record is left untouched.
func (s *Service) Replay(ctx context.Context, ownerID, deliveryID string) (webhook.DeliveryAttempt, error) {
	ctx, span := tracing.StartSpan(ctx, "intake.Replay", attribute.String("delivery_id", deliveryID))
	defer span.End()

	if strings.TrimSpace(deliveryID) == "" {
		return webhook.DeliveryAttempt{}, webhook.Invalid("deliveryId", "is required")
	}
	orig, err := s.ledger.Get(ctx, ownerID, deliveryID)
	if err != nil {
		return webhook.DeliveryAttempt{}, err
	}
	if !orig.Status.Terminal() {
		return webhook.DeliveryAttempt{}, webhook.Invalid("deliveryId", "delivery is still pending")
	}
	sub, err := s.subs.Get(ctx, orig.SubscriptionID)
	if err != nil {
		return webhook.DeliveryAttempt{}, err
	}
	if !sub.Active {
		return webhook.DeliveryAttempt{}, webhook.Invalid("deliveryId", "subscription is cancelled")
	}

	ev := webhook.Event{ID: orig.EventID, SourceURL: orig.SourceURL, EventType: orig.EventType, Payload: orig.Payload}
	rec, err := s.enqueue(ctx, webhook.NewDeliveryAttempt(s.newID(), sub, ev, s.now()), tracing.InjectHeaders(ctx))
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return webhook.DeliveryAttempt{}, err
	}
	s.logger.WithContext(ctx).WithOwner(ownerID).WithDelivery(rec.ID).
		WithField("replay_of", orig.ID).Info("delivery replayed")
	return rec, nil
}

// enqueue writes the pending record and hands its task to the queue. A record
// the queue refused is closed as failed so it never sits pending without a task.
func (s *Service) enqueue(ctx context.Context, rec webhook.DeliveryAttempt, traceHeaders map[string]string) (webhook.DeliveryAttempt, error) {
	saved, err := s.ledger.Record(ctx, rec)
	if err != nil {
		return rec, fmt.Errorf("create delivery for subscription %s: %w", rec.SubscriptionID, err)
	}
	if err := s.queue.Enqueue(ctx, delivery.NewTask(saved, traceHeaders, s.now()), 0); err != nil {
		saved.Status = webhook.StatusFailed
		saved.LastError = "enqueue failed: " + err.Error()
		if failed, rerr := s.ledger.Record(context.WithoutCancel(ctx), saved); rerr != nil {
			s.logger.WithContext(ctx).WithDelivery(saved.ID).WithError(rerr).Error("unqueued delivery left pending")
		} else {
			saved = failed
		}
		return saved, fmt.Errorf("enqueue delivery %s: %w", saved.ID, err)
	}
	tracing.AddSpanEvent(ctx, "delivery.enqueued", attribute.String("delivery_id", saved.ID))
	return saved, nil
}
