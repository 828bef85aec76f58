package delivery

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/hookrelay/internal/logging"
	"github.com/austindbirch/hookrelay/internal/metrics"
	"github.com/austindbirch/hookrelay/internal/tracing"
	"github.com/austindbirch/hookrelay/internal/webhook"
)

const cancelledError = "subscription cancelled"

// Subscriptions is the registry view the dispatcher needs.
type Subscriptions interface {
	Get(ctx context.Context, id string) (webhook.Subscription, error)
}

// Ledger is where every try is recorded.
type Ledger interface {
	Record(ctx context.Context, d webhook.DeliveryAttempt) (webhook.DeliveryAttempt, error)
	Get(ctx context.Context, ownerID, id string) (webhook.DeliveryAttempt, error)
}

type Config struct {
	MaxAttempts    int
	Backoff        Backoff
	AttemptTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{MaxAttempts: 5, Backoff: DefaultBackoff(), AttemptTimeout: 10 * time.Second}
}

// Outcome is the state of a delivery after Process. When Retry is set the
// caller must schedule the task again after Delay.
type Outcome struct {
	Status   webhook.Status
	Attempts int
	Retry    bool
	Delay    time.Duration
}

// Dispatcher runs single tries and owns the pending -> {success, failed} transitions.
type Dispatcher struct {
	subs   Subscriptions
	ledger Ledger
	sender Sender
	dlq    DeadLetterSink
	cfg    Config
	logger *logging.Logger
	now    func() time.Time
}

func NewDispatcher(subs Subscriptions, ledger Ledger, sender Sender, cfg Config, logger *logging.Logger) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = logging.New("hookrelay-dispatcher")
	}
	return &Dispatcher{
		subs:   subs,
		ledger: ledger,
		sender: sender,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithDeadLetters publishes a dead letter for every delivery that ends failed after exhausting its tries.
func (d *Dispatcher) WithDeadLetters(sink DeadLetterSink) *Dispatcher {
	d.dlq = sink
	return d
}

func (d *Dispatcher) MaxAttempts() int { return d.cfg.MaxAttempts }

// Process performs exactly one try of t. The ledger is written before Process
// returns, so a caller acting on the Outcome never gets ahead of what readers see.
func (d *Dispatcher) Process(ctx context.Context, t Task) (Outcome, error) {
	ctx = tracing.ExtractHeaders(ctx, t.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "delivery.try",
		attribute.String("delivery_id", t.DeliveryID),
		attribute.String("subscription_id", t.SubscriptionID),
		attribute.String("event_id", t.EventID),
		attribute.String("event_type", t.EventType),
		attribute.Int("attempt", t.Attempt+1),
	)
	defer span.End()

	rec, err := d.current(ctx, t)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return d.retryLater(t.Attempt), fmt.Errorf("load delivery %s: %w", t.DeliveryID, err)
	}
	if rec.Status.Terminal() {
		// redelivered task for a finished delivery
		return Outcome{Status: rec.Status, Attempts: rec.Attempts}, nil
	}

	tracing.AddSpanEvent(ctx, "registry.active_check")
	sub, err := d.subs.Get(ctx, rec.SubscriptionID)
	if err != nil && !webhook.IsNotFound(err) {
		tracing.SetSpanError(ctx, err)
		return d.retryLater(rec.Attempts), fmt.Errorf("load subscription %s: %w", rec.SubscriptionID, err)
	}
	if err != nil || !sub.Active {
		return d.cancel(ctx, rec)
	}

	start := d.now()
	tracing.AddSpanEvent(ctx, "http.send_webhook")
	tryCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	began := time.Now()
	status, sendErr := d.sender.Send(tryCtx, sub, rec)
	latency := time.Since(began)
	cancel()

	span.SetAttributes(
		attribute.Int("http.status_code", status),
		attribute.Int64("http.latency_ms", latency.Milliseconds()),
	)

	rec.Attempts++
	rec.LastAttemptedAt = &start
	rec.HTTPStatus = status
	rec.NextAttemptAt = nil

	var (
		delay  time.Duration
		reason string
	)
	if sendErr == nil {
		rec.Status = webhook.StatusSuccess
		rec.LastError = ""
	} else {
		reason = ClassifyReason(sendErr, status)
		span.SetAttributes(attribute.String("failure_reason", reason))
		rec.LastError = sendErr.Error()
		if rec.Attempts >= d.cfg.MaxAttempts {
			rec.Status = webhook.StatusFailed
		} else {
			// the upcoming try is number Attempts+1
			delay = d.cfg.Backoff.Delay(rec.Attempts + 1)
			next := start.Add(delay)
			rec.NextAttemptAt = &next
		}
	}

	saved, err := d.ledger.Record(ctx, rec)
	if err != nil {
		if errors.Is(err, webhook.ErrDeliveryFinal) {
			return d.finalState(ctx, rec)
		}
		tracing.SetSpanError(ctx, err)
		d.logger.WithContext(ctx).WithDelivery(rec.ID).WithError(err).Error("ledger write failed")
		// the try is repeated; attempts were not persisted
		return d.retryLater(rec.Attempts), fmt.Errorf("record try: %w", err)
	}

	metrics.RecordDelivery(string(saved.Status), latency)
	if status > 0 {
		metrics.RecordCallbackResponse(strconv.Itoa(status))
	}
	log := d.logger.WithContext(ctx).
		WithOwner(saved.OwnerID).
		WithSubscription(saved.SubscriptionID).
		WithEvent(saved.EventID).
		WithDelivery(saved.ID).
		WithFields(map[string]any{"attempt": saved.Attempts, "http_status": status})

	switch saved.Status {
	case webhook.StatusSuccess:
		tracing.AddSpanEvent(ctx, "delivery.success")
		log.Info("delivery succeeded")
		return Outcome{Status: saved.Status, Attempts: saved.Attempts}, nil
	case webhook.StatusFailed:
		metrics.RecordRetry(reason)
		metrics.RecordDLQ(reason)
		tracing.AddSpanEvent(ctx, "delivery.dlq", attribute.Int("attempt", saved.Attempts))
		log.WithError(sendErr).WithField("reason", reason).Warn("delivery failed permanently")
		d.deadLetter(ctx, t, saved, reason)
		return Outcome{Status: saved.Status, Attempts: saved.Attempts}, nil
	default:
		metrics.RecordRetry(reason)
		tracing.AddSpanEvent(ctx, "delivery.requeue", attribute.String("delay", delay.String()))
		log.WithError(sendErr).WithFields(map[string]any{"reason": reason, "delay": delay.String()}).Info("requeue delivery")
		return Outcome{Status: saved.Status, Attempts: saved.Attempts, Retry: true, Delay: delay}, nil
	}
}

// current returns the ledger row for t, or the row t describes when the ledger has none yet.
func (d *Dispatcher) current(ctx context.Context, t Task) (webhook.DeliveryAttempt, error) {
	rec, err := d.ledger.Get(ctx, "", t.DeliveryID)
	if err == nil {
		return rec, nil
	}
	if webhook.IsNotFound(err) {
		return t.record(), nil
	}
	return webhook.DeliveryAttempt{}, err
}

// cancel closes a delivery whose subscription is no longer active. No HTTP call is made.
func (d *Dispatcher) cancel(ctx context.Context, rec webhook.DeliveryAttempt) (Outcome, error) {
	tracing.AddSpanEvent(ctx, "delivery.cancelled")
	rec.Status = webhook.StatusFailed
	rec.LastError = cancelledError
	rec.NextAttemptAt = nil
	saved, err := d.ledger.Record(ctx, rec)
	if err != nil {
		if errors.Is(err, webhook.ErrDeliveryFinal) {
			return d.finalState(ctx, rec)
		}
		tracing.SetSpanError(ctx, err)
		return d.retryLater(rec.Attempts), fmt.Errorf("record cancellation: %w", err)
	}
	metrics.RecordDelivery(string(saved.Status), 0)
	d.logger.WithContext(ctx).
		WithOwner(saved.OwnerID).
		WithSubscription(saved.SubscriptionID).
		WithDelivery(saved.ID).
		WithField("attempt", saved.Attempts).
		Info("subscription cancelled, delivery stopped")
	return Outcome{Status: saved.Status, Attempts: saved.Attempts}, nil
}

func (d *Dispatcher) finalState(ctx context.Context, rec webhook.DeliveryAttempt) (Outcome, error) {
	cur, err := d.ledger.Get(ctx, "", rec.ID)
	if err != nil {
		return Outcome{Status: webhook.StatusFailed, Attempts: rec.Attempts}, nil
	}
	return Outcome{Status: cur.Status, Attempts: cur.Attempts}, nil
}

func (d *Dispatcher) retryLater(attempts int) Outcome {
	return Outcome{
		Status:   webhook.StatusPending,
		Attempts: attempts,
		Retry:    true,
		Delay:    d.cfg.Backoff.Delay(max(attempts, 1)),
	}
}

func (d *Dispatcher) deadLetter(ctx context.Context, t Task, rec webhook.DeliveryAttempt, reason string) {
	if d.dlq == nil {
		return
	}
	dl := NewDeadLetter(t, rec.Attempts, rec.HTTPStatus, rec.LastError, reason, d.now())
	if err := d.dlq.PublishDeadLetter(ctx, dl); err != nil {
		tracing.SetSpanError(ctx, err)
		d.logger.WithContext(ctx).WithDelivery(rec.ID).WithError(err).Error("dlq publish failed")
		return
	}
	tracing.AddSpanEvent(ctx, "dlq.published")
}
