package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/hookrelay/internal/logging"
	"github.com/austindbirch/hookrelay/internal/metrics"
	"github.com/austindbirch/hookrelay/internal/tracing"
)

// Publisher is the part of *nsq.Producer used here.
type Publisher interface {
	Publish(topic string, body []byte) error
	DeferredPublish(topic string, delay time.Duration, body []byte) error
}

// NSQQueue publishes tasks to an NSQ topic consumed by cmd/worker.
type NSQQueue struct {
	producer Publisher
	topic    string
}

func NewNSQQueue(producer Publisher, topic string) *NSQQueue {
	return &NSQQueue{producer: producer, topic: topic}
}

func (q *NSQQueue) Enqueue(ctx context.Context, t Task, delay time.Duration) error {
	if t.TraceHeaders == nil {
		t.TraceHeaders = tracing.InjectHeaders(ctx)
	}
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if delay > 0 {
		err = q.producer.DeferredPublish(q.topic, delay, body)
	} else {
		err = q.producer.Publish(q.topic, body)
	}
	if err != nil {
		return fmt.Errorf("publish task %s: %w", t.DeliveryID, err)
	}
	tracing.AddSpanEvent(ctx, "nsq.published")
	return nil
}

// NSQDeadLetters publishes dead letters to a topic.
type NSQDeadLetters struct {
	producer Publisher
	topic    string
}

func NewNSQDeadLetters(producer Publisher, topic string) *NSQDeadLetters {
	return &NSQDeadLetters{producer: producer, topic: topic}
}

func (n *NSQDeadLetters) PublishDeadLetter(_ context.Context, dl DeadLetter) error {
	b, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	return n.producer.Publish(n.topic, b)
}

// NSQHandler consumes task messages: one try per message, then Requeue with
// the backoff delay or Finish.
func NSQHandler(ctx context.Context, proc Processor, logger *logging.Logger) nsq.Handler {
	return nsq.HandlerFunc(func(m *nsq.Message) error {
		m.DisableAutoResponse() // we manually requeue or finish
		defer func() {
			if !m.HasResponded() {
				logger.Plain().Warn("message had no response, finishing")
				m.Finish()
			}
		}()

		var t Task
		if err := json.Unmarshal(m.Body, &t); err != nil || t.DeliveryID == "" {
			logger.Plain().WithError(err).Error("bad task payload")
			metrics.RecordDelivery("invalid", 0)
			m.Finish() // terminal: don't retry bad payloads
			return nil
		}

		out, err := proc.Process(ctx, t)
		if err != nil {
			logger.WithContext(ctx).WithDelivery(t.DeliveryID).WithError(err).Error("dispatch error")
		}
		if out.Retry {
			// the ledger holds the attempt count, so the unchanged body is fine to redeliver
			m.RequeueWithoutBackoff(out.Delay)
			return nil
		}
		m.Finish()
		return nil
	})
}
