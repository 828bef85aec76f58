package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/austindbirch/hookrelay/internal/signing"
	"github.com/austindbirch/hookrelay/internal/tracing"
	"github.com/austindbirch/hookrelay/internal/webhook"
)

// Sender performs one outbound try. A nil error means the callback answered 2xx;
// otherwise the error is a *webhook.DeliveryError.
type Sender interface {
	Send(ctx context.Context, sub webhook.Subscription, d webhook.DeliveryAttempt) (status int, err error)
}

// Body is the JSON document POSTed to callbacks.
type Body struct {
	EventID   string          `json:"eventId"`
	SourceURL string          `json:"sourceUrl"`
	EventType string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload"`
}

// HTTPSender signs and POSTs deliveries.
type HTTPSender struct {
	client *http.Client
	now    func() time.Time
}

// NewHTTPSender returns a sender using client, or a traced client with no timeout of its own
// when client is nil. The per-try deadline comes from the caller's context.
func NewHTTPSender(client *http.Client) *HTTPSender {
	if client == nil {
		client = tracing.HTTPClient(0)
	}
	return &HTTPSender{client: client, now: time.Now}
}

func (s *HTTPSender) Send(ctx context.Context, sub webhook.Subscription, d webhook.DeliveryAttempt) (int, error) {
	body, err := json.Marshal(Body{
		EventID:   d.EventID,
		SourceURL: d.SourceURL,
		EventType: d.EventType,
		Payload:   d.Payload,
	})
	if err != nil {
		return 0, &webhook.DeliveryError{Err: fmt.Errorf("encode body: %w", err)}
	}

	// sign: HMAC over body||timestamp
	ts := signing.Timestamp(s.now())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return 0, &webhook.DeliveryError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "hookrelay/1")
	req.Header.Set(signing.EventHeader, d.EventType)
	req.Header.Set(signing.DeliveryHeader, d.ID)
	req.Header.Set(signing.TimestampHeader, ts)
	if sub.Secret != "" {
		req.Header.Set(signing.SignatureHeader, signing.Sign(sub.Secret, body, ts))
	}
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set(signing.TraceHeader, traceID)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, &webhook.DeliveryError{Err: err}
	}
	defer resp.Body.Close()
	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, &webhook.DeliveryError{HTTPStatus: resp.StatusCode}
	}
	return resp.StatusCode, nil
}
