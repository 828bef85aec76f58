package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/austindbirch/hookrelay/internal/config"
	"github.com/austindbirch/hookrelay/internal/logging"
	"github.com/austindbirch/hookrelay/internal/signing"
)

// receipt is one accepted callback, kept for /received.
type receipt struct {
	DeliveryID string          `json:"deliveryId"`
	EventType  string          `json:"eventType"`
	Body       json.RawMessage `json:"body"`
	At         time.Time       `json:"at"`
}

// receiver is a test callback endpoint: it fails the first N requests with 500
// and, when a secret is set, rejects requests whose signature does not verify.
type receiver struct {
	cfg    config.FakeReceiver
	logger *logging.Logger
	now    func() time.Time

	mu       sync.Mutex
	count    int
	received []receipt
}

func newReceiver(cfg config.FakeReceiver, logger *logging.Logger) *receiver {
	return &receiver{cfg: cfg, logger: logger, now: time.Now}
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New("fake-receiver")
	rcv := newReceiver(cfg.FakeReceiver, logger)

	srv := &http.Server{
		Addr:         cfg.FakeReceiver.Port,
		Handler:      rcv.routes(),
		ReadTimeout:  cfg.FakeReceiver.ReadTimeout,
		WriteTimeout: cfg.FakeReceiver.WriteTimeout,
		IdleTimeout:  cfg.FakeReceiver.IdleTimeout,
	}
	logger.Plain().WithFields(map[string]any{
		"addr":         srv.Addr,
		"fail_first_n": cfg.FakeReceiver.FailFirstN,
		"verify":       cfg.FakeReceiver.EndpointSecret != "",
	}).Info("fake-receiver listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Plain().WithError(err).Fatal("fake-receiver failed")
	}
}

func (rc *receiver) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("POST /hook", rc.handleHook)
	mux.HandleFunc("GET /received", rc.handleReceived)
	return mux
}

func (rc *receiver) handleHook(w http.ResponseWriter, r *http.Request) {
	b, err := io.ReadAll(r.Body)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	rc.mu.Lock()
	rc.count++
	n := rc.count
	rc.mu.Unlock()

	entry := rc.logger.Plain().WithDelivery(r.Header.Get(signing.DeliveryHeader)).WithField("request", n)

	if rc.cfg.EndpointSecret != "" {
		leeway := time.Duration(rc.cfg.SigningLeewaySeconds) * time.Second
		if err := signing.Verify(rc.cfg.EndpointSecret, b, r.Header.Get(signing.TimestampHeader),
			r.Header.Get(signing.SignatureHeader), rc.now(), leeway); err != nil {
			entry.WithError(err).Warn("signature rejected")
			http.Error(w, "invalid signature: "+err.Error(), http.StatusUnauthorized)
			return
		}
	}

	if d := rc.cfg.ResponseDelayMS; d > 0 {
		time.Sleep(time.Duration(d) * time.Millisecond)
	}

	// first N requests fail
	if n <= rc.cfg.FailFirstN {
		entry.WithField("body", truncate(string(b), 160)).Infof("failing (%d/%d)", n, rc.cfg.FailFirstN)
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	rc.mu.Lock()
	rc.received = append(rc.received, receipt{
		DeliveryID: r.Header.Get(signing.DeliveryHeader),
		EventType:  r.Header.Get(signing.EventHeader),
		Body:       json.RawMessage(b),
		At:         rc.now().UTC(),
	})
	rc.mu.Unlock()

	entry.WithField("body", truncate(string(b), 160)).Info("callback accepted")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

func (rc *receiver) handleReceived(w http.ResponseWriter, _ *http.Request) {
	rc.mu.Lock()
	out := append([]receipt{}, rc.received...)
	rc.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
