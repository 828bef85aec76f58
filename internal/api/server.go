// Package api serves the dashboard's REST surface. Routes live on a
// grpc-gateway ServeMux and every request is scoped to the authenticated owner.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/cors"

	"github.com/austindbirch/hookrelay/internal/auth"
	"github.com/austindbirch/hookrelay/internal/catalog"
	"github.com/austindbirch/hookrelay/internal/intake"
	"github.com/austindbirch/hookrelay/internal/logging"
	"github.com/austindbirch/hookrelay/internal/tracing"
	"github.com/austindbirch/hookrelay/internal/webhook"
)

const maxBodyBytes = 1 << 20

type Registry interface {
	Subscribe(ctx context.Context, ownerID, sourceURL, callbackURL string) (webhook.Subscription, error)
	List(ctx context.Context, ownerID string) ([]webhook.Subscription, error)
	Cancel(ctx context.Context, ownerID, id string) error
	Catalog() *catalog.Catalog
}

type Ledger interface {
	ListSent(ctx context.Context, ownerID string) ([]webhook.DeliveryAttempt, error)
	Get(ctx context.Context, ownerID, id string) (webhook.DeliveryAttempt, error)
}

type Intake interface {
	Ingest(ctx context.Context, sourceURL, eventType string, payload json.RawMessage) (intake.Result, error)
	Replay(ctx context.Context, ownerID, deliveryID string) (webhook.DeliveryAttempt, error)
}

type Server struct {
	subs        Registry
	ledger      Ledger
	intake      Intake
	logger      *logging.Logger
	corsOrigins []string
}

func NewServer(subs Registry, ledger Ledger, in Intake, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.New("hookrelay-api")
	}
	return &Server{subs: subs, ledger: ledger, intake: in, logger: logger}
}

// WithCORS lets browsers on origins call the /api routes. Preflights are
// answered before authentication. No origins leaves CORS off.
func (s *Server) WithCORS(origins []string) *Server {
	s.corsOrigins = origins
	return s
}

// Register adds the /api routes to mux.
func (s *Server) Register(mux *runtime.ServeMux) error {
	routes := []struct {
		method, path string
		h            runtime.HandlerFunc
	}{
		{http.MethodPost, "/api/webhook/subscribe", s.subscribe},
		{http.MethodPost, "/api/webhook/cancel", s.cancel},
		{http.MethodGet, "/api/webhook/list", s.list},
		{http.MethodPost, "/api/simulate", s.simulate},
		{http.MethodGet, "/api/webhook/sent", s.sent},
		{http.MethodGet, "/api/webhook/sent/{id}", s.sentOne},
		{http.MethodPost, "/api/webhook/sent/{id}/replay", s.replay},
		{http.MethodGet, "/api/catalog", s.catalog},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.path, r.h); err != nil {
			return err
		}
	}
	return nil
}

// Handler returns the full HTTP surface: unauthenticated health and metrics,
// and the /api routes behind the validator (and CORS when configured), all traced.
func (s *Server) Handler(v *auth.JWTValidator, healthz, metrics http.Handler) (http.Handler, error) {
	gwmux := runtime.NewServeMux()
	if err := s.Register(gwmux); err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	if healthz != nil {
		mux.Handle("/healthz", healthz)
	}
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	var routes http.Handler = v.HTTPMiddleware(gwmux)
	if len(s.corsOrigins) > 0 {
		routes = cors.New(cors.Options{
			AllowedOrigins: s.corsOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
			AllowedHeaders: []string{"Authorization", "Content-Type", auth.OwnerHeader},
			MaxAge:         600,
		}).Handler(routes)
	}
	mux.Handle("/", routes)
	return tracing.HTTPHandler(mux, "hookrelay-api"), nil
}

type subscribeRequest struct {
	SourceURL   string `json:"sourceUrl"`
	CallbackURL string `json:"callbackUrl"`
}

type cancelRequest struct {
	WebhookID string `json:"webhookId"`
}

type simulateRequest struct {
	SourceURL string          `json:"sourceUrl"`
	EventType string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload"`
}

// subscriptionView adds the dashboard's _id key. The secret is only shown on creation.
type subscriptionView struct {
	webhook.Subscription
	LegacyID string `json:"_id"`
	Secret   string `json:"secret,omitempty"`
}

func viewOf(sub webhook.Subscription, withSecret bool) subscriptionView {
	v := subscriptionView{Subscription: sub, LegacyID: sub.ID}
	if withSecret {
		v.Secret = sub.Secret
	}
	return v
}

func (s *Server) subscribe(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}
	var req subscribeRequest
	if !s.decode(w, r, &req) {
		return
	}
	sub, err := s.subs.Subscribe(r.Context(), owner, req.SourceURL, req.CallbackURL)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.WithContext(r.Context()).WithOwner(owner).WithSubscription(sub.ID).
		WithField("source_url", sub.SourceURL).Info("subscription created")
	writeJSON(w, http.StatusCreated, viewOf(sub, true))
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.subs.Cancel(r.Context(), owner, req.WebhookID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.WithContext(r.Context()).WithOwner(owner).WithSubscription(req.WebhookID).Info("subscription cancelled")
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) list(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}
	subs, err := s.subs.List(r.Context(), owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]subscriptionView, 0, len(subs))
	for _, sub := range subs {
		out = append(out, viewOf(sub, false))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) simulate(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if _, ok := s.owner(w, r); !ok {
		return
	}
	var req simulateRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.intake.Ingest(r.Context(), req.SourceURL, req.EventType, req.Payload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) sent(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}
	rows, err := s.ledger.ListSent(r.Context(), owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rows == nil {
		rows = []webhook.DeliveryAttempt{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) sentOne(w http.ResponseWriter, r *http.Request, params map[string]string) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}
	rec, err := s.ledger.Get(r.Context(), owner, params["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) replay(w http.ResponseWriter, r *http.Request, params map[string]string) {
	owner, ok := s.owner(w, r)
	if !ok {
		return
	}
	rec, err := s.intake.Replay(r.Context(), owner, params["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) catalog(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	writeJSON(w, http.StatusOK, s.subs.Catalog())
}

func (s *Server) owner(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner, ok := auth.OwnerIDFromContext(r.Context())
	if !ok || owner == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized: no owner"})
		return "", false
	}
	return owner, true
}

// decode reads a JSON body into dst. It answers 400 itself and reports false on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		msg := "invalid JSON body"
		var tooBig *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			msg = "request body is required"
		case errors.As(err, &tooBig):
			msg = "request body too large"
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: msg})
		return false
	}
	return true
}
