package api

import (
	"encoding/json"
	"net/http"

	"github.com/austindbirch/hookrelay/internal/tracing"
	"github.com/austindbirch/hookrelay/internal/webhook"
)

type errorBody struct {
	Error string `json:"error"`
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case webhook.IsValidation(err):
		return http.StatusBadRequest
	case webhook.IsNotFound(err):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		tracing.SetSpanError(r.Context(), err)
		s.logger.WithContext(r.Context()).WithError(err).
			WithField("path", r.URL.Path).Error("request failed")
		msg = "internal error"
	}
	writeJSON(w, code, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
