package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type mockPinger struct {
	err     error
	sawDead bool
}

func (m *mockPinger) Ping(ctx context.Context) error {
	_, m.sawDead = ctx.Deadline()
	return m.err
}

func TestHTTPHandler(t *testing.T) {
	tests := []struct {
		name               string
		db                 Pinger
		expectedStatusCode int
		expectedStatus     Status
	}{
		{
			name:               "healthy with nil store",
			db:                 nil,
			expectedStatusCode: http.StatusOK,
			expectedStatus:     Status{OK: true, Message: "ok", Database: true},
		},
		{
			name:               "healthy with working database",
			db:                 &mockPinger{},
			expectedStatusCode: http.StatusOK,
			expectedStatus:     Status{OK: true, Message: "ok", Database: true},
		},
		{
			name:               "unhealthy with database ping failure",
			db:                 &mockPinger{err: context.DeadlineExceeded},
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedStatus:     Status{OK: false, Message: "db ping failed", Database: false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/healthz", nil)
			w := httptest.NewRecorder()

			HTTPHandler(tt.db)(w, req)

			if w.Code != tt.expectedStatusCode {
				t.Errorf("HTTPHandler() status code = %d, want %d", w.Code, tt.expectedStatusCode)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("HTTPHandler() Content-Type = %q, want application/json", ct)
			}

			var status Status
			if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
				t.Fatalf("HTTPHandler() response JSON parse error: %v", err)
			}
			if status != tt.expectedStatus {
				t.Errorf("HTTPHandler() status = %+v, want %+v", status, tt.expectedStatus)
			}
		})
	}
}

func TestCheckBoundsPing(t *testing.T) {
	m := &mockPinger{}
	Check(context.Background(), m)
	if !m.sawDead {
		t.Error("Ping should run under a deadline")
	}
}

func TestCheckCancelledContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	cancel()
	st := Check(ctx, &mockPinger{err: errors.New("context canceled")})
	if st.OK || st.Database {
		t.Errorf("Check() = %+v, want unhealthy", st)
	}
}
