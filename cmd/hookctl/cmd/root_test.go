package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/austindbirch/hookrelay/internal/auth"
	"github.com/austindbirch/hookrelay/internal/webhook"
)

func TestCheckJQAvailable(t *testing.T) {
	_, err := exec.LookPath("jq")
	if got := checkJQAvailable(); got != (err == nil) {
		t.Errorf("checkJQAvailable() = %v, want %v", got, err == nil)
	}
}

func TestFormatWithJQ(t *testing.T) {
	if !checkJQAvailable() {
		t.Skip("jq not available, skipping test")
	}
	tests := []struct {
		name     string
		jsonData []byte
		wantErr  bool
	}{
		{"valid json", []byte(`{"key":"value","number":42}`), false},
		{"invalid json", []byte(`{"key":"value",}`), true},
		{"json array", []byte(`[1,2,3]`), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := formatWithJQ(tt.jsonData)
			if (err != nil) != tt.wantErr {
				t.Fatalf("formatWithJQ() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got == "" {
				t.Error("formatWithJQ() returned empty string for valid JSON")
			}
		})
	}
}

func TestParsePayload(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"object", `{"orderId":"12345"}`, false},
		{"array", `[1,2]`, false},
		{"string", `"hello"`, false},
		{"padded", "  {}  ", false},
		{"empty", "", true},
		{"invalid json - missing quotes", `{key:value}`, true},
		{"invalid json - trailing comma", `{"key":"value",}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parsePayload(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parsePayload() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && string(got) != strings.TrimSpace(tt.in) {
				t.Errorf("parsePayload() = %s", got)
			}
		})
	}
}

func TestParseConfigValue(t *testing.T) {
	tests := []struct {
		key, value string
		want       any
		wantErr    bool
	}{
		{"server", "http://relay:8000", "http://relay:8000", false},
		{"timeout", "45s", "45s", false},
		{"timeout", "soon", nil, true},
		{"json", "true", true, false},
		{"pretty", "0", false, false},
		{"pretty", "maybe", nil, true},
		{"owner", "alice", "alice", false},
		{"colour", "blue", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			got, err := parseConfigValue(tt.key, tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseConfigValue() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("parseConfigValue() = %v, want %v", got, tt.want)
			}
		})
	}
}

func rows(statuses ...webhook.Status) []webhook.DeliveryAttempt {
	out := make([]webhook.DeliveryAttempt, len(statuses))
	for i, s := range statuses {
		out[i] = webhook.DeliveryAttempt{ID: string(rune('a' + i)), EventID: "e1", Status: s}
	}
	return out
}

func TestFilterAndSettled(t *testing.T) {
	all := rows(webhook.StatusSuccess, webhook.StatusPending, webhook.StatusFailed)
	all[2].EventID = "e2"

	if got := filterDeliveries(all, []string{"a", "c"}, ""); len(got) != 2 || got[1].ID != "c" {
		t.Errorf("filter by ids = %+v", got)
	}
	if got := filterDeliveries(all, nil, "e2"); len(got) != 1 || got[0].ID != "c" {
		t.Errorf("filter by event = %+v", got)
	}
	if got := filterDeliveries(all, nil, ""); len(got) != 3 {
		t.Errorf("no filter = %d rows", len(got))
	}

	tests := []struct {
		name string
		rows []webhook.DeliveryAttempt
		ids  []string
		want bool
	}{
		{"all terminal", rows(webhook.StatusSuccess, webhook.StatusFailed), nil, true},
		{"one pending", rows(webhook.StatusSuccess, webhook.StatusPending), nil, false},
		{"id not listed yet", rows(webhook.StatusSuccess), []string{"a", "b"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := settled(tt.rows, tt.ids); got != tt.want {
				t.Errorf("settled() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClientDo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			if r.Header.Get("Authorization") != "Bearer tok" || r.Header.Get(auth.OwnerHeader) != "alice" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = w.Write([]byte(`{"ok":true}`))
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"subscription x not found"}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	c := &apiClient{base: srv.URL, http: srv.Client(), token: "tok", owner: "alice"}

	var res map[string]bool
	if err := c.do(context.Background(), http.MethodGet, "/ok", nil, &res); err != nil || !res["ok"] {
		t.Fatalf("do(/ok) = %v, %v", res, err)
	}

	err := c.do(context.Background(), http.MethodGet, "/missing", nil, nil)
	var ae *apiError
	if !errors.As(err, &ae) || ae.Status != http.StatusNotFound || ae.Message != "subscription x not found" {
		t.Errorf("do(/missing) = %v", err)
	}

	err = c.do(context.Background(), http.MethodGet, "/broken", nil, nil)
	if !errors.As(err, &ae) || ae.Message != "Bad Gateway" {
		t.Errorf("do(/broken) = %v", err)
	}
}

// fakeAPI serves the subset of the REST API hookctl talks to. Deliveries flip
// to success after a few polls.
type fakeAPI struct {
	mu    sync.Mutex
	polls int
	subs  []map[string]any
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/webhook/subscribe", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		sub := map[string]any{"id": "sub-1", "_id": "sub-1", "sourceUrl": req["sourceUrl"],
			"callbackUrl": req["callbackUrl"], "active": true, "secret": "s3cret", "createdAt": time.Now()}
		f.mu.Lock()
		f.subs = append(f.subs, sub)
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(sub)
	})
	mux.HandleFunc("POST /api/webhook/cancel", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("GET /api/webhook/list", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(f.subs)
	})
	mux.HandleFunc("POST /api/simulate", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"eventId":"e1","fanoutCount":1,"deliveries":[{"id":"d1","subscriptionId":"sub-1","eventId":"e1","status":"pending"}]}`))
	})
	mux.HandleFunc("GET /api/webhook/sent", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		f.polls++
		status := webhook.StatusPending
		if f.polls >= 3 {
			status = webhook.StatusSuccess
		}
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode([]webhook.DeliveryAttempt{{ID: "d1", EventID: "e1", Status: status, Attempts: 1, HTTPStatus: 200}})
	})
	return mux
}

// run executes hookctl with args against srv, resetting flags left over from earlier runs.
func run(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	var reset func(c *cobra.Command)
	reset = func(c *cobra.Command) {
		for _, fs := range []*pflag.FlagSet{c.Flags(), c.PersistentFlags()} {
			fs.VisitAll(func(f *pflag.Flag) {
				_ = f.Value.Set(f.DefValue)
				f.Changed = false
			})
		}
		for _, sub := range c.Commands() {
			reset(sub)
		}
	}
	reset(rootCmd)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--server", srv.URL, "--owner", "alice"}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestSubscribeAndListCommands(t *testing.T) {
	srv := httptest.NewServer((&fakeAPI{}).handler())
	defer srv.Close()

	out, err := run(t, srv, "subscribe", "https://api.stripe.com", "https://example.com/hook")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if !strings.Contains(out, "sub-1") || !strings.Contains(out, "s3cret") {
		t.Errorf("subscribe output = %q", out)
	}

	out, err = run(t, srv, "list", "--json")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var subs []map[string]any
	if err := json.Unmarshal([]byte(out), &subs); err != nil || len(subs) != 1 {
		t.Errorf("list --json = %q (%v)", out, err)
	}
}

func TestSimulateCommandRejectsBadPayload(t *testing.T) {
	srv := httptest.NewServer((&fakeAPI{}).handler())
	defer srv.Close()

	if _, err := run(t, srv, "simulate", "https://api.stripe.com", "order.created", `{nope`); err == nil {
		t.Error("expected a payload error")
	}
}

func TestQuickWaitsForDelivery(t *testing.T) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	out, err := run(t, srv, "quick", "http://localhost:8081/hook", "--interval", "10ms")
	if err != nil {
		t.Fatalf("quick: %v\n%s", err, out)
	}
	if !strings.Contains(out, "success") || !strings.Contains(out, "d1") {
		t.Errorf("quick output = %q", out)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if api.polls < 3 {
		t.Errorf("polled %d times, want at least 3", api.polls)
	}
}

func TestWaitForDeliveriesTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"id":"d1","status":"pending"}]`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	c := &apiClient{base: srv.URL, http: srv.Client()}
	if _, err := waitForDeliveries(ctx, c, []string{"d1"}, "", 10*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("waitForDeliveries() = %v, want deadline exceeded", err)
	}
}
