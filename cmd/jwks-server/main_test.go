package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/austindbirch/hookrelay/internal/auth"
	"github.com/austindbirch/hookrelay/internal/logging"
)

func TestBase64UrlEncode(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected string
	}{
		{
			name:     "empty byte slice",
			input:    []byte{},
			expected: "",
		},
		{
			name:     "single byte",
			input:    []byte{0},
			expected: "AA",
		},
		{
			name:     "multiple bytes",
			input:    []byte{1, 2, 3},
			expected: "AQID",
		},
		{
			name:     "text bytes",
			input:    []byte("hello"),
			expected: "aGVsbG8",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := base64UrlEncode(tt.input)
			if result != tt.expected {
				t.Errorf("base64UrlEncode(%v) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestIntToBytes(t *testing.T) {
	tests := []struct {
		name     string
		input    int
		expected []byte
	}{
		{
			name:     "zero",
			input:    0,
			expected: []byte{0},
		},
		{
			name:     "single byte value",
			input:    255,
			expected: []byte{255},
		},
		{
			name:     "two byte value",
			input:    256,
			expected: []byte{1, 0},
		},
		{
			name:     "three byte value",
			input:    65536,
			expected: []byte{1, 0, 0},
		},
		{
			name:     "standard RSA exponent",
			input:    65537,
			expected: []byte{1, 0, 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := intToBytes(tt.input)
			if len(result) != len(tt.expected) {
				t.Errorf("intToBytes(%d) length = %d, want %d", tt.input, len(result), len(tt.expected))
				return
			}
			for i, b := range result {
				if b != tt.expected[i] {
					t.Errorf("intToBytes(%d) = %v, want %v", tt.input, result, tt.expected)
					break
				}
			}
		})
	}
}

func testIssuer(t *testing.T) *issuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return newIssuer(key, "hookrelay-dev", "hookrelay", logging.NewWithWriter("test", io.Discard, logging.LevelError))
}

func TestHealthHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	testIssuer(t).routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("healthz = %d %s", rec.Code, rec.Body.String())
	}
}

func TestJwksHandler(t *testing.T) {
	iss := testIssuer(t)
	rec := httptest.NewRecorder()
	iss.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "public, max-age=300" {
		t.Errorf("Cache-Control = %q", cc)
	}
	var set auth.JSONWebKeySet
	if err := json.Unmarshal(rec.Body.Bytes(), &set); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(set.Keys) != 1 || set.Keys[0].Kid != keyID || set.Keys[0].Kty != "RSA" {
		t.Fatalf("keys = %+v", set.Keys)
	}
	pub, err := set.Keys[0].PublicKey()
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}
	if !pub.Equal(&iss.key.PublicKey) {
		t.Error("published key does not match the signing key")
	}
}

func TestCreateTokenHandler(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantCode    int
		wantExpires int
		wantErr     string
	}{
		{"default ttl", `{"ownerId":"alice"}`, http.StatusOK, 3600, ""},
		{"custom ttl", `{"ownerId":"alice","ttlSeconds":120}`, http.StatusOK, 120, ""},
		{"ttl capped", `{"ownerId":"alice","ttlSeconds":999999}`, http.StatusOK, 86400, ""},
		{"missing owner", `{"ttlSeconds":120}`, http.StatusBadRequest, 0, "ownerId is required"},
		{"blank owner", `{"ownerId":"  "}`, http.StatusBadRequest, 0, "ownerId is required"},
		{"invalid json", `{"ownerId":`, http.StatusBadRequest, 0, "invalid JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			iss := testIssuer(t)
			rec := httptest.NewRecorder()
			iss.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(tt.body)))
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			if tt.wantErr != "" {
				if !strings.Contains(rec.Body.String(), tt.wantErr) {
					t.Errorf("body = %s, want %q", rec.Body.String(), tt.wantErr)
				}
				return
			}
			var resp tokenResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.ExpiresIn != tt.wantExpires || resp.TokenType != "Bearer" || resp.Token == "" {
				t.Errorf("response = %+v", resp)
			}
		})
	}
}

// Tokens minted here must be accepted by the API's validator, with the key
// fetched over JWKS the way cmd/api does it.
func TestIssuedTokenValidates(t *testing.T) {
	iss := testIssuer(t)
	srv := httptest.NewServer(iss.routes())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/token", "application/json", strings.NewReader(`{"ownerId":"alice"}`))
	if err != nil {
		t.Fatalf("POST /token: %v", err)
	}
	defer resp.Body.Close()
	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		t.Fatalf("decode: %v", err)
	}

	key, err := auth.FetchJWKS(t.Context(), srv.Client(), srv.URL+"/.well-known/jwks.json", keyID)
	if err != nil {
		t.Fatalf("FetchJWKS: %v", err)
	}
	owner, err := auth.NewJWTValidatorFromKey(key, "hookrelay-dev", "hookrelay").ValidateToken(tok.Token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if owner != "alice" {
		t.Errorf("owner = %q, want alice", owner)
	}

	if _, err := auth.NewJWTValidatorFromKey(key, "hookrelay-dev", "someone-else").ValidateToken(tok.Token); err == nil {
		t.Error("token accepted for the wrong audience")
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	iss := testIssuer(t)
	iss.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	signed, err := iss.issue("alice", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := auth.NewJWTValidatorFromKey(&iss.key.PublicKey, "hookrelay-dev", "hookrelay").ValidateToken(signed); err == nil {
		t.Error("expired token accepted")
	}
}

func TestLoadKey(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal pkcs8: %v", err)
	}

	tests := []struct {
		name    string
		pem     string
		wantErr bool
	}{
		{"generated", "", false},
		{"pkcs1", string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})), false},
		{"pkcs8", string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8})), false},
		{"not pem", "garbage", true},
		{"bad der", string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: []byte("nope")})), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := loadKey(tt.pem)
			if (err != nil) != tt.wantErr {
				t.Fatalf("loadKey() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && got == nil {
				t.Error("key is nil")
			}
		})
	}
}
