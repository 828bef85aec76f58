package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/austindbirch/hookrelay/internal/auth"
	"github.com/austindbirch/hookrelay/internal/config"
	"github.com/austindbirch/hookrelay/internal/logging"
)

const (
	keyID      = "hookrelay-key-1"
	defaultTTL = time.Hour
	maxTTL     = 24 * time.Hour
)

// issuer mints owner tokens for local development and publishes the matching JWKS.
type issuer struct {
	key    *rsa.PrivateKey
	kid    string
	iss    string
	aud    string
	now    func() time.Time
	logger *logging.Logger
}

func newIssuer(key *rsa.PrivateKey, iss, aud string, logger *logging.Logger) *issuer {
	return &issuer{key: key, kid: keyID, iss: iss, aud: aud, now: time.Now, logger: logger}
}

// loadKey parses a PEM private key (PKCS1 or PKCS8), or generates one when pemData is empty.
func loadKey(pemData string) (*rsa.PrivateKey, error) {
	if strings.TrimSpace(pemData) == "" {
		return rsa.GenerateKey(rand.Reader, 2048)
	}
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("failed to decode PEM private key")
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	k, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return k, nil
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New("jwks-server")

	key, err := loadKey(os.Getenv("JWT_PRIVATE_KEY"))
	if err != nil {
		logger.Plain().WithError(err).Fatal("load signing key")
	}
	if os.Getenv("JWT_PRIVATE_KEY") == "" {
		logger.Plain().Info("generated new RSA key pair for JWT signing")
	}
	iss := newIssuer(key, cfg.Auth.Issuer, cfg.Auth.Audience, logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8082"
	}
	logger.Plain().WithFields(map[string]any{
		"port": port,
		"jwks": "/.well-known/jwks.json",
		"iss":  cfg.Auth.Issuer,
		"aud":  cfg.Auth.Audience,
	}).Info("JWKS server starting")

	srv := &http.Server{Addr: ":" + port, Handler: iss.routes(), ReadHeaderTimeout: 10 * time.Second}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Plain().WithError(err).Fatal("server failed")
	}
}

func (i *issuer) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/jwks.json", i.jwksHandler)
	mux.HandleFunc("POST /token", i.createTokenHandler)
	mux.HandleFunc("GET /healthz", healthHandler)
	return mux
}

func (i *issuer) jwks() auth.JSONWebKeySet {
	pub := i.key.PublicKey
	return auth.JSONWebKeySet{Keys: []auth.JSONWebKey{{
		Kty: "RSA",
		Use: "sig",
		Kid: i.kid,
		N:   base64UrlEncode(pub.N.Bytes()),
		E:   base64UrlEncode(intToBytes(pub.E)),
	}}}
}

// jwksHandler serves the JWKS endpoint
func (i *issuer) jwksHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_ = json.NewEncoder(w).Encode(i.jwks())
}

type tokenRequest struct {
	OwnerID string `json:"ownerId"`
	TTL     int    `json:"ttlSeconds,omitempty"` // defaults to one hour
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
	TokenType string `json:"token_type"`
}

// issue signs an RS256 token whose ownerId and sub claims name the owner.
func (i *issuer) issue(ownerID string, ttl time.Duration) (string, error) {
	now := i.now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":     i.iss,
		"aud":     i.aud,
		"sub":     ownerID,
		"ownerId": ownerID,
		"iat":     now.Unix(),
		"exp":     now.Add(ttl).Unix(),
	})
	token.Header["kid"] = i.kid
	return token.SignedString(i.key)
}

func (i *issuer) createTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	if req.OwnerID == "" {
		writeError(w, http.StatusBadRequest, "ownerId is required")
		return
	}
	ttl := defaultTTL
	if req.TTL > 0 {
		ttl = time.Duration(req.TTL) * time.Second
	}
	if ttl > maxTTL {
		ttl = maxTTL
	}

	signed, err := i.issue(req.OwnerID, ttl)
	if err != nil {
		i.logger.Plain().WithError(err).Error("sign token")
		writeError(w, http.StatusInternalServerError, "failed to sign token")
		return
	}
	i.logger.Plain().WithOwner(req.OwnerID).WithField("ttl", ttl.String()).Info("token issued")

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(tokenResponse{Token: signed, ExpiresIn: int(ttl.Seconds()), TokenType: "Bearer"})
}

// healthHandler provides a simple health check endpoint
func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func base64UrlEncode(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// intToBytes converts an integer to a big-endian byte slice
func intToBytes(i int) []byte {
	if i == 0 {
		return []byte{0}
	}
	var b []byte
	for i > 0 {
		b = append([]byte{byte(i & 0xff)}, b...)
		i >>= 8
	}
	return b
}
