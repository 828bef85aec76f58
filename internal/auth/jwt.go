package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type contextKey string

// OwnerIDKey stores the authenticated owner id in a request context.
const OwnerIDKey contextKey = "owner_id"

// OwnerHeader carries a pre-authenticated owner id from a trusted gateway, or
// from the developer when auth is disabled.
const OwnerHeader = "X-Owner-Id"

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrNoOwner      = errors.New("token has no ownerId or sub claim")
)

// unauthenticated paths
var publicPaths = map[string]bool{
	"/healthz": true,
	"/metrics": true,
}

// JWTValidator handles JWT token validation
type JWTValidator struct {
	publicKey     *rsa.PublicKey
	issuer        string
	audience      string
	trustedHeader string
}

// NewJWTValidator creates a validator from a PEM encoded RSA public key (PKCS1 or PKIX).
func NewJWTValidator(publicKeyPEM, issuer, audience string) (*JWTValidator, error) {
	key, err := ParsePublicKeyPEM(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	return NewJWTValidatorFromKey(key, issuer, audience), nil
}

func NewJWTValidatorFromKey(key *rsa.PublicKey, issuer, audience string) *JWTValidator {
	return &JWTValidator{publicKey: key, issuer: issuer, audience: audience}
}

// NewDevValidator trusts the X-Owner-Id header and never checks tokens. Local use only.
func NewDevValidator() *JWTValidator {
	return &JWTValidator{trustedHeader: OwnerHeader}
}

// TrustHeader makes the validator accept an owner id set by a gateway in header.
func (v *JWTValidator) TrustHeader(header string) *JWTValidator {
	v.trustedHeader = header
	return v
}

func ParsePublicKeyPEM(publicKeyPEM string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA")
	}
	return rsaKey, nil
}

// ValidateToken validates an RS256 token and returns its owner id, taken from the
// ownerId claim or, failing that, sub.
func (v *JWTValidator) ValidateToken(tokenString string) (string, error) {
	if v.publicKey == nil {
		return "", fmt.Errorf("no verification key configured")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256"}), jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := jwt.MapClaims{}
	if _, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return v.publicKey, nil
	}, opts...); err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}

	if owner, ok := claims["ownerId"].(string); ok && strings.TrimSpace(owner) != "" {
		return strings.TrimSpace(owner), nil
	}
	if sub, err := claims.GetSubject(); err == nil && strings.TrimSpace(sub) != "" {
		return strings.TrimSpace(sub), nil
	}
	return "", ErrNoOwner
}

// authenticate resolves the owner from the trusted header or a bearer token.
func (v *JWTValidator) authenticate(trusted, authorization string) (string, error) {
	if v.trustedHeader != "" && strings.TrimSpace(trusted) != "" {
		return strings.TrimSpace(trusted), nil
	}
	if authorization == "" {
		return "", ErrMissingToken
	}
	tokenString, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok || strings.TrimSpace(tokenString) == "" {
		return "", fmt.Errorf("invalid Authorization header format")
	}
	return v.ValidateToken(strings.TrimSpace(tokenString))
}

// HTTPMiddleware returns an HTTP middleware that validates JWT tokens and stores
// the owner id in the request context. Failures answer 401 with a JSON error body.
func (v *JWTValidator) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		var trusted string
		if v.trustedHeader != "" {
			trusted = r.Header.Get(v.trustedHeader)
		}
		ownerID, err := v.authenticate(trusted, r.Header.Get("Authorization"))
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", `Bearer realm="hookrelay"`)
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized: " + err.Error()})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithOwnerID(r.Context(), ownerID)))
	})
}

// GRPCInterceptor returns a gRPC unary interceptor that validates JWT tokens
func (v *JWTValidator) GRPCInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		// Health probes stay open
		if strings.HasPrefix(info.FullMethod, "/grpc.health.v1.Health/") {
			return handler(ctx, req)
		}

		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Errorf(codes.Unauthenticated, "missing metadata")
		}
		first := func(key string) string {
			if vals := md.Get(key); len(vals) > 0 {
				return vals[0]
			}
			return ""
		}
		var trusted string
		if v.trustedHeader != "" {
			trusted = first(strings.ToLower(v.trustedHeader))
		}
		ownerID, err := v.authenticate(trusted, first("authorization"))
		if err != nil {
			return nil, status.Errorf(codes.Unauthenticated, "%v", err)
		}
		return handler(WithOwnerID(ctx, ownerID), req)
	}
}

func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, OwnerIDKey, ownerID)
}

// OwnerIDFromContext extracts the owner id stored by the middleware.
func OwnerIDFromContext(ctx context.Context) (string, bool) {
	ownerID, ok := ctx.Value(OwnerIDKey).(string)
	return ownerID, ok && ownerID != ""
}

// JSONWebKeySet represents a JWKS response
type JSONWebKeySet struct {
	Keys []JSONWebKey `json:"keys"`
}

// JSONWebKey represents a single key in JWKS
type JSONWebKey struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// PublicKey converts an RSA JWK to a public key.
func (k JSONWebKey) PublicKey() (*rsa.PublicKey, error) {
	if k.Kty != "RSA" {
		return nil, fmt.Errorf("key %q has type %q, want RSA", k.Kid, k.Kty)
	}
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil || len(n) == 0 {
		return nil, fmt.Errorf("key %q: bad modulus", k.Kid)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil || len(e) == 0 || len(e) > 4 {
		return nil, fmt.Errorf("key %q: bad exponent", k.Kid)
	}
	exp := 0
	for _, b := range e {
		exp = exp<<8 | int(b)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: exp}, nil
}

// FetchJWKS fetches the key set at jwksURL and returns the key with id kid, or
// the first RSA key when kid is empty.
func FetchJWKS(ctx context.Context, client *http.Client, jwksURL, kid string) (*rsa.PublicKey, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build JWKS request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var jwks JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}
	for _, k := range jwks.Keys {
		if kid != "" && k.Kid != kid {
			continue
		}
		if k.Kty != "RSA" {
			continue
		}
		return k.PublicKey()
	}
	if kid != "" {
		return nil, fmt.Errorf("no RSA key with kid %q in JWKS", kid)
	}
	return nil, fmt.Errorf("no keys found in JWKS")
}
