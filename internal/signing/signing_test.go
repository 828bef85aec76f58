package signing

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestSignIsDeterministic(t *testing.T) {
	body := []byte(`{"orderId":"12345","amount":1000}`)
	a := Sign("s3cret", body, "1700000000")
	b := Sign("s3cret", body, "1700000000")
	if a != b {
		t.Errorf("Sign not deterministic: %s vs %s", a, b)
	}
	if !strings.HasPrefix(a, "sha256=") || len(a) != len("sha256=")+64 {
		t.Errorf("unexpected signature format %q", a)
	}
	if Sign("other", body, "1700000000") == a {
		t.Error("different secrets must give different signatures")
	}
	if Sign("s3cret", body, "1700000001") == a {
		t.Error("different timestamps must give different signatures")
	}
}

func TestVerify(t *testing.T) {
	now := time.Unix(1700000000, 0)
	body := []byte(`{"a":1}`)
	ts := Timestamp(now)
	good := Sign("k", body, ts)

	tests := []struct {
		name    string
		secret  string
		body    []byte
		ts      string
		sig     string
		now     time.Time
		leeway  time.Duration
		wantErr error
	}{
		{"valid", "k", body, ts, good, now, 5 * time.Minute, nil},
		{"valid without leeway", "k", body, ts, good, now.Add(24 * time.Hour), 0, nil},
		{"missing", "k", body, ts, "", now, 0, ErrMissingSignature},
		{"no prefix", "k", body, ts, strings.TrimPrefix(good, "sha256="), now, 0, ErrMissingSignature},
		{"bad ts", "k", body, "yesterday", good, now, 0, ErrBadTimestamp},
		{"stale", "k", body, ts, good, now.Add(10 * time.Minute), 5 * time.Minute, ErrStaleTimestamp},
		{"future", "k", body, ts, good, now.Add(-10 * time.Minute), 5 * time.Minute, ErrStaleTimestamp},
		{"wrong secret", "nope", body, ts, good, now, 0, ErrBadSignature},
		{"tampered body", "k", []byte(`{"a":2}`), ts, good, now, 0, ErrBadSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Verify(tt.secret, tt.body, tt.ts, tt.sig, tt.now, tt.leeway)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Verify() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
