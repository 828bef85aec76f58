// Package signing computes and checks the HMAC signature carried by every delivery.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

const (
	EventHeader     = "X-Hookrelay-Event"
	DeliveryHeader  = "X-Hookrelay-Delivery"
	TimestampHeader = "X-Hookrelay-Timestamp" // unix seconds
	SignatureHeader = "X-Hookrelay-Signature" // sha256=<hex>
	TraceHeader     = "X-Trace-Id"

	prefix = "sha256="
)

var (
	ErrMissingSignature = errors.New("missing signature")
	ErrBadTimestamp     = errors.New("bad timestamp")
	ErrStaleTimestamp   = errors.New("timestamp outside allowed skew")
	ErrBadSignature     = errors.New("signature mismatch")
)

// Sign returns the header value for body sent at ts: sha256=hex(HMAC(secret, body||ts)).
func Sign(secret string, body []byte, ts string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	mac.Write([]byte(ts))
	return prefix + hex.EncodeToString(mac.Sum(nil))
}

// Timestamp formats t as the value of TimestampHeader.
func Timestamp(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

// Verify checks sig against body and ts. A leeway of zero disables the skew check.
func Verify(secret string, body []byte, ts, sig string, now time.Time, leeway time.Duration) error {
	if sig == "" || !strings.HasPrefix(sig, prefix) {
		return ErrMissingSignature
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrBadTimestamp
	}
	if leeway > 0 {
		skew := now.Sub(time.Unix(unix, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > leeway {
			return ErrStaleTimestamp
		}
	}
	if !hmac.Equal([]byte(Sign(secret, body, ts)), []byte(sig)) {
		return ErrBadSignature
	}
	return nil
}
