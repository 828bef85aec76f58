package delivery

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// ClassifyReason buckets a failed try for metrics and dead letters.
func ClassifyReason(err error, status int) string {
	if err != nil && status == 0 {
		var dnsErr *net.DNSError
		var netErr net.Error
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return "timeout"
		case errors.As(err, &netErr) && netErr.Timeout():
			return "timeout"
		case errors.Is(err, syscall.ECONNREFUSED):
			return "connection_refused"
		case errors.As(err, &dnsErr):
			return "dns_error"
		}
		errLower := strings.ToLower(err.Error())
		if strings.Contains(errLower, "timeout") {
			return "timeout"
		}
		if strings.Contains(errLower, "connection refused") {
			return "connection_refused"
		}
		if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
			return "dns_error"
		}
		return "network"
	}
	if status >= 500 {
		return "http_5xx"
	}
	if status == 429 {
		return "http_429"
	}
	if status >= 400 {
		return "http_4xx"
	}
	return "other"
}
