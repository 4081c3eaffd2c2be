package httpx

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"regexp"
	"strconv"
	"time"
)

type HTTPStatusCoder interface {
	HTTPStatusCode() int
}

func IsRetryableHTTPStatus(code int) bool {
	if code == 408 || code == 429 {
		return true
	}
	return code >= 500 && code <= 599
}

// Provider SDKs often flatten the response status into the message text.
var statusInMessage = regexp.MustCompile(`(?i)status(?: code)?[:= ]+(\d{3})`)

// IsRetryableError reports whether err looks transient: timeouts, network errors,
// or a retryable HTTP status, whether typed or embedded in the message.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	if code, ok := StatusCode(err); ok {
		return IsRetryableHTTPStatus(code)
	}
	return false
}

// StatusCode extracts an HTTP status from err, typed or embedded in the message.
func StatusCode(err error) (int, bool) {
	if err == nil {
		return 0, false
	}
	var sc HTTPStatusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatusCode(), true
	}
	if m := statusInMessage.FindStringSubmatch(err.Error()); len(m) == 2 {
		if code, convErr := strconv.Atoi(m[1]); convErr == nil {
			return code, true
		}
	}
	return 0, false
}

// JitterSleep returns base spread uniformly by +/- frac.
func JitterSleep(base time.Duration, frac float64) time.Duration {
	if base <= 0 {
		return 0
	}
	if frac <= 0 {
		return base
	}
	if frac > 0.9 {
		frac = 0.9
	}
	delta := float64(base) * frac
	low := float64(base) - delta
	return time.Duration(low + rand.Float64()*(2*delta))
}
