package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
)

// Class is the failure category that decides whether work is re-attempted.
type Class int

const (
	NonRetryable Class = iota
	Overloaded
	RateLimited
	TransientServer
	NetworkTimeout
)

func (c Class) String() string {
	switch c {
	case Overloaded:
		return "overloaded"
	case RateLimited:
		return "rate_limited"
	case TransientServer:
		return "transient_server"
	case NetworkTimeout:
		return "network_timeout"
	default:
		return "non_retryable"
	}
}

// Retryable reports whether errors of this class are re-attempted.
func (c Class) Retryable() bool {
	return c != NonRetryable
}

// statusCoder is implemented by upstream errors that carry an HTTP status.
type statusCoder interface {
	StatusCode() int
}

// statusOverloaded is the non-standard status some providers return when at capacity.
const statusOverloaded = 529

// Classify derives a Class from a raw error. Typed status errors win over
// message matching.
func Classify(err error) Class {
	if err == nil {
		return NonRetryable
	}

	var nr *NonRetryableError
	if errors.As(err, &nr) {
		return NonRetryable
	}
	if errors.Is(err, context.Canceled) {
		return NonRetryable
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		if c, ok := classifyStatus(sc.StatusCode(), err.Error()); ok {
			return c
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NetworkTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NetworkTimeout
	}

	return classifyMessage(strings.ToLower(err.Error()))
}

func classifyStatus(status int, msg string) (Class, bool) {
	lower := strings.ToLower(msg)
	switch {
	case status == statusOverloaded:
		return Overloaded, true
	case status == http.StatusServiceUnavailable && (strings.Contains(lower, "overloaded") || strings.Contains(lower, "capacity")):
		return Overloaded, true
	case status == http.StatusTooManyRequests:
		return RateLimited, true
	case status == http.StatusRequestTimeout:
		return NetworkTimeout, true
	case status == http.StatusInternalServerError,
		status == http.StatusBadGateway,
		status == http.StatusServiceUnavailable,
		status == http.StatusGatewayTimeout:
		return TransientServer, true
	case status >= 400:
		return NonRetryable, true
	}
	return NonRetryable, false
}

var messagePatterns = []struct {
	class    Class
	patterns []string
}{
	{Overloaded, []string{"overloaded", "over capacity", "at capacity"}},
	{RateLimited, []string{"rate limit", "rate_limit", "too many requests"}},
	{NetworkTimeout, []string{"timeout", "timed out", "connection reset", "connection refused", "unexpected eof", "broken pipe"}},
	{TransientServer, []string{"bad gateway", "service unavailable", "internal server error"}},
}

func classifyMessage(msg string) Class {
	for _, mp := range messagePatterns {
		for _, p := range mp.patterns {
			if strings.Contains(msg, p) {
				return mp.class
			}
		}
	}
	return NonRetryable
}
