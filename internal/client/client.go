// Package client holds what the upstream HTTP clients share: the transport
// error classification and bounded body reads.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// ErrNetwork marks failures to reach an upstream at all (dial, TLS, timeout).
// They are recoverable and isolated to the current user or week.
var ErrNetwork = errors.New("upstream unreachable")

// StatusError is an unexpected HTTP status from an upstream.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.Code, e.Body)
}

// IsNetwork reports whether err is a transport level failure.
func IsNetwork(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNetwork) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// Transport wraps a Do error so IsNetwork matches it.
// Cancellation by the caller is passed through untouched.
func Transport(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrNetwork, err)
}

// NewHTTP returns an http.Client with a bounded timeout and no redirect following,
// so a redirect to a login page is observable.
func NewHTTP(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// ReadBody reads at most limit bytes of the response body.
func ReadBody(resp *http.Response, limit int64) ([]byte, error) {
	if limit <= 0 {
		limit = 4 << 20
	}
	return io.ReadAll(io.LimitReader(resp.Body, limit))
}

// Snippet shortens an error body for logs.
func Snippet(b []byte) string {
	const maxN = 200
	if len(b) <= maxN {
		return string(b)
	}
	return string(b[:maxN]) + "..."
}
