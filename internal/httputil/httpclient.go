package httputil

import (
	"net/http"
	"time"
)

// CopyHTTPClientWithTimeout returns a shallow copy of base with timeout
// applied. The base client's own timeout wins unless it is zero or force
// is set, and base itself is never mutated. A nil base yields a fresh
// client on the package's default transport.
func CopyHTTPClientWithTimeout(base *http.Client, timeout time.Duration, force bool) *http.Client {
	if base == nil {
		return &http.Client{
			Timeout:   timeout,
			Transport: DefaultTransportWithMinTLS12(),
		}
	}
	clone := *base
	if clone.Timeout == 0 || force {
		clone.Timeout = timeout
	}
	return &clone
}
