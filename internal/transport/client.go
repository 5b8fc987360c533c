package transport

import (
	"net/http"
	"time"
)

// NewClient constructs an *http.Client suitable for one handle in the pool.
// Each handle gets its own http.Client wrapping the shared RoundTripper
// (connection pooling happens inside the RoundTripper, not per-client), so
// handles can carry independent timeouts without fragmenting the connection
// pool. CheckRedirect is left nil: the client follows redirects up to the
// default limit of 10, matching ordinary HTTP client behavior.
func NewClient(rt http.RoundTripper, timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: rt,
		Timeout:   timeout,
	}
}
