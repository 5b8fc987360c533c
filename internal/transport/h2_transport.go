package transport

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	utls "github.com/refraction-networking/utls"
)

// Config groups the tunables a handle pool uses to build its shared
// transport. Values come from the closed configuration set (§6):
// max_per_host governs MaxConnsPerHost, and keep-alive timing follows
// component B's "idle 60s, probe interval 30s" contract.
type Config struct {
	HelloID             utls.ClientHelloID
	MaxConnsPerHost     int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	KeepAliveInterval   time.Duration
	TLSHandshakeTimeout time.Duration
}

// DefaultConfig returns the component B defaults: keep-alive idle 60s,
// probe interval 30s, opportunistic HTTP/2.
func DefaultConfig(maxPerHost int) Config {
	return Config{
		HelloID:             DefaultHelloID,
		MaxConnsPerHost:     maxPerHost,
		MaxIdleConnsPerHost: maxPerHost,
		IdleConnTimeout:     60 * time.Second,
		KeepAliveInterval:   30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
}

// New builds an http.RoundTripper that negotiates HTTP/2 opportunistically
// over a uTLS-dialed connection, so the same underlying connection may
// carry multiple concurrent handles to one origin once HTTP/2 is active.
func New(cfg Config) http.RoundTripper {
	if cfg.HelloID == (utls.ClientHelloID{}) {
		cfg.HelloID = DefaultHelloID
	}

	dialTLS := UTLSDialer(cfg.HelloID)
	dial := &net.Dialer{KeepAlive: cfg.KeepAliveInterval}

	h1 := &http.Transport{
		DialContext: dial.DialContext,
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialTLS(ctx, network, addr, nil)
		},
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		TLSHandshakeTimeout: cfg.TLSHandshakeTimeout,
		ForceAttemptHTTP2:   true,
	}

	h2t := &http2.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string, tlsCfg *tls.Config) (net.Conn, error) {
			return dialTLS(ctx, network, addr, tlsCfg)
		},
		IdleConnTimeout: cfg.IdleConnTimeout,
	}
	_ = http2.ConfigureTransports(h1)

	return &negotiatingRoundTripper{h1: h1, h2: h2t}
}

// negotiatingRoundTripper prefers the HTTP/2 transport for https:// requests
// (where ALPN can negotiate h2) and falls back to the HTTP/1.1 transport
// otherwise, since h2.Transport alone cannot dial plain-TCP http:// origins.
type negotiatingRoundTripper struct {
	h1 *http.Transport
	h2 *http2.Transport
}

func (t *negotiatingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	// Dispatch by scheme rather than retrying on the other transport after
	// a failed attempt: the request body may already be partially consumed,
	// and replaying it would corrupt non-idempotent requests.
	if req.URL != nil && req.URL.Scheme == "https" {
		return t.h2.RoundTrip(req)
	}
	return t.h1.RoundTrip(req)
}
