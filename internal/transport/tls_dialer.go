// Package transport builds the outbound HTTP/HTTP2 round trippers that back
// the handle pool (component B). It generalizes the session engine's
// browser-impersonation transport into a plain, configurable TLS/HTTP2
// dialer: the uTLS ClientHelloID is still pluggable per the teacher's
// design, but defaults to the Go standard fingerprint rather than a
// specific browser, since nothing in this engine's domain calls for
// impersonation.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	utls "github.com/refraction-networking/utls"
)

// DefaultHelloID is the uTLS ClientHello fingerprint used when a Config
// leaves HelloID unset. HelloGolang performs a standard Go TLS handshake
// with no parroting, matching ordinary HTTP client behavior.
var DefaultHelloID = utls.HelloGolang

// UTLSDialer returns a DialTLSContext-compatible function that performs the
// TLS handshake through uTLS, impersonating the fingerprint described by
// helloID. The returned dialer is safe for concurrent use and wires
// directly into http.Transport.DialTLSContext or http2.Transport's
// DialTLSContext field.
func UTLSDialer(helloID utls.ClientHelloID) func(ctx context.Context, network, addr string, tlsCfg *tls.Config) (net.Conn, error) {
	return func(ctx context.Context, network, addr string, tlsCfg *tls.Config) (net.Conn, error) {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("transport: parse addr %q: %w", addr, err)
		}
		sni := host
		if tlsCfg != nil && tlsCfg.ServerName != "" {
			sni = tlsCfg.ServerName
		}

		var d net.Dialer
		rawConn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
		}

		uCfg := &utls.Config{
			ServerName:         sni,
			InsecureSkipVerify: tlsCfg != nil && tlsCfg.InsecureSkipVerify, // #nosec G402 -- caller-controlled
		}

		uConn := utls.UClient(rawConn, uCfg, helloID)

		spec := buildClientHelloSpec(helloID)
		if err := uConn.ApplyPreset(&spec); err != nil {
			_ = rawConn.Close()
			return nil, fmt.Errorf("transport: apply preset for %s: %w", helloID.Str(), err)
		}

		if err := uConn.HandshakeContext(ctx); err != nil {
			_ = uConn.Close()
			return nil, fmt.Errorf("transport: TLS handshake with %s: %w", addr, err)
		}

		return uConn, nil
	}
}

// UTLSDialerHTTP1 adapts UTLSDialer to the http.Transport.DialTLSContext
// signature, which does not receive a *tls.Config (SNI is derived from
// addr alone).
func UTLSDialerHTTP1(helloID utls.ClientHelloID) func(ctx context.Context, network, addr string) (net.Conn, error) {
	inner := UTLSDialer(helloID)
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return inner(ctx, network, addr, nil)
	}
}

// buildClientHelloSpec returns the ClientHelloSpec for helloID, falling back
// to uTLS's own default spec for unrecognized IDs.
func buildClientHelloSpec(helloID utls.ClientHelloID) utls.ClientHelloSpec {
	if helloID == utls.HelloGolang || helloID == (utls.ClientHelloID{}) {
		return utls.ClientHelloSpec{}
	}
	spec, err := utls.UTLSIdToSpec(helloID)
	if err == nil {
		return spec
	}
	return utls.ClientHelloSpec{}
}
