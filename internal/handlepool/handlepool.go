// Package handlepool implements component B: a bounded free-list of reusable
// outbound HTTP handles. It generalizes the teacher's per-session
// *http.Client construction (client.NewHTTPClient) into a pool shared by one
// worker, so TCP/TLS/HTTP2 connections survive across many transfers instead
// of being rebuilt per request.
package handlepool

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/firasghr/loadengine/internal/transport"
)

// Handle is one reusable outbound request slot. It carries the shared
// *http.Client (and therefore the shared connection pool) plus any
// per-acquisition transient state a caller may stash between Acquire and
// Release.
type Handle struct {
	Client *http.Client
}

// reset clears transient per-use state before the handle returns to the
// pool. Currently a no-op placeholder: the teacher's per-session cookie jar
// is not carried here since Design/Load runs do not share cookie state
// across requests the way a browser session does.
func (h *Handle) reset() {}

// Pool is a per-worker free list of Handles, all sharing one underlying
// http.RoundTripper (and therefore one connection pool) built from cfg.
// Handles are created lazily up to cap and then recycled; Pool is safe for
// concurrent use by the single worker that owns it.
type Pool struct {
	rt      http.RoundTripper
	timeout time.Duration
	cap     int

	idle    chan *Handle
	created atomic.Int32
}

// New builds a Pool with room for at most cap concurrently-held handles
// (component B's "soft cap, default max_concurrent").
func New(cfg transport.Config, timeout time.Duration, cap int) *Pool {
	if cap <= 0 {
		cap = 1000
	}
	return &Pool{
		rt:      transport.New(cfg),
		timeout: timeout,
		cap:     cap,
		idle:    make(chan *Handle, cap),
	}
}

// Acquire returns an idle Handle, creating one if the pool has not yet
// reached its cap, or blocks until one is released or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	select {
	case h := <-p.idle:
		return h, nil
	default:
	}

	if p.created.Add(1) <= int32(p.cap) {
		return &Handle{Client: transport.NewClient(p.rt, p.timeout)}, nil
	}
	p.created.Add(-1)

	select {
	case h := <-p.idle:
		return h, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release resets h and returns it to the idle list.
func (p *Pool) Release(h *Handle) {
	h.reset()
	select {
	case p.idle <- h:
	default:
		// Idle buffer is exactly cap-sized, so this should never happen;
		// drop the handle rather than block if it somehow does.
		p.created.Add(-1)
	}
}

// ReleaseBad discards h (connection error or protocol fault) instead of
// returning it to the pool, allowing a fresh handle to be created in its
// place on a later Acquire.
func (p *Pool) ReleaseBad(h *Handle) {
	p.created.Add(-1)
}

// Len reports how many handles are currently idle.
func (p *Pool) Len() int { return len(p.idle) }

// Created reports how many handles have been constructed so far.
func (p *Pool) Created() int { return int(p.created.Load()) }
