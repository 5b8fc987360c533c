// Package dnscache provides a concurrent, TTL-bounded cache of resolved host
// addresses shared across every worker's transport dialer. A sync.Map backs
// the cache the same way the session engine's token.HeartbeatManager backs
// its per-session state: many goroutines read lock-free, and a single
// CompareAndSwap replaces a stale entry without blocking readers.
package dnscache

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// entry is the cached answer for one hostname. Replaced wholesale on
// refresh; never mutated in place so concurrent readers never observe a
// torn value.
type entry struct {
	addrs   []string
	expires time.Time
}

// Cache resolves hostnames through net.Resolver and remembers the answer
// for ttl. Expired entries are re-resolved on next lookup; a failed
// re-resolution keeps serving the stale answer rather than erroring, since a
// transient resolver hiccup should not abort an in-flight load test.
type Cache struct {
	entries sync.Map // string -> *entry
	ttl     time.Duration
	resolve func(ctx context.Context, host string) ([]string, error)

	hits   atomic.Int64
	misses atomic.Int64
}

// New returns a Cache that keeps resolved answers for ttl. ttl <= 0 disables
// caching: Lookup resolves on every call.
func New(ttl time.Duration) *Cache {
	resolver := net.DefaultResolver
	return &Cache{
		ttl: ttl,
		resolve: func(ctx context.Context, host string) ([]string, error) {
			return resolver.LookupHost(ctx, host)
		},
	}
}

// Lookup returns the cached address list for host, refreshing it if the
// cached entry is missing or expired.
func (c *Cache) Lookup(ctx context.Context, host string) ([]string, error) {
	if c.ttl <= 0 {
		c.misses.Add(1)
		return c.resolve(ctx, host)
	}

	if v, ok := c.entries.Load(host); ok {
		e := v.(*entry)
		if time.Now().Before(e.expires) {
			c.hits.Add(1)
			return e.addrs, nil
		}
	}

	c.misses.Add(1)
	addrs, err := c.resolve(ctx, host)
	if err != nil {
		// Serve the stale entry, if any, rather than propagating a
		// transient resolver failure mid-run.
		if v, ok := c.entries.Load(host); ok {
			return v.(*entry).addrs, nil
		}
		return nil, err
	}

	next := &entry{addrs: addrs, expires: time.Now().Add(c.ttl)}
	for {
		old, loaded := c.entries.LoadOrStore(host, next)
		if !loaded {
			return addrs, nil
		}
		if c.entries.CompareAndSwap(host, old, next) {
			return addrs, nil
		}
	}
}

// Invalidate drops the cached entry for host, if any. Callers invoke this on
// an observed connection failure so the next Lookup re-resolves instead of
// serving a possibly stale, now-unreachable address.
func (c *Cache) Invalidate(host string) {
	c.entries.Delete(host)
}

// SetResolverForTest overrides the resolution function. Exposed for tests
// that need to avoid real network lookups; not used by production code.
func (c *Cache) SetResolverForTest(fn func(ctx context.Context, host string) ([]string, error)) {
	c.resolve = fn
}

// Stats returns the cumulative hit/miss counters since the cache was built.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Purge drops every cached entry. Intended for tests and for a future
// config hot-reload of dns_cache_ttl_s.
func (c *Cache) Purge() {
	c.entries.Range(func(k, _ any) bool {
		c.entries.Delete(k)
		return true
	})
}
