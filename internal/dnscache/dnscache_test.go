package dnscache_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/firasghr/loadengine/internal/dnscache"
)

func TestLookup_CachesWithinTTL(t *testing.T) {
	c := dnscache.New(time.Minute)

	calls := 0
	c.SetResolverForTest(func(ctx context.Context, host string) ([]string, error) {
		calls++
		return []string{"127.0.0.1"}, nil
	})

	for i := 0; i < 3; i++ {
		addrs, err := c.Lookup(context.Background(), "example.test")
		if err != nil {
			t.Fatalf("Lookup: %v", err)
		}
		if len(addrs) != 1 || addrs[0] != "127.0.0.1" {
			t.Fatalf("got addrs %v", addrs)
		}
	}
	if calls != 1 {
		t.Errorf("resolver called %d times, want 1 (cached)", calls)
	}
	hits, misses := c.Stats()
	if hits != 2 || misses != 1 {
		t.Errorf("hits=%d misses=%d, want 2/1", hits, misses)
	}
}

func TestLookup_ZeroTTLAlwaysResolves(t *testing.T) {
	c := dnscache.New(0)
	calls := 0
	c.SetResolverForTest(func(ctx context.Context, host string) ([]string, error) {
		calls++
		return []string{"10.0.0.1"}, nil
	})
	for i := 0; i < 3; i++ {
		if _, err := c.Lookup(context.Background(), "example.test"); err != nil {
			t.Fatalf("Lookup: %v", err)
		}
	}
	if calls != 3 {
		t.Errorf("resolver called %d times, want 3 (no caching)", calls)
	}
}

func TestInvalidate_ForcesReResolveOnNextLookup(t *testing.T) {
	c := dnscache.New(time.Minute)
	addr := "127.0.0.1"
	c.SetResolverForTest(func(ctx context.Context, host string) ([]string, error) {
		return []string{addr}, nil
	})

	if _, err := c.Lookup(context.Background(), "example.test"); err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	_, misses := c.Stats()
	if misses != 1 {
		t.Fatalf("misses = %d, want 1 before invalidation", misses)
	}

	c.Invalidate("example.test")
	addr = "10.0.0.2"

	addrs, err := c.Lookup(context.Background(), "example.test")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(addrs) != 1 || addrs[0] != "10.0.0.2" {
		t.Fatalf("got addrs %v, want re-resolved [10.0.0.2]", addrs)
	}
	_, misses = c.Stats()
	if misses != 2 {
		t.Errorf("misses = %d, want 2 (invalidation forced a re-resolve)", misses)
	}
}

func TestLookup_ServesStaleOnResolveFailure(t *testing.T) {
	c := dnscache.New(time.Millisecond)
	good := true
	c.SetResolverForTest(func(ctx context.Context, host string) ([]string, error) {
		if good {
			return []string{"1.1.1.1"}, nil
		}
		return nil, errors.New("resolver down")
	})

	if _, err := c.Lookup(context.Background(), "example.test"); err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	good = false

	addrs, err := c.Lookup(context.Background(), "example.test")
	if err != nil {
		t.Fatalf("Lookup should serve stale entry, got error: %v", err)
	}
	if len(addrs) != 1 || addrs[0] != "1.1.1.1" {
		t.Fatalf("got stale addrs %v, want [1.1.1.1]", addrs)
	}
}
