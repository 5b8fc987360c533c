package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/firasghr/loadengine/internal/ratelimit"
)

func TestNew_ZeroRateDisabled(t *testing.T) {
	l := ratelimit.New(0, 0)
	if !l.Disabled() {
		t.Fatal("rate=0 should produce a disabled limiter")
	}
	for i := 0; i < 1000; i++ {
		ok, _ := l.TryAcquire()
		if !ok {
			t.Fatal("disabled limiter should always grant")
		}
	}
}

func TestTryAcquire_RespectsBurst(t *testing.T) {
	l := ratelimit.New(1, 2)
	granted := 0
	for i := 0; i < 5; i++ {
		if ok, _ := l.TryAcquire(); ok {
			granted++
		}
	}
	if granted != 2 {
		t.Errorf("granted = %d immediately, want burst=2", granted)
	}
}

func TestAcquireBlocking_RespectsContext(t *testing.T) {
	l := ratelimit.New(1, 1)
	l.TryAcquire() // drain the single burst token

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := l.AcquireBlocking(ctx); err == nil {
		t.Error("expected context deadline error, got nil")
	}
}

func TestShare_DividesAggregateRate(t *testing.T) {
	limiters := ratelimit.Share(100, 200, 10)
	if len(limiters) != 10 {
		t.Fatalf("got %d limiters, want 10", len(limiters))
	}
	for _, l := range limiters {
		if l.Disabled() {
			t.Error("shared limiter should not be disabled when aggregateRPS > 0")
		}
	}
}

func TestShare_ZeroRateYieldsDisabled(t *testing.T) {
	limiters := ratelimit.Share(0, 0, 4)
	for _, l := range limiters {
		if !l.Disabled() {
			t.Error("Share with rate=0 should yield disabled limiters")
		}
	}
}
