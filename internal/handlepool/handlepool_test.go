package handlepool_test

import (
	"context"
	"testing"
	"time"

	"github.com/firasghr/loadengine/internal/handlepool"
	"github.com/firasghr/loadengine/internal/transport"
)

func TestAcquireRelease_ReusesHandle(t *testing.T) {
	p := handlepool.New(transport.DefaultConfig(10), time.Second, 2)

	ctx := context.Background()
	h1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(h1)

	h2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if h1 != h2 {
		t.Error("expected Release then Acquire to reuse the same handle")
	}
}

func TestAcquire_RespectsCap(t *testing.T) {
	p := handlepool.New(transport.DefaultConfig(10), time.Second, 1)
	ctx := context.Background()

	h1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	acquireCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(acquireCtx)
	if err == nil {
		t.Error("expected second Acquire to block past cap until timeout")
	}

	p.Release(h1)
}

func TestReleaseBad_FreesCapSlot(t *testing.T) {
	p := handlepool.New(transport.DefaultConfig(10), time.Second, 1)
	ctx := context.Background()

	h1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.ReleaseBad(h1)

	h2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire after ReleaseBad: %v", err)
	}
	if h2 == nil {
		t.Fatal("expected a fresh handle")
	}
}
