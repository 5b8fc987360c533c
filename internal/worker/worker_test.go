package worker_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/firasghr/loadengine/internal/dnscache"
	"github.com/firasghr/loadengine/internal/handlepool"
	"github.com/firasghr/loadengine/internal/ratelimit"
	"github.com/firasghr/loadengine/internal/transport"
	"github.com/firasghr/loadengine/internal/worker"
)

func newTestWorker(t *testing.T) (*worker.Worker, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	handles := handlepool.New(transport.DefaultConfig(100), 5*time.Second, 100)
	limiter := ratelimit.New(0, 0)
	w := worker.New(0, 100, 50, 50, handles, limiter, nil, 10*time.Millisecond, nil)
	return w, srv
}

func TestWorker_ExecutesTransferAndReportsOutcome(t *testing.T) {
	w, srv := newTestWorker(t)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	done := make(chan worker.Outcome, 1)
	w.Submit(&worker.Transfer{
		ID:      "t1",
		Method:  http.MethodGet,
		URL:     srv.URL,
		Timeout: 2 * time.Second,
		OnComplete: func(o worker.Outcome) {
			done <- o
		},
	})

	select {
	case o := <-done:
		if o.StatusCode != http.StatusOK {
			t.Errorf("StatusCode = %d, want 200", o.StatusCode)
		}
		if o.Error != "" {
			t.Errorf("unexpected Error: %q", o.Error)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("transfer did not complete in time")
	}

	snap := w.Snapshot()
	if snap.Completed != 1 {
		t.Errorf("Completed = %d, want 1", snap.Completed)
	}
}

func TestWorker_TimeoutProducesTimeoutError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	handles := handlepool.New(transport.DefaultConfig(100), time.Second, 100)
	limiter := ratelimit.New(0, 0)
	w := worker.New(0, 10, 10, 10, handles, limiter, nil, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	done := make(chan worker.Outcome, 1)
	w.Submit(&worker.Transfer{
		ID:      "t1",
		Method:  http.MethodGet,
		URL:     srv.URL,
		Timeout: 20 * time.Millisecond,
		OnComplete: func(o worker.Outcome) {
			done <- o
		},
	})

	select {
	case o := <-done:
		if o.StatusCode != 0 {
			t.Errorf("StatusCode = %d, want 0 on timeout", o.StatusCode)
		}
		if o.Error != "Timeout" {
			t.Errorf("Error = %q, want Timeout", o.Error)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("transfer did not complete in time")
	}
}

func TestWorker_ConnectionFailureInvalidatesDNSCacheEntry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	host := srv.Listener.Addr().String()
	srv.Close() // nothing listens on host from here on; Do() fails with connection refused

	dns := dnscache.New(time.Minute)
	var resolves int
	dns.SetResolverForTest(func(ctx context.Context, h string) ([]string, error) {
		resolves++
		return []string{"127.0.0.1"}, nil
	})

	handles := handlepool.New(transport.DefaultConfig(100), time.Second, 100)
	limiter := ratelimit.New(0, 0)
	w := worker.New(0, 10, 10, 10, handles, limiter, dns, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	done := make(chan worker.Outcome, 1)
	w.Submit(&worker.Transfer{
		ID:      "t1",
		Method:  http.MethodGet,
		URL:     "http://" + host,
		Timeout: time.Second,
		OnComplete: func(o worker.Outcome) {
			done <- o
		},
	})

	select {
	case o := <-done:
		if o.Error != "ConnectionFailed" {
			t.Fatalf("Error = %q, want ConnectionFailed", o.Error)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("transfer did not complete in time")
	}

	if resolves != 1 {
		t.Fatalf("resolves = %d, want 1 before re-lookup", resolves)
	}
	hostname := strings.Split(host, ":")[0]
	if _, err := dns.Lookup(context.Background(), hostname); err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if resolves != 2 {
		t.Errorf("resolves = %d, want 2 (connection failure should have invalidated the cached entry)", resolves)
	}
}

func TestWorker_ConcurrentTransfersAllComplete(t *testing.T) {
	w, srv := newTestWorker(t)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		w.Submit(&worker.Transfer{
			ID:      "t",
			Method:  http.MethodGet,
			URL:     srv.URL,
			Timeout: 2 * time.Second,
			OnComplete: func(o worker.Outcome) {
				wg.Done()
			},
		})
	}

	waitDone := make(chan struct{})
	go func() { wg.Wait(); close(waitDone) }()
	select {
	case <-waitDone:
	case <-time.After(5 * time.Second):
		t.Fatal("not all transfers completed")
	}

	snap := w.Snapshot()
	if snap.Completed != n {
		t.Errorf("Completed = %d, want %d", snap.Completed, n)
	}
}
