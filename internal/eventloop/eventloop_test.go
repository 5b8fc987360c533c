package eventloop_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/firasghr/loadengine/internal/eventloop"
	"github.com/firasghr/loadengine/internal/handlepool"
	"github.com/firasghr/loadengine/internal/ratelimit"
	"github.com/firasghr/loadengine/internal/transport"
	"github.com/firasghr/loadengine/internal/worker"
)

func newLoop(t *testing.T, n int) (*eventloop.EventLoop, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	workers := make([]*worker.Worker, n)
	for i := range workers {
		handles := handlepool.New(transport.DefaultConfig(50), 5*time.Second, 50)
		limiter := ratelimit.New(0, 0)
		workers[i] = worker.New(i, 100, 50, 50, handles, limiter, nil, 10*time.Millisecond, nil)
	}
	return eventloop.New(context.Background(), workers), srv
}

func TestExecuteBatch_AllComplete(t *testing.T) {
	loop, srv := newLoop(t, 4)
	defer srv.Close()
	defer loop.Stop()

	ts := make([]*worker.Transfer, 20)
	for i := range ts {
		ts[i] = &worker.Transfer{ID: "t", Method: http.MethodGet, URL: srv.URL, Timeout: 2 * time.Second}
	}
	outcomes := loop.ExecuteBatch(ts)
	if len(outcomes) != 20 {
		t.Fatalf("got %d outcomes, want 20", len(outcomes))
	}
	for _, o := range outcomes {
		if o.StatusCode != http.StatusOK {
			t.Errorf("StatusCode = %d, want 200", o.StatusCode)
		}
	}
	if loop.TotalProcessed() != 20 {
		t.Errorf("TotalProcessed = %d, want 20", loop.TotalProcessed())
	}
}

func TestExecuteBatch_TwoWorkersCompleteEveryTransfer(t *testing.T) {
	loop, srv := newLoop(t, 2)
	defer srv.Close()
	defer loop.Stop()

	ts := make([]*worker.Transfer, 10)
	for i := range ts {
		ts[i] = &worker.Transfer{ID: "t", Method: http.MethodGet, URL: srv.URL, Timeout: 2 * time.Second}
	}
	loop.ExecuteBatch(ts)

	totals := loop.TotalsSnapshot()
	if totals.Completed != 10 {
		t.Errorf("Completed = %d, want 10", totals.Completed)
	}
}
