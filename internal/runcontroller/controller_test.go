package runcontroller_test

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/firasghr/loadengine/internal/dnscache"
	"github.com/firasghr/loadengine/internal/model"
	"github.com/firasghr/loadengine/internal/runcontroller"
	"github.com/firasghr/loadengine/internal/transport"
)

func durationPtr(d time.Duration) *runcontroller.Duration {
	rd := runcontroller.Duration(d)
	return &rd
}

type fakeStore struct {
	mu        sync.Mutex
	results   []model.Result
	snapshots []model.MetricSnapshot
	status    model.RunStatus
	endTime   int64
}

func (f *fakeStore) SaveResults(runID string, results []model.Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = results
	return nil
}

func (f *fakeStore) SaveMetricSnapshots(runID string, snapshots []model.MetricSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, snapshots...)
	return nil
}

func (f *fakeStore) UpdateRunStatus(runID string, status model.RunStatus, endTime int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
	f.endTime = endTime
	return nil
}

func (f *fakeStore) Status() model.RunStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func testDeps(store *fakeStore) runcontroller.Deps {
	return runcontroller.Deps{
		DNS:            dnscache.New(0),
		Store:          store,
		TransportCfg:   transport.DefaultConfig(10),
		WorkerCount:    2,
		QueueCap:       64,
		MaxConcurrent:  50,
		MaxPerHost:     50,
		PollTimeout:    10 * time.Millisecond,
		DefaultTimeout: 2 * time.Second,
		HandlePoolCap:  20,
		StatsInterval:  50 * time.Millisecond,
		GracefulStop:   2 * time.Second,
	}
}

func TestController_Run_ConstantRate_CompletesAgainstEchoServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	store := &fakeStore{}
	spec := runcontroller.RunSpec{
		Method:    "GET",
		URL:       srv.URL,
		Mode:      runcontroller.ModeConstant,
		Duration:  durationPtr(300 * time.Millisecond),
		TargetRPS: 50,
	}
	ctrl, err := runcontroller.New("run-1", spec, nil, nil, testDeps(store))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	status, err := ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != model.RunCompleted {
		t.Fatalf("status = %v, want Completed", status)
	}
	if ctrl.RequestsSent() == 0 {
		t.Error("expected at least one request sent")
	}
	if store.Status() != model.RunCompleted {
		t.Errorf("store status = %v, want Completed", store.Status())
	}
	if ctrl.Collector().Snapshot().TotalSuccess == 0 {
		t.Error("expected at least one successful result recorded")
	}
}

func TestController_Run_Iterations_IssuesExactCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := &fakeStore{}
	spec := runcontroller.RunSpec{
		Method:      "GET",
		URL:         srv.URL,
		Mode:        runcontroller.ModeIterations,
		Iterations:  20,
		Concurrency: 4,
	}
	ctrl, err := runcontroller.New("run-2", spec, nil, nil, testDeps(store))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	status, err := ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != model.RunCompleted {
		t.Fatalf("status = %v, want Completed", status)
	}
	if ctrl.RequestsSent() != 20 {
		t.Errorf("RequestsSent = %d, want exactly 20", ctrl.RequestsSent())
	}
}

func TestController_Run_BasicAuth_SendsBase64EncodedCredentials(t *testing.T) {
	var gotAuth string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotAuth = r.Header.Get("Authorization")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := &fakeStore{}
	spec := runcontroller.RunSpec{
		Method:      "GET",
		URL:         srv.URL,
		Mode:        runcontroller.ModeIterations,
		Iterations:  1,
		Concurrency: 1,
		Auth:        &runcontroller.AuthSpec{Kind: "basic", Username: "alice", Password: "s3cret"},
	}
	ctrl, err := runcontroller.New("run-basic-auth", spec, nil, nil, testDeps(store))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := ctrl.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("alice:s3cret"))
	if gotAuth != want {
		t.Fatalf("Authorization header = %q, want %q", gotAuth, want)
	}
}

func TestController_Run_ModeConstant_NoRateOrConcurrency_SaturatesAtMaxConcurrent(t *testing.T) {
	release := make(chan struct{})
	var inFlight, maxInFlight int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&inFlight, 1)
		for {
			cur := atomic.LoadInt64(&maxInFlight)
			if n <= cur || atomic.CompareAndSwapInt64(&maxInFlight, cur, n) {
				break
			}
		}
		<-release
		atomic.AddInt64(&inFlight, -1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := &fakeStore{}
	spec := runcontroller.RunSpec{
		Method:   "GET",
		URL:      srv.URL,
		Mode:     runcontroller.ModeConstant,
		Duration: durationPtr(150 * time.Millisecond),
		// TargetRPS and Concurrency both left at zero: pacing is disabled
		// and the run must saturate at deps.MaxConcurrent rather than
		// falling back to a single sequential worker.
	}
	deps := testDeps(store)
	deps.MaxConcurrent = 8
	ctrl, err := runcontroller.New("run-saturate", spec, nil, nil, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan struct{})
	go func() {
		_, _ = ctrl.Run(context.Background())
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	close(release)
	<-done

	if got := atomic.LoadInt64(&maxInFlight); got < 2 {
		t.Errorf("max observed in-flight requests = %d, want > 1 (saturated concurrency, not sequential)", got)
	}
}

func TestController_Run_Stop_ReachesStoppedWithinGrace(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := &fakeStore{}
	spec := runcontroller.RunSpec{
		Method:    "GET",
		URL:       srv.URL,
		Mode:      runcontroller.ModeConstant,
		Duration:  durationPtr(10 * time.Second),
		TargetRPS: 50,
	}
	deps := testDeps(store)
	deps.GracefulStop = 500 * time.Millisecond
	ctrl, err := runcontroller.New("run-3", spec, nil, nil, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan model.RunStatus, 1)
	go func() {
		status, _ := ctrl.Run(context.Background())
		done <- status
	}()

	time.Sleep(100 * time.Millisecond)
	ctrl.Stop()

	select {
	case status := <-done:
		if status != model.RunStopped && status != model.RunCompleted {
			t.Errorf("status = %v, want Stopped (or Completed if it raced the deadline)", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return within graceful_stop bound")
	}
}

func TestRunSpec_ExpectedRequests_RampUpMatchesPiecewiseIntegral(t *testing.T) {
	spec := runcontroller.RunSpec{
		Mode: runcontroller.ModeRampUp,
		Stages: []runcontroller.Stage{
			{DurationS: runcontroller.Duration(3 * time.Second), TargetRPS: 10},
			{DurationS: runcontroller.Duration(3 * time.Second), TargetRPS: 100},
		},
	}
	if got := spec.ExpectedRequests(); got != 330 {
		t.Errorf("ExpectedRequests = %d, want 330", got)
	}
}

func TestRunSpec_Validate_RejectsZeroIterations(t *testing.T) {
	spec := runcontroller.RunSpec{Method: "GET", URL: "http://x", Mode: runcontroller.ModeIterations, Iterations: 0, Concurrency: 1}
	if err := spec.Validate(); err == nil {
		t.Error("expected INVALID_REQUEST for iterations=0")
	}
}

func TestRunSpec_Validate_RejectsRampUpObjectForm(t *testing.T) {
	spec := runcontroller.RunSpec{
		Method: "GET", URL: "http://x", Mode: runcontroller.ModeRampUp,
		StartConcurrency: 1, RampUpDuration: durationPtr(time.Second),
	}
	if err := spec.Validate(); err == nil {
		t.Error("expected the object-form ramp_up spec (no stages) to be rejected")
	}
}

func TestDuration_UnmarshalJSON_AcceptsIntAndSuffixedString(t *testing.T) {
	var d runcontroller.Duration
	if err := d.UnmarshalJSON([]byte("5")); err != nil {
		t.Fatalf("int form: %v", err)
	}
	if time.Duration(d) != 5*time.Second {
		t.Errorf("int form = %v, want 5s", time.Duration(d))
	}

	if err := d.UnmarshalJSON([]byte(`"3m"`)); err != nil {
		t.Fatalf("suffixed form: %v", err)
	}
	if time.Duration(d) != 3*time.Minute {
		t.Errorf("suffixed form = %v, want 3m", time.Duration(d))
	}
}
