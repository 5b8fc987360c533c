package metrics_test

import (
	"testing"

	"github.com/firasghr/loadengine/internal/metrics"
	"github.com/firasghr/loadengine/internal/model"
)

func TestRecordResult_UpdatesAggregateCounters(t *testing.T) {
	c := metrics.New("run-1", metrics.Sampling{})

	c.RecordResult("req-1", 200, 12.5, "", 100, 50, "")
	c.RecordResult("req-2", 0, 0, string(metrics.ErrTimeout), 0, 20, "")

	snap := c.Snapshot()
	if snap.TotalRequests != 2 {
		t.Fatalf("TotalRequests = %d, want 2", snap.TotalRequests)
	}
	if snap.TotalSuccess != 1 || snap.TotalFailed != 1 {
		t.Fatalf("success/failed = %d/%d, want 1/1", snap.TotalSuccess, snap.TotalFailed)
	}
	if snap.BytesIn != 100 || snap.BytesOut != 70 {
		t.Fatalf("bytes in/out = %d/%d, want 100/70", snap.BytesIn, snap.BytesOut)
	}
	if snap.StatusCodes[200] != 1 {
		t.Errorf("status 200 count = %d, want 1", snap.StatusCodes[200])
	}
	if snap.ErrorKinds[metrics.ErrTimeout] != 1 {
		t.Errorf("ErrTimeout count = %d, want 1", snap.ErrorKinds[metrics.ErrTimeout])
	}
}

func TestRecordResult_UnknownErrorStringClassifiedOther(t *testing.T) {
	c := metrics.New("run-1", metrics.Sampling{})
	c.RecordResult("req-1", 0, 0, "some weird failure", 0, 0, "")

	snap := c.Snapshot()
	if snap.ErrorKinds[metrics.ErrOther] != 1 {
		t.Errorf("ErrOther count = %d, want 1", snap.ErrorKinds[metrics.ErrOther])
	}
}

func TestShouldSample_ErrorsAlwaysSampled(t *testing.T) {
	c := metrics.New("run-1", metrics.Sampling{SuccessSampleRate: 0, SlowThresholdMs: 0})
	c.RecordResult("req-1", 0, 5, string(metrics.ErrOther), 0, 0, "")

	results := c.SampledResults(0, 10)
	if len(results) != 1 {
		t.Fatalf("expected 1 sampled error result, got %d", len(results))
	}
}

func TestShouldSample_SlowSuccessesSampled(t *testing.T) {
	c := metrics.New("run-1", metrics.Sampling{SuccessSampleRate: 0, SlowThresholdMs: 100})
	c.RecordResult("req-1", 200, 500, "", 10, 10, "")
	c.RecordResult("req-2", 200, 1, "", 10, 10, "")

	results := c.SampledResults(0, 10)
	if len(results) != 1 {
		t.Fatalf("expected exactly 1 slow success sampled, got %d", len(results))
	}
	if results[0].LatencyMs != 500 {
		t.Errorf("sampled latency = %v, want 500", results[0].LatencyMs)
	}
}

func TestShouldSample_FullRateSamplesEverySuccess(t *testing.T) {
	c := metrics.New("run-1", metrics.Sampling{SuccessSampleRate: 100})
	for i := 0; i < 20; i++ {
		c.RecordResult("req", 200, 1, "", 1, 1, "")
	}
	results := c.SampledResults(0, 100)
	if len(results) != 20 {
		t.Fatalf("expected all 20 successes sampled at rate=100, got %d", len(results))
	}
}

func TestSample_MixedResultsKeptOldestFirst(t *testing.T) {
	c := metrics.New("run-1", metrics.Sampling{SuccessSampleRate: 100})

	// Fill the ring to capacity with a mix the collector's exported API can
	// exercise directly via a tiny ring — construct via the package default
	// and rely on a handful of entries to validate ordering semantics
	// instead of actually filling 64k slots.
	c.RecordResult("s1", 200, 1, "", 1, 1, "")
	c.RecordResult("e1", 0, 1, string(metrics.ErrOther), 1, 1, "")
	c.RecordResult("s2", 200, 2, "", 1, 1, "")

	results := c.SampledResults(0, 10)
	if len(results) != 3 {
		t.Fatalf("expected 3 sampled results, got %d", len(results))
	}
	// Oldest-first ordering preserved.
	if results[0].LatencyMs != 1 || results[0].Error != "" {
		t.Errorf("unexpected first entry: %+v", results[0])
	}
	if results[1].Error == "" {
		t.Errorf("expected second entry to be the error result: %+v", results[1])
	}
}

func TestCurrentStats_ComputesRpsAndErrorRate(t *testing.T) {
	c := metrics.New("run-1", metrics.Sampling{})
	c.RecordResult("req-1", 200, 10, "", 10, 10, "")
	c.RecordResult("req-2", 0, 0, string(metrics.ErrOther), 0, 0, "")

	stats := c.CurrentStats(5, 2.0)
	if stats["rps"].(float64) != 1.0 {
		t.Errorf("rps = %v, want 1.0", stats["rps"])
	}
	if stats["errorRate"].(float64) != 50.0 {
		t.Errorf("errorRate = %v, want 50.0", stats["errorRate"])
	}
	if stats["connectionsActive"].(int64) != 5 {
		t.Errorf("connectionsActive = %v, want 5", stats["connectionsActive"])
	}
}

func TestTick_AppendsSnapshotSeries(t *testing.T) {
	c := metrics.New("run-1", metrics.Sampling{})
	c.RecordResult("req-1", 200, 10, "", 10, 10, "")

	entries := c.Tick(3, 1.0)
	if len(entries) == 0 {
		t.Fatal("expected Tick to append snapshot entries")
	}
	for _, e := range entries {
		if e.RunID != "run-1" {
			t.Errorf("snapshot RunID = %q, want run-1", e.RunID)
		}
	}

	series := c.SnapshotSeries(0, 1000)
	if len(series) != len(entries) {
		t.Errorf("SnapshotSeries len = %d, want %d", len(series), len(entries))
	}

	// IDs are strictly increasing across Ticks.
	before := len(series)
	c.Tick(3, 1.0)
	after := c.SnapshotSeries(0, 10000)
	if len(after) <= before {
		t.Fatalf("expected snapshot series to grow, before=%d after=%d", before, len(after))
	}
	for i := 1; i < len(after); i++ {
		if after[i].ID <= after[i-1].ID {
			t.Errorf("snapshot IDs not strictly increasing at %d: %d <= %d", i, after[i].ID, after[i-1].ID)
		}
	}
}

func TestRecordTest_TracksPassFail(t *testing.T) {
	c := metrics.New("run-1", metrics.Sampling{})
	c.RecordTest(true)
	c.RecordTest(true)
	c.RecordTest(false)

	snap := c.Snapshot()
	if snap.TestsPassed != 2 || snap.TestsFailed != 1 {
		t.Fatalf("tests passed/failed = %d/%d, want 2/1", snap.TestsPassed, snap.TestsFailed)
	}
}

type fakeStore struct {
	results   []model.Result
	snapshots []model.MetricSnapshot
}

func (f *fakeStore) SaveResults(runID string, results []model.Result) error {
	f.results = results
	return nil
}

func (f *fakeStore) SaveMetricSnapshots(runID string, snapshots []model.MetricSnapshot) error {
	f.snapshots = snapshots
	return nil
}

func TestFlushToStore_WritesSampledResultsAndSnapshots(t *testing.T) {
	c := metrics.New("run-1", metrics.Sampling{SuccessSampleRate: 100})
	c.RecordResult("req-1", 200, 10, "", 10, 10, "")
	c.Tick(1, 1.0)

	store := &fakeStore{}
	if err := c.FlushToStore(store); err != nil {
		t.Fatalf("FlushToStore error: %v", err)
	}
	if len(store.results) != 1 {
		t.Errorf("flushed results = %d, want 1", len(store.results))
	}
	if len(store.snapshots) == 0 {
		t.Error("expected flushed snapshots to be non-empty")
	}
}
