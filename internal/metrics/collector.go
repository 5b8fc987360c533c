// Package metrics implements component G: a per-run, hot-path metrics
// collector built on atomic counters and a bounded sample ring. Recording a
// completed transfer is not allocation-free: each status-code and
// error-kind count goes through sync.Map.LoadOrStore with a freshly
// allocated counter, and each sampled result adds a list element to the
// ring. It generalizes
// the teacher's metrics.Metrics (three atomic counters plus a start time)
// into the full state component G names: status-code counts, a latency
// histogram, error-type counts, sampled results, and a per-second snapshot
// series.
package metrics

import (
	"container/list"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/firasghr/loadengine/internal/model"
)

// ErrorKind is the closed client-side error taxonomy component G buckets
// failures into (spec §4.G / §7).
type ErrorKind string

const (
	ErrTimeout          ErrorKind = "Timeout"
	ErrDNS              ErrorKind = "DnsError"
	ErrConnectionFailed ErrorKind = "ConnectionFailed"
	ErrTLS              ErrorKind = "TlsError"
	ErrCancelled        ErrorKind = "Cancelled"
	ErrOther            ErrorKind = "Other"
)

// Sampling holds the per-run sampling configuration named in spec §4.G.
type Sampling struct {
	SuccessSampleRate int // percent, 0-100
	SlowThresholdMs   float64
}

// Collector is constructed once per run. The scalar counters and the
// latency histogram exist from construction; per-status-code and
// per-error-kind counters and ring elements are allocated as results are
// recorded.
type Collector struct {
	runID string
	start time.Time

	totalRequests atomic.Int64
	totalSuccess  atomic.Int64
	totalFailed   atomic.Int64
	bytesIn       atomic.Int64
	bytesOut      atomic.Int64
	requestsSent  atomic.Int64

	latencySumMs atomic.Int64 // stored as fixed-point microseconds for atomic add

	statusCodes sync.Map // int -> *atomic.Int64
	errorKinds  sync.Map // ErrorKind -> *atomic.Int64

	hist *Histogram

	sampling Sampling

	ringMu   sync.Mutex
	ring     *list.List // of *model.Result, FIFO order
	ringCap  int
	snapID   atomic.Int64
	snapshot []model.MetricSnapshot
	snapMu   sync.Mutex

	testsPassed atomic.Int64
	testsFailed atomic.Int64
}

// defaultRingCapacity matches spec §4.G's default.
const defaultRingCapacity = 64 * 1024

// New builds a Collector for one run.
func New(runID string, sampling Sampling) *Collector {
	if sampling.SuccessSampleRate < 0 {
		sampling.SuccessSampleRate = 0
	}
	if sampling.SuccessSampleRate > 100 {
		sampling.SuccessSampleRate = 100
	}
	return &Collector{
		runID:    runID,
		start:    time.Now(),
		hist:     NewHistogram(),
		sampling: sampling,
		ring:     list.New(),
		ringCap:  defaultRingCapacity,
	}
}

// RecordSubmission increments the submitted-request counter; called when a
// transfer is handed to the event loop, before its outcome is known.
func (c *Collector) RecordSubmission() {
	c.requestsSent.Add(1)
}

// RecordResult records one completed transfer's outcome. requestID is used
// only to derive the sampling hash; it need not be persisted.
func (c *Collector) RecordResult(requestID string, statusCode int, latencyMs float64, errStr string, bytesIn, bytesOut int64, traceData string) {
	c.totalRequests.Add(1)
	if statusCode == 0 {
		c.totalFailed.Add(1)
		c.recordErrorKind(classify(errStr))
	} else {
		c.totalSuccess.Add(1)
	}
	c.bytesIn.Add(bytesIn)
	c.bytesOut.Add(bytesOut)
	c.recordStatusCode(statusCode)

	if statusCode != 0 {
		c.hist.Record(latencyMs)
		c.latencySumMs.Add(int64(latencyMs * 1000))
	}

	if c.shouldSample(requestID, statusCode == 0, latencyMs) {
		c.sample(model.Result{
			RunID:      c.runID,
			Timestamp:  time.Now().UnixMilli(),
			StatusCode: statusCode,
			LatencyMs:  latencyMs,
			Error:      errStr,
			TraceData:  traceData,
		})
	}
}

// RecordTest records one script test assertion outcome (spec §4.F/§8).
func (c *Collector) RecordTest(passed bool) {
	if passed {
		c.testsPassed.Add(1)
	} else {
		c.testsFailed.Add(1)
	}
}

func (c *Collector) recordStatusCode(code int) {
	v, _ := c.statusCodes.LoadOrStore(code, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

func (c *Collector) recordErrorKind(kind ErrorKind) {
	v, _ := c.errorKinds.LoadOrStore(kind, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

func classify(errStr string) ErrorKind {
	switch ErrorKind(errStr) {
	case ErrTimeout, ErrDNS, ErrConnectionFailed, ErrTLS, ErrCancelled:
		return ErrorKind(errStr)
	default:
		return ErrOther
	}
}

// shouldSample implements spec §4.G's sampling predicate:
// is_error || latencyMs >= slow_threshold || hash(requestId) mod 100 < success_sample_rate.
func (c *Collector) shouldSample(requestID string, isError bool, latencyMs float64) bool {
	if isError {
		return true
	}
	if c.sampling.SlowThresholdMs > 0 && latencyMs >= c.sampling.SlowThresholdMs {
		return true
	}
	if c.sampling.SuccessSampleRate <= 0 {
		return false
	}
	if c.sampling.SuccessSampleRate >= 100 {
		return true
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(requestID))
	return int(h.Sum32()%100) < c.sampling.SuccessSampleRate
}

// sample inserts r into the fixed-capacity ring, evicting the oldest
// non-error entry when full (spec §4.G: "when full, oldest successes (not
// errors) are evicted").
func (c *Collector) sample(r model.Result) {
	c.ringMu.Lock()
	defer c.ringMu.Unlock()

	if c.ring.Len() >= c.ringCap {
		evicted := false
		for e := c.ring.Front(); e != nil; e = e.Next() {
			if e.Value.(model.Result).Error == "" {
				c.ring.Remove(e)
				evicted = true
				break
			}
		}
		if !evicted && c.ring.Len() >= c.ringCap {
			// Every sampled entry is an error; drop the incoming sample
			// rather than evict an error result.
			return
		}
	}
	c.ring.PushBack(r)
}

// SampledResults returns up to limit sampled results starting at offset,
// oldest first.
func (c *Collector) SampledResults(offset, limit int) []model.Result {
	c.ringMu.Lock()
	defer c.ringMu.Unlock()

	out := make([]model.Result, 0, limit)
	i := 0
	for e := c.ring.Front(); e != nil; e = e.Next() {
		if i < offset {
			i++
			continue
		}
		if len(out) >= limit {
			break
		}
		out = append(out, e.Value.(model.Result))
		i++
	}
	return out
}

// Totals is a point-in-time snapshot of the collector's aggregate counters.
type Totals struct {
	TotalRequests int64
	TotalSuccess  int64
	TotalFailed   int64
	BytesIn       int64
	BytesOut      int64
	RequestsSent  int64
	TestsPassed   int64
	TestsFailed   int64
	StatusCodes   map[int]int64
	ErrorKinds    map[ErrorKind]int64
	Latency       Percentiles
}

// Snapshot returns the current aggregate state.
func (c *Collector) Snapshot() Totals {
	total := c.totalRequests.Load()
	var avg float64
	if total > 0 {
		avg = float64(c.latencySumMs.Load()) / 1000 / float64(total)
	}

	statusCodes := map[int]int64{}
	c.statusCodes.Range(func(k, v any) bool {
		statusCodes[k.(int)] = v.(*atomic.Int64).Load()
		return true
	})
	errorKinds := map[ErrorKind]int64{}
	c.errorKinds.Range(func(k, v any) bool {
		errorKinds[k.(ErrorKind)] = v.(*atomic.Int64).Load()
		return true
	})

	return Totals{
		TotalRequests: total,
		TotalSuccess:  c.totalSuccess.Load(),
		TotalFailed:   c.totalFailed.Load(),
		BytesIn:       c.bytesIn.Load(),
		BytesOut:      c.bytesOut.Load(),
		RequestsSent:  c.requestsSent.Load(),
		TestsPassed:   c.testsPassed.Load(),
		TestsFailed:   c.testsFailed.Load(),
		StatusCodes:   statusCodes,
		ErrorKinds:    errorKinds,
		Latency:       c.hist.Snapshot(avg),
	}
}

// CurrentStats renders the instantaneous JSON-friendly object the live SSE
// channel (`/stats/{id}` and `/metrics/live/{id}`) serves.
func (c *Collector) CurrentStats(activeCount int64, elapsedS float64) map[string]any {
	t := c.Snapshot()
	var rps, errorRate float64
	if elapsedS > 0 {
		rps = float64(t.TotalRequests) / elapsedS
	}
	if t.TotalRequests > 0 {
		errorRate = float64(t.TotalFailed) / float64(t.TotalRequests) * 100
	}
	backpressure := t.RequestsSent - t.TotalRequests

	return map[string]any{
		"rps":               rps,
		"errorRate":         errorRate,
		"connectionsActive": activeCount,
		"requestsSent":      t.RequestsSent,
		"totalRequests":     t.TotalRequests,
		"latencyAvg":        t.Latency.Avg,
		"latencyP50":        t.Latency.P50,
		"latencyP75":        t.Latency.P75,
		"latencyP90":        t.Latency.P90,
		"latencyP95":        t.Latency.P95,
		"latencyP99":        t.Latency.P99,
		"latencyP999":       t.Latency.P999,
		"backpressure":      backpressure,
		"statusCodes":       t.StatusCodes,
		"testsPassed":       t.TestsPassed,
		"testsFailed":       t.TestsFailed,
	}
}

// Tick appends one per-second MetricSnapshot set to the in-memory series
// (spec §4.G's "per-second snapshot buffer") and returns the freshly
// appended entries, so a caller can both retain them for flush and forward
// them onto the SSE historical channel.
func (c *Collector) Tick(activeCount int64, elapsedS float64) []model.MetricSnapshot {
	t := c.Snapshot()
	now := time.Now().UnixMilli()

	var rps, errorRate float64
	if elapsedS > 0 {
		rps = float64(t.TotalRequests) / elapsedS
	}
	if t.TotalRequests > 0 {
		errorRate = float64(t.TotalFailed) / float64(t.TotalRequests) * 100
	}

	entries := []struct {
		name  model.MetricName
		value float64
	}{
		{model.MetricRps, rps},
		{model.MetricErrorRate, errorRate},
		{model.MetricConnectionsActive, float64(activeCount)},
		{model.MetricRequestsSent, float64(t.RequestsSent)},
		{model.MetricTotalRequests, float64(t.TotalRequests)},
		{model.MetricLatencyAvg, t.Latency.Avg},
		{model.MetricLatencyP50, t.Latency.P50},
		{model.MetricLatencyP75, t.Latency.P75},
		{model.MetricLatencyP90, t.Latency.P90},
		{model.MetricLatencyP95, t.Latency.P95},
		{model.MetricLatencyP99, t.Latency.P99},
		{model.MetricLatencyP999, t.Latency.P999},
	}

	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	out := make([]model.MetricSnapshot, 0, len(entries))
	for _, e := range entries {
		snap := model.MetricSnapshot{
			ID:        c.snapID.Add(1),
			RunID:     c.runID,
			Timestamp: now,
			Name:      e.name,
			Value:     e.value,
		}
		c.snapshot = append(c.snapshot, snap)
		out = append(out, snap)
	}
	return out
}

// SnapshotSeries returns a paginated slice of every MetricSnapshot recorded
// so far, oldest first.
func (c *Collector) SnapshotSeries(offset, limit int) []model.MetricSnapshot {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	if offset >= len(c.snapshot) {
		return nil
	}
	end := offset + limit
	if end > len(c.snapshot) || limit <= 0 {
		end = len(c.snapshot)
	}
	out := make([]model.MetricSnapshot, end-offset)
	copy(out, c.snapshot[offset:end])
	return out
}

// Store is the narrow persistence capability FlushToStore needs; satisfied
// by internal/store.DB. Declared here instead of importing internal/store
// directly so the hot-path package carries no dependency on the storage
// layer beyond this interface.
type Store interface {
	SaveResults(runID string, results []model.Result) error
	SaveMetricSnapshots(runID string, snapshots []model.MetricSnapshot) error
}

// FlushToStore is called exactly once, at the end of a run: it persists
// every sampled result and the full snapshot series in one pass, keeping
// store writes off the measured hot path entirely.
func (c *Collector) FlushToStore(store Store) error {
	c.ringMu.Lock()
	results := make([]model.Result, 0, c.ring.Len())
	for e := c.ring.Front(); e != nil; e = e.Next() {
		results = append(results, e.Value.(model.Result))
	}
	c.ringMu.Unlock()

	if err := store.SaveResults(c.runID, results); err != nil {
		return err
	}

	c.snapMu.Lock()
	snaps := make([]model.MetricSnapshot, len(c.snapshot))
	copy(snaps, c.snapshot)
	c.snapMu.Unlock()

	return store.SaveMetricSnapshots(c.runID, snaps)
}
