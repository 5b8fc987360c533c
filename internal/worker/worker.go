// Package worker implements component D: each Worker owns a submission
// queue, an in-flight set, and its own rate limiter and handle pool, and
// drives HTTP transfers to completion without ever blocking on the store or
// an SSE channel.
//
// The spec's "async I/O reactor, non-blocking socket multiplexing" is
// realized the idiomatic Go way: a bounded semaphore of goroutines plays the
// role of the reactor (each blocked goroutine is cheap and the Go runtime
// multiplexes them onto OS threads), rather than a hand-rolled epoll loop —
// see DESIGN.md's Open Question notes.
package worker

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/firasghr/loadengine/internal/dnscache"
	"github.com/firasghr/loadengine/internal/engineerr"
	"github.com/firasghr/loadengine/internal/handlepool"
	"github.com/firasghr/loadengine/internal/logger"
	"github.com/firasghr/loadengine/internal/ratelimit"
)

// Transfer is one outbound HTTP request submitted to a Worker.
type Transfer struct {
	ID      string
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
	Timeout time.Duration

	// OnComplete is invoked exactly once with the transfer's Outcome: from
	// the transfer's own goroutine once it has run, or from the worker's
	// dispatch loop when it is cancelled before launch (including transfers
	// still queued when the worker stops).
	OnComplete func(Outcome)
}

// Timing carries the per-transfer phase timestamps named in component D.
type Timing struct {
	DNSMs       float64
	ConnectMs   float64
	TLSMs       float64
	FirstByteMs float64
	LastByteMs  float64
}

// Outcome is the result of driving one Transfer to completion.
type Outcome struct {
	StatusCode      int
	LatencyMs       float64
	Error           string
	BytesIn         int64
	BytesOut        int64
	Timing          Timing
	ResponseHeaders http.Header
	ResponseSample  []byte
}

// responseSampleCap bounds how much of a response body is retained in
// Outcome.ResponseSample for trace data (§3 Result.traceData).
const responseSampleCap = 4096

// Worker drains a bounded submission queue, pacing transfers through its
// own rate limiter, handle pool, and concurrency semaphores.
type Worker struct {
	id int

	queue   chan *Transfer
	handles *handlepool.Pool
	limiter *ratelimit.Limiter
	dns     *dnscache.Cache
	log     *logger.Logger

	sem        chan struct{}
	hostSem    sync.Map // string -> chan struct{}
	maxPerHost int

	pollTimeout time.Duration

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	bytesIn   atomic.Int64
	bytesOut  atomic.Int64
	inFlight  atomic.Int64

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a Worker. queueCap bounds the submission queue (component D's
// "bounded ... submission queue"); maxConcurrent bounds this worker's total
// in-flight transfers; maxPerHost bounds in-flight transfers to one origin.
func New(id int, queueCap, maxConcurrent, maxPerHost int, handles *handlepool.Pool, limiter *ratelimit.Limiter, dns *dnscache.Cache, pollTimeout time.Duration, log *logger.Logger) *Worker {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Worker{
		id:          id,
		queue:       make(chan *Transfer, queueCap),
		handles:     handles,
		limiter:     limiter,
		dns:         dns,
		log:         log,
		sem:         make(chan struct{}, maxConcurrent),
		maxPerHost:  maxPerHost,
		pollTimeout: pollTimeout,
		stopCh:      make(chan struct{}),
	}
}

// Submit enqueues t, blocking if the submission queue is full.
func (w *Worker) Submit(t *Transfer) {
	select {
	case w.queue <- t:
	case <-w.stopCh:
	}
}

// Start launches the worker's dispatch loop. ctx bounds the worker's
// lifetime; canceling ctx aborts in-flight transfers with a Cancelled
// outcome.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			for {
				select {
				case t := <-w.queue:
					w.completeWithError(t, "Cancelled", ctx.Err())
				default:
					return
				}
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			case t := <-w.queue:
				w.dispatch(ctx, t)
			}
		}
	}()
}

// dispatch paces and launches one transfer, returning immediately once the
// transfer has been handed off to its own goroutine (so the dispatch loop
// keeps draining the queue instead of serializing transfers).
func (w *Worker) dispatch(ctx context.Context, t *Transfer) {
	if w.limiter != nil {
		if err := w.limiter.AcquireBlocking(ctx); err != nil {
			w.completeWithError(t, "Cancelled", err)
			return
		}
	}

	select {
	case w.sem <- struct{}{}:
	case <-ctx.Done():
		w.completeWithError(t, "Cancelled", ctx.Err())
		return
	}

	hostSem := w.hostSemaphore(t.URL)
	select {
	case hostSem <- struct{}{}:
	case <-ctx.Done():
		<-w.sem
		w.completeWithError(t, "Cancelled", ctx.Err())
		return
	}

	w.submitted.Add(1)
	w.inFlight.Add(1)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.sem; <-hostSem; w.inFlight.Add(-1) }()
		w.execute(ctx, t)
	}()
}

func (w *Worker) hostSemaphore(rawURL string) chan struct{} {
	host := rawURL
	if idx := strings.Index(rawURL, "://"); idx >= 0 {
		rest := rawURL[idx+3:]
		if slash := strings.IndexByte(rest, '/'); slash >= 0 {
			host = rest[:slash]
		} else {
			host = rest
		}
	}
	capacity := w.maxPerHost
	if capacity <= 0 {
		capacity = 100
	}
	v, _ := w.hostSem.LoadOrStore(host, make(chan struct{}, capacity))
	return v.(chan struct{})
}

func (w *Worker) completeWithError(t *Transfer, code string, err error) {
	w.failed.Add(1)
	if t.OnComplete != nil {
		t.OnComplete(Outcome{StatusCode: 0, Error: code})
	}
	if w.log != nil && err != nil {
		w.log.Debugf("worker %d: transfer %s: %s: %v", w.id, t.ID, code, err)
	}
}

func (w *Worker) execute(ctx context.Context, t *Transfer) {
	start := time.Now()
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// TLSHandshakeDone fires only on the stdlib tls handshake path; the uTLS
	// dialer in internal/transport performs its own handshake and does not
	// feed this trace, so TLSMs stays 0 for https transfers. DNS/Connect
	// still fire because the uTLS dialer's TCP dial goes through a plain
	// net.Dialer.
	var timing Timing
	trace := &httptrace.ClientTrace{
		DNSDone: func(httptrace.DNSDoneInfo) {
			timing.DNSMs = float64(time.Since(start).Microseconds()) / 1000
		},
		ConnectDone: func(network, addr string, err error) {
			timing.ConnectMs = float64(time.Since(start).Microseconds()) / 1000
		},
		TLSHandshakeDone: func(tls.ConnectionState, error) {
			timing.TLSMs = float64(time.Since(start).Microseconds()) / 1000
		},
		GotFirstResponseByte: func() {
			timing.FirstByteMs = float64(time.Since(start).Microseconds()) / 1000
		},
	}
	reqCtx = httptrace.WithClientTrace(reqCtx, trace)

	var body io.Reader
	if len(t.Body) > 0 {
		body = strings.NewReader(string(t.Body))
	}
	req, err := http.NewRequestWithContext(reqCtx, t.Method, t.URL, body)
	if err != nil {
		w.finish(t, Outcome{Error: string(engineerr.InvalidURL)})
		return
	}
	for k, v := range t.Headers {
		req.Header.Set(k, v)
	}

	if w.dns != nil && req.URL.Hostname() != "" {
		if _, err := w.dns.Lookup(reqCtx, req.URL.Hostname()); err != nil {
			w.finish(t, Outcome{Error: "DnsError"})
			return
		}
	}

	handle, err := w.handles.Acquire(reqCtx)
	if err != nil {
		w.finish(t, Outcome{Error: classifyError(err)})
		return
	}

	resp, err := handle.Client.Do(req)
	if err != nil {
		w.handles.ReleaseBad(handle)
		errKind := classifyError(err)
		if errKind == "ConnectionFailed" && w.dns != nil && req.URL.Hostname() != "" {
			w.dns.Invalidate(req.URL.Hostname())
		}
		w.finish(t, Outcome{Error: errKind, Timing: timing})
		return
	}
	defer resp.Body.Close()

	sample := make([]byte, responseSampleCap)
	n, _ := io.ReadFull(resp.Body, sample)
	remaining, _ := io.Copy(io.Discard, resp.Body)
	timing.LastByteMs = float64(time.Since(start).Microseconds()) / 1000

	w.handles.Release(handle)

	out := Outcome{
		StatusCode:      resp.StatusCode,
		LatencyMs:       float64(time.Since(start).Microseconds()) / 1000,
		BytesIn:         int64(n) + remaining,
		BytesOut:        int64(len(t.Body)),
		Timing:          timing,
		ResponseHeaders: resp.Header,
		ResponseSample:  sample[:n],
	}
	w.bytesIn.Add(out.BytesIn)
	w.bytesOut.Add(out.BytesOut)
	w.finish(t, out)
}

func (w *Worker) finish(t *Transfer, out Outcome) {
	if out.Error != "" {
		w.failed.Add(1)
	} else {
		w.completed.Add(1)
	}
	if t.OnComplete != nil {
		t.OnComplete(out)
	}
}

// classifyError maps a transport-layer error to the closed client-side
// taxonomy named in spec §7: Timeout, DnsError, ConnectionFailed, TlsError,
// Cancelled, Other.
func classifyError(err error) string {
	if err == nil {
		return ""
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "Timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "Cancelled"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "DnsError"
	}
	var tlsErr *tls.RecordHeaderError
	if errors.As(err, &tlsErr) {
		return "TlsError"
	}
	if strings.Contains(err.Error(), "tls:") || strings.Contains(err.Error(), "certificate") {
		return "TlsError"
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return "ConnectionFailed"
	}
	return "Other"
}

// Counters is a snapshot of this worker's atomic counters (component D).
type Counters struct {
	Submitted int64
	Completed int64
	Failed    int64
	BytesIn   int64
	BytesOut  int64
	InFlight  int64
}

// Snapshot returns the current value of every worker-local counter.
func (w *Worker) Snapshot() Counters {
	return Counters{
		Submitted: w.submitted.Load(),
		Completed: w.completed.Load(),
		Failed:    w.failed.Load(),
		BytesIn:   w.bytesIn.Load(),
		BytesOut:  w.bytesOut.Load(),
		InFlight:  w.inFlight.Load(),
	}
}

// Stop signals the dispatch loop to exit and waits for in-flight transfers
// to finish. Idempotent.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}
