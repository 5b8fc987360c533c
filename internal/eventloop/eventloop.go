// Package eventloop implements component E: it spawns N workers and shards
// submitted transfers round-robin across them, aggregating their activity
// counters. It generalizes the teacher's scheduler.Scheduler (which
// round-robins jobs across sessions) into round-robin dispatch across
// worker.Worker instances.
package eventloop

import (
	"context"
	"sync/atomic"

	"github.com/firasghr/loadengine/internal/worker"
)

// EventLoop owns a fixed set of workers and assigns submitted transfers to
// them in round-robin order.
type EventLoop struct {
	workers []*worker.Worker
	next    atomic.Uint64

	cancel context.CancelFunc
}

// New spawns workers and starts their dispatch loops under a context
// derived from ctx. Canceling the returned EventLoop's Stop (or ctx itself)
// tears every worker down.
func New(ctx context.Context, workers []*worker.Worker) *EventLoop {
	loopCtx, cancel := context.WithCancel(ctx)
	el := &EventLoop{workers: workers, cancel: cancel}
	for _, w := range workers {
		w.Start(loopCtx)
	}
	return el
}

// Submit assigns t to the next worker in round-robin order. It returns
// nothing; the caller observes completion through t.OnComplete.
func (el *EventLoop) Submit(t *worker.Transfer) {
	n := uint64(len(el.workers))
	idx := el.next.Add(1) % n
	el.workers[idx].Submit(t)
}

// SubmitAsync submits t and returns a channel that receives its Outcome
// exactly once.
func (el *EventLoop) SubmitAsync(t *worker.Transfer) <-chan worker.Outcome {
	ch := make(chan worker.Outcome, 1)
	userCallback := t.OnComplete
	t.OnComplete = func(o worker.Outcome) {
		if userCallback != nil {
			userCallback(o)
		}
		ch <- o
	}
	el.Submit(t)
	return ch
}

// ExecuteBatch submits every transfer in ts and blocks until all have
// completed, returning their outcomes in submission order.
func (el *EventLoop) ExecuteBatch(ts []*worker.Transfer) []worker.Outcome {
	chans := make([]<-chan worker.Outcome, len(ts))
	for i, t := range ts {
		chans[i] = el.SubmitAsync(t)
	}
	out := make([]worker.Outcome, len(ts))
	for i, ch := range chans {
		out[i] = <-ch
	}
	return out
}

// Totals aggregates the activity counters across every worker.
type Totals struct {
	Submitted int64
	Completed int64
	Failed    int64
	BytesIn   int64
	BytesOut  int64
	InFlight  int64
}

// ActiveCount returns the number of in-flight transfers summed over every
// worker.
func (el *EventLoop) ActiveCount() int64 {
	var n int64
	for _, w := range el.workers {
		n += w.Snapshot().InFlight
	}
	return n
}

// PendingCount returns the number of transfers submitted but not yet
// completed or failed, summed over every worker.
func (el *EventLoop) PendingCount() int64 {
	var n int64
	for _, w := range el.workers {
		s := w.Snapshot()
		n += s.Submitted - s.Completed - s.Failed
	}
	return n
}

// TotalProcessed returns completed+failed transfers summed over every
// worker.
func (el *EventLoop) TotalProcessed() int64 {
	var n int64
	for _, w := range el.workers {
		s := w.Snapshot()
		n += s.Completed + s.Failed
	}
	return n
}

// TotalsSnapshot aggregates every counter across all workers in one call.
func (el *EventLoop) TotalsSnapshot() Totals {
	var t Totals
	for _, w := range el.workers {
		s := w.Snapshot()
		t.Submitted += s.Submitted
		t.Completed += s.Completed
		t.Failed += s.Failed
		t.BytesIn += s.BytesIn
		t.BytesOut += s.BytesOut
		t.InFlight += s.InFlight
	}
	return t
}

// Stop idempotently drains and shuts down every worker; any transfer still
// in flight is cancelled and completes with a Cancelled outcome.
func (el *EventLoop) Stop() {
	el.cancel()
	for _, w := range el.workers {
		w.Stop()
	}
}
