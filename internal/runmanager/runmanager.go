// Package runmanager implements component I: a process-wide registry
// mapping runId to its live RunContext, generalizing the teacher's
// token.HeartbeatManager (a sync.Map keyed by session ID, one writer
// replacing entries, many lock-free readers) from session state to
// in-progress Load runs.
package runmanager

import (
	"context"
	"sync"
	"time"

	"github.com/firasghr/loadengine/internal/model"
	"github.com/firasghr/loadengine/internal/runcontroller"
)

// RunContext is the registry entry for one active run: a pointer to its
// Controller (strategy state, event loop, collector, should_stop) plus the
// bookkeeping the manager needs to observe and stop it.
type RunContext struct {
	RunID      string
	Controller *runcontroller.Controller
	StartedAt  time.Time

	done chan struct{}
}

// Done returns a channel closed once this run reaches a terminal state.
func (rc *RunContext) Done() <-chan struct{} { return rc.done }

// Manager is the registry named in spec §4.I. A run is present in the
// registry exactly while it is non-terminal; Start registers, and the
// background goroutine deregisters itself the instant Controller.Run
// returns (by which point the terminal status is already durable in the
// store) — so a runId is never simultaneously active in the registry and
// terminal in the store.
type Manager struct {
	runs sync.Map // string -> *RunContext
}

// New builds an empty Manager.
func New() *Manager {
	return &Manager{}
}

// Start builds a Controller for spec, registers it, and launches it in a
// background goroutine bound to a context derived from ctx. It returns
// immediately with the registered RunContext; the caller observes progress
// via RunContext.Controller and completion via RunContext.Done.
func (m *Manager) Start(ctx context.Context, runID string, spec runcontroller.RunSpec, envVars, globalVars map[string]string, deps runcontroller.Deps) (*RunContext, error) {
	ctrl, err := runcontroller.New(runID, spec, envVars, globalVars, deps)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	rc := &RunContext{
		RunID:      runID,
		Controller: ctrl,
		StartedAt:  time.Now(),
		done:       make(chan struct{}),
	}
	m.runs.Store(runID, rc)

	go func() {
		defer close(rc.done)
		defer m.runs.Delete(runID)
		defer cancel()
		_, _ = ctrl.Run(runCtx)
	}()

	return rc, nil
}

// Get returns the active RunContext for runId, or (nil, false) if it is not
// currently active (either unknown or already terminal).
func (m *Manager) Get(runID string) (*RunContext, bool) {
	v, ok := m.runs.Load(runID)
	if !ok {
		return nil, false
	}
	return v.(*RunContext), true
}

// IsActive reports whether runId is currently registered.
func (m *Manager) IsActive(runID string) bool {
	_, ok := m.Get(runID)
	return ok
}

// StopResult describes the outcome of a Stop call.
type StopResult int

const (
	StopSucceeded StopResult = iota
	StopTimedOut
	StopNotRunning
)

// Stop flips runId's should_stop flag and waits up to wait for it to reach
// a terminal state and deregister (spec §4.I: "stop(runId) flips
// should_stop and waits up to 5s"). If runId is not currently active,
// StopNotRunning is returned immediately (the control surface's
// `{status:"not_running"}` response).
func (m *Manager) Stop(runID string, wait time.Duration) StopResult {
	rc, ok := m.Get(runID)
	if !ok {
		return StopNotRunning
	}
	rc.Controller.Stop()

	select {
	case <-rc.Done():
		return StopSucceeded
	case <-time.After(wait):
		return StopTimedOut
	}
}

// Count returns the number of currently active runs.
func (m *Manager) Count() int {
	n := 0
	m.runs.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// ActiveRunIDs returns every currently active runId, in no particular
// order.
func (m *Manager) ActiveRunIDs() []string {
	var ids []string
	m.runs.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	return ids
}

// LiveStats renders the instantaneous per-run object the live SSE channel
// needs, or (nil, false) if runId is not active.
func (m *Manager) LiveStats(runID string) (map[string]any, bool) {
	rc, ok := m.Get(runID)
	if !ok {
		return nil, false
	}
	elapsed := time.Since(rc.StartedAt).Seconds()
	stats := rc.Controller.Collector().CurrentStats(rc.Controller.ActiveCount(), elapsed)
	stats["requestsExpected"] = rc.Controller.RequestsExpected()
	return stats, true
}

// EnsureNotBothActiveAndTerminal is a test/debug helper asserting the
// registry's core invariant against a store-reported status; it is not
// used on any request path.
func (m *Manager) EnsureNotBothActiveAndTerminal(runID string, storeStatus model.RunStatus) bool {
	active := m.IsActive(runID)
	if active && storeStatus.Terminal() {
		return false
	}
	return true
}
