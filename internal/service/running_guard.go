package service

import (
	"context"
	"sync"
)

// ExportedRunningGuard is an exported alias so _test packages can test the guard.
type ExportedRunningGuard = runningJobsGuard

// ─────────────────────────────────────────────────────────────
// runningJobsGuard: prevents concurrent execution of the same job
// ─────────────────────────────────────────────────────────────

// runningJobsGuard is a concurrency guard that ensures only one
// execution of a given job ID runs at a time. Query sessions key it by
// tab ID so a tab has at most one query in flight.
type runningJobsGuard struct {
	mu      sync.Mutex
	running map[string]chan struct{}
}

// TryLock attempts to mark jobID as running. Returns true if successful.
// Returns false if the job is already running.
func (g *runningJobsGuard) TryLock(jobID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running == nil {
		g.running = make(map[string]chan struct{})
	}
	if _, ok := g.running[jobID]; ok {
		return false
	}
	g.running[jobID] = make(chan struct{})
	return true
}

// Unlock marks the job as no longer running and wakes its waiters.
// Must be called after TryLock returns true.
func (g *runningJobsGuard) Unlock(jobID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if done, ok := g.running[jobID]; ok {
		close(done)
		delete(g.running, jobID)
	}
}

// Running reports whether jobID is currently locked.
func (g *runningJobsGuard) Running(jobID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.running[jobID]
	return ok
}

// Wait blocks until jobID, if running, completes or ctx is cancelled.
// Other jobs are not waited for.
func (g *runningJobsGuard) Wait(ctx context.Context, jobID string) {
	g.mu.Lock()
	done, ok := g.running[jobID]
	g.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// WaitAll blocks until all currently running jobs complete or ctx is cancelled.
func (g *runningJobsGuard) WaitAll(ctx context.Context) {
	g.mu.Lock()
	pending := make([]chan struct{}, 0, len(g.running))
	for _, done := range g.running {
		pending = append(pending, done)
	}
	g.mu.Unlock()
	for _, done := range pending {
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
}
