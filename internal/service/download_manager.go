package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/VividCortex/ewma"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/rs/zerolog/log"

	"devstack/internal/domain"
)

// ─────────────────────────────────────────────────────────────
// DownloadManager: queued, pausable, resumable transfers
// ─────────────────────────────────────────────────────────────

// EnqueueRequest describes a new transfer. OnProgress and OnDone are
// optional; they run inside the manager's publication step, so the effect
// they have on other components is visible before (or together with) the
// download snapshot that reports the new state.
type EnqueueRequest struct {
	Engine     domain.EngineKind
	Version    string
	SizeHint   int64
	InstanceID string
	OnProgress func(d domain.Download)
	OnDone     func(d domain.Download, outcome domain.DownloadOutcome)
}

// DownloadManagerConfig tunes a DownloadManager.
type DownloadManagerConfig struct {
	// MaxConcurrent caps simultaneous transfers; <= 0 means unlimited.
	MaxConcurrent int
	Clock         clock.Clock
}

type transfer struct {
	mu            sync.Mutex
	d             domain.Download
	sizeConfirmed bool
	gen           uint64
	cancel        context.CancelFunc
	rate          ewma.MovingAverage
	lastTick      time.Time

	onProgress func(d domain.Download)
	onDone     func(d domain.Download, outcome domain.DownloadOutcome)
}

// DownloadManager owns every queued, active and settled transfer.
//
// Lock order: emitMu → mu → transfer.mu. Capabilities and callbacks are
// never invoked while mu or a transfer lock is held.
type DownloadManager struct {
	source  DownloadSource
	emitter EventEmitter
	clock   clock.Clock

	emitMu sync.Mutex

	mu            sync.Mutex
	transfers     map[string]*transfer
	order         []string
	waiting       queue[string]
	active        int
	maxConcurrent int

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// NewDownloadManager creates a DownloadManager that pulls bytes from source.
func NewDownloadManager(source DownloadSource, emitter EventEmitter, cfg DownloadManagerConfig) *DownloadManager {
	if emitter == nil {
		emitter = noopEmitter{}
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	ctx, stop := context.WithCancel(context.Background())
	return &DownloadManager{
		source:        source,
		emitter:       emitter,
		clock:         clk,
		transfers:     make(map[string]*transfer),
		maxConcurrent: cfg.MaxConcurrent,
		ctx:           ctx,
		stop:          stop,
	}
}

// ── Intents ────────────────────────────────────────────────

// Enqueue registers a transfer. It is always accepted and starts at once
// unless the concurrency cap is reached, in which case it waits FIFO.
func (m *DownloadManager) Enqueue(ctx context.Context, req EnqueueRequest) string {
	size := req.SizeHint
	if size < 0 {
		size = 0
	}
	t := &transfer{
		d: domain.Download{
			ID:         uuid.New().String(),
			Engine:     req.Engine,
			Version:    req.Version,
			InstanceID: req.InstanceID,
			Status:     domain.DownloadQueued,
			TotalBytes: size,
			CreatedAt:  m.clock.Now(),
		},
		rate:       ewma.NewMovingAverage(),
		onProgress: req.OnProgress,
		onDone:     req.OnDone,
	}

	m.mu.Lock()
	m.transfers[t.d.ID] = t
	m.order = append(m.order, t.d.ID)
	m.waiting.Push(t.d.ID)
	m.dispatchLocked()
	m.mu.Unlock()

	log.Info().Str("download", t.d.ID).Str("engine", string(req.Engine)).
		Str("version", req.Version).Msg("download enqueued")
	m.publish(ctx, nil)
	return t.d.ID
}

// Pause stops an active transfer, keeping its byte counters.
func (m *DownloadManager) Pause(ctx context.Context, id string) error {
	m.mu.Lock()
	t, err := m.lookupLocked(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	t.mu.Lock()
	if t.d.Status != domain.DownloadDownloading {
		status := t.d.Status
		t.mu.Unlock()
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot pause %s download %s", domain.ErrInvalidTransition, status, id)
	}
	m.haltLocked(t)
	t.d.Status = domain.DownloadPaused
	t.mu.Unlock()
	m.active--
	m.dispatchLocked()
	m.mu.Unlock()

	log.Info().Str("download", id).Msg("download paused")
	m.publish(ctx, nil)
	return nil
}

// Resume restarts a paused transfer from its current offset.
func (m *DownloadManager) Resume(ctx context.Context, id string) error {
	m.mu.Lock()
	t, err := m.lookupLocked(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	t.mu.Lock()
	if t.d.Status != domain.DownloadPaused {
		status := t.d.Status
		t.mu.Unlock()
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot resume %s download %s", domain.ErrInvalidTransition, status, id)
	}
	t.d.Status = domain.DownloadQueued
	t.mu.Unlock()
	m.waiting.Push(id)
	m.dispatchLocked()
	m.mu.Unlock()

	log.Info().Str("download", id).Msg("download resumed")
	m.publish(ctx, nil)
	return nil
}

// Cancel aborts a non-terminal transfer and removes its record.
func (m *DownloadManager) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()
	t, err := m.lookupLocked(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	t.mu.Lock()
	if t.d.Status.Terminal() {
		status := t.d.Status
		t.mu.Unlock()
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot cancel %s download %s", domain.ErrInvalidTransition, status, id)
	}
	wasActive := t.d.Status == domain.DownloadDownloading
	m.haltLocked(t)
	snap := t.d
	onDone := t.onDone
	t.mu.Unlock()
	m.removeLocked(id)
	if wasActive {
		m.active--
	}
	m.dispatchLocked()
	m.mu.Unlock()

	log.Info().Str("download", id).Msg("download cancelled")
	m.discard(snap)
	m.publish(ctx, func() {
		if onDone != nil {
			onDone(snap, domain.OutcomeCancelled)
		}
	})
	return nil
}

// Remove clears a completed or failed record.
func (m *DownloadManager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	t, err := m.lookupLocked(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	t.mu.Lock()
	terminal := t.d.Status.Terminal()
	status := t.d.Status
	t.mu.Unlock()
	if !terminal {
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot remove %s download %s", domain.ErrInvalidTransition, status, id)
	}
	snap := t.d
	m.removeLocked(id)
	m.mu.Unlock()

	if status == domain.DownloadFailed {
		m.discard(snap)
	}

	m.publish(ctx, nil)
	return nil
}

// SetMaxConcurrent changes the concurrency cap; queued transfers start at
// once if slots opened up. Transfers already running are never preempted.
func (m *DownloadManager) SetMaxConcurrent(ctx context.Context, n int) {
	m.mu.Lock()
	if m.maxConcurrent == n {
		m.mu.Unlock()
		return
	}
	m.maxConcurrent = n
	started := m.dispatchLocked()
	m.mu.Unlock()

	log.Info().Int("maxConcurrent", n).Msg("download concurrency changed")
	if started > 0 {
		m.publish(ctx, nil)
	}
}

// ── Queries ────────────────────────────────────────────────

// List returns every tracked transfer in enqueue order.
func (m *DownloadManager) List() []domain.Download {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Download, 0, len(m.order))
	for _, id := range m.order {
		t := m.transfers[id]
		t.mu.Lock()
		out = append(out, t.d)
		t.mu.Unlock()
	}
	return out
}

// Get returns one transfer.
func (m *DownloadManager) Get(id string) (domain.Download, bool) {
	m.mu.Lock()
	t, ok := m.transfers[id]
	m.mu.Unlock()
	if !ok {
		return domain.Download{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.d, true
}

// Close stops every running fetch and waits for the stream goroutines.
// Records are left as they are.
func (m *DownloadManager) Close() {
	m.stop()
	m.wg.Wait()
}

// ── Internals ──────────────────────────────────────────────

func (m *DownloadManager) lookupLocked(id string) (*transfer, error) {
	t, ok := m.transfers[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown download %s", domain.ErrInvalidTransition, id)
	}
	return t, nil
}

func (m *DownloadManager) removeLocked(id string) {
	delete(m.transfers, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// haltLocked invalidates the running fetch, if any. Chunks still in flight
// from it become no-ops because their generation no longer matches.
func (m *DownloadManager) haltLocked(t *transfer) {
	t.gen++
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.d.ThroughputBytesPerSec = 0
	t.rate = ewma.NewMovingAverage()
}

// dispatchLocked starts queued transfers while slots are free and returns
// how many it started. Must be called while holding m.mu.
func (m *DownloadManager) dispatchLocked() int {
	started := 0
	for (m.maxConcurrent <= 0 || m.active < m.maxConcurrent) && m.waiting.Len() > 0 {
		id := m.waiting.Pop()
		t, ok := m.transfers[id]
		if !ok {
			continue
		}
		t.mu.Lock()
		if t.d.Status != domain.DownloadQueued {
			t.mu.Unlock()
			continue
		}
		runCtx, cancel := context.WithCancel(m.ctx)
		t.gen++
		t.cancel = cancel
		t.lastTick = m.clock.Now()
		t.d.Status = domain.DownloadDownloading
		req := FetchRequest{DownloadID: t.d.ID, Engine: t.d.Engine, Version: t.d.Version, Offset: t.d.DownloadedBytes}
		gen := t.gen
		t.mu.Unlock()

		m.active++
		started++
		m.wg.Add(1)
		go m.run(runCtx, t, gen, req)
	}
	return started
}

// run consumes one fetch stream until it ends or the run is invalidated.
func (m *DownloadManager) run(ctx context.Context, t *transfer, gen uint64, req FetchRequest) {
	defer m.wg.Done()

	chunks, err := m.source.Fetch(ctx, req)
	if err != nil {
		m.settle(t, gen, err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-chunks:
			if !ok {
				if ctx.Err() == nil {
					m.settle(t, gen, errors.New("stream ended before completion"))
				}
				return
			}
			if c.Err != nil {
				m.settle(t, gen, c.Err)
				return
			}
			if c.Delta > 0 || c.Total > 0 {
				if !m.advance(t, gen, c) {
					return
				}
			}
			if c.Done {
				m.settle(t, gen, nil)
				return
			}
		}
	}
}

// advance applies one chunk. It returns false once the run is stale or
// the chunk failed the transfer.
func (m *DownloadManager) advance(t *transfer, gen uint64, c Chunk) bool {
	t.mu.Lock()
	if t.gen != gen || t.d.Status != domain.DownloadDownloading {
		t.mu.Unlock()
		return false
	}
	if c.Total > 0 {
		t.sizeConfirmed = true
		t.d.TotalBytes = c.Total
	}
	delta := c.Delta
	if delta < 0 {
		delta = 0
	}
	next := t.d.DownloadedBytes + delta
	if next > t.d.TotalBytes {
		if t.sizeConfirmed {
			t.mu.Unlock()
			m.settle(t, gen, fmt.Errorf("source sent %d bytes, more than the declared %d", next, t.d.TotalBytes))
			return false
		}
		t.d.TotalBytes = next
	}
	t.d.DownloadedBytes = next

	if delta > 0 {
		now := m.clock.Now()
		elapsed := now.Sub(t.lastTick).Seconds()
		if elapsed <= 0 {
			elapsed = time.Millisecond.Seconds()
		}
		t.rate.Add(float64(delta) / elapsed)
		t.lastTick = now
		t.d.ThroughputBytesPerSec = t.rate.Value()
	}
	snap := t.d
	onProgress := t.onProgress
	t.mu.Unlock()

	m.publish(m.ctx, func() {
		if onProgress == nil || !m.current(t, gen) {
			return
		}
		onProgress(snap)
	})
	return true
}

// settle moves a run to its terminal state: completed when cause is nil,
// failed otherwise. A short stream against a confirmed size fails.
func (m *DownloadManager) settle(t *transfer, gen uint64, cause error) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	t.mu.Lock()
	if t.gen != gen || t.d.Status != domain.DownloadDownloading {
		t.mu.Unlock()
		m.mu.Unlock()
		return
	}
	if cause == nil && t.d.DownloadedBytes < t.d.TotalBytes {
		if t.sizeConfirmed {
			cause = fmt.Errorf("stream ended at %d of %d bytes", t.d.DownloadedBytes, t.d.TotalBytes)
		} else {
			t.d.TotalBytes = t.d.DownloadedBytes
		}
	}
	m.haltLocked(t)
	outcome := domain.OutcomeCompleted
	if cause != nil {
		outcome = domain.OutcomeFailed
		t.d.Status = domain.DownloadFailed
		t.d.Error = fmt.Errorf("%w: %v", domain.ErrTransferFailed, cause).Error()
	} else {
		t.d.Status = domain.DownloadCompleted
	}
	snap := t.d
	onDone := t.onDone
	t.mu.Unlock()
	m.active--
	m.dispatchLocked()
	m.mu.Unlock()

	if cause != nil {
		log.Warn().Str("download", snap.ID).Err(cause).Msg("download failed")
	} else {
		log.Info().Str("download", snap.ID).Int64("bytes", snap.DownloadedBytes).Msg("download completed")
	}
	if onDone != nil {
		onDone(snap, outcome)
	}
	m.emitter.Emit(m.ctx, EventDownloadsChanged, m.List())
}

// discard drops the partial bytes of a transfer that will never resume.
func (m *DownloadManager) discard(d domain.Download) {
	pd, ok := m.source.(PartialDiscarder)
	if !ok {
		return
	}
	req := FetchRequest{DownloadID: d.ID, Engine: d.Engine, Version: d.Version}
	if err := pd.Discard(req); err != nil {
		log.Warn().Str("download", d.ID).Err(err).Msg("discard partial download")
	}
}

func (m *DownloadManager) current(t *transfer, gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen == gen
}

// publish runs before (if any) and then emits the full download list, both
// under emitMu so publications are totally ordered.
func (m *DownloadManager) publish(ctx context.Context, before func()) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()
	if before != nil {
		before()
	}
	m.emitter.Emit(ctx, EventDownloadsChanged, m.List())
}
