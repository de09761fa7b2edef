package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/juju/clock"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"devstack/internal/domain"
)

// ─────────────────────────────────────────────────────────────
// Supervisor: routes intents and republishes snapshots
// ─────────────────────────────────────────────────────────────

// SupervisorOptions wires a Supervisor.
type SupervisorOptions struct {
	Store     domain.InstanceStore
	Source    DownloadSource
	Installer Installer
	Executor  QueryExecutor
	// Catalog lists upstream versions for update checks; nil disables them.
	Catalog VersionCatalog

	MaxConcurrent   int
	AutoStart       bool
	AutoAssignPorts bool
	// UpdateSchedule is a cron spec; empty disables scheduled checks.
	UpdateSchedule string
	Clock          clock.Clock
}

// OpenSessionInput selects the instance and credentials of a query session.
// Empty Host and Username fall back to localhost and the engine default.
type OpenSessionInput struct {
	InstanceID string `json:"instanceId"`
	Host       string `json:"host"`
	Database   string `json:"database"`
	Username   string `json:"username"`
	Password   string `json:"password"`
}

// Supervisor is the composition root. It is the event sink of every
// component: each event rebuilds the snapshot from the components' own
// views, stamps it with the next sequence number and fans it out.
//
// Lock order: component emitMu → snapMu → component data locks.
// sessMu is never held while a session emits.
type Supervisor struct {
	registry  *InstanceRegistry
	downloads *DownloadManager
	executor  QueryExecutor
	catalog   VersionCatalog
	autoStart bool
	schedule  string

	sessMu    sync.RWMutex
	sessions  map[string]*QuerySession
	sessOrder []string

	snapMu    sync.Mutex
	seq       uint64
	observers map[int]domain.Observer
	nextObs   int

	cron *cron.Cron
}

var _ EventEmitter = (*Supervisor)(nil)

func NewSupervisor(opts SupervisorOptions) *Supervisor {
	s := &Supervisor{
		executor:  opts.Executor,
		catalog:   opts.Catalog,
		autoStart: opts.AutoStart,
		schedule:  opts.UpdateSchedule,
		sessions:  make(map[string]*QuerySession),
		observers: make(map[int]domain.Observer),
	}
	s.downloads = NewDownloadManager(opts.Source, s, DownloadManagerConfig{
		MaxConcurrent: opts.MaxConcurrent,
		Clock:         opts.Clock,
	})
	s.registry = NewInstanceRegistry(RegistryOptions{
		Store:           opts.Store,
		Downloads:       s.downloads,
		Installer:       opts.Installer,
		Emitter:         s,
		AutoAssignPorts: opts.AutoAssignPorts,
	})
	return s
}

// Start restores persisted instances and schedules update checks.
func (s *Supervisor) Start(ctx context.Context) (RestoreReport, error) {
	report, err := s.registry.Load(ctx, s.autoStart)
	if err != nil {
		return report, err
	}
	log.Info().Int("loaded", report.Loaded).Int("skipped", report.Skipped).
		Int("repaired", report.Repaired).Msg("instances restored")

	if s.schedule != "" && s.catalog != nil {
		c := cron.New()
		if _, err := c.AddFunc(s.schedule, func() {
			if _, err := s.CheckUpdates(context.Background()); err != nil {
				log.Warn().Err(err).Msg("update check")
			}
		}); err != nil {
			return report, fmt.Errorf("schedule update checks %q: %w", s.schedule, err)
		}
		c.Start()
		s.cron = c
	}
	return report, nil
}

// Close stops scheduled work, closes sessions and waits for in-flight
// transfers and installs to wind down.
func (s *Supervisor) Close() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.sessMu.Lock()
	sessions := make([]*QuerySession, 0, len(s.sessions))
	for _, id := range s.sessOrder {
		sessions = append(sessions, s.sessions[id])
	}
	s.sessions = make(map[string]*QuerySession)
	s.sessOrder = nil
	s.sessMu.Unlock()
	for _, qs := range sessions {
		qs.Close(context.Background())
	}
	s.downloads.Close()
	s.registry.Close()
}

// ── Observation ────────────────────────────────────────────

// Emit implements EventEmitter. The payload is ignored; the
// snapshot is rebuilt from live component state.
func (s *Supervisor) Emit(_ context.Context, event string, _ any) {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	if s.registry == nil {
		return
	}
	s.seq++
	snap := s.buildLocked()
	log.Trace().Str("event", event).Uint64("seq", snap.Seq).Msg("snapshot")
	for _, o := range s.observers {
		o.OnSnapshot(snap)
	}
}

// Subscribe registers o and immediately delivers the current snapshot.
// Observers run synchronously and must not call back into the Supervisor.
func (s *Supervisor) Subscribe(o domain.Observer) (unsubscribe func()) {
	s.snapMu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = o
	o.OnSnapshot(s.buildLocked())
	s.snapMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.snapMu.Lock()
			delete(s.observers, id)
			s.snapMu.Unlock()
		})
	}
}

// Snapshot returns the current state stamped with the last sequence number.
func (s *Supervisor) Snapshot() domain.Snapshot {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	return s.buildLocked()
}

func (s *Supervisor) buildLocked() domain.Snapshot {
	s.sessMu.RLock()
	sessions := make([]*QuerySession, 0, len(s.sessOrder))
	for _, id := range s.sessOrder {
		sessions = append(sessions, s.sessions[id])
	}
	s.sessMu.RUnlock()

	snap := domain.Snapshot{
		Seq:       s.seq,
		Instances: s.registry.List(),
		Downloads: s.downloads.List(),
		Sessions:  make([]domain.SessionSnapshot, 0, len(sessions)),
	}
	for _, qs := range sessions {
		snap.Sessions = append(snap.Sessions, qs.Snapshot())
	}
	return snap
}

// Dashboard returns the overview counters.
func (s *Supervisor) Dashboard() domain.Dashboard {
	d := s.registry.Counts()
	for _, dl := range s.downloads.List() {
		if dl.Status == domain.DownloadDownloading {
			d.ActiveDownloads++
		}
	}
	return d
}

// ── Instances ──────────────────────────────────────────────

func (s *Supervisor) AddInstance(ctx context.Context, in AddInstanceInput) (string, error) {
	return s.registry.Add(ctx, in)
}

func (s *Supervisor) StartInstance(ctx context.Context, id string) error {
	return s.registry.Start(ctx, id)
}

func (s *Supervisor) StopInstance(ctx context.Context, id string) error {
	return s.registry.Stop(ctx, id)
}

// DeleteInstance removes an instance and closes the sessions opened on it.
func (s *Supervisor) DeleteInstance(ctx context.Context, id string) error {
	if err := s.registry.Delete(ctx, id); err != nil {
		return err
	}
	for _, qs := range s.Sessions() {
		if qs.Connection().InstanceID == id {
			s.CloseSession(ctx, qs.ID())
		}
	}
	return nil
}

func (s *Supervisor) ChangeVersion(ctx context.Context, id, version string) error {
	return s.registry.ChangeVersion(ctx, id, version)
}

// DownloadVersion pre-fetches version for an instance and returns the
// download id.
func (s *Supervisor) DownloadVersion(ctx context.Context, id, version string) (string, error) {
	return s.registry.Download(ctx, id, version)
}

func (s *Supervisor) Instance(id string) (domain.Instance, error) {
	return s.registry.Get(id)
}

func (s *Supervisor) Instances() []domain.Instance {
	return s.registry.List()
}

func (s *Supervisor) SearchInstances(q string) []domain.Instance {
	return s.registry.Search(q)
}

// DefaultDatabases lists the system databases a fresh server of engine
// ships with.
func (s *Supervisor) DefaultDatabases(engine domain.EngineKind) ([]string, error) {
	e, err := domain.LookupEngine(engine)
	if err != nil {
		return nil, err
	}
	return e.DefaultDatabases, nil
}

// CheckUpdates asks the catalog for every engine's versions and merges new
// ones into matching instances. It returns how many instances gained
// versions.
func (s *Supervisor) CheckUpdates(ctx context.Context) (int, error) {
	if s.catalog == nil {
		return 0, nil
	}
	var (
		updated int
		errs    []error
	)
	for _, e := range domain.Engines() {
		versions, err := s.catalog.Versions(ctx, e.Kind)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.Kind, err))
			continue
		}
		updated += s.registry.MergeCatalog(ctx, e.Kind, versions)
	}
	if updated > 0 {
		log.Info().Int("instances", updated).Msg("new versions available")
	}
	return updated, errors.Join(errs...)
}

// MergeVersions adds versions found outside the catalog, such as archives
// already installed on disk, to every instance of engine.
func (s *Supervisor) MergeVersions(ctx context.Context, engine domain.EngineKind, versions []string) int {
	if len(versions) == 0 {
		return 0
	}
	return s.registry.MergeCatalog(ctx, engine, versions)
}

// ── Downloads ──────────────────────────────────────────────

func (s *Supervisor) Downloads() []domain.Download {
	return s.downloads.List()
}

func (s *Supervisor) PauseDownload(ctx context.Context, id string) error {
	return s.downloads.Pause(ctx, id)
}

func (s *Supervisor) ResumeDownload(ctx context.Context, id string) error {
	return s.downloads.Resume(ctx, id)
}

func (s *Supervisor) CancelDownload(ctx context.Context, id string) error {
	return s.downloads.Cancel(ctx, id)
}

func (s *Supervisor) RemoveDownload(ctx context.Context, id string) error {
	return s.downloads.Remove(ctx, id)
}

func (s *Supervisor) SetMaxConcurrent(ctx context.Context, n int) {
	s.downloads.SetMaxConcurrent(ctx, n)
}

// ── Query sessions ─────────────────────────────────────────

// OpenSession opens a query session on a running instance.
func (s *Supervisor) OpenSession(ctx context.Context, in OpenSessionInput) (*QuerySession, error) {
	inst, err := s.registry.Get(in.InstanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status != domain.InstanceRunning {
		return nil, fmt.Errorf("%w: instance %s is %s", domain.ErrNotRunning, inst.ID, inst.Status)
	}
	engine, err := domain.LookupEngine(inst.Engine)
	if err != nil {
		return nil, err
	}
	conn := domain.ConnectionInfo{
		InstanceID: inst.ID,
		Engine:     inst.Engine,
		Host:       strings.TrimSpace(in.Host),
		Port:       inst.Port,
		Database:   strings.TrimSpace(in.Database),
		Username:   strings.TrimSpace(in.Username),
		Password:   in.Password,
	}
	if conn.Host == "" {
		conn.Host = "localhost"
	}
	if conn.Username == "" {
		conn.Username = engine.DefaultUser
	}

	qs := NewQuerySession(conn, s.executor, s)
	s.sessMu.Lock()
	s.sessions[qs.ID()] = qs
	s.sessOrder = append(s.sessOrder, qs.ID())
	s.sessMu.Unlock()

	log.Info().Str("session", qs.ID()).Str("instance", inst.ID).Str("engine", string(inst.Engine)).
		Msg("query session opened")
	s.Emit(ctx, EventSessionChanged, nil)
	return qs, nil
}

// Session returns an open session.
func (s *Supervisor) Session(id string) (*QuerySession, error) {
	s.sessMu.RLock()
	defer s.sessMu.RUnlock()
	qs, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	return qs, nil
}

// Sessions returns the open sessions in opening order.
func (s *Supervisor) Sessions() []*QuerySession {
	s.sessMu.RLock()
	defer s.sessMu.RUnlock()
	out := make([]*QuerySession, 0, len(s.sessOrder))
	for _, id := range s.sessOrder {
		out = append(out, s.sessions[id])
	}
	return out
}

// CloseSession closes a session. The pooled connection is released once
// no other session uses it.
func (s *Supervisor) CloseSession(ctx context.Context, id string) error {
	s.sessMu.Lock()
	qs, ok := s.sessions[id]
	if !ok {
		s.sessMu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	delete(s.sessions, id)
	for i, sid := range s.sessOrder {
		if sid == id {
			s.sessOrder = append(s.sessOrder[:i], s.sessOrder[i+1:]...)
			break
		}
	}
	key := qs.Connection().Key()
	shared := false
	for _, other := range s.sessions {
		if other.Connection().Key() == key {
			shared = true
			break
		}
	}
	s.sessMu.Unlock()

	qs.Close(ctx)
	if closer, ok := s.executor.(ConnectionCloser); ok && !shared {
		if err := closer.CloseConnection(qs.Connection()); err != nil {
			log.Warn().Str("session", id).Err(err).Msg("close connection")
		}
	}
	log.Info().Str("session", id).Msg("query session closed")
	return nil
}
