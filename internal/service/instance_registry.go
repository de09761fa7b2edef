package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"devstack/internal/domain"
)

// ─────────────────────────────────────────────────────────────
// InstanceRegistry: configured servers and their lifecycle
// ─────────────────────────────────────────────────────────────

// AddInstanceInput is the service-layer DTO for registering a server.
// Zero values select defaults: newest catalog version, engine default port,
// engine display name.
type AddInstanceInput struct {
	Name    string            `json:"name"`
	Engine  domain.EngineKind `json:"engine"`
	Version string            `json:"version"`
	Port    uint16            `json:"port"`
}

// Transfers is the part of the DownloadManager the registry drives.
type Transfers interface {
	Enqueue(ctx context.Context, req EnqueueRequest) string
}

// RegistryOptions wires an InstanceRegistry.
type RegistryOptions struct {
	Store     domain.InstanceStore // nil keeps instances in memory only
	Downloads Transfers
	Installer Installer // nil installs instantly
	Emitter   EventEmitter
	// AutoAssignPorts picks the first free port at or above the engine
	// default when Add is given port 0.
	AutoAssignPorts bool
	Now             func() time.Time
}

// RestoreReport summarises what Restore did with persisted rows.
type RestoreReport struct {
	Loaded   int
	Skipped  int
	Repaired int
}

type instanceEntry struct {
	mu   sync.Mutex
	inst domain.Instance
	// op identifies the current version switch; callbacks from an older
	// switch are ignored.
	op         uint64
	downloadID string
	// deleted is set under mu by Delete. Intents that looked the entry up
	// before the delete see it once they hold the lock.
	deleted bool
}

// InstanceRegistry owns the configured instances.
//
// Lock order: emitMu → mu → instanceEntry.mu. Port is only written while mu
// is held for writing, so a read lock is enough to check port usage.
// Nothing is emitted while an entry lock is held.
type InstanceRegistry struct {
	store     domain.InstanceStore
	downloads Transfers
	installer Installer
	emitter   EventEmitter
	autoPorts bool
	now       func() time.Time

	emitMu sync.Mutex

	mu      sync.RWMutex
	entries map[string]*instanceEntry
	order   []string

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// NewInstanceRegistry creates an empty registry.
func NewInstanceRegistry(opts RegistryOptions) *InstanceRegistry {
	emitter := opts.Emitter
	if emitter == nil {
		emitter = noopEmitter{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ctx, stop := context.WithCancel(context.Background())
	return &InstanceRegistry{
		store:     opts.Store,
		downloads: opts.Downloads,
		installer: opts.Installer,
		emitter:   emitter,
		autoPorts: opts.AutoAssignPorts,
		now:       now,
		entries:   make(map[string]*instanceEntry),
		ctx:       ctx,
		stop:      stop,
	}
}

// ── Creation & deletion ────────────────────────────────────

// Add validates input and registers a stopped instance.
func (r *InstanceRegistry) Add(ctx context.Context, in AddInstanceInput) (string, error) {
	engine, err := domain.LookupEngine(in.Engine)
	if err != nil {
		return "", err
	}
	version := in.Version
	if version == "" {
		version = engine.Versions[0]
	}
	if !contains(engine.Versions, version) {
		return "", fmt.Errorf("%w: %s %s", domain.ErrUnknownVersion, engine.Kind, version)
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = engine.DisplayName
	}

	r.mu.Lock()
	port, err := r.allocatePortLocked(in.Port, engine.DefaultPort)
	if err != nil {
		r.mu.Unlock()
		return "", err
	}
	now := r.now()
	inst := domain.Instance{
		ID:                uuid.New().String(),
		Name:              name,
		Engine:            engine.Kind,
		CurrentVersion:    version,
		AvailableVersions: domain.SortVersions(engine.Versions),
		Status:            domain.InstanceStopped,
		Port:              port,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := r.persist(&inst); err != nil {
		r.mu.Unlock()
		return "", err
	}
	r.entries[inst.ID] = &instanceEntry{inst: inst}
	r.order = append(r.order, inst.ID)
	r.mu.Unlock()

	log.Info().Str("instance", inst.ID).Str("engine", string(inst.Engine)).
		Str("version", version).Uint16("port", port).Msg("instance added")
	r.publish(ctx)
	return inst.ID, nil
}

// Delete removes a non-busy instance and its persisted row.
func (r *InstanceRegistry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrInstanceNotFound, id)
	}
	e.mu.Lock()
	if e.inst.Status.Busy() {
		status := e.inst.Status
		e.mu.Unlock()
		r.mu.Unlock()
		return fmt.Errorf("%w: instance %s is %s", domain.ErrInstanceBusy, id, status)
	}
	if r.store != nil {
		if err := r.store.DeleteInstance(id); err != nil {
			e.mu.Unlock()
			r.mu.Unlock()
			return fmt.Errorf("delete instance: %w", err)
		}
	}
	e.deleted = true
	e.mu.Unlock()
	delete(r.entries, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	log.Info().Str("instance", id).Msg("instance deleted")
	r.publish(ctx)
	return nil
}

// ── Lifecycle ──────────────────────────────────────────────

// Start marks a stopped instance as running.
func (r *InstanceRegistry) Start(ctx context.Context, id string) error {
	return r.transition(ctx, id, domain.InstanceStopped, domain.InstanceRunning)
}

// Stop marks a running instance as stopped.
func (r *InstanceRegistry) Stop(ctx context.Context, id string) error {
	return r.transition(ctx, id, domain.InstanceRunning, domain.InstanceStopped)
}

func (r *InstanceRegistry) transition(ctx context.Context, id string, from, to domain.InstanceStatus) error {
	e, err := r.lockEntry(id)
	if err != nil {
		return err
	}
	if err := checkStatus(e.inst, from); err != nil {
		e.mu.Unlock()
		return err
	}
	e.inst.Status = to
	e.inst.UpdatedAt = r.now()
	r.persistLogged(&e.inst)
	e.mu.Unlock()

	log.Info().Str("instance", id).Str("status", string(to)).Msg("instance status changed")
	r.publish(ctx)
	return nil
}

// ChangeVersion switches a stopped instance to another available version.
// The instance goes through downloading and installing and settles in
// stopped; the switch itself completes asynchronously.
func (r *InstanceRegistry) ChangeVersion(ctx context.Context, id, version string) error {
	e, err := r.lockEntry(id)
	if err != nil {
		return err
	}
	if err := checkStatus(e.inst, domain.InstanceStopped); err != nil {
		e.mu.Unlock()
		return err
	}
	if !e.inst.HasVersion(version) {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s is not available for instance %s", domain.ErrUnknownVersion, version, id)
	}
	if version == e.inst.CurrentVersion {
		e.mu.Unlock()
		return fmt.Errorf("%w: instance %s already runs %s", domain.ErrInvalidTransition, id, version)
	}
	e.op++
	op := e.op
	progress := 0
	e.inst.Status = domain.InstanceDownloading
	e.inst.InstallProgress = &progress
	e.inst.LastError = ""
	e.inst.UpdatedAt = r.now()
	r.persistLogged(&e.inst)
	engine := e.inst.Engine
	e.mu.Unlock()

	log.Info().Str("instance", id).Str("version", version).Msg("version switch started")
	r.publish(ctx)

	dlID := r.downloads.Enqueue(ctx, EnqueueRequest{
		Engine:     engine,
		Version:    version,
		InstanceID: id,
		OnProgress: func(d domain.Download) { r.switchProgress(e, op, d) },
		OnDone: func(d domain.Download, outcome domain.DownloadOutcome) {
			r.switchDone(e, op, version, d, outcome)
		},
	})

	e.mu.Lock()
	if e.op == op {
		e.downloadID = dlID
	}
	e.mu.Unlock()
	return nil
}

func (r *InstanceRegistry) switchProgress(e *instanceEntry, op uint64, d domain.Download) {
	e.mu.Lock()
	if e.op != op || e.inst.Status != domain.InstanceDownloading {
		e.mu.Unlock()
		return
	}
	p := d.Progress()
	if e.inst.InstallProgress != nil && *e.inst.InstallProgress == p {
		e.mu.Unlock()
		return
	}
	e.inst.InstallProgress = &p
	e.mu.Unlock()
	r.publish(r.ctx)
}

func (r *InstanceRegistry) switchDone(e *instanceEntry, op uint64, version string, d domain.Download, outcome domain.DownloadOutcome) {
	e.mu.Lock()
	if e.op != op || e.inst.Status != domain.InstanceDownloading {
		e.mu.Unlock()
		return
	}
	e.downloadID = ""
	if outcome != domain.OutcomeCompleted {
		e.inst.Status = domain.InstanceStopped
		e.inst.InstallProgress = nil
		e.inst.LastError = d.Error
		if outcome == domain.OutcomeCancelled {
			e.inst.LastError = "download of " + version + " was cancelled"
		}
		e.inst.UpdatedAt = r.now()
		r.persistLogged(&e.inst)
		id := e.inst.ID
		e.mu.Unlock()
		log.Warn().Str("instance", id).Str("version", version).Str("outcome", string(outcome)).
			Msg("version switch aborted")
		r.publish(r.ctx)
		return
	}

	full := 100
	e.inst.Status = domain.InstanceInstalling
	e.inst.InstallProgress = &full
	e.inst.UpdatedAt = r.now()
	r.persistLogged(&e.inst)
	engine := e.inst.Engine
	e.mu.Unlock()
	r.publish(r.ctx)

	r.wg.Add(1)
	go r.install(e, op, engine, version)
}

func (r *InstanceRegistry) install(e *instanceEntry, op uint64, engine domain.EngineKind, version string) {
	defer r.wg.Done()

	var err error
	if r.installer != nil {
		err = r.installer.Install(r.ctx, engine, version)
	}

	e.mu.Lock()
	if e.op != op || e.inst.Status != domain.InstanceInstalling {
		e.mu.Unlock()
		return
	}
	e.inst.Status = domain.InstanceStopped
	e.inst.InstallProgress = nil
	if err != nil {
		e.inst.LastError = fmt.Sprintf("install %s: %v", version, err)
	} else {
		e.inst.CurrentVersion = version
		e.inst.AvailableVersions = domain.MergeVersions(e.inst.AvailableVersions, version)
		e.inst.LastError = ""
	}
	e.inst.UpdatedAt = r.now()
	r.persistLogged(&e.inst)
	id := e.inst.ID
	e.mu.Unlock()

	if err != nil {
		log.Error().Str("instance", id).Str("version", version).Err(err).Msg("install failed")
	} else {
		log.Info().Str("instance", id).Str("version", version).Msg("version switch completed")
	}
	r.publish(r.ctx)
}

// Download pre-fetches version for an instance without touching its
// status. On completion the version joins AvailableVersions.
func (r *InstanceRegistry) Download(ctx context.Context, id, version string) (string, error) {
	version = strings.TrimSpace(version)
	if version == "" {
		return "", fmt.Errorf("%w: empty version", domain.ErrUnknownVersion)
	}
	e, err := r.lockEntry(id)
	if err != nil {
		return "", err
	}
	engine := e.inst.Engine
	e.mu.Unlock()

	return r.downloads.Enqueue(ctx, EnqueueRequest{
		Engine:     engine,
		Version:    version,
		InstanceID: id,
		OnDone: func(_ domain.Download, outcome domain.DownloadOutcome) {
			if outcome == domain.OutcomeCompleted {
				r.addVersion(e, version)
			}
		},
	}), nil
}

func (r *InstanceRegistry) addVersion(e *instanceEntry, version string) {
	e.mu.Lock()
	if e.deleted || e.inst.HasVersion(version) {
		e.mu.Unlock()
		return
	}
	e.inst.AvailableVersions = domain.MergeVersions(e.inst.AvailableVersions, version)
	e.inst.UpdatedAt = r.now()
	r.persistLogged(&e.inst)
	e.mu.Unlock()
	r.publish(r.ctx)
}

// MergeCatalog adds newly published versions to every instance of engine.
func (r *InstanceRegistry) MergeCatalog(ctx context.Context, engine domain.EngineKind, versions []string) int {
	changed := 0
	for _, e := range r.snapshotEntries() {
		e.mu.Lock()
		if e.deleted || e.inst.Engine != engine {
			e.mu.Unlock()
			continue
		}
		merged := domain.MergeVersions(e.inst.AvailableVersions, versions...)
		if len(merged) != len(e.inst.AvailableVersions) {
			e.inst.AvailableVersions = merged
			e.inst.UpdatedAt = r.now()
			r.persistLogged(&e.inst)
			changed++
		}
		e.mu.Unlock()
	}
	if changed > 0 {
		log.Info().Str("engine", string(engine)).Int("instances", changed).Msg("catalog merged")
		r.publish(ctx)
	}
	return changed
}

// ── Persistence ────────────────────────────────────────────

// Load reads persisted instances from the store and restores them.
func (r *InstanceRegistry) Load(ctx context.Context, autoStart bool) (RestoreReport, error) {
	if r.store == nil {
		return RestoreReport{}, nil
	}
	rows, err := r.store.ListInstances()
	if err != nil {
		return RestoreReport{}, fmt.Errorf("load instances: %w", err)
	}
	return r.Restore(ctx, rows, autoStart), nil
}

// Restore registers previously persisted instances, re-validating every
// invariant. Unknown engines are skipped; everything else is repaired.
func (r *InstanceRegistry) Restore(ctx context.Context, rows []domain.Instance, autoStart bool) RestoreReport {
	var rep RestoreReport

	r.mu.Lock()
	for _, row := range rows {
		inst := row.Clone()
		engine, err := domain.LookupEngine(inst.Engine)
		if err != nil {
			log.Warn().Str("instance", inst.ID).Err(err).Msg("restore: skipping instance")
			rep.Skipped++
			continue
		}
		if inst.ID == "" {
			inst.ID = uuid.New().String()
		}
		if _, dup := r.entries[inst.ID]; dup {
			log.Warn().Str("instance", inst.ID).Msg("restore: skipping duplicate id")
			rep.Skipped++
			continue
		}

		var repairs []string
		if inst.CurrentVersion == "" {
			inst.CurrentVersion = engine.Versions[0]
			repairs = append(repairs, "version")
		}
		if !inst.HasVersion(inst.CurrentVersion) {
			repairs = append(repairs, "availableVersions")
		}
		inst.AvailableVersions = domain.MergeVersions(inst.AvailableVersions, inst.CurrentVersion)

		if inst.Port == 0 {
			inst.Port = engine.DefaultPort
		}
		if r.portUsedLocked(inst.Port) {
			port, err := r.nextFreePortLocked(inst.Port)
			if err != nil {
				log.Warn().Str("instance", inst.ID).Err(err).Msg("restore: skipping instance")
				rep.Skipped++
				continue
			}
			inst.Port = port
			repairs = append(repairs, "port")
		}

		switch {
		case inst.Status == domain.InstanceRunning && autoStart:
		case inst.Status == domain.InstanceStopped:
		default:
			if inst.Status != domain.InstanceRunning {
				repairs = append(repairs, "status")
			}
			inst.Status = domain.InstanceStopped
		}
		inst.InstallProgress = nil
		if inst.Name == "" {
			inst.Name = engine.DisplayName
		}
		if inst.CreatedAt.IsZero() {
			inst.CreatedAt = r.now()
		}

		if len(repairs) > 0 {
			inst.UpdatedAt = r.now()
			r.persistLogged(&inst)
			log.Info().Str("instance", inst.ID).Strs("repaired", repairs).Msg("restore: repaired instance")
			rep.Repaired++
		}
		r.entries[inst.ID] = &instanceEntry{inst: inst}
		r.order = append(r.order, inst.ID)
		rep.Loaded++
	}
	r.mu.Unlock()

	if rep.Loaded > 0 {
		r.publish(ctx)
	}
	return rep
}

// ── Queries ────────────────────────────────────────────────

// Get returns a copy of one instance.
func (r *InstanceRegistry) Get(id string) (domain.Instance, error) {
	e, err := r.lockEntry(id)
	if err != nil {
		return domain.Instance{}, err
	}
	defer e.mu.Unlock()
	return e.inst.Clone(), nil
}

// List returns every instance in registration order.
func (r *InstanceRegistry) List() []domain.Instance {
	entries := r.snapshotEntries()
	out := make([]domain.Instance, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.inst.Clone())
		e.mu.Unlock()
	}
	return out
}

// Search filters instances by a case-insensitive substring of the name or
// engine. An empty query matches everything.
func (r *InstanceRegistry) Search(q string) []domain.Instance {
	q = strings.ToLower(strings.TrimSpace(q))
	all := r.List()
	if q == "" {
		return all
	}
	out := all[:0]
	for _, inst := range all {
		if strings.Contains(strings.ToLower(inst.Name), q) ||
			strings.Contains(strings.ToLower(string(inst.Engine)), q) {
			out = append(out, inst)
		}
	}
	return out
}

// Counts fills the server counters of a dashboard.
func (r *InstanceRegistry) Counts() domain.Dashboard {
	var d domain.Dashboard
	for _, inst := range r.List() {
		d.TotalServers++
		switch inst.Status {
		case domain.InstanceRunning:
			d.Running++
		case domain.InstanceStopped:
			d.Stopped++
		}
	}
	return d
}

// UsedPorts returns the ports held by registered instances, ascending.
func (r *InstanceRegistry) UsedPorts() []uint16 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ports := make([]uint16, 0, len(r.entries))
	for _, e := range r.entries {
		ports = append(ports, e.inst.Port)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	return ports
}

// Close stops pending installs and waits for them.
func (r *InstanceRegistry) Close() {
	r.stop()
	r.wg.Wait()
}

// ── Internals ──────────────────────────────────────────────

func (r *InstanceRegistry) entry(id string) (*instanceEntry, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrInstanceNotFound, id)
	}
	return e, nil
}

// lockEntry returns the entry for id with its lock held. An entry deleted
// after the lookup counts as not found.
func (r *InstanceRegistry) lockEntry(id string) (*instanceEntry, error) {
	e, err := r.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrInstanceNotFound, id)
	}
	return e, nil
}

func (r *InstanceRegistry) snapshotEntries() []*instanceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*instanceEntry, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id])
	}
	return out
}

func checkStatus(inst domain.Instance, want domain.InstanceStatus) error {
	if inst.Status == want {
		return nil
	}
	if inst.Status.Busy() {
		return fmt.Errorf("%w: instance %s is %s", domain.ErrInstanceBusy, inst.ID, inst.Status)
	}
	return fmt.Errorf("%w: instance %s is %s, not %s", domain.ErrInvalidTransition, inst.ID, inst.Status, want)
}

func (r *InstanceRegistry) portUsedLocked(port uint16) bool {
	for _, e := range r.entries {
		if e.inst.Port == port {
			return true
		}
	}
	return false
}

func (r *InstanceRegistry) nextFreePortLocked(from uint16) (uint16, error) {
	for p := uint32(from); p <= 65535; p++ {
		if !r.portUsedLocked(uint16(p)) {
			return uint16(p), nil
		}
	}
	return 0, fmt.Errorf("%w: no free port at or above %d", domain.ErrDuplicatePort, from)
}

func (r *InstanceRegistry) allocatePortLocked(requested, def uint16) (uint16, error) {
	if requested != 0 {
		if r.portUsedLocked(requested) {
			return 0, fmt.Errorf("%w: port %d is already in use", domain.ErrDuplicatePort, requested)
		}
		return requested, nil
	}
	if r.autoPorts {
		return r.nextFreePortLocked(def)
	}
	if r.portUsedLocked(def) {
		return 0, fmt.Errorf("%w: default port %d is already in use", domain.ErrDuplicatePort, def)
	}
	return def, nil
}

func (r *InstanceRegistry) persist(inst *domain.Instance) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.SaveInstance(inst); err != nil {
		return fmt.Errorf("save instance: %w", err)
	}
	return nil
}

// persistLogged is used after a transition has been committed in memory;
// a store failure is logged rather than rolled back.
func (r *InstanceRegistry) persistLogged(inst *domain.Instance) {
	if err := r.persist(inst); err != nil {
		log.Error().Str("instance", inst.ID).Err(err).Msg("persist instance")
	}
}

func (r *InstanceRegistry) publish(ctx context.Context) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	r.emitter.Emit(ctx, EventInstancesChanged, r.List())
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
