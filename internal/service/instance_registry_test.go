package service_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"devstack/internal/domain"
	"devstack/internal/service"
)

// gateInstaller blocks each install until the test releases it.
type gateInstaller struct {
	calls   chan string
	release chan error
}

func newGateInstaller() *gateInstaller {
	return &gateInstaller{calls: make(chan string, 4), release: make(chan error, 4)}
}

func (g *gateInstaller) Install(ctx context.Context, _ domain.EngineKind, version string) error {
	g.calls <- version
	select {
	case err := <-g.release:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// consistencyEmitter records events and checks, at every download
// publication, that no completed switch download is paired with an instance
// still shown as downloading.
type consistencyEmitter struct {
	service.MockEmitter
	reg *service.InstanceRegistry

	mu         sync.Mutex
	violations []string
}

func (c *consistencyEmitter) Emit(ctx context.Context, event string, data any) {
	c.MockEmitter.Emit(ctx, event, data)
	if event != service.EventDownloadsChanged || c.reg == nil {
		return
	}
	for _, d := range data.([]domain.Download) {
		if d.Status != domain.DownloadCompleted || d.InstanceID == "" {
			continue
		}
		inst, err := c.reg.Get(d.InstanceID)
		if err == nil && inst.Status == domain.InstanceDownloading {
			c.mu.Lock()
			c.violations = append(c.violations, d.ID)
			c.mu.Unlock()
		}
	}
}

type registryFixture struct {
	reg       *service.InstanceRegistry
	mgr       *service.DownloadManager
	src       *fakeSource
	store     *memStore
	installer *gateInstaller
	events    *consistencyEmitter
}

func newRegistryFixture(t *testing.T, autoPorts bool) *registryFixture {
	t.Helper()
	f := &registryFixture{
		src:       newFakeSource(),
		store:     newMemStore(),
		installer: newGateInstaller(),
		events:    &consistencyEmitter{},
	}
	f.mgr = service.NewDownloadManager(f.src, f.events, service.DownloadManagerConfig{})
	f.reg = service.NewInstanceRegistry(service.RegistryOptions{
		Store:           f.store,
		Downloads:       f.mgr,
		Installer:       f.installer,
		Emitter:         f.events,
		AutoAssignPorts: autoPorts,
	})
	f.events.reg = f.reg
	t.Cleanup(func() {
		f.reg.Close()
		f.mgr.Close()
	})
	return f
}

func (f *registryFixture) mustGet(t *testing.T, id string) domain.Instance {
	t.Helper()
	inst, err := f.reg.Get(id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return inst
}

func (f *registryFixture) waitInstance(t *testing.T, id string, cond func(domain.Instance) bool) domain.Instance {
	t.Helper()
	var inst domain.Instance
	waitFor(t, "instance "+id, func() bool {
		inst = f.mustGet(t, id)
		return cond(inst)
	})
	return inst
}

// statusTrail returns the distinct consecutive statuses published for id.
func (f *registryFixture) statusTrail(id string) []domain.InstanceStatus {
	var trail []domain.InstanceStatus
	for _, ev := range f.events.Recorded() {
		if ev.Event != service.EventInstancesChanged {
			continue
		}
		for _, inst := range ev.Data.([]domain.Instance) {
			if inst.ID != id {
				continue
			}
			if len(trail) == 0 || trail[len(trail)-1] != inst.Status {
				trail = append(trail, inst.Status)
			}
		}
	}
	return trail
}

// ─────────────────────────────────────────────────────────────
// Version switch
// ─────────────────────────────────────────────────────────────

func TestInstanceRegistry_PostgresVersionSwitch(t *testing.T) {
	f := newRegistryFixture(t, true)
	ctx := context.Background()

	id, err := f.reg.Add(ctx, service.AddInstanceInput{Engine: domain.EnginePostgreSQL, Port: 5432, Version: "15.3"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := f.reg.Start(ctx, id); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := f.mustGet(t, id).Status; got != domain.InstanceRunning {
		t.Fatalf("expected running, got %s", got)
	}

	if err := f.reg.ChangeVersion(ctx, id, "14.8"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("ChangeVersion while running: expected ErrInvalidTransition, got %v", err)
	}
	if got := f.mustGet(t, id).CurrentVersion; got != "15.3" {
		t.Fatalf("rejected switch changed version to %s", got)
	}

	if err := f.reg.Stop(ctx, id); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := f.reg.ChangeVersion(ctx, id, "14.8"); err != nil {
		t.Fatalf("ChangeVersion: %v", err)
	}
	inst := f.mustGet(t, id)
	if inst.Status != domain.InstanceDownloading || inst.InstallProgress == nil || *inst.InstallProgress != 0 {
		t.Fatalf("expected downloading at 0%%, got %s %v", inst.Status, inst.InstallProgress)
	}

	st := f.src.next(t)
	if st.req.Version != "14.8" || st.req.Engine != domain.EnginePostgreSQL {
		t.Fatalf("unexpected fetch %+v", st.req)
	}
	st.send(t, service.Chunk{Delta: 50, Total: 100})
	f.waitInstance(t, id, func(i domain.Instance) bool {
		return i.InstallProgress != nil && *i.InstallProgress == 50
	})
	st.send(t, service.Chunk{Delta: 50})
	st.send(t, service.Chunk{Done: true})

	if v := <-f.installer.calls; v != "14.8" {
		t.Fatalf("expected install of 14.8, got %s", v)
	}
	inst = f.mustGet(t, id)
	if inst.Status != domain.InstanceInstalling {
		t.Fatalf("expected installing while installer runs, got %s", inst.Status)
	}
	downloads := f.mgr.List()
	if len(downloads) != 1 || downloads[0].Status != domain.DownloadCompleted {
		t.Fatalf("expected one completed download, got %+v", downloads)
	}

	f.installer.release <- nil
	inst = f.waitInstance(t, id, func(i domain.Instance) bool { return i.Status == domain.InstanceStopped })
	if inst.CurrentVersion != "14.8" {
		t.Errorf("expected currentVersion 14.8, got %s", inst.CurrentVersion)
	}
	if inst.InstallProgress != nil {
		t.Errorf("expected no progress once stopped, got %d", *inst.InstallProgress)
	}
	if row, ok := f.store.get(id); !ok || row.CurrentVersion != "14.8" {
		t.Errorf("expected persisted version 14.8, got %+v", row)
	}

	want := []domain.InstanceStatus{
		domain.InstanceStopped, domain.InstanceRunning, domain.InstanceStopped,
		domain.InstanceDownloading, domain.InstanceInstalling, domain.InstanceStopped,
	}
	got := f.statusTrail(id)
	if len(got) != len(want) {
		t.Fatalf("expected trail %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected trail %v, got %v", want, got)
		}
	}
	if len(f.events.violations) != 0 {
		t.Errorf("observed completed download with downloading instance: %v", f.events.violations)
	}
}

func TestInstanceRegistry_ProgressDefinedOnlyWhileBusy(t *testing.T) {
	f := newRegistryFixture(t, true)
	ctx := context.Background()

	id, _ := f.reg.Add(ctx, service.AddInstanceInput{Engine: domain.EngineRedis})
	if err := f.reg.ChangeVersion(ctx, id, "6.2.12"); err != nil {
		t.Fatalf("ChangeVersion: %v", err)
	}
	st := f.src.next(t)
	st.send(t, service.Chunk{Delta: 1, Total: 2})
	st.send(t, service.Chunk{Delta: 1})
	st.send(t, service.Chunk{Done: true})
	<-f.installer.calls
	f.installer.release <- nil
	f.waitInstance(t, id, func(i domain.Instance) bool { return i.Status == domain.InstanceStopped && i.CurrentVersion == "6.2.12" })

	for _, ev := range f.events.Recorded() {
		if ev.Event != service.EventInstancesChanged {
			continue
		}
		for _, inst := range ev.Data.([]domain.Instance) {
			if inst.Status.Busy() != (inst.InstallProgress != nil) {
				t.Fatalf("status %s with progress %v", inst.Status, inst.InstallProgress)
			}
		}
	}
}

func TestInstanceRegistry_BusyRejectsIntents(t *testing.T) {
	f := newRegistryFixture(t, true)
	ctx := context.Background()

	id, _ := f.reg.Add(ctx, service.AddInstanceInput{Engine: domain.EngineMySQL, Version: "8.0.34"})
	if err := f.reg.ChangeVersion(ctx, id, "5.7.42"); err != nil {
		t.Fatalf("ChangeVersion: %v", err)
	}
	f.src.next(t)
	before := f.mustGet(t, id)

	intents := map[string]func() error{
		"start":         func() error { return f.reg.Start(ctx, id) },
		"stop":          func() error { return f.reg.Stop(ctx, id) },
		"delete":        func() error { return f.reg.Delete(ctx, id) },
		"changeVersion": func() error { return f.reg.ChangeVersion(ctx, id, "8.0.33") },
	}
	for name, fn := range intents {
		if err := fn(); !errors.Is(err, domain.ErrInstanceBusy) {
			t.Errorf("%s while downloading: expected ErrInstanceBusy, got %v", name, err)
		}
	}
	after := f.mustGet(t, id)
	if after.Status != before.Status || after.CurrentVersion != before.CurrentVersion {
		t.Errorf("busy rejection changed state: %+v -> %+v", before, after)
	}
}

func TestInstanceRegistry_CancelledSwitchSettlesStopped(t *testing.T) {
	f := newRegistryFixture(t, true)
	ctx := context.Background()

	id, _ := f.reg.Add(ctx, service.AddInstanceInput{Engine: domain.EngineMongoDB, Version: "7.0.0"})
	if err := f.reg.ChangeVersion(ctx, id, "6.0.6"); err != nil {
		t.Fatalf("ChangeVersion: %v", err)
	}
	f.src.next(t)
	downloads := f.mgr.List()
	if len(downloads) != 1 {
		t.Fatalf("expected one download, got %d", len(downloads))
	}
	if err := f.mgr.Cancel(ctx, downloads[0].ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	inst := f.mustGet(t, id)
	if inst.Status != domain.InstanceStopped {
		t.Fatalf("expected stopped after cancel, got %s", inst.Status)
	}
	if inst.CurrentVersion != "7.0.0" {
		t.Errorf("expected version unchanged, got %s", inst.CurrentVersion)
	}
	if inst.LastError == "" {
		t.Error("expected LastError to describe the cancelled switch")
	}
}

func TestInstanceRegistry_FailedInstallKeepsVersion(t *testing.T) {
	f := newRegistryFixture(t, true)
	ctx := context.Background()

	id, _ := f.reg.Add(ctx, service.AddInstanceInput{Engine: domain.EngineMariaDB, Version: "10.11.3"})
	if err := f.reg.ChangeVersion(ctx, id, "10.6.13"); err != nil {
		t.Fatalf("ChangeVersion: %v", err)
	}
	st := f.src.next(t)
	st.send(t, service.Chunk{Delta: 8, Total: 8})
	st.send(t, service.Chunk{Done: true})
	<-f.installer.calls
	f.installer.release <- errors.New("disk full")

	inst := f.waitInstance(t, id, func(i domain.Instance) bool { return i.Status == domain.InstanceStopped })
	if inst.CurrentVersion != "10.11.3" {
		t.Errorf("expected version unchanged, got %s", inst.CurrentVersion)
	}
	if !strings.Contains(inst.LastError, "disk full") {
		t.Errorf("expected install error surfaced, got %q", inst.LastError)
	}
}

func TestInstanceRegistry_ChangeVersionValidation(t *testing.T) {
	f := newRegistryFixture(t, true)
	ctx := context.Background()

	id, _ := f.reg.Add(ctx, service.AddInstanceInput{Engine: domain.EnginePostgreSQL, Version: "15.3"})
	if err := f.reg.ChangeVersion(ctx, id, "9.6"); !errors.Is(err, domain.ErrUnknownVersion) {
		t.Errorf("expected ErrUnknownVersion, got %v", err)
	}
	if err := f.reg.ChangeVersion(ctx, id, "15.3"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("same version: expected ErrInvalidTransition, got %v", err)
	}
	if err := f.reg.ChangeVersion(ctx, "missing", "15.3"); !errors.Is(err, domain.ErrInstanceNotFound) {
		t.Errorf("expected ErrInstanceNotFound, got %v", err)
	}
	if got := f.mustGet(t, id).Status; got != domain.InstanceStopped {
		t.Errorf("rejected switches changed status to %s", got)
	}
}

// ─────────────────────────────────────────────────────────────
// Add / delete
// ─────────────────────────────────────────────────────────────

func TestInstanceRegistry_AddDefaultsAndValidation(t *testing.T) {
	f := newRegistryFixture(t, true)
	ctx := context.Background()

	id, err := f.reg.Add(ctx, service.AddInstanceInput{Engine: domain.EnginePostgreSQL})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	inst := f.mustGet(t, id)
	if inst.Name != "PostgreSQL" || inst.CurrentVersion != "15.3" || inst.Port != 5432 {
		t.Errorf("unexpected defaults: %+v", inst)
	}
	if inst.Status != domain.InstanceStopped {
		t.Errorf("expected stopped, got %s", inst.Status)
	}
	if len(inst.AvailableVersions) == 0 || inst.AvailableVersions[0] != "15.3" {
		t.Errorf("expected newest first, got %v", inst.AvailableVersions)
	}

	if _, err := f.reg.Add(ctx, service.AddInstanceInput{Engine: "oracle"}); !errors.Is(err, domain.ErrUnknownEngine) {
		t.Errorf("expected ErrUnknownEngine, got %v", err)
	}
	if _, err := f.reg.Add(ctx, service.AddInstanceInput{Engine: domain.EngineRedis, Version: "1.0"}); !errors.Is(err, domain.ErrUnknownVersion) {
		t.Errorf("expected ErrUnknownVersion, got %v", err)
	}
	if _, err := f.reg.Add(ctx, service.AddInstanceInput{Engine: domain.EngineRedis, Port: 5432}); !errors.Is(err, domain.ErrDuplicatePort) {
		t.Errorf("expected ErrDuplicatePort, got %v", err)
	}
	if n := len(f.reg.List()); n != 1 {
		t.Errorf("rejected adds registered instances: %d", n)
	}
}

func TestInstanceRegistry_AutoAssignPorts(t *testing.T) {
	f := newRegistryFixture(t, true)
	ctx := context.Background()

	a, _ := f.reg.Add(ctx, service.AddInstanceInput{Engine: domain.EngineMySQL})
	b, err := f.reg.Add(ctx, service.AddInstanceInput{Engine: domain.EngineMariaDB})
	if err != nil {
		t.Fatalf("Add mariadb: %v", err)
	}
	if pa, pb := f.mustGet(t, a).Port, f.mustGet(t, b).Port; pa != 3306 || pb != 3307 {
		t.Errorf("expected ports 3306 and 3307, got %d and %d", pa, pb)
	}
}

func TestInstanceRegistry_DefaultPortTakenWithoutAutoAssign(t *testing.T) {
	f := newRegistryFixture(t, false)
	ctx := context.Background()

	if _, err := f.reg.Add(ctx, service.AddInstanceInput{Engine: domain.EngineMySQL}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := f.reg.Add(ctx, service.AddInstanceInput{Engine: domain.EngineMariaDB}); !errors.Is(err, domain.ErrDuplicatePort) {
		t.Errorf("expected ErrDuplicatePort, got %v", err)
	}
}

func TestInstanceRegistry_Delete(t *testing.T) {
	f := newRegistryFixture(t, true)
	ctx := context.Background()

	id, _ := f.reg.Add(ctx, service.AddInstanceInput{Engine: domain.EngineRedis})
	if _, ok := f.store.get(id); !ok {
		t.Fatal("expected instance persisted on add")
	}
	if err := f.reg.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := f.reg.Get(id); !errors.Is(err, domain.ErrInstanceNotFound) {
		t.Errorf("expected ErrInstanceNotFound, got %v", err)
	}
	if _, ok := f.store.get(id); ok {
		t.Error("expected persisted row removed")
	}
	if err := f.reg.Delete(ctx, id); !errors.Is(err, domain.ErrInstanceNotFound) {
		t.Errorf("second Delete: expected ErrInstanceNotFound, got %v", err)
	}
}

func TestInstanceRegistry_DeleteRacingIntentsStaysDeleted(t *testing.T) {
	f := newRegistryFixture(t, true)
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		id, err := f.reg.Add(ctx, service.AddInstanceInput{Engine: domain.EngineRedis})
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
		if i%2 == 1 {
			if err := f.reg.Start(ctx, id); err != nil {
				t.Fatalf("Start: %v", err)
			}
		}

		var wg sync.WaitGroup
		var intentErr, deleteErr error
		ready := make(chan struct{})
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-ready
			if i%2 == 0 {
				intentErr = f.reg.Start(ctx, id)
			} else {
				intentErr = f.reg.Stop(ctx, id)
			}
		}()
		go func() {
			defer wg.Done()
			<-ready
			deleteErr = f.reg.Delete(ctx, id)
		}()
		close(ready)
		wg.Wait()

		if deleteErr != nil {
			t.Fatalf("iteration %d: Delete: %v", i, deleteErr)
		}
		if intentErr != nil && !errors.Is(intentErr, domain.ErrInstanceNotFound) {
			t.Fatalf("iteration %d: intent after delete: %v", i, intentErr)
		}
		if _, ok := f.store.get(id); ok {
			t.Fatalf("iteration %d: deleted instance was persisted again", i)
		}
		if _, err := f.reg.Get(id); !errors.Is(err, domain.ErrInstanceNotFound) {
			t.Fatalf("iteration %d: expected ErrInstanceNotFound, got %v", i, err)
		}
	}
}

func TestInstanceRegistry_PrefetchAfterDeleteIsDropped(t *testing.T) {
	f := newRegistryFixture(t, true)
	ctx := context.Background()

	id, _ := f.reg.Add(ctx, service.AddInstanceInput{Engine: domain.EnginePostgreSQL})
	dlID, err := f.reg.Download(ctx, id, "16.1")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	st := f.src.next(t)
	if err := f.reg.Delete(ctx, id); err != nil {
		t.Fatalf("Delete during pre-fetch: %v", err)
	}
	st.send(t, service.Chunk{Delta: 4, Total: 4})
	st.send(t, service.Chunk{Done: true})

	waitFor(t, "download completed", func() bool {
		d, ok := f.mgr.Get(dlID)
		return ok && d.Status == domain.DownloadCompleted
	})
	if _, ok := f.store.get(id); ok {
		t.Error("completed pre-fetch brought the deleted instance back")
	}
	if _, err := f.reg.Download(ctx, id, "16.1"); !errors.Is(err, domain.ErrInstanceNotFound) {
		t.Errorf("expected ErrInstanceNotFound, got %v", err)
	}
}

// ─────────────────────────────────────────────────────────────
// Download, catalog, restore, queries
// ─────────────────────────────────────────────────────────────

func TestInstanceRegistry_DownloadMergesVersion(t *testing.T) {
	f := newRegistryFixture(t, true)
	ctx := context.Background()

	id, _ := f.reg.Add(ctx, service.AddInstanceInput{Engine: domain.EnginePostgreSQL})
	if _, err := f.reg.Download(ctx, id, "16.1"); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if got := f.mustGet(t, id).Status; got != domain.InstanceStopped {
		t.Errorf("pre-fetch changed status to %s", got)
	}
	st := f.src.next(t)
	st.send(t, service.Chunk{Delta: 4, Total: 4})
	st.send(t, service.Chunk{Done: true})

	inst := f.waitInstance(t, id, func(i domain.Instance) bool { return i.HasVersion("16.1") })
	if inst.AvailableVersions[0] != "16.1" {
		t.Errorf("expected 16.1 first, got %v", inst.AvailableVersions)
	}
	if inst.CurrentVersion != "15.3" {
		t.Errorf("pre-fetch changed current version to %s", inst.CurrentVersion)
	}
}

func TestInstanceRegistry_MergeCatalog(t *testing.T) {
	f := newRegistryFixture(t, true)
	ctx := context.Background()

	pg, _ := f.reg.Add(ctx, service.AddInstanceInput{Engine: domain.EnginePostgreSQL})
	f.reg.Add(ctx, service.AddInstanceInput{Engine: domain.EngineRedis})

	if n := f.reg.MergeCatalog(ctx, domain.EnginePostgreSQL, []string{"15.4", "15.3"}); n != 1 {
		t.Fatalf("expected 1 instance updated, got %d", n)
	}
	if n := f.reg.MergeCatalog(ctx, domain.EnginePostgreSQL, []string{"15.4"}); n != 0 {
		t.Errorf("expected repeat merge to be a no-op, got %d", n)
	}
	if got := f.mustGet(t, pg).AvailableVersions[0]; got != "15.4" {
		t.Errorf("expected 15.4 first, got %s", got)
	}
}

func TestInstanceRegistry_RestoreRepairs(t *testing.T) {
	f := newRegistryFixture(t, true)
	ctx := context.Background()
	progress := 40
	now := time.Now()

	rows := []domain.Instance{
		{ID: "a", Name: "main", Engine: domain.EnginePostgreSQL, CurrentVersion: "15.3",
			AvailableVersions: []string{"15.3"}, Status: domain.InstanceRunning, Port: 5432, CreatedAt: now},
		{ID: "b", Name: "copy", Engine: domain.EnginePostgreSQL, CurrentVersion: "14.8",
			AvailableVersions: []string{"15.3"}, Status: domain.InstanceDownloading, Port: 5432,
			InstallProgress: &progress, CreatedAt: now},
		{ID: "c", Name: "legacy", Engine: "oracle", CurrentVersion: "19c", Port: 1521},
	}
	rep := f.reg.Restore(ctx, rows, false)
	if rep.Loaded != 2 || rep.Skipped != 1 || rep.Repaired != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}

	a := f.mustGet(t, "a")
	if a.Status != domain.InstanceStopped {
		t.Errorf("expected running dropped to stopped without auto-start, got %s", a.Status)
	}
	b := f.mustGet(t, "b")
	if b.Port != 5433 {
		t.Errorf("expected duplicate port reassigned to 5433, got %d", b.Port)
	}
	if !b.HasVersion("14.8") {
		t.Errorf("expected current version merged into available, got %v", b.AvailableVersions)
	}
	if b.Status != domain.InstanceStopped || b.InstallProgress != nil {
		t.Errorf("expected busy row repaired to stopped, got %s %v", b.Status, b.InstallProgress)
	}
	if row, ok := f.store.get("b"); !ok || row.Port != 5433 {
		t.Errorf("expected repair persisted, got %+v", row)
	}
	if _, err := f.reg.Get("c"); !errors.Is(err, domain.ErrInstanceNotFound) {
		t.Error("expected unknown engine row skipped")
	}
}

func TestInstanceRegistry_RestoreAutoStartKeepsRunning(t *testing.T) {
	f := newRegistryFixture(t, true)
	f.reg.Restore(context.Background(), []domain.Instance{
		{ID: "a", Engine: domain.EngineRedis, CurrentVersion: "7.0.11", Status: domain.InstanceRunning, Port: 6379},
	}, true)
	if got := f.mustGet(t, "a").Status; got != domain.InstanceRunning {
		t.Errorf("expected running kept with auto-start, got %s", got)
	}
}

func TestInstanceRegistry_LoadFromStore(t *testing.T) {
	f := newRegistryFixture(t, true)
	ctx := context.Background()
	id, _ := f.reg.Add(ctx, service.AddInstanceInput{Engine: domain.EngineMongoDB})

	reg := service.NewInstanceRegistry(service.RegistryOptions{Store: f.store, Downloads: f.mgr})
	defer reg.Close()
	rep, err := reg.Load(ctx, false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rep.Loaded != 1 {
		t.Fatalf("expected 1 loaded, got %+v", rep)
	}
	if _, err := reg.Get(id); err != nil {
		t.Errorf("expected %s restored: %v", id, err)
	}
}

func TestInstanceRegistry_SearchAndCounts(t *testing.T) {
	f := newRegistryFixture(t, true)
	ctx := context.Background()

	pg, _ := f.reg.Add(ctx, service.AddInstanceInput{Engine: domain.EnginePostgreSQL, Name: "Billing DB"})
	f.reg.Add(ctx, service.AddInstanceInput{Engine: domain.EngineRedis, Name: "cache"})
	f.reg.Add(ctx, service.AddInstanceInput{Engine: domain.EngineMySQL, Name: "shop"})
	f.reg.Start(ctx, pg)

	if got := f.reg.Search("billing"); len(got) != 1 || got[0].ID != pg {
		t.Errorf("name search: got %+v", got)
	}
	if got := f.reg.Search("REDIS"); len(got) != 1 || got[0].Name != "cache" {
		t.Errorf("engine search: got %+v", got)
	}
	if got := f.reg.Search(""); len(got) != 3 {
		t.Errorf("empty search: expected 3, got %d", len(got))
	}

	c := f.reg.Counts()
	if c.TotalServers != 3 || c.Running != 1 || c.Stopped != 2 {
		t.Errorf("unexpected counts %+v", c)
	}
}
