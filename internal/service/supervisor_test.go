package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"devstack/internal/domain"
	"devstack/internal/service"
)

// ─────────────────────────────────────────────────────────────
// Supervisor fixtures
// ─────────────────────────────────────────────────────────────

// snapshotLog records every snapshot an observer receives.
type snapshotLog struct {
	mu    sync.Mutex
	snaps []domain.Snapshot
}

func (l *snapshotLog) OnSnapshot(s domain.Snapshot) {
	l.mu.Lock()
	l.snaps = append(l.snaps, s)
	l.mu.Unlock()
}

func (l *snapshotLog) all() []domain.Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.Snapshot(nil), l.snaps...)
}

type closingExecutor struct {
	fakeExecutor
	mu     sync.Mutex
	closed []string
}

func (c *closingExecutor) CloseConnection(conn domain.ConnectionInfo) error {
	c.mu.Lock()
	c.closed = append(c.closed, conn.InstanceID)
	c.mu.Unlock()
	return nil
}

func (c *closingExecutor) closedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.closed)
}

type fakeCatalog map[domain.EngineKind][]string

func (f fakeCatalog) Versions(_ context.Context, engine domain.EngineKind) ([]string, error) {
	if engine == domain.EngineRedis {
		return nil, errors.New("mirror offline")
	}
	return f[engine], nil
}

type supervisorFixture struct {
	sup  *service.Supervisor
	src  *fakeSource
	exec *closingExecutor
	log  *snapshotLog
}

func newSupervisor(t *testing.T, catalog service.VersionCatalog) *supervisorFixture {
	t.Helper()
	f := &supervisorFixture{src: newFakeSource(), log: &snapshotLog{}}
	f.exec = &closingExecutor{fakeExecutor: fakeExecutor{run: func(_ context.Context, _ domain.ConnectionInfo, q string) (*domain.ResultSet, error) {
		return &domain.ResultSet{Columns: []string{"q"}, Rows: []domain.Row{{"q": q}}}, nil
	}}}
	f.sup = service.NewSupervisor(service.SupervisorOptions{
		Store:           newMemStore(),
		Source:          f.src,
		Executor:        f.exec,
		Catalog:         catalog,
		MaxConcurrent:   2,
		AutoAssignPorts: true,
	})
	if _, err := f.sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	unsubscribe := f.sup.Subscribe(f.log)
	t.Cleanup(func() {
		unsubscribe()
		f.sup.Close()
	})
	return f
}

func (f *supervisorFixture) addRunning(t *testing.T, engine domain.EngineKind) string {
	t.Helper()
	ctx := context.Background()
	id, err := f.sup.AddInstance(ctx, service.AddInstanceInput{Engine: engine})
	if err != nil {
		t.Fatalf("AddInstance: %v", err)
	}
	if err := f.sup.StartInstance(ctx, id); err != nil {
		t.Fatalf("StartInstance: %v", err)
	}
	return id
}

// ─────────────────────────────────────────────────────────────
// Snapshots
// ─────────────────────────────────────────────────────────────

func TestSupervisor_SnapshotsAreOrderedAndConsistent(t *testing.T) {
	f := newSupervisor(t, nil)
	ctx := context.Background()

	id, err := f.sup.AddInstance(ctx, service.AddInstanceInput{Engine: domain.EnginePostgreSQL, Version: "15.3"})
	if err != nil {
		t.Fatalf("AddInstance: %v", err)
	}
	if err := f.sup.ChangeVersion(ctx, id, "14.8"); err != nil {
		t.Fatalf("ChangeVersion: %v", err)
	}
	st := f.src.next(t)
	st.send(t, service.Chunk{Total: 100})
	st.send(t, service.Chunk{Delta: 60})
	st.send(t, service.Chunk{Delta: 40, Done: true})

	waitFor(t, "switch to finish", func() bool {
		inst, _ := f.sup.Instance(id)
		return inst.Status == domain.InstanceStopped && inst.CurrentVersion == "14.8"
	})

	snaps := f.log.all()
	if len(snaps) < 2 {
		t.Fatalf("expected several snapshots, got %d", len(snaps))
	}
	for i, s := range snaps {
		if i > 0 && s.Seq <= snaps[i-1].Seq {
			t.Fatalf("snapshot %d has seq %d after %d", i, s.Seq, snaps[i-1].Seq)
		}
		for _, d := range s.Downloads {
			if d.Status != domain.DownloadCompleted {
				continue
			}
			for _, inst := range s.Instances {
				if inst.ID == d.InstanceID && inst.Status == domain.InstanceDownloading {
					t.Fatalf("seq %d: download completed while instance still downloading", s.Seq)
				}
			}
		}
	}

	last := f.sup.Snapshot()
	if last.Seq != snaps[len(snaps)-1].Seq {
		t.Errorf("expected Snapshot to carry the last seq %d, got %d", snaps[len(snaps)-1].Seq, last.Seq)
	}
}

func TestSupervisor_Unsubscribe(t *testing.T) {
	f := newSupervisor(t, nil)
	extra := &snapshotLog{}
	unsubscribe := f.sup.Subscribe(extra)
	if n := len(extra.all()); n != 1 {
		t.Fatalf("expected the current snapshot on subscribe, got %d", n)
	}
	unsubscribe()
	unsubscribe()

	f.sup.AddInstance(context.Background(), service.AddInstanceInput{Engine: domain.EngineRedis})
	if n := len(extra.all()); n != 1 {
		t.Errorf("expected no snapshots after unsubscribe, got %d", n)
	}
}

func TestSupervisor_Dashboard(t *testing.T) {
	f := newSupervisor(t, nil)
	ctx := context.Background()
	f.addRunning(t, domain.EngineMySQL)
	stopped, _ := f.sup.AddInstance(ctx, service.AddInstanceInput{Engine: domain.EngineMongoDB})

	if _, err := f.sup.DownloadVersion(ctx, stopped, "7.0.1"); err != nil {
		t.Fatalf("DownloadVersion: %v", err)
	}
	f.src.next(t)
	waitFor(t, "download to start", func() bool { return f.sup.Dashboard().ActiveDownloads == 1 })

	d := f.sup.Dashboard()
	if d.TotalServers != 2 || d.Running != 1 || d.Stopped != 1 {
		t.Errorf("unexpected dashboard %+v", d)
	}
}

// ─────────────────────────────────────────────────────────────
// Sessions
// ─────────────────────────────────────────────────────────────

func TestSupervisor_OpenSessionRequiresRunning(t *testing.T) {
	f := newSupervisor(t, nil)
	ctx := context.Background()
	id, _ := f.sup.AddInstance(ctx, service.AddInstanceInput{Engine: domain.EnginePostgreSQL})

	if _, err := f.sup.OpenSession(ctx, service.OpenSessionInput{InstanceID: id}); !errors.Is(err, domain.ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
	if _, err := f.sup.OpenSession(ctx, service.OpenSessionInput{InstanceID: "nope"}); !errors.Is(err, domain.ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound, got %v", err)
	}

	f.sup.StartInstance(ctx, id)
	qs, err := f.sup.OpenSession(ctx, service.OpenSessionInput{InstanceID: id, Password: "secret"})
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	conn := qs.Connection()
	if conn.Host != "localhost" || conn.Username != "postgres" || conn.Port != 5432 {
		t.Errorf("unexpected connection defaults %+v", conn)
	}

	snap := f.sup.Snapshot()
	if len(snap.Sessions) != 1 || snap.Sessions[0].Connection.Password != "***" {
		t.Errorf("expected one redacted session, got %+v", snap.Sessions)
	}
}

func TestSupervisor_SessionExecutes(t *testing.T) {
	f := newSupervisor(t, nil)
	ctx := context.Background()
	id := f.addRunning(t, domain.EngineMySQL)

	qs, err := f.sup.OpenSession(ctx, service.OpenSessionInput{InstanceID: id})
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if qs.Connection().Username != "root" {
		t.Errorf("expected mysql default user root, got %q", qs.Connection().Username)
	}
	tab := qs.ActiveTabID()
	qs.EditQuery(ctx, tab, "SELECT 1")
	if err := qs.Execute(ctx, tab); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	qs.Wait(ctx)

	got, err := f.sup.Session(qs.ID())
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	res, _ := got.Tab(tab)
	if res.State != domain.ExecSucceeded {
		t.Errorf("expected succeeded, got %s", res.State)
	}
}

func TestSupervisor_CloseSessionReleasesUnsharedConnection(t *testing.T) {
	f := newSupervisor(t, nil)
	ctx := context.Background()
	id := f.addRunning(t, domain.EngineRedis)

	a, _ := f.sup.OpenSession(ctx, service.OpenSessionInput{InstanceID: id})
	b, _ := f.sup.OpenSession(ctx, service.OpenSessionInput{InstanceID: id})

	if err := f.sup.CloseSession(ctx, a.ID()); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if f.exec.closedCount() != 0 {
		t.Error("connection still used by another session must stay open")
	}
	if err := f.sup.CloseSession(ctx, b.ID()); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if f.exec.closedCount() != 1 {
		t.Errorf("expected connection released once, got %d", f.exec.closedCount())
	}
	if err := f.sup.CloseSession(ctx, b.ID()); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
	if _, err := f.sup.Session(a.ID()); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSupervisor_DeleteInstanceClosesSessions(t *testing.T) {
	f := newSupervisor(t, nil)
	ctx := context.Background()
	id := f.addRunning(t, domain.EnginePostgreSQL)
	other := f.addRunning(t, domain.EngineMySQL)

	qs, _ := f.sup.OpenSession(ctx, service.OpenSessionInput{InstanceID: id})
	keep, _ := f.sup.OpenSession(ctx, service.OpenSessionInput{InstanceID: other})

	if err := f.sup.DeleteInstance(ctx, id); err != nil {
		t.Fatalf("DeleteInstance: %v", err)
	}
	if _, err := f.sup.Session(qs.ID()); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("expected session of deleted instance closed, got %v", err)
	}
	if _, err := f.sup.Session(keep.ID()); err != nil {
		t.Errorf("expected unrelated session kept, got %v", err)
	}
	if _, err := qs.OpenTab(ctx); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("expected closed session to reject intents, got %v", err)
	}
}

func TestSupervisor_DefaultDatabases(t *testing.T) {
	f := newSupervisor(t, nil)
	dbs, err := f.sup.DefaultDatabases(domain.EnginePostgreSQL)
	if err != nil || len(dbs) != 3 || dbs[0] != "postgres" {
		t.Errorf("unexpected postgres defaults %v (%v)", dbs, err)
	}
	if _, err := f.sup.DefaultDatabases("oracle"); !errors.Is(err, domain.ErrUnknownEngine) {
		t.Errorf("expected ErrUnknownEngine, got %v", err)
	}
}

// ─────────────────────────────────────────────────────────────
// Update checks
// ─────────────────────────────────────────────────────────────

func TestSupervisor_CheckUpdates(t *testing.T) {
	f := newSupervisor(t, fakeCatalog{
		domain.EnginePostgreSQL: {"16.1", "15.3"},
	})
	ctx := context.Background()
	id, _ := f.sup.AddInstance(ctx, service.AddInstanceInput{Engine: domain.EnginePostgreSQL})

	added, err := f.sup.CheckUpdates(ctx)
	if added != 1 {
		t.Errorf("expected 1 new version, got %d", added)
	}
	if err == nil {
		t.Error("expected the redis catalog failure to be reported")
	}
	inst, _ := f.sup.Instance(id)
	if !inst.HasVersion("16.1") || inst.AvailableVersions[0] != "16.1" {
		t.Errorf("expected 16.1 merged first, got %v", inst.AvailableVersions)
	}
}
