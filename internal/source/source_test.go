package source_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"devstack/internal/domain"
	"devstack/internal/service"
	"devstack/internal/source"
)

// ─────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────

type drained struct {
	delta int64
	total int64
	done  bool
	err   error
}

func drain(t *testing.T, ch <-chan service.Chunk) drained {
	t.Helper()
	var out drained
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return out
			}
			out.delta += c.Delta
			if c.Total > 0 {
				out.total = c.Total
			}
			if c.Done {
				out.done = true
			}
			if c.Err != nil {
				out.err = c.Err
			}
		case <-timeout:
			t.Fatal("timed out draining stream")
		}
	}
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func mirror(t *testing.T, content []byte, hits *atomic.Int32, failFirst int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		if n <= failFirst {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		switch r.URL.Path {
		case "/postgresql/postgresql-16.1.tar.gz":
			http.ServeContent(w, r, "archive", time.Time{}, bytes.NewReader(content))
		case "/postgresql/index.json":
			w.Write([]byte(`["15.3","16.1","14.8"]`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newHTTPSource(url, dir string) *source.HTTPSource {
	return source.NewHTTPSource(source.HTTPSourceConfig{
		BaseURL: url, DownloadDir: dir, MaxTries: 5, RetryInterval: time.Millisecond,
	})
}

func assertFile(t *testing.T, path string, want []byte) {
	t.Helper()
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("file %s has %d bytes, want %d matching bytes", path, len(got), len(want))
	}
}

// ─────────────────────────────────────────────────────────────
// HTTPSource
// ─────────────────────────────────────────────────────────────

func TestHTTPSource_FullDownload(t *testing.T) {
	content := payload(100_000)
	var hits atomic.Int32
	srv := mirror(t, content, &hits, 0)
	dir := t.TempDir()

	ch, err := newHTTPSource(srv.URL, dir).Fetch(context.Background(), service.FetchRequest{
		Engine: domain.EnginePostgreSQL, Version: "16.1",
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	res := drain(t, ch)
	if res.err != nil || !res.done {
		t.Fatalf("expected clean completion, got %+v", res)
	}
	if res.delta != int64(len(content)) || res.total != int64(len(content)) {
		t.Errorf("expected %d bytes, got delta %d total %d", len(content), res.delta, res.total)
	}
	assertFile(t, source.ArtifactPath(dir, domain.EnginePostgreSQL, "16.1"), content)
	if _, err := os.Stat(source.PartialPath(dir, service.FetchRequest{Engine: domain.EnginePostgreSQL, Version: "16.1"})); !os.IsNotExist(err) {
		t.Error("expected partial file renamed away")
	}
}

func TestHTTPSource_ResumeWithRange(t *testing.T) {
	content := payload(50_000)
	var hits atomic.Int32
	srv := mirror(t, content, &hits, 0)
	dir := t.TempDir()

	const offset = 20_000
	// Extra bytes past the offset must be discarded.
	if err := os.WriteFile(source.PartialPath(dir, service.FetchRequest{Engine: domain.EnginePostgreSQL, Version: "16.1"}), content[:offset+10], 0o644); err != nil {
		t.Fatal(err)
	}
	ch, err := newHTTPSource(srv.URL, dir).Fetch(context.Background(), service.FetchRequest{
		Engine: domain.EnginePostgreSQL, Version: "16.1", Offset: offset,
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	res := drain(t, ch)
	if !res.done || res.delta != int64(len(content)-offset) || res.total != int64(len(content)) {
		t.Fatalf("unexpected resume result %+v", res)
	}
	assertFile(t, source.ArtifactPath(dir, domain.EnginePostgreSQL, "16.1"), content)
}

func TestHTTPSource_RangeIgnored(t *testing.T) {
	content := payload(1000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.Write(content)
	}))
	defer srv.Close()
	dir := t.TempDir()
	os.WriteFile(source.PartialPath(dir, service.FetchRequest{Engine: domain.EngineRedis, Version: "7.0.11"}), content[:400], 0o644)

	ch, err := newHTTPSource(srv.URL, dir).Fetch(context.Background(), service.FetchRequest{
		Engine: domain.EngineRedis, Version: "7.0.11", Offset: 400,
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	res := drain(t, ch)
	if !res.done || res.delta != 600 {
		t.Fatalf("expected 600 new bytes, got %+v", res)
	}
	assertFile(t, source.ArtifactPath(dir, domain.EngineRedis, "7.0.11"), content)
}

func TestHTTPSource_RetriesServerErrors(t *testing.T) {
	content := payload(10)
	var hits atomic.Int32
	srv := mirror(t, content, &hits, 2)

	ch, err := newHTTPSource(srv.URL, t.TempDir()).Fetch(context.Background(), service.FetchRequest{
		Engine: domain.EnginePostgreSQL, Version: "16.1",
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res := drain(t, ch); !res.done {
		t.Fatalf("expected completion, got %+v", res)
	}
	if hits.Load() != 3 {
		t.Errorf("expected 3 requests, got %d", hits.Load())
	}
}

func TestHTTPSource_NotFoundIsPermanent(t *testing.T) {
	var hits atomic.Int32
	srv := mirror(t, nil, &hits, 0)

	_, err := newHTTPSource(srv.URL, t.TempDir()).Fetch(context.Background(), service.FetchRequest{
		Engine: domain.EngineMongoDB, Version: "7.0.0",
	})
	if err == nil {
		t.Fatal("expected error for missing artifact")
	}
	if hits.Load() != 1 {
		t.Errorf("expected a single request, got %d", hits.Load())
	}
}

func TestHTTPSource_CancelStopsStream(t *testing.T) {
	content := payload(1_000_000)
	var hits atomic.Int32
	srv := mirror(t, content, &hits, 0)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := newHTTPSource(srv.URL, t.TempDir()).Fetch(ctx, service.FetchRequest{
		Engine: domain.EnginePostgreSQL, Version: "16.1",
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	<-ch
	cancel()
	res := drain(t, ch)
	if res.done {
		t.Error("cancelled stream must not report completion")
	}
}

func TestHTTPSource_Versions(t *testing.T) {
	var hits atomic.Int32
	srv := mirror(t, nil, &hits, 0)

	versions, err := newHTTPSource(srv.URL, t.TempDir()).Versions(context.Background(), domain.EnginePostgreSQL)
	if err != nil {
		t.Fatalf("Versions: %v", err)
	}
	want := []string{"16.1", "15.3", "14.8"}
	if len(versions) != len(want) {
		t.Fatalf("expected %v, got %v", want, versions)
	}
	for i := range want {
		if versions[i] != want[i] {
			t.Errorf("expected %v, got %v", want, versions)
		}
	}
}

// ─────────────────────────────────────────────────────────────
// DirSource
// ─────────────────────────────────────────────────────────────

func writeMirror(t *testing.T, root string, engine domain.EngineKind, version string, content []byte) {
	t.Helper()
	dir := filepath.Join(root, string(engine))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, source.ArtifactName(engine, version)), content, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestDirSource_FetchAndResume(t *testing.T) {
	root, dl := t.TempDir(), t.TempDir()
	content := payload(70_000)
	writeMirror(t, root, domain.EngineMySQL, "8.0.34", content)
	src := source.NewDirSource(root, dl)

	os.MkdirAll(dl, 0o755)
	os.WriteFile(source.PartialPath(dl, service.FetchRequest{Engine: domain.EngineMySQL, Version: "8.0.34"}), content[:1000], 0o644)
	ch, err := src.Fetch(context.Background(), service.FetchRequest{Engine: domain.EngineMySQL, Version: "8.0.34", Offset: 1000})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	res := drain(t, ch)
	if !res.done || res.delta != 69_000 || res.total != 70_000 {
		t.Fatalf("unexpected result %+v", res)
	}
	assertFile(t, source.ArtifactPath(dl, domain.EngineMySQL, "8.0.34"), content)
}

func TestDirSource_SameVersionTransfersDoNotCollide(t *testing.T) {
	root, dl := t.TempDir(), t.TempDir()
	content := payload(2 << 20)
	writeMirror(t, root, domain.EnginePostgreSQL, "14.8", content)
	src := source.NewDirSource(root, dl)

	ids := []string{"dl-a", "dl-b"}
	results := make([]drained, len(ids))
	done := make(chan int, len(ids))
	for i, id := range ids {
		ch, err := src.Fetch(context.Background(), service.FetchRequest{
			DownloadID: id, Engine: domain.EnginePostgreSQL, Version: "14.8",
		})
		if err != nil {
			t.Fatalf("Fetch(%s): %v", id, err)
		}
		go func(i int, ch <-chan service.Chunk) {
			for c := range ch {
				results[i].delta += c.Delta
				results[i].done = results[i].done || c.Done
				if c.Err != nil {
					results[i].err = c.Err
				}
			}
			done <- i
		}(i, ch)
	}
	for range ids {
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Fatal("timed out waiting for transfers")
		}
	}

	for i, res := range results {
		if res.err != nil || !res.done || res.delta != int64(len(content)) {
			t.Errorf("transfer %s: unexpected result %+v", ids[i], res)
		}
		req := service.FetchRequest{DownloadID: ids[i], Engine: domain.EnginePostgreSQL, Version: "14.8"}
		if _, err := os.Stat(source.PartialPath(dl, req)); !os.IsNotExist(err) {
			t.Errorf("transfer %s left its partial file behind", ids[i])
		}
	}
	assertFile(t, source.ArtifactPath(dl, domain.EnginePostgreSQL, "14.8"), content)
}

func TestDirSource_DiscardRemovesPartial(t *testing.T) {
	dl := t.TempDir()
	src := source.NewDirSource(t.TempDir(), dl)
	req := service.FetchRequest{DownloadID: "dl-1", Engine: domain.EngineRedis, Version: "7.0.11"}
	path := source.PartialPath(dl, req)
	if err := os.WriteFile(path, []byte("half"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := src.Discard(req); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected partial file removed")
	}
	if err := src.Discard(req); err != nil {
		t.Errorf("Discard of a missing file: %v", err)
	}
}

func TestDirSource_MissingVersion(t *testing.T) {
	src := source.NewDirSource(t.TempDir(), t.TempDir())
	_, err := src.Fetch(context.Background(), service.FetchRequest{Engine: domain.EngineMySQL, Version: "9.9"})
	if !errors.Is(err, domain.ErrUnknownVersion) {
		t.Errorf("expected ErrUnknownVersion, got %v", err)
	}
}

func TestDirSource_ResumePastPartialFails(t *testing.T) {
	root := t.TempDir()
	writeMirror(t, root, domain.EngineMySQL, "8.0.34", payload(100))
	src := source.NewDirSource(root, t.TempDir())
	_, err := src.Fetch(context.Background(), service.FetchRequest{Engine: domain.EngineMySQL, Version: "8.0.34", Offset: 50})
	if err == nil {
		t.Error("expected error when the partial file is shorter than the offset")
	}
}

func TestDirSource_Versions(t *testing.T) {
	root := t.TempDir()
	for _, v := range []string{"5.7.42", "8.0.34", "8.0.33"} {
		writeMirror(t, root, domain.EngineMySQL, v, []byte("x"))
	}
	os.WriteFile(filepath.Join(root, "mysql", "README"), []byte("ignored"), 0o644)

	versions, err := source.NewDirSource(root, t.TempDir()).Versions(context.Background(), domain.EngineMySQL)
	if err != nil {
		t.Fatalf("Versions: %v", err)
	}
	if len(versions) != 3 || versions[0] != "8.0.34" || versions[2] != "5.7.42" {
		t.Errorf("unexpected versions %v", versions)
	}

	none, err := source.NewDirSource(root, t.TempDir()).Versions(context.Background(), domain.EngineRedis)
	if err != nil || len(none) != 0 {
		t.Errorf("expected no versions for unmirrored engine, got %v (%v)", none, err)
	}
}

// ─────────────────────────────────────────────────────────────
// DirInstaller
// ─────────────────────────────────────────────────────────────

func TestDirInstaller_Install(t *testing.T) {
	dl, servers := t.TempDir(), t.TempDir()
	content := payload(500)
	os.WriteFile(source.ArtifactPath(dl, domain.EnginePostgreSQL, "16.1"), content, 0o644)

	inst := source.NewDirInstaller(dl, servers)
	if err := inst.Install(context.Background(), domain.EnginePostgreSQL, "16.1"); err != nil {
		t.Fatalf("Install: %v", err)
	}
	assertFile(t, filepath.Join(inst.Path(domain.EnginePostgreSQL, "16.1"), source.ArtifactName(domain.EnginePostgreSQL, "16.1")), content)
	if _, err := os.Stat(source.ArtifactPath(dl, domain.EnginePostgreSQL, "16.1")); !os.IsNotExist(err) {
		t.Error("expected archive moved out of the download dir")
	}

	installed, err := inst.Installed(domain.EnginePostgreSQL)
	if err != nil || len(installed) != 1 || installed[0] != "16.1" {
		t.Errorf("unexpected installed versions %v (%v)", installed, err)
	}
}

func TestDirInstaller_MissingArchive(t *testing.T) {
	inst := source.NewDirInstaller(t.TempDir(), t.TempDir())
	if err := inst.Install(context.Background(), domain.EngineRedis, "7.0.11"); err == nil {
		t.Error("expected error for missing archive")
	}
}

func TestDirInstaller_SecondInstallOfSameVersion(t *testing.T) {
	dl, servers := t.TempDir(), t.TempDir()
	os.WriteFile(source.ArtifactPath(dl, domain.EnginePostgreSQL, "14.8"), payload(300), 0o644)

	inst := source.NewDirInstaller(dl, servers)
	ctx := context.Background()
	if err := inst.Install(ctx, domain.EnginePostgreSQL, "14.8"); err != nil {
		t.Fatalf("first Install: %v", err)
	}
	// The archive was already moved by the first transfer's install.
	if err := inst.Install(ctx, domain.EnginePostgreSQL, "14.8"); err != nil {
		t.Errorf("second Install: %v", err)
	}
}
