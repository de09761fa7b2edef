// Package source provides the byte sources and installer behind the
// download manager: an HTTP mirror, a local mirror directory and a
// directory installer.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"devstack/internal/domain"
	"devstack/internal/service"
)

const chunkSize = 32 * 1024

// ArtifactName is the file name of one engine version's archive.
func ArtifactName(engine domain.EngineKind, version string) string {
	return fmt.Sprintf("%s-%s.tar.gz", engine, version)
}

// ArtifactPath is where a finished download lands inside dir.
func ArtifactPath(dir string, engine domain.EngineKind, version string) string {
	return filepath.Join(dir, ArtifactName(engine, version))
}

// PartialPath holds the bytes of a download that has not finished yet.
// Each download writes its own partial file, so transfers of the same
// version never share one.
func PartialPath(dir string, req service.FetchRequest) string {
	base := ArtifactPath(dir, req.Engine, req.Version)
	if req.DownloadID == "" {
		return base + ".part"
	}
	return base + "." + req.DownloadID + ".part"
}

// discardPartial removes the partial file of req, if there is one.
func discardPartial(dir string, req service.FetchRequest) error {
	err := os.Remove(PartialPath(dir, req))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove partial file: %w", err)
	}
	return nil
}

// openPartial opens the partial file positioned at req.Offset. Bytes past
// the offset are discarded so a resumed stream continues where the
// manager's counter stopped.
func openPartial(dir string, req service.FetchRequest) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}
	path := PartialPath(dir, req)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open partial file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat partial file: %w", err)
	}
	if info.Size() < req.Offset {
		f.Close()
		return nil, fmt.Errorf("partial file %s holds %d bytes, cannot resume at %d", path, info.Size(), req.Offset)
	}
	if err := f.Truncate(req.Offset); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate partial file: %w", err)
	}
	if _, err := f.Seek(req.Offset, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek partial file: %w", err)
	}
	return f, nil
}

// pump copies r into the partial file w and reports every write as a chunk.
// When r is exhausted the partial file is renamed to finalPath and a Done
// chunk is sent. The rename replaces an artifact another transfer of the
// same version already finished. out is closed on return.
func pump(ctx context.Context, r io.Reader, w *os.File, total int64, finalPath string, out chan<- service.Chunk) {
	defer close(out)

	send := func(c service.Chunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}
	fail := func(err error) {
		w.Close()
		if ctx.Err() == nil {
			send(service.Chunk{Err: err})
		}
	}

	if total > 0 && !send(service.Chunk{Total: total}) {
		w.Close()
		return
	}

	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				fail(fmt.Errorf("write partial file: %w", werr))
				return
			}
			if !send(service.Chunk{Delta: int64(n), Total: total}) {
				w.Close()
				return
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			fail(fmt.Errorf("read: %w", err))
			return
		}
	}

	if err := w.Close(); err != nil {
		fail(fmt.Errorf("close partial file: %w", err))
		return
	}
	if err := os.Rename(w.Name(), finalPath); err != nil {
		fail(fmt.Errorf("finalize download: %w", err))
		return
	}
	send(service.Chunk{Done: true})
}
