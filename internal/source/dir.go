package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"devstack/internal/domain"
	"devstack/internal/service"
)

// DirSource serves archives from a local mirror laid out as
// <root>/<engine>/<engine>-<version>.tar.gz and copies them into a
// download directory.
type DirSource struct {
	root string
	dir  string
}

var (
	_ service.DownloadSource   = (*DirSource)(nil)
	_ service.VersionCatalog   = (*DirSource)(nil)
	_ service.PartialDiscarder = (*DirSource)(nil)
)

func NewDirSource(mirrorDir, downloadDir string) *DirSource {
	return &DirSource{root: mirrorDir, dir: downloadDir}
}

func (s *DirSource) Fetch(ctx context.Context, req service.FetchRequest) (<-chan service.Chunk, error) {
	src, err := os.Open(filepath.Join(s.root, string(req.Engine), ArtifactName(req.Engine, req.Version)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s %s not in mirror", domain.ErrUnknownVersion, req.Engine, req.Version)
		}
		return nil, fmt.Errorf("open mirror file: %w", err)
	}
	info, err := src.Stat()
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("stat mirror file: %w", err)
	}
	if _, err := src.Seek(req.Offset, io.SeekStart); err != nil {
		src.Close()
		return nil, fmt.Errorf("seek mirror file: %w", err)
	}
	dst, err := openPartial(s.dir, req)
	if err != nil {
		src.Close()
		return nil, err
	}

	out := make(chan service.Chunk)
	go func() {
		defer src.Close()
		pump(ctx, src, dst, info.Size(), ArtifactPath(s.dir, req.Engine, req.Version), out)
	}()
	return out, nil
}

// Versions lists the archives mirrored for engine, newest first.
func (s *DirSource) Versions(_ context.Context, engine domain.EngineKind) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, string(engine)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read mirror: %w", err)
	}
	prefix := string(engine) + "-"
	var versions []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".tar.gz") {
			continue
		}
		versions = append(versions, strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".tar.gz"))
	}
	return domain.SortVersions(versions), nil
}

// Discard removes what a cancelled or failed download left on disk.
func (s *DirSource) Discard(req service.FetchRequest) error {
	return discardPartial(s.dir, req)
}
