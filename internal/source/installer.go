package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"devstack/internal/domain"
	"devstack/internal/service"
)

// DirInstaller moves finished archives from the download directory into
// <serverDir>/<engine>/<version>/.
type DirInstaller struct {
	downloadDir string
	serverDir   string
}

var _ service.Installer = (*DirInstaller)(nil)

func NewDirInstaller(downloadDir, serverDir string) *DirInstaller {
	return &DirInstaller{downloadDir: downloadDir, serverDir: serverDir}
}

// Path returns the directory a version is installed into.
func (i *DirInstaller) Path(engine domain.EngineKind, version string) string {
	return filepath.Join(i.serverDir, string(engine), version)
}

// Install moves the downloaded archive into place. When the archive is gone
// but the version is already installed, a concurrent transfer of the same
// version got there first and Install succeeds.
func (i *DirInstaller) Install(ctx context.Context, engine domain.EngineKind, version string) error {
	src := ArtifactPath(i.downloadDir, engine, version)
	dir := i.Path(engine, version)
	dst := filepath.Join(dir, ArtifactName(engine, version))
	if _, err := os.Stat(src); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		if _, derr := os.Stat(dst); derr == nil {
			log.Debug().Str("engine", string(engine)).Str("version", version).Msg("version already installed")
			return nil
		}
		return fmt.Errorf("archive for %s %s not downloaded", engine, version)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create install dir: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		if _, serr := os.Stat(src); errors.Is(serr, fs.ErrNotExist) {
			if _, derr := os.Stat(dst); derr == nil {
				return nil
			}
		}
		// Rename fails across filesystems.
		if err := copyFile(src, dst); err != nil {
			return fmt.Errorf("install %s: %w", dst, err)
		}
		os.Remove(src)
	}
	log.Info().Str("engine", string(engine)).Str("version", version).Str("path", dir).Msg("version installed")
	return nil
}

// Installed lists the versions present under serverDir for engine.
func (i *DirInstaller) Installed(engine domain.EngineKind) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(i.serverDir, string(engine)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var versions []string
	for _, e := range entries {
		if e.IsDir() {
			versions = append(versions, e.Name())
		}
	}
	return domain.SortVersions(versions), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
