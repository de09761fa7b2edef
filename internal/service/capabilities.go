package service

import (
	"context"

	"devstack/internal/domain"
)

// ─────────────────────────────────────────────────────────────
// Injected capabilities
// ─────────────────────────────────────────────────────────────

// FetchRequest asks a source for the bytes of one engine version, starting
// at Offset (non-zero when a paused transfer resumes). DownloadID is stable
// across resumes and unique per transfer.
type FetchRequest struct {
	DownloadID string
	Engine     domain.EngineKind
	Version    string
	Offset     int64
}

// Chunk is one element of a fetch stream. Delta is the number of new bytes
// since the previous chunk. Total, when positive, is the authoritative size
// of the whole artifact. A stream ends with a chunk carrying Done or Err.
type Chunk struct {
	Delta int64
	Total int64
	Done  bool
	Err   error
}

// DownloadSource produces byte-delta streams. It must stop sending and close
// the channel once ctx is cancelled.
type DownloadSource interface {
	Fetch(ctx context.Context, req FetchRequest) (<-chan Chunk, error)
}

// PartialDiscarder is implemented by sources that keep partial bytes on
// disk. The manager calls Discard once a transfer can no longer resume.
type PartialDiscarder interface {
	Discard(req FetchRequest) error
}

// VersionCatalog is implemented by sources that can list what they serve.
type VersionCatalog interface {
	Versions(ctx context.Context, engine domain.EngineKind) ([]string, error)
}

// Installer settles a fully downloaded version so the instance can run it.
type Installer interface {
	Install(ctx context.Context, engine domain.EngineKind, version string) error
}

// InstallerFunc adapts a function to Installer.
type InstallerFunc func(ctx context.Context, engine domain.EngineKind, version string) error

func (f InstallerFunc) Install(ctx context.Context, engine domain.EngineKind, version string) error {
	return f(ctx, engine, version)
}

// QueryExecutor runs one query against a connection. The core never parses
// the query text.
type QueryExecutor interface {
	Run(ctx context.Context, conn domain.ConnectionInfo, query string) (*domain.ResultSet, error)
}

// SchemaFetcher is implemented by executors that can describe a connection.
type SchemaFetcher interface {
	Introspect(ctx context.Context, conn domain.ConnectionInfo) (*domain.SchemaInfo, error)
}

// ConnectionCloser is implemented by executors that pool connections.
type ConnectionCloser interface {
	CloseConnection(conn domain.ConnectionInfo) error
}
