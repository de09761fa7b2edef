package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"devstack/internal/config"
	"devstack/internal/dbclient"
	"devstack/internal/domain"
	mcpserver "devstack/internal/mcp"
	"devstack/internal/service"
	"devstack/internal/source"
	"devstack/internal/storage"
)

// idleConnTimeout is how long a pooled connector may sit unused before the
// janitor closes it.
const idleConnTimeout = 15 * time.Minute

// App wires storage, the download source, the query pool and the
// Supervisor from one configuration.
type App struct {
	cfg       *config.Config
	daemon    bool
	db        *storage.DB
	approvals *storage.ApprovalStore
	pool      *dbclient.Pool
	installer *source.DirInstaller
	sup       *service.Supervisor
	janitor   *cron.Cron
}

// errNoMirror is returned by downloads when neither mirror is configured.
var errNoMirror = errors.New("no download mirror configured (set downloads.mirrorURL or downloads.mirrorDir)")

type noMirror struct{}

func (noMirror) Fetch(context.Context, service.FetchRequest) (<-chan service.Chunk, error) {
	return nil, errNoMirror
}

// Open builds the application. A daemon honors servers.autoStart, runs
// scheduled update checks and closes idle connectors. One-shot commands
// keep the persisted running state so they can act on it.
func Open(cfg *config.Config, daemon bool) (*App, error) {
	db, err := storage.New(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	src, catalog := newSource(cfg)
	a := &App{
		cfg:       cfg,
		daemon:    daemon,
		db:        db,
		approvals: storage.NewApprovalStore(db),
		pool:      dbclient.NewPool(cfg.Query.RowLimit),
		installer: source.NewDirInstaller(cfg.DownloadDir, cfg.ServerDir),
	}

	opts := service.SupervisorOptions{
		Store:           storage.NewInstanceStore(db),
		Source:          src,
		Installer:       a.installer,
		Executor:        a.pool,
		Catalog:         catalog,
		MaxConcurrent:   cfg.Downloads.MaxConcurrent,
		AutoStart:       true,
		AutoAssignPorts: cfg.Servers.AutoAssignPorts,
	}
	if daemon {
		opts.AutoStart = cfg.Servers.AutoStart
		opts.UpdateSchedule = cfg.Updates.Schedule
	}
	a.sup = service.NewSupervisor(opts)
	return a, nil
}

func newSource(cfg *config.Config) (service.DownloadSource, service.VersionCatalog) {
	switch {
	case cfg.Downloads.MirrorURL != "":
		s := source.NewHTTPSource(source.HTTPSourceConfig{
			BaseURL:     cfg.Downloads.MirrorURL,
			DownloadDir: cfg.DownloadDir,
		})
		return s, s
	case cfg.Downloads.MirrorDir != "":
		s := source.NewDirSource(cfg.Downloads.MirrorDir, cfg.DownloadDir)
		return s, s
	default:
		return noMirror{}, nil
	}
}

// Start restores instances, merges versions already installed on disk and,
// for a daemon, starts the connector janitor.
func (a *App) Start(ctx context.Context) error {
	if _, err := a.sup.Start(ctx); err != nil {
		return err
	}
	for _, e := range domain.Engines() {
		installed, err := a.installer.Installed(e.Kind)
		if err != nil {
			log.Warn().Str("engine", string(e.Kind)).Err(err).Msg("list installed versions")
			continue
		}
		a.sup.MergeVersions(ctx, e.Kind, installed)
	}

	if a.daemon {
		a.janitor = cron.New()
		a.janitor.AddFunc("@every 5m", func() {
			if n := a.pool.CloseIdle(idleConnTimeout); n > 0 {
				log.Debug().Int("closed", n).Msg("idle connectors closed")
			}
		})
		a.janitor.Start()
	}
	return nil
}

// WatchConfig applies live-reloadable settings until ctx is done.
// Only downloads.maxConcurrent takes effect without a restart.
func (a *App) WatchConfig(ctx context.Context, path string) {
	if path == "" {
		path = config.DefaultPath()
	}
	go func() {
		err := config.Watch(ctx, path, func(cfg *config.Config) {
			if cfg.Downloads.MaxConcurrent != a.cfg.Downloads.MaxConcurrent {
				a.sup.SetMaxConcurrent(ctx, cfg.Downloads.MaxConcurrent)
				a.cfg.Downloads.MaxConcurrent = cfg.Downloads.MaxConcurrent
			}
			setupLogging(cfg.Log)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Str("path", path).Msg("config watch stopped")
		}
	}()
}

// Supervisor returns the composition root.
func (a *App) Supervisor() *service.Supervisor { return a.sup }

// Approvals returns the approval queue store.
func (a *App) Approvals() *storage.ApprovalStore { return a.approvals }

// MCPServer builds an MCP server over the App's Supervisor.
func (a *App) MCPServer(version string) *mcpserver.Server {
	return mcpserver.New(mcpserver.Deps{
		Supervisor: a.sup,
		Approval: mcpserver.NewApprovalQueue(a.approvals,
			mcpserver.ApprovalPolicy(a.cfg.MCP.Approval), a.cfg.MCP.ApprovalTimeout),
		Version: version,
	})
}

// Close stops background work and releases every resource.
func (a *App) Close() {
	if a.janitor != nil {
		<-a.janitor.Stop().Done()
	}
	a.sup.Close()
	if err := a.pool.Close(); err != nil {
		log.Warn().Err(err).Msg("close connectors")
	}
	if err := a.db.Close(); err != nil {
		log.Warn().Err(err).Msg("close database")
	}
}
