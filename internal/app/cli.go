package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gosuri/uitable"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"devstack/internal/config"
	"devstack/internal/domain"
	"devstack/internal/service"
)

// Version is set at build time.
var Version = "dev"

// Execute runs the devstack command line.
func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type cli struct {
	cfg        *config.Config
	configPath string
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "devstack",
		Short:         "Manage local database servers",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			c.configPath, _ = cmd.Flags().GetString("config")
			cfg, err := config.Load(c.configPath, cmd.Flags())
			if err != nil {
				return err
			}
			setupLogging(cfg.Log)
			c.cfg = cfg
			return nil
		},
	}
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(
		c.enginesCommand(),
		c.instancesCommand(),
		c.queryCommand(),
		c.checkUpdatesCommand(),
		c.approvalsCommand(),
		c.serveCommand(),
		c.mcpCommand(),
	)
	return root
}

// withApp opens and starts a one-shot App around fn.
func (c *cli) withApp(ctx context.Context, fn func(*App) error) error {
	a, err := Open(c.cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.Start(ctx); err != nil {
		return err
	}
	return fn(a)
}

// ─────────────────────────────────────────────────────────────
// Engines and instances
// ─────────────────────────────────────────────────────────────

func (c *cli) enginesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "engines",
		Short: "List supported engines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			table := uitable.New()
			table.AddRow("ENGINE", "NAME", "PORT", "VERSIONS")
			for _, e := range domain.Engines() {
				table.AddRow(e.Kind, e.DisplayName, e.DefaultPort, strings.Join(e.Versions, ", "))
			}
			fmt.Fprintln(cmd.OutOrStdout(), table)
			return nil
		},
	}
}

func (c *cli) instancesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "instances",
		Aliases: []string{"instance", "i"},
		Short:   "Manage database servers",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list [search]",
		Short: "List servers",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *App) error {
				list := a.Supervisor().Instances()
				if len(args) == 1 {
					list = a.Supervisor().SearchInstances(args[0])
				}
				printInstances(cmd.OutOrStdout(), list)
				return nil
			})
		},
	})

	var in service.AddInstanceInput
	add := &cobra.Command{
		Use:   "add <engine>",
		Short: "Register a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Engine = domain.EngineKind(args[0])
			return c.withApp(cmd.Context(), func(a *App) error {
				id, err := a.Supervisor().AddInstance(cmd.Context(), in)
				if err != nil {
					return err
				}
				inst, _ := a.Supervisor().Instance(id)
				fmt.Fprintf(cmd.OutOrStdout(), "Added %s %s on port %d (%s)\n", inst.Name, inst.CurrentVersion, inst.Port, inst.ID)
				return nil
			})
		},
	}
	add.Flags().StringVar(&in.Name, "name", "", "display name")
	add.Flags().StringVar(&in.Version, "version", "", "version (defaults to the newest)")
	add.Flags().Uint16Var(&in.Port, "port", 0, "TCP port (defaults to the engine port)")
	cmd.AddCommand(add)

	cmd.AddCommand(c.instanceAction("start", "Start a server", func(ctx context.Context, a *App, id string) error {
		return a.Supervisor().StartInstance(ctx, id)
	}))
	cmd.AddCommand(c.instanceAction("stop", "Stop a server", func(ctx context.Context, a *App, id string) error {
		return a.Supervisor().StopInstance(ctx, id)
	}))
	cmd.AddCommand(c.instanceAction("delete", "Delete a server", func(ctx context.Context, a *App, id string) error {
		return a.Supervisor().DeleteInstance(ctx, id)
	}))

	cmd.AddCommand(&cobra.Command{
		Use:   "switch <id> <version>",
		Short: "Switch a stopped server to another version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *App) error {
				if err := a.Supervisor().ChangeVersion(cmd.Context(), args[0], args[1]); err != nil {
					return err
				}
				inst, err := waitSettled(cmd.Context(), a.Supervisor(), args[0], cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				if inst.LastError != "" {
					return fmt.Errorf("switch failed: %s", inst.LastError)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s now runs %s\n", inst.Name, inst.CurrentVersion)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "download <id> <version>",
		Short: "Pre-fetch a version for a server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *App) error {
				dlID, err := a.Supervisor().DownloadVersion(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				d, err := waitDownload(cmd.Context(), a.Supervisor(), dlID, cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				if d.Status == domain.DownloadFailed {
					return fmt.Errorf("download failed: %s", d.Error)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Downloaded %s %s (%s)\n", d.Engine, d.Version, humanize.IBytes(uint64(d.TotalBytes)))
				return nil
			})
		},
	})
	return cmd
}

func (c *cli) instanceAction(verb, short string, fn func(context.Context, *App, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *App) error {
				if err := fn(cmd.Context(), a, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s ok\n", args[0], verb)
				return nil
			})
		},
	}
}

func printInstances(w io.Writer, list []domain.Instance) {
	table := uitable.New()
	table.MaxColWidth = 40
	table.AddRow("ID", "NAME", "ENGINE", "VERSION", "PORT", "STATUS", "CREATED")
	for _, inst := range list {
		status := string(inst.Status)
		if inst.InstallProgress != nil {
			status = fmt.Sprintf("%s %d%%", status, *inst.InstallProgress)
		}
		table.AddRow(inst.ID, inst.Name, inst.Engine, inst.CurrentVersion, inst.Port, status, humanize.Time(inst.CreatedAt))
	}
	fmt.Fprintln(w, table)
}

// watchSnapshots subscribes to the supervisor and keeps only the newest
// undelivered snapshot in the returned channel.
func watchSnapshots(sup *service.Supervisor) (<-chan domain.Snapshot, func()) {
	ch := make(chan domain.Snapshot, 1)
	unsubscribe := sup.Subscribe(domain.ObserverFunc(func(s domain.Snapshot) {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}))
	return ch, unsubscribe
}

// waitSettled blocks until the instance is no longer downloading or installing.
func waitSettled(ctx context.Context, sup *service.Supervisor, id string, progress io.Writer) (domain.Instance, error) {
	snaps, unsubscribe := watchSnapshots(sup)
	defer unsubscribe()
	last := -1
	var inst domain.Instance
	for {
		select {
		case <-ctx.Done():
			return inst, ctx.Err()
		case s := <-snaps:
			found := false
			for _, cand := range s.Instances {
				if cand.ID == id {
					inst, found = cand, true
					break
				}
			}
			if !found {
				return inst, fmt.Errorf("%w: %s", domain.ErrInstanceNotFound, id)
			}
			if !inst.Status.Busy() {
				return inst, nil
			}
			if inst.InstallProgress != nil && *inst.InstallProgress != last {
				last = *inst.InstallProgress
				fmt.Fprintf(progress, "%s %d%%\n", inst.Status, last)
			}
		}
	}
}

func waitDownload(ctx context.Context, sup *service.Supervisor, id string, progress io.Writer) (domain.Download, error) {
	snaps, unsubscribe := watchSnapshots(sup)
	defer unsubscribe()
	var d domain.Download
	for {
		select {
		case <-ctx.Done():
			return d, ctx.Err()
		case s := <-snaps:
			found := false
			for _, cand := range s.Downloads {
				if cand.ID == id {
					d, found = cand, true
					break
				}
			}
			if !found {
				return d, fmt.Errorf("download %s disappeared", id)
			}
			if d.Status.Terminal() {
				return d, nil
			}
			if d.TotalBytes > 0 {
				fmt.Fprintf(progress, "%s / %s (%s/s)\n", humanize.IBytes(uint64(d.DownloadedBytes)),
					humanize.IBytes(uint64(d.TotalBytes)), humanize.IBytes(uint64(d.ThroughputBytesPerSec)))
			}
		}
	}
}

func (c *cli) checkUpdatesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check-updates",
		Short: "Ask the mirror for new versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(a *App) error {
				n, err := a.Supervisor().CheckUpdates(cmd.Context())
				fmt.Fprintf(cmd.OutOrStdout(), "%d instance(s) gained versions\n", n)
				return err
			})
		},
	}
}

// ─────────────────────────────────────────────────────────────
// Queries
// ─────────────────────────────────────────────────────────────

func (c *cli) queryCommand() *cobra.Command {
	var in service.OpenSessionInput
	var schema bool
	cmd := &cobra.Command{
		Use:   "query <instance-id> [query]",
		Short: "Run a query against a running server",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !schema && len(args) < 2 {
				return fmt.Errorf("a query is required unless --schema is set")
			}
			in.InstanceID = args[0]
			return c.withApp(cmd.Context(), func(a *App) error {
				sup := a.Supervisor()
				qs, err := sup.OpenSession(cmd.Context(), in)
				if err != nil {
					return err
				}
				defer sup.CloseSession(context.Background(), qs.ID())

				if schema {
					info, err := qs.Schema(cmd.Context())
					if err != nil {
						return err
					}
					printSchema(cmd.OutOrStdout(), info)
					return nil
				}

				tab := qs.ActiveTabID()
				if err := qs.EditQuery(cmd.Context(), tab, args[1]); err != nil {
					return err
				}
				if err := qs.Execute(cmd.Context(), tab); err != nil {
					return err
				}
				qs.WaitTab(cmd.Context(), tab)
				result, err := qs.Tab(tab)
				if err != nil {
					return err
				}
				return printTab(cmd.OutOrStdout(), result)
			})
		},
	}
	cmd.Flags().StringVar(&in.Database, "database", "", "database to connect to")
	cmd.Flags().StringVar(&in.Username, "user", "", "user (defaults to the engine user)")
	cmd.Flags().StringVar(&in.Password, "password", "", "password")
	cmd.Flags().StringVar(&in.Host, "host", "", "host (defaults to localhost)")
	cmd.Flags().BoolVar(&schema, "schema", false, "print the schema tree instead of running a query")
	return cmd
}

func printTab(w io.Writer, tab domain.QueryTab) error {
	switch tab.State {
	case domain.ExecFailed:
		return fmt.Errorf("%s", tab.Error)
	case domain.ExecSucceeded:
	default:
		return fmt.Errorf("query still %s", tab.State)
	}
	res := tab.Result
	if res.IsWrite {
		fmt.Fprintf(w, "%d row(s) affected (%s)\n", res.AffectedRows, tab.Duration.Round(time.Millisecond))
		return nil
	}
	table := uitable.New()
	table.MaxColWidth = 60
	header := make([]any, len(res.Columns))
	for i, col := range res.Columns {
		header[i] = col
	}
	table.AddRow(header...)
	for _, row := range res.Rows {
		cells := make([]any, len(res.Columns))
		for i, col := range res.Columns {
			cells[i] = formatCell(row[col])
		}
		table.AddRow(cells...)
	}
	fmt.Fprintln(w, table)
	suffix := ""
	if res.Truncated {
		suffix = ", truncated"
	}
	fmt.Fprintf(w, "%s row(s) (%s%s)\n", humanize.Comma(int64(len(res.Rows))), tab.Duration.Round(time.Millisecond), suffix)
	return nil
}

func formatCell(v any) string {
	if v == nil {
		return "NULL"
	}
	return fmt.Sprint(v)
}

func printSchema(w io.Writer, info *domain.SchemaInfo) {
	for _, db := range info.Databases {
		fmt.Fprintln(w, db.Name)
		for _, t := range db.Tables {
			fmt.Fprintf(w, "  %s (%s)\n", t.Name, t.Type)
			for _, col := range t.Columns {
				key := ""
				if col.IsPrimary {
					key = " PK"
				}
				fmt.Fprintf(w, "    %s %s%s\n", col.Name, col.Type, key)
			}
		}
	}
}

// ─────────────────────────────────────────────────────────────
// Approvals
// ─────────────────────────────────────────────────────────────

func (c *cli) approvalsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "Review destructive actions requested over MCP",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pending actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(a *App) error {
				pending, err := a.Approvals().ListPendingApprovals()
				if err != nil {
					return err
				}
				if len(pending) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No pending actions")
					return nil
				}
				table := uitable.New()
				table.MaxColWidth = 80
				table.Wrap = true
				table.AddRow("ID", "TOOL", "DESCRIPTION", "REQUESTED")
				for _, p := range pending {
					table.AddRow(p.ID, p.Tool, p.Description, humanize.Time(p.CreatedAt))
				}
				fmt.Fprintln(cmd.OutOrStdout(), table)
				return nil
			})
		},
	})
	for _, approve := range []bool{true, false} {
		verb := "reject"
		if approve {
			verb = "approve"
		}
		cmd.AddCommand(&cobra.Command{
			Use:   verb + " <id>",
			Short: strings.ToUpper(verb[:1]) + verb[1:] + " a pending action",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.withApp(cmd.Context(), func(a *App) error {
					if err := a.Approvals().ResolveApproval(args[0], approve); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %sd\n", args[0], verb)
					return nil
				})
			},
		})
	}
	return cmd
}

// ─────────────────────────────────────────────────────────────
// Long-running modes
// ─────────────────────────────────────────────────────────────

func (c *cli) daemon(ctx context.Context) (*App, error) {
	a, err := Open(c.cfg, true)
	if err != nil {
		return nil, err
	}
	if err := a.Start(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.WatchConfig(ctx, c.configPath)
	return a, nil
}

func (c *cli) serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane and log state changes until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.daemon(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			unsubscribe := a.Supervisor().Subscribe(domain.ObserverFunc(func(s domain.Snapshot) {
				log.Debug().Uint64("seq", s.Seq).Int("instances", len(s.Instances)).
					Int("downloads", len(s.Downloads)).Int("sessions", len(s.Sessions)).Msg("state changed")
			}))
			defer unsubscribe()

			d := a.Supervisor().Dashboard()
			log.Info().Int("servers", d.TotalServers).Int("running", d.Running).Msg("devstack serving")
			<-cmd.Context().Done()
			log.Info().Msg("shutting down")
			return nil
		},
	}
}

func (c *cli) mcpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the MCP protocol on stdin/stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.serveMCP(cmd.Context())
		},
	}
}
