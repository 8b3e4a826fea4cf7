// Command mailroom runs the shared-mailbox ingestion service and its
// operator tooling.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/gotrs-io/mailroom/internal/api"
	"github.com/gotrs-io/mailroom/internal/database"
	"github.com/gotrs-io/mailroom/internal/email/inbound/fetch"
	"github.com/gotrs-io/mailroom/internal/folders"
	"github.com/gotrs-io/mailroom/internal/scheduler"
	"github.com/gotrs-io/mailroom/internal/version"
)

var configDir string

var rootCmd = &cobra.Command{
	Use:   "mailroom",
	Short: "Shared-mailbox helpdesk ingestion",
	Long: `mailroom fetches mail from shared IMAP and POP3 mailboxes, threads it
into tickets and serves the agent API.`,
	Version:       version.String(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config", "./config", "Directory holding default.yaml and config.yaml")

	rootCmd.AddCommand(serveCmd, fetchCmd, reconcileCmd, mergeCmd, migrateCmd, versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "mailroom:", err)
		os.Exit(1)
	}
}

// withApp loads configuration, wires the app and closes it after fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig(configDir)
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			a.logger.Printf("mailroom: close: %v", cerr)
		}
	}()
	return fn(cmd.Context(), a)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the fetch scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, runServe)
	},
}

var noScheduler bool

func init() {
	serveCmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "Serve the API without polling mailboxes")
}

func runServe(ctx context.Context, a *app) error {
	if a.cfg.App.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	opts := []api.Option{
		api.WithFetchCoordinator(a.fetcher),
		api.WithStatusReader(a.status),
		api.WithLogger(a.logger),
	}
	if a.stream != nil {
		opts = append(opts, api.WithEventStream(a.stream))
	}
	metricsPath := ""
	if a.cfg.Metrics.Enabled {
		metricsPath = a.cfg.Metrics.Path
	}
	opts = append(opts, api.WithMetricsPath(metricsPath))

	srv := &http.Server{
		Addr:         a.cfg.Server.GetServerAddr(),
		Handler:      api.NewServer(a.db, a.tickets, a.merger, opts...).Router(),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 2)
	if !noScheduler {
		sched, err := a.scheduler()
		if err != nil {
			return err
		}
		go func() { errCh <- sched.Run(ctx) }()
	}
	go func() {
		a.logger.Printf("mailroom: listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	a.logger.Printf("mailroom: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

var fetchCmd = &cobra.Command{
	Use:   "fetch <mailbox-id>",
	Short: "Run one fetch cycle for a mailbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			stats, err := a.fetcher.FetchCycle(ctx, id)
			if perr := printJSON(cmd, stats); perr != nil {
				return perr
			}
			var partial *fetch.PartialBatchError
			if errors.As(err, &partial) {
				for _, f := range partial.Failures {
					fmt.Fprintf(cmd.ErrOrStderr(), "uid %s (retry=%t): %v\n", f.UID, f.Retry, f.Err)
				}
			}
			return err
		})
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile [mailbox-id]",
	Short: "Recompute folder counters for one or every active mailbox",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var only int64
		if len(args) == 1 {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			only = id
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if only == 0 {
				sched, err := a.scheduler()
				if err != nil {
					return err
				}
				return sched.RunNow(ctx, scheduler.JobFolderReconcile)
			}
			report, err := folders.NewMaintainer(folders.WithLogger(a.logger)).Reconcile(ctx, a.db, only)
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		})
	},
}

var mergeCmd = &cobra.Command{
	Use:   "merge-customers <source-id> <target-id>",
	Short: "Fold the source customer into the target",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		source, err := parseID(args[0])
		if err != nil {
			return err
		}
		target, err := parseID(args[1])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			res, err := a.merger.Merge(ctx, source, target)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		})
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configDir)
		if err != nil {
			return err
		}
		db, err := database.Open(cmd.Context(), cfg.Database.Options())
		if err != nil {
			return err
		}
		defer db.Close()
		n, err := database.Migrate(cmd.Context(), db)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "applied %d schema statements\n", n)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJSON(cmd, version.GetInfo())
	},
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
