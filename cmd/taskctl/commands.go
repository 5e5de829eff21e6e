package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/phrazzld/discover-tasks/internal/config"
	"github.com/phrazzld/discover-tasks/internal/executorclient"
	"github.com/phrazzld/discover-tasks/internal/platform/logger"
	"github.com/phrazzld/discover-tasks/internal/platform/migrate"
	"github.com/phrazzld/discover-tasks/internal/platform/postgres"
	"github.com/phrazzld/discover-tasks/internal/platform/sqlite"
)

// options are the persistent flags shared by every command.
type options struct {
	configFile  string
	executorURL string
	out         io.Writer
}

// load reads the configuration and applies flag overrides.
func (o *options) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.configFile, config.RoleCLI)
	if err != nil {
		return nil, nil, err
	}
	if o.executorURL != "" {
		cfg.Requester.ExecutorURL = o.executorURL
	}
	// stdout carries command output, so logs go to stderr.
	log, err := logger.SetupWithWriter(os.Stderr, cfg.Server)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func (o *options) client() (*executorclient.Client, error) {
	cfg, log, err := o.load()
	if err != nil {
		return nil, err
	}
	if cfg.Requester.ExecutorURL == "" {
		return nil, errors.New("no executor URL: set --executor-url or requester.executor_url")
	}
	return executorclient.New(executorclient.Config{
		BaseURL: cfg.Requester.ExecutorURL,
		Timeout: cfg.Requester.RequestTimeout,
	}, log), nil
}

func (o *options) print(v any) error {
	enc := json.NewEncoder(o.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &options{out: out}

	root := &cobra.Command{
		Use:           "taskctl",
		Short:         "Operate the task Requester and Executor",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&opts.executorURL, "executor-url", "", "Executor base URL (overrides requester.executor_url)")

	root.AddCommand(
		newMonitorCmd(opts),
		newClearCmd(opts),
		newStatusCmd(opts),
		newCancelCmd(opts),
		newMigrateCmd(opts),
	)
	return root
}

func newMonitorCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "monitor KIND",
		Short: "Show Executor disk usage and queue sizes for a task kind",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			resp, err := client.Monitor(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return opts.print(resp)
		},
	}
}

func newClearCmd(opts *options) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "clear KIND [TRACKING_ID]",
		Short: "Remove old Executor data for a kind, or everything kept for one job",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			if len(args) == 2 {
				resp, err := client.ClearJob(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				return opts.print(resp)
			}
			if days < 0 {
				return fmt.Errorf("invalid --days %d", days)
			}
			resp, err := client.Clear(cmd.Context(), args[0], days)
			if err != nil {
				return err
			}
			return opts.print(resp)
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "remove data last used more than this many days ago")
	return cmd
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status KIND TRACKING_ID",
		Short: "Show the job log snapshot of a job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			resp, err := client.Status(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return opts.print(resp)
		},
	}
}

func newCancelCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel KIND TRACKING_ID",
		Short: "Abort a queued or running job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			if err := client.Cancel(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			_, err = fmt.Fprintf(opts.out, "cancel requested for %s\n", args[1])
			return err
		},
	}
}

func newMigrateCmd(opts *options) *cobra.Command {
	var executorDB bool
	cmd := &cobra.Command{
		Use:       "migrate [up|down|reset|status|version]",
		Short:     "Run database migrations",
		Long:      "Run migrations on the Requester's Postgres database, or on the Executor's SQLite database with --executor-db.",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{migrate.CommandUp, migrate.CommandDown, migrate.CommandReset, migrate.CommandStatus, migrate.CommandVersion},
		RunE: func(cmd *cobra.Command, args []string) error {
			command := migrate.CommandUp
			if len(args) == 1 {
				command = args[0]
			}
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			if executorDB {
				db, err := sqlite.Open(ctx, cfg.Executor.DBPath)
				if err != nil {
					return err
				}
				defer db.Close()
				return sqlite.Migrate(ctx, db, command, log)
			}

			if cfg.Database.URL == "" {
				return errors.New("database.url is not configured")
			}
			db, err := postgres.Open(ctx, cfg.Database.URL)
			if err != nil {
				return err
			}
			defer db.Close()
			return postgres.Migrate(ctx, db, command, log)
		},
	}
	cmd.Flags().BoolVar(&executorDB, "executor-db", false, "migrate the Executor's SQLite database instead")
	return cmd
}
