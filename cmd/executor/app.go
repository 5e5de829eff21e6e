package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/phrazzld/discover-tasks/internal/actors"
	"github.com/phrazzld/discover-tasks/internal/api"
	"github.com/phrazzld/discover-tasks/internal/api/executor"
	"github.com/phrazzld/discover-tasks/internal/config"
	"github.com/phrazzld/discover-tasks/internal/joblog"
	"github.com/phrazzld/discover-tasks/internal/jobs"
	"github.com/phrazzld/discover-tasks/internal/notify"
	"github.com/phrazzld/discover-tasks/internal/platform/logger"
	"github.com/phrazzld/discover-tasks/internal/platform/sqlite"
	"github.com/phrazzld/discover-tasks/internal/retention"
)

// purgeInterval is how often expired job log snapshots are deleted.
const purgeInterval = 10 * time.Minute

// application holds the Executor's long-lived components.
type application struct {
	config  *config.Config
	logger  *slog.Logger
	db      *sql.DB
	runner  *jobs.Runner
	states  *sqlite.StateStore
	sweeper *retention.ExecutorSweeper
	router  http.Handler
}

// newApplication opens the job database and registers one actor per
// configured kind.
func newApplication(ctx context.Context, cfg *config.Config) (*application, error) {
	log, err := logger.Setup(cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("failed to set up logger: %w", err)
	}

	db, err := sqlite.OpenAndMigrate(ctx, cfg.Executor.DBPath, log)
	if err != nil {
		return nil, err
	}
	app := &application{config: cfg, logger: log, db: db}
	if err := app.wire(); err != nil {
		app.cleanup()
		return nil, err
	}
	return app, nil
}

func (app *application) wire() error {
	cfg := app.config.Executor
	log := app.logger

	jobStore := sqlite.NewJobStore(app.db, log)
	app.states = sqlite.NewStateStore(app.db, log)
	ws := actors.Workspace{Root: cfg.DataRoot}

	commands := make(map[string]actors.CommandProcessor, len(cfg.Actors))
	for kind, a := range cfg.Actors {
		commands[kind] = actors.CommandProcessor{Command: a.Command, Args: a.Args}
	}
	regs, err := actors.FromCommands(ws, actors.HTTPFetcher{}, cfg.PublicURL, commands, log)
	if err != nil {
		return err
	}

	registry := joblog.NewRegistry(app.states, cfg.ResultTTL, log)
	notifier := notify.New(notify.Config{Timeout: cfg.NotifyTimeout}, log)
	app.runner = jobs.NewRunner(jobStore, jobs.RunnerConfig{
		WorkerCount: cfg.WorkerCount,
		QueueSize:   cfg.QueueSize,
		TimeLimit:   cfg.TimeLimit,
	}, log)
	for _, reg := range regs {
		app.runner.Handle(reg.Kind, jobs.Lifecycle(reg.Actor, registry, notifier, log))
	}

	app.sweeper = retention.NewExecutorSweeper(ws, jobStore, app.states, cfg.RetentionDays, log)
	handler, err := executor.NewHandler(app.runner, jobStore, app.states, app.sweeper, ws, log)
	if err != nil {
		return err
	}
	app.router = api.NewRouter(log, func(r chi.Router) { handler.Routes(r) })

	log.Info("executor configured",
		"port", app.config.Server.Port,
		"kinds", app.runner.Kinds(),
		"workers", cfg.WorkerCount)
	return nil
}

// run starts the workers, serves HTTP and runs housekeeping until ctx is
// done. Jobs still running at shutdown are requeued for the next start.
func (app *application) run(ctx context.Context) error {
	if err := app.runner.Start(); err != nil {
		return err
	}
	defer app.runner.Stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", app.config.Server.Port)
		return api.Serve(ctx, addr, app.router, app.config.Server.ShutdownTimeout, app.logger)
	})
	g.Go(func() error {
		app.states.RunPurger(ctx, purgeInterval)
		return nil
	})
	g.Go(func() error {
		retention.Run(ctx, app.config.Executor.SweepInterval, func(ctx context.Context) error {
			return app.sweeper.SweepAll(ctx, app.runner.Kinds())
		}, app.logger)
		return nil
	})
	return g.Wait()
}

func (app *application) cleanup() {
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("failed to close database", "error", err)
		}
	}
}
