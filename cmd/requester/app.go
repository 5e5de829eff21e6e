package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/phrazzld/discover-tasks/internal/api"
	"github.com/phrazzld/discover-tasks/internal/api/requester"
	"github.com/phrazzld/discover-tasks/internal/config"
	"github.com/phrazzld/discover-tasks/internal/events"
	"github.com/phrazzld/discover-tasks/internal/executorclient"
	"github.com/phrazzld/discover-tasks/internal/pipeline"
	"github.com/phrazzld/discover-tasks/internal/platform/logger"
	"github.com/phrazzld/discover-tasks/internal/platform/migrate"
	"github.com/phrazzld/discover-tasks/internal/platform/postgres"
	"github.com/phrazzld/discover-tasks/internal/retention"
	"github.com/phrazzld/discover-tasks/internal/tasking"
	"github.com/phrazzld/discover-tasks/internal/token"
)

// application holds the Requester's long-lived components.
type application struct {
	config       *config.Config
	logger       *slog.Logger
	db           *sql.DB
	service      *tasking.Service
	orchestrator *pipeline.Orchestrator
	lease        *tasking.LeaseMonitor
	sweeper      *retention.RequesterSweeper
	router       http.Handler
}

// newApplication connects to Postgres, applies migrations and wires the
// services together.
func newApplication(ctx context.Context, cfg *config.Config) (*application, error) {
	log, err := logger.Setup(cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("failed to set up logger: %w", err)
	}

	db, err := postgres.Open(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	app := &application{config: cfg, logger: log, db: db}
	if err := app.wire(ctx); err != nil {
		app.cleanup()
		return nil, err
	}
	return app, nil
}

func (app *application) wire(ctx context.Context) error {
	cfg := app.config.Requester
	log := app.logger

	if err := postgres.Migrate(ctx, app.db, migrate.CommandUp, log); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	tasks := postgres.NewPostgresTaskStore(app.db, log)
	datasets := postgres.NewPostgresDatasetStore(app.db, log)
	pipelines := postgres.NewPostgresPipelineStore(app.db, log)

	tokens, err := token.NewDeriver(cfg.SecretKey)
	if err != nil {
		return err
	}
	executor := executorclient.New(executorclient.Config{
		BaseURL:      cfg.ExecutorURL,
		Timeout:      cfg.RequestTimeout,
		FetchTimeout: cfg.FetchTimeout,
	}, log)
	emitter := events.NewBus(log)
	artifacts := tasking.Artifacts{Root: cfg.MediaRoot}

	app.service, err = tasking.NewService(tasking.Config{
		BaseURL:        cfg.BaseURL,
		ResultPatterns: cfg.ResultPatterns,
		Collector: tasking.CollectorConfig{
			WorkerCount: cfg.CollectorWorkers,
			QueueSize:   cfg.CollectorQueueSize,
		},
	}, tasking.Deps{
		Tasks:     tasks,
		Datasets:  datasets,
		Executor:  executor,
		Tokens:    tokens,
		Artifacts: artifacts,
		Emitter:   emitter,
	}, log)
	if err != nil {
		return err
	}

	registry, err := newPipelineRegistry(cfg.Pipelines)
	if err != nil {
		return err
	}
	orchestrator, err := pipeline.NewOrchestrator(pipelines, tasks, app.service, registry, log)
	if err != nil {
		return err
	}
	emitter.Subscribe(events.TypeTaskFinished, orchestrator)
	emitter.Subscribe(events.TypeTaskFinished, tasking.NewFinishNotices(tasking.NewLogNoticeSender(log), log))
	app.orchestrator = orchestrator

	app.lease = tasking.NewLeaseMonitor(app.service, cfg.LeaseTimeout, cfg.LeaseCheckInterval, log)
	app.sweeper = retention.NewRequesterSweeper(tasks, datasets, pipelines, executor, artifacts, cfg.RetentionDays, log)

	handler, err := requester.NewHandler(requester.Deps{
		Tasks:     app.service,
		Pipelines: orchestrator,
		TaskStore: tasks,
		Datasets:  datasets,
		Executor:  executor,
		Sweeper:   app.sweeper,
	}, log)
	if err != nil {
		return err
	}
	app.router = api.NewRouter(log, func(r chi.Router) { handler.Routes(r) })

	log.Info("requester configured",
		"port", app.config.Server.Port,
		"executor_url", cfg.ExecutorURL,
		"pipelines", registry.Kinds())
	return nil
}

// newPipelineRegistry registers the configured pipelines, then the built-in
// ones whose kind the configuration does not override.
func newPipelineRegistry(configured []config.PipelineConfig) (*pipeline.Registry, error) {
	registry, err := pipeline.NewRegistry(pipeline.FromConfig(configured)...)
	if err != nil {
		return nil, err
	}
	for _, def := range []pipeline.Definition{pipeline.Watermarks()} {
		if _, err := registry.Get(def.Kind); !errors.Is(err, pipeline.ErrUnknownPipeline) {
			continue
		}
		if err := registry.Register(def); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// run serves HTTP and runs the background loops until ctx is done.
func (app *application) run(ctx context.Context) error {
	if err := app.service.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task service: %w", err)
	}
	defer app.service.Stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", app.config.Server.Port)
		return api.Serve(ctx, addr, app.router, app.config.Server.ShutdownTimeout, app.logger)
	})
	g.Go(func() error {
		return app.lease.Run(ctx)
	})
	g.Go(func() error {
		return app.orchestrator.Run(ctx, app.config.Requester.LeaseCheckInterval)
	})
	g.Go(func() error {
		retention.Run(ctx, app.config.Requester.SweepInterval, app.sweeper.SweepAll, app.logger)
		return nil
	})
	return g.Wait()
}

func (app *application) cleanup() {
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("failed to close database connection", "error", err)
		}
	}
}
