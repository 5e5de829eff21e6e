// Package actors implements the Executor's job actors. A dataset actor
// fetches the job's input dataset once per dataset id, runs a Processor
// against it and packages the processor's output as a downloadable zip.
package actors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/phrazzld/discover-tasks/internal/joblog"
	"github.com/phrazzld/discover-tasks/internal/jobs"
	"github.com/phrazzld/discover-tasks/internal/ziputil"
)

// Output is the SUCCESS payload of a dataset actor.
type Output struct {
	ResultURL    string `json:"result_url"`
	ExperimentID string `json:"experiment_id"`
}

// DatasetActor runs one job kind against cached datasets.
type DatasetActor struct {
	Kind      string
	Workspace Workspace
	Fetcher   Fetcher
	Processor Processor
	// PublicURL is the Executor base URL the Requester downloads results from.
	PublicURL string
	Logger    *slog.Logger

	locks sync.Map // dataset dir -> *sync.Mutex
}

// Run is the jobs.Actor for the kind.
func (a *DatasetActor) Run(ctx context.Context, job *jobs.Job, log joblog.Reporter) (any, error) {
	trackingID := job.ID.String()

	datasetDir := ""
	if job.DatasetURL != "" {
		datasetID := job.DatasetID
		if datasetID == "" {
			datasetID = job.ExperimentID
		}
		dir, err := a.ensureDataset(ctx, datasetID, job.DatasetURL, log)
		if err != nil {
			return nil, err
		}
		datasetDir = dir
	}

	runDir := a.Workspace.RunDir(a.Kind, trackingID)
	outputDir := filepath.Join(runDir, "output")
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}
	if err := Touch(filepath.Join(runDir, RunMarker)); err != nil {
		return nil, err
	}

	err := a.Processor.Process(ctx, Input{
		Job:        job,
		DatasetDir: datasetDir,
		RunDir:     runDir,
		OutputDir:  outputDir,
	}, log)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	log.Info("Packaging results")
	n, err := ziputil.Write(ctx, a.Workspace.ResultPath(a.Kind, trackingID), outputDir, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to package results: %w", err)
	}
	if n == 0 {
		log.Warning("The task produced no result files")
	}
	if err := Touch(filepath.Join(runDir, RunMarker)); err != nil {
		return nil, err
	}

	return Output{
		ResultURL:    fmt.Sprintf("%s/%s/%s/result", strings.TrimRight(a.PublicURL, "/"), a.Kind, trackingID),
		ExperimentID: job.ExperimentID,
	}, nil
}

// ensureDataset downloads and extracts the dataset unless its ready marker
// exists. The marker is written last, so a crash mid-download leaves the
// dataset to be fetched again by the next job.
func (a *DatasetActor) ensureDataset(ctx context.Context, datasetID, url string, log joblog.Reporter) (string, error) {
	if Slug(datasetID) == "" {
		return "", fmt.Errorf("%w: dataset id %q", ErrInvalidName, datasetID)
	}
	dir := a.Workspace.DatasetDir(a.Kind, datasetID)
	dataDir := filepath.Join(dir, "data")
	marker := filepath.Join(dir, ReadyMarker)

	mu, _ := a.locks.LoadOrStore(dir, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	defer mu.(*sync.Mutex).Unlock()

	if _, err := os.Stat(marker); err == nil {
		log.Info("Dataset already downloaded")
		return dataDir, Touch(marker)
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}

	// Leftovers from an interrupted attempt.
	if err := os.RemoveAll(dir); err != nil {
		return "", err
	}

	log.Info("Downloading dataset")
	archive := filepath.Join(dir, "dataset.zip")
	if err := a.Fetcher.Fetch(ctx, url, archive, log); err != nil {
		return "", err
	}

	log.Info("Extracting dataset")
	n, err := ziputil.Extract(ctx, archive, dataDir, log)
	if err != nil {
		return "", fmt.Errorf("failed to extract dataset: %w", err)
	}
	if err := os.Remove(archive); err != nil {
		return "", err
	}
	if err := Touch(marker); err != nil {
		return "", err
	}
	log.Info(fmt.Sprintf("Dataset ready (%d files)", n))
	return dataDir, nil
}

// Registration pairs a kind with its actor, for wiring into a runner.
type Registration struct {
	Kind  string
	Actor jobs.Actor
}

// FromCommands builds one DatasetActor per configured command.
func FromCommands(ws Workspace, fetcher Fetcher, publicURL string, commands map[string]CommandProcessor, logger *slog.Logger) ([]Registration, error) {
	regs := make([]Registration, 0, len(commands))
	for kind, proc := range commands {
		if err := ValidName(kind); err != nil {
			return nil, err
		}
		if proc.Command == "" {
			return nil, fmt.Errorf("actor %s: command is required", kind)
		}
		a := &DatasetActor{
			Kind:      kind,
			Workspace: ws,
			Fetcher:   fetcher,
			Processor: proc,
			PublicURL: publicURL,
			Logger:    logger,
		}
		regs = append(regs, Registration{Kind: kind, Actor: a.Run})
	}
	return regs, nil
}
