package actors

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/phrazzld/discover-tasks/internal/joblog"
	"github.com/phrazzld/discover-tasks/internal/jobs"
)

// Input is what a Processor works on.
type Input struct {
	Job *jobs.Job
	// DatasetDir holds the extracted dataset, or is empty for jobs without one.
	DatasetDir string
	// RunDir is scratch space private to the job.
	RunDir string
	// OutputDir receives everything that should be packaged as the result.
	OutputDir string
}

// Processor performs the domain computation of a job kind.
type Processor interface {
	Process(ctx context.Context, in Input, log joblog.Reporter) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, in Input, log joblog.Reporter) error

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, in Input, log joblog.Reporter) error {
	return f(ctx, in, log)
}

// progressLine is the stdout protocol for progress: "progress: 3/10 Title".
var progressLine = regexp.MustCompile(`^progress:\s*(\d+)/(\d+)\s*(.*)$`)

// StopGrace is how long a command gets between SIGINT and SIGKILL when its
// job is aborted or times out.
const StopGrace = 10 * time.Second

// CommandProcessor runs an external program. Args may reference {dataset},
// {output}, {run}, {experiment} and {params}; the same values are exported
// as DISCOVER_* environment variables. Standard output lines become infos,
// or progress updates when they follow the progress protocol; standard
// error lines become warnings collapsed under "stderr".
type CommandProcessor struct {
	Command string
	Args    []string
}

// Process runs the command and waits for it.
func (p CommandProcessor) Process(ctx context.Context, in Input, log joblog.Reporter) error {
	params := string(in.Job.Parameters)
	if params == "" {
		params = "{}"
	}
	repl := strings.NewReplacer(
		"{dataset}", in.DatasetDir,
		"{output}", in.OutputDir,
		"{run}", in.RunDir,
		"{experiment}", in.Job.ExperimentID,
		"{params}", params,
	)
	args := make([]string, len(p.Args))
	for i, a := range p.Args {
		args[i] = repl.Replace(a)
	}

	cmd := exec.CommandContext(ctx, p.Command, args...)
	cmd.Dir = in.RunDir
	cmd.Env = append(os.Environ(),
		"DISCOVER_DATASET_DIR="+in.DatasetDir,
		"DISCOVER_OUTPUT_DIR="+in.OutputDir,
		"DISCOVER_RUN_DIR="+in.RunDir,
		"DISCOVER_EXPERIMENT_ID="+in.Job.ExperimentID,
		"DISCOVER_TRACKING_ID="+in.Job.ID.String(),
		"DISCOVER_PARAMETERS="+params,
	)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGINT) }
	cmd.WaitDelay = StopGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	log.Info(fmt.Sprintf("Running %s", p.Command))
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", p.Command, err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanLines(stdout, func(line string) {
			if m := progressLine.FindStringSubmatch(line); m != nil {
				cur, _ := strconv.Atoi(m[1])
				total, _ := strconv.Atoi(m[2])
				title := strings.TrimSpace(m[3])
				if title == "" {
					title = p.Command
				}
				log.Progress(cur, total, title)
				return
			}
			log.Info(line)
		})
	}()
	go func() {
		defer wg.Done()
		scanLines(stderr, func(line string) {
			log.Warning(line, joblog.Collapse("stderr"))
		})
	}()
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return fmt.Errorf("%s failed: %w", p.Command, err)
	}
	return nil
}

func scanLines(r io.Reader, fn func(string)) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for sc.Scan() {
		if line := strings.TrimRight(sc.Text(), "\r"); line != "" {
			fn(line)
		}
	}
}
