package tasking

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/discover-tasks/internal/domain"
)

// LogFileName is the durable per-Task log kept next to the results.
const LogFileName = "log.txt"

// Artifacts lays out the Requester's media root:
//
//	{root}/{kind}/{task_id}/result/log.txt durable task log
//	{root}/{kind}/{task_id}/result/files/  extracted results
//	{root}/{kind}/{task_id}/results.zip    curated result archive
//	{root}/datasets/{dataset_id}.zip       uploaded dataset archives
type Artifacts struct {
	Root string
}

// TaskDir holds everything stored for task.
func (a Artifacts) TaskDir(task *domain.Task) string {
	return filepath.Join(a.Root, task.Kind, task.ID.String())
}

// ResultDir holds the extracted results and the log file.
func (a Artifacts) ResultDir(task *domain.Task) string {
	return filepath.Join(a.TaskDir(task), "result")
}

// FilesDir holds the extracted result files.
func (a Artifacts) FilesDir(task *domain.Task) string {
	return filepath.Join(a.ResultDir(task), "files")
}

// ArchivePath is the curated result archive of task.
func (a Artifacts) ArchivePath(task *domain.Task) string {
	return filepath.Join(a.TaskDir(task), "results.zip")
}

// LogPath is the durable log of task.
func (a Artifacts) LogPath(task *domain.Task) string {
	return filepath.Join(a.ResultDir(task), LogFileName)
}

// DatasetArchivePath is where an uploaded dataset archive is kept.
func (a Artifacts) DatasetArchivePath(id uuid.UUID) string {
	return filepath.Join(a.Root, "datasets", id.String()+".zip")
}

// AppendLog adds a timestamped entry to the log of task.
func (a Artifacts) AppendLog(task *domain.Task, text string) error {
	path := a.LogPath(task)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open task log: %w", err)
	}
	_, err = fmt.Fprintf(f, "[%s] %s\n", time.Now().UTC().Format(time.RFC3339), text)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return err
}

// ReadLog returns the log of task, or "" when nothing was written.
func (a Artifacts) ReadLog(task *domain.Task) (string, error) {
	data, err := os.ReadFile(a.LogPath(task))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// RemoveTask deletes every file stored for task.
func (a Artifacts) RemoveTask(task *domain.Task) error {
	return os.RemoveAll(a.TaskDir(task))
}
