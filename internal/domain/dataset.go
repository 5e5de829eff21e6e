package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrEmptyDatasetSource is returned when a Dataset has neither a source URL nor an archive.
var ErrEmptyDatasetSource = errors.New("dataset needs a source url or an archive path")

// Dataset is an input collection referenced by Tasks. The Executor downloads
// it once per dataset id and reuses it across jobs.
type Dataset struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	SourceURL string    `json:"source_url,omitempty"`
	// ArchivePath is a zip file under the media root, served to the Executor.
	ArchivePath string    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewDataset creates a Dataset record.
func NewDataset(name, sourceURL, archivePath string) (*Dataset, error) {
	if sourceURL == "" && archivePath == "" {
		return nil, ErrEmptyDatasetSource
	}
	return &Dataset{
		ID:          uuid.New(),
		Name:        name,
		SourceURL:   sourceURL,
		ArchivePath: archivePath,
		CreatedAt:   time.Now().UTC(),
	}, nil
}
