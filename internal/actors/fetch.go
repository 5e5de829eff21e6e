package actors

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/phrazzld/discover-tasks/internal/joblog"
)

// Fetcher downloads a URL to a local file.
type Fetcher interface {
	Fetch(ctx context.Context, url, dest string, log joblog.Reporter) error
}

// HTTPFetcher downloads over HTTP and reports progress in MiB when the
// server sends a Content-Length.
type HTTPFetcher struct {
	Client *http.Client
}

const mib = 1 << 20

// Fetch streams url into dest through a temporary file.
func (f HTTPFetcher) Fetch(ctx context.Context, url, dest string, log joblog.Reporter) error {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("invalid dataset url: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download dataset: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download dataset: status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".fetch-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	total := 0
	if resp.ContentLength > 0 {
		total = int((resp.ContentLength + mib - 1) / mib)
	}
	body := &progressReader{r: resp.Body, log: log, total: total}
	_, err = io.Copy(tmp, body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	log.Progress(0, total, "Downloading dataset", joblog.End())
	if err != nil {
		return fmt.Errorf("failed to download dataset: %w", err)
	}
	return os.Rename(tmp.Name(), dest)
}

// progressReader reports one progress step per MiB read.
type progressReader struct {
	r        io.Reader
	log      joblog.Reporter
	total    int
	read     int64
	reported int
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if done := int(p.read / mib); done > p.reported {
		p.reported = done
		p.log.Progress(done, p.total, "Downloading dataset")
	}
	return n, err
}
