package delivery

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/studiodesk/internal/logger"
)

// FileDownloader saves triggered archive URLs into a directory. Trigger returns
// at once; Wait blocks until every started download has finished.
type FileDownloader struct {
	client *resty.Client
	dir    string
	now    func() time.Time

	wg   sync.WaitGroup
	mu   sync.Mutex
	errs []error
}

// NewFileDownloader creates a downloader writing into dir.
func NewFileDownloader(dir string, timeout time.Duration) *FileDownloader {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &FileDownloader{
		client: resty.New().SetTimeout(timeout),
		dir:    dir,
		now:    time.Now,
	}
}

// Trigger starts downloading rawURL in the background.
func (d *FileDownloader) Trigger(rawURL string) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if _, err := d.Fetch(context.Background(), rawURL); err != nil {
			d.mu.Lock()
			d.errs = append(d.errs, err)
			d.mu.Unlock()
		}
	}()
}

// Wait blocks until all triggered downloads are done and returns their errors.
func (d *FileDownloader) Wait() []error {
	d.wg.Wait()
	d.mu.Lock()
	defer d.mu.Unlock()
	errs := d.errs
	d.errs = nil
	return errs
}

// Fetch downloads rawURL and returns the path of the saved file.
func (d *FileDownloader) Fetch(ctx context.Context, rawURL string) (string, error) {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create download directory: %w", err)
	}
	dest := filepath.Join(d.dir, d.fileName(rawURL))
	log := logger.FromContext(ctx).WithField("path", dest)
	start := time.Now()

	resp, err := d.client.R().
		SetContext(ctx).
		SetOutput(dest).
		Get(rawURL)
	if err != nil {
		_ = os.Remove(dest)
		log.WithError(err).Error("Archive download failed")
		return "", fmt.Errorf("failed to download archive: %w", err)
	}
	if resp.IsError() {
		_ = os.Remove(dest)
		log.WithField(logger.FieldStatus, resp.StatusCode()).Error("Archive download rejected")
		return "", fmt.Errorf("failed to download archive: status %d", resp.StatusCode())
	}

	log.WithFields(logger.Fields{
		logger.FieldSize:       resp.Size(),
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
	}).Info("Archive downloaded")
	return dest, nil
}

func (d *FileDownloader) fileName(rawURL string) string {
	name := ""
	if u, err := url.Parse(rawURL); err == nil {
		name = path.Base(u.Path)
	}
	if name == "" || name == "." || name == "/" || name == ".." {
		return fmt.Sprintf("archive-%s.zip", d.now().Format("20060102-150405"))
	}
	return strings.Map(func(r rune) rune {
		if r == '\\' || r == ':' {
			return '_'
		}
		return r
	}, name)
}
