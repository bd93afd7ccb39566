// Package download fetches remote input files into a local work directory.
package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-job-server/internal/job"
)

// HTTPDownloader streams URLs to files under a work directory.
type HTTPDownloader struct {
	client *http.Client
	dir    string
	logger *zap.Logger
}

// NewHTTPDownloader creates a downloader writing into dir (os.TempDir when
// empty). timeout bounds each download; zero means no limit.
func NewHTTPDownloader(dir string, timeout time.Duration, logger *zap.Logger) *HTTPDownloader {
	if dir == "" {
		dir = os.TempDir()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPDownloader{
		client: &http.Client{Timeout: timeout},
		dir:    dir,
		logger: logger,
	}
}

// WorkDir returns the directory downloads and outputs are written to.
func (d *HTTPDownloader) WorkDir() string {
	return d.dir
}

// Download saves rawURL to a new file in dir (the work directory when empty)
// and returns its path. The caller owns the file. A 404 from the origin maps
// to a not-found job error.
func (d *HTTPDownloader) Download(ctx context.Context, rawURL, dir string) (string, error) {
	if dir == "" {
		dir = d.dir
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", job.BadRequest("invalid file url %q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("create download request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", job.NotFound("file %q not found", rawURL)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return "", job.BadRequest("download %s: status %d", rawURL, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("download %s: unexpected status %d", rawURL, resp.StatusCode)
	}

	out, err := os.CreateTemp(dir, "input-*"+extension(u.Path))
	if err != nil {
		return "", fmt.Errorf("create download file: %w", err)
	}
	written, err := io.Copy(out, resp.Body)
	closeErr := out.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(out.Name())
		return "", fmt.Errorf("write download %s: %w", rawURL, err)
	}
	d.logger.Debug("downloaded input",
		zap.String("url", rawURL),
		zap.String("path", out.Name()),
		zap.Int64("bytes", written),
	)
	return out.Name(), nil
}

func extension(p string) string {
	ext := path.Ext(p)
	if len(ext) > 8 || strings.ContainsAny(ext, "/\\*?") {
		return ""
	}
	return strings.ToLower(ext)
}
