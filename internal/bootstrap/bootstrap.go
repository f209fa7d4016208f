// Package bootstrap downloads third-party language runtimes onto a fresh worker host.
package bootstrap

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"arenajudge/internal/common/storage"
	appErr "arenajudge/pkg/errors"
	"arenajudge/pkg/utils/logger"

	"go.uber.org/zap"
)

const defaultTimeout = 10 * time.Minute

// Source is one runtime package and the file name it is saved under.
type Source struct {
	URL      string `yaml:"url"`
	Filename string `yaml:"filename"`
}

// Config holds bootstrap settings.
type Config struct {
	Logger    logger.Config       `yaml:"logger"`
	Timeout   time.Duration       `yaml:"timeout"`
	UserAgent string              `yaml:"userAgent"`
	Storage   storage.MinIOConfig `yaml:"storage"`
	Sources   []Source            `yaml:"sources"`
}

// Report lists the outcome of one bootstrap run.
type Report struct {
	Downloaded []string
	Failed     []string
}

// Fetcher downloads sources over HTTP(S) or from object storage (s3://bucket/key).
type Fetcher struct {
	httpClient *http.Client
	objects    storage.ObjectStorage
	timeout    time.Duration
	userAgent  string
	log        *logger.Logger
}

// NewFetcher creates a fetcher. objects may be nil when no s3:// sources are used.
func NewFetcher(cfg Config, objects storage.ObjectStorage, log *logger.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Fetcher{
		httpClient: &http.Client{},
		objects:    objects,
		timeout:    cfg.Timeout,
		userAgent:  cfg.UserAgent,
		log:        log,
	}
}

// Run downloads every source into destDir. Failed items are logged and the rest still run.
func (f *Fetcher) Run(ctx context.Context, sources []Source, destDir string) (Report, error) {
	var report Report
	info, err := os.Stat(destDir)
	if err != nil || !info.IsDir() {
		return report, appErr.Newf(appErr.BootstrapFailed, "destination directory %s does not exist", destDir)
	}
	f.log.Info(ctx, "Downloading files", zap.String("dest", destDir), zap.Int("count", len(sources)))
	for _, src := range sources {
		if err := f.fetch(ctx, src, destDir); err != nil {
			f.log.Error(ctx, "Download failed", zap.String("url", src.URL), zap.String("filename", src.Filename), zap.Error(err))
			report.Failed = append(report.Failed, src.Filename)
			continue
		}
		f.log.Info(ctx, "Downloaded", zap.String("filename", src.Filename))
		report.Downloaded = append(report.Downloaded, src.Filename)
	}
	if len(report.Failed) > 0 {
		return report, appErr.Newf(appErr.BootstrapFailed, "%d of %d downloads failed", len(report.Failed), len(sources))
	}
	return report, nil
}

func (f *Fetcher) fetch(ctx context.Context, src Source, destDir string) error {
	name := filepath.Base(src.Filename)
	if src.Filename == "" || name != src.Filename || name == "." || name == ".." {
		return fmt.Errorf("invalid filename %q", src.Filename)
	}
	u, err := url.Parse(src.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var (
		body io.ReadCloser
		size int64
	)
	switch u.Scheme {
	case "http", "https":
		body, size, err = f.openHTTP(ctx, src.URL)
	case "s3":
		body, size, err = f.openObject(ctx, u)
	default:
		err = fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if err != nil {
		return err
	}
	defer body.Close()
	return writeAtomic(filepath.Join(destDir, name), body, size)
}

// openHTTP returns the body and its declared size, -1 when unknown.
func (f *Fetcher) openHTTP(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request failed: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp.Body, resp.ContentLength, nil
}

func (f *Fetcher) openObject(ctx context.Context, u *url.URL) (io.ReadCloser, int64, error) {
	if f.objects == nil {
		return nil, 0, fmt.Errorf("object storage is not configured")
	}
	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return nil, 0, fmt.Errorf("s3 url needs bucket and key")
	}
	stat, err := f.objects.StatObject(ctx, bucket, key)
	if err != nil {
		return nil, 0, err
	}
	body, err := f.objects.GetObject(ctx, bucket, key)
	if err != nil {
		return nil, 0, err
	}
	return body, stat.SizeBytes, nil
}

// writeAtomic streams r into path through a temp file in the same directory.
// A non-negative size must match the number of bytes written.
func writeAtomic(path string, r io.Reader, size int64) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".bootstrap-*")
	if err != nil {
		return fmt.Errorf("create temp file failed: %w", err)
	}
	tmpPath := tmp.Name()
	written, err := io.Copy(tmp, r)
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write file failed: %w", err)
	}
	if size >= 0 && written != size {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("size mismatch: got %d bytes, expected %d", written, size)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close file failed: %w", err)
	}
	_ = os.Chmod(tmpPath, 0644)
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename file failed: %w", err)
	}
	return nil
}
