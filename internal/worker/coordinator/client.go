// Package coordinator is the worker's HTTP+JSON client for the contest coordinator.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"arenajudge/internal/worker/integrity"
	"arenajudge/internal/worker/model"
	appErr "arenajudge/pkg/errors"
	"arenajudge/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	MethodGetTask           = "get_task"
	MethodGetSubmissionHash = "get_submission_hash"
	MethodGetSubmission     = "get_submission"

	defaultTimeout         = 30 * time.Second
	defaultTransferTimeout = 5 * time.Minute
	defaultPostAttempts    = 10
	defaultPostBackoff     = 5 * time.Second
)

// Config holds coordinator connection settings.
type Config struct {
	BaseURL         string        `yaml:"baseURL"`
	APIKey          string        `yaml:"apiKey"`
	Timeout         time.Duration `yaml:"timeout"`
	TransferTimeout time.Duration `yaml:"transferTimeout"`
	PostAttempts    int           `yaml:"postAttempts"`
	PostBackoff     time.Duration `yaml:"postBackoff"`
	PathPrefix      string        `yaml:"pathPrefix"`
	PathSuffix      string        `yaml:"pathSuffix"`
}

// Spooler keeps posts that could not be delivered.
type Spooler interface {
	Save(ctx context.Context, method string, payload []byte, digest string) error
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithSpool hands exhausted posts to s.
func WithSpool(s Spooler) Option {
	return func(c *Client) { c.spool = s }
}

// WithSleep replaces the backoff sleep.
func WithSleep(fn SleepFunc) Option {
	return func(c *Client) { c.sleep = fn }
}

// Client talks to the coordinator.
type Client struct {
	cfg        Config
	httpClient *http.Client
	log        *logger.Logger
	spool      Spooler
	sleep      SleepFunc
}

// New creates a coordinator client.
func New(cfg Config, log *logger.Logger, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, appErr.ValidationError("coordinator.baseURL", "required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = defaultTransferTimeout
	}
	if cfg.PostAttempts <= 0 {
		cfg.PostAttempts = defaultPostAttempts
	}
	if cfg.PostBackoff <= 0 {
		cfg.PostBackoff = defaultPostBackoff
	}
	if log == nil {
		log = logger.NewNop()
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		log:        log,
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// FetchTask asks for the next unit of work. Failures are logged and reported as no task.
func (c *Client) FetchTask(ctx context.Context) model.Task {
	resp, err := c.do(ctx, http.MethodGet, c.methodURL(MethodGetTask, nil), c.cfg.Timeout, nil)
	if err != nil {
		c.log.Error(ctx, "Get task failed", zap.Error(err))
		return model.NoTask
	}
	if resp.StatusCode != http.StatusOK {
		c.log.Error(ctx, "Get task returned non-200", zap.Int("status", resp.StatusCode))
		return model.NoTask
	}
	task, err := model.ParseTask(resp.Body)
	if err != nil {
		c.log.Error(ctx, "Bad json from coordinator during get task",
			zap.ByteString("body", truncate(resp.Body)), zap.Error(err))
		return model.NoTask
	}
	return task
}

// FetchSubmissionHash returns the digest the coordinator holds for a submission archive.
func (c *Client) FetchSubmissionHash(ctx context.Context, id int64) (integrity.Digest, error) {
	query := url.Values{"submission_id": {strconv.FormatInt(id, 10)}}
	resp, err := c.do(ctx, http.MethodGet, c.methodURL(MethodGetSubmissionHash, query), c.cfg.Timeout, nil)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.TransportError, "get submission hash failed")
	}
	if resp.StatusCode != http.StatusOK {
		return "", appErr.Newf(appErr.BadResponse, "get submission hash returned status %d", resp.StatusCode)
	}
	var body struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return "", appErr.Wrapf(err, appErr.BadResponse, "bad json from coordinator during get submission hash")
	}
	if strings.TrimSpace(body.Hash) == "" {
		return "", appErr.Newf(appErr.BadResponse, "empty hash for submission %d", id)
	}
	return integrity.Digest(body.Hash), nil
}

// FetchSubmissionArtifact downloads the archive of a submission into destDir and returns its path.
// The archive is named after the Content-Disposition filename. Partial files are removed on failure.
func (c *Client) FetchSubmissionArtifact(ctx context.Context, id int64, destDir string) (string, error) {
	query := url.Values{"submission_id": {strconv.FormatInt(id, 10)}}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.TransferTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.methodURL(MethodGetSubmission, query), nil)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.TransportError, "build request failed")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.TransportError, "get submission failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", appErr.Newf(appErr.BadResponse, "get submission returned status %d", resp.StatusCode)
	}
	name, err := dispositionFilename(resp.Header.Get("Content-Disposition"))
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(destDir, ".download-*")
	if err != nil {
		return "", appErr.Wrapf(err, appErr.ScratchError, "create download file failed")
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		_ = tmp.Close()
		cleanup()
		return "", appErr.Wrapf(err, appErr.TransportError, "download submission %d interrupted", id)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", appErr.Wrapf(err, appErr.ScratchError, "close download file failed")
	}
	target := filepath.Join(destDir, name)
	if err := os.Rename(tmpPath, target); err != nil {
		cleanup()
		return "", appErr.Wrapf(err, appErr.ScratchError, "rename download file failed")
	}
	_ = os.Chmod(target, 0644)
	return target, nil
}

// dispositionFilename extracts a plain base name from a Content-Disposition header.
func dispositionFilename(header string) (string, error) {
	if header == "" {
		return "", appErr.New(appErr.BadResponse).WithMessage("missing Content-Disposition header")
	}
	var name string
	if _, params, err := mime.ParseMediaType(header); err == nil {
		name = params["filename"]
	}
	if name == "" {
		// Some servers send an unquoted value that mime rejects.
		if idx := strings.Index(header, "filename="); idx >= 0 {
			name = strings.Trim(strings.TrimSpace(header[idx+len("filename="):]), `"'`)
		}
	}
	name = filepath.Base(filepath.FromSlash(name))
	if name == "" || name == "." || name == ".." || name == string(filepath.Separator) {
		return "", appErr.Newf(appErr.BadResponse, "invalid filename in Content-Disposition %q", header)
	}
	return name, nil
}

// FetchMap downloads a map file. Map files are public and carry no api key.
func (c *Client) FetchMap(ctx context.Context, filename string) ([]byte, error) {
	if filename == "" || filepath.Base(filename) != filename || filename == "." || filename == ".." {
		return nil, appErr.Newf(appErr.MapUnavailable, "invalid map filename %q", filename)
	}
	rawURL := fmt.Sprintf("%s/maps/%s", c.cfg.BaseURL, url.PathEscape(filename))
	c.log.Info(ctx, "Downloading map", zap.String("url", rawURL))
	resp, err := c.do(ctx, http.MethodGet, rawURL, c.cfg.TransferTimeout, nil)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.MapUnavailable, "get map %s failed", filename)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, appErr.Newf(appErr.MapUnavailable, "get map %s returned status %d", filename, resp.StatusCode)
	}
	return resp.Body, nil
}

// PostResult serializes result and posts it until the coordinator echoes its digest.
// After PostAttempts failed attempts the post is spooled and a PostExhausted error is returned.
// The error is informational: callers log it and move on.
func (c *Client) PostResult(ctx context.Context, method string, result any) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return appErr.Wrapf(err, appErr.InvalidParams, "encode %s payload failed", method)
	}
	digest := integrity.Hash(payload)
	c.log.Debug(ctx, "Posting result", zap.String("method", method), zap.ByteString("payload", payload))
	c.log.Info(ctx, "Posting hash", zap.String("method", method), zap.String("hash", digest.String()))

	var lastErr error
	for attempt := 1; attempt <= c.cfg.PostAttempts; attempt++ {
		lastErr = c.Deliver(ctx, method, payload)
		if lastErr == nil {
			return nil
		}
		c.log.Warn(ctx, "Post attempt failed",
			zap.String("method", method),
			zap.Int("attempt", attempt),
			zap.Int("attempts", c.cfg.PostAttempts),
			zap.Error(lastErr))
		if attempt == c.cfg.PostAttempts {
			break
		}
		if err := c.sleep(ctx, c.cfg.PostBackoff); err != nil {
			lastErr = err
			break
		}
	}

	if c.spool != nil {
		// The caller's context may already be cancelled; spooling must still happen.
		if err := c.spool.Save(context.WithoutCancel(ctx), method, payload, digest.String()); err != nil {
			c.log.Error(ctx, "Spool post failed", zap.String("method", method), zap.Error(err))
		} else {
			c.log.Warn(ctx, "Post spooled for replay", zap.String("method", method))
		}
	}
	return appErr.Wrapf(lastErr, appErr.PostExhausted, "post %s not acknowledged", method)
}

// Deliver makes one post attempt of an already serialized payload.
// It succeeds only on HTTP 200 with a body whose hash equals the payload digest.
func (c *Client) Deliver(ctx context.Context, method string, payload []byte) error {
	digest := integrity.Hash(payload)
	resp, err := c.do(ctx, http.MethodPost, c.methodURL(method, nil), c.cfg.Timeout, payload)
	if err != nil {
		return appErr.Wrapf(err, appErr.TransportError, "post %s failed", method)
	}
	if resp.StatusCode != http.StatusOK {
		return appErr.Newf(appErr.BadResponse, "coordinator did not receive post: status %d, body %s",
			resp.StatusCode, truncate(resp.Body))
	}
	var ack struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(resp.Body, &ack); err != nil {
		return appErr.Wrapf(err, appErr.BadResponse, "bad json from coordinator during post result")
	}
	if !digest.Equal(integrity.Digest(ack.Hash)) {
		return appErr.Newf(appErr.IntegrityError, "coordinator returned hash %q, expected %s", ack.Hash, digest)
	}
	return nil
}

func truncate(b []byte) []byte {
	const limit = 512
	if len(b) > limit {
		return b[:limit]
	}
	return b
}
