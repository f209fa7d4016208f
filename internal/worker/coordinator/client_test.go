package coordinator

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"arenajudge/internal/worker/model"
	appErr "arenajudge/pkg/errors"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeSpool struct {
	mu    sync.Mutex
	saved []string
}

func (s *fakeSpool) Save(_ context.Context, method string, payload []byte, digest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, method+"|"+string(payload)+"|"+digest)
	return nil
}

type sleepRecorder struct {
	calls []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.calls = append(s.calls, d)
	return nil
}

func newServer(t *testing.T, register func(r *gin.Engine)) *httptest.Server {
	t.Helper()
	r := gin.New()
	register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func newClient(t *testing.T, srv *httptest.Server, cfg Config, opts ...Option) *Client {
	t.Helper()
	cfg.BaseURL = srv.URL
	if cfg.APIKey == "" {
		cfg.APIKey = "secret"
	}
	c, err := New(cfg, nil, opts...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func md5Hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func TestPostResultWrongDigestIsBounded(t *testing.T) {
	var hits atomic.Int32
	srv := newServer(t, func(r *gin.Engine) {
		r.POST("/post_compile_result", func(c *gin.Context) {
			hits.Add(1)
			c.JSON(http.StatusOK, gin.H{"hash": "0000"})
		})
	})
	spool := &fakeSpool{}
	sleeper := &sleepRecorder{}
	client := newClient(t, srv, Config{PostAttempts: 3, PostBackoff: 5 * time.Second},
		WithSpool(spool), WithSleep(sleeper.sleep))

	result := model.CompileResult{PostID: 1, SubmissionID: 4042, StatusID: model.StatusRunable}
	err := client.PostResult(context.Background(), model.MethodPostCompileResult, result)
	if !appErr.Is(err, appErr.PostExhausted) {
		t.Fatalf("expected PostExhausted, got %v", err)
	}
	if hits.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", hits.Load())
	}
	if len(sleeper.calls) != 2 {
		t.Fatalf("expected 2 backoff sleeps, got %d", len(sleeper.calls))
	}
	for _, d := range sleeper.calls {
		if d != 5*time.Second {
			t.Fatalf("unexpected backoff %v", d)
		}
	}
	if len(spool.saved) != 1 {
		t.Fatalf("expected one spooled post, got %d", len(spool.saved))
	}
	payload := `{"post_id":1,"submission_id":4042,"status_id":40}`
	if spool.saved[0] != "post_compile_result|"+payload+"|"+md5Hex([]byte(payload)) {
		t.Fatalf("unexpected spooled post %q", spool.saved[0])
	}
}

func TestPostResultRetriesUntilEcho(t *testing.T) {
	var hits atomic.Int32
	srv := newServer(t, func(r *gin.Engine) {
		r.POST("/post_game_result", func(c *gin.Context) {
			if c.Query("api_key") != "secret" {
				c.Status(http.StatusForbidden)
				return
			}
			body, _ := io.ReadAll(c.Request.Body)
			if hits.Add(1) == 1 {
				c.String(http.StatusInternalServerError, "busy")
				return
			}
			c.JSON(http.StatusOK, gin.H{"hash": md5Hex(body)})
		})
	})
	spool := &fakeSpool{}
	sleeper := &sleepRecorder{}
	client := newClient(t, srv, Config{PostAttempts: 5}, WithSpool(spool), WithSleep(sleeper.sleep))

	result := map[string]any{"matchup_id": 9, "post_id": 2, "status": []string{"survived"}}
	if err := client.PostResult(context.Background(), model.MethodPostGameResult, result); err != nil {
		t.Fatalf("post: %v", err)
	}
	if hits.Load() != 2 || len(sleeper.calls) != 1 {
		t.Fatalf("expected 2 attempts and 1 sleep, got %d and %d", hits.Load(), len(sleeper.calls))
	}
	if len(spool.saved) != 0 {
		t.Fatal("delivered post must not be spooled")
	}
}

func TestPostResultMalformedAck(t *testing.T) {
	srv := newServer(t, func(r *gin.Engine) {
		r.POST("/post_compile_result", func(c *gin.Context) {
			c.String(http.StatusOK, "<html>ok</html>")
		})
	})
	sleeper := &sleepRecorder{}
	client := newClient(t, srv, Config{PostAttempts: 2}, WithSleep(sleeper.sleep))
	err := client.PostResult(context.Background(), model.MethodPostCompileResult, model.CompileResult{PostID: 1})
	if !appErr.Is(err, appErr.PostExhausted) || !appErr.Is(err, appErr.BadResponse) {
		t.Fatalf("expected PostExhausted wrapping BadResponse, got %v", err)
	}
}

func TestFetchTaskFailsSoft(t *testing.T) {
	tests := []struct {
		name    string
		handler gin.HandlerFunc
		want    model.TaskKind
	}{
		{
			name:    "compile task",
			handler: func(c *gin.Context) { c.String(http.StatusOK, `{"task":"compile","submission_id":"12"}`) },
			want:    model.TaskCompile,
		},
		{
			name:    "bad json",
			handler: func(c *gin.Context) { c.String(http.StatusOK, "Fatal error: database gone") },
			want:    model.TaskNone,
		},
		{
			name:    "server error",
			handler: func(c *gin.Context) { c.Status(http.StatusBadGateway) },
			want:    model.TaskNone,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(t, func(r *gin.Engine) { r.GET("/get_task", tt.handler) })
			client := newClient(t, srv, Config{})
			if got := client.FetchTask(context.Background()); got.Kind != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got.Kind)
			}
		})
	}

	client, err := New(Config{BaseURL: "http://127.0.0.1:1", Timeout: time.Second}, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if got := client.FetchTask(context.Background()); got.Kind != model.TaskNone {
		t.Fatalf("unreachable coordinator should yield none, got %s", got.Kind)
	}
}

func TestMethodPathPrefixAndSuffix(t *testing.T) {
	srv := newServer(t, func(r *gin.Engine) {
		r.GET("/api_get_submission_hash.php", func(c *gin.Context) {
			if c.Query("api_key") != "k1" || c.Query("submission_id") != "4042" {
				c.Status(http.StatusBadRequest)
				return
			}
			c.JSON(http.StatusOK, gin.H{"hash": "ABC123"})
		})
	})
	client := newClient(t, srv, Config{APIKey: "k1", PathPrefix: "api_", PathSuffix: ".php"})
	digest, err := client.FetchSubmissionHash(context.Background(), 4042)
	if err != nil {
		t.Fatalf("fetch hash: %v", err)
	}
	if !digest.Equal("abc123") {
		t.Fatalf("unexpected digest %q", digest)
	}
}

func TestFetchSubmissionArtifact(t *testing.T) {
	srv := newServer(t, func(r *gin.Engine) {
		r.GET("/get_submission", func(c *gin.Context) {
			c.Header("Content-Disposition", `attachment; filename="../../entry.zip"`)
			c.Data(http.StatusOK, "application/zip", []byte("archive-bytes"))
		})
	})
	client := newClient(t, srv, Config{})
	dir := t.TempDir()

	path, err := client.FetchSubmissionArtifact(context.Background(), 7, dir)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if path != filepath.Join(dir, "entry.zip") {
		t.Fatalf("unexpected path %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "archive-bytes" {
		t.Fatalf("unexpected content %q, err %v", data, err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("expected only the archive, found %d entries", len(entries))
	}
}

func TestFetchSubmissionArtifactRemovesPartialFile(t *testing.T) {
	srv := newServer(t, func(r *gin.Engine) {
		r.GET("/get_submission", func(c *gin.Context) {
			c.Header("Content-Disposition", "attachment; filename=entry.tgz")
			c.Header("Content-Length", "4096")
			c.Status(http.StatusOK)
			_, _ = c.Writer.Write([]byte("truncated"))
		})
	})
	client := newClient(t, srv, Config{})
	dir := t.TempDir()

	if _, err := client.FetchSubmissionArtifact(context.Background(), 7, dir); !appErr.Is(err, appErr.TransportError) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected no partial files, found %d", len(entries))
	}
}

func TestFetchSubmissionArtifactWithoutDisposition(t *testing.T) {
	srv := newServer(t, func(r *gin.Engine) {
		r.GET("/get_submission", func(c *gin.Context) {
			c.Data(http.StatusOK, "application/zip", []byte("x"))
		})
	})
	client := newClient(t, srv, Config{})
	dir := t.TempDir()
	if _, err := client.FetchSubmissionArtifact(context.Background(), 7, dir); !appErr.Is(err, appErr.BadResponse) {
		t.Fatalf("expected BadResponse, got %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected empty dir, found %d entries", len(entries))
	}
}

func TestFetchMap(t *testing.T) {
	srv := newServer(t, func(r *gin.Engine) {
		r.GET("/maps/:name", func(c *gin.Context) {
			if c.Param("name") != "maze.map" {
				c.Status(http.StatusNotFound)
				return
			}
			if c.Query("api_key") != "" {
				c.Status(http.StatusBadRequest)
				return
			}
			c.String(http.StatusOK, "rows 2\ncols 2\n")
		})
	})
	client := newClient(t, srv, Config{})

	data, err := client.FetchMap(context.Background(), "maze.map")
	if err != nil {
		t.Fatalf("fetch map: %v", err)
	}
	if string(data) != "rows 2\ncols 2\n" {
		t.Fatalf("unexpected map %q", data)
	}
	if _, err := client.FetchMap(context.Background(), "missing.map"); !appErr.Is(err, appErr.MapUnavailable) {
		t.Fatalf("expected MapUnavailable, got %v", err)
	}
	if _, err := client.FetchMap(context.Background(), "../secret"); !appErr.Is(err, appErr.MapUnavailable) {
		t.Fatalf("expected MapUnavailable for traversal, got %v", err)
	}
}

func TestDispositionFilename(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{`attachment; filename="entry.tar.gz"`, "entry.tar.gz", true},
		{`attachment; filename=entry.zip`, "entry.zip", true},
		{`attachment; filename="/"`, "", false},
		{`inline`, "", false},
		{``, "", false},
	}
	for _, tt := range tests {
		got, err := dispositionFilename(tt.header)
		if tt.ok != (err == nil) {
			t.Fatalf("%q: unexpected error %v", tt.header, err)
		}
		if got != tt.want {
			t.Fatalf("%q: expected %q, got %q", tt.header, tt.want, got)
		}
	}
}
