// Package pipeline turns a submission id into a runnable bot: download, integrity check,
// unpack, compile, functional test and promotion. Every step resumes from what is on disk.
package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"arenajudge/internal/worker/archive"
	"arenajudge/internal/worker/engine"
	"arenajudge/internal/worker/integrity"
	"arenajudge/internal/worker/model"
	"arenajudge/internal/worker/store"
	appErr "arenajudge/pkg/errors"
	"arenajudge/pkg/utils/contextkey"
	"arenajudge/pkg/utils/logger"

	"go.uber.org/zap"
)

// ArtifactStore is the part of the store the pipeline needs.
type ArtifactStore interface {
	ArtifactPath(id int64) string
	DownloadPath(id int64) (string, error)
	ScratchPath(id int64) (string, bool)
	Stage(id int64) store.Stage
	Promote(id int64) error
	Discard(id int64) error
}

// Coordinator fetches submissions and accepts status reports.
type Coordinator interface {
	FetchSubmissionHash(ctx context.Context, id int64) (integrity.Digest, error)
	FetchSubmissionArtifact(ctx context.Context, id int64, destDir string) (string, error)
	PostResult(ctx context.Context, method string, result any) error
}

// Builder compiles a bot directory and tells how to start it.
type Builder interface {
	Compile(ctx context.Context, botDir string) (string, []string, error)
	RunCommand(botDir string) (string, error)
}

// MatchRunner plays a match.
type MatchRunner interface {
	RunMatch(ctx context.Context, req engine.Request) (engine.Outcome, error)
}

// FunctionalTestConfig describes the smoke match a fresh build must survive.
type FunctionalTestConfig struct {
	Enabled             bool   `yaml:"enabled"`
	ReferenceBotDir     string `yaml:"referenceBotDir"`
	ReferenceBotCommand string `yaml:"referenceBotCommand"`
	MapPath             string `yaml:"mapPath"`
	Turns               int    `yaml:"turns"`
	Food                string `yaml:"food"`
}

// Config holds pipeline settings.
type Config struct {
	FunctionalTest FunctionalTestConfig
	// GameOptions are the engine defaults the functional test starts from.
	GameOptions map[string]any
}

// Deps are the pipeline collaborators.
type Deps struct {
	Store       ArtifactStore
	Coordinator Coordinator
	Builder     Builder
	Engine      MatchRunner
	Posts       *model.PostSequence
	// HashFile defaults to integrity.HashFile.
	HashFile func(path string) (integrity.Digest, error)
	Log      *logger.Logger
}

// Options select what EnsureRunnable does besides building.
type Options struct {
	// Report posts exactly one status for the terminal state.
	Report bool
	// Test runs the functional test before the bot counts as runnable.
	Test bool
}

// Runnable is a bot ready to be started.
type Runnable struct {
	SubmissionID int64
	Dir          string
	BotDir       string
	Language     string
}

// Pipeline is the submission state machine.
type Pipeline struct {
	cfg      Config
	store    ArtifactStore
	coord    Coordinator
	builder  Builder
	engine   MatchRunner
	posts    *model.PostSequence
	hashFile func(path string) (integrity.Digest, error)
	log      *logger.Logger

	testMapOnce sync.Once
	testMap     string
	testMapErr  error
}

// New creates a pipeline.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	if deps.Store == nil || deps.Coordinator == nil || deps.Builder == nil {
		return nil, appErr.ValidationError("pipeline", "store, coordinator and builder are required")
	}
	if cfg.FunctionalTest.Enabled && deps.Engine == nil {
		return nil, appErr.ValidationError("engine", "required when the functional test is enabled")
	}
	if cfg.FunctionalTest.Turns <= 0 {
		cfg.FunctionalTest.Turns = 30
	}
	if cfg.FunctionalTest.Food == "" {
		cfg.FunctionalTest.Food = "none"
	}
	if deps.Posts == nil {
		deps.Posts = &model.PostSequence{}
	}
	if deps.HashFile == nil {
		deps.HashFile = integrity.HashFile
	}
	if deps.Log == nil {
		deps.Log = logger.NewNop()
	}
	return &Pipeline{
		cfg:      cfg,
		store:    deps.Store,
		coord:    deps.Coordinator,
		builder:  deps.Builder,
		engine:   deps.Engine,
		posts:    deps.Posts,
		hashFile: deps.HashFile,
		log:      deps.Log,
	}, nil
}

// EnsureRunnable drives submission id to a runnable bot.
// Classified failures carry DownloadError, UnpackError, CompileError or TestError.
// ReferenceBotFailure and infrastructure errors are returned unreported.
func (p *Pipeline) EnsureRunnable(ctx context.Context, id int64, opts Options) (Runnable, error) {
	ctx = contextkey.With(ctx, contextkey.SubmissionID, id)

	if p.store.Stage(id) == store.StageCompiled {
		p.log.Info(ctx, "Already compiled")
		dir := p.store.ArtifactPath(id)
		if err := p.maybeTest(ctx, id, dir, opts); err != nil {
			return Runnable{}, err
		}
		p.report(ctx, id, opts, model.StatusRunable)
		return Runnable{SubmissionID: id, Dir: dir, BotDir: filepath.Join(dir, store.BotDirName)}, nil
	}

	if p.store.Stage(id) == store.StageUnstarted {
		if err := p.download(ctx, id); err != nil {
			return Runnable{}, p.fail(ctx, id, opts, model.StatusDownloadError, err)
		}
	}

	scratch, err := p.store.DownloadPath(id)
	if err != nil {
		return Runnable{}, err
	}

	if p.store.Stage(id) == store.StageDownloaded {
		used, err := archive.Unpack(scratch, store.BotDirName)
		if err != nil {
			return Runnable{}, p.fail(ctx, id, opts, model.StatusUnpackError, err)
		}
		p.log.Info(ctx, "Unpacked submission", zap.String("archive", used))
	}

	botDir := filepath.Join(scratch, store.BotDirName)
	p.log.Info(ctx, "Compiling submission", zap.String("dir", botDir))
	lang, lines, err := p.builder.Compile(ctx, botDir)
	if err != nil {
		if ctx.Err() != nil {
			return Runnable{}, p.interrupted(ctx, id, err)
		}
		p.log.Error(ctx, "Compile error", zap.String("language", lang), zap.String("errors", strings.Join(lines, "\n")))
		if discardErr := p.store.Discard(id); discardErr != nil {
			p.log.Warn(ctx, "Discard scratch failed", zap.Error(discardErr))
		}
		return Runnable{}, p.fail(ctx, id, opts, model.StatusCompileError, appErr.Wrapf(err, appErr.CompileError, "compile submission %d failed", id))
	}

	if err := p.maybeTest(ctx, id, scratch, opts); err != nil {
		return Runnable{}, err
	}

	if err := p.store.Promote(id); err != nil {
		if !appErr.Is(err, appErr.ConflictError) {
			return Runnable{}, err
		}
		p.log.Info(ctx, "Submission promoted by another worker")
		if discardErr := p.store.Discard(id); discardErr != nil {
			p.log.Warn(ctx, "Discard scratch failed", zap.Error(discardErr))
		}
	}
	p.report(ctx, id, opts, model.StatusRunable)
	dir := p.store.ArtifactPath(id)
	return Runnable{SubmissionID: id, Dir: dir, BotDir: filepath.Join(dir, store.BotDirName), Language: lang}, nil
}

// Download fetches and unpacks a submission without compiling it. It returns the scratch dir,
// or the artifact dir if the submission is already compiled.
func (p *Pipeline) Download(ctx context.Context, id int64) (string, error) {
	ctx = contextkey.With(ctx, contextkey.SubmissionID, id)
	switch p.store.Stage(id) {
	case store.StageCompiled:
		p.log.Info(ctx, "Already downloaded and compiled")
		return p.store.ArtifactPath(id), nil
	case store.StageUnstarted:
		if err := p.download(ctx, id); err != nil {
			return "", err
		}
	}
	scratch, err := p.store.DownloadPath(id)
	if err != nil {
		return "", err
	}
	if p.store.Stage(id) == store.StageDownloaded {
		if _, err := archive.Unpack(scratch, store.BotDirName); err != nil {
			return "", err
		}
	}
	return scratch, nil
}

// ArchiveDigest is the digest of one archive file on disk.
type ArchiveDigest struct {
	Name   string
	Digest integrity.Digest
}

// ArchiveDigests hashes the archives kept for a submission, in the artifact dir if compiled,
// else in this process's scratch dir.
func (p *Pipeline) ArchiveDigests(id int64) ([]ArchiveDigest, error) {
	dir := p.store.ArtifactPath(id)
	if p.store.Stage(id) != store.StageCompiled {
		scratch, ok := p.store.ScratchPath(id)
		if !ok {
			return nil, appErr.NotFoundError("submission path")
		}
		dir = scratch
	}
	var out []ArchiveDigest
	for _, f := range archive.Formats {
		path := filepath.Join(dir, f.Name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		d, err := p.hashFile(path)
		if err != nil {
			return nil, err
		}
		out = append(out, ArchiveDigest{Name: f.Name, Digest: d})
	}
	if len(out) == 0 {
		return nil, appErr.NotFoundError("submission archive")
	}
	return out, nil
}

// download fetches the archive into a fresh scratch dir and checks it against the coordinator digest.
// Any failure removes the scratch dir.
func (p *Pipeline) download(ctx context.Context, id int64) error {
	scratch, err := p.store.DownloadPath(id)
	if err != nil {
		return err
	}
	p.log.Info(ctx, "Downloading submission", zap.String("dir", scratch))

	discard := func() {
		if err := p.store.Discard(id); err != nil {
			p.log.Warn(ctx, "Discard scratch failed", zap.Error(err))
		}
	}
	path, err := p.coord.FetchSubmissionArtifact(ctx, id, scratch)
	if err != nil {
		discard()
		return appErr.Wrapf(err, appErr.DownloadError, "submission %d not found on coordinator", id)
	}
	remote, err := p.coord.FetchSubmissionHash(ctx, id)
	if err != nil {
		discard()
		return appErr.Wrapf(err, appErr.DownloadError, "fetch hash of submission %d failed", id)
	}
	local, err := p.hashFile(path)
	if err != nil {
		discard()
		return appErr.Wrapf(err, appErr.DownloadError, "hash downloaded submission %d failed", id)
	}
	if !local.Equal(remote) {
		p.log.Error(ctx, "Downloaded submission hash mismatch",
			zap.String("local_hash", local.String()), zap.String("remote_hash", remote.String()))
		discard()
		return appErr.Newf(appErr.IntegrityError, "hash mismatch for submission %d", id).
			WithDetail("local", local.String()).
			WithDetail("remote", remote.String())
	}
	return nil
}

func (p *Pipeline) maybeTest(ctx context.Context, id int64, dir string, opts Options) error {
	if !opts.Test || !p.cfg.FunctionalTest.Enabled {
		return nil
	}
	passed, err := p.functionalTest(ctx, id, dir)
	if err != nil {
		if ctx.Err() != nil {
			return p.interrupted(ctx, id, err)
		}
		return err
	}
	if !passed {
		p.log.Info(ctx, "Functional test failure")
		return p.fail(ctx, id, opts, model.StatusTestError,
			appErr.Newf(appErr.TestError, "submission %d failed the functional test", id))
	}
	return nil
}

// functionalTest plays a short match against the reference bot.
func (p *Pipeline) functionalTest(ctx context.Context, id int64, dir string) (bool, error) {
	ft := p.cfg.FunctionalTest
	p.log.Info(ctx, "Running functional test")

	mapData, err := p.loadTestMap()
	if err != nil {
		return false, err
	}
	botDir := filepath.Join(dir, store.BotDirName)
	runCmd, err := p.builder.RunCommand(botDir)
	if err != nil {
		// A compiled bot without a run command cannot play.
		p.log.Warn(ctx, "No run command for candidate", zap.Error(err))
		return false, nil
	}

	options := make(map[string]any, len(p.cfg.GameOptions)+5)
	for k, v := range p.cfg.GameOptions {
		options[k] = v
	}
	options["strict"] = true
	options["food"] = ft.Food
	options["turns"] = ft.Turns
	options["map"] = mapData
	options["capture_errors"] = true

	out, err := p.engine.RunMatch(ctx, engine.Request{
		Bots: []engine.Bot{
			{Dir: botDir, Command: runCmd},
			{Dir: ft.ReferenceBotDir, Command: ft.ReferenceBotCommand},
		},
		Options: options,
	})
	if err != nil {
		return false, err
	}
	p.log.Info(ctx, "Functional test finished", zap.String("status", out.StatusOf(0)))
	for _, line := range out.ErrorsOf(0) {
		p.log.Info(ctx, "Candidate error", zap.String("line", line))
	}
	if engine.Failed(out.StatusOf(1)) {
		return false, appErr.Newf(appErr.ReferenceBotFailure,
			"reference bot %s during functional test of submission %d", out.StatusOf(1), id)
	}
	return !engine.Failed(out.StatusOf(0)), nil
}

func (p *Pipeline) loadTestMap() (string, error) {
	p.testMapOnce.Do(func() {
		data, err := os.ReadFile(p.cfg.FunctionalTest.MapPath)
		if err != nil {
			p.testMapErr = appErr.Wrapf(err, appErr.MapUnavailable, "read functional test map failed")
			return
		}
		p.testMap = string(data)
	})
	return p.testMap, p.testMapErr
}

// fail reports status for a classified failure and returns err.
// A failure caused by cancellation is not the submission's fault and is never reported.
func (p *Pipeline) fail(ctx context.Context, id int64, opts Options, status model.StatusCode, err error) error {
	if ctx.Err() != nil {
		return p.interrupted(ctx, id, err)
	}
	p.log.Error(ctx, status.String(), zap.Error(err))
	p.report(ctx, id, opts, status)
	switch status {
	case model.StatusDownloadError:
		if !appErr.Is(err, appErr.DownloadError) {
			return appErr.Wrapf(err, appErr.DownloadError, "download submission %d failed", id)
		}
	case model.StatusUnpackError:
		if !appErr.Is(err, appErr.UnpackError) {
			return appErr.Wrapf(err, appErr.UnpackError, "unpack submission %d failed", id)
		}
	}
	return err
}

// interrupted wraps err without reporting a status or discarding the built bot.
func (p *Pipeline) interrupted(ctx context.Context, id int64, err error) error {
	p.log.Warn(ctx, "Submission interrupted", zap.Error(err))
	return appErr.Wrapf(err, appErr.Interrupted, "submission %d interrupted", id)
}

func (p *Pipeline) report(ctx context.Context, id int64, opts Options, status model.StatusCode) {
	if !opts.Report {
		return
	}
	result := model.CompileResult{PostID: p.posts.Next(), SubmissionID: id, StatusID: status}
	if err := p.coord.PostResult(ctx, model.MethodPostCompileResult, result); err != nil {
		p.log.Error(ctx, "Post compile result failed", zap.Stringer("status", status), zap.Error(err))
	}
}
