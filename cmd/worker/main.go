package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"arenajudge/internal/worker/builder"
	"arenajudge/internal/worker/coordinator"
	"arenajudge/internal/worker/dispatcher"
	"arenajudge/internal/worker/engine"
	"arenajudge/internal/worker/match"
	"arenajudge/internal/worker/model"
	"arenajudge/internal/worker/pipeline"
	"arenajudge/internal/worker/spool"
	"arenajudge/internal/worker/store"
	"arenajudge/pkg/utils/contextkey"
	"arenajudge/pkg/utils/logger"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/worker.yaml"

type flags struct {
	configPath   string
	submissionID int64
	hash         bool
	download     bool
	compile      bool
	task         bool
	numTasks     int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:           "worker",
		Short:         "Compile submissions and run matches for the coordinator",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !f.hash && !f.download && !f.compile && !f.task {
				return cmd.Usage()
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			// The current task finishes after the first signal; a second one kills the process.
			go func() {
				<-ctx.Done()
				stop()
			}()
			return run(ctx, f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.configPath, "config", defaultConfigPath, "Path to config file")
	fl.Int64VarP(&f.submissionID, "submission_id", "s", 0, "Submission id")
	fl.BoolVar(&f.hash, "hash", false, "Print the digest of a submission")
	fl.BoolVarP(&f.download, "download", "d", false, "Download and unpack a submission")
	fl.BoolVarP(&f.compile, "compile", "c", false, "Compile a submission, or the current directory without -s")
	fl.BoolVarP(&f.task, "task", "t", false, "Run the task loop")
	fl.IntVarP(&f.numTasks, "num_tasks", "n", 1, "Number of tasks to run, <= 0 runs until interrupted")
	return cmd
}

type mode int

const (
	modeUsage mode = iota
	modeHash
	modeDownloadCompile
	modeDownload
	modeCompile
	modeCompileDir
	modeTasks
)

// compileOptions are used by the CLI compile modes: no report, functional test on.
var compileOptions = pipeline.Options{Test: true}

// selectMode picks exactly one mode; earlier cases win.
func selectMode(f flags) mode {
	hasID := f.submissionID > 0
	switch {
	case f.hash && hasID:
		return modeHash
	case f.download && f.compile && hasID:
		return modeDownloadCompile
	case f.download && hasID:
		return modeDownload
	case f.compile && hasID:
		return modeCompile
	case f.compile:
		return modeCompileDir
	case f.task:
		return modeTasks
	default:
		return modeUsage
	}
}

// app holds the wired worker components.
type app struct {
	log        *logger.Logger
	store      *store.Store
	coord      *coordinator.Client
	spool      *spool.Spool
	builder    *builder.Builder
	pipeline   *pipeline.Pipeline
	dispatcher *dispatcher.Dispatcher
}

func run(ctx context.Context, f flags) error {
	cfg, err := loadAppConfig(f.configPath)
	if err != nil {
		return err
	}
	log, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		return fmt.Errorf("init logger failed: %w", err)
	}
	defer func() {
		_ = log.Sync()
	}()
	ctx = contextkey.With(ctx, contextkey.WorkerID, uuid.NewString())

	a, err := wire(cfg, log)
	if err != nil {
		log.Error(ctx, "Init worker failed", zap.Error(err))
		return err
	}
	defer a.close()

	switch selectMode(f) {
	case modeHash:
		return a.printHash(ctx, f.submissionID)
	case modeDownloadCompile, modeCompile:
		_, err = a.pipeline.EnsureRunnable(ctx, f.submissionID, compileOptions)
	case modeDownload:
		var dir string
		if dir, err = a.pipeline.Download(ctx, f.submissionID); err == nil {
			fmt.Println(dir)
		}
	case modeCompileDir:
		err = a.compileWorkingDir(ctx)
	case modeTasks:
		return a.dispatcher.Run(ctx, f.numTasks)
	default:
		return fmt.Errorf("--hash and --download need --submission_id")
	}
	if err != nil {
		log.Error(ctx, "Command failed", zap.Error(err))
	}
	return err
}

func wire(cfg *AppConfig, log *logger.Logger) (*app, error) {
	a := &app{log: log}
	var err error
	a.store, err = store.New(store.Config{
		CompiledRoot: cfg.Storage.CompiledRoot,
		ScratchRoot:  cfg.Storage.ScratchRoot,
	})
	if err != nil {
		return nil, err
	}

	var opts []coordinator.Option
	if cfg.Spool.Enabled {
		a.spool, err = spool.Open(cfg.Spool.Path)
		if err != nil {
			return nil, err
		}
		opts = append(opts, coordinator.WithSpool(a.spool))
	}
	a.coord, err = coordinator.New(cfg.Coordinator, log, opts...)
	if err != nil {
		a.close()
		return nil, err
	}

	a.builder = builder.New(cfg.Builder, log)
	var runner *engine.Runner
	if cfg.Engine.Command != "" {
		runner, err = engine.NewRunner(cfg.Engine, log)
		if err != nil {
			a.close()
			return nil, err
		}
	}

	posts := &model.PostSequence{}
	pipeDeps := pipeline.Deps{
		Store:       a.store,
		Coordinator: a.coord,
		Builder:     a.builder,
		Posts:       posts,
		Log:         log,
	}
	if runner != nil {
		pipeDeps.Engine = runner
	}
	a.pipeline, err = pipeline.New(pipeline.Config{
		FunctionalTest: cfg.FunctionalTest,
		GameOptions:    cfg.Engine.GameOptions,
	}, pipeDeps)
	if err != nil {
		a.close()
		return nil, err
	}

	// Without an engine the worker only compiles; match tasks fail when they arrive.
	var matches dispatcher.Matches = noEngine{poster: a.coord, posts: posts, log: log}
	if runner != nil {
		maps, err := match.NewMapCache(cfg.Storage.MapsRoot, a.coord)
		if err != nil {
			a.close()
			return nil, err
		}
		matches, err = match.NewOrchestrator(cfg.Engine.GameOptions, match.Deps{
			Pipeline: a.pipeline,
			Scratch:  a.store,
			Maps:     maps,
			Builder:  a.builder,
			Engine:   runner,
			Poster:   a.coord,
			Posts:    posts,
			Log:      log,
		})
		if err != nil {
			a.close()
			return nil, err
		}
	}

	dispDeps := dispatcher.Deps{
		Tasks:       a.coord,
		Submissions: a.pipeline,
		Scratch:     a.store,
		Matches:     matches,
		Log:         log,
	}
	if a.spool != nil {
		dispDeps.Replay = func(ctx context.Context) {
			delivered, remaining, err := a.spool.Replay(ctx, a.coord, log)
			if err != nil {
				log.Warn(ctx, "Replay spooled posts failed", zap.Error(err))
				return
			}
			log.Info(ctx, "Replayed spooled posts", zap.Int("delivered", delivered), zap.Int("remaining", remaining))
		}
	}
	a.dispatcher, err = dispatcher.New(cfg.Dispatcher, dispDeps)
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) close() {
	if a.spool != nil {
		_ = a.spool.Close()
	}
}

func (a *app) printHash(ctx context.Context, id int64) error {
	digest, err := a.coord.FetchSubmissionHash(ctx, id)
	if err != nil {
		a.log.Error(ctx, "Fetch submission hash failed", zap.Error(err))
		return err
	}
	fmt.Printf("coordinator %s\n", digest)
	// Local archives only exist once the submission is compiled on this host.
	local, err := a.pipeline.ArchiveDigests(id)
	if err != nil {
		return nil
	}
	for _, d := range local {
		verdict := "ok"
		if !d.Digest.Equal(digest) {
			verdict = "MISMATCH"
		}
		fmt.Printf("%s %s %s\n", d.Name, d.Digest, verdict)
	}
	return nil
}

func (a *app) compileWorkingDir(ctx context.Context) error {
	dir, err := os.Getwd()
	if err != nil {
		return err
	}
	lang, lines, err := a.builder.Compile(ctx, dir)
	for _, line := range lines {
		fmt.Println(line)
	}
	if err != nil {
		return err
	}
	fmt.Printf("compiled %s bot in %s\n", lang, dir)
	return nil
}

// noEngine answers match tasks on a compile-only worker with an error result.
type noEngine struct {
	poster match.Poster
	posts  *model.PostSequence
	log    *logger.Logger
}

func (n noEngine) Run(ctx context.Context, task model.Task) {
	ctx = contextkey.With(ctx, contextkey.MatchID, task.MatchID)
	n.log.Error(ctx, "Match task received but no engine is configured")
	result := model.MatchErrorResult{PostID: n.posts.Next(), MatchupID: task.MatchID, Error: "no match engine configured"}
	if err := n.poster.PostResult(ctx, model.MethodPostGameResult, result); err != nil {
		n.log.Error(ctx, "Post match error failed", zap.Error(err))
	}
}
