// Package dispatcher is the worker's task loop: fetch a task, route it, clean up, repeat.
// Anything it cannot classify stops the process.
package dispatcher

import (
	"context"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"arenajudge/internal/worker/model"
	"arenajudge/internal/worker/pipeline"
	appErr "arenajudge/pkg/errors"
	"arenajudge/pkg/utils/contextkey"
	"arenajudge/pkg/utils/logger"

	"go.uber.org/zap"
)

const defaultIdleBackoff = 20 * time.Second

// Config holds dispatcher settings.
type Config struct {
	IdleBackoff time.Duration `yaml:"idleBackoff"`
}

// TaskSource hands out tasks.
type TaskSource interface {
	FetchTask(ctx context.Context) model.Task
}

// Submissions builds submissions for compile tasks.
type Submissions interface {
	EnsureRunnable(ctx context.Context, id int64, opts pipeline.Options) (pipeline.Runnable, error)
}

// Scratch cleans up after failed compile tasks.
type Scratch interface {
	Discard(id int64) error
	Forget(id int64)
}

// Matches plays match tasks.
type Matches interface {
	Run(ctx context.Context, task model.Task)
}

// Deps are the dispatcher collaborators.
type Deps struct {
	Tasks       TaskSource
	Submissions Submissions
	Scratch     Scratch
	Matches     Matches
	// Replay delivers spooled posts; called once before the first task.
	Replay func(ctx context.Context)
	// Sleep defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// Exit defaults to os.Exit.
	Exit func(code int)
	Log  *logger.Logger
}

// Dispatcher runs tasks one at a time.
type Dispatcher struct {
	idle       time.Duration
	deps       Deps
	log        *logger.Logger
	replayOnce sync.Once
	seq        int64
}

// New creates a dispatcher.
func New(cfg Config, deps Deps) (*Dispatcher, error) {
	if deps.Tasks == nil || deps.Submissions == nil || deps.Scratch == nil || deps.Matches == nil {
		return nil, appErr.ValidationError("dispatcher", "tasks, submissions, scratch and matches are required")
	}
	if cfg.IdleBackoff <= 0 {
		cfg.IdleBackoff = defaultIdleBackoff
	}
	if deps.Sleep == nil {
		deps.Sleep = sleepContext
	}
	if deps.Exit == nil {
		deps.Exit = os.Exit
	}
	log := deps.Log
	if log == nil {
		log = logger.NewNop()
	}
	return &Dispatcher{idle: cfg.IdleBackoff, deps: deps, log: log}, nil
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

// Run handles n tasks, or tasks until ctx is cancelled when n <= 0.
// Cancellation is only observed between tasks. A fatal task failure calls Exit(1) and is returned.
func (d *Dispatcher) Run(ctx context.Context, n int) error {
	d.replayOnce.Do(func() {
		if d.deps.Replay != nil {
			d.deps.Replay(ctx)
		}
	})
	for i := 0; n <= 0 || i < n; i++ {
		if ctx.Err() != nil {
			d.log.Info(ctx, "Task loop interrupted", zap.Int("handled", i))
			return nil
		}
		last := n > 0 && i == n-1
		if err := d.step(ctx, last); err != nil {
			return err
		}
	}
	return nil
}

// step handles one task. A panic or unclassified error is fatal.
func (d *Dispatcher) step(ctx context.Context, last bool) (err error) {
	d.seq++
	ctx = contextkey.With(ctx, contextkey.TaskID, d.seq)

	defer func() {
		if r := recover(); r != nil {
			err = appErr.Newf(appErr.InternalServerError, "task panicked: %v", r)
			d.log.Error(ctx, "Task failure", zap.Any("panic", r), zap.String("stack", string(debug.Stack())))
			d.deps.Exit(1)
		}
	}()

	task := d.deps.Tasks.FetchTask(ctx)
	// Interrupts are honored between tasks only.
	taskCtx := context.WithoutCancel(ctx)
	switch task.Kind {
	case model.TaskCompile:
		d.log.Info(ctx, "Received task", zap.String("task", "compile"), zap.Int64("submission_id", task.SubmissionID))
		return d.compile(taskCtx, task.SubmissionID)
	case model.TaskMatch:
		d.log.Info(ctx, "Received task", zap.String("task", "match"), zap.Int64("match_id", task.MatchID))
		d.deps.Matches.Run(taskCtx, task)
		return nil
	default:
		if !last {
			_ = d.deps.Sleep(ctx, d.idle)
		}
		return nil
	}
}

func (d *Dispatcher) compile(ctx context.Context, id int64) error {
	_, err := d.deps.Submissions.EnsureRunnable(ctx, id, pipeline.Options{Report: true, Test: true})
	if err == nil {
		return nil
	}
	code := appErr.GetCode(err)
	switch {
	case code == appErr.Interrupted:
		d.log.Warn(ctx, "Task interrupted", zap.Error(err))
		return nil
	case code == appErr.TestError:
		// The scratch dir stays on disk for inspection.
		d.deps.Scratch.Forget(id)
		return nil
	case code.IsSubmissionFailure():
		if discardErr := d.deps.Scratch.Discard(id); discardErr != nil {
			d.log.Warn(ctx, "Discard scratch failed", zap.Error(discardErr))
		}
		return nil
	}
	return d.fatal(ctx, err)
}

func (d *Dispatcher) fatal(ctx context.Context, err error) error {
	d.log.Error(ctx, "Task failure",
		zap.Error(err),
		zap.Int("code", int(appErr.GetCode(err))),
		zap.String("stack", appErr.StackOf(err)))
	d.deps.Exit(1)
	return err
}
