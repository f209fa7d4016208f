// Package match plays a match task: make every participant runnable, run the engine, post the result.
package match

import (
	"context"

	"arenajudge/internal/worker/engine"
	"arenajudge/internal/worker/model"
	"arenajudge/internal/worker/pipeline"
	appErr "arenajudge/pkg/errors"
	"arenajudge/pkg/utils/contextkey"
	"arenajudge/pkg/utils/logger"

	"go.uber.org/zap"
)

// Pipeline makes a submission runnable.
type Pipeline interface {
	EnsureRunnable(ctx context.Context, id int64, opts pipeline.Options) (pipeline.Runnable, error)
}

// Scratch discards a submission's scratch dir.
type Scratch interface {
	Discard(id int64) error
}

// Poster posts results to the coordinator.
type Poster interface {
	PostResult(ctx context.Context, method string, result any) error
}

// RunCommander tells how to start a bot.
type RunCommander interface {
	RunCommand(botDir string) (string, error)
}

// Deps are the orchestrator collaborators.
type Deps struct {
	Pipeline Pipeline
	Scratch  Scratch
	Maps     *MapCache
	Builder  RunCommander
	Engine   pipeline.MatchRunner
	Poster   Poster
	Posts    *model.PostSequence
	Log      *logger.Logger
}

// Orchestrator runs match tasks.
type Orchestrator struct {
	defaults map[string]any
	deps     Deps
	log      *logger.Logger
}

// NewOrchestrator creates an orchestrator. defaults are the engine options used when a task has none.
func NewOrchestrator(defaults map[string]any, deps Deps) (*Orchestrator, error) {
	if deps.Pipeline == nil || deps.Maps == nil || deps.Builder == nil || deps.Engine == nil || deps.Poster == nil {
		return nil, appErr.ValidationError("match", "pipeline, maps, builder, engine and poster are required")
	}
	if deps.Posts == nil {
		deps.Posts = &model.PostSequence{}
	}
	log := deps.Log
	if log == nil {
		log = logger.NewNop()
	}
	return &Orchestrator{defaults: defaults, deps: deps, log: log}, nil
}

// Run plays task and posts either the engine result or an error result.
// Failures end up in the posted result, so Run itself only fails through panics.
func (o *Orchestrator) Run(ctx context.Context, task model.Task) {
	ctx = contextkey.With(ctx, contextkey.MatchID, task.MatchID)
	postID := o.deps.Posts.Next()
	o.log.Info(ctx, "Running match", zap.Int64s("submissions", task.SubmissionIDs), zap.String("map", task.MapFilename))

	result, err := o.play(ctx, task)
	if err != nil {
		o.log.Error(ctx, "Match failed", zap.Error(err))
		errResult := model.MatchErrorResult{PostID: postID, MatchupID: task.MatchID, Error: err.Error()}
		if postErr := o.deps.Poster.PostResult(ctx, model.MethodPostGameResult, errResult); postErr != nil {
			o.log.Error(ctx, "Post match error failed", zap.Error(postErr))
		}
		return
	}

	delete(result, "game_id")
	result["matchup_id"] = task.MatchID
	result["post_id"] = postID
	if err := o.deps.Poster.PostResult(ctx, model.MethodPostGameResult, result); err != nil {
		o.log.Error(ctx, "Post match result failed", zap.Error(err))
	}
}

func (o *Orchestrator) play(ctx context.Context, task model.Task) (map[string]any, error) {
	options := make(map[string]any)
	source := task.Options
	if source == nil {
		source = o.defaults
	}
	for k, v := range source {
		options[k] = v
	}
	mapData, err := o.deps.Maps.Get(ctx, task.MapFilename)
	if err != nil {
		return nil, err
	}
	options["map"] = mapData
	options["output_json"] = true

	bots := make([]engine.Bot, 0, len(task.SubmissionIDs))
	for _, id := range task.SubmissionIDs {
		r, err := o.deps.Pipeline.EnsureRunnable(ctx, id, pipeline.Options{})
		if err != nil {
			if o.deps.Scratch != nil {
				if discardErr := o.deps.Scratch.Discard(id); discardErr != nil {
					o.log.Warn(ctx, "Discard scratch failed", zap.Int64("submission_id", id), zap.Error(discardErr))
				}
			}
			return nil, appErr.Wrapf(err, appErr.OrchestrationError, "can not compile bot %d", id)
		}
		runCmd, err := o.deps.Builder.RunCommand(r.BotDir)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.OrchestrationError, "no run command for bot %d", id)
		}
		bots = append(bots, engine.Bot{Dir: r.BotDir, Command: runCmd})
	}
	options["game_id"] = task.MatchID

	out, err := o.deps.Engine.RunMatch(ctx, engine.Request{Bots: bots, Options: options})
	if err != nil {
		return nil, err
	}
	result := make(map[string]any, len(out.Fields)+2)
	for k, v := range out.Fields {
		result[k] = v
	}
	return result, nil
}
