// Package engine runs matches through an external engine process.
// The request is written as JSON to the engine's stdin and the result JSON is read from stdout.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	appErr "arenajudge/pkg/errors"
	"arenajudge/pkg/utils/logger"

	"github.com/google/shlex"
	"go.uber.org/zap"
)

const (
	defaultTimeout = 30 * time.Minute
	stderrTail     = 2048
)

// Outcome statuses the worker reacts to.
const (
	StatusCrashed = "crashed"
	StatusTimeout = "timeout"
	StatusInvalid = "invalid"
)

// Config holds engine settings.
type Config struct {
	Command     string         `yaml:"command"`
	Timeout     time.Duration  `yaml:"timeout"`
	GameOptions map[string]any `yaml:"gameOptions"`
}

// Bot is one participant: its directory and the command that starts it.
type Bot struct {
	Dir     string `json:"dir"`
	Command string `json:"command"`
}

// Request is what the engine receives on stdin.
type Request struct {
	Bots    []Bot          `json:"bots"`
	Options map[string]any `json:"options"`
}

// Outcome is the decoded engine result.
type Outcome struct {
	// Status holds one entry per bot, in request order.
	Status []string
	// Errors holds the captured error lines per bot.
	Errors [][]string
	// Fields is the complete result object as returned by the engine.
	Fields map[string]any
}

// StatusOf returns the status of bot i or "" if the engine did not report one.
func (o Outcome) StatusOf(i int) string {
	if i < 0 || i >= len(o.Status) {
		return ""
	}
	return o.Status[i]
}

// ErrorsOf returns the error lines of bot i.
func (o Outcome) ErrorsOf(i int) []string {
	if i < 0 || i >= len(o.Errors) {
		return nil
	}
	return o.Errors[i]
}

// Failed reports whether status marks a bot that crashed, timed out or played invalid moves.
func Failed(status string) bool {
	switch status {
	case StatusCrashed, StatusTimeout, StatusInvalid:
		return true
	default:
		return false
	}
}

// Runner starts the engine command once per match.
type Runner struct {
	args    []string
	timeout time.Duration
	log     *logger.Logger
}

// NewRunner parses the engine command line.
func NewRunner(cfg Config, log *logger.Logger) (*Runner, error) {
	args, err := shlex.Split(cfg.Command)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidParams, "parse engine command failed")
	}
	if len(args) == 0 {
		return nil, appErr.ValidationError("engine.command", "required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Runner{args: args, timeout: cfg.Timeout, log: log}, nil
}

// RunMatch plays one match.
func (r *Runner) RunMatch(ctx context.Context, req Request) (Outcome, error) {
	input, err := json.Marshal(req)
	if err != nil {
		return Outcome{}, appErr.Wrapf(err, appErr.EngineError, "encode engine request failed")
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.args[0], r.args[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	r.log.Debug(ctx, "Engine finished", zap.Duration("duration", time.Since(start)), zap.Int("bots", len(req.Bots)))
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Outcome{}, appErr.Newf(appErr.EngineError, "engine timed out after %s", r.timeout)
	}
	if runErr != nil {
		return Outcome{}, appErr.Wrapf(runErr, appErr.EngineError, "engine failed: %s", tail(stderr.Bytes()))
	}
	return decodeOutcome(stdout.Bytes())
}

func decodeOutcome(data []byte) (Outcome, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return Outcome{}, appErr.Wrapf(err, appErr.EngineError, "decode engine result failed")
	}
	if fields == nil {
		return Outcome{}, appErr.New(appErr.EngineError).WithMessage("engine returned null result")
	}
	out := Outcome{Fields: fields}
	if raw, ok := fields["status"].([]any); ok {
		for _, s := range raw {
			out.Status = append(out.Status, fmt.Sprint(s))
		}
	}
	if raw, ok := fields["errors"].([]any); ok {
		for _, perBot := range raw {
			var lines []string
			if list, ok := perBot.([]any); ok {
				for _, l := range list {
					lines = append(lines, fmt.Sprint(l))
				}
			}
			out.Errors = append(out.Errors, lines)
		}
	}
	return out, nil
}

func tail(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > stderrTail {
		s = s[len(s)-stderrTail:]
	}
	return s
}
