// Package builder detects a bot's language, builds it and reports how to start it.
package builder

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	appErr "arenajudge/pkg/errors"
	"arenajudge/pkg/utils/logger"

	"go.uber.org/zap"
)

const defaultCompileTimeout = 5 * time.Minute

// Config holds builder settings.
type Config struct {
	Timeout   time.Duration `yaml:"timeout"`
	Languages []Language    `yaml:"languages"`
}

// Builder compiles bots with the commands of their detected language.
type Builder struct {
	registry *Registry
	timeout  time.Duration
	log      *logger.Logger
}

// New creates a builder.
func New(cfg Config, log *logger.Logger) *Builder {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultCompileTimeout
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Builder{registry: NewRegistry(cfg.Languages), timeout: cfg.Timeout, log: log}
}

// Compile builds the bot in botDir. It returns the detected language and, on failure,
// the diagnostic lines of the failing step together with a CompileError.
func (b *Builder) Compile(ctx context.Context, botDir string) (string, []string, error) {
	lang, ok := b.registry.Detect(botDir)
	if !ok {
		lines := append([]string{"Found no recognized entry file. Expected one of:"}, b.registry.ExpectedEntries()...)
		return "", lines, appErr.New(appErr.CompileError).WithMessage("language not detected")
	}
	b.log.Info(ctx, "Compiling bot", zap.String("language", lang.Name), zap.String("dir", botDir))

	for _, tpl := range lang.Compile {
		args, err := buildCommand(tpl, botDir)
		if err != nil {
			return lang.Name, []string{err.Error()}, appErr.Wrapf(err, appErr.CompileError, "invalid compile command for %s", lang.Name)
		}
		output, err := b.run(ctx, botDir, args)
		if err != nil {
			lines := append([]string{strings.Join(args, " ") + ": " + err.Error()}, splitLines(output)...)
			return lang.Name, lines, appErr.Wrapf(err, appErr.CompileError, "compile %s bot failed", lang.Name)
		}
	}
	return lang.Name, nil, nil
}

func (b *Builder) run(ctx context.Context, dir string, args []string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return out.Bytes(), appErr.Newf(appErr.Timeout, "command timed out after %s", b.timeout)
	}
	return out.Bytes(), err
}

// RunCommand returns the command line that starts the bot in botDir.
func (b *Builder) RunCommand(botDir string) (string, error) {
	lang, ok := b.registry.Detect(botDir)
	if !ok {
		return "", appErr.Newf(appErr.NotFound, "no known language in %s", botDir)
	}
	if strings.TrimSpace(lang.Run) == "" {
		return "", appErr.Newf(appErr.InvalidParams, "language %s has no run command", lang.Name)
	}
	return expandTemplate(lang.Run, botDir), nil
}

func splitLines(output []byte) []string {
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(output))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := strings.TrimRight(sc.Text(), "\r"); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
