package builder

import (
	"path/filepath"
	"strings"

	appErr "arenajudge/pkg/errors"

	"github.com/google/shlex"
)

// Language defines how a bot written in one language is detected, built and started.
type Language struct {
	Name string `yaml:"name"`
	// Markers are glob patterns relative to the bot directory, e.g. "MyBot.py".
	Markers []string `yaml:"markers"`
	// Compile commands run in order inside the bot directory. Empty means nothing to build.
	Compile []string `yaml:"compile"`
	Run     string   `yaml:"run"`
}

// Registry holds languages in detection order.
type Registry struct {
	languages []Language
}

// NewRegistry creates a registry from config. Entries without name or markers are skipped.
func NewRegistry(languages []Language) *Registry {
	kept := make([]Language, 0, len(languages))
	for _, lang := range languages {
		if lang.Name == "" || len(lang.Markers) == 0 {
			continue
		}
		kept = append(kept, lang)
	}
	return &Registry{languages: kept}
}

// Detect returns the first language whose marker exists in botDir.
func (r *Registry) Detect(botDir string) (Language, bool) {
	for _, lang := range r.languages {
		for _, marker := range lang.Markers {
			matches, err := filepath.Glob(filepath.Join(botDir, marker))
			if err == nil && len(matches) > 0 {
				return lang, true
			}
		}
	}
	return Language{}, false
}

// ExpectedEntries lists every marker, used in diagnostics when detection fails.
func (r *Registry) ExpectedEntries() []string {
	var out []string
	for _, lang := range r.languages {
		for _, marker := range lang.Markers {
			out = append(out, marker+" ("+lang.Name+")")
		}
	}
	return out
}

// expandTemplate substitutes {dir} with the bot directory.
func expandTemplate(tpl, botDir string) string {
	return strings.ReplaceAll(tpl, "{dir}", botDir)
}

func buildCommand(tpl, botDir string) ([]string, error) {
	if strings.TrimSpace(tpl) == "" {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command template is required")
	}
	fields, err := shlex.Split(expandTemplate(tpl, botDir))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidParams, "parse command template failed")
	}
	if len(fields) == 0 {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command is empty after expansion")
	}
	return fields, nil
}
