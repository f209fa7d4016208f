package store

import (
	"os"
)

// Stage is how far a submission got, derived from what is on disk.
type Stage int

const (
	StageUnstarted Stage = iota
	StageDownloaded
	StageUnpacked
	StageCompiled
)

func (s Stage) String() string {
	switch s {
	case StageUnstarted:
		return "unstarted"
	case StageDownloaded:
		return "downloaded"
	case StageUnpacked:
		return "unpacked"
	case StageCompiled:
		return "compiled"
	default:
		return "unknown"
	}
}

// BotDirName is the subdirectory an archive is unpacked into.
const BotDirName = "bot"

// DirLister is the read-only view of the filesystem the stage inspection needs.
type DirLister interface {
	Exists(path string) bool
	List(dir string) ([]string, error)
}

// OSLister reads the real filesystem.
type OSLister struct{}

func (OSLister) Exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func (OSLister) List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// Inspect derives the stage of one submission.
// An existing artifact directory wins over anything in scratch. Scratch holding a bot
// directory is unpacked; any other non-empty scratch is a finished download.
// scratchDir may be empty when no scratch directory exists yet.
func Inspect(l DirLister, artifactDir, scratchDir string) Stage {
	if l.Exists(artifactDir) {
		return StageCompiled
	}
	if scratchDir == "" {
		return StageUnstarted
	}
	names, err := l.List(scratchDir)
	if err != nil || len(names) == 0 {
		return StageUnstarted
	}
	for _, name := range names {
		if name == BotDirName {
			return StageUnpacked
		}
	}
	return StageDownloaded
}
