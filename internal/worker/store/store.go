// Package store maps submission ids to their scratch and artifact directories.
// The directories themselves are the persisted state; nothing else is written.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	appErr "arenajudge/pkg/errors"

	"github.com/google/uuid"
)

const (
	// shardSize bounds the fan-out of the artifact tree.
	shardSize = 1000
	dirMode   = 0755
)

// Config holds store roots. Both roots must live on the same filesystem so Promote is a rename.
type Config struct {
	CompiledRoot string
	ScratchRoot  string
	// Lister defaults to OSLister.
	Lister DirLister
}

// Store is the artifact store of one worker process.
type Store struct {
	compiledRoot string
	scratchRoot  string
	lister       DirLister

	mu      sync.Mutex
	scratch map[int64]string
}

// New creates the store and its roots.
func New(cfg Config) (*Store, error) {
	if cfg.CompiledRoot == "" {
		return nil, appErr.ValidationError("compiled_root", "required")
	}
	if cfg.ScratchRoot == "" {
		return nil, appErr.ValidationError("scratch_root", "required")
	}
	for _, dir := range []string{cfg.CompiledRoot, cfg.ScratchRoot} {
		if err := os.MkdirAll(dir, dirMode); err != nil {
			return nil, appErr.Wrapf(err, appErr.ScratchError, "create store root %s failed", dir)
		}
	}
	lister := cfg.Lister
	if lister == nil {
		lister = OSLister{}
	}
	return &Store{
		compiledRoot: cfg.CompiledRoot,
		scratchRoot:  cfg.ScratchRoot,
		lister:       lister,
		scratch:      make(map[int64]string),
	}, nil
}

// ArtifactPath returns <compiledRoot>/<id/1000>/<id>.
func (s *Store) ArtifactPath(id int64) string {
	return filepath.Join(s.compiledRoot, strconv.FormatInt(id/shardSize, 10), strconv.FormatInt(id, 10))
}

// DownloadPath returns the scratch directory of id, creating it on first use.
func (s *Store) DownloadPath(id int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dir, ok := s.scratch[id]; ok {
		return dir, nil
	}
	dir := filepath.Join(s.scratchRoot, fmt.Sprintf("%d-%s", id, uuid.NewString()))
	if err := os.Mkdir(dir, dirMode); err != nil {
		return "", appErr.Wrapf(err, appErr.ScratchError, "create scratch dir for %d failed", id)
	}
	// The build collaborator may run as another user; undo the umask.
	if err := os.Chmod(dir, dirMode); err != nil {
		_ = os.RemoveAll(dir)
		return "", appErr.Wrapf(err, appErr.ScratchError, "chmod scratch dir for %d failed", id)
	}
	s.scratch[id] = dir
	return dir, nil
}

// ScratchPath returns the scratch directory of id if one was created.
func (s *Store) ScratchPath(id int64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, ok := s.scratch[id]
	return dir, ok
}

// IsCompiled reports whether the artifact directory of id exists.
func (s *Store) IsCompiled(id int64) bool {
	return s.lister.Exists(s.ArtifactPath(id))
}

// Stage inspects the current stage of id.
func (s *Store) Stage(id int64) Stage {
	scratch, _ := s.ScratchPath(id)
	return Inspect(s.lister, s.ArtifactPath(id), scratch)
}

// Promote moves the scratch directory of id to its artifact path.
// If the artifact already exists a ConflictError is returned and scratch is left for Discard.
func (s *Store) Promote(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.scratch[id]
	if !ok {
		return appErr.Newf(appErr.ScratchError, "no scratch dir for submission %d", id)
	}
	dst := s.ArtifactPath(id)
	if err := os.MkdirAll(filepath.Dir(dst), dirMode); err != nil {
		return appErr.Wrapf(err, appErr.ScratchError, "create shard dir failed")
	}
	if _, err := os.Lstat(dst); err == nil {
		return appErr.Newf(appErr.ConflictError, "artifact for submission %d already exists", id)
	}
	if err := os.Rename(src, dst); err != nil {
		if _, statErr := os.Lstat(dst); statErr == nil {
			return appErr.Wrapf(err, appErr.ConflictError, "artifact for submission %d already exists", id)
		}
		return appErr.Wrapf(err, appErr.ScratchError, "promote submission %d failed", id)
	}
	delete(s.scratch, id)
	return nil
}

// Discard removes the scratch directory of id. Missing directories are not an error.
func (s *Store) Discard(id int64) error {
	s.mu.Lock()
	dir, ok := s.scratch[id]
	delete(s.scratch, id)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return appErr.Wrapf(err, appErr.ScratchError, "remove scratch dir %s failed", dir)
	}
	return nil
}

// Forget drops the scratch mapping of id and leaves the directory on disk.
// The next DownloadPath call for id starts from a fresh directory.
func (s *Store) Forget(id int64) {
	s.mu.Lock()
	delete(s.scratch, id)
	s.mu.Unlock()
}
