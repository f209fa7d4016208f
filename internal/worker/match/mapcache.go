package match

import (
	"context"
	"os"
	"path/filepath"

	appErr "arenajudge/pkg/errors"
)

// MapFetcher downloads a map file from the coordinator.
type MapFetcher interface {
	FetchMap(ctx context.Context, filename string) ([]byte, error)
}

// MapCache keeps downloaded maps under a root directory. Entries are written once and never change.
type MapCache struct {
	root    string
	fetcher MapFetcher
}

// NewMapCache creates the cache root if needed.
func NewMapCache(root string, fetcher MapFetcher) (*MapCache, error) {
	if root == "" {
		return nil, appErr.ValidationError("maps_root", "required")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, appErr.Wrapf(err, appErr.MapUnavailable, "create maps root failed")
	}
	return &MapCache{root: root, fetcher: fetcher}, nil
}

// Get returns the map content, fetching and storing it on first use.
func (c *MapCache) Get(ctx context.Context, filename string) (string, error) {
	if filename == "" || filepath.Base(filename) != filename || filename == "." || filename == ".." {
		return "", appErr.Newf(appErr.MapUnavailable, "invalid map filename %q", filename)
	}
	path := filepath.Join(c.root, filename)
	if data, err := os.ReadFile(path); err == nil {
		return string(data), nil
	} else if !os.IsNotExist(err) {
		return "", appErr.Wrapf(err, appErr.MapUnavailable, "read cached map %s failed", filename)
	}

	data, err := c.fetcher.FetchMap(ctx, filename)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.MapUnavailable, "could not download map %s", filename)
	}
	if err := c.store(path, data); err != nil {
		return "", err
	}
	return string(data), nil
}

func (c *MapCache) store(path string, data []byte) error {
	tmp, err := os.CreateTemp(c.root, ".map-*")
	if err != nil {
		return appErr.Wrapf(err, appErr.MapUnavailable, "create map temp file failed")
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return appErr.Wrapf(err, appErr.MapUnavailable, "write map failed")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return appErr.Wrapf(err, appErr.MapUnavailable, "close map failed")
	}
	_ = os.Chmod(tmpPath, 0644)
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return appErr.Wrapf(err, appErr.MapUnavailable, "store map failed")
	}
	return nil
}
