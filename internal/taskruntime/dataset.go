package taskruntime

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var ErrDatasetNotFound = errors.New("dataset not found")

// DatasetProvider resolves a dataset id to its root directory and files.
type DatasetProvider interface {
	Resolve(ctx context.Context, datasetID string) (root string, files []string, err error)
}

// DirDatasets serves datasets laid out as <Root>/<dataset_id>/...
type DirDatasets struct {
	Root string
	// Extensions filters enumerated files; empty accepts everything.
	Extensions []string
}

func (d DirDatasets) Resolve(ctx context.Context, datasetID string) (string, []string, error) {
	id := strings.TrimSpace(datasetID)
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", nil, fmt.Errorf("%w: %q", ErrDatasetNotFound, datasetID)
	}
	root := filepath.Join(d.Root, id)
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return "", nil, fmt.Errorf("%w: %q", ErrDatasetNotFound, datasetID)
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if entry.IsDir() {
			if path != root && strings.HasPrefix(entry.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(entry.Name(), ".") || !d.accepts(entry.Name()) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return "", nil, fmt.Errorf("enumerate dataset %q: %w", datasetID, err)
	}
	sort.Strings(files)
	return root, files, nil
}

func (d DirDatasets) accepts(name string) bool {
	if len(d.Extensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, want := range d.Extensions {
		if strings.EqualFold(ext, want) {
			return true
		}
	}
	return false
}
