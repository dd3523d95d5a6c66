package dlq

import (
	"os"
	"path/filepath"
	"slices"
	"time"
)

// fileInfo pairs a dlq file path with its modification time.
type fileInfo struct {
	path  string
	mtime time.Time
}

// excessFiles returns the paths that fall outside the keep bound, oldest
// first. Files are ranked by modification time, newest retained. A keep
// bound of zero or less retains everything.
func excessFiles(dir string, keep int) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}

	matches, err := filepath.Glob(filepath.Join(dir, filePrefix+"*.jsonl"))
	if err != nil {
		return nil, err
	}

	infos := make([]fileInfo, 0, len(matches))
	for _, path := range matches {
		st, err := os.Stat(path)
		if err != nil {
			// File may have been swept concurrently; skip it.
			continue
		}
		infos = append(infos, fileInfo{path: path, mtime: st.ModTime()})
	}

	if len(infos) <= keep {
		return nil, nil
	}

	// Newest first; everything past the keep bound is excess.
	slices.SortFunc(infos, func(a, b fileInfo) int {
		return b.mtime.Compare(a.mtime)
	})

	doomed := make([]string, 0, len(infos)-keep)
	for _, fi := range infos[keep:] {
		doomed = append(doomed, fi.path)
	}
	return doomed, nil
}
