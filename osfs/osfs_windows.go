//go:build windows

package osfs

import (
	"os"
	"path/filepath"
)

type fileID struct {
	path string
}

func statFileID(path string, fi os.FileInfo) fileID {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return fileID{path: path}
}

func access(path string, write bool) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !write || fi.Mode().Perm()&0o200 != 0
}
